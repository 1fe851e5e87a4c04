package cache

import (
	"context"
	"os"
	"testing"
	"time"
)

type report struct {
	Total  int    `json:"total"`
	Period string `json:"period"`
}

func TestViewCacheRedis(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	client, err := NewClient(addr, "", 0)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer client.Close()

	ctx := context.Background()
	c := NewViewCache[report](client.Client, "test:report:", time.Minute, nil)
	key := time.Now().Format("150405.000000")
	defer c.Delete(ctx, key)

	if _, ok := c.Get(ctx, key); ok {
		t.Fatal("hit before set")
	}
	c.Set(ctx, key, &report{Total: 3, Period: "day"})
	got, ok := c.Get(ctx, key)
	if !ok || got.Total != 3 || got.Period != "day" {
		t.Fatalf("Get = %+v, %v", got, ok)
	}
	if ttl := client.TTL(ctx, "test:report:"+key).Val(); ttl <= 0 || ttl > time.Minute {
		t.Errorf("ttl = %s", ttl)
	}
	c.Delete(ctx, key)
	if _, ok := c.Get(ctx, key); ok {
		t.Fatal("hit after delete")
	}
}

func TestNewClientUnreachable(t *testing.T) {
	if testing.Short() {
		t.Skip("dials the network")
	}
	if _, err := NewClient("127.0.0.1:1", "", 0); err == nil {
		t.Fatal("expected connection error")
	}
}
