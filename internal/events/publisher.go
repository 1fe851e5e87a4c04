package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/punchamoorthee/bankledger/internal/domain"
	"github.com/redis/go-redis/v9"
)

// Publisher appends ledger events to a Redis stream. It satisfies the
// engine's Notifier.
type Publisher struct {
	client *redis.Client
	stream string
	now    func() time.Time
}

func NewPublisher(client *redis.Client, stream string) *Publisher {
	if stream == "" {
		stream = DefaultStream
	}
	return &Publisher{client: client, stream: stream, now: time.Now}
}

func (p *Publisher) Publish(ctx context.Context, eventType string, data any) error {
	eventJSON, err := encode(eventType, p.now().UTC(), data)
	if err != nil {
		return err
	}

	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]any{
			"type":  eventType,
			"event": eventJSON,
		},
	}
	if _, err := p.client.XAdd(ctx, args).Result(); err != nil {
		return fmt.Errorf("failed to publish %s: %w", eventType, err)
	}
	return nil
}

func (p *Publisher) TransactionRecorded(ctx context.Context, txn domain.Transaction) error {
	typ, data := transactionEvent(txn)
	return p.Publish(ctx, typ, data)
}

func (p *Publisher) AccountOpened(ctx context.Context, acc domain.Account) error {
	return p.Publish(ctx, AccountCreated, accountEvent(acc))
}

func (p *Publisher) AccountUpdated(ctx context.Context, acc domain.Account) error {
	return p.Publish(ctx, AccountUpdated, accountEvent(acc))
}

func encode(eventType string, ts time.Time, data any) ([]byte, error) {
	b, err := json.Marshal(Event{Type: eventType, Timestamp: ts, Data: data})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	return b, nil
}
