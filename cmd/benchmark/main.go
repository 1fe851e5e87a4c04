package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand/v2"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/bankledger/internal/domain"
	"github.com/punchamoorthee/bankledger/internal/models"
)

var (
	targetURL     string
	token         string
	concurrency   int
	duration      time.Duration
	workload      string
	totalAccounts int
	amountFlag    string
	amount        int64
)

var (
	totalRequests uint64
	success200    uint64 // Idempotent replays
	success201    uint64 // Applied
	reject422     uint64 // Rejected by a business rule
	busy409       uint64 // Lock wait timed out
	failOther     uint64
)

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.StringVar(&token, "token", os.Getenv("LEDGER_TOKEN"), "Admin bearer token")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.StringVar(&workload, "workload", "uniform", "Workload type: uniform | hotspot | replay")
	flag.IntVar(&totalAccounts, "accounts", 1000, "Number of seeded accounts (ids 1..n)")
	flag.StringVar(&amountFlag, "amount", "1.00", "Transfer amount, in major units")
}

func main() {
	flag.Parse()
	if token == "" {
		log.Fatal("a bearer token is required: pass -token or set LEDGER_TOKEN")
	}
	var err error
	if amount, err = domain.ParseMajor(amountFlag); err != nil || amount <= 0 {
		log.Fatalf("-amount must be a positive amount, got %q", amountFlag)
	}
	log.Printf("Starting Benchmark: %s | Workers: %d | Duration: %s", workload, concurrency, duration)

	start := time.Now()
	var wg sync.WaitGroup
	for range concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()
			worker(start)
		}()
	}
	wg.Wait()
	printResults(time.Since(start))
}

func worker(start time.Time) {
	client := &http.Client{Timeout: 5 * time.Second}
	// The replay workload resends each request once with the same key.
	var pending *models.OperationRequest
	var pendingKey string

	for time.Since(start) < duration {
		var req models.OperationRequest
		var key string
		if pending != nil {
			req, key, pending = *pending, pendingKey, nil
		} else {
			from, to := generateAccounts()
			req = models.OperationRequest{Kind: "transfer", SourceAccountID: from, DestinationAccountID: to, Amount: amount}
			key = uuid.NewString()
			if workload == "replay" {
				pending, pendingKey = &req, key
			}
		}

		code, err := send(client, req, key)
		if err != nil {
			atomic.AddUint64(&failOther, 1)
			continue
		}

		atomic.AddUint64(&totalRequests, 1)
		switch code {
		case http.StatusCreated:
			atomic.AddUint64(&success201, 1)
		case http.StatusOK:
			atomic.AddUint64(&success200, 1)
		case http.StatusUnprocessableEntity:
			atomic.AddUint64(&reject422, 1)
		case http.StatusConflict:
			atomic.AddUint64(&busy409, 1)
		default:
			atomic.AddUint64(&failOther, 1)
		}
	}
}

func send(client *http.Client, op models.OperationRequest, key string) (int, error) {
	body, err := json.Marshal(op)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequest(http.MethodPost, targetURL+"/api/v1/operations", bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Idempotency-Key", key)

	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}

func generateAccounts() (int64, int64) {
	if workload == "hotspot" {
		// Hotspot: 90% of traffic goes to Account 1 & 2
		if rand.Float32() < 0.90 {
			if rand.Float32() < 0.5 {
				return 1, 2
			}
			return 2, 1
		}
	}

	a := rand.IntN(totalAccounts) + 1
	b := rand.IntN(totalAccounts) + 1
	for a == b {
		b = rand.IntN(totalAccounts) + 1
	}
	return int64(a), int64(b)
}

func printResults(d time.Duration) {
	total := atomic.LoadUint64(&totalRequests)
	busy := atomic.LoadUint64(&busy409)

	var busyRate float64
	if total > 0 {
		busyRate = float64(busy) / float64(total) * 100
	}
	results := map[string]any{
		"workload":        workload,
		"duration_sec":    d.Seconds(),
		"total_requests":  total,
		"throughput_tps":  float64(total) / d.Seconds(),
		"success_applied": atomic.LoadUint64(&success201),
		"success_replay":  atomic.LoadUint64(&success200),
		"rejected":        atomic.LoadUint64(&reject422),
		"busy":            busy,
		"busy_rate_pct":   busyRate,
		"errors":          atomic.LoadUint64(&failOther),
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(results)

	filename := fmt.Sprintf("results_%s.json", workload)
	file, err := os.Create(filename)
	if err != nil {
		log.Printf("Could not write %s: %v", filename, err)
		return
	}
	defer file.Close()
	json.NewEncoder(file).Encode(results)
}
