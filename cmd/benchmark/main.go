package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Config holds the benchmark settings
var (
	targetURL   string
	concurrency int
	duration    time.Duration
	propertyID  int64
	firstUser   int64
	users       int64
	amount      string
	replayRate  float64
)

// Metrics
var (
	totalRequests uint64
	success201    uint64 // Created or replayed
	fail409       uint64 // Key in flight
	fail422       uint64 // Business rule (funded, capacity, balance)
	failOther     uint64
)

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.Int64Var(&propertyID, "property", 1, "Property to invest in")
	flag.Int64Var(&firstUser, "first-user", 1, "First seeded user id")
	flag.Int64Var(&users, "users", 100, "Number of seeded users")
	flag.StringVar(&amount, "amount", "100.00", "Investment amount in AED")
	flag.Float64Var(&replayRate, "replay", 0.1, "Fraction of requests that reuse the previous idempotency key")
}

type investResult struct {
	Investment struct {
		ID     int64           `json:"id"`
		Amount decimal.Decimal `json:"amount_invested_aed"`
	} `json:"investment"`
}

type ledgerTotals struct {
	mu       sync.Mutex
	invested map[int64]decimal.Decimal // investment id -> amount
}

func (l *ledgerTotals) record(r investResult) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.invested[r.Investment.ID] = r.Investment.Amount
}

func (l *ledgerTotals) sum() decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	total := decimal.Zero
	for _, amt := range l.invested {
		total = total.Add(amt)
	}
	return total
}

func main() {
	flag.Parse()
	log.Printf("Starting Benchmark: property %d | Workers: %d | Duration: %s", propertyID, concurrency, duration)

	totals := &ledgerTotals{invested: make(map[int64]decimal.Decimal)}
	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(concurrency)

	for i := 0; i < concurrency; i++ {
		go worker(&wg, start, totals)
	}

	wg.Wait()

	value, funded, err := propertyState()
	if err != nil {
		log.Fatalf("Fetch property failed: %v", err)
	}
	raised := totals.sum()
	overshoot := raised.GreaterThan(value)
	printResults(time.Since(start), raised, value, funded, overshoot)
	if overshoot {
		os.Exit(1)
	}
}

func worker(wg *sync.WaitGroup, start time.Time, totals *ledgerTotals) {
	defer wg.Done()
	// Ledger round trips are slow; the client must outlast them.
	client := &http.Client{Timeout: 2 * time.Minute}
	var lastKey, lastBody string

	for time.Since(start) < duration {
		key, body := lastKey, lastBody
		if key == "" || rand.Float64() >= replayRate {
			payload := map[string]any{
				"user_id":     firstUser + rand.Int63n(users),
				"property_id": propertyID,
				"amount_aed":  amount,
			}
			b, _ := json.Marshal(payload)
			key, body = uuid.NewString(), string(b)
		}
		lastKey, lastBody = key, body

		req, _ := http.NewRequest(http.MethodPost, targetURL+"/api/v1/investments", bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", key)

		resp, err := client.Do(req)
		if err != nil {
			atomic.AddUint64(&failOther, 1)
			continue
		}

		atomic.AddUint64(&totalRequests, 1)
		switch resp.StatusCode {
		case http.StatusCreated:
			atomic.AddUint64(&success201, 1)
			var r investResult
			if err := json.NewDecoder(resp.Body).Decode(&r); err == nil {
				totals.record(r)
			}
		case http.StatusConflict:
			atomic.AddUint64(&fail409, 1)
		case http.StatusUnprocessableEntity:
			atomic.AddUint64(&fail422, 1)
		default:
			atomic.AddUint64(&failOther, 1)
		}
		resp.Body.Close()
	}
}

func propertyState() (decimal.Decimal, bool, error) {
	resp, err := http.Get(fmt.Sprintf("%s/api/v1/properties/%d", targetURL, propertyID))
	if err != nil {
		return decimal.Zero, false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, false, fmt.Errorf("status %d", resp.StatusCode)
	}
	var p struct {
		TotalValue decimal.Decimal `json:"total_value_aed"`
		Funded     bool            `json:"is_fully_funded"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return decimal.Zero, false, err
	}
	return p.TotalValue, p.Funded, nil
}

func printResults(d time.Duration, raised, value decimal.Decimal, funded, overshoot bool) {
	total := atomic.LoadUint64(&totalRequests)
	s201 := atomic.LoadUint64(&success201)
	f409 := atomic.LoadUint64(&fail409)
	f422 := atomic.LoadUint64(&fail422)
	fErr := atomic.LoadUint64(&failOther)

	tps := float64(total) / d.Seconds()
	rejectRate := 0.0
	if total > 0 {
		rejectRate = float64(f422) / float64(total) * 100
	}

	results := map[string]any{
		"property_id":       propertyID,
		"duration_sec":      d.Seconds(),
		"total_requests":    total,
		"throughput_tps":    tps,
		"success_created":   s201,
		"aborts_conflict":   f409,
		"rejected_business": f422,
		"reject_rate_pct":   rejectRate,
		"errors":            fErr,
		"raised_aed":        raised.StringFixed(2),
		"total_value_aed":   value.StringFixed(2),
		"fully_funded":      funded,
		"overshoot":         overshoot,
	}

	// Print JSON for the python plotter to consume
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(results)

	// Also save to file
	filename := fmt.Sprintf("results_property_%d.json", propertyID)
	file, err := os.Create(filename)
	if err != nil {
		log.Printf("Write results failed: %v", err)
		return
	}
	defer file.Close()
	_ = json.NewEncoder(file).Encode(results)
}
