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
)

// Config holds the benchmark settings
var (
	targetURL   string
	concurrency int
	duration    time.Duration
	workload    string
	merchants   int
	replayKeys  int
)

// Metrics
var (
	totalRequests uint64
	created       uint64
	replayed      uint64
	rateLimited   uint64
	failOther     uint64
)

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.StringVar(&workload, "workload", "uniform", "Workload type: uniform | hotspot | replay")
	flag.IntVar(&merchants, "merchants", 10, "Number of seeded merchants (see cmd/seeder)")
	flag.IntVar(&replayKeys, "replay-keys", 50, "Distinct idempotency keys per merchant in the replay workload")
}

func main() {
	flag.Parse()
	log.Printf("Starting Benchmark: %s | Workers: %d | Duration: %s", workload, concurrency, duration)

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go worker(&wg, i, start)
	}
	wg.Wait()
	printResults(time.Since(start))
}

func worker(wg *sync.WaitGroup, id int, start time.Time) {
	defer wg.Done()
	client := &http.Client{Timeout: 10 * time.Second}
	methods := []string{"CARD", "BANK_TRANSFER", "WALLET"}

	for seq := 0; time.Since(start) < duration; seq++ {
		merchant, key := pick(id, seq)
		payload := map[string]any{
			"amount":         fmt.Sprintf("%d.%02d", rand.IntN(500)+1, rand.IntN(100)),
			"currency":       "USD",
			"payment_method": methods[rand.IntN(len(methods))],
			"description":    "benchmark",
		}
		if workload == "replay" {
			// Replays must carry the original body.
			payload["amount"] = "10.00"
			payload["payment_method"] = "CARD"
		}
		body, _ := json.Marshal(payload)

		req, _ := http.NewRequest(http.MethodPost, targetURL+"/api/v1/transactions", bytes.NewBuffer(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-API-Key", fmt.Sprintf("sk_bench_%04d", merchant))
		req.Header.Set("Idempotency-Key", key)

		resp, err := client.Do(req)
		if err != nil {
			atomic.AddUint64(&failOther, 1)
			continue
		}

		atomic.AddUint64(&totalRequests, 1)
		switch {
		case resp.StatusCode == http.StatusCreated && resp.Header.Get("Idempotent-Replayed") == "true":
			atomic.AddUint64(&replayed, 1)
		case resp.StatusCode == http.StatusCreated:
			atomic.AddUint64(&created, 1)
		case resp.StatusCode == http.StatusTooManyRequests:
			atomic.AddUint64(&rateLimited, 1)
		default:
			atomic.AddUint64(&failOther, 1)
		}
		resp.Body.Close()
	}
}

// pick chooses the merchant and idempotency key for the next request.
func pick(id, seq int) (int, string) {
	switch workload {
	case "hotspot":
		// 90% of traffic lands on merchant 1 and drains its bucket
		if rand.Float32() < 0.90 {
			return 1, fmt.Sprintf("bench-%d-%d-%d", id, seq, time.Now().UnixNano())
		}
	case "replay":
		m := rand.IntN(merchants) + 1
		return m, fmt.Sprintf("bench-replay-%d", rand.IntN(replayKeys))
	}
	return rand.IntN(merchants) + 1, fmt.Sprintf("bench-%d-%d-%d", id, seq, time.Now().UnixNano())
}

func printResults(d time.Duration) {
	total := atomic.LoadUint64(&totalRequests)
	c := atomic.LoadUint64(&created)
	r := atomic.LoadUint64(&replayed)
	l := atomic.LoadUint64(&rateLimited)
	fErr := atomic.LoadUint64(&failOther)

	var limitedPct float64
	if total > 0 {
		limitedPct = float64(l) / float64(total) * 100
	}

	results := map[string]any{
		"workload":         workload,
		"duration_sec":     d.Seconds(),
		"total_requests":   total,
		"throughput_tps":   float64(total) / d.Seconds(),
		"created":          c,
		"replayed":         r,
		"rate_limited":     l,
		"rate_limited_pct": limitedPct,
		"errors":           fErr,
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(results)

	filename := fmt.Sprintf("results_%s.json", workload)
	file, err := os.Create(filename)
	if err != nil {
		log.Printf("could not save results: %v", err)
		return
	}
	defer file.Close()
	json.NewEncoder(file).Encode(results)
}
