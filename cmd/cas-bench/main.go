package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"casproxy/client"
	"casproxy/server"
)

var (
	socketPath  string
	concurrency int
	totalReqs   int
	valueSize   int
	getRatio    float64
	warmup      int
	timeout     time.Duration
)

type result struct {
	mu        sync.Mutex
	latencies []time.Duration
	hits      int
	errors    int
}

func (r *result) merge(lats []time.Duration, hits, errs int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.latencies = append(r.latencies, lats...)
	r.hits += hits
	r.errors += errs
}

func main() {
	command := &cobra.Command{
		Use:           "cas-bench",
		Short:         "Drive GetValue/PutValue load against a cas-server",
		Args:          cobra.NoArgs,
		RunE:          run,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := command.Flags()
	flags.StringVarP(&socketPath, "socket", "s", server.DefaultSocketPath, "server socket path")
	flags.IntVarP(&concurrency, "connections", "c", 50, "concurrent connections")
	flags.IntVarP(&totalReqs, "requests", "n", 100000, "total requests")
	flags.IntVar(&valueSize, "size", 128, "value size in bytes")
	flags.Float64Var(&getRatio, "get-ratio", 0.5, "fraction of requests that are GetValue (0.0-1.0)")
	flags.IntVar(&warmup, "warmup", 1000, "fastest-first samples to drop from latency stats")
	flags.DurationVar(&timeout, "timeout", 5*time.Second, "per-request timeout")

	if err := command.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	if getRatio < 0 || getRatio > 1 {
		return errors.New("--get-ratio must be between 0.0 and 1.0")
	}
	if concurrency <= 0 || totalReqs <= 0 {
		return errors.New("--connections and --requests must be positive")
	}
	concurrency = min(concurrency, totalReqs)

	fmt.Printf("Benchmark: %d requests, %d connections, %d byte values, %.0f%% GetValue\n",
		totalReqs, concurrency, valueSize, getRatio*100)
	fmt.Printf("Target: %s\n", socketPath)

	keys := make([][]byte, totalReqs)
	for i := range keys {
		keys[i] = fmt.Appendf(nil, "bench:k%d", i)
	}
	value := make([]byte, valueSize)
	for i := range value {
		value[i] = byte('a' + i%26)
	}

	res := &result{latencies: make([]time.Duration, 0, totalReqs)}
	per := totalReqs / concurrency

	start := time.Now()
	var wg sync.WaitGroup
	for w := range concurrency {
		lo, hi := w*per, (w+1)*per
		if w == concurrency-1 {
			hi = totalReqs
		}
		wg.Go(func() { runWorker(w, keys[lo:hi], value, res) })
	}
	wg.Wait()

	printReport(time.Since(start), res)
	return nil
}

func runWorker(id int, keys [][]byte, value []byte, res *result) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	c, err := client.Dial(ctx, socketPath, client.Options{CallTimeout: timeout})
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "worker %d: %v\n", id, err)
		res.merge(nil, 0, len(keys))
		return
	}
	defer c.Close()

	lats := make([]time.Duration, 0, len(keys))
	hits, errs := 0, 0
	for _, key := range keys {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		t0 := time.Now()
		if rand.Float64() < getRatio {
			var found bool
			_, found, err = c.Get(ctx, key)
			if found {
				hits++
			}
		} else {
			err = c.Put(ctx, key, value)
		}
		cancel()
		if err != nil {
			errs++
			if errors.Is(err, client.ErrClosed) {
				// connection is gone; the rest of this worker's keys fail too
				errs = len(keys) - len(lats)
				break
			}
			continue
		}
		lats = append(lats, time.Since(t0))
	}
	res.merge(lats, hits, errs)
}

func printReport(d time.Duration, res *result) {
	slices.Sort(res.latencies)

	total := len(res.latencies)
	if total == 0 {
		fmt.Println("\nNo successful requests.")
		fmt.Printf("Errors: %d\n", res.errors)
		return
	}

	drop := warmup
	if drop >= total {
		drop = 0
	}
	lats := res.latencies[drop:]
	n := len(lats)

	var sum time.Duration
	for _, l := range lats {
		sum += l
	}
	pct := func(p float64) time.Duration {
		return lats[min(int(float64(n)*p), n-1)]
	}

	fmt.Println("\n--- Benchmark Results ---")
	fmt.Printf("Successful:     %d (%d latency samples dropped)\n", total, drop)
	fmt.Printf("Errors:         %d\n", res.errors)
	fmt.Printf("Get hits:       %d\n", res.hits)
	fmt.Printf("Duration:       %v\n", d)
	fmt.Printf("Throughput:     %.2f req/s\n", float64(total)/d.Seconds())
	fmt.Println("\nLatency:")
	fmt.Printf("  Min:   %v\n", lats[0])
	fmt.Printf("  Avg:   %v\n", sum/time.Duration(n))
	fmt.Printf("  Max:   %v\n", lats[n-1])
	fmt.Printf("  P50:   %v\n", pct(0.50))
	fmt.Printf("  P99:   %v\n", pct(0.99))
	fmt.Printf("  P99.9: %v\n", pct(0.999))
}
