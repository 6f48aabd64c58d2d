package main

import (
	"flag"
	"fmt"
	"os"
	"sync"
	"time"

	"lsmkv/pkg/batch"
	"lsmkv/pkg/config"
	"lsmkv/pkg/lsm"
)

type BenchmarkResult struct {
	TotalOps  int
	Duration  time.Duration
	OpsPerSec float64
}

func main() {
	dataDir := flag.String("data-dir", "", "data directory (default: temp dir)")
	totalOps := flag.Int("ops", 100000, "operations per test")
	concurrency := flag.Int("concurrency", 8, "writer goroutines")
	flag.Parse()

	dir := *dataDir
	if dir == "" {
		var err error
		dir, err = os.MkdirTemp("", "lsmkv-bench-")
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to create temp dir: %v\n", err)
			os.Exit(1)
		}
		defer os.RemoveAll(dir)
	}

	engine, err := lsm.Open(dir, config.DefaultDB())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open engine: %v\n", err)
		os.Exit(1)
	}
	defer engine.Close()

	fmt.Println("=== lsmkv benchmark ===")
	fmt.Printf("DataDir: %s, ops: %d, concurrency: %d\n\n", dir, *totalOps, *concurrency)

	printResult("Sequential writes", benchmarkWrites(engine, *totalOps, 1))
	printResult("Concurrent writes", benchmarkWrites(engine, *totalOps, *concurrency))
	printResult("Batched writes", benchmarkBatches(engine, *totalOps, 100))
	printResult("Sequential reads", benchmarkReads(engine, *totalOps))

	fmt.Println("\n=== benchmark complete ===")
}

func benchmarkWrites(engine *lsm.Engine, totalOps, concurrency int) BenchmarkResult {
	start := time.Now()
	var wg sync.WaitGroup

	opsPerGoroutine := totalOps / concurrency
	for g := 0; g < concurrency; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < opsPerGoroutine; i++ {
				key := fmt.Sprintf("bench_w%d_%08d", g, i)
				value := fmt.Sprintf("value_%d_%d", g, i)
				if err := engine.Put([]byte(key), []byte(value)); err != nil {
					fmt.Fprintf(os.Stderr, "put failed: %v\n", err)
					return
				}
			}
		}(g)
	}
	wg.Wait()

	return newResult(totalOps, time.Since(start))
}

func benchmarkBatches(engine *lsm.Engine, totalOps, batchSize int) BenchmarkResult {
	start := time.Now()

	var wb batch.WriteBatch
	for i := 0; i < totalOps; i++ {
		wb.Put([]byte(fmt.Sprintf("bench_b_%08d", i)), []byte(fmt.Sprintf("value_%d", i)))
		if wb.Count() >= batchSize {
			if err := engine.Write(&wb); err != nil {
				fmt.Fprintf(os.Stderr, "batch write failed: %v\n", err)
				return newResult(i, time.Since(start))
			}
			wb.Clear()
		}
	}
	if wb.Count() > 0 {
		if err := engine.Write(&wb); err != nil {
			fmt.Fprintf(os.Stderr, "batch write failed: %v\n", err)
		}
	}

	return newResult(totalOps, time.Since(start))
}

func benchmarkReads(engine *lsm.Engine, totalOps int) BenchmarkResult {
	start := time.Now()

	for i := 0; i < totalOps; i++ {
		key := fmt.Sprintf("bench_b_%08d", i%totalOps)
		if _, _, err := engine.Get([]byte(key)); err != nil {
			fmt.Fprintf(os.Stderr, "get failed: %v\n", err)
			return newResult(i, time.Since(start))
		}
	}

	return newResult(totalOps, time.Since(start))
}

func newResult(ops int, d time.Duration) BenchmarkResult {
	return BenchmarkResult{
		TotalOps:  ops,
		Duration:  d,
		OpsPerSec: float64(ops) / d.Seconds(),
	}
}

func printResult(name string, r BenchmarkResult) {
	fmt.Printf("%-20s %8d ops in %10v (%.0f ops/sec)\n", name, r.TotalOps, r.Duration, r.OpsPerSec)
}
