package bench

import (
	"context"
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	vmetrics "github.com/VictoriaMetrics/metrics"
	"github.com/ValentinKolb/dLock/cmd/util"
	"github.com/ValentinKolb/dLock/lib/common"
	"github.com/ValentinKolb/dLock/lib/lockmgr"
	gometrics "github.com/rcrowley/go-metrics"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// BenchCmd represents the bench command
	BenchCmd = &cobra.Command{
		Use:   "bench",
		Short: "Mutual exclusion soak test and benchmark for dLock",
		Long: `Runs a number of workers that compete for one lock for a number of rounds
and verifies that no two workers ever held the lock at the same time.
Afterwards the throughput of uncontended locks is measured.`,
		PreRunE: processBenchConfig,
		RunE:    run,
	}
	benchWorkers    = 8
	benchRounds     = 50
	benchLockName   = "__bench"
	benchHold       = time.Millisecond
	benchThreads    = 8
	benchPrintStats = false
)

func init() {
	util.SetupLockClientFlags(BenchCmd)

	key := "workers"
	BenchCmd.Flags().Int(key, benchWorkers, util.WrapString("Number of workers competing for the lock"))
	key = "rounds"
	BenchCmd.Flags().Int(key, benchRounds, util.WrapString("How many times every worker acquires the lock"))
	key = "name"
	BenchCmd.Flags().String(key, benchLockName, util.WrapString("Name of the lock used for the soak test"))
	key = "hold-ms"
	BenchCmd.Flags().Int64(key, benchHold.Milliseconds(), util.WrapString("How long every worker holds the lock (in ms)"))
	key = "threads"
	BenchCmd.Flags().Int(key, benchThreads, util.WrapString("Number of threads to use for the throughput benchmark"))
	key = "metrics"
	BenchCmd.Flags().Bool(key, false, util.WrapString("Print the collected metrics in Prometheus format"))
	key = "csv"
	BenchCmd.Flags().String(key, "", util.WrapString("Optional path to save benchmark results as CSV"))
}

func processBenchConfig(cmd *cobra.Command, _ []string) error {
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}

	benchWorkers = viper.GetInt("workers")
	benchRounds = viper.GetInt("rounds")
	benchLockName = viper.GetString("name")
	benchHold = time.Duration(viper.GetInt64("hold-ms")) * time.Millisecond
	benchThreads = viper.GetInt("threads")
	benchPrintStats = viper.GetBool("metrics")

	if benchWorkers < 1 || benchRounds < 1 || benchThreads < 1 {
		return fmt.Errorf("workers, rounds and threads must be positive")
	}
	return nil
}

// soakResult is the outcome of the mutual exclusion soak test
type soakResult struct {
	duration     time.Duration
	acquisitions int64
	errors       int64
	overlaps     int64
	lostUpdates  int64
	fairness     FairnessStats
	wait         gometrics.Timer
	hold         gometrics.Timer
}

func run(cmd *cobra.Command, _ []string) error {
	mgr, cfg, err := util.NewLockManager()
	if err != nil {
		return err
	}
	defer mgr.Close()

	fmt.Println("Mutual exclusion soak test and benchmark for dLock")

	// Print configuration
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println(cfg.String())
	fmt.Printf("Store:   %s\n", viper.GetString("store"))
	fmt.Printf("Workers: %d, Rounds: %d, Hold: %s\n", benchWorkers, benchRounds, benchHold)
	fmt.Println()

	fmt.Println("starting soak test...")
	soak := runSoak(cmd.Context(), mgr)
	printSoakResult(soak)

	fmt.Println()
	fmt.Println("starting throughput benchmark...")
	results := make(map[string]testing.BenchmarkResult)

	var contended atomic.Int64
	results["try-acquire"] = testing.Benchmark(func(b *testing.B) {
		var workerID atomic.Int64

		b.SetParallelism(benchThreads)
		b.ResetTimer()

		b.RunParallel(func(pb *testing.PB) {
			// every goroutine uses its own lock, so the locks are uncontended
			name := fmt.Sprintf("%s-throughput-%d", benchLockName, workerID.Add(1))
			for pb.Next() {
				ok, err := mgr.TryAcquire(context.Background(), name, func(ctx context.Context) error { return nil })
				if err != nil {
					fmt.Printf("(try-acquire) - error: %v\n", err)
				} else if !ok {
					contended.Add(1)
				}
			}
		})
	})
	printResult("try-acquire", results["try-acquire"])
	if n := contended.Load(); n > 0 {
		fmt.Printf("%-20s%d attempts found the lock busy\n", "", n)
	}

	if benchPrintStats {
		fmt.Println()
		vmetrics.WritePrometheus(os.Stdout, false)
	}

	// Write results to csv is specified
	if csvPath := viper.GetString("csv"); csvPath != "" {
		fmt.Printf("\nExporting results to CSV: %s\n", csvPath)
		if err := writeResultsToCSV(csvPath, soak, results, cfg); err != nil {
			return fmt.Errorf("failed to export results to CSV: %v", err)
		}
		fmt.Println("Export complete")
	}

	if soak.overlaps > 0 || soak.lostUpdates > 0 {
		return fmt.Errorf("mutual exclusion was violated: %d overlaps, %d lost updates", soak.overlaps, soak.lostUpdates)
	}
	return nil
}

// --------------------------------------------------------------------------
// Soak test
// --------------------------------------------------------------------------

// runSoak lets benchWorkers workers acquire benchLockName benchRounds times each.
// Inside the critical section a shared counter is read and written back non atomically
// (load, hold, store), so every overlap also shows up as a lost update.
func runSoak(ctx context.Context, mgr lockmgr.ILockManager) soakResult {
	registry := gometrics.NewRegistry()
	res := soakResult{
		wait: gometrics.GetOrRegisterTimer("wait", registry),
		hold: gometrics.GetOrRegisterTimer("hold", registry),
	}

	var (
		active   atomic.Int64
		overlaps atomic.Int64
		errCount atomic.Int64
		entries  atomic.Int64
		counter  atomic.Int64
	)
	perWorker := make([]float64, benchWorkers)

	start := time.Now()
	wg := sync.WaitGroup{}
	for w := 0; w < benchWorkers; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for r := 0; r < benchRounds; r++ {
				requested := time.Now()
				err := mgr.Acquire(ctx, benchLockName, func(ctx context.Context) error {
					res.wait.UpdateSince(requested)
					entered := time.Now()
					defer res.hold.UpdateSince(entered)

					if active.Add(1) > 1 {
						overlaps.Add(1)
					}
					defer active.Add(-1)
					entries.Add(1)

					current := counter.Load()
					time.Sleep(benchHold)
					counter.Store(current + 1)
					return nil
				})
				if err != nil {
					errCount.Add(1)
					fmt.Printf("(soak) - worker %d: %v\n", worker, err)
					if ctx.Err() != nil {
						return
					}
					continue
				}
				perWorker[worker]++
			}
		}(w)
	}
	wg.Wait()

	res.duration = time.Since(start)
	res.errors = errCount.Load()
	res.overlaps = overlaps.Load()
	res.acquisitions = entries.Load()
	res.lostUpdates = res.acquisitions - counter.Load()
	res.fairness = NewFairnessStats(perWorker)
	return res
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func printSoakResult(res soakResult) {
	fmt.Printf("%-20s%d in %s (%d errors)\n", "acquisitions", res.acquisitions, res.duration.Round(time.Millisecond), res.errors)
	fmt.Printf("%-20s%d overlaps, %d lost updates\n", "exclusivity", res.overlaps, res.lostUpdates)
	fmt.Printf("%-20s%.3f (min %.0f, max %.0f, stddev %.2f)\n", "fairness",
		res.fairness.Fairness, res.fairness.Min, res.fairness.Max, res.fairness.StdDeviation)
	printTimer("wait", res.wait)
	printTimer("hold", res.hold)
}

// printTimer prints the percentiles of a latency timer
func printTimer(name string, t gometrics.Timer) {
	if t.Count() == 0 {
		fmt.Printf("%-20sno samples\n", name)
		return
	}
	ps := t.Percentiles([]float64{0.5, 0.95, 0.99})
	fmt.Printf("%-20smean %s, p50 %s, p95 %s, p99 %s, max %s\n", name,
		time.Duration(t.Mean()), time.Duration(ps[0]), time.Duration(ps[1]), time.Duration(ps[2]), time.Duration(t.Max()))
}

// printResult prints the result of a benchmark test in a formatted way
func printResult(test string, result testing.BenchmarkResult) {
	if result.NsPerOp() == 0 {
		fmt.Printf("%-20sskipped\n", test)
		return
	}

	nsPerOp := math.Max(float64(result.NsPerOp()), 1) // prevent division by zero
	opsPerSec := 1.0 / (nsPerOp / 1e9)

	fmt.Printf("%-20s%.0fns/op (%s/op)\t%.0f ops/sec\n", test, nsPerOp, time.Duration(nsPerOp), opsPerSec)
}

// writeResultsToCSV writes the soak and benchmark results to a CSV file
func writeResultsToCSV(csvPath string, soak soakResult, results map[string]testing.BenchmarkResult, cfg common.Config) error {
	file, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %v", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{
		"Test", "NsPerOp", "OpsPerSec", "Acquisitions", "Errors", "Overlaps", "Fairness",
		"WaitP50Ns", "WaitP99Ns", "HoldP50Ns",
		"Store", "Address", "LeaseMs", "MaxPoolSize", "ReplicaCount", "Workers", "Rounds", "Threads",
	}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %v", err)
	}

	setup := []string{
		viper.GetString("store"),
		cfg.Address(),
		strconv.FormatInt(cfg.LeaseTime.Milliseconds(), 10),
		strconv.Itoa(cfg.MaxPoolSize),
		strconv.Itoa(cfg.ReplicaCount),
		strconv.Itoa(benchWorkers),
		strconv.Itoa(benchRounds),
		strconv.Itoa(benchThreads),
	}

	// soak row
	var soakNsPerOp float64
	if soak.acquisitions > 0 {
		soakNsPerOp = float64(soak.duration.Nanoseconds()) / float64(soak.acquisitions)
	}
	wait := soak.wait.Percentiles([]float64{0.5, 0.99})
	hold := soak.hold.Percentiles([]float64{0.5})
	row := append([]string{
		"soak",
		fmt.Sprintf("%.0f", soakNsPerOp),
		fmt.Sprintf("%.0f", opsPerSecond(soakNsPerOp)),
		strconv.FormatInt(soak.acquisitions, 10),
		strconv.FormatInt(soak.errors, 10),
		strconv.FormatInt(soak.overlaps, 10),
		fmt.Sprintf("%.3f", soak.fairness.Fairness),
		fmt.Sprintf("%.0f", wait[0]),
		fmt.Sprintf("%.0f", wait[1]),
		fmt.Sprintf("%.0f", hold[0]),
	}, setup...)
	if err := writer.Write(row); err != nil {
		return fmt.Errorf("failed to write row for test soak: %v", err)
	}

	// benchmark rows
	for test, result := range results {
		nsPerOp := float64(result.NsPerOp())
		row := append([]string{
			test,
			fmt.Sprintf("%.0f", nsPerOp),
			fmt.Sprintf("%.0f", opsPerSecond(nsPerOp)),
			strconv.Itoa(result.N), "", "", "", "", "", "",
		}, setup...)
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write row for test %s: %v", test, err)
		}
	}

	return nil
}

func opsPerSecond(nsPerOp float64) float64 {
	if nsPerOp <= 0 {
		return 0
	}
	return 1e9 / nsPerOp
}
