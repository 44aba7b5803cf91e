// bench-analyze measures analysis throughput and heap behavior over a
// synthetic project: a generated baseline history plus one run with a
// controlled mix of stable, regressed, and unseen steps.
//
// Usage:
//
//	go run ./scripts/bench-analyze --steps 5000 --samples 50 --iterations 20 \
//	  --profile-dir docs/profiles/analyze
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"time"

	"github.com/perfsentinel/perfsentinel/internal/baseline"
	"github.com/perfsentinel/perfsentinel/internal/config"
	"github.com/perfsentinel/perfsentinel/internal/engine"
	"github.com/perfsentinel/perfsentinel/internal/telemetry"
	"github.com/perfsentinel/perfsentinel/pkg/alg/stats"
)

const (
	suiteCount        = 8
	regressedFraction = 0.1
	newStepFraction   = 0.05
	regressionFactor  = 2.5
	jitterFraction    = 0.05
	smoothingSpan     = 5
)

func main() {
	steps := flag.Int("steps", 5000, "Distinct steps in the baseline")
	samples := flag.Int("samples", 50, "Baseline samples per step")
	iterations := flag.Int("iterations", 20, "Warm analysis passes to time")
	seed := flag.Int64("seed", 1, "PRNG seed for the synthetic project")
	profileDir := flag.String("profile-dir", "", "Directory to write profiles (empty = no profiles)")
	cpuProfile := flag.Bool("cpu-profile", false, "Write CPU profile to profile-dir/cpu.prof")

	flag.Parse()

	if *cpuProfile && *profileDir == "" {
		log.Fatal("--cpu-profile requires --profile-dir")
	}

	if *profileDir != "" {
		if err := os.MkdirAll(*profileDir, 0o755); err != nil {
			log.Fatalf("mkdir profile-dir: %v", err)
		}
	}

	if *cpuProfile {
		cpuPath := filepath.Join(*profileDir, "cpu.prof")

		cpuFile, cpuErr := os.Create(cpuPath)
		if cpuErr != nil {
			log.Fatalf("create cpu profile: %v", cpuErr)
		}
		defer cpuFile.Close()

		if startErr := pprof.StartCPUProfile(cpuFile); startErr != nil {
			log.Fatalf("start cpu profile: %v", startErr)
		}

		defer pprof.StopCPUProfile()

		log.Printf("CPU profiling enabled -> %s", cpuPath)
	}

	cfg, cfgErr := config.Load(config.LoadOptions{
		Overrides: config.Overrides{ProjectID: "bench"},
	})
	if cfgErr != nil {
		log.Fatalf("load config: %v", cfgErr)
	}

	type heapSnapshot struct {
		label     string
		heapInUse uint64
		heapSys   uint64
		heapIdle  uint64
	}

	var snapshots []heapSnapshot

	takeSnapshot := func(label string) {
		runtime.GC()
		runtime.GC()

		var m runtime.MemStats
		runtime.ReadMemStats(&m)
		snapshots = append(snapshots, heapSnapshot{
			label:     label,
			heapInUse: m.HeapInuse,
			heapSys:   m.HeapSys,
			heapIdle:  m.HeapIdle,
		})
		log.Printf("  [heap] %-30s inuse=%6.1f MB  sys=%6.1f MB  idle=%6.1f MB",
			label, float64(m.HeapInuse)/1e6, float64(m.HeapSys)/1e6, float64(m.HeapIdle)/1e6)
	}

	writeHeapProfile := func(name string) {
		if *profileDir == "" {
			return
		}

		runtime.GC()
		runtime.GC()

		path := filepath.Join(*profileDir, name)

		f, ferr := os.Create(path)
		if ferr != nil {
			log.Printf("warning: create heap profile %s: %v", path, ferr)

			return
		}
		defer f.Close()

		if perr := pprof.WriteHeapProfile(f); perr != nil {
			log.Printf("warning: write heap profile %s: %v", path, perr)
		}
	}

	takeSnapshot("before_generation")

	rng := rand.New(rand.NewSource(*seed))
	history := generateHistory(rng, *steps, *samples)
	run := generateRun(rng, *steps)

	log.Printf("generated %d baseline steps (%d samples each), run of %d samples",
		*steps, *samples, len(run))
	takeSnapshot("after_generation")

	ctx := context.Background()
	eng := &engine.Engine{}
	now := time.Now().UTC()

	// Cold pass: also sanity-checks the synthetic mix.
	coldStart := time.Now()

	result, analyzeErr := eng.Analyze(ctx, run, history, cfg, now)
	if analyzeErr != nil {
		log.Fatalf("analyze: %v", analyzeErr)
	}

	coldElapsed := time.Since(coldStart)
	log.Printf("cold pass: %.1f ms (%d regressions, %d new steps, %d suites)",
		float64(coldElapsed.Microseconds())/1e3,
		len(result.Report.Regressions),
		len(result.Report.NewSteps),
		len(result.Report.Suites))
	takeSnapshot("after_cold_pass")
	writeHeapProfile("heap_after_cold.prof")

	smoothed := stats.NewEMAFromSpan(smoothingSpan)

	var total time.Duration

	best := time.Duration(1<<63 - 1)

	for i := range *iterations {
		passStart := time.Now()

		if _, err := eng.Analyze(ctx, run, history, cfg, now); err != nil {
			log.Fatalf("analyze pass %d: %v", i+1, err)
		}

		elapsed := time.Since(passStart)
		total += elapsed

		if elapsed < best {
			best = elapsed
		}

		ms := float64(elapsed.Microseconds()) / 1e3
		log.Printf("  pass %2d/%d  %8.1f ms  ema=%8.1f ms  %9.0f samples/s",
			i+1, *iterations, ms, smoothed.Update(ms),
			float64(len(run))/elapsed.Seconds())
	}

	takeSnapshot("after_warm_passes")
	writeHeapProfile("heap_after_warm.prof")

	mean := total / time.Duration(*iterations)

	fmt.Println()
	fmt.Println("=== Analysis Throughput ===")
	fmt.Printf("  run size:   %d samples, %d baseline steps\n", len(run), *steps)
	fmt.Printf("  cold:       %8.1f ms\n", float64(coldElapsed.Microseconds())/1e3)
	fmt.Printf("  warm mean:  %8.1f ms (%0.f samples/s)\n",
		float64(mean.Microseconds())/1e3, float64(len(run))/mean.Seconds())
	fmt.Printf("  warm best:  %8.1f ms\n", float64(best.Microseconds())/1e3)
	fmt.Printf("  warm ema:   %8.1f ms (span %d)\n", smoothed.Value(), smoothingSpan)

	fmt.Println()
	fmt.Println("=== Heap Memory Timeline ===")
	fmt.Printf("%-32s %10s %10s %10s\n", "Phase", "InUse(MB)", "Sys(MB)", "Idle(MB)")
	fmt.Println("--------------------------------+----------+----------+----------")

	for _, s := range snapshots {
		fmt.Printf("%-32s %10.1f %10.1f %10.1f\n",
			s.label, float64(s.heapInUse)/1e6, float64(s.heapSys)/1e6, float64(s.heapIdle)/1e6)
	}
}

// generateHistory seeds a baseline document with steps distributed over
// the step-type spectrum: base averages from 50ms up into the slow band.
func generateHistory(rng *rand.Rand, steps, samples int) *baseline.Document {
	doc := baseline.NewDocument()
	seen := time.Now().UTC().Add(-24 * time.Hour)

	for i := range steps {
		base := 50 + rng.Float64()*2500
		durations := make([]float64, samples)

		for j := range durations {
			durations[j] = jitter(rng, base)
		}

		doc.SetStep(stepText(i), baseline.NewSeededEntry(durations, seen))
	}

	return doc
}

// generateRun produces one sample per baseline step plus a tail of
// never-seen steps. A fixed fraction of samples regress hard enough to
// clear every step-type gate.
func generateRun(rng *rand.Rand, steps int) []telemetry.StepSample {
	newSteps := int(float64(steps) * newStepFraction)
	run := make([]telemetry.StepSample, 0, steps+newSteps)

	for i := range steps {
		base := 50 + rng.Float64()*2500
		duration := jitter(rng, base)

		if rng.Float64() < regressedFraction {
			duration = base * regressionFactor
		}

		run = append(run, sample(stepText(i), duration, i))
	}

	for i := range newSteps {
		base := 50 + rng.Float64()*2500
		run = append(run, sample(fmt.Sprintf("step %05d appears for the first time", steps+i), jitter(rng, base), steps+i))
	}

	return run
}

func sample(text string, duration float64, ordinal int) telemetry.StepSample {
	sctx := &telemetry.StepContext{
		Suite: fmt.Sprintf("suite-%d", ordinal%suiteCount),
		JobID: "bench",
	}

	if ordinal%10 == 0 {
		sctx.Tags = []string{"@critical"}
	}

	return telemetry.StepSample{StepText: text, Duration: duration, Context: sctx}
}

func stepText(i int) string {
	return fmt.Sprintf("step %05d does its work", i)
}

func jitter(rng *rand.Rand, base float64) float64 {
	return base * (1 + (rng.Float64()*2-1)*jitterFraction)
}
