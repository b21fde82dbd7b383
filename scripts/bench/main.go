// Command bench runs the Tally pipeline benchmarks and compares them with the
// previous run.
//
// Each benchmark covers one stage of the box pipeline: reconciling a sensor
// reading, aggregating the lookback window, and the distinct-id query both of
// them lean on. Results go to target/reports/bench.txt; the parsed numbers go
// to target/reports/bench.json and become the baseline for the next run.
//
// Usage:
//
//	go run ./scripts/bench
//	BENCH_TIME=10s BENCH_MAX_REGRESSION=25 go run ./scripts/bench
package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// suite lists the benchmarks by package.
var suite = []struct {
	pkg   string
	bench string
}{
	{"./internal/reconcile/", "BenchmarkReconcile"},
	{"./internal/aggregate/", "BenchmarkAggregate"},
	{"./internal/store/", "BenchmarkUniqueObservableIDsSeen"},
}

type result struct {
	Name        string  `json:"name"`
	NsPerOp     float64 `json:"ns_per_op"`
	BytesPerOp  int64   `json:"bytes_per_op"`
	AllocsPerOp int64   `json:"allocs_per_op"`
}

var benchLine = regexp.MustCompile(`^(Benchmark\w+)(?:-\d+)?\s+\d+\s+([\d.]+) ns/op(?:\s+(\d+) B/op\s+(\d+) allocs/op)?`)

func main() {
	root := projectRoot()
	reportDir := filepath.Join(root, "target", "reports")
	if err := os.MkdirAll(reportDir, 0o755); err != nil {
		log.Fatalf("creating report directory: %v", err)
	}
	benchTime := envOr("BENCH_TIME", "3s")
	maxRegression, err := strconv.ParseFloat(envOr("BENCH_MAX_REGRESSION", "0"), 64)
	if err != nil {
		log.Fatalf("BENCH_MAX_REGRESSION: %v", err)
	}

	var (
		raw     bytes.Buffer
		results []result
		failed  bool
	)
	for _, b := range suite {
		fmt.Printf("--- %s (%s)\n", b.bench, b.pkg)
		cmd := exec.Command("go", "test", "-run=^$", "-bench=^"+b.bench+"$", "-benchmem", "-benchtime="+benchTime, b.pkg)
		cmd.Dir = root
		var out bytes.Buffer
		cmd.Stdout = io.MultiWriter(os.Stdout, &out)
		cmd.Stderr = io.MultiWriter(os.Stderr, &out)
		if err := cmd.Run(); err != nil {
			fmt.Printf("FAIL: %s: %v\n", b.bench, err)
			failed = true
		}
		raw.Write(out.Bytes())
		results = append(results, parse(&out)...)
	}

	baselinePath := filepath.Join(reportDir, "bench.json")
	baseline, err := readBaseline(baselinePath)
	if err != nil {
		log.Fatalf("reading baseline: %v", err)
	}

	var report strings.Builder
	fmt.Fprintf(&report, "Tally benchmarks, %s, benchtime %s\n\n", time.Now().Format(time.RFC3339), benchTime)
	fmt.Fprintf(&report, "%-36s %14s %12s %10s %10s\n", "benchmark", "ns/op", "B/op", "allocs/op", "vs base")
	regressed := 0
	for _, r := range results {
		delta := "new"
		if prev, ok := baseline[r.Name]; ok && prev.NsPerOp > 0 {
			pct := (r.NsPerOp - prev.NsPerOp) / prev.NsPerOp * 100
			delta = fmt.Sprintf("%+.1f%%", pct)
			if maxRegression > 0 && pct > maxRegression {
				delta += " !"
				regressed++
			}
		}
		fmt.Fprintf(&report, "%-36s %14.0f %12d %10d %10s\n", r.Name, r.NsPerOp, r.BytesPerOp, r.AllocsPerOp, delta)
	}
	report.WriteString("\nRaw output\n\n")
	report.Write(raw.Bytes())

	reportPath := filepath.Join(reportDir, "bench.txt")
	if err := os.WriteFile(reportPath, []byte(report.String()), 0o644); err != nil {
		log.Fatalf("writing bench report: %v", err)
	}
	fmt.Printf("\nBenchmark report: %s\n", reportPath)

	if failed {
		os.Exit(1)
	}
	if regressed > 0 {
		fmt.Printf("%d benchmark(s) slower than %.0f%% over baseline\n", regressed, maxRegression)
		os.Exit(1)
	}
	if err := writeBaseline(baselinePath, results); err != nil {
		log.Fatalf("writing baseline: %v", err)
	}
}

func parse(r io.Reader) []result {
	var out []result
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		m := benchLine.FindStringSubmatch(sc.Text())
		if m == nil {
			continue
		}
		res := result{Name: m[1]}
		res.NsPerOp, _ = strconv.ParseFloat(m[2], 64)
		if m[3] != "" {
			res.BytesPerOp, _ = strconv.ParseInt(m[3], 10, 64)
			res.AllocsPerOp, _ = strconv.ParseInt(m[4], 10, 64)
		}
		out = append(out, res)
	}
	return out
}

func readBaseline(path string) (map[string]result, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var list []result
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	out := make(map[string]result, len(list))
	for _, r := range list {
		out[r.Name] = r
	}
	return out, nil
}

func writeBaseline(path string, results []result) error {
	data, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// projectRoot walks up from the working directory to the directory holding go.mod.
func projectRoot() string {
	dir, err := os.Getwd()
	if err != nil {
		log.Fatalf("getting working directory: %v", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			log.Fatal("could not find project root (no go.mod found)")
		}
		dir = parent
	}
}
