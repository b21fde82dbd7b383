// Command fuzz runs every fuzz target in the module for a fixed time each.
//
// Targets are found by scanning internal/ test files for Fuzz functions, so a
// new parser fuzz test is picked up without editing this tool. A target fails
// when the fuzzer writes a failing input to testdata/fuzz; those inputs then
// run as regular test cases under go test.
//
// Usage:
//
//	go run ./scripts/fuzz
//	FUZZ_TIME=60s FUZZ_MATCH=Airodump go run ./scripts/fuzz
package main

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"
)

type target struct {
	fn  string
	pkg string
}

var fuzzFunc = regexp.MustCompile(`^func (Fuzz\w+)\(\w+ \*testing\.F\)`)

func main() {
	root := projectRoot()
	fuzzTime := envOr("FUZZ_TIME", "30s")
	match := os.Getenv("FUZZ_MATCH")

	targets, err := discover(filepath.Join(root, "internal"), root)
	if err != nil {
		log.Fatalf("finding fuzz targets: %v", err)
	}
	if match != "" {
		targets = slices.DeleteFunc(targets, func(t target) bool { return !strings.Contains(t.fn, match) })
	}
	if len(targets) == 0 {
		log.Fatal("no fuzz targets found")
	}

	reportDir := filepath.Join(root, "target", "reports")
	if err := os.MkdirAll(reportDir, 0o755); err != nil {
		log.Fatalf("creating report directory: %v", err)
	}

	var (
		report   strings.Builder
		failures []string
	)
	fmt.Fprintf(&report, "Tally fuzz run, %s, fuzztime %s per target\n\n", time.Now().Format(time.RFC3339), fuzzTime)
	for _, t := range targets {
		fmt.Printf("--- %s (%s)\n", t.fn, t.pkg)
		start := time.Now()
		cmd := exec.Command("go", "test", "-run=^$", "-fuzz=^"+t.fn+"$", "-fuzztime="+fuzzTime, t.pkg)
		cmd.Dir = root
		var out bytes.Buffer
		cmd.Stdout = io.MultiWriter(os.Stdout, &out)
		cmd.Stderr = io.MultiWriter(os.Stderr, &out)
		runErr := cmd.Run()

		// The fuzz timer can race test shutdown and report a deadline error
		// without any failing input; only a written input is a real failure.
		crashed := strings.Contains(out.String(), "Failing input written to")
		status := "ok"
		if crashed || (runErr != nil && !strings.Contains(out.String(), "context deadline exceeded")) {
			status = "FAIL"
			failures = append(failures, t.fn)
		}
		fmt.Fprintf(&report, "%-28s %-22s %-4s %s\n", t.fn, t.pkg, status, time.Since(start).Round(time.Second))
		if status == "FAIL" {
			report.WriteString(indent(out.String()))
		}
	}

	reportPath := filepath.Join(reportDir, "fuzz.txt")
	if err := os.WriteFile(reportPath, []byte(report.String()), 0o644); err != nil {
		log.Fatalf("writing fuzz report: %v", err)
	}
	fmt.Printf("\nFuzz report: %s\n", reportPath)
	if len(failures) > 0 {
		fmt.Printf("failing targets: %s\n", strings.Join(failures, ", "))
		os.Exit(1)
	}
}

// discover returns the fuzz targets under dir with package paths relative to root.
func discover(dir, root string) ([]target, error) {
	var out []target
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, "_test.go") {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()

		rel, err := filepath.Rel(root, filepath.Dir(path))
		if err != nil {
			return err
		}
		sc := bufio.NewScanner(f)
		for sc.Scan() {
			if m := fuzzFunc.FindStringSubmatch(sc.Text()); m != nil {
				out = append(out, target{fn: m[1], pkg: "./" + filepath.ToSlash(rel) + "/"})
			}
		}
		return sc.Err()
	})
	return out, err
}

func indent(s string) string {
	var b strings.Builder
	for line := range strings.SplitSeq(strings.TrimRight(s, "\n"), "\n") {
		b.WriteString("    " + line + "\n")
	}
	return b.String()
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
