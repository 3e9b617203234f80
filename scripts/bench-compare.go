//go:build ignore

// Package main compares two `go test -bench` outputs and flags regressions.
// Usage: go run scripts/bench-compare.go [options] <current.txt> <baseline.txt>
//
// A benchmark counts as regressed when its ns/op grew by more than the
// threshold (default 20%). The exit code is 1 when any benchmark regressed,
// so CI can gate on it.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

const improvementThreshold = 0.10

var (
	outputJSON = flag.Bool("json", false, "Output results as JSON")
	threshold  = flag.Float64("threshold", 0.20, "Regression threshold (0.0-1.0)")
	verbose    = flag.Bool("verbose", false, "Show unchanged, new, and missing benchmarks too")
)

// benchLine matches: BenchmarkName-N  iterations  ns/op  [B/op]  [allocs/op]
var benchLine = regexp.MustCompile(`^(Benchmark\S+)\s+(\d+)\s+([\d.]+)\s+ns/op(?:\s+(\d+)\s+B/op)?(?:\s+(\d+)\s+allocs/op)?`)

type benchResult struct {
	Name        string  `json:"name"`
	Iterations  int     `json:"iterations"`
	NsPerOp     float64 `json:"ns_per_op"`
	BytesPerOp  int     `json:"bytes_per_op"`
	AllocsPerOp int     `json:"allocs_per_op"`
}

type comparison struct {
	Name     string  `json:"name"`
	Current  float64 `json:"current_ns_per_op"`
	Baseline float64 `json:"baseline_ns_per_op"`
	DeltaPct float64 `json:"delta_percent"`
	Status   string  `json:"status"`
}

type report struct {
	Total        int           `json:"total_benchmarks"`
	Regressions  int           `json:"regressions"`
	Improvements int           `json:"improvements"`
	Unchanged    int           `json:"unchanged"`
	New          int           `json:"new_benchmarks"`
	Missing      int           `json:"missing_benchmarks"`
	Results      []*comparison `json:"results"`
	Failed       bool          `json:"regression_failed"`
}

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options] <current.txt> <baseline.txt>\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Compares benchmark results and detects regressions.\n\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() < 2 {
		flag.Usage()
		os.Exit(1)
	}

	current, err := parseFile(flag.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing %s: %v\n", flag.Arg(0), err)
		os.Exit(1)
	}
	baseline, err := parseFile(flag.Arg(1))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing %s: %v\n", flag.Arg(1), err)
		os.Exit(1)
	}

	rep := compare(current, baseline, *threshold)

	if *outputJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(rep); err != nil {
			fmt.Fprintf(os.Stderr, "Error encoding JSON: %v\n", err)
			os.Exit(1)
		}
	} else {
		printReport(rep)
	}

	if rep.Failed {
		os.Exit(1)
	}
}

func parseFile(path string) (map[string]*benchResult, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	results := make(map[string]*benchResult)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		if r := parseLine(scanner.Text()); r != nil {
			results[r.Name] = r
		}
	}
	return results, scanner.Err()
}

func parseLine(line string) *benchResult {
	m := benchLine.FindStringSubmatch(line)
	if m == nil {
		return nil
	}

	r := &benchResult{Name: m[1]}
	r.Iterations, _ = strconv.Atoi(m[2])
	r.NsPerOp, _ = strconv.ParseFloat(m[3], 64)
	if m[4] != "" {
		r.BytesPerOp, _ = strconv.Atoi(m[4])
	}
	if m[5] != "" {
		r.AllocsPerOp, _ = strconv.Atoi(m[5])
	}
	return r
}

func compare(current, baseline map[string]*benchResult, threshold float64) *report {
	rep := &report{Results: []*comparison{}}

	names := make([]string, 0, len(current))
	for name := range current {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		curr := current[name]
		rep.Total++

		base, ok := baseline[name]
		if !ok {
			rep.New++
			if *verbose {
				rep.Results = append(rep.Results, &comparison{Name: name, Current: curr.NsPerOp, Status: "NEW"})
			}
			continue
		}

		// Positive delta means slower.
		delta := 0.0
		if base.NsPerOp > 0 {
			delta = (curr.NsPerOp - base.NsPerOp) / base.NsPerOp
		}

		c := &comparison{
			Name:     name,
			Current:  curr.NsPerOp,
			Baseline: base.NsPerOp,
			DeltaPct: delta * 100,
		}

		switch {
		case delta > threshold:
			c.Status = "REGRESSION"
			rep.Regressions++
			rep.Failed = true
		case delta < -improvementThreshold:
			c.Status = "IMPROVED"
			rep.Improvements++
		default:
			c.Status = "OK"
			rep.Unchanged++
		}

		if c.Status != "OK" || *verbose {
			rep.Results = append(rep.Results, c)
		}
	}

	for name, base := range baseline {
		if _, ok := current[name]; !ok {
			rep.Missing++
			if *verbose {
				rep.Results = append(rep.Results, &comparison{Name: name, Baseline: base.NsPerOp, Status: "MISSING"})
			}
		}
	}

	return rep
}

func printReport(rep *report) {
	fmt.Println(strings.Repeat("=", 80))
	fmt.Println("BENCHMARK COMPARISON")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Total:        %d\n", rep.Total)
	fmt.Printf("Regressions:  %d (> %.0f%% slower)\n", rep.Regressions, *threshold*100)
	fmt.Printf("Improvements: %d (> %.0f%% faster)\n", rep.Improvements, improvementThreshold*100)
	fmt.Printf("Unchanged:    %d\n", rep.Unchanged)
	fmt.Printf("New:          %d\n", rep.New)
	fmt.Printf("Missing:      %d\n", rep.Missing)

	if len(rep.Results) > 0 {
		fmt.Println(strings.Repeat("-", 80))
		fmt.Printf("%-50s %11s %11s %8s\n", "BENCHMARK", "CURRENT", "BASELINE", "DELTA")
		fmt.Println(strings.Repeat("-", 80))
		for _, r := range rep.Results {
			name := r.Name
			if len(name) > 50 {
				name = name[:47] + "..."
			}
			if r.Baseline > 0 {
				fmt.Printf("%-50s %8.0f ns %8.0f ns %+7.1f%% %s\n",
					name, r.Current, r.Baseline, r.DeltaPct, r.Status)
			} else {
				fmt.Printf("%-50s %8.0f ns %11s %8s %s\n", name, r.Current, "-", "-", r.Status)
			}
		}
		fmt.Println(strings.Repeat("-", 80))
	}

	fmt.Println()
	if rep.Failed {
		fmt.Printf("FAILED: %d benchmark(s) regressed by more than %.0f%%\n", rep.Regressions, *threshold*100)
	} else {
		fmt.Println("PASSED: no significant regressions detected.")
	}
}
