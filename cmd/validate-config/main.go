// Command validate-config checks rpcbridge config files (YAML or TOML) without
// starting any server.
//
// Usage:
//
//	validate-config [options] [path...]
//
// Paths may be files or directories. With no paths, the config in the rpcbridge
// config dir ($RPCBRIDGE_CONFIG_DIR) is checked.
//
// Options:
//
//	-strict     Treat warnings as errors
//	-json       Output results as JSON
//	-quiet      Only output errors
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/mcp-scooter/rpcbridge/internal/domain/config"
)

type options struct {
	strict bool
	json   bool
	quiet  bool
}

// fileReport is the outcome for one config file.
type fileReport struct {
	Path string `json:"path"`
	*config.ValidationResult
}

func (r fileReport) failed(strict bool) bool {
	return !r.Valid || (strict && len(r.Warnings) > 0)
}

func main() {
	var opts options
	fs := flag.NewFlagSet("validate-config", flag.ExitOnError)
	fs.BoolVar(&opts.strict, "strict", false, "Treat warnings as errors")
	fs.BoolVar(&opts.json, "json", false, "Output results as JSON")
	fs.BoolVar(&opts.quiet, "quiet", false, "Only output errors")
	_ = fs.Parse(os.Args[1:])

	os.Exit(run(os.Stdout, os.Stderr, fs.Args(), opts))
}

func run(stdout, stderr io.Writer, paths []string, opts options) int {
	if len(paths) == 0 {
		dir, err := config.Dir()
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		paths = []string{config.OpenDir(dir).Path()}
	}

	reports, ok := collect(stderr, paths)
	exitCode := 0
	if !ok {
		exitCode = 1
	}
	for _, r := range reports {
		if r.failed(opts.strict) {
			exitCode = 1
		}
	}

	if opts.json {
		writeJSON(stdout, reports)
	} else {
		writeText(stdout, reports, opts)
	}
	return exitCode
}

// collect validates every path, expanding directories. ok is false when a path
// could not be read at all.
func collect(stderr io.Writer, paths []string) (reports []fileReport, ok bool) {
	ok = true
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %s: %v\n", path, err)
			ok = false
			continue
		}

		if !info.IsDir() {
			result, err := config.ValidateFile(path)
			if err != nil {
				fmt.Fprintf(stderr, "Error: %s: %v\n", path, err)
				ok = false
				continue
			}
			reports = append(reports, fileReport{Path: path, ValidationResult: result})
			continue
		}

		results, err := config.ValidateDirectory(path)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %s: %v\n", path, err)
			ok = false
			continue
		}
		for name, result := range results {
			reports = append(reports, fileReport{Path: filepath.Join(path, name), ValidationResult: result})
		}
	}

	sort.Slice(reports, func(i, j int) bool { return reports[i].Path < reports[j].Path })
	return reports, ok
}

func writeJSON(w io.Writer, reports []fileReport) {
	out := struct {
		Files   []fileReport `json:"files"`
		Summary struct {
			Total   int `json:"total"`
			Valid   int `json:"valid"`
			Invalid int `json:"invalid"`
		} `json:"summary"`
	}{Files: reports}
	if out.Files == nil {
		out.Files = []fileReport{}
	}

	for _, r := range reports {
		out.Summary.Total++
		if r.Valid {
			out.Summary.Valid++
		} else {
			out.Summary.Invalid++
		}
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(out)
}

func writeText(w io.Writer, reports []fileReport, opts options) {
	valid, invalid := 0, 0
	for _, r := range reports {
		if r.Valid {
			valid++
		} else {
			invalid++
		}
		if opts.quiet && !r.failed(opts.strict) {
			continue
		}

		mark := "✓"
		if !r.Valid {
			mark = "✗"
		}
		fmt.Fprintf(w, "%s %s\n", mark, r.Path)
		for _, e := range r.Errors {
			fmt.Fprintf(w, "  ERROR: %s\n", e)
		}
		if !opts.quiet || opts.strict {
			for _, warn := range r.Warnings {
				fmt.Fprintf(w, "  WARN:  %s\n", warn)
			}
		}
	}

	if !opts.quiet {
		fmt.Fprintf(w, "\nSummary: %d valid, %d invalid\n", valid, invalid)
	}
}
