package lsp

import (
	"sort"
	"strings"
)

// FormatDiagnostics renders diagnostics grouped by file, files sorted. Files without
// diagnostics are omitted.
func FormatDiagnostics(diagnostics map[string][]Diagnostic) string {
	paths := make([]string, 0, len(diagnostics))
	for path, diags := range diagnostics {
		if len(diags) > 0 {
			paths = append(paths, path)
		}
	}
	if len(paths) == 0 {
		return "No diagnostics found."
	}
	sort.Strings(paths)

	var b strings.Builder
	for i, path := range paths {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(path)
		b.WriteString(":\n")
		for _, d := range diagnostics[path] {
			b.WriteString("  ")
			b.WriteString(d.Format())
			b.WriteByte('\n')
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// Count returns the number of errors and warnings in diags.
func Count(diags []Diagnostic) (errors, warnings int) {
	for _, d := range diags {
		switch d.Severity {
		case SeverityError:
			errors++
		case SeverityWarning:
			warnings++
		}
	}
	return errors, warnings
}
