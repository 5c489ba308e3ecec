package lsp

import (
	"encoding/json"
	"fmt"
	"net/url"
	"path/filepath"
	"runtime"
	"strings"
)

// Position is a zero-based line and UTF-16 character offset.
type Position struct {
	Line      int `json:"line"`
	Character int `json:"character"`
}

type Range struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

// Severity of a diagnostic. Zero means the server did not say.
type Severity int

const (
	SeverityError       Severity = 1
	SeverityWarning     Severity = 2
	SeverityInformation Severity = 3
	SeverityHint        Severity = 4
)

func (s Severity) String() string {
	switch s {
	case SeverityError:
		return "Error"
	case SeverityWarning:
		return "Warning"
	case SeverityInformation:
		return "Information"
	case SeverityHint:
		return "Hint"
	default:
		return "Unknown"
	}
}

// Diagnostic is one problem reported by a language server.
type Diagnostic struct {
	Range    Range           `json:"range"`
	Severity Severity        `json:"severity,omitempty"`
	Code     json.RawMessage `json:"code,omitempty"`
	Source   string          `json:"source,omitempty"`
	Message  string          `json:"message"`
}

// Line returns the one-based start line.
func (d Diagnostic) Line() int {
	return d.Range.Start.Line + 1
}

// Column returns the one-based start column.
func (d Diagnostic) Column() int {
	return d.Range.Start.Character + 1
}

// Format renders "[source] Severity at line L:C: message".
func (d Diagnostic) Format() string {
	prefix := ""
	if d.Source != "" {
		prefix = "[" + d.Source + "] "
	}
	return fmt.Sprintf("%s%s at line %d:%d: %s", prefix, d.Severity, d.Line(), d.Column(), d.Message)
}

type publishDiagnosticsParams struct {
	URI         string       `json:"uri"`
	Version     *int         `json:"version,omitempty"`
	Diagnostics []Diagnostic `json:"diagnostics"`
}

type textDocumentItem struct {
	URI        string `json:"uri"`
	LanguageID string `json:"languageId"`
	Version    int    `json:"version"`
	Text       string `json:"text"`
}

type textDocumentIdentifier struct {
	URI string `json:"uri"`
}

type versionedTextDocumentIdentifier struct {
	URI     string `json:"uri"`
	Version int    `json:"version"`
}

type contentChange struct {
	Text string `json:"text"`
}

type workspaceFolder struct {
	URI  string `json:"uri"`
	Name string `json:"name"`
}

type initializeParams struct {
	ProcessID             int               `json:"processId"`
	RootURI               string            `json:"rootUri"`
	Capabilities          map[string]any    `json:"capabilities"`
	WorkspaceFolders      []workspaceFolder `json:"workspaceFolders"`
	InitializationOptions map[string]any    `json:"initializationOptions,omitempty"`
}

// InitializeResult is the part of the server's initialize answer we keep.
type InitializeResult struct {
	Capabilities map[string]any `json:"capabilities"`
	ServerInfo   *struct {
		Name    string `json:"name"`
		Version string `json:"version,omitempty"`
	} `json:"serverInfo,omitempty"`
}

var clientCapabilities = map[string]any{
	"textDocument": map[string]any{
		"synchronization": map[string]any{
			"dynamicRegistration": true,
			"didSave":             true,
		},
		"publishDiagnostics": map[string]any{
			"versionSupport": true,
		},
	},
	"workspace": map[string]any{
		"workspaceFolders": true,
	},
}

var languageIDs = map[string]string{
	".py":    "python",
	".js":    "javascript",
	".ts":    "typescript",
	".jsx":   "javascriptreact",
	".tsx":   "typescriptreact",
	".go":    "go",
	".rs":    "rust",
	".java":  "java",
	".c":     "c",
	".cpp":   "cpp",
	".h":     "c",
	".hpp":   "cpp",
	".cs":    "csharp",
	".rb":    "ruby",
	".php":   "php",
	".swift": "swift",
	".kt":    "kotlin",
	".scala": "scala",
	".lua":   "lua",
	".sh":    "shellscript",
	".bash":  "shellscript",
	".zsh":   "shellscript",
	".json":  "json",
	".yaml":  "yaml",
	".yml":   "yaml",
	".xml":   "xml",
	".html":  "html",
	".css":   "css",
	".scss":  "scss",
	".less":  "less",
	".md":    "markdown",
	".sql":   "sql",
	".r":     "r",
}

// LanguageID maps a file extension to its LSP language id, or "plaintext".
func LanguageID(path string) string {
	if id, ok := languageIDs[strings.ToLower(filepath.Ext(path))]; ok {
		return id
	}
	return "plaintext"
}

// serverLanguage is the language whose server handles files of languageID.
func serverLanguage(languageID string) string {
	switch languageID {
	case "typescriptreact":
		return "typescript"
	case "javascriptreact":
		return "javascript"
	}
	return languageID
}

// PathToURI turns a file path into a file:// URI.
func PathToURI(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	p := filepath.ToSlash(abs)
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return (&url.URL{Scheme: "file", Path: p}).String()
}

// URIToPath is the inverse of PathToURI. Non-file URIs are returned unchanged.
func URIToPath(uri string) string {
	u, err := url.Parse(uri)
	if err != nil || u.Scheme != "file" {
		return uri
	}
	p := u.Path
	if runtime.GOOS == "windows" {
		p = strings.TrimPrefix(p, "/")
	}
	return filepath.FromSlash(p)
}
