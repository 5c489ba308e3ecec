package output

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"

	"github.com/mcp-scooter/rpcbridge/internal/cli/errors"
)

type OutputFormat string

const (
	FormatText     OutputFormat = "text"
	FormatJSON     OutputFormat = "json"
	FormatRaw      OutputFormat = "raw"
	FormatMarkdown OutputFormat = "markdown"
)

// Formatter renders command results to w.
type Formatter struct {
	w      io.Writer
	format OutputFormat
	color  bool
}

func NewFormatter(w io.Writer, format OutputFormat, useColor bool) *Formatter {
	return &Formatter{
		w:      w,
		format: format,
		color:  useColor,
	}
}

func (f *Formatter) Format() OutputFormat {
	return f.format
}

// ToolRow is one line of the tools table.
type ToolRow struct {
	Server      string         `json:"server"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
}

// ServerRow is one line of the servers table.
type ServerRow struct {
	Name      string `json:"name"`
	Transport string `json:"transport"`
	Command   string `json:"command"`
	Available bool   `json:"available"`
	Disabled  bool   `json:"disabled"`
}

// LanguageRow is one line of the languages table.
type LanguageRow struct {
	Language  string `json:"language"`
	Command   string `json:"command"`
	Available bool   `json:"available"`
}

func (f *Formatter) FormatResult(result *CallResult) string {
	switch f.format {
	case FormatJSON:
		s, _ := result.JSON()
		return s
	case FormatMarkdown:
		return result.Markdown()
	case FormatRaw:
		return result.Text("")
	}

	if result.IsError() {
		if f.color {
			return color.RedString("Error: ") + result.Text("\n")
		}
		return "Error: " + result.Text("\n")
	}
	return result.Text("\n")
}

func (f *Formatter) FormatError(err errors.ClassifiedError) string {
	if f.format == FormatJSON {
		data, _ := json.MarshalIndent(err, "", "  ")
		return string(data)
	}

	var msg string
	if f.color {
		msg = color.RedString("Error [%s]: %s", err.Kind, err.Message)
		if err.Hint != "" {
			msg += "\n" + color.YellowString("Hint: %s", err.Hint)
		}
	} else {
		msg = fmt.Sprintf("Error [%s]: %s", err.Kind, err.Message)
		if err.Hint != "" {
			msg += "\nHint: " + err.Hint
		}
	}
	return msg
}

// JSON writes v indented.
func (f *Formatter) JSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(f.w, string(data))
	return err
}

func (f *Formatter) FormatTools(tools []ToolRow) error {
	if f.format == FormatJSON {
		return f.JSON(tools)
	}
	table := tablewriter.NewTable(f.w,
		tablewriter.WithHeader([]string{"Server", "Tool", "Description"}),
	)
	for _, t := range tools {
		if err := table.Append([]string{t.Server, t.Name, t.Description}); err != nil {
			return err
		}
	}
	return table.Render()
}

func (f *Formatter) FormatServers(servers []ServerRow) error {
	if f.format == FormatJSON {
		return f.JSON(servers)
	}
	table := tablewriter.NewTable(f.w,
		tablewriter.WithHeader([]string{"Name", "Transport", "Command", "Status"}),
	)
	for _, s := range servers {
		if err := table.Append([]string{s.Name, s.Transport, s.Command, f.availability(s.Available, s.Disabled)}); err != nil {
			return err
		}
	}
	return table.Render()
}

func (f *Formatter) FormatLanguages(langs []LanguageRow) error {
	if f.format == FormatJSON {
		return f.JSON(langs)
	}
	table := tablewriter.NewTable(f.w,
		tablewriter.WithHeader([]string{"Language", "Command", "Status"}),
	)
	for _, l := range langs {
		if err := table.Append([]string{l.Language, l.Command, f.availability(l.Available, false)}); err != nil {
			return err
		}
	}
	return table.Render()
}

func (f *Formatter) availability(available, disabled bool) string {
	var s string
	switch {
	case disabled:
		s = "disabled"
	case available:
		s = "available"
	default:
		s = "not installed"
	}
	if !f.color {
		return s
	}
	switch s {
	case "available":
		return color.GreenString(s)
	case "disabled":
		return color.HiBlackString(s)
	}
	return color.YellowString(s)
}

// Message prints a plain line, quoted as a JSON string in JSON mode.
func (f *Formatter) Message(msg string) {
	if f.format == FormatJSON {
		fmt.Fprintln(f.w, strconv.Quote(msg))
		return
	}
	fmt.Fprintln(f.w, msg)
}
