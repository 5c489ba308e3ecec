package output

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mcp-scooter/rpcbridge/internal/domain/mcp"
)

type CallResult struct {
	Raw *mcp.CallToolResult
}

func NewCallResult(raw *mcp.CallToolResult) *CallResult {
	return &CallResult{Raw: raw}
}

func (r *CallResult) Text(joiner string) string {
	var parts []string
	for _, c := range r.Raw.Content {
		if t, ok := c.(mcp.TextContent); ok {
			parts = append(parts, t.Text)
		}
	}
	return strings.Join(parts, joiner)
}

func (r *CallResult) JSON() (string, error) {
	data, err := json.MarshalIndent(r.Raw, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (r *CallResult) Markdown() string {
	var sb strings.Builder
	for _, c := range r.Raw.Content {
		switch part := c.(type) {
		case mcp.TextContent:
			sb.WriteString(part.Text)
			sb.WriteString("\n\n")
		case mcp.ImageContent:
			fmt.Fprintf(&sb, "![Image](data:%s;base64,%s)\n\n", part.MimeType, base64.StdEncoding.EncodeToString(part.Data))
		case mcp.ResourceContent:
			fmt.Fprintf(&sb, "### Resource\n\n```json\n%s\n```\n\n", string(part.Resource))
		default:
			fmt.Fprintf(&sb, "_%s content omitted_\n\n", c.ContentType())
		}
	}
	return strings.TrimSpace(sb.String())
}

func (r *CallResult) IsError() bool {
	return r.Raw.IsError
}
