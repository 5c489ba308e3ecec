package mcp

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ProtocolVersion is the MCP revision sent in initialize.
const ProtocolVersion = "2025-03-26"

// Implementation names a client or server.
type Implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ListChanged is the capability shape shared by tools and prompts.
type ListChanged struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// ResourcesCapability is what a server declares for resources.
type ResourcesCapability struct {
	Subscribe   bool `json:"subscribe,omitempty"`
	ListChanged bool `json:"listChanged,omitempty"`
}

// ServerCapabilities is the capabilities object of an initialize result.
type ServerCapabilities struct {
	Tools        *ListChanged               `json:"tools,omitempty"`
	Resources    *ResourcesCapability       `json:"resources,omitempty"`
	Prompts      *ListChanged               `json:"prompts,omitempty"`
	Logging      json.RawMessage            `json:"logging,omitempty"`
	Experimental map[string]json.RawMessage `json:"experimental,omitempty"`
}

// InitializeResult is the server's answer to initialize.
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      Implementation     `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitempty"`
}

type initializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ClientInfo      Implementation `json:"clientInfo"`
}

// Tool is a tool descriptor from tools/list.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// Schema decodes the input schema, or returns an empty object schema when there is none.
func (t Tool) Schema() map[string]any {
	schema := map[string]any{}
	if len(t.InputSchema) > 0 {
		_ = json.Unmarshal(t.InputSchema, &schema)
	}
	if len(schema) == 0 {
		schema = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return schema
}

// ListToolsResult is one page of tools/list.
type ListToolsResult struct {
	Tools      []Tool `json:"tools"`
	NextCursor string `json:"nextCursor,omitempty"`
}

// Resource is an entry of resources/list.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// ListResourcesResult is one page of resources/list.
type ListResourcesResult struct {
	Resources  []Resource `json:"resources"`
	NextCursor string     `json:"nextCursor,omitempty"`
}

// PromptArgument describes one argument of a prompt template.
type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// Prompt is an entry of prompts/list.
type Prompt struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Arguments   []PromptArgument `json:"arguments,omitempty"`
}

// ListPromptsResult is one page of prompts/list.
type ListPromptsResult struct {
	Prompts    []Prompt `json:"prompts"`
	NextCursor string   `json:"nextCursor,omitempty"`
}

type cursorParams struct {
	Cursor string `json:"cursor,omitempty"`
}

type callToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ContentPart is one element of a tool result: TextContent, ImageContent,
// ResourceContent or OtherContent.
type ContentPart interface {
	ContentType() string
}

type TextContent struct {
	Text string `json:"text"`
}

type ImageContent struct {
	// Data is decoded from base64.
	Data     []byte `json:"data"`
	MimeType string `json:"mimeType"`
}

type ResourceContent struct {
	Resource json.RawMessage `json:"resource"`
}

// OtherContent keeps a part of an unrecognized type as it arrived.
type OtherContent struct {
	Type string
	Raw  json.RawMessage
}

func (TextContent) ContentType() string     { return "text" }
func (ImageContent) ContentType() string    { return "image" }
func (ResourceContent) ContentType() string { return "resource" }
func (c OtherContent) ContentType() string  { return c.Type }

// decodeContent picks the variant from the "type" discriminator.
func decodeContent(raw json.RawMessage) (ContentPart, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("invalid content part: %w", err)
	}

	switch head.Type {
	case "text":
		var c TextContent
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("invalid text content: %w", err)
		}
		return c, nil
	case "image":
		var c ImageContent
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("invalid image content: %w", err)
		}
		return c, nil
	case "resource":
		var c ResourceContent
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("invalid resource content: %w", err)
		}
		return c, nil
	default:
		return OtherContent{Type: head.Type, Raw: append(json.RawMessage(nil), raw...)}, nil
	}
}

func encodeContent(part ContentPart) any {
	switch c := part.(type) {
	case TextContent:
		return map[string]any{"type": "text", "text": c.Text}
	case ImageContent:
		return map[string]any{"type": "image", "data": c.Data, "mimeType": c.MimeType}
	case ResourceContent:
		return map[string]any{"type": "resource", "resource": c.Resource}
	case OtherContent:
		return c.Raw
	default:
		return map[string]any{"type": part.ContentType()}
	}
}

// CallToolResult is the result of tools/call.
type CallToolResult struct {
	Content           []ContentPart
	IsError           bool
	StructuredContent json.RawMessage
}

type wireCallToolResult struct {
	Content           []json.RawMessage `json:"content"`
	IsError           bool              `json:"isError,omitempty"`
	StructuredContent json.RawMessage   `json:"structuredContent,omitempty"`
}

func (r *CallToolResult) UnmarshalJSON(data []byte) error {
	var wire wireCallToolResult
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	r.IsError = wire.IsError
	r.StructuredContent = wire.StructuredContent
	r.Content = make([]ContentPart, 0, len(wire.Content))
	for _, raw := range wire.Content {
		part, err := decodeContent(raw)
		if err != nil {
			return err
		}
		r.Content = append(r.Content, part)
	}
	return nil
}

func (r CallToolResult) MarshalJSON() ([]byte, error) {
	content := make([]any, 0, len(r.Content))
	for _, part := range r.Content {
		content = append(content, encodeContent(part))
	}
	out := map[string]any{"content": content, "isError": r.IsError}
	if len(r.StructuredContent) > 0 {
		out["structuredContent"] = r.StructuredContent
	}
	return json.Marshal(out)
}

// Text joins the text parts with newlines.
func (r *CallToolResult) Text() string {
	var parts []string
	for _, part := range r.Content {
		if t, ok := part.(TextContent); ok {
			parts = append(parts, t.Text)
		}
	}
	return strings.Join(parts, "\n")
}
