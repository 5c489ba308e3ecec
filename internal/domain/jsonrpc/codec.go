package jsonrpc

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// maxContentLength bounds a single HeaderCodec body.
const maxContentLength = 64 << 20

// Codec turns payloads into wire frames and a byte stream back into frames.
type Codec interface {
	// Encode returns one complete frame for payload.
	Encode(payload any) ([]byte, error)
	// NewDecoder starts a fresh frame sequence over r.
	NewDecoder(r io.Reader) Decoder
	// Name is used in log lines.
	Name() string
}

// Decoder yields frames in stream order. Next blocks only on I/O and returns io.EOF
// (or io.ErrUnexpectedEOF for a torn frame) when the stream ends.
type Decoder interface {
	Next() (json.RawMessage, error)
}

// marshal encodes without HTML escaping so document text reaches servers unchanged.
func marshal(payload any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(payload); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// =============================================================================
// LineCodec - newline-delimited JSON (MCP stdio)
// =============================================================================

// LineCodec frames one JSON document per '\n'-terminated line. JSON escapes raw
// newlines inside strings, so a payload can never span lines.
type LineCodec struct{}

func (LineCodec) Name() string { return "line" }

func (LineCodec) Encode(payload any) ([]byte, error) {
	data, err := marshal(payload)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

func (LineCodec) NewDecoder(r io.Reader) Decoder {
	return &lineDecoder{r: bufio.NewReaderSize(r, 64*1024)}
}

type lineDecoder struct {
	r   *bufio.Reader
	eof bool
}

// Next returns the next non-blank line. A line that is not valid JSON comes back as a
// non-fatal ProtocolError and the following call continues with the next line.
func (d *lineDecoder) Next() (json.RawMessage, error) {
	for {
		if d.eof {
			return nil, io.EOF
		}
		line, err := d.r.ReadBytes('\n')
		if err != nil {
			if !errors.Is(err, io.EOF) {
				return nil, err
			}
			d.eof = true
		}

		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		if !json.Valid(line) {
			return nil, &ProtocolError{Frame: line, Err: errors.New("line is not valid JSON")}
		}
		return json.RawMessage(line), nil
	}
}

// =============================================================================
// HeaderCodec - Content-Length framing (LSP base protocol)
// =============================================================================
//
//   Content-Length: 52\r\n
//   \r\n
//   {"jsonrpc":"2.0","method":"initialized","params":{}}
//
// Other headers (Content-Type) are accepted and ignored.

// HeaderCodec frames each body behind a Content-Length header block.
type HeaderCodec struct{}

func (HeaderCodec) Name() string { return "header" }

func (HeaderCodec) Encode(payload any) ([]byte, error) {
	body, err := marshal(payload)
	if err != nil {
		return nil, err
	}
	header := fmt.Sprintf("Content-Length: %d\r\n\r\n", len(body))
	frame := make([]byte, 0, len(header)+len(body))
	frame = append(frame, header...)
	return append(frame, body...), nil
}

func (HeaderCodec) NewDecoder(r io.Reader) Decoder {
	return &headerDecoder{r: bufio.NewReaderSize(r, 64*1024)}
}

type headerDecoder struct {
	r *bufio.Reader
}

// Next reads one header block and exactly Content-Length body bytes. Framing failures
// are fatal ProtocolErrors.
func (d *headerDecoder) Next() (json.RawMessage, error) {
	length := -1
	sawHeader := false

	for {
		line, err := d.r.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				if !sawHeader && line == "" {
					return nil, io.EOF
				}
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if !sawHeader {
				// Tolerate stray blank lines between messages.
				continue
			}
			break
		}
		sawHeader = true

		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, &ProtocolError{Frame: []byte(line), Err: fmt.Errorf("malformed header line %q", line), Fatal: true}
		}
		if strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			n, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil || n < 0 || n > maxContentLength {
				return nil, &ProtocolError{Frame: []byte(line), Err: fmt.Errorf("invalid Content-Length %q", strings.TrimSpace(value)), Fatal: true}
			}
			length = n
		}
	}

	if length < 0 {
		return nil, &ProtocolError{Err: errors.New("missing Content-Length header"), Fatal: true}
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(d.r, body); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	if !json.Valid(body) {
		return nil, &ProtocolError{Frame: body, Err: errors.New("body is not valid JSON"), Fatal: true}
	}
	return json.RawMessage(body), nil
}
