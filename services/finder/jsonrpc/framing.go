// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package jsonrpc

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// maxMessageSize bounds a single framed body.
const maxMessageSize = 64 << 20

// Framing selects how messages are delimited on the stream.
type Framing int

const (
	// FramingContentLength prefixes each body with "Content-Length: N\r\n\r\n".
	FramingContentLength Framing = iota

	// FramingNewline writes one JSON document per line.
	FramingNewline
)

// String returns the configuration name of the framing.
func (f Framing) String() string {
	switch f {
	case FramingContentLength:
		return "content-length"
	case FramingNewline:
		return "newline"
	default:
		return "unknown"
	}
}

// ParseFraming maps a configuration name to a Framing.
func ParseFraming(name string) (Framing, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "content-length", "header":
		return FramingContentLength, nil
	case "newline", "ndjson", "line":
		return FramingNewline, nil
	default:
		return 0, fmt.Errorf("unknown framing %q", name)
	}
}

// codec reads and writes whole message bodies.
//
// ReadMessage is called from a single goroutine. WriteMessage calls are
// serialized by the Conn.
type codec interface {
	ReadMessage() ([]byte, error)
	WriteMessage(body []byte) error
}

func newCodec(f Framing, r io.Reader, w io.Writer) codec {
	var reader *bufio.Reader
	if r != nil {
		reader = bufio.NewReaderSize(r, 64*1024)
	}
	if f == FramingNewline {
		return &lineCodec{reader: reader, writer: w}
	}
	return &headerCodec{reader: reader, writer: w}
}

// =============================================================================
// CONTENT-LENGTH FRAMING
// =============================================================================

type headerCodec struct {
	reader *bufio.Reader
	writer io.Writer
}

func (c *headerCodec) WriteMessage(body []byte) error {
	// One Write per frame keeps header and body together on pipes that
	// deliver partial writes to concurrent readers.
	frame := make([]byte, 0, len(body)+32)
	frame = append(frame, "Content-Length: "...)
	frame = strconv.AppendInt(frame, int64(len(body)), 10)
	frame = append(frame, "\r\n\r\n"...)
	frame = append(frame, body...)
	if _, err := c.writer.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func (c *headerCodec) ReadMessage() ([]byte, error) {
	contentLength := -1

	for {
		line, err := c.reader.ReadString('\n')
		if err != nil {
			if err == io.EOF && line == "" && contentLength < 0 {
				return nil, io.EOF
			}
			if err == io.EOF {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			if contentLength < 0 {
				// Stray blank line between frames.
				continue
			}
			break
		}

		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("%w: bad header line %q", ErrMalformedFrame, line)
		}
		if strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			n, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil {
				return nil, fmt.Errorf("%w: invalid Content-Length %q", ErrMalformedFrame, value)
			}
			if n < 0 || n > maxMessageSize {
				return nil, fmt.Errorf("%w: Content-Length %d out of range", ErrMalformedFrame, n)
			}
			contentLength = n
		}
		// Other headers (Content-Type) are ignored.
	}

	if contentLength == 0 {
		return nil, fmt.Errorf("%w: zero Content-Length", ErrMalformedFrame)
	}

	body := make([]byte, contentLength)
	if _, err := io.ReadFull(c.reader, body); err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}

// =============================================================================
// NEWLINE FRAMING
// =============================================================================

type lineCodec struct {
	reader *bufio.Reader
	writer io.Writer
}

func (c *lineCodec) WriteMessage(body []byte) error {
	frame := make([]byte, 0, len(body)+1)
	frame = append(frame, body...)
	frame = append(frame, '\n')
	if _, err := c.writer.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func (c *lineCodec) ReadMessage() ([]byte, error) {
	for {
		line, err := c.reader.ReadBytes('\n')
		trimmed := bytes.TrimSpace(line)
		if len(trimmed) > maxMessageSize {
			return nil, fmt.Errorf("%w: line exceeds %d bytes", ErrMalformedFrame, maxMessageSize)
		}
		if len(trimmed) > 0 {
			// A final line without a trailing newline still counts.
			return trimmed, nil
		}
		if err != nil {
			return nil, err
		}
	}
}
