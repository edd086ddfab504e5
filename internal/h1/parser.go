// Package h1 implements the single-stream HTTP/1.x phases of a connection.
package h1

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	errRequestLine     = errors.New("invalid request line")
	errHeaderLine      = errors.New("invalid header line")
	errMissingHost     = errors.New("missing Host header")
	errContentLength   = errors.New("invalid content-length")
	errTransferCoding  = errors.New("unsupported transfer-encoding")
	errAmbiguousLength = errors.New("both content-length and transfer-encoding present")
	errChunk           = errors.New("invalid chunk")
)

var crlf = []byte("\r\n")

// Request is one parsed HTTP/1.x request head.
type Request struct {
	Method  string
	Path    string
	Version string
	Host    string
	// Header holds lowercased names with values as received.
	Header [][2]string

	ContentLength int64
	Chunked       bool
	KeepAlive     bool
	Expect100     bool
}

// Reset clears the request for reuse.
func (r *Request) Reset() {
	r.Method = ""
	r.Path = ""
	r.Version = ""
	r.Host = ""
	r.Header = r.Header[:0]
	r.ContentLength = -1
	r.Chunked = false
	r.KeepAlive = false
	r.Expect100 = false
}

// Parser reads requests out of a byte slice. It never copies the input;
// strings in the parsed Request are owned copies.
type Parser struct {
	buf []byte
	pos int
}

// Reset points the parser at new input.
func (p *Parser) Reset(buf []byte) {
	p.buf = buf
	p.pos = 0
}

// Pos returns the number of bytes parsed so far.
func (p *Parser) Pos() int { return p.pos }

// ParseHead parses the request line and header fields. It returns false
// without error while the head is incomplete.
func (p *Parser) ParseHead(req *Request) (bool, error) {
	req.Reset()
	p.pos = 0

	complete, err := p.parseRequestLine(req)
	if err != nil || !complete {
		return false, err
	}
	req.KeepAlive = req.Version == "HTTP/1.1"

	complete, err = p.parseHeaders(req)
	if err != nil || !complete {
		return false, err
	}
	if req.Chunked && req.ContentLength >= 0 {
		return false, errAmbiguousLength
	}
	if req.Host == "" && req.Version == "HTTP/1.1" {
		return false, errMissingHost
	}
	return true, nil
}

func (p *Parser) line() ([]byte, bool) {
	end := bytes.Index(p.buf[p.pos:], crlf)
	if end < 0 {
		return nil, false
	}
	l := p.buf[p.pos : p.pos+end]
	p.pos += end + len(crlf)
	return l, true
}

func (p *Parser) parseRequestLine(req *Request) (bool, error) {
	line, ok := p.line()
	if !ok {
		return false, nil
	}
	parts := bytes.SplitN(line, []byte(" "), 3)
	if len(parts) != 3 || len(parts[0]) == 0 || len(parts[1]) == 0 {
		return false, errRequestLine
	}
	req.Method = string(parts[0])
	req.Path = string(parts[1])
	req.Version = string(parts[2])
	if req.Version != "HTTP/1.1" && req.Version != "HTTP/1.0" {
		return false, fmt.Errorf("unsupported HTTP version: %q", req.Version)
	}
	return true, nil
}

func (p *Parser) parseHeaders(req *Request) (bool, error) {
	for {
		line, ok := p.line()
		if !ok {
			return false, nil
		}
		if len(line) == 0 {
			return true, nil
		}
		colon := bytes.IndexByte(line, ':')
		if colon <= 0 || line[colon-1] == ' ' || line[colon-1] == '\t' {
			return false, errHeaderLine
		}
		name := strings.ToLower(string(line[:colon]))
		value := string(bytes.TrimSpace(line[colon+1:]))
		if err := req.addHeader(name, value); err != nil {
			return false, err
		}
	}
}

func (r *Request) addHeader(name, value string) error {
	r.Header = append(r.Header, [2]string{name, value})
	switch name {
	case "host":
		r.Host = value
	case "content-length":
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil || n < 0 {
			return fmt.Errorf("%w: %q", errContentLength, value)
		}
		if r.ContentLength >= 0 && r.ContentLength != n {
			return fmt.Errorf("%w: conflicting values", errContentLength)
		}
		r.ContentLength = n
	case "transfer-encoding":
		if !strings.EqualFold(value, "chunked") {
			return fmt.Errorf("%w: %q", errTransferCoding, value)
		}
		r.Chunked = true
	case "connection":
		for _, tok := range strings.Split(value, ",") {
			switch tok = strings.TrimSpace(tok); {
			case strings.EqualFold(tok, "close"):
				r.KeepAlive = false
			case strings.EqualFold(tok, "keep-alive"):
				r.KeepAlive = true
			}
		}
	case "expect":
		r.Expect100 = strings.EqualFold(value, "100-continue")
	}
	return nil
}

// maxChunkLine bounds a chunk-size or trailer line.
const maxChunkLine = 4096

type bodyState uint8

const (
	bodyDone bodyState = iota
	bodyLength
	chunkSize
	chunkData
	chunkDataEnd
	chunkTrailer
)

// BodyDecoder decodes a request body as it arrives. Decoded input is
// reported as consumed so the caller can drop it from the read buffer.
type BodyDecoder struct {
	state     bodyState
	remaining uint64
}

// Reset prepares the decoder for the body announced by req.
func (d *BodyDecoder) Reset(req *Request) {
	d.remaining = 0
	switch {
	case req.Chunked:
		d.state = chunkSize
	case req.ContentLength > 0:
		d.state = bodyLength
		d.remaining = uint64(req.ContentLength)
	default:
		d.state = bodyDone
	}
}

// Done reports whether the whole body has been decoded.
func (d *BodyDecoder) Done() bool { return d.state == bodyDone }

// Decode appends the body bytes in buf to dst and returns the number of
// bytes of buf it consumed. Bytes following a complete body are left
// unconsumed.
func (d *BodyDecoder) Decode(buf []byte, dst *bytes.Buffer) (n int, done bool, err error) {
	for d.state != bodyDone {
		rest := buf[n:]
		switch d.state {
		case bodyLength, chunkData:
			if len(rest) == 0 {
				return n, false, nil
			}
			k := d.remaining
			if uint64(len(rest)) < k {
				k = uint64(len(rest))
			}
			dst.Write(rest[:k])
			n += int(k)
			d.remaining -= k
			if d.remaining == 0 {
				if d.state == bodyLength {
					d.state = bodyDone
				} else {
					d.state = chunkDataEnd
				}
			}

		case chunkDataEnd:
			if len(rest) < len(crlf) {
				if len(rest) == 1 && rest[0] != '\r' {
					return n, false, fmt.Errorf("%w: missing CRLF after data", errChunk)
				}
				return n, false, nil
			}
			if !bytes.Equal(rest[:2], crlf) {
				return n, false, fmt.Errorf("%w: missing CRLF after data", errChunk)
			}
			n += len(crlf)
			d.state = chunkSize

		case chunkSize:
			line, ok, err := chunkLine(rest)
			if err != nil || !ok {
				return n, false, err
			}
			n += len(line) + len(crlf)
			if semi := bytes.IndexByte(line, ';'); semi >= 0 {
				line = line[:semi]
			}
			size, err := strconv.ParseUint(string(bytes.TrimSpace(line)), 16, 62)
			if err != nil {
				return n, false, fmt.Errorf("%w: size: %w", errChunk, err)
			}
			d.remaining = size
			d.state = chunkData
			if size == 0 {
				d.state = chunkTrailer
			}

		case chunkTrailer:
			line, ok, err := chunkLine(rest)
			if err != nil || !ok {
				return n, false, err
			}
			n += len(line) + len(crlf)
			if len(line) == 0 {
				d.state = bodyDone
			} else if bytes.IndexByte(line, ':') <= 0 {
				return n, false, errHeaderLine
			}
		}
	}
	return n, true, nil
}

// chunkLine returns the line at the start of b without its CRLF. It
// returns false while the line is incomplete.
func chunkLine(b []byte) ([]byte, bool, error) {
	end := bytes.Index(b, crlf)
	if end > maxChunkLine || (end < 0 && len(b) > maxChunkLine) {
		return nil, false, fmt.Errorf("%w: line exceeds %d bytes", errChunk, maxChunkLine)
	}
	if end < 0 {
		return nil, false, nil
	}
	return b[:end], true, nil
}
