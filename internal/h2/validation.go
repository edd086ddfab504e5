package h2

import (
	"fmt"
	"strconv"
	"strings"
)

// requestHead holds the pseudo-header fields of a request.
type requestHead struct {
	method    string
	scheme    string
	path      string
	authority string
}

// validateRequestHeaders checks a request header block and extracts its
// pseudo-header fields.
func validateRequestHeaders(fields [][2]string) (requestHead, error) {
	var (
		head        requestHead
		seenRegular bool
		seenPseudo  = make(map[string]bool, 4)
	)

	for _, f := range fields {
		name, value := f[0], f[1]
		if name != strings.ToLower(name) {
			return head, fmt.Errorf("header field name must be lowercase: %s", name)
		}

		if !strings.HasPrefix(name, ":") {
			seenRegular = true
			if err := checkRegularField(name, value); err != nil {
				return head, err
			}
			continue
		}

		if seenRegular {
			return head, fmt.Errorf("pseudo-header %s appears after regular header", name)
		}
		if seenPseudo[name] {
			return head, fmt.Errorf("duplicate pseudo-header: %s", name)
		}
		seenPseudo[name] = true

		switch name {
		case ":method":
			head.method = value
		case ":scheme":
			head.scheme = value
		case ":path":
			if value == "" {
				return head, fmt.Errorf("empty :path pseudo-header")
			}
			head.path = value
		case ":authority":
			head.authority = value
		default:
			return head, fmt.Errorf("unknown pseudo-header: %s", name)
		}
	}

	if head.method == "" {
		return head, fmt.Errorf("missing required :method pseudo-header")
	}
	if head.method == "CONNECT" {
		if head.authority == "" || head.scheme != "" || head.path != "" {
			return head, fmt.Errorf("malformed CONNECT request")
		}
		return head, nil
	}
	if head.scheme == "" {
		return head, fmt.Errorf("missing required :scheme pseudo-header")
	}
	if head.path == "" {
		return head, fmt.Errorf("missing required :path pseudo-header")
	}
	return head, nil
}

// validateTrailerHeaders checks a trailing header block. Trailers carry no
// pseudo-header fields.
func validateTrailerHeaders(fields [][2]string) error {
	for _, f := range fields {
		name := f[0]
		if name != strings.ToLower(name) {
			return fmt.Errorf("header field name must be lowercase: %s", name)
		}
		if strings.HasPrefix(name, ":") {
			return fmt.Errorf("pseudo-header not allowed in trailers: %s", name)
		}
		if err := checkRegularField(name, f[1]); err != nil {
			return err
		}
	}
	return nil
}

func checkRegularField(name, value string) error {
	switch name {
	case "connection", "keep-alive", "proxy-connection", "transfer-encoding", "upgrade":
		return fmt.Errorf("connection-specific header not allowed: %s", name)
	case "te":
		if value != "trailers" {
			return fmt.Errorf("TE header must be 'trailers', got: %s", value)
		}
	}
	return nil
}

// validateContentLength checks a declared content-length against the body
// actually received.
func validateContentLength(fields [][2]string, bodyLength int) error {
	for _, f := range fields {
		if f[0] != "content-length" {
			continue
		}
		want, err := strconv.Atoi(f[1])
		if err != nil || want < 0 {
			return fmt.Errorf("invalid content-length value: %s", f[1])
		}
		if want != bodyLength {
			return fmt.Errorf("content-length (%d) does not match body length (%d)", want, bodyLength)
		}
	}
	return nil
}

// validateStreamID checks a client-initiated stream id.
func validateStreamID(streamID, lastClientStream uint32) error {
	if streamID == 0 {
		return fmt.Errorf("stream ID 0 is reserved")
	}
	if streamID%2 == 0 {
		return fmt.Errorf("client sent even-numbered stream ID: %d", streamID)
	}
	if streamID <= lastClientStream {
		return fmt.Errorf("stream ID %d is not greater than last stream %d", streamID, lastClientStream)
	}
	return nil
}
