package h2

import (
	"bytes"
	"fmt"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/FumingPower3925/h2engine/internal/buffer"
	"github.com/FumingPower3925/h2engine/internal/byteorder"
)

// frameHeaderLen is the fixed size of an HTTP/2 frame header.
const frameHeaderLen = 9

// defaultMaxFrameSize is the RFC 7540 initial SETTINGS_MAX_FRAME_SIZE.
const defaultMaxFrameSize = 16384

// frameLength returns the payload length announced by a frame header.
func frameLength(header []byte) uint32 {
	return byteorder.Uint24(header)
}

// dataWriter encodes DATA frames directly into a connection write buffer.
type dataWriter struct {
	w  *buffer.WriteBuffer
	fr *http2.Framer
}

// framer returns a Framer writing into w, rebuilt if w changed.
func (d *dataWriter) framer(w *buffer.WriteBuffer) *http2.Framer {
	if d.fr == nil || d.w != w {
		d.w = w
		d.fr = http2.NewFramer(w, nil)
	}
	return d.fr
}

// writeHeaderBlock writes HEADERS and CONTINUATION frames, fragmenting the
// block by maxFrameSize.
func writeHeaderBlock(fr *http2.Framer, streamID uint32, endStream bool, block []byte, maxFrameSize uint32) error {
	if maxFrameSize == 0 {
		maxFrameSize = defaultMaxFrameSize
	}
	remaining := block
	first := true
	for first || len(remaining) > 0 {
		chunk := min(len(remaining), int(maxFrameSize))
		frag := remaining[:chunk]
		remaining = remaining[chunk:]

		var flags http2.Flags
		ftype := http2.FrameContinuation
		if first {
			ftype = http2.FrameHeaders
			if endStream {
				flags |= http2.FlagHeadersEndStream
			}
		}
		if len(remaining) == 0 {
			flags |= http2.FlagHeadersEndHeaders
		}
		if err := fr.WriteRawFrame(ftype, flags, streamID, frag); err != nil {
			return err
		}
		first = false
	}
	return nil
}

// headerEncoder encodes response header blocks with HPACK. Its dynamic table
// lives for the whole connection.
type headerEncoder struct {
	enc *hpack.Encoder
	buf bytes.Buffer
}

func newHeaderEncoder() *headerEncoder {
	e := &headerEncoder{}
	e.enc = hpack.NewEncoder(&e.buf)
	return e
}

// encode returns a block valid until the next call.
func (e *headerEncoder) encode(fields [][2]string) ([]byte, error) {
	e.buf.Reset()
	for _, f := range fields {
		if err := e.enc.WriteField(hpack.HeaderField{Name: f[0], Value: f[1]}); err != nil {
			return nil, err
		}
	}
	return e.buf.Bytes(), nil
}

// headerDecoder decodes request header blocks with HPACK.
type headerDecoder struct {
	dec *hpack.Decoder
}

func newHeaderDecoder(tableSize uint32) *headerDecoder {
	return &headerDecoder{dec: hpack.NewDecoder(tableSize, nil)}
}

func (d *headerDecoder) decode(block []byte) ([][2]string, error) {
	fields, err := d.dec.DecodeFull(block)
	if err != nil {
		return nil, fmt.Errorf("hpack decode error: %w", err)
	}
	out := make([][2]string, 0, len(fields))
	for _, f := range fields {
		out = append(out, [2]string{f.Name, f.Value})
	}
	return out, nil
}
