// Package frame implements the length-prefixed JSON wire framing used on
// the SSH control channel: a 4-byte big-endian length prefix followed by
// that many bytes of UTF-8 JSON, with no delimiters between frames.
package frame

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// MaxFrameSize bounds the size of a single encoded frame body. It is larger
// than any practical terminal buffer update and keeps per-message memory
// bounded on both sides of the connection.
const MaxFrameSize = 5 * 1024 * 1024

const lengthPrefixSize = 4

// ErrFrameTooLarge is returned by ReadRaw (and so ReadFrame) when a frame's declared length
// exceeds MaxFrameSize, and by Encode when the serialized payload would
// exceed it.
var ErrFrameTooLarge = fmt.Errorf("frame exceeds %d byte cap", MaxFrameSize)

// Encode serializes v to JSON and prefixes it with its big-endian length.
func Encode(v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("frame: marshal: %w", err)
	}
	if len(body) > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	buf := make([]byte, lengthPrefixSize+len(body))
	binary.BigEndian.PutUint32(buf[:lengthPrefixSize], uint32(len(body)))
	copy(buf[lengthPrefixSize:], body)
	return buf, nil
}

// WriteTo encodes v and writes it to w in a single Write call.
func WriteTo(w io.Writer, v any) error {
	buf, err := Encode(v)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// Reader decodes a stream of frames from an underlying io.Reader. It is not
// safe for concurrent use; each SSH connection's control channel is read by
// exactly one goroutine (§4.2/§4.4: frames are processed strictly in
// arrival order).
type Reader struct {
	r io.Reader
}

// NewReader wraps r for frame-at-a-time decoding.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// ReadFrame blocks until a full frame is available, decodes its JSON body
// into v, and returns. A length prefix beyond MaxFrameSize returns
// ErrFrameTooLarge without reading the (possibly bogus) body; callers must
// treat that as fatal for the connection per §4.1.
func (d *Reader) ReadFrame(v any) error {
	body, err := d.ReadRaw()
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("frame: unmarshal: %w", err)
	}
	return nil
}

// ReadRaw reads and returns the next frame's undecoded JSON body.
func (d *Reader) ReadRaw() ([]byte, error) {
	var lenBuf [lengthPrefixSize]byte
	if _, err := io.ReadFull(d.r, lenBuf[:]); err != nil {
		return nil, err
	}

	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(d.r, body); err != nil {
		return nil, fmt.Errorf("frame: short body: %w", err)
	}
	return body, nil
}
