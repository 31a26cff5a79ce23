// Package framing implements the length-prefixed packet format used on the
// parse worker pipes: the decimal byte length, a '|' delimiter, then the payload.
package framing

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
)

const (
	delimiter = '|'
	// maxLengthDigits bounds the prefix so a stream without delimiters fails fast.
	maxLengthDigits = 19
	readChunk       = 32 * 1024
)

// DefaultMaxPacket is the packet limit both ends of the worker pipes use.
const DefaultMaxPacket = 64 << 20

var (
	// ErrMalformedLength is returned when the prefix is not a decimal number.
	// The decoder is unusable afterwards.
	ErrMalformedLength = errors.New("framing: malformed length prefix")
	// ErrPacketTooLarge is returned when a prefix exceeds the decoder limit.
	ErrPacketTooLarge = errors.New("framing: packet too large")
)

// Encode frames payload as "<len>|<payload>".
func Encode(payload []byte) []byte {
	prefix := strconv.Itoa(len(payload))
	out := make([]byte, 0, len(prefix)+1+len(payload))
	out = append(out, prefix...)
	out = append(out, delimiter)
	return append(out, payload...)
}

// Decoder reassembles packets from arbitrarily split chunks. It is not safe
// for concurrent use.
type Decoder struct {
	// MaxPacket rejects packets larger than this many bytes when positive.
	MaxPacket int

	buf []byte
	err error
}

// NewDecoder returns a Decoder with the given packet limit (0 disables it).
func NewDecoder(maxPacket int) *Decoder {
	return &Decoder{MaxPacket: maxPacket}
}

// Decode appends chunk to the buffer and returns every complete packet in
// arrival order. A partial trailing packet stays buffered for the next call.
// Packets decoded before a framing error are still returned with the error.
func (d *Decoder) Decode(chunk []byte) ([][]byte, error) {
	if d.err != nil {
		return nil, d.err
	}
	d.buf = append(d.buf, chunk...)

	var packets [][]byte
	for {
		idx := bytes.IndexByte(d.buf, delimiter)
		if idx < 0 {
			if err := checkPartialPrefix(d.buf); err != nil {
				d.err = err
				return packets, err
			}
			return packets, nil
		}
		n, err := parseLength(d.buf[:idx])
		if err != nil {
			d.err = err
			return packets, err
		}
		if d.MaxPacket > 0 && n > d.MaxPacket {
			d.err = fmt.Errorf("%w: %d > %d", ErrPacketTooLarge, n, d.MaxPacket)
			return packets, d.err
		}
		if n > math.MaxInt-idx-1 {
			d.err = fmt.Errorf("%w: %d", ErrPacketTooLarge, n)
			return packets, d.err
		}
		end := idx + 1 + n
		if len(d.buf) < end {
			return packets, nil
		}
		packet := make([]byte, n)
		copy(packet, d.buf[idx+1:end])
		packets = append(packets, packet)
		d.buf = d.buf[end:]
		if len(d.buf) == 0 {
			d.buf = nil
		}
	}
}

// Buffered returns the number of bytes waiting for a complete packet.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Err returns the sticky framing error, if any.
func (d *Decoder) Err() error {
	return d.err
}

// Reset clears buffered data and any sticky error.
func (d *Decoder) Reset() {
	d.buf = nil
	d.err = nil
}

// ReadPackets reads r until EOF, invoking fn for every decoded packet. It
// returns nil on a clean EOF, the framing error on corrupt input, or the
// first error returned by fn.
func ReadPackets(r io.Reader, d *Decoder, fn func([]byte) error) error {
	chunk := make([]byte, readChunk)
	for {
		n, readErr := r.Read(chunk)
		if n > 0 {
			packets, err := d.Decode(chunk[:n])
			for _, p := range packets {
				if cbErr := fn(p); cbErr != nil {
					return cbErr
				}
			}
			if err != nil {
				return err
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return nil
			}
			return fmt.Errorf("read packets: %w", readErr)
		}
	}
}

func parseLength(prefix []byte) (int, error) {
	if len(prefix) == 0 || len(prefix) > maxLengthDigits {
		return 0, fmt.Errorf("%w: %q", ErrMalformedLength, truncate(prefix))
	}
	for _, b := range prefix {
		if b < '0' || b > '9' {
			return 0, fmt.Errorf("%w: %q", ErrMalformedLength, truncate(prefix))
		}
	}
	n, err := strconv.Atoi(string(prefix))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformedLength, err)
	}
	return n, nil
}

// checkPartialPrefix rejects a buffer that can no longer become a valid prefix.
func checkPartialPrefix(buf []byte) error {
	if len(buf) > maxLengthDigits {
		return fmt.Errorf("%w: no delimiter in %d bytes", ErrMalformedLength, len(buf))
	}
	for _, b := range buf {
		if b < '0' || b > '9' {
			return fmt.Errorf("%w: %q", ErrMalformedLength, truncate(buf))
		}
	}
	return nil
}

func truncate(b []byte) []byte {
	if len(b) > 32 {
		return b[:32]
	}
	return b
}
