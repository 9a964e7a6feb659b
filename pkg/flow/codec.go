package flow

import (
	"encoding/binary"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

// WriteFrame writes buf prefixed by its varint-encoded length, in a single
// call to w.
func WriteFrame(w io.Writer, buf []byte, maxSize int) error {
	if maxSize > 0 && len(buf) > maxSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(buf))
	}
	prefixed := protowire.AppendVarint(make([]byte, 0, binary.MaxVarintLen64+len(buf)), uint64(len(buf)))
	prefixed = append(prefixed, buf...)
	_, err := w.Write(prefixed)
	return err
}

// ReadFrame reads one frame written by `WriteFrame`.
func ReadFrame(r io.Reader, maxSize int) ([]byte, error) {
	prefix := make([]byte, binary.MaxVarintLen64)
	n := 0
	for {
		if n == len(prefix) {
			return nil, ErrFrameInvalid
		}
		if _, err := io.ReadFull(r, prefix[n:n+1]); err != nil {
			return nil, err
		}
		n++
		if prefix[n-1] < 0x80 {
			break
		}
	}

	size, consumed := protowire.ConsumeVarint(prefix[:n])
	if err := protowire.ParseError(consumed); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFrameInvalid, err)
	}
	if maxSize > 0 && size > uint64(maxSize) {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}

	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
