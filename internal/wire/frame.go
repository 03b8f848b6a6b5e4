package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	frameHeaderSize = 8
	maxFrameMB      = 64
	maxFrame        = maxFrameMB * 1024 * 1024
	maxEnvelope     = 64 * 1024

	// MaxPayload is the largest multicast payload whose packet still fits
	// one frame.
	MaxPayload = maxFrame - maxEnvelope

	// frameMagic marks frames on a stream so a desynchronized reader fails
	// fast instead of allocating garbage lengths.
	frameMagic uint32 = 0x43504731 // "CPG1"
)

// WriteFrame writes one encoded packet to a stream using length-prefixed
// framing. Wire format:
// [4B magic big-endian uint32]
// [4B length big-endian uint32]
// [N bytes packet]
func WriteFrame( // A
	w io.Writer,
	data []byte,
) error {
	if len(data) > maxFrame {
		return fmt.Errorf(
			"frame exceeds %dMB limit",
			maxFrameMB,
		)
	}
	var hdr [frameHeaderSize]byte
	binary.BigEndian.PutUint32(hdr[:4], frameMagic)
	binary.BigEndian.PutUint32(
		hdr[4:],
		uint32(len(data)), // #nosec G115 -- bounded by maxFrame.
	)
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if len(data) > 0 {
		if _, err := w.Write(data); err != nil {
			return fmt.Errorf(
				"write frame: %w",
				err,
			)
		}
	}
	return nil
}

// ReadFrame reads one frame written by WriteFrame.
func ReadFrame( // A
	r io.Reader,
) ([]byte, error) {
	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf(
			"read header: %w",
			err,
		)
	}
	if magic := binary.BigEndian.Uint32(hdr[:4]); magic != frameMagic {
		return nil, fmt.Errorf(
			"bad frame magic %#x",
			magic,
		)
	}
	n := binary.BigEndian.Uint32(hdr[4:])
	if n > maxFrame {
		return nil, fmt.Errorf(
			"frame length %d exceeds %dMB limit",
			n,
			maxFrameMB,
		)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf(
			"read frame: %w",
			err,
		)
	}
	return data, nil
}
