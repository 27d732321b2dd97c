package snapshot

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

const (
	// HeaderSize is the fixed size of the snapshot header in bytes
	HeaderSize = 48
	// Magic identifies a snapshot file
	Magic = "DDBC"
	// FormatVersion is the current snapshot format version
	FormatVersion = uint16(2)
	// MaxRawLength bounds the uncompressed body a header may announce
	MaxRawLength = 1 << 34
	// checksumOffset is where the checksum field starts; everything before it is summed
	checksumOffset = 40
)

// Header describes the snapshot body
type Header struct {
	Version    uint16
	LayoutTag  uint64
	TotalSize  uint64 // Header plus body
	BodyLength uint64 // Compressed
	RawLength  uint64 // Uncompressed
	Checksum   uint64 // xxhash of the header fields and the compressed body
}

// Encode serializes the header
func (h *Header) Encode() []byte {
	result := make([]byte, HeaderSize)

	copy(result[0:4], Magic)
	binary.LittleEndian.PutUint16(result[4:6], h.Version)
	// 6:8 reserved
	binary.LittleEndian.PutUint64(result[8:16], h.LayoutTag)
	binary.LittleEndian.PutUint64(result[16:24], h.TotalSize)
	binary.LittleEndian.PutUint64(result[24:32], h.BodyLength)
	binary.LittleEndian.PutUint64(result[32:40], h.RawLength)
	binary.LittleEndian.PutUint64(result[40:48], h.Checksum)

	return result
}

// DecodeHeader parses a header from the start of data
func DecodeHeader(data []byte) (*Header, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("snapshot too small: %d bytes, expected at least %d", len(data), HeaderSize)
	}
	if string(data[0:4]) != Magic {
		return nil, fmt.Errorf("invalid snapshot magic %q", data[0:4])
	}

	return &Header{
		Version:    binary.LittleEndian.Uint16(data[4:6]),
		LayoutTag:  binary.LittleEndian.Uint64(data[8:16]),
		TotalSize:  binary.LittleEndian.Uint64(data[16:24]),
		BodyLength: binary.LittleEndian.Uint64(data[24:32]),
		RawLength:  binary.LittleEndian.Uint64(data[32:40]),
		Checksum:   binary.LittleEndian.Uint64(data[40:48]),
	}, nil
}

// checksum sums the encoded header up to the checksum field, then the body
func checksum(header, body []byte) uint64 {
	d := xxhash.New()
	d.Write(header[:checksumOffset])
	d.Write(body)
	return d.Sum64()
}
