package util

import (
	"crypto/cipher"
	"encoding/base64"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/tea"
)

// Hash chain over a table log.
//
// The state is two 32-bit words seeded to zero. Each log line is read as
// big-endian 32-bit words; every word pair is XORed into the state, which is
// then run through one TEA block with an all-zero key. This detects divergence
// between two copies of a table cheaply. It is not a MAC.

// EncodedHashLen is the length of an encoded hash state
const EncodedHashLen = 12

var zeroKeyCipher = mustZeroKeyCipher()

func mustZeroKeyCipher() cipher.Block {
	c, err := tea.NewCipher(make([]byte, tea.KeySize))
	if err != nil {
		panic(fmt.Sprintf("hashchain: failed to create cipher: %v", err))
	}
	return c
}

// HashState is the running hash of a table
type HashState struct {
	Hi uint32
	Lo uint32
}

// IsZero reports whether the state is the initial seed
func (h HashState) IsZero() bool {
	return h.Hi == 0 && h.Lo == 0
}

// UpdateHash folds one log line into the state. Line terminators are ignored.
func UpdateHash(state HashState, line []byte) HashState {
	for len(line) > 0 && (line[len(line)-1] == '\n' || line[len(line)-1] == '\r') {
		line = line[:len(line)-1]
	}

	var block [tea.BlockSize]byte
	for off := 0; off < len(line); off += tea.BlockSize {
		block = [tea.BlockSize]byte{}
		copy(block[:], line[off:])

		binary.BigEndian.PutUint32(block[0:4], state.Hi^binary.BigEndian.Uint32(block[0:4]))
		binary.BigEndian.PutUint32(block[4:8], state.Lo^binary.BigEndian.Uint32(block[4:8]))
		zeroKeyCipher.Encrypt(block[:], block[:])

		state.Hi = binary.BigEndian.Uint32(block[0:4])
		state.Lo = binary.BigEndian.Uint32(block[4:8])
	}
	return state
}

// UpdateHashString is UpdateHash for a string line
func UpdateHashString(state HashState, line string) HashState {
	return UpdateHash(state, []byte(line))
}

// Encode returns the 12 character form used in the sidecar file and on the wire
func (h HashState) Encode() string {
	var raw [8]byte
	binary.BigEndian.PutUint32(raw[0:4], h.Hi)
	binary.BigEndian.PutUint32(raw[4:8], h.Lo)
	return base64.StdEncoding.EncodeToString(raw[:])
}

// DecodeHash parses the 12 character form
func DecodeHash(s string) (HashState, error) {
	if len(s) != EncodedHashLen {
		return HashState{}, fmt.Errorf("encoded hash must be %d characters, got %d", EncodedHashLen, len(s))
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return HashState{}, fmt.Errorf("failed to decode hash %q: %w", s, err)
	}
	if len(raw) != 8 {
		return HashState{}, fmt.Errorf("decoded hash has %d bytes, want 8", len(raw))
	}
	return HashState{
		Hi: binary.BigEndian.Uint32(raw[0:4]),
		Lo: binary.BigEndian.Uint32(raw[4:8]),
	}, nil
}

// CombineHashes chains the encoded form of several states, in order
func CombineHashes(states []HashState) HashState {
	var combined HashState
	for _, s := range states {
		combined = UpdateHashString(combined, s.Encode())
	}
	return combined
}
