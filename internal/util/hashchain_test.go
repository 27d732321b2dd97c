package util

import (
	"testing"
)

func TestUpdateHashDeterministic(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"simple", []byte("1 hub.example mynick 5")},
		{"unaligned", []byte("12 * c #chan")},
		{"binary", []byte{0x00, 0x01, 0x02, 0x03, 0xFF}},
		{"large", make([]byte, 10000)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h1 := UpdateHash(HashState{}, tt.data)
			h2 := UpdateHash(HashState{}, tt.data)

			if h1 != h2 {
				t.Errorf("Hash should be deterministic: %v != %v", h1, h2)
			}
			if h1.IsZero() {
				t.Error("Hash of non-empty data should not stay at the zero seed")
			}
		})
	}
}

func TestUpdateHashIgnoresTerminators(t *testing.T) {
	plain := UpdateHashString(HashState{}, "1 hub mynick 5")
	lf := UpdateHashString(HashState{}, "1 hub mynick 5\n")
	crlf := UpdateHashString(HashState{}, "1 hub mynick 5\r\n")

	if plain != lf || plain != crlf {
		t.Errorf("Line terminators should not affect the hash: %v %v %v", plain, lf, crlf)
	}
}

func TestUpdateHashOrderSensitive(t *testing.T) {
	a := "1 hub alpha x"
	b := "2 hub beta y"

	ab := UpdateHashString(UpdateHashString(HashState{}, a), b)
	ba := UpdateHashString(UpdateHashString(HashState{}, b), a)

	if ab == ba {
		t.Error("Applying lines in a different order should give a different hash")
	}
}

func TestUpdateHashReplayIdempotent(t *testing.T) {
	lines := []string{"1 hub a 1", "2 hub b 2", "3 hub a", "4 hub c some value with spaces"}

	replay := func() HashState {
		var h HashState
		for _, l := range lines {
			h = UpdateHashString(h, l)
		}
		return h
	}

	if replay() != replay() {
		t.Error("Replaying the same lines must reproduce the same state")
	}
}

func TestEncodeDecodeHash(t *testing.T) {
	h := UpdateHashString(HashState{}, "7 hub key value")
	enc := h.Encode()

	if len(enc) != EncodedHashLen {
		t.Fatalf("Expected encoded length %d, got %d (%q)", EncodedHashLen, len(enc), enc)
	}

	dec, err := DecodeHash(enc)
	if err != nil {
		t.Fatalf("DecodeHash failed: %v", err)
	}
	if dec != h {
		t.Errorf("Decoded hash mismatch: expected %v, got %v", h, dec)
	}

	if _, err := DecodeHash("short"); err == nil {
		t.Error("Decoding a short string should fail")
	}
}

func TestCombineHashes(t *testing.T) {
	a := UpdateHashString(HashState{}, "1 hub a 1")
	b := UpdateHashString(HashState{}, "1 hub b 1")

	if CombineHashes([]HashState{a, b}) == CombineHashes([]HashState{b, a}) {
		t.Error("Combined hash should depend on table order")
	}
	if !CombineHashes(nil).IsZero() {
		t.Error("Combining no tables should give the zero state")
	}
}

func BenchmarkUpdateHash(b *testing.B) {
	line := []byte("123456 hub.example.net somenick 0123456789abcdef")
	b.ResetTimer()
	var h HashState
	for i := 0; i < b.N; i++ {
		h = UpdateHash(h, line)
	}
}
