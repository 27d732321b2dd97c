package snapshot

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/devrev/ddbd/internal/errors"
	"github.com/devrev/ddbd/internal/model"
	"github.com/devrev/ddbd/internal/storage/logfile"
	"github.com/devrev/ddbd/internal/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testImage() *Image {
	nicks := TableImage{
		ID:               'n',
		Serial:           120,
		CheckpointSerial: 100,
		Hash:             util.UpdateHashString(util.HashState{}, "120 hub.test nick0 x"),
		LogLines:         21,
		Fingerprint:      logfile.Fingerprint{Dev: 2049, Inode: 77, Size: 4096, ModTime: 1700000000123456789},
	}
	for i := 0; i < 20; i++ {
		nicks.Records = append(nicks.Records, model.Record{
			Key:    fmt.Sprintf("nick%d", i),
			Value:  fmt.Sprintf("account%d 1700000000", i),
			Serial: uint64(100 + i),
			Origin: "hub.test",
		})
	}
	return &Image{
		LayoutTag: model.DefaultLayout().VersionTag(),
		Tables: []TableImage{
			nicks,
			{ID: 'm', Serial: 5, LogLines: 5},
		},
	}
}

func TestWriteRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ddb.cache")
	img := testImage()

	require.NoError(t, Write(path, img))

	got, err := Read(path, img.LayoutTag)
	require.NoError(t, err)
	require.Len(t, got.Tables, 2)
	assert.Equal(t, img.Tables[0].Fingerprint, got.Tables[0].Fingerprint)
	assert.Equal(t, img.Tables[0].Hash, got.Tables[0].Hash)
	assert.Equal(t, img.Tables[0].Records, got.Tables[0].Records)
	assert.Equal(t, uint64(100), got.Tables[0].CheckpointSerial)
	assert.Empty(t, got.Tables[1].Records)
}

func TestRead_Missing(t *testing.T) {
	_, err := Read(filepath.Join(t.TempDir(), "absent"), 1)
	require.Error(t, err)
	assert.True(t, os.IsNotExist(err))
}

func TestRead_Rejects(t *testing.T) {
	img := testImage()

	tests := []struct {
		name    string
		tag     uint64
		corrupt func(data []byte) []byte
	}{
		{"layout change", img.LayoutTag + 1, nil},
		{"bad magic", img.LayoutTag, func(d []byte) []byte { d[0] = 'X'; return d }},
		{"flipped body byte", img.LayoutTag, func(d []byte) []byte { d[HeaderSize+3] ^= 0xff; return d }},
		{"truncated", img.LayoutTag, func(d []byte) []byte { return d[:len(d)-5] }},
		{"extended", img.LayoutTag, func(d []byte) []byte { return append(d, 0, 0, 0) }},
		{"header only", img.LayoutTag, func(d []byte) []byte { return d[:HeaderSize-1] }},
		{"huge raw length", img.LayoutTag, func(d []byte) []byte {
			binary.LittleEndian.PutUint64(d[32:40], 1<<62)
			return d
		}},
		{"raw length off by one", img.LayoutTag, func(d []byte) []byte {
			binary.LittleEndian.PutUint64(d[32:40], binary.LittleEndian.Uint64(d[32:40])+1)
			return d
		}},
		{"reserved header byte", img.LayoutTag, func(d []byte) []byte { d[6] ^= 0x01; return d }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "ddb.cache")
			require.NoError(t, Write(path, img))
			if tt.corrupt != nil {
				data, err := os.ReadFile(path)
				require.NoError(t, err)
				require.NoError(t, os.WriteFile(path, tt.corrupt(data), 0644))
			}

			_, err := Read(path, tt.tag)
			require.Error(t, err)
			assert.Equal(t, errors.ErrCodeCorruptSnapshot, errors.GetCode(err))
		})
	}
}

func TestHeader_EncodeDecode(t *testing.T) {
	h := &Header{Version: FormatVersion, LayoutTag: 42, TotalSize: 100, BodyLength: 52, RawLength: 80, Checksum: 7}
	data := h.Encode()
	require.Len(t, data, HeaderSize)

	got, err := DecodeHeader(data)
	require.NoError(t, err)
	assert.Equal(t, h, got)
}
