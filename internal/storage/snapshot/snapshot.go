// Package snapshot reads and writes the persistence cache: a single file
// holding every table index together with the log state it was built from.
package snapshot

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/devrev/ddbd/internal/errors"
	"github.com/devrev/ddbd/internal/model"
	"github.com/devrev/ddbd/internal/storage/logfile"
	"github.com/devrev/ddbd/internal/util"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/sys/unix"
)

// TableImage is the cached state of one table
type TableImage struct {
	ID               model.TableID
	Serial           uint64
	CheckpointSerial uint64
	Hash             util.HashState
	LogLines         uint64
	// Identity of the table log when the image was taken
	Fingerprint logfile.Fingerprint
	Records     []model.Record
}

// Image is the content of a snapshot file
type Image struct {
	LayoutTag uint64
	Tables    []TableImage
}

// Write stores the image at path, replacing any previous snapshot atomically
func Write(path string, img *Image) error {
	raw := encodeBody(img)

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	body := enc.EncodeAll(raw, make([]byte, 0, len(raw)/2))
	enc.Close()

	header := &Header{
		Version:    FormatVersion,
		LayoutTag:  img.LayoutTag,
		TotalSize:  uint64(HeaderSize + len(body)),
		BodyLength: uint64(len(body)),
		RawLength:  uint64(len(raw)),
	}
	header.Checksum = checksum(header.Encode(), body)

	tmpPath := path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return errors.FileIO(fmt.Sprintf("failed to create %s", tmpPath), err)
	}
	if _, err := f.Write(header.Encode()); err != nil {
		f.Close()
		return errors.FileIO("failed to write snapshot header", err)
	}
	if _, err := f.Write(body); err != nil {
		f.Close()
		return errors.FileIO("failed to write snapshot body", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return errors.FileIO("failed to sync snapshot", err)
	}
	if err := f.Close(); err != nil {
		return errors.FileIO("failed to close snapshot", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return errors.FileIO(fmt.Sprintf("failed to replace %s", path), err)
	}
	return nil
}

// Read maps the snapshot at path and decodes it. Every validation failure is
// a CorruptSnapshot error; a missing file is reported through os.IsNotExist.
func Read(path string, layoutTag uint64) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, errors.FileIO("failed to stat snapshot", err)
	}
	if info.Size() < HeaderSize {
		return nil, errors.CorruptSnapshot(fmt.Sprintf("snapshot is %d bytes", info.Size()), nil)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(info.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, errors.FileIO("failed to map snapshot", err)
	}
	defer unix.Munmap(data)

	header, err := DecodeHeader(data)
	if err != nil {
		return nil, errors.CorruptSnapshot("bad snapshot header", err)
	}
	if header.Version != FormatVersion {
		return nil, errors.CorruptSnapshot(fmt.Sprintf("snapshot format %d, expected %d", header.Version, FormatVersion), nil)
	}
	if header.LayoutTag != layoutTag {
		return nil, errors.CorruptSnapshot(fmt.Sprintf("snapshot layout tag %x, expected %x", header.LayoutTag, layoutTag), nil)
	}
	if header.TotalSize != uint64(len(data)) || header.BodyLength != header.TotalSize-HeaderSize {
		return nil, errors.CorruptSnapshot(fmt.Sprintf("snapshot size %d does not match header size %d", len(data), header.TotalSize), nil)
	}

	if header.RawLength > MaxRawLength {
		return nil, errors.CorruptSnapshot(fmt.Sprintf("snapshot announces %d uncompressed bytes", header.RawLength), nil)
	}

	body := data[HeaderSize:]
	if sum := checksum(data, body); sum != header.Checksum {
		return nil, errors.CorruptSnapshot(fmt.Sprintf("snapshot checksum %x, expected %x", sum, header.Checksum), nil)
	}

	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxRawLength))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	defer dec.Close()

	// The length is checked after decoding, never trusted for allocation
	raw, err := dec.DecodeAll(body, nil)
	if err != nil {
		return nil, errors.CorruptSnapshot("failed to decompress snapshot", err)
	}
	if uint64(len(raw)) != header.RawLength {
		return nil, errors.CorruptSnapshot(fmt.Sprintf("snapshot body is %d bytes, expected %d", len(raw), header.RawLength), nil)
	}

	img, err := decodeBody(raw)
	if err != nil {
		return nil, errors.CorruptSnapshot("failed to decode snapshot", err)
	}
	img.LayoutTag = header.LayoutTag
	return img, nil
}

func encodeBody(img *Image) []byte {
	buf := make([]byte, 0, 4096)
	buf = binary.AppendUvarint(buf, uint64(len(img.Tables)))
	for i := range img.Tables {
		t := &img.Tables[i]
		buf = append(buf, byte(t.ID))
		buf = binary.AppendUvarint(buf, t.Serial)
		buf = binary.AppendUvarint(buf, t.CheckpointSerial)
		buf = binary.LittleEndian.AppendUint32(buf, t.Hash.Hi)
		buf = binary.LittleEndian.AppendUint32(buf, t.Hash.Lo)
		buf = binary.AppendUvarint(buf, t.LogLines)
		buf = binary.AppendUvarint(buf, t.Fingerprint.Dev)
		buf = binary.AppendUvarint(buf, t.Fingerprint.Inode)
		buf = binary.AppendVarint(buf, t.Fingerprint.Size)
		buf = binary.AppendVarint(buf, t.Fingerprint.ModTime)
		buf = binary.AppendUvarint(buf, uint64(len(t.Records)))
		for _, rec := range t.Records {
			buf = binary.AppendUvarint(buf, rec.Serial)
			buf = appendString(buf, rec.Origin)
			buf = appendString(buf, rec.Key)
			buf = appendString(buf, rec.Value)
		}
	}
	return buf
}

func appendString(buf []byte, s string) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(s)))
	return append(buf, s...)
}

type bodyReader struct {
	data []byte
	off  int
	err  error
}

func (r *bodyReader) uvarint() uint64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Uvarint(r.data[r.off:])
	if n <= 0 {
		r.err = fmt.Errorf("bad uvarint at offset %d", r.off)
		return 0
	}
	r.off += n
	return v
}

func (r *bodyReader) varint() int64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Varint(r.data[r.off:])
	if n <= 0 {
		r.err = fmt.Errorf("bad varint at offset %d", r.off)
		return 0
	}
	r.off += n
	return v
}

func (r *bodyReader) bytes(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > len(r.data) {
		r.err = fmt.Errorf("truncated body at offset %d", r.off)
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *bodyReader) uint32() uint32 {
	b := r.bytes(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *bodyReader) str() string {
	n := r.uvarint()
	if n > uint64(len(r.data)) {
		r.err = fmt.Errorf("string length %d out of range", n)
		return ""
	}
	return string(r.bytes(int(n)))
}

func decodeBody(raw []byte) (*Image, error) {
	r := &bodyReader{data: raw}

	count := r.uvarint()
	if count > 256 {
		return nil, fmt.Errorf("table count %d out of range", count)
	}

	img := &Image{Tables: make([]TableImage, 0, count)}
	for i := uint64(0); i < count && r.err == nil; i++ {
		var t TableImage
		id := r.bytes(1)
		if id != nil {
			t.ID = model.TableID(id[0])
		}
		t.Serial = r.uvarint()
		t.CheckpointSerial = r.uvarint()
		t.Hash.Hi = r.uint32()
		t.Hash.Lo = r.uint32()
		t.LogLines = r.uvarint()
		t.Fingerprint.Dev = r.uvarint()
		t.Fingerprint.Inode = r.uvarint()
		t.Fingerprint.Size = r.varint()
		t.Fingerprint.ModTime = r.varint()

		n := r.uvarint()
		if n > uint64(len(raw)) {
			return nil, fmt.Errorf("table %s: record count %d out of range", t.ID, n)
		}
		t.Records = make([]model.Record, 0, n)
		for j := uint64(0); j < n && r.err == nil; j++ {
			rec := model.Record{Serial: r.uvarint()}
			rec.Origin = r.str()
			rec.Key = r.str()
			rec.Value = r.str()
			t.Records = append(t.Records, rec)
		}
		img.Tables = append(img.Tables, t)
	}

	if r.err != nil {
		return nil, r.err
	}
	if r.off != len(raw) {
		return nil, fmt.Errorf("%d trailing bytes", len(raw)-r.off)
	}
	return img, nil
}
