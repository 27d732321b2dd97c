package logfile

import (
	"fmt"
	"io"
	"os"

	"github.com/devrev/ddbd/internal/errors"
	"github.com/devrev/ddbd/internal/model"
	"github.com/devrev/ddbd/internal/util"
)

// HashRecordSize is the size of one sidecar record: "<table> <hash>\n"
const HashRecordSize = 1 + 1 + util.EncodedHashLen + 1

// HashFile is the sidecar holding the last written hash of every table, one
// fixed-size record per table at its position in the layout.
type HashFile struct {
	path string
	file *os.File
	sync bool
}

// OpenHashFile opens or creates the sidecar
func OpenHashFile(path string, syncWrites bool) (*HashFile, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, errors.FileIO(fmt.Sprintf("failed to open hash file %s", path), err)
	}
	return &HashFile{path: path, file: file, sync: syncWrites}, nil
}

// Write stores the hash of the table at position pos
func (h *HashFile) Write(pos int, table model.TableID, state util.HashState) error {
	record := fmt.Sprintf("%c %s\n", byte(table), state.Encode())
	if _, err := h.file.WriteAt([]byte(record), int64(pos*HashRecordSize)); err != nil {
		return errors.FileIO(fmt.Sprintf("failed to write hash of table %s", table), err)
	}
	if h.sync {
		if err := h.file.Sync(); err != nil {
			return errors.FileIO("failed to sync hash file", err)
		}
	}
	return nil
}

// Read returns the stored hash of the table at position pos. found is false
// when the record is absent or belongs to another table.
func (h *HashFile) Read(pos int, table model.TableID) (state util.HashState, found bool, err error) {
	buf := make([]byte, HashRecordSize)
	n, err := h.file.ReadAt(buf, int64(pos*HashRecordSize))
	if err != nil && err != io.EOF {
		return util.HashState{}, false, errors.FileIO("failed to read hash file", err)
	}
	if n < HashRecordSize {
		return util.HashState{}, false, nil
	}
	if buf[0] != byte(table) || buf[1] != ' ' || buf[HashRecordSize-1] != '\n' {
		return util.HashState{}, false, nil
	}

	state, err = util.DecodeHash(string(buf[2 : 2+util.EncodedHashLen]))
	if err != nil {
		return util.HashState{}, false, nil
	}
	return state, true, nil
}

// Close closes the sidecar
func (h *HashFile) Close() error {
	return h.file.Close()
}
