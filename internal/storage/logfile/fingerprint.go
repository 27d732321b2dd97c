package logfile

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Fingerprint is the identity of a table file as last observed by this
// process. Any change made behind our back moves at least one field.
type Fingerprint struct {
	Dev     uint64
	Inode   uint64
	Size    int64
	ModTime int64 // Nanoseconds
}

func (fp Fingerprint) String() string {
	return fmt.Sprintf("dev=%d ino=%d size=%d mtime=%d", fp.Dev, fp.Inode, fp.Size, fp.ModTime)
}

// StatPath fingerprints the file currently at path
func StatPath(path string) (Fingerprint, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return Fingerprint{}, &os.PathError{Op: "stat", Path: path, Err: err}
	}
	return fromStat(&st), nil
}

func statFile(f *os.File) (Fingerprint, error) {
	var st unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &st); err != nil {
		return Fingerprint{}, &os.PathError{Op: "fstat", Path: f.Name(), Err: err}
	}
	return fromStat(&st), nil
}

func fromStat(st *unix.Stat_t) Fingerprint {
	return Fingerprint{
		Dev:     uint64(st.Dev),
		Inode:   uint64(st.Ino),
		Size:    int64(st.Size),
		ModTime: st.Mtim.Nano(),
	}
}
