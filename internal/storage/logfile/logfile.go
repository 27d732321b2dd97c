package logfile

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/devrev/ddbd/internal/errors"
	"github.com/devrev/ddbd/internal/model"
	"golang.org/x/sys/unix"
)

const (
	maxLineSize   = 1 << 20
	repairChunk   = 4096
	tempExtension = ".tmp"
)

// LogFile is the append-only text log of one table. It is not safe for
// concurrent use.
type LogFile struct {
	path       string
	file       *os.File
	last       Fingerprint
	syncWrites bool

	// read-only mapping used by Seek, replaced whenever the size changes
	mapped     []byte
	generation uint64
}

// Open opens or creates a table log. A trailing partial line left by a crash
// is cut off; the number of bytes removed is returned.
func Open(path string, syncWrites bool) (*LogFile, int64, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, 0, errors.FileIO(fmt.Sprintf("failed to open log %s", path), err)
	}

	repaired, err := repairTail(file)
	if err != nil {
		file.Close()
		return nil, 0, errors.FileIO(fmt.Sprintf("failed to repair log %s", path), err)
	}

	fp, err := statFile(file)
	if err != nil {
		file.Close()
		return nil, 0, errors.FileIO("failed to stat log", err)
	}

	return &LogFile{
		path:       path,
		file:       file,
		last:       fp,
		syncWrites: syncWrites,
	}, repaired, nil
}

// repairTail truncates the file to its last complete line
func repairTail(f *os.File) (int64, error) {
	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	size := info.Size()
	if size == 0 {
		return 0, nil
	}

	end := size
	buf := make([]byte, repairChunk)
	for end > 0 {
		start := end - repairChunk
		if start < 0 {
			start = 0
		}
		chunk := buf[:end-start]
		if _, err := f.ReadAt(chunk, start); err != nil && err != io.EOF {
			return 0, err
		}
		if i := bytes.LastIndexByte(chunk, '\n'); i >= 0 {
			end = start + int64(i) + 1
			break
		}
		end = start
	}

	if end == size {
		return 0, nil
	}
	if err := f.Truncate(end); err != nil {
		return 0, err
	}
	return size - end, nil
}

// Path returns the file path
func (l *LogFile) Path() string {
	return l.path
}

// Fingerprint returns the last observed identity of the file
func (l *LogFile) Fingerprint() Fingerprint {
	return l.last
}

// Append writes one line after checking nobody else touched the file
func (l *LogFile) Append(line string) error {
	current, err := StatPath(l.path)
	if err != nil {
		return errors.FileIO("failed to stat log before append", err)
	}
	if current != l.last {
		return errors.FingerprintMismatch(l.path).
			WithDetail("expected", l.last.String()).
			WithDetail("actual", current.String())
	}

	buf := make([]byte, 0, len(line)+1)
	buf = append(buf, line...)
	buf = append(buf, '\n')
	if _, err := l.file.Write(buf); err != nil {
		return errors.FileIO(fmt.Sprintf("failed to append to %s", l.path), err)
	}

	if l.syncWrites {
		if err := l.file.Sync(); err != nil {
			return errors.FileIO(fmt.Sprintf("failed to sync %s", l.path), err)
		}
	}

	return l.refresh()
}

func (l *LogFile) refresh() error {
	fp, err := statFile(l.file)
	if err != nil {
		return errors.FileIO("failed to stat log", err)
	}
	l.last = fp
	return nil
}

// ReadAll calls fn for every entry in file order
func (l *LogFile) ReadAll(fn func(*model.LogEntry) error) error {
	f, err := os.Open(l.path)
	if err != nil {
		return errors.FileIO(fmt.Sprintf("failed to open %s for replay", l.path), err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if line == "" {
			continue
		}
		entry, err := model.ParseLogLine(line)
		if err != nil {
			return errors.CorruptedLog(fmt.Sprintf("%s:%d", l.path, lineNo), err)
		}
		if err := fn(entry); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return errors.FileIO(fmt.Sprintf("failed to read %s", l.path), err)
	}
	return nil
}

// Seek returns a cursor on the first entry with a serial greater than serial.
// The cursor is invalidated by any later Seek that remaps, by Rewrite and by
// Truncate.
func (l *LogFile) Seek(serial uint64) (*Cursor, error) {
	if err := l.remap(); err != nil {
		return nil, err
	}

	data := l.mapped
	lo, hi := 0, len(data)
	for lo < hi {
		mid := lo + (hi-lo)/2
		start := lineStart(data, mid)
		end := lineEnd(data, start)

		s, err := parseSerial(data[start:end])
		if err != nil {
			return nil, errors.CorruptedLog(fmt.Sprintf("%s at offset %d", l.path, start), err)
		}
		if s <= serial {
			lo = end + 1
			if lo > hi {
				lo = hi
			}
		} else {
			hi = start
		}
	}

	return &Cursor{log: l, data: data, off: lo, gen: l.generation}, nil
}

func (l *LogFile) remap() error {
	fp, err := statFile(l.file)
	if err != nil {
		return errors.FileIO("failed to stat log", err)
	}
	if l.mapped != nil && int64(len(l.mapped)) == fp.Size {
		return nil
	}
	if err := l.unmap(); err != nil {
		return err
	}
	l.generation++
	if fp.Size == 0 {
		return nil
	}

	data, err := unix.Mmap(int(l.file.Fd()), 0, int(fp.Size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return errors.FileIO(fmt.Sprintf("failed to map %s", l.path), err)
	}
	l.mapped = data
	return nil
}

func (l *LogFile) unmap() error {
	if l.mapped == nil {
		return nil
	}
	data := l.mapped
	l.mapped = nil
	if err := unix.Munmap(data); err != nil {
		return errors.FileIO(fmt.Sprintf("failed to unmap %s", l.path), err)
	}
	return nil
}

func lineStart(data []byte, pos int) int {
	i := bytes.LastIndexByte(data[:pos], '\n')
	return i + 1
}

func lineEnd(data []byte, start int) int {
	i := bytes.IndexByte(data[start:], '\n')
	if i < 0 {
		return len(data)
	}
	return start + i
}

func parseSerial(line []byte) (uint64, error) {
	sp := bytes.IndexByte(line, ' ')
	if sp <= 0 {
		return 0, fmt.Errorf("malformed log line %q", line)
	}
	return strconv.ParseUint(string(line[:sp]), 10, 64)
}

// Rewrite atomically replaces the log content with lines
func (l *LogFile) Rewrite(lines []string) error {
	if err := l.unmap(); err != nil {
		return err
	}
	l.generation++

	tmpPath := l.path + tempExtension
	tmp, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return errors.FileIO(fmt.Sprintf("failed to create %s", tmpPath), err)
	}

	w := bufio.NewWriter(tmp)
	for _, line := range lines {
		if _, err := w.WriteString(line); err != nil {
			tmp.Close()
			return errors.FileIO(fmt.Sprintf("failed to write %s", tmpPath), err)
		}
		if err := w.WriteByte('\n'); err != nil {
			tmp.Close()
			return errors.FileIO(fmt.Sprintf("failed to write %s", tmpPath), err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return errors.FileIO(fmt.Sprintf("failed to flush %s", tmpPath), err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.FileIO(fmt.Sprintf("failed to sync %s", tmpPath), err)
	}
	if err := tmp.Close(); err != nil {
		return errors.FileIO(fmt.Sprintf("failed to close %s", tmpPath), err)
	}

	if err := os.Rename(tmpPath, l.path); err != nil {
		return errors.FileIO(fmt.Sprintf("failed to replace %s", l.path), err)
	}

	l.file.Close()
	file, err := os.OpenFile(l.path, os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return errors.FileIO(fmt.Sprintf("failed to reopen %s", l.path), err)
	}
	l.file = file
	return l.refresh()
}

// Truncate empties the log
func (l *LogFile) Truncate() error {
	if err := l.unmap(); err != nil {
		return err
	}
	l.generation++

	if err := l.file.Truncate(0); err != nil {
		return errors.FileIO(fmt.Sprintf("failed to truncate %s", l.path), err)
	}
	if l.syncWrites {
		if err := l.file.Sync(); err != nil {
			return errors.FileIO(fmt.Sprintf("failed to sync %s", l.path), err)
		}
	}
	return l.refresh()
}

// Close releases the mapping and the file
func (l *LogFile) Close() error {
	if err := l.unmap(); err != nil {
		return err
	}
	if err := l.file.Close(); err != nil {
		return errors.FileIO(fmt.Sprintf("failed to close %s", l.path), err)
	}
	return nil
}

// Cursor walks the log from a Seek position
type Cursor struct {
	log  *LogFile
	data []byte
	off  int
	gen  uint64
}

// More reports whether Next would return an entry
func (c *Cursor) More() bool {
	return c.gen == c.log.generation && c.off < len(c.data)
}

// Next returns the next entry, or io.EOF at the end of the log
func (c *Cursor) Next() (*model.LogEntry, error) {
	if c.gen != c.log.generation {
		return nil, fmt.Errorf("cursor on %s invalidated by remap", c.log.path)
	}
	if c.off >= len(c.data) {
		return nil, io.EOF
	}

	end := lineEnd(c.data, c.off)
	line := string(c.data[c.off:end])
	c.off = end + 1

	entry, err := model.ParseLogLine(line)
	if err != nil {
		return nil, errors.CorruptedLog(c.log.path, err)
	}
	return entry, nil
}
