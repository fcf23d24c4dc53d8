package recordlog

import (
	"bufio"
	"io"
	"os"
	"sort"

	"github.com/pkg/errors"
)

// CopyLive writes the lines found at offsets into a fresh file at dst, in
// ascending offset order, and returns where each line landed. dst is synced
// before returning.
func (l *Log[T]) CopyLive(dst string, offsets []int64) (map[int64]int64, error) {
	sorted := append([]int64(nil), offsets...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	f, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "create %s", dst)
	}
	defer f.Close()

	w := bufio.NewWriterSize(f, readBufferSize)
	moved := make(map[int64]int64, len(sorted))
	var next int64

	l.mu.RLock()
	defer l.mu.RUnlock()

	for _, off := range sorted {
		if _, done := moved[off]; done {
			continue
		}
		line, err := l.lineAtLocked(off)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(line); err != nil {
			return nil, errors.Wrapf(err, "write %s", dst)
		}
		if err := w.WriteByte('\n'); err != nil {
			return nil, errors.Wrapf(err, "write %s", dst)
		}
		moved[off] = next
		next += int64(len(line)) + 1
	}

	if err := w.Flush(); err != nil {
		return nil, errors.Wrapf(err, "flush %s", dst)
	}
	if err := f.Sync(); err != nil {
		return nil, errors.Wrapf(err, "sync %s", dst)
	}
	return moved, nil
}

// Lines calls fn with the offset and length, newline included, of every
// complete line in the log, decodable or not.
func (l *Log[T]) Lines(fn func(offset int64, length int) error) error {
	l.mu.RLock()
	file, size := l.file, l.size
	l.mu.RUnlock()

	r := bufio.NewReaderSize(io.NewSectionReader(file, 0, size), readBufferSize)
	var offset int64
	for {
		line, err := r.ReadSlice('\n')
		if err == bufio.ErrBufferFull {
			// long line: keep reading until its end
			n := len(line)
			for err == bufio.ErrBufferFull {
				line, err = r.ReadSlice('\n')
				n += len(line)
			}
			if err != nil {
				break
			}
			if ferr := fn(offset, n); ferr != nil {
				return ferr
			}
			offset += int64(n)
			continue
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.Wrapf(err, "read %s", l.path)
		}
		if ferr := fn(offset, len(line)); ferr != nil {
			return ferr
		}
		offset += int64(len(line))
	}
	return nil
}

// Reopen closes the current handle and opens the file at the log's path
// again. Used after the file was replaced underneath the log.
func (l *Log[T]) Reopen() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		if err := l.file.Close(); err != nil {
			return errors.Wrapf(err, "close %s", l.path)
		}
		l.file = nil
	}
	return l.open()
}

// Promote renames src over dst when src exists. A missing src means the
// promotion already happened, so calling it twice is harmless.
func Promote(src, dst string) error {
	if _, err := os.Stat(src); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, "stat %s", src)
	}
	if err := os.Rename(src, dst); err != nil {
		return errors.Wrapf(err, "promote %s", src)
	}
	return nil
}
