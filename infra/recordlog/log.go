package recordlog

import (
	"bufio"
	"bytes"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var (
	ErrCorruptRecord = errors.New("recordlog: corrupt record")
	ErrOutOfRange    = errors.New("recordlog: offset out of range")
	ErrSizeMismatch  = errors.New("recordlog: overwrite changes record size")

	// ErrStopScan ends a Scan early without reporting an error.
	ErrStopScan = errors.New("recordlog: stop scan")
)

const readBufferSize = 64 * 1024

type Log[T any] struct {
	mu     sync.RWMutex
	path   string
	file   *os.File
	size   int64
	codec  Codec[T]
	logger logrus.FieldLogger
}

func Open[T any](path string, codec Codec[T], logger logrus.FieldLogger) (*Log[T], error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrapf(err, "create dir for %s", path)
	}
	l := &Log[T]{
		path:   path,
		codec:  codec,
		logger: logger.WithField("log", filepath.Base(path)),
	}
	if err := l.open(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Log[T]) open() error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return errors.Wrapf(err, "open log %s", l.path)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return errors.Wrapf(err, "stat log %s", l.path)
	}
	size, err := completeLinesSize(f, info.Size())
	if err != nil {
		f.Close()
		return errors.Wrapf(err, "recover log %s", l.path)
	}
	if size != info.Size() {
		// drop a torn final line so the next append starts on a boundary
		if err := f.Truncate(size); err != nil {
			f.Close()
			return errors.Wrapf(err, "truncate torn tail of %s", l.path)
		}
		l.logger.WithField("action", "recordlog_truncate_tail").
			WithField("dropped_bytes", info.Size()-size).
			Warn("log ended with an incomplete record")
	}
	l.file = f
	l.size = size
	return nil
}

// completeLinesSize returns the length of the prefix of f that ends with a
// newline.
func completeLinesSize(f *os.File, size int64) (int64, error) {
	buf := make([]byte, 4096)
	end := size
	for end > 0 {
		start := end - int64(len(buf))
		if start < 0 {
			start = 0
		}
		chunk := buf[:end-start]
		if _, err := f.ReadAt(chunk, start); err != nil && err != io.EOF {
			return 0, err
		}
		if i := bytes.LastIndexByte(chunk, '\n'); i >= 0 {
			return start + int64(i) + 1, nil
		}
		end = start
	}
	return 0, nil
}

func (l *Log[T]) Path() string {
	return l.path
}

// Size is the current end of the log, which is where the next Append lands.
func (l *Log[T]) Size() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.size
}

// Append writes rec as one line at the end of the log and returns the offset
// where the line starts.
func (l *Log[T]) Append(rec T) (int64, error) {
	line, err := l.encodeLine(rec)
	if err != nil {
		return 0, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	offset := l.size
	n, err := l.file.WriteAt(line, offset)
	if err != nil {
		// size is not advanced, so the next append overwrites a short write
		return 0, errors.Wrapf(err, "append to %s", l.path)
	}
	l.size += int64(n)
	return offset, nil
}

// ReadAt decodes the record whose line starts at offset.
func (l *Log[T]) ReadAt(offset int64) (T, error) {
	var zero T
	line, err := l.lineAt(offset)
	if err != nil {
		return zero, err
	}
	rec, err := l.codec.Decode(line)
	if err != nil {
		return zero, errors.Wrapf(ErrCorruptRecord, "%s@%d: %v", filepath.Base(l.path), offset, err)
	}
	return rec, nil
}

// OverwriteAt replaces the record at offset in place. The new encoding must
// be exactly as long as the old one, otherwise neighbouring records would be
// clobbered and ErrSizeMismatch is returned.
func (l *Log[T]) OverwriteAt(offset int64, rec T) error {
	line, err := l.encodeLine(rec)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	old, err := l.lineAtLocked(offset)
	if err != nil {
		return err
	}
	if len(old)+1 != len(line) {
		return errors.Wrapf(ErrSizeMismatch, "%s@%d: %d bytes -> %d bytes",
			filepath.Base(l.path), offset, len(old)+1, len(line))
	}
	if _, err := l.file.WriteAt(line, offset); err != nil {
		return errors.Wrapf(err, "overwrite %s@%d", l.path, offset)
	}
	return nil
}

// Scan walks the log from the start and calls fn for every decodable record.
// Lines that fail to decode are skipped. Returning ErrStopScan from fn ends
// the scan early.
func (l *Log[T]) Scan(fn func(offset int64, rec T) error) error {
	l.mu.RLock()
	file, size := l.file, l.size
	l.mu.RUnlock()

	r := bufio.NewReaderSize(io.NewSectionReader(file, 0, size), readBufferSize)
	var (
		offset  int64
		skipped int
	)
	for {
		line, err := r.ReadBytes('\n')
		if err == io.EOF {
			if len(line) > 0 {
				skipped++
			}
			break
		}
		if err != nil {
			return errors.Wrapf(err, "scan %s", l.path)
		}

		start := offset
		offset += int64(len(line))

		rec, decErr := l.codec.Decode(bytes.TrimRight(line, "\n"))
		if decErr != nil {
			skipped++
			continue
		}
		if err := fn(start, rec); err != nil {
			if errors.Is(err, ErrStopScan) {
				break
			}
			return err
		}
	}

	if skipped > 0 {
		l.logger.WithField("action", "recordlog_scan").
			WithField("skipped", skipped).
			Debug("skipped undecodable lines")
	}
	return nil
}

func (l *Log[T]) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Sync()
}

func (l *Log[T]) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

func (l *Log[T]) encodeLine(rec T) ([]byte, error) {
	data, err := l.codec.Encode(rec)
	if err != nil {
		return nil, errors.Wrap(err, "encode record")
	}
	if bytes.IndexByte(data, '\n') >= 0 {
		return nil, errors.New("encoded record contains a newline")
	}
	return append(data, '\n'), nil
}

func (l *Log[T]) lineAt(offset int64) ([]byte, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lineAtLocked(offset)
}

// lineAtLocked returns the line at offset without its trailing newline.
func (l *Log[T]) lineAtLocked(offset int64) ([]byte, error) {
	if offset < 0 || offset >= l.size {
		return nil, errors.Wrapf(ErrOutOfRange, "%s@%d (size %d)", filepath.Base(l.path), offset, l.size)
	}
	r := bufio.NewReader(io.NewSectionReader(l.file, offset, l.size-offset))
	line, err := r.ReadBytes('\n')
	if err == io.EOF {
		return nil, errors.Wrapf(ErrCorruptRecord, "%s@%d: unterminated line", filepath.Base(l.path), offset)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read %s@%d", l.path, offset)
	}
	return line[:len(line)-1], nil
}
