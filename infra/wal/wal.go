// Package wal is the ledger's commit journal. A change spanning several
// index files is written here as one checksummed frame before any index is
// touched; the frame being durable is what makes the change committed.
package wal

import (
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
)

// Frame: [type:1][seq:8][time:8][len:4][payload][crc:4]
const (
	headerSize   = 1 + 8 + 8 + 4
	maxFrameSize = 64 << 20
)

type Journal struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	offset int64
}

func Open(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "open journal %s", path)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "stat journal %s", path)
	}
	return &Journal{path: path, file: f, offset: info.Size()}, nil
}

// Append writes r as one frame and syncs it to disk.
func (j *Journal) Append(r *Record) error {
	payloadLen := uint32(len(r.Data))
	buf := make([]byte, headerSize+int(payloadLen)+4)

	buf[0] = byte(r.Type)
	binary.BigEndian.PutUint64(buf[1:9], r.Seq)
	binary.BigEndian.PutUint64(buf[9:17], uint64(r.Time))
	binary.BigEndian.PutUint32(buf[17:21], payloadLen)
	copy(buf[headerSize:], r.Data)

	crc := CRC32(buf[:headerSize+int(payloadLen)])
	binary.BigEndian.PutUint32(buf[headerSize+int(payloadLen):], crc)

	j.mu.Lock()
	defer j.mu.Unlock()

	if _, err := j.file.WriteAt(buf, j.offset); err != nil {
		return errors.Wrap(err, "write journal frame")
	}
	if err := j.file.Sync(); err != nil {
		return errors.Wrap(err, "sync journal")
	}
	j.offset += int64(len(buf))
	return nil
}

// Replay calls fn for each committed frame in order. A torn or corrupt frame
// was never committed; replay stops there.
func (j *Journal) Replay(fn func(*Record) error) (int, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	r := io.NewSectionReader(j.file, 0, j.offset)
	n := 0
	for {
		rec, err := readRecord(r)
		if err != nil {
			if err == io.EOF || errors.Is(err, errTornFrame) {
				return n, nil
			}
			return n, err
		}
		if err := fn(rec); err != nil {
			return n, err
		}
		n++
	}
}

// Reset empties the journal once everything it staged has been applied.
func (j *Journal) Reset() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.file.Truncate(0); err != nil {
		return errors.Wrap(err, "truncate journal")
	}
	if err := j.file.Sync(); err != nil {
		return errors.Wrap(err, "sync journal")
	}
	j.offset = 0
	return nil
}

// Size is the number of bytes currently staged.
func (j *Journal) Size() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.offset
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.file.Close()
}

var errTornFrame = errors.New("wal: torn frame")

func readRecord(r io.Reader) (*Record, error) {
	header := make([]byte, headerSize)
	if _, err := io.ReadFull(r, header); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		if err == io.ErrUnexpectedEOF {
			return nil, errTornFrame
		}
		return nil, err
	}

	t := RecordType(header[0])
	seq := binary.BigEndian.Uint64(header[1:9])
	ts := binary.BigEndian.Uint64(header[9:17])
	l := binary.BigEndian.Uint32(header[17:21])
	if l > maxFrameSize {
		return nil, errTornFrame
	}

	data := make([]byte, int(l)+4)
	if _, err := io.ReadFull(r, data); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, errTornFrame
		}
		return nil, err
	}

	payload := data[:l]
	crc := binary.BigEndian.Uint32(data[l:])
	if !CRC32Valid(append(header, payload...), crc) {
		return nil, errTornFrame
	}

	return &Record{
		Type: t,
		Seq:  seq,
		Time: int64(ts),
		Data: payload,
	}, nil
}
