// Package offsetindex keeps the mapping from a record key to the byte offset
// of its current version in a record log, persisted as `key:offset` lines.
package offsetindex

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

var ErrKeyExists = errors.New("offsetindex: key already indexed")

// TempSuffix marks the file PersistTo writes before renaming it into place.
const TempSuffix = ".tmp"

type entry struct {
	offset int64
	seq    uint64
}

// Index is the in-memory form of one index file. Keys remember the order in
// which they were first inserted and that order is what Persist writes.
//
// Index is not safe for concurrent mutation; callers serialise writers.
type Index struct {
	path    string
	entries map[string]entry
	nextSeq uint64
}

// Load reads the index at path. A missing file yields an empty index.
func Load(path string) (*Index, error) {
	idx := &Index{path: path, entries: make(map[string]entry)}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return idx, nil
		}
		return nil, errors.Wrapf(err, "open index %s", path)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		key, offset, ok := parseLine(sc.Text())
		if !ok {
			continue
		}
		idx.Set(key, offset)
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrapf(err, "read index %s", path)
	}
	return idx, nil
}

// parseLine splits a `key:offset` line. Only the line terminator is
// stripped; whitespace around the key belongs to the key.
func parseLine(line string) (string, int64, bool) {
	line = strings.TrimRight(line, "\r\n")
	i := strings.LastIndexByte(line, ':')
	if i <= 0 {
		return "", 0, false
	}
	offset, err := strconv.ParseInt(line[i+1:], 10, 64)
	if err != nil || offset < 0 {
		return "", 0, false
	}
	return line[:i], offset, true
}

func (idx *Index) Path() string {
	return idx.path
}

func (idx *Index) Len() int {
	return len(idx.entries)
}

func (idx *Index) Get(key string) (int64, bool) {
	e, ok := idx.entries[key]
	return e.offset, ok
}

// Set points key at offset. An existing key keeps its position in Keys.
func (idx *Index) Set(key string, offset int64) {
	if e, ok := idx.entries[key]; ok {
		e.offset = offset
		idx.entries[key] = e
		return
	}
	idx.entries[key] = entry{offset: offset, seq: idx.nextSeq}
	idx.nextSeq++
}

// Delete removes key and reports whether it was present.
func (idx *Index) Delete(key string) bool {
	if _, ok := idx.entries[key]; !ok {
		return false
	}
	delete(idx.entries, key)
	return true
}

// Keys returns all keys in insertion order.
func (idx *Index) Keys() []string {
	keys := make([]string, 0, len(idx.entries))
	for k := range idx.entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return idx.entries[keys[i]].seq < idx.entries[keys[j]].seq
	})
	return keys
}

// Offsets returns every indexed offset, in key insertion order.
func (idx *Index) Offsets() []int64 {
	keys := idx.Keys()
	out := make([]int64, len(keys))
	for i, k := range keys {
		out[i] = idx.entries[k].offset
	}
	return out
}

// Remap rewrites every offset through moved. Offsets missing from moved are
// dropped along with their key.
func (idx *Index) Remap(moved map[int64]int64) {
	for k, e := range idx.entries {
		next, ok := moved[e.offset]
		if !ok {
			delete(idx.entries, k)
			continue
		}
		e.offset = next
		idx.entries[k] = e
	}
}

// Clone returns an independent copy bound to the same path.
func (idx *Index) Clone() *Index {
	out := &Index{path: idx.path, entries: make(map[string]entry, len(idx.entries)), nextSeq: idx.nextSeq}
	for k, e := range idx.entries {
		out.entries[k] = e
	}
	return out
}

// Update appends a single key:offset line to the file and records it in
// memory. It is meant for first-time inserts only and refuses a key that is
// already indexed, so the file never accumulates duplicate lines.
func (idx *Index) Update(key string, offset int64) error {
	if _, ok := idx.entries[key]; ok {
		return errors.Wrapf(ErrKeyExists, "%s in %s", key, filepath.Base(idx.path))
	}
	if err := validKey(key); err != nil {
		return err
	}

	f, err := os.OpenFile(idx.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrapf(err, "open index %s", idx.path)
	}
	if _, err := fmt.Fprintf(f, "%s:%d\n", key, offset); err != nil {
		f.Close()
		return errors.Wrapf(err, "append to index %s", idx.path)
	}
	if err := f.Close(); err != nil {
		return errors.Wrapf(err, "close index %s", idx.path)
	}

	idx.Set(key, offset)
	return nil
}

// Persist rewrites the whole index file from memory.
func (idx *Index) Persist() error {
	return idx.PersistTo(idx.path)
}

// PersistTo writes the index to path through a temporary file and a rename,
// so a reader sees either the previous file or the complete new one.
func (idx *Index) PersistTo(path string) error {
	tmp := path + TempSuffix
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrapf(err, "create %s", tmp)
	}

	w := bufio.NewWriter(f)
	for _, k := range idx.Keys() {
		if err := validKey(k); err != nil {
			f.Close()
			return err
		}
		if _, err := fmt.Fprintf(w, "%s:%d\n", k, idx.entries[k].offset); err != nil {
			f.Close()
			return errors.Wrapf(err, "write %s", tmp)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return errors.Wrapf(err, "flush %s", tmp)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return errors.Wrapf(err, "sync %s", tmp)
	}
	if err := f.Close(); err != nil {
		return errors.Wrapf(err, "close %s", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrapf(err, "rename %s", tmp)
	}
	return nil
}

// validKey rejects keys that would not read back unchanged from a line.
func validKey(key string) error {
	if key == "" || strings.ContainsAny(key, "\r\n") || strings.TrimSpace(key) != key {
		return errors.Errorf("offsetindex: invalid key %q", key)
	}
	return nil
}
