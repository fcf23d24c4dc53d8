package wal

import "time"

// RecordType says what a journal frame stages.
type RecordType uint8

const (
	// RecordIndexBatch stages a set of index mutations that must be
	// observed together.
	RecordIndexBatch RecordType = iota + 1
	// RecordCompaction stages the promotion of compacted files.
	RecordCompaction
)

func (t RecordType) String() string {
	switch t {
	case RecordIndexBatch:
		return "index_batch"
	case RecordCompaction:
		return "compaction"
	default:
		return "unknown"
	}
}

// Record is one committed journal frame.
type Record struct {
	Type RecordType
	Seq  uint64
	Time int64
	Data []byte
}

func NewRecord(t RecordType, seq uint64, data []byte) *Record {
	return &Record{
		Type: t,
		Seq:  seq,
		Time: time.Now().UnixNano(),
		Data: data,
	}
}
