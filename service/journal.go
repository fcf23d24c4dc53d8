package service

import (
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"

	"carledger/domain/inventory"
	"carledger/infra/offsetindex"
	"carledger/infra/recordlog"
	"carledger/infra/wal"
)

// index names used in journal frames
const (
	idxCars        = "cars"
	idxSales       = "sales"
	idxSalesNumber = "sales_number"
)

type indexOp struct {
	Index  string `msgpack:"index"`
	Key    string `msgpack:"key"`
	Offset int64  `msgpack:"offset"`
	Delete bool   `msgpack:"delete,omitempty"`
}

// indexBatch is the payload of a RecordIndexBatch frame. Op names the
// ledger operation that staged it.
type indexBatch struct {
	Op  string    `msgpack:"op"`
	Ops []indexOp `msgpack:"ops"`
}

func (b *indexBatch) set(index, key string, offset int64) {
	b.Ops = append(b.Ops, indexOp{Index: index, Key: key, Offset: offset})
}

func (b *indexBatch) del(index, key string) {
	b.Ops = append(b.Ops, indexOp{Index: index, Key: key, Delete: true})
}

// fileMove is one rename of a staged compaction file.
type fileMove struct {
	Src string `msgpack:"src"`
	Dst string `msgpack:"dst"`
}

type compactionPlan struct {
	Moves []fileMove `msgpack:"moves"`
}

// commit makes b durable in the journal, applies it to the in-memory
// indexes, writes every touched index file and empties the journal. The
// caller holds the write locks of every table b touches and has synced the
// logs b points into.
//
// Once the frame is written the change counts as done: a later failure
// halts the ledger instead of being reported as a rollback.
func (s *Ledger) commit(b *indexBatch) error {
	data, err := msgpack.Marshal(b)
	if err != nil {
		return errors.Wrap(err, "encode index batch")
	}
	if err := s.journal.Append(wal.NewRecord(wal.RecordIndexBatch, s.seq.Next(), data)); err != nil {
		// the frame may have reached the disk anyway; a journal that cannot
		// be emptied would replay a change the caller saw fail
		if rerr := s.journal.Reset(); rerr != nil {
			return s.halt(errors.Wrap(rerr, "reset journal after failed commit"))
		}
		return err
	}

	for _, idx := range s.apply(b.Ops) {
		if err := idx.Persist(); err != nil {
			return s.halt(err)
		}
	}
	if err := s.journal.Reset(); err != nil {
		return s.halt(err)
	}
	return nil
}

// apply runs ops against the in-memory indexes and returns the indexes it
// changed, each once.
func (s *Ledger) apply(ops []indexOp) []*offsetindex.Index {
	var touched []*offsetindex.Index
	seen := make(map[*offsetindex.Index]bool)
	for _, op := range ops {
		idx := s.indexNamed(op.Index)
		if idx == nil {
			continue
		}
		if op.Delete {
			idx.Delete(op.Key)
		} else {
			idx.Set(op.Key, op.Offset)
		}
		if !seen[idx] {
			seen[idx] = true
			touched = append(touched, idx)
		}
	}
	return touched
}

func (s *Ledger) indexNamed(name string) *offsetindex.Index {
	switch name {
	case idxCars:
		return s.cars.idx
	case idxSales:
		return s.sales.idx
	case idxSalesNumber:
		return s.salesByNumber
	default:
		return nil
	}
}

// readJournal collects every committed frame left by the previous run.
func (s *Ledger) readJournal() ([]*wal.Record, error) {
	var pending []*wal.Record
	_, err := s.journal.Replay(func(r *wal.Record) error {
		pending = append(pending, r)
		s.seq.Advance(r.Seq)
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "replay journal")
	}
	return pending, nil
}

func (s *Ledger) promoteCommitted(pending []*wal.Record) error {
	for _, r := range pending {
		if r.Type != wal.RecordCompaction {
			continue
		}
		var plan compactionPlan
		if err := msgpack.Unmarshal(r.Data, &plan); err != nil {
			return errors.Wrapf(err, "decode compaction frame %d", r.Seq)
		}
		if err := s.promote(plan); err != nil {
			return err
		}
		s.logger.WithField("action", "ledger_replay").
			WithField("seq", r.Seq).
			WithField("files", len(plan.Moves)).
			Info("completed committed compaction")
	}
	return nil
}

func (s *Ledger) promote(plan compactionPlan) error {
	for _, m := range plan.Moves {
		if err := recordlog.Promote(s.cfg.path(m.Src), s.cfg.path(m.Dst)); err != nil {
			return err
		}
	}
	return nil
}

// applyCommitted re-applies committed index batches. An op whose offset does
// not hold a record for its key is dropped, which can only happen when the
// log write it refers to never reached the disk.
func (s *Ledger) applyCommitted(pending []*wal.Record) error {
	for _, r := range pending {
		if r.Type != wal.RecordIndexBatch {
			continue
		}
		var b indexBatch
		if err := msgpack.Unmarshal(r.Data, &b); err != nil {
			return errors.Wrapf(err, "decode index frame %d", r.Seq)
		}

		valid := b.Ops[:0]
		for _, op := range b.Ops {
			if err := s.verifyOp(op); err != nil {
				s.logger.WithField("action", "ledger_replay").
					WithField("seq", r.Seq).
					WithField("index", op.Index).
					WithField("key", op.Key).
					WithError(err).
					Warn("skipping index op")
				continue
			}
			valid = append(valid, op)
		}
		for _, idx := range s.apply(valid) {
			if err := idx.Persist(); err != nil {
				return err
			}
		}
		s.logger.WithField("action", "ledger_replay").
			WithField("seq", r.Seq).
			WithField("op", b.Op).
			WithField("applied", len(valid)).
			Info("completed committed index batch")
	}
	return nil
}

func (s *Ledger) verifyOp(op indexOp) error {
	if op.Delete {
		return nil
	}
	switch op.Index {
	case idxCars:
		_, err := readIndexed(s.cars.log, op.Key, op.Offset)
		return err
	case idxSales:
		_, err := readIndexed(s.sales.log, op.Key, op.Offset)
		return err
	case idxSalesNumber:
		sale, err := s.sales.log.ReadAt(op.Offset)
		if err != nil {
			return storageError(err)
		}
		if sale.NumberKey() != op.Key {
			return errors.Wrapf(inventory.ErrCorruptRecord, "sale at %d is %q", op.Offset, sale.NumberKey())
		}
		return nil
	default:
		return errors.Errorf("unknown index %q", op.Index)
	}
}
