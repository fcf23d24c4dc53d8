package service

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"

	"carledger/infra/offsetindex"
	"carledger/infra/wal"
)

// LogStats describes how much of a record log is still reachable.
type LogStats struct {
	Entity    string  `json:"entity"`
	Size      int64   `json:"size"`
	LiveBytes int64   `json:"live_bytes"`
	Garbage   float64 `json:"garbage_ratio"`
}

// Stats measures every log. Bytes not referenced by any index are garbage:
// superseded versions and reverted sales.
func (s *Ledger) Stats(ctx context.Context) ([]LogStats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.models.mu.RLock()
	defer s.models.mu.RUnlock()
	s.cars.mu.RLock()
	defer s.cars.mu.RUnlock()
	s.sales.mu.RLock()
	defer s.sales.mu.RUnlock()

	var out []LogStats
	for _, m := range []struct {
		name  string
		lines func(func(int64, int) error) error
		size  int64
		live  []int64
	}{
		{s.models.name, s.models.log.Lines, s.models.log.Size(), s.models.idx.Offsets()},
		{s.cars.name, s.cars.log.Lines, s.cars.log.Size(), s.cars.idx.Offsets()},
		{s.sales.name, s.sales.log.Lines, s.sales.log.Size(), s.liveSaleOffsets()},
	} {
		st, err := measure(m.name, m.lines, m.size, m.live)
		if err != nil {
			return nil, err
		}
		s.metrics.SetLogStats(st.Entity, st.Size, st.Garbage)
		out = append(out, st)
	}
	return out, nil
}

func measure(entity string, lines func(func(int64, int) error) error, size int64, live []int64) (LogStats, error) {
	want := make(map[int64]bool, len(live))
	for _, off := range live {
		want[off] = true
	}
	st := LogStats{Entity: entity, Size: size}
	err := lines(func(off int64, n int) error {
		if want[off] {
			st.LiveBytes += int64(n)
		}
		return nil
	})
	if err != nil {
		return LogStats{}, err
	}
	if size > 0 {
		st.Garbage = float64(size-st.LiveBytes) / float64(size)
	}
	return st, nil
}

// liveSaleOffsets is every sales offset reachable through either index.
// Callers hold sales.mu.
func (s *Ledger) liveSaleOffsets() []int64 {
	return append(s.sales.idx.Offsets(), s.salesByNumber.Offsets()...)
}

// Compact rewrites every log down to its reachable records and rewrites the
// indexes to match. The new files are staged next to the old ones, a
// RecordCompaction frame commits the swap and the staged files are renamed
// into place; a crash after the commit is finished by the next Open.
func (s *Ledger) Compact(ctx context.Context) (err error) {
	defer s.track("compact", time.Now(), &err)
	defer func() { s.metrics.TrackCompaction(err) }()

	if err := s.checkWritable(ctx); err != nil {
		return err
	}

	s.models.mu.Lock()
	defer s.models.mu.Unlock()
	s.cars.mu.Lock()
	defer s.cars.mu.Unlock()
	s.sales.mu.Lock()
	defer s.sales.mu.Unlock()

	start := time.Now()
	var (
		plan    compactionPlan
		staged  []string
		indexes = map[string]*offsetindex.Index{}
	)
	cleanup := func() {
		for _, path := range staged {
			os.Remove(path)
		}
	}

	stageLog := func(path string, copyLive func(string, []int64) (map[int64]int64, error), live []int64) (map[int64]int64, error) {
		dst := path + stagedSuffix
		staged = append(staged, dst)
		moved, err := copyLive(dst, live)
		if err != nil {
			return nil, err
		}
		plan.Moves = append(plan.Moves, fileMove{Src: filepath.Base(dst), Dst: filepath.Base(path)})
		return moved, nil
	}
	stageIndex := func(name string, idx *offsetindex.Index, moved map[int64]int64) error {
		next := idx.Clone()
		next.Remap(moved)
		dst := idx.Path() + stagedSuffix
		staged = append(staged, dst)
		if err := next.PersistTo(dst); err != nil {
			return err
		}
		plan.Moves = append(plan.Moves, fileMove{Src: filepath.Base(dst), Dst: filepath.Base(idx.Path())})
		indexes[name] = next
		return nil
	}

	movedModels, err := stageLog(s.models.log.Path(), s.models.log.CopyLive, s.models.idx.Offsets())
	if err == nil {
		err = stageIndex("models", s.models.idx, movedModels)
	}
	var movedCars map[int64]int64
	if err == nil {
		movedCars, err = stageLog(s.cars.log.Path(), s.cars.log.CopyLive, s.cars.idx.Offsets())
	}
	if err == nil {
		err = stageIndex("cars", s.cars.idx, movedCars)
	}
	var movedSales map[int64]int64
	if err == nil {
		movedSales, err = stageLog(s.sales.log.Path(), s.sales.log.CopyLive, s.liveSaleOffsets())
	}
	if err == nil {
		err = stageIndex("sales", s.sales.idx, movedSales)
	}
	if err == nil {
		err = stageIndex("sales_number", s.salesByNumber, movedSales)
	}
	if err != nil {
		cleanup()
		return errors.Wrap(err, "stage compaction")
	}

	data, err := msgpack.Marshal(&plan)
	if err != nil {
		cleanup()
		return errors.Wrap(err, "encode compaction plan")
	}
	if err := s.journal.Append(wal.NewRecord(wal.RecordCompaction, s.seq.Next(), data)); err != nil {
		if rerr := s.journal.Reset(); rerr != nil {
			return s.halt(errors.Wrap(rerr, "reset journal after failed compaction commit"))
		}
		cleanup()
		return err
	}

	// committed
	if err := s.promote(plan); err != nil {
		return s.halt(err)
	}
	for _, l := range []interface{ Reopen() error }{s.models.log, s.cars.log, s.sales.log} {
		if err := l.Reopen(); err != nil {
			return s.halt(err)
		}
	}
	s.models.idx = indexes["models"]
	s.cars.idx = indexes["cars"]
	s.sales.idx = indexes["sales"]
	s.salesByNumber = indexes["sales_number"]
	if err := s.journal.Reset(); err != nil {
		return s.halt(err)
	}

	s.logger.WithField("action", "ledger_compact").
		WithField("models", len(movedModels)).
		WithField("cars", len(movedCars)).
		WithField("sales", len(movedSales)).
		WithField("took", time.Since(start)).
		Info("compaction finished")
	return nil
}
