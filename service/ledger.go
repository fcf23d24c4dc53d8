package service

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"carledger/domain/inventory"
	"carledger/infra/monitoring"
	"carledger/infra/offsetindex"
	"carledger/infra/recordlog"
	"carledger/infra/sequence"
	"carledger/infra/wal"
)

// ErrHalted is returned by every mutation once a committed change could not
// be written to its index files. The journal still holds the change, so
// reopening the ledger completes it.
var ErrHalted = errors.New("ledger halted after a failed commit, reopen to recover")

// EventSink receives an event for every committed change.
type EventSink interface {
	Record(ctx context.Context, ev inventory.Event) error
}

// table is one entity's record log and primary index. mu guards both.
type table[T any] struct {
	name string
	mu   sync.RWMutex
	log  *recordlog.Log[T]
	idx  *offsetindex.Index
}

// Ledger is the only writer of the data directory.
//
// Lock order is models, cars, sales. salesByNumber is guarded by sales.mu.
type Ledger struct {
	cfg     Config
	logger  logrus.FieldLogger
	metrics *monitoring.Metrics
	sink    EventSink
	seq     *sequence.Sequencer
	journal *wal.Journal

	models table[inventory.Model]
	cars   table[inventory.Car]
	sales  table[inventory.Sale]

	salesByNumber *offsetindex.Index

	haltMu sync.RWMutex
	halted error
}

// Open loads the ledger stored under cfg.DataPath, finishing any change the
// journal committed before the last shutdown. metrics and sink may be nil.
func Open(ctx context.Context, cfg Config, logger logrus.FieldLogger,
	metrics *monitoring.Metrics, sink EventSink,
) (*Ledger, error) {
	if cfg.DataPath == "" {
		return nil, errors.Wrap(inventory.ErrInvalidArgument, "empty data path")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataPath, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create data path %s", cfg.DataPath)
	}

	s := &Ledger{
		cfg:     cfg,
		logger:  logger.WithField("component", "ledger"),
		metrics: metrics,
		sink:    sink,
		seq:     sequence.New(0),
	}
	s.models.name = "models"
	s.cars.name = "cars"
	s.sales.name = "sales"

	journal, err := wal.Open(cfg.path(journalFile))
	if err != nil {
		return nil, err
	}
	s.journal = journal

	pending, err := s.readJournal()
	if err != nil {
		journal.Close()
		return nil, err
	}
	// staged compaction files must be in place before the logs are opened
	if err := s.promoteCommitted(pending); err != nil {
		journal.Close()
		return nil, err
	}
	if err := s.removeStaged(); err != nil {
		journal.Close()
		return nil, err
	}

	if err := s.openTables(); err != nil {
		s.Close()
		return nil, err
	}
	if err := s.applyCommitted(pending); err != nil {
		s.Close()
		return nil, err
	}
	if err := s.journal.Reset(); err != nil {
		s.Close()
		return nil, err
	}

	s.logger.WithField("action", "ledger_open").
		WithField("path", cfg.DataPath).
		WithField("models", s.models.idx.Len()).
		WithField("cars", s.cars.idx.Len()).
		WithField("sales", s.sales.idx.Len()).
		WithField("replayed", len(pending)).
		Info("ledger opened")
	return s, nil
}

func (s *Ledger) openTables() error {
	var err error
	if s.models.log, err = recordlog.Open(s.cfg.path(modelsLog), recordlog.JSONCodec[inventory.Model]{}, s.logger); err != nil {
		return err
	}
	if s.models.idx, err = offsetindex.Load(s.cfg.path(modelsIndex)); err != nil {
		return err
	}
	if s.cars.log, err = recordlog.Open(s.cfg.path(carsLog), recordlog.JSONCodec[inventory.Car]{}, s.logger); err != nil {
		return err
	}
	if s.cars.idx, err = offsetindex.Load(s.cfg.path(carsIndex)); err != nil {
		return err
	}
	if s.sales.log, err = recordlog.Open(s.cfg.path(salesLog), recordlog.JSONCodec[inventory.Sale]{}, s.logger); err != nil {
		return err
	}
	if s.sales.idx, err = offsetindex.Load(s.cfg.path(salesIndex)); err != nil {
		return err
	}
	if s.salesByNumber, err = offsetindex.Load(s.cfg.path(salesNumberIndex)); err != nil {
		return err
	}
	return nil
}

// removeStaged deletes compaction output whose commit frame never made it
// to the journal, and temp files left by an interrupted index write.
func (s *Ledger) removeStaged() error {
	var staged []string
	for _, pattern := range []string{"*" + stagedSuffix, "*" + offsetindex.TempSuffix} {
		matches, err := filepath.Glob(filepath.Join(s.cfg.DataPath, pattern))
		if err != nil {
			return errors.Wrap(err, "list staged files")
		}
		staged = append(staged, matches...)
	}
	for _, path := range staged {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "remove staged %s", path)
		}
		s.logger.WithField("action", "ledger_drop_staged").
			WithField("file", filepath.Base(path)).
			Warn("dropped uncommitted compaction output")
	}
	return nil
}

// Close releases every file handle. The ledger must not be used afterwards.
func (s *Ledger) Close() error {
	var result error
	var closers []io.Closer
	if s.models.log != nil {
		closers = append(closers, s.models.log)
	}
	if s.cars.log != nil {
		closers = append(closers, s.cars.log)
	}
	if s.sales.log != nil {
		closers = append(closers, s.sales.log)
	}
	if s.journal != nil {
		closers = append(closers, s.journal)
	}
	for _, c := range closers {
		if err := c.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result
}

// halt puts the ledger into the failed state. Only the first cause is kept.
func (s *Ledger) halt(cause error) error {
	s.haltMu.Lock()
	if s.halted == nil {
		s.halted = cause
		s.logger.WithField("action", "ledger_halt").
			WithError(cause).
			Error("index write failed after commit, rejecting further changes")
	}
	s.haltMu.Unlock()
	return errors.Wrap(ErrHalted, cause.Error())
}

func (s *Ledger) checkWritable(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.haltMu.RLock()
	defer s.haltMu.RUnlock()
	if s.halted != nil {
		return errors.Wrap(ErrHalted, s.halted.Error())
	}
	return nil
}

// Halted reports the error that stopped the ledger, if any.
func (s *Ledger) Halted() error {
	s.haltMu.RLock()
	defer s.haltMu.RUnlock()
	return s.halted
}

func (s *Ledger) track(op string, start time.Time, err *error) {
	s.metrics.TrackOperation(op, start, *err)
}

// emit hands ev to the sink. The change is already committed, so a sink
// failure is only logged.
func (s *Ledger) emit(ctx context.Context, ev inventory.Event) {
	if s.sink == nil {
		return
	}
	ev.At = time.Now().UTC()
	err := s.sink.Record(ctx, ev)
	s.metrics.TrackEventRecorded(string(ev.Type), err)
	if err != nil {
		s.logger.WithField("action", "ledger_emit").
			WithField("event", ev.Type).
			WithField("key", ev.Key).
			WithError(err).
			Warn("could not record event")
	}
}

type keyed interface {
	IndexKey() string
}

// readIndexed reads the record an index entry points at and checks that it
// belongs to key.
func readIndexed[T keyed](log *recordlog.Log[T], key string, offset int64) (T, error) {
	rec, err := log.ReadAt(offset)
	if err != nil {
		var zero T
		return zero, storageError(err)
	}
	if rec.IndexKey() != key {
		var zero T
		return zero, errors.Wrapf(inventory.ErrCorruptRecord,
			"%s@%d holds %q, index says %q", filepath.Base(log.Path()), offset, rec.IndexKey(), key)
	}
	return rec, nil
}

// storageError maps record log failures onto the domain error kinds.
func storageError(err error) error {
	if errors.Is(err, recordlog.ErrCorruptRecord) || errors.Is(err, recordlog.ErrOutOfRange) {
		return errors.Wrap(inventory.ErrCorruptRecord, err.Error())
	}
	return err
}
