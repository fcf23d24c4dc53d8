package service

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"carledger/domain/inventory"
)

// AddModel appends m to the model log and indexes it by id. A model id can
// be registered once.
func (s *Ledger) AddModel(ctx context.Context, m inventory.Model) (_ inventory.Model, err error) {
	defer s.track("add_model", time.Now(), &err)

	if err := m.Validate(); err != nil {
		return inventory.Model{}, err
	}
	if err := s.checkWritable(ctx); err != nil {
		return inventory.Model{}, err
	}

	if err := register(&s.models, m, s.cfg.SyncWrites); err != nil {
		return inventory.Model{}, err
	}

	s.emit(ctx, inventory.Event{
		Type: inventory.EventModelRegistered,
		Key:  m.IndexKey(),
		Attributes: map[string]any{
			"id":    m.ID,
			"name":  m.Name,
			"brand": m.Brand,
		},
	})
	return m, nil
}

// AddCar appends c to the car log and indexes it by vin. The referenced
// model does not have to exist yet; joins tolerate a missing model.
func (s *Ledger) AddCar(ctx context.Context, c inventory.Car) (_ inventory.Car, err error) {
	defer s.track("add_car", time.Now(), &err)

	if err := c.Validate(); err != nil {
		return inventory.Car{}, err
	}
	if err := s.checkWritable(ctx); err != nil {
		return inventory.Car{}, err
	}

	if err := register(&s.cars, c, s.cfg.SyncWrites); err != nil {
		return inventory.Car{}, err
	}

	s.emit(ctx, inventory.Event{
		Type: inventory.EventCarRegistered,
		Key:  c.VIN,
		Attributes: map[string]any{
			"model":  c.Model,
			"price":  c.Price.String(),
			"status": c.Status.String(),
		},
	})
	return c, nil
}

// register is the first-insert path: the record is appended and its key is
// added to the index file with a single line, never rewriting the index.
func register[T keyed](t *table[T], rec T, sync bool) error {
	key := rec.IndexKey()

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.idx.Get(key); ok {
		return errors.Wrapf(inventory.ErrDuplicateKey, "%s %s", t.name, key)
	}
	offset, err := t.log.Append(rec)
	if err != nil {
		return err
	}
	if sync {
		if err := t.log.Sync(); err != nil {
			return errors.Wrapf(err, "sync %s", t.name)
		}
	}
	return t.idx.Update(key, offset)
}
