package service

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"carledger/domain/inventory"
)

// UpdateVIN moves the car at vin to newVIN. Its active sale, if any, moves
// with it. Both index changes are committed in one journal frame.
func (s *Ledger) UpdateVIN(ctx context.Context, vin, newVIN string) (_ inventory.Car, err error) {
	defer s.track("update_vin", time.Now(), &err)

	if err := inventory.ValidateVIN(newVIN); err != nil {
		return inventory.Car{}, err
	}
	if err := s.checkWritable(ctx); err != nil {
		return inventory.Car{}, err
	}

	s.cars.mu.Lock()
	defer s.cars.mu.Unlock()
	s.sales.mu.Lock()
	defer s.sales.mu.Unlock()

	if _, ok := s.cars.idx.Get(newVIN); ok {
		return inventory.Car{}, errors.Wrapf(inventory.ErrDuplicateKey, "vin %s", newVIN)
	}
	carOffset, ok := s.cars.idx.Get(vin)
	if !ok {
		return inventory.Car{}, errors.Wrapf(inventory.ErrCarNotFound, "vin %s", vin)
	}
	car, err := readIndexed(s.cars.log, vin, carOffset)
	if err != nil {
		return inventory.Car{}, err
	}

	// read the active sale before anything is appended
	var (
		sale       inventory.Sale
		saleOffset int64
		hasSale    bool
	)
	if saleOffset, hasSale = s.sales.idx.Get(vin); hasSale {
		if sale, err = readIndexed(s.sales.log, vin, saleOffset); err != nil {
			return inventory.Car{}, err
		}
	}

	batch := &indexBatch{Op: "update_vin"}

	car.VIN = newVIN
	newCarOffset, err := s.cars.log.Append(car)
	if err != nil {
		return inventory.Car{}, err
	}
	batch.del(idxCars, vin)
	batch.set(idxCars, newVIN, newCarOffset)

	if hasSale {
		sale.CarVIN = newVIN
		newSaleOffset, err := s.sales.log.Append(sale)
		if err != nil {
			return inventory.Car{}, err
		}
		batch.del(idxSales, vin)
		batch.set(idxSales, newVIN, newSaleOffset)
		if off, ok := s.salesByNumber.Get(sale.NumberKey()); ok && off == saleOffset {
			batch.set(idxSalesNumber, sale.NumberKey(), newSaleOffset)
		}
	}

	if err := s.syncLogs(); err != nil {
		return inventory.Car{}, err
	}
	if err := s.commit(batch); err != nil {
		return inventory.Car{}, err
	}

	s.emit(ctx, inventory.Event{
		Type: inventory.EventCarRekeyed,
		Key:  newVIN,
		Attributes: map[string]any{
			"old_vin":  vin,
			"new_vin":  newVIN,
			"has_sale": hasSale,
		},
	})
	return car, nil
}
