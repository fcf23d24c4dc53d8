package service

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"carledger/domain/inventory"
)

// SellCar records sale and marks its car sold. The sold car is appended as a
// new version and the sale becomes the car's active sale, replacing whatever
// sale the car was reachable through before.
func (s *Ledger) SellCar(ctx context.Context, sale inventory.Sale) (_ inventory.Car, err error) {
	defer s.track("sell_car", time.Now(), &err)

	if err := sale.Validate(); err != nil {
		return inventory.Car{}, err
	}
	if err := s.checkWritable(ctx); err != nil {
		return inventory.Car{}, err
	}

	s.cars.mu.Lock()
	defer s.cars.mu.Unlock()
	s.sales.mu.Lock()
	defer s.sales.mu.Unlock()

	if _, ok := s.salesByNumber.Get(sale.NumberKey()); ok {
		return inventory.Car{}, errors.Wrapf(inventory.ErrDuplicateSale, "sale %s", sale.SalesNumber)
	}
	carOffset, ok := s.cars.idx.Get(sale.CarVIN)
	if !ok {
		return inventory.Car{}, errors.Wrapf(inventory.ErrCarNotFound, "vin %s", sale.CarVIN)
	}
	car, err := readIndexed(s.cars.log, sale.CarVIN, carOffset)
	if err != nil {
		return inventory.Car{}, err
	}
	if car.Status == inventory.Sold {
		return inventory.Car{}, errors.Wrapf(inventory.ErrCarAlreadySold, "vin %s", sale.CarVIN)
	}

	car.Status = inventory.Sold
	newCarOffset, err := s.cars.log.Append(car)
	if err != nil {
		return inventory.Car{}, err
	}
	saleOffset, err := s.sales.log.Append(sale)
	if err != nil {
		return inventory.Car{}, err
	}
	if err := s.syncLogs(); err != nil {
		return inventory.Car{}, err
	}

	batch := &indexBatch{Op: "sell_car"}
	batch.set(idxCars, car.VIN, newCarOffset)
	batch.set(idxSales, sale.IndexKey(), saleOffset)
	batch.set(idxSalesNumber, sale.NumberKey(), saleOffset)
	if err := s.commit(batch); err != nil {
		return inventory.Car{}, err
	}

	s.emit(ctx, inventory.Event{
		Type: inventory.EventSaleExecuted,
		Key:  car.VIN,
		Attributes: map[string]any{
			"sales_number": sale.SalesNumber,
			"sales_date":   sale.SalesDate.UTC().Format(time.RFC3339Nano),
			"cost":         sale.Cost.String(),
		},
	})
	return car, nil
}

// RevertSale undoes the sale with salesNumber and makes its car available
// again. The sale stops being the car's active sale only if it still is one;
// a newer sale of the same car is left alone. The car is reset to available
// either way.
func (s *Ledger) RevertSale(ctx context.Context, salesNumber string) (_ inventory.Car, err error) {
	defer s.track("revert_sale", time.Now(), &err)

	if err := s.checkWritable(ctx); err != nil {
		return inventory.Car{}, err
	}

	s.cars.mu.Lock()
	defer s.cars.mu.Unlock()
	s.sales.mu.Lock()
	defer s.sales.mu.Unlock()

	sale, saleOffset, err := s.findSale(salesNumber)
	if err != nil {
		return inventory.Car{}, err
	}

	vin := sale.CarVIN
	carOffset, ok := s.cars.idx.Get(vin)
	if !ok {
		return inventory.Car{}, errors.Wrapf(inventory.ErrCarNotFound, "vin %s of sale %s", vin, salesNumber)
	}
	car, err := readIndexed(s.cars.log, vin, carOffset)
	if err != nil {
		return inventory.Car{}, err
	}

	car.Status = inventory.Available
	newCarOffset, err := s.cars.log.Append(car)
	if err != nil {
		return inventory.Car{}, err
	}
	if err := s.cars.log.Sync(); err != nil {
		return inventory.Car{}, errors.Wrap(err, "sync cars")
	}

	batch := &indexBatch{Op: "revert_sale"}
	batch.set(idxCars, vin, newCarOffset)
	if off, ok := s.sales.idx.Get(vin); ok && off == saleOffset {
		batch.del(idxSales, vin)
	}
	if off, ok := s.salesByNumber.Get(salesNumber); ok && off == saleOffset {
		batch.del(idxSalesNumber, salesNumber)
	}
	if err := s.commit(batch); err != nil {
		return inventory.Car{}, err
	}

	s.emit(ctx, inventory.Event{
		Type: inventory.EventSaleReverted,
		Key:  vin,
		Attributes: map[string]any{
			"sales_number": salesNumber,
		},
	})
	return car, nil
}

// findSale resolves a sales number through the number index and falls back
// to scanning the sales log. A rekey appends a new version of the sale, so
// the scan keeps the last matching record. Callers hold sales.mu.
func (s *Ledger) findSale(salesNumber string) (inventory.Sale, int64, error) {
	if off, ok := s.salesByNumber.Get(salesNumber); ok {
		sale, err := s.sales.log.ReadAt(off)
		if err != nil {
			return inventory.Sale{}, 0, storageError(err)
		}
		if sale.NumberKey() != salesNumber {
			return inventory.Sale{}, 0, errors.Wrapf(inventory.ErrCorruptRecord,
				"sales number index points %s at sale %s", salesNumber, sale.NumberKey())
		}
		return sale, off, nil
	}

	var (
		found  inventory.Sale
		offset int64 = -1
	)
	err := s.sales.log.Scan(func(off int64, sale inventory.Sale) error {
		if sale.SalesNumber != salesNumber {
			return nil
		}
		found, offset = sale, off
		return nil
	})
	if err != nil {
		return inventory.Sale{}, 0, err
	}
	if offset < 0 {
		return inventory.Sale{}, 0, errors.Wrapf(inventory.ErrSaleNotFound, "sales number %s", salesNumber)
	}
	return found, offset, nil
}

// syncLogs flushes the car and sales logs so a journal frame never points
// past what is on disk.
func (s *Ledger) syncLogs() error {
	if err := s.cars.log.Sync(); err != nil {
		return errors.Wrap(err, "sync cars")
	}
	if err := s.sales.log.Sync(); err != nil {
		return errors.Wrap(err, "sync sales")
	}
	return nil
}
