package service

import (
	"context"
	"sort"
	"time"

	"github.com/pkg/errors"

	"carledger/domain/inventory"
)

// GetCars returns every current car with the given status, in log order.
// Superseded versions left behind by sales and rekeys are skipped, as are
// records that cannot be decoded.
func (s *Ledger) GetCars(ctx context.Context, status inventory.CarStatus) (_ []inventory.Car, err error) {
	defer s.track("get_cars", time.Now(), &err)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.cars.mu.RLock()
	defer s.cars.mu.RUnlock()

	var out []inventory.Car
	err = s.cars.log.Scan(func(off int64, car inventory.Car) error {
		if cur, ok := s.cars.idx.Get(car.VIN); !ok || cur != off {
			return nil
		}
		if car.Status == status {
			out = append(out, car)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetCarInfo joins a car with its model and its active sale. Sale fields
// stay nil when the car has no active sale.
func (s *Ledger) GetCarInfo(ctx context.Context, vin string) (_ inventory.CarFullInfo, err error) {
	defer s.track("get_car_info", time.Now(), &err)

	if err := ctx.Err(); err != nil {
		return inventory.CarFullInfo{}, err
	}

	s.models.mu.RLock()
	defer s.models.mu.RUnlock()
	s.cars.mu.RLock()
	defer s.cars.mu.RUnlock()
	s.sales.mu.RLock()
	defer s.sales.mu.RUnlock()

	carOffset, ok := s.cars.idx.Get(vin)
	if !ok {
		return inventory.CarFullInfo{}, errors.Wrapf(inventory.ErrCarNotFound, "vin %s", vin)
	}
	car, err := readIndexed(s.cars.log, vin, carOffset)
	if err != nil {
		return inventory.CarFullInfo{}, err
	}

	modelKey := inventory.ModelKey(car.Model)
	modelOffset, ok := s.models.idx.Get(modelKey)
	if !ok {
		return inventory.CarFullInfo{}, errors.Wrapf(inventory.ErrModelNotFound, "model %s of car %s", modelKey, vin)
	}
	model, err := readIndexed(s.models.log, modelKey, modelOffset)
	if err != nil {
		return inventory.CarFullInfo{}, err
	}

	info := inventory.CarFullInfo{
		VIN:           car.VIN,
		CarModelName:  model.Name,
		CarModelBrand: model.Brand,
		Price:         car.Price,
		DateStart:     car.DateStart,
		Status:        car.Status,
	}
	if saleOffset, ok := s.sales.idx.Get(vin); ok {
		sale, err := readIndexed(s.sales.log, vin, saleOffset)
		if err != nil {
			return inventory.CarFullInfo{}, err
		}
		date, cost := sale.SalesDate, sale.Cost
		info.SalesDate = &date
		info.SalesCost = &cost
	}
	return info, nil
}

// TopModelsBySales counts active sales per model and returns the best
// selling models, most sales first. Models with equal counts keep the order
// in which their first active sale was indexed. limit <= 0 means the
// configured default.
func (s *Ledger) TopModelsBySales(ctx context.Context, limit int) (_ []inventory.ModelSaleStats, err error) {
	defer s.track("top_models_by_sales", time.Now(), &err)

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = s.cfg.topLimit()
	}

	s.models.mu.RLock()
	defer s.models.mu.RUnlock()
	s.cars.mu.RLock()
	defer s.cars.mu.RUnlock()
	s.sales.mu.RLock()
	defer s.sales.mu.RUnlock()

	// full scans, the latest version of each key wins
	models := make(map[int]inventory.Model)
	if err := s.models.log.Scan(func(_ int64, m inventory.Model) error {
		models[m.ID] = m
		return nil
	}); err != nil {
		return nil, err
	}
	cars := make(map[string]inventory.Car)
	if err := s.cars.log.Scan(func(_ int64, c inventory.Car) error {
		cars[c.VIN] = c
		return nil
	}); err != nil {
		return nil, err
	}

	type modelKey struct{ name, brand string }
	var (
		order  []modelKey
		counts = make(map[modelKey]int)
	)
	for _, vin := range s.sales.idx.Keys() {
		off, _ := s.sales.idx.Get(vin)
		if _, err := s.sales.log.ReadAt(off); err != nil {
			if errors.Is(storageError(err), inventory.ErrCorruptRecord) {
				continue
			}
			return nil, err
		}
		car, ok := cars[vin]
		if !ok {
			continue
		}
		model, ok := models[car.Model]
		if !ok {
			continue
		}
		k := modelKey{name: model.Name, brand: model.Brand}
		if _, seen := counts[k]; !seen {
			order = append(order, k)
		}
		counts[k]++
	}

	stats := make([]inventory.ModelSaleStats, 0, len(order))
	for _, k := range order {
		stats = append(stats, inventory.ModelSaleStats{
			CarModelName: k.name,
			Brand:        k.brand,
			SalesNumber:  counts[k],
		})
	}
	sort.SliceStable(stats, func(i, j int) bool {
		return stats[i].SalesNumber > stats[j].SalesNumber
	})
	if len(stats) > limit {
		stats = stats[:limit]
	}
	return stats, nil
}
