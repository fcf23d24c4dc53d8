package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carledger/domain/inventory"
	"carledger/infra/monitoring"
)

var (
	day1 = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	day2 = time.Date(2024, 3, 2, 10, 0, 0, 0, time.UTC)
)

type recordingSink struct {
	mu     sync.Mutex
	events []inventory.Event
	err    error
}

func (r *recordingSink) Record(_ context.Context, ev inventory.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingSink) types() []inventory.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]inventory.EventType, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

func openLedger(t *testing.T, dir string) *Ledger {
	t.Helper()
	return openLedgerWith(t, Config{DataPath: dir}, nil, nil)
}

func openLedgerWith(t *testing.T, cfg Config, metrics *monitoring.Metrics, sink EventSink) *Ledger {
	t.Helper()
	logger, _ := test.NewNullLogger()
	l, err := Open(context.Background(), cfg, logger, metrics, sink)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func tesla() inventory.Model {
	return inventory.Model{ID: 1, Name: "Model3", Brand: "Tesla"}
}

func car(vin string, model int, price int64) inventory.Car {
	return inventory.Car{
		VIN:       vin,
		Model:     model,
		Price:     decimal.NewFromInt(price),
		DateStart: day1,
		Status:    inventory.Available,
	}
}

func sale(number, vin string, cost int64) inventory.Sale {
	return inventory.Sale{
		SalesNumber: number,
		CarVIN:      vin,
		SalesDate:   day2,
		Cost:        decimal.NewFromInt(cost),
	}
}

func seed(t *testing.T, l *Ledger) {
	t.Helper()
	ctx := context.Background()
	_, err := l.AddModel(ctx, tesla())
	require.NoError(t, err)
	_, err = l.AddCar(ctx, car("V1", 1, 40000))
	require.NoError(t, err)
}

func TestSaleLifecycle(t *testing.T) {
	ctx := context.Background()
	l := openLedger(t, t.TempDir())
	seed(t, l)

	sold, err := l.SellCar(ctx, sale("S1", "V1", 39000))
	require.NoError(t, err)
	assert.Equal(t, inventory.Sold, sold.Status)

	info, err := l.GetCarInfo(ctx, "V1")
	require.NoError(t, err)
	assert.Equal(t, "Model3", info.CarModelName)
	assert.Equal(t, "Tesla", info.CarModelBrand)
	assert.Equal(t, inventory.Sold, info.Status)
	require.NotNil(t, info.SalesCost)
	require.NotNil(t, info.SalesDate)
	assert.True(t, info.SalesCost.Equal(decimal.NewFromInt(39000)))
	assert.True(t, info.SalesDate.Equal(day2))

	reverted, err := l.RevertSale(ctx, "S1")
	require.NoError(t, err)
	assert.Equal(t, inventory.Available, reverted.Status)

	info, err = l.GetCarInfo(ctx, "V1")
	require.NoError(t, err)
	assert.Equal(t, inventory.Available, info.Status)
	assert.Nil(t, info.SalesCost)
	assert.Nil(t, info.SalesDate)

	sold, err = l.SellCar(ctx, sale("S2", "V1", 38500))
	require.NoError(t, err)
	assert.Equal(t, inventory.Sold, sold.Status)

	info, err = l.GetCarInfo(ctx, "V1")
	require.NoError(t, err)
	require.NotNil(t, info.SalesCost)
	assert.True(t, info.SalesCost.Equal(decimal.NewFromInt(38500)))
}

func TestRegisteredRecordsReadBack(t *testing.T) {
	ctx := context.Background()
	l := openLedger(t, t.TempDir())
	seed(t, l)

	info, err := l.GetCarInfo(ctx, "V1")
	require.NoError(t, err)
	assert.Equal(t, "V1", info.VIN)
	assert.True(t, info.Price.Equal(decimal.NewFromInt(40000)))
	assert.True(t, info.DateStart.Equal(day1))
	assert.Equal(t, inventory.Available, info.Status)

	cars, err := l.GetCars(ctx, inventory.Available)
	require.NoError(t, err)
	require.Len(t, cars, 1)
	assert.Equal(t, "V1", cars[0].VIN)
	assert.Equal(t, 1, cars[0].Model)
}

func TestRegistrationRejectsDuplicates(t *testing.T) {
	ctx := context.Background()
	l := openLedger(t, t.TempDir())
	seed(t, l)

	_, err := l.AddModel(ctx, inventory.Model{ID: 1, Name: "Other", Brand: "Other"})
	assert.True(t, errors.Is(err, inventory.ErrDuplicateKey))
	assert.True(t, errors.Is(err, inventory.ErrConflict))

	_, err = l.AddCar(ctx, car("V1", 1, 1))
	assert.True(t, errors.Is(err, inventory.ErrDuplicateKey))

	info, err := l.GetCarInfo(ctx, "V1")
	require.NoError(t, err)
	assert.Equal(t, "Model3", info.CarModelName)
	assert.True(t, info.Price.Equal(decimal.NewFromInt(40000)))
}

func TestRegistrationValidates(t *testing.T) {
	ctx := context.Background()
	l := openLedger(t, t.TempDir())

	_, err := l.AddModel(ctx, inventory.Model{ID: 0})
	assert.True(t, errors.Is(err, inventory.ErrInvalidArgument))
	_, err = l.AddCar(ctx, car("", 1, 1))
	assert.True(t, errors.Is(err, inventory.ErrInvalidArgument))
	_, err = l.AddCar(ctx, car("A:B", 1, 1))
	assert.True(t, errors.Is(err, inventory.ErrInvalidArgument))
	_, err = l.AddCar(ctx, car(" V1", 1, 1))
	assert.True(t, errors.Is(err, inventory.ErrInvalidArgument))
}

func TestKeysWithInnerSpacesSurviveReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	l := openLedger(t, dir)
	_, err := l.AddModel(ctx, tesla())
	require.NoError(t, err)
	_, err = l.AddCar(ctx, car("V 1", 1, 40000))
	require.NoError(t, err)
	_, err = l.SellCar(ctx, sale("S 1", "V 1", 39000))
	require.NoError(t, err)

	_, err = l.SellCar(ctx, sale(" S2", "V 1", 1))
	assert.True(t, errors.Is(err, inventory.ErrInvalidArgument))
	require.NoError(t, l.Close())

	l = openLedger(t, dir)
	info, err := l.GetCarInfo(ctx, "V 1")
	require.NoError(t, err)
	assert.Equal(t, "V 1", info.VIN)
	assert.Equal(t, inventory.Sold, info.Status)

	car, err := l.RevertSale(ctx, "S 1")
	require.NoError(t, err)
	assert.Equal(t, "V 1", car.VIN)
}

func TestSellingSoldCarFails(t *testing.T) {
	ctx := context.Background()
	metrics := monitoring.NewNoopMetrics()
	l := openLedgerWith(t, Config{DataPath: t.TempDir()}, metrics, nil)
	seed(t, l)

	_, err := l.SellCar(ctx, sale("S1", "V1", 39000))
	require.NoError(t, err)

	_, err = l.SellCar(ctx, sale("S2", "V1", 10))
	assert.True(t, errors.Is(err, inventory.ErrCarAlreadySold))
	assert.True(t, errors.Is(err, inventory.ErrConflict))

	info, err := l.GetCarInfo(ctx, "V1")
	require.NoError(t, err)
	assert.Equal(t, inventory.Sold, info.Status)
	assert.True(t, info.SalesCost.Equal(decimal.NewFromInt(39000)))

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Operations.WithLabelValues("sell_car", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Operations.WithLabelValues("sell_car", "error")))
}

func TestSellCarErrors(t *testing.T) {
	ctx := context.Background()
	l := openLedger(t, t.TempDir())
	seed(t, l)
	_, err := l.AddCar(ctx, car("V2", 1, 20000))
	require.NoError(t, err)

	_, err = l.SellCar(ctx, sale("S1", "NOPE", 1))
	assert.True(t, errors.Is(err, inventory.ErrCarNotFound))
	assert.True(t, errors.Is(err, inventory.ErrNotFound))

	_, err = l.SellCar(ctx, sale("S1", "V1", 1))
	require.NoError(t, err)
	_, err = l.SellCar(ctx, sale("S1", "V2", 1))
	assert.True(t, errors.Is(err, inventory.ErrDuplicateSale))

	cars, err := l.GetCars(ctx, inventory.Available)
	require.NoError(t, err)
	require.Len(t, cars, 1)
	assert.Equal(t, "V2", cars[0].VIN)
}

func TestRevertUnknownSale(t *testing.T) {
	l := openLedger(t, t.TempDir())
	seed(t, l)

	_, err := l.RevertSale(context.Background(), "S404")
	assert.True(t, errors.Is(err, inventory.ErrSaleNotFound))
}

func TestRevertSupersededSaleKeepsNewerSale(t *testing.T) {
	ctx := context.Background()
	l := openLedger(t, t.TempDir())
	seed(t, l)

	_, err := l.SellCar(ctx, sale("S1", "V1", 39000))
	require.NoError(t, err)
	_, err = l.RevertSale(ctx, "S1")
	require.NoError(t, err)
	_, err = l.SellCar(ctx, sale("S2", "V1", 38000))
	require.NoError(t, err)

	// S1 is only reachable by scanning now and is no longer the active sale
	car, err := l.RevertSale(ctx, "S1")
	require.NoError(t, err)
	assert.Equal(t, inventory.Available, car.Status)

	info, err := l.GetCarInfo(ctx, "V1")
	require.NoError(t, err)
	assert.Equal(t, inventory.Available, info.Status)
	require.NotNil(t, info.SalesCost)
	assert.True(t, info.SalesCost.Equal(decimal.NewFromInt(38000)))
}

func TestRevertSaleAgainAfterRekey(t *testing.T) {
	ctx := context.Background()
	l := openLedger(t, t.TempDir())
	seed(t, l)

	_, err := l.SellCar(ctx, sale("S1", "V1", 39000))
	require.NoError(t, err)
	_, err = l.UpdateVIN(ctx, "V1", "V2")
	require.NoError(t, err)
	_, err = l.RevertSale(ctx, "S1")
	require.NoError(t, err)
	_, err = l.SellCar(ctx, sale("S2", "V2", 38000))
	require.NoError(t, err)

	// S1 is found by scanning; its latest version names the car as V2
	car, err := l.RevertSale(ctx, "S1")
	require.NoError(t, err)
	assert.Equal(t, "V2", car.VIN)
	assert.Equal(t, inventory.Available, car.Status)

	info, err := l.GetCarInfo(ctx, "V2")
	require.NoError(t, err)
	assert.Equal(t, inventory.Available, info.Status)
	require.NotNil(t, info.SalesCost)
	assert.True(t, info.SalesCost.Equal(decimal.NewFromInt(38000)))
}

func TestRevertSaleOfMissingCarChangesNothing(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	l := openLedger(t, dir)
	seed(t, l)
	_, err := l.SellCar(ctx, sale("S1", "V1", 39000))
	require.NoError(t, err)

	l.cars.mu.Lock()
	l.cars.idx.Delete("V1")
	l.cars.mu.Unlock()

	_, err = l.RevertSale(ctx, "S1")
	assert.True(t, errors.Is(err, inventory.ErrCarNotFound))

	_, ok := l.sales.idx.Get("V1")
	assert.True(t, ok)
	_, ok = l.salesByNumber.Get("S1")
	assert.True(t, ok)
}

func TestUpdateVINMovesCarAndSale(t *testing.T) {
	ctx := context.Background()
	l := openLedger(t, t.TempDir())
	seed(t, l)
	_, err := l.SellCar(ctx, sale("S1", "V1", 39000))
	require.NoError(t, err)

	before, err := l.GetCarInfo(ctx, "V1")
	require.NoError(t, err)

	moved, err := l.UpdateVIN(ctx, "V1", "V9")
	require.NoError(t, err)
	assert.Equal(t, "V9", moved.VIN)

	after, err := l.GetCarInfo(ctx, "V9")
	require.NoError(t, err)
	assert.Equal(t, "V9", after.VIN)
	assert.Equal(t, before.CarModelName, after.CarModelName)
	assert.Equal(t, before.Status, after.Status)
	assert.True(t, before.Price.Equal(after.Price))
	require.NotNil(t, after.SalesCost)
	assert.True(t, before.SalesCost.Equal(*after.SalesCost))

	_, err = l.GetCarInfo(ctx, "V1")
	assert.True(t, errors.Is(err, inventory.ErrCarNotFound))

	// the sale moved with the car, so reverting it finds the new vin
	reverted, err := l.RevertSale(ctx, "S1")
	require.NoError(t, err)
	assert.Equal(t, "V9", reverted.VIN)
	assert.Equal(t, inventory.Available, reverted.Status)
}

func TestUpdateVINErrors(t *testing.T) {
	ctx := context.Background()
	l := openLedger(t, t.TempDir())
	seed(t, l)
	_, err := l.AddCar(ctx, car("V2", 1, 1))
	require.NoError(t, err)

	_, err = l.UpdateVIN(ctx, "V1", "V2")
	assert.True(t, errors.Is(err, inventory.ErrDuplicateKey))
	_, err = l.UpdateVIN(ctx, "V404", "V5")
	assert.True(t, errors.Is(err, inventory.ErrCarNotFound))
	_, err = l.UpdateVIN(ctx, "V1", "")
	assert.True(t, errors.Is(err, inventory.ErrInvalidArgument))

	_, err = l.GetCarInfo(ctx, "V1")
	assert.NoError(t, err)
}

func TestGetCarsSkipsSupersededVersions(t *testing.T) {
	ctx := context.Background()
	l := openLedger(t, t.TempDir())
	seed(t, l)
	_, err := l.AddCar(ctx, car("V2", 1, 1))
	require.NoError(t, err)
	_, err = l.SellCar(ctx, sale("S1", "V1", 1))
	require.NoError(t, err)

	available, err := l.GetCars(ctx, inventory.Available)
	require.NoError(t, err)
	require.Len(t, available, 1)
	assert.Equal(t, "V2", available[0].VIN)

	sold, err := l.GetCars(ctx, inventory.Sold)
	require.NoError(t, err)
	require.Len(t, sold, 1)
	assert.Equal(t, "V1", sold[0].VIN)

	reserved, err := l.GetCars(ctx, inventory.Reserved)
	require.NoError(t, err)
	assert.Empty(t, reserved)
}

func TestGetCarInfoMissingModel(t *testing.T) {
	ctx := context.Background()
	l := openLedger(t, t.TempDir())
	_, err := l.AddCar(ctx, car("V1", 7, 1))
	require.NoError(t, err)

	_, err = l.GetCarInfo(ctx, "V1")
	assert.True(t, errors.Is(err, inventory.ErrModelNotFound))
}

func TestPointReadsCheckIndexCoherence(t *testing.T) {
	ctx := context.Background()
	l := openLedger(t, t.TempDir())
	seed(t, l)
	_, err := l.AddCar(ctx, car("V2", 1, 1))
	require.NoError(t, err)

	l.cars.mu.Lock()
	off, _ := l.cars.idx.Get("V2")
	l.cars.idx.Set("V1", off)
	l.cars.mu.Unlock()

	_, err = l.GetCarInfo(ctx, "V1")
	assert.True(t, errors.Is(err, inventory.ErrCorruptRecord))
	_, err = l.SellCar(ctx, sale("S1", "V1", 1))
	assert.True(t, errors.Is(err, inventory.ErrCorruptRecord))
}

func TestTopModelsBySalesIsStable(t *testing.T) {
	ctx := context.Background()
	l := openLedger(t, t.TempDir())

	for i, name := range []string{"A", "B", "C", "D"} {
		_, err := l.AddModel(ctx, inventory.Model{ID: i + 1, Name: name, Brand: "X"})
		require.NoError(t, err)
	}
	for _, c := range []inventory.Car{
		car("a1", 1, 1), car("a2", 1, 1),
		car("b1", 2, 1), car("b2", 2, 1),
		car("c1", 3, 1),
		car("d1", 4, 1),
	} {
		_, err := l.AddCar(ctx, c)
		require.NoError(t, err)
	}
	for i, vin := range []string{"a1", "b1", "c1", "b2", "a2"} {
		_, err := l.SellCar(ctx, sale(fmt.Sprintf("S%d", i), vin, 1))
		require.NoError(t, err)
	}

	top, err := l.TopModelsBySales(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []inventory.ModelSaleStats{
		{CarModelName: "A", Brand: "X", SalesNumber: 2},
		{CarModelName: "B", Brand: "X", SalesNumber: 2},
		{CarModelName: "C", Brand: "X", SalesNumber: 1},
	}, top)

	top, err = l.TopModelsBySales(ctx, 2)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, "A", top[0].CarModelName)
	assert.Equal(t, "B", top[1].CarModelName)

	// a reverted sale stops counting
	_, err = l.RevertSale(ctx, "S0")
	require.NoError(t, err)
	top, err = l.TopModelsBySales(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []inventory.ModelSaleStats{{CarModelName: "B", Brand: "X", SalesNumber: 2}}, top)
}

func TestTopModelsUsesConfiguredLimit(t *testing.T) {
	ctx := context.Background()
	l := openLedgerWith(t, Config{DataPath: t.TempDir(), TopModelsLimit: 1}, nil, nil)
	seed(t, l)
	_, err := l.SellCar(ctx, sale("S1", "V1", 1))
	require.NoError(t, err)

	top, err := l.TopModelsBySales(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, top, 1)
}

func TestStateSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	l := openLedger(t, dir)
	seed(t, l)
	_, err := l.SellCar(ctx, sale("S1", "V1", 39000))
	require.NoError(t, err)
	_, err = l.UpdateVIN(ctx, "V1", "V2")
	require.NoError(t, err)
	require.NoError(t, l.Close())

	l = openLedger(t, dir)
	info, err := l.GetCarInfo(ctx, "V2")
	require.NoError(t, err)
	assert.Equal(t, inventory.Sold, info.Status)
	require.NotNil(t, info.SalesCost)
	assert.True(t, info.SalesCost.Equal(decimal.NewFromInt(39000)))

	_, err = l.SellCar(ctx, sale("S1", "V2", 1))
	assert.True(t, errors.Is(err, inventory.ErrDuplicateSale))

	// index files hold exactly one line per key
	raw, err := os.ReadFile(filepath.Join(dir, carsIndex))
	require.NoError(t, err)
	assert.Regexp(t, `^V2:\d+\n$`, string(raw))
}

func TestCancelledContextChangesNothing(t *testing.T) {
	l := openLedger(t, t.TempDir())
	seed(t, l)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := l.SellCar(ctx, sale("S1", "V1", 1))
	assert.True(t, errors.Is(err, context.Canceled))

	info, err := l.GetCarInfo(context.Background(), "V1")
	require.NoError(t, err)
	assert.Equal(t, inventory.Available, info.Status)
}

func TestEventsFollowCommits(t *testing.T) {
	ctx := context.Background()
	sink := &recordingSink{}
	l := openLedgerWith(t, Config{DataPath: t.TempDir()}, nil, sink)
	seed(t, l)

	_, err := l.SellCar(ctx, sale("S1", "V1", 1))
	require.NoError(t, err)
	_, err = l.SellCar(ctx, sale("S2", "V1", 1))
	require.Error(t, err)
	_, err = l.RevertSale(ctx, "S1")
	require.NoError(t, err)
	_, err = l.UpdateVIN(ctx, "V1", "V2")
	require.NoError(t, err)

	assert.Equal(t, []inventory.EventType{
		inventory.EventModelRegistered,
		inventory.EventCarRegistered,
		inventory.EventSaleExecuted,
		inventory.EventSaleReverted,
		inventory.EventCarRekeyed,
	}, sink.types())
}

func TestSinkFailureDoesNotFailOperation(t *testing.T) {
	sink := &recordingSink{err: errors.New("outbox down")}
	metrics := monitoring.NewNoopMetrics()
	l := openLedgerWith(t, Config{DataPath: t.TempDir()}, metrics, sink)
	seed(t, l)

	assert.Equal(t, 1.0, testutil.ToFloat64(
		metrics.EventsRecorded.WithLabelValues(string(inventory.EventCarRegistered), "error")))
}

func TestConcurrentSalesAndReads(t *testing.T) {
	ctx := context.Background()
	l := openLedger(t, t.TempDir())
	_, err := l.AddModel(ctx, tesla())
	require.NoError(t, err)

	const n = 32
	for i := 0; i < n; i++ {
		_, err := l.AddCar(ctx, car(fmt.Sprintf("V%d", i), 1, 1))
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 2*n)
	for i := 0; i < n; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_, err := l.SellCar(ctx, sale(fmt.Sprintf("S%d", i), fmt.Sprintf("V%d", i), 1))
			errs <- err
		}(i)
		go func(i int) {
			defer wg.Done()
			_, err := l.GetCarInfo(ctx, fmt.Sprintf("V%d", i))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	sold, err := l.GetCars(ctx, inventory.Sold)
	require.NoError(t, err)
	assert.Len(t, sold, n)

	top, err := l.TopModelsBySales(ctx, 0)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, n, top[0].SalesNumber)
}
