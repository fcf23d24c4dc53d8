package service

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carledger/domain/inventory"
)

const junkLine = "{not a record\n"

// openOverJunk opens a ledger whose logs already start with an undecodable
// line.
func openOverJunk(t *testing.T) *Ledger {
	t.Helper()
	dir := t.TempDir()
	for _, name := range []string{modelsLog, carsLog, salesLog} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(junkLine), 0o644))
	}
	return openLedger(t, dir)
}

func TestGetCarsSkipsUndecodableLines(t *testing.T) {
	ctx := context.Background()
	l := openOverJunk(t)
	seed(t, l)
	_, err := l.AddCar(ctx, car("V2", 1, 1))
	require.NoError(t, err)

	cars, err := l.GetCars(ctx, inventory.Available)
	require.NoError(t, err)
	require.Len(t, cars, 2)
	assert.Equal(t, "V1", cars[0].VIN)
	assert.Equal(t, "V2", cars[1].VIN)
}

func TestRevertScanSkipsUndecodableLines(t *testing.T) {
	ctx := context.Background()
	l := openOverJunk(t)
	seed(t, l)

	_, err := l.SellCar(ctx, sale("S1", "V1", 39000))
	require.NoError(t, err)
	_, err = l.RevertSale(ctx, "S1")
	require.NoError(t, err)
	_, err = l.SellCar(ctx, sale("S2", "V1", 38000))
	require.NoError(t, err)

	// S1 left the number index with the first revert
	_, ok := l.salesByNumber.Get("S1")
	require.False(t, ok)

	car, err := l.RevertSale(ctx, "S1")
	require.NoError(t, err)
	assert.Equal(t, inventory.Available, car.Status)

	_, err = l.RevertSale(ctx, "S404")
	assert.True(t, errors.Is(err, inventory.ErrSaleNotFound))
}

func TestTopModelsSkipsUndecodableLines(t *testing.T) {
	ctx := context.Background()
	l := openOverJunk(t)
	seed(t, l)
	_, err := l.AddCar(ctx, car("V2", 1, 1))
	require.NoError(t, err)
	_, err = l.SellCar(ctx, sale("S1", "V1", 1))
	require.NoError(t, err)
	_, err = l.SellCar(ctx, sale("S2", "V2", 1))
	require.NoError(t, err)

	top, err := l.TopModelsBySales(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []inventory.ModelSaleStats{{CarModelName: "Model3", Brand: "Tesla", SalesNumber: 2}}, top)
}

func TestGetCarInfoReportsUndecodableIndexedRecord(t *testing.T) {
	ctx := context.Background()
	l := openOverJunk(t)
	seed(t, l)

	// point V1 at the junk line
	l.cars.mu.Lock()
	l.cars.idx.Set("V1", 0)
	l.cars.mu.Unlock()

	_, err := l.GetCarInfo(ctx, "V1")
	assert.True(t, errors.Is(err, inventory.ErrCorruptRecord))

	// a scan still reaches the real record but no longer treats it as current
	cars, err := l.GetCars(ctx, inventory.Available)
	require.NoError(t, err)
	assert.Empty(t, cars)
}

func TestSalesIndexPointingAtJunkIsCorrupt(t *testing.T) {
	ctx := context.Background()
	l := openOverJunk(t)
	seed(t, l)
	_, err := l.SellCar(ctx, sale("S1", "V1", 1))
	require.NoError(t, err)

	l.sales.mu.Lock()
	l.sales.idx.Set("V1", 0)
	l.sales.mu.Unlock()

	_, err = l.GetCarInfo(ctx, "V1")
	assert.True(t, errors.Is(err, inventory.ErrCorruptRecord))

	// the sale is skipped when counting, not fatal
	top, err := l.TopModelsBySales(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, top)
}
