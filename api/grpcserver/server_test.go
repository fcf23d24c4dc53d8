package grpcserver

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"carledger/domain/inventory"
	"carledger/infra/monitoring"
	"carledger/service"
)

const bufSize = 1024 * 1024

func newTestClient(t *testing.T) *Client {
	t.Helper()
	logger, _ := test.NewNullLogger()
	metrics := monitoring.NewNoopMetrics()

	ledger, err := service.Open(context.Background(), service.Config{DataPath: t.TempDir()}, logger, metrics, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })

	lis := bufconn.Listen(bufSize)
	srv := grpc.NewServer(grpc.UnaryInterceptor(UnaryInterceptor(logger, metrics, time.Second)))
	Register(srv, NewServer(ledger))
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	client, err := Dial("passthrough:///bufnet", grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestLedgerOverGRPC(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)

	m, err := c.AddModel(ctx, inventory.Model{ID: 1, Name: "Model3", Brand: "Tesla"})
	require.NoError(t, err)
	assert.Equal(t, "Model3", m.Name)

	_, err = c.AddCar(ctx, inventory.Car{
		VIN:       "V1",
		Model:     1,
		Price:     decimal.RequireFromString("40000.50"),
		DateStart: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	car, err := c.SellCar(ctx, inventory.Sale{
		SalesNumber: "S1",
		CarVIN:      "V1",
		SalesDate:   time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC),
		Cost:        decimal.NewFromInt(39000),
	})
	require.NoError(t, err)
	assert.Equal(t, inventory.Sold, car.Status)

	info, err := c.GetCarInfo(ctx, "V1")
	require.NoError(t, err)
	assert.True(t, info.Price.Equal(decimal.RequireFromString("40000.50")))
	require.NotNil(t, info.SalesCost)
	assert.True(t, info.SalesCost.Equal(decimal.NewFromInt(39000)))

	sold, err := c.GetCars(ctx, inventory.Sold)
	require.NoError(t, err)
	require.Len(t, sold, 1)

	top, err := c.TopModelsBySales(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []inventory.ModelSaleStats{{CarModelName: "Model3", Brand: "Tesla", SalesNumber: 1}}, top)

	car, err = c.UpdateVIN(ctx, "V1", "V2")
	require.NoError(t, err)
	assert.Equal(t, "V2", car.VIN)

	car, err = c.RevertSale(ctx, "S1")
	require.NoError(t, err)
	assert.Equal(t, inventory.Available, car.Status)

	logs, err := c.Compact(ctx)
	require.NoError(t, err)
	require.Len(t, logs, 3)
	for _, l := range logs {
		assert.Zero(t, l.Garbage, l.Entity)
	}
}

func TestErrorKindsCrossTheWire(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)

	_, err := c.GetCarInfo(ctx, "missing")
	assert.True(t, errors.Is(err, inventory.ErrNotFound))

	_, err = c.AddModel(ctx, inventory.Model{ID: 0})
	assert.True(t, errors.Is(err, inventory.ErrInvalidArgument))

	_, err = c.AddModel(ctx, inventory.Model{ID: 1})
	require.NoError(t, err)
	_, err = c.AddModel(ctx, inventory.Model{ID: 1})
	assert.True(t, errors.Is(err, inventory.ErrConflict))
}

func TestToStatus(t *testing.T) {
	for _, tc := range []struct {
		err  error
		code codes.Code
	}{
		{errors.Wrap(inventory.ErrCarNotFound, "vin V1"), codes.NotFound},
		{errors.Wrap(inventory.ErrCarAlreadySold, "vin V1"), codes.FailedPrecondition},
		{errors.Wrap(inventory.ErrDuplicateKey, "vin V1"), codes.AlreadyExists},
		{errors.Wrap(inventory.ErrInvalidArgument, "empty vin"), codes.InvalidArgument},
		{errors.Wrap(inventory.ErrCorruptRecord, "cars.txt@0"), codes.DataLoss},
		{errors.Wrap(service.ErrHalted, "disk full"), codes.Unavailable},
		{context.DeadlineExceeded, codes.DeadlineExceeded},
		{errors.New("boom"), codes.Internal},
	} {
		assert.Equal(t, tc.code, status.Code(toStatus(tc.err)), tc.err.Error())
	}
	assert.NoError(t, toStatus(nil))
}
