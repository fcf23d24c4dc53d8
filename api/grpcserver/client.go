package grpcserver

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"carledger/domain/inventory"
	"carledger/service"
)

// Client calls a remote ledger. Errors carry the ledger's error kinds, so
// errors.Is(err, inventory.ErrNotFound) works on both sides of the wire.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to target without transport security. Extra options are
// applied after the defaults.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, in, out any) error {
	err := c.conn.Invoke(ctx, fullMethod(method), in, out, grpc.CallContentSubtype(codecName))
	return fromStatus(err)
}

func (c *Client) AddModel(ctx context.Context, m inventory.Model) (inventory.Model, error) {
	var out ModelResponse
	err := c.invoke(ctx, "AddModel", &AddModelRequest{Model: m}, &out)
	return out.Model, err
}

func (c *Client) AddCar(ctx context.Context, car inventory.Car) (inventory.Car, error) {
	var out CarResponse
	err := c.invoke(ctx, "AddCar", &AddCarRequest{Car: car}, &out)
	return out.Car, err
}

func (c *Client) SellCar(ctx context.Context, sale inventory.Sale) (inventory.Car, error) {
	var out CarResponse
	err := c.invoke(ctx, "SellCar", &SellCarRequest{Sale: sale}, &out)
	return out.Car, err
}

func (c *Client) GetCars(ctx context.Context, status inventory.CarStatus) ([]inventory.Car, error) {
	var out CarsResponse
	err := c.invoke(ctx, "GetCars", &GetCarsRequest{Status: status}, &out)
	return out.Cars, err
}

func (c *Client) GetCarInfo(ctx context.Context, vin string) (inventory.CarFullInfo, error) {
	var out CarInfoResponse
	err := c.invoke(ctx, "GetCarInfo", &GetCarInfoRequest{VIN: vin}, &out)
	return out.Info, err
}

func (c *Client) UpdateVIN(ctx context.Context, vin, newVIN string) (inventory.Car, error) {
	var out CarResponse
	err := c.invoke(ctx, "UpdateVIN", &UpdateVINRequest{VIN: vin, NewVIN: newVIN}, &out)
	return out.Car, err
}

func (c *Client) RevertSale(ctx context.Context, salesNumber string) (inventory.Car, error) {
	var out CarResponse
	err := c.invoke(ctx, "RevertSale", &RevertSaleRequest{SalesNumber: salesNumber}, &out)
	return out.Car, err
}

func (c *Client) TopModelsBySales(ctx context.Context, limit int) ([]inventory.ModelSaleStats, error) {
	var out TopModelsResponse
	err := c.invoke(ctx, "TopModelsBySales", &TopModelsRequest{Limit: limit}, &out)
	return out.Models, err
}

func (c *Client) Compact(ctx context.Context) ([]service.LogStats, error) {
	var out StatsResponse
	err := c.invoke(ctx, "Compact", &CompactRequest{}, &out)
	return out.Logs, err
}

func (c *Client) Stats(ctx context.Context) ([]service.LogStats, error) {
	var out StatsResponse
	err := c.invoke(ctx, "Stats", &StatsRequest{}, &out)
	return out.Logs, err
}
