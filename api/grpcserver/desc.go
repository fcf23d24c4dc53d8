package grpcserver

import (
	"context"

	"google.golang.org/grpc"
)

const serviceName = "carledger.v1.Ledger"

// LedgerServer is the server side of carledger.v1.Ledger.
type LedgerServer interface {
	AddModel(context.Context, *AddModelRequest) (*ModelResponse, error)
	AddCar(context.Context, *AddCarRequest) (*CarResponse, error)
	SellCar(context.Context, *SellCarRequest) (*CarResponse, error)
	GetCars(context.Context, *GetCarsRequest) (*CarsResponse, error)
	GetCarInfo(context.Context, *GetCarInfoRequest) (*CarInfoResponse, error)
	UpdateVIN(context.Context, *UpdateVINRequest) (*CarResponse, error)
	RevertSale(context.Context, *RevertSaleRequest) (*CarResponse, error)
	TopModelsBySales(context.Context, *TopModelsRequest) (*TopModelsResponse, error)
	Compact(context.Context, *CompactRequest) (*StatsResponse, error)
	Stats(context.Context, *StatsRequest) (*StatsResponse, error)
}

var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*LedgerServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("AddModel", LedgerServer.AddModel),
		unary("AddCar", LedgerServer.AddCar),
		unary("SellCar", LedgerServer.SellCar),
		unary("GetCars", LedgerServer.GetCars),
		unary("GetCarInfo", LedgerServer.GetCarInfo),
		unary("UpdateVIN", LedgerServer.UpdateVIN),
		unary("RevertSale", LedgerServer.RevertSale),
		unary("TopModelsBySales", LedgerServer.TopModelsBySales),
		unary("Compact", LedgerServer.Compact),
		unary("Stats", LedgerServer.Stats),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "carledger/v1/ledger",
}

// Register attaches srv to s.
func Register(s grpc.ServiceRegistrar, srv LedgerServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func fullMethod(method string) string {
	return "/" + serviceName + "/" + method
}

func unary[Req, Resp any](method string, call func(LedgerServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(LedgerServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: fullMethod(method),
			}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(LedgerServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}
