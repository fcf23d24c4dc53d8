// Package grpcserver exposes the ledger over gRPC. Messages travel as JSON
// through a codec registered with grpc/encoding, so the service needs no
// generated code: the descriptor in desc.go is written by hand.
package grpcserver

import (
	"context"

	"carledger/service"
)

// Server adapts the ledger service to LedgerServer.
type Server struct {
	ledger *service.Ledger
}

func NewServer(ledger *service.Ledger) *Server {
	return &Server{ledger: ledger}
}

// -------------------- Commands --------------------

func (s *Server) AddModel(ctx context.Context, req *AddModelRequest) (*ModelResponse, error) {
	m, err := s.ledger.AddModel(ctx, req.Model)
	if err != nil {
		return nil, toStatus(err)
	}
	return &ModelResponse{Model: m}, nil
}

func (s *Server) AddCar(ctx context.Context, req *AddCarRequest) (*CarResponse, error) {
	c, err := s.ledger.AddCar(ctx, req.Car)
	if err != nil {
		return nil, toStatus(err)
	}
	return &CarResponse{Car: c}, nil
}

func (s *Server) SellCar(ctx context.Context, req *SellCarRequest) (*CarResponse, error) {
	c, err := s.ledger.SellCar(ctx, req.Sale)
	if err != nil {
		return nil, toStatus(err)
	}
	return &CarResponse{Car: c}, nil
}

func (s *Server) UpdateVIN(ctx context.Context, req *UpdateVINRequest) (*CarResponse, error) {
	c, err := s.ledger.UpdateVIN(ctx, req.VIN, req.NewVIN)
	if err != nil {
		return nil, toStatus(err)
	}
	return &CarResponse{Car: c}, nil
}

func (s *Server) RevertSale(ctx context.Context, req *RevertSaleRequest) (*CarResponse, error) {
	c, err := s.ledger.RevertSale(ctx, req.SalesNumber)
	if err != nil {
		return nil, toStatus(err)
	}
	return &CarResponse{Car: c}, nil
}

func (s *Server) Compact(ctx context.Context, _ *CompactRequest) (*StatsResponse, error) {
	if err := s.ledger.Compact(ctx); err != nil {
		return nil, toStatus(err)
	}
	return s.Stats(ctx, &StatsRequest{})
}

// -------------------- Queries --------------------

func (s *Server) GetCars(ctx context.Context, req *GetCarsRequest) (*CarsResponse, error) {
	cars, err := s.ledger.GetCars(ctx, req.Status)
	if err != nil {
		return nil, toStatus(err)
	}
	return &CarsResponse{Cars: cars}, nil
}

func (s *Server) GetCarInfo(ctx context.Context, req *GetCarInfoRequest) (*CarInfoResponse, error) {
	info, err := s.ledger.GetCarInfo(ctx, req.VIN)
	if err != nil {
		return nil, toStatus(err)
	}
	return &CarInfoResponse{Info: info}, nil
}

func (s *Server) TopModelsBySales(ctx context.Context, req *TopModelsRequest) (*TopModelsResponse, error) {
	stats, err := s.ledger.TopModelsBySales(ctx, req.Limit)
	if err != nil {
		return nil, toStatus(err)
	}
	return &TopModelsResponse{Models: stats}, nil
}

func (s *Server) Stats(ctx context.Context, _ *StatsRequest) (*StatsResponse, error) {
	logs, err := s.ledger.Stats(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return &StatsResponse{Logs: logs}, nil
}
