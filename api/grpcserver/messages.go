package grpcserver

import (
	"carledger/domain/inventory"
	"carledger/service"
)

type AddModelRequest struct {
	Model inventory.Model `json:"model"`
}

type ModelResponse struct {
	Model inventory.Model `json:"model"`
}

type AddCarRequest struct {
	Car inventory.Car `json:"car"`
}

type CarResponse struct {
	Car inventory.Car `json:"car"`
}

type SellCarRequest struct {
	Sale inventory.Sale `json:"sale"`
}

type GetCarsRequest struct {
	Status inventory.CarStatus `json:"status"`
}

type CarsResponse struct {
	Cars []inventory.Car `json:"cars"`
}

type GetCarInfoRequest struct {
	VIN string `json:"vin"`
}

type CarInfoResponse struct {
	Info inventory.CarFullInfo `json:"info"`
}

type UpdateVINRequest struct {
	VIN    string `json:"vin"`
	NewVIN string `json:"new_vin"`
}

type RevertSaleRequest struct {
	SalesNumber string `json:"sales_number"`
}

// TopModelsRequest asks for the best selling models. Zero means the
// server's configured limit.
type TopModelsRequest struct {
	Limit int `json:"limit"`
}

type TopModelsResponse struct {
	Models []inventory.ModelSaleStats `json:"models"`
}

type CompactRequest struct{}

type StatsRequest struct{}

type StatsResponse struct {
	Logs []service.LogStats `json:"logs"`
}
