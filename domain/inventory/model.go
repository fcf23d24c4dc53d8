package inventory

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

type CarStatus int

const (
	Available CarStatus = iota
	Reserved
	Sold
)

func (s CarStatus) String() string {
	switch s {
	case Available:
		return "available"
	case Reserved:
		return "reserved"
	case Sold:
		return "sold"
	default:
		return "unknown"
	}
}

// ParseCarStatus accepts the lower-case text form used on disk and on the wire.
func ParseCarStatus(s string) (CarStatus, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "available":
		return Available, nil
	case "reserved":
		return Reserved, nil
	case "sold":
		return Sold, nil
	default:
		return Available, errors.Wrapf(ErrInvalidArgument, "car status %q", s)
	}
}

func (s CarStatus) MarshalJSON() ([]byte, error) {
	if s < Available || s > Sold {
		return nil, errors.Errorf("invalid car status %d", int(s))
	}
	return json.Marshal(s.String())
}

func (s *CarStatus) UnmarshalJSON(b []byte) error {
	var text string
	if err := json.Unmarshal(b, &text); err != nil {
		return err
	}
	parsed, err := ParseCarStatus(text)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Model is an immutable catalog entry.
type Model struct {
	ID    int    `json:"id"`
	Name  string `json:"name"`
	Brand string `json:"brand"`
}

func (m Model) IndexKey() string {
	return ModelKey(m.ID)
}

func (m Model) Validate() error {
	if m.ID <= 0 {
		return errors.Wrapf(ErrInvalidArgument, "model id %d", m.ID)
	}
	return nil
}

// ModelKey renders a model id the way the model index stores it.
func ModelKey(id int) string {
	return strconv.Itoa(id)
}

// Car is a single unit on the lot, keyed by VIN.
type Car struct {
	VIN       string          `json:"vin"`
	Model     int             `json:"model"`
	Price     decimal.Decimal `json:"price"`
	DateStart time.Time       `json:"date_start"`
	Status    CarStatus       `json:"status"`
}

func (c Car) IndexKey() string {
	return c.VIN
}

func (c Car) Validate() error {
	if err := ValidateVIN(c.VIN); err != nil {
		return err
	}
	if c.Model <= 0 {
		return errors.Wrapf(ErrInvalidArgument, "car %s references model %d", c.VIN, c.Model)
	}
	return nil
}

// ValidateVIN rejects a vin that cannot be used as an index key.
func ValidateVIN(vin string) error {
	return validateKey("vin", vin)
}

// validateKey rejects keys that are empty, carry surrounding whitespace or
// contain the index separator.
func validateKey(what, key string) error {
	if strings.TrimSpace(key) == "" {
		return errors.Wrapf(ErrInvalidArgument, "empty %s", what)
	}
	if strings.TrimSpace(key) != key {
		return errors.Wrapf(ErrInvalidArgument, "%s %q has surrounding whitespace", what, key)
	}
	if strings.ContainsAny(key, ":\r\n") {
		return errors.Wrapf(ErrInvalidArgument, "%s %q contains a reserved character", what, key)
	}
	return nil
}

// Sale records a car leaving the lot. The primary sales index addresses a
// sale through the car it sold, so only the latest sale of a car is reachable
// by VIN.
type Sale struct {
	SalesNumber string          `json:"sales_number"`
	CarVIN      string          `json:"car_vin"`
	SalesDate   time.Time       `json:"sales_date"`
	Cost        decimal.Decimal `json:"cost"`
}

func (s Sale) IndexKey() string {
	return s.CarVIN
}

func (s Sale) NumberKey() string {
	return s.SalesNumber
}

func (s Sale) Validate() error {
	if err := validateKey("sales number", s.SalesNumber); err != nil {
		return err
	}
	if err := ValidateVIN(s.CarVIN); err != nil {
		return errors.Wrapf(err, "sale %s", s.SalesNumber)
	}
	return nil
}

// CarFullInfo is the joined view of a car, its model and its active sale.
// SalesDate and SalesCost stay nil while the car has no reachable sale.
type CarFullInfo struct {
	VIN           string           `json:"vin"`
	CarModelName  string           `json:"car_model_name"`
	CarModelBrand string           `json:"car_model_brand"`
	Price         decimal.Decimal  `json:"price"`
	DateStart     time.Time        `json:"date_start"`
	Status        CarStatus        `json:"status"`
	SalesDate     *time.Time       `json:"sales_date,omitempty"`
	SalesCost     *decimal.Decimal `json:"sales_cost,omitempty"`
}

type ModelSaleStats struct {
	CarModelName string `json:"car_model_name"`
	Brand        string `json:"brand"`
	SalesNumber  int    `json:"sales_number"`
}
