package inventory

import "github.com/pkg/errors"

// Error kinds. Every error returned by the ledger either wraps one of these
// or is an I/O failure from the underlying storage.
var (
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrCorruptRecord   = errors.New("corrupt record")
	ErrInvalidArgument = errors.New("invalid argument")
)

var (
	ErrCarNotFound    = kindError{kind: ErrNotFound, msg: "car not found"}
	ErrModelNotFound  = kindError{kind: ErrNotFound, msg: "model not found"}
	ErrSaleNotFound   = kindError{kind: ErrNotFound, msg: "sale not found"}
	ErrCarAlreadySold = kindError{kind: ErrConflict, msg: "car already sold"}
	ErrDuplicateKey   = kindError{kind: ErrConflict, msg: "duplicate key"}
	ErrDuplicateSale  = kindError{kind: ErrConflict, msg: "duplicate sales number"}
)

type kindError struct {
	kind error
	msg  string
}

func (e kindError) Error() string { return e.msg }

func (e kindError) Unwrap() error { return e.kind }
