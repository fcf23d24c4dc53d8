package recordlog

import (
	"bytes"
	"encoding/json"

	"github.com/pkg/errors"
)

// Codec turns a record into a single line and back. Encoded output must not
// contain a newline.
type Codec[T any] interface {
	Encode(T) ([]byte, error)
	Decode([]byte) (T, error)
}

type JSONCodec[T any] struct{}

func (JSONCodec[T]) Encode(v T) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONCodec[T]) Decode(b []byte) (T, error) {
	var v T
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		return v, errors.Wrap(ErrCorruptRecord, err.Error())
	}
	if dec.More() {
		return v, errors.Wrap(ErrCorruptRecord, "trailing data after record")
	}
	return v, nil
}
