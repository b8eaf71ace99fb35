package types

import "errors"

var (
	ErrInvalidSchema = errors.New("invalid entity schema")
	ErrMissingID     = errors.New("entity has no id")
)
