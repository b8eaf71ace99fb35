package cache

import "errors"

var (
	ErrNotFound      = errors.New("entity not found")
	ErrUnknownSchema = errors.New("schema not registered")
	ErrUnknownField  = errors.New("unknown field in query")
	ErrClosed        = errors.New("store is closed")
)
