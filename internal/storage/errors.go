package storage

import "errors"

// ErrNotFound is returned when no row matches a lookup
var ErrNotFound = errors.New("not found")
