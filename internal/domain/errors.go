package domain

import "errors"

// ErrNotFound is returned by stores for unknown ids.
var ErrNotFound = errors.New("not found")
