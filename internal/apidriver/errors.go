package apidriver

import "errors"

// Construction-time failures.
var (
	ErrMissingName   = errors.New("apidriver: name is required")
	ErrMissingDevice = errors.New("apidriver: device is required")
)
