package domain

import "errors"

// ErrUnauthorized means a stored or submitted session no longer authenticates.
var ErrUnauthorized = errors.New("session is not authorized")
