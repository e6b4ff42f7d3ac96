package audit

import "errors"

var (
	ErrInvalidConfig = errors.New("audit: invalid config")
	ErrNotFound      = errors.New("audit: session not found")
	ErrClosed        = errors.New("audit: store closed")
)
