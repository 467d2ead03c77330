package pagination

import (
	"errors"
	"fmt"
	"strconv"
)

// Constants
const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// ErrNegativeOffset is returned for offsets below zero
var ErrNegativeOffset = errors.New("offset must not be negative")

// Window is a normalized limit/offset pair
type Window struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// ClampLimit returns def for non-positive limits and caps the rest at MaxLimit
func ClampLimit(limit, def int) int {
	if limit <= 0 {
		limit = def
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	return limit
}

// Normalize applies the default and maximum limit and rejects negative offsets
func Normalize(limit, offset int) (Window, error) {
	if offset < 0 {
		return Window{}, ErrNegativeOffset
	}
	return Window{Limit: ClampLimit(limit, DefaultLimit), Offset: offset}, nil
}

// Parse reads limit and offset query values. Empty values mean defaults.
func Parse(limitStr, offsetStr string) (Window, error) {
	limit, err := parseInt("limit", limitStr)
	if err != nil {
		return Window{}, err
	}
	offset, err := parseInt("offset", offsetStr)
	if err != nil {
		return Window{}, err
	}
	return Normalize(limit, offset)
}

func parseInt(name, raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s parameter: %w", name, err)
	}
	return v, nil
}
