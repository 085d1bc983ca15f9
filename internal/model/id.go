package model

import (
	"strings"

	"github.com/oklog/ulid/v2"
)

// NewID generates a ULID string used as the identifier of workers, units,
// agents and qualifications.
func NewID() string {
	return ulid.Make().String()
}

// NewRequestID returns a lowercase ULID suitable for correlating a live update
// with its response when the caller did not supply one.
func NewRequestID() string {
	return strings.ToLower(ulid.Make().String())
}
