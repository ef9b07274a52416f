package id

import (
	"strings"

	"github.com/google/uuid"
)

// UUID generates a new random UUID string.
func UUID() string {
	return uuid.NewString()
}

// UUIDWithoutDashes generates a new UUID with the dashes stripped.
func UUIDWithoutDashes() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
