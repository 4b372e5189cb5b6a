package util

import (
	"strings"

	"github.com/google/uuid"
)

// ShortID returns a truncated ID string, safely handling IDs shorter than 8 characters
func ShortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// NewActionID returns a fresh 12-character action ID for outbound remarks.
func NewActionID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
