// Package tenant enforces tenant isolation for every read and write of the
// scheduling core. A record owned by another tenant is reported exactly like a
// missing one so callers never learn that it exists.
package tenant

import (
	"fmt"
	"strings"

	"github.com/Freeeeeet/class_scheduler/internal/apperrors"
)

// Validate checks that the caller supplied a resolved tenant id.
func Validate(tenantID string) error {
	if strings.TrimSpace(tenantID) == "" {
		return fmt.Errorf("tenant id is required: %w", apperrors.ErrInvalidInput)
	}
	return nil
}

// Owns reports whether a record stamped with ownerID belongs to callerID.
func Owns(callerID, ownerID string) bool {
	return callerID != "" && callerID == ownerID
}

// Check returns ErrNotFound when the record is not owned by the caller.
func Check(callerID, ownerID string) error {
	if !Owns(callerID, ownerID) {
		return apperrors.ErrNotFound
	}
	return nil
}
