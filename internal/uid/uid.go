// Package uid provides unique identifier generation for BleepBackup.
package uid

import (
	"github.com/google/uuid"
)

// New returns a random (version 4) UUID in its canonical string form. It is
// used for entity ids, lease tokens and temp object names.
func New() string {
	return uuid.NewString()
}

// Valid reports whether s parses as a UUID.
func Valid(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
