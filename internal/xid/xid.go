package xid

import (
	"fmt"

	"github.com/google/uuid"
)

// New returns a prefixed random identifier, e.g. "req-6f1c...".
func New(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, uuid.NewString())
}

// TempID is the client-assigned identity of a sale that has not been
// confirmed by the back office yet.
func TempID() string {
	return uuid.NewString()
}
