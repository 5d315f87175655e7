package penguin

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewID generates a globally unique, time-sortable UUIDv7 (RFC 9562).
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// newPrefixedID generates a wire-event id: the prefix ("msg", "part"),
// an underscore, and a dash-free UUIDv7. Only the PartEventAdapter
// mints these.
func newPrefixedID(prefix string) string {
	return prefix + "_" + strings.ReplaceAll(NewID(), "-", "")
}

// NowUnix returns current time as Unix seconds.
func NowUnix() int64 {
	return time.Now().Unix()
}
