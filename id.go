package relay

import (
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// NewID generates a globally unique, time-sortable UUIDv7 (RFC 9562).
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NowUnix returns current time as Unix seconds.
func NowUnix() int64 {
	return time.Now().Unix()
}

// randHex8 returns 8 hex characters of fresh randomness, used as the
// uniqueness suffix in hierarchical agent ids.
func randHex8() string {
	u := uuid.New()
	return hex.EncodeToString(u[:4])
}
