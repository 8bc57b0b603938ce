// Package tokencache persists stage-keyed credential records with expiry
// metadata. The pipeline reads a record before every exchange call and writes
// a fresh one after every successful exchange; records are replaced whole,
// never merged field by field.
package tokencache

import (
	"context"
	"time"
)

// Stage identifiers for the records the pipeline persists.
const (
	StageMSAAccess  = "msa_access"
	StageMSARefresh = "msa_refresh"
	StageXBL3       = "xbl3"
)

// Record is one cached credential stage.
type Record struct {
	Secret     string `json:"secret"`
	UserHandle string `json:"user_handle,omitempty"`
	// ExpiresOn is a unix timestamp in seconds. Zero means no expiry.
	ExpiresOn int64 `json:"expires_on,omitempty"`
}

// Valid reports whether the record holds a secret that is not expired at now.
// A record expiring exactly at now counts as expired.
func (r Record) Valid(now time.Time) bool {
	if r.Secret == "" {
		return false
	}
	if r.ExpiresOn == 0 {
		return true
	}
	return now.Unix() < r.ExpiresOn
}

// ExpiryIn returns the unix expiry for a record valid for d from now.
func ExpiryIn(now time.Time, d time.Duration) int64 {
	return now.Add(d).Unix()
}

// Store abstracts the credential cache backend. Get is a non-blocking lookup
// for the in-process backends; Put replaces only the given stage key and
// attempts a durable write. A Put error means the durable write degraded; the
// in-memory (or remote) view is still the source of truth for the process and
// callers log the error rather than failing their own operation.
type Store interface {
	Get(ctx context.Context, stage string) (Record, bool)
	Put(ctx context.Context, stage string, rec Record) error
	Close() error
}
