package jobs

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Job is a scheduled unit of work. The dedup key guarantees at most one
// pending job per (kind, entity): re-enqueueing the same key replaces
// the pending job instead of duplicating it.
type Job struct {
	Kind       string          `json:"kind"`
	Key        string          `json:"key"`
	Payload    json.RawMessage `json:"payload"`
	Attempt    int             `json:"attempt"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// KindOfKey extracts the job kind from a dedup key ("kind:entity...").
func KindOfKey(key string) string {
	if i := strings.IndexByte(key, ':'); i > 0 {
		return key[:i]
	}
	return key
}

// permanentError marks a failure that retrying cannot fix, such as a
// listing referencing a bidder with no bid record. The worker dead-letters
// the job immediately instead of burning attempts.
type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return "permanent: " + p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent wraps err so the worker skips retries and dead-letters the
// job for operator inspection.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped by Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
