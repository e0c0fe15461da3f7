package msgstore

import (
	"strings"
	"time"
)

const writeRetryBackoff = 20 * time.Millisecond

// isConflictError reports whether err is a transient sqlite contention
// error (the writer lock held by WAL checkpointing or another
// in-process connection) rather than a genuine schema or constraint
// failure worth surfacing immediately.
func isConflictError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// withWriteRetry runs fn once, and again after a short backoff if the
// first attempt failed with a transient conflict. writeMu already
// serializes this process's own writers, so a conflict here means an
// external connection (a backup tool, a concurrent CLI invocation
// against the same file) is holding the lock.
func withWriteRetry(fn func() error) error {
	err := fn()
	if err != nil && isConflictError(err) {
		time.Sleep(writeRetryBackoff)
		err = fn()
	}
	return err
}
