package persistence

import (
	"errors"
	"strings"
)

// ErrRollback is wrapped into errors from WithTransaction when rolling back
// the failed unit of work also failed.
var ErrRollback = errors.New("persistence: rollback failed")

// IsBusy reports whether err is a lock contention error raised by the
// database, such as SQLITE_BUSY after the busy timeout expired or a Postgres
// lock_not_available.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	return containsAny(err.Error(), []string{
		"database is locked",
		"database locked",
		"database table is locked",
		"SQLITE_BUSY",
		"SQLSTATE 55P03",
	})
}

// IsRetryable reports whether connecting may succeed on a later attempt.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if IsBusy(err) {
		return true
	}
	return containsAny(err.Error(), []string{
		"connection refused",
		"connection reset",
		"the database system is starting up",
		"i/o timeout",
		"no such host",
	})
}

func containsAny(s string, substrings []string) bool {
	for _, substr := range substrings {
		if strings.Contains(s, substr) {
			return true
		}
	}
	return false
}
