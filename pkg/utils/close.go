package utils

import "log/slog"

// Closer is anything with a Close() error method: shard sessions,
// cursors, *sql.DB pools and *sql.Conn.
type Closer interface {
	Close() error
}

// CloseAndLog closes a resource and logs the error, if any.
// Example: defer utils.CloseAndLog(session)
func CloseAndLog(closer Closer) {
	if closer == nil {
		return
	}
	if err := closer.Close(); err != nil {
		slog.Error("deferred close failed", "error", err)
	}
}
