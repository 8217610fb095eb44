// Package utils contains small helpers shared by the routing, merge and
// execution packages.
package utils

import (
	"errors"
	"log/slog"
	"strings"
)

// ErrInErr is called when an error is encountered while already
// handling another error. There is nothing useful to do with it
// except log it.
func ErrInErr(err error) {
	if err != nil {
		slog.Error("error in error handling", "error", err)
	}
}

// CloseAll closes every closer in order, even when an earlier one fails,
// and returns the joined errors.
func CloseAll(closers ...Closer) error {
	var errs []error
	for _, c := range closers {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// StripQualifier removes a table or schema qualifier from a column
// reference, i.e. "o.user_id" becomes "user_id".
func StripQualifier(column string) string {
	if i := strings.LastIndex(column, "."); i >= 0 {
		return column[i+1:]
	}
	return column
}
