package utils

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

type mockCloser struct {
	shouldFail bool
	closed     bool
}

func (m *mockCloser) Close() error {
	m.closed = true
	if m.shouldFail {
		return errors.New("mock close error")
	}
	return nil
}

func TestCloseAndLog(t *testing.T) {
	assert.NotPanics(t, func() { CloseAndLog(nil) })
	for _, fail := range []bool{false, true} {
		closer := &mockCloser{shouldFail: fail}
		assert.NotPanics(t, func() { CloseAndLog(closer) })
		assert.True(t, closer.closed)
	}
}
