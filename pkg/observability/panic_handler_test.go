package observability

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecoverPanic(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(InfoLevel, &buf)

	assert.NotPanics(t, func() {
		defer RecoverPanic(logger, "reservation sweep")
		panic("nil reservation")
	})

	entry := decodeEntry(t, &buf)
	assert.Equal(t, "PANIC recovered", entry["msg"])
	assert.Equal(t, "nil reservation", entry["panic"])
	assert.Equal(t, "reservation sweep", entry["context"])
	assert.NotEmpty(t, entry["stack"])
}

func TestRecoverPanic_NoPanic(t *testing.T) {
	var buf bytes.Buffer
	func() {
		defer RecoverPanic(NewLogger(InfoLevel, &buf), "quiet")
	}()
	assert.Zero(t, buf.Len())
}

func TestRecoverPanicWithCallback(t *testing.T) {
	var got error
	func() {
		defer RecoverPanicWithCallback(NopLogger(), "worker", func(err error) { got = err })
		panic(errors.New("boom"))
	}()
	require.Error(t, got)
	assert.EqualError(t, got, "panic: boom")

	called := false
	func() {
		defer RecoverPanicWithCallback(nil, "worker", func(error) { called = true })
	}()
	assert.False(t, called)
}

func TestPanicError(t *testing.T) {
	assert.NoError(t, PanicError(nil))
	assert.EqualError(t, PanicError("bad state"), "panic: bad state")

	cause := errors.New("closed")
	assert.ErrorIs(t, PanicError(cause), cause)
}
