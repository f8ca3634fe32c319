package dfmerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindDispatchesEachErrorType(t *testing.T) {
	cases := []struct {
		err  error
		kind string
	}{
		{NewDataError("bad graph"), "DataError"},
		{NewServerError("internal failure"), "ServerError"},
		{NewAuthError("missing header"), "AuthError"},
		{NewPartialError("no viable branch"), "PartialError"},
		{NewTimeoutError("exceeded limit"), "TimeoutError"},
	}
	for _, c := range cases {
		assert.Equal(t, c.kind, Kind(c.err))
	}
}

func TestKindDefaultsToServerErrorForUnhandledError(t *testing.T) {
	assert.Equal(t, "ServerError", Kind(errors.New("plain")))
}

func TestErrorMessagesIncludeKindPrefix(t *testing.T) {
	assert.Equal(t, "data error: bad graph", NewDataError("bad graph").Error())
	assert.Equal(t, "server error: oops", NewServerError("oops").Error())
	assert.Equal(t, "auth error: nope", NewAuthError("nope").Error())
	assert.Equal(t, "partial error: sad", NewPartialError("sad").Error())
	assert.Equal(t, "timeout error: slow", NewTimeoutError("slow").Error())
}

func TestFormatArgsAreInterpolated(t *testing.T) {
	err := NewDataError("node %s missing input %q", "abc", "lhs")
	assert.Equal(t, `data error: node abc missing input "lhs"`, err.Error())
}

func TestWrapDataErrorUnwraps(t *testing.T) {
	cause := errors.New("root cause")
	wrapped := WrapDataError(cause, "decode failed")
	assert.True(t, errors.Is(wrapped, cause))
	assert.Equal(t, "DataError", Kind(wrapped))
}

func TestWrapServerErrorUnwraps(t *testing.T) {
	cause := errors.New("root cause")
	wrapped := WrapServerError(cause, "adapter panicked")
	assert.True(t, errors.Is(wrapped, cause))
	assert.Equal(t, "ServerError", Kind(wrapped))
}

func TestPlainConstructorsHaveNilUnwrap(t *testing.T) {
	err := NewDataError("no cause")
	assert.Nil(t, err.Unwrap())
}
