package errors

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatusCode(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{ErrInactiveNode, http.StatusServiceUnavailable},
		{fmt.Errorf("routing: %w", ErrNoBackendAvailable), http.StatusServiceUnavailable},
		{ErrInvalidInput, http.StatusBadRequest},
		{ErrRateLimited, http.StatusTooManyRequests},
		{ErrAlreadyBuilt, http.StatusConflict},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
		{New(ErrInternal, http.StatusTeapot, "custom"), http.StatusTeapot},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, HTTPStatusCode(tc.err), tc.err.Error())
	}
}

func TestAppErrorUnwrap(t *testing.T) {
	err := Newf(ErrInvalidInput, http.StatusBadRequest, "phrase %q too long", "x")
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.Contains(t, err.Error(), "too long")
}
