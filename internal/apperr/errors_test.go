package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsMatchesByKind(t *testing.T) {
	err := fmt.Errorf("wrap: %w", NotFound("message not found"))

	assert.True(t, errors.Is(err, ErrNotFound))
	assert.False(t, errors.Is(err, ErrForbidden))
	assert.Equal(t, KindNotFound, KindOf(err))
}

func TestPublicHidesInternal(t *testing.T) {
	err := Internal(errors.New("pq: connection refused"))

	assert.Equal(t, "internal error", Public(err))
	assert.Equal(t, "internal error", Public(errors.New("raw")))
	assert.Equal(t, "not a participant", Public(Forbidden("not a participant")))
	assert.Equal(t, KindInternal, KindOf(errors.New("raw")))
	assert.ErrorContains(t, err, "connection refused")
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusUnauthorized, HTTPStatus(KindAuth))
	assert.Equal(t, http.StatusNotFound, HTTPStatus(KindNotFound))
	assert.Equal(t, http.StatusForbidden, HTTPStatus(KindForbidden))
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(KindInvalidOperation))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(KindInternal))
}
