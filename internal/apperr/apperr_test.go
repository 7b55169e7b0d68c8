package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindSentinelsMatchThroughWrapping(t *testing.T) {
	err := fmt.Errorf("create borrowing: %w", OutOfStock("book %d has no copies", 7))

	assert.ErrorIs(t, err, ErrOutOfStock)
	assert.NotErrorIs(t, err, ErrConflict)
	assert.Equal(t, KindOutOfStock, KindOf(err))
}

func TestConflictCarriesSessionURL(t *testing.T) {
	err := fmt.Errorf("request return: %w", Conflict("https://pay.example/s/1", "pay first"))

	assert.Equal(t, "https://pay.example/s/1", SessionURLOf(err))
	assert.Equal(t, http.StatusConflict, HTTPStatus(err))
}

func TestGatewayUnwrapsCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := Gateway(cause, "open session")

	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, ErrGateway)
	assert.Equal(t, http.StatusBadGateway, HTTPStatus(err))
}

func TestHTTPStatusOfPlainError(t *testing.T) {
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(errors.New("boom")))
	assert.Equal(t, Kind(""), KindOf(errors.New("boom")))
}

func TestIsMatchesKind(t *testing.T) {
	err := fmt.Errorf("update: %w", Validation("bad date"))
	assert.True(t, Is(err, KindValidation))
	assert.False(t, Is(err, KindState))
	assert.False(t, Is(nil, KindValidation))
}
