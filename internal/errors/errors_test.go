package errors_test

import (
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	vesperrs "github.com/jdholdren/vesper/internal/errors"
)

func TestEConstructor(t *testing.T) {
	got := vesperrs.E(
		"something went wrong",
		vesperrs.Field("name", "was bad"),
		http.StatusBadRequest,
	)
	want := &vesperrs.Error{
		Err: errors.New("something went wrong"),
		Details: []vesperrs.Detail{
			{Field: "name", Error: "was bad"},
		},
		Status: http.StatusBadRequest,
	}

	assert.Equal(t, want, got)
}

func TestEConstructor_Defaults(t *testing.T) {
	got := vesperrs.E(http.StatusNotFound)
	assert.EqualError(t, got, "404: Not Found")

	got = vesperrs.E()
	assert.Equal(t, http.StatusInternalServerError, got.Status)
}

func TestError_Unwrap(t *testing.T) {
	sentinel := errors.New("already exists")
	err := vesperrs.E(http.StatusConflict, sentinel)

	assert.ErrorIs(t, err, sentinel)
}

func TestError_JSON(t *testing.T) {
	byts, err := json.Marshal(vesperrs.E(http.StatusTooManyRequests, "slow down"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"message": "slow down", "details": [], "status": 429}`, string(byts))

	var got vesperrs.Error
	require.NoError(t, json.Unmarshal(byts, &got))
	assert.Equal(t, http.StatusTooManyRequests, got.Status)
	assert.EqualError(t, got.Err, "slow down")
}
