package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/edgeward/edgeward/internal/apperr"
	"github.com/edgeward/edgeward/internal/caddy"
)

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{apperr.Validation("op", "bad"), http.StatusBadRequest},
		{fmt.Errorf("wrapped: %w", apperr.NotFound("op", "gone")), http.StatusNotFound},
		{apperr.Conflict("op", "taken"), http.StatusConflict},
		{apperr.External("op", true, errors.New("timeout")), http.StatusBadGateway},
		{apperr.Invariant("op", errors.New("broken")), http.StatusInternalServerError},
		{errors.New("plain"), http.StatusInternalServerError},
		{&caddy.ApplyError{Stage: caddy.StageReload, Err: errors.New("refused")}, http.StatusBadGateway},
		{&caddy.ApplyError{Stage: caddy.StageRender, Err: errors.New("db")}, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, statusFor(tc.err), tc.err.Error())
	}
}
