package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/render"

	"swarmq/internal/queue"
)

type errorResponse struct {
	Error string `json:"error"`
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, queue.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, queue.ErrInvalidTarget),
		errors.Is(err, queue.ErrInvalidParameter),
		errors.Is(err, queue.ErrNoFiles):
		return http.StatusBadRequest
	case errors.Is(err, queue.ErrTargetExists),
		errors.Is(err, queue.ErrItemRunning),
		errors.Is(err, queue.ErrDuplicateSource),
		errors.Is(err, queue.ErrBadSource):
		return http.StatusConflict
	case errors.Is(err, queue.ErrNoTree):
		return http.StatusUnprocessableEntity
	case errors.Is(err, queue.ErrManagerClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func renderError(w http.ResponseWriter, r *http.Request, err error) {
	render.Status(r, statusFor(err))
	render.JSON(w, r, errorResponse{Error: err.Error()})
}

func badRequest(w http.ResponseWriter, r *http.Request, msg string) {
	render.Status(r, http.StatusBadRequest)
	render.JSON(w, r, errorResponse{Error: msg})
}
