// Package httperr maps domain errors to HTTP responses.
package httperr

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kilianp07/qgdispatch/core/assignment"
	"github.com/kilianp07/qgdispatch/core/broker"
	"github.com/kilianp07/qgdispatch/core/requestlock"
	"github.com/kilianp07/qgdispatch/core/store"
)

// Response is the body of every error reply.
type Response struct {
	Detail string `json:"detail"`
}

// Status returns the HTTP status code matching err.
func Status(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrConflict), errors.Is(err, requestlock.ErrInProgress):
		return http.StatusConflict
	case errors.Is(err, assignment.ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, assignment.ErrRequestTimeout):
		return http.StatusRequestTimeout
	case errors.Is(err, broker.ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled):
		return 499
	}
	return http.StatusInternalServerError
}

// Detail returns the message exposed to clients.
func Detail(err error) string {
	switch Status(err) {
	case http.StatusServiceUnavailable:
		return "Message broker unavailable"
	case http.StatusInternalServerError:
		return "internal error"
	}
	return err.Error()
}

// Abort replies with the status and detail of err and records it on the
// context for the request logger.
func Abort(c *gin.Context, err error) {
	_ = c.Error(err)
	c.AbortWithStatusJSON(Status(err), Response{Detail: Detail(err)})
}

// AbortWith replies with an explicit status and detail.
func AbortWith(c *gin.Context, status int, detail string) {
	c.AbortWithStatusJSON(status, Response{Detail: detail})
}
