// Package apierror maps Go errors onto the JSON error envelope and HTTP
// status the browser app sees.
package apierror

import (
	"context"
	"errors"
	"net/http"

	"github.com/vango-go/vai-voice/pkg/core"
	"github.com/vango-go/vai-voice/pkg/gateway/github"
	"github.com/vango-go/vai-voice/pkg/gateway/journal"
)

type Envelope struct {
	Error *core.Error `json:"error"`
}

var statusByType = map[core.ErrorType]int{
	core.ErrInvalidRequest: http.StatusBadRequest,
	core.ErrAuthentication: http.StatusUnauthorized,
	core.ErrPermission:     http.StatusForbidden,
	core.ErrNotFound:       http.StatusNotFound,
	core.ErrRateLimit:      http.StatusTooManyRequests,
	core.ErrOverloaded:     http.StatusServiceUnavailable,
	core.ErrUpstream:       http.StatusBadGateway,
	core.ErrAPI:            http.StatusInternalServerError,
}

// StatusFor returns the HTTP status for an error type; unknown types are 500.
func StatusFor(t core.ErrorType) int {
	if status, ok := statusByType[t]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// GitHub statuses that keep their meaning for the caller. Anything else is an
// upstream failure.
var githubTypes = map[int]core.ErrorType{
	http.StatusUnauthorized:    core.ErrAuthentication,
	http.StatusForbidden:       core.ErrPermission,
	http.StatusNotFound:        core.ErrNotFound,
	http.StatusTooManyRequests: core.ErrRateLimit,
}

// FromError converts err into an envelope error stamped with requestID.
// Unrecognized errors become a bare 500 so internals never reach the client.
func FromError(err error, requestID string) (*core.Error, int) {
	if err == nil {
		return nil, http.StatusOK
	}

	var (
		coreErr *core.Error
		ghErr   *github.Error
		out     *core.Error
		status  int
	)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		out = &core.Error{Type: core.ErrAPI, Message: "request timeout", Code: "timeout"}
		status = http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		out = &core.Error{Type: core.ErrAPI, Message: "request cancelled", Code: "cancelled"}
		status = http.StatusRequestTimeout
	case errors.As(err, &coreErr) && coreErr != nil:
		copied := *coreErr
		out = &copied
	case errors.Is(err, journal.ErrNotFound):
		out = &core.Error{Type: core.ErrNotFound, Message: "voice session not found"}
	case errors.As(err, &ghErr) && ghErr != nil:
		t, ok := githubTypes[ghErr.Status]
		if !ok {
			t = core.ErrUpstream
		}
		out = &core.Error{
			Type:     t,
			Message:  ghErr.Message,
			Upstream: map[string]any{"service": "github", "status": ghErr.Status, "message": ghErr.Message},
		}
	default:
		out = &core.Error{Type: core.ErrAPI, Message: "internal error"}
	}
	out.RequestID = requestID
	if status == 0 {
		status = StatusFor(out.Type)
	}
	return out, status
}
