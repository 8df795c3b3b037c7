package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/hangarci/hangar/pkg/types"
)

// errorBody is the stable error envelope. The message never carries
// credentials, filesystem paths or stack traces.
type errorBody struct {
	Code      types.ErrorKind `json:"code"`
	Message   string          `json:"message"`
	RequestID string          `json:"request_id,omitempty"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

// respondError maps a domain error onto status + envelope. Unclassified
// errors become opaque 500s; the cause is logged by the access log
// middleware, never shown to the caller.
func respondError(c *gin.Context, err error) {
	kind := types.KindOf(err)
	status := kind.HTTPStatus()

	message := "internal error"
	var typed *types.Error
	if kind != types.KindInternal && errors.As(err, &typed) {
		message = typed.Message
	}

	body := errorEnvelope{Error: errorBody{Code: kind, Message: message}}
	if status >= http.StatusInternalServerError {
		body.Error.RequestID = requestIDFrom(c)
	}
	if status == http.StatusServiceUnavailable {
		c.Header("Retry-After", "5")
	}

	c.Error(err)
	c.AbortWithStatusJSON(status, body)
}

func badRequest(c *gin.Context, message string) {
	respondError(c, types.NewError(types.KindValidation, message))
}
