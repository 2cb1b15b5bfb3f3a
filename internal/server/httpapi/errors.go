package httpapi

import (
	"errors"
	"net/http"

	"github.com/dmitrijs2005/paykeeper/internal/common"
	"github.com/gin-gonic/gin"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    common.Kind `json:"code"`
	Message string      `json:"message"`
}

// statusFor maps an error kind to its HTTP status.
func statusFor(k common.Kind) int {
	switch k {
	case common.KindValidation:
		return http.StatusBadRequest
	case common.KindIntegrity, common.KindFormat:
		return http.StatusUnprocessableEntity
	case common.KindExpired:
		return http.StatusGone
	case common.KindPrincipalMismatch:
		return http.StatusForbidden
	case common.KindMalformedToken, common.KindUnauthorized:
		return http.StatusUnauthorized
	case common.KindInvalidState:
		return http.StatusConflict
	case common.KindNotFound:
		return http.StatusNotFound
	case common.KindStorage:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// safeMessage never echoes internal error text, except for validation
// errors, which only name the rejected field.
func safeMessage(err error, k common.Kind) string {
	var ve *common.ValidationError
	if errors.As(err, &ve) {
		return ve.Error()
	}

	switch k {
	case common.KindValidation:
		return "invalid request"
	case common.KindIntegrity:
		return "payment data failed verification"
	case common.KindFormat:
		return "payment data is malformed"
	case common.KindExpired:
		return "intent or token has expired"
	case common.KindPrincipalMismatch:
		return "token does not authorize this request"
	case common.KindMalformedToken:
		return "token is invalid"
	case common.KindUnauthorized:
		return "authentication required"
	case common.KindInvalidState:
		return "intent cannot be advanced in its current state"
	case common.KindNotFound:
		return "intent not found"
	case common.KindStorage:
		return "service temporarily unavailable, retry later"
	default:
		return "internal error"
	}
}

func writeError(c *gin.Context, err error) {
	k := common.KindOf(err)
	c.AbortWithStatusJSON(statusFor(k), errorBody{Error: errorDetail{Code: k, Message: safeMessage(err, k)}})
}
