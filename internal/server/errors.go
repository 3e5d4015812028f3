package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/meterline/internal/carrier"
	ledgerdomain "github.com/smallbiznis/meterline/internal/ledger/domain"
	paymentdomain "github.com/smallbiznis/meterline/internal/payment/domain"
	pricingdomain "github.com/smallbiznis/meterline/internal/pricing/domain"
	ratingdomain "github.com/smallbiznis/meterline/internal/rating/domain"
	reconciliationdomain "github.com/smallbiznis/meterline/internal/reconciliation/domain"
	usagedomain "github.com/smallbiznis/meterline/internal/usage/domain"
	webhookdomain "github.com/smallbiznis/meterline/internal/webhook/domain"
	"github.com/smallbiznis/meterline/pkg/db"
	"github.com/smallbiznis/meterline/pkg/db/pagination"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrConflict           = errors.New("conflict")
	ErrInternal           = errors.New("internal_error")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrServiceUnavailable = errors.New("service_unavailable")
	ErrInvalidID          = errors.New("invalid_id")
	ErrInvalidAmount      = errors.New("invalid_amount")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

// mapError turns domain errors into generic payloads. Internal detail never crosses the boundary.
func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	if isValidationError(err) {
		code := validationErrorCode(err)
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{
					Field:   validationErrorField(code),
					Code:    code,
					Message: validationErrorMessage(code),
				},
			},
		}
	}

	switch {
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, webhookdomain.ErrInvalidSignature),
		errors.Is(err, webhookdomain.ErrSignatureMissing):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, usagedomain.ErrInsufficientBalance):
		return http.StatusPaymentRequired, errorPayload{
			Type:    "insufficient_balance",
			Message: "insufficient balance",
		}
	case errors.Is(err, ErrConflict),
		errors.Is(err, reconciliationdomain.ErrReferenceConflict),
		errors.Is(err, reconciliationdomain.ErrAmountMismatch),
		errors.Is(err, reconciliationdomain.ErrInvalidTransition),
		errors.Is(err, ledgerdomain.ErrDuplicateMovement):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: "conflict",
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, usagedomain.ErrDispatchFailed):
		return http.StatusBadGateway, errorPayload{
			Type:    "dispatch_failed",
			Message: "carrier did not accept the request",
		}
	case isTransientError(err):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "service unavailable",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

// classifyErrorForLog feeds the request logger with the payload type and the sentinel code.
func classifyErrorForLog(err error) (string, string) {
	_, payload := mapError(err)
	code := ""
	if err != nil {
		code = err.Error()
		if i := strings.Index(code, ":"); i > 0 {
			code = code[:i]
		}
	}
	return payload.Type, code
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, ErrInvalidID),
		errors.Is(err, ErrInvalidAmount),
		errors.Is(err, pagination.ErrInvalidPageToken):
		return true
	case isUsageValidationError(err),
		isRatingValidationError(err),
		isLedgerValidationError(err),
		isRechargeValidationError(err),
		isCallbackValidationError(err):
		return true
	default:
		return false
	}
}

func isUsageValidationError(err error) bool {
	return errors.Is(err, usagedomain.ErrInvalidOwner) ||
		errors.Is(err, usagedomain.ErrInvalidKind) ||
		errors.Is(err, usagedomain.ErrInvalidTarget) ||
		errors.Is(err, usagedomain.ErrInvalidCorrelation)
}

func isRatingValidationError(err error) bool {
	return errors.Is(err, ratingdomain.ErrInvalidProviderCost) ||
		errors.Is(err, ratingdomain.ErrInvalidQuantity) ||
		errors.Is(err, ratingdomain.ErrInvalidKind) ||
		errors.Is(err, ratingdomain.ErrInvalidDestination) ||
		errors.Is(err, pricingdomain.ErrInvalidKind)
}

func isLedgerValidationError(err error) bool {
	return errors.Is(err, ledgerdomain.ErrInvalidCustomer) ||
		errors.Is(err, ledgerdomain.ErrInvalidAmount) ||
		errors.Is(err, ledgerdomain.ErrInvalidKind)
}

func isRechargeValidationError(err error) bool {
	return errors.Is(err, paymentdomain.ErrInvalidOwner) ||
		errors.Is(err, paymentdomain.ErrInvalidAmount) ||
		errors.Is(err, paymentdomain.ErrInvalidPayload) ||
		errors.Is(err, paymentdomain.ErrInvalidEvent) ||
		errors.Is(err, reconciliationdomain.ErrInvalidReference) ||
		errors.Is(err, reconciliationdomain.ErrInvalidOwner) ||
		errors.Is(err, reconciliationdomain.ErrInvalidAmount)
}

func isCallbackValidationError(err error) bool {
	return errors.Is(err, carrier.ErrMissingSid) ||
		errors.Is(err, carrier.ErrUnknownStatus) ||
		errors.Is(err, carrier.ErrUnknownKind) ||
		errors.Is(err, webhookdomain.ErrInvalidEvent)
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, usagedomain.ErrNotFound),
		errors.Is(err, usagedomain.ErrUnknownResource),
		errors.Is(err, reconciliationdomain.ErrNotFound),
		errors.Is(err, ratingdomain.ErrRateUnavailable),
		errors.Is(err, webhookdomain.ErrUnknownProvider),
		errors.Is(err, paymentdomain.ErrProviderNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

// isTransientError covers failures a caller should retry; providers redeliver on 503.
func isTransientError(err error) bool {
	return errors.Is(err, ErrServiceUnavailable) ||
		errors.Is(err, context.DeadlineExceeded) ||
		db.IsRetryable(err)
}

func validationErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	default:
		code := err.Error()
		if i := strings.Index(code, ":"); i > 0 {
			code = code[:i]
		}
		return code
	}
}

func validationErrorField(code string) string {
	if code == "invalid_request" {
		return "request"
	}
	if strings.HasPrefix(code, "invalid_") {
		return strings.TrimPrefix(code, "invalid_")
	}
	return ""
}

func validationErrorMessage(code string) string {
	switch code {
	case "invalid_request":
		return "invalid request"
	default:
		return "invalid value"
	}
}
