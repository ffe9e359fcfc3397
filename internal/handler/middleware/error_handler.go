package middleware

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/makkenzo/key-fulfillment-service/internal/handler/dto"
	"github.com/makkenzo/key-fulfillment-service/internal/ierr"
	"go.uber.org/zap"
)

func ErrorHandlerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	log := logger.Named("ErrorHandler")
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}

		err := c.Errors.Last().Err
		status, errResponse := mapError(err)
		if status >= http.StatusInternalServerError {
			log.Error("Request failed", zap.String("path", c.FullPath()), zap.Error(err))
		} else {
			log.Warn("Request rejected", zap.String("path", c.FullPath()), zap.Int("status", status), zap.Error(err))
		}

		c.AbortWithStatusJSON(status, errResponse)
	}
}

func mapError(err error) (int, dto.APIErrorResponse) {
	var ve validator.ValidationErrors
	if errors.As(err, &ve) {
		return http.StatusBadRequest, dto.APIErrorResponse{
			Code:    dto.CodeValidation,
			Message: "Input validation failed.",
			Details: buildValidationErrors(ve),
		}
	}

	switch {
	case errors.Is(err, ierr.ErrValidation):
		return http.StatusBadRequest, dto.APIErrorResponse{Code: dto.CodeValidation, Message: err.Error()}
	case errors.Is(err, ierr.ErrUnauthorized), errors.Is(err, ierr.ErrInvalidToken), errors.Is(err, ierr.ErrTokenInvalidClaims):
		return http.StatusUnauthorized, dto.APIErrorResponse{Code: dto.CodeUnauthenticated, Message: "Authentication required or failed."}
	case errors.Is(err, ierr.ErrForbidden), errors.Is(err, ierr.ErrAPIKeyNotFound):
		return http.StatusForbidden, dto.APIErrorResponse{Code: dto.CodeForbidden, Message: "Access denied."}
	case errors.Is(err, ierr.ErrNotFound):
		return http.StatusNotFound, dto.APIErrorResponse{Code: dto.CodeNotFound, Message: "The requested resource was not found."}
	case errors.Is(err, ierr.ErrInvalidTransition):
		return http.StatusConflict, dto.APIErrorResponse{Code: dto.CodeInvalidTransition, Message: err.Error()}
	case errors.Is(err, ierr.ErrAlreadyClaimed), errors.Is(err, ierr.ErrOrderLocked):
		return http.StatusConflict, dto.APIErrorResponse{Code: dto.CodeBusy, Message: err.Error()}
	case errors.Is(err, ierr.ErrConflict), errors.Is(err, ierr.ErrDuplicateKeyCode):
		return http.StatusConflict, dto.APIErrorResponse{Code: dto.CodeConflict, Message: err.Error()}
	case errors.Is(err, ierr.ErrProvidersExhausted), errors.Is(err, ierr.ErrProvider):
		return http.StatusBadGateway, dto.APIErrorResponse{Code: dto.CodeProviderUnavailable, Message: "No key provider could serve the request."}
	default:
		return http.StatusInternalServerError, dto.APIErrorResponse{Code: dto.CodeInternal, Message: "An unexpected error occurred."}
	}
}

func buildValidationErrors(ve validator.ValidationErrors) []dto.FieldError {
	details := make([]dto.FieldError, len(ve))
	for i, fe := range ve {
		details[i] = dto.FieldError{
			Field:   fe.Field(),
			Message: getValidationErrorMsg(fe),
		}
	}
	return details
}

func getValidationErrorMsg(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("Field '%s' is required", fe.Field())
	case "oneof":
		return fmt.Sprintf("Field '%s' must be one of [%s]", fe.Field(), fe.Param())
	case "gte":
		return fmt.Sprintf("Field '%s' must be greater than or equal to %s", fe.Field(), fe.Param())
	case "lte":
		return fmt.Sprintf("Field '%s' must be less than or equal to %s", fe.Field(), fe.Param())
	case "min":
		return fmt.Sprintf("Field '%s' must contain at least %s element(s)", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("Field '%s' failed validation on the '%s' tag", fe.Field(), fe.Tag())
	}
}
