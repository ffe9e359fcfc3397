package handler

import (
	"errors"
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/makkenzo/key-fulfillment-service/internal/handler/middleware"
	"github.com/makkenzo/key-fulfillment-service/internal/ierr"
)

func subject(c *gin.Context) string {
	if claims := middleware.GetAdminClaims(c); claims != nil {
		return claims.Subject
	}
	return ""
}

// bindError keeps field errors for the error middleware and turns everything else
// (malformed JSON, bad query types) into a validation error.
func bindError(err error) error {
	var ve validator.ValidationErrors
	if errors.As(err, &ve) {
		return err
	}
	return fmt.Errorf("%w: %v", ierr.ErrValidation, err)
}
