package handler

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/visualmatrix/api/internal/model"
	"github.com/visualmatrix/api/internal/service"
	"github.com/visualmatrix/api/internal/store"
	"github.com/visualmatrix/api/pkg/response"
)

// writeError maps service and store errors onto the response envelope.
func writeError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, store.ErrJobNotFound),
		errors.Is(err, store.ErrResultNotFound),
		errors.Is(err, store.ErrChannelNotFound),
		errors.Is(err, store.ErrModelNotFound),
		errors.Is(err, store.ErrStyleNotFound):
		return response.NotFound(c, err.Error())
	case errors.Is(err, service.ErrForbidden):
		return response.Forbidden(c, err.Error())
	case errors.Is(err, service.ErrInvalidState),
		errors.Is(err, service.ErrJobNotRetryable),
		errors.Is(err, service.ErrJobInProgress),
		errors.Is(err, store.ErrAlreadyFinalized),
		errors.Is(err, model.ErrIllegalTransition):
		return response.Conflict(c, err.Error())
	case errors.Is(err, service.ErrInvalidQuantity),
		errors.Is(err, service.ErrStyleUnavailable),
		errors.Is(err, service.ErrInvalidImage):
		return response.ValidationError(c, err.Error(), nil)
	default:
		return response.ServiceError(c, err.Error())
	}
}

// formatValidationErrors formats validator errors for response
func formatValidationErrors(err error) interface{} {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		fields := make(map[string]string)
		for _, e := range validationErrors {
			fields[e.Field()] = e.Tag()
		}
		return fields
	}
	return nil
}
