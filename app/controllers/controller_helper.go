package controllers

import (
	"errors"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/sbily/internal/pkg/billing"
	"github.com/ManuelReschke/sbily/internal/pkg/usercontext"
)

var validate = newValidator()

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

const (
	defaultPageSize = 50
	maxPageSize     = 100
)

func errorResponse(c *fiber.Ctx, status int, message string) error {
	return c.Status(status).JSON(fiber.Map{"status": billing.StatusError, "error": message})
}

// parseBody decodes a JSON body into dst and validates its tags. The returned
// bool is false when a response has already been written.
func parseBody(c *fiber.Ctx, dst interface{}) (bool, error) {
	if err := c.BodyParser(dst); err != nil {
		return false, errorResponse(c, fiber.StatusBadRequest, "Invalid request body")
	}
	if err := validate.Struct(dst); err != nil {
		return false, c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
			"status": billing.StatusError,
			"error":  "Invalid request",
			"fields": validationFields(err),
		})
	}
	return true, nil
}

func validationFields(err error) map[string]string {
	fields := map[string]string{}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		for _, fe := range verrs {
			fields[fe.Field()] = fe.Tag()
		}
	}
	return fields
}

// billingError maps a billing failure to an HTTP response. Provider details
// stay in the log; users only see the generic message.
func billingError(c *fiber.Ctx, action string, err error) error {
	msg := billing.UserMessage(err)
	switch {
	case billing.IsValidation(err):
		return errorResponse(c, fiber.StatusUnprocessableEntity, msg)
	case errors.Is(err, billing.ErrGateway):
		log.Warnf("[Billing] %s for user %d failed at provider: %v", action, usercontext.GetUserID(c), err)
		return errorResponse(c, fiber.StatusBadGateway, msg)
	case errors.Is(err, billing.ErrNotFound):
		return errorResponse(c, fiber.StatusNotFound, "Not found")
	}
	log.Errorf("[Billing] %s for user %d failed: %v", action, usercontext.GetUserID(c), err)
	return errorResponse(c, fiber.StatusInternalServerError, msg)
}

func pagination(c *fiber.Ctx) (offset, limit int) {
	limit = c.QueryInt("limit", defaultPageSize)
	if limit <= 0 || limit > maxPageSize {
		limit = defaultPageSize
	}
	offset = c.QueryInt("offset", 0)
	if offset < 0 {
		offset = 0
	}
	return offset, limit
}

func paramID(c *fiber.Ctx, name string) (uint, bool) {
	id, err := strconv.ParseUint(c.Params(name), 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return uint(id), true
}
