package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"reflect"
	"strings"

	"github.com/cuongbtq/swarm-market/internal/api/dto"
	"github.com/cuongbtq/swarm-market/internal/market/domain"
	"github.com/cuongbtq/swarm-market/internal/market/engine"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
)

func init() {
	// Report request fields by their JSON names
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		v.RegisterTagNameFunc(jsonFieldName)
	}
}

func jsonFieldName(f reflect.StructField) string {
	name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
	switch name {
	case "-":
		return ""
	case "":
		return f.Name
	}
	return name
}

// Request headers carrying the execution context
const (
	HeaderMode  = "X-Market-Mode"
	HeaderActor = "X-Market-Actor"
	// HeaderCallbackToken authenticates runner callbacks
	HeaderCallbackToken = "X-Callback-Token"
)

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger      *slog.Logger
	Market      *engine.Marketplace
	ServiceName string
	// HealthChecks probe the infrastructure behind live mode, keyed by name
	HealthChecks map[string]HealthCheck
	// CallbackToken guards the execution callbacks when set
	CallbackToken string
}

// HealthCheck reports whether a backing service is reachable
type HealthCheck func(ctx context.Context) error

// execContext reads the mode and actor of a request. EventSource clients
// cannot set headers, so the mode and actor query parameters are accepted too.
func execContext(c *gin.Context) (engine.ExecContext, error) {
	raw := c.GetHeader(HeaderMode)
	if raw == "" {
		raw = c.Query("mode")
	}
	var mode domain.Mode
	if raw != "" {
		m, err := domain.ParseMode(raw)
		if err != nil {
			return engine.ExecContext{}, err
		}
		mode = m
	}

	actor := c.GetHeader(HeaderActor)
	if actor == "" {
		actor = c.Query("actor")
	}
	return engine.ExecContext{Mode: mode, Actor: actor}, nil
}

func statusFor(kind domain.ErrorKind) int {
	switch kind {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindConflict:
		return http.StatusConflict
	case domain.KindResource:
		return http.StatusUnprocessableEntity
	case domain.KindForbidden:
		return http.StatusForbidden
	case domain.KindTransient:
		return http.StatusServiceUnavailable
	case domain.KindExternal:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// respondError writes the user-facing form of err. Anything that is not a
// domain error is logged and reported as INTERNAL.
func respondError(c *gin.Context, logger *slog.Logger, msg string, err error) {
	var derr *domain.Error
	if !errors.As(err, &derr) {
		logger.Error(msg,
			slog.String("path", c.Request.URL.Path),
			slog.String("error", err.Error()),
		)
		_ = c.Error(err)
		derr = domain.ErrInternal
	}
	c.AbortWithStatusJSON(statusFor(derr.Kind), dto.ErrorResponse{
		Code:    derr.Code,
		Message: derr.Message,
	})
}

func respondBindError(c *gin.Context, logger *slog.Logger, err error) {
	logger.Debug("Invalid request",
		slog.String("path", c.Request.URL.Path),
		slog.String("error", err.Error()),
	)
	c.AbortWithStatusJSON(http.StatusBadRequest, dto.ErrorResponse{
		Code:    domain.ErrValidation.Code,
		Message: bindingMessage(err),
	})
}

// bindingMessage describes a binding failure without exposing decoder or
// validator internals
func bindingMessage(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		msgs := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			msgs = append(msgs, fieldMessage(fe))
		}
		return strings.Join(msgs, "; ")
	}

	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) && typeErr.Field != "" {
		return typeErr.Field + " has the wrong type"
	}
	return "Invalid request body"
}

func fieldMessage(fe validator.FieldError) string {
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "gt":
		return field + " must be greater than " + fe.Param()
	case "gte":
		return field + " must be at least " + fe.Param()
	case "lte":
		return field + " must be at most " + fe.Param()
	case "oneof":
		return field + " must be one of " + strings.ReplaceAll(fe.Param(), " ", ", ")
	}
	return field + " is invalid"
}
