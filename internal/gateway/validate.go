package gateway

import (
	"errors"
	"fmt"
	"strings"

	validatorv10 "github.com/go-playground/validator/v10"

	"github.com/tbourn/go-offline-gateway/internal/domain"
	"github.com/tbourn/go-offline-gateway/internal/pipeline"
)

// ErrInvalid is wrapped by every validation failure returned from Execute.
var ErrInvalid = errors.New("invalid mutation")

// call is the validated view of one Execute invocation.
type call struct {
	Endpoint       string `validate:"required,startswith=/,max=2048,endpoint"`
	Method         string `validate:"required,oneof=GET POST PUT PATCH DELETE"`
	IdempotencyKey string `validate:"omitempty,idemkey"`
	Queueable      bool
	ActionType     string `validate:"omitempty,max=64"`
}

func newValidator() *validatorv10.Validate {
	v := validatorv10.New()
	_ = v.RegisterValidation("idemkey", func(fl validatorv10.FieldLevel) bool {
		return domain.ValidIdempotencyKey(fl.Field().String())
	})
	_ = v.RegisterValidation("endpoint", func(fl validatorv10.FieldLevel) bool {
		return pipeline.CheckEndpoint(fl.Field().String()) == nil
	})
	v.RegisterStructValidation(queueablePolicyValidation, call{})
	return v
}

// queueablePolicyValidation enforces that only tagged mutating calls may be
// deferred to the queue.
func queueablePolicyValidation(sl validatorv10.StructLevel) {
	c := sl.Current().Interface().(call)
	if !c.Queueable {
		return
	}
	if strings.TrimSpace(c.ActionType) == "" {
		sl.ReportError(c.ActionType, "action_type", "ActionType", "required_when_queueable", "")
	}
	if !domain.Mutating(c.Method) {
		sl.ReportError(c.Method, "method", "Method", "mutating_when_queueable", "")
	}
}

func validationError(err error) error {
	var ve validatorv10.ValidationErrors
	if !errors.As(err, &ve) {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	parts := make([]string, 0, len(ve))
	for _, fe := range ve {
		parts = append(parts, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
	}
	return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(parts, "; "))
}
