package chat

import (
	"errors"
	"strings"

	"github.com/mahaj/teamchat/pkg/model"
)

var (
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrNotFound is returned both for missing resources and for resources
	// the actor may not see, so callers cannot probe for existence.
	ErrNotFound    = errors.New("not found")
	ErrUnavailable = errors.New("service temporarily unavailable")
	// ErrDeliveryLost accompanies a successful result whose live event could
	// not be published. The write itself is durable.
	ErrDeliveryLost = errors.New("saved, but live delivery failed")
)

// FieldErrors is a validation or uniqueness failure on named input fields.
type FieldErrors []model.FieldError

func (e FieldErrors) Error() string {
	parts := make([]string, len(e))
	for i, f := range e {
		parts[i] = f.Field + ": " + f.Message
	}
	return "invalid input: " + strings.Join(parts, "; ")
}

func fieldError(field, message string) FieldErrors {
	return FieldErrors{{Field: field, Message: message}}
}
