package lamp

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = NewValidator()

// NewValidator returns a validator that names fields by their json tags.
// Pair it with ValidationErrorFrom so every layer reports the same reasons.
func NewValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return strings.ToLower(fld.Name)
		}
		return name
	})
	return v
}

// Normalize trims the message and the identifying fields.
func (n NewLamp) Normalize() NewLamp {
	n.Message = strings.TrimSpace(n.Message)
	n.Origin = strings.TrimSpace(n.Origin)
	n.DeviceID = strings.TrimSpace(n.DeviceID)
	return n
}

// Validate checks a normalized NewLamp. The message must be non-empty and
// at most MaxMessageLength code points; coordinates must be in range.
func (n NewLamp) Validate() error {
	if err := validate.Struct(n); err != nil {
		return ValidationErrorFrom(err, "input")
	}
	return nil
}

// ValidateCoordinates checks a standalone position.
func ValidateCoordinates(c Coordinates) error {
	if err := validate.Struct(c); err != nil {
		return ValidationErrorFrom(err, "coordinates")
	}
	return nil
}

// ValidateEdge applies the shape checks that do not need the store.
func ValidateEdge(parentID, childID string, policy EdgePolicy) error {
	if parentID == "" {
		return &ValidationError{Field: "parent_id", Reason: "is required"}
	}
	if childID == "" {
		return &ValidationError{Field: "child_id", Reason: "is required"}
	}
	if policy == EdgePolicyStrict && parentID == childID {
		return &ValidationError{Field: "child_id", Reason: "must differ from parent_id"}
	}
	return nil
}

// ValidationErrorFrom turns the first failure reported by a validator into
// a *ValidationError. Errors that are not field failures are attributed to
// fallbackField.
func ValidationErrorFrom(err error, fallbackField string) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return &ValidationError{Field: fallbackField, Reason: err.Error()}
	}
	fe := verrs[0]
	field := fe.Field()
	if ns := fe.Namespace(); strings.Count(ns, ".") > 1 {
		// coordinates.lat rather than NewLamp.coordinates.lat
		field = ns[strings.Index(ns, ".")+1:]
	}
	return &ValidationError{Field: field, Reason: describe(fe)}
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	case "gte":
		return fmt.Sprintf("must be >= %s", fe.Param())
	case "lte":
		return fmt.Sprintf("must be <= %s", fe.Param())
	default:
		return "is invalid"
	}
}
