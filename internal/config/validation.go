package config

import (
	"fmt"
	"strings"

	"github.com/mschirtzinger/dirwatch/internal/errkind"
)

// FieldError is one invalid setting.
type FieldError struct {
	Field   string
	Message string
}

func (e FieldError) Error() string {
	return e.Field + " " + e.Message
}

// ValidationErrors collects every problem found in a configuration, so an
// operator can fix them in one pass.
type ValidationErrors []FieldError

// Add records a problem with field.
func (v *ValidationErrors) Add(field, message string) {
	*v = append(*v, FieldError{Field: field, Message: message})
}

// Addf records a problem with a formatted message.
func (v *ValidationErrors) Addf(field, format string, args ...interface{}) {
	v.Add(field, fmt.Sprintf(format, args...))
}

func (v ValidationErrors) Error() string {
	msgs := make([]string, len(v))
	for i, e := range v {
		msgs[i] = e.Error()
	}
	return fmt.Sprintf("%d configuration error(s): %s", len(v), strings.Join(msgs, "; "))
}

// Err returns nil when there are no problems, otherwise v tagged as a
// configuration error.
func (v ValidationErrors) Err() error {
	if len(v) == 0 {
		return nil
	}
	return errkind.New(errkind.Config, "validate", "", v)
}

// prefixed returns v with every field qualified by prefix.
func (v ValidationErrors) prefixed(prefix string) ValidationErrors {
	out := make(ValidationErrors, len(v))
	for i, e := range v {
		out[i] = FieldError{Field: prefix + "." + e.Field, Message: e.Message}
	}
	return out
}
