// validate.go - Error-collecting validation so startup reports every
// configuration problem at once instead of one per restart.
package config

import (
	"fmt"
	"strings"
)

type validationError struct {
	Field   string
	Message string
}

func (e validationError) Error() string {
	return fmt.Sprintf("config validation failed for %s: %s", e.Field, e.Message)
}

type validator struct {
	errors []validationError
}

func newValidator() *validator {
	return &validator{errors: make([]validationError, 0)}
}

func (v *validator) addError(field, message string) {
	v.errors = append(v.errors, validationError{Field: field, Message: message})
}

func (v *validator) hasErrors() bool {
	return len(v.errors) > 0
}

func (v *validator) errorString() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("configuration validation failed with %d error(s):\n", len(v.errors)))
	for i, err := range v.errors {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return strings.TrimRight(sb.String(), "\n")
}
