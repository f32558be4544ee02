package backup

import (
	"errors"
	"fmt"

	appErrors "dbvault/internal/errors"
)

// ConfigError is a single invalid configuration field
type ConfigError struct {
	Field   string      `json:"field"`
	Message string      `json:"message"`
	Value   interface{} `json:"value,omitempty"`
}

// Error implements the error interface
func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid config field '%s': %s", e.Field, e.Message)
}

// ConfigErrors collects every invalid field found during Validate
type ConfigErrors []ConfigError

// Error implements the error interface
func (e ConfigErrors) Error() string {
	if len(e) == 0 {
		return "no config errors"
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	return fmt.Sprintf("%d config errors: %s (and %d more)", len(e), e[0].Error(), len(e)-1)
}

// Add adds a field error to the collection
func (e *ConfigErrors) Add(field, message string, value interface{}) {
	*e = append(*e, ConfigError{
		Field:   field,
		Message: message,
		Value:   value,
	})
}

// Merge appends the errors of a nested section, prefixing plain errors with section
func (e *ConfigErrors) Merge(section string, err error) {
	if err == nil {
		return
	}
	var nested ConfigErrors
	if errors.As(err, &nested) {
		*e = append(*e, nested...)
		return
	}
	e.Add(section, err.Error(), nil)
}

// HasErrors returns true if there are config errors
func (e ConfigErrors) HasErrors() bool {
	return len(e) > 0
}

// AsAppError wraps the collection as a non-transient configuration error
func (e ConfigErrors) AsAppError() error {
	if !e.HasErrors() {
		return nil
	}
	return appErrors.NewConfigurationError("invalid configuration", e)
}
