// Package validation provides input validation for the risk API
package validation

import (
	"fmt"
	"net/mail"
	"net/netip"
	"strings"
)

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Value   string `json:"value,omitempty"`
}

func (e *ValidationError) Error() string {
	if e.Value != "" {
		return fmt.Sprintf("%s: %s (value: %s)", e.Field, e.Message, e.Value)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors represents multiple validation errors
type ValidationErrors struct {
	Errors []*ValidationError `json:"errors"`
}

func (e *ValidationErrors) Error() string {
	switch len(e.Errors) {
	case 0:
		return "validation failed"
	case 1:
		return e.Errors[0].Error()
	}
	msgs := make([]string, len(e.Errors))
	for i, verr := range e.Errors {
		msgs[i] = verr.Error()
	}
	return fmt.Sprintf("validation failed with %d errors: %s", len(e.Errors), strings.Join(msgs, "; "))
}

// HasErrors returns true if there are validation errors
func (e *ValidationErrors) HasErrors() bool {
	return len(e.Errors) > 0
}

// ValidateRequired checks if a string is not empty
func ValidateRequired(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return &ValidationError{Field: field, Message: "is required"}
	}
	return nil
}

// ValidateEmail checks an optional email address.
func ValidateEmail(field, value string) error {
	if value == "" {
		return nil
	}
	addr, err := mail.ParseAddress(value)
	if err != nil || addr.Address != value || strings.Count(value, "@") != 1 {
		return &ValidationError{Field: field, Message: "must be a valid email address", Value: truncate(value)}
	}
	return nil
}

// ValidateMaxLength checks that value is at most max bytes.
func ValidateMaxLength(field, value string, max int) error {
	if len(value) > max {
		return &ValidationError{Field: field, Message: fmt.Sprintf("must be at most %d characters", max)}
	}
	return nil
}

// ValidateIP checks an optional IPv4 or IPv6 address. Zones are rejected.
func ValidateIP(field, value string) error {
	if value == "" {
		return nil
	}
	addr, err := netip.ParseAddr(value)
	if err != nil || addr.Zone() != "" {
		return &ValidationError{Field: field, Message: "must be an IPv4 or IPv6 address", Value: truncate(value)}
	}
	return nil
}

// ValidateHeaders bounds the number and size of forwarded headers.
func ValidateHeaders(field string, headers map[string]string, maxCount, maxValueLen int) error {
	if len(headers) > maxCount {
		return &ValidationError{Field: field, Message: fmt.Sprintf("must contain at most %d entries", maxCount)}
	}
	for name, v := range headers {
		if len(v) > maxValueLen {
			return &ValidationError{Field: field + "." + name, Message: fmt.Sprintf("must be at most %d characters", maxValueLen)}
		}
	}
	return nil
}

// SanitizeEmail normalizes an email address
func SanitizeEmail(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

// ValidateAll runs every validator and collects the failures.
func ValidateAll(validators ...func() error) error {
	errs := &ValidationErrors{}
	for _, validator := range validators {
		err := validator()
		switch e := err.(type) {
		case nil:
		case *ValidationError:
			errs.Errors = append(errs.Errors, e)
		case *ValidationErrors:
			errs.Errors = append(errs.Errors, e.Errors...)
		default:
			errs.Errors = append(errs.Errors, &ValidationError{Message: e.Error()})
		}
	}
	if errs.HasErrors() {
		return errs
	}
	return nil
}

func truncate(v string) string {
	const max = 64
	if len(v) > max {
		return v[:max] + "..."
	}
	return v
}
