package registry

import (
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

const maxDisplayNameLen = 50

var ErrValidation = errors.New("registry: validation failed")

// FieldError reports a single invalid field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError collects every invalid field of one input.
type ValidationError struct {
	Fields []FieldError `json:"fields"`
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "registry: invalid configuration: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func (e *ValidationError) add(field, format string, args ...any) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
}

var (
	uriPattern      = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9+.-]*:[^@\s:]+@[^@\s]+$`)
	providerPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)
)

// Validate checks a fully merged configuration.
func Validate(c Config) error {
	ve := &ValidationError{}

	if c.Provider == "" {
		ve.add("provider", "is required")
	} else if !providerPattern.MatchString(c.Provider) {
		ve.add("provider", "must contain only lowercase letters, digits, '-' or '_'")
	}
	if !uriPattern.MatchString(c.URI) {
		ve.add("uri", "must look like scheme:user@domain")
	}
	if strings.TrimSpace(c.Username) == "" {
		ve.add("username", "is required")
	}
	if c.Secret == "" {
		ve.add("secret", "is required")
	}
	if msg := checkServer(c.Server); msg != "" {
		ve.add("server", msg)
	}
	if utf8.RuneCountInString(c.DisplayName) > maxDisplayNameLen {
		ve.add("displayName", "must be at most %d characters", maxDisplayNameLen)
	}
	if c.RegistrationExpirySec < 0 {
		ve.add("registrationExpiry", "must not be negative")
	}
	if c.ConnectionTimeoutMs < 0 {
		ve.add("connectionTimeout", "must not be negative")
	}
	if c.MaxReconnectAttempts < 0 {
		ve.add("maxReconnectAttempts", "must not be negative")
	}
	if c.ReconnectBaseDelayMs < 0 {
		ve.add("reconnectBaseDelay", "must not be negative")
	}
	for i, s := range c.ICEServers {
		if len(s.URLs) == 0 {
			ve.add(fmt.Sprintf("iceServers[%d]", i), "needs at least one url")
		}
	}

	if len(ve.Fields) > 0 {
		return ve
	}
	return nil
}

func checkServer(s string) string {
	host, port, err := net.SplitHostPort(s)
	if err != nil || host == "" {
		return "must be host:port"
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 1 || n > 65535 {
		return "port must be between 1 and 65535"
	}
	return ""
}
