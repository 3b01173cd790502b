// Package request decodes and validates management API input.
package request

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

const maxBodyBytes = 1 << 20

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validator is implemented by request types that carry their own rules.
type Validator interface {
	Validate() error
}

// Decode reads a JSON body into v and validates it. Types implementing
// Validator are checked with their own rules, others with struct tags.
func Decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("invalid JSON: empty body")
		}
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return Validate(v)
}

func Validate(v any) error {
	if vv, ok := v.(Validator); ok {
		return vv.Validate()
	}
	if err := validate.Struct(v); err != nil {
		var ves validator.ValidationErrors
		if errors.As(err, &ves) && len(ves) > 0 {
			return fmt.Errorf("validation error: %s failed %s", ves[0].Field(), ves[0].Tag())
		}
		return fmt.Errorf("validation error: %w", err)
	}
	return nil
}

func RequireID(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", errors.New("missing required ID")
	}
	return s, nil
}

// OptionalBool parses a query flag; empty means unset.
func OptionalBool(r *http.Request, key string) (*bool, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return nil, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %q", key, raw)
	}
	return &b, nil
}

// Limit parses ?limit= bounded to [1, max]; empty gives def.
func Limit(r *http.Request, def, max int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("invalid limit: %q", raw)
	}
	if n > max {
		n = max
	}
	return n, nil
}

// Trigger is the optional body of a webhook trigger.
type Trigger struct {
	Reason string `json:"reason" validate:"omitempty,max=32,alphanum"`
}
