// Package models holds the Request and Path records tracked by the service.
package models

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// ErrValidation marks malformed input rejected before any store call.
var ErrValidation = errors.New("validation error")

var validate = validator.New()

func validateStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, fmt.Sprintf("%s failed %q", fe.Field(), fe.Tag()))
		}
		return fmt.Errorf("%w: %s", ErrValidation, strings.Join(fields, ", "))
	}
	return fmt.Errorf("%w: %v", ErrValidation, err)
}

// AppendInfo adds one timestamped line to an info log.
func AppendInfo(log, line string, now time.Time) string {
	if line == "" {
		return log
	}
	return log + now.UTC().Format(time.RFC3339) + " " + line + "\n"
}
