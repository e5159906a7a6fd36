package config

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/go-multierror"

	"github.com/ppiankov/cronforge/internal/scheduler"
)

// ErrInvalid marks configuration errors. Trigger misconfiguration is caught
// here, at load time, never at run time.
var ErrInvalid = errors.New("invalid configuration")

var envNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("cron", func(fl validator.FieldLevel) bool {
		_, err := scheduler.Parse(fl.Field().String())
		return err == nil
	})
	_ = v.RegisterValidation("envname", func(fl validator.FieldLevel) bool {
		return envNameRe.MatchString(fl.Field().String())
	})
	return v
}

// Validate checks the settings and reports every problem at once.
// The returned error wraps ErrInvalid.
func Validate(s *Settings) error {
	var result *multierror.Error

	if err := validate.Struct(s); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				result = multierror.Append(result, fieldError(fe))
			}
		} else {
			result = multierror.Append(result, err)
		}
	}

	if len(s.Triggers.Schedules) == 0 && !s.Triggers.Manual {
		result = multierror.Append(result, errors.New("triggers: at least one schedule or manual: true is required"))
	}

	src := s.Job.Source
	switch {
	case src.Repo == "" && src.Path == "":
		result = multierror.Append(result, errors.New("job.source: one of repo or path is required"))
	case src.Repo != "" && src.Path != "":
		result = multierror.Append(result, errors.New("job.source: repo and path are mutually exclusive"))
	}
	if src.Ref != "" && src.Repo == "" {
		result = multierror.Append(result, errors.New("job.source.ref: only valid with repo"))
	}

	creds := s.Job.Credentials
	if creds.UsernameVar != "" && creds.UsernameVar == creds.PasswordVar {
		result = multierror.Append(result, fmt.Errorf("job.credentials: username_var and password_var are both %q", creds.UsernameVar))
	}

	if err := result.ErrorOrNil(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}

func fieldError(fe validator.FieldError) error {
	field := strings.TrimPrefix(fe.Namespace(), "Settings.")
	switch fe.Tag() {
	case "cron":
		return fmt.Errorf("%s: invalid cron expression %q", field, fe.Value())
	case "envname":
		return fmt.Errorf("%s: %q is not a valid environment variable name", field, fe.Value())
	case "timezone":
		return fmt.Errorf("%s: unknown time zone %q", field, fe.Value())
	case "required", "min":
		return fmt.Errorf("%s: required", field)
	default:
		return fmt.Errorf("%s: failed %q check", field, fe.Tag())
	}
}
