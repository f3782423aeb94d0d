package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/deltazero-dev/agentwire/internal/permission"
)

// RegisterCustomValidators registers the runtime-specific validation rules.
func RegisterCustomValidators(v *validator.Validate) error {
	if err := v.RegisterValidation("abs_path", validateAbsPath); err != nil {
		return fmt.Errorf("failed to register abs_path validator: %w", err)
	}
	return nil
}

// validateAbsPath accepts only absolute filesystem paths.
func validateAbsPath(fl validator.FieldLevel) bool {
	return filepath.IsAbs(fl.Field().String())
}

// Validate checks struct tags, then the cross-field rules: a record path is
// required when recording is enabled, and every permission rule must
// actually compile.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Name fields by their mapstructure keys so errors match the config file.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("mapstructure"), ",")
		if name == "" || name == "-" {
			return fld.Name
		}
		return name
	})
	if err := RegisterCustomValidators(v); err != nil {
		return err
	}
	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	if c.Record.Enabled && c.Record.Path == "" {
		return errors.New("record.path is required when record.enabled is true")
	}

	if len(c.Permission.Rules) > 0 {
		if _, err := permission.NewEngine(c.PermissionRules()); err != nil {
			return fmt.Errorf("permission rules invalid: %w", err)
		}
	}
	return nil
}

// formatValidationErrors converts validator errors into actionable
// messages keyed by the config file's field names.
func formatValidationErrors(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}

	var msgs []string
	for _, fe := range verrs {
		field := strings.ToLower(strings.TrimPrefix(fe.Namespace(), "Config."))
		switch fe.Tag() {
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of: %s", field, fe.Param()))
		case "gt":
			msgs = append(msgs, fmt.Sprintf("%s must be greater than %s", field, fe.Param()))
		case "abs_path":
			msgs = append(msgs, fmt.Sprintf("%s must be an absolute path", field))
		case "required":
			msgs = append(msgs, fmt.Sprintf("%s is required", field))
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %s validation", field, fe.Tag()))
		}
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
}
