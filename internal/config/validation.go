package config

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks cfg against its struct tags and the cross-field rules that
// tags cannot express.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}
	return validateCustomRules(cfg)
}

func validateCustomRules(cfg *Config) error {
	r := cfg.Remote
	if (r.S3AccessKeyID == "") != (r.S3SecretAccessKey == "") {
		return fmt.Errorf("remote: s3_access_key_id and s3_secret_access_key must be set together")
	}
	if r.Type != "s3" && (r.S3Bucket != "" || r.S3Endpoint != "") {
		return fmt.Errorf("remote: s3 settings given for remote type %q", r.Type)
	}
	if cfg.Database.Type == "memory" && cfg.Database.DataDir != "" {
		return fmt.Errorf("database: data_dir is only used with type sqlite")
	}
	return nil
}

// formatValidationError reports the first failed field.
func formatValidationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		e := verrs[0]
		return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)", e.Namespace(), e.Tag(), e.Value())
	}
	return err
}
