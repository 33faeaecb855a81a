package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v10"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Secrets is the credential surface, read from the environment (plus an
// optional .env file). Credentials never live in the settings file.
type Secrets struct {
	TelegramToken string `env:"TGWATCH_TELEGRAM_TOKEN" validate:"required"`

	SMTPHost string `env:"TGWATCH_SMTP_HOST" envDefault:"smtp.qq.com" validate:"required"`
	SMTPPort int    `env:"TGWATCH_SMTP_PORT" envDefault:"465" validate:"min=1,max=65535"`
	// SMTPUseSSL false means try STARTTLS on 587 first instead of implicit
	// TLS on 465.
	SMTPUseSSL bool     `env:"TGWATCH_SMTP_USE_SSL" envDefault:"true"`
	SMTPUser   string   `env:"TGWATCH_SMTP_USER" validate:"required,email"`
	SMTPPass   string   `env:"TGWATCH_SMTP_PASS" validate:"required"`
	MailTo     []string `env:"TGWATCH_MAIL_TO" envSeparator:"," validate:"required,min=1,dive,email"`
}

// envNames maps struct fields back to their environment variables so a
// validation failure names the variable the operator must set, not the Go
// field.
var envNames = map[string]string{
	"TelegramToken": "TGWATCH_TELEGRAM_TOKEN",
	"SMTPHost":      "TGWATCH_SMTP_HOST",
	"SMTPPort":      "TGWATCH_SMTP_PORT",
	"SMTPUseSSL":    "TGWATCH_SMTP_USE_SSL",
	"SMTPUser":      "TGWATCH_SMTP_USER",
	"SMTPPass":      "TGWATCH_SMTP_PASS",
	"MailTo":        "TGWATCH_MAIL_TO",
}

// LoadSecrets reads the credential surface. A missing .env file is fine; the
// environment alone is enough. All validation problems are reported in one
// error so the operator fixes everything in a single pass.
func LoadSecrets() (*Secrets, error) {
	_ = godotenv.Load()

	s := &Secrets{}
	if err := env.Parse(s); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := ValidateSecrets(s); err != nil {
		return nil, err
	}
	return s, nil
}

// ValidateSecrets checks the credential struct against its validate tags.
func ValidateSecrets(s *Secrets) error {
	if err := validator.New().Struct(s); err != nil {
		return formatValidationError(err)
	}
	return nil
}

func formatValidationError(err error) error {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}
	var msgs []string
	for _, e := range verrs {
		name := envNames[e.StructField()]
		if name == "" {
			name = e.StructField()
		}
		switch e.Tag() {
		case "required":
			msgs = append(msgs, name+" is not set")
		case "email":
			msgs = append(msgs, name+" must be an email address")
		case "min", "max":
			msgs = append(msgs, fmt.Sprintf("%s out of range (%s=%s)", name, e.Tag(), e.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %s validation", name, e.Tag()))
		}
	}
	return fmt.Errorf("environment configuration: %s", strings.Join(msgs, "; "))
}
