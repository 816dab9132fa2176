package session

import (
	"strings"

	"go.uber.org/zap/zapcore"
)

// Credentials identify the upstream account. The secret never leaves this package
// except in the login form.
type Credentials struct {
	Email  string
	Secret string
}

func NewCredentials(email, secret string) Credentials {
	return Credentials{Email: strings.TrimSpace(email), Secret: secret}
}

func (c Credentials) Complete() bool {
	return c.Email != "" && c.Secret != ""
}

func (c Credentials) String() string {
	return "Credentials{Email: " + maskEmail(c.Email) + ", Secret: [REDACTED]}"
}

func (c Credentials) GoString() string { return c.String() }

// MarshalLogObject keeps zap from ever encoding the secret.
func (c Credentials) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("email", maskEmail(c.Email))
	enc.AddBool("has_secret", c.Secret != "")
	return nil
}

func maskEmail(email string) string {
	local, domain, ok := strings.Cut(email, "@")
	if !ok || local == "" {
		if email == "" {
			return ""
		}
		return "***"
	}
	return local[:1] + "***@" + domain
}
