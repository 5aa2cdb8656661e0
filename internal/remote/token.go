package remote

import (
	"context"
	"os"
	"strings"
)

// TokenSource supplies the bearer credential. An empty token means no
// credential is configured.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed credential.
type StaticToken string

// Token returns the token itself.
func (t StaticToken) Token(context.Context) (string, error) {
	return strings.TrimSpace(string(t)), nil
}

// EnvToken reads the credential from an environment variable on every
// request, falling back to Fallback when the variable is unset or empty.
type EnvToken struct {
	Name     string
	Fallback string
}

// Token returns the variable's value or the fallback.
func (t EnvToken) Token(context.Context) (string, error) {
	if v := strings.TrimSpace(os.Getenv(t.Name)); v != "" {
		return v, nil
	}
	return strings.TrimSpace(t.Fallback), nil
}
