// Package credentials retrieves search backend credentials by secret
// reference.
//
// A reference has the form "scheme:name". Supported schemes:
//   - env:PREFIX reads PREFIX_USERNAME, PREFIX_HOST, PREFIX_PORT,
//     PREFIX_TOKEN and PREFIX_PASSWORD
//   - aws-sm:SECRET_ID reads a JSON secret from AWS Secrets Manager
//
// A reference without a known scheme is treated as a Secrets Manager id.
// Every failure matches job.ErrCredentialsUnavailable.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/3leaps/idlogsync/pkg/job"
)

// Supported reference schemes.
const (
	SchemeEnv            = "env"
	SchemeSecretsManager = "aws-sm"
)

// Credentials locate and authenticate against a search backend.
type Credentials struct {
	Username string `json:"username"`
	Host     string `json:"host"`
	Port     int    `json:"port"`

	// Token is a bearer token. When set, Password is ignored.
	Token    string `json:"-"`
	Password string `json:"-"`
}

// Validate reports credentials that cannot authenticate a request.
func (c Credentials) Validate() error {
	if strings.TrimSpace(c.Host) == "" {
		return errors.New("host is required")
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.Token == "" && (c.Username == "" || c.Password == "") {
		return errors.New("token or username/password is required")
	}
	return nil
}

// Address returns host[:port].
func (c Credentials) Address() string {
	if c.Port == 0 {
		return c.Host
	}
	return c.Host + ":" + strconv.Itoa(c.Port)
}

// Provider resolves a secret reference to credentials.
type Provider interface {
	Get(ctx context.Context, ref string) (Credentials, error)
}

// Invalidator is implemented by providers that cache. The search client calls
// Invalidate after an authentication rejection so the next call refetches.
type Invalidator interface {
	Invalidate(ref string)
}

// Error reports a failed credential lookup.
type Error struct {
	Ref string
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("credentials %s: %v", e.Ref, e.Err)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is makes every Error match job.ErrCredentialsUnavailable.
func (e *Error) Is(target error) bool {
	return target == job.ErrCredentialsUnavailable
}

// SplitRef splits "scheme:name" into its parts. References without a
// recognized scheme return an empty scheme and the whole ref as name.
func SplitRef(ref string) (scheme, name string) {
	ref = strings.TrimSpace(ref)
	if i := strings.Index(ref, ":"); i > 0 {
		switch s := ref[:i]; s {
		case SchemeEnv, SchemeSecretsManager:
			return s, ref[i+1:]
		}
	}
	return "", ref
}

func parsePort(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	p, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return p, nil
}
