package credentials

import (
	"context"
	"errors"
	"os"
	"strings"
)

// EnvProvider reads credentials from environment variables.
type EnvProvider struct {
	// LookupEnv defaults to os.LookupEnv.
	LookupEnv func(key string) (string, bool)
}

var _ Provider = (*EnvProvider)(nil)

// Get implements Provider for "env:PREFIX" references.
func (p *EnvProvider) Get(_ context.Context, ref string) (Credentials, error) {
	_, prefix := SplitRef(ref)
	prefix = strings.TrimSuffix(strings.ToUpper(strings.TrimSpace(prefix)), "_")
	if prefix == "" {
		return Credentials{}, &Error{Ref: ref, Err: errors.New("env prefix is required")}
	}

	lookup := p.LookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}
	get := func(name string) string {
		v, _ := lookup(prefix + "_" + name)
		return strings.TrimSpace(v)
	}

	port, err := parsePort(get("PORT"))
	if err != nil {
		return Credentials{}, &Error{Ref: ref, Err: err}
	}

	c := Credentials{
		Username: get("USERNAME"),
		Host:     get("HOST"),
		Port:     port,
		Token:    get("TOKEN"),
		Password: get("PASSWORD"),
	}
	if err := c.Validate(); err != nil {
		return Credentials{}, &Error{Ref: ref, Err: err}
	}
	return c, nil
}
