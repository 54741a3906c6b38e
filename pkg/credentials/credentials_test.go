package credentials

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/idlogsync/pkg/job"
)

func envFrom(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestSplitRef(t *testing.T) {
	tests := []struct {
		ref, scheme, name string
	}{
		{"env:PING", SchemeEnv, "PING"},
		{"aws-sm:prod/ping", SchemeSecretsManager, "prod/ping"},
		{"prod/ping", "", "prod/ping"},
		{"arn:aws:secretsmanager:us-east-1:1:secret:x", "", "arn:aws:secretsmanager:us-east-1:1:secret:x"},
	}
	for _, tt := range tests {
		scheme, name := SplitRef(tt.ref)
		assert.Equal(t, tt.scheme, scheme, tt.ref)
		assert.Equal(t, tt.name, name, tt.ref)
	}
}

func TestEnvProvider(t *testing.T) {
	p := &EnvProvider{LookupEnv: envFrom(map[string]string{
		"PING_USERNAME": "svc",
		"PING_HOST":     "splunk.example.com",
		"PING_PORT":     "8089",
		"PING_PASSWORD": "secret",
	})}

	c, err := p.Get(context.Background(), "env:ping")
	require.NoError(t, err)
	assert.Equal(t, "svc", c.Username)
	assert.Equal(t, 8089, c.Port)
	assert.Equal(t, "splunk.example.com:8089", c.Address())

	_, err = p.Get(context.Background(), "env:OKTA")
	assert.ErrorIs(t, err, job.ErrCredentialsUnavailable)

	bad := &EnvProvider{LookupEnv: envFrom(map[string]string{"X_HOST": "h", "X_PORT": "abc", "X_TOKEN": "t"})}
	_, err = bad.Get(context.Background(), "env:X")
	assert.ErrorIs(t, err, job.ErrCredentialsUnavailable)
}

type fakeSecrets struct {
	calls  atomic.Int32
	secret *string
	err    error
}

func (f *fakeSecrets) GetSecretValue(_ context.Context, in *secretsmanager.GetSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return &secretsmanager.GetSecretValueOutput{Name: in.SecretId, SecretString: f.secret}, nil
}

func TestSecretsManagerProvider(t *testing.T) {
	fake := &fakeSecrets{secret: aws.String(`{"host":"splunk.internal","port":"8089","token":"abc"}`)}
	p := NewSecretsManagerWithClient(fake)

	c, err := p.Get(context.Background(), "aws-sm:prod/ping")
	require.NoError(t, err)
	assert.Equal(t, "splunk.internal", c.Host)
	assert.Equal(t, 8089, c.Port)
	assert.Equal(t, "abc", c.Token)

	fake.secret = aws.String(`{"host":"h","port":443,"username":"u","password":"p"}`)
	c, err = p.Get(context.Background(), "prod/okta")
	require.NoError(t, err)
	assert.Equal(t, 443, c.Port)

	fake.secret = aws.String(`not json`)
	_, err = p.Get(context.Background(), "prod/okta")
	assert.ErrorIs(t, err, job.ErrCredentialsUnavailable)

	fake.err = &smithy.GenericAPIError{Code: "ResourceNotFoundException", Message: "no such secret"}
	_, err = p.Get(context.Background(), "prod/missing")
	require.ErrorIs(t, err, job.ErrCredentialsUnavailable)
	assert.Contains(t, err.Error(), "ResourceNotFoundException")
}

func TestRouter(t *testing.T) {
	env := &EnvProvider{LookupEnv: envFrom(map[string]string{"A_HOST": "h", "A_TOKEN": "t"})}
	sm := NewSecretsManagerWithClient(&fakeSecrets{secret: aws.String(`{"host":"sm","token":"t"}`)})
	r := NewRouter(SchemeSecretsManager).Handle(SchemeEnv, env).Handle(SchemeSecretsManager, sm)

	c, err := r.Get(context.Background(), "env:A")
	require.NoError(t, err)
	assert.Equal(t, "h", c.Host)

	c, err = r.Get(context.Background(), "prod/x")
	require.NoError(t, err)
	assert.Equal(t, "sm", c.Host)

	empty := NewRouter(SchemeSecretsManager)
	_, err = empty.Get(context.Background(), "prod/x")
	assert.ErrorIs(t, err, job.ErrCredentialsUnavailable)
}

func TestCache(t *testing.T) {
	fake := &fakeSecrets{secret: aws.String(`{"host":"h","token":"t"}`)}
	c := NewCache(NewSecretsManagerWithClient(fake), 2, time.Minute)

	for range 3 {
		_, err := c.Get(context.Background(), "prod/a")
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), fake.calls.Load())

	c.Invalidate("prod/a")
	_, err := c.Get(context.Background(), "prod/a")
	require.NoError(t, err)
	assert.Equal(t, int32(2), fake.calls.Load())

	// Bounded: a third key evicts the oldest.
	_, _ = c.Get(context.Background(), "prod/b")
	_, _ = c.Get(context.Background(), "prod/c")
	assert.Equal(t, 2, c.Len())
}

func TestCache_DoesNotCacheFailures(t *testing.T) {
	fake := &fakeSecrets{err: errors.New("boom")}
	c := NewCache(NewSecretsManagerWithClient(fake), 0, 0)

	_, err := c.Get(context.Background(), "prod/a")
	require.Error(t, err)
	_, err = c.Get(context.Background(), "prod/a")
	require.Error(t, err)
	assert.Equal(t, int32(2), fake.calls.Load())
	assert.Equal(t, 0, c.Len())
}

func TestCache_Expires(t *testing.T) {
	fake := &fakeSecrets{secret: aws.String(`{"host":"h","token":"t"}`)}
	c := NewCache(NewSecretsManagerWithClient(fake), 4, 20*time.Millisecond)

	_, err := c.Get(context.Background(), "prod/a")
	require.NoError(t, err)
	time.Sleep(60 * time.Millisecond)
	_, err = c.Get(context.Background(), "prod/a")
	require.NoError(t, err)
	assert.Equal(t, int32(2), fake.calls.Load())
}
