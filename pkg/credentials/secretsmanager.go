package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/smithy-go"
)

// SecretsManagerAPI is the subset of the Secrets Manager client used here.
type SecretsManagerAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// SecretsManagerConfig configures the AWS client.
type SecretsManagerConfig struct {
	Region   string
	Endpoint string
	Profile  string
}

// SecretsManagerProvider reads JSON secrets from AWS Secrets Manager.
//
// The secret must be a JSON object with keys username, host, port, token and
// password. Port may be a number or a numeric string.
type SecretsManagerProvider struct {
	client SecretsManagerAPI
}

var _ Provider = (*SecretsManagerProvider)(nil)

// NewSecretsManager builds a provider from the default AWS credential chain.
func NewSecretsManager(ctx context.Context, cfg SecretsManagerConfig) (*SecretsManagerProvider, error) {
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := secretsmanager.NewFromConfig(awsCfg, func(o *secretsmanager.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewSecretsManagerWithClient(client), nil
}

// NewSecretsManagerWithClient wraps an existing client.
func NewSecretsManagerWithClient(client SecretsManagerAPI) *SecretsManagerProvider {
	return &SecretsManagerProvider{client: client}
}

type secretDocument struct {
	Username string          `json:"username"`
	Host     string          `json:"host"`
	Port     json.RawMessage `json:"port"`
	Token    string          `json:"token"`
	Password string          `json:"password"`
}

// Get implements Provider for "aws-sm:ID" and bare id references.
func (p *SecretsManagerProvider) Get(ctx context.Context, ref string) (Credentials, error) {
	_, id := SplitRef(ref)
	if id == "" {
		return Credentials{}, &Error{Ref: ref, Err: errors.New("secret id is required")}
	}

	out, err := p.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(id),
	})
	if err != nil {
		return Credentials{}, &Error{Ref: ref, Err: describeAPIError(err)}
	}

	var raw []byte
	switch {
	case out.SecretString != nil:
		raw = []byte(aws.ToString(out.SecretString))
	case len(out.SecretBinary) > 0:
		raw = out.SecretBinary
	default:
		return Credentials{}, &Error{Ref: ref, Err: errors.New("secret has no value")}
	}

	var doc secretDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Credentials{}, &Error{Ref: ref, Err: fmt.Errorf("secret is not a JSON object: %w", err)}
	}

	port, err := decodePort(doc.Port)
	if err != nil {
		return Credentials{}, &Error{Ref: ref, Err: err}
	}

	c := Credentials{
		Username: doc.Username,
		Host:     doc.Host,
		Port:     port,
		Token:    doc.Token,
		Password: doc.Password,
	}
	if err := c.Validate(); err != nil {
		return Credentials{}, &Error{Ref: ref, Err: err}
	}
	return c, nil
}

func decodePort(raw json.RawMessage) (int, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, nil
	}
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("invalid port %s", string(raw))
	}
	return parsePort(s)
}

// describeAPIError keeps the service error code and drops request ids.
func describeAPIError(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("%s: %s", apiErr.ErrorCode(), apiErr.ErrorMessage())
	}
	return err
}
