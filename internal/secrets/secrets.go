// Package secrets resolves configuration values held in AWS SSM Parameter
// Store, such as the PostgreSQL DSN.
package secrets

import (
	"context"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/fragmentsync/internal/log"
	"github.com/keithlinneman/fragmentsync/internal/xerrors"
)

// ParameterAPI is the part of the SSM client used here.
type ParameterAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

type SSM struct {
	client ParameterAPI
	logger log.Logger
}

func NewSSM(client ParameterAPI, logger log.Logger) *SSM {
	if logger == nil {
		logger = log.Nop()
	}
	return &SSM{client: client, logger: logger}
}

// Get returns the decrypted, trimmed value of the named parameter. Empty
// values are an error.
func (s *SSM) Get(ctx context.Context, name string) (string, error) {
	out, err := s.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", xerrors.Wrapf(err, "get SSM parameter %s", name)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", xerrors.Newf("SSM parameter %s has no value", name)
	}
	v := strings.TrimSpace(*out.Parameter.Value)
	if v == "" {
		return "", xerrors.Newf("SSM parameter %s is empty", name)
	}
	s.logger.Debug(ctx, "resolved SSM parameter", "name", name, "version", out.Parameter.Version)
	return v, nil
}

// Getter fetches a named secret.
type Getter interface {
	Get(ctx context.Context, name string) (string, error)
}

// Resolve returns inline when set, otherwise the value of param read
// through g. With neither set it returns "".
func Resolve(ctx context.Context, inline, param string, g Getter) (string, error) {
	if inline != "" {
		return inline, nil
	}
	if param == "" {
		return "", nil
	}
	if g == nil {
		return "", xerrors.Newf("no secret source configured for %s", param)
	}
	return g.Get(ctx, param)
}
