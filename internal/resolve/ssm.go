package resolve

import (
	"context"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/viewerboot/internal/xerrors"
)

// SSMGetParameterAPI is the subset of *ssm.Client used by SSMToken.
type SSMGetParameterAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// SSMToken reads the model server access token from a SecureString parameter.
func SSMToken(ctx context.Context, api SSMGetParameterAPI, name string) (string, error) {
	out, err := api.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", xerrors.Wrapf(err, "get SSM parameter %s", name)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", xerrors.Newf("SSM parameter %s has no value", name)
	}
	tok := strings.TrimSpace(*out.Parameter.Value)
	if tok == "" {
		return "", xerrors.Newf("SSM parameter %s is empty", name)
	}
	return tok, nil
}
