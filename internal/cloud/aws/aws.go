// Package aws implements the cloud.Provider adapter on the AWS SDK. Each
// call is a thin, synchronous wrapper; provider error codes that mean "the
// desired state already holds" are classified so the core can treat them as
// success.
package aws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go"

	"github.com/accessdesk/accessdesk/internal/cloud"
)

// Config selects the AWS account and credentials the adapter operates with.
type Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	AssumeRoleARN   string
	ExternalID      string
}

// Client is the aws-sdk-go-v2 backed cloud.Provider.
type Client struct {
	iam    *iam.Client
	s3     *s3.Client
	sqs    *sqs.Client
	sns    *sns.Client
	kms    *kms.Client
	lambda *lambda.Client
	sts    *sts.Client
	region string
	logger *slog.Logger
}

func NewClient(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	stsClient := sts.NewFromConfig(awsCfg)
	if cfg.AssumeRoleARN != "" {
		provider := stscreds.NewAssumeRoleProvider(stsClient, cfg.AssumeRoleARN, func(o *stscreds.AssumeRoleOptions) {
			if cfg.ExternalID != "" {
				o.ExternalID = aws.String(cfg.ExternalID)
			}
		})
		awsCfg.Credentials = aws.NewCredentialsCache(provider)
		stsClient = sts.NewFromConfig(awsCfg)
	}

	return &Client{
		iam:    iam.NewFromConfig(awsCfg),
		s3:     s3.NewFromConfig(awsCfg),
		sqs:    sqs.NewFromConfig(awsCfg),
		sns:    sns.NewFromConfig(awsCfg),
		kms:    kms.NewFromConfig(awsCfg),
		lambda: lambda.NewFromConfig(awsCfg),
		sts:    stsClient,
		region: cfg.Region,
		logger: logger,
	}, nil
}

// HomeAccount returns the account id the adapter's credentials live in.
func (c *Client) HomeAccount(ctx context.Context) (string, error) {
	out, err := c.sts.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return "", fmt.Errorf("getting caller identity: %w", err)
	}
	return aws.ToString(out.Account), nil
}

// classify wraps a provider error, marking it AlreadySatisfied when its API
// error code is in the satisfied set for the calling operation.
func classify(op string, err error, satisfiedCodes ...string) error {
	if err == nil {
		return nil
	}
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("%s: %w", op, err)
	}
	code := apiErr.ErrorCode()
	ce := &cloud.Error{
		Op:      op,
		Code:    code,
		Message: apiErr.ErrorMessage(),
	}
	for _, s := range satisfiedCodes {
		if code == s {
			ce.AlreadySatisfied = true
			break
		}
	}
	return ce
}

// isCode reports whether err carries the given API error code.
func isCode(err error, codes ...string) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	for _, c := range codes {
		if apiErr.ErrorCode() == c {
			return true
		}
	}
	return false
}
