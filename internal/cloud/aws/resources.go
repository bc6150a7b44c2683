package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/accessdesk/accessdesk/internal/arn"
	"github.com/accessdesk/accessdesk/internal/cloud"
	"github.com/accessdesk/accessdesk/internal/policy"
)

func parseRole(roleARN string) (string, error) {
	res, err := arn.Parse(roleARN)
	if err != nil {
		return "", err
	}
	if res.Kind != arn.KindIAMRole {
		return "", fmt.Errorf("%s is not an iam role", roleARN)
	}
	return res.Name, nil
}

// GetResourcePolicy reads the resource-side policy for a capable kind. An
// absent policy reads as an empty document.
func (c *Client) GetResourcePolicy(ctx context.Context, res arn.Resource) (policy.Document, error) {
	switch res.Kind {
	case arn.KindS3Bucket:
		resp, err := c.s3.GetBucketPolicy(ctx, &s3.GetBucketPolicyInput{Bucket: aws.String(res.Name)})
		if err != nil {
			if isCode(err, "NoSuchBucketPolicy") {
				return policy.Document{}, nil
			}
			return policy.Document{}, classify("s3.GetBucketPolicy", err)
		}
		return policy.Parse(aws.ToString(resp.Policy))

	case arn.KindSQSQueue:
		queueURL, err := c.queueURL(ctx, res)
		if err != nil {
			return policy.Document{}, err
		}
		resp, err := c.sqs.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
			QueueUrl:       aws.String(queueURL),
			AttributeNames: []sqstypes.QueueAttributeName{sqstypes.QueueAttributeNamePolicy},
		}, c.regionOptSQS(res.Region))
		if err != nil {
			return policy.Document{}, classify("sqs.GetQueueAttributes", err)
		}
		raw := resp.Attributes[string(sqstypes.QueueAttributeNamePolicy)]
		if raw == "" {
			return policy.Document{}, nil
		}
		return policy.Parse(raw)

	case arn.KindSNSTopic:
		resp, err := c.sns.GetTopicAttributes(ctx, &sns.GetTopicAttributesInput{
			TopicArn: aws.String(res.ARN),
		}, c.regionOptSNS(res.Region))
		if err != nil {
			return policy.Document{}, classify("sns.GetTopicAttributes", err)
		}
		raw := resp.Attributes["Policy"]
		if raw == "" {
			return policy.Document{}, nil
		}
		return policy.Parse(raw)

	case arn.KindKMSKey:
		resp, err := c.kms.GetKeyPolicy(ctx, &kms.GetKeyPolicyInput{
			KeyId:      aws.String(res.Name),
			PolicyName: aws.String("default"),
		}, c.regionOptKMS(res.Region))
		if err != nil {
			return policy.Document{}, classify("kms.GetKeyPolicy", err)
		}
		return policy.Parse(aws.ToString(resp.Policy))

	case arn.KindLambdaFunction:
		resp, err := c.lambda.GetPolicy(ctx, &lambda.GetPolicyInput{
			FunctionName: aws.String(res.Name),
		}, c.regionOptLambda(res.Region))
		if err != nil {
			if isCode(err, "ResourceNotFoundException") {
				return policy.Document{}, nil
			}
			return policy.Document{}, classify("lambda.GetPolicy", err)
		}
		return policy.Parse(aws.ToString(resp.Policy))

	default:
		return policy.Document{}, fmt.Errorf("resource kind %s cannot carry a resource policy", res.Kind)
	}
}

func (c *Client) PutResourcePolicy(ctx context.Context, res arn.Resource, doc policy.Document) error {
	switch res.Kind {
	case arn.KindS3Bucket:
		body, err := policy.Marshal(doc)
		if err != nil {
			return err
		}
		_, err = c.s3.PutBucketPolicy(ctx, &s3.PutBucketPolicyInput{
			Bucket: aws.String(res.Name),
			Policy: aws.String(body),
		})
		return classify("s3.PutBucketPolicy", err)

	case arn.KindSQSQueue:
		queueURL, err := c.queueURL(ctx, res)
		if err != nil {
			return err
		}
		body, err := policy.Marshal(doc)
		if err != nil {
			return err
		}
		_, err = c.sqs.SetQueueAttributes(ctx, &sqs.SetQueueAttributesInput{
			QueueUrl: aws.String(queueURL),
			Attributes: map[string]string{
				string(sqstypes.QueueAttributeNamePolicy): body,
			},
		}, c.regionOptSQS(res.Region))
		return classify("sqs.SetQueueAttributes", err)

	case arn.KindSNSTopic:
		body, err := policy.Marshal(doc)
		if err != nil {
			return err
		}
		_, err = c.sns.SetTopicAttributes(ctx, &sns.SetTopicAttributesInput{
			TopicArn:       aws.String(res.ARN),
			AttributeName:  aws.String("Policy"),
			AttributeValue: aws.String(body),
		}, c.regionOptSNS(res.Region))
		return classify("sns.SetTopicAttributes", err)

	case arn.KindKMSKey:
		body, err := policy.Marshal(doc)
		if err != nil {
			return err
		}
		_, err = c.kms.PutKeyPolicy(ctx, &kms.PutKeyPolicyInput{
			KeyId:      aws.String(res.Name),
			PolicyName: aws.String("default"),
			Policy:     aws.String(body),
		}, c.regionOptKMS(res.Region))
		return classify("kms.PutKeyPolicy", err)

	case arn.KindLambdaFunction:
		return c.putLambdaPolicy(ctx, res, doc)

	default:
		return fmt.Errorf("resource kind %s cannot carry a resource policy", res.Kind)
	}
}

func (c *Client) DeleteResourcePolicy(ctx context.Context, res arn.Resource) error {
	switch res.Kind {
	case arn.KindS3Bucket:
		_, err := c.s3.DeleteBucketPolicy(ctx, &s3.DeleteBucketPolicyInput{Bucket: aws.String(res.Name)})
		return classify("s3.DeleteBucketPolicy", err, "NoSuchBucketPolicy")

	case arn.KindSQSQueue:
		queueURL, err := c.queueURL(ctx, res)
		if err != nil {
			return err
		}
		// SQS removes the policy when the attribute is set to empty.
		_, err = c.sqs.SetQueueAttributes(ctx, &sqs.SetQueueAttributesInput{
			QueueUrl: aws.String(queueURL),
			Attributes: map[string]string{
				string(sqstypes.QueueAttributeNamePolicy): "",
			},
		}, c.regionOptSQS(res.Region))
		return classify("sqs.SetQueueAttributes", err, "QueueDoesNotExist")

	case arn.KindSNSTopic, arn.KindKMSKey:
		// Topic and key policies cannot be absent; the caller strips grant
		// statements and puts the remainder instead.
		return fmt.Errorf("resource kind %s does not support policy deletion", res.Kind)

	case arn.KindLambdaFunction:
		return c.putLambdaPolicy(ctx, res, policy.Document{})

	default:
		return fmt.Errorf("resource kind %s cannot carry a resource policy", res.Kind)
	}
}

// putLambdaPolicy reconciles a function's permission statements to the
// desired document. Lambda has no whole-document write: permissions are
// added and removed one statement id at a time.
func (c *Client) putLambdaPolicy(ctx context.Context, res arn.Resource, desired policy.Document) error {
	current, err := c.GetResourcePolicy(ctx, res)
	if err != nil {
		return err
	}

	desiredSids := make(map[string]policy.Statement, len(desired.Statement))
	for _, st := range desired.Statement {
		if st.Sid != "" {
			desiredSids[st.Sid] = st
		}
	}

	for _, st := range current.Statement {
		if st.Sid == "" {
			continue
		}
		if _, keep := desiredSids[st.Sid]; keep {
			delete(desiredSids, st.Sid)
			continue
		}
		_, err := c.lambda.RemovePermission(ctx, &lambda.RemovePermissionInput{
			FunctionName: aws.String(res.Name),
			StatementId:  aws.String(st.Sid),
		}, c.regionOptLambda(res.Region))
		if err := classify("lambda.RemovePermission", err, "ResourceNotFoundException"); err != nil && !cloud.AlreadySatisfied(err) {
			return err
		}
	}

	for sid, st := range desiredSids {
		if len(st.Action) == 0 || st.Principal == nil || len(st.Principal.AWS) == 0 {
			continue
		}
		_, err := c.lambda.AddPermission(ctx, &lambda.AddPermissionInput{
			FunctionName: aws.String(res.Name),
			StatementId:  aws.String(sid),
			Action:       aws.String(st.Action[0]),
			Principal:    aws.String(st.Principal.AWS[0]),
		}, c.regionOptLambda(res.Region))
		if err := classify("lambda.AddPermission", err, "ResourceConflictException"); err != nil && !cloud.AlreadySatisfied(err) {
			return err
		}
	}

	return nil
}

func (c *Client) queueURL(ctx context.Context, res arn.Resource) (string, error) {
	resp, err := c.sqs.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{
		QueueName:              aws.String(res.Name),
		QueueOwnerAWSAccountId: aws.String(res.Account),
	}, c.regionOptSQS(res.Region))
	if err != nil {
		return "", classify("sqs.GetQueueUrl", err)
	}
	return aws.ToString(resp.QueueUrl), nil
}

// Region overrides for resources living outside the adapter's home region.

func (c *Client) regionOptSQS(region string) func(*sqs.Options) {
	return func(o *sqs.Options) {
		if region != "" {
			o.Region = region
		}
	}
}

func (c *Client) regionOptSNS(region string) func(*sns.Options) {
	return func(o *sns.Options) {
		if region != "" {
			o.Region = region
		}
	}
}

func (c *Client) regionOptKMS(region string) func(*kms.Options) {
	return func(o *kms.Options) {
		if region != "" {
			o.Region = region
		}
	}
}

func (c *Client) regionOptLambda(region string) func(*lambda.Options) {
	return func(o *lambda.Options) {
		if region != "" {
			o.Region = region
		}
	}
}
