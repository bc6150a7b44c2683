package aws

import (
	"context"
	"fmt"
	"net/url"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"

	"github.com/accessdesk/accessdesk/internal/models"
	"github.com/accessdesk/accessdesk/internal/policy"
)

// IAM responses URL-encode embedded policy documents.
func decodeDocument(raw string) (policy.Document, error) {
	decoded, err := url.QueryUnescape(raw)
	if err != nil {
		decoded = raw
	}
	return policy.Parse(decoded)
}

func encodeDocument(doc policy.Document) (string, error) {
	data, err := policy.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("encoding policy document: %w", err)
	}
	return data, nil
}

func (c *Client) GetInlinePolicies(ctx context.Context, p models.Principal) (map[string]policy.Document, error) {
	out := make(map[string]policy.Document)

	var names []string
	switch p.Kind {
	case models.PrincipalUser:
		resp, err := c.iam.ListUserPolicies(ctx, &iam.ListUserPoliciesInput{UserName: aws.String(p.Name)})
		if err != nil {
			return nil, classify("iam.ListUserPolicies", err)
		}
		names = resp.PolicyNames
	default:
		resp, err := c.iam.ListRolePolicies(ctx, &iam.ListRolePoliciesInput{RoleName: aws.String(p.Name)})
		if err != nil {
			return nil, classify("iam.ListRolePolicies", err)
		}
		names = resp.PolicyNames
	}

	for _, name := range names {
		var raw string
		if p.Kind == models.PrincipalUser {
			resp, err := c.iam.GetUserPolicy(ctx, &iam.GetUserPolicyInput{
				UserName:   aws.String(p.Name),
				PolicyName: aws.String(name),
			})
			if err != nil {
				return nil, classify("iam.GetUserPolicy", err)
			}
			raw = aws.ToString(resp.PolicyDocument)
		} else {
			resp, err := c.iam.GetRolePolicy(ctx, &iam.GetRolePolicyInput{
				RoleName:   aws.String(p.Name),
				PolicyName: aws.String(name),
			})
			if err != nil {
				return nil, classify("iam.GetRolePolicy", err)
			}
			raw = aws.ToString(resp.PolicyDocument)
		}
		doc, err := decodeDocument(raw)
		if err != nil {
			return nil, fmt.Errorf("inline policy %s: %w", name, err)
		}
		out[name] = doc
	}

	return out, nil
}

func (c *Client) PutInlinePolicy(ctx context.Context, p models.Principal, name string, doc policy.Document) error {
	body, err := encodeDocument(doc)
	if err != nil {
		return err
	}
	if p.Kind == models.PrincipalUser {
		_, err = c.iam.PutUserPolicy(ctx, &iam.PutUserPolicyInput{
			UserName:       aws.String(p.Name),
			PolicyName:     aws.String(name),
			PolicyDocument: aws.String(body),
		})
		return classify("iam.PutUserPolicy", err)
	}
	_, err = c.iam.PutRolePolicy(ctx, &iam.PutRolePolicyInput{
		RoleName:       aws.String(p.Name),
		PolicyName:     aws.String(name),
		PolicyDocument: aws.String(body),
	})
	return classify("iam.PutRolePolicy", err)
}

func (c *Client) DeleteInlinePolicy(ctx context.Context, p models.Principal, name string) error {
	var err error
	if p.Kind == models.PrincipalUser {
		_, err = c.iam.DeleteUserPolicy(ctx, &iam.DeleteUserPolicyInput{
			UserName:   aws.String(p.Name),
			PolicyName: aws.String(name),
		})
		return classify("iam.DeleteUserPolicy", err, "NoSuchEntity")
	}
	_, err = c.iam.DeleteRolePolicy(ctx, &iam.DeleteRolePolicyInput{
		RoleName:   aws.String(p.Name),
		PolicyName: aws.String(name),
	})
	return classify("iam.DeleteRolePolicy", err, "NoSuchEntity")
}

func (c *Client) ListAttachedPolicies(ctx context.Context, p models.Principal) ([]string, error) {
	var attached []iamtypes.AttachedPolicy
	if p.Kind == models.PrincipalUser {
		resp, err := c.iam.ListAttachedUserPolicies(ctx, &iam.ListAttachedUserPoliciesInput{UserName: aws.String(p.Name)})
		if err != nil {
			return nil, classify("iam.ListAttachedUserPolicies", err)
		}
		attached = resp.AttachedPolicies
	} else {
		resp, err := c.iam.ListAttachedRolePolicies(ctx, &iam.ListAttachedRolePoliciesInput{RoleName: aws.String(p.Name)})
		if err != nil {
			return nil, classify("iam.ListAttachedRolePolicies", err)
		}
		attached = resp.AttachedPolicies
	}

	arns := make([]string, 0, len(attached))
	for _, a := range attached {
		arns = append(arns, aws.ToString(a.PolicyArn))
	}
	return arns, nil
}

func (c *Client) AttachManagedPolicy(ctx context.Context, p models.Principal, policyARN string) error {
	var err error
	if p.Kind == models.PrincipalUser {
		_, err = c.iam.AttachUserPolicy(ctx, &iam.AttachUserPolicyInput{
			UserName:  aws.String(p.Name),
			PolicyArn: aws.String(policyARN),
		})
		return classify("iam.AttachUserPolicy", err)
	}
	_, err = c.iam.AttachRolePolicy(ctx, &iam.AttachRolePolicyInput{
		RoleName:  aws.String(p.Name),
		PolicyArn: aws.String(policyARN),
	})
	return classify("iam.AttachRolePolicy", err)
}

// DetachManagedPolicy does not treat NoSuchEntity as satisfied: detaching a
// policy that was never attached is a caller mistake when applying a change.
// The reaper tolerates the code itself where a repeat revoke is legitimate.
func (c *Client) DetachManagedPolicy(ctx context.Context, p models.Principal, policyARN string) error {
	var err error
	if p.Kind == models.PrincipalUser {
		_, err = c.iam.DetachUserPolicy(ctx, &iam.DetachUserPolicyInput{
			UserName:  aws.String(p.Name),
			PolicyArn: aws.String(policyARN),
		})
		return classify("iam.DetachUserPolicy", err)
	}
	_, err = c.iam.DetachRolePolicy(ctx, &iam.DetachRolePolicyInput{
		RoleName:  aws.String(p.Name),
		PolicyArn: aws.String(policyARN),
	})
	return classify("iam.DetachRolePolicy", err)
}

func (c *Client) GetPermissionsBoundary(ctx context.Context, p models.Principal) (string, error) {
	if p.Kind == models.PrincipalUser {
		resp, err := c.iam.GetUser(ctx, &iam.GetUserInput{UserName: aws.String(p.Name)})
		if err != nil {
			return "", classify("iam.GetUser", err)
		}
		if resp.User.PermissionsBoundary == nil {
			return "", nil
		}
		return aws.ToString(resp.User.PermissionsBoundary.PermissionsBoundaryArn), nil
	}
	resp, err := c.iam.GetRole(ctx, &iam.GetRoleInput{RoleName: aws.String(p.Name)})
	if err != nil {
		return "", classify("iam.GetRole", err)
	}
	if resp.Role.PermissionsBoundary == nil {
		return "", nil
	}
	return aws.ToString(resp.Role.PermissionsBoundary.PermissionsBoundaryArn), nil
}

func (c *Client) PutPermissionsBoundary(ctx context.Context, p models.Principal, policyARN string) error {
	var err error
	if p.Kind == models.PrincipalUser {
		_, err = c.iam.PutUserPermissionsBoundary(ctx, &iam.PutUserPermissionsBoundaryInput{
			UserName:            aws.String(p.Name),
			PermissionsBoundary: aws.String(policyARN),
		})
		return classify("iam.PutUserPermissionsBoundary", err)
	}
	_, err = c.iam.PutRolePermissionsBoundary(ctx, &iam.PutRolePermissionsBoundaryInput{
		RoleName:            aws.String(p.Name),
		PermissionsBoundary: aws.String(policyARN),
	})
	return classify("iam.PutRolePermissionsBoundary", err)
}

func (c *Client) DeletePermissionsBoundary(ctx context.Context, p models.Principal) error {
	var err error
	if p.Kind == models.PrincipalUser {
		_, err = c.iam.DeleteUserPermissionsBoundary(ctx, &iam.DeleteUserPermissionsBoundaryInput{
			UserName: aws.String(p.Name),
		})
		return classify("iam.DeleteUserPermissionsBoundary", err, "NoSuchEntity")
	}
	_, err = c.iam.DeleteRolePermissionsBoundary(ctx, &iam.DeleteRolePermissionsBoundaryInput{
		RoleName: aws.String(p.Name),
	})
	return classify("iam.DeleteRolePermissionsBoundary", err, "NoSuchEntity")
}

func (c *Client) GetTrustPolicy(ctx context.Context, roleARN string) (policy.Document, error) {
	name, err := roleNameFromARN(roleARN)
	if err != nil {
		return policy.Document{}, err
	}
	resp, err := c.iam.GetRole(ctx, &iam.GetRoleInput{RoleName: aws.String(name)})
	if err != nil {
		return policy.Document{}, classify("iam.GetRole", err)
	}
	return decodeDocument(aws.ToString(resp.Role.AssumeRolePolicyDocument))
}

func (c *Client) UpdateTrustPolicy(ctx context.Context, roleARN string, doc policy.Document) error {
	name, err := roleNameFromARN(roleARN)
	if err != nil {
		return err
	}
	body, err := encodeDocument(doc)
	if err != nil {
		return err
	}
	_, err = c.iam.UpdateAssumeRolePolicy(ctx, &iam.UpdateAssumeRolePolicyInput{
		RoleName:       aws.String(name),
		PolicyDocument: aws.String(body),
	})
	return classify("iam.UpdateAssumeRolePolicy", err)
}

func (c *Client) GetTags(ctx context.Context, p models.Principal) (map[string]string, error) {
	tags := make(map[string]string)
	if p.Kind == models.PrincipalUser {
		resp, err := c.iam.ListUserTags(ctx, &iam.ListUserTagsInput{UserName: aws.String(p.Name)})
		if err != nil {
			return nil, classify("iam.ListUserTags", err)
		}
		for _, t := range resp.Tags {
			tags[aws.ToString(t.Key)] = aws.ToString(t.Value)
		}
		return tags, nil
	}
	resp, err := c.iam.ListRoleTags(ctx, &iam.ListRoleTagsInput{RoleName: aws.String(p.Name)})
	if err != nil {
		return nil, classify("iam.ListRoleTags", err)
	}
	for _, t := range resp.Tags {
		tags[aws.ToString(t.Key)] = aws.ToString(t.Value)
	}
	return tags, nil
}

func (c *Client) TagPrincipal(ctx context.Context, p models.Principal, key, value string) error {
	tag := []iamtypes.Tag{{Key: aws.String(key), Value: aws.String(value)}}
	var err error
	if p.Kind == models.PrincipalUser {
		_, err = c.iam.TagUser(ctx, &iam.TagUserInput{UserName: aws.String(p.Name), Tags: tag})
		return classify("iam.TagUser", err)
	}
	_, err = c.iam.TagRole(ctx, &iam.TagRoleInput{RoleName: aws.String(p.Name), Tags: tag})
	return classify("iam.TagRole", err)
}

func (c *Client) UntagPrincipal(ctx context.Context, p models.Principal, key string) error {
	var err error
	if p.Kind == models.PrincipalUser {
		_, err = c.iam.UntagUser(ctx, &iam.UntagUserInput{UserName: aws.String(p.Name), TagKeys: []string{key}})
		return classify("iam.UntagUser", err, "NoSuchEntity")
	}
	_, err = c.iam.UntagRole(ctx, &iam.UntagRoleInput{RoleName: aws.String(p.Name), TagKeys: []string{key}})
	return classify("iam.UntagRole", err, "NoSuchEntity")
}

func (c *Client) CreatePrincipal(ctx context.Context, p models.Principal, trust *policy.Document) error {
	if p.Kind == models.PrincipalUser {
		_, err := c.iam.CreateUser(ctx, &iam.CreateUserInput{UserName: aws.String(p.Name)})
		return classify("iam.CreateUser", err, "EntityAlreadyExists")
	}

	trustDoc := defaultTrustPolicy(p.Account)
	if trust != nil {
		trustDoc = *trust
	}
	body, err := encodeDocument(trustDoc)
	if err != nil {
		return err
	}
	_, err = c.iam.CreateRole(ctx, &iam.CreateRoleInput{
		RoleName:                 aws.String(p.Name),
		AssumeRolePolicyDocument: aws.String(body),
	})
	return classify("iam.CreateRole", err, "EntityAlreadyExists")
}

func (c *Client) DeletePrincipal(ctx context.Context, p models.Principal) error {
	var err error
	if p.Kind == models.PrincipalUser {
		_, err = c.iam.DeleteUser(ctx, &iam.DeleteUserInput{UserName: aws.String(p.Name)})
		return classify("iam.DeleteUser", err, "NoSuchEntity")
	}
	_, err = c.iam.DeleteRole(ctx, &iam.DeleteRoleInput{RoleName: aws.String(p.Name)})
	return classify("iam.DeleteRole", err, "NoSuchEntity")
}

// defaultTrustPolicy lets principals in the owning account assume a freshly
// created role until a real trust policy is applied.
func defaultTrustPolicy(account string) policy.Document {
	return policy.Document{
		Version: policy.DefaultVersion,
		Statement: []policy.Statement{
			{
				Effect: "Allow",
				Principal: &policy.StatementPrincipal{
					AWS: policy.Value{"arn:aws:iam::" + account + ":root"},
				},
				Action: policy.Value{"sts:AssumeRole"},
			},
		},
	}
}

func roleNameFromARN(roleARN string) (string, error) {
	res, err := parseRole(roleARN)
	if err != nil {
		return "", err
	}
	return res, nil
}
