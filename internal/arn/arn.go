// Package arn classifies cloud resource identifiers into the owning
// account, region, resource kind, and name. The resolver is the narrow
// interface the rest of the system uses to decide whether a grant crosses
// an account boundary and whether the target can carry a resource policy.
package arn

import (
	"context"
	"fmt"
	"strings"
)

type Kind string

const (
	KindIAMRole        Kind = "iam_role"
	KindIAMUser        Kind = "iam_user"
	KindIAMPolicy      Kind = "iam_policy"
	KindS3Bucket       Kind = "s3_bucket"
	KindSQSQueue       Kind = "sqs_queue"
	KindSNSTopic       Kind = "sns_topic"
	KindKMSKey         Kind = "kms_key"
	KindLambdaFunction Kind = "lambda_function"
	KindUnknown        Kind = "unknown"
)

// resourcePolicyCapable lists the kinds whose policies this system knows how
// to read and mutate on the resource side.
var resourcePolicyCapable = map[Kind]bool{
	KindS3Bucket:       true,
	KindSQSQueue:       true,
	KindSNSTopic:       true,
	KindKMSKey:         true,
	KindLambdaFunction: true,
}

// Resource is a parsed and classified identifier.
type Resource struct {
	ARN       string
	Partition string
	Service   string
	Region    string
	Account   string
	Kind      Kind
	Name      string
}

// ResourcePolicyCapable reports whether the resource can carry a policy of
// its own that this system can mutate.
func (r Resource) ResourcePolicyCapable() bool {
	return resourcePolicyCapable[r.Kind]
}

// Wildcard reports whether the identifier is a bare wildcard, which cannot
// be resolved to a specific cross-account target.
func Wildcard(s string) bool {
	return s == "*"
}

// Parse splits an ARN into its components and classifies the resource kind.
// S3 object ARNs collapse to their bucket: the bucket policy is the grant
// surface for object access.
func Parse(s string) (Resource, error) {
	parts := strings.SplitN(s, ":", 6)
	if len(parts) != 6 || parts[0] != "arn" {
		return Resource{}, fmt.Errorf("malformed arn %q", s)
	}
	r := Resource{
		ARN:       s,
		Partition: parts[1],
		Service:   parts[2],
		Region:    parts[3],
		Account:   parts[4],
	}

	rest := parts[5]
	switch r.Service {
	case "iam":
		typ, name, ok := strings.Cut(rest, "/")
		if !ok {
			return Resource{}, fmt.Errorf("malformed iam arn %q", s)
		}
		r.Name = name
		switch typ {
		case "role":
			r.Kind = KindIAMRole
			// Service-linked and path-qualified roles keep only the final
			// segment as the role name.
			if i := strings.LastIndex(name, "/"); i >= 0 {
				r.Name = name[i+1:]
			}
		case "user":
			r.Kind = KindIAMUser
		case "policy":
			r.Kind = KindIAMPolicy
		default:
			r.Kind = KindUnknown
		}
	case "s3":
		r.Kind = KindS3Bucket
		bucket, _, _ := strings.Cut(rest, "/")
		r.Name = bucket
		r.ARN = "arn:" + r.Partition + ":s3:::" + bucket
	case "sqs":
		r.Kind = KindSQSQueue
		r.Name = rest
	case "sns":
		r.Kind = KindSNSTopic
		r.Name = rest
	case "kms":
		if name, ok := strings.CutPrefix(rest, "key/"); ok {
			r.Kind = KindKMSKey
			r.Name = name
		} else {
			r.Kind = KindUnknown
			r.Name = rest
		}
	case "lambda":
		if name, ok := strings.CutPrefix(rest, "function:"); ok {
			r.Kind = KindLambdaFunction
			r.Name = name
		} else {
			r.Kind = KindUnknown
			r.Name = rest
		}
	default:
		r.Kind = KindUnknown
		r.Name = rest
	}

	return r, nil
}

// Resolver maps an identifier to its owning account, region, kind and name.
type Resolver interface {
	Resolve(ctx context.Context, arn string) (Resource, error)
}

// StaticResolver resolves purely by parsing. S3 bucket ARNs carry no account
// field, so a bucket-to-account map (typically fed from a resource
// inventory) fills that gap.
type StaticResolver struct {
	BucketAccounts map[string]string
}

func (r *StaticResolver) Resolve(_ context.Context, s string) (Resource, error) {
	res, err := Parse(s)
	if err != nil {
		return Resource{}, err
	}
	if res.Kind == KindS3Bucket && res.Account == "" && r.BucketAccounts != nil {
		res.Account = r.BucketAccounts[res.Name]
	}
	return res, nil
}
