// Package cloud defines the capability-scoped provider adapter the
// orchestrator core calls to mutate identities and resources, and the error
// classification it applies to provider failures.
package cloud

import (
	"context"
	"errors"
	"fmt"

	"github.com/accessdesk/accessdesk/internal/arn"
	"github.com/accessdesk/accessdesk/internal/models"
	"github.com/accessdesk/accessdesk/internal/policy"
)

// Error is a classified provider failure. AlreadySatisfied marks error codes
// that mean the requested end state already holds (deleting a policy that is
// absent, detaching a policy that is not attached); callers treat those as
// success so apply and revoke stay idempotent.
type Error struct {
	Op               string
	Code             string
	Message          string
	AlreadySatisfied bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Code, e.Message)
}

// AlreadySatisfied reports whether err is a provider error meaning the
// desired state already holds.
func AlreadySatisfied(err error) bool {
	var ce *Error
	return errors.As(err, &ce) && ce.AlreadySatisfied
}

// IsCode reports whether err is a classified provider error carrying the
// given code. Callers use it where a code is benign in their context but not
// for the operation in general.
func IsCode(err error, code string) bool {
	var ce *Error
	return errors.As(err, &ce) && ce.Code == code
}

// Provider is the narrow cloud adapter. Every call is synchronous; the core
// does not retry — retry policy, if any, belongs to the implementation.
type Provider interface {
	// Principal-side policies.
	GetInlinePolicies(ctx context.Context, p models.Principal) (map[string]policy.Document, error)
	PutInlinePolicy(ctx context.Context, p models.Principal, name string, doc policy.Document) error
	DeleteInlinePolicy(ctx context.Context, p models.Principal, name string) error

	ListAttachedPolicies(ctx context.Context, p models.Principal) ([]string, error)
	AttachManagedPolicy(ctx context.Context, p models.Principal, policyARN string) error
	DetachManagedPolicy(ctx context.Context, p models.Principal, policyARN string) error

	GetPermissionsBoundary(ctx context.Context, p models.Principal) (string, error)
	PutPermissionsBoundary(ctx context.Context, p models.Principal, policyARN string) error
	DeletePermissionsBoundary(ctx context.Context, p models.Principal) error

	// Trust policies, addressed by role ARN so both the request principal
	// and cross-account target roles can be reached.
	GetTrustPolicy(ctx context.Context, roleARN string) (policy.Document, error)
	UpdateTrustPolicy(ctx context.Context, roleARN string, doc policy.Document) error

	// Resource-side policies for resource-policy-capable kinds. A missing
	// policy reads as an empty document, not an error.
	GetResourcePolicy(ctx context.Context, res arn.Resource) (policy.Document, error)
	PutResourcePolicy(ctx context.Context, res arn.Resource, doc policy.Document) error
	DeleteResourcePolicy(ctx context.Context, res arn.Resource) error

	// Metadata mutation on the identity store.
	GetTags(ctx context.Context, p models.Principal) (map[string]string, error)
	TagPrincipal(ctx context.Context, p models.Principal, key, value string) error
	UntagPrincipal(ctx context.Context, p models.Principal, key string) error

	// Principal lifecycle.
	CreatePrincipal(ctx context.Context, p models.Principal, trust *policy.Document) error
	DeletePrincipal(ctx context.Context, p models.Principal) error
}
