// Package request turns a raw batch of proposed changes into a validated
// Request and recomputes request-level status from change-level statuses.
package request

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/accessdesk/accessdesk/internal/arn"
	"github.com/accessdesk/accessdesk/internal/models"
	"github.com/accessdesk/accessdesk/internal/policy"
)

// PrincipalReader exposes the live principal state the builder validates
// against. The production implementation is the cloud provider adapter.
type PrincipalReader interface {
	GetInlinePolicies(ctx context.Context, p models.Principal) (map[string]policy.Document, error)
	ListAttachedPolicies(ctx context.Context, p models.Principal) ([]string, error)
	GetPermissionsBoundary(ctx context.Context, p models.Principal) (string, error)
	GetTrustPolicy(ctx context.Context, roleARN string) (policy.Document, error)
	GetTags(ctx context.Context, p models.Principal) (map[string]string, error)
}

// ProposedChange is one raw change specification as submitted.
type ProposedChange struct {
	Type         models.ChangeType   `json:"change_type"`
	PrincipalARN string              `json:"principal_arn,omitempty"`
	ARN          string              `json:"arn,omitempty"`
	Action       models.ChangeAction `json:"action,omitempty"`
	PolicyName   string              `json:"policy_name,omitempty"`
	PolicyARN    string              `json:"policy_arn,omitempty"`
	Policy       *policy.Document    `json:"policy,omitempty"`
	TagKey       string              `json:"tag_key,omitempty"`
	TagValue     string              `json:"tag_value,omitempty"`
}

// Proposal is the raw batch a requester submits.
type Proposal struct {
	PrincipalARN   string           `json:"principal_arn"`
	Changes        []ProposedChange `json:"changes"`
	Justification  string           `json:"justification,omitempty"`
	TTL            time.Duration    `json:"ttl,omitempty"`
	ExpirationDate *time.Time       `json:"expiration_date,omitempty"`
	AdminBypass    bool             `json:"admin_bypass,omitempty"`
}

// Builder validates and classifies proposals. It has no side effects beyond
// producing the in-memory request; persisting is the caller's step.
type Builder struct {
	reader   PrincipalReader
	resolver arn.Resolver
	logger   *slog.Logger
	now      func() time.Time
}

func NewBuilder(reader PrincipalReader, resolver arn.Resolver, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{
		reader:   reader,
		resolver: resolver,
		logger:   logger,
		now:      time.Now,
	}
}

// Build validates the proposal and produces a pending request with
// sequential change ids.
func (b *Builder) Build(ctx context.Context, proposal Proposal, requester string) (*models.Request, error) {
	if len(proposal.Changes) == 0 {
		return nil, fmt.Errorf("%w: a request needs at least one change", models.ErrValidation)
	}
	if proposal.TTL > 0 && proposal.ExpirationDate != nil {
		return nil, fmt.Errorf("%w: ttl and expiration_date are mutually exclusive", models.ErrValidation)
	}

	principal, err := b.classifyPrincipal(proposal.PrincipalARN)
	if err != nil {
		return nil, err
	}

	// The single-principal invariant is checked before anything else: a
	// proposed change naming a different principal fails the whole batch.
	for i, pc := range proposal.Changes {
		if pc.PrincipalARN != "" && pc.PrincipalARN != principal.ARN {
			return nil, fmt.Errorf("%w: change %d targets principal %s, request targets %s",
				models.ErrInvalidRequestParameter, i, pc.PrincipalARN, principal.ARN)
		}
		if !pc.Type.Known() {
			return nil, fmt.Errorf("%w: %q", models.ErrUnsupportedChangeType, pc.Type)
		}
	}

	if err := b.checkCombinations(proposal.Changes); err != nil {
		return nil, err
	}

	now := b.now()
	req := &models.Request{
		ID:              uuid.New(),
		Principal:       principal,
		Status:          models.RequestPending,
		Requester:       requester,
		Justification:   proposal.Justification,
		TTL:             proposal.TTL,
		ExpirationDate:  proposal.ExpirationDate,
		StatusChangedAt: now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	state, err := b.readState(ctx, principal, proposal.Changes)
	if err != nil {
		return nil, err
	}

	for _, pc := range proposal.Changes {
		ch, err := b.buildChange(ctx, req, pc, state)
		if err != nil {
			return nil, err
		}
		ch.ID = req.NextChangeID()
		req.Changes = append(req.Changes, ch)
	}

	b.logger.Info("request built",
		"request_id", req.ID,
		"principal", principal.ARN,
		"changes", len(req.Changes),
		"requester", requester)

	return req, nil
}

func (b *Builder) classifyPrincipal(principalARN string) (models.Principal, error) {
	if principalARN == "" {
		return models.Principal{}, fmt.Errorf("%w: principal arn is required", models.ErrValidation)
	}
	res, err := arn.Parse(principalARN)
	if err != nil {
		return models.Principal{}, fmt.Errorf("%w: %v", models.ErrValidation, err)
	}
	p := models.Principal{
		ARN:     res.ARN,
		Account: res.Account,
		Name:    res.Name,
	}
	switch res.Kind {
	case arn.KindIAMRole:
		p.Kind = models.PrincipalRole
	case arn.KindIAMUser:
		p.Kind = models.PrincipalUser
	default:
		p.Kind = models.PrincipalTemplated
	}
	return p, nil
}

// checkCombinations enforces batch-level structure: lifecycle changes stand
// alone and a request carries at most one trust-policy edit.
func (b *Builder) checkCombinations(changes []ProposedChange) error {
	trustEdits := 0
	for _, pc := range changes {
		switch pc.Type {
		case models.ChangeCreateResource, models.ChangeDeleteResource:
			if len(changes) > 1 {
				return fmt.Errorf("%w: a %s change must be the only change in its request",
					models.ErrInvalidRequestParameter, pc.Type)
			}
		case models.ChangeAssumeRolePolicy:
			trustEdits++
		}
	}
	if trustEdits > 1 {
		return fmt.Errorf("%w: at most one assume_role_policy change per request",
			models.ErrInvalidRequestParameter)
	}
	return nil
}

// principalState is the live snapshot validation compares against, fetched
// once per build.
type principalState struct {
	inline   map[string]policy.Document
	attached map[string]bool
	boundary string
	trust    *policy.Document
	tags     map[string]string
}

func (b *Builder) readState(ctx context.Context, p models.Principal, changes []ProposedChange) (*principalState, error) {
	state := &principalState{attached: make(map[string]bool)}

	var needInline, needAttached, needBoundary, needTrust, needTags bool
	for _, pc := range changes {
		switch pc.Type {
		case models.ChangeInlinePolicy, models.ChangeTimeRestrictedAccess:
			needInline = true
		case models.ChangeManagedPolicy:
			needAttached = true
		case models.ChangePermissionsBoundary:
			needBoundary = true
		case models.ChangeAssumeRolePolicy:
			needTrust = true
		case models.ChangeResourceTag:
			needTags = true
		}
	}

	if needInline {
		inline, err := b.reader.GetInlinePolicies(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("reading inline policies: %w", err)
		}
		state.inline = inline
	}
	if needAttached {
		arns, err := b.reader.ListAttachedPolicies(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("reading attached policies: %w", err)
		}
		for _, a := range arns {
			state.attached[a] = true
		}
	}
	if needBoundary {
		boundary, err := b.reader.GetPermissionsBoundary(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("reading permissions boundary: %w", err)
		}
		state.boundary = boundary
	}
	if needTrust {
		trust, err := b.reader.GetTrustPolicy(ctx, p.ARN)
		if err != nil {
			return nil, fmt.Errorf("reading trust policy: %w", err)
		}
		state.trust = &trust
	}
	if needTags {
		tags, err := b.reader.GetTags(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("reading tags: %w", err)
		}
		state.tags = tags
	}

	return state, nil
}

func (b *Builder) buildChange(ctx context.Context, req *models.Request, pc ProposedChange, state *principalState) (*models.Change, error) {
	ch := &models.Change{
		Type:      pc.Type,
		Status:    models.ChangeNotApplied,
		Origin:    models.OriginUserAuthored,
		ARN:       pc.ARN,
		Action:    pc.Action,
		Supported: true,
	}

	switch pc.Type {
	case models.ChangeInlinePolicy:
		return b.buildInlinePolicy(ch, pc, state)
	case models.ChangeManagedPolicy:
		return b.buildManagedPolicy(ch, pc, state)
	case models.ChangeAssumeRolePolicy:
		return b.buildAssumeRolePolicy(req, ch, pc, state)
	case models.ChangePermissionsBoundary:
		return b.buildPermissionsBoundary(ch, pc, state)
	case models.ChangeResourcePolicy, models.ChangeSTSResourcePolicy:
		return b.buildResourcePolicy(ctx, ch, pc)
	case models.ChangeResourceTag:
		return b.buildResourceTag(ch, pc, state)
	case models.ChangeTimeRestrictedAccess:
		return b.buildTimeRestricted(req, ch, pc, state)
	case models.ChangeCreateResource, models.ChangeDeleteResource:
		if pc.Policy != nil {
			ch.Policy = models.NewPolicySnapshot(*pc.Policy)
		}
		return ch, nil
	default:
		return nil, fmt.Errorf("%w: %q", models.ErrUnsupportedChangeType, pc.Type)
	}
}

func (b *Builder) buildInlinePolicy(ch *models.Change, pc ProposedChange, state *principalState) (*models.Change, error) {
	if pc.PolicyName == "" {
		return nil, fmt.Errorf("%w: inline policy change needs a policy name", models.ErrValidation)
	}
	ch.PolicyName = pc.PolicyName
	if ch.Action == "" {
		ch.Action = models.ActionPut
	}

	existing, exists := state.inline[pc.PolicyName]

	switch ch.Action {
	case models.ActionPut:
		if pc.Policy == nil {
			return nil, fmt.Errorf("%w: inline policy change needs a policy document", models.ErrValidation)
		}
		if exists && policy.Equal(existing, *pc.Policy) {
			return nil, fmt.Errorf("%w: policy %s is identical to the existing document",
				models.ErrInvalidRequestParameter, pc.PolicyName)
		}
		ch.Policy = models.NewPolicySnapshot(*pc.Policy)
	case models.ActionDelete:
		if !exists {
			return nil, fmt.Errorf("%w: policy %s does not exist on %s",
				models.ErrInvalidRequestParameter, pc.PolicyName, ch.ARN)
		}
	default:
		return nil, fmt.Errorf("%w: inline policy action must be put or delete", models.ErrValidation)
	}

	if exists {
		ch.OldPolicy = models.NewPolicySnapshot(existing)
	}
	return ch, nil
}

func (b *Builder) buildManagedPolicy(ch *models.Change, pc ProposedChange, state *principalState) (*models.Change, error) {
	if pc.PolicyARN == "" {
		return nil, fmt.Errorf("%w: managed policy change needs a policy arn", models.ErrValidation)
	}
	ch.PolicyARN = pc.PolicyARN

	switch ch.Action {
	case models.ActionAttach:
		if state.attached[pc.PolicyARN] {
			return nil, fmt.Errorf("%w: policy %s is already attached",
				models.ErrInvalidRequestParameter, pc.PolicyARN)
		}
	case models.ActionDetach:
		if !state.attached[pc.PolicyARN] {
			return nil, fmt.Errorf("%w: policy %s is not attached",
				models.ErrInvalidRequestParameter, pc.PolicyARN)
		}
	default:
		return nil, fmt.Errorf("%w: managed policy action must be attach or detach", models.ErrValidation)
	}
	return ch, nil
}

func (b *Builder) buildAssumeRolePolicy(req *models.Request, ch *models.Change, pc ProposedChange, state *principalState) (*models.Change, error) {
	if req.Principal.Kind != models.PrincipalRole {
		return nil, fmt.Errorf("%w: only roles carry an assume role policy", models.ErrInvalidRequestParameter)
	}
	if pc.Policy == nil {
		return nil, fmt.Errorf("%w: assume role policy change needs a policy document", models.ErrValidation)
	}
	if state.trust != nil {
		if policy.Equal(*state.trust, *pc.Policy) {
			return nil, fmt.Errorf("%w: trust policy is identical to the existing document",
				models.ErrInvalidRequestParameter)
		}
		ch.OldPolicy = models.NewPolicySnapshot(*state.trust)
	}
	ch.Policy = models.NewPolicySnapshot(*pc.Policy)
	return ch, nil
}

func (b *Builder) buildPermissionsBoundary(ch *models.Change, pc ProposedChange, state *principalState) (*models.Change, error) {
	switch ch.Action {
	case models.ActionPut:
		if pc.PolicyARN == "" {
			return nil, fmt.Errorf("%w: permissions boundary change needs a policy arn", models.ErrValidation)
		}
		if state.boundary == pc.PolicyARN {
			return nil, fmt.Errorf("%w: boundary %s is already set",
				models.ErrInvalidRequestParameter, pc.PolicyARN)
		}
		ch.PolicyARN = pc.PolicyARN
	case models.ActionDelete:
		if state.boundary == "" {
			return nil, fmt.Errorf("%w: no permissions boundary to remove", models.ErrInvalidRequestParameter)
		}
	default:
		return nil, fmt.Errorf("%w: permissions boundary action must be put or delete", models.ErrValidation)
	}
	ch.OldPolicyARN = state.boundary
	return ch, nil
}

func (b *Builder) buildResourcePolicy(ctx context.Context, ch *models.Change, pc ProposedChange) (*models.Change, error) {
	if pc.ARN == "" {
		return nil, fmt.Errorf("%w: resource policy change needs a target arn", models.ErrValidation)
	}
	if pc.Policy == nil {
		return nil, fmt.Errorf("%w: resource policy change needs a policy document", models.ErrValidation)
	}

	res, err := b.resolver.Resolve(ctx, pc.ARN)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrValidation, err)
	}
	switch pc.Type {
	case models.ChangeSTSResourcePolicy:
		ch.Supported = res.Kind == arn.KindIAMRole
	default:
		ch.Supported = res.ResourcePolicyCapable()
	}

	ch.Policy = models.NewPolicySnapshot(*pc.Policy)
	return ch, nil
}

func (b *Builder) buildResourceTag(ch *models.Change, pc ProposedChange, state *principalState) (*models.Change, error) {
	if pc.TagKey == "" {
		return nil, fmt.Errorf("%w: resource tag change needs a tag key", models.ErrValidation)
	}
	ch.TagKey = pc.TagKey
	ch.TagValue = pc.TagValue

	existing, exists := state.tags[pc.TagKey]
	switch ch.Action {
	case models.ActionPut:
		if exists && existing == pc.TagValue {
			return nil, fmt.Errorf("%w: tag %s already has value %q",
				models.ErrInvalidRequestParameter, pc.TagKey, pc.TagValue)
		}
	case models.ActionDelete:
		if !exists {
			return nil, fmt.Errorf("%w: tag %s is not set", models.ErrInvalidRequestParameter, pc.TagKey)
		}
	default:
		return nil, fmt.Errorf("%w: resource tag action must be put or delete", models.ErrValidation)
	}
	return ch, nil
}

func (b *Builder) buildTimeRestricted(req *models.Request, ch *models.Change, pc ProposedChange, _ *principalState) (*models.Change, error) {
	if pc.Policy == nil {
		return nil, fmt.Errorf("%w: time restricted access change needs a policy document", models.ErrValidation)
	}
	if req.TTL == 0 && req.ExpirationDate == nil {
		return nil, fmt.Errorf("%w: time restricted access requires a ttl or expiration date",
			models.ErrInvalidRequestParameter)
	}
	ch.Policy = models.NewPolicySnapshot(*pc.Policy)
	return ch, nil
}
