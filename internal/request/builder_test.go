package request

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/accessdesk/accessdesk/internal/arn"
	"github.com/accessdesk/accessdesk/internal/models"
	"github.com/accessdesk/accessdesk/internal/policy"
)

type fakeReader struct {
	inline   map[string]policy.Document
	attached []string
	boundary string
	trust    policy.Document
	tags     map[string]string
}

func (f *fakeReader) GetInlinePolicies(_ context.Context, _ models.Principal) (map[string]policy.Document, error) {
	return f.inline, nil
}

func (f *fakeReader) ListAttachedPolicies(_ context.Context, _ models.Principal) ([]string, error) {
	return f.attached, nil
}

func (f *fakeReader) GetPermissionsBoundary(_ context.Context, _ models.Principal) (string, error) {
	return f.boundary, nil
}

func (f *fakeReader) GetTrustPolicy(_ context.Context, _ string) (policy.Document, error) {
	return f.trust, nil
}

func (f *fakeReader) GetTags(_ context.Context, _ models.Principal) (map[string]string, error) {
	return f.tags, nil
}

const roleARN = "arn:aws:iam::123456789012:role/app-server"

func mustParse(t *testing.T, raw string) policy.Document {
	t.Helper()
	doc, err := policy.Parse(raw)
	if err != nil {
		t.Fatalf("parsing policy: %v", err)
	}
	return doc
}

func newTestBuilder(reader *fakeReader) *Builder {
	if reader == nil {
		reader = &fakeReader{}
	}
	return NewBuilder(reader, &arn.StaticResolver{}, nil)
}

func TestBuildBasicRequest(t *testing.T) {
	b := newTestBuilder(&fakeReader{})
	doc := mustParse(t, `{"Statement":[{"Effect":"Allow","Action":"s3:GetObject","Resource":"arn:aws:s3:::b"}]}`)

	req, err := b.Build(context.Background(), Proposal{
		PrincipalARN: roleARN,
		Changes: []ProposedChange{
			{Type: models.ChangeInlinePolicy, PolicyName: "app-access", Policy: &doc},
			{Type: models.ChangeManagedPolicy, Action: models.ActionAttach, PolicyARN: "arn:aws:iam::aws:policy/ReadOnlyAccess"},
		},
		Justification: "deploy access",
	}, "alice@example.com")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if req.Status != models.RequestPending {
		t.Errorf("expected pending, got %s", req.Status)
	}
	if req.Principal.Kind != models.PrincipalRole || req.Principal.Account != "123456789012" {
		t.Errorf("unexpected principal classification: %+v", req.Principal)
	}
	if req.Requester != "alice@example.com" {
		t.Errorf("unexpected requester %q", req.Requester)
	}
	if len(req.Changes) != 2 {
		t.Fatalf("expected 2 changes, got %d", len(req.Changes))
	}
	for i, ch := range req.Changes {
		if ch.ID != i+1 {
			t.Errorf("expected sequential ids, change %d has id %d", i, ch.ID)
		}
		if ch.Status != models.ChangeNotApplied {
			t.Errorf("expected not_applied, got %s", ch.Status)
		}
		if ch.Origin != models.OriginUserAuthored {
			t.Errorf("expected user_authored, got %s", ch.Origin)
		}
	}
}

func TestBuildRejectsMixedPrincipals(t *testing.T) {
	b := newTestBuilder(nil)
	doc := mustParse(t, `{"Statement":[{"Effect":"Allow","Action":"s3:GetObject"}]}`)

	_, err := b.Build(context.Background(), Proposal{
		PrincipalARN: roleARN,
		Changes: []ProposedChange{
			{Type: models.ChangeInlinePolicy, PolicyName: "p", Policy: &doc},
			{Type: models.ChangeInlinePolicy, PrincipalARN: "arn:aws:iam::123456789012:role/other", PolicyName: "q", Policy: &doc},
		},
	}, "alice@example.com")
	if !errors.Is(err, models.ErrInvalidRequestParameter) {
		t.Fatalf("expected ErrInvalidRequestParameter, got %v", err)
	}
}

func TestBuildRejectsUnknownChangeType(t *testing.T) {
	b := newTestBuilder(nil)
	_, err := b.Build(context.Background(), Proposal{
		PrincipalARN: roleARN,
		Changes:      []ProposedChange{{Type: "grant_root"}},
	}, "alice@example.com")
	if !errors.Is(err, models.ErrUnsupportedChangeType) {
		t.Fatalf("expected ErrUnsupportedChangeType, got %v", err)
	}
}

func TestBuildTTLAndExpirationExclusive(t *testing.T) {
	b := newTestBuilder(nil)
	doc := mustParse(t, `{"Statement":[{"Effect":"Allow","Action":"s3:GetObject"}]}`)
	exp := time.Now().Add(24 * time.Hour)

	_, err := b.Build(context.Background(), Proposal{
		PrincipalARN:   roleARN,
		TTL:            time.Hour,
		ExpirationDate: &exp,
		Changes:        []ProposedChange{{Type: models.ChangeInlinePolicy, PolicyName: "p", Policy: &doc}},
	}, "alice@example.com")
	if !errors.Is(err, models.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestBuildInlinePolicyValidation(t *testing.T) {
	existing := mustParse(t, `{"Statement":[{"Effect":"Allow","Action":"s3:GetObject","Resource":"arn:aws:s3:::b"}]}`)
	reader := &fakeReader{inline: map[string]policy.Document{"app-access": existing}}
	b := newTestBuilder(reader)

	t.Run("identical document is a no-op", func(t *testing.T) {
		same := mustParse(t, `{"Version":"2012-10-17","Statement":[{"Effect":"Allow","Action":"s3:getobject","Resource":"arn:aws:s3:::b"}]}`)
		_, err := b.Build(context.Background(), Proposal{
			PrincipalARN: roleARN,
			Changes:      []ProposedChange{{Type: models.ChangeInlinePolicy, PolicyName: "app-access", Policy: &same}},
		}, "alice@example.com")
		if !errors.Is(err, models.ErrInvalidRequestParameter) {
			t.Fatalf("expected ErrInvalidRequestParameter, got %v", err)
		}
	})

	t.Run("edit captures old policy snapshot", func(t *testing.T) {
		edited := mustParse(t, `{"Statement":[{"Effect":"Allow","Action":"s3:PutObject","Resource":"arn:aws:s3:::b"}]}`)
		req, err := b.Build(context.Background(), Proposal{
			PrincipalARN: roleARN,
			Changes:      []ProposedChange{{Type: models.ChangeInlinePolicy, PolicyName: "app-access", Policy: &edited}},
		}, "alice@example.com")
		if err != nil {
			t.Fatalf("Build: %v", err)
		}
		ch := req.Changes[0]
		if ch.OldPolicy == nil {
			t.Fatal("expected old policy snapshot")
		}
		if ch.OldPolicy.SHA256 != policy.Hash(existing) {
			t.Error("old policy snapshot does not match live document")
		}
	})

	t.Run("delete of missing policy rejected", func(t *testing.T) {
		_, err := b.Build(context.Background(), Proposal{
			PrincipalARN: roleARN,
			Changes:      []ProposedChange{{Type: models.ChangeInlinePolicy, Action: models.ActionDelete, PolicyName: "ghost"}},
		}, "alice@example.com")
		if !errors.Is(err, models.ErrInvalidRequestParameter) {
			t.Fatalf("expected ErrInvalidRequestParameter, got %v", err)
		}
	})
}

func TestBuildManagedPolicyValidation(t *testing.T) {
	reader := &fakeReader{attached: []string{"arn:aws:iam::aws:policy/ReadOnlyAccess"}}
	b := newTestBuilder(reader)

	tests := []struct {
		name      string
		action    models.ChangeAction
		policyARN string
		wantErr   bool
	}{
		{"attach new", models.ActionAttach, "arn:aws:iam::aws:policy/PowerUserAccess", false},
		{"attach duplicate", models.ActionAttach, "arn:aws:iam::aws:policy/ReadOnlyAccess", true},
		{"detach attached", models.ActionDetach, "arn:aws:iam::aws:policy/ReadOnlyAccess", false},
		{"detach missing", models.ActionDetach, "arn:aws:iam::aws:policy/PowerUserAccess", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := b.Build(context.Background(), Proposal{
				PrincipalARN: roleARN,
				Changes:      []ProposedChange{{Type: models.ChangeManagedPolicy, Action: tt.action, PolicyARN: tt.policyARN}},
			}, "alice@example.com")
			if tt.wantErr && !errors.Is(err, models.ErrInvalidRequestParameter) {
				t.Fatalf("expected ErrInvalidRequestParameter, got %v", err)
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("Build: %v", err)
			}
		})
	}
}

func TestBuildLifecycleChangesStandAlone(t *testing.T) {
	b := newTestBuilder(nil)
	doc := mustParse(t, `{"Statement":[{"Effect":"Allow","Action":"s3:GetObject"}]}`)

	_, err := b.Build(context.Background(), Proposal{
		PrincipalARN: roleARN,
		Changes: []ProposedChange{
			{Type: models.ChangeCreateResource},
			{Type: models.ChangeInlinePolicy, PolicyName: "p", Policy: &doc},
		},
	}, "alice@example.com")
	if !errors.Is(err, models.ErrInvalidRequestParameter) {
		t.Fatalf("expected ErrInvalidRequestParameter, got %v", err)
	}
}

func TestBuildSingleTrustEdit(t *testing.T) {
	b := newTestBuilder(&fakeReader{})
	doc := mustParse(t, `{"Statement":[{"Effect":"Allow","Principal":{"AWS":"arn:aws:iam::222:root"},"Action":"sts:AssumeRole"}]}`)
	doc2 := mustParse(t, `{"Statement":[{"Effect":"Allow","Principal":{"AWS":"arn:aws:iam::333:root"},"Action":"sts:AssumeRole"}]}`)

	_, err := b.Build(context.Background(), Proposal{
		PrincipalARN: roleARN,
		Changes: []ProposedChange{
			{Type: models.ChangeAssumeRolePolicy, Policy: &doc},
			{Type: models.ChangeAssumeRolePolicy, Policy: &doc2},
		},
	}, "alice@example.com")
	if !errors.Is(err, models.ErrInvalidRequestParameter) {
		t.Fatalf("expected ErrInvalidRequestParameter, got %v", err)
	}
}

func TestBuildResourcePolicySupportFlag(t *testing.T) {
	b := newTestBuilder(&fakeReader{})
	doc := mustParse(t, `{"Statement":[{"Effect":"Allow","Action":"dynamodb:GetItem"}]}`)

	req, err := b.Build(context.Background(), Proposal{
		PrincipalARN: roleARN,
		Changes: []ProposedChange{
			{Type: models.ChangeResourcePolicy, ARN: "arn:aws:s3:::data-lake", Policy: &doc},
			{Type: models.ChangeResourcePolicy, ARN: "arn:aws:dynamodb:us-east-1:123456789012:table/users", Policy: &doc},
		},
	}, "alice@example.com")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if !req.Changes[0].Supported {
		t.Error("expected s3 target to be supported")
	}
	if req.Changes[1].Supported {
		t.Error("expected dynamodb target to be unsupported")
	}
}

func TestBuildTimeRestrictedNeedsDeadline(t *testing.T) {
	b := newTestBuilder(nil)
	doc := mustParse(t, `{"Statement":[{"Effect":"Allow","Action":"s3:GetObject"}]}`)

	_, err := b.Build(context.Background(), Proposal{
		PrincipalARN: roleARN,
		Changes:      []ProposedChange{{Type: models.ChangeTimeRestrictedAccess, Policy: &doc}},
	}, "alice@example.com")
	if !errors.Is(err, models.ErrInvalidRequestParameter) {
		t.Fatalf("expected ErrInvalidRequestParameter, got %v", err)
	}

	req, err := b.Build(context.Background(), Proposal{
		PrincipalARN: roleARN,
		TTL:          2 * time.Hour,
		Changes:      []ProposedChange{{Type: models.ChangeTimeRestrictedAccess, Policy: &doc}},
	}, "alice@example.com")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if req.TTL != 2*time.Hour {
		t.Errorf("expected ttl carried, got %s", req.TTL)
	}
	if req.ExpirationDate != nil {
		t.Error("expiration date should stay unset until first application")
	}
}
