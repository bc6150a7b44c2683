package reaper

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/accessdesk/accessdesk/internal/arn"
	"github.com/accessdesk/accessdesk/internal/cloud"
	"github.com/accessdesk/accessdesk/internal/models"
	"github.com/accessdesk/accessdesk/internal/policy"
)

type fakeStore struct {
	due   []*models.Request
	saved []*models.Request
}

func (f *fakeStore) Query(_ context.Context, filter models.RequestFilter) ([]*models.Request, error) {
	if filter.Status != models.RequestApproved || filter.ExpiresBefore == nil {
		return nil, nil
	}
	return f.due, nil
}

func (f *fakeStore) CompareAndSwap(_ context.Context, req *models.Request) error {
	f.saved = append(f.saved, req)
	return nil
}

type fakeProvider struct {
	resourcePolicies map[string]policy.Document
	trustPolicies    map[string]policy.Document
	calls            []string
	putDocs          map[string]policy.Document
	failOps          map[string]error
}

func (f *fakeProvider) call(op string) error {
	f.calls = append(f.calls, op)
	if err, ok := f.failOps[op]; ok {
		return err
	}
	return nil
}

func (f *fakeProvider) GetInlinePolicies(context.Context, models.Principal) (map[string]policy.Document, error) {
	return nil, nil
}
func (f *fakeProvider) PutInlinePolicy(_ context.Context, _ models.Principal, name string, doc policy.Document) error {
	if f.putDocs == nil {
		f.putDocs = map[string]policy.Document{}
	}
	f.putDocs["inline:"+name] = doc
	return f.call("PutInlinePolicy:" + name)
}
func (f *fakeProvider) DeleteInlinePolicy(_ context.Context, _ models.Principal, name string) error {
	return f.call("DeleteInlinePolicy:" + name)
}
func (f *fakeProvider) ListAttachedPolicies(context.Context, models.Principal) ([]string, error) {
	return nil, nil
}
func (f *fakeProvider) AttachManagedPolicy(_ context.Context, _ models.Principal, policyARN string) error {
	return f.call("AttachManagedPolicy:" + policyARN)
}
func (f *fakeProvider) DetachManagedPolicy(_ context.Context, _ models.Principal, policyARN string) error {
	return f.call("DetachManagedPolicy:" + policyARN)
}
func (f *fakeProvider) GetPermissionsBoundary(context.Context, models.Principal) (string, error) {
	return "", nil
}
func (f *fakeProvider) PutPermissionsBoundary(_ context.Context, _ models.Principal, policyARN string) error {
	return f.call("PutPermissionsBoundary:" + policyARN)
}
func (f *fakeProvider) DeletePermissionsBoundary(context.Context, models.Principal) error {
	return f.call("DeletePermissionsBoundary")
}
func (f *fakeProvider) GetTrustPolicy(_ context.Context, roleARN string) (policy.Document, error) {
	return f.trustPolicies[roleARN], nil
}
func (f *fakeProvider) UpdateTrustPolicy(_ context.Context, roleARN string, doc policy.Document) error {
	if f.putDocs == nil {
		f.putDocs = map[string]policy.Document{}
	}
	f.putDocs["trust:"+roleARN] = doc
	return f.call("UpdateTrustPolicy:" + roleARN)
}
func (f *fakeProvider) GetResourcePolicy(_ context.Context, res arn.Resource) (policy.Document, error) {
	return f.resourcePolicies[res.ARN], nil
}
func (f *fakeProvider) PutResourcePolicy(_ context.Context, res arn.Resource, doc policy.Document) error {
	if f.putDocs == nil {
		f.putDocs = map[string]policy.Document{}
	}
	f.putDocs["resource:"+res.ARN] = doc
	return f.call("PutResourcePolicy:" + res.ARN)
}
func (f *fakeProvider) DeleteResourcePolicy(_ context.Context, res arn.Resource) error {
	return f.call("DeleteResourcePolicy:" + res.ARN)
}
func (f *fakeProvider) GetTags(context.Context, models.Principal) (map[string]string, error) {
	return nil, nil
}
func (f *fakeProvider) TagPrincipal(_ context.Context, _ models.Principal, key, _ string) error {
	return f.call("TagPrincipal:" + key)
}
func (f *fakeProvider) UntagPrincipal(_ context.Context, _ models.Principal, key string) error {
	return f.call("UntagPrincipal:" + key)
}
func (f *fakeProvider) CreatePrincipal(context.Context, models.Principal, *policy.Document) error {
	return f.call("CreatePrincipal")
}
func (f *fakeProvider) DeletePrincipal(context.Context, models.Principal) error {
	return f.call("DeletePrincipal")
}

type fakeRefresher struct {
	accounts []string
}

func (f *fakeRefresher) Trigger(_ context.Context, account string) error {
	f.accounts = append(f.accounts, account)
	return nil
}

func mustParse(t *testing.T, raw string) policy.Document {
	t.Helper()
	doc, err := policy.Parse(raw)
	if err != nil {
		t.Fatalf("parsing policy: %v", err)
	}
	return doc
}

func dueRequest(t *testing.T) *models.Request {
	t.Helper()
	exp := time.Now().Add(-time.Hour)
	old := mustParse(t, `{"Statement":[{"Effect":"Allow","Action":"s3:ListBucket","Resource":"arn:aws:s3:::b"}]}`)
	cur := mustParse(t, `{"Statement":[{"Effect":"Allow","Action":"s3:GetObject","Resource":"arn:aws:s3:::b"}]}`)
	applied := time.Now().Add(-2 * time.Hour)
	return &models.Request{
		ID:     uuid.New(),
		Status: models.RequestApproved,
		Principal: models.Principal{
			ARN:     "arn:aws:iam::111111111111:role/app-server",
			Kind:    models.PrincipalRole,
			Account: "111111111111",
			Name:    "app-server",
		},
		ExpirationDate: &exp,
		Changes: []*models.Change{
			{
				ID:         1,
				Type:       models.ChangeInlinePolicy,
				Status:     models.ChangeApplied,
				Origin:     models.OriginUserAuthored,
				Action:     models.ActionPut,
				PolicyName: "app-access",
				Policy:     models.NewPolicySnapshot(cur),
				OldPolicy:  models.NewPolicySnapshot(old),
				Supported:  true,
				AppliedAt:  &applied,
			},
			{
				ID:        2,
				Type:      models.ChangeResourcePolicy,
				Status:    models.ChangeApplied,
				Origin:    models.OriginAutogenerated,
				Action:    models.ActionPut,
				ARN:       "arn:aws:s3:::shared-data",
				Supported: true,
				AppliedAt: &applied,
			},
			{
				ID:        3,
				Type:      models.ChangeManagedPolicy,
				Status:    models.ChangeNotApplied,
				Origin:    models.OriginUserAuthored,
				Action:    models.ActionAttach,
				PolicyARN: "arn:aws:iam::aws:policy/ReadOnlyAccess",
				Supported: true,
			},
		},
	}
}

func TestSweepExpiresDueRequest(t *testing.T) {
	req := dueRequest(t)
	marker := req.SidMarker()

	provider := &fakeProvider{
		resourcePolicies: map[string]policy.Document{
			"arn:aws:s3:::shared-data": mustParse(t, `{"Statement":[
				{"Sid":"`+marker+`C1","Effect":"Allow","Principal":{"AWS":"arn:aws:iam::111111111111:role/app-server"},"Action":"s3:GetObject","Resource":"arn:aws:s3:::shared-data"},
				{"Sid":"Unrelated","Effect":"Allow","Principal":{"AWS":"arn:aws:iam::333:root"},"Action":"s3:GetObject","Resource":"arn:aws:s3:::shared-data"}
			]}`),
		},
	}
	store := &fakeStore{due: []*models.Request{req}}
	refresher := &fakeRefresher{}
	r := New(store, provider, &arn.StaticResolver{}, refresher, nil, nil, nil)

	if err := r.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	if req.Status != models.RequestExpired {
		t.Errorf("expected request expired, got %s", req.Status)
	}
	for _, ch := range req.Changes {
		if ch.Status != models.ChangeExpired {
			t.Errorf("change %d: expected expired, got %s", ch.ID, ch.Status)
		}
	}

	// Inline policy restored to its pre-change snapshot.
	restored, ok := provider.putDocs["inline:app-access"]
	if !ok {
		t.Fatal("expected inline policy restored")
	}
	if !policy.Equal(restored, req.Changes[0].OldPolicy.Document) {
		t.Error("restored inline policy does not match the old snapshot")
	}

	// Marker statements stripped, unrelated statements kept.
	stripped, ok := provider.putDocs["resource:arn:aws:s3:::shared-data"]
	if !ok {
		t.Fatal("expected resource policy rewritten")
	}
	if len(stripped.Statement) != 1 || stripped.Statement[0].Sid != "Unrelated" {
		t.Errorf("unexpected stripped policy: %+v", stripped.Statement)
	}

	if len(store.saved) != 1 {
		t.Fatalf("expected one guarded write, got %d", len(store.saved))
	}
	if len(refresher.accounts) != 1 || refresher.accounts[0] != "111111111111" {
		t.Errorf("expected refresh for the principal account, got %v", refresher.accounts)
	}
}

func TestSweepNothingDue(t *testing.T) {
	store := &fakeStore{}
	r := New(store, &fakeProvider{}, &arn.StaticResolver{}, nil, nil, nil, nil)

	if err := r.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if len(store.saved) != 0 {
		t.Errorf("expected no writes, got %d", len(store.saved))
	}
}

func TestRevokeInverseOperations(t *testing.T) {
	tests := []struct {
		name   string
		change models.Change
		want   string
	}{
		{
			name:   "attached managed policy detached",
			change: models.Change{Type: models.ChangeManagedPolicy, Action: models.ActionAttach, PolicyARN: "arn:aws:iam::aws:policy/X"},
			want:   "DetachManagedPolicy:arn:aws:iam::aws:policy/X",
		},
		{
			name:   "detached managed policy re-attached",
			change: models.Change{Type: models.ChangeManagedPolicy, Action: models.ActionDetach, PolicyARN: "arn:aws:iam::aws:policy/X"},
			want:   "AttachManagedPolicy:arn:aws:iam::aws:policy/X",
		},
		{
			name:   "boundary removed when none existed",
			change: models.Change{Type: models.ChangePermissionsBoundary, Action: models.ActionPut, PolicyARN: "arn:aws:iam::aws:policy/B"},
			want:   "DeletePermissionsBoundary",
		},
		{
			name:   "boundary restored when one existed",
			change: models.Change{Type: models.ChangePermissionsBoundary, Action: models.ActionPut, PolicyARN: "arn:aws:iam::aws:policy/B", OldPolicyARN: "arn:aws:iam::aws:policy/Old"},
			want:   "PutPermissionsBoundary:arn:aws:iam::aws:policy/Old",
		},
		{
			name:   "tag removed",
			change: models.Change{Type: models.ChangeResourceTag, Action: models.ActionPut, TagKey: "team", TagValue: "data"},
			want:   "UntagPrincipal:team",
		},
		{
			name:   "created principal deleted",
			change: models.Change{Type: models.ChangeCreateResource},
			want:   "DeletePrincipal",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := dueRequest(t)
			ch := tt.change
			ch.ID = 10
			ch.Status = models.ChangeApplied
			ch.Supported = true
			req.Changes = []*models.Change{&ch}

			provider := &fakeProvider{}
			store := &fakeStore{due: []*models.Request{req}}
			r := New(store, provider, &arn.StaticResolver{}, nil, nil, nil, nil)

			if err := r.Sweep(context.Background()); err != nil {
				t.Fatalf("Sweep: %v", err)
			}
			found := false
			for _, c := range provider.calls {
				if c == tt.want {
					found = true
				}
			}
			if !found {
				t.Errorf("expected call %q, got %v", tt.want, provider.calls)
			}
		})
	}
}

func TestRevokeToleratesAlreadyDetached(t *testing.T) {
	req := dueRequest(t)
	ch := &models.Change{
		ID:        5,
		Type:      models.ChangeManagedPolicy,
		Status:    models.ChangeApplied,
		Origin:    models.OriginUserAuthored,
		Action:    models.ActionAttach,
		PolicyARN: "arn:aws:iam::aws:policy/X",
		Supported: true,
	}
	req.Changes = []*models.Change{ch}

	provider := &fakeProvider{failOps: map[string]error{
		"DetachManagedPolicy:arn:aws:iam::aws:policy/X": &cloud.Error{
			Op: "iam.DetachRolePolicy", Code: "NoSuchEntity", Message: "policy not attached",
		},
	}}
	store := &fakeStore{due: []*models.Request{req}}
	r := New(store, provider, &arn.StaticResolver{}, nil, nil, nil, nil)

	if err := r.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if ch.Status != models.ChangeExpired {
		t.Errorf("expected the already-detached change to expire, got %s", ch.Status)
	}
	if req.Status != models.RequestExpired {
		t.Errorf("expected request expired, got %s", req.Status)
	}
}

func TestSweepKeepsFailedRevokesApplied(t *testing.T) {
	req := dueRequest(t)
	// The inline restore fails; the resource-policy strip and the untouched
	// change must still be processed and persisted.
	provider := &fakeProvider{failOps: map[string]error{
		"PutInlinePolicy:app-access": &cloud.Error{
			Op: "iam.PutRolePolicy", Code: "AccessDenied", Message: "denied",
		},
	}}
	store := &fakeStore{due: []*models.Request{req}}
	r := New(store, provider, &arn.StaticResolver{}, nil, nil, nil, nil)

	if err := r.Sweep(context.Background()); err == nil {
		t.Fatal("expected sweep to report the failed revoke")
	}

	if req.Changes[0].Status != models.ChangeApplied {
		t.Errorf("failed revoke must leave the change applied, got %s", req.Changes[0].Status)
	}
	if req.Changes[1].Status != models.ChangeExpired {
		t.Errorf("expected the other applied change revoked, got %s", req.Changes[1].Status)
	}
	if req.Changes[2].Status != models.ChangeExpired {
		t.Errorf("expected the untouched change expired, got %s", req.Changes[2].Status)
	}
	if req.Status != models.RequestApproved {
		t.Errorf("request must stay approved while a grant is live, got %s", req.Status)
	}
	if len(store.saved) != 1 {
		t.Fatalf("expected partial progress persisted, got %d writes", len(store.saved))
	}

	// Once the blocked revoke succeeds, the next sweep finishes the job.
	provider.failOps = nil
	if err := r.Sweep(context.Background()); err != nil {
		t.Fatalf("second Sweep: %v", err)
	}
	if req.Changes[0].Status != models.ChangeExpired {
		t.Errorf("expected retried revoke to expire the change, got %s", req.Changes[0].Status)
	}
	if req.Status != models.RequestExpired {
		t.Errorf("expected request expired after the retry, got %s", req.Status)
	}
}

func TestRevokeTimeBoxedDeletesMarkerPolicy(t *testing.T) {
	req := dueRequest(t)
	ch := &models.Change{
		ID:        7,
		Type:      models.ChangeTimeRestrictedAccess,
		Status:    models.ChangeApplied,
		Origin:    models.OriginUserAuthored,
		Supported: true,
	}
	req.Changes = []*models.Change{ch}

	provider := &fakeProvider{}
	store := &fakeStore{due: []*models.Request{req}}
	r := New(store, provider, &arn.StaticResolver{}, nil, nil, nil, nil)

	if err := r.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	want := "DeleteInlinePolicy:" + req.SidMarker() + "C7"
	found := false
	for _, c := range provider.calls {
		if c == want {
			found = true
		}
	}
	if !found {
		t.Errorf("expected call %q, got %v", want, provider.calls)
	}
}
