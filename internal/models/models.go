package models

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/accessdesk/accessdesk/internal/policy"
)

type PrincipalKind string

const (
	PrincipalRole      PrincipalKind = "role"
	PrincipalUser      PrincipalKind = "user"
	PrincipalTemplated PrincipalKind = "templated"
)

// Principal is the cloud identity a request modifies. It is immutable once
// the request exists.
type Principal struct {
	ARN     string        `json:"arn"`
	Kind    PrincipalKind `json:"kind"`
	Account string        `json:"account"`
	Name    string        `json:"name"`
}

type ChangeType string

const (
	ChangeInlinePolicy         ChangeType = "inline_policy"
	ChangeManagedPolicy        ChangeType = "managed_policy"
	ChangeAssumeRolePolicy     ChangeType = "assume_role_policy"
	ChangeResourcePolicy       ChangeType = "resource_policy"
	ChangeSTSResourcePolicy    ChangeType = "sts_resource_policy"
	ChangePermissionsBoundary  ChangeType = "permissions_boundary"
	ChangeResourceTag          ChangeType = "resource_tag"
	ChangeTimeRestrictedAccess ChangeType = "time_restricted_access"
	ChangeCreateResource       ChangeType = "create_resource"
	ChangeDeleteResource       ChangeType = "delete_resource"
)

var knownChangeTypes = map[ChangeType]bool{
	ChangeInlinePolicy:         true,
	ChangeManagedPolicy:        true,
	ChangeAssumeRolePolicy:     true,
	ChangeResourcePolicy:       true,
	ChangeSTSResourcePolicy:    true,
	ChangePermissionsBoundary:  true,
	ChangeResourceTag:          true,
	ChangeTimeRestrictedAccess: true,
	ChangeCreateResource:       true,
	ChangeDeleteResource:       true,
}

func (t ChangeType) Known() bool {
	return knownChangeTypes[t]
}

type ChangeStatus string

const (
	ChangeNotApplied ChangeStatus = "not_applied"
	ChangeApplied    ChangeStatus = "applied"
	ChangeCancelled  ChangeStatus = "cancelled"
	ChangeExpired    ChangeStatus = "expired"
)

// CanTransition reports whether moving to next is a legal change-status
// transition. Transitions are monotonic: once a change leaves not_applied it
// never goes back, and the only move out of a terminal state is
// applied -> expired (the reaper's revoke).
func (s ChangeStatus) CanTransition(next ChangeStatus) bool {
	switch s {
	case ChangeNotApplied:
		return next == ChangeApplied || next == ChangeCancelled || next == ChangeExpired
	case ChangeApplied:
		return next == ChangeExpired
	default:
		return false
	}
}

// ChangeOrigin distinguishes derived changes from ones the user wrote.
// The only legal transition is autogenerated -> user_authored, via an
// explicit edit command.
type ChangeOrigin string

const (
	OriginAutogenerated ChangeOrigin = "autogenerated"
	OriginUserAuthored  ChangeOrigin = "user_authored"
)

type ChangeAction string

const (
	ActionAttach ChangeAction = "attach"
	ActionDetach ChangeAction = "detach"
	ActionPut    ChangeAction = "put"
	ActionDelete ChangeAction = "delete"
)

// PolicySnapshot is a policy document plus a content hash used to detect
// no-op edits and stale autogenerated grants.
type PolicySnapshot struct {
	Document policy.Document `json:"document"`
	SHA256   string          `json:"policy_sha256"`
}

// NewPolicySnapshot normalizes the document and captures its hash.
func NewPolicySnapshot(doc policy.Document) *PolicySnapshot {
	norm := policy.Normalize(doc)
	return &PolicySnapshot{
		Document: norm,
		SHA256:   policy.Hash(norm),
	}
}

// Change is one atomic mutation within a request.
type Change struct {
	ID             int          `json:"id"`
	Type           ChangeType   `json:"change_type"`
	Status         ChangeStatus `json:"status"`
	Origin         ChangeOrigin `json:"origin"`
	SourceChangeID *int         `json:"source_change_id,omitempty"`

	// ARN is the target resource for resource_policy, sts_resource_policy
	// and resource_tag changes. Empty for changes that target the principal.
	ARN string `json:"arn,omitempty"`

	Action       ChangeAction    `json:"action,omitempty"`
	PolicyName   string          `json:"policy_name,omitempty"`
	PolicyARN    string          `json:"policy_arn,omitempty"`
	OldPolicyARN string          `json:"old_policy_arn,omitempty"`
	Policy       *PolicySnapshot `json:"policy,omitempty"`
	OldPolicy    *PolicySnapshot `json:"old_policy,omitempty"`

	TagKey   string `json:"tag_key,omitempty"`
	TagValue string `json:"tag_value,omitempty"`

	// Supported reports whether the target resource type is one this system
	// knows how to mutate. Unsupported changes are kept for audit but are
	// never applied and never block request approval.
	Supported bool `json:"supported"`

	AppliedAt *time.Time `json:"applied_at,omitempty"`
}

// Autogenerated reports whether the change is still machine-owned.
func (c *Change) Autogenerated() bool {
	return c.Origin == OriginAutogenerated
}

type RequestStatus string

const (
	RequestPending   RequestStatus = "pending"
	RequestApproved  RequestStatus = "approved"
	RequestRejected  RequestStatus = "rejected"
	RequestCancelled RequestStatus = "cancelled"
	RequestExpired   RequestStatus = "expired"
)

type Comment struct {
	Author    string    `json:"author"`
	Body      string    `json:"body"`
	System    bool      `json:"system,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Request is the aggregate root: one principal, an ordered list of changes,
// and a logical clock used for optimistic-concurrency checks on every write.
type Request struct {
	ID        uuid.UUID `json:"id"`
	Principal Principal `json:"principal"`
	Changes   []*Change `json:"changes"`

	Status    RequestStatus `json:"status"`
	Requester string        `json:"requester"`
	Reviewer  string        `json:"reviewer,omitempty"`
	Comments  []Comment     `json:"comments,omitempty"`

	Justification string `json:"justification,omitempty"`

	// TTL and ExpirationDate are mutually exclusive. When TTL is set, the
	// absolute expiration is computed at the moment of first application.
	TTL            time.Duration `json:"ttl,omitempty"`
	ExpirationDate *time.Time    `json:"expiration_date,omitempty"`

	LastUpdated     int64     `json:"last_updated"`
	StatusChangedAt time.Time `json:"status_changed_at"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Change returns the change with the given id.
func (r *Request) Change(id int) (*Change, bool) {
	for _, c := range r.Changes {
		if c.ID == id {
			return c, true
		}
	}
	return nil, false
}

// NextChangeID returns the next free change id. Change ids are assigned once
// and never reused, so this is max+1 rather than len+1.
func (r *Request) NextChangeID() int {
	next := 1
	for _, c := range r.Changes {
		if c.ID >= next {
			next = c.ID + 1
		}
	}
	return next
}

// FindAutogenerated returns the derived change for the given source change
// and target resource, if one exists. The result may have been edited by a
// user since generation; check its Origin before overwriting.
func (r *Request) FindAutogenerated(sourceID int, arn string, typ ChangeType) *Change {
	for _, c := range r.Changes {
		if c.Type == typ && c.SourceChangeID != nil && *c.SourceChangeID == sourceID && c.ARN == arn {
			return c
		}
	}
	return nil
}

// AddComment appends an audit comment.
func (r *Request) AddComment(author, body string, system bool, now time.Time) {
	r.Comments = append(r.Comments, Comment{
		Author:    author,
		Body:      body,
		System:    system,
		CreatedAt: now,
	})
}

// SidMarker is the stable identifier embedded in the Sid of every policy
// statement this request generates, so the reaper can later locate exactly
// those statements on shared resources.
func (r *Request) SidMarker() string {
	return "AccessDesk" + strings.ReplaceAll(r.ID.String(), "-", "")[:12]
}

// SetStatus records a status transition and its time.
func (r *Request) SetStatus(status RequestStatus, now time.Time) {
	if r.Status == status {
		return
	}
	r.Status = status
	r.StatusChangedAt = now
}

// User is the authenticated caller of a command.
type User struct {
	Email  string   `json:"email"`
	Groups []string `json:"groups,omitempty"`
}

type ResultStatus string

const (
	ResultApplied   ResultStatus = "applied"
	ResultExpired   ResultStatus = "expired"
	ResultCancelled ResultStatus = "cancelled"
	ResultError     ResultStatus = "error"
)

// ActionResult is the per-change outcome of a mutating command. A non-zero
// error count on the enclosing response is data, not an exception.
type ActionResult struct {
	ChangeID int          `json:"change_id"`
	Status   ResultStatus `json:"status"`
	Message  string       `json:"message,omitempty"`
}

// CommandResponse is returned by every mutating command. Errors == 0 is the
// only success signal.
type CommandResponse struct {
	Request *Request       `json:"request"`
	Results []ActionResult `json:"action_results,omitempty"`
	Errors  int            `json:"errors"`
}

// RequestFilter narrows Query results.
type RequestFilter struct {
	Status        RequestStatus
	PrincipalARN  string
	Requester     string
	ExpiresBefore *time.Time
	Limit         int
	Offset        int
}
