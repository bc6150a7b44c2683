// Package approval decides whether a freshly built request can skip human
// review. Rules are configured per account and change type; the decision is
// all-or-nothing across the request's changes.
package approval

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/accessdesk/accessdesk/internal/arn"
	"github.com/accessdesk/accessdesk/internal/models"
)

// Authorizer answers whether a user holds admin rights over an account.
type Authorizer interface {
	CanAdmin(user models.User, account string) bool
}

// Rule names a set of accounts and change types eligible for auto-approval.
// An account entry of "*" matches every account.
type Rule struct {
	Name        string              `yaml:"name"`
	Accounts    []string            `yaml:"accounts"`
	ChangeTypes []models.ChangeType `yaml:"change_types"`
}

// TimeRestriction is a delegated approval policy for time-boxed access.
// Requests made purely of time_restricted_access grants (plus their derived
// changes) with a bounded lifetime are approved on its authority, before the
// generic rule table is consulted.
type TimeRestriction struct {
	Name        string        `yaml:"name"`
	Enabled     bool          `yaml:"enabled"`
	Accounts    []string      `yaml:"accounts"`
	MaxDuration time.Duration `yaml:"max_duration"`
}

type Config struct {
	Rules []Rule `yaml:"rules"`

	TimeRestriction TimeRestriction `yaml:"time_restriction"`

	// ReadOnlyAccounts are never auto-approved regardless of rules.
	ReadOnlyAccounts []string `yaml:"read_only_accounts"`
}

// autoEligible is the closed set of change types any rule may cover. Change
// types outside this set always require human review.
var autoEligible = map[models.ChangeType]bool{
	models.ChangeInlinePolicy:         true,
	models.ChangeResourcePolicy:       true,
	models.ChangeSTSResourcePolicy:    true,
	models.ChangeTimeRestrictedAccess: true,
}

type Evaluator struct {
	cfg      Config
	authz    Authorizer
	resolver arn.Resolver
	logger   *slog.Logger
	now      func() time.Time
}

func NewEvaluator(cfg Config, authz Authorizer, resolver arn.Resolver, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{cfg: cfg, authz: authz, resolver: resolver, logger: logger, now: time.Now}
}

// Evaluate moves a pending request to approved when every supported change is
// covered, or when the requester is an admin asking for a bypass. It reports
// whether the request was approved by this call. Already-approved requests
// are left untouched.
//
// Both the bypass and the read-only veto range over every account the
// request touches, not just the principal's own: a grant on a cross-account
// bucket needs admin rights in the bucket's account too.
func (e *Evaluator) Evaluate(ctx context.Context, req *models.Request, user models.User, adminBypass bool) bool {
	if req.Status != models.RequestPending {
		return false
	}

	accounts, err := e.targetAccounts(ctx, req)
	if err != nil {
		e.logger.Warn("cannot resolve target accounts; leaving request for human review",
			"request_id", req.ID, "error", err)
		return false
	}

	if adminBypass {
		for _, account := range accounts {
			if !e.authz.CanAdmin(user, account) {
				e.logger.Warn("admin bypass requested without admin rights",
					"request_id", req.ID, "user", user.Email, "account", account)
				return false
			}
		}
		e.approve(req, user.Email, "approved by account admin")
		return true
	}

	for _, account := range accounts {
		if e.readOnly(account) {
			return false
		}
	}

	if e.timeRestrictionCovers(req, accounts) {
		e.approve(req, "auto-approval", timeRestrictionNote(e.cfg.TimeRestriction))
		return true
	}

	covered := 0
	var ruleNames []string
	seen := make(map[string]bool)
	for _, ch := range req.Changes {
		if !ch.Supported {
			continue
		}
		name, ok := e.ruleCovers(req.Principal.Account, ch.Type)
		if !ok {
			return false
		}
		if !seen[name] {
			seen[name] = true
			ruleNames = append(ruleNames, name)
		}
		covered++
	}
	if covered == 0 {
		return false
	}

	e.approve(req, "auto-approval", ruleNote(ruleNames))
	return true
}

func (e *Evaluator) approve(req *models.Request, reviewer, note string) {
	now := e.now()
	req.SetStatus(models.RequestApproved, now)
	req.Reviewer = reviewer
	req.AddComment(reviewer, note, true, now)
	e.logger.Info("request approved", "request_id", req.ID, "reviewer", reviewer)
}

// targetAccounts collects the accounts the request touches: the principal's
// own account plus the owning account of every resource-side change target.
func (e *Evaluator) targetAccounts(ctx context.Context, req *models.Request) ([]string, error) {
	accounts := []string{req.Principal.Account}
	seen := map[string]bool{req.Principal.Account: true}
	for _, ch := range req.Changes {
		if !ch.Supported || ch.ARN == "" {
			continue
		}
		if ch.Type != models.ChangeResourcePolicy && ch.Type != models.ChangeSTSResourcePolicy {
			continue
		}
		res, err := e.resolver.Resolve(ctx, ch.ARN)
		if err != nil {
			return nil, fmt.Errorf("resolving change %d target: %w", ch.ID, err)
		}
		if res.Account == "" || seen[res.Account] {
			continue
		}
		seen[res.Account] = true
		accounts = append(accounts, res.Account)
	}
	return accounts, nil
}

// timeRestrictionCovers reports whether the delegated time-restriction
// policy can approve the request on its own. It applies only when every
// supported change is a time_restricted_access grant or a change derived
// from one, every touched account is in the policy's scope, and the
// request's lifetime fits under the configured ceiling.
func (e *Evaluator) timeRestrictionCovers(req *models.Request, accounts []string) bool {
	tr := e.cfg.TimeRestriction
	if !tr.Enabled {
		return false
	}

	boxed := 0
	for _, ch := range req.Changes {
		if !ch.Supported {
			continue
		}
		if ch.Type == models.ChangeTimeRestrictedAccess {
			boxed++
			continue
		}
		if ch.SourceChangeID == nil {
			return false
		}
	}
	if boxed == 0 {
		return false
	}

	for _, account := range accounts {
		if !matchAccount(tr.Accounts, account) {
			return false
		}
	}

	if tr.MaxDuration > 0 {
		switch {
		case req.TTL > 0:
			if req.TTL > tr.MaxDuration {
				return false
			}
		case req.ExpirationDate != nil:
			if req.ExpirationDate.After(e.now().Add(tr.MaxDuration)) {
				return false
			}
		default:
			return false
		}
	}

	return true
}

func timeRestrictionNote(tr TimeRestriction) string {
	if tr.Name == "" {
		return "approved by the time-restriction policy"
	}
	return fmt.Sprintf("approved by time-restriction policy %q", tr.Name)
}

func ruleNote(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = strconv.Quote(n)
	}
	if len(quoted) == 1 {
		return "approved automatically by rule " + quoted[0]
	}
	return "approved automatically by rules " + strings.Join(quoted, ", ")
}

func (e *Evaluator) readOnly(account string) bool {
	for _, a := range e.cfg.ReadOnlyAccounts {
		if a == account {
			return true
		}
	}
	return false
}

// ruleCovers returns the name of the first rule covering the account and
// change type.
func (e *Evaluator) ruleCovers(account string, typ models.ChangeType) (string, bool) {
	if !autoEligible[typ] {
		return "", false
	}
	for _, r := range e.cfg.Rules {
		if !matchAccount(r.Accounts, account) {
			continue
		}
		for _, t := range r.ChangeTypes {
			if t == typ {
				return r.Name, true
			}
		}
	}
	return "", false
}

func matchAccount(accounts []string, account string) bool {
	for _, a := range accounts {
		if a == "*" || a == account {
			return true
		}
	}
	return false
}
