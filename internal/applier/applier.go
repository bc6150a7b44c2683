// Package applier executes a request's changes against the cloud provider.
// Failures are contained per change: one failed mutation is recorded and the
// rest of the batch still runs.
package applier

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/accessdesk/accessdesk/internal/arn"
	"github.com/accessdesk/accessdesk/internal/cloud"
	"github.com/accessdesk/accessdesk/internal/models"
	"github.com/accessdesk/accessdesk/internal/policy"
)

type Applier struct {
	provider cloud.Provider
	resolver arn.Resolver
	logger   *slog.Logger
	now      func() time.Time
}

func NewApplier(provider cloud.Provider, resolver arn.Resolver, logger *slog.Logger) *Applier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Applier{provider: provider, resolver: resolver, logger: logger, now: time.Now}
}

// Apply executes the request's pending changes, or just the one named by
// only. It mutates change statuses in place and returns per-change results;
// the error count in the results is the only failure signal, an error return
// means the call itself was malformed.
func (a *Applier) Apply(ctx context.Context, req *models.Request, only *int) ([]models.ActionResult, int, error) {
	changes := req.Changes
	if only != nil {
		ch, ok := req.Change(*only)
		if !ok {
			return nil, 0, fmt.Errorf("%w: change %d", models.ErrNoMatchingRequest, *only)
		}
		changes = []*models.Change{ch}
	}

	var (
		results []models.ActionResult
		errs    int
	)
	for _, ch := range changes {
		res, applied := a.applyOne(ctx, req, ch)
		if res == nil {
			continue
		}
		results = append(results, *res)
		if res.Status == models.ResultError {
			errs++
		}
		if applied && req.TTL > 0 && req.ExpirationDate == nil {
			// The clock starts at the first successful application.
			exp := a.now().Add(req.TTL)
			req.ExpirationDate = &exp
		}
	}
	return results, errs, nil
}

// applyOne executes one change. A nil result means the change was not
// actionable (already applied or otherwise terminal, or unsupported); skips
// produce no result so a repeated apply reports nothing new.
func (a *Applier) applyOne(ctx context.Context, req *models.Request, ch *models.Change) (*models.ActionResult, bool) {
	switch {
	case ch.Status != models.ChangeNotApplied:
		return nil, false
	case !ch.Supported:
		return nil, false
	}

	err := a.execute(ctx, req, ch)
	if err != nil && !cloud.AlreadySatisfied(err) {
		a.logger.Error("change failed",
			"request_id", req.ID, "change_id", ch.ID, "change_type", ch.Type, "error", err)
		return &models.ActionResult{ChangeID: ch.ID, Status: models.ResultError, Message: err.Error()}, false
	}

	now := a.now()
	ch.Status = models.ChangeApplied
	ch.AppliedAt = &now
	a.logger.Info("change applied",
		"request_id", req.ID, "change_id", ch.ID, "change_type", ch.Type)
	return &models.ActionResult{ChangeID: ch.ID, Status: models.ResultApplied}, true
}

func (a *Applier) execute(ctx context.Context, req *models.Request, ch *models.Change) error {
	p := req.Principal

	switch ch.Type {
	case models.ChangeInlinePolicy:
		if ch.Action == models.ActionDelete {
			return a.provider.DeleteInlinePolicy(ctx, p, ch.PolicyName)
		}
		return a.provider.PutInlinePolicy(ctx, p, ch.PolicyName, ch.Policy.Document)

	case models.ChangeManagedPolicy:
		if ch.Action == models.ActionDetach {
			return a.provider.DetachManagedPolicy(ctx, p, ch.PolicyARN)
		}
		return a.provider.AttachManagedPolicy(ctx, p, ch.PolicyARN)

	case models.ChangeAssumeRolePolicy:
		return a.provider.UpdateTrustPolicy(ctx, p.ARN, ch.Policy.Document)

	case models.ChangePermissionsBoundary:
		if ch.Action == models.ActionDelete {
			return a.provider.DeletePermissionsBoundary(ctx, p)
		}
		return a.provider.PutPermissionsBoundary(ctx, p, ch.PolicyARN)

	case models.ChangeResourcePolicy:
		res, err := a.resolver.Resolve(ctx, ch.ARN)
		if err != nil {
			return err
		}
		if ch.Action == models.ActionDelete {
			return a.provider.DeleteResourcePolicy(ctx, res)
		}
		return a.provider.PutResourcePolicy(ctx, res, ch.Policy.Document)

	case models.ChangeSTSResourcePolicy:
		return a.provider.UpdateTrustPolicy(ctx, ch.ARN, ch.Policy.Document)

	case models.ChangeResourceTag:
		if ch.Action == models.ActionDelete {
			return a.provider.UntagPrincipal(ctx, p, ch.TagKey)
		}
		return a.provider.TagPrincipal(ctx, p, ch.TagKey, ch.TagValue)

	case models.ChangeTimeRestrictedAccess:
		return a.provider.PutInlinePolicy(ctx, p, TimeBoxedPolicyName(req, ch), ch.Policy.Document)

	case models.ChangeCreateResource:
		var trust *policy.Document
		if ch.Policy != nil {
			trust = &ch.Policy.Document
		}
		return a.provider.CreatePrincipal(ctx, p, trust)

	case models.ChangeDeleteResource:
		return a.provider.DeletePrincipal(ctx, p)

	default:
		return fmt.Errorf("%w: %q", models.ErrUnsupportedChangeType, ch.Type)
	}
}

// TimeBoxedPolicyName names the inline policy a time_restricted_access change
// writes. It carries the request marker so the reaper can locate it.
func TimeBoxedPolicyName(req *models.Request, ch *models.Change) string {
	return req.SidMarker() + "C" + strconv.Itoa(ch.ID)
}
