// Package reaper walks back expired grants. On each sweep it finds approved
// requests past their expiration date, reverses every applied change, and
// retires the request.
package reaper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/accessdesk/accessdesk/internal/applier"
	"github.com/accessdesk/accessdesk/internal/arn"
	"github.com/accessdesk/accessdesk/internal/cloud"
	"github.com/accessdesk/accessdesk/internal/models"
	"github.com/accessdesk/accessdesk/internal/notifications"
	"github.com/accessdesk/accessdesk/internal/obs"
	"github.com/accessdesk/accessdesk/internal/policy"
	"github.com/accessdesk/accessdesk/internal/request"
)

// Store is the slice of persistence the reaper needs.
type Store interface {
	Query(ctx context.Context, filter models.RequestFilter) ([]*models.Request, error)
	CompareAndSwap(ctx context.Context, req *models.Request) error
}

// Refresher nudges downstream permission caches after a revoke. Failures are
// logged, never fatal.
type Refresher interface {
	Trigger(ctx context.Context, account string) error
}

// Notifier announces expirations. Failures are logged, never fatal.
type Notifier interface {
	NotifyRequest(ctx context.Context, typ notifications.EventType, req *models.Request, actor string) error
}

type Reaper struct {
	store    Store
	provider cloud.Provider
	resolver arn.Resolver
	refresh  Refresher
	notifier Notifier
	metrics  *obs.Metrics
	logger   *slog.Logger
	cron     *cron.Cron
	now      func() time.Time
}

func New(store Store, provider cloud.Provider, resolver arn.Resolver, refresh Refresher, notifier Notifier, metrics *obs.Metrics, logger *slog.Logger) *Reaper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{
		store:    store,
		provider: provider,
		resolver: resolver,
		refresh:  refresh,
		notifier: notifier,
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
	}
}

// Start schedules sweeps on the given cron spec (e.g. "@every 5m").
func (r *Reaper) Start(ctx context.Context, spec string) error {
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		if err := r.Sweep(ctx); err != nil {
			r.logger.Error("sweep failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("scheduling reaper: %w", err)
	}
	c.Start()
	r.cron = c
	r.logger.Info("reaper started", "schedule", spec)
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (r *Reaper) Stop() {
	if r.cron != nil {
		<-r.cron.Stop().Done()
	}
}

// Sweep expires every approved request whose expiration date has passed.
// Requests are processed independently; one failure does not stop the sweep.
func (r *Reaper) Sweep(ctx context.Context) error {
	now := r.now()
	if r.metrics != nil {
		defer func(start time.Time) {
			r.metrics.SweepDuration.Observe(time.Since(start).Seconds())
		}(now)
	}
	due, err := r.store.Query(ctx, models.RequestFilter{
		Status:        models.RequestApproved,
		ExpiresBefore: &now,
	})
	if err != nil {
		return fmt.Errorf("querying expired requests: %w", err)
	}

	var failed int
	for _, req := range due {
		if err := r.expire(ctx, req); err != nil {
			r.logger.Error("expiring request failed", "request_id", req.ID, "error", err)
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d expirations failed", failed, len(due))
	}
	if len(due) > 0 {
		r.logger.Info("sweep complete", "expired", len(due))
	}
	return nil
}

func (r *Reaper) expire(ctx context.Context, req *models.Request) error {
	now := r.now()
	revoked, failed := 0, 0

	for _, ch := range req.Changes {
		switch ch.Status {
		case models.ChangeApplied:
			if err := r.revoke(ctx, req, ch); err != nil {
				// The change stays applied; the next sweep retries it.
				r.logger.Error("revoking change failed",
					"request_id", req.ID, "change_id", ch.ID, "change_type", ch.Type, "error", err)
				failed++
				continue
			}
			ch.Status = models.ChangeExpired
			revoked++
		case models.ChangeNotApplied:
			ch.Status = models.ChangeExpired
		}
	}

	request.Reconcile(req, now)
	if failed == 0 {
		req.SetStatus(models.RequestExpired, now)
		req.AddComment("reaper", fmt.Sprintf("expired: revoked %d applied changes", revoked), true, now)
	} else {
		req.AddComment("reaper",
			fmt.Sprintf("expiration incomplete: revoked %d changes, %d failed", revoked, failed), true, now)
	}

	// Partial progress is persisted too, so retried sweeps only redo the
	// revokes that actually failed.
	if err := r.store.CompareAndSwap(ctx, req); err != nil {
		return fmt.Errorf("persisting expiration: %w", err)
	}

	if r.refresh != nil && revoked > 0 {
		if err := r.refresh.Trigger(ctx, req.Principal.Account); err != nil {
			r.logger.Warn("refresh trigger failed", "request_id", req.ID, "error", err)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d revokes failed", failed, failed+revoked)
	}

	if r.metrics != nil {
		r.metrics.RequestsExpired.Inc()
	}
	if r.notifier != nil {
		if err := r.notifier.NotifyRequest(ctx, notifications.EventRequestExpired, req, "reaper"); err != nil {
			r.logger.Warn("expiration notification failed", "request_id", req.ID, "error", err)
		}
	}

	r.logger.Info("request expired", "request_id", req.ID, "revoked", revoked)
	return nil
}

// revoke reverses one applied change. Revokes are idempotent: state that is
// already gone counts as revoked.
func (r *Reaper) revoke(ctx context.Context, req *models.Request, ch *models.Change) error {
	p := req.Principal

	var err error
	switch ch.Type {
	case models.ChangeInlinePolicy:
		err = r.revokeInline(ctx, p, ch)

	case models.ChangeManagedPolicy:
		if ch.Action == models.ActionDetach {
			err = r.provider.AttachManagedPolicy(ctx, p, ch.PolicyARN)
		} else {
			err = r.provider.DetachManagedPolicy(ctx, p, ch.PolicyARN)
			// A policy already detached out of band counts as revoked.
			if cloud.IsCode(err, "NoSuchEntity") {
				err = nil
			}
		}

	case models.ChangeAssumeRolePolicy:
		if ch.OldPolicy != nil {
			err = r.provider.UpdateTrustPolicy(ctx, p.ARN, ch.OldPolicy.Document)
		} else {
			err = r.stripTrust(ctx, req, p.ARN)
		}

	case models.ChangePermissionsBoundary:
		if ch.OldPolicyARN != "" {
			err = r.provider.PutPermissionsBoundary(ctx, p, ch.OldPolicyARN)
		} else {
			err = r.provider.DeletePermissionsBoundary(ctx, p)
		}

	case models.ChangeResourcePolicy:
		err = r.stripResource(ctx, req, ch)

	case models.ChangeSTSResourcePolicy:
		err = r.stripTrust(ctx, req, ch.ARN)

	case models.ChangeResourceTag:
		if ch.Action == models.ActionDelete {
			// The pre-change value was not captured; the key stays gone.
			r.logger.Warn("cannot restore deleted tag", "request_id", req.ID, "tag_key", ch.TagKey)
		} else {
			err = r.provider.UntagPrincipal(ctx, p, ch.TagKey)
		}

	case models.ChangeTimeRestrictedAccess:
		err = r.provider.DeleteInlinePolicy(ctx, p, applier.TimeBoxedPolicyName(req, ch))

	case models.ChangeCreateResource:
		err = r.provider.DeletePrincipal(ctx, p)

	case models.ChangeDeleteResource:
		r.logger.Warn("cannot restore deleted principal", "request_id", req.ID, "principal", p.ARN)

	default:
		return fmt.Errorf("%w: %q", models.ErrUnsupportedChangeType, ch.Type)
	}

	if err != nil && !cloud.AlreadySatisfied(err) {
		return err
	}
	return nil
}

func (r *Reaper) revokeInline(ctx context.Context, p models.Principal, ch *models.Change) error {
	if ch.OldPolicy != nil {
		return r.provider.PutInlinePolicy(ctx, p, ch.PolicyName, ch.OldPolicy.Document)
	}
	if ch.Action == models.ActionDelete {
		// The policy was deleted and no prior snapshot exists; nothing to put back.
		return nil
	}
	return r.provider.DeleteInlinePolicy(ctx, p, ch.PolicyName)
}

// stripResource removes this request's grant statements from a shared
// resource policy, leaving everyone else's statements in place.
func (r *Reaper) stripResource(ctx context.Context, req *models.Request, ch *models.Change) error {
	res, err := r.resolver.Resolve(ctx, ch.ARN)
	if err != nil {
		return err
	}
	current, err := r.provider.GetResourcePolicy(ctx, res)
	if err != nil {
		return err
	}
	stripped, removed := policy.StripSidPrefix(current, req.SidMarker())
	if removed == 0 {
		return nil
	}
	if stripped.Empty() {
		switch res.Kind {
		case arn.KindSNSTopic, arn.KindKMSKey:
			// These kinds cannot drop their policy outright.
			return r.provider.PutResourcePolicy(ctx, res, stripped)
		default:
			return r.provider.DeleteResourcePolicy(ctx, res)
		}
	}
	return r.provider.PutResourcePolicy(ctx, res, stripped)
}

func (r *Reaper) stripTrust(ctx context.Context, req *models.Request, roleARN string) error {
	current, err := r.provider.GetTrustPolicy(ctx, roleARN)
	if err != nil {
		return err
	}
	stripped, removed := policy.StripSidPrefix(current, req.SidMarker())
	if removed == 0 {
		return nil
	}
	return r.provider.UpdateTrustPolicy(ctx, roleARN, stripped)
}
