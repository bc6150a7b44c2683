// Package orchestrator implements the command layer: every mutation of a
// request flows through here, is authorized, recorded through the store's
// guarded writes, and announced to the notification and refresh channels.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/accessdesk/accessdesk/internal/applier"
	"github.com/accessdesk/accessdesk/internal/approval"
	"github.com/accessdesk/accessdesk/internal/generator"
	"github.com/accessdesk/accessdesk/internal/models"
	"github.com/accessdesk/accessdesk/internal/notifications"
	"github.com/accessdesk/accessdesk/internal/obs"
	"github.com/accessdesk/accessdesk/internal/policy"
	"github.com/accessdesk/accessdesk/internal/request"
)

// reopenWindow bounds how long after rejection or cancellation a request can
// be moved back to pending.
const reopenWindow = 7 * 24 * time.Hour

// casRetries bounds reload-and-retry attempts on a lost write race.
const casRetries = 3

type Store interface {
	Create(ctx context.Context, req *models.Request) error
	Get(ctx context.Context, id uuid.UUID) (*models.Request, error)
	CompareAndSwap(ctx context.Context, req *models.Request) error
	Query(ctx context.Context, filter models.RequestFilter) ([]*models.Request, error)
}

type Authorizer interface {
	CanAdmin(user models.User, account string) bool
	CanActOn(user models.User, req *models.Request) bool
}

type Notifier interface {
	NotifyRequest(ctx context.Context, typ notifications.EventType, req *models.Request, actor string) error
}

type Refresher interface {
	Trigger(ctx context.Context, account string) error
}

type Service struct {
	store     Store
	builder   *request.Builder
	generator *generator.Generator
	evaluator *approval.Evaluator
	applier   *applier.Applier
	authz     Authorizer
	notifier  Notifier
	refresh   Refresher
	metrics   *obs.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

func NewService(
	store Store,
	builder *request.Builder,
	gen *generator.Generator,
	evaluator *approval.Evaluator,
	app *applier.Applier,
	authz Authorizer,
	notifier Notifier,
	refresh Refresher,
	metrics *obs.Metrics,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     store,
		builder:   builder,
		generator: gen,
		evaluator: evaluator,
		applier:   app,
		authz:     authz,
		notifier:  notifier,
		refresh:   refresh,
		metrics:   metrics,
		logger:    logger,
		now:       time.Now,
	}
}

// CreateRequest builds, augments, evaluates and persists a new request.
func (s *Service) CreateRequest(ctx context.Context, user models.User, proposal request.Proposal) (*models.CommandResponse, error) {
	done := s.observe("create_request")

	req, err := s.builder.Build(ctx, proposal, user.Email)
	if err != nil {
		done(err)
		return nil, err
	}

	if _, err := s.generator.Augment(ctx, req); err != nil {
		done(err)
		return nil, fmt.Errorf("augmenting request: %w", err)
	}

	approved := s.evaluator.Evaluate(ctx, req, user, proposal.AdminBypass)

	if err := s.store.Create(ctx, req); err != nil {
		done(err)
		return nil, err
	}

	s.notify(ctx, notifications.EventRequestCreated, req, user.Email)
	if approved {
		s.notify(ctx, notifications.EventRequestApproved, req, req.Reviewer)
	}

	done(nil)
	return &models.CommandResponse{Request: req}, nil
}

// Get loads one request.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.Request, error) {
	return s.store.Get(ctx, id)
}

// List queries requests by filter.
func (s *Service) List(ctx context.Context, filter models.RequestFilter) ([]*models.Request, error) {
	return s.store.Query(ctx, filter)
}

// ApproveRequest marks a pending request approved. Admin only.
func (s *Service) ApproveRequest(ctx context.Context, user models.User, id uuid.UUID, comment string) (*models.CommandResponse, error) {
	return s.command(ctx, "approve_request", id, func(req *models.Request) error {
		if !s.authz.CanAdmin(user, req.Principal.Account) {
			return fmt.Errorf("%w: %s cannot approve requests for account %s",
				models.ErrUnauthorized, user.Email, req.Principal.Account)
		}
		if req.Status == models.RequestApproved {
			return nil
		}
		if req.Status != models.RequestPending {
			return fmt.Errorf("%w: cannot approve a %s request", models.ErrInvalidRequestParameter, req.Status)
		}
		now := s.now()
		req.SetStatus(models.RequestApproved, now)
		req.Reviewer = user.Email
		if comment != "" {
			req.AddComment(user.Email, comment, false, now)
		}
		return nil
	}, notifications.EventRequestApproved, user.Email)
}

// RejectRequest marks a pending request rejected. Admin only.
func (s *Service) RejectRequest(ctx context.Context, user models.User, id uuid.UUID, comment string) (*models.CommandResponse, error) {
	return s.command(ctx, "reject_request", id, func(req *models.Request) error {
		if !s.authz.CanAdmin(user, req.Principal.Account) {
			return fmt.Errorf("%w: %s cannot reject requests for account %s",
				models.ErrUnauthorized, user.Email, req.Principal.Account)
		}
		if req.Status != models.RequestPending {
			return fmt.Errorf("%w: cannot reject a %s request", models.ErrInvalidRequestParameter, req.Status)
		}
		now := s.now()
		req.SetStatus(models.RequestRejected, now)
		req.Reviewer = user.Email
		if comment != "" {
			req.AddComment(user.Email, comment, false, now)
		}
		return nil
	}, notifications.EventRequestRejected, user.Email)
}

// CancelRequest cancels every pending change and retires the request. A
// request with applied changes cannot be cancelled; it is unwound by the
// expiration sweep instead.
func (s *Service) CancelRequest(ctx context.Context, user models.User, id uuid.UUID) (*models.CommandResponse, error) {
	return s.command(ctx, "cancel_request", id, func(req *models.Request) error {
		if !s.authz.CanActOn(user, req) {
			return fmt.Errorf("%w: %s cannot cancel request %s", models.ErrUnauthorized, user.Email, id)
		}
		if req.Status != models.RequestPending && req.Status != models.RequestApproved {
			return fmt.Errorf("%w: cannot cancel a %s request", models.ErrInvalidRequestParameter, req.Status)
		}
		for _, ch := range req.Changes {
			if ch.Status == models.ChangeApplied {
				return fmt.Errorf("%w: change %d is already applied; set an expiration instead",
					models.ErrInvalidRequestParameter, ch.ID)
			}
		}
		now := s.now()
		for _, ch := range req.Changes {
			if ch.Status == models.ChangeNotApplied {
				ch.Status = models.ChangeCancelled
			}
		}
		req.SetStatus(models.RequestCancelled, now)
		return nil
	}, notifications.EventRequestCancelled, user.Email)
}

// CancelChange cancels one pending change and reconciles the request.
func (s *Service) CancelChange(ctx context.Context, user models.User, id uuid.UUID, changeID int) (*models.CommandResponse, error) {
	return s.command(ctx, "cancel_change", id, func(req *models.Request) error {
		if !s.authz.CanActOn(user, req) {
			return fmt.Errorf("%w: %s cannot modify request %s", models.ErrUnauthorized, user.Email, id)
		}
		ch, ok := req.Change(changeID)
		if !ok {
			return fmt.Errorf("%w: change %d", models.ErrNoMatchingRequest, changeID)
		}
		if !ch.Status.CanTransition(models.ChangeCancelled) {
			return fmt.Errorf("%w: cannot cancel a %s change", models.ErrInvalidRequestParameter, ch.Status)
		}
		ch.Status = models.ChangeCancelled
		request.Reconcile(req, s.now())
		return nil
	}, "", user.Email)
}

// UpdateChange replaces a change's policy document. Editing a derived change
// flips its origin to user_authored permanently, after which the generator
// leaves it alone. The request is re-augmented so downstream drafts follow.
func (s *Service) UpdateChange(ctx context.Context, user models.User, id uuid.UUID, changeID int, doc policy.Document) (*models.CommandResponse, error) {
	return s.command(ctx, "update_change", id, func(req *models.Request) error {
		if !s.authz.CanActOn(user, req) {
			return fmt.Errorf("%w: %s cannot modify request %s", models.ErrUnauthorized, user.Email, id)
		}
		if req.Status != models.RequestPending && req.Status != models.RequestApproved {
			return fmt.Errorf("%w: cannot edit a %s request", models.ErrInvalidRequestParameter, req.Status)
		}
		ch, ok := req.Change(changeID)
		if !ok {
			return fmt.Errorf("%w: change %d", models.ErrNoMatchingRequest, changeID)
		}
		if ch.Status != models.ChangeNotApplied {
			return fmt.Errorf("%w: cannot edit a %s change", models.ErrInvalidRequestParameter, ch.Status)
		}
		if ch.Policy == nil {
			return fmt.Errorf("%w: change %d carries no policy document", models.ErrInvalidRequestParameter, changeID)
		}

		snapshot := models.NewPolicySnapshot(doc)
		if ch.Policy.SHA256 == snapshot.SHA256 {
			return nil
		}
		ch.Policy = snapshot
		ch.Origin = models.OriginUserAuthored

		if _, err := s.generator.Augment(ctx, req); err != nil {
			return fmt.Errorf("re-augmenting request: %w", err)
		}
		return nil
	}, "", user.Email)
}

// ApplyRequest executes the request's pending changes, or one change when
// changeID is set. Failures are per change; the response's error count says
// how many.
func (s *Service) ApplyRequest(ctx context.Context, user models.User, id uuid.UUID, changeID *int) (*models.CommandResponse, error) {
	done := s.observe("apply_request")

	var (
		results []models.ActionResult
		errs    int
	)
	resp, err := s.update(ctx, id, func(req *models.Request) error {
		if !s.authz.CanActOn(user, req) {
			return fmt.Errorf("%w: %s cannot apply request %s", models.ErrUnauthorized, user.Email, id)
		}
		switch req.Status {
		case models.RequestPending, models.RequestApproved:
		default:
			return fmt.Errorf("%w: cannot apply a %s request", models.ErrInvalidRequestParameter, req.Status)
		}

		var applyErr error
		results, errs, applyErr = s.applier.Apply(ctx, req, changeID)
		if applyErr != nil {
			return applyErr
		}
		request.Reconcile(req, s.now())
		return nil
	})
	if err != nil {
		done(err)
		return nil, err
	}

	if s.metrics != nil {
		for _, r := range results {
			if r.Status == models.ResultApplied {
				if ch, ok := resp.Change(r.ChangeID); ok {
					s.metrics.ChangesApplied.WithLabelValues(string(ch.Type)).Inc()
				}
			}
		}
	}
	if errs == 0 && len(results) > 0 {
		s.notify(ctx, notifications.EventRequestApplied, resp, user.Email)
		s.triggerRefresh(ctx, resp)
	}

	done(nil)
	return &models.CommandResponse{Request: resp, Results: results, Errors: errs}, nil
}

// MoveBackToPending reopens a recently rejected or cancelled request.
func (s *Service) MoveBackToPending(ctx context.Context, user models.User, id uuid.UUID) (*models.CommandResponse, error) {
	return s.command(ctx, "move_back_to_pending", id, func(req *models.Request) error {
		if !s.authz.CanActOn(user, req) {
			return fmt.Errorf("%w: %s cannot reopen request %s", models.ErrUnauthorized, user.Email, id)
		}
		if req.Status != models.RequestRejected && req.Status != models.RequestCancelled {
			return fmt.Errorf("%w: cannot reopen a %s request", models.ErrInvalidRequestParameter, req.Status)
		}
		now := s.now()
		if now.Sub(req.StatusChangedAt) > reopenWindow {
			return fmt.Errorf("%w: request left %s more than %s ago",
				models.ErrInvalidRequestParameter, req.Status, reopenWindow)
		}
		req.SetStatus(models.RequestPending, now)
		req.AddComment(user.Email, "moved back to pending", true, now)
		return nil
	}, "", user.Email)
}

// AddComment appends a comment to the request's audit trail.
func (s *Service) AddComment(ctx context.Context, user models.User, id uuid.UUID, body string) (*models.CommandResponse, error) {
	return s.command(ctx, "add_comment", id, func(req *models.Request) error {
		if body == "" {
			return fmt.Errorf("%w: comment body is required", models.ErrValidation)
		}
		req.AddComment(user.Email, body, false, s.now())
		return nil
	}, "", user.Email)
}

// UpdateExpiration changes when the request's grants lapse. A TTL and an
// absolute date remain mutually exclusive.
func (s *Service) UpdateExpiration(ctx context.Context, user models.User, id uuid.UUID, ttl time.Duration, date *time.Time) (*models.CommandResponse, error) {
	return s.command(ctx, "update_expiration", id, func(req *models.Request) error {
		if !s.authz.CanActOn(user, req) {
			return fmt.Errorf("%w: %s cannot modify request %s", models.ErrUnauthorized, user.Email, id)
		}
		if ttl > 0 && date != nil {
			return fmt.Errorf("%w: ttl and expiration_date are mutually exclusive", models.ErrValidation)
		}
		switch req.Status {
		case models.RequestPending, models.RequestApproved:
		default:
			return fmt.Errorf("%w: cannot reschedule a %s request", models.ErrInvalidRequestParameter, req.Status)
		}
		switch {
		case date != nil:
			if date.Before(s.now()) {
				return fmt.Errorf("%w: expiration date is in the past", models.ErrValidation)
			}
			req.TTL = 0
			req.ExpirationDate = date
		case ttl > 0:
			req.TTL = ttl
			if req.ExpirationDate != nil {
				// Grants are already live; restart the clock now.
				exp := s.now().Add(ttl)
				req.ExpirationDate = &exp
			}
		default:
			req.TTL = 0
			req.ExpirationDate = nil
		}
		return nil
	}, "", user.Email)
}

// command wraps the load-mutate-save cycle shared by most commands.
func (s *Service) command(ctx context.Context, name string, id uuid.UUID, fn func(*models.Request) error, event notifications.EventType, actor string) (*models.CommandResponse, error) {
	done := s.observe(name)
	req, err := s.update(ctx, id, fn)
	if err != nil {
		done(err)
		return nil, err
	}
	if event != "" {
		s.notify(ctx, event, req, actor)
	}
	done(nil)
	return &models.CommandResponse{Request: req}, nil
}

// update runs fn against a fresh copy of the request and writes it back,
// retrying when a concurrent writer wins the race.
func (s *Service) update(ctx context.Context, id uuid.UUID, fn func(*models.Request) error) (*models.Request, error) {
	var lastErr error
	for attempt := 0; attempt < casRetries; attempt++ {
		req, err := s.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := fn(req); err != nil {
			return nil, err
		}
		if err := s.store.CompareAndSwap(ctx, req); err != nil {
			if errors.Is(err, models.ErrStaleRequest) {
				lastErr = err
				continue
			}
			return nil, err
		}
		return req, nil
	}
	return nil, lastErr
}

func (s *Service) notify(ctx context.Context, typ notifications.EventType, req *models.Request, actor string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.NotifyRequest(ctx, typ, req, actor); err != nil {
		s.logger.Warn("notification failed", "request_id", req.ID, "event", typ, "error", err)
	}
}

func (s *Service) triggerRefresh(ctx context.Context, req *models.Request) {
	if s.refresh == nil {
		return
	}
	if err := s.refresh.Trigger(ctx, req.Principal.Account); err != nil {
		s.logger.Warn("refresh trigger failed", "request_id", req.ID, "error", err)
	}
}

// observe times a command and records its outcome.
func (s *Service) observe(name string) func(error) {
	start := s.now()
	return func(err error) {
		if s.metrics == nil {
			return
		}
		status := "ok"
		if err != nil {
			status = "error"
		}
		s.metrics.CommandsTotal.WithLabelValues(name, status).Inc()
		s.metrics.CommandDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	}
}
