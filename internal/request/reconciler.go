package request

import (
	"time"

	"github.com/accessdesk/accessdesk/internal/models"
)

// Reconcile derives the request-level status from the change-level statuses.
// It mutates the request in place and reports whether the status moved.
//
// Only pending and approved requests are reconciled: rejected, cancelled and
// expired are explicit terminal transitions that change-level activity never
// overrides.
func Reconcile(req *models.Request, now time.Time) bool {
	if req.Status != models.RequestPending && req.Status != models.RequestApproved {
		return false
	}

	var applied, cancelled, expired, blocking, counted int
	for _, ch := range req.Changes {
		if !counts(ch) {
			continue
		}
		counted++
		switch ch.Status {
		case models.ChangeApplied:
			applied++
		case models.ChangeCancelled:
			cancelled++
		case models.ChangeExpired:
			expired++
		case models.ChangeNotApplied:
			blocking++
		}
	}
	if counted == 0 {
		return false
	}

	prev := req.Status
	switch {
	case applied > 0 && blocking == 0:
		req.SetStatus(models.RequestApproved, now)
	case applied == 0 && blocking == 0 && expired > 0 && cancelled == 0:
		req.SetStatus(models.RequestExpired, now)
	case applied == 0 && blocking == 0 && cancelled > 0:
		req.SetStatus(models.RequestCancelled, now)
	}
	return req.Status != prev
}

// counts reports whether the change participates in status reconciliation.
// Unsupported changes are audit records only, and a derived change that was
// never touched does not hold its request open.
func counts(ch *models.Change) bool {
	if !ch.Supported {
		return false
	}
	if ch.Autogenerated() && ch.Status == models.ChangeNotApplied {
		return false
	}
	return true
}
