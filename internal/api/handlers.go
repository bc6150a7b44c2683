package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/accessdesk/accessdesk/internal/auth"
	"github.com/accessdesk/accessdesk/internal/models"
	"github.com/accessdesk/accessdesk/internal/policy"
	"github.com/accessdesk/accessdesk/internal/request"
)

func (s *Server) createRequest(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthenticated", "No authenticated user")
		return
	}

	var proposal request.Proposal
	if err := json.NewDecoder(r.Body).Decode(&proposal); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	resp, err := s.service.CreateRequest(r.Context(), user, proposal)
	if err != nil {
		s.respondCommandError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, resp)
}

func (s *Server) listRequests(w http.ResponseWriter, r *http.Request) {
	filter := models.RequestFilter{
		Status:       models.RequestStatus(r.URL.Query().Get("status")),
		PrincipalARN: r.URL.Query().Get("principal"),
		Requester:    r.URL.Query().Get("requester"),
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Offset = n
		}
	}

	requests, err := s.service.List(r.Context(), filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, requests)
}

func (s *Server) getRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := s.requestID(w, r)
	if !ok {
		return
	}
	req, err := s.service.Get(r.Context(), id)
	if err != nil {
		s.respondCommandError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, req)
}

type reviewBody struct {
	Comment string `json:"comment"`
}

func (s *Server) approveRequest(w http.ResponseWriter, r *http.Request) {
	s.reviewCommand(w, r, s.service.ApproveRequest)
}

func (s *Server) rejectRequest(w http.ResponseWriter, r *http.Request) {
	s.reviewCommand(w, r, s.service.RejectRequest)
}

func (s *Server) reviewCommand(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, user models.User, id uuid.UUID, comment string) (*models.CommandResponse, error)) {
	user, id, ok := s.callerAndID(w, r)
	if !ok {
		return
	}
	var body reviewBody
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
			return
		}
	}
	resp, err := fn(r.Context(), user, id, body.Comment)
	if err != nil {
		s.respondCommandError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) cancelRequest(w http.ResponseWriter, r *http.Request) {
	user, id, ok := s.callerAndID(w, r)
	if !ok {
		return
	}
	resp, err := s.service.CancelRequest(r.Context(), user, id)
	if err != nil {
		s.respondCommandError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

type applyBody struct {
	ChangeID *int `json:"change_id,omitempty"`
}

func (s *Server) applyRequest(w http.ResponseWriter, r *http.Request) {
	user, id, ok := s.callerAndID(w, r)
	if !ok {
		return
	}
	var body applyBody
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
			return
		}
	}
	resp, err := s.service.ApplyRequest(r.Context(), user, id, body.ChangeID)
	if err != nil {
		s.respondCommandError(w, err)
		return
	}
	status := http.StatusOK
	if resp.Errors > 0 {
		status = http.StatusMultiStatus
	}
	respondJSON(w, status, resp)
}

func (s *Server) reopenRequest(w http.ResponseWriter, r *http.Request) {
	user, id, ok := s.callerAndID(w, r)
	if !ok {
		return
	}
	resp, err := s.service.MoveBackToPending(r.Context(), user, id)
	if err != nil {
		s.respondCommandError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

type commentBody struct {
	Body string `json:"body"`
}

func (s *Server) addComment(w http.ResponseWriter, r *http.Request) {
	user, id, ok := s.callerAndID(w, r)
	if !ok {
		return
	}
	var body commentBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	resp, err := s.service.AddComment(r.Context(), user, id, body.Body)
	if err != nil {
		s.respondCommandError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

type expirationBody struct {
	TTL            time.Duration `json:"ttl,omitempty"`
	ExpirationDate *time.Time    `json:"expiration_date,omitempty"`
}

func (s *Server) updateExpiration(w http.ResponseWriter, r *http.Request) {
	user, id, ok := s.callerAndID(w, r)
	if !ok {
		return
	}
	var body expirationBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	resp, err := s.service.UpdateExpiration(r.Context(), user, id, body.TTL, body.ExpirationDate)
	if err != nil {
		s.respondCommandError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

type updateChangeBody struct {
	Policy policy.Document `json:"policy"`
}

func (s *Server) updateChange(w http.ResponseWriter, r *http.Request) {
	user, id, changeID, ok := s.callerIDAndChange(w, r)
	if !ok {
		return
	}
	var body updateChangeBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	resp, err := s.service.UpdateChange(r.Context(), user, id, changeID, body.Policy)
	if err != nil {
		s.respondCommandError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) cancelChange(w http.ResponseWriter, r *http.Request) {
	user, id, changeID, ok := s.callerIDAndChange(w, r)
	if !ok {
		return
	}
	resp, err := s.service.CancelChange(r.Context(), user, id, changeID)
	if err != nil {
		s.respondCommandError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) applyChange(w http.ResponseWriter, r *http.Request) {
	user, id, changeID, ok := s.callerIDAndChange(w, r)
	if !ok {
		return
	}
	resp, err := s.service.ApplyRequest(r.Context(), user, id, &changeID)
	if err != nil {
		s.respondCommandError(w, err)
		return
	}
	status := http.StatusOK
	if resp.Errors > 0 {
		status = http.StatusMultiStatus
	}
	respondJSON(w, status, resp)
}

func (s *Server) requestID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "requestID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_id", "Invalid request ID")
		return uuid.UUID{}, false
	}
	return id, true
}

func (s *Server) callerAndID(w http.ResponseWriter, r *http.Request) (models.User, uuid.UUID, bool) {
	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthenticated", "No authenticated user")
		return models.User{}, uuid.UUID{}, false
	}
	id, ok := s.requestID(w, r)
	if !ok {
		return models.User{}, uuid.UUID{}, false
	}
	return user, id, true
}

func (s *Server) callerIDAndChange(w http.ResponseWriter, r *http.Request) (models.User, uuid.UUID, int, bool) {
	user, id, ok := s.callerAndID(w, r)
	if !ok {
		return models.User{}, uuid.UUID{}, 0, false
	}
	changeID, err := strconv.Atoi(chi.URLParam(r, "changeID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_id", "Invalid change ID")
		return models.User{}, uuid.UUID{}, 0, false
	}
	return user, id, changeID, true
}

// respondCommandError maps domain errors onto HTTP statuses.
func (s *Server) respondCommandError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrNoMatchingRequest):
		respondError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, models.ErrUnauthorized):
		respondError(w, http.StatusForbidden, "forbidden", err.Error())
	case errors.Is(err, models.ErrStaleRequest):
		respondError(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, models.ErrValidation),
		errors.Is(err, models.ErrInvalidRequestParameter),
		errors.Is(err, models.ErrUnsupportedChangeType):
		respondError(w, http.StatusBadRequest, "validation_error", err.Error())
	default:
		s.logger.Error("command failed", "error", err)
		respondError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
