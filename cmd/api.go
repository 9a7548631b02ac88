package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/prospect-cli/internal/crmsync"
	"github.com/sells-group/prospect-cli/internal/dispatch"
	"github.com/sells-group/prospect-cli/internal/model"
	"github.com/sells-group/prospect-cli/internal/ownership"
	"github.com/sells-group/prospect-cli/internal/store"
)

// apiServer serves the admin API and the inbound CRM webhooks.
type apiServer struct {
	env           *appEnv
	apiKey        string
	webhookSecret string
}

// buildRouter mounts every route. Admin routes require the API key and
// webhooks require the shared secret, when those are configured.
func buildRouter(env *appEnv, corsOrigins []string, apiKey, webhookSecret string) http.Handler {
	s := &apiServer{env: env, apiKey: apiKey, webhookSecret: webhookSecret}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: corsOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-API-Key"},
		MaxAge:         300,
	}))

	r.Get("/health", s.health)

	r.Group(func(r chi.Router) {
		r.Use(requireHeader("X-API-Key", apiKey))

		r.Route("/campaigns", func(r chi.Router) {
			r.Get("/", s.listCampaigns)
			r.Route("/{campaignID}", func(r chi.Router) {
				r.Get("/", s.getCampaign)
				r.Put("/", s.putCampaign)
				r.Post("/process", s.processCampaign)
				r.Post("/pause", s.pauseCampaign)
				r.Post("/resume", s.resumeCampaign)
				r.Get("/failures", s.listFailures)
				r.Post("/participants", s.enroll)
				r.Post("/participants/bulk", s.bulkEnroll)
			})
		})

		r.Route("/participants", func(r chi.Router) {
			r.Get("/", s.listParticipants)
			r.Route("/{participantID}", func(r chi.Router) {
				r.Get("/", s.getParticipant)
				r.Delete("/", s.removeParticipant)
				r.Get("/messages", s.participantMessages)
				r.Post("/pause", s.participantAction(s.env.Service.PauseParticipant))
				r.Post("/resume", s.participantAction(s.env.Service.ResumeParticipant))
				r.Post("/reset", s.participantAction(s.env.Service.ResetParticipant))
				r.Post("/responses", s.recordResponse)
			})
		})

		r.Route("/leads/{leadID}", func(r chi.Router) {
			r.Get("/", s.getLead)
			r.Post("/assume", s.assumeLead)
			r.Post("/release", s.releaseLead)
			r.Post("/stage", s.moveLead)
		})
	})

	r.Route("/webhooks/crm", func(r chi.Router) {
		r.Use(requireHeader("X-Webhook-Secret", webhookSecret))
		r.Post("/lock", s.crmLock)
		r.Post("/stage", s.crmStage)
	})

	return r
}

// requireHeader rejects requests whose header does not match want. An empty
// want disables the check.
func requireHeader(name, want string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if want != "" && subtle.ConstantTimeCompare([]byte(r.Header.Get(name)), []byte(want)) != 1 {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeErr maps domain errors onto HTTP statuses.
func writeErr(w http.ResponseWriter, err error) {
	switch {
	case store.IsNotFound(err):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, dispatch.ErrInvalidEnrollment), errors.Is(err, model.ErrUnknownStage),
		errors.Is(err, ownership.ErrMissingIdentity):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, dispatch.ErrNotPaused), errors.Is(err, dispatch.ErrNotFailed),
		errors.Is(err, model.ErrInvalidTransition),
		errors.Is(err, ownership.ErrAlreadyLocked), errors.Is(err, ownership.ErrNotOwner):
		writeError(w, http.StatusConflict, err.Error())
	default:
		zap.L().Error("api: request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func (s *apiServer) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.env.Store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Campaigns

func (s *apiServer) listCampaigns(w http.ResponseWriter, r *http.Request) {
	camps, err := s.env.Store.ListCampaigns(r.Context(), r.URL.Query().Get("active") == "true")
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, camps)
}

type campaignView struct {
	*model.Campaign
	Counts map[model.MessageStatus]int `json:"message_counts"`
}

func (s *apiServer) getCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "campaignID")
	camp, err := s.env.Store.GetCampaign(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	counts, err := s.env.Store.CountByMessageStatus(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, campaignView{Campaign: camp, Counts: counts})
}

func (s *apiServer) putCampaign(w http.ResponseWriter, r *http.Request) {
	var c model.Campaign
	if !decode(w, r, &c) {
		return
	}
	c.ID = chi.URLParam(r, "campaignID")
	if err := c.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.env.Store.UpsertCampaign(r.Context(), &c); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *apiServer) processCampaign(w http.ResponseWriter, r *http.Request) {
	res, err := s.env.Service.ProcessDueBatch(r.Context(), chi.URLParam(r, "campaignID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *apiServer) pauseCampaign(w http.ResponseWriter, r *http.Request) {
	n, err := s.env.Service.PauseCampaign(r.Context(), chi.URLParam(r, "campaignID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"participants": n})
}

func (s *apiServer) resumeCampaign(w http.ResponseWriter, r *http.Request) {
	n, err := s.env.Service.ResumeCampaign(r.Context(), chi.URLParam(r, "campaignID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"participants": n})
}

func (s *apiServer) listFailures(w http.ResponseWriter, r *http.Request) {
	ps, err := s.env.Service.ListTerminalFailures(r.Context(), chi.URLParam(r, "campaignID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ps)
}

func (s *apiServer) enroll(w http.ResponseWriter, r *http.Request) {
	var e dispatch.Enrollment
	if !decode(w, r, &e) {
		return
	}
	e.CampaignID = chi.URLParam(r, "campaignID")
	p, err := s.env.Service.EnrollParticipant(r.Context(), e)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *apiServer) bulkEnroll(w http.ResponseWriter, r *http.Request) {
	var es []dispatch.Enrollment
	if !decode(w, r, &es) {
		return
	}
	n, err := s.env.Service.BulkEnroll(r.Context(), chi.URLParam(r, "campaignID"), es)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"requested": len(es), "created": n})
}

// Participants

func (s *apiServer) listParticipants(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := model.ParticipantFilter{
		CampaignID:     q.Get("campaign_id"),
		LeadID:         q.Get("lead_id"),
		Status:         model.ParticipantStatus(q.Get("status")),
		MessageStatus:  model.MessageStatus(q.Get("message_status")),
		TerminalFailed: q.Get("terminal") == "true",
	}
	filter.Limit, _ = strconv.Atoi(q.Get("limit"))
	filter.Offset, _ = strconv.Atoi(q.Get("offset"))

	ps, err := s.env.Service.ListParticipants(r.Context(), filter)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ps)
}

func (s *apiServer) getParticipant(w http.ResponseWriter, r *http.Request) {
	p, err := s.env.Service.GetParticipant(r.Context(), chi.URLParam(r, "participantID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *apiServer) removeParticipant(w http.ResponseWriter, r *http.Request) {
	if err := s.env.Service.RemoveParticipant(r.Context(), chi.URLParam(r, "participantID")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *apiServer) participantMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.env.Service.History(r.Context(), chi.URLParam(r, "participantID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

// participantAction adapts a by-id Service method into a handler that
// returns the updated participant.
func (s *apiServer) participantAction(fn func(context.Context, string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "participantID")
		if err := fn(r.Context(), id); err != nil {
			writeErr(w, err)
			return
		}
		p, err := s.env.Service.GetParticipant(r.Context(), id)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}

func (s *apiServer) recordResponse(w http.ResponseWriter, r *http.Request) {
	p, err := s.env.Service.RecordResponse(r.Context(), chi.URLParam(r, "participantID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// Leads

type leadView struct {
	*model.LeadState
	History []model.StageChange `json:"history"`
}

func (s *apiServer) getLead(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "leadID")
	lead, err := s.env.Ownership.Status(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	hist, err := s.env.Store.ListStageHistory(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, leadView{LeadState: lead, History: hist})
}

type lockRequest struct {
	UserID string `json:"user_id"`
	Admin  bool   `json:"admin"`
}

func (s *apiServer) assumeLead(w http.ResponseWriter, r *http.Request) {
	var req lockRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.env.Ownership.Assume(r.Context(), chi.URLParam(r, "leadID"), req.UserID, ownership.SourceUser)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *apiServer) releaseLead(w http.ResponseWriter, r *http.Request) {
	var req lockRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.env.Ownership.Release(r.Context(), chi.URLParam(r, "leadID"), req.UserID, req.Admin, ownership.SourceUser)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type stageRequest struct {
	Stage string `json:"stage"`
	Async bool   `json:"async"`
}

// moveLead advances a lead's CRM stage, synchronously or through the sync
// outbox. A partial move answers 207 with the stage actually reached.
func (s *apiServer) moveLead(w http.ResponseWriter, r *http.Request) {
	var req stageRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Stage == "" {
		writeError(w, http.StatusBadRequest, "stage is required")
		return
	}
	leadID := chi.URLParam(r, "leadID")

	if req.Async {
		if err := s.env.Adapter.QueueStage(r.Context(), leadID, req.Stage); err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"lead_id": leadID, "target": req.Stage, "status": "queued"})
		return
	}

	reached, err := s.env.Adapter.AdvanceStage(r.Context(), leadID, req.Stage)
	var partial *crmsync.PartialFailureError
	switch {
	case errors.As(err, &partial):
		writeJSON(w, http.StatusMultiStatus, map[string]string{"lead_id": leadID, "stage": reached, "error": err.Error()})
	case err != nil:
		writeErr(w, err)
	default:
		writeJSON(w, http.StatusOK, map[string]string{"lead_id": leadID, "stage": reached})
	}
}

// Webhooks

type crmLockEvent struct {
	LeadID string `json:"lead_id"`
	UserID string `json:"user_id"`
	Locked bool   `json:"locked"`
}

// crmLock applies an ownership change made in the CRM. The CRM is the
// authority for these events, so releases are applied as admin.
func (s *apiServer) crmLock(w http.ResponseWriter, r *http.Request) {
	var ev crmLockEvent
	if !decode(w, r, &ev) {
		return
	}
	var (
		res *ownership.Result
		err error
	)
	if ev.Locked {
		res, err = s.env.Ownership.Assume(r.Context(), ev.LeadID, ev.UserID, ownership.SourceCRM)
	} else {
		res, err = s.env.Ownership.Release(r.Context(), ev.LeadID, ev.UserID, true, ownership.SourceCRM)
	}
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type crmStageEvent struct {
	LeadID    string `json:"lead_id"`
	StageCode int    `json:"stage_code"`
}

func (s *apiServer) crmStage(w http.ResponseWriter, r *http.Request) {
	var ev crmStageEvent
	if !decode(w, r, &ev) {
		return
	}
	stage, err := s.env.Adapter.ApplyRemoteStage(r.Context(), ev.LeadID, ev.StageCode)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"lead_id": ev.LeadID, "stage": stage})
}
