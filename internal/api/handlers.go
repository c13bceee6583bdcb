package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"yuzu/coach/internal/auth"
	"yuzu/coach/internal/callstate"
	"yuzu/coach/internal/hume"
	"yuzu/coach/internal/jobs"
	"yuzu/coach/internal/personas"
	"yuzu/coach/internal/store"
	"yuzu/coach/internal/types"
	"yuzu/coach/internal/watch"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
	maxBodyBytes     = 4 << 20
)

type Options struct {
	Store    store.Store
	Personas *personas.Catalog
	Jobs     jobs.Dispatcher
	Hume     hume.TokenSource
	Watch    *watch.Server
	// Tickets signs watch tickets; TicketTTL bounds their lifetime.
	Tickets   *auth.Issuer
	TicketTTL time.Duration
	Log       *logrus.Logger
}

type Handlers struct {
	store     store.Store
	personas  *personas.Catalog
	jobs      jobs.Dispatcher
	hume      hume.TokenSource
	watch     *watch.Server
	tickets   *auth.Issuer
	ticketTTL time.Duration
	log       *logrus.Logger
	now       func() time.Time
}

func NewHandlers(o Options) *Handlers {
	if o.Personas == nil {
		o.Personas = personas.Default()
	}
	if o.TicketTTL <= 0 {
		o.TicketTTL = time.Minute
	}
	return &Handlers{
		store:     o.Store,
		personas:  o.Personas,
		jobs:      o.Jobs,
		hume:      o.Hume,
		watch:     o.Watch,
		tickets:   o.Tickets,
		ticketTTL: o.TicketTTL,
		log:       o.Log,
		now:       time.Now,
	}
}

type createRequest struct {
	Persona  string  `json:"persona"`
	Scenario *string `json:"scenario"`
}

type completeRequest struct {
	DurationSeconds *float64           `json:"duration_seconds"`
	Transcript      *types.Transcript  `json:"transcript"`
	EmotionData     *types.EmotionData `json:"emotion_data"`
	HumeChatID      *string            `json:"hume_chat_id"`
}

type listResponse struct {
	Data  []*types.CallSession `json:"data"`
	Count int                  `json:"count"`
}

type message struct {
	Message string `json:"message"`
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return badRequest("Invalid request body: " + err.Error())
	}
	return nil
}

// load fetches a session and checks the caller may act on it. Superusers
// pass the ownership check only where allowSuperuser is set.
func (h *Handlers) load(r *http.Request, p auth.Principal, id string, allowSuperuser bool) (*types.CallSession, error) {
	sess, err := h.store.Get(r.Context(), id)
	if err != nil {
		return nil, err
	}
	if sess.OwnerID != p.UserID && !(allowSuperuser && p.Superuser) {
		return nil, ErrPermissionDenied
	}
	return sess, nil
}

func (h *Handlers) event(r *http.Request, id, typ string, payload map[string]any) {
	if _, err := h.store.AppendEvent(r.Context(), id, typ, payload); err != nil && !errors.Is(err, store.ErrNotFound) {
		h.log.WithError(err).WithField("session_id", id).Warn("failed to record event")
	}
}

func (h *Handlers) HandleCreate(w http.ResponseWriter, r *http.Request, p auth.Principal, _ string) error {
	var req createRequest
	if err := decode(r, &req); err != nil {
		return err
	}
	if !h.personas.Has(req.Persona) {
		return badRequest(fmt.Sprintf("Unknown persona: %q", req.Persona))
	}
	sess := &types.CallSession{
		ID:        uuid.NewString(),
		OwnerID:   p.UserID,
		Persona:   req.Persona,
		Scenario:  req.Scenario,
		Status:    types.StatusActive,
		CreatedAt: h.now().UTC(),
	}
	if err := h.store.Create(r.Context(), sess); err != nil {
		return err
	}
	h.event(r, sess.ID, "session_created", map[string]any{"persona": sess.Persona})
	h.log.WithFields(logrus.Fields{"session_id": sess.ID, "persona": sess.Persona}).Info("call session created")
	writeJSON(w, http.StatusOK, sess)
	return nil
}

func (h *Handlers) HandleList(w http.ResponseWriter, r *http.Request, p auth.Principal, _ string) error {
	skip, err := queryInt(r, "skip", 0)
	if err != nil {
		return err
	}
	limit, err := queryInt(r, "limit", defaultListLimit)
	if err != nil {
		return err
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	sessions, total, err := h.store.ListByOwner(r.Context(), p.UserID, skip, limit)
	if err != nil {
		return err
	}
	if sessions == nil {
		sessions = []*types.CallSession{}
	}
	writeJSON(w, http.StatusOK, listResponse{Data: sessions, Count: total})
	return nil
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, badRequest(fmt.Sprintf("%s must be a non-negative integer", name))
	}
	return v, nil
}

func (h *Handlers) HandlePersonas(w http.ResponseWriter, _ *http.Request, _ auth.Principal, _ string) error {
	writeJSON(w, http.StatusOK, h.personas.List())
	return nil
}

func (h *Handlers) HandleGet(w http.ResponseWriter, r *http.Request, p auth.Principal, id string) error {
	sess, err := h.load(r, p, id, true)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, sess)
	return nil
}

func (h *Handlers) HandleComplete(w http.ResponseWriter, r *http.Request, p auth.Principal, id string) error {
	var req completeRequest
	if err := decode(r, &req); err != nil {
		return err
	}
	if req.DurationSeconds == nil {
		return badRequest("duration_seconds is required")
	}
	if d := *req.DurationSeconds; d < 0 || math.IsNaN(d) || math.IsInf(d, 0) {
		return badRequest("duration_seconds must be a non-negative number")
	}
	sess, err := h.load(r, p, id, false)
	if err != nil {
		return err
	}
	if sess.Status != types.StatusActive {
		return conflict(fmt.Sprintf("Call already completed. Current status: %s", sess.Status))
	}
	sess, err = h.store.Complete(r.Context(), id, types.Completion{
		DurationSeconds: *req.DurationSeconds,
		Transcript:      req.Transcript,
		EmotionData:     req.EmotionData,
		ExternalChatID:  req.HumeChatID,
		EndedAt:         h.now().UTC(),
	})
	if err != nil {
		return err
	}
	messages := 0
	if req.Transcript != nil {
		messages = len(req.Transcript.Messages)
	}
	h.event(r, id, "call_completed", map[string]any{
		"duration_seconds": *req.DurationSeconds,
		"messages":         messages,
	})
	writeJSON(w, http.StatusOK, sess)
	return nil
}

func (h *Handlers) HandleAnalyze(w http.ResponseWriter, r *http.Request, p auth.Principal, id string) error {
	sess, err := h.load(r, p, id, false)
	if err != nil {
		return err
	}
	if !callstate.Analyzable(sess.Status) {
		return conflict(fmt.Sprintf("Call must be completed before analysis. Current status: %s", sess.Status))
	}
	if err := h.jobs.Enqueue(r.Context(), id); err != nil {
		return fmt.Errorf("enqueue analysis: %w", err)
	}
	h.event(r, id, "analysis_queued", map[string]any{"from_status": string(sess.Status)})
	writeJSON(w, http.StatusAccepted, message{Message: "Analysis started"})
	return nil
}

func (h *Handlers) HandleReport(w http.ResponseWriter, r *http.Request, p auth.Principal, id string) error {
	sess, err := h.load(r, p, id, true)
	if err != nil {
		return err
	}
	switch callstate.Report(sess.Status) {
	case callstate.ReportPending:
		return conflict("Analysis in progress")
	case callstate.ReportFailed:
		msg, ok := sess.AnalysisResults.ErrorMessage()
		if !ok {
			msg = "Analysis failed"
		}
		return &httpError{http.StatusUnprocessableEntity, msg}
	}
	if len(sess.AnalysisResults) == 0 {
		return &httpError{http.StatusNotFound, "Report not found"}
	}
	report := make(map[string]any, len(sess.AnalysisResults)+1)
	for k, v := range sess.AnalysisResults {
		report[k] = v
	}
	report["transcript"] = sess.Transcript
	writeJSON(w, http.StatusOK, report)
	return nil
}

func (h *Handlers) HandleDelete(w http.ResponseWriter, r *http.Request, p auth.Principal, id string) error {
	if _, err := h.load(r, p, id, true); err != nil {
		return err
	}
	if err := h.store.Delete(r.Context(), id); err != nil {
		return err
	}
	h.log.WithField("session_id", id).Info("call session deleted")
	writeJSON(w, http.StatusOK, message{Message: "Call session deleted successfully"})
	return nil
}

func (h *Handlers) HandleListEvents(w http.ResponseWriter, r *http.Request, p auth.Principal, id string) error {
	if _, err := h.load(r, p, id, true); err != nil {
		return err
	}
	events, err := h.store.ListEvents(r.Context(), id)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": id,
		"events":     events,
	})
	return nil
}

// HandleMintWatchTicket is owner only; a ticket carries no superuser flag.
func (h *Handlers) HandleMintWatchTicket(w http.ResponseWriter, r *http.Request, p auth.Principal, id string) error {
	if _, err := h.load(r, p, id, false); err != nil {
		return err
	}
	ticket, exp, err := h.tickets.IssueWatchTicket(id, p.UserID, h.ticketTTL)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ticket":     ticket,
		"expires_at": exp,
	})
	return nil
}

func (h *Handlers) HandleWatch(w http.ResponseWriter, r *http.Request, p auth.Principal, id string) error {
	if _, err := h.load(r, p, id, true); err != nil {
		return err
	}
	h.watch.Stream(w, r, id, p.UserID)
	return nil
}

func (h *Handlers) HandleHumeToken(w http.ResponseWriter, r *http.Request, p auth.Principal, _ string) error {
	tok, err := h.hume.Token(r.Context())
	if err != nil {
		h.log.WithError(err).WithField("user_id", p.UserID).Error("hume token exchange failed")
		return err
	}
	writeJSON(w, http.StatusOK, tok)
	return nil
}
