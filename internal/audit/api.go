package audit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"coachbot/internal/calendar"
	"coachbot/internal/clock"
	"coachbot/internal/dispatch"
	"coachbot/internal/domain"
	"coachbot/internal/evaluator"
	"coachbot/internal/notifier"
	"coachbot/internal/render"
	"coachbot/internal/scheduler"
	"coachbot/internal/storage"
	logx "coachbot/pkg/logx"
)

type Tester interface {
	SendTest(ctx context.Context, item evaluator.Item) (domain.DispatchRecord, error)
}

type TickSource interface {
	Last() (scheduler.TickReport, bool)
}

type AlertHistory interface {
	History() []notifier.HistoryItem
}

// API holds the collaborators behind the HTTP handlers. Ticks and Alerts
// are optional.
type API struct {
	Store    storage.Store
	Tester   Tester
	Ticks    TickSource
	Alerts   AlertHistory
	Clock    clock.Clock
	Location func() *time.Location
	Log      logx.Logger
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", a.health)
	mux.HandleFunc("GET /api/dispatches", a.listDispatches)
	mux.HandleFunc("GET /api/alerts", a.listAlerts)
	mux.HandleFunc("POST /api/schedules/{id}/test", a.testSchedule)
	mux.HandleFunc("POST /api/weekly-reminder/test", a.testReminder)
	mux.HandleFunc("POST /api/templates/preview", a.previewTemplate)
	return mux
}

func (a *API) now() time.Time {
	c := a.Clock
	if c == nil {
		c = clock.System{}
	}
	loc := time.Local
	if a.Location != nil {
		loc = a.Location()
	}
	return c.Now().In(loc)
}

func (a *API) health(w http.ResponseWriter, _ *http.Request) {
	out := map[string]any{"status": "ok"}
	if a.Ticks != nil {
		if rep, ok := a.Ticks.Last(); ok {
			out["last_tick"] = rep
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) listDispatches(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := storage.DispatchFilter{Outcome: domain.Outcome(q.Get("outcome"))}
	switch f.Outcome {
	case "", domain.OutcomePending, domain.OutcomeSent, domain.OutcomeFailed:
	default:
		writeError(w, http.StatusBadRequest, "outcome must be pending, sent or failed")
		return
	}
	if v := q.Get("student_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "student_id must be an integer")
			return
		}
		f.StudentID = id
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		f.Since = t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		f.Limit = n
	}

	recs, err := a.Store.ListDispatches(r.Context(), f)
	if err != nil {
		a.internal(w, "list dispatches", err)
		return
	}
	if recs == nil {
		recs = []domain.DispatchRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (a *API) listAlerts(w http.ResponseWriter, _ *http.Request) {
	items := []notifier.HistoryItem{}
	if a.Alerts != nil {
		items = append(items, a.Alerts.History()...)
	}
	writeJSON(w, http.StatusOK, items)
}

func (a *API) testSchedule(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "schedule id must be an integer")
		return
	}
	item, err := evaluator.ScheduleTestItem(r.Context(), a.Store, id, a.now())
	if err != nil {
		a.itemError(w, "schedule", err)
		return
	}
	a.sendTest(w, r, item)
}

func (a *API) testReminder(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.URL.Query().Get("student_id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "student_id query parameter is required")
		return
	}
	item, err := evaluator.ReminderTestItem(r.Context(), a.Store, id, a.now())
	if err != nil {
		a.itemError(w, "student", err)
		return
	}
	a.sendTest(w, r, item)
}

// itemError maps a failure to build a test item: unknown rows are 404 and
// anything that would make the scheduler skip the item is 409.
func (a *API) itemError(w http.ResponseWriter, what string, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, what+" not found")
	case errors.Is(err, evaluator.ErrNoChat),
		errors.Is(err, evaluator.ErrStudentUnavailable),
		errors.Is(err, evaluator.ErrTemplateUnavailable),
		errors.Is(err, calendar.ErrNotConfigured):
		writeError(w, http.StatusConflict, err.Error())
	default:
		a.internal(w, "build test item", err)
	}
}

func (a *API) sendTest(w http.ResponseWriter, r *http.Request, item evaluator.Item) {
	rec, err := a.Tester.SendTest(r.Context(), item)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, rec)
	case errors.Is(err, render.ErrMissingVariable):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"error": err.Error(), "record": rec})
	case errors.Is(err, dispatch.ErrSend):
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": err.Error(), "record": rec})
	default:
		a.internal(w, "test send", err)
	}
}

type previewRequest struct {
	TemplateID int64             `json:"template_id"`
	Content    string            `json:"content"`
	Variables  map[string]string `json:"variables"`
}

type previewResponse struct {
	Text         string   `json:"text,omitempty"`
	Placeholders []string `json:"placeholders"`
	Missing      []string `json:"missing,omitempty"`
}

func (a *API) previewTemplate(w http.ResponseWriter, r *http.Request) {
	var req previewRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	content := req.Content
	if req.TemplateID != 0 {
		tpl, err := a.Store.GetTemplate(r.Context(), req.TemplateID)
		if err != nil {
			a.storeError(w, "template", err)
			return
		}
		content = tpl.Content
	}
	if content == "" {
		writeError(w, http.StatusBadRequest, "template_id or content is required")
		return
	}

	resp := previewResponse{Placeholders: render.Placeholders(content)}
	text, err := render.Render(content, req.Variables)
	var missing *render.MissingVariableError
	switch {
	case err == nil:
		resp.Text = text
		writeJSON(w, http.StatusOK, resp)
	case errors.As(err, &missing):
		resp.Missing = missing.Names
		writeJSON(w, http.StatusUnprocessableEntity, resp)
	default:
		a.internal(w, "render", err)
	}
}

func (a *API) storeError(w http.ResponseWriter, what string, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, what+" not found")
		return
	}
	a.internal(w, "load "+what, err)
}

func (a *API) internal(w http.ResponseWriter, op string, err error) {
	a.Log.Error("audit request failed", logx.String("op", op), logx.Err(err))
	writeError(w, http.StatusInternalServerError, op+" failed")
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
