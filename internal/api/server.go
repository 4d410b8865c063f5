package api

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"net/http/pprof"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"outreach/internal/consent"
	"outreach/internal/domain"
	"outreach/internal/engine"
	"outreach/internal/followup"
	"outreach/internal/queue"
	"outreach/internal/store"
)

//go:embed templates/*.html
var templateFS embed.FS

type Server struct {
	r         *chi.Mux
	eng       *engine.Engine
	store     *store.Store
	templates *template.Template
}

func NewServer(eng *engine.Engine) http.Handler {
	return NewServerWithDebug(eng, false)
}

func NewServerWithDebug(eng *engine.Engine, enableDebug bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	templates := template.Must(template.New("").Funcs(template.FuncMap{
		"deref": func(s *string) string {
			if s == nil {
				return ""
			}
			return *s
		},
	}).ParseFS(templateFS, "templates/*.html"))

	s := &Server{r: r, eng: eng, store: eng.Store(), templates: templates}

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)

	r.Route("/api", func(r chi.Router) {
		r.Post("/messages", s.enqueue)
		r.Get("/messages", s.listMessages)
		r.Get("/messages/{id}", s.getMessage)
		r.Get("/messages/{id}/attempts", s.messageAttempts)
		r.Get("/dead-letters", s.deadLetters)
		r.Post("/dead-letters/{id}/requeue", s.requeueDeadLetter)

		r.Post("/leads", s.upsertLead)
		r.Get("/leads/{id}", s.getLead)
		r.Post("/leads/{id}/evaluate", s.evaluate)
		r.Get("/leads/{id}/why", s.why)
		r.Get("/leads/{id}/evaluations", s.evaluations)
		r.Get("/leads/{id}/cursor", s.cursor)
		r.Post("/leads/{id}/enroll", s.enroll)
		r.Post("/leads/{id}/stop", s.stop)
		r.Get("/consent/{phone}", s.consentEvents)

		r.Put("/policies/{account}", s.putPolicy)
		r.Get("/policies/{account}", s.getPolicy)

		r.Post("/autopilot/tick", s.tick)
		r.Post("/worker/tick", s.workerTick)
		r.Post("/followups/run", s.runFollowups)
		r.Post("/followups/enroll-stale", s.enrollStale)
		r.Post("/recover", s.recoverStale)
	})

	r.Post("/webhooks/inbound", s.inbound)
	r.Post("/webhooks/status", s.deliveryStatus)

	r.Get("/", s.dashboard)
	r.Get("/dashboard", s.dashboard)
	r.Get("/dashboard/messages", s.dashboardMessages)
	r.Post("/dashboard/dead-letters/{id}/requeue", s.dashboardRequeue)

	if enableDebug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DB().PingContext(r.Context()); err != nil {
		http.Error(w, "db: "+err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	stats, err := s.eng.Stats(r.Context())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	parked, err := s.eng.Store().CountParkedStatuses(r.Context())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	var b strings.Builder
	b.WriteString("outreach_up 1\n")
	for _, st := range []domain.MessageStatus{
		domain.MessageQueued, domain.MessageProcessing, domain.MessageSent,
		domain.MessageDelivered, domain.MessageFailed, domain.MessageDeadLetter,
	} {
		fmt.Fprintf(&b, "outreach_messages{status=%q} %d\n", st, stats[st])
	}
	fmt.Fprintf(&b, "outreach_queued %d\n", stats[domain.MessageQueued])
	fmt.Fprintf(&b, "outreach_dead_letters %d\n", stats[domain.MessageDeadLetter])
	fmt.Fprintf(&b, "outreach_parked_delivery_statuses %d\n", parked)
	w.Write([]byte(b.String()))
}

func (s *Server) enqueue(w http.ResponseWriter, r *http.Request) {
	var req engine.EnqueueRequest
	if !decode(w, r, &req) {
		return
	}
	if req.LeadID == "" || strings.TrimSpace(req.Body) == "" {
		http.Error(w, "lead_id and body are required", 400)
		return
	}
	m, created, err := s.eng.Enqueue(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	code := http.StatusAccepted
	if !created {
		code = http.StatusOK
	}
	writeJSON(w, code, map[string]any{"created": created, "message": toMessageView(m)})
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	ms, err := s.store.ListMessages(r.Context(), domain.MessageStatus(r.URL.Query().Get("status")), r.URL.Query().Get("lead_id"), limit(r, 50))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, 200, toMessageViews(ms))
}

func (s *Server) getMessage(w http.ResponseWriter, r *http.Request) {
	m, err := s.store.GetMessage(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, 200, toMessageView(m))
}

func (s *Server) messageAttempts(w http.ResponseWriter, r *http.Request) {
	attempts, err := s.store.ListSendAttempts(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]attemptView, 0, len(attempts))
	for _, a := range attempts {
		out = append(out, attemptView{Outcome: a.Outcome, Error: a.Error, At: a.At})
	}
	writeJSON(w, 200, out)
}

func (s *Server) deadLetters(w http.ResponseWriter, r *http.Request) {
	ms, err := s.eng.DeadLetters(r.Context(), limit(r, 100))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, 200, toMessageViews(ms))
}

func (s *Server) requeueDeadLetter(w http.ResponseWriter, r *http.Request) {
	ok, err := s.eng.RequeueDeadLetter(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		http.Error(w, "not a dead letter", http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type leadReq struct {
	ID        string `json:"id"`
	AccountID string `json:"account_id"`
	Phone     string `json:"phone"`
	Email     string `json:"email"`
}

func (s *Server) upsertLead(w http.ResponseWriter, r *http.Request) {
	var req leadReq
	if !decode(w, r, &req) {
		return
	}
	if req.AccountID == "" || req.Phone == "" {
		http.Error(w, "account_id and phone are required", 400)
		return
	}
	l, err := s.store.UpsertLead(r.Context(), domain.Lead{ID: req.ID, AccountID: req.AccountID, Phone: req.Phone, Email: req.Email})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toLeadView(l))
}

func (s *Server) getLead(w http.ResponseWriter, r *http.Request) {
	l, err := s.store.GetLead(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, 200, toLeadView(l))
}

func (s *Server) evaluate(w http.ResponseWriter, r *http.Request) {
	dec, err := s.eng.Evaluate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, 200, toDecisionView(dec))
}

func (s *Server) why(w http.ResponseWriter, r *http.Request) {
	ev, err := s.eng.Why(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, 200, toEvaluationView(ev))
}

func (s *Server) evaluations(w http.ResponseWriter, r *http.Request) {
	evs, err := s.store.ListEvaluations(r.Context(), chi.URLParam(r, "id"), limit(r, 20))
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]evaluationView, 0, len(evs))
	for _, ev := range evs {
		out = append(out, toEvaluationView(ev))
	}
	writeJSON(w, 200, out)
}

func (s *Server) cursor(w http.ResponseWriter, r *http.Request) {
	c, ok, err := s.eng.Cursor(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		http.Error(w, "not enrolled", 404)
		return
	}
	writeJSON(w, 200, toCursorView(c))
}

func (s *Server) enroll(w http.ResponseWriter, r *http.Request) {
	c, created, err := s.eng.Enroll(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	code := http.StatusCreated
	if !created {
		code = http.StatusOK
	}
	writeJSON(w, code, map[string]any{"created": created, "cursor": toCursorView(c)})
}

func (s *Server) stop(w http.ResponseWriter, r *http.Request) {
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "operator"
	}
	stopped, err := s.eng.Stop(r.Context(), chi.URLParam(r, "id"), reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, 200, map[string]bool{"stopped": stopped})
}

func (s *Server) consentEvents(w http.ResponseWriter, r *http.Request) {
	evs, err := s.store.ListConsentEvents(r.Context(), domain.NormalizePhone(chi.URLParam(r, "phone")), limit(r, 50))
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(evs))
	for _, ev := range evs {
		out = append(out, map[string]any{
			"type": ev.Type, "source": ev.Source, "account_id": ev.AccountID, "at": ev.At,
		})
	}
	writeJSON(w, 200, out)
}

func (s *Server) putPolicy(w http.ResponseWriter, r *http.Request) {
	var doc policyDoc
	if !decode(w, r, &doc) {
		return
	}
	doc.AccountID = chi.URLParam(r, "account")
	if err := s.store.UpsertPolicy(r.Context(), doc.policy()); err != nil {
		writeError(w, err)
		return
	}
	p, err := s.store.GetPolicy(r.Context(), doc.AccountID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, 200, toPolicyDoc(p))
}

func (s *Server) getPolicy(w http.ResponseWriter, r *http.Request) {
	p, err := s.store.GetPolicy(r.Context(), chi.URLParam(r, "account"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, 200, toPolicyDoc(p))
}

func (s *Server) tick(w http.ResponseWriter, r *http.Request) {
	if account := r.URL.Query().Get("account_id"); account != "" {
		res, err := s.eng.Tick(r.Context(), account)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, 200, res)
		return
	}
	res, err := s.eng.TickAll(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("autopilot tick")
	}
	writeJSON(w, 200, res)
}

func (s *Server) workerTick(w http.ResponseWriter, r *http.Request) {
	rep, err := s.eng.RunWorker(r.Context(), limit(r, 50))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, 200, rep)
}

func (s *Server) runFollowups(w http.ResponseWriter, r *http.Request) {
	rep, err := s.eng.RunFollowups(r.Context(), limit(r, 0))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, 200, rep)
}

func (s *Server) enrollStale(w http.ResponseWriter, r *http.Request) {
	n, err := s.eng.EnrollStale(r.Context(), r.URL.Query().Get("account_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, 200, map[string]int{"enrolled": n})
}

func (s *Server) recoverStale(w http.ResponseWriter, r *http.Request) {
	n, err := s.eng.RecoverStale(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, 200, map[string]int{"recovered": n})
}

// inbound accepts JSON or the form encoding SMS providers post.
func (s *Server) inbound(w http.ResponseWriter, r *http.Request) {
	var in engine.InboundMessage
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/x-www-form-urlencoded") {
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		in.From, in.To, in.Body = r.FormValue("From"), r.FormValue("To"), r.FormValue("Body")
	} else if !decode(w, r, &in) {
		return
	}
	res, err := s.eng.HandleInbound(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, 200, res)
}

func (s *Server) deliveryStatus(w http.ResponseWriter, r *http.Request) {
	var ds engine.DeliveryStatus
	if !decode(w, r, &ds) {
		return
	}
	if ds.ProviderRef == "" {
		http.Error(w, "provider_ref is required", 400)
		return
	}
	m, changed, err := s.eng.HandleDeliveryStatus(r.Context(), ds)
	if errors.Is(err, engine.ErrStatusParked) {
		writeJSON(w, http.StatusAccepted, map[string]any{"changed": false, "parked": true})
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, 200, map[string]any{"changed": changed, "status": m.Status})
}

type dashboardData struct {
	Stats       map[string]int
	DeadLetters []domain.OutboundAttempt
}

func (s *Server) dashboard(w http.ResponseWriter, r *http.Request) {
	stats, err := s.eng.Stats(r.Context())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	dead, err := s.eng.DeadLetters(r.Context(), 20)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	data := dashboardData{Stats: map[string]int{}, DeadLetters: dead}
	for st, n := range stats {
		data.Stats[string(st)] = n
	}
	w.Header().Set("Content-Type", "text/html")
	if err := s.templates.ExecuteTemplate(w, "dashboard.html", data); err != nil {
		http.Error(w, err.Error(), 500)
	}
}

func (s *Server) dashboardMessages(w http.ResponseWriter, r *http.Request) {
	ms, err := s.store.ListMessages(r.Context(), domain.MessageStatus(r.URL.Query().Get("status")), "", 50)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	w.Header().Set("Content-Type", "text/html")
	if len(ms) == 0 {
		w.Write([]byte(`<p>No messages found</p>`))
		return
	}
	if err := s.templates.ExecuteTemplate(w, "messages.html", ms); err != nil {
		http.Error(w, err.Error(), 500)
	}
}

func (s *Server) dashboardRequeue(w http.ResponseWriter, r *http.Request) {
	if _, err := s.eng.RequeueDeadLetter(r.Context(), chi.URLParam(r, "id")); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	http.Redirect(w, r, "/dashboard", http.StatusSeeOther)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, err.Error(), 400)
		return false
	}
	return true
}

func limit(r *http.Request, def int) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "not found", 404)
	case errors.Is(err, store.ErrInvalid),
		errors.Is(err, queue.ErrInvalid),
		errors.Is(err, engine.ErrInvalidStatus),
		errors.Is(err, engine.ErrPhoneRequired),
		errors.Is(err, consent.ErrPhoneRequired):
		http.Error(w, err.Error(), 400)
	case errors.Is(err, store.ErrConflict), errors.Is(err, followup.ErrOptedOut):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		log.Error().Err(err).Msg("api error")
		http.Error(w, err.Error(), 500)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
