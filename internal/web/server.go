// Package web is the operator surface: a JSON API over the job lifecycle
// and a websocket stream of live job snapshots.
package web

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/example/permit-scheduler/internal/hub"
	"github.com/example/permit-scheduler/internal/logging"
	"github.com/example/permit-scheduler/internal/permit"
	"github.com/example/permit-scheduler/internal/recgov"
	"github.com/example/permit-scheduler/internal/registry"
	"github.com/example/permit-scheduler/internal/scheduler"
)

// Auth is what the server needs from the operator auth store.
type Auth interface {
	Authenticate(ctx context.Context, username, password string) (int64, error)
	SetSession(w http.ResponseWriter, r *http.Request, userID int64) error
	ClearSession(w http.ResponseWriter)
	RequireAuth(next http.Handler) http.Handler
}

type Server struct {
	Auth     Auth
	Registry *registry.Registry
	Vault    *registry.Vault
	Sched    *scheduler.Scheduler
	Hub      *hub.Hub
	Metadata *recgov.MetadataClient
	Log      *zap.SugaredLogger

	validate *validator.Validate
}

func (s *Server) Routes() http.Handler {
	s.validate = validator.New()

	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("POST /api/login", s.handleLogin)
	mux.HandleFunc("POST /api/logout", s.handleLogout)

	authed := func(h http.HandlerFunc) http.Handler { return s.Auth.RequireAuth(h) }
	mux.Handle("POST /api/jobs", authed(s.handleJobCreate))
	mux.Handle("GET /api/jobs", authed(s.handleJobList))
	mux.Handle("GET /api/jobs/{id}", authed(s.handleJobGet))
	mux.Handle("PUT /api/jobs/{id}/credentials", authed(s.handleJobCredentials))
	mux.Handle("POST /api/jobs/{id}/cancel", authed(s.handleJobCancel))
	mux.Handle("DELETE /api/jobs/{id}", authed(s.handleJobDelete))
	mux.Handle("GET /api/permits/{id}", authed(s.handlePermitMetadata))
	mux.Handle("GET /api/stream", authed(s.handleStream))

	return mux
}

// Start serves h until ctx is done, then shuts down gracefully.
func Start(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	}
}

type loginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !s.decode(w, r, &req) {
		return
	}
	uid, err := s.Auth.Authenticate(r.Context(), req.Username, req.Password)
	if err != nil {
		writeErr(w, http.StatusUnauthorized, "invalid username/password")
		return
	}
	if err := s.Auth.SetSession(w, r, uid); err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.Auth.ClearSession(w)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type dateRangePayload struct {
	Start string `json:"start" validate:"required,datetime=2006-01-02"`
	End   string `json:"end" validate:"required,datetime=2006-01-02"`
}

type credentialsPayload struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type createJobRequest struct {
	Label         string              `json:"label"`
	PermitID      string              `json:"permit_id" validate:"required"`
	DivisionID    string              `json:"division_id" validate:"required"`
	GroupSize     int                 `json:"group_size" validate:"required,min=1"`
	WindowOpensAt time.Time           `json:"window_opens_at" validate:"required"`
	Ranges        []dateRangePayload  `json:"ranges" validate:"required,min=1,dive"`
	Credentials   *credentialsPayload `json:"credentials" validate:"required"`
}

func (s *Server) handleJobCreate(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if !s.decode(w, r, &req) {
		return
	}

	spec := permit.Job{
		Label:         req.Label,
		PermitID:      req.PermitID,
		DivisionID:    req.DivisionID,
		GroupSize:     req.GroupSize,
		WindowOpensAt: req.WindowOpensAt,
	}
	for _, rp := range req.Ranges {
		dr, err := parseRange(rp)
		if err != nil {
			writeErr(w, http.StatusBadRequest, err.Error())
			return
		}
		spec.Ranges = append(spec.Ranges, dr)
	}

	job, err := s.Registry.Create(spec)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}

	s.Vault.Put(job.ID, permit.Credentials{
		Username: req.Credentials.Username,
		Password: req.Credentials.Password,
	})
	s.Sched.Arm(job)

	s.Log.Infow("job created",
		logging.FieldJobID, job.ID,
		logging.FieldPermitID, job.PermitID,
		logging.FieldDivision, job.DivisionID,
	)
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleJobList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Registry.List())
}

func (s *Server) handleJobGet(w http.ResponseWriter, r *http.Request) {
	job, ok := s.Registry.Get(r.PathValue("id"))
	if !ok {
		writeErr(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleJobCredentials re-supplies reservation-site credentials after a
// restart. A pending job whose trigger time already passed fires
// immediately via the re-arm.
func (s *Server) handleJobCredentials(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	job, ok := s.Registry.Get(id)
	if !ok {
		writeErr(w, http.StatusNotFound, "job not found")
		return
	}
	if job.Status.Terminal() {
		writeErr(w, http.StatusConflict, "job is already finished")
		return
	}

	var req credentialsPayload
	if !s.decode(w, r, &req) {
		return
	}
	s.Vault.Put(id, permit.Credentials{Username: req.Username, Password: req.Password})
	if job.Status == permit.StatusPending {
		s.Sched.Arm(job)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleJobCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.Registry.Get(id); !ok {
		writeErr(w, http.StatusNotFound, "job not found")
		return
	}
	s.Sched.Cancel(id)
	job, _ := s.Registry.Get(id)
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleJobDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.Sched.Cancel(id)
	s.Vault.Delete(id)
	if err := s.Registry.Delete(id); err != nil {
		writeErr(w, http.StatusNotFound, "job not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePermitMetadata(w http.ResponseWriter, r *http.Request) {
	if s.Metadata == nil {
		writeErr(w, http.StatusNotFound, "metadata not configured")
		return
	}
	f, err := s.Metadata.Facility(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func parseRange(rp dateRangePayload) (permit.DateRange, error) {
	start, err := time.ParseInLocation(permit.DateFormat, rp.Start, time.UTC)
	if err != nil {
		return permit.DateRange{}, err
	}
	end, err := time.ParseInLocation(permit.DateFormat, rp.End, time.UTC)
	if err != nil {
		return permit.DateRange{}, err
	}
	dr := permit.DateRange{Start: start, End: end}
	return dr, dr.Validate()
}

// decode unmarshals and validates the request body, answering 400 itself
// on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
