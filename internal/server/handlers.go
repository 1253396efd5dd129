package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Tyrowin/fanout/internal/apperr"
	"github.com/Tyrowin/fanout/internal/logging"
	"github.com/Tyrowin/fanout/internal/progress"
	"github.com/Tyrowin/fanout/internal/room"
)

const maxIngressBody = 1 << 20

// WebSocketHandler upgrades the connection, registers a session with the hub
// and starts the client's read and write pumps.
func (s *Server) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "addr", r.RemoteAddr, "error", err)
		return
	}

	client := NewClient(conn, s.hub, r.RemoteAddr, s.cfg.Server.MaxMessageSize, s.cfg.Server.SendBuffer, s.logger)
	id, err := s.hub.Connect(client, r.RemoteAddr)
	if err != nil {
		s.logger.Error("register session", "addr", r.RemoteAddr, "error", err)
		client.Close()
		_ = conn.Close()
		return
	}
	client.id = id
	client.logger = client.logger.With("session_id", id)

	s.hub.track(client.writePump)
	s.hub.track(client.readPump)
}

type healthResponse struct {
	Status  string        `json:"status"`
	Uptime  string        `json:"uptime"`
	Hub     Stats         `json:"hub"`
	Process *processStats `json:"process,omitempty"`
}

type processStats struct {
	RSSBytes   uint64  `json:"rssBytes"`
	CPUPercent float64 `json:"cpuPercent"`
	Threads    int32   `json:"threads"`
}

// HealthHandler reports hub sizes and process resource usage for admin
// monitors.
func (s *Server) HealthHandler(w http.ResponseWriter, _ *http.Request) {
	stats, err := s.hub.Stats()
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "stopping"})
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Status:  "ok",
		Uptime:  time.Since(stats.StartedAt).Round(time.Second).String(),
		Hub:     stats,
		Process: s.processStats(),
	})
}

func (s *Server) processStats() *processStats {
	if s.proc == nil {
		return nil
	}
	var ps processStats
	if mem, err := s.proc.MemoryInfo(); err == nil {
		ps.RSSBytes = mem.RSS
	}
	if cpu, err := s.proc.CPUPercent(); err == nil {
		ps.CPUPercent = cpu
	}
	if n, err := s.proc.NumThreads(); err == nil {
		ps.Threads = n
	}
	return &ps
}

type ingressFunc func(r *http.Request) (int, any, error)

// ingressHandler wraps a producer endpoint with the bearer token check, the
// per-caller throttle, a request-scoped logger and JSON error mapping.
func (s *Server) ingressHandler(name string, fn ingressFunc) http.Handler {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.ingress.allow(callerKey(r)) {
			s.metrics.Ingress(name, http.StatusTooManyRequests)
			writeError(w, http.StatusTooManyRequests, apperr.RateLimited(name))
			return
		}

		logger := s.logger.With("endpoint", name, "request_id", uuid.NewString())
		r = r.WithContext(logging.ContextWithLogger(r.Context(), logger))

		status, body, err := fn(r)
		if err != nil {
			status = statusFor(err)
			if status >= http.StatusInternalServerError {
				logger.Error("ingress request failed", "error", err)
			} else {
				logger.Debug("ingress request rejected", "status", status, "error", err)
			}
			s.metrics.Ingress(name, status)
			writeError(w, status, err)
			return
		}
		s.metrics.Ingress(name, status)
		writeJSON(w, status, body)
	})
	return requireToken(s.cfg.Ingress.Token, h)
}

func statusFor(err error) int {
	if errors.Is(err, ErrHubStopped) {
		return http.StatusServiceUnavailable
	}
	switch apperr.CodeOf(err) {
	case apperr.CodeValidation:
		return http.StatusBadRequest
	case apperr.CodeNotFound:
		return http.StatusNotFound
	case apperr.CodePermissionDenied:
		return http.StatusForbidden
	case apperr.CodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, ErrorPayload{Code: apperr.CodeOf(err), Message: apperr.PublicMessage(err)})
}

func decodeBody(r *http.Request, op string, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxIngressBody))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return apperr.Validation(op, "request body is required")
		}
		return apperr.Validation(op, "invalid request body: %v", err)
	}
	return nil
}

func (s *Server) handleEmit(r *http.Request) (int, any, error) {
	var req EmitRequest
	if err := decodeBody(r, "emit", &req); err != nil {
		return 0, nil, err
	}
	res, err := s.hub.Emit(req)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusAccepted, res, nil
}

func (s *Server) handleTransition(r *http.Request) (int, any, error) {
	var req TransitionRequest
	if err := decodeBody(r, "transition", &req); err != nil {
		return 0, nil, err
	}
	snap, err := s.hub.Transition(req)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, snap, nil
}

type individualRequest struct {
	ID       string          `json:"id"`
	Value    float64         `json:"value"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

func (s *Server) handleIndividual(r *http.Request) (int, any, error) {
	var req individualRequest
	if err := decodeBody(r, "individual_counter", &req); err != nil {
		return 0, nil, err
	}
	c, err := s.hub.SetIndividualCounter(req.ID, req.Value, req.Metadata)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, c, nil
}

func (s *Server) handleCounters(r *http.Request) (int, any, error) {
	q := r.URL.Query()
	var types, prefixes []string
	if raw := q.Get("types"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				types = append(types, t)
			}
		}
	}
	if id := q.Get("userId"); id != "" {
		prefixes = append(prefixes, room.User(id)+":")
	}
	if id := q.Get("staffId"); id != "" {
		prefixes = append(prefixes, room.Staff(id)+":")
	}
	snap, err := s.hub.Snapshot(types, prefixes)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, snap, nil
}

func (s *Server) handleSync(r *http.Request) (int, any, error) {
	var req SyncRequest
	if err := decodeBody(r, "record_sync", &req); err != nil {
		return 0, nil, err
	}
	res, err := s.hub.RecordSync(req)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusAccepted, res, nil
}

type progressStartRequest struct {
	UserID string `json:"userId"`
	Label  string `json:"label"`
}

func (s *Server) handleProgressStart(r *http.Request) (int, any, error) {
	var req progressStartRequest
	if err := decodeBody(r, "progress_start", &req); err != nil {
		return 0, nil, err
	}
	task, err := s.hub.StartProgress(req.UserID, req.Label)
	if err != nil {
		return 0, nil, err
	}
	logging.FromContext(r.Context()).Info("progress started", "task_id", task.ID, "user_id", task.UserID)
	return http.StatusCreated, task, nil
}

func (s *Server) handleProgressGet(r *http.Request) (int, any, error) {
	task, err := s.hub.Progress(r.PathValue("id"))
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, task, nil
}

type progressUpdateRequest struct {
	Percent *float64 `json:"percent,omitempty"`
	Message string   `json:"message,omitempty"`
	Status  string   `json:"status,omitempty"`
}

// handleProgressUpdate reports progress, or finishes the task when status is
// completed or failed.
func (s *Server) handleProgressUpdate(r *http.Request) (int, any, error) {
	const op = "progress_update"
	var req progressUpdateRequest
	if err := decodeBody(r, op, &req); err != nil {
		return 0, nil, err
	}
	id := r.PathValue("id")

	var (
		task progress.Task
		err  error
	)
	switch status := progress.Status(req.Status); status {
	case progress.Completed, progress.Failed:
		task, err = s.hub.FinishProgress(id, status, req.Message)
	case "", progress.Running:
		if req.Percent == nil {
			return 0, nil, apperr.Validation(op, "percent is required")
		}
		task, err = s.hub.UpdateProgress(id, *req.Percent, req.Message)
	default:
		return 0, nil, apperr.Validation(op, "status %q cannot be set by producers", req.Status)
	}
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, task, nil
}
