package web

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/example/knocktwice/internal/auth"
	"github.com/example/knocktwice/internal/booking"
	"github.com/example/knocktwice/internal/clock"
	"github.com/example/knocktwice/internal/ledger"
	"github.com/example/knocktwice/internal/logging"
	"github.com/example/knocktwice/internal/metrics"
	"github.com/example/knocktwice/internal/slots"
)

const maxBody = 64 << 10

type Server struct {
	Orders *booking.Orchestrator
	Ledger ledger.Store
	Auth   *auth.Store
	Clock  clock.Clock
	Log    *slog.Logger
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("POST /v1/actions", s.handleAction)
	mux.HandleFunc("GET /v1/slots", s.handleSlots)

	mux.HandleFunc("POST /login", s.handleLogin)
	mux.HandleFunc("POST /logout", s.handleLogout)

	admin := func(h http.HandlerFunc) http.Handler { return s.Auth.RequireAuth(h) }
	mux.Handle("GET /admin/orders", admin(s.handleOrders))
	mux.Handle("POST /admin/orders/{id}/status", admin(s.handleStatus))
	mux.Handle("GET /admin/stats", admin(s.handleStats))
	mux.Handle("POST /admin/cooldowns/reset", admin(s.handleResetCooldowns))

	return s.logRequests(mux)
}

func (s *Server) logger() *slog.Logger {
	if s.Log != nil {
		return s.Log
	}
	return logging.New("web")
}

func (s *Server) now() time.Time {
	if s.Clock != nil {
		return s.Clock.Now()
	}
	return time.Now()
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	log := s.logger()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		reqLog := log.With("method", r.Method, "path", r.URL.Path)
		next.ServeHTTP(sw, r.WithContext(logging.WithCtx(r.Context(), reqLog)))
		reqLog.Debug("request", "status", sw.code, "dur_ms", time.Since(start).Milliseconds())
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorBody{Error: msg})
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	var a booking.UserAction
	if err := decode(w, r, &a); err != nil {
		writeError(w, http.StatusBadRequest, "malformed action: "+err.Error())
		return
	}
	res, err := s.Orders.Handle(r.Context(), a)
	switch {
	case errors.Is(err, booking.ErrInvalidAction):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, booking.ErrStorage):
		logging.FromCtx(r.Context()).Error("action failed", "user_id", a.UserID, "kind", string(a.Kind), "err", err)
		writeError(w, http.StatusServiceUnavailable, booking.ErrStorage.Error())
	case errors.Is(err, booking.ErrRatingStorage):
		logging.FromCtx(r.Context()).Error("action failed", "user_id", a.UserID, "kind", string(a.Kind), "err", err)
		writeError(w, http.StatusServiceUnavailable, booking.ErrRatingStorage.Error())
	case err != nil:
		logging.FromCtx(r.Context()).Error("action failed", "user_id", a.UserID, "kind", string(a.Kind), "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

type slotsBody struct {
	Day   clock.Day            `json:"day"`
	Slots []slots.Availability `json:"slots"`
}

func (s *Server) handleSlots(w http.ResponseWriter, r *http.Request) {
	day, list := s.Orders.Availability()
	writeJSON(w, http.StatusOK, slotsBody{Day: day, Slots: list})
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var c credentials
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		if err := decode(w, r, &c); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	} else {
		if err := r.ParseForm(); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		c.Username, c.Password = r.FormValue("username"), r.FormValue("password")
	}
	id, err := s.Auth.Authenticate(r.Context(), c.Username, c.Password)
	if errors.Is(err, auth.ErrInvalidCredentials) {
		writeError(w, http.StatusUnauthorized, "invalid username/password")
		return
	}
	if err != nil {
		logging.FromCtx(r.Context()).Error("login failed", "err", err)
		writeError(w, http.StatusServiceUnavailable, "login unavailable")
		return
	}
	if err := s.Auth.SetSession(w, r, id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.Auth.ClearSession(w)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))

	var (
		orders []ledger.Order
		err    error
	)
	if raw := q.Get("user_id"); raw != "" {
		uid, perr := strconv.ParseInt(raw, 10, 64)
		if perr != nil {
			writeError(w, http.StatusBadRequest, "bad user_id")
			return
		}
		orders, err = s.Ledger.ListRecentByUser(r.Context(), uid, limit)
	} else {
		orders, err = s.Ledger.ListRecent(r.Context(), limit)
	}
	if err != nil {
		s.storageError(w, r, err)
		return
	}
	if orders == nil {
		orders = []ledger.Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}

type statusRequest struct {
	Status string `json:"status"`
}

type statusResponse struct {
	Order   ledger.Order `json:"order"`
	Changed bool         `json:"changed"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "bad order id")
		return
	}
	var req statusRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	next, err := ledger.ParseStatus(req.Status)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ord, changed, err := s.Orders.AdvanceStatus(r.Context(), id, next)
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		writeError(w, http.StatusNotFound, "order not found")
	case errors.Is(err, ledger.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		s.storageError(w, r, err)
	default:
		adminID, _ := auth.AdminIDFromContext(r.Context())
		logging.FromCtx(r.Context()).Info("status set", "order_id", id, "status", string(next), "changed", changed, "admin_id", adminID)
		writeJSON(w, http.StatusOK, statusResponse{Order: ord, Changed: changed})
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	now := s.now()
	st, err := s.Ledger.Stats(r.Context(), clock.StartOfDay(now), now)
	if err != nil {
		s.storageError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type resetResponse struct {
	Reset int64 `json:"reset"`
}

func (s *Server) handleResetCooldowns(w http.ResponseWriter, r *http.Request) {
	n, err := s.Orders.ResetCooldowns(r.Context())
	if err != nil {
		s.storageError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resetResponse{Reset: n})
}

func (s *Server) storageError(w http.ResponseWriter, r *http.Request, err error) {
	logging.FromCtx(r.Context()).Error("ledger", "err", err)
	writeError(w, http.StatusServiceUnavailable, "storage unavailable")
}

func Start(ctx context.Context, addr string, h http.Handler, log *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Info("listening", "addr", addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
