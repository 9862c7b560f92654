package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"RedeemLedger/internal/core"
	"RedeemLedger/internal/ledger"
	"RedeemLedger/internal/observability"
	"RedeemLedger/internal/persistence"
	"RedeemLedger/internal/projection"
	"RedeemLedger/internal/query"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// QueueAPI is the slice of the engine the HTTP layer drives.
type QueueAPI interface {
	Submit(caller core.Caller, shares uint64) (uint64, error)
	Cancel(caller core.Caller, user uuid.UUID, epochID uint64) (uint64, error)
	Rollover(caller core.Caller) (uint64, error)
	CloseEpoch(caller core.Caller) (uint64, error)
	ProcessEpoch(caller core.Caller, epochID uint64) (uint64, uint64, error)
	Claim(caller core.Caller, receiver uuid.UUID, epochIDs []uint64) (uint64, error)
	ClaimBatch(caller core.Caller, users []uuid.UUID, epochID uint64) (uint64, error)
	SetQueueActive(caller core.Caller, active bool) error
	GetSequence() int64
}

// HTTPServer serves the synchronous JSON API: queue operations, read queries,
// and admin endpoints. Caller identity arrives in the X-Caller-Id and
// X-Caller-Role headers, set by the gateway in front of this service.
type HTTPServer struct {
	engine        QueueAPI
	queryService  *query.QueryService
	snapMgr       *persistence.SnapshotManager
	db            *sql.DB
	healthChecker *observability.HealthChecker
	metrics       *observability.Metrics
	logger        zerolog.Logger

	httpServer *http.Server
	addr       string
	startTime  time.Time
}

// ServerDeps holds the dependencies the HTTP handlers need.
type ServerDeps struct {
	Engine        QueueAPI
	QueryService  *query.QueryService
	SnapshotMgr   *persistence.SnapshotManager
	DB            *sql.DB
	HealthChecker *observability.HealthChecker
	Metrics       *observability.Metrics
	StartTime     time.Time
}

func NewHTTPServer(addr string, deps *ServerDeps) *HTTPServer {
	return &HTTPServer{
		engine:        deps.Engine,
		queryService:  deps.QueryService,
		snapMgr:       deps.SnapshotMgr,
		db:            deps.DB,
		healthChecker: deps.HealthChecker,
		metrics:       deps.Metrics,
		logger:        observability.NewLogger("http"),
		addr:          addr,
		startTime:     deps.StartTime,
	}
}

// Start runs the HTTP server until ctx is cancelled (blocking).
func (s *HTTPServer) Start(ctx context.Context) error {
	mux := http.NewServeMux()

	// Queue operations
	mux.HandleFunc("POST /v1/queue/requests", s.instrument("submit", s.handleSubmit))
	mux.HandleFunc("DELETE /v1/queue/requests/{epochID}", s.instrument("cancel", s.handleCancel))
	mux.HandleFunc("POST /v1/queue/rollover", s.instrument("rollover", s.handleRollover))
	mux.HandleFunc("POST /v1/queue/epochs/close", s.instrument("close_epoch", s.handleCloseEpoch))
	mux.HandleFunc("POST /v1/queue/epochs/{epochID}/process", s.instrument("process_epoch", s.handleProcessEpoch))
	mux.HandleFunc("POST /v1/queue/claims", s.instrument("claim", s.handleClaim))
	mux.HandleFunc("POST /v1/queue/claims/batch", s.instrument("claim_batch", s.handleClaimBatch))
	mux.HandleFunc("PUT /v1/queue/mode", s.instrument("set_mode", s.handleSetQueueMode))

	// Read queries
	mux.HandleFunc("GET /v1/queue/status", s.instrument("status", s.handleQueueStatus))
	mux.HandleFunc("GET /v1/queue/epochs", s.instrument("list_epochs", s.handleListEpochs))
	mux.HandleFunc("GET /v1/queue/epochs/{epochID}", s.instrument("get_epoch", s.handleGetEpoch))
	mux.HandleFunc("GET /v1/queue/users/{userID}/requests", s.instrument("user_requests", s.handleUserRequests))

	// Admin
	mux.HandleFunc("POST /v1/admin/projections/rebuild", s.instrument("rebuild", s.handleRebuildProjections))
	mux.HandleFunc("GET /v1/admin/integrity", s.instrument("integrity", s.handleVerifyIntegrity))
	mux.HandleFunc("GET /v1/admin/eventlog", s.instrument("eventlog", s.handleEventLogInfo))

	// Health
	if s.healthChecker != nil {
		mux.HandleFunc("/healthz", s.healthChecker.LivenessHandler)
		mux.HandleFunc("/readyz", s.healthChecker.ReadinessHandler)
	}

	s.httpServer = &http.Server{
		Addr:         s.addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("http server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.addr).Msg("http server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// statusRecorder captures the response status for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *HTTPServer) instrument(op string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)
		if s.metrics != nil {
			status := strconv.Itoa(rec.status)
			s.metrics.QueryRequests.WithLabelValues(op, status).Inc()
			s.metrics.QueryDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
			if rec.status >= 500 {
				s.metrics.QueryErrors.WithLabelValues(op, status).Inc()
			}
		}
	}
}

// --- Queue operation handlers ---

type submitRequest struct {
	Shares uint64 `json:"shares"`
}

type submitResponse struct {
	Sequence int64  `json:"sequence"`
	EpochID  uint64 `json:"epoch_id"`
	Shares   uint64 `json:"shares"`
}

func (s *HTTPServer) handleSubmit(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.callerFrom(w, r)
	if !ok {
		return
	}

	var req submitRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	epochID, err := s.engine.Submit(caller, req.Shares)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, submitResponse{
		Sequence: s.engine.GetSequence(),
		EpochID:  epochID,
		Shares:   req.Shares,
	})
}

type cancelResponse struct {
	Sequence int64  `json:"sequence"`
	EpochID  uint64 `json:"epoch_id"`
	Shares   uint64 `json:"shares"`
}

func (s *HTTPServer) handleCancel(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.callerFrom(w, r)
	if !ok {
		return
	}
	epochID, ok := s.pathUint(w, r, "epochID")
	if !ok {
		return
	}

	// Operators may cancel on behalf of a user via ?user_id=
	user := caller.ID
	if raw := r.URL.Query().Get("user_id"); raw != "" {
		parsed, err := uuid.Parse(raw)
		if err != nil {
			s.writeErrorMessage(w, http.StatusBadRequest, "invalid user_id")
			return
		}
		user = parsed
	}

	shares, err := s.engine.Cancel(caller, user, epochID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, cancelResponse{
		Sequence: s.engine.GetSequence(),
		EpochID:  epochID,
		Shares:   shares,
	})
}

type rolloverResponse struct {
	Sequence int64  `json:"sequence"`
	Shares   uint64 `json:"shares"`
}

func (s *HTTPServer) handleRollover(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.callerFrom(w, r)
	if !ok {
		return
	}

	shares, err := s.engine.Rollover(caller)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, rolloverResponse{
		Sequence: s.engine.GetSequence(),
		Shares:   shares,
	})
}

type closeEpochResponse struct {
	Sequence      int64  `json:"sequence"`
	ClosedEpochID uint64 `json:"closed_epoch_id"`
	NextEpochID   uint64 `json:"next_epoch_id"`
}

func (s *HTTPServer) handleCloseEpoch(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.callerFrom(w, r)
	if !ok {
		return
	}

	closedID, err := s.engine.CloseEpoch(caller)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, closeEpochResponse{
		Sequence:      s.engine.GetSequence(),
		ClosedEpochID: closedID,
		NextEpochID:   closedID + 1,
	})
}

type processEpochResponse struct {
	Sequence      int64  `json:"sequence"`
	EpochID       uint64 `json:"epoch_id"`
	LockedPrice   uint64 `json:"locked_price"`
	ValueReserved uint64 `json:"value_reserved"`
}

func (s *HTTPServer) handleProcessEpoch(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.callerFrom(w, r)
	if !ok {
		return
	}
	epochID, ok := s.pathUint(w, r, "epochID")
	if !ok {
		return
	}

	lockedPrice, reserved, err := s.engine.ProcessEpoch(caller, epochID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, processEpochResponse{
		Sequence:      s.engine.GetSequence(),
		EpochID:       epochID,
		LockedPrice:   lockedPrice,
		ValueReserved: reserved,
	})
}

type claimRequest struct {
	ReceiverID string   `json:"receiver_id"`
	EpochIDs   []uint64 `json:"epoch_ids"`
}

type claimResponse struct {
	Sequence  int64  `json:"sequence"`
	TotalOwed uint64 `json:"total_owed"`
}

func (s *HTTPServer) handleClaim(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.callerFrom(w, r)
	if !ok {
		return
	}

	var req claimRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	receiver, err := uuid.Parse(req.ReceiverID)
	if err != nil {
		s.writeErrorMessage(w, http.StatusBadRequest, "invalid receiver_id")
		return
	}

	owed, err := s.engine.Claim(caller, receiver, req.EpochIDs)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, claimResponse{
		Sequence:  s.engine.GetSequence(),
		TotalOwed: owed,
	})
}

type claimBatchRequest struct {
	EpochID uint64   `json:"epoch_id"`
	UserIDs []string `json:"user_ids"`
}

type claimBatchResponse struct {
	Sequence  int64  `json:"sequence"`
	EpochID   uint64 `json:"epoch_id"`
	TotalOwed uint64 `json:"total_owed"`
}

func (s *HTTPServer) handleClaimBatch(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.callerFrom(w, r)
	if !ok {
		return
	}

	var req claimBatchRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	users := make([]uuid.UUID, 0, len(req.UserIDs))
	for _, raw := range req.UserIDs {
		user, err := uuid.Parse(raw)
		if err != nil {
			s.writeErrorMessage(w, http.StatusBadRequest, fmt.Sprintf("invalid user id %q", raw))
			return
		}
		users = append(users, user)
	}

	owed, err := s.engine.ClaimBatch(caller, users, req.EpochID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, claimBatchResponse{
		Sequence:  s.engine.GetSequence(),
		EpochID:   req.EpochID,
		TotalOwed: owed,
	})
}

type queueModeRequest struct {
	Active bool `json:"active"`
}

func (s *HTTPServer) handleSetQueueMode(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.callerFrom(w, r)
	if !ok {
		return
	}

	var req queueModeRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	if err := s.engine.SetQueueActive(caller, req.Active); err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"sequence": s.engine.GetSequence(),
		"active":   req.Active,
	})
}

// --- Query handlers ---

func (s *HTTPServer) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.queryService.GetQueueStatus(r.Context())
	if err != nil {
		s.writeErrorMessage(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *HTTPServer) handleListEpochs(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > 500 {
			s.writeErrorMessage(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}

	var before *uint64
	if raw := r.URL.Query().Get("before"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			s.writeErrorMessage(w, http.StatusBadRequest, "invalid before cursor")
			return
		}
		before = &parsed
	}

	epochs, err := s.queryService.ListEpochs(r.Context(), limit, before)
	if err != nil {
		s.writeErrorMessage(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"epochs": epochs})
}

func (s *HTTPServer) handleGetEpoch(w http.ResponseWriter, r *http.Request) {
	epochID, ok := s.pathUint(w, r, "epochID")
	if !ok {
		return
	}

	epoch, err := s.queryService.GetEpoch(r.Context(), epochID)
	if err != nil {
		s.writeErrorMessage(w, http.StatusInternalServerError, err.Error())
		return
	}
	if epoch == nil {
		s.writeErrorMessage(w, http.StatusNotFound, "epoch not found")
		return
	}
	s.writeJSON(w, http.StatusOK, epoch)
}

func (s *HTTPServer) handleUserRequests(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(r.PathValue("userID"))
	if err != nil {
		s.writeErrorMessage(w, http.StatusBadRequest, "invalid user id")
		return
	}

	requests, err := s.queryService.GetUserRequests(r.Context(), userID)
	if err != nil {
		s.writeErrorMessage(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"requests": requests})
}

// --- Admin handlers ---

func (s *HTTPServer) handleRebuildProjections(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.callerFrom(w, r)
	if !ok {
		return
	}
	if !caller.IsOperator() {
		s.writeErrorMessage(w, http.StatusForbidden, core.ErrNotOperator.Error())
		return
	}

	if err := projection.RebuildProjections(r.Context(), s.db); err != nil {
		s.writeErrorMessage(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"rebuilt": true})
}

func (s *HTTPServer) handleVerifyIntegrity(w http.ResponseWriter, r *http.Request) {
	report, err := s.queryService.VerifyIntegrity(r.Context())
	if err != nil {
		s.writeErrorMessage(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *HTTPServer) handleEventLogInfo(w http.ResponseWriter, r *http.Request) {
	latestSeq, err := s.snapMgr.GetLatestSequence(r.Context())
	if err != nil {
		s.writeErrorMessage(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"last_persisted_sequence": latestSeq,
		"engine_sequence":         s.engine.GetSequence(),
		"uptime_seconds":          int64(time.Since(s.startTime).Seconds()),
	})
}

// --- Helpers ---

func (s *HTTPServer) callerFrom(w http.ResponseWriter, r *http.Request) (core.Caller, bool) {
	id, err := uuid.Parse(r.Header.Get("X-Caller-Id"))
	if err != nil {
		s.writeErrorMessage(w, http.StatusUnauthorized, "missing or invalid X-Caller-Id header")
		return core.Caller{}, false
	}

	role := core.RoleUser
	switch r.Header.Get("X-Caller-Role") {
	case "", "user":
	case "operator":
		role = core.RoleOperator
	default:
		s.writeErrorMessage(w, http.StatusBadRequest, "unknown X-Caller-Role")
		return core.Caller{}, false
	}

	return core.Caller{ID: id, Role: role}, true
}

func (s *HTTPServer) pathUint(w http.ResponseWriter, r *http.Request, name string) (uint64, bool) {
	v, err := strconv.ParseUint(r.PathValue(name), 10, 64)
	if err != nil {
		s.writeErrorMessage(w, http.StatusBadRequest, fmt.Sprintf("invalid %s", name))
		return 0, false
	}
	return v, true
}

func (s *HTTPServer) decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeErrorMessage(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

func (s *HTTPServer) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn().Err(err).Msg("response encode failed")
	}
}

func (s *HTTPServer) writeErrorMessage(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// writeError maps engine sentinels onto HTTP statuses.
func (s *HTTPServer) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError

	switch {
	case errors.Is(err, core.ErrNotOperator):
		status = http.StatusForbidden
	case errors.Is(err, ledger.ErrZeroAmount),
		errors.Is(err, core.ErrZeroReceiver),
		errors.Is(err, core.ErrEmptyEpochList),
		errors.Is(err, core.ErrEmptyUserList):
		status = http.StatusBadRequest
	case errors.Is(err, ledger.ErrNoSuchRequest),
		errors.Is(err, core.ErrNoRequestingShares),
		errors.Is(err, core.ErrNoClaimableRequest):
		status = http.StatusNotFound
	case errors.Is(err, core.ErrQueueInactive),
		errors.Is(err, ledger.ErrEpochNotClosed),
		errors.Is(err, ledger.ErrEpochAlreadyClosed),
		errors.Is(err, ledger.ErrEpochAlreadyProcessed),
		errors.Is(err, ledger.ErrEpochNotProcessed),
		errors.Is(err, ledger.ErrInsufficientRequest),
		errors.Is(err, core.ErrInsufficientLiquidity):
		status = http.StatusConflict
	case errors.Is(err, core.ErrReentrantCall):
		status = http.StatusServiceUnavailable
	}

	s.writeErrorMessage(w, status, err.Error())
}
