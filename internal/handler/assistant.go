package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/business-assistant/internal/catalogue"
	"github.com/capitalize-ai/business-assistant/internal/delivery"
	"github.com/capitalize-ai/business-assistant/internal/middleware"
	"github.com/capitalize-ai/business-assistant/internal/model"
	natsclient "github.com/capitalize-ai/business-assistant/internal/nats"
	"github.com/capitalize-ai/business-assistant/internal/session"
	"github.com/capitalize-ai/business-assistant/internal/store"
	"github.com/capitalize-ai/business-assistant/pkg/logger"
	"github.com/capitalize-ai/business-assistant/pkg/metrics"
)

// TurnIDHeader returns the id of the turn being streamed.
const TurnIDHeader = "X-Turn-ID"

// RecordsSource picks the records a turn works on.
type RecordsSource func(tenantID string, req *model.TurnRequest) store.Records

// PostgresRecords serves every turn from the tenant's rows in pg.
func PostgresRecords(pg *store.Postgres) RecordsSource {
	return func(tenantID string, _ *model.TurnRequest) store.Records {
		return pg.ForTenant(tenantID)
	}
}

// SnapshotRecords serves every turn from the snapshot sent with it.
func SnapshotRecords() RecordsSource {
	return func(_ string, req *model.TurnRequest) store.Records {
		return store.NewSnapshot(req.Snapshot)
	}
}

// TurnRecorder keeps an audit copy of delivered turn events.
type TurnRecorder interface {
	AuditSink(ctx context.Context, tenantID string) delivery.Sink
	TurnEvents(ctx context.Context, tenantID, turnID string, limit int) ([]model.ConversationEvent, error)
}

// AssistantOptions configures an AssistantHandler.
type AssistantOptions struct {
	MaxMessageLength  int
	TurnTimeout       time.Duration
	HeartbeatInterval time.Duration
	// Recorder may be nil when auditing is disabled.
	Recorder TurnRecorder
}

// AssistantHandler serves the assistant turn, catalogue and replay routes.
type AssistantHandler struct {
	controller *session.Controller
	catalogue  *catalogue.Catalogue
	records    RecordsSource
	opts       AssistantOptions
	logger     *logger.Logger
}

// NewAssistantHandler creates an assistant handler.
func NewAssistantHandler(
	controller *session.Controller,
	cat *catalogue.Catalogue,
	records RecordsSource,
	opts AssistantOptions,
	log *logger.Logger,
) *AssistantHandler {
	if opts.TurnTimeout <= 0 {
		opts.TurnTimeout = 5 * time.Minute
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 15 * time.Second
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &AssistantHandler{
		controller: controller,
		catalogue:  cat,
		records:    records,
		opts:       opts,
		logger:     log,
	}
}

// Turn handles POST /api/v1/assistant/turn
// The response is a server-sent event stream of the turn's events.
func (h *AssistantHandler) Turn(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := middleware.GetTenantID(ctx)
	userID := middleware.GetUserID(ctx)

	var req model.TurnRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := middleware.ValidateTurnRequest(&req, h.opts.MaxMessageLength); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	turnID := uuid.Must(uuid.NewV7()).String()
	w.Header().Set(TurnIDHeader, turnID)

	sink, err := delivery.NewSSESink(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "streaming_unsupported", err.Error())
		return
	}

	log := middleware.RequestLogger(ctx, h.logger).ForTurn(turnID)

	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	var secondary []delivery.Sink
	if h.opts.Recorder != nil {
		secondary = append(secondary, h.opts.Recorder.AuditSink(context.WithoutCancel(ctx), tenantID))
	}
	ch := delivery.NewChannel(turnID, sink, log, secondary...)

	turnCtx, cancel := context.WithTimeout(ctx, h.opts.TurnTimeout)
	defer cancel()

	stopHeartbeat := h.heartbeat(turnCtx, sink, log)
	defer stopHeartbeat()

	log.Info("turn started",
		zap.Int("prior_turns", len(req.PriorTurns)),
		zap.Int("message_length", len(req.Message)),
	)

	err = h.controller.Run(turnCtx, session.Turn{
		Request:  req,
		UserID:   userID,
		TenantID: tenantID,
		Records:  h.records(tenantID, &req),
	}, ch)
	if err != nil && !errors.Is(err, session.ErrCancelled) && !errors.Is(err, delivery.ErrClosed) {
		log.Warn("turn ended with error", zap.Error(err))
	}
}

// heartbeat keeps idle proxies from closing the stream while a round waits
// on the model or a slow handler.
func (h *AssistantHandler) heartbeat(ctx context.Context, sink *delivery.SSESink, log *logger.Logger) func() {
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(h.opts.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := sink.Heartbeat(); err != nil {
					log.Debug("heartbeat failed", zap.Error(err))
					return
				}
			}
		}
	}()
	return func() {
		close(done)
		<-stopped
	}
}

// Actions handles GET /api/v1/assistant/actions
func (h *AssistantHandler) Actions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"actions": h.catalogue.Entries(),
	})
}

// TurnEvents handles GET /api/v1/assistant/turns/{turnID}/events
// Supports ?limit=N.
func (h *AssistantHandler) TurnEvents(w http.ResponseWriter, r *http.Request) {
	if h.opts.Recorder == nil {
		writeError(w, http.StatusNotFound, "audit_disabled", "turn audit is not enabled")
		return
	}

	ctx := r.Context()
	tenantID := middleware.GetTenantID(ctx)
	turnID := chi.URLParam(r, "turnID")
	if err := middleware.ValidateTurnID(turnID); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			limit = n
		}
	}

	events, err := h.opts.Recorder.TurnEvents(ctx, tenantID, turnID, limit)
	if errors.Is(err, natsclient.ErrTurnNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "turn not found")
		return
	}
	if err != nil {
		middleware.RequestLogger(ctx, h.logger).Error("failed to replay turn",
			zap.String("turn_id", turnID),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "internal", "failed to load turn events")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"turn_id": turnID,
		"events":  events,
	})
}
