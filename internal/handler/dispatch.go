package handler

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/capitalize-ai/business-assistant/internal/middleware"
	"github.com/capitalize-ai/business-assistant/internal/model"
	"github.com/capitalize-ai/business-assistant/internal/pending"
	"github.com/capitalize-ai/business-assistant/pkg/logger"
)

// DispatchHandler performs pending actions the user has confirmed.
type DispatchHandler struct {
	dispatcher *pending.Dispatcher
	logger     *logger.Logger
}

// NewDispatchHandler creates a dispatch handler.
func NewDispatchHandler(d *pending.Dispatcher, log *logger.Logger) *DispatchHandler {
	if log == nil {
		log = logger.NewNop()
	}
	return &DispatchHandler{dispatcher: d, logger: log}
}

// Dispatch handles POST /api/v1/assistant/dispatch
func (h *DispatchHandler) Dispatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req model.DispatchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := middleware.ValidateDispatchRequest(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	res, err := h.dispatcher.Dispatch(ctx, pending.DispatchRequest{
		TenantID: middleware.GetTenantID(ctx),
		UserID:   middleware.GetUserID(ctx),
		Kind:     req.Kind,
		Payload:  req.Payload,
	})
	if errors.Is(err, pending.ErrInvalidPayload) {
		writeError(w, http.StatusUnprocessableEntity, "invalid_payload", err.Error())
		return
	}
	if err != nil {
		middleware.RequestLogger(ctx, h.logger).Error("dispatch failed",
			zap.String("kind", string(req.Kind)),
			zap.Error(err),
		)
		writeError(w, http.StatusBadGateway, "dispatch_failed", "the message could not be handed to the mail service, please retry")
		return
	}

	status := http.StatusAccepted
	if res.Status == model.DispatchDuplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, model.DispatchResponse{
		Status:         res.Status,
		IdempotencyKey: res.IdempotencyKey,
		Sequence:       res.Sequence,
	})
}
