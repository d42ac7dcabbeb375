// Package tools holds the business actions the assistant can run and the
// registry that dispatches model requests to them.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/capitalize-ai/business-assistant/internal/model"
	"github.com/capitalize-ai/business-assistant/internal/store"
	"github.com/capitalize-ai/business-assistant/pkg/logger"
)

// HandlerContext is owned by exactly one handler invocation.
type HandlerContext struct {
	Arguments map[string]any
	Records   store.Records
	UserID    string
	TenantID  string
	Log       *logger.Logger

	// ActiveProjectID is the project the turn is about. Project actions
	// fall back to it when the model names no project.
	ActiveProjectID string

	// Baseline holds the records as they stood when the turn started.
	// Recipient checks read from it; nil means Records.
	Baseline store.Records
}

func (hc *HandlerContext) baseline() store.Records {
	if hc.Baseline != nil {
		return hc.Baseline
	}
	return hc.Records
}

// projectFor returns the explicit project id or the turn's active project.
func projectFor(hc *HandlerContext, explicit string) (string, *model.HandlerResult) {
	if id := strings.TrimSpace(explicit); id != "" {
		return id, nil
	}
	if hc.ActiveProjectID != "" {
		return hc.ActiveProjectID, nil
	}
	return "", refuse("no projectId given and the conversation is not about a single project; ask the user which project is meant")
}

// ActionHandler executes one named action.
type ActionHandler interface {
	Name() string
	Description() string
	// Args returns a pointer to the argument struct, used to derive the
	// action's JSON schema.
	Args() any
	Handle(ctx context.Context, hc *HandlerContext) (*model.HandlerResult, error)
}

type funcHandler struct {
	name        string
	description string
	args        any
	fn          func(ctx context.Context, hc *HandlerContext) (*model.HandlerResult, error)
}

func (h *funcHandler) Name() string        { return h.name }
func (h *funcHandler) Description() string { return h.description }
func (h *funcHandler) Args() any           { return h.args }

func (h *funcHandler) Handle(ctx context.Context, hc *HandlerContext) (*model.HandlerResult, error) {
	return h.fn(ctx, hc)
}

// typed builds a handler whose arguments are decoded into T before fn runs.
func typed[T any](name, description string, fn func(ctx context.Context, hc *HandlerContext, args T) (*model.HandlerResult, error)) ActionHandler {
	return &funcHandler{
		name:        name,
		description: description,
		args:        new(T),
		fn: func(ctx context.Context, hc *HandlerContext) (*model.HandlerResult, error) {
			args, err := decodeArgs[T](hc.Arguments)
			if err != nil {
				return refuse("invalid arguments for %s: %v", name, err), nil
			}
			return fn(ctx, hc, args)
		},
	}
}

func decodeArgs[T any](raw map[string]any) (T, error) {
	var args T
	if raw == nil {
		raw = map[string]any{}
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return args, err
	}
	err = json.Unmarshal(b, &args)
	return args, err
}

// refuse is a soft failure the model and the user get to read.
func refuse(format string, a ...any) *model.HandlerResult {
	return &model.HandlerResult{ResultText: FailureMarker + fmt.Sprintf(format, a...)}
}

func done(text string, touched ...string) *model.HandlerResult {
	return &model.HandlerResult{ResultText: text, TouchedRecordIDs: touched}
}

// missing turns ErrNotFound into a refusal and passes other errors on.
func missing(kind, id string, err error) (*model.HandlerResult, error) {
	if errors.Is(err, store.ErrNotFound) {
		return refuse("no %s with id %q exists", kind, id), nil
	}
	return nil, err
}

var dateLayouts = []string{time.RFC3339, "2006-01-02T15:04", "2006-01-02 15:04", "2006-01-02"}

func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot read %q as a date, use YYYY-MM-DD or RFC 3339", s)
}
