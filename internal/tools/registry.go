package tools

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/business-assistant/internal/catalogue"
	"github.com/capitalize-ai/business-assistant/internal/llm"
	"github.com/capitalize-ai/business-assistant/internal/model"
	"github.com/capitalize-ai/business-assistant/pkg/logger"
	"github.com/capitalize-ai/business-assistant/pkg/metrics"
)

// FailureMarker starts every result text that reports a failed action.
const FailureMarker = "❌ "

// DeletionRefusal is returned for every deny-listed action.
const DeletionRefusal = FailureMarker + "I can't delete records. Please delete it yourself in the app, " +
	"where you can check what will be removed before confirming."

// DefaultDenyList names the actions that delete data.
var DefaultDenyList = []string{
	"deleteCustomer",
	"deleteProject",
	"deleteInvoice",
	"deleteSupplier",
	"deleteAppointment",
	"deleteProjectItem",
	"deleteNote",
	"deleteEmployee",
}

// Registry maps action names to handlers.
type Registry struct {
	handlers  map[string]ActionHandler
	deny      map[string]struct{}
	catalogue *catalogue.Catalogue
	log       *logger.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*registryConfig)

type registryConfig struct {
	deny []string
}

// WithDenyList replaces DefaultDenyList.
func WithDenyList(names ...string) RegistryOption {
	return func(c *registryConfig) { c.deny = names }
}

// NewRegistry builds a registry and its catalogue. Registering a deny-listed
// or duplicate name is an error.
func NewRegistry(log *logger.Logger, handlers []ActionHandler, opts ...RegistryOption) (*Registry, error) {
	cfg := registryConfig{deny: DefaultDenyList}
	for _, opt := range opts {
		opt(&cfg)
	}
	if log == nil {
		log = logger.NewNop()
	}

	r := &Registry{
		handlers: make(map[string]ActionHandler, len(handlers)),
		deny:     make(map[string]struct{}, len(cfg.deny)),
		log:      log.Named("tools"),
	}
	for _, name := range cfg.deny {
		r.deny[name] = struct{}{}
	}

	entries := make([]catalogue.Entry, 0, len(handlers))
	for _, h := range handlers {
		name := h.Name()
		if r.Denied(name) {
			return nil, fmt.Errorf("action %q is deny-listed and cannot be registered", name)
		}
		if _, dup := r.handlers[name]; dup {
			return nil, fmt.Errorf("action %q registered twice", name)
		}
		entry, err := catalogue.Reflect(name, h.Description(), h.Args())
		if err != nil {
			return nil, err
		}
		r.handlers[name] = h
		entries = append(entries, entry)
	}

	cat, err := catalogue.New(entries...)
	if err != nil {
		return nil, err
	}
	r.catalogue = cat
	return r, nil
}

// Denied reports whether name is on the deny-list.
func (r *Registry) Denied(name string) bool {
	_, ok := r.deny[name]
	return ok
}

// Catalogue returns the compiled action catalogue.
func (r *Registry) Catalogue() *catalogue.Catalogue {
	return r.catalogue
}

// Definitions returns the tool definitions offered to the model.
func (r *Registry) Definitions() []llm.ToolDefinition {
	return r.catalogue.Definitions()
}

// Dispatch runs the named action. It never fails: refusals, invalid
// arguments and handler faults all come back as result text.
func (r *Registry) Dispatch(ctx context.Context, name string, hc *HandlerContext) *model.HandlerResult {
	start := time.Now()

	if r.Denied(name) {
		metrics.RecordAction(name, metrics.OutcomeDenied, time.Since(start).Seconds())
		return &model.HandlerResult{ResultText: DeletionRefusal}
	}

	h, ok := r.handlers[name]
	if !ok {
		metrics.RecordAction("unknown", metrics.OutcomeUnknown, time.Since(start).Seconds())
		return &model.HandlerResult{
			ResultText: fmt.Sprintf("%sThere is no action called %q. I can only use the actions I was given.", FailureMarker, name),
		}
	}

	if err := r.catalogue.Validate(name, hc.Arguments); err != nil {
		metrics.RecordAction(name, metrics.OutcomeInvalid, time.Since(start).Seconds())
		return &model.HandlerResult{ResultText: fmt.Sprintf("%sinvalid arguments for %s: %v", FailureMarker, name, err)}
	}

	if hc.Log == nil {
		hc.Log = r.log.With(zap.String("action", name))
	}

	res, err := invoke(ctx, h, hc)
	duration := time.Since(start)
	if err == nil && res == nil {
		err = fmt.Errorf("%s returned no result", name)
	}
	if err != nil {
		r.log.Error("action failed",
			zap.String("action", name),
			zap.Duration("duration", duration),
			zap.String("tenant_id", hc.TenantID),
			zap.Error(err),
		)
		metrics.RecordAction(name, metrics.OutcomeFailed, duration.Seconds())
		return &model.HandlerResult{ResultText: FailureMarker + err.Error()}
	}

	metrics.RecordAction(name, metrics.OutcomeOK, duration.Seconds())
	if res.PendingAction != nil {
		metrics.PendingActionsTotal.WithLabelValues(string(res.PendingAction.Kind)).Inc()
	}
	r.log.Debug("action executed",
		zap.String("action", name),
		zap.Duration("duration", duration),
		zap.Int("touched", len(res.TouchedRecordIDs)),
	)
	return res
}

func invoke(ctx context.Context, h ActionHandler, hc *HandlerContext) (res *model.HandlerResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			res, err = nil, fmt.Errorf("%s panicked: %v", h.Name(), p)
		}
	}()
	return h.Handle(ctx, hc)
}
