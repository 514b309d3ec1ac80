// Package service implements chat turns: session resolution, context
// assembly, streaming relay and guaranteed persistence of the reply.
package service

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/xiaot623/chatrelay/internal/adapter/llm"
	"github.com/xiaot623/chatrelay/internal/config"
	"github.com/xiaot623/chatrelay/internal/observability"
	"github.com/xiaot623/chatrelay/internal/policy"
	"github.com/xiaot623/chatrelay/internal/repository"
)

var (
	// ErrSessionNotFound is returned for an unknown session id.
	ErrSessionNotFound = errors.New("session not found")
	// ErrTurnRejected is returned when the admission policy blocks a turn.
	ErrTurnRejected = errors.New("turn rejected by policy")
	// ErrInvalidAttachment is returned when image_base64 cannot be decoded.
	ErrInvalidAttachment = errors.New("invalid image attachment")
	// ErrValidation is returned for malformed turn input.
	ErrValidation = errors.New("invalid turn request")
	// ErrUpstreamUnavailable wraps upstream client construction errors.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
)

type Service struct {
	store        repository.Store
	llmClient    llm.Completer
	config       *config.Config
	policyEngine *policy.Engine
	metrics      *observability.Metrics
	tracer       trace.Tracer
}

// New creates the chat service. policyEngine may be nil to admit every turn;
// a nil metrics records into a private registry.
func New(store repository.Store, llmClient llm.Completer, cfg *config.Config, policyEngine *policy.Engine, metrics *observability.Metrics) *Service {
	if metrics == nil {
		metrics = observability.NewMetrics(prometheus.NewRegistry())
	}
	return &Service{
		store:        store,
		llmClient:    llmClient,
		config:       cfg,
		policyEngine: policyEngine,
		metrics:      metrics,
		tracer:       otel.Tracer("github.com/xiaot623/chatrelay/internal/service"),
	}
}
