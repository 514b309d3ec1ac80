package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/xiaot623/chatrelay/internal/adapter/llm"
	"github.com/xiaot623/chatrelay/internal/domain"
	"github.com/xiaot623/chatrelay/internal/observability"
	"github.com/xiaot623/chatrelay/internal/policy"
)

const finalizeBackoff = 100 * time.Millisecond

// ErrTurnRelayed is returned when Relay is called a second time.
var ErrTurnRelayed = errors.New("turn already relayed")

// TurnRequest is one user message submitted for a reply.
type TurnRequest struct {
	SessionID   string
	Content     string
	Model       string
	ImageBase64 string
}

// Turn is an accepted turn whose reply has not been relayed yet.
// The user message is already stored; the assistant message is stored exactly
// once, when Relay returns or Close is called, whichever comes first.
type Turn struct {
	SessionID     string
	UserMessageID string
	Model         string

	svc    *Service
	ctx    context.Context
	stream llm.ChatStream

	reply   strings.Builder
	relayed bool

	once        sync.Once
	finalizeErr error
	assistant   *domain.Message
}

// SubmitTurn validates and admits a turn, resolves its session, stores the
// user message and prepares the upstream stream. Nothing is fetched from
// upstream until Relay is called. The stream is bound to ctx.
func (s *Service) SubmitTurn(ctx context.Context, req TurnRequest) (*Turn, error) {
	ctx, span := s.tracer.Start(ctx, "chat.submit_turn")
	defer span.End()

	turn, err := s.submitTurn(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.String("chat.session_id", turn.SessionID),
		attribute.String("chat.model", turn.Model),
	)
	return turn, nil
}

func (s *Service) submitTurn(ctx context.Context, req TurnRequest) (*Turn, error) {
	if strings.TrimSpace(req.Content) == "" {
		return nil, fmt.Errorf("%w: content is required", ErrValidation)
	}
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = s.config.DefaultModel
	}

	attachment, err := ParseAttachment(req.ImageBase64)
	if err != nil {
		return nil, err
	}

	if err := s.admit(ctx, req.Content, model, attachment); err != nil {
		return nil, err
	}

	sessionID, err := s.resolveSession(ctx, req.SessionID, req.Content)
	if err != nil {
		return nil, err
	}

	userMsg := &domain.Message{
		ID:        newMessageID(),
		SessionID: sessionID,
		Role:      domain.RoleUser,
		Content:   req.Content,
		Timestamp: time.Now().UTC(),
	}
	if err := s.store.CreateMessage(ctx, userMsg); err != nil {
		return nil, fmt.Errorf("failed to save user message: %w", err)
	}

	turn := &Turn{
		SessionID:     sessionID,
		UserMessageID: userMsg.ID,
		Model:         model,
		svc:           s,
		ctx:           ctx,
	}

	// From here on the user message exists, so every failure still stores
	// an (empty) assistant reply.
	messages, err := s.BuildContext(ctx, sessionID, userMsg.ID, attachment)
	if err != nil {
		turn.Close()
		return nil, err
	}

	stream, err := s.llmClient.StreamChatCompletion(ctx, &llm.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
	})
	if err != nil {
		log.Printf("ERROR: failed to open upstream stream for session %s: %v", sessionID, err)
		turn.Close()
		return nil, fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
	}
	turn.stream = stream

	return turn, nil
}

func (s *Service) admit(ctx context.Context, content, model string, attachment *Attachment) error {
	if s.policyEngine == nil {
		return nil
	}

	input := policy.Input{
		Model:         model,
		KnownModel:    IsKnownModel(model),
		ContentLength: utf8.RuneCountInString(content),
	}
	if attachment != nil {
		input.HasAttachment = true
		input.AttachmentBytes = len(attachment.Data)
	}

	decision, reason, err := s.policyEngine.Evaluate(ctx, input)
	if err != nil {
		return fmt.Errorf("policy evaluation failed: %w", err)
	}
	if decision == policy.DecisionBlock {
		log.Printf("WARN: turn blocked by policy (model=%s): %s", model, reason)
		if reason == "" {
			return ErrTurnRejected
		}
		return fmt.Errorf("%w: %s", ErrTurnRejected, reason)
	}
	return nil
}

func (s *Service) resolveSession(ctx context.Context, sessionID, content string) (string, error) {
	if sessionID != "" {
		session, err := s.store.GetSession(ctx, sessionID)
		if err != nil {
			return "", fmt.Errorf("failed to get session: %w", err)
		}
		if session == nil {
			return "", ErrSessionNotFound
		}
		return session.ID, nil
	}

	session := &domain.Session{
		ID:        "sess_" + uuid.New().String(),
		Title:     sessionTitle(content),
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateSession(ctx, session); err != nil {
		return "", fmt.Errorf("failed to create session: %w", err)
	}
	return session.ID, nil
}

// sessionTitle is the first four words of content followed by "...".
func sessionTitle(content string) string {
	words := strings.Fields(content)
	if len(words) == 0 {
		return domain.DefaultSessionTitle
	}
	if len(words) > 4 {
		words = words[:4]
	}
	return strings.Join(words, " ") + "..."
}

func newMessageID() string {
	return "msg_" + uuid.New().String()
}

// Relay pulls fragments from upstream and hands each one to emit before the
// next is pulled. An upstream failure is reported in-band as an error marker
// and Relay returns nil. If emit fails the consumer is gone: pulling stops
// and emit's error is returned. The reply is stored before Relay returns.
func (t *Turn) Relay(ctx context.Context, emit func(fragment string) error) error {
	if t.relayed {
		return ErrTurnRelayed
	}
	t.relayed = true
	defer t.Close()

	ctx, span := t.svc.tracer.Start(ctx, "chat.relay", trace.WithAttributes(
		attribute.String("chat.session_id", t.SessionID),
		attribute.String("chat.model", t.Model),
	))
	defer span.End()

	metrics := t.svc.metrics
	start := time.Now()
	status := observability.StatusSuccess
	metrics.StreamStarted()
	defer func() {
		metrics.StreamFinished(status, time.Since(start))
		span.SetAttributes(attribute.String("chat.status", status))
	}()

	fragments := 0
	for {
		if err := ctx.Err(); err != nil {
			status = observability.StatusClientDisconnect
			return err
		}

		fragment, err := t.stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctxErr := t.consumerGone(ctx); ctxErr != nil {
				// The read failed because the caller went away, not upstream.
				status = observability.StatusClientDisconnect
				return ctxErr
			}
			status = observability.StatusUpstreamError
			span.RecordError(err)
			log.Printf("WARN: upstream stream failed for session %s after %d fragments: %v", t.SessionID, fragments, err)

			marker := fmt.Sprintf("\n[ERROR: %s]", err.Error())
			t.reply.WriteString(marker)
			if emitErr := emit(marker); emitErr != nil {
				status = observability.StatusClientDisconnect
				return emitErr
			}
			return nil
		}

		if fragments == 0 {
			metrics.FirstFragment(time.Since(start))
		}
		fragments++
		metrics.Fragment()
		t.reply.WriteString(fragment)

		if err := emit(fragment); err != nil {
			status = observability.StatusClientDisconnect
			log.Printf("WARN: client disconnected from session %s after %d fragments: %v", t.SessionID, fragments, err)
			return err
		}
	}

	return nil
}

func (t *Turn) consumerGone(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.ctx.Err()
}

// Close releases the upstream stream and stores the assistant reply if that
// has not happened yet. It is safe to call more than once; later calls return
// the result of the first. It must not run concurrently with Relay.
func (t *Turn) Close() error {
	t.once.Do(func() {
		if t.stream != nil {
			t.stream.Close()
		}
		t.finalizeErr = t.finalize()
	})
	return t.finalizeErr
}

// Reply returns the text accumulated so far.
func (t *Turn) Reply() string {
	return t.reply.String()
}

// AssistantMessage returns the stored reply, or nil before Close or after a
// failed finalization.
func (t *Turn) AssistantMessage() *domain.Message {
	return t.assistant
}

// finalize stores the reply on a context detached from the caller's
// cancellation, through a freshly acquired store connection.
func (t *Turn) finalize() error {
	s := t.svc
	ctx := context.WithoutCancel(t.ctx)
	if s.config.FinalizeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.FinalizeTimeout)
		defer cancel()
	}
	ctx, span := s.tracer.Start(ctx, "chat.finalize")
	defer span.End()

	msg := &domain.Message{
		ID:        newMessageID(),
		SessionID: t.SessionID,
		Role:      domain.RoleAssistant,
		Content:   t.reply.String(),
		ModelUsed: t.Model,
		Timestamp: time.Now().UTC(),
	}

	if err := s.persistReply(ctx, msg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.metrics.FinalizeFailed()
		log.Printf("ERROR: dropped assistant reply for session %s (model=%s, %d bytes): %v",
			t.SessionID, t.Model, len(msg.Content), err)
		return err
	}

	t.assistant = msg
	return nil
}

// persistReply writes msg, retrying FINALIZE_RETRIES times on a new
// connection each attempt.
func (s *Service) persistReply(ctx context.Context, msg *domain.Message) error {
	var err error
	for attempt := 0; attempt <= s.config.FinalizeRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("finalize aborted: %w (last error: %v)", ctx.Err(), err)
			case <-time.After(time.Duration(attempt) * finalizeBackoff):
			}
		}

		if err = s.writeReply(ctx, msg); err == nil {
			return nil
		}
		log.Printf("WARN: failed to save assistant reply (attempt %d/%d): %v", attempt+1, s.config.FinalizeRetries+1, err)
	}
	return err
}

func (s *Service) writeReply(ctx context.Context, msg *domain.Message) error {
	scope, err := s.store.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire store connection: %w", err)
	}
	defer scope.Close()

	if err := scope.CreateMessage(ctx, msg); err != nil {
		return fmt.Errorf("failed to save assistant message: %w", err)
	}
	return nil
}
