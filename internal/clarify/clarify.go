// Package clarify turns failed location checks into follow-up questions and
// tracks them as bounded conversations.
package clarify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/ishenwei/smart-trip-quote/internal/conversation"
	"github.com/ishenwei/smart-trip-quote/internal/extract"
	"github.com/ishenwei/smart-trip-quote/internal/location"
)

const DefaultMaxRetries = 3

// ClosedMessage answers a turn sent to a conversation that already completed.
const ClosedMessage = "This conversation is already complete; start a new request."

type Input struct {
	ConversationID string
	CallerID       string
	UserInput      string
	Requirement    *extract.Requirement
}

type Result struct {
	Success        bool                 `json:"success"`
	ShouldContinue bool                 `json:"should_continue"`
	Status         location.Status      `json:"status"`
	State          conversation.State   `json:"state,omitempty"`
	UserMessage    string               `json:"user_message,omitempty"`
	EnhancedPrompt string               `json:"enhanced_prompt,omitempty"`
	ConversationID string               `json:"conversation_id,omitempty"`
	RetryCount     int                  `json:"retry_count"`
	MaxRetries     int                  `json:"max_retries"`
	OriginalData   *extract.Requirement `json:"original_data,omitempty"`
	Error          string               `json:"error,omitempty"`
	Suggestions    []string             `json:"suggestions,omitempty"`
}

type Option func(*Handler)

func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithIDGenerator replaces uuid generation for new conversations.
func WithIDGenerator(newID func() string) Option {
	return func(h *Handler) {
		if newID != nil {
			h.newID = newID
		}
	}
}

type Handler struct {
	store      *conversation.Store
	maxRetries int
	logger     *slog.Logger
	newID      func() string
}

func NewHandler(store *conversation.Store, maxRetries int, opts ...Option) *Handler {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	h := &Handler{
		store:      store,
		maxRetries: maxRetries,
		logger:     slog.Default(),
		newID:      uuid.NewString,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

func (h *Handler) MaxRetries() int { return h.maxRetries }

func (h *Handler) Store() *conversation.Store { return h.store }

// Handle checks the locations in in.Requirement. A valid payload completes
// any open conversation. An invalid one opens or advances a conversation and
// returns either a follow-up prompt or, once retries are spent, a terminal
// message.
func (h *Handler) Handle(ctx context.Context, in Input) (Result, error) {
	out := location.Validate(in.Requirement)
	if out.Valid() {
		return h.handleValid(ctx, in, out)
	}

	id := strings.TrimSpace(in.ConversationID)
	conv, found := h.lookup(id, in.CallerID)
	switch {
	case !found:
		var err error
		if id, err = h.open(ctx, id, in); err != nil {
			return Result{}, err
		}
	case conv.State == conversation.Completed:
		return h.closed(ctx, conv, out), nil
	case !conv.CanRetry():
		return h.exhausted(ctx, conv, in.UserInput, out), nil
	}

	conv, err := h.store.Apply(id, out)
	switch {
	case errors.Is(err, conversation.ErrTerminal) && conv.State == conversation.Completed:
		return h.closed(ctx, conv, out), nil
	case errors.Is(err, conversation.ErrTerminal):
		return h.exhausted(ctx, conv, in.UserInput, out), nil
	case err != nil:
		return Result{}, fmt.Errorf("record location outcome: %w", err)
	}

	h.logger.WarnContext(ctx, "location_validation",
		"conversation_id", id,
		"caller_id", in.CallerID,
		"status", string(out.Status),
		"error", out.Message,
		"retry_count", conv.RetryCount,
		"max_retries", conv.MaxRetries,
	)

	if !conv.CanRetry() {
		return h.exhausted(ctx, conv, in.UserInput, out), nil
	}

	return Result{
		ShouldContinue: true,
		Status:         out.Status,
		State:          conv.State,
		UserMessage:    location.UserMessage(out, in.UserInput),
		EnhancedPrompt: EnhancedPrompt(in.UserInput, out, conv),
		ConversationID: id,
		RetryCount:     conv.RetryCount,
		MaxRetries:     conv.MaxRetries,
		OriginalData:   in.Requirement,
		Error:          out.Message,
		Suggestions:    out.Suggestions,
	}, nil
}

func (h *Handler) handleValid(ctx context.Context, in Input, out location.Outcome) (Result, error) {
	res := Result{
		Success:        true,
		ShouldContinue: true,
		Status:         out.Status,
		MaxRetries:     h.maxRetries,
		OriginalData:   in.Requirement,
	}
	if conv, ok := h.lookup(in.ConversationID, in.CallerID); ok {
		if !conv.State.Terminal() {
			updated, err := h.store.Apply(conv.ID, out)
			if err != nil && !errors.Is(err, conversation.ErrTerminal) {
				return Result{}, fmt.Errorf("complete conversation: %w", err)
			}
			conv = updated
		}
		res.ConversationID = conv.ID
		res.State = conv.State
		res.RetryCount = conv.RetryCount
	}
	h.logger.InfoContext(ctx, "location_validation",
		"conversation_id", in.ConversationID,
		"caller_id", in.CallerID,
		"status", string(out.Status),
		"origin", out.OriginName(),
		"destinations", strings.Join(out.DestinationNames(), ","),
	)
	return res, nil
}

func (h *Handler) exhausted(ctx context.Context, conv conversation.Context, userInput string, out location.Outcome) Result {
	h.logger.ErrorContext(ctx, "location_max_retries",
		"conversation_id", conv.ID,
		"retry_count", conv.RetryCount,
		"max_retries", conv.MaxRetries,
		"state", string(conv.State),
	)
	return Result{
		Status:         out.Status,
		State:          conv.State,
		UserMessage:    TerminalMessage(conv.RetryCount, userInput),
		ConversationID: conv.ID,
		RetryCount:     conv.RetryCount,
		MaxRetries:     conv.MaxRetries,
		Error:          "maximum clarification attempts reached",
	}
}

func (h *Handler) closed(ctx context.Context, conv conversation.Context, out location.Outcome) Result {
	h.logger.WarnContext(ctx, "conversation_closed",
		"conversation_id", conv.ID,
		"status", string(out.Status),
	)
	return Result{
		Status:         out.Status,
		State:          conv.State,
		UserMessage:    ClosedMessage,
		ConversationID: conv.ID,
		RetryCount:     conv.RetryCount,
		MaxRetries:     conv.MaxRetries,
		Error:          "conversation already completed",
	}
}

// open starts a conversation for a caller whose id is empty, unknown or
// owned by someone else. A foreign id is replaced with a fresh one.
func (h *Handler) open(ctx context.Context, id string, in Input) (string, error) {
	if _, taken := h.store.Get(id); id == "" || taken {
		if id != "" {
			h.logger.WarnContext(ctx, "conversation_owner_mismatch", "conversation_id", id, "caller_id", in.CallerID)
		}
		id = h.newID()
	}
	_, err := h.store.Create(id, in.CallerID, in.UserInput, h.maxRetries)
	if errors.Is(err, conversation.ErrExists) {
		if _, ok := h.lookup(id, in.CallerID); ok {
			return id, nil
		}
	}
	if err != nil {
		return "", fmt.Errorf("create conversation: %w", err)
	}
	return id, nil
}

// lookup returns conversation id when it belongs to callerID. Conversations
// opened without a caller are visible to every caller.
func (h *Handler) lookup(id, callerID string) (conversation.Context, bool) {
	if id == "" {
		return conversation.Context{}, false
	}
	conv, ok := h.store.Get(id)
	if !ok || (conv.CallerID != "" && conv.CallerID != callerID) {
		return conversation.Context{}, false
	}
	return conv, true
}

// Active returns the caller's conversation when it exists and can still take
// input.
func (h *Handler) Active(id, callerID string) (conversation.Context, bool) {
	conv, ok := h.lookup(id, callerID)
	if !ok || !conv.CanRetry() {
		return conversation.Context{}, false
	}
	return conv, true
}

// Merge fills a missing origin or destination list in req from data
// collected in earlier turns of conversation id. It reports whether
// anything was filled.
func (h *Handler) Merge(id string, req *extract.Requirement) bool {
	conv, ok := h.store.Get(id)
	if !ok || req == nil || req.BaseInfo == nil {
		return false
	}
	out := location.Validate(req)
	if out.Status == location.Valid {
		return false
	}

	changed := false
	b := req.BaseInfo
	if out.OriginName() == "" && conv.Collected.Origin != "" {
		b.Origin = &extract.Place{Name: conv.Collected.Origin}
		changed = true
	}
	if len(out.DestinationNames()) == 0 && len(conv.Collected.Destinations) > 0 {
		places := make([]extract.Place, 0, len(conv.Collected.Destinations))
		for _, name := range conv.Collected.Destinations {
			places = append(places, extract.Place{Name: name})
		}
		b.DestinationCities = places
		changed = true
	}
	return changed
}

// EnhancedPrompt is the instruction for the next extraction attempt.
func EnhancedPrompt(userInput string, out location.Outcome, conv conversation.Context) string {
	var b strings.Builder
	fmt.Fprintf(&b, "User input: %s\n\n", userInput)
	fmt.Fprintf(&b, "Conversation context:\n%s\n\n", conv.Summary())
	b.WriteString("Validation feedback:\n")
	fmt.Fprintf(&b, "Status: %s\n", out.Status)
	fmt.Fprintf(&b, "Error: %s\n\n", out.Message)

	switch out.Status {
	case location.MissingOrigin:
		fmt.Fprintf(&b, "The destination was identified as '%s' but the origin is missing.\n", firstOr(out.DestinationNames(), "unknown"))
		b.WriteString("Ask which city the trip starts from.\n")
		b.WriteString("Example format: 'From [origin]'\n")
	case location.MissingDestination:
		fmt.Fprintf(&b, "The origin was identified as '%s' but the destination is missing.\n", out.OriginName())
		b.WriteString("Ask which city the user wants to visit.\n")
		b.WriteString("Example format: 'To [destination]'\n")
	default:
		b.WriteString("Ask for both the origin and the destination.\n")
		b.WriteString("Example format: 'From [origin] to [destination]'\n")
	}

	fmt.Fprintf(&b, "\nAttempt %d/%d\n", conv.RetryCount, conv.MaxRetries)
	fmt.Fprintf(&b, "Remaining attempts: %d\n", conv.RemainingRetries())
	b.WriteString("\nRe-analyse the travel request using the feedback above and focus on extracting the origin and destination.")
	return b.String()
}

// TerminalMessage tells the user clarification has stopped and shows how to
// phrase a request that will be understood.
func TerminalMessage(attempts int, userInput string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Sorry, after %d attempts the locations in your request still could not be identified.\n\n", attempts)
	fmt.Fprintf(&b, "Your original request: %s\n\n", userInput)
	b.WriteString("Please describe your trip again following one of these examples:\n\n")
	for i, ex := range location.Examples() {
		fmt.Fprintf(&b, "%d. %s\n", i+1, ex)
	}
	b.WriteString("\nYou can also start a new conversation or contact support.")
	return b.String()
}

// FollowUpPrompt builds the extraction prompt for a new message in an open
// conversation so earlier details are not lost.
func FollowUpPrompt(conv conversation.Context, newInput string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Original request: %s\n", conv.OriginalInput)
	if conv.Collected.Origin != "" {
		fmt.Fprintf(&b, "Known origin: %s\n", conv.Collected.Origin)
	}
	if len(conv.Collected.Destinations) > 0 {
		fmt.Fprintf(&b, "Known destinations: %s\n", strings.Join(conv.Collected.Destinations, ", "))
	}
	fmt.Fprintf(&b, "Additional information from the user: %s\n\n", newInput)
	b.WriteString("Combine all of the above into a single travel request.")
	return b.String()
}

func firstOr(values []string, fallback string) string {
	if len(values) > 0 {
		return values[0]
	}
	return fallback
}
