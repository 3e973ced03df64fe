package clarify

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ishenwei/smart-trip-quote/internal/conversation"
	"github.com/ishenwei/smart-trip-quote/internal/extract"
	"github.com/ishenwei/smart-trip-quote/internal/location"
)

func newTestHandler(maxRetries int) *Handler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewHandler(conversation.NewStore(), maxRetries,
		WithLogger(logger),
		WithIDGenerator(func() string { return "conv-1" }),
	)
}

func requirement(origin string, destinations ...string) *extract.Requirement {
	places := make([]extract.Place, 0, len(destinations))
	for _, d := range destinations {
		places = append(places, extract.Place{Name: d})
	}
	return &extract.Requirement{BaseInfo: &extract.BaseInfo{
		Origin:            &extract.Place{Name: origin},
		DestinationCities: places,
	}}
}

func TestMissingBothOpensConversation(t *testing.T) {
	h := newTestHandler(3)
	res, err := h.Handle(context.Background(), Input{
		UserInput:   "I want a relaxing trip for 5 days",
		Requirement: requirement("unspecified", "unspecified"),
	})
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.True(t, res.ShouldContinue)
	assert.Equal(t, location.MissingBoth, res.Status)
	assert.Equal(t, "conv-1", res.ConversationID)
	assert.Equal(t, 1, res.RetryCount)
	assert.GreaterOrEqual(t, len(res.Suggestions), 2)
	assert.NotEmpty(t, res.UserMessage)

	assert.Contains(t, res.EnhancedPrompt, "User input: I want a relaxing trip for 5 days")
	assert.Contains(t, res.EnhancedPrompt, "Status: MISSING_BOTH")
	assert.Contains(t, res.EnhancedPrompt, "Example format: 'From [origin] to [destination]'")
	assert.Contains(t, res.EnhancedPrompt, "Attempt 1/3")
	assert.Contains(t, res.EnhancedPrompt, "Remaining attempts: 2")

	conv, ok := h.Store().Get("conv-1")
	require.True(t, ok)
	assert.Equal(t, conversation.WaitingForBoth, conv.State)
}

func TestCallerSuppliedIDIsUsed(t *testing.T) {
	h := newTestHandler(3)
	res, err := h.Handle(context.Background(), Input{
		ConversationID: "client-chosen",
		UserInput:      "to Sanya",
		Requirement:    requirement("", "Sanya"),
	})
	require.NoError(t, err)
	assert.Equal(t, "client-chosen", res.ConversationID)
	assert.Equal(t, conversation.WaitingForOrigin, res.State)
	assert.Contains(t, res.EnhancedPrompt, "identified as 'Sanya'")
}

func TestThirdMissReachesMaxRetries(t *testing.T) {
	h := newTestHandler(3)
	ctx := context.Background()
	in := Input{UserInput: "somewhere nice", Requirement: requirement("", "")}

	first, err := h.Handle(ctx, in)
	require.NoError(t, err)
	in.ConversationID = first.ConversationID

	second, err := h.Handle(ctx, in)
	require.NoError(t, err)
	assert.True(t, second.ShouldContinue)
	assert.Equal(t, 2, second.RetryCount)

	third, err := h.Handle(ctx, in)
	require.NoError(t, err)
	assert.False(t, third.ShouldContinue)
	assert.False(t, third.Success)
	assert.Equal(t, conversation.MaxRetriesReached, third.State)
	assert.Equal(t, 3, third.RetryCount)
	assert.Empty(t, third.EnhancedPrompt)
	for _, ex := range location.Examples() {
		assert.Contains(t, third.UserMessage, ex)
	}

	fourth, err := h.Handle(ctx, Input{ConversationID: in.ConversationID, UserInput: "Beijing to Shanghai", Requirement: requirement("Beijing", "Shanghai")})
	require.NoError(t, err)
	assert.Equal(t, conversation.MaxRetriesReached, fourth.State, "terminal conversations stay terminal")
}

func TestValidCompletesOpenConversation(t *testing.T) {
	h := newTestHandler(3)
	ctx := context.Background()
	first, err := h.Handle(ctx, Input{UserInput: "to Sanya", Requirement: requirement("", "Sanya")})
	require.NoError(t, err)

	req := requirement("Beijing", "Sanya")
	res, err := h.Handle(ctx, Input{ConversationID: first.ConversationID, UserInput: "from Beijing", Requirement: req})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, res.ShouldContinue)
	assert.Equal(t, conversation.Completed, res.State)
	assert.Same(t, req, res.OriginalData)

	_, ok := h.Active(first.ConversationID, "")
	assert.False(t, ok)
}

func TestInvalidTurnOnCompletedConversationIsClosed(t *testing.T) {
	h := newTestHandler(3)
	ctx := context.Background()
	first, err := h.Handle(ctx, Input{UserInput: "to Sanya", Requirement: requirement("", "Sanya")})
	require.NoError(t, err)
	_, err = h.Handle(ctx, Input{ConversationID: first.ConversationID, UserInput: "from Beijing", Requirement: requirement("Beijing", "Sanya")})
	require.NoError(t, err)

	res, err := h.Handle(ctx, Input{ConversationID: first.ConversationID, UserInput: "actually somewhere else", Requirement: requirement("", "")})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.False(t, res.ShouldContinue)
	assert.Equal(t, conversation.Completed, res.State)
	assert.Equal(t, ClosedMessage, res.UserMessage)
	assert.NotContains(t, res.UserMessage, "attempts")
	assert.Equal(t, "conversation already completed", res.Error)
	assert.Equal(t, 1, res.RetryCount)
}

func TestConversationsAreScopedToCaller(t *testing.T) {
	ids := []string{"conv-alice", "conv-bob"}
	h := NewHandler(conversation.NewStore(), 3,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithIDGenerator(func() string {
			id := ids[0]
			ids = ids[1:]
			return id
		}),
	)
	ctx := context.Background()

	alice, err := h.Handle(ctx, Input{CallerID: "alice", UserInput: "to Sanya", Requirement: requirement("", "Sanya")})
	require.NoError(t, err)
	require.Equal(t, "conv-alice", alice.ConversationID)

	_, ok := h.Active("conv-alice", "bob")
	assert.False(t, ok)
	_, ok = h.Active("conv-alice", "alice")
	assert.True(t, ok)

	bob, err := h.Handle(ctx, Input{ConversationID: "conv-alice", CallerID: "bob", UserInput: "somewhere", Requirement: requirement("", "")})
	require.NoError(t, err)
	assert.Equal(t, "conv-bob", bob.ConversationID)
	assert.Equal(t, 1, bob.RetryCount)

	valid, err := h.Handle(ctx, Input{ConversationID: "conv-alice", CallerID: "bob", Requirement: requirement("Beijing", "Sanya")})
	require.NoError(t, err)
	assert.True(t, valid.Success)
	assert.Empty(t, valid.ConversationID)

	conv, ok := h.Store().Get("conv-alice")
	require.True(t, ok)
	assert.Equal(t, conversation.WaitingForOrigin, conv.State, "another caller must not advance the conversation")
	assert.Equal(t, 1, conv.RetryCount)
}

func TestValidWithoutConversation(t *testing.T) {
	h := newTestHandler(3)
	res, err := h.Handle(context.Background(), Input{Requirement: requirement("Beijing", "Shanghai")})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Empty(t, res.ConversationID)
	assert.Equal(t, 0, h.Store().Count())
}

func TestMergeFillsFromCollected(t *testing.T) {
	h := newTestHandler(3)
	first, err := h.Handle(context.Background(), Input{UserInput: "to Sanya", Requirement: requirement("", "Sanya")})
	require.NoError(t, err)

	req := requirement("Beijing")
	assert.True(t, h.Merge(first.ConversationID, req))
	assert.Equal(t, location.Valid, location.Validate(req).Status)
	assert.Equal(t, []string{"Sanya"}, req.DestinationNames())

	complete := requirement("Shanghai", "Hangzhou")
	assert.False(t, h.Merge(first.ConversationID, complete))
	assert.False(t, h.Merge("unknown", requirement("")))
}

func TestFollowUpPrompt(t *testing.T) {
	conv := conversation.Context{
		OriginalInput: "5 days in Sanya for 2",
		Collected:     conversation.Collected{Destinations: []string{"Sanya"}},
	}
	p := FollowUpPrompt(conv, "leaving from Beijing")
	assert.Contains(t, p, "Original request: 5 days in Sanya for 2")
	assert.Contains(t, p, "Known destinations: Sanya")
	assert.Contains(t, p, "Additional information from the user: leaving from Beijing")
	assert.NotContains(t, p, "Known origin")
}
