package main

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/disgoorg/snowflake/v2"
	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ===========================
// Fakes
// ===========================

type fakeChatBackend struct {
	mu    sync.Mutex
	name  string
	reply string
	err   error
	calls int
	last  []Turn
}

func (b *fakeChatBackend) Name() string { return b.name }

func (b *fakeChatBackend) Infer(ctx context.Context, turns []Turn) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	b.last = append([]Turn(nil), turns...)
	return b.reply, b.err
}

func (b *fakeChatBackend) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func newTestDispatcher(backends ...ChatBackend) *ChatDispatcher {
	return NewChatDispatcher(NewMemoryStore(10, ChatPrimingPrompt), backends, 1000)
}

// ===========================
// Memory
// ===========================

func TestMemoryStorePrimingSeed(t *testing.T) {
	m := NewMemoryStore(10, "You are a helpful bot.")
	user := snowflake.ID(1)

	w := m.Window(user)
	require.Len(t, w, 1)
	assert.Equal(t, openai.ChatMessageRoleSystem, w[0].Role)
	assert.Equal(t, "You are a helpful bot.", w[0].Text)
}

func TestMemoryStoreNoPriming(t *testing.T) {
	m := NewMemoryStore(10, "")
	assert.Empty(t, m.Window(snowflake.ID(1)))
}

func TestMemoryStoreEviction(t *testing.T) {
	m := NewMemoryStore(4, "priming")
	user := snowflake.ID(1)

	for i := 0; i < 6; i++ {
		m.Append(user, openai.ChatMessageRoleUser, "message")
	}

	w := m.Window(user)
	require.Len(t, w, 4)
	// The priming turn is oldest, so it gets evicted like any other.
	for _, turn := range w {
		assert.Equal(t, openai.ChatMessageRoleUser, turn.Role)
	}
}

func TestMemoryStoreBlankTurnsDropped(t *testing.T) {
	m := NewMemoryStore(10, "priming")
	user := snowflake.ID(1)

	m.Append(user, openai.ChatMessageRoleUser, "")
	m.Append(user, openai.ChatMessageRoleUser, "   \n\t")
	m.Append(user, openai.ChatMessageRoleUser, "real message")

	w := m.Window(user)
	require.Len(t, w, 2)
	assert.Equal(t, "real message", w[1].Text)
}

func TestMemoryStoreClear(t *testing.T) {
	m := NewMemoryStore(10, "priming")
	user := snowflake.ID(1)

	m.Append(user, openai.ChatMessageRoleUser, "hello")
	m.Clear(user)

	// Cleared users start fresh with the priming turn again.
	w := m.Window(user)
	require.Len(t, w, 1)
	assert.Equal(t, openai.ChatMessageRoleSystem, w[0].Role)
}

func TestMemoryStoreIsolatedPerUser(t *testing.T) {
	m := NewMemoryStore(10, "")
	m.Append(snowflake.ID(1), openai.ChatMessageRoleUser, "from user one")

	assert.Len(t, m.Window(snowflake.ID(1)), 1)
	assert.Empty(t, m.Window(snowflake.ID(2)))
}

// ===========================
// Dispatcher
// ===========================

func TestDispatcherFirstBackendSuccess(t *testing.T) {
	b1 := &fakeChatBackend{name: "first", reply: "hello from first"}
	b2 := &fakeChatBackend{name: "second", reply: "hello from second"}
	d := newTestDispatcher(b1, b2)
	user := snowflake.ID(1)

	reply := d.Ask(context.Background(), user, "hi there")
	assert.Equal(t, "hello from first", reply)
	assert.Equal(t, 1, b1.callCount())
	assert.Equal(t, 0, b2.callCount())
}

func TestDispatcherFallbackChain(t *testing.T) {
	b1 := &fakeChatBackend{name: "first", err: errors.New("quota exceeded")}
	b2 := &fakeChatBackend{name: "second", reply: "second saves the day"}
	d := newTestDispatcher(b1, b2)
	user := snowflake.ID(1)

	reply := d.Ask(context.Background(), user, "hi there")
	assert.Equal(t, "second saves the day", reply)
	assert.Equal(t, 1, b1.callCount())
	assert.Equal(t, 1, b2.callCount())

	// Exactly one user/assistant pair committed, on top of the priming turn.
	w := d.memory.Window(user)
	require.Len(t, w, 3)
	assert.Equal(t, openai.ChatMessageRoleUser, w[1].Role)
	assert.Equal(t, "hi there", w[1].Text)
	assert.Equal(t, openai.ChatMessageRoleAssistant, w[2].Role)
	assert.Equal(t, "second saves the day", w[2].Text)
}

func TestDispatcherEmptyReplyIsFailure(t *testing.T) {
	b1 := &fakeChatBackend{name: "first", reply: ""}
	b2 := &fakeChatBackend{name: "second", reply: "non-empty"}
	d := newTestDispatcher(b1, b2)

	reply := d.Ask(context.Background(), snowflake.ID(1), "hi")
	assert.Equal(t, "non-empty", reply)
	assert.Equal(t, 1, b2.callCount())
}

func TestDispatcherAllBackendsFail(t *testing.T) {
	b1 := &fakeChatBackend{name: "first", err: errors.New("down")}
	b2 := &fakeChatBackend{name: "second", err: errors.New("also down")}
	d := newTestDispatcher(b1, b2)
	user := snowflake.ID(1)

	before := len(d.memory.Window(user))
	reply := d.Ask(context.Background(), user, "hi there")

	assert.Equal(t, MsgChatApology, reply)
	assert.Equal(t, before, len(d.memory.Window(user)))
}

func TestDispatcherEmptyPrompt(t *testing.T) {
	b1 := &fakeChatBackend{name: "first", reply: "should not be called"}
	d := newTestDispatcher(b1)

	assert.Equal(t, MsgChatHelp, d.Ask(context.Background(), snowflake.ID(1), "   "))
	assert.Equal(t, 0, b1.callCount())
}

func TestDispatcherRateLimit(t *testing.T) {
	b1 := &fakeChatBackend{name: "first", reply: "ok"}
	d := NewChatDispatcher(NewMemoryStore(10, ""), []ChatBackend{b1}, 0.001)
	user := snowflake.ID(1)

	assert.Equal(t, "ok", d.Ask(context.Background(), user, "one"))
	assert.Equal(t, "ok", d.Ask(context.Background(), user, "two"))
	assert.Equal(t, MsgChatSlowDown, d.Ask(context.Background(), user, "three"))

	// Other users keep their own limiter.
	assert.Equal(t, "ok", d.Ask(context.Background(), snowflake.ID(2), "hello"))
}

func TestDispatcherBackendSeesHistory(t *testing.T) {
	b1 := &fakeChatBackend{name: "first", reply: "first reply"}
	d := newTestDispatcher(b1)
	user := snowflake.ID(1)

	d.Ask(context.Background(), user, "first question")
	d.Ask(context.Background(), user, "second question")

	b1.mu.Lock()
	turns := b1.last
	b1.mu.Unlock()

	// priming + first pair + new prompt
	require.Len(t, turns, 4)
	assert.Equal(t, "first question", turns[1].Text)
	assert.Equal(t, "first reply", turns[2].Text)
	assert.Equal(t, "second question", turns[3].Text)
}

func TestDispatcherReset(t *testing.T) {
	b1 := &fakeChatBackend{name: "first", reply: "ok"}
	d := newTestDispatcher(b1)
	user := snowflake.ID(1)

	d.Ask(context.Background(), user, "remember this")
	require.Len(t, d.memory.Window(user), 3)

	d.Reset(user)
	assert.Len(t, d.memory.Window(user), 1)
}
