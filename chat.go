package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"
	"github.com/disgoorg/snowflake/v2"
	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

// ============================================================================
// Chat
// ============================================================================

const (
	ChatPrimingPrompt   = "You are a friendly, playful Discord companion. Keep replies short, warm, and conversational. Never use markdown headers."
	MsgChatApology      = "Sorry, my brain isn't cooperating right now. Try again in a bit."
	MsgChatSlowDown     = "Easy there! Give me a second between messages."
	MsgChatHelp         = "Mention me with a message and I'll chat back. `/voice play` for music."
	MsgChatMemoryReset  = "🧹 Forgot everything we talked about."
	MsgChatBackendFail  = "Backend %s failed: %v"
	MsgChatDispatched   = "Replied to %s (%s)"
	MsgChatSendFail     = "Chat response send failed: %v"
	MsgChatNoBackends   = "No chat backends configured, mentions will be ignored."
)

var GlobalChat *ChatDispatcher

func init() {
	OnClientReady(func(ctx context.Context, client bot.Client) {
		backends := buildChatBackends(GlobalConfig)
		if len(backends) == 0 {
			LogChat(MsgChatNoBackends)
			return
		}
		GlobalChat = NewChatDispatcher(
			NewMemoryStore(GlobalConfig.ChatMemoryTurns, ChatPrimingPrompt),
			backends,
			GlobalConfig.ChatRateLimit,
		)
	})

	RegisterCommand(discord.SlashCommandCreate{
		Name:        "chat",
		Description: "AI Chat",
		Options: []discord.ApplicationCommandOption{
			discord.ApplicationCommandOptionSubCommand{
				Name:        "reset",
				Description: "Clear your conversation history with the bot",
			},
		},
	}, handleChat)
}

// ===========================
// Memory
// ===========================

type Turn struct {
	Role string
	Text string
}

// MemoryStore keeps a bounded sliding window of conversation turns per user.
// Oldest turns are evicted first; the priming turn seeded on first access is
// evictable like any other once enough real turns accumulate.
type MemoryStore struct {
	mu       sync.Mutex
	windows  map[snowflake.ID][]Turn
	maxTurns int
	priming  string
}

func NewMemoryStore(maxTurns int, priming string) *MemoryStore {
	if maxTurns <= 0 {
		maxTurns = 10
	}
	return &MemoryStore{
		windows:  make(map[snowflake.ID][]Turn),
		maxTurns: maxTurns,
		priming:  priming,
	}
}

func (m *MemoryStore) ensureLocked(userID snowflake.ID) {
	if _, ok := m.windows[userID]; ok {
		return
	}
	var seed []Turn
	if m.priming != "" {
		seed = []Turn{{Role: openai.ChatMessageRoleSystem, Text: m.priming}}
	}
	m.windows[userID] = seed
}

// Append adds a turn, evicting the oldest when the window overflows. Blank
// turns are dropped so they can never poison a backend request.
func (m *MemoryStore) Append(userID snowflake.ID, role, text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensureLocked(userID)
	w := append(m.windows[userID], Turn{Role: role, Text: text})
	if len(w) > m.maxTurns {
		w = w[len(w)-m.maxTurns:]
	}
	m.windows[userID] = w
}

// Window returns a filtered copy of the user's turns, safe to hand to a
// backend.
func (m *MemoryStore) Window(userID snowflake.ID) []Turn {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensureLocked(userID)
	w := m.windows[userID]
	out := make([]Turn, 0, len(w))
	for _, t := range w {
		if strings.TrimSpace(t.Text) == "" {
			continue
		}
		out = append(out, t)
	}
	return out
}

func (m *MemoryStore) Len(userID snowflake.ID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.windows[userID])
}

func (m *MemoryStore) Clear(userID snowflake.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.windows, userID)
}

// ===========================
// Backends
// ===========================

// ChatBackend is one model in the fallback chain.
type ChatBackend interface {
	Name() string
	Infer(ctx context.Context, turns []Turn) (string, error)
}

type openaiBackend struct {
	name   string
	model  string
	client *openai.Client
}

func newOpenAIBackend(name, apiKey, baseURL, model string) ChatBackend {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &openaiBackend{name: name, model: model, client: openai.NewClientWithConfig(cfg)}
}

func (b *openaiBackend) Name() string { return b.name }

func (b *openaiBackend) Infer(ctx context.Context, turns []Turn) (string, error) {
	msgs := make([]openai.ChatCompletionMessage, 0, len(turns))
	for _, t := range turns {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: t.Role, Content: t.Text})
	}
	resp, err := b.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    b.model,
		Messages: msgs,
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("no choices returned")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// buildChatBackends assembles the fallback chain from configured API keys, in
// fixed priority order.
func buildChatBackends(cfg *Config) []ChatBackend {
	var backends []ChatBackend
	if cfg == nil {
		return backends
	}
	if cfg.GeminiAPIKey != "" {
		backends = append(backends, newOpenAIBackend("gemini", cfg.GeminiAPIKey, cfg.GeminiBaseURL, cfg.GeminiModel))
	}
	if cfg.DeepSeekAPIKey != "" {
		backends = append(backends, newOpenAIBackend("deepseek", cfg.DeepSeekAPIKey, cfg.DeepSeekBaseURL, cfg.DeepSeekModel))
	}
	if cfg.OpenAIAPIKey != "" {
		backends = append(backends, newOpenAIBackend("openai", cfg.OpenAIAPIKey, "", cfg.OpenAIModel))
	}
	return backends
}

// ===========================
// Dispatcher
// ===========================

// ChatDispatcher walks the backend chain in priority order. The first success
// commits the user/model turn pair to memory; if every backend fails, memory
// stays untouched and a fixed apology is returned.
type ChatDispatcher struct {
	memory   *MemoryStore
	backends []ChatBackend

	limiterMu sync.Mutex
	limiters  map[snowflake.ID]*rate.Limiter
	rateLimit rate.Limit
}

func NewChatDispatcher(memory *MemoryStore, backends []ChatBackend, perUserRate float64) *ChatDispatcher {
	if perUserRate <= 0 {
		perUserRate = 0.5
	}
	return &ChatDispatcher{
		memory:    memory,
		backends:  backends,
		limiters:  make(map[snowflake.ID]*rate.Limiter),
		rateLimit: rate.Limit(perUserRate),
	}
}

func (d *ChatDispatcher) limiter(userID snowflake.ID) *rate.Limiter {
	d.limiterMu.Lock()
	defer d.limiterMu.Unlock()
	l, ok := d.limiters[userID]
	if !ok {
		l = rate.NewLimiter(d.rateLimit, 2)
		d.limiters[userID] = l
	}
	return l
}

func (d *ChatDispatcher) Ask(ctx context.Context, userID snowflake.ID, prompt string) string {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return MsgChatHelp
	}
	if !d.limiter(userID).Allow() {
		return MsgChatSlowDown
	}

	turns := append(d.memory.Window(userID), Turn{Role: openai.ChatMessageRoleUser, Text: prompt})

	for _, b := range d.backends {
		reply, err := b.Infer(ctx, turns)
		if err != nil || reply == "" {
			LogChat(MsgChatBackendFail, b.Name(), err)
			continue
		}
		d.memory.Append(userID, openai.ChatMessageRoleUser, prompt)
		d.memory.Append(userID, openai.ChatMessageRoleAssistant, reply)
		return reply
	}

	return MsgChatApology
}

func (d *ChatDispatcher) Reset(userID snowflake.ID) {
	d.memory.Clear(userID)
}

// ===========================
// Handlers
// ===========================

func handleChat(event *events.ApplicationCommandInteractionCreate) {
	data := event.SlashCommandInteractionData()
	if data.SubCommandName == nil || *data.SubCommandName != "reset" {
		return
	}
	if GlobalChat == nil {
		_ = RespondInteractionV2(*event.Client(), event, MsgChatApology, true)
		return
	}
	GlobalChat.Reset(event.User().ID)
	_ = RespondInteractionV2(*event.Client(), event, MsgChatMemoryReset, true)
}

func onMessageCreate(event *events.MessageCreate) {
	if event.Message.Author.Bot {
		return
	}

	isMentioned := false
	for _, user := range event.Message.Mentions {
		if user.ID == event.Client().ID() {
			isMentioned = true
			break
		}
	}

	isReply := false
	if event.Message.ReferencedMessage != nil && event.Message.ReferencedMessage.Author.ID == event.Client().ID() {
		isReply = true
	}

	if !isMentioned && !isReply {
		return
	}

	if GlobalChat == nil {
		return
	}

	safeGo(func() {
		_ = event.Client().Rest.SendTyping(event.ChannelID)

		prompt := strings.ReplaceAll(event.Message.Content, fmt.Sprintf("<@%s>", event.Client().ID()), "")
		prompt = strings.TrimSpace(prompt)

		reply := GlobalChat.Ask(AppContext, event.Message.Author.ID, prompt)

		messageCreate := discord.NewMessageCreate().
			WithContent(Truncate(reply, 2000)).
			WithMessageReference(&discord.MessageReference{MessageID: &event.MessageID}).
			WithAllowedMentions(&discord.AllowedMentions{RepliedUser: false})

		if _, err := event.Client().Rest.CreateMessage(event.ChannelID, messageCreate); err != nil {
			LogChat(MsgChatSendFail, err)
			return
		}
		LogChat(MsgChatDispatched, event.Message.Author.Username, event.Message.Author.ID)
	})
}
