package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"
	"github.com/disgoorg/disgo/voice"
	"github.com/disgoorg/snowflake/v2"
)

// ============================================================================
// Voice
// ============================================================================

const (
	MsgVoiceNotInChannel   = "Join a voice channel first."
	MsgVoiceNotPlaying     = "Not playing anything."
	MsgVoiceNothingPlaying = "nothing playing"
	MsgVoiceNotConnected   = "not connected to voice"
	MsgVoiceQueueEmpty     = "_Empty_"
	MsgVoiceStopped        = "🛑 Stopped and disconnected."
	MsgVoicePaused         = "⏸️ Paused."
	MsgVoiceResumed        = "▶️ Resumed."
	MsgVoiceSessionClosed  = "session closed"
)

var (
	VoiceManager *VoiceSystem
	OnceVoice    sync.Once
)

func init() {
	OnClientReady(func(ctx context.Context, client bot.Client) {
		RegisterDaemon(LogVoice, func(ctx context.Context) (bool, func(), func()) {
			return true, func() {}, func() {
				if VoiceManager != nil {
					LogVoice("Shutting down Voice Manager...")
					VoiceManager.Shutdown(context.Background())
				}
			}
		})

		vm := GetVoiceManager(client)
		vm.searcher.StartCacheGC(ctx)
		RegisterVoiceStateUpdateHandler(vm.onVoiceStateUpdate)
	})

	RegisterCommand(discord.SlashCommandCreate{
		Name:        "voice",
		Description: "Voice System",
		Options: []discord.ApplicationCommandOption{
			discord.ApplicationCommandOptionSubCommand{
				Name:        "play",
				Description: "Play audio from a URL or search",
				Options: []discord.ApplicationCommandOption{
					discord.ApplicationCommandOptionString{
						Name:         "query",
						Description:  "The URL or song name to play",
						Required:     true,
						Autocomplete: true,
					},
				},
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "skip",
				Description: "Skip the current track",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "stop",
				Description: "Stop audio and leave",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "pause",
				Description: "Pause the current track",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "resume",
				Description: "Resume the current track",
			},
			discord.ApplicationCommandOptionSubCommand{
				Name:        "queue",
				Description: "Show the current queue",
			},
		},
	}, handleVoice)

	RegisterAutocompleteHandler("voice", handleMusicAutocomplete)
}

// ===========================
// Seams
// ===========================

// Timer is the cancelable handle returned by a Scheduler.
type Timer interface {
	Stop() bool
}

// Scheduler abstracts delayed callbacks so the idle-disconnect window can be
// driven by a fake clock in tests.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realScheduler struct{}

func (realScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// VoiceConnection is the session's exclusively owned handle to a guild voice
// channel.
type VoiceConnection interface {
	Close(ctx context.Context)
	AudioConn() voice.Conn
}

type VoiceConnector interface {
	Connect(ctx context.Context, guildID, channelID snowflake.ID) (VoiceConnection, error)
}

// NotifyFunc delivers a user-facing status message to a text channel. Failures
// are the notifier's problem; queue progress never blocks on it.
type NotifyFunc func(channelID snowflake.ID, message string)

type disgoConnection struct {
	conn voice.Conn
}

func (c disgoConnection) Close(ctx context.Context) { c.conn.Close(ctx) }
func (c disgoConnection) AudioConn() voice.Conn     { return c.conn }

type disgoConnector struct {
	client bot.Client
}

func (dc disgoConnector) Connect(ctx context.Context, guildID, channelID snowflake.ID) (VoiceConnection, error) {
	conn := dc.client.VoiceManager.CreateConn(guildID)

	LogVoice("Joining channel %s in guild %s", channelID, guildID)

	var lastErr error
	for i := range 5 {
		if i > 0 {
			backoff := time.Duration(1<<uint(i-1)) * 1000 * time.Millisecond
			LogVoice("Retrying voice connection in %v (Attempt %d/5)", backoff, i+1)
			time.Sleep(backoff)
		}
		if err := conn.Open(ctx, channelID, false, false); err != nil {
			lastErr = err
			continue
		}
		lastErr = nil
		break
	}

	if lastErr != nil {
		LogVoice("Failed to connect to voice in guild %s after 5 attempts: %v", guildID, lastErr)
		conn.Close(ctx)
		return nil, lastErr
	}
	return disgoConnection{conn: conn}, nil
}

// ===========================
// System
// ===========================

// Track is a resolved queue entry. Immutable once enqueued.
type Track struct {
	Info      TrackInfo
	Requester snowflake.ID
}

// VoiceSystem manages all voice sessions across guilds.
type VoiceSystem struct {
	mu          sync.Mutex
	sessions    map[snowflake.ID]*VoiceSession
	connector   VoiceConnector
	newPlayer   func() AudioPlayer
	resolver    *TrackResolver
	scheduler   Scheduler
	notify      NotifyFunc
	idleTimeout time.Duration
	searcher    *youtubeSearchProvider
}

func NewVoiceSystem(connector VoiceConnector, newPlayer func() AudioPlayer, resolver *TrackResolver, scheduler Scheduler, notify NotifyFunc, idleTimeout time.Duration) *VoiceSystem {
	return &VoiceSystem{
		sessions:    make(map[snowflake.ID]*VoiceSession),
		connector:   connector,
		newPlayer:   newPlayer,
		resolver:    resolver,
		scheduler:   scheduler,
		notify:      notify,
		idleTimeout: idleTimeout,
	}
}

// GetVoiceManager builds the production singleton bound to the gateway client.
func GetVoiceManager(client bot.Client) *VoiceSystem {
	OnceVoice.Do(func() {
		searcher := NewYoutubeSearchProvider()
		VoiceManager = NewVoiceSystem(
			disgoConnector{client: client},
			NewFFmpegPlayer,
			NewTrackResolver(NewYtdlpMetadataProvider(), searcher),
			realScheduler{},
			func(channelID snowflake.ID, message string) {
				_, _ = client.Rest.CreateMessage(channelID, discord.MessageCreate{Content: message})
			},
			GlobalConfig.VoiceIdleTimeout,
		)
		VoiceManager.searcher = searcher
	})
	return VoiceManager
}

// GetSession retrieves the voice session for a guild
func (vs *VoiceSystem) GetSession(guildID snowflake.ID) *VoiceSession {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return vs.sessions[guildID]
}

// Join creates or reuses the guild's session and connects it. The playback
// driver is started once per live session.
func (vs *VoiceSystem) Join(ctx context.Context, guildID, channelID snowflake.ID) (*VoiceSession, error) {
	vs.mu.Lock()
	if sess, ok := vs.sessions[guildID]; ok {
		// If session is dead (canceled), discard it and create a new one
		if sess.cancelCtx.Err() != nil {
			delete(vs.sessions, guildID)
		} else {
			sess.channelMu.Lock()
			sess.ChannelID = channelID
			sess.channelMu.Unlock()
			vs.mu.Unlock()
			return sess, nil
		}
	}
	cancelCtx, cancel := context.WithCancel(context.Background())
	sess := &VoiceSession{
		GuildID:     guildID,
		ChannelID:   channelID,
		sys:         vs,
		player:      vs.newPlayer(),
		queue:       make([]*Track, 0),
		queueUpdate: make(chan struct{}, 1),
		cancelCtx:   cancelCtx,
		cancelFunc:  cancel,
	}
	vs.sessions[guildID] = sess
	vs.mu.Unlock()

	conn, err := vs.connector.Connect(ctx, guildID, channelID)
	if err != nil {
		vs.mu.Lock()
		delete(vs.sessions, guildID)
		vs.mu.Unlock()
		cancel()
		return nil, err
	}

	sess.conn = conn
	safeGo(sess.processQueue)
	return sess, nil
}

// Enqueue appends a resolved track to the guild's queue and nudges the driver.
func (vs *VoiceSystem) Enqueue(guildID snowflake.ID, t *Track) (int, error) {
	s := vs.GetSession(guildID)
	if s == nil {
		return 0, errors.New(MsgVoiceNotConnected)
	}

	s.queueMu.Lock()
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
	s.queue = append(s.queue, t)
	pos := len(s.queue)
	playing := s.current != nil
	s.queueMu.Unlock()

	select {
	case s.queueUpdate <- struct{}{}:
	default:
	}

	if playing {
		pos++
	}
	return pos, nil
}

// Leave tears the guild's session down entirely: playback stopped, queue
// cleared, connection closed, map entry removed.
func (vs *VoiceSystem) Leave(ctx context.Context, guildID snowflake.ID) {
	vs.mu.Lock()
	sess, ok := vs.sessions[guildID]
	if !ok {
		vs.mu.Unlock()
		return
	}
	delete(vs.sessions, guildID)
	vs.mu.Unlock()

	sess.Stop()
	if sess.conn != nil {
		sess.conn.Close(ctx)
	}
}

// Shutdown gracefully stops all voice sessions
func (vs *VoiceSystem) Shutdown(ctx context.Context) {
	vs.mu.Lock()
	sessions := make([]*VoiceSession, 0, len(vs.sessions))
	for id, sess := range vs.sessions {
		sessions = append(sessions, sess)
		delete(vs.sessions, id)
	}
	vs.mu.Unlock()

	var wg sync.WaitGroup
	for _, sess := range sessions {
		wg.Add(1)
		go func(s *VoiceSession) {
			defer wg.Done()
			s.Stop()
			if s.conn != nil {
				s.conn.Close(ctx)
			}
		}(sess)
	}
	wg.Wait()
}

func (vs *VoiceSystem) onVoiceStateUpdate(event *events.GuildVoiceStateUpdate) {
	vs.mu.Lock()
	s, ok := vs.sessions[event.VoiceState.GuildID]
	vs.mu.Unlock()

	if event.VoiceState.UserID != event.Client().ID() {
		return
	}

	if event.VoiceState.ChannelID == nil {
		if ok {
			LogVoice("Bot disconnected by external event in guild %s", event.VoiceState.GuildID)
			vs.Leave(context.Background(), event.VoiceState.GuildID)
		}
		return
	}

	if !ok {
		return
	}

	s.channelMu.RLock()
	currentChannelID := s.ChannelID
	s.channelMu.RUnlock()

	if *event.VoiceState.ChannelID != currentChannelID {
		LogVoice("Bot moved from %s to %s in guild %s", currentChannelID, *event.VoiceState.ChannelID, event.VoiceState.GuildID)
		s.channelMu.Lock()
		s.ChannelID = *event.VoiceState.ChannelID
		s.channelMu.Unlock()
	}
}

// ===========================
// Session
// ===========================

// VoiceSession owns one guild's queue, driver goroutine, and connection.
type VoiceSession struct {
	GuildID       snowflake.ID
	ChannelID     snowflake.ID
	TextChannelID snowflake.ID
	channelMu     sync.RWMutex

	sys    *VoiceSystem
	conn   VoiceConnection
	player AudioPlayer

	queue        []*Track
	queueMu      sync.Mutex
	queueUpdate  chan struct{}
	current      *Track
	paused       bool
	streamCancel context.CancelFunc
	idleTimer    Timer

	cancelCtx  context.Context
	cancelFunc context.CancelFunc
}

// processQueue is the playback driver: an explicit loop popping the head,
// streaming it, and advancing. A failing head is dropped and the next track
// attempted immediately; one bad track never stalls the rest.
func (s *VoiceSession) processQueue() {
	defer func() {
		if r := recover(); r != nil {
			LogVoice("CRITICAL: processQueue panic recovered: %v", r)
		}
	}()
	for {
		s.queueMu.Lock()
		if len(s.queue) == 0 {
			s.armIdleTimerLocked()
			s.queueMu.Unlock()
			select {
			case <-s.queueUpdate:
				continue
			case <-s.cancelCtx.Done():
				return
			}
		}
		if s.idleTimer != nil {
			s.idleTimer.Stop()
			s.idleTimer = nil
		}
		t := s.queue[0]
		s.queue = s.queue[1:]
		s.current = t
		ctx, cancel := context.WithCancel(s.cancelCtx)
		s.streamCancel = cancel
		s.queueMu.Unlock()

		LogVoice("Playing track: %s (%s) [%s]", t.Info.Title, t.Info.SourceURL, t.Info.DurationString())
		s.notify(fmt.Sprintf("▶️ Now playing: **%s** (%s)", t.Info.Title, t.Info.DurationString()))

		err := s.player.Play(ctx, s.audioConn(), t.Info.SourceURL)
		cancel()

		// The session may have been torn down while streaming.
		if s.cancelCtx.Err() != nil {
			return
		}

		s.queueMu.Lock()
		s.current = nil
		s.streamCancel = nil
		s.queueMu.Unlock()

		if err != nil && !errors.Is(err, context.Canceled) {
			LogVoice("Skipping track %s due to error: %v", t.Info.SourceURL, err)
			s.notify(fmt.Sprintf("⚠️ Skipping **%s**: stream unavailable.", t.Info.Title))
		}
	}
}

// armIdleTimerLocked arms the disconnect window, canceling any previous timer
// first so at most one is ever live. Caller holds queueMu.
func (s *VoiceSession) armIdleTimerLocked() {
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	s.idleTimer = s.sys.scheduler.AfterFunc(s.sys.idleTimeout, func() {
		s.queueMu.Lock()
		stale := len(s.queue) > 0 || s.current != nil || s.cancelCtx.Err() != nil
		s.queueMu.Unlock()
		if stale {
			return
		}
		LogVoice("Idle for %v in guild %s, disconnecting", s.sys.idleTimeout, s.GuildID)
		s.notify("💤 Queue has been empty for a while, disconnecting.")
		s.sys.Leave(context.Background(), s.GuildID)
	})
}

func (s *VoiceSession) audioConn() voice.Conn {
	if s.conn == nil {
		return nil
	}
	return s.conn.AudioConn()
}

func (s *VoiceSession) notify(message string) {
	s.channelMu.RLock()
	channelID := s.TextChannelID
	s.channelMu.RUnlock()
	if s.sys.notify == nil || channelID == 0 {
		return
	}
	s.sys.notify(channelID, message)
}

// SetTextChannel records where status notifications for this session go.
func (s *VoiceSession) SetTextChannel(channelID snowflake.ID) {
	s.channelMu.Lock()
	s.TextChannelID = channelID
	s.channelMu.Unlock()
}

// Skip drops the playing head and lets the driver advance.
func (s *VoiceSession) Skip() (string, error) {
	s.queueMu.Lock()
	if s.current == nil {
		s.queueMu.Unlock()
		return "", errors.New(MsgVoiceNothingPlaying)
	}
	title := s.current.Info.Title
	cancel := s.streamCancel
	s.queueMu.Unlock()

	if cancel != nil {
		cancel()
	}
	return title, nil
}

// SetPaused toggles the player's suspended state without touching the queue.
func (s *VoiceSession) SetPaused(paused bool) {
	s.queueMu.Lock()
	s.paused = paused
	s.queueMu.Unlock()
	s.player.SetPaused(paused)
}

func (s *VoiceSession) Paused() bool {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	return s.paused
}

// Queue returns a snapshot of the current track and pending entries.
func (s *VoiceSession) Queue() (*Track, []*Track) {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	pending := make([]*Track, len(s.queue))
	copy(pending, s.queue)
	return s.current, pending
}

// Stop stops playback immediately and clears the queue.
func (s *VoiceSession) Stop() {
	if s.cancelFunc != nil {
		s.cancelFunc()
	}

	s.queueMu.Lock()
	if s.streamCancel != nil {
		s.streamCancel()
	}
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
	s.queue = nil
	s.current = nil

	select {
	case s.queueUpdate <- struct{}{}:
	default:
	}
	s.queueMu.Unlock()
}

// ===========================
// Commands
// ===========================

func handleVoice(event *events.ApplicationCommandInteractionCreate) {
	data := event.SlashCommandInteractionData()
	if data.SubCommandName == nil {
		return
	}
	switch *data.SubCommandName {
	case "play":
		handleMusicPlay(event, data)
	case "skip":
		handleMusicSkip(event)
	case "stop":
		handleMusicStop(event)
	case "pause":
		handleMusicPause(event, true)
	case "resume":
		handleMusicPause(event, false)
	case "queue":
		handleMusicQueue(event)
	}
}

func handleMusicPlay(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	q := data.String("query")
	LogVoice("User %s (%s) requested playback: %s", event.User().Username, event.User().ID, q)

	_ = event.DeferCreateMessage(false)

	userState, ok := event.Client().Caches.VoiceState(*event.GuildID(), event.User().ID)
	if !ok || userState.ChannelID == nil {
		_ = EditInteractionV2(*event.Client(), event, MsgVoiceNotInChannel)
		return
	}

	vm := VoiceManager
	info, err := vm.resolver.Resolve(AppContext, q)
	if err != nil {
		_ = EditInteractionV2(*event.Client(), event, resolveErrorMessage(err))
		return
	}

	sess, err := vm.Join(AppContext, *event.GuildID(), *userState.ChannelID)
	if err != nil {
		_ = EditInteractionV2(*event.Client(), event, fmt.Sprintf("Failed to join voice: %v", err))
		return
	}
	sess.SetTextChannel(event.Channel().ID())

	pos, err := vm.Enqueue(*event.GuildID(), &Track{Info: *info, Requester: event.User().ID})
	if err != nil {
		_ = EditInteractionV2(*event.Client(), event, fmt.Sprintf("Failed: %v", err))
		return
	}

	if pos <= 1 {
		_ = EditInteractionV2(*event.Client(), event, fmt.Sprintf("▶️ Playing **%s** (%s)", info.Title, info.DurationString()))
	} else {
		_ = EditInteractionV2(*event.Client(), event, fmt.Sprintf("➕ Queued **%s** (%s) at position %d", info.Title, info.DurationString(), pos))
	}
}

// resolveErrorMessage maps resolution errors to the user-facing line.
func resolveErrorMessage(err error) string {
	switch {
	case errors.Is(err, ErrInvalidLink):
		return MsgResolverInvalidLink
	case errors.Is(err, ErrUnsupportedContent):
		return MsgResolverUnsupported
	case errors.Is(err, ErrTrackNotFound):
		return MsgResolverNotFound
	case errors.Is(err, ErrStreamFailed):
		return MsgResolverStreamFailed
	default:
		return fmt.Sprintf("Failed: %v", err)
	}
}

func handleMusicSkip(event *events.ApplicationCommandInteractionCreate) {
	s := VoiceManager.GetSession(*event.GuildID())
	if s == nil {
		_ = RespondInteractionV2(*event.Client(), event, MsgVoiceNotPlaying, true)
		return
	}

	title, err := s.Skip()
	if err != nil {
		_ = RespondInteractionV2(*event.Client(), event, fmt.Sprintf("Failed to skip: %v", err), true)
		return
	}
	LogVoice("User %s (%s) skipped %s in guild %s", event.User().Username, event.User().ID, title, *event.GuildID())
	_ = RespondInteractionV2(*event.Client(), event, fmt.Sprintf("⏭️ Skipped: %s", title), false)
}

func handleMusicStop(event *events.ApplicationCommandInteractionCreate) {
	if VoiceManager.GetSession(*event.GuildID()) == nil {
		_ = RespondInteractionV2(*event.Client(), event, MsgVoiceNotPlaying, true)
		return
	}
	LogVoice("User %s (%s) stopped playback in guild %s", event.User().Username, event.User().ID, *event.GuildID())
	VoiceManager.Leave(context.Background(), *event.GuildID())
	_ = RespondInteractionV2(*event.Client(), event, MsgVoiceStopped, false)
}

func handleMusicPause(event *events.ApplicationCommandInteractionCreate, pause bool) {
	s := VoiceManager.GetSession(*event.GuildID())
	if s == nil {
		_ = RespondInteractionV2(*event.Client(), event, MsgVoiceNotPlaying, true)
		return
	}
	s.SetPaused(pause)
	msg := MsgVoiceResumed
	if pause {
		msg = MsgVoicePaused
	}
	_ = RespondInteractionV2(*event.Client(), event, msg, false)
}

func handleMusicQueue(event *events.ApplicationCommandInteractionCreate) {
	s := VoiceManager.GetSession(*event.GuildID())
	if s == nil {
		_ = RespondInteractionV2(*event.Client(), event, MsgVoiceNotPlaying, true)
		return
	}

	current, pending := s.Queue()

	var b strings.Builder
	if current != nil {
		b.WriteString(fmt.Sprintf("**Now Playing:**\n[%s](%s) (%s)\n\n", current.Info.Title, current.Info.SourceURL, current.Info.DurationString()))
	}
	b.WriteString("**Queue:**\n")
	if len(pending) == 0 {
		b.WriteString(MsgVoiceQueueEmpty)
	} else {
		for i, t := range pending {
			if i >= 10 {
				b.WriteString(fmt.Sprintf("*...and %d more*", len(pending)-10))
				break
			}
			b.WriteString(fmt.Sprintf("`%d.` [%s](%s)\n", i+1, t.Info.Title, t.Info.SourceURL))
		}
	}
	_ = RespondInteractionV2(*event.Client(), event, b.String(), true)
}

func handleMusicAutocomplete(event *events.AutocompleteInteractionCreate) {
	f := event.Data.Focused()
	if f.Name != "query" {
		return
	}
	q := f.String()
	if q == "" || strings.Contains(q, "http") || VoiceManager == nil {
		_ = event.AutocompleteResult(nil)
		return
	}
	rs, err := VoiceManager.searcher.Search(q)
	if err != nil {
		_ = event.AutocompleteResult(nil)
		return
	}
	var cs []discord.AutocompleteChoice
	for i, r := range rs {
		if i >= 25 {
			break
		}
		n := r.Title
		if len(n) > 100 {
			n = n[:97] + "..."
		}
		v := r.URL
		if len(v) > 100 {
			v = r.Title
			if len(v) > 100 {
				v = v[:100]
			}
		}
		cs = append(cs, discord.AutocompleteChoiceString{Name: n, Value: v})
	}
	_ = event.AutocompleteResult(cs)
}
