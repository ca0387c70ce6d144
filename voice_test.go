package main

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/disgoorg/disgo/voice"
	"github.com/disgoorg/snowflake/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ===========================
// Fakes
// ===========================

type fakeVoiceConn struct {
	closes atomic.Int32
}

func (c *fakeVoiceConn) Close(ctx context.Context) { c.closes.Add(1) }
func (c *fakeVoiceConn) AudioConn() voice.Conn     { return nil }

type fakeConnector struct {
	mu    sync.Mutex
	conns []*fakeVoiceConn
	err   error
}

func (f *fakeConnector) Connect(ctx context.Context, guildID, channelID snowflake.ID) (VoiceConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	c := &fakeVoiceConn{}
	f.conns = append(f.conns, c)
	return c, nil
}

func (f *fakeConnector) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

func (f *fakeConnector) lastConn() *fakeVoiceConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.conns) == 0 {
		return nil
	}
	return f.conns[len(f.conns)-1]
}

type playRequest struct {
	url     string
	release chan error
}

// fakePlayer reports each playback start on plays and blocks until the test
// releases it or the stream context is canceled.
type fakePlayer struct {
	mu       sync.Mutex
	failures map[string]error
	paused   bool
	plays    chan playRequest
}

func newFakePlayer() *fakePlayer {
	return &fakePlayer{
		failures: make(map[string]error),
		plays:    make(chan playRequest, 16),
	}
}

func (p *fakePlayer) Play(ctx context.Context, conn voice.Conn, sourceURL string) error {
	p.mu.Lock()
	err := p.failures[sourceURL]
	p.mu.Unlock()
	if err != nil {
		return err
	}

	req := playRequest{url: sourceURL, release: make(chan error, 1)}
	p.plays <- req
	select {
	case e := <-req.release:
		return e
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *fakePlayer) SetPaused(paused bool) {
	p.mu.Lock()
	p.paused = paused
	p.mu.Unlock()
}

type fakeTimer struct {
	mu      sync.Mutex
	f       func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	was := !t.stopped
	t.stopped = true
	return was
}

func (t *fakeTimer) fire() {
	t.mu.Lock()
	stopped := t.stopped
	f := t.f
	t.mu.Unlock()
	if !stopped {
		f()
	}
}

func (t *fakeTimer) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

type fakeScheduler struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (s *fakeScheduler) AfterFunc(d time.Duration, f func()) Timer {
	t := &fakeTimer{f: f}
	s.mu.Lock()
	s.timers = append(s.timers, t)
	s.mu.Unlock()
	return t
}

func (s *fakeScheduler) timerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// liveTimer returns the most recently armed timer that has not been stopped.
func (s *fakeScheduler) liveTimer() *fakeTimer {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.timers) - 1; i >= 0; i-- {
		s.timers[i].mu.Lock()
		stopped := s.timers[i].stopped
		s.timers[i].mu.Unlock()
		if !stopped {
			return s.timers[i]
		}
	}
	return nil
}

type notifyRecorder struct {
	mu   sync.Mutex
	msgs []string
}

func (r *notifyRecorder) fn(channelID snowflake.ID, message string) {
	r.mu.Lock()
	r.msgs = append(r.msgs, message)
	r.mu.Unlock()
}

func (r *notifyRecorder) contains(substr string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.msgs {
		if strings.Contains(m, substr) {
			return true
		}
	}
	return false
}

func newTestVoiceSystem() (*VoiceSystem, *fakeConnector, *fakePlayer, *fakeScheduler, *notifyRecorder) {
	connector := &fakeConnector{}
	player := newFakePlayer()
	sched := &fakeScheduler{}
	rec := &notifyRecorder{}
	vs := NewVoiceSystem(connector, func() AudioPlayer { return player }, nil, sched, rec.fn, 2*time.Minute)
	return vs, connector, player, sched, rec
}

func awaitPlay(t *testing.T, p *fakePlayer) playRequest {
	t.Helper()
	select {
	case req := <-p.plays:
		return req
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for playback to start")
		return playRequest{}
	}
}

func testTrack(url, title string) *Track {
	return &Track{Info: TrackInfo{Title: title, SourceURL: url, Duration: 3 * time.Minute}}
}

// ===========================
// Tests
// ===========================

func TestVoiceJoinReusesSession(t *testing.T) {
	vs, connector, _, _, _ := newTestVoiceSystem()
	guild := snowflake.ID(100)

	s1, err := vs.Join(context.Background(), guild, snowflake.ID(200))
	require.NoError(t, err)
	s2, err := vs.Join(context.Background(), guild, snowflake.ID(201))
	require.NoError(t, err)

	assert.Same(t, s1, s2)
	assert.Equal(t, 1, connector.connectCount())
	assert.Equal(t, snowflake.ID(201), s2.ChannelID)

	vs.Leave(context.Background(), guild)
}

func TestVoiceJoinConnectFailure(t *testing.T) {
	vs, connector, _, _, _ := newTestVoiceSystem()
	connector.err = errors.New("gateway unreachable")

	_, err := vs.Join(context.Background(), snowflake.ID(100), snowflake.ID(200))
	require.Error(t, err)
	assert.Nil(t, vs.GetSession(snowflake.ID(100)))
}

func TestVoiceEnqueueWithoutSession(t *testing.T) {
	vs, _, _, _, _ := newTestVoiceSystem()

	_, err := vs.Enqueue(snowflake.ID(100), testTrack("https://www.youtube.com/watch?v=a", "A"))
	assert.Error(t, err)
}

func TestVoicePlaybackFlow(t *testing.T) {
	vs, connector, player, sched, rec := newTestVoiceSystem()
	guild := snowflake.ID(100)

	resolver := NewTrackResolver(&fakeMetadataProvider{meta: &TrackMetadata{Title: "Test Song", Duration: 3 * time.Minute}}, &fakeSearchProvider{})
	info, err := resolver.Resolve(context.Background(), "https://youtu.be/abc123")
	require.NoError(t, err)

	sess, err := vs.Join(context.Background(), guild, snowflake.ID(200))
	require.NoError(t, err)
	sess.SetTextChannel(snowflake.ID(300))

	pos, err := vs.Enqueue(guild, &Track{Info: *info})
	require.NoError(t, err)
	assert.Equal(t, 1, pos)

	req := awaitPlay(t, player)
	assert.Equal(t, "https://www.youtube.com/watch?v=abc123", req.url)
	require.Eventually(t, func() bool { return rec.contains("Now playing") }, 2*time.Second, 10*time.Millisecond)

	req.release <- nil

	// Queue drains, idle window arms, then fires and tears the session down.
	require.Eventually(t, func() bool { return sched.liveTimer() != nil }, 2*time.Second, 10*time.Millisecond)
	sched.liveTimer().fire()

	require.Eventually(t, func() bool { return vs.GetSession(guild) == nil }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), connector.lastConn().closes.Load())
}

func TestVoiceSkipOnErrorContinues(t *testing.T) {
	vs, _, player, _, rec := newTestVoiceSystem()
	guild := snowflake.ID(100)
	player.failures["https://www.youtube.com/watch?v=bad"] = errors.New("403 forbidden")

	sess, err := vs.Join(context.Background(), guild, snowflake.ID(200))
	require.NoError(t, err)
	sess.SetTextChannel(snowflake.ID(300))

	_, err = vs.Enqueue(guild, testTrack("https://www.youtube.com/watch?v=bad", "Bad"))
	require.NoError(t, err)
	_, err = vs.Enqueue(guild, testTrack("https://www.youtube.com/watch?v=good", "Good"))
	require.NoError(t, err)

	// The failing head is dropped and the next track starts.
	req := awaitPlay(t, player)
	assert.Equal(t, "https://www.youtube.com/watch?v=good", req.url)
	assert.True(t, rec.contains("Skipping **Bad**"))

	req.release <- nil
	vs.Leave(context.Background(), guild)
}

func TestVoiceSkipAdvancesQueue(t *testing.T) {
	vs, _, player, _, _ := newTestVoiceSystem()
	guild := snowflake.ID(100)

	_, err := vs.Join(context.Background(), guild, snowflake.ID(200))
	require.NoError(t, err)

	_, err = vs.Enqueue(guild, testTrack("https://www.youtube.com/watch?v=one", "One"))
	require.NoError(t, err)
	_, err = vs.Enqueue(guild, testTrack("https://www.youtube.com/watch?v=two", "Two"))
	require.NoError(t, err)

	first := awaitPlay(t, player)
	assert.Equal(t, "https://www.youtube.com/watch?v=one", first.url)

	sess := vs.GetSession(guild)
	require.NotNil(t, sess)
	title, err := sess.Skip()
	require.NoError(t, err)
	assert.Equal(t, "One", title)

	second := awaitPlay(t, player)
	assert.Equal(t, "https://www.youtube.com/watch?v=two", second.url)

	second.release <- nil
	vs.Leave(context.Background(), guild)
}

func TestVoiceSkipNothingPlaying(t *testing.T) {
	vs, _, _, _, _ := newTestVoiceSystem()
	guild := snowflake.ID(100)

	sess, err := vs.Join(context.Background(), guild, snowflake.ID(200))
	require.NoError(t, err)

	_, err = sess.Skip()
	require.Error(t, err)
	assert.Equal(t, MsgVoiceNothingPlaying, err.Error())

	vs.Leave(context.Background(), guild)
}

func TestVoiceIdleTimerCanceledByEnqueue(t *testing.T) {
	vs, _, player, sched, _ := newTestVoiceSystem()
	guild := snowflake.ID(100)

	_, err := vs.Join(context.Background(), guild, snowflake.ID(200))
	require.NoError(t, err)

	// Empty queue arms the idle window.
	require.Eventually(t, func() bool { return sched.liveTimer() != nil }, 2*time.Second, 10*time.Millisecond)
	armed := sched.liveTimer()

	_, err = vs.Enqueue(guild, testTrack("https://www.youtube.com/watch?v=one", "One"))
	require.NoError(t, err)
	assert.True(t, armed.isStopped())

	req := awaitPlay(t, player)

	// Firing the stale handle is harmless even mid-playback.
	armed.fire()
	assert.NotNil(t, vs.GetSession(guild))

	req.release <- nil
	vs.Leave(context.Background(), guild)
}

func TestVoiceIdleTimerRearmsAfterEachDrain(t *testing.T) {
	vs, _, player, sched, _ := newTestVoiceSystem()
	guild := snowflake.ID(100)

	_, err := vs.Join(context.Background(), guild, snowflake.ID(200))
	require.NoError(t, err)

	_, err = vs.Enqueue(guild, testTrack("https://www.youtube.com/watch?v=one", "One"))
	require.NoError(t, err)
	req := awaitPlay(t, player)
	req.release <- nil

	require.Eventually(t, func() bool { return sched.liveTimer() != nil }, 2*time.Second, 10*time.Millisecond)

	// Never more than one live timer regardless of how many times we drained.
	sched.mu.Lock()
	timers := append([]*fakeTimer(nil), sched.timers...)
	sched.mu.Unlock()
	live := 0
	for _, tm := range timers {
		if !tm.isStopped() {
			live++
		}
	}
	assert.Equal(t, 1, live)

	vs.Leave(context.Background(), guild)
}

func TestVoiceIdleDisconnect(t *testing.T) {
	vs, connector, _, sched, rec := newTestVoiceSystem()
	guild := snowflake.ID(100)

	sess, err := vs.Join(context.Background(), guild, snowflake.ID(200))
	require.NoError(t, err)
	sess.SetTextChannel(snowflake.ID(300))

	require.Eventually(t, func() bool { return sched.liveTimer() != nil }, 2*time.Second, 10*time.Millisecond)
	sched.liveTimer().fire()

	require.Eventually(t, func() bool { return vs.GetSession(guild) == nil }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), connector.lastConn().closes.Load())
	assert.True(t, rec.contains("disconnecting"))
}

func TestVoiceStopTearsDownImmediately(t *testing.T) {
	vs, connector, player, _, rec := newTestVoiceSystem()
	guild := snowflake.ID(100)

	sess, err := vs.Join(context.Background(), guild, snowflake.ID(200))
	require.NoError(t, err)
	sess.SetTextChannel(snowflake.ID(300))

	_, err = vs.Enqueue(guild, testTrack("https://www.youtube.com/watch?v=one", "One"))
	require.NoError(t, err)
	_, err = vs.Enqueue(guild, testTrack("https://www.youtube.com/watch?v=two", "Two"))
	require.NoError(t, err)

	awaitPlay(t, player)
	vs.Leave(context.Background(), guild)

	assert.Nil(t, vs.GetSession(guild))
	assert.Equal(t, int32(1), connector.lastConn().closes.Load())

	// The driver saw teardown mid-stream and must not report a skip.
	time.Sleep(50 * time.Millisecond)
	assert.False(t, rec.contains("stream unavailable"))
}

func TestVoiceQueueSnapshotAndPositions(t *testing.T) {
	vs, _, player, _, _ := newTestVoiceSystem()
	guild := snowflake.ID(100)

	sess, err := vs.Join(context.Background(), guild, snowflake.ID(200))
	require.NoError(t, err)

	pos, err := vs.Enqueue(guild, testTrack("https://www.youtube.com/watch?v=one", "One"))
	require.NoError(t, err)
	assert.Equal(t, 1, pos)

	req := awaitPlay(t, player)

	pos, err = vs.Enqueue(guild, testTrack("https://www.youtube.com/watch?v=two", "Two"))
	require.NoError(t, err)
	assert.Equal(t, 2, pos)

	current, pending := sess.Queue()
	require.NotNil(t, current)
	assert.Equal(t, "One", current.Info.Title)
	require.Len(t, pending, 1)
	assert.Equal(t, "Two", pending[0].Info.Title)

	req.release <- nil
	vs.Leave(context.Background(), guild)
}

func TestVoicePauseToggle(t *testing.T) {
	vs, _, player, _, _ := newTestVoiceSystem()
	guild := snowflake.ID(100)

	sess, err := vs.Join(context.Background(), guild, snowflake.ID(200))
	require.NoError(t, err)

	sess.SetPaused(true)
	assert.True(t, sess.Paused())
	player.mu.Lock()
	assert.True(t, player.paused)
	player.mu.Unlock()

	sess.SetPaused(false)
	assert.False(t, sess.Paused())

	vs.Leave(context.Background(), guild)
}

func TestVoiceShutdownClosesAllSessions(t *testing.T) {
	vs, connector, _, _, _ := newTestVoiceSystem()

	_, err := vs.Join(context.Background(), snowflake.ID(100), snowflake.ID(200))
	require.NoError(t, err)
	_, err = vs.Join(context.Background(), snowflake.ID(101), snowflake.ID(201))
	require.NoError(t, err)

	vs.Shutdown(context.Background())

	assert.Nil(t, vs.GetSession(snowflake.ID(100)))
	assert.Nil(t, vs.GetSession(snowflake.ID(101)))
	connector.mu.Lock()
	for _, c := range connector.conns {
		assert.Equal(t, int32(1), c.closes.Load())
	}
	connector.mu.Unlock()
}
