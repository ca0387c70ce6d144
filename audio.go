package main

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/disgoorg/disgo/voice"
)

// ============================================================================
// Audio
// ============================================================================

const (
	MsgAudioStreamURLFail   = "yt-dlp stream URL failed: %v, stderr: %s (URL: %s)"
	MsgAudioStdoutPipeFail  = "Stdout pipe error: %v"
	MsgAudioFFmpegStartFail = "FFmpeg start error: %v"
	MsgAudioFFmpegLine      = "FFmpeg: %s"
)

var OpusSilence = []byte{0xf8, 0xff, 0xfe}

// AudioPlayer binds a resolved source URL to a voice connection and blocks
// until the track finishes, the stream dies, or ctx is canceled.
type AudioPlayer interface {
	Play(ctx context.Context, conn voice.Conn, sourceURL string) error
	SetPaused(paused bool)
}

// ffmpegPlayer resolves the direct media URL with yt-dlp, then transcodes it
// to Ogg/Opus through an ffmpeg subprocess feeding a StreamProvider.
type ffmpegPlayer struct {
	mu       sync.Mutex
	cmd      *exec.Cmd
	provider *StreamProvider
}

func NewFFmpegPlayer() AudioPlayer {
	return &ffmpegPlayer{}
}

func (p *ffmpegPlayer) SetPaused(paused bool) {
	p.mu.Lock()
	provider := p.provider
	p.mu.Unlock()
	if provider != nil {
		provider.SetPaused(paused)
	}
}

func (p *ffmpegPlayer) Play(ctx context.Context, conn voice.Conn, sourceURL string) error {
	directURL, err := ytdlpStreamURL(ctx, sourceURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStreamFailed, err)
	}

	args := []string{
		"-i", directURL,
		"-map", "0:a",
		"-acodec", "libopus",
		"-b:a", "128k",
		"-vbr", "on",
		"-compression_level", "10",
		"-analyzeduration", "0",
		"-probesize", "32",
		"-f", "opus",
		"pipe:1",
	}

	if strings.HasPrefix(directURL, "http") {
		// Optimize input for network streams
		args = append([]string{
			"-reconnect", "1",
			"-reconnect_at_eof", "1",
			"-reconnect_streamed", "1",
			"-reconnect_delay_max", "2",
			"-user_agent", "Mozilla/5.0",
			"-fflags", "nobuffer",
			"-flags", "low_delay",
		}, args...)
	}

	ffmpegCmd := exec.CommandContext(ctx, "ffmpeg", args...)

	stdout, err := ffmpegCmd.StdoutPipe()
	if err != nil {
		LogVoice(MsgAudioStdoutPipeFail, err)
		return fmt.Errorf("%w: %v", ErrStreamFailed, err)
	}

	stderr, _ := ffmpegCmd.StderrPipe()

	if err := ffmpegCmd.Start(); err != nil {
		LogVoice(MsgAudioFFmpegStartFail, err)
		return fmt.Errorf("%w: %v", ErrStreamFailed, err)
	}

	safeGo(func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			LogVoice(MsgAudioFFmpegLine, scanner.Text())
		}
	})

	provider := NewStreamProvider(stdout)
	done := make(chan struct{})
	provider.OnFinish = func() {
		close(done)
	}

	p.mu.Lock()
	p.cmd = ffmpegCmd
	p.provider = provider
	p.mu.Unlock()

	conn.SetOpusFrameProvider(provider)
	conn.SetSpeaking(ctx, voice.SpeakingFlagMicrophone)

	var cause error
	select {
	case <-done:
		time.Sleep(100 * time.Millisecond)
	case <-ctx.Done():
		cause = ctx.Err()
	}

	_ = ffmpegCmd.Process.Kill()
	_ = ffmpegCmd.Wait()

	conn.SetOpusFrameProvider(nil)
	conn.SetSpeaking(context.TODO(), 0)

	p.mu.Lock()
	p.cmd = nil
	p.provider = nil
	p.mu.Unlock()

	return cause
}

// ytdlpStreamURL resolves the expiring direct media URL for a watch URL right
// before playback starts.
func ytdlpStreamURL(ctx context.Context, u string) (string, error) {
	u = strings.Replace(u, "music.youtube.com", "www.youtube.com", 1)

	cmd := newYtdlp()

	args := buildYtdlpArgs()
	args = append(args, "-f", "bestaudio[ext=webm]/bestaudio[ext=m4a]/bestaudio/best")
	res, err := cmd.
		Print("%(url)s").
		NoWarnings().
		IgnoreConfig().
		Run(ctx, append(args, "--skip-download", u)...)

	if err != nil {
		if res != nil {
			LogVoice(MsgAudioStreamURLFail, err, res.Stderr, u)
		}
		return "", err
	}

	for _, l := range strings.Split(strings.TrimSpace(res.Stdout), "\n") {
		if l = strings.TrimSpace(l); l != "" {
			return l, nil
		}
	}
	return "", errors.New("no stream URL returned")
}

// ============================================================================
// Low-level audio provider
// ============================================================================

// StreamProvider implements voice.OpusFrameProvider to parse Ogg/Opus packets.
type StreamProvider struct {
	reader    *bufio.Reader
	header    []byte
	segBuf    []byte
	packetBuf bytes.Buffer
	queue     [][]byte
	paused    atomic.Bool
	OnFinish  func()
	once      sync.Once
}

func NewStreamProvider(r io.Reader) *StreamProvider {
	return &StreamProvider{
		reader: bufio.NewReaderSize(r, 16384),
		header: make([]byte, 27),
		segBuf: make([]byte, 255),
	}
}

func (p *StreamProvider) SetPaused(paused bool) {
	p.paused.Store(paused)
}

func (p *StreamProvider) Close() {
	// No-op
}

func (p *StreamProvider) triggerFinish() {
	p.once.Do(func() {
		if p.OnFinish != nil {
			p.OnFinish()
		}
	})
}

// ProvideOpusFrame parses the next Opus packet from the Ogg stream.
func (p *StreamProvider) ProvideOpusFrame() ([]byte, error) {
	if p.paused.Load() {
		return OpusSilence, nil
	}

	// 1. Return queued packets if any
	if len(p.queue) > 0 {
		frame := p.queue[0]
		p.queue = p.queue[1:]
		return frame, nil
	}

scanLoop:
	for {
		sig, err := p.reader.Peek(4)
		if err != nil {
			p.triggerFinish()
			return nil, err
		}

		if string(sig) == "OggS" {
			_, err := io.ReadFull(p.reader, p.header)
			if err != nil {
				p.triggerFinish()
				return nil, err
			}
		} else {
			_, _ = p.reader.Discard(1)
			continue scanLoop
		}

		numSegs := int(p.header[26])
		segTable := p.segBuf[:numSegs]
		if _, err := io.ReadFull(p.reader, segTable); err != nil {
			p.triggerFinish()
			return nil, err
		}

		for _, segLen := range segTable {
			l := int(segLen)
			_, err := io.CopyN(&p.packetBuf, p.reader, int64(l))
			if err != nil {
				p.triggerFinish()
				return nil, err
			}

			if l < 255 {
				payload := p.packetBuf.Bytes()
				frame := make([]byte, len(payload))
				copy(frame, payload)
				p.packetBuf.Reset()

				// Skip Metadata packets (OpusHead/OpusTags).
				if len(frame) > 8 && (string(frame[:8]) == "OpusHead" || string(frame[:8]) == "OpusTags") {
					continue
				}

				p.queue = append(p.queue, frame)
			}
		}

		// If we found any frames in this page, return the first one.
		if len(p.queue) > 0 {
			frame := p.queue[0]
			p.queue = p.queue[1:]
			return frame, nil
		}
	}
}
