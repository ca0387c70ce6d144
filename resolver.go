package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/lrstanley/go-ytdlp"
	"github.com/ppalone/ytsearch"
	"github.com/raitonoberu/ytmusic"
)

// ============================================================================
// Resolver
// ============================================================================

const (
	MsgResolverInvalidLink   = "That doesn't look like a playable link."
	MsgResolverUnsupported   = "Playlists and channel links aren't supported. Give me a single track."
	MsgResolverNotFound      = "No results found for that search."
	MsgResolverStreamFailed  = "Couldn't open that track's audio stream."
	MsgResolverMetadataFail  = "yt-dlp metadata failed: %v, stderr: %s (URL: %s)"
	CanonicalWatchURLPrefix  = "https://www.youtube.com/watch?v="
	CanonicalYTMusicPrefix   = "https://music.youtube.com/watch?v="
	UnknownDurationSentinel  = "?"
)

var (
	ErrInvalidLink        = errors.New("invalid link")
	ErrUnsupportedContent = errors.New("unsupported content")
	ErrTrackNotFound      = errors.New("not found")
	ErrStreamFailed       = errors.New("stream acquisition failed")
)

var (
	cachedJSArgs []string
	jsOnce       sync.Once
)

// TrackInfo is the immutable result of resolving a user query. SourceURL is
// always the canonical resolved URL, never the raw user input.
type TrackInfo struct {
	Title     string
	SourceURL string
	Duration  time.Duration
}

func (t TrackInfo) DurationString() string {
	return FormatDuration(t.Duration)
}

// NormalizeWatchURL maps the YouTube URL shapes we accept (watch, shorts,
// youtu.be, embed, music.youtube) to a canonical watch URL. Returns "" when
// no video ID can be extracted; it never panics on garbage input.
func NormalizeWatchURL(raw string) string {
	// 1. Shorts
	if strings.Contains(raw, "shorts/") {
		return canonicalize(segmentAfter(raw, "shorts/"))
	}

	// 2. Short-link domain
	if strings.Contains(raw, "youtu.be/") {
		return canonicalize(segmentAfter(raw, "youtu.be/"))
	}

	// 3. Embeds
	if strings.Contains(raw, "embed/") {
		return canonicalize(segmentAfter(raw, "embed/"))
	}

	// 4. Plain watch links
	if strings.Contains(raw, "watch?v=") {
		id := raw[strings.Index(raw, "watch?v=")+len("watch?v="):]
		if amp := strings.IndexAny(id, "&#"); amp >= 0 {
			id = id[:amp]
		}
		return canonicalize(id)
	}

	// 5. / 6. Anything else that still carries a v query parameter
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return canonicalize(u.Query().Get("v"))
}

// segmentAfter returns the path segment following marker, cut at the first
// query or path delimiter.
func segmentAfter(raw, marker string) string {
	parts := strings.SplitN(raw, marker, 2)
	if len(parts) < 2 {
		return ""
	}
	seg := parts[1]
	if i := strings.IndexAny(seg, "?&/#"); i >= 0 {
		seg = seg[:i]
	}
	return seg
}

func canonicalize(id string) string {
	if id == "" {
		return ""
	}
	return CanonicalWatchURLPrefix + id
}

// looksLikeURL decides whether a play query should go through the normalizer
// or be treated as free-text search.
func looksLikeURL(q string) bool {
	return strings.HasPrefix(q, "http://") || strings.HasPrefix(q, "https://") ||
		strings.HasPrefix(q, "www.") || strings.Contains(q, "youtube.com/") ||
		strings.Contains(q, "youtu.be/")
}

// looksLikePlaylist catches list-only URLs (no extractable video ID) so they
// are rejected as unsupported instead of merely invalid.
func looksLikePlaylist(q string) bool {
	return strings.Contains(q, "list=") || strings.Contains(q, "/playlist")
}

// TrackMetadata is what a provider knows about a single video.
type TrackMetadata struct {
	URL        string
	Title      string
	Uploader   string
	Duration   time.Duration
	IsPlaylist bool
}

type MetadataProvider interface {
	Lookup(ctx context.Context, canonicalURL string) (*TrackMetadata, error)
}

type SearchProvider interface {
	SearchTop(ctx context.Context, query string) (*TrackMetadata, error)
}

// TrackResolver turns a raw play query (URL or free text) into a TrackInfo,
// or one of the sentinel resolution errors. Providers get exactly one
// attempt; persistent provider failure surfaces as an error, never a panic.
type TrackResolver struct {
	metadata MetadataProvider
	search   SearchProvider
}

func NewTrackResolver(metadata MetadataProvider, search SearchProvider) *TrackResolver {
	return &TrackResolver{metadata: metadata, search: search}
}

func (r *TrackResolver) Resolve(ctx context.Context, query string) (*TrackInfo, error) {
	query = strings.TrimSpace(query)

	if looksLikeURL(query) {
		canonical := NormalizeWatchURL(query)
		if canonical == "" {
			if looksLikePlaylist(query) {
				return nil, ErrUnsupportedContent
			}
			return nil, ErrInvalidLink
		}

		meta, err := r.metadata.Lookup(ctx, canonical)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTrackNotFound, err)
		}
		if meta.IsPlaylist {
			return nil, ErrUnsupportedContent
		}
		return &TrackInfo{Title: meta.Title, SourceURL: canonical, Duration: meta.Duration}, nil
	}

	meta, err := r.search.SearchTop(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTrackNotFound, err)
	}
	if meta == nil {
		return nil, ErrTrackNotFound
	}
	return &TrackInfo{Title: meta.Title, SourceURL: meta.URL, Duration: meta.Duration}, nil
}

// ============================================================================
// yt-dlp metadata provider
// ============================================================================

func newYtdlp() *ytdlp.Command {
	cmd := ytdlp.New().
		Quiet().
		NoWarnings()

	if proxy := os.Getenv(EnvYoutubeProxy); proxy != "" {
		cmd.Proxy(proxy)
	}

	return cmd
}

// buildYtdlpArgs returns common args for yt-dlp commands
func buildYtdlpArgs() []string {
	jsOnce.Do(func() {
		for _, rt := range []string{"node", "deno", "quickjs"} {
			if path, err := exec.LookPath(rt); err == nil {
				cachedJSArgs = append(cachedJSArgs, "--js-runtimes", rt+":"+path)
				break
			}
		}
	})

	args := append([]string(nil), cachedJSArgs...)
	args = append(args,
		"--no-playlist",
		"--no-check-certificates",
		"--no-warnings",
		"--extractor-args", "youtube:player_client=android,web",
		"--prefer-free-formats",
		"--socket-timeout", "30",
		"--retries", "20",
		"--fragment-retries", "20",
	)
	return args
}

type ytdlpMetadataProvider struct{}

func NewYtdlpMetadataProvider() MetadataProvider {
	return ytdlpMetadataProvider{}
}

func (ytdlpMetadataProvider) Lookup(ctx context.Context, u string) (*TrackMetadata, error) {
	u = strings.Replace(u, "music.youtube.com", "www.youtube.com", 1)

	cmd := newYtdlp()

	args := buildYtdlpArgs()
	args = append(args, "-f", "bestaudio[ext=webm]/bestaudio[ext=m4a]/bestaudio/best")
	res, err := cmd.
		Print("%(url)s\t%(title)s\t%(uploader)s\t%(duration)s\t%(id)s").
		NoWarnings().
		IgnoreConfig().
		Run(ctx, append(args, "--skip-download", u)...)

	if err != nil {
		if res != nil {
			LogVoice(MsgResolverMetadataFail, err, res.Stderr, u)
		}
		return nil, err
	}

	ls := strings.Split(strings.TrimSpace(res.Stdout), "\n")
	for _, l := range ls {
		ps := strings.Split(l, "\t")
		if len(ps) < 5 {
			continue
		}
		d, _ := time.ParseDuration(ps[3] + "s")
		return &TrackMetadata{URL: ps[0], Title: ps[1], Uploader: ps[2], Duration: d}, nil
	}
	return nil, errors.New("failed to parse metadata")
}

// ============================================================================
// Search
// ============================================================================

type SearchResult struct {
	URL   string
	Title string
}

type QueryCache struct {
	sync.RWMutex
	items map[string]cachedItem
}

type cachedItem struct {
	results   []SearchResult
	expiresAt time.Time
}

// youtubeSearchProvider fans a query out to YouTube Music and plain YouTube
// search in parallel, dedupes by video ID, and caches results for an hour.
type youtubeSearchProvider struct {
	cache *QueryCache
}

func NewYoutubeSearchProvider() *youtubeSearchProvider {
	return &youtubeSearchProvider{
		cache: &QueryCache{items: make(map[string]cachedItem)},
	}
}

// StartCacheGC sweeps expired search entries every 10 minutes until ctx ends.
func (p *youtubeSearchProvider) StartCacheGC(ctx context.Context) {
	safeGo(func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				now := time.Now()
				p.cache.Lock()
				for k, v := range p.cache.items {
					if now.After(v.expiresAt) {
						delete(p.cache.items, k)
					}
				}
				p.cache.Unlock()
			}
		}
	})
}

func (p *youtubeSearchProvider) SearchTop(ctx context.Context, query string) (*TrackMetadata, error) {
	results, err := p.Search(query)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, nil
	}
	return &TrackMetadata{URL: results[0].URL, Title: results[0].Title}, nil
}

func (p *youtubeSearchProvider) Search(q string) ([]SearchResult, error) {
	// 1. Check Cache
	p.cache.RLock()
	if item, ok := p.cache.items[q]; ok {
		if time.Now().Before(item.expiresAt) {
			p.cache.RUnlock()
			return item.results, nil
		}
	}
	p.cache.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2600*time.Millisecond)
	defer cancel()
	resMu := sync.Mutex{}
	var ytm, yt []SearchResult
	seen := make(map[string]bool)
	wg := sync.WaitGroup{}
	wg.Add(2)
	go func() {
		defer wg.Done()
		s := ytmusic.TrackSearch(q)
		r, _ := s.Next()
		for _, v := range r.Tracks {
			if v.VideoID == "" {
				continue
			}
			art := ""
			if len(v.Artists) > 0 {
				art = " - " + v.Artists[0].Name
			}
			resMu.Lock()
			if !seen[v.VideoID] {
				seen[v.VideoID] = true
				ytm = append(ytm, SearchResult{URL: CanonicalWatchURLPrefix + v.VideoID, Title: TruncateWithPreserve(v.Title, 100, "[YTM] ", art)})
			}
			resMu.Unlock()
		}
	}()
	go func() {
		defer wg.Done()
		c := ytsearch.NewClient(nil)
		r, _ := c.Search(ctx, q)
		for _, v := range r.Results {
			resMu.Lock()
			if !seen[v.VideoID] {
				seen[v.VideoID] = true
				yt = append(yt, SearchResult{URL: CanonicalWatchURLPrefix + v.VideoID, Title: TruncateWithPreserve(v.Title, 100, "[YT] ", "")})
			}
			resMu.Unlock()
		}
	}()
	d := make(chan struct{})
	go func() {
		wg.Wait()
		close(d)
	}()
	select {
	case <-d:
	case <-time.After(2300 * time.Millisecond):
	}
	resMu.Lock()
	defer resMu.Unlock()
	fin := append(ytm, yt...)
	if len(fin) > 25 {
		fin = fin[:25]
	}

	// 2. Update Cache (TTL 1 hour)
	if len(fin) > 0 {
		p.cache.Lock()
		p.cache.items[q] = cachedItem{results: fin, expiresAt: time.Now().Add(1 * time.Hour)}
		p.cache.Unlock()
	}

	return fin, nil
}
