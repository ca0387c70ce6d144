package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeWatchURL(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain watch", "https://www.youtube.com/watch?v=dQw4w9WgXcQ", "https://www.youtube.com/watch?v=dQw4w9WgXcQ"},
		{"watch with extra params", "https://www.youtube.com/watch?v=dQw4w9WgXcQ&t=42s", "https://www.youtube.com/watch?v=dQw4w9WgXcQ"},
		{"watch with list param", "https://www.youtube.com/watch?v=dQw4w9WgXcQ&list=PL123", "https://www.youtube.com/watch?v=dQw4w9WgXcQ"},
		{"shorts", "https://www.youtube.com/shorts/dQw4w9WgXcQ", "https://www.youtube.com/watch?v=dQw4w9WgXcQ"},
		{"shorts with query", "https://www.youtube.com/shorts/dQw4w9WgXcQ?feature=share", "https://www.youtube.com/watch?v=dQw4w9WgXcQ"},
		{"short link", "https://youtu.be/dQw4w9WgXcQ", "https://www.youtube.com/watch?v=dQw4w9WgXcQ"},
		{"short link with query", "https://youtu.be/dQw4w9WgXcQ?si=xyz", "https://www.youtube.com/watch?v=dQw4w9WgXcQ"},
		{"embed", "https://www.youtube.com/embed/dQw4w9WgXcQ", "https://www.youtube.com/watch?v=dQw4w9WgXcQ"},
		{"music watch", "https://music.youtube.com/watch?v=dQw4w9WgXcQ&si=abc", "https://www.youtube.com/watch?v=dQw4w9WgXcQ"},
		{"generic v param", "https://www.youtube.com/some/path?a=1&v=dQw4w9WgXcQ", "https://www.youtube.com/watch?v=dQw4w9WgXcQ"},
		{"no id", "https://www.youtube.com/feed/subscriptions", ""},
		{"playlist only", "https://www.youtube.com/playlist?list=PL123", ""},
		{"bare domain", "https://www.youtube.com", ""},
		{"not youtube", "https://example.com/watch", ""},
		{"garbage", "://///%%%", ""},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeWatchURL(tt.in))
		})
	}
}

func TestNormalizeWatchURLSameID(t *testing.T) {
	shapes := []string{
		"https://www.youtube.com/watch?v=abc123",
		"https://www.youtube.com/shorts/abc123",
		"https://youtu.be/abc123",
		"https://www.youtube.com/embed/abc123",
		"https://music.youtube.com/watch?v=abc123",
	}
	for _, s := range shapes {
		assert.Equal(t, "https://www.youtube.com/watch?v=abc123", NormalizeWatchURL(s), s)
	}
}

type fakeMetadataProvider struct {
	meta    *TrackMetadata
	err     error
	lastURL string
}

func (f *fakeMetadataProvider) Lookup(ctx context.Context, u string) (*TrackMetadata, error) {
	f.lastURL = u
	return f.meta, f.err
}

type fakeSearchProvider struct {
	meta      *TrackMetadata
	err       error
	lastQuery string
}

func (f *fakeSearchProvider) SearchTop(ctx context.Context, q string) (*TrackMetadata, error) {
	f.lastQuery = q
	return f.meta, f.err
}

func TestTrackResolverURL(t *testing.T) {
	meta := &fakeMetadataProvider{meta: &TrackMetadata{Title: "Test Song", Duration: 3 * time.Minute}}
	r := NewTrackResolver(meta, &fakeSearchProvider{})

	info, err := r.Resolve(context.Background(), "https://youtu.be/abc123")
	require.NoError(t, err)
	assert.Equal(t, "https://www.youtube.com/watch?v=abc123", info.SourceURL)
	assert.Equal(t, "https://www.youtube.com/watch?v=abc123", meta.lastURL)
	assert.Equal(t, "Test Song", info.Title)
	assert.Equal(t, "3:00", info.DurationString())
}

func TestTrackResolverInvalidLink(t *testing.T) {
	r := NewTrackResolver(&fakeMetadataProvider{}, &fakeSearchProvider{})

	_, err := r.Resolve(context.Background(), "https://example.com/nothing-here")
	assert.ErrorIs(t, err, ErrInvalidLink)
}

func TestTrackResolverPlaylistRejected(t *testing.T) {
	r := NewTrackResolver(&fakeMetadataProvider{}, &fakeSearchProvider{})

	_, err := r.Resolve(context.Background(), "https://www.youtube.com/playlist?list=PL123")
	assert.ErrorIs(t, err, ErrUnsupportedContent)
}

func TestTrackResolverProviderReportsPlaylist(t *testing.T) {
	meta := &fakeMetadataProvider{meta: &TrackMetadata{IsPlaylist: true}}
	r := NewTrackResolver(meta, &fakeSearchProvider{})

	_, err := r.Resolve(context.Background(), "https://www.youtube.com/watch?v=abc123")
	assert.ErrorIs(t, err, ErrUnsupportedContent)
}

func TestTrackResolverLookupFailure(t *testing.T) {
	meta := &fakeMetadataProvider{err: errors.New("video unavailable")}
	r := NewTrackResolver(meta, &fakeSearchProvider{})

	_, err := r.Resolve(context.Background(), "https://youtu.be/abc123")
	assert.ErrorIs(t, err, ErrTrackNotFound)
}

func TestTrackResolverFreeText(t *testing.T) {
	search := &fakeSearchProvider{meta: &TrackMetadata{
		Title: "Found Song",
		URL:   "https://www.youtube.com/watch?v=xyz789",
	}}
	r := NewTrackResolver(&fakeMetadataProvider{}, search)

	info, err := r.Resolve(context.Background(), "some song name")
	require.NoError(t, err)
	assert.Equal(t, "some song name", search.lastQuery)
	assert.Equal(t, "Found Song", info.Title)
	assert.Equal(t, "https://www.youtube.com/watch?v=xyz789", info.SourceURL)
	assert.Equal(t, "?", info.DurationString())
}

func TestTrackResolverSearchEmpty(t *testing.T) {
	r := NewTrackResolver(&fakeMetadataProvider{}, &fakeSearchProvider{})

	_, err := r.Resolve(context.Background(), "no such song anywhere")
	assert.ErrorIs(t, err, ErrTrackNotFound)
}

func TestTrackResolverSearchFailure(t *testing.T) {
	search := &fakeSearchProvider{err: errors.New("network down")}
	r := NewTrackResolver(&fakeMetadataProvider{}, search)

	_, err := r.Resolve(context.Background(), "some song")
	assert.ErrorIs(t, err, ErrTrackNotFound)
}
