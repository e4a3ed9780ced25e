package domain

import (
	"errors"
	"testing"
	"time"
)

func TestCacheEntry_IsExpired(t *testing.T) {
	created := time.Unix(1700000000, 0)
	e := &CacheEntry{Key: "a", MediaType: MediaImage, CreatedAt: created}

	tests := []struct {
		name   string
		now    time.Time
		maxAge time.Duration
		want   bool
	}{
		{"fresh", created.Add(time.Hour), 24 * time.Hour, false},
		{"exactly max age", created.Add(24 * time.Hour), 24 * time.Hour, false},
		{"expired", created.Add(25 * time.Hour), 24 * time.Hour, true},
		{"expiry disabled", created.Add(1000 * time.Hour), 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := e.IsExpired(tt.now, tt.maxAge); got != tt.want {
				t.Errorf("IsExpired() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCacheEntry_TouchAndOrder(t *testing.T) {
	t0 := time.Unix(1700000000, 0)
	a := &CacheEntry{Key: "a", LastAccessedAt: t0, Seq: 1}
	b := &CacheEntry{Key: "b", LastAccessedAt: t0, Seq: 2}

	if !a.OlderThan(b) || b.OlderThan(a) {
		t.Error("equal access times should fall back to insertion order")
	}

	a.Touch(t0.Add(time.Second))
	if !b.OlderThan(a) {
		t.Error("touched entry should become the most recent")
	}

	a.Touch(t0)
	if !a.LastAccessedAt.Equal(t0.Add(time.Second)) {
		t.Error("access time moved backwards")
	}
}

func TestCacheEntry_Clone(t *testing.T) {
	e := &CacheEntry{Key: "a", MediaType: MediaAudio, SizeBytes: 10}
	c := e.Clone()
	c.SizeBytes = 20
	if e.SizeBytes != 10 {
		t.Error("mutating the clone changed the original")
	}
	if c.ID() != (EntryID{MediaType: MediaAudio, Key: "a"}) {
		t.Errorf("ID() = %+v", c.ID())
	}
}

func TestParseMediaType(t *testing.T) {
	for _, mt := range MediaTypes {
		got, err := ParseMediaType(" " + string(mt) + " ")
		if err != nil || got != mt || !got.Valid() {
			t.Errorf("ParseMediaType(%q) = %v, %v", mt, got, err)
		}
	}
	if got, _ := ParseMediaType("VIDEO"); got != MediaVideo {
		t.Errorf("ParseMediaType is case sensitive, got %v", got)
	}
	if _, err := ParseMediaType("document"); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("err = %v, want ErrInvalidInput", err)
	}
	if MediaType("document").Valid() {
		t.Error("unknown media type should be invalid")
	}
}
