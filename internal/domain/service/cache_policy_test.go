package service

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vertextoedge/offline-media-cache/internal/domain"
	"github.com/vertextoedge/offline-media-cache/internal/domain/vo"
)

var pngHeader = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0x0d, 'I', 'H', 'D', 'R'}

func TestNewQuotaPlan_DefaultSplit(t *testing.T) {
	plan, err := NewQuotaPlan(vo.MustByteSize(1000), nil, nil)
	require.NoError(t, err)

	assert.Equal(t, int64(1000), plan.TotalLimit())
	assert.Equal(t, int64(250), plan.TypeLimit(domain.MediaImage))
	assert.Equal(t, int64(500), plan.TypeLimit(domain.MediaVideo))
	assert.Equal(t, int64(250), plan.TypeLimit(domain.MediaAudio))
	assert.Zero(t, plan.TypeLimit(domain.MediaType("document")))
}

func TestFractions_Validate(t *testing.T) {
	tests := []struct {
		name    string
		f       Fractions
		wantErr bool
	}{
		{"default", DefaultFractions(), false},
		{"under one", Fractions{domain.MediaImage: 0.1, domain.MediaVideo: 0.2}, false},
		{"over one", Fractions{domain.MediaImage: 0.5, domain.MediaVideo: 0.5, domain.MediaAudio: 0.5}, true},
		{"negative", Fractions{domain.MediaImage: -0.1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.f.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, domain.ErrInvalidInput)
			} else {
				assert.NoError(t, err)
			}
		})
	}

	_, err := NewQuotaPlan(vo.MustByteSize(100), Fractions{domain.MediaImage: 2}, nil)
	assert.Error(t, err)
}

func TestQuotaPlan_CheckItem(t *testing.T) {
	plan, err := NewQuotaPlan(vo.MustByteSize(400), DefaultFractions(), nil)
	require.NoError(t, err)

	assert.NoError(t, plan.CheckItem(domain.MediaImage, 100))
	assert.NoError(t, plan.CheckItem(domain.MediaVideo, 200))

	err = plan.CheckItem(domain.MediaImage, 101)
	assert.True(t, errors.Is(err, domain.ErrQuotaExceeded))
	assert.Equal(t, domain.KindStorage, domain.Kind(err))
}

func TestQuotaPlan_Resize(t *testing.T) {
	opts := map[domain.MediaType]PolicyOptions{
		domain.MediaImage: {CompressionQuality: 0.8, AllowedFormats: []string{"png"}},
	}
	plan, err := NewQuotaPlan(vo.MustByteSize(1000), DefaultFractions(), opts)
	require.NoError(t, err)

	resized := plan.Resize(vo.MustByteSize(200))
	assert.Equal(t, int64(50), resized.TypeLimit(domain.MediaImage))
	assert.Equal(t, int64(100), resized.TypeLimit(domain.MediaVideo))
	assert.Equal(t, 0.8, resized.Policy(domain.MediaImage).CompressionQuality)

	// The original plan is untouched
	assert.Equal(t, int64(250), plan.TypeLimit(domain.MediaImage))
}

func TestCachePolicy_AllowsFormat(t *testing.T) {
	open := &CachePolicy{MediaType: domain.MediaImage}
	ext, ok := open.AllowsFormat(pngHeader)
	assert.True(t, ok)
	assert.Equal(t, "png", ext)

	pngOnly := &CachePolicy{MediaType: domain.MediaImage, AllowedFormats: []string{".PNG"}}
	_, ok = pngOnly.AllowsFormat(pngHeader)
	assert.True(t, ok)

	jpegOnly := &CachePolicy{MediaType: domain.MediaImage, AllowedFormats: []string{"jpg"}}
	ext, ok = jpegOnly.AllowsFormat(pngHeader)
	assert.False(t, ok)
	assert.Equal(t, "png", ext)

	_, ok = jpegOnly.AllowsFormat(nil)
	assert.True(t, ok, "empty payloads are accepted")
}
