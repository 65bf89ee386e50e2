package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "pindrop-sync/internal/errors"
)

func TestParseCategory(t *testing.T) {
	for _, in := range []string{"verbal", "Physical", " emergency "} {
		_, err := ParseCategory(in)
		assert.NoError(t, err, in)
	}

	_, err := ParseCategory("harassment")
	assert.ErrorIs(t, err, apperrors.ErrInvalidCategory)

	_, err = ParseCategory("")
	assert.ErrorIs(t, err, apperrors.ErrInvalidCategory)
}

func validPin() Pin {
	return Pin{
		ID:         "pin-1",
		Coordinate: Coordinate{Lat: 51.5072, Lon: -0.1276},
		Category:   CategoryPhysical,
		VideoURL:   "https://storage.googleapis.com/bucket/videos/pin-1.mp4",
		OwnerID:    "user-1",
		CreatedAt:  time.Now(),
	}
}

func TestPinValidate(t *testing.T) {
	require.NoError(t, validPin().Validate())

	pending := validPin()
	pending.VideoURL = ""
	require.NoError(t, pending.Validate())
	assert.True(t, pending.Pending())

	tests := []struct {
		name   string
		mutate func(p *Pin)
	}{
		{"missing id", func(p *Pin) { p.ID = "" }},
		{"latitude out of range", func(p *Pin) { p.Coordinate.Lat = 91 }},
		{"unknown category", func(p *Pin) { p.Category = "other" }},
		{"missing owner", func(p *Pin) { p.OwnerID = "" }},
		{"relative url", func(p *Pin) { p.VideoURL = "videos/pin-1.mp4" }},
		{"unsupported scheme", func(p *Pin) { p.VideoURL = "file:///tmp/pin-1.mp4" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validPin()
			tt.mutate(&p)
			assert.ErrorIs(t, p.Validate(), apperrors.ErrMalformedRecord)
		})
	}
}

func TestPinFilterMatch(t *testing.T) {
	p := validPin()

	assert.True(t, PinFilter{}.Match(p))
	assert.True(t, PinFilter{Category: CategoryPhysical}.Match(p))
	assert.False(t, PinFilter{Category: CategoryVerbal}.Match(p))
	assert.True(t, PinFilter{MineOnly: true, UserID: "user-1"}.Match(p))
	assert.False(t, PinFilter{MineOnly: true, UserID: "user-2"}.Match(p))
	assert.False(t, PinFilter{MineOnly: true}.Match(p))
}

func TestUploadJobContentKeyIgnoresAttemptState(t *testing.T) {
	j := UploadJob{ID: "a", SourcePath: "/tmp/clip.mov", Coordinate: Coordinate{Lat: 1, Lon: 2}, Category: CategoryVerbal, OwnerID: "u"}
	k := j
	k.ID = "b"
	k.RetryCount = 3
	k.LastError = "boom"

	assert.Equal(t, j.ContentKey(), k.ContentKey())

	k.SourcePath = "/tmp/other.mov"
	assert.NotEqual(t, j.ContentKey(), k.ContentKey())
}
