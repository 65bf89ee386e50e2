package models

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	apperrors "pindrop-sync/internal/errors"
)

// Coordinate is a WGS84 position in degrees.
type Coordinate struct {
	Lat float64 `json:"latitude"`
	Lon float64 `json:"longitude"`
}

// Valid reports whether the coordinate lies within WGS84 bounds.
func (c Coordinate) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

type Category string

const (
	CategoryVerbal    Category = "verbal"
	CategoryPhysical  Category = "physical"
	CategoryEmergency Category = "emergency"
)

// Categories lists the closed set of incident categories.
var Categories = []Category{CategoryVerbal, CategoryPhysical, CategoryEmergency}

// ParseCategory accepts only members of the closed enumeration.
// Unknown values are rejected, never defaulted.
func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Categories {
		if c == known {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: %q", apperrors.ErrInvalidCategory, s)
}

// Pin is a georeferenced video post.
type Pin struct {
	ID           string     `json:"id"`
	Coordinate   Coordinate `json:"coordinate"`
	Category     Category   `json:"category"`
	VideoURL     string     `json:"videoURL"`
	ThumbnailURL string     `json:"thumbnailURL,omitempty"`
	OwnerID      string     `json:"ownerId"`
	DeviceID     string     `json:"deviceId,omitempty"`
	PlaceName    string     `json:"placeName,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
}

// Pending reports whether the pin's video has not been committed yet.
func (p Pin) Pending() bool {
	return p.VideoURL == ""
}

// Validate checks the invariants every committed or pending pin must hold.
func (p Pin) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("%w: missing id", apperrors.ErrMalformedRecord)
	}
	if !p.Coordinate.Valid() {
		return fmt.Errorf("%w: coordinate out of range", apperrors.ErrMalformedRecord)
	}
	if _, err := ParseCategory(string(p.Category)); err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrMalformedRecord, err)
	}
	if p.OwnerID == "" {
		return fmt.Errorf("%w: missing owner", apperrors.ErrMalformedRecord)
	}
	if p.VideoURL != "" && !IsRemoteURL(p.VideoURL) {
		return fmt.Errorf("%w: bad video url %q", apperrors.ErrMalformedRecord, p.VideoURL)
	}
	return nil
}

// IsRemoteURL reports whether s is an absolute http(s) or gs URL with a host.
// Plain http is accepted for self-hosted MinIO endpoints.
func IsRemoteURL(s string) bool {
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return (u.Scheme == "https" || u.Scheme == "gs" || u.Scheme == "http") && u.Host != ""
}

// PinDocument is the shape of a pin in the remote collection.
type PinDocument struct {
	ID           string    `firestore:"id"`
	Latitude     float64   `firestore:"latitude"`
	Longitude    float64   `firestore:"longitude"`
	IncidentType string    `firestore:"incidentType"`
	VideoURL     string    `firestore:"videoURL"`
	ThumbnailURL string    `firestore:"thumbnailURL,omitempty"`
	UserID       string    `firestore:"userId"`
	DeviceID     string    `firestore:"deviceId,omitempty"`
	PlaceName    string    `firestore:"placeName,omitempty"`
	CreatedAt    time.Time `firestore:"createdAt"`
}

// Document converts a pin to its remote representation.
func (p Pin) Document() PinDocument {
	return PinDocument{
		ID:           p.ID,
		Latitude:     p.Coordinate.Lat,
		Longitude:    p.Coordinate.Lon,
		IncidentType: string(p.Category),
		VideoURL:     p.VideoURL,
		ThumbnailURL: p.ThumbnailURL,
		UserID:       p.OwnerID,
		DeviceID:     p.DeviceID,
		PlaceName:    p.PlaceName,
		CreatedAt:    p.CreatedAt,
	}
}

// PinFilter narrows the repository view. Zero value matches everything.
type PinFilter struct {
	Category Category
	MineOnly bool
	UserID   string
}

// Match reports whether p passes the filter.
func (f PinFilter) Match(p Pin) bool {
	if f.Category != "" && p.Category != f.Category {
		return false
	}
	if f.MineOnly && (f.UserID == "" || p.OwnerID != f.UserID) {
		return false
	}
	return true
}
