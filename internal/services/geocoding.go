package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"pindrop-sync/internal/logging"
	"pindrop-sync/internal/models"
)

const nominatimBaseURL = "https://nominatim.openstreetmap.org"

// Performs reverse geocoding using the OpenStreetMap Nominatim
// API with caching and rate limiting.
type GeocodingService struct {
	cache       map[string]string
	cacheMutex  sync.RWMutex
	httpClient  *http.Client
	rateLimiter *rate.Limiter
	baseURL     string
	logger      *slog.Logger
}

// Models the subset of Nominatim's response that we care about
// (city/town/village + country).
type NominatimResponse struct {
	Address struct {
		City    string `json:"city"`
		Town    string `json:"town"`
		Village string `json:"village"`
		Country string `json:"country"`
	} `json:"address"`
}

// Returns a fully configured geocoder.
// It includes:
//   - in-memory cache
//   - shared HTTP client (a default one when nil)
//   - Nominatim-compliant rate limiting (1 request/sec)
func NewGeocodingService(client *http.Client, logger *slog.Logger) *GeocodingService {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &GeocodingService{
		cache:      make(map[string]string),
		httpClient: client,
		rateLimiter: rate.NewLimiter(
			rate.Limit(1), // 1 request/sec
			1,             // burst size
		),
		baseURL: nominatimBaseURL,
		logger:  logging.Component(logger, "geocoder"),
	}
}

// Performs a coordinate→location lookup.
// The function:
//  1. checks the in-memory cache under a rounded key
//  2. applies rate limiting (required by Nominatim)
//  3. calls the Nominatim API
//  4. extracts city/town/village + country
//  5. caches & returns the formatted result
func (g *GeocodingService) ReverseGeocode(ctx context.Context, c models.Coordinate) (string, error) {
	if !c.Valid() {
		return "", fmt.Errorf("coordinate out of range: %v", c)
	}

	// Key rounded to avoid cache fragmentation
	key := fmt.Sprintf("%.4f,%.4f", c.Lat, c.Lon)

	// First check: read lock
	g.cacheMutex.RLock()
	if cached := g.cache[key]; cached != "" {
		g.cacheMutex.RUnlock()
		return cached, nil
	}
	g.cacheMutex.RUnlock()

	// Rate limit before making API call
	if err := g.rateLimiter.Wait(ctx); err != nil {
		return "", err
	}

	g.logger.Debug("reverse geocoding", "key", key)
	result, err := g.fetchLocation(ctx, c.Lat, c.Lon)
	if err != nil {
		return "", err
	}

	// Double-check cache before writing (another goroutine might have set it)
	g.cacheMutex.Lock()
	if cached := g.cache[key]; cached != "" {
		g.cacheMutex.Unlock()
		return cached, nil
	}
	if result != "" {
		g.cache[key] = result
	}
	g.cacheMutex.Unlock()

	return result, nil
}

// Performs the actual HTTP request and parses the response.
func (g *GeocodingService) fetchLocation(ctx context.Context, lat, lng float64) (string, error) {
	q := url.Values{}
	q.Set("format", "json")
	q.Set("lat", fmt.Sprintf("%f", lat))
	q.Set("lon", fmt.Sprintf("%f", lng))
	q.Set("zoom", "18")
	q.Set("addressdetails", "1")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"/reverse?"+q.Encode(), nil)
	if err != nil {
		return "", err
	}

	req.Header.Set("User-Agent", "pindrop-sync")
	req.Header.Set("Accept-Language", "en")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("nominatim returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	var data NominatimResponse
	if err := json.Unmarshal(body, &data); err != nil {
		return "", err
	}

	return extractLocation(data), nil
}

// Chooses the most specific available location from the response.
func extractLocation(n NominatimResponse) string {
	city := firstNonEmpty(
		n.Address.City,
		n.Address.Town,
		n.Address.Village,
	)
	country := n.Address.Country

	switch {
	case city != "" && country != "":
		return city + ", " + country
	case city != "":
		return city
	default:
		return country
	}
}

// Returns the first non-empty string in the list.
func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
