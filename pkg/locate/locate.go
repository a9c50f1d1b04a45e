// Package locate answers "where is this client" and "what is its public
// network origin".
package locate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rmax-ai/lampchain/pkg/lamp"
)

var (
	// ErrDenied means the position source refused to answer.
	ErrDenied = errors.New("location permission denied")
	// ErrUnsupported means no position source is available.
	ErrUnsupported = errors.New("location unsupported")
)

// Locator yields the client's current position.
type Locator interface {
	CurrentPosition(ctx context.Context) (lamp.Coordinates, error)
}

// OriginLookup yields the client's public network origin.
type OriginLookup interface {
	PublicOrigin(ctx context.Context) (string, error)
}

// Static is a manually placed position. A nil *Static is unsupported.
type Static struct {
	Coordinates lamp.Coordinates
}

func (s *Static) CurrentPosition(ctx context.Context) (lamp.Coordinates, error) {
	if s == nil {
		return lamp.Coordinates{}, ErrUnsupported
	}
	if err := lamp.ValidateCoordinates(s.Coordinates); err != nil {
		return lamp.Coordinates{}, err
	}
	return s.Coordinates, nil
}

// Chain tries each locator in order and returns the first position. It is
// how manual placement backs up an automatic source.
type Chain []Locator

func (c Chain) CurrentPosition(ctx context.Context) (lamp.Coordinates, error) {
	lastErr := ErrUnsupported
	for _, l := range c {
		if l == nil {
			continue
		}
		pos, err := l.CurrentPosition(ctx)
		if err == nil {
			return pos, nil
		}
		lastErr = err
	}
	return lamp.Coordinates{}, lastErr
}

// HTTPLocator reads latitude and longitude from an IP geolocation endpoint
// returning JSON such as {"latitude": 12.9, "longitude": 77.6}.
type HTTPLocator struct {
	URL        string
	HTTPClient *http.Client
}

func NewHTTPLocator(url string) *HTTPLocator {
	if url == "" {
		url = "https://ipapi.co/json/"
	}
	return &HTTPLocator{URL: url, HTTPClient: &http.Client{Timeout: 5 * time.Second}}
}

func (h *HTTPLocator) CurrentPosition(ctx context.Context) (lamp.Coordinates, error) {
	var body struct {
		Latitude  *float64 `json:"latitude"`
		Longitude *float64 `json:"longitude"`
		Lat       *float64 `json:"lat"`
		Lon       *float64 `json:"lon"`
	}
	if err := getJSON(ctx, h.HTTPClient, h.URL, &body); err != nil {
		if errors.Is(err, ErrDenied) {
			return lamp.Coordinates{}, err
		}
		return lamp.Coordinates{}, fmt.Errorf("%w: %v", ErrUnsupported, err)
	}

	lat, lng := body.Latitude, body.Longitude
	if lat == nil || lng == nil {
		lat, lng = body.Lat, body.Lon
	}
	if lat == nil || lng == nil {
		return lamp.Coordinates{}, fmt.Errorf("%w: response has no position", ErrUnsupported)
	}

	c := lamp.Coordinates{Lat: *lat, Lng: *lng}
	if err := lamp.ValidateCoordinates(c); err != nil {
		return lamp.Coordinates{}, err
	}
	return c, nil
}

// IPify resolves the public IP through api.ipify.org.
type IPify struct {
	URL        string
	HTTPClient *http.Client
}

func NewIPify() *IPify {
	return &IPify{
		URL:        "https://api.ipify.org?format=json",
		HTTPClient: &http.Client{Timeout: 5 * time.Second},
	}
}

func (i *IPify) PublicOrigin(ctx context.Context) (string, error) {
	var body struct {
		IP string `json:"ip"`
	}
	if err := getJSON(ctx, i.HTTPClient, i.URL, &body); err != nil {
		return "", fmt.Errorf("failed to resolve public origin: %w", err)
	}
	ip := strings.TrimSpace(body.IP)
	if ip == "" {
		return "", errors.New("failed to resolve public origin: empty ip")
	}
	return ip, nil
}

// FixedOrigin returns a preconfigured origin.
type FixedOrigin string

func (f FixedOrigin) PublicOrigin(ctx context.Context) (string, error) {
	if f == "" {
		return "", errors.New("no origin configured")
	}
	return string(f), nil
}

func getJSON(ctx context.Context, client *http.Client, url string, v any) error {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnauthorized:
		return ErrDenied
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
