// Package tileproxy forwards map tile requests to MapMyIndia so the API key
// never reaches the client.
package tileproxy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/rmax-ai/lampchain/pkg/blob"
)

const (
	// DefaultBaseURL is the upstream tile API root.
	DefaultBaseURL = "https://apis.mapmyindia.com/advancedmaps/v1"

	// Pattern is the ServeMux route the proxy answers.
	Pattern = "GET /maptile/{variant}/{z}/{x}/{file}"

	userAgent = "MapMyIndia-Proxy"

	// maxTileBytes bounds what is buffered for the cache. Larger tiles are
	// streamed through uncached.
	maxTileBytes = 4 << 20
)

// ErrMissingKey is returned by New without an API key.
var ErrMissingKey = errors.New("missing MAPMYINDIA_KEY")

var variantPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

var requestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "lampchain_tileproxy_requests_total",
		Help: "Total number of proxied tile requests by response status",
	},
	[]string{"status"},
)

var cacheHitsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "lampchain_tileproxy_cache_hits_total",
		Help: "Total number of tiles served from the local cache",
	},
)

func init() {
	prometheus.MustRegister(requestsTotal, cacheHitsTotal)
}

// Proxy is an http.Handler for Pattern.
type Proxy struct {
	key     string
	baseURL string
	client  *http.Client
	cache   blob.Store
	logger  *zap.Logger

	maxCacheBytes int64
}

// Option configures a Proxy.
type Option func(*Proxy)

// WithBaseURL overrides the upstream root, for tests.
func WithBaseURL(u string) Option {
	return func(p *Proxy) {
		if u != "" {
			p.baseURL = strings.TrimRight(u, "/")
		}
	}
}

// WithHTTPClient replaces the upstream client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Proxy) {
		if c != nil {
			p.client = c
		}
	}
}

// WithCache keeps successful tiles in c and serves repeats from it.
func WithCache(c blob.Store) Option {
	return func(p *Proxy) { p.cache = c }
}

// WithLogger sets the proxy logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Proxy) {
		if l != nil {
			p.logger = l
		}
	}
}

// New creates a proxy. The key is required.
func New(key string, opts ...Option) (*Proxy, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, ErrMissingKey
	}
	p := &Proxy{
		key:     key,
		baseURL: DefaultBaseURL,
		client:  &http.Client{Timeout: 15 * time.Second},
		logger:  zap.NewNop(),

		maxCacheBytes: maxTileBytes,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Register mounts the proxy on mux.
func (p *Proxy) Register(mux *http.ServeMux) {
	mux.Handle(Pattern, p)
}

// Tile identifies one upstream tile.
type Tile struct {
	Variant string
	Z, X, Y int
}

// ParseTile validates the route segments.
func ParseTile(variant, z, x, file string) (Tile, error) {
	y, ok := strings.CutSuffix(file, ".png")
	if !ok {
		return Tile{}, fmt.Errorf("tile must end in .png: %q", file)
	}
	if !variantPattern.MatchString(variant) {
		return Tile{}, fmt.Errorf("invalid variant %q", variant)
	}
	t := Tile{Variant: variant}
	for _, seg := range []struct {
		name string
		raw  string
		dst  *int
	}{{"z", z, &t.Z}, {"x", x, &t.X}, {"y", y, &t.Y}} {
		n, err := strconv.Atoi(seg.raw)
		if err != nil || n < 0 {
			return Tile{}, fmt.Errorf("invalid %s %q", seg.name, seg.raw)
		}
		*seg.dst = n
	}
	return t, nil
}

// Key is the cache key for t.
func (t Tile) Key() string {
	return fmt.Sprintf("%s/%d/%d/%d.png", t.Variant, t.Z, t.X, t.Y)
}

func (p *Proxy) upstreamURL(t Tile) string {
	return fmt.Sprintf("%s/%s/maptile/%s/%d/%d/%d.png", p.baseURL, p.key, t.Variant, t.Z, t.X, t.Y)
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	tile, err := ParseTile(r.PathValue("variant"), r.PathValue("z"), r.PathValue("x"), r.PathValue("file"))
	if err != nil {
		requestsTotal.WithLabelValues(strconv.Itoa(http.StatusNotFound)).Inc()
		http.NotFound(w, r)
		return
	}

	if p.serveCached(w, r, tile) {
		return
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, p.upstreamURL(tile), nil)
	if err != nil {
		p.fail(w, tile, err)
		return
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := p.client.Do(req)
	if err != nil {
		p.fail(w, tile, err)
		return
	}
	defer resp.Body.Close()

	requestsTotal.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		p.logger.Warn("upstream tile error",
			zap.Int("status", resp.StatusCode),
			zap.String("variant", tile.Variant),
			zap.Int("z", tile.Z),
		)
		http.Error(w, "MapMyIndia error", resp.StatusCode)
		return
	}

	if p.cache == nil {
		writeTileHeaders(w)
		w.WriteHeader(resp.StatusCode)
		if _, err := io.Copy(w, resp.Body); err != nil {
			p.logger.Debug("tile copy interrupted", zap.Error(err))
		}
		return
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, p.maxCacheBytes+1))
	if err != nil {
		p.fail(w, tile, err)
		return
	}
	if int64(len(data)) > p.maxCacheBytes {
		p.logger.Debug("tile too large to cache", zap.String("key", tile.Key()))
		writeTileHeaders(w)
		w.WriteHeader(resp.StatusCode)
		if _, err := io.Copy(w, io.MultiReader(bytes.NewReader(data), resp.Body)); err != nil {
			p.logger.Debug("tile copy interrupted", zap.Error(err))
		}
		return
	}
	if err := p.cache.Put(r.Context(), tile.Key(), bytes.NewReader(data)); err != nil {
		p.logger.Warn("tile cache write failed", zap.String("key", tile.Key()), zap.Error(err))
	}
	writeTileHeaders(w)
	w.WriteHeader(resp.StatusCode)
	w.Write(data)
}

func (p *Proxy) serveCached(w http.ResponseWriter, r *http.Request, tile Tile) bool {
	if p.cache == nil {
		return false
	}
	rc, err := p.cache.Get(r.Context(), tile.Key())
	if err != nil {
		if !errors.Is(err, blob.ErrNotFound) {
			p.logger.Warn("tile cache read failed", zap.String("key", tile.Key()), zap.Error(err))
		}
		return false
	}
	defer rc.Close()

	cacheHitsTotal.Inc()
	requestsTotal.WithLabelValues(strconv.Itoa(http.StatusOK)).Inc()
	writeTileHeaders(w)
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		p.logger.Debug("cached tile copy interrupted", zap.Error(err))
	}
	return true
}

func writeTileHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "image/png")
}

func (p *Proxy) fail(w http.ResponseWriter, t Tile, err error) {
	requestsTotal.WithLabelValues(strconv.Itoa(http.StatusInternalServerError)).Inc()
	p.logger.Error("proxy failure",
		zap.String("variant", t.Variant),
		zap.Int("z", t.Z), zap.Int("x", t.X), zap.Int("y", t.Y),
		zap.Error(redactURL(err)),
	)
	http.Error(w, "Proxy failure", http.StatusInternalServerError)
}

// redactURL drops the request URL, which embeds the key, from transport
// errors. Other errors are returned unchanged.
func redactURL(err error) error {
	var uerr *url.Error
	if errors.As(err, &uerr) && uerr.Err != nil {
		return fmt.Errorf("%s upstream: %w", uerr.Op, uerr.Err)
	}
	return err
}
