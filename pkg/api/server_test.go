package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/rmax-ai/lampchain/pkg/lamp"
	"github.com/rmax-ai/lampchain/pkg/lamp/lamptest"
	"github.com/rmax-ai/lampchain/pkg/store"
)

func newTestServer(t *testing.T, st lamp.Store, cfg Config) *Server {
	t.Helper()
	s, err := NewServer(st, cfg, nil)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any, mutate ...func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for _, m := range mutate {
		m(req)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func lampBody(origin, message string) CreateLampRequest {
	return CreateLampRequest{
		Coordinates: lamp.Coordinates{Lat: 28.6, Lng: 77.2},
		Message:     message,
		Origin:      origin,
	}
}

func TestSecureHeaders(t *testing.T) {
	// Create a handler that just returns 200 OK
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	// Wrap it with our middleware
	secureHandler := withSecureHeaders(handler)

	// Create a request
	req := httptest.NewRequest("GET", "/", nil)
	w := httptest.NewRecorder()

	// Serve
	secureHandler.ServeHTTP(w, req)

	// Check headers
	expectedHeaders := map[string]string{
		"Content-Security-Policy":   "default-src 'self'; script-src 'self' 'unsafe-inline'; style-src 'self' 'unsafe-inline'; img-src 'self' data:;",
		"Strict-Transport-Security": "max-age=63072000; includeSubDomains",
		"X-Content-Type-Options":    "nosniff",
		"X-Frame-Options":           "DENY",
		"Referrer-Policy":           "no-referrer",
		"X-XSS-Protection":          "1; mode=block",
	}

	for key, expected := range expectedHeaders {
		got := w.Header().Get(key)
		if got != expected {
			t.Errorf("Header %s: expected %q, got %q", key, expected, got)
		}
	}
}

func TestTraceIDPropagation(t *testing.T) {
	s := newTestServer(t, lamptest.NewMemoryStore(), Config{})

	w := doJSON(t, s.Handler(), "GET", "/v1/health", nil, func(r *http.Request) {
		r.Header.Set("X-Trace-ID", "trace-123")
	})
	if got := w.Header().Get("X-Trace-ID"); got != "trace-123" {
		t.Errorf("Expected trace id to be echoed, got %q", got)
	}

	w = doJSON(t, s.Handler(), "GET", "/v1/health", nil)
	if got := w.Header().Get("X-Trace-ID"); len(got) != 32 {
		t.Errorf("Expected generated 32-char trace id, got %q", got)
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	h := withRecovery(zap.NewNop(), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
	if w.Code != http.StatusInternalServerError {
		t.Errorf("Expected 500 after panic, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "internal_server_error") {
		t.Errorf("Unexpected body: %s", w.Body.String())
	}
}

func TestNewServer_Defaults(t *testing.T) {
	s := newTestServer(t, lamptest.NewMemoryStore(), Config{})
	if s.server.Addr != ":8090" {
		t.Errorf("Expected default addr :8090, got %s", s.server.Addr)
	}
	if s.cfg.OriginMode != OriginModeClient {
		t.Errorf("Expected client origin mode by default, got %s", s.cfg.OriginMode)
	}
	if s.limiter != nil {
		t.Error("Expected no write limiter when rate is zero")
	}
}

func TestNewServer_InvalidOriginMode(t *testing.T) {
	_, err := NewServer(lamptest.NewMemoryStore(), Config{OriginMode: "header"}, nil)
	if err == nil {
		t.Fatal("Expected error for unknown origin mode")
	}
}

func TestServer_StartError(t *testing.T) {
	// Port -1 is invalid
	s := newTestServer(t, lamptest.NewMemoryStore(), Config{Addr: ":-1"})
	if err := s.Start(); err == nil {
		t.Error("Expected error starting on invalid port")
	}
}

func TestServer_Stop(t *testing.T) {
	s := newTestServer(t, lamptest.NewMemoryStore(), Config{Addr: ":0"})
	// Stop without start should be fine
	if err := s.Stop(context.Background()); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
	// Close after Stop is a no-op
	s.Close()
}

func TestHandleHealth(t *testing.T) {
	s := newTestServer(t, lamptest.NewMemoryStore(), Config{Version: "1.2.3"})

	w := doJSON(t, s.Handler(), "GET", "/v1/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var resp HealthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "ok" || resp.Version != "1.2.3" {
		t.Errorf("Unexpected health response: %+v", resp)
	}

	w = doJSON(t, s.Handler(), "POST", "/v1/health", nil)
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405 for POST /v1/health, got %d", w.Code)
	}
}

func TestCreateAndListLamps(t *testing.T) {
	st := lamptest.NewMemoryStore()
	s := newTestServer(t, st, Config{})

	w := doJSON(t, s.Handler(), "POST", "/v1/lamps", lampBody("1.2.3.4", "  Happy Diwali  "))
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var created lamp.Lamp
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.ID == "" || created.ShareToken == "" {
		t.Errorf("Expected id and share token in create response, got %+v", created)
	}
	if created.Message != "Happy Diwali" {
		t.Errorf("Expected trimmed message, got %q", created.Message)
	}
	if strings.Contains(w.Body.String(), "1.2.3.4") {
		t.Error("Create response leaked the origin")
	}

	w = doJSON(t, s.Handler(), "GET", "/v1/lamps", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if strings.Contains(w.Body.String(), "share_token") {
		t.Errorf("List leaked share tokens: %s", w.Body.String())
	}
	var lamps []lamp.Lamp
	if err := json.Unmarshal(w.Body.Bytes(), &lamps); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(lamps) != 1 || lamps[0].ID != created.ID || lamps[0].Coordinates != created.Coordinates {
		t.Errorf("Unexpected list: %+v", lamps)
	}

	w = doJSON(t, s.Handler(), "GET", "/v1/lamps/count", nil)
	var count CountResponse
	json.Unmarshal(w.Body.Bytes(), &count)
	if count.Count != 1 {
		t.Errorf("Expected count 1, got %d", count.Count)
	}
}

func TestCreateLamp_DuplicateOrigin(t *testing.T) {
	s := newTestServer(t, lamptest.NewMemoryStore(), Config{})

	doJSON(t, s.Handler(), "POST", "/v1/lamps", lampBody("1.2.3.4", "first"))
	w := doJSON(t, s.Handler(), "POST", "/v1/lamps", lampBody("1.2.3.4", "second"))
	if w.Code != http.StatusConflict {
		t.Fatalf("Expected 409, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "duplicate_origin") {
		t.Errorf("Unexpected body: %s", w.Body.String())
	}
}

func TestCreateLamp_ConcurrentSameOrigin(t *testing.T) {
	st, err := store.NewStore(filepath.Join(t.TempDir(), "lamps.db"))
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	defer st.Close()

	s := newTestServer(t, st, Config{})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	const workers = 10
	var wg sync.WaitGroup
	codes := make(chan int, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			body, _ := json.Marshal(lampBody("198.51.100.9", "race"))
			resp, err := http.Post(ts.URL+"/v1/lamps", "application/json", bytes.NewReader(body))
			if err != nil {
				t.Errorf("POST failed: %v", err)
				return
			}
			resp.Body.Close()
			codes <- resp.StatusCode
		}()
	}
	wg.Wait()
	close(codes)

	created, conflicts := 0, 0
	for code := range codes {
		switch code {
		case http.StatusCreated:
			created++
		case http.StatusConflict:
			conflicts++
		default:
			t.Errorf("Unexpected status %d", code)
		}
	}
	if created != 1 || conflicts != workers-1 {
		t.Errorf("Expected 1 created and %d conflicts, got %d and %d", workers-1, created, conflicts)
	}
}

func TestCreateLamp_Validation(t *testing.T) {
	s := newTestServer(t, lamptest.NewMemoryStore(), Config{MaxBodyBytes: 256})

	tests := []struct {
		name       string
		body       any
		wantStatus int
		wantField  string
		wantReason string
	}{
		{"empty message", lampBody("a", "   "), http.StatusBadRequest, "message", "is required"},
		{"latitude out of range", CreateLampRequest{Coordinates: lamp.Coordinates{Lat: 91}, Message: "hi", Origin: "a"}, http.StatusBadRequest, "coordinates.lat", "must be <= 90"},
		{"longitude out of range", CreateLampRequest{Coordinates: lamp.Coordinates{Lng: -181}, Message: "hi", Origin: "a"}, http.StatusBadRequest, "coordinates.lng", "must be >= -180"},
		{"missing origin", lampBody("", "hi"), http.StatusBadRequest, "origin", "is required"},
		{"malformed json", `{"message":`, http.StatusBadRequest, "body", "must be valid JSON"},
		{"too large", lampBody("a", strings.Repeat("x", 400)), http.StatusRequestEntityTooLarge, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(t, s.Handler(), "POST", "/v1/lamps", tt.body)
			if w.Code != tt.wantStatus {
				t.Fatalf("Expected %d, got %d: %s", tt.wantStatus, w.Code, w.Body.String())
			}
			if tt.wantField == "" {
				return
			}
			var resp ErrorResponse
			json.Unmarshal(w.Body.Bytes(), &resp)
			if resp.Error != "validation_failed" || resp.Field != tt.wantField {
				t.Errorf("Expected validation_failed on %s, got %+v", tt.wantField, resp)
			}
			if resp.Reason != tt.wantReason {
				t.Errorf("Expected reason %q, got %q", tt.wantReason, resp.Reason)
			}
		})
	}
}

func TestCreateLamp_OriginModeRequest(t *testing.T) {
	st := lamptest.NewMemoryStore()
	s := newTestServer(t, st, Config{OriginMode: OriginModeRequest})

	from := func(addr string) func(*http.Request) {
		return func(r *http.Request) { r.RemoteAddr = addr }
	}

	w := doJSON(t, s.Handler(), "POST", "/v1/lamps", lampBody("spoofed-1", "one"), from("203.0.113.7:5000"))
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d", w.Code)
	}
	// A different claimed origin from the same address is still a duplicate
	w = doJSON(t, s.Handler(), "POST", "/v1/lamps", lampBody("spoofed-2", "two"), from("203.0.113.7:6000"))
	if w.Code != http.StatusConflict {
		t.Fatalf("Expected 409, got %d", w.Code)
	}

	ok, _ := st.HasOrigin(context.Background(), "203.0.113.7")
	if !ok {
		t.Error("Expected lamp recorded under the remote address")
	}
	ok, _ = st.HasOrigin(context.Background(), "spoofed-1")
	if ok {
		t.Error("Client-supplied origin should be ignored in request mode")
	}
}

func TestCreateLamp_TrustProxy(t *testing.T) {
	st := lamptest.NewMemoryStore()
	s := newTestServer(t, st, Config{OriginMode: OriginModeRequest, TrustProxy: true})

	w := doJSON(t, s.Handler(), "POST", "/v1/lamps", lampBody("", "proxied"), func(r *http.Request) {
		r.RemoteAddr = "10.0.0.1:443"
		r.Header.Set("X-Forwarded-For", "198.51.100.1, 10.0.0.1")
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}
	if ok, _ := st.HasOrigin(context.Background(), "198.51.100.1"); !ok {
		t.Error("Expected first forwarded hop as origin")
	}
}

func TestHandleOrigin(t *testing.T) {
	st := lamptest.NewMemoryStore()
	s := newTestServer(t, st, Config{})

	check := func(path string) OriginResponse {
		t.Helper()
		w := doJSON(t, s.Handler(), "GET", path, nil, func(r *http.Request) { r.RemoteAddr = "1.2.3.4:999" })
		if w.Code != http.StatusOK {
			t.Fatalf("GET %s: expected 200, got %d", path, w.Code)
		}
		var resp OriginResponse
		json.Unmarshal(w.Body.Bytes(), &resp)
		return resp
	}

	if check("/v1/origins/1.2.3.4").Contributed {
		t.Error("Expected fresh origin to be allowed")
	}
	doJSON(t, s.Handler(), "POST", "/v1/lamps", lampBody("1.2.3.4", "lit"))
	if !check("/v1/origins/1.2.3.4").Contributed {
		t.Error("Expected origin to be marked contributed")
	}

	self := check("/v1/self/origin")
	if self.Origin != "1.2.3.4" || !self.Contributed {
		t.Errorf("Unexpected self lookup: %+v", self)
	}

	// An origin literally named "self" is an ordinary stored origin.
	if got := check("/v1/origins/self"); got.Origin != "self" || got.Contributed {
		t.Errorf("Expected plain lookup of origin \"self\", got %+v", got)
	}
	doJSON(t, s.Handler(), "POST", "/v1/lamps", lampBody("self", "lit"))
	if got := check("/v1/origins/self"); !got.Contributed {
		t.Errorf("Expected origin \"self\" to be marked contributed, got %+v", got)
	}
}

func TestHandleResolveInvite(t *testing.T) {
	st := lamptest.NewMemoryStore()
	s := newTestServer(t, st, Config{})

	parent, err := st.CreateLamp(context.Background(), lamp.NewLamp{
		Coordinates: lamp.Coordinates{Lat: 19.07, Lng: 72.87},
		Message:     "parent",
		Origin:      "9.9.9.9",
	})
	if err != nil {
		t.Fatalf("CreateLamp failed: %v", err)
	}

	tests := []struct {
		name       string
		body       any
		wantStatus int
	}{
		{"valid", ResolveInviteRequest{LampID: parent.ID, Token: parent.ShareToken}, http.StatusOK},
		{"token mismatch", ResolveInviteRequest{LampID: parent.ID, Token: "nope"}, http.StatusNotFound},
		{"unknown id", ResolveInviteRequest{LampID: "missing", Token: parent.ShareToken}, http.StatusNotFound},
		{"missing token", ResolveInviteRequest{LampID: parent.ID}, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(t, s.Handler(), "POST", "/v1/invites/resolve", tt.body)
			if w.Code != tt.wantStatus {
				t.Fatalf("Expected %d, got %d: %s", tt.wantStatus, w.Code, w.Body.String())
			}
			switch tt.wantStatus {
			case http.StatusOK:
				var ref lamp.ParentRef
				json.Unmarshal(w.Body.Bytes(), &ref)
				if ref.ID != parent.ID || ref.Coordinates != parent.Coordinates {
					t.Errorf("Unexpected parent ref: %+v", ref)
				}
				if strings.Contains(w.Body.String(), "message") {
					t.Error("Resolve should only expose id and coordinates")
				}
			case http.StatusNotFound:
				if !strings.Contains(w.Body.String(), "invalid_invite") {
					t.Errorf("Unexpected body: %s", w.Body.String())
				}
			}
		})
	}
}

func TestCreateAndListEdges(t *testing.T) {
	st := lamptest.NewMemoryStore()
	s := newTestServer(t, st, Config{})

	w := doJSON(t, s.Handler(), "POST", "/v1/edges", CreateEdgeRequest{ParentID: "p", ChildID: "c"})
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, s.Handler(), "POST", "/v1/edges", CreateEdgeRequest{ParentID: "p"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for missing child, got %d", w.Code)
	}

	w = doJSON(t, s.Handler(), "GET", "/v1/edges", nil)
	var edges []lamp.Edge
	json.Unmarshal(w.Body.Bytes(), &edges)
	if len(edges) != 1 || edges[0].ParentID != "p" || edges[0].ChildID != "c" {
		t.Errorf("Unexpected edges: %+v", edges)
	}
}

func TestHandlers_StoreErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantError  string
	}{
		{"unavailable", lamp.Unavailable(errors.New("connection refused")), http.StatusServiceUnavailable, "store_unavailable"},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, "internal_server_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := lamptest.NewMemoryStore()
			st.ErrList = tt.err
			st.ErrCreateLamp = tt.err
			s := newTestServer(t, st, Config{})

			for _, req := range []struct{ method, path string }{
				{"GET", "/v1/lamps"},
				{"GET", "/v1/edges"},
				{"POST", "/v1/lamps"},
			} {
				var body any
				if req.method == "POST" {
					body = lampBody("1.1.1.1", "x")
				}
				w := doJSON(t, s.Handler(), req.method, req.path, body)
				if w.Code != tt.wantStatus {
					t.Errorf("%s %s: expected %d, got %d", req.method, req.path, tt.wantStatus, w.Code)
				}
				if !strings.Contains(w.Body.String(), tt.wantError) {
					t.Errorf("%s %s: unexpected body %s", req.method, req.path, w.Body.String())
				}
			}
		})
	}
}

func TestWriteRateLimit(t *testing.T) {
	s := newTestServer(t, lamptest.NewMemoryStore(), Config{WriteRate: 0.001, WriteBurst: 2})

	from := func(r *http.Request) { r.RemoteAddr = "192.0.2.1:1000" }
	for i, want := range []int{http.StatusCreated, http.StatusConflict, http.StatusTooManyRequests} {
		w := doJSON(t, s.Handler(), "POST", "/v1/lamps", lampBody("192.0.2.1", "x"), from)
		if w.Code != want {
			t.Fatalf("request %d: expected %d, got %d", i, want, w.Code)
		}
	}

	// Reads are never throttled
	w := doJSON(t, s.Handler(), "GET", "/v1/lamps", nil, from)
	if w.Code != http.StatusOK {
		t.Errorf("Expected reads to pass, got %d", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, lamptest.NewMemoryStore(), Config{MetricsEnabled: true})
	doJSON(t, s.Handler(), "POST", "/v1/lamps", lampBody("5.5.5.5", "counted"))

	w := doJSON(t, s.Handler(), "GET", "/metrics", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "lampchain_lamps_created_total") {
		t.Error("Expected lamp counter in metrics output")
	}

	off := newTestServer(t, lamptest.NewMemoryStore(), Config{})
	if w := doJSON(t, off.Handler(), "GET", "/metrics", nil); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 with metrics disabled, got %d", w.Code)
	}
}

func TestMount(t *testing.T) {
	s := newTestServer(t, lamptest.NewMemoryStore(), Config{})
	s.Mount("GET /maptile/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	w := doJSON(t, s.Handler(), "GET", "/maptile/standard/1/2/3.png", nil)
	if w.Code != http.StatusTeapot {
		t.Errorf("Expected mounted handler, got %d", w.Code)
	}
	if w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("Mounted handlers should pass through the middleware chain")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err        error
		wantStatus int
		wantLabel  string
	}{
		{nil, 0, "created"},
		{&lamp.ValidationError{Field: "message", Reason: "is required"}, 400, "invalid"},
		{lamp.ErrDuplicateOrigin, 409, "duplicate"},
		{lamp.ErrNotFound, 404, "not_found"},
		{lamp.Unavailable(errors.New("x")), 503, "unavailable"},
		{errors.New("x"), 500, "error"},
	}
	for _, tt := range tests {
		status, _ := classify(tt.err)
		if status != tt.wantStatus {
			t.Errorf("classify(%v) = %d, want %d", tt.err, status, tt.wantStatus)
		}
		if got := resultLabel(tt.err); got != tt.wantLabel {
			t.Errorf("resultLabel(%v) = %q, want %q", tt.err, got, tt.wantLabel)
		}
	}
}
