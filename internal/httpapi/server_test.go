package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"

	"birbstream/native/internal/domain"
)

// mockSessions records calls and returns canned results.
type mockSessions struct {
	offerErr   error
	closeErr   error
	lastOffer  domain.OfferRequest
	closedID   string
	ids        []string
	diagnostic map[string]domain.Diagnostics
}

func (m *mockSessions) HandleOffer(_ context.Context, req domain.OfferRequest) (domain.SDPPayload, error) {
	m.lastOffer = req
	if m.offerErr != nil {
		return domain.SDPPayload{}, m.offerErr
	}
	return domain.SDPPayload{Type: "answer", SDP: "v=0"}, nil
}

func (m *mockSessions) Close(id string) error {
	m.closedID = id
	return m.closeErr
}

func (m *mockSessions) SessionIDs() []string { return m.ids }

func (m *mockSessions) Diagnostics() map[string]domain.Diagnostics { return m.diagnostic }

func serve(t *testing.T, s *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var e errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &e); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return e
}

func TestOffer_Success(t *testing.T) {
	ms := &mockSessions{}
	s := New(Config{Sessions: ms})

	rec := serve(t, s, http.MethodPost, "/webrtc/offer", `{"id":"a","offer":{"sdp":"X","type":"offer"}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var answer domain.SDPPayload
	if err := json.Unmarshal(rec.Body.Bytes(), &answer); err != nil {
		t.Fatalf("decode answer: %v", err)
	}
	if answer.Type != "answer" || answer.SDP != "v=0" {
		t.Errorf("unexpected answer %+v", answer)
	}
	if ms.lastOffer.SessionID != "a" || ms.lastOffer.Offer.SDP != "X" {
		t.Errorf("unexpected request %+v", ms.lastOffer)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("expected CORS header, got %q", got)
	}
}

func TestOffer_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"duplicate", fmt.Errorf("%w: a", domain.ErrDuplicateSession), http.StatusConflict, "duplicate_session"},
		{"negotiation", fmt.Errorf("%w: no codec", domain.ErrNegotiation), http.StatusBadRequest, "negotiation_failed"},
		{"timeout", fmt.Errorf("wait: %w", context.DeadlineExceeded), http.StatusGatewayTimeout, "negotiation_timeout"},
		{"hung up mid-offer", fmt.Errorf("%w: a closed during negotiation: %v", domain.ErrSessionNotFound, context.Canceled), http.StatusNotFound, "session_not_found"},
		{"attach", fmt.Errorf("%w: prefer", domain.ErrRelayAttach), http.StatusInternalServerError, "relay_attach_failed"},
		{"other", errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(Config{Sessions: &mockSessions{offerErr: tt.err}})
			rec := serve(t, s, http.MethodPost, "/webrtc/offer", `{"id":"a","offer":{"sdp":"X","type":"offer"}}`)
			if rec.Code != tt.status {
				t.Fatalf("expected %d, got %d", tt.status, rec.Code)
			}
			if e := decodeError(t, rec); e.Code != tt.code {
				t.Errorf("expected code %q, got %q", tt.code, e.Code)
			}
		})
	}
}

func TestOffer_BadBody(t *testing.T) {
	s := New(Config{Sessions: &mockSessions{}})
	rec := serve(t, s, http.MethodPost, "/webrtc/offer", `{"id":`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if e := decodeError(t, rec); e.Code != "bad_message" {
		t.Errorf("expected bad_message, got %q", e.Code)
	}
}

func TestGetPeers(t *testing.T) {
	ms := &mockSessions{
		ids: []string{"a", "b"},
		diagnostic: map[string]domain.Diagnostics{
			"a": {State: "connected", ConnectionState: "connected", SignalingState: "stable"},
		},
	}
	s := New(Config{Sessions: ms})

	rec := serve(t, s, http.MethodGet, "/webrtc/getpeers", "")
	var ids []string
	if err := json.Unmarshal(rec.Body.Bytes(), &ids); err != nil {
		t.Fatalf("decode ids: %v", err)
	}
	if !reflect.DeepEqual(ids, []string{"a", "b"}) {
		t.Errorf("expected [a b], got %v", ids)
	}

	rec = serve(t, s, http.MethodGet, "/webrtc/getpeers?verbose=true", "")
	var diag map[string]map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &diag); err != nil {
		t.Fatalf("decode diagnostics: %v", err)
	}
	if diag["a"]["connectionState"] != "connected" {
		t.Errorf("unexpected diagnostics %v", diag)
	}

	rec = serve(t, s, http.MethodGet, "/webrtc/getpeers?verbose=maybe", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad verbose flag, got %d", rec.Code)
	}
}

func TestGetPeers_EmptyIsArray(t *testing.T) {
	s := New(Config{Sessions: &mockSessions{ids: []string{}}})
	rec := serve(t, s, http.MethodGet, "/webrtc/getpeers", "")
	if got := strings.TrimSpace(rec.Body.String()); got != "[]" {
		t.Errorf("expected [], got %s", got)
	}
}

func TestHangUp(t *testing.T) {
	ms := &mockSessions{}
	s := New(Config{Sessions: ms})

	rec := serve(t, s, http.MethodDelete, "/webrtc/peers/a", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if ms.closedID != "a" {
		t.Errorf("expected close of a, got %q", ms.closedID)
	}

	ms.closeErr = fmt.Errorf("%w: b", domain.ErrSessionNotFound)
	rec = serve(t, s, http.MethodDelete, "/webrtc/peers/b", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if e := decodeError(t, rec); e.Code != "session_not_found" {
		t.Errorf("expected session_not_found, got %q", e.Code)
	}
}

func TestHealth(t *testing.T) {
	s := New(Config{Sessions: &mockSessions{}})
	rec := serve(t, s, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != `{"status":"ok"}` {
		t.Errorf("unexpected body %s", got)
	}
}

func TestPreflight(t *testing.T) {
	s := New(Config{Sessions: &mockSessions{}})
	rec := serve(t, s, http.MethodOptions, "/webrtc/offer", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Methods"); !strings.Contains(got, "POST") {
		t.Errorf("unexpected allow methods %q", got)
	}
}

func TestOptionalRoutes(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("# metrics\n"))
	})
	s := New(Config{Sessions: &mockSessions{}, Metrics: metrics})

	if rec := serve(t, s, http.MethodGet, "/metrics", ""); rec.Code != http.StatusOK || rec.Body.String() != "# metrics\n" {
		t.Errorf("metrics route: %d %q", rec.Code, rec.Body.String())
	}
	if rec := serve(t, s, http.MethodGet, "/ws/chat", ""); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 without chat handler, got %d", rec.Code)
	}
}
