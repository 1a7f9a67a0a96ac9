package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuthJWT(t *testing.T) {
	const secret = "s3cret"
	valid, err := SignJWT(secret, TokenClaims{Sub: "user-1", Exp: time.Now().Add(time.Hour).Unix()})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	expired, _ := SignJWT(secret, TokenClaims{Sub: "user-1", Exp: time.Now().Add(-time.Hour).Unix()})
	noSub, _ := SignJWT(secret, TokenClaims{Exp: time.Now().Add(time.Hour).Unix()})
	forged, _ := SignJWT("other", TokenClaims{Sub: "user-1"})

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{name: "valid", header: "Bearer " + valid, want: http.StatusOK},
		{name: "lowercase scheme", header: "bearer " + valid, want: http.StatusOK},
		{name: "missing", header: "", want: http.StatusUnauthorized},
		{name: "wrong scheme", header: "Basic abc", want: http.StatusUnauthorized},
		{name: "expired", header: "Bearer " + expired, want: http.StatusUnauthorized},
		{name: "no subject", header: "Bearer " + noSub, want: http.StatusUnauthorized},
		{name: "forged", header: "Bearer " + forged, want: http.StatusUnauthorized},
		{name: "garbage", header: "Bearer a.b", want: http.StatusUnauthorized},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var gotUser string
			h := AuthJWT(secret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotUser = UserIDFromContext(r.Context())
			}))
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)
			if rr.Code != tc.want {
				t.Fatalf("status = %d, want %d", rr.Code, tc.want)
			}
			if tc.want == http.StatusOK && gotUser != "user-1" {
				t.Fatalf("user = %q, want user-1", gotUser)
			}
			if tc.want != http.StatusOK && !strings.Contains(rr.Body.String(), `"code":"unauthorized"`) {
				t.Fatalf("unexpected body %s", rr.Body.String())
			}
		})
	}
}

func TestRequestIDAndLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	h := RequestID(Logger(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		zerolog.Ctx(r.Context()).Info().Msg("inside")
		w.WriteHeader(http.StatusTeapot)
	})))

	req := httptest.NewRequest(http.MethodGet, "/tryon/image/x", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Header().Get("X-Request-ID") != "req-42" {
		t.Fatalf("request id not echoed: %q", rr.Header().Get("X-Request-ID"))
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("log lines = %d, want 2: %s", len(lines), buf.String())
	}
	var access map[string]any
	if err := json.Unmarshal([]byte(lines[1]), &access); err != nil {
		t.Fatalf("decode log: %v", err)
	}
	if access["request_id"] != "req-42" || access["status"] != float64(http.StatusTeapot) || access["level"] != "warn" {
		t.Fatalf("unexpected access log: %v", access)
	}
	if !strings.Contains(lines[0], `"request_id":"req-42"`) {
		t.Fatalf("handler log missing request id: %s", lines[0])
	}
}

func TestRequestIDReplacesInvalidHeader(t *testing.T) {
	h := RequestID(okHandler())
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "has space")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if got := rr.Header().Get("X-Request-ID"); got == "" || got == "has space" {
		t.Fatalf("request id = %q, want generated", got)
	}
}

func TestCORS(t *testing.T) {
	h := CORS([]string{"https://app.inkup.test"})(okHandler())

	req := httptest.NewRequest(http.MethodOptions, "/tryon", nil)
	req.Header.Set("Origin", "https://app.inkup.test")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent || rr.Header().Get("Access-Control-Allow-Origin") != "https://app.inkup.test" {
		t.Fatalf("preflight: status %d, origin %q", rr.Code, rr.Header().Get("Access-Control-Allow-Origin"))
	}

	req = httptest.NewRequest(http.MethodGet, "/tryon", nil)
	req.Header.Set("Origin", "https://evil.test")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatalf("unknown origin allowed")
	}
}
