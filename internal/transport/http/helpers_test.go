package http

import (
	"bytes"
	"encoding/json"
	stdhttp "net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/duochat/internal/auth"
	"github.com/vovakirdan/duochat/internal/config"
	"github.com/vovakirdan/duochat/internal/delivery"
	"github.com/vovakirdan/duochat/internal/feed"
	"github.com/vovakirdan/duochat/internal/notify"
	"github.com/vovakirdan/duochat/internal/participants"
	"github.com/vovakirdan/duochat/internal/store/sqlite"
)

type testServer struct {
	*httptest.Server
	jwt *auth.JWTConfig
}

func startTestServer(t *testing.T, mutate func(*config.Config)) *testServer {
	t.Helper()

	cfg := config.Default()
	cfg.JWTSecret = "testsecret"
	cfg.MaxBodyBytes = 256
	if mutate != nil {
		mutate(&cfg)
	}

	st, err := sqlite.NewWithSetup(":memory:", sqlite.Migrate)
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	hub := notify.NewHub()
	t.Cleanup(func() { _ = hub.Close() })

	disabledLogger := zerolog.New(nil)
	registry := prometheus.NewRegistry()

	jwtCfg := &auth.JWTConfig{
		Secret:   []byte(cfg.JWTSecret),
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
		TTL:      time.Hour,
	}
	deps := Deps{
		Delivery: delivery.New(feed.New(st, hub, &disabledLogger), &disabledLogger, delivery.Options{
			MaxBodyBytes:       cfg.MaxBodyBytes,
			ResubscribeInitial: 10 * time.Millisecond,
			ResubscribeMax:     50 * time.Millisecond,
			Metrics:            delivery.NewMetrics(registry),
		}),
		Participants: participants.New(st),
		JWT:          jwtCfg,
		Gatherer:     registry,
	}

	server := NewServer(deps, &cfg, &disabledLogger)
	ts := httptest.NewServer(server.Handler)
	// Close the server before the store so open connections release their views first.
	t.Cleanup(ts.Close)

	return &testServer{Server: ts, jwt: jwtCfg}
}

func (s *testServer) token(t *testing.T, id, name string) string {
	t.Helper()
	token, err := auth.GenerateToken(s.jwt, id, name)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	return token
}

// do sends an authenticated JSON request and decodes the response into out.
func (s *testServer) do(t *testing.T, method, path, token string, body, out any) int {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := stdhttp.NewRequest(method, s.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := s.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return resp.StatusCode
}
