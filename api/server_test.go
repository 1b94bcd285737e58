package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gregtusar/pairs/pkg/models"
	"github.com/gregtusar/pairs/pkg/trader"
	"github.com/sirupsen/logrus"
)

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type fakeState struct{}

func (fakeState) Pairs() []models.CandidatePair {
	return []models.CandidatePair{{A: "KO", B: "PEP", PValue: 0.01, HedgeRatio: 0.4}}
}

func (fakeState) Statuses() []trader.PairStatus { return nil }

func (fakeState) Positions() []models.PairPosition {
	return []models.PairPosition{{
		Pair:  models.CandidatePair{A: "KO", B: "PEP"},
		State: models.StateLongSpreadOpen,
		QtyA:  3,
		QtyB:  1,
	}}
}

type fakeTrades struct {
	gotLimit int
}

func (f *fakeTrades) ListTrades(ctx context.Context, limit int) ([]models.TradeRecord, error) {
	f.gotLimit = limit
	return []models.TradeRecord{{ID: "t1", PairID: "KO/PEP", Action: "entry"}}, nil
}

func do(t *testing.T, h http.Handler, method, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestOpenEndpoints(t *testing.T) {
	trades := &fakeTrades{}
	h := NewServer(fakeState{}, trades, "", newTestLogger(), "0").Handler()

	rec := do(t, h, http.MethodGet, "/api/pairs", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("/api/pairs status = %d", rec.Code)
	}
	var body struct {
		Pairs    []models.CandidatePair `json:"pairs"`
		Statuses []trader.PairStatus    `json:"statuses"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if len(body.Pairs) != 1 || body.Pairs[0].ID() != "KO/PEP" || body.Statuses == nil {
		t.Errorf("pairs body = %+v", body)
	}

	rec = do(t, h, http.MethodGet, "/api/positions", "")
	var positions []models.PairPosition
	json.NewDecoder(rec.Body).Decode(&positions)
	if len(positions) != 1 || positions[0].State != models.StateLongSpreadOpen {
		t.Errorf("positions = %+v", positions)
	}

	rec = do(t, h, http.MethodGet, "/api/trades?limit=5", "")
	if rec.Code != http.StatusOK || trades.gotLimit != 5 {
		t.Errorf("trades status = %d limit = %d", rec.Code, trades.gotLimit)
	}

	if rec := do(t, h, http.MethodGet, "/api/trades?limit=x", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/api/positions", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST status = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/metrics", ""); rec.Code != http.StatusOK {
		t.Errorf("/metrics status = %d", rec.Code)
	}
}

func TestJWTAuth(t *testing.T) {
	const secret = "s3cret"
	h := NewServer(fakeState{}, nil, secret, newTestLogger(), "0").Handler()

	valid, err := IssueToken(secret, "operator", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	wrongKey, _ := IssueToken("other", "operator", time.Hour)
	expired, _ := IssueToken(secret, "operator", -time.Minute)
	noExp, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "x"}).SignedString([]byte(secret))

	tests := []struct {
		name  string
		path  string
		token string
		want  int
	}{
		{name: "health is public", path: "/api/health", want: http.StatusOK},
		{name: "missing token", path: "/api/pairs", want: http.StatusUnauthorized},
		{name: "valid token", path: "/api/pairs", token: valid, want: http.StatusOK},
		{name: "wrong key", path: "/api/positions", token: wrongKey, want: http.StatusUnauthorized},
		{name: "expired", path: "/api/trades", token: expired, want: http.StatusUnauthorized},
		{name: "no expiry", path: "/api/trades", token: noExp, want: http.StatusUnauthorized},
		{name: "trades without store", path: "/api/trades", token: valid, want: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := do(t, h, http.MethodGet, tt.path, tt.token); rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestCORSPreflight(t *testing.T) {
	h := NewServer(fakeState{}, nil, "secret", newTestLogger(), "0").Handler()
	rec := do(t, h, http.MethodOptions, "/api/pairs", "")
	if rec.Code != http.StatusOK {
		t.Errorf("preflight status = %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS header")
	}
}
