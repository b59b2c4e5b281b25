package handlers

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"giveaway/internal/auth"
	"giveaway/internal/metrics"
	"giveaway/internal/models"
	"giveaway/internal/services"
	"giveaway/internal/storage/memory"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestRouter(t *testing.T, winRate float64, stock int) *gin.Engine {
	t.Helper()
	store := memory.New()
	game := &models.Game{ID: 3, Name: "launch", WinRate: winRate}
	prizes := []*models.Prize{{ID: 30, Name: "sticker pack", Weight: 1, CurrentStock: stock, InitialStock: stock}}
	if err := store.SeedGame(context.Background(), game, prizes); err != nil {
		t.Fatalf("Failed to seed game: %v", err)
	}
	recorder := metrics.NewRecorder()
	svc := services.NewDrawService(store, store, store, auth.NewRoleGate(),
		services.WithRandom(services.FixedRandom(0)),
		services.WithRecorder(recorder))

	r := gin.New()
	NewHTTPHandler(svc, recorder.Handler()).RegisterRoutes(r)
	return r
}

func do(r http.Handler, method, path, user, roles, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if user != "" {
		req.Header.Set(HeaderUserID, user)
	}
	if roles != "" {
		req.Header.Set(HeaderUserRoles, roles)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestPerformDraw_Win(t *testing.T) {
	r := newTestRouter(t, 1, 2)

	rec := do(r, http.MethodPost, "/games/3/draws", "alice", "player", `{"userId":"alice"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("Expected 201, but got %d: %s", rec.Code, rec.Body.String())
	}
	var ev struct {
		UserID  string `json:"userId"`
		PrizeID *int64 `json:"prizeId"`
		IsWin   bool   `json:"isWin"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &ev); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if !ev.IsWin || ev.PrizeID == nil || *ev.PrizeID != 30 || ev.UserID != "alice" {
		t.Errorf("Expected alice to win prize 30, but got %+v", ev)
	}
}

func TestPerformDraw_StatusMapping(t *testing.T) {
	tests := []struct {
		name  string
		path  string
		user  string
		roles string
		body  string
		want  int
	}{
		{"anonymous", "/games/3/draws", "", "", `{}`, http.StatusUnauthorized},
		{"bad game id", "/games/abc/draws", "alice", "player", `{}`, http.StatusBadRequest},
		{"malformed body", "/games/3/draws", "alice", "player", `{"userId":`, http.StatusBadRequest},
		{"unknown game", "/games/99/draws", "alice", "player", `{}`, http.StatusNotFound},
		{"other user", "/games/3/draws", "alice", "player", `{"userId":"bob"}`, http.StatusForbidden},
		{"no role", "/games/3/draws", "alice", "", `{}`, http.StatusForbidden},
	}

	r := newTestRouter(t, 1, 5)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(r, http.MethodPost, tt.path, tt.user, tt.roles, tt.body)
			if rec.Code != tt.want {
				t.Errorf("Expected %d, but got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestPerformDraw_RateLimited(t *testing.T) {
	r := newTestRouter(t, 0, 5)

	if rec := do(r, http.MethodPost, "/games/3/draws", "alice", "player", ""); rec.Code != http.StatusCreated {
		t.Fatalf("Expected first draw to succeed, but got %d: %s", rec.Code, rec.Body.String())
	}
	rec := do(r, http.MethodPost, "/games/3/draws", "alice", "player", "")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("Expected 429, but got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("Expected a Retry-After header")
	}

	rec = do(r, http.MethodGet, "/games/3/next-draw", "alice", "player", "")
	var next struct {
		Allowed     bool  `json:"allowed"`
		WaitSeconds int64 `json:"waitSeconds"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &next); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if next.Allowed || next.WaitSeconds < 29 || next.WaitSeconds > 30 {
		t.Errorf("Expected a wait of about 30s, but got %+v", next)
	}
}

func TestPerformDraw_OutOfStock(t *testing.T) {
	r := newTestRouter(t, 1, 0)

	rec := do(r, http.MethodPost, "/games/3/draws", "root", "admin", "")
	if rec.Code != http.StatusConflict {
		t.Errorf("Expected 409, but got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestListDraws_AccessControl(t *testing.T) {
	r := newTestRouter(t, 0, 5)
	do(r, http.MethodPost, "/games/3/draws", "alice", "player", "")
	do(r, http.MethodPost, "/games/3/draws", "bob", "player", "")

	rec := do(r, http.MethodGet, "/games/3/draws", "alice", "player", "")
	var resp struct {
		Draws []models.DrawEvent `json:"draws"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(resp.Draws) != 1 || resp.Draws[0].UserID != "alice" {
		t.Errorf("Expected only alice's draw, but got %+v", resp.Draws)
	}

	if rec := do(r, http.MethodGet, "/games/3/draws?userId=bob", "alice", "player", ""); rec.Code != http.StatusForbidden {
		t.Errorf("Expected 403 reading bob's history, but got %d", rec.Code)
	}
	if rec := do(r, http.MethodGet, "/games/3/draws?limit=-1", "root", "admin", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for a negative limit, but got %d", rec.Code)
	}

	rec = do(r, http.MethodGet, "/games/3/draws?limit=1", "root", "admin", "")
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(resp.Draws) != 1 {
		t.Errorf("Expected limit to apply, but got %d draws", len(resp.Draws))
	}
}

func TestExportDrawsCSV(t *testing.T) {
	r := newTestRouter(t, 1, 5)
	do(r, http.MethodPost, "/games/3/draws", "root", "admin", "")

	rec := do(r, http.MethodGet, "/games/3/draws/export", "root", "admin", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, but got %d", rec.Code)
	}
	body := rec.Body.Bytes()
	if !bytes.HasPrefix(body, []byte("\xef\xbb\xbf")) {
		t.Fatal("Expected the CSV to start with a UTF-8 BOM")
	}
	records, err := csv.NewReader(bytes.NewReader(body[3:])).ReadAll()
	if err != nil {
		t.Fatalf("Failed to parse CSV: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("Expected header plus 1 row, but got %d records", len(records))
	}
	row := records[1]
	if row[1] != "root" || row[3] != "win" || row[4] != "30" || row[5] != "sticker pack" {
		t.Errorf("Unexpected CSV row %v", row)
	}
}

func TestThrottleMiddleware(t *testing.T) {
	r := gin.New()
	r.Use(ThrottleMiddleware(1))
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	if rec := do(r, http.MethodGet, "/ping", "", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("Expected the first request through, but got %d", rec.Code)
	}
	if rec := do(r, http.MethodGet, "/ping", "", "", ""); rec.Code != http.StatusTooManyRequests {
		t.Errorf("Expected 429 once the bucket is empty, but got %d", rec.Code)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	r := newTestRouter(t, 0, 1)
	do(r, http.MethodPost, "/games/3/draws", "alice", "player", "")

	if rec := do(r, http.MethodGet, "/healthz", "", "", ""); rec.Code != http.StatusOK {
		t.Errorf("Expected 200 from /healthz, but got %d", rec.Code)
	}
	rec := do(r, http.MethodGet, "/metrics", "", "", "")
	if !strings.Contains(rec.Body.String(), `giveaway_draws_total{outcome="lose"} 1`) {
		t.Errorf("Expected the losing draw in /metrics, got:\n%s", rec.Body.String())
	}
}
