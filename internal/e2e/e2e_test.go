package e2e

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/entitlements/internal/auth"
	"github.com/smallbiznis/entitlements/internal/clock"
	"github.com/smallbiznis/entitlements/internal/config"
	"github.com/smallbiznis/entitlements/internal/engine"
	"github.com/smallbiznis/entitlements/internal/entitlement"
	entitlementdomain "github.com/smallbiznis/entitlements/internal/entitlement/domain"
	"github.com/smallbiznis/entitlements/internal/events"
	"github.com/smallbiznis/entitlements/internal/migration"
	"github.com/smallbiznis/entitlements/internal/notifier"
	"github.com/smallbiznis/entitlements/internal/observability"
	"github.com/smallbiznis/entitlements/internal/plan"
	plandomain "github.com/smallbiznis/entitlements/internal/plan/domain"
	"github.com/smallbiznis/entitlements/internal/ratelimit"
	"github.com/smallbiznis/entitlements/internal/redisclient"
	"github.com/smallbiznis/entitlements/internal/seed"
	"github.com/smallbiznis/entitlements/internal/server"
	"github.com/smallbiznis/entitlements/internal/subscription"
	subscriptiondomain "github.com/smallbiznis/entitlements/internal/subscription/domain"
	"github.com/smallbiznis/entitlements/internal/usage"
	"github.com/smallbiznis/entitlements/pkg/db"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

const e2eAdminKey = "e2e-admin-key"

type testEnv struct {
	app      *fx.App
	server   *server.Server
	db       *gorm.DB
	verifier *auth.TokenVerifier
	baseURL  string
	httpSrv  *httptest.Server
	dir      string
}

var env *testEnv

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)

	dir, err := os.MkdirTemp("", "entitlements-e2e-")
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to create temp dir:", err)
		os.Exit(1)
	}
	setDefaultEnv(dir)

	env, err = startEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to start test environment:", err)
		_ = os.RemoveAll(dir)
		os.Exit(1)
	}
	env.dir = dir

	code := m.Run()
	env.shutdown()
	os.Exit(code)
}

func TestE2E_HealthCheck(t *testing.T) {
	resetDatabase(t, env.db)

	resp, err := http.Get(env.baseURL + "/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}
}

func TestE2E_CatalogSeeded(t *testing.T) {
	resetDatabase(t, env.db)

	var count int64
	if err := env.db.Model(&plandomain.PlanConfig{}).Count(&count).Error; err != nil {
		t.Fatalf("count plan configs: %v", err)
	}
	if count != 5 {
		t.Fatalf("expected 5 seeded tiers, got %d", count)
	}

	var payload struct {
		Data []plandomain.Tier `json:"data"`
	}
	resp, body := doJSON(t, newHTTPClient(), http.MethodGet, env.baseURL+"/v1/plans", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200 for plans, got %d: %s", resp.StatusCode, string(body))
	}
	decode(t, body, &payload)
	if len(payload.Data) < 5 || payload.Data[0].ID != plandomain.TierFree {
		t.Fatalf("unexpected plan listing: %s", string(body))
	}
}

func TestE2E_FreeQuotaThenUpgrade(t *testing.T) {
	resetDatabase(t, env.db)

	client := newHTTPClient()
	headers := bearer(t, "e2e-upgrade-user")
	consumeURL := env.baseURL + "/v1/entitlements/aiMessages/consume"

	for i := 1; i <= 5; i++ {
		decision := consume(t, client, consumeURL, headers)
		if !decision.Allowed {
			t.Fatalf("call %d: expected allowed, got %+v", i, decision)
		}
		if decision.Count != i {
			t.Fatalf("call %d: expected count %d, got %d", i, i, decision.Count)
		}
	}

	denied := consume(t, client, consumeURL, headers)
	if denied.Allowed {
		t.Fatalf("expected sixth call to be denied")
	}
	if !strings.Contains(denied.Reason, "5") {
		t.Fatalf("expected reason to mention the limit, got %q", denied.Reason)
	}

	resp, body := doJSON(t, client, http.MethodPost, env.baseURL+"/v1/subscription/plan", map[string]any{
		"tier_id": plandomain.TierProMonthly,
	}, headers)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200 for plan change, got %d: %s", resp.StatusCode, string(body))
	}
	var sub struct {
		Data subscriptiondomain.Subscription `json:"data"`
	}
	decode(t, body, &sub)
	if sub.Data.TierID != plandomain.TierProMonthly {
		t.Fatalf("expected tier %s, got %s", plandomain.TierProMonthly, sub.Data.TierID)
	}

	upgraded := consume(t, client, consumeURL, headers)
	if !upgraded.Allowed || upgraded.Count != 1 {
		t.Fatalf("expected allowed with count 1 after upgrade, got %+v", upgraded)
	}
	if upgraded.Limit != 500 {
		t.Fatalf("expected pro limit 500, got %d", upgraded.Limit)
	}
}

func TestE2E_CustomTierAssignment(t *testing.T) {
	resetDatabase(t, env.db)

	client := newHTTPClient()
	adminHeaders := map[string]string{server.HeaderAdminKey: e2eAdminKey}
	resp, body := doJSON(t, client, http.MethodPut, env.baseURL+"/admin/plans/e2e-team", map[string]any{
		"display_name":   "Team",
		"billing_period": "monthly",
		"quotas":         map[string]int{"pdfExports": 2},
	}, adminHeaders)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200 for plan upsert, got %d: %s", resp.StatusCode, string(body))
	}
	t.Cleanup(func() {
		doJSON(t, client, http.MethodDelete, env.baseURL+"/admin/plans/e2e-team", nil, adminHeaders)
	})

	headers := bearer(t, "e2e-team-user")
	resp, body = doJSON(t, client, http.MethodPost, env.baseURL+"/v1/subscription/plan", map[string]any{
		"tier_id": "e2e-team",
	}, headers)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200 for plan change, got %d: %s", resp.StatusCode, string(body))
	}

	consumeURL := env.baseURL + "/v1/entitlements/pdfExports/consume"
	for i := 0; i < 2; i++ {
		if d := consume(t, client, consumeURL, headers); !d.Allowed {
			t.Fatalf("call %d: expected allowed, got %+v", i+1, d)
		}
	}
	if d := consume(t, client, consumeURL, headers); d.Allowed {
		t.Fatalf("expected third export to be denied under the custom tier")
	}

	// Quotas the custom tier leaves out come from the free tier.
	resp, body = doJSON(t, client, http.MethodGet, env.baseURL+"/v1/entitlements/aiMessages", nil, headers)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200 for peek, got %d: %s", resp.StatusCode, string(body))
	}
	var peek struct {
		Data entitlementdomain.Decision `json:"data"`
	}
	decode(t, body, &peek)
	if peek.Data.Limit != 5 {
		t.Fatalf("expected inherited free limit 5, got %d", peek.Data.Limit)
	}
}

func TestE2E_UsageStream(t *testing.T) {
	resetDatabase(t, env.db)

	headers := bearer(t, "e2e-stream-user")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, env.baseURL+"/v1/usage/stream", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stream request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200 for stream, got %d", resp.StatusCode)
	}

	snapshots := make(chan entitlementdomain.Snapshot, 8)
	go readSnapshots(resp.Body, snapshots)

	initial := nextSnapshot(t, snapshots)
	if initial.UserID != "e2e-stream-user" || initial.Usage.Count(plandomain.ActionBulletNote) != 0 {
		t.Fatalf("unexpected initial snapshot: %+v", initial)
	}

	consume(t, newHTTPClient(), env.baseURL+"/v1/entitlements/bulletNotes/consume", headers)

	for {
		snap := nextSnapshot(t, snapshots)
		if snap.Usage.Count(plandomain.ActionBulletNote) == 1 {
			if snap.Remaining[string(plandomain.ActionBulletNote)] != 2 {
				t.Fatalf("expected 2 remaining, got %+v", snap.Remaining)
			}
			return
		}
	}
}

func TestE2E_MetricsExposeDecisions(t *testing.T) {
	resetDatabase(t, env.db)

	consume(t, newHTTPClient(), env.baseURL+"/v1/entitlements/summaryNotes/consume", bearer(t, "e2e-metrics-user"))

	resp, body := doJSON(t, newHTTPClient(), http.MethodGet, env.baseURL+"/metrics", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200 for metrics, got %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), "entitlement_decisions_total") {
		t.Fatalf("expected entitlement decision counter in metrics output")
	}
}

func startEnv() (*testEnv, error) {
	var (
		srv      *server.Server
		dbConn   *gorm.DB
		verifier *auth.TokenVerifier
	)

	app := fx.New(
		config.Module,
		observability.Module,
		db.Module,
		clock.Module,
		redisclient.Module,
		events.Module,
		ratelimit.Module,
		migration.Module,
		plan.Module,
		usage.Module,
		subscription.Module,
		entitlement.Module,
		notifier.Module,
		auth.Module,
		engine.Module,
		server.Module,
		fx.Provide(func() (*snowflake.Node, error) {
			return snowflake.NewNode(1)
		}),
		fx.NopLogger,
		fx.Populate(&srv, &dbConn, &verifier),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := app.Start(ctx); err != nil {
		return nil, err
	}

	httpSrv := httptest.NewServer(srv.Engine())

	return &testEnv{
		app:      app,
		server:   srv,
		db:       dbConn,
		verifier: verifier,
		baseURL:  httpSrv.URL,
		httpSrv:  httpSrv,
	}, nil
}

func (e *testEnv) shutdown() {
	if e == nil {
		return
	}
	if e.httpSrv != nil {
		e.httpSrv.Close()
	}
	if e.app != nil {
		_ = e.app.Stop(context.Background())
	}
	if e.dir != "" {
		_ = os.RemoveAll(e.dir)
	}
}

func setDefaultEnv(dir string) {
	setEnvIfEmpty("ENVIRONMENT", "test")
	setEnvIfEmpty("LOG_LEVEL", "error")
	setEnvIfEmpty("HTTP_ADDR", "127.0.0.1:0")
	setEnvIfEmpty("DATABASE_TYPE", "sqlite")
	setEnvIfEmpty("DATABASE_PATH", filepath.Join(dir, "entitlements.db"))
	setEnvIfEmpty("EVENT_BUS", "memory")
	setEnvIfEmpty("AUTH_JWT_SECRET", "e2e-secret")
	setEnvIfEmpty("ADMIN_API_KEY", e2eAdminKey)
	setEnvIfEmpty("USAGE_RETENTION_ENABLED", "false")
	setEnvIfEmpty("OTEL_ENABLED", "false")
}

func setEnvIfEmpty(key, value string) {
	if strings.TrimSpace(os.Getenv(key)) != "" {
		return
	}
	_ = os.Setenv(key, value)
}

func resetDatabase(t *testing.T, dbConn *gorm.DB) {
	t.Helper()
	for _, table := range []string{"plan_changes", "daily_usage", "subscriptions", "plan_configs"} {
		if err := dbConn.Exec("DELETE FROM " + table).Error; err != nil {
			t.Fatalf("clear %s: %v", table, err)
		}
	}
	if _, err := seed.EnsurePlanConfigs(context.Background(), dbConn, time.Now().UTC()); err != nil {
		t.Fatalf("seed plan catalog: %v", err)
	}
}

func bearer(t *testing.T, userID string) map[string]string {
	t.Helper()
	token, err := env.verifier.Issue(userID, time.Hour, time.Now())
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + token}
}

func consume(t *testing.T, client *http.Client, reqURL string, headers map[string]string) entitlementdomain.Decision {
	t.Helper()
	resp, body := doJSON(t, client, http.MethodPost, reqURL, nil, headers)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200 for consume, got %d: %s", resp.StatusCode, string(body))
	}
	var payload struct {
		Data entitlementdomain.Decision `json:"data"`
	}
	decode(t, body, &payload)
	return payload.Data
}

func readSnapshots(r io.Reader, out chan<- entitlementdomain.Snapshot) {
	defer close(out)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var snap entitlementdomain.Snapshot
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &snap); err != nil {
			continue
		}
		out <- snap
	}
}

func nextSnapshot(t *testing.T, snapshots <-chan entitlementdomain.Snapshot) entitlementdomain.Snapshot {
	t.Helper()
	select {
	case snap, ok := <-snapshots:
		if !ok {
			t.Fatalf("usage stream closed")
		}
		return snap
	case <-time.After(5 * time.Second):
		t.Fatalf("no snapshot received")
	}
	return entitlementdomain.Snapshot{}
}

func decode(t *testing.T, body []byte, v any) {
	t.Helper()
	if err := json.Unmarshal(body, v); err != nil {
		t.Fatalf("decode response: %v: %s", err, string(body))
	}
}

func doJSON(t *testing.T, client *http.Client, method, reqURL string, payload any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("encode json: %v", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, reqURL, body)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	return resp, data
}

func newHTTPClient() *http.Client {
	return &http.Client{Timeout: 15 * time.Second}
}
