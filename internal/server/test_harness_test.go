package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"

	"echo-backend/internal/config"
	"echo-backend/internal/db"
)

var (
	testPool              *pgxpool.Pool
	baseTestConfig        config.Config
	integrationDBReady    bool
	integrationSkipReason string
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	baseTestConfig = newTestConfig()

	testDatabaseURL := strings.TrimSpace(os.Getenv("TEST_DATABASE_URL"))
	if testDatabaseURL == "" {
		integrationSkipReason = "integration tests skipped: TEST_DATABASE_URL is not set"
		fmt.Fprintln(os.Stderr, integrationSkipReason)
		os.Exit(m.Run())
	}
	testDatabaseURL = withSimpleProtocol(testDatabaseURL)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	pool, err := db.Connect(ctx, testDatabaseURL)
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "integration test setup failed: cannot connect TEST_DATABASE_URL: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	err = pool.Ping(ctx)
	cancel()
	if err != nil {
		pool.Close()
		fmt.Fprintf(os.Stderr, "integration test setup failed: database ping failed: %v\n", err)
		os.Exit(1)
	}

	if err := verifyRequiredTables(pool); err != nil {
		pool.Close()
		fmt.Fprintf(os.Stderr, "integration test setup failed: %v\n", err)
		os.Exit(1)
	}

	testPool = pool
	integrationDBReady = true

	exitCode := m.Run()
	testPool.Close()
	os.Exit(exitCode)
}

func withSimpleProtocol(rawURL string) string {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return rawURL
	}
	queries := parsed.Query()
	queries.Set("default_query_exec_mode", "simple_protocol")
	parsed.RawQuery = queries.Encode()
	return parsed.String()
}

func newTestConfig() config.Config {
	cfg := config.Config{
		AppEnv:            "test",
		AppName:           "Echo Backend Test",
		APIPrefix:         "/api",
		AppPort:           "0",
		DatabaseURL:       "test",
		JWTSecret:         "test-secret-1234567890-abcdefghij",
		JWTAlgorithm:      "HS256",
		CORSAllowOrigins:  []string{"http://localhost:3000"},
		OllamaBaseURL:     "http://localhost:11434",
		OllamaModel:       "llama2",
		AITemperature:     0.1,
		AIChatTimeoutSecs: 5,
		AIGenTimeoutSecs:  5,
		AIRetryCount:      3,
		AIRetryDelaySecs:  0,
		AIUseMockClient:   true,
	}

	if v := strings.TrimSpace(os.Getenv("TEST_JWT_SECRET")); v != "" {
		cfg.JWTSecret = v
	}
	return cfg
}

func verifyRequiredTables(pool *pgxpool.Pool) error {
	required := []string{
		"users",
		"conversation_history",
		"diary_entries",
		"psychological_tests",
		"llm_metrics",
		"api_hits",
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	missing := make([]string, 0)
	for _, table := range required {
		var exists bool
		if err := pool.QueryRow(
			ctx,
			`SELECT EXISTS (
				SELECT 1
				FROM information_schema.tables
				WHERE table_schema = 'public' AND table_name = $1
			)`,
			table,
		).Scan(&exists); err != nil {
			return fmt.Errorf("failed to validate schema table %q: %w", table, err)
		}
		if !exists {
			missing = append(missing, table)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf(
			"missing required tables: %s. Apply scripts/schema.sql to TEST_DATABASE_URL before running integration tests",
			strings.Join(missing, ", "),
		)
	}
	return nil
}

func requireIntegration(t *testing.T) {
	t.Helper()
	if !integrationDBReady {
		if integrationSkipReason == "" {
			integrationSkipReason = "integration tests skipped: TEST_DATABASE_URL is not configured"
		}
		t.Skip(integrationSkipReason)
	}
}

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	return newTestRouterWithAI(t, &MockAIClient{})
}

func newTestRouterWithAI(t *testing.T, ai AIClient) *gin.Engine {
	t.Helper()
	requireIntegration(t)
	return NewWithAI(baseTestConfig, testPool, ai).Router()
}

func resetDatabase(t *testing.T) {
	t.Helper()
	requireIntegration(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := testPool.Exec(
		ctx,
		`TRUNCATE TABLE
			api_hits,
			llm_metrics,
			psychological_tests,
			diary_entries,
			conversation_history,
			users
		RESTART IDENTITY CASCADE`,
	)
	if err != nil {
		t.Fatalf("reset database: %v", err)
	}
}

type accountFixture struct {
	UserID   string
	Username string
	Password string
	Token    string
}

func seedAccount(t *testing.T, username string, isAdmin bool) accountFixture {
	t.Helper()
	requireIntegration(t)
	if strings.TrimSpace(username) == "" {
		username = "user-" + testID()[:8]
	}
	password := "Test-pass1!"

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	userID := testID()
	email := username + "@example.com"
	_, err = testPool.Exec(
		ctx,
		`INSERT INTO users (id, username, password_hash, email, full_name, confirmed, is_active, is_admin, created_at)
		 VALUES ($1, $2, $3, $4, NULL, TRUE, TRUE, $5, NOW())`,
		userID,
		username,
		string(hash),
		email,
		isAdmin,
	)
	if err != nil {
		t.Fatalf("seed account: %v", err)
	}

	return accountFixture{
		UserID:   userID,
		Username: username,
		Password: password,
		Token:    signAccessToken(t, userID),
	}
}

func seedConversationTurn(t *testing.T, userID, mode, message string, isUser bool, createdAt time.Time) {
	t.Helper()
	requireIntegration(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := testPool.Exec(
		ctx,
		`INSERT INTO conversation_history (user_id, mode, message, is_user_message, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		userID,
		mode,
		message,
		isUser,
		createdAt.UTC(),
	)
	if err != nil {
		t.Fatalf("seed conversation turn: %v", err)
	}
}

func seedTestResult(t *testing.T, userID, testType string, answers any, score float64, interpretation string) int64 {
	t.Helper()
	requireIntegration(t)

	encoded, err := json.Marshal(answers)
	if err != nil {
		t.Fatalf("marshal answers: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var id int64
	err = testPool.QueryRow(
		ctx,
		`INSERT INTO psychological_tests (user_id, test_type, answers, score, interpretation, ai_analysis, created_at)
		 VALUES ($1, $2, $3, $4, $5, 'seeded analysis', NOW())
		 RETURNING id`,
		userID,
		testType,
		string(encoded),
		score,
		interpretation,
	).Scan(&id)
	if err != nil {
		t.Fatalf("seed test result: %v", err)
	}
	return id
}

func signAccessToken(t *testing.T, sub string) string {
	t.Helper()
	return signScopedTestToken(t, sub, scopeAccessToken, 1*time.Hour)
}

func signScopedTestToken(t *testing.T, sub, scope string, ttl time.Duration) string {
	t.Helper()

	claims := jwt.MapClaims{
		"sub":   sub,
		"scope": scope,
		"iat":   time.Now().UTC().Add(-1 * time.Minute).Unix(),
		"exp":   time.Now().UTC().Add(ttl).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(baseTestConfig.JWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func performRequest(
	t *testing.T,
	router http.Handler,
	method, targetPath, token string,
	body any,
	headers map[string]string,
) *httptest.ResponseRecorder {
	t.Helper()

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
	}

	req := httptest.NewRequest(method, targetPath, bytes.NewReader(payload))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if strings.TrimSpace(token) != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeJSONMap(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response JSON: %v; body=%s", err, rec.Body.String())
	}
	return payload
}

func responseDetail(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	body := decodeJSONMap(t, rec)
	detail, _ := body["detail"].(string)
	return detail
}

func countRows(t *testing.T, table, whereClause string, args ...any) int64 {
	t.Helper()
	requireIntegration(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	query := `SELECT COUNT(*) FROM ` + table
	if strings.TrimSpace(whereClause) != "" {
		query += ` WHERE ` + whereClause
	}
	var count int64
	if err := testPool.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		t.Fatalf("count rows in %s: %v", table, err)
	}
	return count
}

func testID() string {
	return uuid.NewString()
}
