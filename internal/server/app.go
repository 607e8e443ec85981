package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"echo-backend/internal/config"
)

const (
	scopeAccessToken   = "access_token"
	scopeRefreshToken  = "refresh_token"
	scopeEmailConfirm  = "email_confirm"
	scopePasswordReset = "reset_password"

	accessTokenTTL   = 15 * time.Minute
	refreshTokenTTL  = 7 * 24 * time.Hour
	emailConfirmTTL  = 24 * time.Hour
	passwordResetTTL = 1 * time.Hour
)

type dbQuerier interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
}

type App struct {
	cfg     config.Config
	db      *pgxpool.Pool
	ai      AIClient
	metrics *appMetrics
	mailer  Mailer
}

type AuthUser struct {
	ID        string
	Username  string
	Email     *string
	FullName  *string
	Confirmed bool
	IsActive  bool
	IsAdmin   bool
	CreatedAt time.Time
}

func New(cfg config.Config, db *pgxpool.Pool) *App {
	var ai AIClient
	if cfg.AIUseMockClient {
		ai = &MockAIClient{}
	} else {
		ai = NewOllamaClient(cfg)
	}
	return NewWithAI(cfg, db, ai)
}

func NewWithAI(cfg config.Config, db *pgxpool.Pool, ai AIClient) *App {
	return &App{
		cfg:     cfg,
		db:      db,
		ai:      ai,
		metrics: newAppMetrics(),
		mailer:  NewMailer(cfg),
	}
}

func (a *App) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     a.cfg.CORSAllowOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		ExposeHeaders:    []string{"Content-Length", "Content-Disposition"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/health", a.health)
	router.GET("/metrics", a.metrics.handler())

	api := router.Group(a.cfg.APIPrefix)
	api.Use(a.requestMetricsMiddleware())

	auth := api.Group("/auth")
	auth.POST("/signup", a.signup)
	auth.POST("/login", a.login)
	auth.POST("/refresh_token", a.refreshToken)
	auth.GET("/confirm_email/:token", a.confirmEmail)
	auth.POST("/request_email", a.requestConfirmationEmail)
	auth.POST("/request_password_reset", a.requestPasswordReset)
	auth.POST("/reset_password", a.resetPassword)

	authed := api.Group("")
	authed.Use(a.authMiddleware())

	users := authed.Group("/users")
	users.GET("/me", a.getMe)
	users.PATCH("/me", a.updateMe)
	users.PATCH("/me/password", a.changePassword)
	users.DELETE("/me", a.deleteMe)

	echo := authed.Group("/echo")
	echo.POST("/empathetic/send", a.sendEmpathetic)
	echo.POST("/practical/send", a.sendPractical)
	echo.POST("/diary/send", a.sendDiary)
	echo.GET("/:mode/history", a.conversationHistory)
	echo.GET("/stats", a.conversationStats)
	echo.GET("/diagnostics", a.aiDiagnostics)

	tests := authed.Group("/tests")
	tests.POST("/asrs", a.submitASRS)
	tests.POST("/gad7", a.submitGAD7)
	tests.POST("/phq9", a.submitPHQ9)
	tests.GET("/history", a.testHistory)
	tests.GET("/result/:id", a.testResult)
	tests.GET("/questions/:test_type", a.testQuestions)

	admin := authed.Group("/admin")
	admin.Use(a.adminMiddleware())
	admin.GET("/users", a.adminListUsers)
	admin.GET("/users/:id", a.adminGetUser)
	admin.PATCH("/users/:id", a.adminUpdateUser)
	admin.POST("/users/:id/confirm_email", a.adminConfirmEmail)
	admin.PATCH("/users/:id/admin_status", a.adminSetAdminStatus)
	admin.DELETE("/users/:id", a.adminDeleteUser)
	admin.POST("/users/:id/request_password_reset", a.adminRequestPasswordReset)
	admin.GET("/metrics/summary", a.adminMetricsSummary)

	stats := admin.Group("/stats")
	stats.GET("/overview", a.adminStatsOverview)
	stats.GET("/users/stats", a.adminUserStats)
	stats.GET("/diary/stats", a.adminDiaryStats)
	stats.GET("/conversations/stats", a.adminConversationStats)
	stats.GET("/tests/stats", a.adminTestStats)
	stats.GET("/llm/stats", a.adminLLMStats)
	stats.GET("/api/stats", a.adminAPIStats)
	stats.GET("/system/health", a.adminSystemHealth)
	stats.GET("/all-data", a.adminAllData)
	stats.GET("/export", a.adminExport)

	return router
}

func (a *App) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "echo-api",
	})
}

func (a *App) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, err := a.parseBearerToken(c, scopeAccessToken)
		if err != nil {
			writeError(c, http.StatusUnauthorized, err.Error())
			return
		}

		sub, _ := claims["sub"].(string)
		sub = strings.TrimSpace(sub)
		if sub == "" {
			writeError(c, http.StatusUnauthorized, "Token subject missing")
			return
		}

		user, err := a.getUserByID(c.Request.Context(), sub)
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(c, http.StatusUnauthorized, "User not found")
			return
		}
		if err != nil {
			writeError(c, http.StatusInternalServerError, "Failed to load user")
			return
		}
		if !user.IsActive {
			writeError(c, http.StatusUnauthorized, "User account is disabled")
			return
		}

		c.Set("authUser", user)
		c.Next()
	}
}

func (a *App) adminMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := authUserFromContext(c)
		if !ok {
			writeError(c, http.StatusUnauthorized, "Bearer token required")
			return
		}
		if !user.IsAdmin {
			writeError(c, http.StatusForbidden, "Admin privileges required")
			return
		}
		c.Next()
	}
}

// parseBearerToken validates the Authorization header and requires the token
// to carry the given scope claim. Access, refresh, confirmation and reset
// tokens all share the signing key; scope is what keeps them apart.
func (a *App) parseBearerToken(c *gin.Context, requiredScope string) (jwt.MapClaims, error) {
	authHeader := c.GetHeader("Authorization")
	if !strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		return nil, errors.New("Bearer token required")
	}
	tokenString := strings.TrimSpace(authHeader[len("Bearer "):])
	if tokenString == "" {
		return nil, errors.New("Bearer token required")
	}
	return a.parseToken(tokenString, requiredScope)
}

func (a *App) parseToken(tokenString, requiredScope string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if token.Method == nil || token.Method.Alg() != a.cfg.JWTAlgorithm {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(a.cfg.JWTSecret), nil
	})
	if err != nil || !token.Valid {
		return nil, errors.New("Invalid or expired token")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("Invalid token payload")
	}
	scope, _ := claims["scope"].(string)
	if scope != requiredScope {
		return nil, errors.New("Invalid token scope")
	}
	return claims, nil
}

func (a *App) signScopedToken(sub, scope string, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := jwt.MapClaims{
		"sub":   sub,
		"scope": scope,
		"iat":   now.Unix(),
		"exp":   now.Add(ttl).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(a.cfg.JWTSecret))
}

func (a *App) getUserByID(ctx context.Context, userID string) (AuthUser, error) {
	user := AuthUser{}
	err := a.db.QueryRow(
		ctx,
		`SELECT id, username, email, full_name, confirmed, is_active, is_admin, created_at
		 FROM users WHERE id = $1`,
		userID,
	).Scan(
		&user.ID,
		&user.Username,
		&user.Email,
		&user.FullName,
		&user.Confirmed,
		&user.IsActive,
		&user.IsAdmin,
		&user.CreatedAt,
	)
	return user, err
}

func (a *App) getUserByUsername(ctx context.Context, username string) (AuthUser, string, error) {
	user := AuthUser{}
	var passwordHash string
	err := a.db.QueryRow(
		ctx,
		`SELECT id, username, password_hash, email, full_name, confirmed, is_active, is_admin, created_at
		 FROM users WHERE username = $1`,
		username,
	).Scan(
		&user.ID,
		&user.Username,
		&passwordHash,
		&user.Email,
		&user.FullName,
		&user.Confirmed,
		&user.IsActive,
		&user.IsAdmin,
		&user.CreatedAt,
	)
	return user, passwordHash, err
}

func authUserFromContext(c *gin.Context) (AuthUser, bool) {
	raw, ok := c.Get("authUser")
	if !ok {
		return AuthUser{}, false
	}
	user, ok := raw.(AuthUser)
	return user, ok
}

func writeError(c *gin.Context, status int, detail string) {
	c.AbortWithStatusJSON(status, gin.H{"detail": detail})
}

func mustJSON(c *gin.Context, payload any) bool {
	if err := c.ShouldBindJSON(payload); err != nil {
		writeError(c, http.StatusBadRequest, "Invalid request payload")
		return false
	}
	return true
}

func userPayload(user AuthUser) gin.H {
	return gin.H{
		"id":         user.ID,
		"username":   user.Username,
		"email":      user.Email,
		"full_name":  user.FullName,
		"confirmed":  user.Confirmed,
		"is_active":  user.IsActive,
		"is_admin":   user.IsAdmin,
		"created_at": user.CreatedAt.UTC(),
	}
}

