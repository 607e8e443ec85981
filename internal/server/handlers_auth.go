package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"unicode"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"golang.org/x/crypto/bcrypt"
)

// validatePassword enforces the account password policy: at least eight
// characters with an upper, a lower, a digit and a special character.
func validatePassword(password string) error {
	if len(password) < 8 {
		return errors.New("Password must be at least 8 characters long")
	}
	var hasUpper, hasLower, hasDigit, hasSpecial bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		default:
			hasSpecial = true
		}
	}
	if !hasUpper {
		return errors.New("Password must contain an uppercase letter")
	}
	if !hasLower {
		return errors.New("Password must contain a lowercase letter")
	}
	if !hasDigit {
		return errors.New("Password must contain a digit")
	}
	if !hasSpecial {
		return errors.New("Password must contain a special character")
	}
	return nil
}

func (a *App) signup(c *gin.Context) {
	var req struct {
		Username string  `json:"username"`
		Password string  `json:"password"`
		Email    *string `json:"email"`
		FullName *string `json:"full_name"`
	}
	if !mustJSON(c, &req) {
		return
	}

	username := strings.TrimSpace(req.Username)
	if username == "" {
		writeError(c, http.StatusBadRequest, "Username is required")
		return
	}
	if err := validatePassword(req.Password); err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}

	var email *string
	if req.Email != nil {
		trimmed := strings.ToLower(strings.TrimSpace(*req.Email))
		if trimmed != "" {
			if !strings.Contains(trimmed, "@") {
				writeError(c, http.StatusBadRequest, "Invalid email address")
				return
			}
			email = &trimmed
		}
	}

	ctx := c.Request.Context()
	var taken bool
	if err := a.db.QueryRow(
		ctx,
		`SELECT EXISTS (SELECT 1 FROM users WHERE username = $1)`,
		username,
	).Scan(&taken); err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to create user")
		return
	}
	if taken {
		writeError(c, http.StatusConflict, "Username already registered")
		return
	}
	if email != nil {
		if err := a.db.QueryRow(
			ctx,
			`SELECT EXISTS (SELECT 1 FROM users WHERE email = $1)`,
			*email,
		).Scan(&taken); err != nil {
			writeError(c, http.StatusInternalServerError, "Failed to create user")
			return
		}
		if taken {
			writeError(c, http.StatusConflict, "Email already registered")
			return
		}
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to create user")
		return
	}

	userID := uuid.NewString()
	if _, err := a.db.Exec(
		ctx,
		`INSERT INTO users (id, username, password_hash, email, full_name, confirmed, is_active, is_admin, created_at)
		 VALUES ($1, $2, $3, $4, $5, FALSE, TRUE, FALSE, NOW())`,
		userID,
		username,
		string(hash),
		email,
		req.FullName,
	); err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to create user")
		return
	}

	if email != nil {
		a.sendConfirmationEmail(userID, *email)
	}

	user, err := a.getUserByID(ctx, userID)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to load created user")
		return
	}
	c.JSON(http.StatusCreated, userPayload(user))
}

func (a *App) sendConfirmationEmail(userID, email string) {
	token, err := a.signScopedToken(userID, scopeEmailConfirm, emailConfirmTTL)
	if err != nil {
		log.Printf("sign confirmation token failed: %v", err)
		return
	}
	body := fmt.Sprintf(
		"Welcome to %s.\n\nConfirm your email address by opening:\n%s%s/auth/confirm_email/%s\n\nThe link is valid for 24 hours.",
		a.cfg.AppName, "http://localhost:"+a.cfg.AppPort, a.cfg.APIPrefix, token,
	)
	if err := a.mailer.Send(email, "Confirm your email", body); err != nil {
		log.Printf("send confirmation email failed: %v", err)
	}
}

func (a *App) login(c *gin.Context) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if !mustJSON(c, &req) {
		return
	}

	ctx := c.Request.Context()
	user, passwordHash, err := a.getUserByUsername(ctx, strings.TrimSpace(req.Username))
	if errors.Is(err, pgx.ErrNoRows) {
		writeError(c, http.StatusUnauthorized, "Incorrect username or password")
		return
	}
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Login failed")
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(passwordHash), []byte(req.Password)) != nil {
		writeError(c, http.StatusUnauthorized, "Incorrect username or password")
		return
	}
	if !user.IsActive {
		writeError(c, http.StatusUnauthorized, "User account is disabled")
		return
	}

	a.issueTokenPair(c, user.ID)
}

// issueTokenPair mints a fresh access/refresh pair and persists the refresh
// token so rotation can detect reuse of stale tokens.
func (a *App) issueTokenPair(c *gin.Context, userID string) {
	accessToken, err := a.signScopedToken(userID, scopeAccessToken, accessTokenTTL)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to issue tokens")
		return
	}
	refreshToken, err := a.signScopedToken(userID, scopeRefreshToken, refreshTokenTTL)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to issue tokens")
		return
	}
	if _, err := a.db.Exec(
		c.Request.Context(),
		`UPDATE users SET refresh_token = $1 WHERE id = $2`,
		refreshToken,
		userID,
	); err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to issue tokens")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"access_token":  accessToken,
		"refresh_token": refreshToken,
		"token_type":    "bearer",
	})
}

func (a *App) refreshToken(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if !mustJSON(c, &req) {
		return
	}

	claims, err := a.parseToken(strings.TrimSpace(req.RefreshToken), scopeRefreshToken)
	if err != nil {
		writeError(c, http.StatusUnauthorized, err.Error())
		return
	}
	sub, _ := claims["sub"].(string)
	if strings.TrimSpace(sub) == "" {
		writeError(c, http.StatusUnauthorized, "Token subject missing")
		return
	}

	ctx := c.Request.Context()
	var stored *string
	var isActive bool
	err = a.db.QueryRow(
		ctx,
		`SELECT refresh_token, is_active FROM users WHERE id = $1`,
		sub,
	).Scan(&stored, &isActive)
	if errors.Is(err, pgx.ErrNoRows) {
		writeError(c, http.StatusUnauthorized, "User not found")
		return
	}
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to refresh token")
		return
	}
	if !isActive {
		writeError(c, http.StatusUnauthorized, "User account is disabled")
		return
	}
	if stored == nil || *stored != req.RefreshToken {
		// A stale or reused refresh token invalidates the stored one.
		if _, clearErr := a.db.Exec(ctx, `UPDATE users SET refresh_token = NULL WHERE id = $1`, sub); clearErr != nil {
			log.Printf("clear refresh token failed: %v", clearErr)
		}
		writeError(c, http.StatusUnauthorized, "Refresh token is no longer valid")
		return
	}

	a.issueTokenPair(c, sub)
}

func (a *App) confirmEmail(c *gin.Context) {
	claims, err := a.parseToken(strings.TrimSpace(c.Param("token")), scopeEmailConfirm)
	if err != nil {
		writeError(c, http.StatusBadRequest, "Invalid or expired confirmation token")
		return
	}
	sub, _ := claims["sub"].(string)
	if strings.TrimSpace(sub) == "" {
		writeError(c, http.StatusBadRequest, "Invalid confirmation token")
		return
	}

	tag, err := a.db.Exec(
		c.Request.Context(),
		`UPDATE users SET confirmed = TRUE WHERE id = $1`,
		sub,
	)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to confirm email")
		return
	}
	if tag.RowsAffected() == 0 {
		writeError(c, http.StatusNotFound, "User not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Email confirmed"})
}

func (a *App) requestConfirmationEmail(c *gin.Context) {
	var req struct {
		Email string `json:"email"`
	}
	if !mustJSON(c, &req) {
		return
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" {
		writeError(c, http.StatusBadRequest, "Email is required")
		return
	}

	userID, confirmed, err := a.lookupUserByEmail(c.Request.Context(), email)
	// One generic answer regardless of whether the account exists.
	response := gin.H{"message": "If the address is registered, a confirmation email has been sent"}
	if err != nil || confirmed {
		c.JSON(http.StatusOK, response)
		return
	}
	a.sendConfirmationEmail(userID, email)
	c.JSON(http.StatusOK, response)
}

func (a *App) lookupUserByEmail(ctx context.Context, email string) (string, bool, error) {
	var userID string
	var confirmed bool
	err := a.db.QueryRow(
		ctx,
		`SELECT id, confirmed FROM users WHERE email = $1 AND is_active`,
		email,
	).Scan(&userID, &confirmed)
	return userID, confirmed, err
}

func (a *App) requestPasswordReset(c *gin.Context) {
	var req struct {
		Email string `json:"email"`
	}
	if !mustJSON(c, &req) {
		return
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" {
		writeError(c, http.StatusBadRequest, "Email is required")
		return
	}

	response := gin.H{"message": "If the address is registered, a reset email has been sent"}
	userID, _, err := a.lookupUserByEmail(c.Request.Context(), email)
	if err != nil {
		c.JSON(http.StatusOK, response)
		return
	}
	a.sendPasswordResetEmail(userID, email)
	c.JSON(http.StatusOK, response)
}

func (a *App) sendPasswordResetEmail(userID, email string) {
	token, err := a.signScopedToken(userID, scopePasswordReset, passwordResetTTL)
	if err != nil {
		log.Printf("sign reset token failed: %v", err)
		return
	}
	body := fmt.Sprintf(
		"A password reset was requested for your %s account.\n\nReset token (valid for 1 hour):\n%s\n\nIgnore this message if you did not request a reset.",
		a.cfg.AppName, token,
	)
	if err := a.mailer.Send(email, "Password reset", body); err != nil {
		log.Printf("send reset email failed: %v", err)
	}
}

func (a *App) resetPassword(c *gin.Context) {
	var req struct {
		Token       string `json:"token"`
		NewPassword string `json:"new_password"`
	}
	if !mustJSON(c, &req) {
		return
	}

	claims, err := a.parseToken(strings.TrimSpace(req.Token), scopePasswordReset)
	if err != nil {
		writeError(c, http.StatusBadRequest, "Invalid or expired reset token")
		return
	}
	sub, _ := claims["sub"].(string)
	if strings.TrimSpace(sub) == "" {
		writeError(c, http.StatusBadRequest, "Invalid reset token")
		return
	}
	if err := validatePassword(req.NewPassword); err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.NewPassword), bcrypt.DefaultCost)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to reset password")
		return
	}
	tag, err := a.db.Exec(
		c.Request.Context(),
		`UPDATE users SET password_hash = $1, refresh_token = NULL WHERE id = $2`,
		string(hash),
		sub,
	)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to reset password")
		return
	}
	if tag.RowsAffected() == 0 {
		writeError(c, http.StatusNotFound, "User not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Password has been reset"})
}
