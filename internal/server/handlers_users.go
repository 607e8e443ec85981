package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

func (a *App) getMe(c *gin.Context) {
	user, ok := authUserFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "Bearer token required")
		return
	}
	c.JSON(http.StatusOK, userPayload(user))
}

func (a *App) updateMe(c *gin.Context) {
	user, ok := authUserFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "Bearer token required")
		return
	}

	var req struct {
		Email    *string `json:"email"`
		FullName *string `json:"full_name"`
	}
	if !mustJSON(c, &req) {
		return
	}
	if req.Email == nil && req.FullName == nil {
		writeError(c, http.StatusBadRequest, "Nothing to update")
		return
	}

	ctx := c.Request.Context()
	if req.Email != nil {
		email := strings.ToLower(strings.TrimSpace(*req.Email))
		if email == "" || !strings.Contains(email, "@") {
			writeError(c, http.StatusBadRequest, "Invalid email address")
			return
		}
		var taken bool
		if err := a.db.QueryRow(
			ctx,
			`SELECT EXISTS (SELECT 1 FROM users WHERE email = $1 AND id <> $2)`,
			email,
			user.ID,
		).Scan(&taken); err != nil {
			writeError(c, http.StatusInternalServerError, "Failed to update profile")
			return
		}
		if taken {
			writeError(c, http.StatusConflict, "Email already registered")
			return
		}
		// Changing the address re-requires confirmation.
		if _, err := a.db.Exec(
			ctx,
			`UPDATE users SET email = $1, confirmed = FALSE WHERE id = $2`,
			email,
			user.ID,
		); err != nil {
			writeError(c, http.StatusInternalServerError, "Failed to update profile")
			return
		}
		a.sendConfirmationEmail(user.ID, email)
	}
	if req.FullName != nil {
		fullName := strings.TrimSpace(*req.FullName)
		var value any
		if fullName != "" {
			value = fullName
		}
		if _, err := a.db.Exec(
			ctx,
			`UPDATE users SET full_name = $1 WHERE id = $2`,
			value,
			user.ID,
		); err != nil {
			writeError(c, http.StatusInternalServerError, "Failed to update profile")
			return
		}
	}

	updated, err := a.getUserByID(ctx, user.ID)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to load profile")
		return
	}
	c.JSON(http.StatusOK, userPayload(updated))
}

func (a *App) changePassword(c *gin.Context) {
	user, ok := authUserFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "Bearer token required")
		return
	}

	var req struct {
		OldPassword string `json:"old_password"`
		NewPassword string `json:"new_password"`
	}
	if !mustJSON(c, &req) {
		return
	}

	ctx := c.Request.Context()
	var passwordHash string
	if err := a.db.QueryRow(
		ctx,
		`SELECT password_hash FROM users WHERE id = $1`,
		user.ID,
	).Scan(&passwordHash); err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to change password")
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(passwordHash), []byte(req.OldPassword)) != nil {
		writeError(c, http.StatusUnauthorized, "Incorrect current password")
		return
	}
	if err := validatePassword(req.NewPassword); err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.NewPassword), bcrypt.DefaultCost)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to change password")
		return
	}
	if _, err := a.db.Exec(
		ctx,
		`UPDATE users SET password_hash = $1, refresh_token = NULL WHERE id = $2`,
		string(hash),
		user.ID,
	); err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to change password")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Password changed"})
}

func (a *App) deleteMe(c *gin.Context) {
	user, ok := authUserFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "Bearer token required")
		return
	}

	var req struct {
		Password string `json:"password"`
	}
	if !mustJSON(c, &req) {
		return
	}

	ctx := c.Request.Context()
	var passwordHash string
	if err := a.db.QueryRow(
		ctx,
		`SELECT password_hash FROM users WHERE id = $1`,
		user.ID,
	).Scan(&passwordHash); err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to delete account")
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(passwordHash), []byte(req.Password)) != nil {
		writeError(c, http.StatusUnauthorized, "Incorrect password")
		return
	}

	// Cascading foreign keys remove conversations, diary entries, tests
	// and metric rows along with the user.
	if _, err := a.db.Exec(ctx, `DELETE FROM users WHERE id = $1`, user.ID); err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to delete account")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Account deleted"})
}
