package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5"
)

func (a *App) adminListUsers(c *gin.Context) {
	ctx := c.Request.Context()

	filter := `TRUE`
	args := []any{}
	if id := strings.TrimSpace(c.Query("id")); id != "" {
		args = append(args, id)
		filter = `id = $1`
	} else if username := strings.TrimSpace(c.Query("username")); username != "" {
		args = append(args, "%"+username+"%")
		filter = `username ILIKE $1`
	} else if email := strings.TrimSpace(c.Query("email")); email != "" {
		args = append(args, "%"+strings.ToLower(email)+"%")
		filter = `email ILIKE $1`
	}

	skip := 0
	if raw := strings.TrimSpace(c.Query("skip")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(c, http.StatusBadRequest, "skip must be a non-negative integer")
			return
		}
		skip = parsed
	}
	limit := 50
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeError(c, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		if parsed > 500 {
			parsed = 500
		}
		limit = parsed
	}

	query := `SELECT id, username, email, full_name, confirmed, is_active, is_admin, created_at
	          FROM users WHERE ` + filter +
		` ORDER BY created_at DESC LIMIT $` + strconv.Itoa(len(args)+1) +
		` OFFSET $` + strconv.Itoa(len(args)+2)
	args = append(args, limit, skip)

	rows, err := a.db.Query(ctx, query, args...)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to list users")
		return
	}
	defer rows.Close()

	users := make([]gin.H, 0, limit)
	for rows.Next() {
		var user AuthUser
		if err := rows.Scan(
			&user.ID,
			&user.Username,
			&user.Email,
			&user.FullName,
			&user.Confirmed,
			&user.IsActive,
			&user.IsAdmin,
			&user.CreatedAt,
		); err != nil {
			writeError(c, http.StatusInternalServerError, "Failed to list users")
			return
		}
		users = append(users, userPayload(user))
	}
	if err := rows.Err(); err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to list users")
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": users})
}

func (a *App) adminGetUser(c *gin.Context) {
	user, err := a.getUserByID(c.Request.Context(), c.Param("id"))
	if errors.Is(err, pgx.ErrNoRows) {
		writeError(c, http.StatusNotFound, "User not found")
		return
	}
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to load user")
		return
	}
	c.JSON(http.StatusOK, userPayload(user))
}

func (a *App) adminUpdateUser(c *gin.Context) {
	targetID := c.Param("id")
	var req struct {
		Email    *string `json:"email"`
		FullName *string `json:"full_name"`
		IsActive *bool   `json:"is_active"`
	}
	if !mustJSON(c, &req) {
		return
	}
	if req.Email == nil && req.FullName == nil && req.IsActive == nil {
		writeError(c, http.StatusBadRequest, "Nothing to update")
		return
	}

	ctx := c.Request.Context()
	if _, err := a.getUserByID(ctx, targetID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(c, http.StatusNotFound, "User not found")
			return
		}
		writeError(c, http.StatusInternalServerError, "Failed to update user")
		return
	}

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
			targetID,
		).Scan(&taken); err != nil {
			writeError(c, http.StatusInternalServerError, "Failed to update user")
			return
		}
		if taken {
			writeError(c, http.StatusConflict, "Email already registered")
			return
		}
		if _, err := a.db.Exec(
			ctx,
			`UPDATE users SET email = $1, confirmed = FALSE WHERE id = $2`,
			email,
			targetID,
		); err != nil {
			writeError(c, http.StatusInternalServerError, "Failed to update user")
			return
		}
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
			targetID,
		); err != nil {
			writeError(c, http.StatusInternalServerError, "Failed to update user")
			return
		}
	}
	if req.IsActive != nil {
		if !*req.IsActive {
			active, err := a.countOtherActiveAdmins(c, targetID)
			if err != nil {
				return
			}
			var isAdmin bool
			if err := a.db.QueryRow(ctx, `SELECT is_admin FROM users WHERE id = $1`, targetID).Scan(&isAdmin); err != nil {
				writeError(c, http.StatusInternalServerError, "Failed to update user")
				return
			}
			if isAdmin && active == 0 {
				writeError(c, http.StatusConflict, "Cannot deactivate the last active admin")
				return
			}
		}
		if _, err := a.db.Exec(
			ctx,
			`UPDATE users SET is_active = $1 WHERE id = $2`,
			*req.IsActive,
			targetID,
		); err != nil {
			writeError(c, http.StatusInternalServerError, "Failed to update user")
			return
		}
	}

	updated, err := a.getUserByID(ctx, targetID)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to load user")
		return
	}
	c.JSON(http.StatusOK, userPayload(updated))
}

func (a *App) countOtherActiveAdmins(c *gin.Context, excludeID string) (int64, error) {
	var count int64
	err := a.db.QueryRow(
		c.Request.Context(),
		`SELECT COUNT(*) FROM users WHERE is_admin AND is_active AND id <> $1`,
		excludeID,
	).Scan(&count)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to update user")
		return 0, err
	}
	return count, nil
}

func (a *App) adminConfirmEmail(c *gin.Context) {
	tag, err := a.db.Exec(
		c.Request.Context(),
		`UPDATE users SET confirmed = TRUE WHERE id = $1`,
		c.Param("id"),
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

func (a *App) adminSetAdminStatus(c *gin.Context) {
	targetID := c.Param("id")
	var req struct {
		IsAdmin *bool `json:"is_admin"`
	}
	if !mustJSON(c, &req) {
		return
	}
	if req.IsAdmin == nil {
		writeError(c, http.StatusBadRequest, "is_admin is required")
		return
	}

	if !*req.IsAdmin {
		active, err := a.countOtherActiveAdmins(c, targetID)
		if err != nil {
			return
		}
		if active == 0 {
			writeError(c, http.StatusConflict, "Cannot demote the last active admin")
			return
		}
	}

	tag, err := a.db.Exec(
		c.Request.Context(),
		`UPDATE users SET is_admin = $1 WHERE id = $2`,
		*req.IsAdmin,
		targetID,
	)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to update admin status")
		return
	}
	if tag.RowsAffected() == 0 {
		writeError(c, http.StatusNotFound, "User not found")
		return
	}

	updated, err := a.getUserByID(c.Request.Context(), targetID)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to load user")
		return
	}
	c.JSON(http.StatusOK, userPayload(updated))
}

func (a *App) adminDeleteUser(c *gin.Context) {
	targetID := c.Param("id")

	ctx := c.Request.Context()
	var isAdmin bool
	err := a.db.QueryRow(ctx, `SELECT is_admin FROM users WHERE id = $1`, targetID).Scan(&isAdmin)
	if errors.Is(err, pgx.ErrNoRows) {
		writeError(c, http.StatusNotFound, "User not found")
		return
	}
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to delete user")
		return
	}
	if isAdmin {
		active, err := a.countOtherActiveAdmins(c, targetID)
		if err != nil {
			return
		}
		if active == 0 {
			writeError(c, http.StatusConflict, "Cannot delete the last active admin")
			return
		}
	}

	if _, err := a.db.Exec(ctx, `DELETE FROM users WHERE id = $1`, targetID); err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to delete user")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "User deleted"})
}

func (a *App) adminRequestPasswordReset(c *gin.Context) {
	targetID := c.Param("id")

	user, err := a.getUserByID(c.Request.Context(), targetID)
	if errors.Is(err, pgx.ErrNoRows) {
		writeError(c, http.StatusNotFound, "User not found")
		return
	}
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to request password reset")
		return
	}
	if user.Email == nil {
		writeError(c, http.StatusBadRequest, "User has no email address")
		return
	}

	a.sendPasswordResetEmail(user.ID, *user.Email)
	c.JSON(http.StatusOK, gin.H{"message": "Password reset email sent"})
}
