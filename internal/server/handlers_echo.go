package server

import (
	"context"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
)

const (
	maxChatMessageLen  = 2000
	maxDiaryContentLen = 10000
	historyWindowTurns = 5
)

func (a *App) sendEmpathetic(c *gin.Context) {
	a.sendConversation(c, modeEmpathetic)
}

func (a *App) sendPractical(c *gin.Context) {
	a.sendConversation(c, modePractical)
}

// sendConversation runs one conversational turn: validate, persist the user
// message, assemble the recent window, call the model, persist the reply.
// Validation happens before any write or network call.
func (a *App) sendConversation(c *gin.Context, mode string) {
	user, ok := authUserFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "Bearer token required")
		return
	}

	var req struct {
		Message string `json:"message"`
	}
	if !mustJSON(c, &req) {
		return
	}
	message := strings.TrimSpace(req.Message)
	if message == "" {
		writeError(c, http.StatusBadRequest, "Message must not be empty")
		return
	}
	if utf8.RuneCountInString(message) > maxChatMessageLen {
		writeError(c, http.StatusBadRequest, "Message exceeds the 2000 character limit")
		return
	}

	ctx := c.Request.Context()
	turns, err := a.recentTurns(ctx, user.ID, mode, historyWindowTurns)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to load conversation history")
		return
	}

	if _, err := a.db.Exec(
		ctx,
		`INSERT INTO conversation_history (user_id, mode, message, is_user_message, created_at)
		 VALUES ($1, $2, $3, TRUE, NOW())`,
		user.ID,
		mode,
		message,
	); err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to store message")
		return
	}

	messages := make([]ChatMessage, 0, len(turns)+2)
	messages = append(messages, ChatMessage{Role: "system", Content: systemPromptForMode(mode)})
	messages = append(messages, turns...)
	messages = append(messages, ChatMessage{Role: "user", Content: message})

	model := a.cfg.OllamaModel
	rec := a.newLLMRecorder(user.ID, "chat", model)
	defer rec.emit(ctx)

	reply, err := a.ai.Chat(ctx, messages)
	if err != nil {
		rec.fail(err)
		if generationErrorKind(err) == errKindModelNotFound {
			// Best-effort diagnostics; the result is only logged.
			diag := a.ai.Probe(ctx)
			log.Printf("inference model missing, probe: %v", diag)
		}
		writeError(c, http.StatusServiceUnavailable, "AI service unavailable: "+err.Error())
		return
	}
	rec.succeed(joinChatContent(messages), reply)

	if _, err := a.db.Exec(
		ctx,
		`INSERT INTO conversation_history (user_id, mode, message, is_user_message, created_at)
		 VALUES ($1, $2, $3, FALSE, NOW())`,
		user.ID,
		mode,
		reply,
	); err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to store AI response")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"ai_response": reply,
		"mode":        mode,
	})
}

// recentTurns returns the newest turns for (user, mode) in chronological
// order, from before the current message was stored.
func (a *App) recentTurns(ctx context.Context, userID, mode string, limit int) ([]ChatMessage, error) {
	rows, err := a.db.Query(
		ctx,
		`SELECT message, is_user_message
		 FROM conversation_history
		 WHERE user_id = $1 AND mode = $2
		 ORDER BY created_at DESC, id DESC
		 LIMIT $3`,
		userID,
		mode,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	turns := make([]ChatMessage, 0, limit)
	for rows.Next() {
		var message string
		var isUser bool
		if err := rows.Scan(&message, &isUser); err != nil {
			return nil, err
		}
		role := "assistant"
		if isUser {
			role = "user"
		}
		turns = append(turns, ChatMessage{Role: role, Content: message})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Query returned newest first.
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

func joinChatContent(messages []ChatMessage) string {
	parts := make([]string, 0, len(messages))
	for _, msg := range messages {
		parts = append(parts, msg.Content)
	}
	return strings.Join(parts, "\n")
}

func (a *App) sendDiary(c *gin.Context) {
	user, ok := authUserFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "Bearer token required")
		return
	}

	var req struct {
		Message     string  `json:"message"`
		Title       *string `json:"title"`
		EmotionTags *string `json:"emotion_tags"`
	}
	if !mustJSON(c, &req) {
		return
	}
	content := strings.TrimSpace(req.Message)
	if content == "" {
		writeError(c, http.StatusBadRequest, "Diary entry must not be empty")
		return
	}
	if utf8.RuneCountInString(content) > maxDiaryContentLen {
		writeError(c, http.StatusBadRequest, "Diary entry exceeds the 10000 character limit")
		return
	}

	ctx := c.Request.Context()
	var entryID int64
	var createdAt time.Time
	if err := a.db.QueryRow(
		ctx,
		`INSERT INTO diary_entries (user_id, title, content, emotion_tags, created_at)
		 VALUES ($1, $2, $3, $4, NOW())
		 RETURNING id, created_at`,
		user.ID,
		req.Title,
		content,
		req.EmotionTags,
	).Scan(&entryID, &createdAt); err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to store diary entry")
		return
	}

	// Mirrored into the conversation log so history and stats see all
	// three modes uniformly.
	if _, err := a.db.Exec(
		ctx,
		`INSERT INTO conversation_history (user_id, mode, message, is_user_message, created_at)
		 VALUES ($1, $2, $3, TRUE, $4)`,
		user.ID,
		modeDiary,
		content,
		createdAt,
	); err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to store diary entry")
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"id":           entryID,
		"title":        req.Title,
		"content":      content,
		"emotion_tags": req.EmotionTags,
		"created_at":   createdAt.UTC(),
	})
}

func validMode(mode string) bool {
	return mode == modeEmpathetic || mode == modePractical || mode == modeDiary
}

func (a *App) conversationHistory(c *gin.Context) {
	user, ok := authUserFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "Bearer token required")
		return
	}
	mode := c.Param("mode")
	if !validMode(mode) {
		writeError(c, http.StatusBadRequest, "Unknown conversation mode")
		return
	}

	limit := 50
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeError(c, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		if parsed > 200 {
			parsed = 200
		}
		limit = parsed
	}

	rows, err := a.db.Query(
		c.Request.Context(),
		`SELECT id, message, is_user_message, created_at
		 FROM (
			SELECT id, message, is_user_message, created_at
			FROM conversation_history
			WHERE user_id = $1 AND mode = $2
			ORDER BY created_at DESC, id DESC
			LIMIT $3
		 ) recent
		 ORDER BY created_at ASC, id ASC`,
		user.ID,
		mode,
		limit,
	)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to load history")
		return
	}
	defer rows.Close()

	history := make([]gin.H, 0, limit)
	for rows.Next() {
		var id int64
		var message string
		var isUser bool
		var createdAt time.Time
		if err := rows.Scan(&id, &message, &isUser, &createdAt); err != nil {
			writeError(c, http.StatusInternalServerError, "Failed to load history")
			return
		}
		history = append(history, gin.H{
			"id":              id,
			"message":         message,
			"is_user_message": isUser,
			"created_at":      createdAt.UTC(),
		})
	}
	if err := rows.Err(); err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to load history")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"mode":    mode,
		"history": history,
	})
}

func (a *App) conversationStats(c *gin.Context) {
	user, ok := authUserFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "Bearer token required")
		return
	}

	ctx := c.Request.Context()
	byMode := map[string]int64{
		modeEmpathetic: 0,
		modePractical:  0,
		modeDiary:      0,
	}
	rows, err := a.db.Query(
		ctx,
		`SELECT mode, COUNT(*) FROM conversation_history WHERE user_id = $1 GROUP BY mode`,
		user.ID,
	)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to load stats")
		return
	}
	defer rows.Close()
	var total int64
	for rows.Next() {
		var mode string
		var count int64
		if err := rows.Scan(&mode, &count); err != nil {
			writeError(c, http.StatusInternalServerError, "Failed to load stats")
			return
		}
		byMode[mode] = count
		total += count
	}
	if err := rows.Err(); err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to load stats")
		return
	}

	var first, last *time.Time
	if err := a.db.QueryRow(
		ctx,
		`SELECT MIN(created_at), MAX(created_at) FROM conversation_history WHERE user_id = $1`,
		user.ID,
	).Scan(&first, &last); err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to load stats")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"total_messages": total,
		"by_mode":        byMode,
		"first_message":  first,
		"last_message":   last,
	})
}

func (a *App) aiDiagnostics(c *gin.Context) {
	c.JSON(http.StatusOK, a.ai.Probe(c.Request.Context()))
}
