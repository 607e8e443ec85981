package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5"
)

func validTestType(testType string) bool {
	return testType == testTypeASRS || testType == testTypeGAD7 || testType == testTypePHQ9
}

func answersInRange(answers []int, max int) bool {
	for _, v := range answers {
		if v < 0 || v > max {
			return false
		}
	}
	return true
}

func (a *App) submitASRS(c *gin.Context) {
	user, ok := authUserFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "Bearer token required")
		return
	}

	var req struct {
		PartA []int `json:"part_a"`
		PartB []int `json:"part_b"`
	}
	if !mustJSON(c, &req) {
		return
	}
	if len(req.PartA) != 6 {
		writeError(c, http.StatusBadRequest, "part_a must contain exactly 6 answers")
		return
	}
	if len(req.PartB) != 12 {
		writeError(c, http.StatusBadRequest, "part_b must contain exactly 12 answers")
		return
	}
	if !answersInRange(req.PartA, 4) || !answersInRange(req.PartB, 4) {
		writeError(c, http.StatusBadRequest, "Answers must be between 0 and 4")
		return
	}

	score, interpretation := scoreASRS(req.PartA, req.PartB)
	prompt := buildASRSAnalysisPrompt(req.PartA, req.PartB, score, interpretation)
	answers := map[string]any{"part_a": req.PartA, "part_b": req.PartB}
	a.finishTestSubmission(c, user.ID, testTypeASRS, answers, score, interpretation, prompt)
}

func (a *App) submitGAD7(c *gin.Context) {
	user, ok := authUserFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "Bearer token required")
		return
	}

	var req struct {
		Answers []int `json:"answers"`
	}
	if !mustJSON(c, &req) {
		return
	}
	if len(req.Answers) != 7 {
		writeError(c, http.StatusBadRequest, "answers must contain exactly 7 values")
		return
	}
	if !answersInRange(req.Answers, 3) {
		writeError(c, http.StatusBadRequest, "Answers must be between 0 and 3")
		return
	}

	score, interpretation := scoreGAD7(req.Answers)
	prompt := buildGAD7AnalysisPrompt(req.Answers, score, interpretation)
	a.finishTestSubmission(c, user.ID, testTypeGAD7, req.Answers, score, interpretation, prompt)
}

func (a *App) submitPHQ9(c *gin.Context) {
	user, ok := authUserFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "Bearer token required")
		return
	}

	var req struct {
		Answers []int `json:"answers"`
	}
	if !mustJSON(c, &req) {
		return
	}
	if len(req.Answers) != 9 {
		writeError(c, http.StatusBadRequest, "answers must contain exactly 9 values")
		return
	}
	if !answersInRange(req.Answers, 3) {
		writeError(c, http.StatusBadRequest, "Answers must be between 0 and 3")
		return
	}

	score, interpretation := scorePHQ9(req.Answers)
	prompt := buildPHQ9AnalysisPrompt(req.Answers, score, interpretation)
	a.finishTestSubmission(c, user.ID, testTypePHQ9, req.Answers, score, interpretation, prompt)
}

// finishTestSubmission generates the explanation and persists the result.
// Generation failure is non-fatal: the submission succeeds with the bare
// interpretation label as the analysis.
func (a *App) finishTestSubmission(
	c *gin.Context,
	userID, testType string,
	answers any,
	score float64,
	interpretation, prompt string,
) {
	ctx := c.Request.Context()

	rec := a.newLLMRecorder(userID, "generate", a.cfg.OllamaModel)
	analysis, err := a.ai.Generate(ctx, prompt)
	if err != nil {
		rec.fail(err)
		log.Printf("test analysis generation failed (%s): %v", testType, err)
		analysis = interpretation
	} else {
		rec.succeed(prompt, analysis)
	}
	rec.emit(ctx)

	answersJSON, err := json.Marshal(answers)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to store test result")
		return
	}

	var id int64
	var createdAt time.Time
	if err := a.db.QueryRow(
		ctx,
		`INSERT INTO psychological_tests (user_id, test_type, answers, score, interpretation, ai_analysis, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, NOW())
		 RETURNING id, created_at`,
		userID,
		testType,
		string(answersJSON),
		score,
		interpretation,
		analysis,
	).Scan(&id, &createdAt); err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to store test result")
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"id":             id,
		"test_type":      testType,
		"answers":        answers,
		"score":          score,
		"interpretation": interpretation,
		"ai_analysis":    analysis,
		"created_at":     createdAt.UTC(),
	})
}

func (a *App) testHistory(c *gin.Context) {
	user, ok := authUserFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "Bearer token required")
		return
	}

	testType := strings.TrimSpace(c.Query("test_type"))
	if testType != "" && !validTestType(testType) {
		writeError(c, http.StatusBadRequest, "Unknown test type")
		return
	}

	limit := 20
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeError(c, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		if parsed > 100 {
			parsed = 100
		}
		limit = parsed
	}
	offset := 0
	if raw := strings.TrimSpace(c.Query("offset")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(c, http.StatusBadRequest, "offset must be a non-negative integer")
			return
		}
		offset = parsed
	}

	ctx := c.Request.Context()
	filter := `user_id = $1`
	args := []any{user.ID}
	if testType != "" {
		filter += ` AND test_type = $2`
		args = append(args, testType)
	}

	var total int64
	if err := a.db.QueryRow(
		ctx,
		`SELECT COUNT(*) FROM psychological_tests WHERE `+filter,
		args...,
	).Scan(&total); err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to load test history")
		return
	}

	query := fmt.Sprintf(
		`SELECT id, test_type, answers, score, interpretation, ai_analysis, created_at
		 FROM psychological_tests
		 WHERE %s
		 ORDER BY created_at DESC, id DESC
		 LIMIT $%d OFFSET $%d`,
		filter, len(args)+1, len(args)+2,
	)
	args = append(args, limit, offset)

	rows, err := a.db.Query(ctx, query, args...)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to load test history")
		return
	}
	defer rows.Close()

	results := make([]gin.H, 0, limit)
	for rows.Next() {
		record, err := scanTestRow(rows)
		if err != nil {
			writeError(c, http.StatusInternalServerError, "Failed to load test history")
			return
		}
		results = append(results, record)
	}
	if err := rows.Err(); err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to load test history")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"total_count": total,
		"limit":       limit,
		"offset":      offset,
		"results":     results,
	})
}

func scanTestRow(row pgx.Row) (gin.H, error) {
	var id int64
	var testType string
	var answersRaw []byte
	var score float64
	var interpretation, analysis string
	var createdAt time.Time
	if err := row.Scan(&id, &testType, &answersRaw, &score, &interpretation, &analysis, &createdAt); err != nil {
		return nil, err
	}
	var answers any
	if err := json.Unmarshal(answersRaw, &answers); err != nil {
		answers = nil
	}
	return gin.H{
		"id":             id,
		"test_type":      testType,
		"answers":        answers,
		"score":          score,
		"interpretation": interpretation,
		"ai_analysis":    analysis,
		"created_at":     createdAt.UTC(),
	}, nil
}

func (a *App) testResult(c *gin.Context) {
	user, ok := authUserFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "Bearer token required")
		return
	}
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		writeError(c, http.StatusBadRequest, "Invalid test id")
		return
	}

	row := a.db.QueryRow(
		c.Request.Context(),
		`SELECT id, test_type, answers, score, interpretation, ai_analysis, created_at
		 FROM psychological_tests
		 WHERE id = $1 AND user_id = $2`,
		id,
		user.ID,
	)
	record, err := scanTestRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		writeError(c, http.StatusNotFound, "Test result not found")
		return
	}
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to load test result")
		return
	}
	c.JSON(http.StatusOK, record)
}

func (a *App) testQuestions(c *gin.Context) {
	testType := c.Param("test_type")
	questions, ok := testQuestionnaires[testType]
	if !ok {
		writeError(c, http.StatusNotFound, "Unknown test type")
		return
	}
	c.JSON(http.StatusOK, questions)
}
