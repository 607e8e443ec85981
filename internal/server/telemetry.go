package server

import (
	"context"
	"log"
	"time"
)

// llmRecorder captures the outcome of one inference call (including all of
// its internal retries) and persists a single llm_metrics row. Callers arm it,
// defer emit, and mark success or failure on whichever path they exit through.
type llmRecorder struct {
	app       *App
	userID    *string
	endpoint  string
	model     string
	started   time.Time
	emitted   bool
	success   bool
	errorMsg  *string
	promptIn  int
	promptOut int
}

func (a *App) newLLMRecorder(userID, endpoint, model string) *llmRecorder {
	rec := &llmRecorder{
		app:      a,
		endpoint: endpoint,
		model:    model,
		started:  time.Now(),
	}
	if userID != "" {
		rec.userID = &userID
	}
	return rec
}

func (r *llmRecorder) succeed(promptText, completionText string) {
	r.success = true
	r.promptIn = estimateTokens(promptText)
	r.promptOut = estimateTokens(completionText)
}

func (r *llmRecorder) fail(err error) {
	r.success = false
	if err != nil {
		msg := err.Error()
		r.errorMsg = &msg
	}
}

func (r *llmRecorder) emit(ctx context.Context) {
	if r.emitted {
		return
	}
	r.emitted = true

	elapsed := time.Since(r.started)
	r.app.metrics.observeLLM(r.endpoint, r.model, r.success, elapsed, r.promptIn, r.promptOut)

	// Detached from the request context so a client disconnect cannot
	// lose the row.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if _, err := r.app.db.Exec(
		writeCtx,
		`INSERT INTO llm_metrics (user_id, endpoint, model_name, prompt_tokens, completion_tokens, total_tokens,
		                          response_time_ms, temperature, success, error_message, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())`,
		r.userID,
		r.endpoint,
		r.model,
		r.promptIn,
		r.promptOut,
		r.promptIn+r.promptOut,
		elapsed.Milliseconds(),
		r.app.cfg.AITemperature,
		r.success,
		r.errorMsg,
	); err != nil {
		log.Printf("record llm metrics failed: %v", err)
	}
}
