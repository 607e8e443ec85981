package server

import (
	"context"
	"encoding/csv"
	"encoding/xml"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type windowedCounts struct {
	Total  int64 `json:"total"`
	Last24 int64 `json:"last_24h"`
	Last7  int64 `json:"last_7d"`
	Last30 int64 `json:"last_30d"`
}

func countWindows(ctx context.Context, q dbQuerier, table string) (windowedCounts, error) {
	counts := windowedCounts{}
	err := q.QueryRow(
		ctx,
		`SELECT COUNT(*),
		        COUNT(*) FILTER (WHERE created_at >= NOW() - INTERVAL '24 hours'),
		        COUNT(*) FILTER (WHERE created_at >= NOW() - INTERVAL '7 days'),
		        COUNT(*) FILTER (WHERE created_at >= NOW() - INTERVAL '30 days')
		 FROM `+table,
	).Scan(&counts.Total, &counts.Last24, &counts.Last7, &counts.Last30)
	return counts, err
}

func (a *App) adminStatsOverview(c *gin.Context) {
	ctx := c.Request.Context()
	overview := gin.H{"generated_at": time.Now().UTC()}

	for key, table := range map[string]string{
		"users":         "users",
		"diary_entries": "diary_entries",
		"conversations": "conversation_history",
		"tests":         "psychological_tests",
		"llm_calls":     "llm_metrics",
		"api_hits":      "api_hits",
	} {
		counts, err := countWindows(ctx, a.db, table)
		if err != nil {
			writeError(c, http.StatusInternalServerError, "Failed to compute overview")
			return
		}
		overview[key] = counts
	}

	c.JSON(http.StatusOK, overview)
}

func (a *App) adminUserStats(c *gin.Context) {
	ctx := c.Request.Context()
	counts, err := countWindows(ctx, a.db, "users")
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to compute user stats")
		return
	}

	var active, confirmed, admins int64
	if err := a.db.QueryRow(
		ctx,
		`SELECT COUNT(*) FILTER (WHERE is_active),
		        COUNT(*) FILTER (WHERE confirmed),
		        COUNT(*) FILTER (WHERE is_admin)
		 FROM users`,
	).Scan(&active, &confirmed, &admins); err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to compute user stats")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"registrations": counts,
		"active":        active,
		"confirmed":     confirmed,
		"admins":        admins,
	})
}

func (a *App) adminDiaryStats(c *gin.Context) {
	ctx := c.Request.Context()
	counts, err := countWindows(ctx, a.db, "diary_entries")
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to compute diary stats")
		return
	}

	var authors int64
	var avgLength *float64
	if err := a.db.QueryRow(
		ctx,
		`SELECT COUNT(DISTINCT user_id), AVG(LENGTH(content)) FROM diary_entries`,
	).Scan(&authors, &avgLength); err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to compute diary stats")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"entries":            counts,
		"distinct_authors":   authors,
		"avg_content_length": avgLength,
	})
}

func (a *App) adminConversationStats(c *gin.Context) {
	ctx := c.Request.Context()
	counts, err := countWindows(ctx, a.db, "conversation_history")
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to compute conversation stats")
		return
	}

	byMode := map[string]int64{}
	rows, err := a.db.Query(
		ctx,
		`SELECT mode, COUNT(*) FROM conversation_history GROUP BY mode`,
	)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to compute conversation stats")
		return
	}
	defer rows.Close()
	for rows.Next() {
		var mode string
		var count int64
		if err := rows.Scan(&mode, &count); err != nil {
			writeError(c, http.StatusInternalServerError, "Failed to compute conversation stats")
			return
		}
		byMode[mode] = count
	}
	if err := rows.Err(); err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to compute conversation stats")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"messages": counts,
		"by_mode":  byMode,
	})
}

func (a *App) adminTestStats(c *gin.Context) {
	ctx := c.Request.Context()
	counts, err := countWindows(ctx, a.db, "psychological_tests")
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to compute test stats")
		return
	}

	byType := make([]gin.H, 0, 3)
	rows, err := a.db.Query(
		ctx,
		`SELECT test_type, COUNT(*), AVG(score), MIN(score), MAX(score)
		 FROM psychological_tests GROUP BY test_type ORDER BY test_type`,
	)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to compute test stats")
		return
	}
	defer rows.Close()
	for rows.Next() {
		var testType string
		var count int64
		var avg, min, max float64
		if err := rows.Scan(&testType, &count, &avg, &min, &max); err != nil {
			writeError(c, http.StatusInternalServerError, "Failed to compute test stats")
			return
		}
		byType = append(byType, gin.H{
			"test_type": testType,
			"count":     count,
			"avg_score": avg,
			"min_score": min,
			"max_score": max,
		})
	}
	if err := rows.Err(); err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to compute test stats")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"submissions": counts,
		"by_type":     byType,
	})
}

func (a *App) adminLLMStats(c *gin.Context) {
	ctx := c.Request.Context()
	counts, err := countWindows(ctx, a.db, "llm_metrics")
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to compute llm stats")
		return
	}

	var successes, failures, totalTokens int64
	var avgLatency *float64
	if err := a.db.QueryRow(
		ctx,
		`SELECT COUNT(*) FILTER (WHERE success),
		        COUNT(*) FILTER (WHERE NOT success),
		        COALESCE(SUM(total_tokens), 0),
		        AVG(response_time_ms)
		 FROM llm_metrics`,
	).Scan(&successes, &failures, &totalTokens, &avgLatency); err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to compute llm stats")
		return
	}

	byEndpoint := map[string]int64{}
	rows, err := a.db.Query(ctx, `SELECT endpoint, COUNT(*) FROM llm_metrics GROUP BY endpoint`)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to compute llm stats")
		return
	}
	defer rows.Close()
	for rows.Next() {
		var endpoint string
		var count int64
		if err := rows.Scan(&endpoint, &count); err != nil {
			writeError(c, http.StatusInternalServerError, "Failed to compute llm stats")
			return
		}
		byEndpoint[endpoint] = count
	}
	if err := rows.Err(); err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to compute llm stats")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"calls":           counts,
		"successes":       successes,
		"failures":        failures,
		"total_tokens":    totalTokens,
		"avg_latency_ms":  avgLatency,
		"calls_by_source": byEndpoint,
	})
}

func (a *App) adminAPIStats(c *gin.Context) {
	ctx := c.Request.Context()
	counts, err := countWindows(ctx, a.db, "api_hits")
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to compute api stats")
		return
	}

	topEndpoints := make([]gin.H, 0, 10)
	rows, err := a.db.Query(
		ctx,
		`SELECT endpoint, method, COUNT(*), AVG(response_time_ms)
		 FROM api_hits
		 GROUP BY endpoint, method
		 ORDER BY COUNT(*) DESC
		 LIMIT 10`,
	)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to compute api stats")
		return
	}
	defer rows.Close()
	for rows.Next() {
		var endpoint, method string
		var count int64
		var avgMs float64
		if err := rows.Scan(&endpoint, &method, &count, &avgMs); err != nil {
			writeError(c, http.StatusInternalServerError, "Failed to compute api stats")
			return
		}
		topEndpoints = append(topEndpoints, gin.H{
			"endpoint":       endpoint,
			"method":         method,
			"count":          count,
			"avg_latency_ms": avgMs,
		})
	}
	if err := rows.Err(); err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to compute api stats")
		return
	}

	var errorCount int64
	if err := a.db.QueryRow(
		ctx,
		`SELECT COUNT(*) FROM api_hits WHERE response_status >= 500`,
	).Scan(&errorCount); err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to compute api stats")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"requests":      counts,
		"top_endpoints": topEndpoints,
		"server_errors": errorCount,
	})
}

func (a *App) adminSystemHealth(c *gin.Context) {
	ctx := c.Request.Context()

	dbOK := true
	var dbLatency float64
	start := time.Now()
	if err := a.db.Ping(ctx); err != nil {
		dbOK = false
	}
	dbLatency = float64(time.Since(start).Microseconds()) / 1000.0

	var dbSize *int64
	if dbOK {
		if err := a.db.QueryRow(ctx, `SELECT pg_database_size(current_database())`).Scan(&dbSize); err != nil {
			dbSize = nil
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"database_ok":         dbOK,
		"database_latency_ms": dbLatency,
		"database_size_bytes": dbSize,
		"ai":                  a.ai.Probe(ctx),
		"checked_at":          time.Now().UTC(),
	})
}

func (a *App) adminMetricsSummary(c *gin.Context) {
	ctx := c.Request.Context()

	llm, err := countWindows(ctx, a.db, "llm_metrics")
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to compute metrics summary")
		return
	}
	api, err := countWindows(ctx, a.db, "api_hits")
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to compute metrics summary")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"llm_calls":          llm,
		"api_requests":       api,
		"metrics_endpoint":   "/metrics",
		"metrics_format":     "prometheus",
		"collector_runtime":  "in-process",
		"summary_created_at": time.Now().UTC(),
	})
}

type exportUser struct {
	XMLName   xml.Name `json:"-" xml:"user"`
	ID        string   `json:"id" xml:"id"`
	Username  string   `json:"username" xml:"username"`
	Email     string   `json:"email" xml:"email"`
	FullName  string   `json:"full_name" xml:"full_name"`
	Confirmed bool     `json:"confirmed" xml:"confirmed"`
	IsActive  bool     `json:"is_active" xml:"is_active"`
	IsAdmin   bool     `json:"is_admin" xml:"is_admin"`
	Tests     int64    `json:"test_count" xml:"test_count"`
	Messages  int64    `json:"message_count" xml:"message_count"`
	CreatedAt string   `json:"created_at" xml:"created_at"`
}

type exportDocument struct {
	XMLName     xml.Name     `json:"-" xml:"export"`
	GeneratedAt string       `json:"generated_at" xml:"generated_at"`
	Users       []exportUser `json:"users" xml:"users>user"`
}

func (a *App) collectExportUsers(ctx context.Context) ([]exportUser, error) {
	rows, err := a.db.Query(
		ctx,
		`SELECT u.id, u.username, COALESCE(u.email, ''), COALESCE(u.full_name, ''),
		        u.confirmed, u.is_active, u.is_admin, u.created_at,
		        (SELECT COUNT(*) FROM psychological_tests t WHERE t.user_id = u.id),
		        (SELECT COUNT(*) FROM conversation_history h WHERE h.user_id = u.id)
		 FROM users u
		 ORDER BY u.created_at ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]exportUser, 0)
	for rows.Next() {
		var user exportUser
		var createdAt time.Time
		if err := rows.Scan(
			&user.ID,
			&user.Username,
			&user.Email,
			&user.FullName,
			&user.Confirmed,
			&user.IsActive,
			&user.IsAdmin,
			&createdAt,
			&user.Tests,
			&user.Messages,
		); err != nil {
			return nil, err
		}
		user.CreatedAt = createdAt.UTC().Format(time.RFC3339)
		users = append(users, user)
	}
	return users, rows.Err()
}

func (a *App) adminAllData(c *gin.Context) {
	users, err := a.collectExportUsers(c.Request.Context())
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to collect export data")
		return
	}
	c.JSON(http.StatusOK, exportDocument{
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Users:       users,
	})
}

func (a *App) adminExport(c *gin.Context) {
	format := strings.ToLower(strings.TrimSpace(c.DefaultQuery("format", "json")))
	users, err := a.collectExportUsers(c.Request.Context())
	if err != nil {
		writeError(c, http.StatusInternalServerError, "Failed to collect export data")
		return
	}

	document := exportDocument{
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Users:       users,
	}
	filename := fmt.Sprintf("echo-export-%s-%s", time.Now().UTC().Format("20060102"), uuid.NewString()[:8])

	switch format {
	case "json":
		c.Header("Content-Disposition", `attachment; filename="`+filename+`.json"`)
		c.JSON(http.StatusOK, document)
	case "csv":
		c.Header("Content-Disposition", `attachment; filename="`+filename+`.csv"`)
		c.Header("Content-Type", "text/csv; charset=utf-8")
		c.Status(http.StatusOK)
		writer := csv.NewWriter(c.Writer)
		_ = writer.Write([]string{
			"id", "username", "email", "full_name", "confirmed",
			"is_active", "is_admin", "test_count", "message_count", "created_at",
		})
		for _, user := range users {
			_ = writer.Write([]string{
				user.ID,
				user.Username,
				user.Email,
				user.FullName,
				strconv.FormatBool(user.Confirmed),
				strconv.FormatBool(user.IsActive),
				strconv.FormatBool(user.IsAdmin),
				strconv.FormatInt(user.Tests, 10),
				strconv.FormatInt(user.Messages, 10),
				user.CreatedAt,
			})
		}
		writer.Flush()
	case "xml":
		c.Header("Content-Disposition", `attachment; filename="`+filename+`.xml"`)
		c.XML(http.StatusOK, document)
	default:
		writeError(c, http.StatusBadRequest, "format must be one of: json, csv, xml")
	}
}
