package web

import (
	"net/http"
	"strconv"
	"time"

	"rqlite-client/internal/api"
	"rqlite-client/internal/tracking"
	"rqlite-client/internal/utils"

	"github.com/gin-gonic/gin"
)

// hostView /api/hosts 中的一行
type hostView struct {
	Index           int    `json:"index"`
	URL             string `json:"url"`
	Leader          bool   `json:"leader"`
	Active          bool   `json:"active"`
	Attempts        int64  `json:"attempts"`
	Successes       int64  `json:"successes"`
	Failures        int64  `json:"failures"`
	Redirects       int64  `json:"redirects"`
	Retries         int64  `json:"retries"`
	AvgResponseTime string `json:"avg_response_time"`
	LastStatus      int    `json:"last_status,omitempty"`
	LastError       string `json:"last_error,omitempty"`
	LastUsed        string `json:"last_used"`
	Healthy         *bool  `json:"healthy"`
	LastHealthCheck string `json:"last_health_check"`
	HealthError     string `json:"health_error,omitempty"`
}

func (ws *WebServer) handleHealth(c *gin.Context) {
	uptime := time.Since(ws.startTime)
	response := gin.H{
		"status":     "ok",
		"hosts":      len(ws.dispatcher.Hosts()),
		"uptime":     utils.FormatUptime(uptime),
		"start_time": ws.startTime.Format("2006-01-02 15:04:05"),
	}

	if ws.tracker.Enabled() {
		if err := ws.tracker.HealthCheck(c.Request.Context()); err != nil {
			response["status"] = "degraded"
			response["tracking"] = err.Error()
			c.JSON(http.StatusServiceUnavailable, response)
			return
		}
		response["tracking"] = "ok"
	}

	c.JSON(http.StatusOK, response)
}

func (ws *WebServer) handleHosts(c *gin.Context) {
	hosts := ws.dispatcher.Hosts()
	leader := ws.dispatcher.LeaderHostIndex()
	active := ws.dispatcher.ActiveHostIndex()

	views := make([]hostView, 0, len(hosts))
	for i, host := range hosts {
		view := hostView{
			Index:           i,
			URL:             host,
			Leader:          i == leader,
			Active:          i == active,
			AvgResponseTime: "-",
			LastUsed:        "-",
			LastHealthCheck: "-",
		}

		if ws.metrics != nil {
			if m, ok := ws.metrics.GetHost(host); ok {
				view.Attempts = m.Attempts
				view.Successes = m.Successes
				view.Failures = m.Failures
				view.Redirects = m.Redirects
				view.Retries = m.Retries
				view.LastStatus = m.LastStatus
				view.LastError = m.LastError
				view.LastUsed = utils.FormatSince(m.LastUsed)
				if m.Successes > 0 {
					view.AvgResponseTime = utils.FormatResponseTime(m.TotalResponseTime / time.Duration(m.Successes))
				}
			}
		}

		if ws.health != nil {
			if s, ok := ws.health.GetStatus(host); ok {
				healthy := s.Healthy
				view.Healthy = &healthy
				view.LastHealthCheck = utils.FormatSince(s.LastCheck)
				view.HealthError = s.LastError
			}
		}

		views = append(views, view)
	}

	c.JSON(http.StatusOK, gin.H{
		"hosts":        views,
		"leader_index": leader,
		"active_index": active,
	})
}

func (ws *WebServer) handleMetrics(c *gin.Context) {
	if ws.metrics == nil {
		c.JSON(http.StatusOK, gin.H{"total_requests": 0})
		return
	}

	snapshot := ws.metrics.GetMetrics()

	leaderChanges := make([]gin.H, 0, len(snapshot.LeaderChanges))
	for _, change := range snapshot.LeaderChanges {
		leaderChanges = append(leaderChanges, gin.H{
			"from":      change.From,
			"to":        change.To,
			"timestamp": change.Timestamp.Format("2006-01-02 15:04:05"),
		})
	}

	// 最近的请求放在前面
	recent := make([]gin.H, 0, len(snapshot.History))
	for i := len(snapshot.History) - 1; i >= 0 && len(recent) < 50; i-- {
		r := snapshot.History[i]
		recent = append(recent, gin.H{
			"id":         r.ID,
			"method":     r.Method,
			"uri":        r.URI,
			"host":       r.Host,
			"status":     r.Status,
			"attempts":   r.Attempts,
			"retries":    r.Retries,
			"redirects":  r.Redirects,
			"success":    r.Success,
			"error":      r.Error,
			"error_code": r.ErrorCode,
			"duration":   utils.FormatResponseTime(r.Duration),
			"timestamp":  r.Timestamp.Format("2006-01-02 15:04:05"),
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"total_requests":      snapshot.TotalRequests,
		"successful_requests": snapshot.SuccessfulRequests,
		"failed_requests":     snapshot.FailedRequests,
		"total_retries":       snapshot.TotalRetries,
		"total_redirects":     snapshot.TotalRedirects,
		"success_rate":        snapshot.SuccessRate,
		"avg_response_time":   utils.FormatResponseTime(snapshot.AvgResponseTime),
		"p95_response_time":   utils.FormatResponseTime(snapshot.P95ResponseTime),
		"min_response_time":   utils.FormatResponseTime(snapshot.MinResponseTime),
		"max_response_time":   utils.FormatResponseTime(snapshot.MaxResponseTime),
		"uptime":              utils.FormatUptime(snapshot.Uptime),
		"leader_changes":      leaderChanges,
		"recent_requests":     recent,
	})
}

// handleRequests 查询请求日志
// 参数: host, method, failed=true, since (RFC3339 或 1h 这样的时长), limit, offset
func (ws *WebServer) handleRequests(c *gin.Context) {
	if !ws.tracker.Enabled() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "request journal is disabled"})
		return
	}

	opts := &tracking.QueryOptions{
		Host:       c.Query("host"),
		Method:     c.Query("method"),
		OnlyFailed: c.Query("failed") == "true",
	}

	var err error
	if opts.Since, err = parseSince(c.Query("since")); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if opts.Limit, err = parseNonNegative(c.Query("limit")); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit: " + err.Error()})
		return
	}
	if opts.Offset, err = parseNonNegative(c.Query("offset")); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid offset: " + err.Error()})
		return
	}

	ctx := c.Request.Context()
	records, err := ws.tracker.QueryRecords(ctx, opts)
	if err != nil {
		ws.logger.Error("❌ 查询请求日志失败", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	total, err := ws.tracker.CountRecords(ctx, opts)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	summary, err := ws.tracker.Summarize(ctx, opts.Since)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if records == nil {
		records = []tracking.RequestRecord{}
	}

	c.JSON(http.StatusOK, gin.H{
		"records": records,
		"total":   total,
		"summary": summary,
		"stats":   ws.tracker.GetStats(),
	})
}

// handleStatus 并发读取所有主机的 /status
func (ws *WebServer) handleStatus(c *gin.Context) {
	cfg := ws.getConfig()
	timeout := cfg.Health.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	results := ws.status.StatusAllHosts(c.Request.Context(), api.RequestOptions{Timeout: timeout})

	reachable := 0
	for _, r := range results {
		if r.Err == nil {
			reachable++
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"hosts":     results,
		"reachable": reachable,
		"total":     len(results),
	})
}

func parseSince(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	if d, err := time.ParseDuration(value); err == nil {
		return time.Now().Add(-d), nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, err
	}
	return t, nil
}

func parseNonNegative(value string) (int, error) {
	if value == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, strconv.ErrRange
	}
	return n, nil
}
