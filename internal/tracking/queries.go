package tracking

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// QueryOptions 请求日志查询条件
type QueryOptions struct {
	Host       string
	Method     string
	OnlyFailed bool
	Since      time.Time
	Until      time.Time
	Limit      int
	Offset     int
}

// HostSummary 按主机聚合
type HostSummary struct {
	Host     string `json:"host"`
	Requests int64  `json:"requests"`
	Failures int64  `json:"failures"`
}

// Summary 请求日志汇总
type Summary struct {
	TotalRequests  int64         `json:"total_requests"`
	FailedRequests int64         `json:"failed_requests"`
	AvgDuration    time.Duration `json:"avg_duration"`
	Hosts          []HostSummary `json:"hosts"`
}

func (opts *QueryOptions) where() (string, []interface{}) {
	var conditions []string
	var args []interface{}

	if opts.Host != "" {
		conditions = append(conditions, "host = ?")
		args = append(args, opts.Host)
	}
	if opts.Method != "" {
		conditions = append(conditions, "method = ?")
		args = append(args, strings.ToUpper(opts.Method))
	}
	if opts.OnlyFailed {
		conditions = append(conditions, "success = 0")
	}
	if !opts.Since.IsZero() {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, opts.Since.UnixMilli())
	}
	if !opts.Until.IsZero() {
		conditions = append(conditions, "created_at < ?")
		args = append(args, opts.Until.UnixMilli())
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

// QueryRecords 按时间倒序查询请求日志
func (t *Tracker) QueryRecords(ctx context.Context, opts *QueryOptions) ([]RequestRecord, error) {
	if !t.Enabled() {
		return nil, nil
	}
	if opts == nil {
		opts = &QueryOptions{}
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}

	where, args := opts.where()
	query := `SELECT id, request_id, method, uri, host, status_code, attempts, retries, redirects,
		success, error_code, COALESCE(error_message, ''), duration_ms, created_at
		FROM request_logs` + where + " ORDER BY created_at DESC, id DESC" + t.adapter.BuildLimitOffset(limit, opts.Offset)

	rows, err := t.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query request logs: %w", err)
	}
	defer rows.Close()

	var records []RequestRecord
	for rows.Next() {
		var r RequestRecord
		var success int
		var durationMs, createdAt int64
		if err := rows.Scan(&r.ID, &r.RequestID, &r.Method, &r.URI, &r.Host, &r.StatusCode,
			&r.Attempts, &r.Retries, &r.Redirects, &success, &r.ErrorCode, &r.ErrorMessage,
			&durationMs, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan request log: %w", err)
		}
		r.Success = success != 0
		r.Duration = time.Duration(durationMs) * time.Millisecond
		r.CreatedAt = time.UnixMilli(createdAt)
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate request logs: %w", err)
	}
	return records, nil
}

// CountRecords 统计满足条件的记录数
func (t *Tracker) CountRecords(ctx context.Context, opts *QueryOptions) (int64, error) {
	if !t.Enabled() {
		return 0, nil
	}
	if opts == nil {
		opts = &QueryOptions{}
	}
	where, args := opts.where()

	var count int64
	if err := t.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM request_logs"+where, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count request logs: %w", err)
	}
	return count, nil
}

// Summarize 汇总 since 之后的请求
func (t *Tracker) Summarize(ctx context.Context, since time.Time) (*Summary, error) {
	summary := &Summary{}
	if !t.Enabled() {
		return summary, nil
	}

	var avgMs float64
	err := t.db.QueryRowContext(ctx, `SELECT COUNT(*),
		COALESCE(SUM(CASE WHEN success = 0 THEN 1 ELSE 0 END), 0),
		COALESCE(AVG(duration_ms), 0)
		FROM request_logs WHERE created_at >= ?`, since.UnixMilli()).
		Scan(&summary.TotalRequests, &summary.FailedRequests, &avgMs)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize request logs: %w", err)
	}
	summary.AvgDuration = time.Duration(avgMs * float64(time.Millisecond))

	rows, err := t.db.QueryContext(ctx, `SELECT host, COUNT(*),
		COALESCE(SUM(CASE WHEN success = 0 THEN 1 ELSE 0 END), 0)
		FROM request_logs WHERE created_at >= ? GROUP BY host ORDER BY host`, since.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to summarize hosts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var h HostSummary
		if err := rows.Scan(&h.Host, &h.Requests, &h.Failures); err != nil {
			return nil, fmt.Errorf("failed to scan host summary: %w", err)
		}
		summary.Hosts = append(summary.Hosts, h)
	}
	return summary, rows.Err()
}
