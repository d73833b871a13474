package tracking

import (
	"context"
	"fmt"
	"time"
)

const insertRecordQuery = `INSERT INTO request_logs
	(request_id, method, uri, host, status_code, attempts, retries, redirects, success, error_code, error_message, duration_ms, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// processRecords 异步写入循环，攒够 batch 或到达 flush 间隔时落库
func (t *Tracker) processRecords() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.config.FlushInterval)
	defer ticker.Stop()

	batch := make([]RequestRecord, 0, t.config.BatchSize)

	for {
		select {
		case record := <-t.recordChan:
			batch = append(batch, record)
			if len(batch) >= t.config.BatchSize {
				t.flushBatch(batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				t.flushBatch(batch)
				batch = batch[:0]
			}

		case done := <-t.flushChan:
			batch = t.drain(batch)
			var err error
			if len(batch) > 0 {
				err = t.flushBatch(batch)
				batch = batch[:0]
			}
			done <- err

		case <-t.ctx.Done():
			batch = t.drain(batch)
			if len(batch) > 0 {
				t.flushBatch(batch)
			}
			t.logger.Debug("请求日志写入循环已停止")
			return
		}
	}
}

// drain 取出通道中已排队的记录
func (t *Tracker) drain(batch []RequestRecord) []RequestRecord {
	for {
		select {
		case record := <-t.recordChan:
			batch = append(batch, record)
		default:
			return batch
		}
	}
}

// flushBatch 写入一批记录，失败时按 max_retry 重试
func (t *Tracker) flushBatch(batch []RequestRecord) error {
	var err error
	for attempt := 1; attempt <= t.config.MaxRetry; attempt++ {
		if err = t.processBatch(batch); err == nil {
			t.addStats(func(s *TrackerStats) { s.Written += int64(len(batch)) })
			return nil
		}
		t.logger.Warn(fmt.Sprintf("⚠️ 请求日志写入失败 (第 %d/%d 次)", attempt, t.config.MaxRetry),
			"batch_size", len(batch),
			"error", err)
		if attempt < t.config.MaxRetry {
			time.Sleep(time.Duration(attempt) * 100 * time.Millisecond)
		}
	}

	t.addStats(func(s *TrackerStats) { s.WriteErrors += int64(len(batch)) })
	t.logger.Error("❌ 请求日志批量写入最终失败", "batch_size", len(batch), "error", err)
	return err
}

func (t *Tracker) processBatch(batch []RequestRecord) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, insertRecordQuery)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range batch {
		success := 0
		if r.Success {
			success = 1
		}
		if _, err := stmt.ExecContext(ctx,
			r.RequestID, r.Method, r.URI, r.Host, r.StatusCode,
			r.Attempts, r.Retries, r.Redirects, success,
			r.ErrorCode, r.ErrorMessage, r.Duration.Milliseconds(), r.CreatedAt.UnixMilli(),
		); err != nil {
			return fmt.Errorf("failed to insert request %s: %w", r.RequestID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}
	return nil
}

func (t *Tracker) periodicCleanup() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := t.Cleanup(t.ctx); err != nil {
				t.logger.Error("Failed to cleanup old request logs", "error", err)
			}
		case <-t.ctx.Done():
			return
		}
	}
}

// Cleanup 删除超过 retention_days 的记录，retention_days 为 0 时永久保留
func (t *Tracker) Cleanup(ctx context.Context) (int64, error) {
	if !t.Enabled() || t.config.RetentionDays <= 0 {
		return 0, nil
	}

	cutoff := time.Now().AddDate(0, 0, -t.config.RetentionDays)
	result, err := t.db.ExecContext(ctx, "DELETE FROM request_logs WHERE created_at < ?", cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to delete old request logs: %w", err)
	}
	deleted, _ := result.RowsAffected()

	if deleted > 0 {
		if err := t.adapter.VacuumDatabase(ctx); err != nil {
			t.logger.Warn("Failed to vacuum database after cleanup", "error", err)
		}
		t.logger.Info("🧹 已清理过期请求日志",
			"deleted_count", deleted,
			"cutoff_date", cutoff.Format("2006-01-02"),
			"retention_days", t.config.RetentionDays)
	}
	return deleted, nil
}
