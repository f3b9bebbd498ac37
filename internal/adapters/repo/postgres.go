package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"publish-scheduler/internal/domain"
	"publish-scheduler/internal/infra/metrics"
)

// Postgres реализует репозитории на основе pgxpool.
type Postgres struct {
	pool *pgxpool.Pool
}

var (
	_ domain.JobRepo    = (*Postgres)(nil)
	_ domain.SampleRepo = (*Postgres)(nil)
	_ domain.StatsRepo  = (*Postgres)(nil)
)

// NewPostgres создаёт адаптер БД.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) connCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

func (p *Postgres) connCtxWithParent(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		return p.connCtx()
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, 5*time.Second)
}

const jobColumns = `id, content_id, platform, payload, scheduled_at, priority, state, attempt, last_error, platform_video_id, created_at, updated_at`

func scanJob(row pgx.Row) (domain.PublishJob, error) {
	var (
		job       domain.PublishJob
		payload   []byte
		lastError sql.NullString
		videoID   sql.NullString
	)
	err := row.Scan(
		&job.ID,
		&job.ContentID,
		&job.Platform,
		&payload,
		&job.ScheduledAt,
		&job.Priority,
		&job.State,
		&job.Attempt,
		&lastError,
		&videoID,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return domain.PublishJob{}, err
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &job.Payload); err != nil {
			return domain.PublishJob{}, fmt.Errorf("decode payload: %w", err)
		}
	}
	job.LastError = lastError.String
	job.PlatformVideoID = videoID.String
	return job, nil
}

// InsertJob реализует domain.JobRepo.
func (p *Postgres) InsertJob(ctx context.Context, job domain.PublishJob) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	start := time.Now()
	_, err = p.pool.Exec(ctx, `
INSERT INTO publish_jobs (id, content_id, platform, payload, scheduled_at, priority, state, attempt, last_error, platform_video_id, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULL, NULL, $9, $9)
`, job.ID, job.ContentID, job.Platform, payload, job.ScheduledAt, job.Priority, job.State, job.Attempt, job.CreatedAt)
	metrics.ObserveNetworkRequest("postgres", "insert_job", "publish_jobs", start, err)
	return err
}

// UpdateJob сохраняет изменяемые диспетчером поля задачи.
func (p *Postgres) UpdateJob(ctx context.Context, job domain.PublishJob) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	var lastError, videoID sql.NullString
	if job.LastError != "" {
		lastError = sql.NullString{String: job.LastError, Valid: true}
	}
	if job.PlatformVideoID != "" {
		videoID = sql.NullString{String: job.PlatformVideoID, Valid: true}
	}
	start := time.Now()
	tag, err := p.pool.Exec(ctx, `
UPDATE publish_jobs
SET state = $2, attempt = $3, last_error = $4, platform_video_id = $5, scheduled_at = $6, updated_at = $7
WHERE id = $1
`, job.ID, job.State, job.Attempt, lastError, videoID, job.ScheduledAt, time.Now().UTC())
	metrics.ObserveNetworkRequest("postgres", "update_job", "publish_jobs", start, err)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrJobNotFound
	}
	return nil
}

// GetJob возвращает задачу по идентификатору.
func (p *Postgres) GetJob(ctx context.Context, id string) (domain.PublishJob, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	row := p.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM publish_jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	metrics.ObserveNetworkRequest("postgres", "get_job", "publish_jobs", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.PublishJob{}, domain.ErrJobNotFound
	}
	return job, err
}

// MarkDue переводит pending-задачи с подошедшим сроком в due.
func (p *Postgres) MarkDue(ctx context.Context, now time.Time) (int, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `
UPDATE publish_jobs SET state = $1, updated_at = $2
WHERE state = $3 AND scheduled_at <= $2
`, domain.JobStateDue, now, domain.JobStatePending)
	metrics.ObserveNetworkRequest("postgres", "mark_due", "publish_jobs", start, err)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// ListDue возвращает due-задачи в детерминированном порядке диспетчеризации.
func (p *Postgres) ListDue(ctx context.Context) ([]domain.PublishJob, error) {
	return p.listJobs(ctx, `
SELECT `+jobColumns+` FROM publish_jobs
WHERE state = $1
ORDER BY priority, scheduled_at, created_at, id
`, "list_due", domain.JobStateDue)
}

// ListByState возвращает задачи в указанном состоянии, свежие первыми.
// limit <= 0 означает «без ограничения».
func (p *Postgres) ListByState(ctx context.Context, state domain.JobState, limit int) ([]domain.PublishJob, error) {
	query := `
SELECT ` + jobColumns + ` FROM publish_jobs
WHERE state = $1
ORDER BY updated_at DESC
`
	if limit > 0 {
		query += fmt.Sprintf("LIMIT %d", limit)
	}
	return p.listJobs(ctx, query, "list_by_state", state)
}

// ListPublishedSince возвращает успешные публикации за окно.
func (p *Postgres) ListPublishedSince(ctx context.Context, since time.Time) ([]domain.PublishJob, error) {
	return p.listJobs(ctx, `
SELECT `+jobColumns+` FROM publish_jobs
WHERE state = $1 AND platform_video_id IS NOT NULL AND updated_at >= $2
ORDER BY updated_at
`, "list_published", domain.JobStateSucceeded, since)
}

func (p *Postgres) listJobs(ctx context.Context, query, operation string, args ...any) ([]domain.PublishJob, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, query, args...)
	metrics.ObserveNetworkRequest("postgres", operation, "publish_jobs", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []domain.PublishJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// CountByState возвращает число задач по каждому состоянию.
func (p *Postgres) CountByState(ctx context.Context) (map[domain.JobState]int, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `SELECT state, count(*) FROM publish_jobs GROUP BY state`)
	metrics.ObserveNetworkRequest("postgres", "count_by_state", "publish_jobs", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[domain.JobState]int)
	for rows.Next() {
		var (
			state domain.JobState
			count int
		)
		if err := rows.Scan(&state, &count); err != nil {
			return nil, err
		}
		counts[state] = count
	}
	return counts, rows.Err()
}

// RetryAbandoned возвращает abandoned-задачи в pending со сброшенным счётчиком попыток.
func (p *Postgres) RetryAbandoned(ctx context.Context, ids []string, now time.Time) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `
UPDATE publish_jobs
SET state = $1, attempt = 0, last_error = NULL, scheduled_at = $2, updated_at = $2
WHERE id = ANY($3) AND state = $4
`, domain.JobStatePending, now, ids, domain.JobStateAbandoned)
	metrics.ObserveNetworkRequest("postgres", "retry_abandoned", "publish_jobs", start, err)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// SaveSamples сохраняет пачку выборок показателей. Выборки только добавляются.
func (p *Postgres) SaveSamples(ctx context.Context, samples []domain.PerformanceSample) error {
	if len(samples) == 0 {
		return nil
	}
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	batch := &pgx.Batch{}
	for _, s := range samples {
		batch.Queue(`
INSERT INTO performance_samples (platform, platform_video_id, views, likes, comments, shares, engagement, fetched_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
`, s.Platform, s.PlatformVideoID, s.Views, s.Likes, s.Comments, s.Shares, s.Engagement, s.FetchedAt)
	}
	start := time.Now()
	err := p.pool.SendBatch(ctx, batch).Close()
	metrics.ObserveNetworkRequest("postgres", "save_samples", "performance_samples", start, err)
	return err
}

// ListSamplesSince возвращает выборки за скользящее окно.
func (p *Postgres) ListSamplesSince(ctx context.Context, since time.Time) ([]domain.PerformanceSample, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT platform, platform_video_id, views, likes, comments, shares, engagement, fetched_at
FROM performance_samples
WHERE fetched_at >= $1
ORDER BY fetched_at
`, since)
	metrics.ObserveNetworkRequest("postgres", "list_samples", "performance_samples", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var samples []domain.PerformanceSample
	for rows.Next() {
		var s domain.PerformanceSample
		if err := rows.Scan(&s.Platform, &s.PlatformVideoID, &s.Views, &s.Likes, &s.Comments, &s.Shares, &s.Engagement, &s.FetchedAt); err != nil {
			return nil, err
		}
		samples = append(samples, s)
	}
	return samples, rows.Err()
}

// ListSlotStats возвращает агрегаты площадки по слотам.
func (p *Postgres) ListSlotStats(ctx context.Context, platform domain.Platform) ([]domain.PlatformTimeSlotStats, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT platform, day_of_week, hour_of_day, avg_views, avg_engagement, sample_count
FROM platform_slot_stats
WHERE platform = $1
ORDER BY day_of_week, hour_of_day
`, platform)
	metrics.ObserveNetworkRequest("postgres", "list_slot_stats", "platform_slot_stats", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []domain.PlatformTimeSlotStats
	for rows.Next() {
		var s domain.PlatformTimeSlotStats
		if err := rows.Scan(&s.Platform, &s.DayOfWeek, &s.HourOfDay, &s.AvgViews, &s.AvgEngagement, &s.SampleCount); err != nil {
			return nil, err
		}
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

// ReplaceSlotStats атомарно заменяет агрегаты результатом пересчёта.
func (p *Postgres) ReplaceSlotStats(ctx context.Context, stats []domain.PlatformTimeSlotStats) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	metrics.ObserveNetworkRequest("postgres", "begin_tx", "platform_slot_stats", start, err)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM platform_slot_stats`); err != nil {
		return fmt.Errorf("clear slot stats: %w", err)
	}
	for _, s := range stats {
		if _, err := tx.Exec(ctx, `
INSERT INTO platform_slot_stats (platform, day_of_week, hour_of_day, avg_views, avg_engagement, sample_count)
VALUES ($1, $2, $3, $4, $5, $6)
`, s.Platform, s.DayOfWeek, s.HourOfDay, s.AvgViews, s.AvgEngagement, s.SampleCount); err != nil {
			return fmt.Errorf("insert slot stats: %w", err)
		}
	}
	return tx.Commit(ctx)
}
