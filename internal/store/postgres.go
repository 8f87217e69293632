package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/visualmatrix/api/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// Postgres is the relational Store. The schema is applied on start.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgresPool opens a pgx pool and verifies connectivity.
func NewPostgresPool(ctx context.Context, dsn string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return pool, nil
}

func NewPostgres(ctx context.Context, pool *pgxpool.Pool) (*Postgres, error) {
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() error {
	s.pool.Close()
	return nil
}

const channelColumns = `id, name, provider, base_url, api_key, active, healthy, last_checked_at, latency_ms, created_at`

const modelColumns = `id, channel_id, name, kind, priority, active, available, created_at`

func scanChannel(row pgx.Row) (*model.Channel, error) {
	var ch model.Channel
	err := row.Scan(&ch.ID, &ch.Name, &ch.Provider, &ch.BaseURL, &ch.APIKey,
		&ch.Active, &ch.Healthy, &ch.LastCheckedAt, &ch.LatencyMs, &ch.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &ch, nil
}

func scanModel(row pgx.Row) (*model.Model, error) {
	var m model.Model
	var kind string
	err := row.Scan(&m.ID, &m.ChannelID, &m.Name, &kind, &m.Priority, &m.Active, &m.Available, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	m.Kind = model.Kind(kind)
	return &m, nil
}

func (s *Postgres) CreateChannel(ctx context.Context, ch *model.Channel) error {
	query := `
INSERT INTO channels (name, provider, base_url, api_key, active, healthy)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING id, created_at;
`
	err := s.pool.QueryRow(ctx, query, ch.Name, ch.Provider, ch.BaseURL, ch.APIKey, ch.Active, ch.Healthy).
		Scan(&ch.ID, &ch.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert channel: %w", err)
	}
	return nil
}

func (s *Postgres) UpdateChannel(ctx context.Context, id int64, patch model.ChannelPatch) (*model.Channel, error) {
	query := `
UPDATE channels
SET name = COALESCE($2, name),
    provider = COALESCE($3, provider),
    base_url = COALESCE($4, base_url),
    api_key = COALESCE($5, api_key),
    active = COALESCE($6, active)
WHERE id = $1;
`
	tag, err := s.pool.Exec(ctx, query, id, patch.Name, patch.Provider, patch.BaseURL, patch.APIKey, patch.Active)
	if err != nil {
		return nil, fmt.Errorf("failed to update channel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrChannelNotFound
	}
	return s.GetChannel(ctx, id)
}

func (s *Postgres) GetChannel(ctx context.Context, id int64) (*model.Channel, error) {
	ch, err := scanChannel(s.pool.QueryRow(ctx, `SELECT `+channelColumns+` FROM channels WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrChannelNotFound
		}
		return nil, fmt.Errorf("failed to load channel: %w", err)
	}

	rows, err := s.pool.Query(ctx, `SELECT `+modelColumns+` FROM models WHERE channel_id = $1 ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load models: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, err
		}
		ch.Models = append(ch.Models, *m)
	}
	return ch, rows.Err()
}

func (s *Postgres) ListChannels(ctx context.Context) ([]model.Channel, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+channelColumns+` FROM channels ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list channels: %w", err)
	}
	var channels []model.Channel
	index := make(map[int64]int)
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		index[ch.ID] = len(channels)
		channels = append(channels, *ch)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.pool.Query(ctx, `SELECT `+modelColumns+` FROM models ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list models: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, err
		}
		if i, ok := index[m.ChannelID]; ok {
			channels[i].Models = append(channels[i].Models, *m)
		}
	}
	return channels, rows.Err()
}

func (s *Postgres) CreateModel(ctx context.Context, m *model.Model) error {
	query := `
INSERT INTO models (channel_id, name, kind, priority, active, available)
SELECT $1, $2, $3, $4, $5, c.healthy FROM channels c WHERE c.id = $1
RETURNING id, available, created_at;
`
	err := s.pool.QueryRow(ctx, query, m.ChannelID, m.Name, string(m.Kind), m.Priority, m.Active).
		Scan(&m.ID, &m.Available, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrChannelNotFound
		}
		return fmt.Errorf("failed to insert model: %w", err)
	}
	return nil
}

func (s *Postgres) UpdateModel(ctx context.Context, id int64, patch model.ModelPatch) (*model.Model, error) {
	query := `
UPDATE models
SET name = COALESCE($2, name),
    priority = COALESCE($3, priority),
    active = COALESCE($4, active)
WHERE id = $1
RETURNING ` + modelColumns
	m, err := scanModel(s.pool.QueryRow(ctx, query, id, patch.Name, patch.Priority, patch.Active))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrModelNotFound
		}
		return nil, fmt.Errorf("failed to update model: %w", err)
	}
	return m, nil
}

func (s *Postgres) SetChannelHealthy(ctx context.Context, id int64, healthy bool) error {
	tag, err := s.pool.Exec(ctx, `UPDATE channels SET healthy = $2 WHERE id = $1`, id, healthy)
	if err != nil {
		return fmt.Errorf("failed to set channel health: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrChannelNotFound
	}
	return nil
}

func (s *Postgres) RecordProbe(ctx context.Context, id int64, res model.ProbeResult) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
UPDATE channels SET healthy = $2, latency_ms = $3, last_checked_at = $4 WHERE id = $1`,
			id, res.Healthy, res.LatencyMs, res.CheckedAt)
		if err != nil {
			return fmt.Errorf("failed to record probe: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrChannelNotFound
		}
		if _, err := tx.Exec(ctx, `UPDATE models SET available = $2 WHERE channel_id = $1`, id, res.Healthy); err != nil {
			return fmt.Errorf("failed to cascade availability: %w", err)
		}
		return nil
	})
}

const jobColumns = `id, user_id, state, source_image, user_prompt, style_id, analysis_prompt, final_prompt,
quantity_requested, quantity_succeeded, cost_points, error, created_at, updated_at, completed_at`

func scanJob(row pgx.Row) (*model.Job, error) {
	var job model.Job
	var state string
	err := row.Scan(&job.ID, &job.UserID, &state, &job.SourceImage, &job.UserPrompt, &job.StyleID,
		&job.AnalysisPrompt, &job.FinalPrompt, &job.QuantityRequested, &job.QuantitySucceeded,
		&job.CostPoints, &job.Error, &job.CreatedAt, &job.UpdatedAt, &job.CompletedAt)
	if err != nil {
		return nil, err
	}
	job.State = model.JobState(state)
	return &job, nil
}

func (s *Postgres) CreateJob(ctx context.Context, job *model.Job) error {
	query := `
INSERT INTO jobs (id, user_id, state, source_image, user_prompt, style_id, analysis_prompt, final_prompt,
	quantity_requested, quantity_succeeded, cost_points, error, created_at, updated_at, completed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15);
`
	_, err := s.pool.Exec(ctx, query,
		job.ID, job.UserID, string(job.State), job.SourceImage, job.UserPrompt, job.StyleID,
		job.AnalysisPrompt, job.FinalPrompt, job.QuantityRequested, job.QuantitySucceeded,
		job.CostPoints, job.Error, job.CreatedAt, job.UpdatedAt, job.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

func (s *Postgres) GetJob(ctx context.Context, id string) (*model.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to load job: %w", err)
	}
	return job, nil
}

func (s *Postgres) UpdateJob(ctx context.Context, id string, fn func(*model.Job) error) (*model.Job, error) {
	var updated *model.Job
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		job, err := scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrJobNotFound
			}
			return fmt.Errorf("failed to lock job: %w", err)
		}
		if err := fn(job); err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
UPDATE jobs
SET state = $2, analysis_prompt = $3, final_prompt = $4, quantity_requested = $5,
    quantity_succeeded = $6, cost_points = $7, error = $8, updated_at = $9, completed_at = $10
WHERE id = $1;`,
			id, string(job.State), job.AnalysisPrompt, job.FinalPrompt, job.QuantityRequested,
			job.QuantitySucceeded, job.CostPoints, job.Error, job.UpdatedAt, job.CompletedAt)
		if err != nil {
			return fmt.Errorf("failed to update job: %w", err)
		}
		updated = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *Postgres) ListJobs(ctx context.Context, filter model.JobFilter) ([]model.Job, int, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.State != "" {
		args = append(args, string(filter.State))
		where = append(where, fmt.Sprintf("state = $%d", len(args)))
	}
	if filter.UserID != "" {
		args = append(args, filter.UserID)
		where = append(where, fmt.Sprintf("user_id = $%d", len(args)))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM jobs`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count jobs: %w", err)
	}

	query := `SELECT ` + jobColumns + ` FROM jobs` + clause + ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	jobs := []model.Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, 0, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, total, rows.Err()
}

func (s *Postgres) ClaimJob(ctx context.Context, id, owner string, ttl time.Duration) error {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
UPDATE jobs SET claimed_by = $2, claim_expires_at = $3
WHERE id = $1 AND (claimed_by IS NULL OR claimed_by = $2 OR claim_expires_at < $4);`,
		id, owner, now.Add(ttl), now)
	if err != nil {
		return fmt.Errorf("failed to claim job: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	if _, err := s.GetJob(ctx, id); err != nil {
		return err
	}
	return ErrJobClaimed
}

func (s *Postgres) ReleaseJob(ctx context.Context, id, owner string) error {
	_, err := s.pool.Exec(ctx, `
UPDATE jobs SET claimed_by = NULL, claim_expires_at = NULL WHERE id = $1 AND claimed_by = $2;`, id, owner)
	if err != nil {
		return fmt.Errorf("failed to release job: %w", err)
	}
	return nil
}

const resultColumns = `id, job_id, image_url, finalized_image_url, editor_data, created_at`

func scanResult(row pgx.Row) (*model.Result, error) {
	var res model.Result
	var editor []byte
	if err := row.Scan(&res.ID, &res.JobID, &res.ImageURL, &res.FinalizedImageURL, &editor, &res.CreatedAt); err != nil {
		return nil, err
	}
	if len(editor) > 0 {
		res.EditorData = json.RawMessage(editor)
	}
	return &res, nil
}

func (s *Postgres) AddResult(ctx context.Context, res *model.Result) (int, error) {
	if res.CreatedAt.IsZero() {
		res.CreatedAt = time.Now().UTC()
	}

	var count int
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
INSERT INTO results (id, job_id, image_url, finalized_image_url, editor_data, created_at)
VALUES ($1, $2, $3, $4, $5, $6);`,
			res.ID, res.JobID, res.ImageURL, res.FinalizedImageURL, nullableJSON(res.EditorData), res.CreatedAt)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23503" {
				return ErrJobNotFound
			}
			return fmt.Errorf("failed to insert result: %w", err)
		}
		return tx.QueryRow(ctx, `SELECT COUNT(*) FROM results WHERE job_id = $1`, res.JobID).Scan(&count)
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (s *Postgres) GetResult(ctx context.Context, id string) (*model.Result, error) {
	res, err := scanResult(s.pool.QueryRow(ctx, `SELECT `+resultColumns+` FROM results WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrResultNotFound
		}
		return nil, fmt.Errorf("failed to load result: %w", err)
	}
	return res, nil
}

func (s *Postgres) ListResults(ctx context.Context, jobID string) ([]model.Result, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+resultColumns+` FROM results WHERE job_id = $1 ORDER BY created_at, id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list results: %w", err)
	}
	defer rows.Close()

	out := []model.Result{}
	for rows.Next() {
		res, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *res)
	}
	return out, rows.Err()
}

func (s *Postgres) CountResults(ctx context.Context, jobID string) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM results WHERE job_id = $1`, jobID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count results: %w", err)
	}
	return n, nil
}

func (s *Postgres) FinalizeResult(ctx context.Context, id, finalizedURL string, editorData json.RawMessage) (*model.Result, error) {
	res, err := scanResult(s.pool.QueryRow(ctx, `
UPDATE results SET finalized_image_url = $2, editor_data = $3
WHERE id = $1 AND finalized_image_url = ''
RETURNING `+resultColumns, id, finalizedURL, nullableJSON(editorData)))
	if err == nil {
		return res, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to finalize result: %w", err)
	}
	if _, err := s.GetResult(ctx, id); err != nil {
		return nil, err
	}
	return nil, ErrAlreadyFinalized
}

const styleColumns = `id, name, prompt_instruction, preview_url, active, sort_order, created_at`

func scanStyle(row pgx.Row) (*model.StyleTemplate, error) {
	var st model.StyleTemplate
	if err := row.Scan(&st.ID, &st.Name, &st.PromptInstruction, &st.PreviewURL, &st.Active, &st.SortOrder, &st.CreatedAt); err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *Postgres) GetStyle(ctx context.Context, id string) (*model.StyleTemplate, error) {
	st, err := scanStyle(s.pool.QueryRow(ctx, `SELECT `+styleColumns+` FROM styles WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrStyleNotFound
		}
		return nil, fmt.Errorf("failed to load style: %w", err)
	}
	return st, nil
}

func (s *Postgres) ListStyles(ctx context.Context, activeOnly bool) ([]model.StyleTemplate, error) {
	query := `SELECT ` + styleColumns + ` FROM styles`
	if activeOnly {
		query += ` WHERE active`
	}
	query += ` ORDER BY sort_order, id`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list styles: %w", err)
	}
	defer rows.Close()

	out := []model.StyleTemplate{}
	for rows.Next() {
		st, err := scanStyle(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *st)
	}
	return out, rows.Err()
}

func (s *Postgres) UpsertStyle(ctx context.Context, style *model.StyleTemplate) error {
	query := `
INSERT INTO styles (id, name, prompt_instruction, preview_url, active, sort_order)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO UPDATE
SET name = EXCLUDED.name,
    prompt_instruction = EXCLUDED.prompt_instruction,
    preview_url = EXCLUDED.preview_url,
    active = EXCLUDED.active,
    sort_order = EXCLUDED.sort_order
RETURNING created_at;
`
	err := s.pool.QueryRow(ctx, query, style.ID, style.Name, style.PromptInstruction, style.PreviewURL, style.Active, style.SortOrder).
		Scan(&style.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert style: %w", err)
	}
	return nil
}

func nullableJSON(b json.RawMessage) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}
