package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/visualmatrix/api/internal/model"
)

const (
	keyChannelSeq = "vm:channel:seq"
	keyModelSeq   = "vm:model:seq"
	keyChannels   = "vm:channels"
	keyJobs       = "vm:jobs"
	keyStyles     = "vm:styles"

	maxTxRetries = 10
)

func channelKey(id int64) string       { return fmt.Sprintf("vm:channel:%d", id) }
func channelModelsKey(id int64) string { return fmt.Sprintf("vm:channel:%d:models", id) }
func modelKey(id int64) string         { return fmt.Sprintf("vm:model:%d", id) }
func jobKey(id string) string          { return fmt.Sprintf("vm:job:%s", id) }
func jobResultsKey(id string) string   { return fmt.Sprintf("vm:job:%s:results", id) }
func jobClaimKey(id string) string     { return fmt.Sprintf("vm:job:%s:claim", id) }
func userJobsKey(userID string) string { return fmt.Sprintf("vm:user:%s:jobs", userID) }
func resultKey(id string) string       { return fmt.Sprintf("vm:result:%s", id) }
func styleKey(id string) string        { return fmt.Sprintf("vm:style:%s", id) }

// releaseScript deletes a claim only when it is still held by the caller.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis stores channels and models as hashes, jobs and results as JSON
// documents, and indexes them with sorted sets.
type Redis struct {
	rdb *redis.Client
}

func NewRedis(rdb *redis.Client) *Redis {
	return &Redis{rdb: rdb}
}

// Close is a no-op: the client is shared with the queue and owned by main.
func (s *Redis) Close() error { return nil }

func (s *Redis) CreateChannel(ctx context.Context, ch *model.Channel) error {
	id, err := s.rdb.Incr(ctx, keyChannelSeq).Result()
	if err != nil {
		return fmt.Errorf("failed to allocate channel id: %w", err)
	}
	ch.ID = id
	if ch.CreatedAt.IsZero() {
		ch.CreatedAt = time.Now().UTC()
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, channelKey(id), channelFields(ch))
		pipe.ZAdd(ctx, keyChannels, redis.Z{Score: float64(id), Member: id})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save channel: %w", err)
	}
	return nil
}

func (s *Redis) UpdateChannel(ctx context.Context, id int64, patch model.ChannelPatch) (*model.Channel, error) {
	ch, err := s.loadChannel(ctx, id)
	if err != nil {
		return nil, err
	}
	applyChannelPatch(ch, patch)

	// Only admin fields are written so a concurrent demotion is never undone.
	fields := map[string]interface{}{
		"name":     ch.Name,
		"provider": ch.Provider,
		"base_url": ch.BaseURL,
		"api_key":  ch.APIKey,
		"active":   boolField(ch.Active),
	}
	if err := s.rdb.HSet(ctx, channelKey(id), fields).Err(); err != nil {
		return nil, fmt.Errorf("failed to update channel: %w", err)
	}
	return s.GetChannel(ctx, id)
}

func (s *Redis) GetChannel(ctx context.Context, id int64) (*model.Channel, error) {
	ch, err := s.loadChannel(ctx, id)
	if err != nil {
		return nil, err
	}
	models, err := s.loadModels(ctx, id)
	if err != nil {
		return nil, err
	}
	ch.Models = models
	return ch, nil
}

func (s *Redis) ListChannels(ctx context.Context) ([]model.Channel, error) {
	ids, err := s.rdb.ZRange(ctx, keyChannels, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list channels: %w", err)
	}

	out := make([]model.Channel, 0, len(ids))
	for _, raw := range ids {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		ch, err := s.GetChannel(ctx, id)
		if errors.Is(err, ErrChannelNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *ch)
	}
	return out, nil
}

func (s *Redis) loadChannel(ctx context.Context, id int64) (*model.Channel, error) {
	fields, err := s.rdb.HGetAll(ctx, channelKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load channel: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrChannelNotFound
	}
	return parseChannel(id, fields), nil
}

func (s *Redis) loadModels(ctx context.Context, channelID int64) ([]model.Model, error) {
	ids, err := s.rdb.SMembers(ctx, channelModelsKey(channelID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list models: %w", err)
	}

	models := make([]model.Model, 0, len(ids))
	for _, raw := range ids {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		m, err := s.loadModel(ctx, id)
		if errors.Is(err, ErrModelNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		models = append(models, *m)
	}
	sortModelsByID(models)
	return models, nil
}

func (s *Redis) loadModel(ctx context.Context, id int64) (*model.Model, error) {
	fields, err := s.rdb.HGetAll(ctx, modelKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load model: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrModelNotFound
	}
	return parseModel(id, fields), nil
}

func (s *Redis) CreateModel(ctx context.Context, m *model.Model) error {
	ch, err := s.loadChannel(ctx, m.ChannelID)
	if err != nil {
		return err
	}

	id, err := s.rdb.Incr(ctx, keyModelSeq).Result()
	if err != nil {
		return fmt.Errorf("failed to allocate model id: %w", err)
	}
	m.ID = id
	m.Available = ch.Healthy
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, modelKey(id), modelFields(m))
		pipe.SAdd(ctx, channelModelsKey(m.ChannelID), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save model: %w", err)
	}
	return nil
}

func (s *Redis) UpdateModel(ctx context.Context, id int64, patch model.ModelPatch) (*model.Model, error) {
	m, err := s.loadModel(ctx, id)
	if err != nil {
		return nil, err
	}
	applyModelPatch(m, patch)

	fields := map[string]interface{}{
		"name":     m.Name,
		"priority": m.Priority,
		"active":   boolField(m.Active),
	}
	if err := s.rdb.HSet(ctx, modelKey(id), fields).Err(); err != nil {
		return nil, fmt.Errorf("failed to update model: %w", err)
	}
	return s.loadModel(ctx, id)
}

func (s *Redis) SetChannelHealthy(ctx context.Context, id int64, healthy bool) error {
	n, err := s.rdb.Exists(ctx, channelKey(id)).Result()
	if err != nil {
		return fmt.Errorf("failed to check channel: %w", err)
	}
	if n == 0 {
		return ErrChannelNotFound
	}
	if err := s.rdb.HSet(ctx, channelKey(id), "healthy", boolField(healthy)).Err(); err != nil {
		return fmt.Errorf("failed to set channel health: %w", err)
	}
	return nil
}

func (s *Redis) RecordProbe(ctx context.Context, id int64, res model.ProbeResult) error {
	modelsKey := channelModelsKey(id)

	txf := func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, channelKey(id)).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrChannelNotFound
		}
		modelIDs, err := tx.SMembers(ctx, modelsKey).Result()
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, channelKey(id), map[string]interface{}{
				"healthy":         boolField(res.Healthy),
				"latency_ms":      res.LatencyMs,
				"last_checked_at": res.CheckedAt.UTC().Format(time.RFC3339Nano),
			})
			for _, raw := range modelIDs {
				mid, err := strconv.ParseInt(raw, 10, 64)
				if err != nil {
					continue
				}
				pipe.HSet(ctx, modelKey(mid), "available", boolField(res.Healthy))
			}
			return nil
		})
		return err
	}

	return s.withRetry(ctx, txf, modelsKey)
}

func (s *Redis) CreateJob(ctx context.Context, job *model.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	score := float64(job.CreatedAt.UnixNano())
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, jobKey(job.ID), data, 0)
		pipe.ZAdd(ctx, keyJobs, redis.Z{Score: score, Member: job.ID})
		pipe.ZAdd(ctx, userJobsKey(job.UserID), redis.Z{Score: score, Member: job.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	return nil
}

func (s *Redis) GetJob(ctx context.Context, id string) (*model.Job, error) {
	data, err := s.rdb.Get(ctx, jobKey(id)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrJobNotFound
		}
		return nil, err
	}

	var job model.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}

func (s *Redis) UpdateJob(ctx context.Context, id string, fn func(*model.Job) error) (*model.Job, error) {
	var updated *model.Job

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, jobKey(id)).Bytes()
		if err == redis.Nil {
			return ErrJobNotFound
		}
		if err != nil {
			return err
		}

		var job model.Job
		if err := json.Unmarshal(data, &job); err != nil {
			return fmt.Errorf("failed to unmarshal job: %w", err)
		}
		if err := fn(&job); err != nil {
			return err
		}
		out, err := json.Marshal(&job)
		if err != nil {
			return fmt.Errorf("failed to marshal job: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, jobKey(id), out, 0)
			return nil
		})
		if err == nil {
			updated = &job
		}
		return err
	}

	if err := s.withRetry(ctx, txf, jobKey(id)); err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *Redis) ListJobs(ctx context.Context, filter model.JobFilter) ([]model.Job, int, error) {
	index := keyJobs
	if filter.UserID != "" {
		index = userJobsKey(filter.UserID)
	}

	ids, err := s.rdb.ZRevRange(ctx, index, 0, -1).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list jobs: %w", err)
	}
	if len(ids) == 0 {
		return []model.Job{}, 0, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = jobKey(id)
	}
	values, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to load jobs: %w", err)
	}

	jobs := make([]model.Job, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var job model.Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			continue
		}
		if filter.State != "" && job.State != filter.State {
			continue
		}
		jobs = append(jobs, job)
	}
	return paginate(jobs, filter), len(jobs), nil
}

func (s *Redis) ClaimJob(ctx context.Context, id, owner string, ttl time.Duration) error {
	n, err := s.rdb.Exists(ctx, jobKey(id)).Result()
	if err != nil {
		return fmt.Errorf("failed to check job: %w", err)
	}
	if n == 0 {
		return ErrJobNotFound
	}

	ok, err := s.rdb.SetNX(ctx, jobClaimKey(id), owner, ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to claim job: %w", err)
	}
	if ok {
		return nil
	}

	holder, err := s.rdb.Get(ctx, jobClaimKey(id)).Result()
	if err == redis.Nil {
		// Expired between SETNX and GET; try once more.
		ok, err = s.rdb.SetNX(ctx, jobClaimKey(id), owner, ttl).Result()
		if err != nil {
			return fmt.Errorf("failed to claim job: %w", err)
		}
		if ok {
			return nil
		}
		return ErrJobClaimed
	}
	if err != nil {
		return fmt.Errorf("failed to read job claim: %w", err)
	}
	if holder != owner {
		return ErrJobClaimed
	}
	return s.rdb.PExpire(ctx, jobClaimKey(id), ttl).Err()
}

func (s *Redis) ReleaseJob(ctx context.Context, id, owner string) error {
	if err := releaseScript.Run(ctx, s.rdb, []string{jobClaimKey(id)}, owner).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("failed to release job: %w", err)
	}
	return nil
}

func (s *Redis) AddResult(ctx context.Context, res *model.Result) (int, error) {
	n, err := s.rdb.Exists(ctx, jobKey(res.JobID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to check job: %w", err)
	}
	if n == 0 {
		return 0, ErrJobNotFound
	}
	if res.CreatedAt.IsZero() {
		res.CreatedAt = time.Now().UTC()
	}

	data, err := json.Marshal(res)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal result: %w", err)
	}

	var count *redis.IntCmd
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, resultKey(res.ID), data, 0)
		pipe.ZAdd(ctx, jobResultsKey(res.JobID), redis.Z{Score: float64(res.CreatedAt.UnixNano()), Member: res.ID})
		count = pipe.ZCard(ctx, jobResultsKey(res.JobID))
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to save result: %w", err)
	}
	return int(count.Val()), nil
}

func (s *Redis) GetResult(ctx context.Context, id string) (*model.Result, error) {
	data, err := s.rdb.Get(ctx, resultKey(id)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrResultNotFound
		}
		return nil, err
	}

	var res model.Result
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("failed to unmarshal result: %w", err)
	}
	return &res, nil
}

func (s *Redis) ListResults(ctx context.Context, jobID string) ([]model.Result, error) {
	ids, err := s.rdb.ZRange(ctx, jobResultsKey(jobID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list results: %w", err)
	}

	out := make([]model.Result, 0, len(ids))
	for _, id := range ids {
		res, err := s.GetResult(ctx, id)
		if errors.Is(err, ErrResultNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *res)
	}
	return out, nil
}

func (s *Redis) CountResults(ctx context.Context, jobID string) (int, error) {
	n, err := s.rdb.ZCard(ctx, jobResultsKey(jobID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count results: %w", err)
	}
	return int(n), nil
}

func (s *Redis) FinalizeResult(ctx context.Context, id, finalizedURL string, editorData json.RawMessage) (*model.Result, error) {
	var updated *model.Result

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, resultKey(id)).Bytes()
		if err == redis.Nil {
			return ErrResultNotFound
		}
		if err != nil {
			return err
		}

		var res model.Result
		if err := json.Unmarshal(data, &res); err != nil {
			return fmt.Errorf("failed to unmarshal result: %w", err)
		}
		if res.FinalizedImageURL != "" {
			return ErrAlreadyFinalized
		}
		res.FinalizedImageURL = finalizedURL
		res.EditorData = editorData

		out, err := json.Marshal(&res)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, resultKey(id), out, 0)
			return nil
		})
		if err == nil {
			updated = &res
		}
		return err
	}

	if err := s.withRetry(ctx, txf, resultKey(id)); err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *Redis) GetStyle(ctx context.Context, id string) (*model.StyleTemplate, error) {
	data, err := s.rdb.Get(ctx, styleKey(id)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrStyleNotFound
		}
		return nil, err
	}

	var st model.StyleTemplate
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to unmarshal style: %w", err)
	}
	return &st, nil
}

func (s *Redis) ListStyles(ctx context.Context, activeOnly bool) ([]model.StyleTemplate, error) {
	ids, err := s.rdb.ZRange(ctx, keyStyles, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list styles: %w", err)
	}

	out := make([]model.StyleTemplate, 0, len(ids))
	for _, id := range ids {
		st, err := s.GetStyle(ctx, id)
		if errors.Is(err, ErrStyleNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if activeOnly && !st.Active {
			continue
		}
		out = append(out, *st)
	}
	sortStyles(out)
	return out, nil
}

func (s *Redis) UpsertStyle(ctx context.Context, style *model.StyleTemplate) error {
	existing, err := s.GetStyle(ctx, style.ID)
	switch {
	case err == nil:
		style.CreatedAt = existing.CreatedAt
	case errors.Is(err, ErrStyleNotFound):
		if style.CreatedAt.IsZero() {
			style.CreatedAt = time.Now().UTC()
		}
	default:
		return err
	}

	data, err := json.Marshal(style)
	if err != nil {
		return fmt.Errorf("failed to marshal style: %w", err)
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, styleKey(style.ID), data, 0)
		pipe.ZAdd(ctx, keyStyles, redis.Z{Score: float64(style.SortOrder), Member: style.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save style: %w", err)
	}
	return nil
}

// withRetry runs an optimistic WATCH transaction, retrying on conflicts.
func (s *Redis) withRetry(ctx context.Context, txf func(*redis.Tx) error, keys ...string) error {
	for i := 0; i < maxTxRetries; i++ {
		err := s.rdb.Watch(ctx, txf, keys...)
		if err != redis.TxFailedErr {
			return err
		}
	}
	return fmt.Errorf("transaction on %v kept conflicting", keys)
}

func channelFields(ch *model.Channel) map[string]interface{} {
	fields := map[string]interface{}{
		"name":       ch.Name,
		"provider":   ch.Provider,
		"base_url":   ch.BaseURL,
		"api_key":    ch.APIKey,
		"active":     boolField(ch.Active),
		"healthy":    boolField(ch.Healthy),
		"latency_ms": ch.LatencyMs,
		"created_at": ch.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if ch.LastCheckedAt != nil {
		fields["last_checked_at"] = ch.LastCheckedAt.UTC().Format(time.RFC3339Nano)
	}
	return fields
}

func parseChannel(id int64, f map[string]string) *model.Channel {
	ch := &model.Channel{
		ID:       id,
		Name:     f["name"],
		Provider: f["provider"],
		BaseURL:  f["base_url"],
		APIKey:   f["api_key"],
		Active:   f["active"] == "1",
		Healthy:  f["healthy"] == "1",
	}
	ch.LatencyMs, _ = strconv.ParseInt(f["latency_ms"], 10, 64)
	ch.CreatedAt, _ = time.Parse(time.RFC3339Nano, f["created_at"])
	if raw := f["last_checked_at"]; raw != "" {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			ch.LastCheckedAt = &t
		}
	}
	return ch
}

func modelFields(m *model.Model) map[string]interface{} {
	return map[string]interface{}{
		"channel_id": m.ChannelID,
		"name":       m.Name,
		"kind":       string(m.Kind),
		"priority":   m.Priority,
		"active":     boolField(m.Active),
		"available":  boolField(m.Available),
		"created_at": m.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func parseModel(id int64, f map[string]string) *model.Model {
	m := &model.Model{
		ID:        id,
		Name:      f["name"],
		Kind:      model.Kind(f["kind"]),
		Active:    f["active"] == "1",
		Available: f["available"] == "1",
	}
	m.ChannelID, _ = strconv.ParseInt(f["channel_id"], 10, 64)
	m.Priority, _ = strconv.Atoi(f["priority"])
	m.CreatedAt, _ = time.Parse(time.RFC3339Nano, f["created_at"])
	return m
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
