// Package sqlite persists residual records, trained artifacts and training
// status in the pace.report SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/pace.report/internal/db"
	"github.com/banshee-data/pace.report/internal/pace"
	"github.com/banshee-data/pace.report/internal/timeutil"
)

// Store implements the engine's artifact store on top of db.DB.
type Store struct {
	db    *db.DB
	clock timeutil.Clock
}

// NewStore wraps an opened, migrated database. clock stamps updated_at and
// may be nil.
func NewStore(d *db.DB, clock timeutil.Clock) *Store {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Store{db: d, clock: clock}
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func nullableNano(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNullableNano(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64).UTC()
	return &t
}

// SaveResidualRecord upserts rec keyed by (user, activity), so
// re-collecting an activity replaces the earlier record.
func (s *Store) SaveResidualRecord(ctx context.Context, rec *pace.ActivityResidualRecord) error {
	if rec == nil || rec.UserID == "" || rec.ActivityID == "" {
		return fmt.Errorf("%w: residual record needs user and activity ids", pace.ErrInvalidParameters)
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode residual record: %w", err)
	}
	return db.RetryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO residual_records (
				user_id, activity_id, activity_date, collected_at, segmentation_version,
				baseline_tier, flat_pace_s_per_km, trainable_segments, record_json
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (user_id, activity_id) DO UPDATE SET
				activity_date        = excluded.activity_date,
				collected_at         = excluded.collected_at,
				segmentation_version = excluded.segmentation_version,
				baseline_tier        = excluded.baseline_tier,
				flat_pace_s_per_km   = excluded.flat_pace_s_per_km,
				trainable_segments   = excluded.trainable_segments,
				record_json          = excluded.record_json`,
			rec.UserID, rec.ActivityID, unixNano(rec.ActivityDate), unixNano(rec.CollectedAt),
			rec.SegmentationVersion, int(rec.BaselineTier), rec.FlatPaceSecPerKm,
			len(rec.TrainableSegments()), string(payload),
		)
		if err != nil {
			return fmt.Errorf("failed to save residual record %s/%s: %w", rec.UserID, rec.ActivityID, err)
		}
		return nil
	})
}

// ListResidualRecords returns the user's records collected under
// segmentationVersion, oldest first. An empty userID lists every user.
func (s *Store) ListResidualRecords(ctx context.Context, userID, segmentationVersion string) ([]*pace.ActivityResidualRecord, error) {
	query := `SELECT record_json FROM residual_records WHERE segmentation_version = ?`
	args := []any{segmentationVersion}
	if userID != "" {
		query += ` AND user_id = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY user_id, activity_date, activity_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list residual records: %w", err)
	}
	defer rows.Close()

	var out []*pace.ActivityResidualRecord
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan residual record: %w", err)
		}
		rec := &pace.ActivityResidualRecord{}
		if err := json.Unmarshal([]byte(payload), rec); err != nil {
			return nil, fmt.Errorf("failed to decode residual record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ListActivitySummaries returns per-activity digests without decoding
// the stored records.
func (s *Store) ListActivitySummaries(ctx context.Context, userID, segmentationVersion string) ([]pace.ActivitySummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT activity_id, activity_date, flat_pace_s_per_km, trainable_segments
		FROM residual_records
		WHERE user_id = ? AND segmentation_version = ?
		ORDER BY activity_date, activity_id`, userID, segmentationVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to list activity summaries: %w", err)
	}
	defer rows.Close()

	var out []pace.ActivitySummary
	for rows.Next() {
		var (
			sum  pace.ActivitySummary
			date int64
		)
		if err := rows.Scan(&sum.ActivityID, &date, &sum.FlatPaceSecPerKm, &sum.TrainableSegments); err != nil {
			return nil, fmt.Errorf("failed to scan activity summary: %w", err)
		}
		sum.ActivityDate = time.Unix(0, date).UTC()
		out = append(out, sum)
	}
	return out, rows.Err()
}

// CountStaleRecords counts the user's records collected under a different
// segmentation version.
func (s *Store) CountStaleRecords(ctx context.Context, userID, segmentationVersion string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM residual_records
		WHERE user_id = ? AND segmentation_version != ?`, userID, segmentationVersion).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count stale records: %w", err)
	}
	return n, nil
}

// SaveParameters replaces the user's Tier 2 artifact.
func (s *Store) SaveParameters(ctx context.Context, p *pace.LearnedParameters) error {
	if p == nil {
		return fmt.Errorf("%w: nil parameters", pace.ErrInvalidParameters)
	}
	return s.SaveArtifacts(ctx, p, nil)
}

func upsertParameters(ctx context.Context, tx *sql.Tx, p *pace.LearnedParameters) error {
	if p.UserID == "" {
		return fmt.Errorf("%w: parameters need a user id", pace.ErrInvalidParameters)
	}
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode parameters: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO learned_parameters (user_id, trained_at, params_json) VALUES (?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			trained_at  = excluded.trained_at,
			params_json = excluded.params_json`,
		p.UserID, unixNano(p.TrainedAt), string(payload))
	if err != nil {
		return fmt.Errorf("failed to save parameters for %s: %w", p.UserID, err)
	}
	return nil
}

// LoadParameters returns the user's Tier 2 artifact or pace.ErrModelNotFound.
func (s *Store) LoadParameters(ctx context.Context, userID string) (*pace.LearnedParameters, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT params_json FROM learned_parameters WHERE user_id = ?`, userID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no parameters for user %s", pace.ErrModelNotFound, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load parameters for %s: %w", userID, err)
	}
	p := &pace.LearnedParameters{}
	if err := json.Unmarshal([]byte(payload), p); err != nil {
		return nil, fmt.Errorf("failed to decode parameters for %s: %w", userID, err)
	}
	return p, nil
}

// SaveResidualModel replaces the user's Tier 3 artifact.
func (s *Store) SaveResidualModel(ctx context.Context, m *pace.ResidualEnsembleModel) error {
	if m == nil {
		return fmt.Errorf("%w: nil residual model", pace.ErrInvalidParameters)
	}
	return s.SaveArtifacts(ctx, nil, m)
}

func upsertResidualModel(ctx context.Context, tx *sql.Tx, m *pace.ResidualEnsembleModel) error {
	if m.UserID == "" {
		return fmt.Errorf("%w: residual model needs a user id", pace.ErrInvalidParameters)
	}
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode residual model: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO residual_models (user_id, trained_at, baseline_tier, model_json) VALUES (?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			trained_at    = excluded.trained_at,
			baseline_tier = excluded.baseline_tier,
			model_json    = excluded.model_json`,
		m.UserID, unixNano(m.TrainedAt), int(m.BaselineTier), string(payload))
	if err != nil {
		return fmt.Errorf("failed to save residual model for %s: %w", m.UserID, err)
	}
	return nil
}

// LoadResidualModel returns the user's Tier 3 artifact or
// pace.ErrModelNotFound.
func (s *Store) LoadResidualModel(ctx context.Context, userID string) (*pace.ResidualEnsembleModel, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT model_json FROM residual_models WHERE user_id = ?`, userID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no residual model for user %s", pace.ErrModelNotFound, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load residual model for %s: %w", userID, err)
	}
	m := &pace.ResidualEnsembleModel{}
	if err := json.Unmarshal([]byte(payload), m); err != nil {
		return nil, fmt.Errorf("failed to decode residual model for %s: %w", userID, err)
	}
	return m, nil
}

// SaveTrainingStatus upserts the user's latest job status.
func (s *Store) SaveTrainingStatus(ctx context.Context, st *pace.TrainingStatus) error {
	if st == nil || st.UserID == "" {
		return fmt.Errorf("%w: training status needs a user id", pace.ErrInvalidParameters)
	}
	return db.RetryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO training_status (
				user_id, job_id, status, current_step, progress_percent,
				message, started_at, finished_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (user_id) DO UPDATE SET
				job_id           = excluded.job_id,
				status           = excluded.status,
				current_step     = excluded.current_step,
				progress_percent = excluded.progress_percent,
				message          = excluded.message,
				started_at       = excluded.started_at,
				finished_at      = excluded.finished_at,
				updated_at       = excluded.updated_at`,
			st.UserID, st.JobID, string(st.Status), st.CurrentStep, st.ProgressPercent,
			st.Message, nullableNano(st.StartedAt), nullableNano(st.FinishedAt), s.clock.Now().UnixNano(),
		)
		if err != nil {
			return fmt.Errorf("failed to save training status for %s: %w", st.UserID, err)
		}
		return nil
	})
}

// LoadTrainingStatus returns the user's last persisted status, or an idle
// status if none was recorded.
func (s *Store) LoadTrainingStatus(ctx context.Context, userID string) (*pace.TrainingStatus, error) {
	st := &pace.TrainingStatus{UserID: userID}
	var (
		status            string
		jobID, step, msg  sql.NullString
		started, finished sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT job_id, status, current_step, progress_percent, message, started_at, finished_at
		FROM training_status WHERE user_id = ?`, userID).
		Scan(&jobID, &status, &step, &st.ProgressPercent, &msg, &started, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		st.Status = pace.JobIdle
		return st, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load training status for %s: %w", userID, err)
	}
	st.JobID = jobID.String
	st.Status = pace.JobStatus(status)
	st.CurrentStep = step.String
	st.Message = msg.String
	st.StartedAt = fromNullableNano(started)
	st.FinishedAt = fromNullableNano(finished)
	return st, nil
}

// SaveArtifacts writes both trained artifacts in one transaction. Either
// may be nil; if both are nil nothing is written.
func (s *Store) SaveArtifacts(ctx context.Context, p *pace.LearnedParameters, m *pace.ResidualEnsembleModel) error {
	if p == nil && m == nil {
		return nil
	}
	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		if p != nil {
			if err := upsertParameters(ctx, tx, p); err != nil {
				return err
			}
		}
		if m != nil {
			if err := upsertResidualModel(ctx, tx, m); err != nil {
				return err
			}
		}
		return nil
	})
}
