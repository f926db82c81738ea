// Package memory is an in-process artifact store for tests and dry runs.
// Values are deep-copied through JSON on the way in and out so callers
// never share memory with the store.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/banshee-data/pace.report/internal/pace"
)

type recordKey struct {
	userID, activityID string
}

// Store keeps every artifact in maps guarded by a single RWMutex.
type Store struct {
	mu       sync.RWMutex
	records  map[recordKey][]byte
	params   map[string][]byte
	models   map[string][]byte
	statuses map[string]pace.TrainingStatus
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{
		records:  make(map[recordKey][]byte),
		params:   make(map[string][]byte),
		models:   make(map[string][]byte),
		statuses: make(map[string]pace.TrainingStatus),
	}
}

// SaveResidualRecord replaces any record for the same user and activity.
func (s *Store) SaveResidualRecord(_ context.Context, rec *pace.ActivityResidualRecord) error {
	if rec == nil || rec.UserID == "" || rec.ActivityID == "" {
		return fmt.Errorf("%w: residual record needs user and activity ids", pace.ErrInvalidParameters)
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode residual record: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[recordKey{rec.UserID, rec.ActivityID}] = b
	return nil
}

// ListResidualRecords mirrors the SQLite store's ordering: user, then
// activity date, then activity id.
func (s *Store) ListResidualRecords(_ context.Context, userID, segmentationVersion string) ([]*pace.ActivityResidualRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*pace.ActivityResidualRecord
	for k, b := range s.records {
		if userID != "" && k.userID != userID {
			continue
		}
		rec := &pace.ActivityResidualRecord{}
		if err := json.Unmarshal(b, rec); err != nil {
			return nil, fmt.Errorf("failed to decode residual record: %w", err)
		}
		if rec.SegmentationVersion != segmentationVersion {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.UserID != b.UserID {
			return a.UserID < b.UserID
		}
		if !a.ActivityDate.Equal(b.ActivityDate) {
			return a.ActivityDate.Before(b.ActivityDate)
		}
		return a.ActivityID < b.ActivityID
	})
	return out, nil
}

// ListActivitySummaries summarises ListResidualRecords per activity.
func (s *Store) ListActivitySummaries(ctx context.Context, userID, segmentationVersion string) ([]pace.ActivitySummary, error) {
	if userID == "" {
		return nil, nil
	}
	recs, err := s.ListResidualRecords(ctx, userID, segmentationVersion)
	if err != nil {
		return nil, err
	}
	out := make([]pace.ActivitySummary, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.Summary())
	}
	return out, nil
}

// CountStaleRecords counts the user's records collected under a different
// segmentation version.
func (s *Store) CountStaleRecords(_ context.Context, userID, segmentationVersion string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for k, b := range s.records {
		if k.userID != userID {
			continue
		}
		var head struct {
			SegmentationVersion string `json:"segmentation_version"`
		}
		if err := json.Unmarshal(b, &head); err != nil {
			return 0, fmt.Errorf("failed to decode residual record: %w", err)
		}
		if head.SegmentationVersion != segmentationVersion {
			n++
		}
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

// LoadParameters returns pace.ErrModelNotFound when the user has none.
func (s *Store) LoadParameters(_ context.Context, userID string) (*pace.LearnedParameters, error) {
	s.mu.RLock()
	b, ok := s.params[userID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no parameters for user %s", pace.ErrModelNotFound, userID)
	}
	p := &pace.LearnedParameters{}
	if err := json.Unmarshal(b, p); err != nil {
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

// LoadResidualModel returns pace.ErrModelNotFound when the user has none.
func (s *Store) LoadResidualModel(_ context.Context, userID string) (*pace.ResidualEnsembleModel, error) {
	s.mu.RLock()
	b, ok := s.models[userID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no residual model for user %s", pace.ErrModelNotFound, userID)
	}
	m := &pace.ResidualEnsembleModel{}
	if err := json.Unmarshal(b, m); err != nil {
		return nil, fmt.Errorf("failed to decode residual model for %s: %w", userID, err)
	}
	return m, nil
}

// SaveArtifacts validates and encodes both artifacts before taking the
// lock, so a failure writes neither.
func (s *Store) SaveArtifacts(_ context.Context, p *pace.LearnedParameters, m *pace.ResidualEnsembleModel) error {
	var pb, mb []byte
	var err error
	if p != nil {
		if p.UserID == "" {
			return fmt.Errorf("%w: parameters need a user id", pace.ErrInvalidParameters)
		}
		if pb, err = json.Marshal(p); err != nil {
			return fmt.Errorf("failed to encode parameters: %w", err)
		}
	}
	if m != nil {
		if m.UserID == "" {
			return fmt.Errorf("%w: residual model needs a user id", pace.ErrInvalidParameters)
		}
		if mb, err = json.Marshal(m); err != nil {
			return fmt.Errorf("failed to encode residual model: %w", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if p != nil {
		s.params[p.UserID] = pb
	}
	if m != nil {
		s.models[m.UserID] = mb
	}
	return nil
}

// SaveTrainingStatus keeps the latest status per user.
func (s *Store) SaveTrainingStatus(_ context.Context, st *pace.TrainingStatus) error {
	if st == nil || st.UserID == "" {
		return fmt.Errorf("%w: training status needs a user id", pace.ErrInvalidParameters)
	}
	cp := *st
	if st.StartedAt != nil {
		t := *st.StartedAt
		cp.StartedAt = &t
	}
	if st.FinishedAt != nil {
		t := *st.FinishedAt
		cp.FinishedAt = &t
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[st.UserID] = cp
	return nil
}

// LoadTrainingStatus returns an idle status for users with no job yet.
func (s *Store) LoadTrainingStatus(_ context.Context, userID string) (*pace.TrainingStatus, error) {
	s.mu.RLock()
	st, ok := s.statuses[userID]
	s.mu.RUnlock()
	if !ok {
		return &pace.TrainingStatus{UserID: userID, Status: pace.JobIdle}, nil
	}
	if st.StartedAt != nil {
		t := *st.StartedAt
		st.StartedAt = &t
	}
	if st.FinishedAt != nil {
		t := *st.FinishedAt
		st.FinishedAt = &t
	}
	return &st, nil
}
