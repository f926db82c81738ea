package pace

import (
	"math"
	"time"
)

// Feature vector layout. The order is part of the persisted Tier 3 schema:
// append new features at the end and bump FeatureSchemaVersion.
const (
	FeatGradeMean = iota
	FeatGradeStd
	FeatAbsGrade
	FeatCumulativeDistanceKm
	FeatDistanceRemainingKm
	FeatPreviousPaceRatio
	FeatGradeChange
	FeatCumulativeGainM
	FeatGainRate
	FeatRollingGrade500m

	NumFeatures
)

// FeatureSchemaVersion identifies the feature layout above.
const FeatureSchemaVersion = 1

// FeatureNames is the stable, ordered list of feature names.
var FeatureNames = [NumFeatures]string{
	"grade_mean",
	"grade_std",
	"abs_grade",
	"cumulative_distance_km",
	"distance_remaining_km",
	"previous_segment_pace_ratio",
	"grade_change_from_previous",
	"cumulative_elevation_gain_m",
	"elevation_gain_rate",
	"rolling_average_grade_over_500m",
}

// FeatureVector is one segment's model input.
type FeatureVector [NumFeatures]float64

// Slice returns the vector as a slice sharing no memory with v.
func (v FeatureVector) Slice() []float64 {
	out := make([]float64, NumFeatures)
	copy(out, v[:])
	return out
}

// SegmentResidual is one labelled training example.
type SegmentResidual struct {
	Segment          Segment       `json:"segment"`
	Features         FeatureVector `json:"features"`
	PhysicsPaceRatio float64       `json:"physics_pace_ratio"`
	ActualPaceRatio  float64       `json:"actual_pace_ratio"`
	Residual         float64       `json:"residual"`
}

// Trainable reports whether the example can be used to fit a model.
func (r SegmentResidual) Trainable() bool {
	if r.Segment.Stopped || !r.Segment.Timed() {
		return false
	}
	for _, v := range []float64{r.PhysicsPaceRatio, r.ActualPaceRatio, r.Residual} {
		if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
			return false
		}
	}
	return true
}

// ActivityResidualRecord is everything collected from one historical
// activity. It is keyed by (UserID, ActivityID).
type ActivityResidualRecord struct {
	UserID              string            `json:"user_id"`
	ActivityID          string            `json:"activity_id"`
	ActivityDate        time.Time         `json:"activity_date"`
	CollectedAt         time.Time         `json:"collected_at"`
	SegmentationVersion string            `json:"segmentation_version"`
	BaselineTier        Tier              `json:"baseline_tier"`
	FlatPaceSecPerKm    float64           `json:"flat_pace_s_per_km"`
	RecencyWeight       float64           `json:"recency_weight"`
	Segments            []SegmentResidual `json:"segments"`
}

// TrainableSegments returns the segments usable for fitting.
func (r *ActivityResidualRecord) TrainableSegments() []SegmentResidual {
	out := make([]SegmentResidual, 0, len(r.Segments))
	for _, s := range r.Segments {
		if s.Trainable() {
			out = append(out, s)
		}
	}
	return out
}

// LearnedParameters is the Tier 2 artifact.
type LearnedParameters struct {
	UserID       string  `json:"user_id"`
	VFlat        float64 `json:"v_flat"`
	KUp          float64 `json:"k_up"`
	KTech        float64 `json:"k_tech"`
	AUp          float64 `json:"a_up"`
	ADown        float64 `json:"a_down"`
	KTerrainUp   float64 `json:"k_terrain_up"`
	KTerrainDown float64 `json:"k_terrain_down"`
	FatigueAlpha float64 `json:"fatigue_alpha"`

	OptimizationScore float64    `json:"optimization_score"`
	ContinuityGap     float64    `json:"continuity_gap"`
	NActivitiesUsed   int        `json:"n_activities_used"`
	NSegmentsUsed     int        `json:"n_segments_used"`
	Confidence        Confidence `json:"confidence_level"`
	TrainedAt         time.Time  `json:"trained_at"`
}

// ValidationMetrics summarises a held-out evaluation.
type ValidationMetrics struct {
	MAE  float64 `json:"mae"`
	RMSE float64 `json:"rmse"`
	R2   float64 `json:"r2"`
	N    int     `json:"n"`
}

// ResidualEnsembleModel is the Tier 3 artifact. Model is an opaque,
// versioned blob; FeatureNames records the layout it was trained on.
type ResidualEnsembleModel struct {
	UserID            string             `json:"user_id"`
	Model             []byte             `json:"model"`
	FeatureNames      []string           `json:"feature_names"`
	FeatureImportance map[string]float64 `json:"feature_importance"`
	NActivitiesUsed   int                `json:"n_activities_used"`
	NSegmentsTrained  int                `json:"n_segments_trained"`
	Validation        ValidationMetrics  `json:"validation_metrics"`
	BaselineTier      Tier               `json:"baseline_tier"`
	Confidence        Confidence         `json:"confidence_level"`
	TrainedAt         time.Time          `json:"trained_at"`
}

// JobStatus is the lifecycle state of a user's training job.
type JobStatus string

const (
	JobIdle      JobStatus = "idle"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobError     JobStatus = "error"
)

// TrainingStatus is the progress record of the most recent training job.
type TrainingStatus struct {
	UserID          string     `json:"user_id"`
	JobID           string     `json:"job_id,omitempty"`
	Status          JobStatus  `json:"status"`
	CurrentStep     string     `json:"current_step,omitempty"`
	ProgressPercent int        `json:"progress_percent"`
	Message         string     `json:"message,omitempty"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
}

// ActivitySummary is the per-activity digest the orchestrator needs at
// prediction time, without decoding full residual records.
type ActivitySummary struct {
	ActivityID        string    `json:"activity_id"`
	ActivityDate      time.Time `json:"activity_date"`
	FlatPaceSecPerKm  float64   `json:"flat_pace_s_per_km"`
	TrainableSegments int       `json:"trainable_segments"`
}

// Summary digests the record.
func (r *ActivityResidualRecord) Summary() ActivitySummary {
	return ActivitySummary{
		ActivityID:        r.ActivityID,
		ActivityDate:      r.ActivityDate,
		FlatPaceSecPerKm:  r.FlatPaceSecPerKm,
		TrainableSegments: len(r.TrainableSegments()),
	}
}
