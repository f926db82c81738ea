package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// DefaultConfigPath is the path to the canonical defaults file.
const DefaultConfigPath = "config/pacer.defaults.json"

// PacerConfig is the root configuration. Every field is optional: the Get*
// accessors return the production default for anything left unset, so a
// partial file only overrides what it names.
type PacerConfig struct {
	// Storage
	DBPath    *string `json:"db_path,omitempty"`
	CurvePath *string `json:"curve_path,omitempty"` // empty uses the bundled curve

	// Segmentation
	MinElevationDeltaM *float64 `json:"min_elevation_delta_m,omitempty"`
	MinSegmentLengthM  *float64 `json:"min_segment_length_m,omitempty"`
	MaxSegmentLengthM  *float64 `json:"max_segment_length_m,omitempty"`
	StoppedVelocityMPS *float64 `json:"stopped_velocity_mps,omitempty"`
	GainThresholdM     *float64 `json:"gain_threshold_m,omitempty"`
	SmoothingWindow    *int     `json:"smoothing_window,omitempty"`

	// Tier selection
	Tier2MinActivities    *int     `json:"tier2_min_activities,omitempty"`
	Tier3MinActivities    *int     `json:"tier3_min_activities,omitempty"`
	DefaultFlatPaceSPerKm *float64 `json:"default_flat_pace_s_per_km,omitempty"`
	RecencyHalfLifeDays   *float64 `json:"recency_half_life_days,omitempty"`

	// Tier 2 learning
	MinTrainingSegments     *int     `json:"min_training_segments,omitempty"`
	ContinuityGapWarn       *float64 `json:"continuity_gap_warn,omitempty"`
	MaxOptimizerEvaluations *int     `json:"max_optimizer_evaluations,omitempty"`

	// Tier 3 learning
	ResidualMinSegments *int     `json:"residual_min_segments,omitempty"`
	ValidationFraction  *float64 `json:"validation_fraction,omitempty"`
	ResidualMin         *float64 `json:"residual_min,omitempty"`
	ResidualMax         *float64 `json:"residual_max,omitempty"`
	NEstimators         *int     `json:"n_estimators,omitempty"`
	LearningRate        *float64 `json:"learning_rate,omitempty"`
	MaxDepth            *int     `json:"max_depth,omitempty"`
	MinSamplesLeaf      *int     `json:"min_samples_leaf,omitempty"`

	// Training jobs
	MaxConcurrentJobs *int `json:"max_concurrent_jobs,omitempty"`
	JobQueueSize      *int `json:"job_queue_size,omitempty"`
}

func ptrFloat64(v float64) *float64 { return &v }
func ptrInt(v int) *int             { return &v }
func ptrString(v string) *string    { return &v }

// EmptyPacerConfig returns a PacerConfig with every field unset.
func EmptyPacerConfig() *PacerConfig {
	return &PacerConfig{}
}

// LoadPacerConfig loads a PacerConfig from a JSON file. The file must have
// a .json extension and be at most 1MB.
func LoadPacerConfig(path string) (*PacerConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyPacerConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath, searching the current
// directory and its parents up to the repository root. Panics if the file
// cannot be loaded; intended for test setup.
func MustLoadDefaultConfig() *PacerConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,       // from internal/config/
		"../../../" + DefaultConfigPath,    // from internal/pace/engine/
		"../../../../" + DefaultConfigPath, // from internal/pace/storage/sqlite/
	}
	for _, path := range candidates {
		if cfg, err := LoadPacerConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks the values that are set.
func (c *PacerConfig) Validate() error {
	positiveFloats := []struct {
		name string
		v    *float64
	}{
		{"min_elevation_delta_m", c.MinElevationDeltaM},
		{"min_segment_length_m", c.MinSegmentLengthM},
		{"default_flat_pace_s_per_km", c.DefaultFlatPaceSPerKm},
		{"recency_half_life_days", c.RecencyHalfLifeDays},
		{"learning_rate", c.LearningRate},
	}
	for _, f := range positiveFloats {
		if f.v != nil && *f.v <= 0 {
			return fmt.Errorf("%s must be positive, got %f", f.name, *f.v)
		}
	}

	positiveInts := []struct {
		name string
		v    *int
	}{
		{"smoothing_window", c.SmoothingWindow},
		{"tier2_min_activities", c.Tier2MinActivities},
		{"tier3_min_activities", c.Tier3MinActivities},
		{"min_training_segments", c.MinTrainingSegments},
		{"max_optimizer_evaluations", c.MaxOptimizerEvaluations},
		{"residual_min_segments", c.ResidualMinSegments},
		{"n_estimators", c.NEstimators},
		{"max_depth", c.MaxDepth},
		{"min_samples_leaf", c.MinSamplesLeaf},
		{"max_concurrent_jobs", c.MaxConcurrentJobs},
		{"job_queue_size", c.JobQueueSize},
	}
	for _, f := range positiveInts {
		if f.v != nil && *f.v < 1 {
			return fmt.Errorf("%s must be at least 1, got %d", f.name, *f.v)
		}
	}

	if c.MaxSegmentLengthM != nil && *c.MaxSegmentLengthM < 0 {
		return fmt.Errorf("max_segment_length_m must be non-negative, got %f", *c.MaxSegmentLengthM)
	}
	if maxLen := c.GetMaxSegmentLengthM(); maxLen != 0 && maxLen < 2*c.GetMinSegmentLengthM() {
		return fmt.Errorf("max_segment_length_m (%f) must be 0 or at least twice min_segment_length_m (%f)",
			maxLen, c.GetMinSegmentLengthM())
	}
	if c.StoppedVelocityMPS != nil && *c.StoppedVelocityMPS < 0 {
		return fmt.Errorf("stopped_velocity_mps must be non-negative, got %f", *c.StoppedVelocityMPS)
	}
	if c.GainThresholdM != nil && *c.GainThresholdM < 0 {
		return fmt.Errorf("gain_threshold_m must be non-negative, got %f", *c.GainThresholdM)
	}
	if c.GetTier3MinActivities() < c.GetTier2MinActivities() {
		return fmt.Errorf("tier3_min_activities (%d) must not be below tier2_min_activities (%d)",
			c.GetTier3MinActivities(), c.GetTier2MinActivities())
	}
	if c.ContinuityGapWarn != nil && *c.ContinuityGapWarn < 0 {
		return fmt.Errorf("continuity_gap_warn must be non-negative, got %f", *c.ContinuityGapWarn)
	}
	if v := c.GetValidationFraction(); v <= 0 || v >= 1 {
		return fmt.Errorf("validation_fraction must be between 0 and 1, got %f", v)
	}
	if lo, hi := c.GetResidualMin(), c.GetResidualMax(); lo <= 0 || hi <= lo {
		return fmt.Errorf("residual band [%f, %f] must be positive and non-empty", lo, hi)
	}
	return nil
}

// GetDBPath returns the db_path value or the default.
func (c *PacerConfig) GetDBPath() string {
	if c.DBPath == nil || *c.DBPath == "" {
		return "pace.db"
	}
	return *c.DBPath
}

// GetCurvePath returns the curve_path value; empty means the bundled curve.
func (c *PacerConfig) GetCurvePath() string {
	if c.CurvePath == nil {
		return ""
	}
	return *c.CurvePath
}

func (c *PacerConfig) GetMinElevationDeltaM() float64 {
	if c.MinElevationDeltaM == nil {
		return 5
	}
	return *c.MinElevationDeltaM
}

func (c *PacerConfig) GetMinSegmentLengthM() float64 {
	if c.MinSegmentLengthM == nil {
		return 200
	}
	return *c.MinSegmentLengthM
}

func (c *PacerConfig) GetMaxSegmentLengthM() float64 {
	if c.MaxSegmentLengthM == nil {
		return 1000
	}
	return *c.MaxSegmentLengthM
}

func (c *PacerConfig) GetStoppedVelocityMPS() float64 {
	if c.StoppedVelocityMPS == nil {
		return 0.5
	}
	return *c.StoppedVelocityMPS
}

func (c *PacerConfig) GetGainThresholdM() float64 {
	if c.GainThresholdM == nil {
		return 1
	}
	return *c.GainThresholdM
}

func (c *PacerConfig) GetSmoothingWindow() int {
	if c.SmoothingWindow == nil {
		return 5
	}
	return *c.SmoothingWindow
}

func (c *PacerConfig) GetTier2MinActivities() int {
	if c.Tier2MinActivities == nil {
		return 5
	}
	return *c.Tier2MinActivities
}

func (c *PacerConfig) GetTier3MinActivities() int {
	if c.Tier3MinActivities == nil {
		return 15
	}
	return *c.Tier3MinActivities
}

// GetDefaultFlatPace returns the flat pace (s/km) used when neither the
// request nor the user's history provides one.
func (c *PacerConfig) GetDefaultFlatPace() float64 {
	if c.DefaultFlatPaceSPerKm == nil {
		return 360
	}
	return *c.DefaultFlatPaceSPerKm
}

func (c *PacerConfig) GetRecencyHalfLifeDays() float64 {
	if c.RecencyHalfLifeDays == nil {
		return 120
	}
	return *c.RecencyHalfLifeDays
}

func (c *PacerConfig) GetMinTrainingSegments() int {
	if c.MinTrainingSegments == nil {
		return 20
	}
	return *c.MinTrainingSegments
}

func (c *PacerConfig) GetContinuityGapWarn() float64 {
	if c.ContinuityGapWarn == nil {
		return 0.05
	}
	return *c.ContinuityGapWarn
}

func (c *PacerConfig) GetMaxOptimizerEvaluations() int {
	if c.MaxOptimizerEvaluations == nil {
		return 6000
	}
	return *c.MaxOptimizerEvaluations
}

func (c *PacerConfig) GetResidualMinSegments() int {
	if c.ResidualMinSegments == nil {
		return 50
	}
	return *c.ResidualMinSegments
}

func (c *PacerConfig) GetValidationFraction() float64 {
	if c.ValidationFraction == nil {
		return 0.2
	}
	return *c.ValidationFraction
}

func (c *PacerConfig) GetResidualMin() float64 {
	if c.ResidualMin == nil {
		return 0.5
	}
	return *c.ResidualMin
}

func (c *PacerConfig) GetResidualMax() float64 {
	if c.ResidualMax == nil {
		return 2.0
	}
	return *c.ResidualMax
}

func (c *PacerConfig) GetNEstimators() int {
	if c.NEstimators == nil {
		return 150
	}
	return *c.NEstimators
}

func (c *PacerConfig) GetLearningRate() float64 {
	if c.LearningRate == nil {
		return 0.1
	}
	return *c.LearningRate
}

func (c *PacerConfig) GetMaxDepth() int {
	if c.MaxDepth == nil {
		return 3
	}
	return *c.MaxDepth
}

func (c *PacerConfig) GetMinSamplesLeaf() int {
	if c.MinSamplesLeaf == nil {
		return 5
	}
	return *c.MinSamplesLeaf
}

// GetMaxConcurrentJobs returns the training worker count.
func (c *PacerConfig) GetMaxConcurrentJobs() int {
	if c.MaxConcurrentJobs == nil {
		return 2
	}
	return *c.MaxConcurrentJobs
}

func (c *PacerConfig) GetJobQueueSize() int {
	if c.JobQueueSize == nil {
		return 64
	}
	return *c.JobQueueSize
}
