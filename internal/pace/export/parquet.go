// Package export writes collected residual records as a flat parquet
// training set, one row per segment.
package export

import (
	"fmt"
	"io"

	"github.com/xitongsys/parquet-go-source/buffer"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/reader"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	"github.com/banshee-data/pace.report/internal/pace"
)

const parallelism = 4

// Row is one segment of one activity. Feature columns follow
// pace.FeatureNames.
type Row struct {
	UserID              string  `parquet:"name=user_id, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	ActivityID          string  `parquet:"name=activity_id, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	ActivityDateUnixMs  int64   `parquet:"name=activity_date_unix_ms, type=INT64"`
	SegmentationVersion string  `parquet:"name=segmentation_version, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	BaselineTier        int32   `parquet:"name=baseline_tier, type=INT32"`
	SegmentIndex        int32   `parquet:"name=segment_index, type=INT32"`
	StartDistanceM      float64 `parquet:"name=start_distance_m, type=DOUBLE"`
	LengthM             float64 `parquet:"name=length_m, type=DOUBLE"`
	ActualPaceSPerKm    float64 `parquet:"name=actual_pace_s_per_km, type=DOUBLE"`
	FlatPaceSPerKm      float64 `parquet:"name=flat_pace_s_per_km, type=DOUBLE"`
	RecencyWeight       float64 `parquet:"name=recency_weight, type=DOUBLE"`
	Stopped             bool    `parquet:"name=stopped, type=BOOLEAN"`
	Trainable           bool    `parquet:"name=trainable, type=BOOLEAN"`

	GradeMean            float64 `parquet:"name=grade_mean, type=DOUBLE"`
	GradeStd             float64 `parquet:"name=grade_std, type=DOUBLE"`
	AbsGrade             float64 `parquet:"name=abs_grade, type=DOUBLE"`
	CumulativeDistanceKm float64 `parquet:"name=cumulative_distance_km, type=DOUBLE"`
	DistanceRemainingKm  float64 `parquet:"name=distance_remaining_km, type=DOUBLE"`
	PreviousPaceRatio    float64 `parquet:"name=previous_segment_pace_ratio, type=DOUBLE"`
	GradeChange          float64 `parquet:"name=grade_change_from_previous, type=DOUBLE"`
	CumulativeGainM      float64 `parquet:"name=cumulative_elevation_gain_m, type=DOUBLE"`
	GainRate             float64 `parquet:"name=elevation_gain_rate, type=DOUBLE"`
	RollingGrade500m     float64 `parquet:"name=rolling_average_grade_over_500m, type=DOUBLE"`

	PhysicsPaceRatio float64 `parquet:"name=physics_pace_ratio, type=DOUBLE"`
	ActualPaceRatio  float64 `parquet:"name=actual_pace_ratio, type=DOUBLE"`
	Residual         float64 `parquet:"name=residual, type=DOUBLE"`
}

// Options filters the exported rows.
type Options struct {
	// TrainableOnly drops stopped and untimed segments.
	TrainableOnly bool
}

// Rows flattens records in the order given.
func Rows(records []*pace.ActivityResidualRecord, opts Options) []Row {
	var rows []Row
	for _, rec := range records {
		if rec == nil {
			continue
		}
		for i, s := range rec.Segments {
			trainable := s.Trainable()
			if opts.TrainableOnly && !trainable {
				continue
			}
			f := s.Features
			rows = append(rows, Row{
				UserID:              rec.UserID,
				ActivityID:          rec.ActivityID,
				ActivityDateUnixMs:  rec.ActivityDate.UnixMilli(),
				SegmentationVersion: rec.SegmentationVersion,
				BaselineTier:        int32(rec.BaselineTier),
				SegmentIndex:        int32(i),
				StartDistanceM:      s.Segment.StartDistanceM,
				LengthM:             s.Segment.LengthM,
				ActualPaceSPerKm:    s.Segment.ActualPace,
				FlatPaceSPerKm:      rec.FlatPaceSecPerKm,
				RecencyWeight:       rec.RecencyWeight,
				Stopped:             s.Segment.Stopped,
				Trainable:           trainable,

				GradeMean:            f[pace.FeatGradeMean],
				GradeStd:             f[pace.FeatGradeStd],
				AbsGrade:             f[pace.FeatAbsGrade],
				CumulativeDistanceKm: f[pace.FeatCumulativeDistanceKm],
				DistanceRemainingKm:  f[pace.FeatDistanceRemainingKm],
				PreviousPaceRatio:    f[pace.FeatPreviousPaceRatio],
				GradeChange:          f[pace.FeatGradeChange],
				CumulativeGainM:      f[pace.FeatCumulativeGainM],
				GainRate:             f[pace.FeatGainRate],
				RollingGrade500m:     f[pace.FeatRollingGrade500m],

				PhysicsPaceRatio: s.PhysicsPaceRatio,
				ActualPaceRatio:  s.ActualPaceRatio,
				Residual:         s.Residual,
			})
		}
	}
	return rows
}

// WriteFile writes the training set to path and returns the row count.
func WriteFile(path string, records []*pace.ActivityResidualRecord, opts Options) (int, error) {
	fw, err := local.NewLocalFileWriter(path)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", path, err)
	}
	n, err := write(fw, Rows(records, opts))
	if err != nil {
		_ = fw.Close()
		return 0, err
	}
	if err := fw.Close(); err != nil {
		return 0, err
	}
	return n, nil
}

// Write encodes the training set into w.
func Write(w io.Writer, records []*pace.ActivityResidualRecord, opts Options) (int, error) {
	fw := buffer.NewBufferFile()
	n, err := write(fw, Rows(records, opts))
	if err != nil {
		return 0, err
	}
	if err := fw.Close(); err != nil {
		return 0, err
	}
	if _, err := w.Write(fw.Bytes()); err != nil {
		return 0, err
	}
	return n, nil
}

func write(fw source.ParquetFile, rows []Row) (int, error) {
	pw, err := writer.NewParquetWriter(fw, new(Row), parallelism)
	if err != nil {
		return 0, err
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for _, row := range rows {
		if err := pw.Write(row); err != nil {
			_ = pw.WriteStop()
			return 0, fmt.Errorf("write parquet row: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return 0, fmt.Errorf("finish parquet file: %w", err)
	}
	return len(rows), nil
}

// ReadFile reads a training set written by WriteFile.
func ReadFile(path string) ([]Row, error) {
	fr, err := local.NewLocalFileReader(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer fr.Close()
	return read(fr)
}

// Read decodes a training set held in memory.
func Read(data []byte) ([]Row, error) {
	return read(buffer.NewBufferFileFromBytes(data))
}

func read(fr source.ParquetFile) ([]Row, error) {
	pr, err := reader.NewParquetReader(fr, new(Row), parallelism)
	if err != nil {
		return nil, fmt.Errorf("open parquet reader: %w", err)
	}
	defer pr.ReadStop()

	rows := make([]Row, int(pr.GetNumRows()))
	if len(rows) == 0 {
		return rows, nil
	}
	if err := pr.Read(&rows); err != nil {
		return nil, fmt.Errorf("read parquet rows: %w", err)
	}
	return rows, nil
}
