// Package fitstream turns FIT activity and course files, or JSON stream
// dumps, into pace.Stream values.
package fitstream

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/tormoder/fit"

	"github.com/banshee-data/pace.report/internal/monitoring"
	"github.com/banshee-data/pace.report/internal/pace"
)

// maxJSONBytes caps JSON stream and segment files.
const maxJSONBytes = 64 << 20

// Activity is a decoded activity or course.
type Activity struct {
	ID        string
	StartTime time.Time
	Sport     string
	Stream    pace.Stream
	// Dropped counts records without usable distance or altitude, or whose
	// distance went backwards.
	Dropped int
}

// Decode reads a FIT file. Activity files keep their timing; course files
// come back as untimed routes.
func Decode(r io.Reader) (*Activity, error) {
	decoded, err := fit.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("decode FIT file: %w", err)
	}

	if activity, err := decoded.Activity(); err == nil {
		stream, dropped, err := StreamFromRecords(activity.Records)
		if err != nil {
			return nil, err
		}
		a := &Activity{Stream: stream, Dropped: dropped}
		if len(activity.Sessions) > 0 && activity.Sessions[0] != nil {
			session := activity.Sessions[0]
			a.StartTime = validTimeOrZero(session.StartTime)
			a.Sport = strings.ToLower(session.Sport.String())
		}
		if a.StartTime.IsZero() {
			a.StartTime = firstTimestamp(activity.Records)
		}
		return a, nil
	}

	course, err := decoded.Course()
	if err != nil {
		return nil, fmt.Errorf("activity or course FIT expected: %w", err)
	}
	stream, dropped, err := StreamFromRecords(course.Records)
	if err != nil {
		return nil, err
	}
	return &Activity{Stream: untimed(stream), Dropped: dropped}, nil
}

// ReadFile loads a .fit or .json file. The activity ID defaults to the
// file name without its extension.
func ReadFile(path string) (*Activity, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var a *Activity
	switch strings.ToLower(filepath.Ext(path)) {
	case ".fit":
		a, err = Decode(f)
	case ".json":
		var s pace.Stream
		s, err = DecodeStreamJSON(f)
		a = &Activity{Stream: s}
	default:
		return nil, fmt.Errorf("unsupported file type %q (expected .fit or .json)", filepath.Ext(path))
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	a.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if a.Dropped > 0 {
		monitoring.Logf("[FIT] %s: dropped %d unusable records", a.ID, a.Dropped)
	}
	return a, nil
}

// StreamFromRecords builds a stream from FIT record messages. Records are
// ordered by timestamp; records with a missing distance or altitude, or a
// distance below the previous kept record, are skipped. Speed falls back
// from enhanced to plain to the distance/time difference.
func StreamFromRecords(records []*fit.RecordMsg) (pace.Stream, int, error) {
	rows := make([]*fit.RecordMsg, 0, len(records))
	for _, rec := range records {
		if rec != nil {
			rows = append(rows, rec)
		}
	}
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].Timestamp.Before(rows[j].Timestamp)
	})

	var (
		s       pace.Stream
		dropped int
		start   time.Time
		timed   = true
	)
	for _, rec := range rows {
		dist := rec.GetDistanceScaled()
		alt := extractAltitude(rec)
		if !isFinite(dist) || dist < 0 || !isFinite(alt) {
			dropped++
			continue
		}
		if n := len(s.Distance); n > 0 && dist < s.Distance[n-1] {
			dropped++
			continue
		}

		ts := validTimeOrZero(rec.Timestamp)
		if ts.IsZero() {
			timed = false
		} else if start.IsZero() {
			start = ts
		}
		offset := 0.0
		if !ts.IsZero() {
			offset = ts.Sub(start).Seconds()
		}

		speed, ok := extractSpeed(rec)
		if !ok {
			speed = math.NaN()
		}
		s.Distance = append(s.Distance, dist)
		s.Elevation = append(s.Elevation, alt)
		s.Time = append(s.Time, offset)
		s.Velocity = append(s.Velocity, speed)
	}

	if len(s.Distance) < 2 {
		return pace.Stream{}, dropped, fmt.Errorf("%w: %d usable records", pace.ErrInvalidParameters, len(s.Distance))
	}
	if !timed {
		s = untimed(s)
	} else {
		fillSpeed(s)
	}
	if err := s.Validate(); err != nil {
		return pace.Stream{}, dropped, err
	}
	return s, dropped, nil
}

// fillSpeed replaces missing speeds with the speed over the preceding
// interval.
func fillSpeed(s pace.Stream) {
	for i := range s.Velocity {
		if isFinite(s.Velocity[i]) {
			continue
		}
		v := 0.0
		j := i
		if j == 0 {
			j = 1
		}
		if dt := s.Time[j] - s.Time[j-1]; dt > 0 {
			v = (s.Distance[j] - s.Distance[j-1]) / dt
		}
		s.Velocity[i] = v
	}
}

func untimed(s pace.Stream) pace.Stream {
	s.Time = nil
	s.Velocity = nil
	return s
}

func extractAltitude(rec *fit.RecordMsg) float64 {
	if alt := rec.GetEnhancedAltitudeScaled(); isFinite(alt) {
		return alt
	}
	return rec.GetAltitudeScaled()
}

func extractSpeed(rec *fit.RecordMsg) (float64, bool) {
	speed := rec.GetEnhancedSpeedScaled()
	if isFinite(speed) && speed >= 0 {
		return speed, true
	}
	speed = rec.GetSpeedScaled()
	if isFinite(speed) && speed >= 0 {
		return speed, true
	}
	return 0, false
}

func firstTimestamp(records []*fit.RecordMsg) time.Time {
	var first time.Time
	for _, rec := range records {
		if rec == nil {
			continue
		}
		ts := validTimeOrZero(rec.Timestamp)
		if !ts.IsZero() && (first.IsZero() || ts.Before(first)) {
			first = ts
		}
	}
	return first
}

func validTimeOrZero(t time.Time) time.Time {
	if t.IsZero() || fit.IsBaseTime(t) {
		return time.Time{}
	}
	return t
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// DecodeStreamJSON reads a pace.Stream encoded as JSON.
func DecodeStreamJSON(r io.Reader) (pace.Stream, error) {
	var s pace.Stream
	if err := decodeJSON(r, &s); err != nil {
		return pace.Stream{}, err
	}
	if err := s.Validate(); err != nil {
		return pace.Stream{}, err
	}
	return s, nil
}

// ReadSegmentsJSON loads a route that has already been segmented. The file
// holds either a bare array of segments or an object with a "segments" key.
func ReadSegmentsJSON(path string) ([]pace.Segment, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var raw json.RawMessage
	if err := decodeJSON(f, &raw); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	var segs []pace.Segment
	if err := json.Unmarshal(raw, &segs); err != nil {
		var wrapped struct {
			Segments []pace.Segment `json:"segments"`
		}
		if err2 := json.Unmarshal(raw, &wrapped); err2 != nil {
			return nil, fmt.Errorf("%s: %w: not a segment list", path, pace.ErrInvalidParameters)
		}
		segs = wrapped.Segments
	}
	if err := pace.ValidateSegments(segs); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return segs, nil
}

func decodeJSON(r io.Reader, v any) error {
	lr := &io.LimitedReader{R: r, N: maxJSONBytes + 1}
	dec := json.NewDecoder(lr)
	if err := dec.Decode(v); err != nil {
		if lr.N <= 0 {
			return fmt.Errorf("%w: JSON input exceeds %d bytes", pace.ErrInvalidParameters, maxJSONBytes)
		}
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: empty JSON input", pace.ErrInvalidParameters)
		}
		return fmt.Errorf("%w: %v", pace.ErrInvalidParameters, err)
	}
	return nil
}
