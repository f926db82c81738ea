package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/banshee-data/pace.report/internal/config"
	"github.com/banshee-data/pace.report/internal/db"
	"github.com/banshee-data/pace.report/internal/monitoring"
	"github.com/banshee-data/pace.report/internal/pace"
	"github.com/banshee-data/pace.report/internal/pace/collect"
	"github.com/banshee-data/pace.report/internal/pace/engine"
	"github.com/banshee-data/pace.report/internal/pace/export"
	"github.com/banshee-data/pace.report/internal/pace/fitstream"
	"github.com/banshee-data/pace.report/internal/pace/physics"
	"github.com/banshee-data/pace.report/internal/pace/storage/sqlite"
	"github.com/banshee-data/pace.report/internal/units"
)

// statusPollInterval is how often 'train --async' polls the job runner.
var statusPollInterval = 200 * time.Millisecond

type commonFlags struct {
	config *string
	db     *string
	curve  *string
	user   *string
}

func addCommonFlags(fs *flag.FlagSet) *commonFlags {
	return &commonFlags{
		config: fs.String("config", "", "JSON tuning file (defaults to built-in values)"),
		db:     fs.String("db", "", "SQLite database path (overrides db_path)"),
		curve:  fs.String("curve", "", "Population curve JSON (overrides curve_path)"),
		user:   fs.String("user", "", "Runner ID"),
	}
}

func (c *commonFlags) requireUser() error {
	if strings.TrimSpace(*c.user) == "" {
		return errors.New("--user is required")
	}
	return nil
}

func (c *commonFlags) loadConfig() (*config.PacerConfig, error) {
	if *c.config == "" {
		return config.EmptyPacerConfig(), nil
	}
	return config.LoadPacerConfig(*c.config)
}

func (c *commonFlags) dbPath(cfg *config.PacerConfig) string {
	if *c.db != "" {
		return *c.db
	}
	return cfg.GetDBPath()
}

// open builds an engine over the SQLite store. The returned func closes
// both.
func (c *commonFlags) open() (*engine.Engine, func(), error) {
	cfg, err := c.loadConfig()
	if err != nil {
		return nil, nil, err
	}

	var curve *physics.GlobalCurve
	curvePath := cfg.GetCurvePath()
	if *c.curve != "" {
		curvePath = *c.curve
	}
	if curvePath != "" {
		if curve, err = physics.LoadCurve(curvePath); err != nil {
			return nil, nil, err
		}
	}

	database, err := db.NewDB(c.dbPath(cfg))
	if err != nil {
		return nil, nil, err
	}
	e, err := engine.New(engine.ConfigFrom(cfg), sqlite.NewStore(database, nil), curve, nil)
	if err != nil {
		database.Close()
		return nil, nil, err
	}
	return e, func() {
		e.Close()
		database.Close()
	}, nil
}

func parseFlags(fs *flag.FlagSet, args []string, out io.Writer) error {
	fs.SetOutput(out)
	return fs.Parse(args)
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func handleCollect(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("collect", flag.ContinueOnError)
	common := addCommonFlags(fs)
	if err := parseFlags(fs, args, out); err != nil {
		return err
	}
	if err := common.requireUser(); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return errors.New("no activity files or directories given")
	}

	paths, err := activityFiles(fs.Args())
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		return errors.New("no .fit or .json activity files found")
	}

	var (
		acts     []collect.Activity
		failures []collect.Failure
	)
	for _, path := range paths {
		a, err := fitstream.ReadFile(path)
		if err != nil {
			failures = append(failures, collect.Failure{ActivityID: path, Err: err})
			continue
		}
		date := a.StartTime
		if date.IsZero() {
			if info, err := os.Stat(path); err == nil {
				date = info.ModTime()
			}
		}
		acts = append(acts, collect.Activity{
			ID:       a.ID,
			Stream:   a.Stream,
			Metadata: collect.Metadata{ActivityDate: date.UTC(), Name: a.ID},
		})
	}

	e, closeEngine, err := common.open()
	if err != nil {
		return err
	}
	defer closeEngine()

	res, err := e.CollectBatch(ctx, *common.user, acts, func(done, total int) {
		monitoring.Logf("[Collect] %d/%d activities", done, total)
	})
	if err != nil {
		return err
	}
	failures = append(failures, res.Failures...)

	fmt.Fprintf(out, "Collected %d activities for %s (%d failed)\n", len(res.Records), *common.user, len(failures))
	for _, f := range failures {
		fmt.Fprintf(out, "  skipped %s: %v\n", f.ActivityID, f.Err)
	}
	if len(res.Records) == 0 {
		return errors.New("no activities collected")
	}
	st := e.TierStatus(ctx, *common.user)
	fmt.Fprintf(out, "Tier %d (%s): %s\n", st.CurrentTier, st.CurrentTier, st.Message)
	return nil
}

// activityFiles expands directories into the .fit and .json files beneath
// them, sorted by path. Files named explicitly are kept whatever their
// extension so the reader can report them.
func activityFiles(args []string) ([]string, error) {
	var paths []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			paths = append(paths, arg)
			continue
		}
		err = filepath.WalkDir(arg, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			switch strings.ToLower(filepath.Ext(path)) {
			case ".fit", ".json":
				paths = append(paths, path)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	sort.Strings(paths)
	return paths, nil
}

func handleTrain(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("train", flag.ContinueOnError)
	common := addCommonFlags(fs)
	kindFlag := fs.String("kind", "all", "What to train: parameters, residual or all")
	async := fs.Bool("async", false, "Run through the background job runner and report progress")
	if err := parseFlags(fs, args, out); err != nil {
		return err
	}
	if err := common.requireUser(); err != nil {
		return err
	}
	kind, err := engine.ParseTrainKind(*kindFlag)
	if err != nil {
		return err
	}

	e, closeEngine, err := common.open()
	if err != nil {
		return err
	}
	defer closeEngine()

	if !*async {
		msg, err := e.Train(ctx, *common.user, kind)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, msg)
		return nil
	}

	jobID, err := e.StartTraining(*common.user, kind)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Started training job %s\n", jobID)

	lastStep := ""
	ticker := time.NewTicker(statusPollInterval)
	defer ticker.Stop()
	for {
		st, err := e.TrainingStatus(ctx, *common.user)
		if err != nil {
			return err
		}
		if st.CurrentStep != lastStep {
			fmt.Fprintf(out, "  [%3d%%] %s\n", st.ProgressPercent, st.CurrentStep)
			lastStep = st.CurrentStep
		}
		switch st.Status {
		case pace.JobCompleted:
			fmt.Fprintln(out, st.Message)
			return nil
		case pace.JobError:
			return fmt.Errorf("training failed: %s", st.Message)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func handlePredict(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("predict", flag.ContinueOnError)
	common := addCommonFlags(fs)
	segmentsPath := fs.String("segments", "", "Pre-segmented route JSON instead of a route file")
	effort := fs.String("effort", string(pace.DefaultEffort), "Effort: recovery, easy, training, tempo or race")
	flatPace := fs.Float64("flat-pace", 0, "Flat pace in s/km (0 uses the runner's history)")
	unitsFlag := fs.String("units", units.PerKm, "Pace units: "+units.GetValidUnitsString())
	asJSON := fs.Bool("json", false, "Print the full prediction as JSON")
	if err := parseFlags(fs, args, out); err != nil {
		return err
	}
	if !units.IsValid(*unitsFlag) {
		return fmt.Errorf("invalid units %q, expected one of %s", *unitsFlag, units.GetValidUnitsString())
	}
	eff, err := pace.ParseEffort(*effort)
	if err != nil {
		return err
	}

	req := engine.PredictRequest{UserID: *common.user, Effort: eff, FlatPaceSecPerKm: *flatPace}
	switch {
	case *segmentsPath != "" && fs.NArg() > 0:
		return errors.New("give either --segments or a route file, not both")
	case *segmentsPath != "":
		if req.Segments, err = fitstream.ReadSegmentsJSON(*segmentsPath); err != nil {
			return err
		}
	case fs.NArg() == 1:
		a, err := fitstream.ReadFile(fs.Arg(0))
		if err != nil {
			return err
		}
		req.Stream = &a.Stream
	default:
		return errors.New("expected exactly one route file or --segments")
	}

	e, closeEngine, err := common.open()
	if err != nil {
		return err
	}
	defer closeEngine()

	pred, err := e.Predict(ctx, req)
	if err != nil {
		return err
	}
	if *asJSON {
		return writeJSON(out, pred)
	}

	m := pred.Metadata
	fmt.Fprintf(out, "Predicted time: %s (tier %d %s, %s confidence, %s effort)\n",
		pred.TotalTimeFormatted, m.Tier, m.Tier, m.Confidence, m.Effort)
	fmt.Fprintf(out, "Flat pace: %s (%s)\n", units.FormatPace(m.FlatPaceSecPerKm, *unitsFlag), m.FlatPaceSource)
	if m.RangeHighS > 0 {
		fmt.Fprintf(out, "Likely range: %s to %s\n", units.FormatDuration(m.RangeLowS), units.FormatDuration(m.RangeHighS))
	}
	for _, d := range m.Downgrades {
		fmt.Fprintf(out, "Note: %s\n", d)
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(w, "#\tstart km\tlength m\tgrade %\tpace\tsplit\telapsed\t")
	for _, s := range pred.Segments {
		fmt.Fprintf(w, "%d\t%.2f\t%.0f\t%.1f\t%s\t%s\t%s\t\n",
			s.Index+1, s.StartDistanceM/1000, s.LengthM, s.GradeMean,
			units.FormatPace(s.PaceSecPerKm, *unitsFlag),
			units.FormatDuration(s.TimeS), units.FormatDuration(s.CumulativeTimeS))
	}
	return w.Flush()
}

func handleStatus(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	common := addCommonFlags(fs)
	asJSON := fs.Bool("json", false, "Print status as JSON")
	if err := parseFlags(fs, args, out); err != nil {
		return err
	}
	if err := common.requireUser(); err != nil {
		return err
	}

	e, closeEngine, err := common.open()
	if err != nil {
		return err
	}
	defer closeEngine()

	tierStatus := e.TierStatus(ctx, *common.user)
	training, err := e.TrainingStatus(ctx, *common.user)
	if err != nil {
		return err
	}
	if *asJSON {
		return writeJSON(out, struct {
			Tier     any `json:"tier"`
			Training any `json:"training"`
		}{tierStatus, training})
	}

	fmt.Fprintf(out, "Runner:      %s\n", *common.user)
	fmt.Fprintf(out, "Tier:        %d (%s), %s confidence\n", tierStatus.CurrentTier, tierStatus.CurrentTier, tierStatus.Confidence)
	fmt.Fprintf(out, "Activities:  %d\n", tierStatus.ActivityCount)
	fmt.Fprintf(out, "Progress:    %s\n", tierStatus.Message)
	if tierStatus.StaleRecords > 0 {
		fmt.Fprintf(out, "Stale:       %d activities collected under older segmentation thresholds; re-collect them\n", tierStatus.StaleRecords)
	}
	fmt.Fprintf(out, "Training:    %s", training.Status)
	if training.Message != "" {
		fmt.Fprintf(out, " (%s)", training.Message)
	}
	fmt.Fprintln(out)
	return nil
}

func handleExport(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	common := addCommonFlags(fs)
	outPath := fs.String("out", "", "Output parquet file (required)")
	allUsers := fs.Bool("all-users", false, "Export every runner instead of --user")
	trainableOnly := fs.Bool("trainable-only", false, "Skip stopped and untimed segments")
	if err := parseFlags(fs, args, out); err != nil {
		return err
	}
	if *outPath == "" {
		return errors.New("--out is required")
	}
	userID := *common.user
	if *allUsers {
		userID = ""
	} else if err := common.requireUser(); err != nil {
		return errors.New("--user or --all-users is required")
	}

	e, closeEngine, err := common.open()
	if err != nil {
		return err
	}
	defer closeEngine()

	records, err := e.ResidualRecords(ctx, userID)
	if err != nil {
		return err
	}
	n, err := export.WriteFile(*outPath, records, export.Options{TrainableOnly: *trainableOnly})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Wrote %d segments from %d activities to %s\n", n, len(records), *outPath)
	return nil
}

func handleBuildCurve(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("build-curve", flag.ContinueOnError)
	common := addCommonFlags(fs)
	outPath := fs.String("out", "", "Output curve JSON (required)")
	minSamples := fs.Int("min-samples", 20, "Drop grade bins with fewer samples")
	curveVersion := fs.String("curve-version", "", "Version label (defaults to built-YYYYMMDD)")
	if err := parseFlags(fs, args, out); err != nil {
		return err
	}
	if *outPath == "" {
		return errors.New("--out is required")
	}

	e, closeEngine, err := common.open()
	if err != nil {
		return err
	}
	defer closeEngine()

	builtAt := time.Now().UTC()
	label := *curveVersion
	if label == "" {
		label = "built-" + builtAt.Format("20060102")
	}
	curve, err := e.BuildGlobalCurve(ctx, physics.BuildOptions{
		MinSamples: *minSamples,
		Version:    label,
		BuiltAt:    builtAt,
	})
	if err != nil {
		return err
	}
	if err := physics.SaveCurve(*outPath, curve); err != nil {
		return err
	}
	fmt.Fprintf(out, "Wrote curve %s with %d grade bins to %s\n", curve.Version, len(curve.Points), *outPath)
	return nil
}

func handleMigrate(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	common := addCommonFlags(fs)
	if err := parseFlags(fs, args, out); err != nil {
		return err
	}
	cfg, err := common.loadConfig()
	if err != nil {
		return err
	}
	return db.RunMigrateCommand(fs.Args(), common.dbPath(cfg), out)
}
