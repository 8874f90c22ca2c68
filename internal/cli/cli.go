// ============================================================================
// Pipegen CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Provides the pipegen command tree based on the Cobra framework
//
// Command Structure:
//   pipegen                        # Root command
//   ├── spec                       # Generate a reduction spec from the DB
//   │   └── --db, --detector-map-dir, --max-arcs, --date-start,
//   │       --date-end, --visit-start, --visit-end, --metrics-file
//   ├── compile                    # Compile a reduction spec to a script
//   │   └── --init, --blocks, --calib, --calib-types, --clean,
//   │       --copy-mode, --devel, --force, -j/--processes, --rerun,
//   │       --science-steps, --allow-errors, --overwrite-calib,
//   │       --metrics-file
//   ├── expand                     # Expand a compact integer selector
//   ├── notify                     # Post a message to chat / e-mail
//   ├── trigger                    # Trigger a CI build
//   ├── --version                  # Display version information
//   └── --help                     # Display help information
//
// Logging:
//   -L/--log-level (debug, info, warn, error) and --log-format (text, json)
//   configure the process-wide slog default before any command runs.
//
// spec Command:
//   Queries the observation database and writes the weekly reduction spec:
//   1. Build selection criteria from the date/visit window flags
//   2. Open the observation database (URL from --db or $OBSDB_URL)
//   3. Generate calib blocks (biasdark, flat, fiberProfiles, detectorMap)
//   4. Write the YAML document to OUTPUT
//
//   Examples:
//     pipegen spec weekly.yaml --date-start 2026-08-01 --date-end 2026-08-08
//     pipegen spec weekly.yaml --db postgres://obsdb/obs --max-arcs 5
//
// compile Command:
//   Turns a reduction spec into an executable shell script:
//   1. Load and validate the YAML spec
//   2. Check the repository and calibration directories
//   3. Emit init ingestion, calib blocks, then science blocks
//   4. Mark the script executable
//
//   Examples:
//     pipegen compile /data weekly.yaml run.sh --rerun week34 --init
//     pipegen compile /data weekly.yaml run.sh --blocks biasdark_brn -j 8
//
// expand Command:
//   Prints the integers of a compact selector, one per line:
//     pipegen expand '1..5^8^10..20:2'
//
// Error Handling:
//   - Commands return errors instead of exiting; main prints them once
//   - Validation failures surface before any output file is created
//
// ============================================================================

package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/spectra-drp/pipegen/internal/compile"
	"github.com/spectra-drp/pipegen/internal/intspan"
	"github.com/spectra-drp/pipegen/internal/metrics"
	"github.com/spectra-drp/pipegen/internal/notify"
	"github.com/spectra-drp/pipegen/internal/obsdb"
	"github.com/spectra-drp/pipegen/internal/spec"
	"github.com/spectra-drp/pipegen/internal/specgen"
)

var (
	logLevel  string
	logFormat string
)

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "pipegen",
		Short: "Pipegen: reduction specs for the spectrograph pipeline",
		Long: `Pipegen turns observation records into weekly reduction specs and
compiles those specs into executable shell scripts:
- spec: query the observation database and write the YAML spec
- compile: turn a spec into a POSIX shell script
- expand, notify, trigger: weekly-run helpers`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			slog.SetDefault(newLogger(logLevel, logFormat, os.Stderr))
		},
	}

	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "L", "info",
		"log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text",
		"log format: text or json")

	rootCmd.AddCommand(buildSpecCommand())
	rootCmd.AddCommand(buildCompileCommand())
	rootCmd.AddCommand(buildExpandCommand())
	rootCmd.AddCommand(buildNotifyCommand())
	rootCmd.AddCommand(buildTriggerCommand())

	return rootCmd
}

// newLogger builds a slog.Logger without touching the global default, so
// tests can construct isolated instances.
func newLogger(levelStr, formatStr string, outW io.Writer) *slog.Logger {
	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	handlerOpts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if formatStr == "json" {
		handler = slog.NewJSONHandler(outW, handlerOpts)
	} else {
		handler = slog.NewTextHandler(outW, handlerOpts)
	}
	return slog.New(handler)
}

func buildSpecCommand() *cobra.Command {
	var (
		dbURL          string
		detectorMapDir string
		maxArcs        int
		dateStart      string
		dateEnd        string
		visitStart     int
		visitEnd       int
		metricsFile    string
	)

	cmd := &cobra.Command{
		Use:   "spec OUTPUT",
		Short: "Generate a reduction spec from the observation database",
		Long: "Query the observation database for calibration sequences within " +
			"the selection window and write the weekly reduction spec to OUTPUT.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if dbURL == "" {
				return fmt.Errorf("observation database URL is required (--db or $OBSDB_URL)")
			}
			criteria, err := buildCriteria(cmd, dateStart, dateEnd, visitStart, visitEnd)
			if err != nil {
				return err
			}
			return generateSpec(cmd, args[0], dbURL, detectorMapDir, maxArcs, criteria, metricsFile)
		},
	}

	cmd.Flags().StringVar(&dbURL, "db", os.Getenv("OBSDB_URL"),
		"observation database URL (defaults to $OBSDB_URL)")
	cmd.Flags().StringVar(&detectorMapDir, "detector-map-dir", "",
		"directory holding initial detector maps; adds an init section")
	cmd.Flags().IntVar(&maxArcs, "max-arcs", 10,
		"maximum arc visits per detector map")
	cmd.Flags().StringVar(&dateStart, "date-start", "", "earliest visit issue date")
	cmd.Flags().StringVar(&dateEnd, "date-end", "", "latest visit issue date")
	cmd.Flags().IntVar(&visitStart, "visit-start", 0, "smallest visit id")
	cmd.Flags().IntVar(&visitEnd, "visit-end", 0, "largest visit id")
	cmd.Flags().StringVar(&metricsFile, "metrics-file", "",
		"write prometheus metrics to this file")

	return cmd
}

// buildCriteria turns the window flags into selection criteria. Visit
// bounds apply only when their flags were given; zero is a valid visit id.
func buildCriteria(cmd *cobra.Command, dateStart, dateEnd string, visitStart, visitEnd int) (obsdb.SelectionCriteria, error) {
	var criteria obsdb.SelectionCriteria

	if dateStart != "" {
		ts, err := obsdb.ParseDate(dateStart)
		if err != nil {
			return criteria, err
		}
		criteria.DateStart = &ts
	}
	if dateEnd != "" {
		ts, err := obsdb.ParseDate(dateEnd)
		if err != nil {
			return criteria, err
		}
		criteria.DateEnd = &ts
	}
	if cmd.Flags().Changed("visit-start") {
		criteria.VisitStart = &visitStart
	}
	if cmd.Flags().Changed("visit-end") {
		criteria.VisitEnd = &visitEnd
	}
	return criteria, nil
}

func generateSpec(cmd *cobra.Command, output, dbURL, detectorMapDir string,
	maxArcs int, criteria obsdb.SelectionCriteria, metricsFile string) error {

	ctx := cmd.Context()
	db, err := obsdb.Open(ctx, obsdb.DefaultConfig(dbURL))
	if err != nil {
		return fmt.Errorf("failed to open observation database: %w", err)
	}
	defer db.Close()

	var collector *metrics.Collector
	if metricsFile != "" {
		collector = metrics.NewCollector()
	}

	doc, err := specgen.New(db, criteria, maxArcs, collector).Generate(ctx, detectorMapDir)
	if err != nil {
		return err
	}
	if err := specgen.WriteSpec(output, doc); err != nil {
		return err
	}

	if metricsFile != "" {
		if err := collector.WriteToTextfile(metricsFile); err != nil {
			return fmt.Errorf("failed to write metrics: %w", err)
		}
	}
	return nil
}

func buildCompileCommand() *cobra.Command {
	var (
		initCalibs   bool
		blocks       []string
		calibDir     string
		calibTypes   []string
		clean        bool
		copyMode     string
		devel        bool
		force        bool
		processes    int
		rerun        string
		scienceSteps []string
		allowErrors  bool
		overwrite    bool
		metricsFile  string
	)

	cmd := &cobra.Command{
		Use:   "compile DATA_DIR SPEC_FILE OUTPUT",
		Short: "Compile a reduction spec into a shell script",
		Long: "Load the reduction spec from SPEC_FILE and write an executable " +
			"shell script to OUTPUT that processes the repository at DATA_DIR.",
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !validCopyMode(copyMode) {
				return fmt.Errorf("invalid copy mode %q (choose move, copy, link or skip)", copyMode)
			}
			parsedTypes, err := parseCalibTypes(calibTypes)
			if err != nil {
				return err
			}
			parsedSteps, err := parseScienceSteps(scienceSteps)
			if err != nil {
				return err
			}

			opts := compile.Options{
				DataDir:        args[0],
				Calib:          calibDir,
				Rerun:          rerun,
				Blocks:         blocks,
				CalibTypes:     parsedTypes,
				ScienceSteps:   parsedSteps,
				Processes:      processes,
				CopyMode:       copyMode,
				Init:           initCalibs,
				Clean:          clean,
				Devel:          devel,
				Force:          force,
				OverwriteCalib: overwrite,
				AllowErrors:    allowErrors,
			}
			return compileSpec(opts, args[1], args[2], metricsFile)
		},
	}

	cmd.Flags().BoolVar(&initCalibs, "init", false,
		"ingest the spec's initial detector maps first")
	cmd.Flags().StringSliceVar(&blocks, "blocks", nil,
		"blocks to compile (default: all)")
	cmd.Flags().StringVar(&calibDir, "calib", "",
		"calibration directory (default: DATA_DIR/CALIB)")
	cmd.Flags().StringSliceVar(&calibTypes, "calib-types", nil,
		"calib types to process (default: all)")
	cmd.Flags().BoolVar(&clean, "clean", false,
		"remove byproducts after ingesting each calib")
	cmd.Flags().StringVar(&copyMode, "copy-mode", "copy",
		"how files enter the calib directory: move, copy, link or skip")
	cmd.Flags().BoolVar(&devel, "devel", false,
		"run emitted commands without version checks")
	cmd.Flags().BoolVar(&force, "force", false,
		"continue in the face of problems")
	cmd.Flags().IntVarP(&processes, "processes", "j", 1,
		"number of processes for the emitted commands")
	cmd.Flags().StringVar(&rerun, "rerun", "noname", "rerun name")
	cmd.Flags().StringSliceVar(&scienceSteps, "science-steps", nil,
		"science steps to execute (default: all)")
	cmd.Flags().BoolVar(&allowErrors, "allow-errors", false,
		"let emitted commands continue past failures")
	cmd.Flags().BoolVar(&overwrite, "overwrite-calib", false,
		"overwrite old calibs on ingestion")
	cmd.Flags().StringVar(&metricsFile, "metrics-file", "",
		"write prometheus metrics to this file")

	return cmd
}

func compileSpec(opts compile.Options, specFile, output, metricsFile string) error {
	file, err := spec.Load(specFile)
	if err != nil {
		return fmt.Errorf("failed to load spec: %w", err)
	}

	var collector *metrics.Collector
	if metricsFile != "" {
		collector = metrics.NewCollector()
	}

	if err := compile.New(opts, collector).Compile(file, output); err != nil {
		return err
	}

	if metricsFile != "" {
		if err := collector.WriteToTextfile(metricsFile); err != nil {
			return fmt.Errorf("failed to write metrics: %w", err)
		}
	}
	return nil
}

func validCopyMode(mode string) bool {
	switch mode {
	case "move", "copy", "link", "skip":
		return true
	}
	return false
}

func parseCalibTypes(names []string) ([]spec.CalibType, error) {
	var parsed []spec.CalibType
	for _, name := range names {
		if !spec.KnownCalibType(name) {
			return nil, fmt.Errorf("unknown calib type %q (known: %s)",
				name, joinCalibTypes())
		}
		parsed = append(parsed, spec.CalibType(name))
	}
	return parsed, nil
}

func parseScienceSteps(names []string) ([]spec.ScienceStep, error) {
	var parsed []spec.ScienceStep
	for _, name := range names {
		if !spec.KnownScienceStep(name) {
			return nil, fmt.Errorf("unknown science step %q (known: %s)",
				name, joinScienceSteps())
		}
		parsed = append(parsed, spec.ScienceStep(name))
	}
	return parsed, nil
}

func joinCalibTypes() string {
	names := make([]string, len(spec.CalibTypeOrder))
	for i, ct := range spec.CalibTypeOrder {
		names[i] = string(ct)
	}
	return strings.Join(names, ", ")
}

func joinScienceSteps() string {
	names := make([]string, len(spec.ScienceStepOrder))
	for i, st := range spec.ScienceStepOrder {
		names[i] = string(st)
	}
	return strings.Join(names, ", ")
}

func buildExpandCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "expand EXPR",
		Short: "Print the integers selected by a compact expression",
		Long: "Expand a compact selector such as '1..5^8^10..20:2' into its " +
			"integers, one per line.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			values, err := intspan.Parse(args[0])
			if err != nil {
				return err
			}
			for _, v := range values {
				fmt.Fprintln(cmd.OutOrStdout(), v)
			}
			return nil
		},
	}
}

func buildNotifyCommand() *cobra.Command {
	var (
		webhook   string
		emailHost string
		emailFrom string
		emailTo   []string
		subject   string
		message   string
		disable   bool
	)

	cmd := &cobra.Command{
		Use:   "notify",
		Short: "Post a message to chat and/or e-mail",
		Long: "Deliver a message through the configured channels. With " +
			"--disable the message is logged instead of sent.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if webhook == "" && emailHost == "" {
				return fmt.Errorf("nothing to notify: set --webhook and/or --email-host")
			}

			notifier := notify.New(disable)
			ctx := cmd.Context()
			if webhook != "" {
				if err := notifier.PostWebhook(ctx, webhook, message); err != nil {
					return err
				}
			}
			if emailHost != "" {
				mail := notify.Mail{
					Host:      emailHost,
					From:      emailFrom,
					To:        emailTo,
					Subject:   subject,
					Message:   message,
					BccSender: true,
				}
				if err := notifier.SendMail(ctx, mail); err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&webhook, "webhook", "", "chat webhook URL")
	cmd.Flags().StringVar(&emailHost, "email-host", "", "SMTP relay, host:port")
	cmd.Flags().StringVar(&emailFrom, "email-from", "", "sender address")
	cmd.Flags().StringSliceVar(&emailTo, "email-to", nil, "recipient addresses")
	cmd.Flags().StringVar(&subject, "subject", "", "e-mail subject")
	cmd.Flags().StringVar(&message, "message", "", "message text")
	cmd.Flags().BoolVar(&disable, "disable", false,
		"log the message instead of sending it")
	cmd.MarkFlagRequired("message")

	return cmd
}

func buildTriggerCommand() *cobra.Command {
	var (
		jobToken string
		authFile string
		user     string
		params   []string
		disable  bool
	)

	cmd := &cobra.Command{
		Use:   "trigger URL",
		Short: "Trigger a CI build",
		Long: "Post the trigger form for a CI job, authenticating with the " +
			"token stored in --auth-file.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed := make(map[string]string, len(params))
			for _, p := range params {
				key, value, ok := strings.Cut(p, "=")
				if !ok {
					return fmt.Errorf("parameter %q is not key=value", p)
				}
				parsed[key] = value
			}
			return notify.New(disable).TriggerBuild(cmd.Context(), notify.Trigger{
				URL:      args[0],
				JobToken: jobToken,
				User:     user,
				AuthFile: authFile,
				Params:   parsed,
			})
		},
	}

	cmd.Flags().StringVar(&jobToken, "job-token", "", "job trigger token")
	cmd.Flags().StringVar(&authFile, "auth-file", "", "file holding the API token")
	cmd.Flags().StringVar(&user, "user", "", "CI username for basic auth")
	cmd.Flags().StringArrayVar(&params, "param", nil,
		"extra form parameter, key=value (repeatable)")
	cmd.Flags().BoolVar(&disable, "disable", false, "log instead of triggering")
	cmd.MarkFlagRequired("job-token")
	cmd.MarkFlagRequired("auth-file")
	cmd.MarkFlagRequired("user")

	return cmd
}
