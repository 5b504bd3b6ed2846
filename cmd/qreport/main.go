package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/TobiSchelling/qreport/internal/compose"
	"github.com/TobiSchelling/qreport/internal/config"
	"github.com/TobiSchelling/qreport/internal/database"
	"github.com/TobiSchelling/qreport/internal/freshness"
	"github.com/TobiSchelling/qreport/internal/ingest"
	"github.com/TobiSchelling/qreport/internal/logger"
	"github.com/TobiSchelling/qreport/internal/pipeline"
	"github.com/TobiSchelling/qreport/internal/scope"
	"github.com/TobiSchelling/qreport/internal/server"
)

var version = "dev"

var (
	verbose    bool
	configPath string
	cfg        *config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "qreport",
	Short:   "Quarterly status report compiler",
	Long:    "qreport ingests spreadsheet exports and compiles them into quarterly category roll-ups with upload freshness checks.",
	Version: version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		config.LoadEnv()

		// Skip config loading for init and version
		if cmd.Name() == "init" || cmd.Name() == "version" {
			initLogger(config.Logging{})
			return nil
		}

		path, err := config.ResolveConfigPath(configPath)
		if err != nil {
			return err
		}
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		initLogger(cfg.Logging)
		return nil
	},
}

func initLogger(l config.Logging) {
	level := l.Level
	if verbose {
		level = "debug"
	}
	logger.Init(logger.Options{Level: level, Format: l.Format, Caller: verbose})
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(uploadsCmd)
	rootCmd.AddCommand(rulesCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(serveCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("qreport", version)
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration in ~/.config/qreport/",
	RunE: func(cmd *cobra.Command, args []string) error {
		target := filepath.Join(config.ConfigDir(), "config.yaml")
		if _, err := os.Stat(target); err == nil {
			fmt.Printf("Config already exists: %s\n", target)
			return nil
		}

		if err := os.MkdirAll(config.ConfigDir(), 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}

		if err := os.WriteFile(target, config.DefaultConfigYAML, 0o644); err != nil {
			return fmt.Errorf("writing config: %w", err)
		}

		fmt.Printf("Created config: %s\n", target)
		fmt.Println("Edit it to configure reports, required uploads and roll-up tables.")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show database and system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		stats, err := db.GetStats()
		if err != nil {
			return fmt.Errorf("getting stats: %w", err)
		}

		fmt.Printf("Database: %s\n\n", db.Path())
		fmt.Println("Uploads:")
		fmt.Printf("  Total: %d\n", stats.Uploads)
		fmt.Printf("  Aliases: %d\n", stats.Aliases)
		fmt.Printf("  Rows ingested: %d\n", stats.Facts)
		fmt.Printf("  Sheet rules: %d\n", stats.SheetRules)
		fmt.Println("\nOutput:")
		fmt.Printf("  Report tables: %d\n", stats.ReportTables)
		fmt.Printf("  Runs: %d\n", stats.Runs)

		runs, err := db.GetRuns("", 1)
		if err == nil && len(runs) > 0 {
			last := runs[0]
			fmt.Printf("\nLast run: %s cutoff %s, %s\n", last.ReportName, last.Cutoff, compose.OutcomeLabel(last.Outcome))
		}
		return nil
	},
}

// --- ingest command ---

var (
	ingestAlias  string
	ingestReport string
	ingestSheet  string
)

var ingestCmd = &cobra.Command{
	Use:   "ingest [file.csv]",
	Short: "Load a CSV export as a new upload of an alias",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		sum, err := ingest.File(db, args[0], ingest.Options{
			Alias:      ingestAlias,
			ReportName: ingestReport,
			Sheet:      ingestSheet,
		})
		if err != nil {
			return err
		}

		fmt.Printf("Ingested %d rows x %d columns into %s (upload #%d).\n", sum.Rows, sum.Cols, sum.TableName, sum.UploadID)
		if sum.Sheet != "" {
			fmt.Printf("Sheet: %s\n", sum.Sheet)
		}
		return nil
	},
}

func init() {
	ingestCmd.Flags().StringVarP(&ingestAlias, "alias", "a", "", "Table alias the upload provides (required)")
	ingestCmd.Flags().StringVarP(&ingestReport, "report", "r", "", "Report the upload belongs to (default: every report)")
	ingestCmd.Flags().StringVarP(&ingestSheet, "sheet", "s", "", "Worksheet the file was exported from")
	ingestCmd.MarkFlagRequired("alias")
}

// --- uploads command ---

var uploadsLimit int

var uploadsCmd = &cobra.Command{
	Use:   "uploads",
	Short: "List the upload history",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		uploads, err := db.GetUploadHistory(uploadsLimit)
		if err != nil {
			return err
		}
		if len(uploads) == 0 {
			fmt.Println("No uploads yet. Use 'qreport ingest' to add one.")
			return nil
		}

		fmt.Printf("%-5s %-16s %-18s %-16s %6s %5s  %s\n", "ID", "Uploaded", "Alias", "Report", "Rows", "Cols", "File")
		for _, u := range uploads {
			report := u.ReportName
			if report == "" {
				report = "-"
			}
			fmt.Printf("%-5d %-16s %-18s %-16s %6d %5d  %s\n",
				u.ID, database.FormatUploadTime(u.UploadedAt), u.Alias, report, u.Rows, u.Cols, u.Filename)
		}
		return nil
	},
}

func init() {
	uploadsCmd.Flags().IntVarP(&uploadsLimit, "limit", "n", 20, "Number of uploads to show")
}

// --- rules command ---

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Manage sheet and column rules for uploaded files",
}

var rulesSetCmd = &cobra.Command{
	Use:   "set [filename] [sheet]",
	Short: "Remember which sheet a file is exported from",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		if err := db.InsertSheetRule(args[0], args[1]); err != nil {
			return err
		}
		fmt.Printf("%s -> sheet %s\n", args[0], args[1])
		return nil
	},
}

var rulesGetCmd = &cobra.Command{
	Use:   "get [filename]",
	Short: "Show the remembered sheet and column rules of a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		sheet, err := db.GetExistingRule(args[0])
		if err != nil {
			return err
		}
		if sheet == nil {
			fmt.Printf("No sheet rule for %s.\n", args[0])
		} else {
			fmt.Printf("Sheet: %s\n", *sheet)
		}

		rules, err := db.GetTransformRules(args[0])
		if err != nil {
			return err
		}
		for _, r := range rules {
			switch {
			case !r.Included:
				fmt.Printf("  [%d] drop %s\n", r.ID, r.OriginalColumn)
			case r.RenamedColumn != "":
				fmt.Printf("  [%d] %s -> %s\n", r.ID, r.OriginalColumn, r.RenamedColumn)
			default:
				fmt.Printf("  [%d] keep %s\n", r.ID, r.OriginalColumn)
			}
		}
		return nil
	},
}

var (
	columnRename  string
	columnExclude bool
	columnSheet   string
)

var rulesColumnCmd = &cobra.Command{
	Use:   "column [filename] [column]",
	Short: "Rename or drop a column of a file on ingest",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if columnRename == "" && !columnExclude {
			return fmt.Errorf("pass --rename or --exclude")
		}
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		id, err := db.InsertTransformRule(database.TransformRule{
			Filename:       args[0],
			Sheet:          columnSheet,
			OriginalColumn: args[1],
			RenamedColumn:  columnRename,
			Included:       !columnExclude,
		})
		if err != nil {
			return err
		}
		fmt.Printf("Added column rule #%d for %s.\n", id, args[0])
		return nil
	},
}

func init() {
	rulesColumnCmd.Flags().StringVar(&columnRename, "rename", "", "New column name")
	rulesColumnCmd.Flags().BoolVar(&columnExclude, "exclude", false, "Drop the column")
	rulesColumnCmd.Flags().StringVar(&columnSheet, "sheet", "", "Sheet the rule applies to")

	rulesCmd.AddCommand(rulesSetCmd)
	rulesCmd.AddCommand(rulesGetCmd)
	rulesCmd.AddCommand(rulesColumnCmd)
}

// --- check and run commands ---

var (
	reportName string
	cutoffFlag string
	dryRun     bool
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check whether the uploads of a report are fresh enough",
	RunE: func(cmd *cobra.Command, args []string) error {
		report, cutoff, err := resolveReport()
		if err != nil {
			return err
		}
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		policy := freshness.Policy{StaleOnBoundary: cfg.StaleOnBoundary()}
		res, err := freshness.Check(db, report.Name, cutoff, report.ToleranceDays, report.RequiredAliases, policy)
		if err != nil {
			return err
		}

		fmt.Printf("%s at cutoff %s, %s (scope %s)\n", report.Name, cutoff.Format("2006-01-02"), scope.Period(cutoff), scope.Resolve(cutoff).Display())
		if months := scope.MonthsBefore(cutoff); len(months) > 0 {
			fmt.Printf("Completed months this year: %s\n", strings.Join(months, ", "))
		}
		fmt.Println()
		fmt.Printf("%-24s %-14s %s\n", freshness.Columns[0], freshness.Columns[1], freshness.Columns[2])
		for _, row := range res.Table() {
			fmt.Printf("%-24s %-14s %s\n", row[0], row[1], row[2])
		}
		if res.Ready {
			fmt.Println("\nReady.")
			return nil
		}
		fmt.Printf("\nNot ready: %s\n", strings.Join(res.NotReady(), ", "))
		return nil
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Compile a report: readiness -> roll-up tables -> compose",
	RunE: func(cmd *cobra.Command, args []string) error {
		report, cutoff, err := resolveReport()
		if err != nil {
			return err
		}
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		pipe, err := pipeline.New(cfg, db)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		var result *pipeline.Result
		if dryRun {
			result, err = pipe.DryRun(report.Name, cutoff)
		} else {
			result, err = pipe.Run(ctx, report.Name, cutoff)
		}
		if err != nil && result == nil {
			return err
		}

		fmt.Printf("%s, cutoff %s, scope %s\n", result.Report, cutoff.Format("2006-01-02"), result.Window.Display())
		for i, step := range result.Steps {
			fmt.Printf("\nStep %d/%d: %s\n", i+1, len(result.Steps), step.Name)
			if step.Err != nil {
				fmt.Printf("  Error: %v\n", step.Err)
			} else {
				fmt.Printf("  %s\n", step.Summary)
			}
			for _, w := range step.Warnings {
				fmt.Printf("  Warning: %s\n", w)
			}
		}
		if err != nil {
			return err
		}

		if !dryRun {
			fmt.Printf("\nRun %s %s.\n", result.RunID, compose.OutcomeLabel(string(result.Outcome())))
			if result.Document != "" {
				fmt.Printf("Report written to %s\n", result.Document)
			}
			fmt.Println("Run 'qreport serve' to view the report.")
		}
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{checkCmd, runCmd} {
		c.Flags().StringVarP(&reportName, "report", "r", "", "Report to compile (default: first configured)")
		c.Flags().StringVar(&cutoffFlag, "cutoff", "", "Cutoff date YYYY-MM-DD (default: today)")
	}
	runCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Show what would be done without executing")
}

// resolveReport picks the report and cutoff from flags.
func resolveReport() (*config.Report, time.Time, error) {
	cutoff := scope.Date(time.Now().UTC())
	if cutoffFlag != "" {
		parsed, err := scope.ParseCutoff(cutoffFlag)
		if err != nil {
			return nil, time.Time{}, err
		}
		cutoff = parsed
	}

	if reportName == "" {
		report := cfg.DefaultReport()
		if report == nil {
			return nil, time.Time{}, fmt.Errorf("no reports configured")
		}
		return report, cutoff, nil
	}
	report, err := cfg.Report(reportName)
	if err != nil {
		return nil, time.Time{}, err
	}
	return report, cutoff, nil
}

// --- serve command ---

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the local web server",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		port := cfg.Server.Port
		if cmd.Flags().Changed("port") {
			port = servePort
		}
		fmt.Printf("Starting server at http://localhost:%d\n", port)
		fmt.Println("Press Ctrl+C to stop")
		return server.Serve(cfg, db, port)
	},
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 8000, "Port to run server on")
}

func openDB() (*database.DB, error) {
	return database.Open(cfg.DBPath())
}
