package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/atotto/clipboard"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/iishyfishyy/fewshot/internal/backbone"
	"github.com/iishyfishyy/fewshot/internal/classify"
	"github.com/iishyfishyy/fewshot/internal/config"
	"github.com/iishyfishyy/fewshot/internal/embedcache"
	"github.com/iishyfishyy/fewshot/internal/evaluate"
	"github.com/iishyfishyy/fewshot/internal/experiment"
	"github.com/iishyfishyy/fewshot/internal/groundtruth"
	"github.com/iishyfishyy/fewshot/internal/history"
	"github.com/iishyfishyy/fewshot/internal/logging"
	"github.com/iishyfishyy/fewshot/internal/results"
	"github.com/iishyfishyy/fewshot/internal/support"
	"github.com/iishyfishyy/fewshot/internal/ui"
)

var (
	// version is set by goreleaser at build time
	version = "dev"

	// CLI flags
	debug bool

	runFlags struct {
		support     string
		supportMode string
		query       string
		output      string
		backbones   []string
		shots       []int
		thresholds  []float64
		materialize string
		noCopy      bool
		noCache     bool
		concurrency int
		yes         bool
	}

	evalFlags struct {
		truth       string
		metric      string
		topK        int
		rethreshold []float64
		copy        bool
		details     bool
	}

	draftCell    string
	historyLimit int
	checkService bool
	saveConfig   bool
)

const evaluationFileName = "evaluation.json"

func main() {
	rootCmd := &cobra.Command{
		Use:           "fewshot",
		Short:         "Few-shot image classification experiments",
		Long:          "fewshot sweeps backbones, shot counts and thresholds over a support set and ranks them against ground truth",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")

	runCmd := &cobra.Command{
		Use:   "run [experiment.yaml]",
		Short: "Run the backbone × shots × threshold grid",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runExperiment,
	}
	runCmd.Flags().StringVar(&runFlags.support, "support", "", "Support set directory (<class>/<image>)")
	runCmd.Flags().StringVar(&runFlags.supportMode, "support-mode", "", "Support layout: flat or tiered")
	runCmd.Flags().StringVar(&runFlags.query, "query", "", "Query image directory")
	runCmd.Flags().StringVarP(&runFlags.output, "output", "o", "", "Output directory for results")
	runCmd.Flags().StringSliceVarP(&runFlags.backbones, "backbones", "b", nil, "Backbones to run")
	runCmd.Flags().IntSliceVarP(&runFlags.shots, "shots", "n", nil, "Shot counts")
	runCmd.Flags().Float64SliceVarP(&runFlags.thresholds, "thresholds", "t", nil, "Similarity thresholds in [-1, 1]")
	runCmd.Flags().StringVar(&runFlags.materialize, "materialize", "", "Write shot_<N>/<class>/ tiers to this directory and run from them")
	runCmd.Flags().BoolVar(&runFlags.noCopy, "no-copy", false, "Do not copy query images into class folders")
	runCmd.Flags().BoolVar(&runFlags.noCache, "no-cache", false, "Do not use the persistent embedding cache")
	runCmd.Flags().IntVar(&runFlags.concurrency, "concurrency", 0, "Threshold cells classified in parallel")
	runCmd.Flags().BoolVarP(&runFlags.yes, "yes", "y", false, "Run without asking when some shot tiers cannot be built")

	evaluateCmd := &cobra.Command{
		Use:   "evaluate <run-dir>",
		Short: "Score every persisted cell of a run against ground truth",
		Args:  cobra.ExactArgs(1),
		RunE:  runEvaluate,
	}
	evaluateCmd.Flags().StringVar(&evalFlags.truth, "truth", "", "Ground truth: labels.json or a <class>/<image> directory")
	evaluateCmd.Flags().StringVarP(&evalFlags.metric, "metric", "m", "", "Primary metric: accuracy, balanced_accuracy, macro_f1, mcc")
	evaluateCmd.Flags().IntVarP(&evalFlags.topK, "top-k", "k", 0, "Number of configurations to report")
	evaluateCmd.Flags().Float64SliceVar(&evalFlags.rethreshold, "rethreshold", nil, "Extra thresholds derived from stored similarities")
	evaluateCmd.Flags().BoolVarP(&evalFlags.copy, "copy", "c", false, "Copy the ranking to the clipboard as TSV")
	evaluateCmd.Flags().BoolVar(&evalFlags.details, "details", false, "Print the confusion matrix of every reported configuration")
	evaluateCmd.MarkFlagRequired("truth")

	draftCmd := &cobra.Command{
		Use:   "draft <run-dir> <draft-dir>",
		Short: "Copy one cell's predictions into a ground-truth draft for correction",
		Args:  cobra.ExactArgs(2),
		RunE:  runDraft,
	}
	draftCmd.Flags().StringVar(&draftCell, "cell", "", "Cell key, e.g. resnet50_shots-5_thr-0.70 (prompted when omitted)")

	reviewCmd := &cobra.Command{
		Use:   "review <draft-dir>",
		Short: "Walk through a ground-truth draft and correct labels",
		Args:  cobra.ExactArgs(1),
		RunE:  runReview,
	}
	reviewCmd.Flags().StringVar(&reviewFlags.run, "run", "", "Run directory the draft came from, to show similarities")
	reviewCmd.Flags().BoolVar(&reviewFlags.onlyUnknown, "only-unknown", false, "Only review images labelled unknown")
	reviewCmd.Flags().Float64Var(&reviewFlags.below, "below", 0, "Only review images whose best score is below this value")

	historyCmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "List previous runs, or show one run by ID or ID prefix",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runHistory,
	}
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 10, "Number of runs to show (0 for all)")

	showCmd := &cobra.Command{
		Use:   "show <run-dir> [cell-key]",
		Short: "Show cell statuses, or one cell's predictions, from the results database",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  runShow,
	}

	backbonesCmd := &cobra.Command{
		Use:   "backbones",
		Short: "List supported backbones",
		RunE:  runBackbones,
	}
	backbonesCmd.Flags().BoolVar(&checkService, "check", false, "Check that the inference service is reachable")

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Show the effective configuration",
		RunE:  runConfig,
	}
	configCmd.Flags().BoolVar(&saveConfig, "save", false, "Write the effective configuration to the config file")

	rootCmd.AddCommand(runCmd, evaluateCmd, draftCmd, reviewCmd, historyCmd, showCmd, backbonesCmd, configCmd)

	ui.ConfigureColor(os.Stdout)
	if err := rootCmd.Execute(); err != nil {
		if debug {
			logging.Fail(context.Background(), newLogger(), "command failed", err)
		}
		ui.ShowError(err.Error())
		os.Exit(1)
	}
}

func newLogger() *slog.Logger {
	return logging.New(debug, os.Stderr)
}

// loadExperiment reads the optional experiment file and applies flag overrides.
func loadExperiment(cmd *cobra.Command, args []string) (*config.Experiment, string, error) {
	exp := &config.Experiment{}
	file := ""
	if len(args) == 1 {
		file = args[0]
		loaded, err := config.LoadExperiment(file)
		if err != nil {
			return nil, "", err
		}
		exp = loaded
	}

	flags := cmd.Flags()
	if flags.Changed("support") {
		exp.Support = runFlags.support
	}
	if flags.Changed("support-mode") {
		exp.SupportMode = runFlags.supportMode
	}
	if flags.Changed("query") {
		exp.Query = runFlags.query
	}
	if flags.Changed("output") {
		exp.Output = runFlags.output
	}
	if flags.Changed("backbones") {
		exp.Backbones = runFlags.backbones
	}
	if flags.Changed("shots") {
		exp.Shots = runFlags.shots
	}
	if flags.Changed("thresholds") {
		exp.Thresholds = runFlags.thresholds
	}

	if err := exp.Validate(); err != nil {
		return nil, "", fmt.Errorf("invalid experiment:\n%w", err)
	}
	return exp, file, nil
}

func runExperiment(cmd *cobra.Command, args []string) error {
	logger := newLogger()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if runFlags.concurrency > 0 {
		cfg.Concurrency = runFlags.concurrency
	}

	exp, file, err := loadExperiment(cmd, args)
	if err != nil {
		return err
	}

	mode, err := support.ParseMode(exp.SupportMode)
	if err != nil {
		return err
	}
	store, err := support.Open(exp.Support, mode)
	if err != nil {
		return err
	}

	if runFlags.materialize != "" {
		ui.ShowInfo(fmt.Sprintf("Materialising shot tiers into %s...", runFlags.materialize))
		if err := store.Materialize(runFlags.materialize, exp.ShotCounts()); err != nil {
			ui.ShowWarning(fmt.Sprintf("Some tiers are incomplete:\n%v", err))
		}
		store, err = support.Open(runFlags.materialize, support.Tiered)
		if err != nil {
			return err
		}
	}

	if short := infeasibleTiers(store, exp.ShotCounts()); len(short) > 0 {
		ui.ShowWarning("Some shot tiers cannot be built; their cells will be recorded as failed:")
		for _, e := range short {
			fmt.Printf("    %v\n", e)
		}
		if !runFlags.yes && ui.Interactive() {
			ok, err := ui.PromptYesNo("Run the rest of the grid anyway?", true)
			if err != nil {
				return err
			}
			if !ok {
				ui.ShowInfo("Run cancelled. Add images to the short classes or drop those shot counts.")
				return nil
			}
		}
	}

	queries, err := experiment.LoadQueries(exp.Query)
	if err != nil {
		return err
	}

	var cache embedcache.Store
	if !runFlags.noCache && cfg.CachePath != "" {
		sqliteCache, err := embedcache.OpenSQLiteStore(cfg.CachePath)
		if err != nil {
			ui.ShowWarning(fmt.Sprintf("Embedding cache unavailable, continuing without it: %v", err))
		} else {
			defer sqliteCache.Close()
			cache = sqliteCache
			logger.Debug("embedding cache opened", "path", cfg.CachePath, "entries", sqliteCache.Count())
		}
	}

	resultsDB, err := results.OpenSQLiteSink(filepath.Join(exp.Output, results.DBFileName))
	if err != nil {
		return err
	}
	defer resultsDB.Close()

	models := backbone.NewModels(backbone.ServiceLoader(cfg.ServiceURL, &http.Client{Timeout: 10 * time.Minute}), cfg.MaxResident)
	models.Logger = logger
	defer models.Close()

	grid := experiment.Grid{Backbones: exp.BackboneIDs(), Shots: exp.ShotCounts(), Thresholds: exp.ThresholdValues()}
	runner := &experiment.Runner{
		Support:     store,
		Queries:     queries,
		QueryDir:    exp.Query,
		Models:      models,
		Embedder:    embedcache.NewEmbedder(cache, cfg.BatchSize, logger),
		Sink:        results.MultiSink{results.NewDirSink(exp.Output, !runFlags.noCopy, logger), resultsDB},
		Logger:      logger,
		Concurrency: cfg.Concurrency,
		OnCell:      progressPrinter(len(grid.Cells())),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ui.ShowSection("Running grid")
	fmt.Printf("  %d classes, %d queries, %d cells\n\n", len(store.Classes()), len(queries), len(grid.Cells()))

	summary, runErr := runner.Run(ctx, grid)
	if summary == nil {
		return runErr
	}

	fmt.Println()
	if err := ui.CellTable(os.Stdout, summary.Cells); err != nil {
		return err
	}

	hist, err := history.Load()
	if err == nil {
		hist.AddEntry(history.NewEntry(file, exp.Output, summary, errors.Is(runErr, context.Canceled)))
		err = hist.Save()
	}
	if err != nil {
		logger.Warn("failed to save history", logging.Err(err))
	}

	fmt.Println()
	switch {
	case errors.Is(runErr, context.Canceled):
		ui.ShowWarning(fmt.Sprintf("Run aborted: %d cells persisted in %s", summary.Count(experiment.StatusPersisted), exp.Output))
		return nil
	case runErr != nil:
		return runErr
	}
	ui.ShowSuccess(fmt.Sprintf("Run %s finished: %d persisted, %d failed",
		summary.Info.ID, summary.Count(experiment.StatusPersisted), summary.Count(experiment.StatusFailed)))
	ui.ShowInfo(fmt.Sprintf("Results written to %s", exp.Output))
	return nil
}

// infeasibleTiers lists every class that cannot supply one of the shot counts.
func infeasibleTiers(store *support.Store, shots []int) []*support.InsufficientSupportError {
	var out []*support.InsufficientSupportError
	for _, n := range shots {
		out = append(out, store.Feasible(n)...)
	}
	return out
}

// progressPrinter reports cells as they reach a terminal status.
func progressPrinter(total int) func(experiment.Cell) {
	var mu sync.Mutex
	done := 0
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)
	return func(c experiment.Cell) {
		if !c.Status.Terminal() {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		done++
		if c.Status == experiment.StatusPersisted {
			green.Printf("  [%d/%d] ✓ %s\n", done, total, c.Config)
		} else {
			red.Printf("  [%d/%d] ✗ %s: %s\n", done, total, c.Config, c.Reason)
		}
	}
}

func runEvaluate(cmd *cobra.Command, args []string) error {
	runDir := args[0]
	run, err := results.LoadRun(runDir)
	if err != nil {
		return err
	}
	truth, err := groundtruth.Load(evalFlags.truth)
	if err != nil {
		return err
	}

	opts := evaluate.Options{Primary: evaluate.BalancedAccuracy, TopK: 5}
	if evalFlags.metric != "" {
		if opts.Primary, err = evaluate.ParseMetric(evalFlags.metric); err != nil {
			return err
		}
	}
	if evalFlags.topK > 0 {
		opts.TopK = evalFlags.topK
	}

	cands := run.Candidates()
	if len(cands) == 0 {
		return fmt.Errorf("run %s has no persisted cells", run.Info.ID)
	}
	if len(evalFlags.rethreshold) > 0 {
		var errs []error
		for _, t := range evalFlags.rethreshold {
			errs = append(errs, classify.CheckThreshold(t))
		}
		if err := errors.Join(errs...); err != nil {
			return fmt.Errorf("invalid --rethreshold:\n%w", err)
		}
		derived := evaluate.Rethreshold(cands, evalFlags.rethreshold)
		cands = append(cands, derived...)
		ui.ShowInfo(fmt.Sprintf("Derived %d configurations from stored similarities", len(derived)))
	}

	ranking := evaluate.EvaluateAll(cands, truth.Labels(), opts)

	ui.ShowSection(fmt.Sprintf("Top %d of %d configurations by %s", len(ranking.Top()), len(ranking.Reports), ranking.Primary))
	if err := ui.RankingTable(os.Stdout, ranking); err != nil {
		return err
	}

	best := ranking.Reports[0]
	if best.Excluded > 0 {
		ui.ShowWarning(fmt.Sprintf("%d images were excluded because they appear on only one side, e.g. %v",
			best.Excluded, &best.Mismatches[0]))
	}

	shown := ranking.Top()
	if !evalFlags.details {
		shown = shown[:1]
	}
	for _, rep := range shown {
		ui.ShowSection(rep.Config.String())
		if err := ui.ConfusionTable(os.Stdout, rep); err != nil {
			return err
		}
	}

	path := filepath.Join(runDir, evaluationFileName)
	if err := writeEvaluation(path, truth, ranking); err != nil {
		return err
	}
	fmt.Println()
	ui.ShowInfo(fmt.Sprintf("Full report written to %s", path))

	if evalFlags.copy {
		if err := clipboard.WriteAll(ranking.TSV()); err != nil {
			ui.ShowError(fmt.Sprintf("Failed to copy to clipboard: %v", err))
		} else {
			ui.ShowSuccess("Ranking copied to clipboard!")
		}
	}
	return nil
}

func runDraft(cmd *cobra.Command, args []string) error {
	runDir, draftDir := args[0], args[1]

	key := draftCell
	if key == "" {
		run, err := results.LoadRun(runDir)
		if err != nil {
			return err
		}
		var keys []string
		for _, c := range run.Cells {
			if c.Status == experiment.StatusPersisted {
				keys = append(keys, c.Key)
			}
		}
		if key, err = ui.SelectCell("Seed the draft from which cell?", keys); err != nil {
			return err
		}
	}

	err := results.CreateDraft(runDir, key, draftDir)
	if errors.Is(err, results.ErrDraftExists) {
		ui.ShowError(fmt.Sprintf("%s already holds a draft; review it or choose another directory", draftDir))
		return err
	}
	if err != nil {
		return err
	}

	ui.ShowSuccess(fmt.Sprintf("Draft written to %s", draftDir))
	ui.ShowInfo("Move misfiled images between class folders, or run: fewshot review " + draftDir)
	return nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	hist, err := history.Load()
	if err != nil {
		return err
	}
	if len(args) == 1 {
		e, ok := hist.Find(args[0])
		if !ok {
			return fmt.Errorf("no single run matches %q", args[0])
		}
		printEntry(e)
		ui.ShowInfo("Inspect its cells with: fewshot show " + e.Output)
		return nil
	}

	entries := hist.Recent(historyLimit)
	if len(entries) == 0 {
		ui.ShowInfo("No runs recorded yet.")
		return nil
	}
	for _, e := range entries {
		printEntry(e)
	}
	return nil
}

func printEntry(e history.Entry) {
	cyan := color.New(color.FgCyan, color.Bold)
	cyan.Printf("%s", e.RunID)
	fmt.Printf("  %s (%s)\n", e.Timestamp.Local().Format("2006-01-02 15:04"), formatDuration(e.Timestamp))
	fmt.Printf("  output: %s\n", e.Output)
	if e.Experiment != "" {
		fmt.Printf("  experiment: %s\n", e.Experiment)
	}
	fmt.Printf("  grid: %v × %v × %v\n", e.Grid.Backbones, e.Grid.Shots, e.Grid.Thresholds)
	fmt.Printf("  cells: %d persisted, %d failed, %d pending", e.Persisted, e.Failed, e.Pending)
	if e.Aborted {
		fmt.Print(" (aborted)")
	}
	fmt.Print("\n\n")
}

func runShow(cmd *cobra.Command, args []string) error {
	runDir := args[0]
	run, err := results.LoadRun(runDir)
	if err != nil {
		return err
	}
	dbPath := filepath.Join(runDir, results.DBFileName)
	if _, err := os.Stat(dbPath); err != nil {
		return fmt.Errorf("run %s has no results database: %w", run.Info.ID, err)
	}
	db, err := results.OpenSQLiteSink(dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx := cmd.Context()
	if len(args) == 2 {
		key := args[1]
		preds, err := db.Predictions(ctx, run.Info.ID, key)
		if err != nil {
			return err
		}
		if len(preds) == 0 {
			return fmt.Errorf("run %s has no stored predictions for %s", run.Info.ID, key)
		}
		ui.ShowSection(key)
		return ui.PredictionTable(os.Stdout, preds)
	}

	cells := make([]experiment.Cell, len(run.Cells))
	for i, c := range run.Cells {
		status, err := db.CellStatus(ctx, run.Info.ID, c.Key)
		if err != nil {
			return err
		}
		if status != c.Status {
			ui.ShowWarning(fmt.Sprintf("%s: run.json says %s, database says %s", c.Key, c.Status, status))
		}
		c.Status = status
		cells[i] = c
	}
	ui.ShowSection(fmt.Sprintf("Run %s", run.Info.ID))
	return ui.CellTable(os.Stdout, cells)
}

func runBackbones(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	for _, id := range backbone.All() {
		where := "local"
		if id.Remote() {
			where = "service"
		}
		fmt.Printf("  %-15s %-8s %3dpx  %s\n", id, where, backbone.InputSize(id), backbone.Describe(id))
	}

	if !checkService {
		return nil
	}
	fmt.Println()
	remote, err := backbone.NewRemote(backbone.ResNet50, cfg.ServiceURL, &http.Client{Timeout: 10 * time.Second})
	if err != nil {
		return err
	}
	if err := remote.HealthCheck(cmd.Context()); err != nil {
		ui.ShowError(fmt.Sprintf("Inference service at %s is not reachable: %v", cfg.ServiceURL, err))
		return nil
	}
	ui.ShowSuccess(fmt.Sprintf("Inference service at %s is up", cfg.ServiceURL))
	return nil
}

func runConfig(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	configPath, _ := config.GetConfigPath()

	ui.ShowSection("Configuration")
	fmt.Printf("  service_url:            %s\n", cfg.ServiceURL)
	fmt.Printf("  batch_size:             %d\n", cfg.BatchSize)
	fmt.Printf("  cache_path:             %s\n", cfg.CachePath)
	fmt.Printf("  max_resident_backbones: %d\n", cfg.MaxResident)
	fmt.Printf("  concurrency:            %d\n", cfg.Concurrency)
	fmt.Printf("\nConfiguration file: %s\n", configPath)

	if saveConfig {
		if err := config.Save(cfg); err != nil {
			return fmt.Errorf("failed to save configuration: %w", err)
		}
		ui.ShowSuccess(fmt.Sprintf("Configuration saved to %s", configPath))
	}
	return nil
}

// formatDuration formats a time as a human-readable duration
func formatDuration(t time.Time) string {
	d := time.Since(t)
	if d < time.Minute {
		return "just now"
	} else if d < time.Hour {
		mins := int(d.Minutes())
		if mins == 1 {
			return "1 minute ago"
		}
		return fmt.Sprintf("%d minutes ago", mins)
	} else if d < 24*time.Hour {
		hours := int(d.Hours())
		if hours == 1 {
			return "1 hour ago"
		}
		return fmt.Sprintf("%d hours ago", hours)
	}
	days := int(d.Hours() / 24)
	if days == 1 {
		return "1 day ago"
	}
	return fmt.Sprintf("%d days ago", days)
}
