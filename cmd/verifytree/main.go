package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"verifytree/internal/config"
	"verifytree/internal/digest"
	"verifytree/internal/hash"
	"verifytree/internal/progress"
	"verifytree/internal/reconcile"
	"verifytree/internal/walker"
)

var (
	// Set by the release build
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// options holds every flag; a fresh set is bound per command tree.
type options struct {
	cfgFile    string
	logLevel   string
	logFormat  string
	verbose    bool
	debug      bool
	blockSize  int
	workers    int
	noProgress bool

	update    bool
	force     bool
	noSubdirs bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:   "verifytree",
		Short: "Detect drift and silent corruption in directory trees",
		Long: `verifytree keeps a small checksum manifest (.verifytree_checksum) in every
directory of a tree and compares it with the files on disk on each run.

New, deleted and modified files are reported, and files whose content changed
while size and timestamp stayed the same are flagged as checksum errors.`,
		SilenceUsage: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&opts.cfgFile, "config", config.DefaultPath(), "config file")
	pf.StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	pf.StringVar(&opts.logFormat, "log-format", "", "log format (text, json)")
	pf.BoolVarP(&opts.verbose, "verbose", "v", false, "verbose logging")
	pf.BoolVarP(&opts.debug, "debug", "d", false, "debug logging")
	pf.IntVarP(&opts.blockSize, "blocksize", "b", hash.DefaultBlockSize, "file chunk size in bytes")
	pf.IntVarP(&opts.workers, "workers", "w", 1, "directories reconciled concurrently")
	pf.BoolVar(&opts.noProgress, "no-progress", false, "disable the progress bar")

	validateCmd := &cobra.Command{
		Use:   "validate <dir>",
		Short: "Validate a directory tree against its checksum manifests",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(cmd, opts, args[0], false)
		},
	}
	freshenCmd := &cobra.Command{
		Use:   "freshen <dir>",
		Short: "Only compute checksums missing from the manifests",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(cmd, opts, args[0], true)
		},
	}
	for _, c := range []*cobra.Command{validateCmd, freshenCmd} {
		c.Flags().BoolVarP(&opts.update, "update", "u", false, "update checksums of files with a new timestamp")
		c.Flags().BoolVarP(&opts.force, "force", "f", false, "re-baseline size and checksum errors")
		c.Flags().BoolVar(&opts.noSubdirs, "no-subdirs", false, "don't descend into sub-directories")
	}

	scanCmd := &cobra.Command{
		Use:   "scan <dir>",
		Short: "Count directories, files and bytes below a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScan(cmd, opts, args[0])
		},
	}

	checksumCmd := &cobra.Command{
		Use:   "checksum <file>",
		Short: "Print the checksum of a single file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChecksum(cmd, opts, args[0])
		},
	}

	digestCmd := &cobra.Command{
		Use:   "digest <dir>",
		Short: "Print the Merkle root of the recorded manifests",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDigest(cmd, opts, args[0])
		},
	}
	digestCmd.Flags().BoolVar(&opts.noSubdirs, "no-subdirs", false, "only use the manifest of the named directory")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "verifytree %s\n", version)
			fmt.Fprintf(out, "  commit: %s\n", commit)
			fmt.Fprintf(out, "  built:  %s\n", date)
		},
	}

	rootCmd.AddCommand(validateCmd, freshenCmd, scanCmd, checksumCmd, digestCmd, versionCmd)
	return rootCmd
}

// settings merges the config file with explicitly set flags.
func settings(cmd *cobra.Command, opts *options) (*config.Config, *slog.Logger, error) {
	cfg, err := config.LoadConfig(opts.cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	flags := cmd.Flags()
	if flags.Changed("blocksize") {
		cfg.BlockSize = opts.blockSize
	}
	if flags.Changed("workers") {
		cfg.Workers = opts.workers
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = opts.logLevel
	}
	if flags.Changed("log-format") {
		cfg.Log.Format = opts.logFormat
	}
	if opts.verbose {
		cfg.Log.Level = "info"
	}
	if opts.debug {
		cfg.Log.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	logger := setupLogger(cmd.ErrOrStderr(), cfg.Log.Level, cfg.Log.Format)
	logger.Debug("configuration loaded",
		"path", opts.cfgFile,
		"block_size", cfg.BlockSize,
		"workers", cfg.Workers,
		"exclude", cfg.Exclude)
	return cfg, logger, nil
}

func setupLogger(w io.Writer, logLevel, logFormat string) *slog.Logger {
	// Parse log level
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelWarn
	}

	// Create handler based on format
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

func setupSignalHandler(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func runValidate(cmd *cobra.Command, opts *options, dir string, freshen bool) error {
	start := time.Now()
	ctx, cancel := setupSignalHandler(cmd.Context())
	defer cancel()

	cfg, logger, err := settings(cmd, opts)
	if err != nil {
		return err
	}

	absDirectory, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("failed to get absolute path: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Building file list:")
	plan, err := walker.Scan(absDirectory, !opts.noSubdirs, cfg.Exclude)
	if err != nil {
		return err
	}
	for _, scanErr := range plan.Errors {
		logger.Warn("scan error", "error", scanErr)
	}
	printScan(out, plan)

	policy := reconcile.Policy{
		UpdateOnChange:        opts.update,
		ForceUpdateOnMismatch: opts.force,
		FreshenOnly:           freshen,
	}
	switch {
	case policy.ForceUpdateOnMismatch:
		fmt.Fprintln(out, "Force updating checksum files")
	case policy.UpdateOnChange:
		fmt.Fprintln(out, "Updating checksum files")
	}
	if policy.FreshenOnly {
		fmt.Fprintln(out, "Only freshening checksums for new files since last scan")
	}

	bar := progress.NewWriter(int64(plan.Files), cmd.ErrOrStderr(), false)
	if !opts.noProgress {
		bar = progress.New(int64(plan.Files))
	}

	w := &walker.Walker{
		Reconciler: &reconcile.Reconciler{
			Hasher:   hash.New(cfg.BlockSize),
			Exclude:  cfg.Exclude,
			Logger:   logger,
			Progress: bar,
		},
		Logger: logger,
	}

	summary, err := w.Walk(ctx, plan, walker.Options{
		Policy:    policy,
		Recursive: !opts.noSubdirs,
		Workers:   cfg.Workers,
		Exclude:   cfg.Exclude,
	})
	bar.Finish()
	if err != nil {
		return fmt.Errorf("validation aborted: %w", err)
	}

	fmt.Fprintln(out, "Summary")
	if err := summary.Total.WriteTable(out); err != nil {
		return err
	}
	if !summary.Consistent {
		fmt.Fprintf(out, "\nWarning: %d files seen, expected %d scanned + %d deleted\n",
			summary.Total.FilesSeen, summary.Scanned, summary.Total.FilesDeleted)
	}
	fmt.Fprintf(out, "Manifests written: %d\n", summary.Persisted)

	reportTiming(out, time.Since(start))
	return nil
}

func runScan(cmd *cobra.Command, opts *options, dir string) error {
	start := time.Now()
	cfg, logger, err := settings(cmd, opts)
	if err != nil {
		return err
	}

	absDirectory, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("failed to get absolute path: %w", err)
	}

	plan, err := walker.Scan(absDirectory, true, cfg.Exclude)
	if err != nil {
		return err
	}
	for _, scanErr := range plan.Errors {
		logger.Warn("scan error", "error", scanErr)
	}

	out := cmd.OutOrStdout()
	printScan(out, plan)
	reportTiming(out, time.Since(start))
	return nil
}

func runChecksum(cmd *cobra.Command, opts *options, file string) error {
	start := time.Now()
	ctx, cancel := setupSignalHandler(cmd.Context())
	defer cancel()

	cfg, _, err := settings(cmd, opts)
	if err != nil {
		return err
	}

	sum, err := hash.New(cfg.BlockSize).HashFile(ctx, file)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Checksumming %s %s\n", file, sum)
	reportTiming(out, time.Since(start))
	return nil
}

func runDigest(cmd *cobra.Command, opts *options, dir string) error {
	cfg, logger, err := settings(cmd, opts)
	if err != nil {
		return err
	}

	absDirectory, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("failed to get absolute path: %w", err)
	}

	tree, err := digest.Collect(absDirectory, !opts.noSubdirs, cfg.Exclude)
	if err != nil {
		return err
	}
	for _, untracked := range tree.Untracked {
		logger.Info("directory has no manifest", "dir", untracked)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Root:      %s\n", tree.Root)
	fmt.Fprintf(out, "Manifests: %d\n", tree.Manifests)
	fmt.Fprintf(out, "Files:     %d\n", len(tree.Leaves))
	if tree.Pending > 0 {
		fmt.Fprintf(out, "Pending:   %d files without a checksum\n", tree.Pending)
	}
	if len(tree.Untracked) > 0 {
		fmt.Fprintf(out, "Untracked: %d directories without a manifest\n", len(tree.Untracked))
	}
	return nil
}

func printScan(out io.Writer, plan *walker.Plan) {
	fmt.Fprintf(out, "%d dirs, %d files, %7.2fGB\n",
		len(plan.Dirs), plan.Files, float64(plan.Bytes)/float64(1<<30))
}

func reportTiming(out io.Writer, duration time.Duration) {
	h := int(duration.Hours())
	m := int(duration.Minutes()) % 60
	s := int(duration.Seconds()) % 60
	fmt.Fprintf(out, "\nElapsed time: %dh %dm %ds\n", h, m, s)
}
