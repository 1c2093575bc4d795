package main

import (
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MonsieurNam/handwriting-recognition/internal/config"
	"github.com/MonsieurNam/handwriting-recognition/internal/logging"
	"github.com/MonsieurNam/handwriting-recognition/internal/processor"
	"github.com/MonsieurNam/handwriting-recognition/internal/storage"
)

var runCmd = &cobra.Command{
	Use:   "run [image or directory]...",
	Short: "Extract fields from images on disk",
	Long: `Process form photographs locally and write one <image>_result.json per
image to the output directory.

Examples:
  # Every image in a directory
  formextract run Data_Input/

  # Two images, four at a time, with ROI diagnostics
  formextract run --workers 4 --diagnostics debug/ a.jpg b.jpg`,
	Args: cobra.MinimumNArgs(1),
	RunE: runExtract,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringP("output", "o", "", "output directory (overrides OUTPUT_DIR)")
	runCmd.Flags().Int("workers", 0, "images processed at once (default WORKER_CONCURRENCY)")
	runCmd.Flags().String("diagnostics", "", "write aligned pages and restored ROIs here (overrides DIAGNOSTICS_DIR)")
	runCmd.Flags().Bool("persist", false, "also save results to DATABASE_URL")
	runCmd.Flags().Duration("timeout", 0, "per-image timeout (default PROCESSING_TIMEOUT)")
}

func runExtract(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if out, _ := cmd.Flags().GetString("output"); out != "" {
		cfg.OutputDir = out
	}
	if dir, _ := cmd.Flags().GetString("diagnostics"); dir != "" {
		cfg.DiagnosticsDir = dir
	}
	workers, _ := cmd.Flags().GetInt("workers")
	if workers <= 0 {
		workers = cfg.WorkerConcurrency
	}
	if timeout, _ := cmd.Flags().GetDuration("timeout"); timeout > 0 {
		cfg.ProcessingTimeout = int(timeout.Milliseconds())
	}

	images, err := collectImages(args)
	if err != nil {
		return err
	}

	routing, err := config.LoadRouting(cfg.RoutingConfigPath)
	if err != nil {
		return err
	}

	var store processor.ResultStore
	if persist, _ := cmd.Flags().GetBool("persist"); persist {
		if cfg.DatabaseURL == "" {
			return fmt.Errorf("--persist requires DATABASE_URL")
		}
		db, err := storage.NewPostgresClient(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.EnsureSchema(ctx); err != nil {
			return err
		}
		store = db
	}

	proc, err := processor.NewFromConfig(cfg, routing, store, logging.NewLogger("FormProcessor"))
	if err != nil {
		return err
	}

	reqs := make([]*processor.ProcessRequest, len(images))
	for i, path := range images {
		reqs[i] = &processor.ProcessRequest{ImagePath: path, ImageName: filepath.Base(path)}
	}

	items, summary := proc.ProcessBatch(ctx, reqs, workers)

	out := cmd.OutOrStdout()
	for _, item := range items {
		if item.Err != nil {
			fmt.Fprintf(out, "FAIL  %s: %v\n", item.Request.ImageName, item.Err)
			continue
		}
		res := item.Result
		fmt.Fprintf(out, "DONE  %s  confidence=%.3f invalid=%v  %dms\n",
			res.ImageName, res.MeanConfidence(), res.InvalidFields(), res.ProcessingTimeMs)
		if !res.Aligned {
			fmt.Fprintf(out, "      page quad not found, processed as captured\n")
		}
	}
	fmt.Fprintf(out, "\n%d images: %d done, %d failed, %d aligned in %s. Results in %s\n",
		summary.Total, summary.Done, summary.Failed, summary.Aligned, summary.Duration.Round(time.Millisecond), cfg.OutputDir)

	if summary.Failed > 0 {
		return fmt.Errorf("%d of %d images failed", summary.Failed, summary.Total)
	}
	return nil
}
