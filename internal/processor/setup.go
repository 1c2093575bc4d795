package processor

import (
	"fmt"
	"sort"
	"time"

	"github.com/MonsieurNam/handwriting-recognition/internal/clients"
	"github.com/MonsieurNam/handwriting-recognition/internal/config"
	"github.com/MonsieurNam/handwriting-recognition/internal/consensus"
	"github.com/MonsieurNam/handwriting-recognition/internal/logging"
	"github.com/MonsieurNam/handwriting-recognition/internal/recognizer"
	"github.com/MonsieurNam/handwriting-recognition/internal/restore"
	"github.com/MonsieurNam/handwriting-recognition/internal/template"
	"github.com/MonsieurNam/handwriting-recognition/internal/vision"
)

// NewPoolFromConfig registers the configured recognizers: Tesseract when
// enabled, then every remote vision server. The checkbox recognizer is the
// ink-area test at the configured ratio.
func NewPoolFromConfig(cfg *config.Config, routing *config.RoutingConfig, logger *logging.Logger) (*recognizer.Pool, error) {
	timeout := time.Duration(cfg.RecognizerTimeout) * time.Millisecond

	pool := recognizer.NewPool(recognizer.PoolConfig{
		Policy:                recognizer.Policy(routing.Policy),
		Order:                 routing.Order,
		HandwritingRecognizer: routing.HandwritingRecognizer,
		Devices:               routing.Devices,
		Timeout:               timeout,
	}, logger)
	pool.SetCheckbox(recognizer.NewInkAreaCheckbox(cfg.CheckboxInkRatio))

	if cfg.TesseractEnabled {
		if err := pool.Register(recognizer.NewTesseract(recognizer.TesseractConfig{
			Languages:      cfg.TesseractLanguages,
			TessdataPrefix: cfg.TessdataPrefix,
		})); err != nil {
			return nil, err
		}
	}

	names := make([]string, 0, len(cfg.RemoteRecognizers))
	for name := range cfg.RemoteRecognizers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		client := clients.NewVisionClient(name, cfg.RemoteRecognizers[name], timeout)
		if err := pool.Register(recognizer.NewRemote(client)); err != nil {
			return nil, err
		}
	}

	if len(pool.Names()) == 0 {
		return nil, fmt.Errorf("no text recognizers configured (enable Tesseract or set REMOTE_RECOGNIZERS)")
	}
	return pool, nil
}

// NewFromConfig loads the template and builds the processor the worker and
// CLI share. Template and field table failures are returned as-is so callers
// can abort before any image is read.
func NewFromConfig(cfg *config.Config, routing *config.RoutingConfig, store ResultStore, logger *logging.Logger) (*FormProcessor, error) {
	if logger == nil {
		logger = logging.NewLogger("FormProcessor")
	}

	tmpl, err := template.LoadTemplate(cfg.TemplateImagePath, cfg.FieldTablePath)
	if err != nil {
		return nil, err
	}

	pool, err := NewPoolFromConfig(cfg, routing, logger)
	if err != nil {
		return nil, err
	}

	voter, err := consensus.NewVoter(routing.Voting, routing.Weights, routing.DefaultWeight)
	if err != nil {
		return nil, fmt.Errorf("invalid routing config: %w", err)
	}

	locator := vision.DefaultLocatorConfig()
	locator.Strategy = vision.Strategy(cfg.QuadStrategy)
	locator.MinAreaRatio = cfg.QuadMinAreaRatio

	var sink DiagnosticsSink
	if cfg.DiagnosticsDir != "" {
		sink = NewDirSink(cfg.DiagnosticsDir, logger)
	}

	return NewFormProcessor(&ProcessorConfig{
		Template:          tmpl,
		Pool:              pool,
		Voter:             voter,
		Locator:           locator,
		Restore:           restore.DefaultConfig(),
		FieldConcurrency:  cfg.FieldConcurrency,
		BatchImageTimeout: time.Duration(cfg.ProcessingTimeout) * time.Millisecond,
		Store:             store,
		Diagnostics:       sink,
		OutputDir:         cfg.OutputDir,
		Logger:            logger,
	})
}
