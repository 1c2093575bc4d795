package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/MonsieurNam/handwriting-recognition/internal/config"
	"github.com/MonsieurNam/handwriting-recognition/internal/logging"
)

var (
	envFile      string
	templatePath string
	fieldsPath   string
	routingPath  string
	logLevel     string
)

var rootCmd = &cobra.Command{
	Use:   "formextract",
	Short: "Extract handwritten fields from photographed forms",
	Long: `formextract aligns photographed paper forms onto a reference template,
recognizes every field with the configured recognizer ensemble and writes the
validated values as JSON.

Configuration comes from the environment (and the --env-file when present);
flags override the matching variables.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := godotenv.Load(envFile); err != nil && cmd.Flags().Changed("env-file") {
			return fmt.Errorf("failed to load %s: %w", envFile, err)
		}
		level := logLevel
		if level == "" {
			level = os.Getenv("LOG_LEVEL")
		}
		if level == "" {
			level = "warn"
		}
		return logging.Configure(level, false)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env.forms", "environment file to load")
	rootCmd.PersistentFlags().StringVar(&templatePath, "template", "", "reference template image (overrides TEMPLATE_IMAGE_PATH)")
	rootCmd.PersistentFlags().StringVar(&fieldsPath, "fields", "", "field table JSON (overrides FIELD_TABLE_PATH)")
	rootCmd.PersistentFlags().StringVar(&routingPath, "routing", "", "routing config file (overrides ROUTING_CONFIG_PATH)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
}

// loadConfig reads the environment configuration and applies flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, err
	}
	if templatePath != "" {
		cfg.TemplateImagePath = templatePath
	}
	if fieldsPath != "" {
		cfg.FieldTablePath = fieldsPath
	}
	if routingPath != "" {
		cfg.RoutingConfigPath = routingPath
	}
	return cfg, nil
}

var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".bmp":  true,
	".tif":  true,
	".tiff": true,
	".webp": true,
}

// collectImages expands directories (non-recursively) into their image files.
// Explicit file arguments are kept whatever their extension.
func collectImages(paths []string) ([]string, error) {
	var out []string
	seen := make(map[string]bool)
	add := func(p string) {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}

	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			add(p)
			continue
		}

		entries, err := os.ReadDir(p)
		if err != nil {
			return nil, err
		}
		var found []string
		for _, e := range entries {
			if e.IsDir() || !imageExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
				continue
			}
			found = append(found, filepath.Join(p, e.Name()))
		}
		sort.Strings(found)
		for _, f := range found {
			add(f)
		}
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("no images found in %s", strings.Join(paths, ", "))
	}
	return out, nil
}
