/**
 * Tesseract recognizer - offline printed-text fallback
 *
 * Free, local OCR for single-line field crops. Weaker than the learned
 * handwriting models, so deployments usually list it last in the routing order.
 */

package recognizer

import (
	"context"
	"fmt"
	"strings"

	"github.com/otiai10/gosseract/v2"
	"gocv.io/x/gocv"

	"github.com/MonsieurNam/handwriting-recognition/internal/vision"
)

const numericWhitelist = "0123456789/.-"

// TesseractConfig holds Tesseract configuration
type TesseractConfig struct {
	Languages      []string
	TessdataPrefix string
}

// Tesseract recognizes field text with a local Tesseract install
type Tesseract struct {
	languages      []string
	tessdataPrefix string
}

// NewTesseract creates a new Tesseract recognizer
func NewTesseract(cfg TesseractConfig) *Tesseract {
	langs := cfg.Languages
	if len(langs) == 0 {
		langs = []string{"vie", "eng"}
	}
	return &Tesseract{
		languages:      langs,
		tessdataPrefix: cfg.TessdataPrefix,
	}
}

func (t *Tesseract) Name() string { return "tesseract" }

// RecognizeText runs single-line OCR on the crop. Confidence is the mean word
// confidence reported by Tesseract, or a text-quality estimate when no word
// boxes come back. Numeric fields restrict output to digits and separators.
func (t *Tesseract) RecognizeText(ctx context.Context, img gocv.Mat) (string, float64, error) {
	if err := ctx.Err(); err != nil {
		return "", 0, err
	}
	if vision.IsEmpty(img) {
		return "", 0, nil
	}

	png, err := vision.EncodePNG(img)
	if err != nil {
		return "", 0, err
	}

	// gosseract clients are not safe for concurrent use; one per call.
	client := gosseract.NewClient()
	defer client.Close()

	if t.tessdataPrefix != "" {
		if err := client.SetTessdataPrefix(t.tessdataPrefix); err != nil {
			return "", 0, fmt.Errorf("failed to set tessdata prefix: %w", err)
		}
	}
	if err := client.SetLanguage(t.languages...); err != nil {
		return "", 0, fmt.Errorf("failed to set languages: %w", err)
	}
	if err := client.SetPageSegMode(gosseract.PSM_SINGLE_LINE); err != nil {
		return "", 0, fmt.Errorf("failed to set page segmentation mode: %w", err)
	}
	if hint, ok := FieldHintFrom(ctx); ok && hint.Numeric {
		if err := client.SetWhitelist(numericWhitelist); err != nil {
			return "", 0, fmt.Errorf("failed to set whitelist: %w", err)
		}
	}

	if err := client.SetImageFromBytes(png); err != nil {
		return "", 0, fmt.Errorf("failed to set image: %w", err)
	}

	text, err := client.Text()
	if err != nil {
		return "", 0, fmt.Errorf("tesseract OCR failed: %w", err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", 0, nil
	}

	confidence := calculateTesseractConfidence(text)
	if boxes, err := client.GetBoundingBoxes(gosseract.RIL_WORD); err == nil && len(boxes) > 0 {
		var sum float64
		for _, b := range boxes {
			sum += b.Confidence
		}
		confidence = sum / float64(len(boxes)) / 100
	}
	return text, confidence, nil
}

// calculateTesseractConfidence estimates confidence from text quality when
// Tesseract reports no word confidences
func calculateTesseractConfidence(text string) float64 {
	confidence := 0.5

	runes := []rune(text)
	if len(runes) >= 3 {
		confidence += 0.1
	}

	// Mostly letters or digits, few stray symbols
	clean := 0
	for _, r := range runes {
		if isWordRune(r) {
			clean++
		}
	}
	if len(runes) > 0 {
		ratio := float64(clean) / float64(len(runes))
		if ratio > 0.8 {
			confidence += 0.1
		}
		if ratio < 0.5 {
			confidence -= 0.2
		}
	}

	// Cap at reasonable maximum for Tesseract
	if confidence > 0.75 {
		confidence = 0.75
	}
	return confidence
}

func isWordRune(r rune) bool {
	switch {
	case r >= '0' && r <= '9':
		return true
	case r == ' ' || r == '/' || r == '.' || r == '-':
		return true
	case r > 127:
		// Vietnamese letters with diacritics
		return true
	default:
		return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
	}
}
