/**
 * Form Processor for the form extraction worker
 *
 * Orchestrates one photographed form end to end:
 * - Page location and perspective alignment onto the template frame
 * - Per-field ROI extraction and restoration
 * - Recognition through the shared recognizer pool (ensemble or fallback)
 * - Consensus voting and field-typed validation
 *
 * Field-local failures are recorded on the field and never fail the image.
 */

package processor

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"gocv.io/x/gocv"
	"golang.org/x/sync/errgroup"

	"github.com/MonsieurNam/handwriting-recognition/internal/consensus"
	"github.com/MonsieurNam/handwriting-recognition/internal/errors"
	"github.com/MonsieurNam/handwriting-recognition/internal/logging"
	"github.com/MonsieurNam/handwriting-recognition/internal/metrics"
	"github.com/MonsieurNam/handwriting-recognition/internal/recognizer"
	"github.com/MonsieurNam/handwriting-recognition/internal/restore"
	"github.com/MonsieurNam/handwriting-recognition/internal/storage"
	"github.com/MonsieurNam/handwriting-recognition/internal/template"
	"github.com/MonsieurNam/handwriting-recognition/internal/validator"
	"github.com/MonsieurNam/handwriting-recognition/internal/vision"
)

// Field outcomes recorded in metrics
const (
	fieldOK             = "ok"
	fieldEmptyROI       = "empty_roi"
	fieldConsensusEmpty = "consensus_empty"
	fieldInvalid        = "invalid"
	fieldFailed         = "failed"
)

// FormProcessorInterface defines the interface used by the queue consumers
type FormProcessorInterface interface {
	ProcessForm(ctx context.Context, req *ProcessRequest) (*FormResult, error)
	UpdateJobStatus(ctx context.Context, jobID string, status string, progress int, metadata map[string]interface{}) error
}

// ResultStore persists job status and extraction rows.
type ResultStore interface {
	UpdateJobStatus(ctx context.Context, update *storage.JobUpdate) error
	SaveExtraction(ctx context.Context, e *storage.Extraction) (string, error)
}

// ProcessorConfig holds processor configuration
type ProcessorConfig struct {
	Template *template.Template
	Pool     *recognizer.Pool

	// Voter merges text candidates. Ignored under the fallback policy, where
	// the first non-empty result wins.
	Voter consensus.Voter

	Locator vision.LocatorConfig
	Restore restore.Config

	// FieldConcurrency bounds the fields of one image processed at once.
	FieldConcurrency int

	// MaxImageSize bounds downloaded images in bytes. Zero uses the default.
	MaxImageSize int64

	// BatchImageTimeout bounds each image of ProcessBatch. Zero means unbounded.
	BatchImageTimeout time.Duration

	Store       ResultStore     // optional
	Diagnostics DiagnosticsSink // optional
	OutputDir   string          // optional, writes <image>_result.json

	Logger *logging.Logger
}

// ProcessRequest represents one form image to process. Exactly one of
// ImageBuffer, ImagePath or ImageURL is expected; they are tried in that order.
type ProcessRequest struct {
	JobID       string
	ImageName   string
	ImagePath   string
	ImageURL    string
	ImageBuffer []byte
	ImageSize   int64
	Metadata    map[string]interface{}
}

// FieldResult is the validated value of one field.
type FieldResult struct {
	Name string        `json:"name"`
	Kind template.Kind `json:"kind"`

	// Value is a string for text fields and a bool for checkbox fields.
	Value interface{} `json:"value"`

	// Raw is the consensus text before validation.
	Raw        string   `json:"raw,omitempty"`
	Confidence float64  `json:"confidence"`
	Sources    []string `json:"sources,omitempty"`
	Valid      bool     `json:"valid"`

	// Error is the error code of a field-local failure, if any.
	Error errors.ErrorCode `json:"error,omitempty"`
}

// FormResult represents the processing result of one image
type FormResult struct {
	JobID            string        `json:"jobId,omitempty"`
	ImageName        string        `json:"imageName"`
	Aligned          bool          `json:"aligned"`
	Fields           []FieldResult `json:"fields"`
	ProcessingTimeMs int64         `json:"processingTimeMs"`
	ExtractionID     string        `json:"extractionId,omitempty"`
}

// Values returns the flat field name to value map.
func (r *FormResult) Values() map[string]interface{} {
	out := make(map[string]interface{}, len(r.Fields))
	for _, f := range r.Fields {
		out[f.Name] = f.Value
	}
	return out
}

// Confidences returns the per-field aggregate confidence.
func (r *FormResult) Confidences() map[string]float64 {
	out := make(map[string]float64, len(r.Fields))
	for _, f := range r.Fields {
		out[f.Name] = f.Confidence
	}
	return out
}

// Sources returns the recognizers backing each field's value.
func (r *FormResult) Sources() map[string][]string {
	out := make(map[string][]string, len(r.Fields))
	for _, f := range r.Fields {
		if len(f.Sources) > 0 {
			out[f.Name] = f.Sources
		}
	}
	return out
}

// InvalidFields lists the fields whose value failed validation or extraction.
func (r *FormResult) InvalidFields() []string {
	var out []string
	for _, f := range r.Fields {
		if !f.Valid {
			out = append(out, f.Name)
		}
	}
	return out
}

// MeanConfidence averages confidence over text fields that produced a value.
func (r *FormResult) MeanConfidence() float64 {
	var sum float64
	var n int
	for _, f := range r.Fields {
		if f.Kind != template.KindText || f.Raw == "" {
			continue
		}
		sum += f.Confidence
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// Field returns the result for the named field.
func (r *FormResult) Field(name string) (FieldResult, bool) {
	for _, f := range r.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldResult{}, false
}

// FormProcessor handles form processing
type FormProcessor struct {
	config   *ProcessorConfig
	template *template.Template
	pool     *recognizer.Pool
	voter    consensus.Voter
	locator  *vision.QuadLocator
	aligner  *vision.PerspectiveAligner
	restorer *restore.Restorer
	logger   *logging.Logger
}

// NewFormProcessor creates a new form processor
func NewFormProcessor(cfg *ProcessorConfig) (*FormProcessor, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if cfg.Template == nil {
		return nil, fmt.Errorf("template is required")
	}
	if cfg.Pool == nil {
		return nil, fmt.Errorf("recognizer pool is required")
	}
	if cfg.FieldConcurrency <= 0 {
		cfg.FieldConcurrency = 4
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewLogger("Processor")
	}

	voter := cfg.Voter
	if cfg.Pool.Policy() == recognizer.PolicyFallback {
		voter = consensus.Fallback{}
	} else if voter == nil {
		voter = consensus.NewWeighted(nil, 1.0)
	}

	size := cfg.Template.Size()
	locator := vision.NewQuadLocator(cfg.Locator)

	p := &FormProcessor{
		config:   cfg,
		template: cfg.Template,
		pool:     cfg.Pool,
		voter:    voter,
		locator:  locator,
		aligner:  vision.NewPerspectiveAligner(locator, size.X, size.Y, cfg.Logger.With("component", "aligner")),
		restorer: restore.NewRestorer(cfg.Restore, cfg.Logger.With("component", "restorer")),
		logger:   cfg.Logger,
	}

	p.logger.Info("Form processor initialized",
		"fields", len(cfg.Template.Fields),
		"templateWidth", size.X,
		"templateHeight", size.Y,
		"recognizers", cfg.Pool.Names(),
		"policy", cfg.Pool.Policy(),
		"strategy", locator.Strategy())

	return p, nil
}

// ProcessForm loads the request's image and extracts every template field.
func (p *FormProcessor) ProcessForm(ctx context.Context, req *ProcessRequest) (*FormResult, error) {
	if req == nil {
		return nil, fmt.Errorf("request is required")
	}
	imageName := requestImageName(req)

	img, err := p.loadImage(ctx, req)
	if err != nil {
		metrics.RecordImage(false, "decode_failed", 0)
		return nil, errors.NewImageDecodeError(req.JobID, imageName, err)
	}
	defer img.Close()

	result, err := p.ProcessImage(ctx, req.JobID, imageName, img)
	if err != nil {
		return result, err
	}

	p.persist(ctx, result)
	return result, nil
}

// ProcessImage extracts every template field from an already decoded image.
// The caller keeps ownership of img.
func (p *FormProcessor) ProcessImage(ctx context.Context, jobID, imageName string, img gocv.Mat) (*FormResult, error) {
	start := time.Now()
	metrics.JobStarted()
	defer metrics.JobFinished()

	logger := p.logger.With("jobId", jobID, "image", imageName)

	aligned := p.aligner.Align(img)
	defer aligned.Image.Close()
	if !aligned.Aligned {
		perr := errors.NewAlignmentFailedError(jobID, string(p.locator.Strategy()))
		logger.Warn("Processing unaligned image", "code", perr.Code, "error", perr.Message)
	}

	if p.config.Diagnostics != nil {
		p.config.Diagnostics.SavePage(imageName, aligned.Image)
	}

	fields := p.template.Fields
	results := make([]FieldResult, len(fields))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.config.FieldConcurrency)
	for i, f := range fields {
		g.Go(func() error {
			results[i] = p.processField(gctx, jobID, imageName, aligned.Image, f)
			return nil
		})
	}
	_ = g.Wait()

	duration := time.Since(start)
	result := &FormResult{
		JobID:            jobID,
		ImageName:        imageName,
		Aligned:          aligned.Aligned,
		Fields:           results,
		ProcessingTimeMs: duration.Milliseconds(),
	}

	if err := ctx.Err(); err != nil {
		metrics.RecordImage(aligned.Aligned, "timeout", duration.Seconds())
		return result, errors.NewProcessingTimeoutError(jobID, duration, err)
	}

	metrics.RecordImage(aligned.Aligned, "completed", duration.Seconds())
	logger.Info("Form processed",
		"aligned", aligned.Aligned,
		"fields", len(results),
		"invalid", result.InvalidFields(),
		"confidence", result.MeanConfidence(),
		"durationMs", result.ProcessingTimeMs)

	return result, nil
}

// processField extracts, restores, recognizes, votes and validates one field.
func (p *FormProcessor) processField(ctx context.Context, jobID, imageName string, canonical gocv.Mat, f template.FieldSpec) FieldResult {
	out := FieldResult{Name: f.Name, Kind: f.Kind, Value: emptyValue(f.Kind)}

	roi, err := vision.ExtractROI(canonical, f.Rect)
	if err != nil {
		perr := errors.NewEmptyROIError(jobID, f.Name)
		p.logger.Warn("Field region is empty, reporting empty value",
			"jobId", jobID, "field", f.Name, "rect", f.Rect.String(), "code", perr.Code)
		out.Error = errors.ErrorEmptyROI
		metrics.RecordField(string(f.Kind), fieldEmptyROI)
		return out
	}
	defer roi.Close()

	hint := recognizer.FieldHint{
		Field:       f.Name,
		Handwritten: f.Handwritten,
		Numeric:     f.Validator.Numeric(),
		Recognizers: f.Recognizers,
	}

	if f.Kind == template.KindCheckbox {
		return p.processCheckbox(ctx, out, roi, hint)
	}
	return p.processText(ctx, jobID, imageName, out, f, roi, hint)
}

func (p *FormProcessor) processCheckbox(ctx context.Context, out FieldResult, roi gocv.Mat, hint recognizer.FieldHint) FieldResult {
	res := p.pool.RecognizeCheckbox(ctx, roi, hint)
	out.Sources = []string{res.Source}
	if res.Err != nil {
		out.Error = failureCode(res.Err)
		metrics.RecordField(string(template.KindCheckbox), fieldFailed)
		return out
	}

	out.Value = res.Checked
	out.Valid = true
	out.Confidence = 1
	metrics.RecordField(string(template.KindCheckbox), fieldOK)
	return out
}

func (p *FormProcessor) processText(ctx context.Context, jobID, imageName string, out FieldResult, f template.FieldSpec, roi gocv.Mat, hint recognizer.FieldHint) FieldResult {
	restored := p.restorer.Restore(roi, restore.Options{
		Handwritten: f.Handwritten,
		Numeric:     hint.Numeric,
	})
	defer restored.Close()

	if p.config.Diagnostics != nil {
		p.config.Diagnostics.SaveROI(imageName, f.Name, restored)
	}

	results := p.pool.RecognizeText(ctx, restored, hint)

	candidates := make([]consensus.Candidate, 0, len(results))
	var lastErr error
	for _, r := range results {
		if r.Err != nil {
			lastErr = r.Err
			continue
		}
		candidates = append(candidates, consensus.Candidate{
			Source:     r.Source,
			Text:       r.Text,
			Confidence: r.Confidence,
		})
	}

	vote := p.voter.Vote(f.Name, candidates)
	if vote.Empty() {
		out.Valid = true
		out.Error = errors.ErrorConsensusEmpty
		if len(candidates) == 0 && lastErr != nil {
			out.Error = failureCode(lastErr)
		}
		p.logger.Debug("No recognizer produced text", "jobId", jobID, "field", f.Name, "tried", len(results))
		metrics.RecordField(string(template.KindText), fieldConsensusEmpty)
		return out
	}

	validated := validator.Validate(f.Validator, vote.Text)
	out.Raw = vote.Text
	out.Value = validated.Value
	out.Valid = validated.Valid
	out.Confidence = vote.Confidence
	out.Sources = vote.Sources

	if !validated.Valid {
		perr := errors.NewValidationFailedError(f.Name, vote.Text)
		out.Error = perr.Code
		p.logger.Warn("Field value failed validation",
			"jobId", jobID, "field", f.Name, "validator", f.Validator, "raw", vote.Text)
		metrics.RecordField(string(template.KindText), fieldInvalid)
		return out
	}

	metrics.RecordField(string(template.KindText), fieldOK)
	return out
}

// persist stores the result and writes the JSON output when configured.
// Failures are logged; the extraction itself already succeeded.
func (p *FormProcessor) persist(ctx context.Context, result *FormResult) {
	if p.config.OutputDir != "" {
		if path, err := WriteResultJSON(p.config.OutputDir, result.ImageName, result); err != nil {
			p.logger.Error("Failed to write result file", "image", result.ImageName, "error", err)
		} else {
			p.logger.Debug("Result written", "path", path)
		}
	}

	if p.config.Store == nil {
		return
	}
	id, err := p.config.Store.SaveExtraction(ctx, &storage.Extraction{
		JobID:            result.JobID,
		ImageName:        result.ImageName,
		Aligned:          result.Aligned,
		Fields:           result.Values(),
		Confidences:      result.Confidences(),
		Sources:          result.Sources(),
		InvalidFields:    result.InvalidFields(),
		ProcessingTimeMs: result.ProcessingTimeMs,
	})
	if err != nil {
		perr := errors.NewStorageFailedError(result.JobID, err)
		p.logger.Error("Failed to store extraction", "image", result.ImageName, "code", perr.Code, "error", err)
		return
	}
	result.ExtractionID = id
}

// UpdateJobStatus updates job status in the result store
func (p *FormProcessor) UpdateJobStatus(ctx context.Context, jobID string, status string, progress int, metadata map[string]interface{}) error {
	if p.config.Store == nil || jobID == "" {
		return nil
	}

	update := &storage.JobUpdate{
		JobID:    jobID,
		Status:   status,
		Metadata: metadata,
	}

	if metadata != nil {
		if confidence, ok := metadata["confidence"].(float64); ok {
			update.Confidence = confidence
		}
		if processingTime, ok := metadata["processingTime"].(int64); ok {
			update.ProcessingTimeMs = processingTime
		}
		if imageName, ok := metadata["imageName"].(string); ok {
			update.ImageName = imageName
		}
		if code, ok := metadata["error_code"].(string); ok {
			update.ErrorCode = code
		}
		if msg, ok := metadata["message"].(string); ok && update.ErrorCode != "" {
			update.ErrorMessage = msg
		}
		if errorMsg, ok := metadata["error"].(string); ok {
			if update.ErrorCode == "" {
				update.ErrorCode = "PROCESSING_ERROR"
			}
			update.ErrorMessage = errorMsg
		}
	}

	return p.config.Store.UpdateJobStatus(ctx, update)
}

// Template returns the template the processor extracts.
func (p *FormProcessor) Template() *template.Template {
	return p.template
}

func failureCode(err error) errors.ErrorCode {
	if code := errors.CodeOf(err); code != "" {
		return code
	}
	return errors.ErrorRecognizerFailed
}

func emptyValue(kind template.Kind) interface{} {
	if kind == template.KindCheckbox {
		return false
	}
	return ""
}

func requestImageName(req *ProcessRequest) string {
	if req.ImageName != "" {
		return req.ImageName
	}
	for _, s := range []string{req.ImagePath, req.ImageURL} {
		if s == "" {
			continue
		}
		s = strings.TrimRight(s, "/")
		if i := strings.LastIndexAny(s, `/\`); i >= 0 {
			s = s[i+1:]
		}
		if q := strings.IndexByte(s, '?'); q >= 0 {
			s = s[:q]
		}
		if s != "" {
			return s
		}
	}
	if req.JobID != "" {
		return req.JobID
	}
	return "image"
}

// IsFatal reports whether err must stop a run rather than a single image.
func IsFatal(err error) bool {
	var perr *errors.ProcessingError
	return stderrors.As(err, &perr) && perr.Fatal()
}
