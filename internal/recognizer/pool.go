package recognizer

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"gocv.io/x/gocv"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/MonsieurNam/handwriting-recognition/internal/errors"
	"github.com/MonsieurNam/handwriting-recognition/internal/logging"
	"github.com/MonsieurNam/handwriting-recognition/internal/metrics"
)

// Policy selects how text fields consult the pool.
type Policy string

const (
	// PolicyEnsemble invokes every eligible recognizer concurrently.
	PolicyEnsemble Policy = "ensemble"
	// PolicyFallback invokes recognizers in priority order and stops at the
	// first non-empty result.
	PolicyFallback Policy = "fallback"
)

// PoolConfig configures routing across the registered recognizers
type PoolConfig struct {
	Policy Policy

	// Order is the priority order by name; unlisted recognizers follow in
	// registration order.
	Order []string

	// HandwritingRecognizer moves to the front for handwritten fields.
	HandwritingRecognizer string

	// Devices maps recognizer name to a device id. Calls on the same device
	// are serialized.
	Devices map[string]string

	// Timeout bounds each recognizer call. Zero means unbounded.
	Timeout time.Duration
}

// Pool holds the recognizers shared by every image and field. It is built once
// at startup and is safe for concurrent use.
type Pool struct {
	cfg      PoolConfig
	mu       sync.RWMutex
	text     []TextRecognizer
	byName   map[string]TextRecognizer
	checkbox CheckboxRecognizer
	devices  map[string]*semaphore.Weighted
	logger   *logging.Logger
}

// NewPool creates an empty pool whose checkbox recognizer is the ink-area test.
func NewPool(cfg PoolConfig, logger *logging.Logger) *Pool {
	if cfg.Policy == "" {
		cfg.Policy = PolicyEnsemble
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Pool{
		cfg:      cfg,
		byName:   make(map[string]TextRecognizer),
		checkbox: NewInkAreaCheckbox(DefaultInkRatio),
		devices:  make(map[string]*semaphore.Weighted),
		logger:   logger,
	}
}

// Register adds a text recognizer. Names are case-insensitive and unique.
func (p *Pool) Register(r Recognizer) error {
	tr, ok := r.(TextRecognizer)
	if !ok {
		return fmt.Errorf("register %s: %w", r.Name(), errors.ErrNoCapability)
	}
	name := strings.ToLower(r.Name())

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.byName[name]; exists {
		return fmt.Errorf("recognizer %s already registered", name)
	}
	p.text = append(p.text, tr)
	p.byName[name] = tr

	if dev, ok := p.cfg.Devices[name]; ok && dev != "" {
		if _, exists := p.devices[dev]; !exists {
			p.devices[dev] = semaphore.NewWeighted(1)
		}
	}

	p.logger.Info("Registered recognizer", "name", name, "device", p.cfg.Devices[name])
	return nil
}

// SetCheckbox replaces the checkbox recognizer.
func (p *Pool) SetCheckbox(c CheckboxRecognizer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.checkbox = c
}

// Policy returns the configured text policy.
func (p *Pool) Policy() Policy {
	return p.cfg.Policy
}

// Names returns the registered text recognizer names in registration order.
func (p *Pool) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.text))
	for _, r := range p.text {
		names = append(names, strings.ToLower(r.Name()))
	}
	return names
}

// Eligible returns the recognizers to consult for a field, highest priority first.
// The handwritten hint moves HandwritingRecognizer to the front. It does not
// change voting weights.
func (p *Pool) Eligible(hint FieldHint) []TextRecognizer {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var allowed map[string]bool
	if len(hint.Recognizers) > 0 {
		allowed = make(map[string]bool, len(hint.Recognizers))
		for _, n := range hint.Recognizers {
			allowed[strings.ToLower(n)] = true
		}
	}

	seen := make(map[string]bool, len(p.text))
	ordered := make([]TextRecognizer, 0, len(p.text))
	add := func(name string) {
		r, ok := p.byName[name]
		if !ok || seen[name] || (allowed != nil && !allowed[name]) {
			return
		}
		seen[name] = true
		ordered = append(ordered, r)
	}

	if hint.Handwritten && p.cfg.HandwritingRecognizer != "" {
		add(strings.ToLower(p.cfg.HandwritingRecognizer))
	}
	for _, name := range p.cfg.Order {
		add(strings.ToLower(name))
	}
	for _, r := range p.text {
		add(strings.ToLower(r.Name()))
	}
	return ordered
}

// RecognizeText consults the eligible recognizers under the configured policy.
// Ensemble returns one result per recognizer in priority order. Fallback
// returns the results tried so far, ending at the first non-empty one.
// Recognizer failures are carried in TextResult.Err and never returned.
func (p *Pool) RecognizeText(ctx context.Context, img gocv.Mat, hint FieldHint) []TextResult {
	eligible := p.Eligible(hint)
	if len(eligible) == 0 {
		p.logger.Warn("No eligible recognizers for field", "field", hint.Field)
		return nil
	}
	ctx = WithFieldHint(ctx, hint)

	if p.cfg.Policy == PolicyFallback {
		results := make([]TextResult, 0, len(eligible))
		for _, r := range eligible {
			res := p.invokeText(ctx, r, img, hint.Field)
			results = append(results, res)
			if res.Err == nil && strings.TrimSpace(res.Text) != "" {
				break
			}
		}
		return results
	}

	results := make([]TextResult, len(eligible))
	var g errgroup.Group
	for i, r := range eligible {
		g.Go(func() error {
			results[i] = p.invokeText(ctx, r, img, hint.Field)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// RecognizeCheckbox asks the checkbox recognizer for a verdict. A failure
// yields an unticked result carrying Err.
func (p *Pool) RecognizeCheckbox(ctx context.Context, img gocv.Mat, hint FieldHint) CheckboxResult {
	p.mu.RLock()
	c := p.checkbox
	p.mu.RUnlock()

	ctx = WithFieldHint(ctx, hint)
	checked, outcome, err := invoke(p, ctx, c.Name(), img, c.RecognizeCheckbox)
	if err != nil {
		p.logFailure(c.Name(), hint.Field, outcome, err)
		return CheckboxResult{Source: c.Name(), Err: err}
	}
	return CheckboxResult{Source: c.Name(), Checked: checked}
}

type textOutput struct {
	text       string
	confidence float64
}

func (p *Pool) invokeText(ctx context.Context, r TextRecognizer, img gocv.Mat, field string) TextResult {
	name := strings.ToLower(r.Name())
	out, outcome, err := invoke(p, ctx, name, img, func(ctx context.Context, m gocv.Mat) (textOutput, error) {
		text, conf, err := r.RecognizeText(ctx, m)
		return textOutput{text: text, confidence: conf}, err
	})
	if err != nil {
		p.logFailure(name, field, outcome, err)
		return TextResult{Source: name, Err: err}
	}
	return TextResult{Source: name, Text: out.text, Confidence: clampConfidence(out.confidence)}
}

func (p *Pool) logFailure(name, field, outcome string, err error) {
	p.logger.Warn("Recognizer failed, treating as empty result",
		"recognizer", name,
		"field", field,
		"outcome", outcome,
		"error", err)
}

type callResult[T any] struct {
	value    T
	err      error
	panicked bool
}

// invoke runs fn on a private copy of img, bounded by the pool timeout and the
// recognizer's device semaphore. Panics, errors and timeouts come back as a
// RecognizerFailed error; the outcome label is recorded either way.
func invoke[T any](p *Pool, ctx context.Context, name string, img gocv.Mat, fn func(context.Context, gocv.Mat) (T, error)) (T, string, error) {
	var zero T
	start := time.Now()

	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}

	release, err := p.acquire(ctx, name)
	if err != nil {
		metrics.RecordRecognizer(name, metrics.OutcomeTimeout, time.Since(start).Seconds())
		return zero, metrics.OutcomeTimeout, errors.NewRecognizerFailedError(name,
			fmt.Errorf("%w: waiting for device: %v", errors.ErrRecognizerTimeout, err))
	}

	ch := make(chan callResult[T], 1)
	clone := img.Clone()
	go func() {
		// The device stays held until the call really returns, even after a timeout.
		defer release()
		defer clone.Close()
		defer func() {
			if rec := recover(); rec != nil {
				ch <- callResult[T]{err: fmt.Errorf("recognizer panic: %v", rec), panicked: true}
			}
		}()
		v, err := fn(ctx, clone)
		ch <- callResult[T]{value: v, err: err}
	}()

	var (
		res     callResult[T]
		outcome string
	)
	select {
	case res = <-ch:
		switch {
		case res.panicked:
			outcome = metrics.OutcomePanic
		case res.err != nil:
			outcome = metrics.OutcomeError
		default:
			outcome = metrics.OutcomeOK
			if t, ok := any(res.value).(textOutput); ok && strings.TrimSpace(t.text) == "" {
				outcome = metrics.OutcomeEmpty
			}
		}
	case <-ctx.Done():
		outcome = metrics.OutcomeTimeout
		res.err = fmt.Errorf("%w: %v", errors.ErrRecognizerTimeout, ctx.Err())
	}

	metrics.RecordRecognizer(name, outcome, time.Since(start).Seconds())
	if res.err != nil {
		return zero, outcome, errors.NewRecognizerFailedError(name, res.err)
	}
	return res.value, outcome, nil
}

// acquire takes the device semaphore for name, if it has one.
func (p *Pool) acquire(ctx context.Context, name string) (func(), error) {
	dev, ok := p.cfg.Devices[name]
	if !ok {
		return func() {}, nil
	}
	p.mu.RLock()
	sem := p.devices[dev]
	p.mu.RUnlock()
	if sem == nil {
		return func() {}, nil
	}
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { sem.Release(1) }, nil
}

func clampConfidence(c float64) float64 {
	if math.IsNaN(c) || c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}
