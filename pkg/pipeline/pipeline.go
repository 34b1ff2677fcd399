// Package pipeline orchestrates the preprocessing stages that turn a raw
// 3D volume into the tensor a trained segmentation model expects: axis
// transposition, foreground cropping, intensity normalization and
// anisotropic resampling, in that fixed order. Each stage consumes its
// input fully and produces a new array; a fixture recorder can observe
// every stage boundary without altering the data flow.
package pipeline

import (
	"fmt"
	"io"
	"log/slog"

	"nnunetprep/internal/models"
	"nnunetprep/pkg/fixture"
	"nnunetprep/pkg/normalization"
	"nnunetprep/pkg/params"
	"nnunetprep/pkg/resample"
	"nnunetprep/pkg/transform"
)

// Pipeline preprocesses volumes according to one resolved configuration.
// The configuration is read-only, so a single Pipeline value may serve
// concurrent runs; each run owns its volume and snapshots exclusively.
type Pipeline struct {
	params          *params.ResolvedParams
	logger          *slog.Logger
	captureFixtures bool
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger used for per-stage progress.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = logger }
}

// WithFixtureCapture toggles per-stage snapshot recording.
func WithFixtureCapture(enabled bool) Option {
	return func(p *Pipeline) { p.captureFixtures = enabled }
}

// New builds a pipeline for the resolved configuration. Fixture capture
// is enabled by default; logging is silent unless a logger is supplied.
func New(resolved *params.ResolvedParams, opts ...Option) *Pipeline {
	p := &Pipeline{
		params:          resolved,
		logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		captureFixtures: true,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Result is the outcome of one pipeline run.
type Result struct {
	// Volume is the fully preprocessed volume at the target spacing.
	Volume *models.Volume

	// BBox is the foreground bounding box found by the crop stage, in the
	// transposed axis order.
	BBox models.BoundingBox

	// Bundle holds the per-stage snapshots and checksums. Nil when
	// fixture capture is disabled.
	Bundle *fixture.Bundle
}

// Run executes the full preprocessing sequence on the volume. The input
// is not modified. inputName labels the run in the fixture metadata.
//
// Any stage failure aborts the run immediately; there is no partial
// output and no retry, because every failure is a deterministic
// configuration or data defect.
func (p *Pipeline) Run(vol *models.Volume, inputName string) (*Result, error) {
	if err := vol.Validate(); err != nil {
		return nil, fmt.Errorf("input volume: %w", err)
	}

	var rec *fixture.Recorder
	capture := func(name string, v *models.Volume, meta fixture.StageMeta) error {
		if rec == nil {
			return nil
		}
		return rec.Capture(name, v, meta)
	}
	if p.captureFixtures {
		rec = fixture.NewRecorder()
	}

	if err := capture(fixture.StageRaw, vol, fixture.StageMeta{
		Spacing: vol.Spacing[:],
		Dtype:   "float32",
	}); err != nil {
		return nil, err
	}

	// Stage 1: transpose axes into the model's orientation.
	current, err := transform.Transpose(vol, p.params.TransposeForward)
	if err != nil {
		return nil, fmt.Errorf("transpose stage: %w", err)
	}
	p.logger.Info("transposed volume",
		"axes", p.params.TransposeForward, "shape", current.Shape, "spacing", current.Spacing)
	if err := capture(fixture.StageTransposed, current, fixture.StageMeta{
		Spacing:       current.Spacing[:],
		TransposeAxes: p.params.TransposeForward,
	}); err != nil {
		return nil, err
	}
	transposedSpacing := current.Spacing

	// Stage 2: crop to the foreground bounding box.
	current, bbox, err := transform.CropToNonzero(current)
	if err != nil {
		return nil, fmt.Errorf("crop stage: %w", err)
	}
	p.logger.Info("cropped to nonzero", "bbox", fixture.BBoxMeta(bbox), "shape", current.Shape)
	if err := capture(fixture.StageCropped, current, fixture.StageMeta{
		BBox: fixture.BBoxMeta(bbox),
	}); err != nil {
		return nil, err
	}

	// Stage 3: normalize intensities for channel 0.
	current, err = p.normalize(current)
	if err != nil {
		return nil, fmt.Errorf("normalization stage: %w", err)
	}
	mean, std, lo, hi := fixture.SummaryStats(current.Data)
	p.logger.Info("normalized intensities", "mean", mean, "std", std, "min", lo, "max", hi)
	if err := capture(fixture.StageNormalized, current, fixture.StageMeta{
		Spacing: transposedSpacing[:],
		Mean:    fixture.Float64p(mean),
		Std:     fixture.Float64p(std),
		Min:     fixture.Float64p(lo),
		Max:     fixture.Float64p(hi),
	}); err != nil {
		return nil, err
	}

	// Stage 4: resample to the target spacing.
	kwargs := p.params.ResamplingFnDataKwargs
	current, err = resample.ToSpacing(current, p.params.TargetSpacing, kwargs, p.params.AnisotropyThreshold)
	if err != nil {
		return nil, fmt.Errorf("resample stage: %w", err)
	}
	separate, lowAxis := resample.Decide(transposedSpacing, kwargs, p.params.AnisotropyThreshold)
	p.logger.Info("resampled volume",
		"shape", current.Shape, "target_spacing", p.params.TargetSpacing,
		"separate_z", separate, "low_res_axis", lowAxis)
	if err := capture(fixture.StageResampled, current, fixture.StageMeta{
		TargetSpacing:   p.params.TargetSpacing[:],
		OriginalSpacing: transposedSpacing[:],
		ResampleKwargs:  &kwargs,
	}); err != nil {
		return nil, err
	}

	result := &Result{Volume: current, BBox: bbox}
	if rec != nil {
		result.Bundle = rec.Bundle(inputName, p.params.ConfigurationName)
	}
	return result, nil
}

// normalize applies the configured scheme for channel 0. A configuration
// with no schemes normalizes nothing.
func (p *Pipeline) normalize(vol *models.Volume) (*models.Volume, error) {
	if len(p.params.NormalizationSchemes) == 0 {
		return vol.Clone(), nil
	}
	norm, err := normalization.New(p.params.NormalizationSchemes[0], p.params.ChannelStats("0"), p.params.UseMask(0))
	if err != nil {
		return nil, err
	}
	return norm.Apply(vol)
}

// RestoreAxes applies the backward transpose permutation, returning a
// volume in the original axis order. Used on model output after inference.
func (p *Pipeline) RestoreAxes(vol *models.Volume) (*models.Volume, error) {
	return transform.Transpose(vol, p.params.TransposeBackward)
}
