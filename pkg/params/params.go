// Package params resolves a named model configuration from a plan document
// and a dataset fingerprint document into the flat, default-free parameter
// set the preprocessing pipeline consumes. Every optional plan field is
// defaulted here, in one place; downstream stages never apply defaults of
// their own.
package params

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"nnunetprep/pkg/normalization"
	"nnunetprep/pkg/resample"
	"nnunetprep/pkg/transform"
)

// DefaultAnisotropyThreshold is the max/min spacing ratio above which
// separate-Z resampling is triggered.
const DefaultAnisotropyThreshold = 3.0

// DefaultResamplingFn is the resampling function identifier assumed when
// the plan does not name one.
const DefaultResamplingFn = "resample_data_or_seg_to_shape"

// Default resampling kwargs for data volumes and segmentation masks.
func defaultDataKwargs() resample.Kwargs {
	return resample.Kwargs{IsSeg: false, Order: 3, OrderZ: 0, ForceSeparateZ: nil}
}

func defaultSegKwargs() resample.Kwargs {
	return resample.Kwargs{IsSeg: true, Order: 1, OrderZ: 0, ForceSeparateZ: nil}
}

func identityPermutation() []int { return []int{0, 1, 2} }

// PlanDocument mirrors the trained model's plan file.
type PlanDocument struct {
	TransposeForward  []int                        `json:"transpose_forward"`
	TransposeBackward []int                        `json:"transpose_backward"`
	Configurations    map[string]PlanConfiguration `json:"configurations"`
}

// PlanConfiguration is one named entry of the plan document.
type PlanConfiguration struct {
	Spacing                []float64        `json:"spacing"`
	PatchSize              []int            `json:"patch_size"`
	NormalizationSchemes   []string         `json:"normalization_schemes"`
	UseMaskForNorm         []bool           `json:"use_mask_for_norm"`
	ResamplingFnData       string           `json:"resampling_fn_data"`
	ResamplingFnDataKwargs *resample.Kwargs `json:"resampling_fn_data_kwargs"`
	ResamplingFnSeg        string           `json:"resampling_fn_seg"`
	ResamplingFnSegKwargs  *resample.Kwargs `json:"resampling_fn_seg_kwargs"`
}

// FingerprintDocument mirrors the dataset fingerprint file.
type FingerprintDocument struct {
	ForegroundIntensityProperties map[string]ChannelProperties `json:"foreground_intensity_properties_per_channel"`
	Spacing                       []float64                    `json:"spacing"`
	ShapesAfterCrop               [][]int                      `json:"shapes_after_crop"`
}

// ChannelProperties holds the per-channel foreground intensity statistics.
// Fields are pointers so absence in the source document is detectable.
type ChannelProperties struct {
	Mean          *float64 `json:"mean,omitempty"`
	Std           *float64 `json:"std,omitempty"`
	Percentile005 *float64 `json:"percentile_00_5,omitempty"`
	Percentile995 *float64 `json:"percentile_99_5,omitempty"`
}

// requiredStatFields are the statistics CT normalization cannot run without.
var requiredStatFields = []string{"mean", "std", "percentile_00_5", "percentile_99_5"}

// missingFields returns the names of absent statistics, in the reference order.
func (c ChannelProperties) missingFields() []string {
	var missing []string
	for _, field := range requiredStatFields {
		switch field {
		case "mean":
			if c.Mean == nil {
				missing = append(missing, field)
			}
		case "std":
			if c.Std == nil {
				missing = append(missing, field)
			}
		case "percentile_00_5":
			if c.Percentile005 == nil {
				missing = append(missing, field)
			}
		case "percentile_99_5":
			if c.Percentile995 == nil {
				missing = append(missing, field)
			}
		}
	}
	return missing
}

// Stats converts the properties to the normalizer's statistics value.
// Absent fields become zero; callers must have validated presence first.
func (c ChannelProperties) Stats() normalization.ChannelStats {
	deref := func(p *float64) float64 {
		if p == nil {
			return 0
		}
		return *p
	}
	return normalization.ChannelStats{
		Mean:          deref(c.Mean),
		Std:           deref(c.Std),
		Percentile005: deref(c.Percentile005),
		Percentile995: deref(c.Percentile995),
	}
}

// ConfigurationNotFoundError reports a configuration name absent from the
// plan document, listing every valid name.
type ConfigurationNotFoundError struct {
	// Requested is the configuration name that was asked for.
	Requested string

	// Available is the sorted list of names the plan document defines.
	Available []string
}

// Error implements the error interface.
func (e *ConfigurationNotFoundError) Error() string {
	return fmt.Sprintf("configuration %q not found; available: [%s]", e.Requested, strings.Join(e.Available, ", "))
}

// MissingStatisticsError reports absent per-channel statistics required by
// the selected normalization scheme.
type MissingStatisticsError struct {
	// Channel is the channel key whose statistics are incomplete.
	Channel string

	// Missing names the absent fields.
	Missing []string
}

// Error implements the error interface.
func (e *MissingStatisticsError) Error() string {
	return fmt.Sprintf("missing CT normalization statistics for channel %q: [%s]", e.Channel, strings.Join(e.Missing, ", "))
}

// ResolvedParams is the flat parameter document produced by Resolve. Its
// JSON form is the resolved parameter document consumed by downstream
// systems; every field is fully defaulted.
type ResolvedParams struct {
	ConfigurationName             string                       `json:"configuration_name"`
	TargetSpacing                 [3]float64                   `json:"target_spacing"`
	PatchSize                     [3]int                       `json:"patch_size"`
	TransposeForward              []int                        `json:"transpose_forward"`
	TransposeBackward             []int                        `json:"transpose_backward"`
	NormalizationSchemes          []string                     `json:"normalization_schemes"`
	UseMaskForNorm                []bool                       `json:"use_mask_for_norm"`
	ForegroundIntensityProperties map[string]ChannelProperties `json:"foreground_intensity_properties"`
	ResamplingFnData              string                       `json:"resampling_fn_data"`
	ResamplingFnDataKwargs        resample.Kwargs              `json:"resampling_fn_data_kwargs"`
	ResamplingFnSeg               string                       `json:"resampling_fn_seg"`
	ResamplingFnSegKwargs         resample.Kwargs              `json:"resampling_fn_seg_kwargs"`
	AnisotropyThreshold           float64                      `json:"anisotropy_threshold"`
	OriginalSpacing               []float64                    `json:"original_spacing"`
	OriginalMedianShape           []int                        `json:"original_median_shape"`
}

// ChannelStats returns the statistics for one channel key.
func (p *ResolvedParams) ChannelStats(channel string) normalization.ChannelStats {
	return p.ForegroundIntensityProperties[channel].Stats()
}

// UseMask reports the mask-for-normalization flag for a channel index,
// false when the plan does not provide one.
func (p *ResolvedParams) UseMask(channel int) bool {
	if channel < 0 || channel >= len(p.UseMaskForNorm) {
		return false
	}
	return p.UseMaskForNorm[channel]
}

// Resolve extracts the named configuration from the two source documents,
// applies all defaults, and validates scheme identifiers, transpose
// permutations and (when CT normalization is selected) the presence of the
// channel "0" statistics. It is a pure read with no side effects.
func Resolve(plan *PlanDocument, fingerprint *FingerprintDocument, configuration string) (*ResolvedParams, error) {
	cfg, ok := plan.Configurations[configuration]
	if !ok {
		available := make([]string, 0, len(plan.Configurations))
		for name := range plan.Configurations {
			available = append(available, name)
		}
		sort.Strings(available)
		return nil, &ConfigurationNotFoundError{Requested: configuration, Available: available}
	}

	if len(cfg.Spacing) != 3 {
		return nil, fmt.Errorf("configuration %q: spacing must have 3 components, got %d", configuration, len(cfg.Spacing))
	}
	if len(cfg.PatchSize) != 3 {
		return nil, fmt.Errorf("configuration %q: patch_size must have 3 components, got %d", configuration, len(cfg.PatchSize))
	}

	p := &ResolvedParams{
		ConfigurationName:             configuration,
		TargetSpacing:                 [3]float64{cfg.Spacing[0], cfg.Spacing[1], cfg.Spacing[2]},
		PatchSize:                     [3]int{cfg.PatchSize[0], cfg.PatchSize[1], cfg.PatchSize[2]},
		TransposeForward:              plan.TransposeForward,
		TransposeBackward:             plan.TransposeBackward,
		NormalizationSchemes:          cfg.NormalizationSchemes,
		UseMaskForNorm:                cfg.UseMaskForNorm,
		ForegroundIntensityProperties: fingerprint.ForegroundIntensityProperties,
		ResamplingFnData:              cfg.ResamplingFnData,
		ResamplingFnDataKwargs:        defaultDataKwargs(),
		ResamplingFnSeg:               cfg.ResamplingFnSeg,
		ResamplingFnSegKwargs:         defaultSegKwargs(),
		AnisotropyThreshold:           DefaultAnisotropyThreshold,
		OriginalSpacing:               fingerprint.Spacing,
		OriginalMedianShape:           medianShape(fingerprint.ShapesAfterCrop),
	}

	// Defaults for everything the plan may omit.
	if p.TransposeForward == nil {
		p.TransposeForward = identityPermutation()
	}
	if p.TransposeBackward == nil {
		p.TransposeBackward = identityPermutation()
	}
	if p.UseMaskForNorm == nil {
		p.UseMaskForNorm = []bool{false}
	}
	if p.ForegroundIntensityProperties == nil {
		p.ForegroundIntensityProperties = map[string]ChannelProperties{}
	}
	if p.ResamplingFnData == "" {
		p.ResamplingFnData = DefaultResamplingFn
	}
	if p.ResamplingFnSeg == "" {
		p.ResamplingFnSeg = DefaultResamplingFn
	}
	if cfg.ResamplingFnDataKwargs != nil {
		p.ResamplingFnDataKwargs = *cfg.ResamplingFnDataKwargs
	}
	if cfg.ResamplingFnSegKwargs != nil {
		p.ResamplingFnSegKwargs = *cfg.ResamplingFnSegKwargs
	}

	if err := transform.ValidatePermutation(p.TransposeForward); err != nil {
		return nil, fmt.Errorf("transpose_forward: %w", err)
	}
	if err := transform.ValidatePermutation(p.TransposeBackward); err != nil {
		return nil, fmt.Errorf("transpose_backward: %w", err)
	}

	// Scheme identifiers resolve against the closed supported set here,
	// once, so downstream stages never see an unknown identifier.
	usesCT := false
	for _, id := range p.NormalizationSchemes {
		scheme, err := normalization.ParseScheme(id)
		if err != nil {
			return nil, err
		}
		if scheme == normalization.SchemeCT {
			usesCT = true
		}
	}

	if usesCT {
		props := p.ForegroundIntensityProperties["0"]
		if missing := props.missingFields(); len(missing) > 0 {
			return nil, &MissingStatisticsError{Channel: "0", Missing: missing}
		}
	}

	return p, nil
}

// medianShape picks the dataset's representative post-crop shape. The
// fingerprint stores the median first, as in the reference extractor.
func medianShape(shapes [][]int) []int {
	if len(shapes) == 0 {
		return []int{}
	}
	return shapes[0]
}

// LoadPlanDocument reads and parses a plan document from disk.
func LoadPlanDocument(path string) (*PlanDocument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading plan document: %w", err)
	}
	var doc PlanDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing plan document: %w", err)
	}
	return &doc, nil
}

// LoadFingerprintDocument reads and parses a fingerprint document from disk.
func LoadFingerprintDocument(path string) (*FingerprintDocument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading fingerprint document: %w", err)
	}
	var doc FingerprintDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing fingerprint document: %w", err)
	}
	return &doc, nil
}

// Save writes the resolved parameter document as indented JSON.
func (p *ResolvedParams) Save(path string) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling resolved params: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing resolved params: %w", err)
	}
	return nil
}
