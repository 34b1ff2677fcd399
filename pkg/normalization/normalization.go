// Package normalization implements the per-channel intensity normalization
// schemes applied before resampling. The supported schemes form a closed
// set resolved from the plan document's string identifiers; an unrecognized
// identifier is a configuration error, never a silent no-op.
package normalization

import (
	"fmt"

	"gonum.org/v1/gonum/stat"

	"nnunetprep/internal/models"
)

// Scheme identifies one of the supported normalization behaviors.
type Scheme int

const (
	// SchemeCT clips to the training-set foreground percentiles and then
	// applies a z-score using the training-set mean and std.
	SchemeCT Scheme = iota

	// SchemeZScore applies a z-score using statistics computed over the
	// volume being normalized.
	SchemeZScore

	// SchemeNone leaves the volume unchanged.
	SchemeNone
)

// Scheme identifiers as they appear in the plan document.
const (
	ctSchemeID     = "CTNormalization"
	zScoreSchemeID = "ZScoreNormalization"
	noneSchemeID   = "NoNormalization"
)

// UnsupportedSchemeError reports a normalization scheme identifier outside
// the supported set.
type UnsupportedSchemeError struct {
	// Identifier is the offending scheme name from the plan document.
	Identifier string
}

// Error implements the error interface.
func (e *UnsupportedSchemeError) Error() string {
	return fmt.Sprintf("unsupported normalization scheme %q (supported: %s, %s, %s)",
		e.Identifier, ctSchemeID, zScoreSchemeID, noneSchemeID)
}

// ParseScheme resolves a plan-document identifier to a Scheme.
func ParseScheme(identifier string) (Scheme, error) {
	switch identifier {
	case ctSchemeID:
		return SchemeCT, nil
	case zScoreSchemeID:
		return SchemeZScore, nil
	case noneSchemeID:
		return SchemeNone, nil
	default:
		return 0, &UnsupportedSchemeError{Identifier: identifier}
	}
}

// String returns the plan-document identifier for the scheme.
func (s Scheme) String() string {
	switch s {
	case SchemeCT:
		return ctSchemeID
	case SchemeZScore:
		return zScoreSchemeID
	case SchemeNone:
		return noneSchemeID
	default:
		return fmt.Sprintf("Scheme(%d)", int(s))
	}
}

// ChannelStats holds the foreground intensity statistics for one input
// channel, computed at training time and read-only here.
type ChannelStats struct {
	Mean          float64
	Std           float64
	Percentile005 float64
	Percentile995 float64
}

// stdFloor is the divisor floor preventing near-zero std amplification.
// The reference pins exactly 1e-8; a different epsilon breaks parity.
const stdFloor = 1e-8

// Normalizer applies one resolved scheme to a single channel.
type Normalizer struct {
	scheme  Scheme
	stats   ChannelStats
	useMask bool
}

// New builds a Normalizer for the given scheme identifier. stats is only
// consulted by the CT scheme; useMask restricts the z-score scheme's
// statistics to foreground (nonzero) samples.
func New(identifier string, stats ChannelStats, useMask bool) (*Normalizer, error) {
	scheme, err := ParseScheme(identifier)
	if err != nil {
		return nil, err
	}
	return &Normalizer{scheme: scheme, stats: stats, useMask: useMask}, nil
}

// Scheme returns the resolved scheme.
func (n *Normalizer) Scheme() Scheme { return n.scheme }

// Apply returns a normalized copy of the volume. The input is not modified.
func (n *Normalizer) Apply(vol *models.Volume) (*models.Volume, error) {
	out := vol.Clone()
	switch n.scheme {
	case SchemeNone:
		return out, nil
	case SchemeCT:
		n.applyCT(out)
		return out, nil
	case SchemeZScore:
		n.applyZScore(out)
		return out, nil
	default:
		return nil, &UnsupportedSchemeError{Identifier: n.scheme.String()}
	}
}

// applyCT clips every sample to the training percentile window, then
// applies (x - mean) / max(std, 1e-8). Clipping happens before the
// z-score; reversing the order changes the result.
func (n *Normalizer) applyCT(vol *models.Volume) {
	lower := float32(n.stats.Percentile005)
	upper := float32(n.stats.Percentile995)
	mean := float32(n.stats.Mean)
	div := float32(max(n.stats.Std, stdFloor))

	for i, v := range vol.Data {
		if v < lower {
			v = lower
		} else if v > upper {
			v = upper
		}
		vol.Data[i] = (v - mean) / div
	}
}

// applyZScore normalizes with statistics of the current array. When the
// channel's use-mask flag is set, the statistics cover foreground samples
// only but the transform is still applied to every sample.
func (n *Normalizer) applyZScore(vol *models.Volume) {
	samples := make([]float64, 0, len(vol.Data))
	for _, v := range vol.Data {
		if n.useMask && v == 0 {
			continue
		}
		samples = append(samples, float64(v))
	}
	if len(samples) == 0 {
		return
	}

	mean, std := stat.PopMeanStdDev(samples, nil)
	m := float32(mean)
	div := float32(max(std, stdFloor))
	for i, v := range vol.Data {
		vol.Data[i] = (v - m) / div
	}
}
