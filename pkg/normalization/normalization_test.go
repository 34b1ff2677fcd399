package normalization

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nnunetprep/internal/models"
)

func TestParseScheme(t *testing.T) {
	for id, want := range map[string]Scheme{
		"CTNormalization":     SchemeCT,
		"ZScoreNormalization": SchemeZScore,
		"NoNormalization":     SchemeNone,
	} {
		scheme, err := ParseScheme(id)
		require.NoError(t, err)
		assert.Equal(t, want, scheme)
		assert.Equal(t, id, scheme.String())
	}
}

func TestParseSchemeUnsupported(t *testing.T) {
	_, err := ParseScheme("RescaleTo01Normalization")
	require.Error(t, err)

	var unsupported *UnsupportedSchemeError
	require.True(t, errors.As(err, &unsupported))
	assert.Equal(t, "RescaleTo01Normalization", unsupported.Identifier)
}

func TestCTNormalizationClipsThenScales(t *testing.T) {
	stats := ChannelStats{Mean: 100.5, Std: 50.2, Percentile005: -1024, Percentile995: 1500}
	norm, err := New("CTNormalization", stats, false)
	require.NoError(t, err)

	vol := models.NewVolume([3]int{1, 1, 5}, [3]float64{1, 1, 1})
	copy(vol.Data, []float32{-3000, -1024, 0, 1500, 9000})

	out, err := norm.Apply(vol)
	require.NoError(t, err)

	lowerBound := (stats.Percentile005 - stats.Mean) / stats.Std
	upperBound := (stats.Percentile995 - stats.Mean) / stats.Std

	// Out-of-window samples clip to the window edges before the z-score.
	assert.InEpsilon(t, lowerBound, float64(out.Data[0]), 1e-5)
	assert.InEpsilon(t, lowerBound, float64(out.Data[1]), 1e-5)
	assert.InEpsilon(t, (0-stats.Mean)/stats.Std, float64(out.Data[2]), 1e-5)
	assert.InEpsilon(t, upperBound, float64(out.Data[3]), 1e-5)
	assert.InEpsilon(t, upperBound, float64(out.Data[4]), 1e-5)

	// Every output value sits inside the normalized window.
	for i, v := range out.Data {
		assert.GreaterOrEqual(t, float64(v), lowerBound-1e-5, "sample %d", i)
		assert.LessOrEqual(t, float64(v), upperBound+1e-5, "sample %d", i)
	}

	// Input untouched.
	assert.Equal(t, float32(-3000), vol.Data[0])
}

func TestCTNormalizationStdFloor(t *testing.T) {
	// A zero std must divide by the 1e-8 floor, not by zero.
	stats := ChannelStats{Mean: 5, Std: 0, Percentile005: 0, Percentile995: 10}
	norm, err := New("CTNormalization", stats, false)
	require.NoError(t, err)

	vol := models.NewVolume([3]int{1, 1, 2}, [3]float64{1, 1, 1})
	copy(vol.Data, []float32{5, 6})

	out, err := norm.Apply(vol)
	require.NoError(t, err)

	assert.Equal(t, float32(0), out.Data[0])
	assert.False(t, math.IsNaN(float64(out.Data[1])))
	assert.False(t, math.IsInf(float64(out.Data[1]), 0))
	assert.InEpsilon(t, 1/1e-8, float64(out.Data[1]), 1e-3)
}

func TestZScoreNormalizationUsesCurrentArray(t *testing.T) {
	norm, err := New("ZScoreNormalization", ChannelStats{}, false)
	require.NoError(t, err)

	vol := models.NewVolume([3]int{2, 2, 2}, [3]float64{1, 1, 1})
	copy(vol.Data, []float32{2, 4, 6, 8, 10, 12, 14, 16})

	out, err := norm.Apply(vol)
	require.NoError(t, err)

	// Mean 9, population std sqrt(21).
	std := math.Sqrt(21)
	for i, v := range vol.Data {
		want := (float64(v) - 9) / std
		assert.InDelta(t, want, float64(out.Data[i]), 1e-5, "sample %d", i)
	}
}

func TestZScoreNormalizationWithMask(t *testing.T) {
	norm, err := New("ZScoreNormalization", ChannelStats{}, true)
	require.NoError(t, err)

	vol := models.NewVolume([3]int{1, 2, 2}, [3]float64{1, 1, 1})
	copy(vol.Data, []float32{0, 0, 4, 8})

	out, err := norm.Apply(vol)
	require.NoError(t, err)

	// Statistics over foreground {4, 8} only: mean 6, population std 2.
	// The transform still applies to every sample, background included.
	assert.InDelta(t, -3, float64(out.Data[0]), 1e-5)
	assert.InDelta(t, -3, float64(out.Data[1]), 1e-5)
	assert.InDelta(t, -1, float64(out.Data[2]), 1e-5)
	assert.InDelta(t, 1, float64(out.Data[3]), 1e-5)
}

func TestNoNormalizationIsIdentity(t *testing.T) {
	norm, err := New("NoNormalization", ChannelStats{}, false)
	require.NoError(t, err)

	vol := models.NewVolume([3]int{1, 1, 4}, [3]float64{1, 1, 1})
	copy(vol.Data, []float32{-5, 0, 3.25, 1e6})

	out, err := norm.Apply(vol)
	require.NoError(t, err)
	assert.Equal(t, vol.Data, out.Data)
}
