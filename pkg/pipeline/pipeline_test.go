package pipeline

import (
	"math/rand"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nnunetprep/internal/models"
	"nnunetprep/pkg/fixture"
	"nnunetprep/pkg/params"
	"nnunetprep/pkg/transform"
)

func float64p(v float64) *float64 { return &v }

// ctParams resolves the end-to-end scenario configuration: CT
// normalization with the reference statistics, target spacing
// (1.0, 0.5, 0.5), identity transpose.
func ctParams(t *testing.T) *params.ResolvedParams {
	t.Helper()
	plan := &params.PlanDocument{
		Configurations: map[string]params.PlanConfiguration{
			"3d_fullres": {
				Spacing:              []float64{1.0, 0.5, 0.5},
				PatchSize:            []int{64, 128, 128},
				NormalizationSchemes: []string{"CTNormalization"},
			},
		},
	}
	fingerprint := &params.FingerprintDocument{
		ForegroundIntensityProperties: map[string]params.ChannelProperties{
			"0": {
				Mean:          float64p(100.5),
				Std:           float64p(50.2),
				Percentile005: float64p(-1024.0),
				Percentile995: float64p(1500.0),
			},
		},
		Spacing: []float64{2.5, 0.7, 0.7},
	}
	resolved, err := params.Resolve(plan, fingerprint, "3d_fullres")
	require.NoError(t, err)
	return resolved
}

func phantom(seed int64) *models.Volume {
	rng := rand.New(rand.NewSource(seed))
	return SyntheticVolume([3]int{32, 64, 64}, [3]float64{2.5, 0.7, 0.7}, rng)
}

func TestPipelineEndToEndScenario(t *testing.T) {
	p := New(ctParams(t))
	vol := phantom(42)

	result, err := p.Run(vol, "synthetic_volume")
	require.NoError(t, err)

	// Resampled shape follows round(shape * spacing / target) per axis:
	// round((32,64,64) * (2.5,0.7,0.7) / (1.0,0.5,0.5)) = (80,90,90).
	assert.Equal(t, [3]int{80, 90, 90}, result.Volume.Shape)
	assert.Equal(t, [3]float64{1.0, 0.5, 0.5}, result.Volume.Spacing)

	// The phantom fills every voxel (air background is nonzero), so the
	// crop box covers the full extent.
	assert.Equal(t, models.FullExtent([3]int{32, 64, 64}), result.BBox)

	require.NotNil(t, result.Bundle)
	require.Len(t, result.Bundle.Snapshots, 5)
	wantOrder := []string{
		fixture.StageRaw, fixture.StageTransposed, fixture.StageCropped,
		fixture.StageNormalized, fixture.StageResampled,
	}
	for i, snap := range result.Bundle.Snapshots {
		assert.Equal(t, wantOrder[i], snap.Name)
	}
	assert.Len(t, result.Bundle.Checksums, 5)

	// Normalized samples stay within the clipped, z-scored window
	// [(-1024-100.5)/50.2, (1500-100.5)/50.2].
	lower := (-1024.0 - 100.5) / 50.2
	upper := (1500.0 - 100.5) / 50.2
	var normalized *fixture.Snapshot
	for _, snap := range result.Bundle.Snapshots {
		if snap.Name == fixture.StageNormalized {
			normalized = snap
		}
	}
	require.NotNil(t, normalized)
	for _, v := range normalized.Data {
		assert.GreaterOrEqual(t, float64(v), lower-1e-4)
		assert.LessOrEqual(t, float64(v), upper+1e-4)
	}

	// Crop stage records its bounding box; resample stage records its
	// spacings and kwargs.
	meta := result.Bundle.Metadata()
	assert.Equal(t, [][2]int{{0, 32}, {0, 64}, {0, 64}}, meta.Stages[fixture.StageCropped].BBox)
	assert.Equal(t, []float64{1.0, 0.5, 0.5}, meta.Stages[fixture.StageResampled].TargetSpacing)
	assert.Equal(t, []float64{2.5, 0.7, 0.7}, meta.Stages[fixture.StageResampled].OriginalSpacing)
	require.NotNil(t, meta.Stages[fixture.StageResampled].ResampleKwargs)
	assert.Equal(t, 3, meta.Stages[fixture.StageResampled].ResampleKwargs.Order)
}

func TestPipelineDeterminism(t *testing.T) {
	p := New(ctParams(t))

	first, err := p.Run(phantom(42), "synthetic_volume")
	require.NoError(t, err)
	second, err := p.Run(phantom(42), "synthetic_volume")
	require.NoError(t, err)

	// Identical inputs produce byte-identical checksums at every stage.
	assert.Equal(t, first.Bundle.Checksums, second.Bundle.Checksums)
	assert.Equal(t, first.Volume.Data, second.Volume.Data)

	// Distinct runs are distinct bundles.
	assert.NotEqual(t, first.Bundle.RunID, second.Bundle.RunID)
}

func TestPipelineSeedChangesOutput(t *testing.T) {
	p := New(ctParams(t))

	first, err := p.Run(phantom(42), "synthetic_volume")
	require.NoError(t, err)
	second, err := p.Run(phantom(43), "synthetic_volume")
	require.NoError(t, err)

	assert.NotEqual(t, first.Bundle.Checksums[fixture.StageRaw], second.Bundle.Checksums[fixture.StageRaw])
}

func TestPipelineFixtureCaptureDisabled(t *testing.T) {
	p := New(ctParams(t), WithFixtureCapture(false))

	result, err := p.Run(phantom(42), "synthetic_volume")
	require.NoError(t, err)
	assert.Nil(t, result.Bundle)
	assert.Equal(t, [3]int{80, 90, 90}, result.Volume.Shape)
}

func TestPipelineFailsFastOnBadPermutation(t *testing.T) {
	resolved := ctParams(t)
	resolved.TransposeForward = []int{0, 0, 1}
	p := New(resolved)

	_, err := p.Run(phantom(42), "synthetic_volume")
	assert.Error(t, err)
}

func TestRestoreAxesInvertsForwardTranspose(t *testing.T) {
	resolved := ctParams(t)
	resolved.TransposeForward = []int{2, 0, 1}
	resolved.TransposeBackward = []int{1, 2, 0}
	p := New(resolved)

	vol := phantom(7)
	transposed, err := transform.Transpose(vol, resolved.TransposeForward)
	require.NoError(t, err)

	restored, err := p.RestoreAxes(transposed)
	require.NoError(t, err)
	assert.Equal(t, vol.Shape, restored.Shape)
	assert.Equal(t, vol.Data, restored.Data)
}

// TestPipelineGoldenChecksums pins the per-stage checksums of a fully
// deterministic unit volume: identity transpose, no foreground to crop
// away, identity normalization and an identity resample leave the samples
// 1..8 untouched at every stage boundary.
func TestPipelineGoldenChecksums(t *testing.T) {
	plan := &params.PlanDocument{
		Configurations: map[string]params.PlanConfiguration{
			"unit": {
				Spacing:              []float64{1, 1, 1},
				PatchSize:            []int{2, 2, 2},
				NormalizationSchemes: []string{"NoNormalization"},
			},
		},
	}
	resolved, err := params.Resolve(plan, &params.FingerprintDocument{}, "unit")
	require.NoError(t, err)

	vol := models.NewVolume([3]int{2, 2, 2}, [3]float64{1, 1, 1})
	copy(vol.Data, []float32{1, 2, 3, 4, 5, 6, 7, 8})

	result, err := New(resolved).Run(vol, "unit_volume")
	require.NoError(t, err)

	data, err := result.Bundle.ChecksumsJSON()
	require.NoError(t, err)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "checksums", data)
}
