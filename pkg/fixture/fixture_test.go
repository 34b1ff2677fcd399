package fixture

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nnunetprep/internal/models"
)

func testVolume() *models.Volume {
	vol := models.NewVolume([3]int{2, 2, 2}, [3]float64{1, 1, 1})
	copy(vol.Data, []float32{1, 2, 3, 4, 5, 6, 7, 8})
	return vol
}

func TestChecksumKnownValue(t *testing.T) {
	// MD5 of the samples 1..8 as little-endian float32 bytes, matching
	// the reference generator's md5(array.astype(float32).tobytes()).
	sum := Checksum([]float32{1, 2, 3, 4, 5, 6, 7, 8})
	assert.Equal(t, "231cc52f6e0bf343759e04ea7e52c18d", sum)
}

func TestChecksumIsOrderSensitive(t *testing.T) {
	a := Checksum([]float32{1, 2, 3})
	b := Checksum([]float32{3, 2, 1})
	assert.NotEqual(t, a, b)
}

func TestRecorderCapturesInOrder(t *testing.T) {
	rec := NewRecorder()
	vol := testVolume()

	require.NoError(t, rec.Capture(StageRaw, vol, StageMeta{Spacing: vol.Spacing[:]}))
	require.NoError(t, rec.Capture(StageTransposed, vol, StageMeta{}))

	snaps := rec.Snapshots()
	require.Len(t, snaps, 2)
	assert.Equal(t, StageRaw, snaps[0].Name)
	assert.Equal(t, StageTransposed, snaps[1].Name)
	assert.Equal(t, []int{2, 2, 2}, snaps[0].Meta.Shape)
}

func TestRecorderSnapshotsAreWriteOnce(t *testing.T) {
	rec := NewRecorder()
	vol := testVolume()

	require.NoError(t, rec.Capture(StageRaw, vol, StageMeta{}))
	err := rec.Capture(StageRaw, vol, StageMeta{})
	assert.Error(t, err)
}

func TestRecorderCopiesSamples(t *testing.T) {
	rec := NewRecorder()
	vol := testVolume()
	require.NoError(t, rec.Capture(StageRaw, vol, StageMeta{}))

	// Mutating the volume afterwards must not alter the snapshot.
	vol.Data[0] = -999
	assert.Equal(t, float32(1), rec.Snapshots()[0].Data[0])
}

func TestBundleChecksumsAndMetadata(t *testing.T) {
	rec := NewRecorder()
	vol := testVolume()
	require.NoError(t, rec.Capture(StageRaw, vol, StageMeta{Spacing: vol.Spacing[:], Dtype: "float32"}))
	require.NoError(t, rec.Capture(StageCropped, vol, StageMeta{BBox: [][2]int{{0, 2}, {0, 2}, {0, 2}}}))

	bundle := rec.Bundle("synthetic_volume", "3d_fullres")
	assert.NotEmpty(t, bundle.RunID)
	assert.Equal(t, "231cc52f6e0bf343759e04ea7e52c18d", bundle.Checksums[StageRaw])

	meta := bundle.Metadata()
	assert.Equal(t, "synthetic_volume", meta.InputFile)
	assert.Equal(t, "3d_fullres", meta.Configuration)
	assert.Equal(t, bundle.RunID, meta.RunID)
	assert.Contains(t, meta.Stages, StageRaw)
	assert.Equal(t, [][2]int{{0, 2}, {0, 2}, {0, 2}}, meta.Stages[StageCropped].BBox)
}

func TestBundleWriteAndImmutability(t *testing.T) {
	rec := NewRecorder()
	vol := testVolume()
	require.NoError(t, rec.Capture(StageRaw, vol, StageMeta{Spacing: vol.Spacing[:]}))
	bundle := rec.Bundle("synthetic_volume", "3d_fullres")

	dir := t.TempDir()
	require.NoError(t, bundle.Write(dir))

	_, err := os.Stat(filepath.Join(dir, StageRaw+".npy"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, MetadataFile))
	assert.NoError(t, err)

	// A second write into the same directory is refused: bundles are
	// immutable artifacts, never amended in place.
	err = bundle.Write(dir)
	assert.Error(t, err)
}

func TestNPYRoundTrip(t *testing.T) {
	vol := models.NewVolume([3]int{3, 4, 5}, [3]float64{1, 1, 1})
	for i := range vol.Data {
		vol.Data[i] = float32(i)*0.5 - 7
	}

	path := filepath.Join(t.TempDir(), "volume.npy")
	require.NoError(t, SaveNPY(path, vol.Data, vol.Shape))

	loaded, err := LoadNPY(path)
	require.NoError(t, err)
	assert.Equal(t, vol.Shape, loaded.Shape)
	assert.Equal(t, vol.Data, loaded.Data)
}

func TestNPYHeaderIsPadded(t *testing.T) {
	path := filepath.Join(t.TempDir(), "volume.npy")
	require.NoError(t, SaveNPY(path, []float32{1, 2, 3, 4, 5, 6, 7, 8}, [3]int{2, 2, 2}))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	// Header block (magic + version + length + text) is 64-byte aligned
	// and newline-terminated, per the NPY 1.0 format.
	headerLen := int(raw[8]) | int(raw[9])<<8
	total := 10 + headerLen
	assert.Equal(t, 0, total%64)
	assert.Equal(t, byte('\n'), raw[total-1])
	assert.Equal(t, 4*8, len(raw)-total)
}

func TestLoadNPYRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.npy")
	require.NoError(t, os.WriteFile(path, []byte("not an npy file"), 0644))

	_, err := LoadNPY(path)
	assert.Error(t, err)
}
