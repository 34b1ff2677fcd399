// Package fixture captures per-stage snapshots of a preprocessing run and
// persists them as an immutable bundle for cross-implementation parity
// checking. A bundle holds one NPY array per stage, a metadata document
// describing shapes, spacings and stage-specific details, and a content
// checksum per stage.
package fixture

import (
	"crypto/md5"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"nnunetprep/internal/models"
	"nnunetprep/pkg/resample"
)

// Stage names in pipeline order.
const (
	StageRaw        = "01_raw"
	StageTransposed = "02_transposed"
	StageCropped    = "03_cropped"
	StageNormalized = "04_normalized"
	StageResampled  = "05_resampled"
)

// MetadataFile is the name of the bundle's metadata document.
const MetadataFile = "fixture_metadata.json"

// Checksum returns the MD5 content hash of the samples as little-endian
// float32 bytes. Hashing a fixed-width representation keeps checksums
// comparable across implementations regardless of their working precision.
func Checksum(data []float32) string {
	h := md5.New()
	var buf [4]byte
	for _, v := range data {
		binary.LittleEndian.PutUint32(buf[:], math.Float32bits(v))
		h.Write(buf[:])
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}

// StageMeta describes one stage in the bundle metadata document. Fields
// not applicable to a stage are omitted from the JSON.
type StageMeta struct {
	Shape           []int            `json:"shape"`
	Spacing         []float64        `json:"spacing,omitempty"`
	Dtype           string           `json:"dtype,omitempty"`
	TransposeAxes   []int            `json:"transpose_axes,omitempty"`
	BBox            [][2]int         `json:"bbox,omitempty"`
	Mean            *float64         `json:"mean,omitempty"`
	Std             *float64         `json:"std,omitempty"`
	Min             *float64         `json:"min,omitempty"`
	Max             *float64         `json:"max,omitempty"`
	TargetSpacing   []float64        `json:"target_spacing,omitempty"`
	OriginalSpacing []float64        `json:"original_spacing,omitempty"`
	ResampleKwargs  *resample.Kwargs `json:"resample_kwargs,omitempty"`
}

// BBoxMeta converts a bounding box to its metadata representation, one
// [first, last+1) pair per axis.
func BBoxMeta(bbox models.BoundingBox) [][2]int {
	out := make([][2]int, len(bbox))
	for i, iv := range bbox {
		out[i] = [2]int{iv.Start, iv.Stop}
	}
	return out
}

// SummaryStats computes the mean, population std, min and max of the
// samples, as recorded for the normalized stage.
func SummaryStats(data []float32) (mean, std, min, max float64) {
	xs := make([]float64, len(data))
	for i, v := range data {
		xs[i] = float64(v)
	}
	mean, std = stat.PopMeanStdDev(xs, nil)
	return mean, std, floats.Min(xs), floats.Max(xs)
}

// Float64p is a convenience for the optional metadata statistics fields.
func Float64p(v float64) *float64 { return &v }

// Snapshot is a write-once capture of a stage boundary: the stage name,
// a private copy of the samples, and the stage metadata.
type Snapshot struct {
	Name string
	Data []float32
	Meta StageMeta
}

// Recorder accumulates stage snapshots in pipeline order. Each name may be
// captured once; snapshots are never mutated after capture.
type Recorder struct {
	snapshots []*Snapshot
	captured  map[string]bool
}

// NewRecorder returns an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{captured: map[string]bool{}}
}

// Capture copies the volume's samples and records them under the stage
// name. Capturing the same name twice is an error: snapshots are
// write-once.
func (r *Recorder) Capture(name string, vol *models.Volume, meta StageMeta) error {
	if r.captured[name] {
		return fmt.Errorf("stage %q already captured; snapshots are write-once", name)
	}
	data := make([]float32, len(vol.Data))
	copy(data, vol.Data)
	if meta.Shape == nil {
		meta.Shape = []int{vol.Shape[0], vol.Shape[1], vol.Shape[2]}
	}
	r.snapshots = append(r.snapshots, &Snapshot{Name: name, Data: data, Meta: meta})
	r.captured[name] = true
	return nil
}

// Snapshots returns the captured snapshots in capture order.
func (r *Recorder) Snapshots() []*Snapshot { return r.snapshots }

// Bundle is the immutable artifact of one pipeline run.
type Bundle struct {
	RunID         string
	InputFile     string
	Configuration string
	Snapshots     []*Snapshot
	Checksums     map[string]string
}

// Metadata is the JSON shape of the bundle's metadata document.
type Metadata struct {
	InputFile     string               `json:"input_file"`
	Configuration string               `json:"configuration"`
	RunID         string               `json:"run_id"`
	Stages        map[string]StageMeta `json:"stages"`
	Checksums     map[string]string    `json:"checksums"`
}

// Bundle seals the recorder into a bundle: checksums are computed for
// every snapshot and the bundle receives a fresh run id. The recorder's
// snapshots are handed over; a new run needs a new recorder.
func (r *Recorder) Bundle(inputFile, configuration string) *Bundle {
	checksums := make(map[string]string, len(r.snapshots))
	for _, snap := range r.snapshots {
		checksums[snap.Name] = Checksum(snap.Data)
	}
	return &Bundle{
		RunID:         uuid.NewString(),
		InputFile:     inputFile,
		Configuration: configuration,
		Snapshots:     r.snapshots,
		Checksums:     checksums,
	}
}

// Metadata assembles the bundle's metadata document.
func (b *Bundle) Metadata() Metadata {
	stages := make(map[string]StageMeta, len(b.Snapshots))
	for _, snap := range b.Snapshots {
		stages[snap.Name] = snap.Meta
	}
	return Metadata{
		InputFile:     b.InputFile,
		Configuration: b.Configuration,
		RunID:         b.RunID,
		Stages:        stages,
		Checksums:     b.Checksums,
	}
}

// ChecksumsJSON returns the checksum map as indented JSON, the form used
// for golden-file comparison between implementations.
func (b *Bundle) ChecksumsJSON() ([]byte, error) {
	return json.MarshalIndent(b.Checksums, "", "  ")
}

// Write persists the bundle under dir: one NPY file per stage plus the
// metadata document. Bundles are immutable; writing into a directory that
// already holds a metadata document is refused rather than amending it.
func (b *Bundle) Write(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating fixture directory: %w", err)
	}
	metaPath := filepath.Join(dir, MetadataFile)
	if _, err := os.Stat(metaPath); err == nil {
		return fmt.Errorf("fixture bundle already exists at %s; bundles are immutable", dir)
	}

	for _, snap := range b.Snapshots {
		var shape [3]int
		copy(shape[:], snap.Meta.Shape)
		path := filepath.Join(dir, snap.Name+".npy")
		if err := SaveNPY(path, snap.Data, shape); err != nil {
			return fmt.Errorf("writing stage %s: %w", snap.Name, err)
		}
	}

	data, err := json.MarshalIndent(b.Metadata(), "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling fixture metadata: %w", err)
	}
	if err := os.WriteFile(metaPath, data, 0644); err != nil {
		return fmt.Errorf("writing fixture metadata: %w", err)
	}
	return nil
}
