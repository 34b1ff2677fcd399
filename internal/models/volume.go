// Package models defines the shared data types passed between pipeline stages.
package models

import "fmt"

// Volume represents a 3D medical volume held wholly in memory.
type Volume struct {
	// Data is the volume samples as a 1D array in row-major order
	// (depth, then height, then width): Data[(z*Shape[1]+y)*Shape[2]+x].
	Data []float32

	// Shape is the number of samples along each axis (depth, height, width).
	Shape [3]int

	// Spacing is the physical distance in mm between adjacent samples
	// along each axis, in the same axis order as Shape.
	Spacing [3]float64
}

// NewVolume allocates a zero-filled volume with the given shape and spacing.
func NewVolume(shape [3]int, spacing [3]float64) *Volume {
	return &Volume{
		Data:    make([]float32, shape[0]*shape[1]*shape[2]),
		Shape:   shape,
		Spacing: spacing,
	}
}

// NumVoxels returns the total number of samples in the volume.
func (v *Volume) NumVoxels() int {
	return v.Shape[0] * v.Shape[1] * v.Shape[2]
}

// Index returns the flat index of the sample at (z, y, x).
func (v *Volume) Index(z, y, x int) int {
	return (z*v.Shape[1]+y)*v.Shape[2] + x
}

// At returns the sample at (z, y, x).
func (v *Volume) At(z, y, x int) float32 {
	return v.Data[(z*v.Shape[1]+y)*v.Shape[2]+x]
}

// Set stores a sample at (z, y, x).
func (v *Volume) Set(z, y, x int, value float32) {
	v.Data[(z*v.Shape[1]+y)*v.Shape[2]+x] = value
}

// Clone returns a deep copy of the volume. Stages operate out-of-place, so
// downstream mutation never aliases an earlier stage's data.
func (v *Volume) Clone() *Volume {
	data := make([]float32, len(v.Data))
	copy(data, v.Data)
	return &Volume{Data: data, Shape: v.Shape, Spacing: v.Spacing}
}

// Validate checks the Volume invariants: sample count consistent with the
// shape, and strictly positive spacing on every axis.
func (v *Volume) Validate() error {
	if n := v.NumVoxels(); n != len(v.Data) {
		return fmt.Errorf("volume data has %d samples, shape %v implies %d", len(v.Data), v.Shape, n)
	}
	for axis, s := range v.Spacing {
		if s <= 0 {
			return fmt.Errorf("volume spacing must be positive, axis %d has %v", axis, s)
		}
	}
	return nil
}

// Interval is a closed-open index range [Start, Stop) along one axis.
type Interval struct {
	Start int
	Stop  int
}

// Len returns the number of indices covered by the interval.
func (iv Interval) Len() int { return iv.Stop - iv.Start }

// BoundingBox is an axis-aligned box, one closed-open interval per axis.
type BoundingBox [3]Interval

// Shape returns the extent of the box along each axis.
func (b BoundingBox) Shape() [3]int {
	return [3]int{b[0].Len(), b[1].Len(), b[2].Len()}
}

// Contains reports whether the voxel (z, y, x) lies inside the box.
func (b BoundingBox) Contains(z, y, x int) bool {
	return z >= b[0].Start && z < b[0].Stop &&
		y >= b[1].Start && y < b[1].Stop &&
		x >= b[2].Start && x < b[2].Stop
}

// FullExtent returns the bounding box covering an entire volume of the
// given shape. Used when the foreground mask is empty and no crop applies.
func FullExtent(shape [3]int) BoundingBox {
	return BoundingBox{
		{Start: 0, Stop: shape[0]},
		{Start: 0, Stop: shape[1]},
		{Start: 0, Stop: shape[2]},
	}
}
