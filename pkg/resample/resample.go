// Package resample converts volumes between voxel spacings using spline
// interpolation. Highly anisotropic volumes are handled with a two-pass
// "separate-Z" decomposition: full-order interpolation in-plane, then a
// lower-order pass along the low-resolution axis, which avoids smearing
// artifacts along a heavily undersampled direction.
package resample

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"

	"nnunetprep/internal/models"
)

// Kwargs are the resampling parameters resolved from the plan document.
// The JSON field names match the plan document's kwargs blocks.
type Kwargs struct {
	// IsSeg marks the volume as a segmentation mask. Mask resampling
	// clamps the interpolation order to 1 so label values stay integral.
	IsSeg bool `json:"is_seg"`

	// Order is the spline order for full-3D and in-plane interpolation.
	Order int `json:"order"`

	// OrderZ is the spline order for the low-resolution axis when the
	// separate-Z decomposition is in effect.
	OrderZ int `json:"order_z"`

	// ForceSeparateZ overrides the anisotropy inference when non-nil.
	ForceSeparateZ *bool `json:"force_separate_z"`
}

// DegenerateTargetError reports a target shape with a non-positive
// dimension after rounding.
type DegenerateTargetError struct {
	// Shape is the rounded target shape.
	Shape [3]int

	// Axis is the first axis with a non-positive extent.
	Axis int
}

// Error implements the error interface.
func (e *DegenerateTargetError) Error() string {
	return fmt.Sprintf("degenerate resample target shape %v: axis %d has extent %d", e.Shape, e.Axis, e.Shape[e.Axis])
}

// TargetShape computes the resampled shape implied by moving from the
// current spacing to the target spacing: round(shape * current / target)
// per axis. Rounding is half-to-even, matching the reference's np.round.
func TargetShape(shape [3]int, current, target [3]float64) [3]int {
	var scale [3]float64
	floats.DivTo(scale[:], current[:], target[:])

	var out [3]int
	for axis := range out {
		out[axis] = int(math.RoundToEven(float64(shape[axis]) * scale[axis]))
	}
	return out
}

// Decide determines whether separate-Z resampling applies for the given
// current spacing, and along which axis. A non-nil ForceSeparateZ wins;
// otherwise separate-Z triggers when max(spacing)/min(spacing) exceeds
// the anisotropy threshold. The low-resolution axis is the first axis
// carrying the maximal spacing.
func Decide(spacing [3]float64, kw Kwargs, anisotropyThreshold float64) (separate bool, axis int) {
	axis = lowResAxis(spacing)
	if kw.ForceSeparateZ != nil {
		return *kw.ForceSeparateZ, axis
	}
	return floats.Max(spacing[:])/floats.Min(spacing[:]) > anisotropyThreshold, axis
}

func lowResAxis(spacing [3]float64) int {
	axis := 0
	for i := 1; i < 3; i++ {
		if spacing[i] > spacing[axis] {
			axis = i
		}
	}
	return axis
}

// ToSpacing resamples the volume to the target spacing. The output shape
// follows TargetShape; each axis scales independently, so shapes may
// change non-uniformly. Interpolated values are not re-clipped, so
// higher-order overshoot is preserved exactly as the reference produces it.
func ToSpacing(vol *models.Volume, targetSpacing [3]float64, kw Kwargs, anisotropyThreshold float64) (*models.Volume, error) {
	newShape := TargetShape(vol.Shape, vol.Spacing, targetSpacing)
	for axis, n := range newShape {
		if n <= 0 {
			return nil, &DegenerateTargetError{Shape: newShape, Axis: axis}
		}
	}
	return ToShape(vol, newShape, targetSpacing, kw, anisotropyThreshold)
}

// ToShape resamples the volume to an explicit target shape. The separate-Z
// decision is made from the volume's current spacing.
func ToShape(vol *models.Volume, newShape [3]int, targetSpacing [3]float64, kw Kwargs, anisotropyThreshold float64) (*models.Volume, error) {
	order, orderZ := kw.Order, kw.OrderZ
	if !validOrder(order) {
		return nil, &UnsupportedOrderError{Order: order}
	}
	if !validOrder(orderZ) {
		return nil, &UnsupportedOrderError{Order: orderZ}
	}
	// Segmentation masks never interpolate above linear; cubic would
	// manufacture label values that do not exist in the input.
	if kw.IsSeg {
		order = min(order, OrderLinear)
		orderZ = min(orderZ, OrderLinear)
	}

	if newShape == vol.Shape {
		out := vol.Clone()
		out.Spacing = targetSpacing
		return out, nil
	}

	separate, lowAxis := Decide(vol.Spacing, kw, anisotropyThreshold)

	var (
		out *models.Volume
		err error
	)
	if kw.IsSeg && order > OrderNearest {
		out, err = resampleLabels(vol, newShape, order, orderZ, separate, lowAxis)
	} else {
		out, err = resampleValues(vol, newShape, order, orderZ, separate, lowAxis)
	}
	if err != nil {
		return nil, err
	}
	out.Spacing = targetSpacing
	return out, nil
}

// resampleValues applies the geometric passes to a value volume. Without
// separate-Z every axis interpolates at the full order; with it the two
// in-plane axes interpolate at the full order first, keeping the original
// slice count, and the low-resolution axis follows at orderZ.
func resampleValues(vol *models.Volume, newShape [3]int, order, orderZ int, separate bool, lowAxis int) (*models.Volume, error) {
	current := vol
	if separate {
		for axis := 0; axis < 3; axis++ {
			if axis == lowAxis {
				continue
			}
			next, err := resampleAxis(current, axis, newShape[axis], order)
			if err != nil {
				return nil, err
			}
			current = next
		}
		return resampleAxis(current, lowAxis, newShape[lowAxis], orderZ)
	}

	for axis := 0; axis < 3; axis++ {
		next, err := resampleAxis(current, axis, newShape[axis], order)
		if err != nil {
			return nil, err
		}
		current = next
	}
	return current, nil
}

// resampleLabels resamples a segmentation mask at linear order without
// producing fractional labels: each distinct label becomes a binary
// indicator volume, the indicator is resampled through the same geometric
// passes, and output voxels where it reaches 0.5 take the label. Labels
// are visited in ascending order, so later labels win contested voxels,
// matching the reference segmentation resize.
func resampleLabels(vol *models.Volume, newShape [3]int, order, orderZ int, separate bool, lowAxis int) (*models.Volume, error) {
	labels := uniqueLabels(vol.Data)
	out := models.NewVolume(newShape, vol.Spacing)

	indicator := models.NewVolume(vol.Shape, vol.Spacing)
	for _, label := range labels {
		for i, v := range vol.Data {
			if v == label {
				indicator.Data[i] = 1
			} else {
				indicator.Data[i] = 0
			}
		}
		resized, err := resampleValues(indicator, newShape, order, orderZ, separate, lowAxis)
		if err != nil {
			return nil, err
		}
		for i, v := range resized.Data {
			if v >= 0.5 {
				out.Data[i] = label
			}
		}
	}
	return out, nil
}

func uniqueLabels(data []float32) []float32 {
	seen := make(map[float32]struct{})
	for _, v := range data {
		seen[v] = struct{}{}
	}
	labels := make([]float32, 0, len(seen))
	for v := range seen {
		labels = append(labels, v)
	}
	sort.Slice(labels, func(i, j int) bool { return labels[i] < labels[j] })
	return labels
}

// resampleAxis resamples the volume along a single axis to newLen samples,
// leaving the other axes untouched. A pass whose length does not change is
// the identity and returns a copy.
func resampleAxis(vol *models.Volume, axis, newLen, order int) (*models.Volume, error) {
	n := vol.Shape[axis]
	if n == newLen {
		return vol.Clone(), nil
	}

	lr, err := newLineResampler(n, newLen, order)
	if err != nil {
		return nil, err
	}

	outShape := vol.Shape
	outShape[axis] = newLen
	out := models.NewVolume(outShape, vol.Spacing)

	inStride := strides(vol.Shape)
	outStride := strides(outShape)

	// The two axes the pass leaves untouched.
	oa, ob := otherAxes(axis)

	in := make([]float64, n)
	res := make([]float64, newLen)
	for i := 0; i < vol.Shape[oa]; i++ {
		for j := 0; j < vol.Shape[ob]; j++ {
			inBase := i*inStride[oa] + j*inStride[ob]
			outBase := i*outStride[oa] + j*outStride[ob]
			for k := 0; k < n; k++ {
				in[k] = float64(vol.Data[inBase+k*inStride[axis]])
			}
			if err := lr.resample(in, res); err != nil {
				return nil, err
			}
			for k := 0; k < newLen; k++ {
				out.Data[outBase+k*outStride[axis]] = float32(res[k])
			}
		}
	}
	return out, nil
}

func strides(shape [3]int) [3]int {
	return [3]int{shape[1] * shape[2], shape[2], 1}
}

func otherAxes(axis int) (int, int) {
	switch axis {
	case 0:
		return 1, 2
	case 1:
		return 0, 2
	default:
		return 0, 1
	}
}
