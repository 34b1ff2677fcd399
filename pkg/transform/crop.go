package transform

import (
	"nnunetprep/internal/models"
)

// CropToNonzero computes the tightest axis-aligned bounding box containing
// every nonzero sample and returns the volume cropped to it, together with
// the box. The foreground test is exact equality with zero, matching the
// reference mask definition, not a tolerance test.
//
// If the volume contains no nonzero sample the box covers the full extent
// of every axis and the returned volume is an unchanged copy.
func CropToNonzero(vol *models.Volume) (*models.Volume, models.BoundingBox, error) {
	bbox, any := nonzeroBoundingBox(vol)
	if !any {
		return vol.Clone(), models.FullExtent(vol.Shape), nil
	}

	out := models.NewVolume(bbox.Shape(), vol.Spacing)
	idx := 0
	for z := bbox[0].Start; z < bbox[0].Stop; z++ {
		for y := bbox[1].Start; y < bbox[1].Stop; y++ {
			rowStart := vol.Index(z, y, bbox[2].Start)
			row := vol.Data[rowStart : rowStart+bbox[2].Len()]
			copy(out.Data[idx:idx+len(row)], row)
			idx += len(row)
		}
	}
	return out, bbox, nil
}

// nonzeroBoundingBox finds, per axis, the minimal closed-open interval
// [first, last+1) covering the projection of the nonzero mask onto that
// axis. The second return is false when the mask is entirely empty.
func nonzeroBoundingBox(vol *models.Volume) (models.BoundingBox, bool) {
	var lo, hi [3]int
	for axis := range lo {
		lo[axis] = vol.Shape[axis]
		hi[axis] = -1
	}

	idx := 0
	for z := 0; z < vol.Shape[0]; z++ {
		for y := 0; y < vol.Shape[1]; y++ {
			for x := 0; x < vol.Shape[2]; x++ {
				if vol.Data[idx] != 0 {
					coords := [3]int{z, y, x}
					for axis, c := range coords {
						if c < lo[axis] {
							lo[axis] = c
						}
						if c > hi[axis] {
							hi[axis] = c
						}
					}
				}
				idx++
			}
		}
	}

	if hi[0] < 0 {
		return models.BoundingBox{}, false
	}
	var bbox models.BoundingBox
	for axis := range bbox {
		bbox[axis] = models.Interval{Start: lo[axis], Stop: hi[axis] + 1}
	}
	return bbox, true
}
