// Package transform implements the spatial rearrangement stages of the
// preprocessing pipeline: axis transposition and foreground cropping.
// Both operate out-of-place and leave their input volume untouched.
package transform

import (
	"fmt"

	"nnunetprep/internal/models"
)

// InvalidPermutationError reports a transpose permutation that is not a
// bijection on {0, 1, 2}.
type InvalidPermutationError struct {
	// Perm is the offending permutation as supplied.
	Perm []int
}

// Error implements the error interface.
func (e *InvalidPermutationError) Error() string {
	return fmt.Sprintf("invalid axis permutation %v: must be a permutation of [0 1 2]", e.Perm)
}

// ValidatePermutation checks that perm is a 3-element bijection on {0, 1, 2}.
func ValidatePermutation(perm []int) error {
	if len(perm) != 3 {
		return &InvalidPermutationError{Perm: perm}
	}
	var seen [3]bool
	for _, p := range perm {
		if p < 0 || p > 2 || seen[p] {
			return &InvalidPermutationError{Perm: perm}
		}
		seen[p] = true
	}
	return nil
}

// Transpose returns a new volume whose axes and spacing components are
// reordered by perm: output axis i is input axis perm[i]. Applying the
// backward permutation afterwards restores the original volume exactly,
// which is how axis order is recovered after inference.
func Transpose(vol *models.Volume, perm []int) (*models.Volume, error) {
	if err := ValidatePermutation(perm); err != nil {
		return nil, err
	}

	shape := [3]int{vol.Shape[perm[0]], vol.Shape[perm[1]], vol.Shape[perm[2]]}
	spacing := [3]float64{vol.Spacing[perm[0]], vol.Spacing[perm[1]], vol.Spacing[perm[2]]}
	out := models.NewVolume(shape, spacing)

	// src holds the input coordinate for each output coordinate.
	var src [3]int
	idx := 0
	for i := 0; i < shape[0]; i++ {
		src[perm[0]] = i
		for j := 0; j < shape[1]; j++ {
			src[perm[1]] = j
			for k := 0; k < shape[2]; k++ {
				src[perm[2]] = k
				out.Data[idx] = vol.At(src[0], src[1], src[2])
				idx++
			}
		}
	}
	return out, nil
}
