package pipeline

import (
	"math"
	"math/rand"

	"nnunetprep/internal/models"
)

// Synthetic phantom intensities, in Hounsfield-like units: a soft-tissue
// sphere wrapped in a bone shell, over an air background. The constants
// match the reference synthetic fixture generator.
const (
	phantomTissueRadius = 15.0
	phantomBoneRadius   = 20.0

	phantomTissueMean = 50.0
	phantomTissueStd  = 20.0
	phantomBoneMean   = 500.0
	phantomBoneStd    = 50.0
	phantomAirMean    = -1000.0
	phantomAirStd     = 10.0
)

// SyntheticVolume builds a reproducible CT-like phantom for fixture
// generation when no real volume is available. The random generator is
// supplied by the caller; two generators seeded identically produce
// byte-identical phantoms, and no global random state is touched.
func SyntheticVolume(shape [3]int, spacing [3]float64, rng *rand.Rand) *models.Volume {
	vol := models.NewVolume(shape, spacing)

	cz := float64(shape[0] / 2)
	cy := float64(shape[1] / 2)
	cx := float64(shape[2] / 2)

	idx := 0
	for z := 0; z < shape[0]; z++ {
		for y := 0; y < shape[1]; y++ {
			for x := 0; x < shape[2]; x++ {
				dz := float64(z) - cz
				dy := float64(y) - cy
				dx := float64(x) - cx
				dist := math.Sqrt(dz*dz + dy*dy + dx*dx)
				switch {
				case dist < phantomTissueRadius:
					vol.Data[idx] = float32(phantomTissueMean + rng.NormFloat64()*phantomTissueStd)
				case dist < phantomBoneRadius:
					vol.Data[idx] = float32(phantomBoneMean + rng.NormFloat64()*phantomBoneStd)
				}
				idx++
			}
		}
	}

	// Fill the remaining background with air. Done as a second pass over
	// the zero samples, in the same order the reference does it.
	for i, v := range vol.Data {
		if v == 0 {
			vol.Data[i] = float32(phantomAirMean + rng.NormFloat64()*phantomAirStd)
		}
	}
	return vol
}
