package signalproc

import (
	"math"

	"github.com/skamba/vibesense/internal/config"
)

// Classification keys (spec §4.7 step 8, GLOSSARY "Classification key").
const (
	ClassWheel1   = "wheel1"
	ClassWheel2   = "wheel2"
	ClassShaft1   = "shaft1"
	ClassEng1     = "eng1"
	ClassEng2     = "eng2"
	ClassShaftEng = "shaft_eng1"
	ClassRoad     = "road"
	ClassOther    = "other"
)

type orderCandidate struct {
	key         string
	predictedHz float64
	toleranceHz float64
}

// Classify assigns the classification key whose predicted order
// frequency lies within its tolerance band of dominantHz, tie-breaking
// by smallest relative error (spec §4.7 step 8). With no usable speed
// or tire geometry it falls straight to the road/other fallback.
func Classify(dominantHz, speedKmh float64, vehicle *config.VehicleModel) string {
	candidates := orderCandidates(speedKmh, vehicle)

	var best *orderCandidate
	var bestRelErr float64
	for i := range candidates {
		c := &candidates[i]
		if c.predictedHz <= 0 {
			continue
		}
		diff := math.Abs(dominantHz - c.predictedHz)
		if diff > c.toleranceHz {
			continue
		}
		relErr := diff / c.predictedHz
		if best == nil || relErr < bestRelErr {
			best = c
			bestRelErr = relErr
		}
	}
	if best != nil {
		return best.key
	}

	if dominantHz >= 3 && dominantHz <= 12 {
		return ClassRoad
	}
	return ClassOther
}

func orderCandidates(speedKmh float64, vehicle *config.VehicleModel) []orderCandidate {
	if speedKmh <= 0 || vehicle == nil || vehicle.TireCircumferenceM <= 0 {
		return nil
	}
	speedMps := speedKmh / 3.6
	wheelHz := speedMps / vehicle.TireCircumferenceM
	driveHz := wheelHz * vehicle.FinalDriveRatio
	gearRatio := vehicle.GearRatio
	if gearRatio <= 0 {
		gearRatio = 1
	}
	engineHz := driveHz * gearRatio

	wheelSigma := sigmaOrDefault(vehicle.WheelOrderSigma, 0.05)
	driveSigma := sigmaOrDefault(vehicle.DriveOrderSigma, 0.05)
	engineSigma := sigmaOrDefault(vehicle.EngineOrderSigma, 0.08)

	candidates := []orderCandidate{
		{key: ClassWheel1, predictedHz: wheelHz, toleranceHz: wheelHz * wheelSigma},
		{key: ClassWheel2, predictedHz: 2 * wheelHz, toleranceHz: 2 * wheelHz * wheelSigma},
	}

	// spec §4.7 step 8: "if driveshaft and engine overlap within
	// max(0.03, sigma_ds + sigma_eng) relative, emit shaft_eng1"
	// instead of the separate shaft1/eng1 candidates.
	overlapThresh := math.Max(0.03, driveSigma+engineSigma)
	maxHz := math.Max(driveHz, engineHz)
	if maxHz > 0 && math.Abs(driveHz-engineHz)/maxHz <= overlapThresh {
		mean := (driveHz + engineHz) / 2
		tol := mean * overlapThresh
		candidates = append(candidates, orderCandidate{key: ClassShaftEng, predictedHz: mean, toleranceHz: tol})
	} else {
		candidates = append(candidates,
			orderCandidate{key: ClassShaft1, predictedHz: driveHz, toleranceHz: driveHz * driveSigma},
			orderCandidate{key: ClassEng1, predictedHz: engineHz, toleranceHz: engineHz * engineSigma},
			orderCandidate{key: ClassEng2, predictedHz: 2 * engineHz, toleranceHz: 2 * engineHz * engineSigma},
		)
	}
	return candidates
}

func sigmaOrDefault(sigma, fallback float64) float64 {
	if sigma <= 0 {
		return fallback
	}
	return sigma
}
