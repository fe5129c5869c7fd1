// Package anomaly holds the expense anomaly detectors and the normalization
// layer that maps their heterogeneous raw outputs onto one convention: a
// higher normal score is more normal, and a record is anomalous when its normal
// score falls below the configured threshold.
package anomaly

import (
	"errors"
	"fmt"
)

// ErrUnknownStyle is returned for a Raw whose Style is not one of the known variants.
var ErrUnknownStyle = errors.New("unknown score style")

// Style says how a detector reports its output. It is fixed per detector and
// chosen when the detector is loaded.
type Style uint8

// Score styles.
const (
	// MarginScored detectors return a signed decision margin, positive for inliers.
	MarginScored Style = iota + 1
	// DensityScored detectors return a density or outlier score plus the cutoff
	// learned at fit time.
	DensityScored
	// LabelOnly detectors return +1 for inliers and -1 for outliers.
	LabelOnly
)

func (s Style) String() string {
	switch s {
	case MarginScored:
		return "margin"
	case DensityScored:
		return "density"
	case LabelOnly:
		return "label"
	default:
		return fmt.Sprintf("style(%d)", uint8(s))
	}
}

// Raw is a detector's unnormalized output for one record.
type Raw struct {
	Style Style
	Score float64
	// Cutoff and HigherIsAnomalous only apply to DensityScored.
	Cutoff            float64
	HigherIsAnomalous bool
}

// Normalized is the detector-independent result.
type Normalized struct {
	Style     Style
	Raw       float64
	Normal    float64
	Threshold float64
	IsAnomaly bool
}

// Normalize maps raw onto the shared convention.
func Normalize(raw Raw, threshold float64) (Normalized, error) {
	var normal float64
	switch raw.Style {
	case MarginScored:
		normal = raw.Score
	case DensityScored:
		if raw.HigherIsAnomalous {
			normal = raw.Cutoff - raw.Score
		} else {
			normal = raw.Score - raw.Cutoff
		}
	case LabelOnly:
		if raw.Score >= 0 {
			normal = 1
		} else {
			normal = -1
		}
	default:
		return Normalized{}, fmt.Errorf("%w: %d", ErrUnknownStyle, raw.Style)
	}
	return Normalized{
		Style:     raw.Style,
		Raw:       raw.Score,
		Normal:    normal,
		Threshold: threshold,
		IsAnomaly: normal < threshold,
	}, nil
}
