package model

import "time"

// ArtifactIdentity names the artifact that produced a serving result.
type ArtifactIdentity struct {
	LoadedAt time.Time
	ID       string
	Purpose  string
	Path     string
	Version  int64
}

// Prediction is the serving result of the category classifier.
type Prediction struct {
	Category string
	Top      CategoryRankings
	Artifact ArtifactIdentity
}

// AnomalyScore is the serving result of the anomaly detector.
type AnomalyScore struct {
	Detector    string
	Style       string
	Artifact    ArtifactIdentity
	RawScore    float64
	NormalScore float64 // higher is more normal
	Threshold   float64
	IsAnomaly   bool
}
