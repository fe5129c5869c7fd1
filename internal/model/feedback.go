package model

import "time"

// FeedbackKind distinguishes category corrections from anomaly judgments.
type FeedbackKind string

// Feedback kinds.
const (
	FeedbackCategory FeedbackKind = "category"
	FeedbackAnomaly  FeedbackKind = "anomaly"
)

// Feedback is a human correction or confirmation appended to the feedback log.
type Feedback struct {
	CreatedAt   time.Time
	Amount      *float64
	IsAnomaly   *bool `validate:"required_if=Kind anomaly"`
	ModelScore  *float64
	Kind        FeedbackKind `validate:"required,oneof=category anomaly"`
	Vendor      string       `validate:"required_without=Description"`
	Description string       `validate:"required_without=Vendor"`
	Category    string       `validate:"required_if=Kind category"`
	Date        string
	Source      string
	ID          int64
}

// Record converts category feedback into a labeled training record.
func (f Feedback) Record() Record {
	r := NewRecord(f.Vendor, f.Description, f.Category, f.Amount)
	r.Source = "feedback"
	return r
}

// TrainingMode names the branch a training run took.
type TrainingMode string

// Training modes.
const (
	ModeBootstrap TrainingMode = "bootstrap"
	ModeFullRefit TrainingMode = "full_refit"
	ModePartial   TrainingMode = "partial"
	ModeUpToDate  TrainingMode = "up_to_date"
	ModeSkipped   TrainingMode = "skipped"
)

// TrainingRun is the audit row written after each run.
type TrainingRun struct {
	StartedAt       time.Time
	FinishedAt      time.Time
	ID              string
	Purpose         string
	Mode            TrainingMode
	ArtifactID      string
	Classes         []string
	TotalRecords    int
	NewRecords      int
	ArtifactVersion int64
	Accuracy        float64
	EvalSkipped     bool
}
