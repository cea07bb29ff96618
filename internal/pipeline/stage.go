package pipeline

import (
	"time"

	"github.com/arbflow/arbflow/internal/models"
)

// Stage is a pipeline state. An opportunity advances through the
// processing stages in order and ends in exactly one terminal stage.
type Stage string

const (
	StageDetected          Stage = "detected"
	StageValidation        Stage = "validation"
	StageScoring           Stage = "scoring"
	StageRiskAssessment    Stage = "risk_assessment"
	StageExecutionDecision Stage = "execution_decision"
	StageQueued            Stage = "queued_for_execution"

	StageExecuted          Stage = "executed"
	StageRejected          Stage = "rejected"
	StageLowScore          Stage = "low_score"
	StageHighRisk          Stage = "high_risk"
	StageExecutionDeclined Stage = "execution_declined"
	StageExpired           Stage = "expired"
	StageError             Stage = "error"
	StageBackpressure      Stage = "backpressure"
)

// Terminal reports whether the stage ends processing.
func (s Stage) Terminal() bool {
	switch s {
	case StageDetected, StageValidation, StageScoring, StageRiskAssessment,
		StageExecutionDecision, StageQueued:
		return false
	}
	return true
}

// Scores holds the weighted scoring breakdown. All sub-scores are on
// [0,100]; Risk is the raw risk estimate where higher is worse.
type Scores struct {
	Profit     float64 `json:"profit"`
	Confidence float64 `json:"confidence"`
	Liquidity  float64 `json:"liquidity"`
	Speed      float64 `json:"speed"`
	Risk       float64 `json:"risk"`
	Market     float64 `json:"market"`
	Total      float64 `json:"total"`
}

// Context tracks one opportunity through the pipeline.
type Context struct {
	ID          string
	Opportunity models.Opportunity
	Stage       Stage
	Reason      string
	Scores      Scores
	Risk        models.RiskAssessment
	Priority    float64
	AdmittedAt  time.Time
	FinishedAt  time.Time
	Result      *models.ExecutionResult

	admitted bool // holds an in-flight slot until finish
}
