package constants

// Stage is the canonical pipeline stage for rows in processing_jobs.
type Stage string

// Stable values (store these exact strings in DB).
const (
	StageReceived           Stage = "RECEIVED"
	StageValidating         Stage = "VALIDATING"
	StageExtractingMetadata Stage = "EXTRACTING_METADATA"
	StagePerformingOCR      Stage = "PERFORMING_OCR"
	StageConvertingImage    Stage = "CONVERTING_IMAGE"
	StagePersisting         Stage = "PERSISTING"
	StageCompleted          Stage = "COMPLETED"
	StageFailed             Stage = "FAILED"
	StageDenied             Stage = "DENIED"
)

// stageOrder fixes the forward path through the pipeline. Terminal stages
// are not part of the path.
var stageOrder = []Stage{
	StageReceived,
	StageValidating,
	StageExtractingMetadata,
	StagePerformingOCR,
	StageConvertingImage,
	StagePersisting,
	StageCompleted,
}

var stageRank = func() map[Stage]int {
	m := make(map[Stage]int, len(stageOrder))
	for i, s := range stageOrder {
		m[s] = i
	}
	return m
}()

// NextStage returns the stage that follows s on the forward path, and false
// if s is terminal or unknown.
func NextStage(s Stage) (Stage, bool) {
	i, ok := stageRank[s]
	if !ok || i == len(stageOrder)-1 {
		return "", false
	}
	return stageOrder[i+1], true
}

// IsTerminal reports whether no further transitions are allowed from s.
func (s Stage) IsTerminal() bool {
	return s == StageCompleted || s == StageFailed || s == StageDenied
}

// CanAdvanceTo reports whether a transition from s to next is legal:
// one step forward on the fixed path, or to FAILED from any non-terminal
// stage, or to DENIED from RECEIVED/VALIDATING.
func (s Stage) CanAdvanceTo(next Stage) bool {
	if s.IsTerminal() {
		return false
	}
	if next == StageFailed {
		return true
	}
	if next == StageDenied {
		return s == StageReceived || s == StageValidating
	}
	want, ok := NextStage(s)
	return ok && next == want
}
