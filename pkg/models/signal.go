package models

import "time"

// Mode describes the operational intent of an inbound message.
type Mode string

const (
	ModeExecute  Mode = "EXECUTE"
	ModeBuild    Mode = "BUILD"
	ModeAnalyze  Mode = "ANALYZE"
	ModeMaintain Mode = "MAINTAIN"
	ModeAssist   Mode = "ASSIST"
)

// Genre describes the communicative act of a message.
type Genre string

const (
	GenreDirect  Genre = "DIRECT"
	GenreInform  Genre = "INFORM"
	GenreCommit  Genre = "COMMIT"
	GenreDecide  Genre = "DECIDE"
	GenreExpress Genre = "EXPRESS"
)

// SignalType refines the genre into a concrete message kind.
type SignalType string

const (
	TypeQuestion   SignalType = "question"
	TypeRequest    SignalType = "request"
	TypeIssue      SignalType = "issue"
	TypeScheduling SignalType = "scheduling"
	TypeSummary    SignalType = "summary"
	TypeReport     SignalType = "report"
	TypeGeneral    SignalType = "general"
)

// Format describes the structural shape of the inbound payload.
// It is derived from channel metadata, never from an LLM.
type Format string

const (
	FormatMessage      Format = "message"
	FormatCommand      Format = "command"
	FormatDocument     Format = "document"
	FormatNotification Format = "notification"
)

// ClassifierTier identifies which classification tier produced a signal.
type ClassifierTier string

const (
	TierRules ClassifierTier = "rules"
	TierLLM   ClassifierTier = "llm"
)

// Signal is the classification tuple attached to every inbound message.
// A Signal is immutable once produced by the classifier; downstream
// consumers receive copies by value.
type Signal struct {
	Mode   Mode       `json:"mode"`
	Genre  Genre      `json:"genre"`
	Type   SignalType `json:"type"`
	Format Format     `json:"format"`

	// Weight is the estimated importance in [0,1]. Messages below the
	// noise threshold may be dropped before reaching the agent loop.
	Weight float64 `json:"weight"`

	// Confidence is the classifier's confidence in [0,1].
	Confidence float64 `json:"confidence"`

	// Tier records which classification tier produced the label.
	Tier ClassifierTier `json:"tier"`

	ClassifiedAt time.Time `json:"classified_at"`
}

// Modes enumerates all valid modes.
func Modes() []Mode {
	return []Mode{ModeExecute, ModeBuild, ModeAnalyze, ModeMaintain, ModeAssist}
}

// Genres enumerates all valid genres.
func Genres() []Genre {
	return []Genre{GenreDirect, GenreInform, GenreCommit, GenreDecide, GenreExpress}
}

// SignalTypes enumerates all valid signal types.
func SignalTypes() []SignalType {
	return []SignalType{TypeQuestion, TypeRequest, TypeIssue, TypeScheduling, TypeSummary, TypeReport, TypeGeneral}
}

// ValidMode reports whether m is a recognized mode.
func ValidMode(m Mode) bool {
	switch m {
	case ModeExecute, ModeBuild, ModeAnalyze, ModeMaintain, ModeAssist:
		return true
	}
	return false
}

// ValidGenre reports whether g is a recognized genre.
func ValidGenre(g Genre) bool {
	switch g {
	case GenreDirect, GenreInform, GenreCommit, GenreDecide, GenreExpress:
		return true
	}
	return false
}

// ValidSignalType reports whether t is a recognized signal type.
func ValidSignalType(t SignalType) bool {
	switch t {
	case TypeQuestion, TypeRequest, TypeIssue, TypeScheduling, TypeSummary, TypeReport, TypeGeneral:
		return true
	}
	return false
}
