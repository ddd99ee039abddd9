package signal

import (
	"regexp"
	"strings"

	"github.com/osa-ai/osa/pkg/models"
)

// Tier-1 classification is rule-based and deterministic: lexical
// features only, no I/O. Target latency is well under a millisecond.

var modeKeywords = map[models.Mode][]string{
	models.ModeExecute:  {"run", "execute", "deploy", "launch", "start", "stop", "restart", "trigger", "kill", "invoke"},
	models.ModeBuild:    {"build", "create", "implement", "write", "make", "add", "develop", "generate", "scaffold", "design"},
	models.ModeAnalyze:  {"analyze", "investigate", "compare", "explain", "review", "debug", "diagnose", "assess", "why", "evaluate"},
	models.ModeMaintain: {"fix", "update", "upgrade", "clean", "refactor", "patch", "migrate", "backup", "repair", "maintain"},
	models.ModeAssist:   {"help", "assist", "guide", "show", "tell", "recommend", "suggest", "how", "what", "where"},
}

var genreKeywords = map[models.Genre][]string{
	models.GenreInform:  {"fyi", "note that", "heads up", "just letting", "for your information", "status update"},
	models.GenreCommit:  {"i will", "i'll", "we will", "we'll", "i promise", "i can do", "count on"},
	models.GenreDecide:  {"should we", "should i", "decide", "choose", "which option", "or should", "pick one"},
	models.GenreExpress: {"thanks", "thank you", "hey", "hi", "hello", "lol", "great", "awesome", "wow", "good morning", "good night", "nice", "cool", "ok", "okay", "sure"},
}

// imperativeVerbs are verbs that, in sentence-initial position, mark a
// direct instruction.
var imperativeVerbs = map[string]bool{
	"run": true, "execute": true, "deploy": true, "build": true,
	"create": true, "write": true, "make": true, "add": true,
	"fix": true, "update": true, "delete": true, "remove": true,
	"read": true, "list": true, "show": true, "find": true,
	"search": true, "check": true, "install": true, "restart": true,
	"stop": true, "start": true, "analyze": true, "summarize": true,
	"explain": true, "review": true, "generate": true, "refactor": true,
}

var scheduleRegex = regexp.MustCompile(`(?i)\b(schedule|remind|tomorrow|tonight|at \d{1,2}(:\d{2})?\s*(am|pm)?|next (week|month|monday|tuesday|wednesday|thursday|friday)|every (day|week|hour))\b`)

var issueRegex = regexp.MustCompile(`(?i)\b(bug|error|broken|fail(s|ed|ing)?|crash(es|ed)?|doesn'?t work|not working|issue|problem|exception)\b`)

var reportRegex = regexp.MustCompile(`(?i)\b(report|metrics|stats|statistics|numbers|results)\b`)

var summaryRegex = regexp.MustCompile(`(?i)\b(summar(y|ize|ise)|tldr|recap|digest)\b`)

// ruleResult is the provisional label produced by tier 1.
type ruleResult struct {
	Mode       models.Mode
	Genre      models.Genre
	Type       models.SignalType
	Weight     float64
	Confidence float64
}

// classifyRules produces the tier-1 provisional label for a message.
func classifyRules(message string, format models.Format) ruleResult {
	trimmed := strings.TrimSpace(message)
	lower := strings.ToLower(trimmed)
	words := strings.Fields(lower)

	mode, modeScore := scoreMode(lower)
	genre, genreScore := scoreGenre(lower, words, format)
	sigType := deriveType(lower, trimmed, genre)
	weight := deriveWeight(lower, words, genre, sigType, format)

	// Confidence reflects how decisively the rule tables matched.
	confidence := 0.3 + 0.35*modeScore + 0.35*genreScore
	if len(words) <= 2 && genre == models.GenreExpress {
		// Trivial greetings are classified confidently.
		confidence = 0.9
	}
	if format == models.FormatCommand {
		confidence = max(confidence, 0.85)
	}
	if confidence > 1 {
		confidence = 1
	}

	return ruleResult{
		Mode:       mode,
		Genre:      genre,
		Type:       sigType,
		Weight:     weight,
		Confidence: confidence,
	}
}

// scoreMode returns the best-matching mode and a match strength in [0,1].
func scoreMode(lower string) (models.Mode, float64) {
	best := models.ModeAssist
	bestHits := 0
	for _, mode := range models.Modes() {
		hits := 0
		for _, kw := range modeKeywords[mode] {
			if containsWord(lower, kw) {
				hits++
			}
		}
		if hits > bestHits {
			best = mode
			bestHits = hits
		}
	}
	switch {
	case bestHits >= 2:
		return best, 1
	case bestHits == 1:
		return best, 0.6
	default:
		return models.ModeAssist, 0
	}
}

// scoreGenre returns the best-matching genre and a match strength in [0,1].
func scoreGenre(lower string, words []string, format models.Format) (models.Genre, float64) {
	if format == models.FormatCommand {
		return models.GenreDirect, 1
	}

	for _, genre := range []models.Genre{models.GenreCommit, models.GenreDecide, models.GenreInform} {
		for _, kw := range genreKeywords[genre] {
			if strings.Contains(lower, kw) {
				return genre, 0.9
			}
		}
	}

	// Sentence-initial imperative verb marks a direct instruction.
	if len(words) > 0 && imperativeVerbs[strings.Trim(words[0], ".,!?")] {
		return models.GenreDirect, 0.9
	}
	if strings.Contains(lower, "please") {
		return models.GenreDirect, 0.7
	}
	if strings.HasSuffix(strings.TrimSpace(lower), "?") {
		return models.GenreDirect, 0.6
	}

	for _, kw := range genreKeywords[models.GenreExpress] {
		if containsWord(lower, kw) {
			return models.GenreExpress, 0.8
		}
	}

	if len(words) <= 3 {
		return models.GenreExpress, 0.5
	}
	return models.GenreInform, 0.3
}

// deriveType refines the label into a concrete message kind.
func deriveType(lower, trimmed string, genre models.Genre) models.SignalType {
	switch {
	case scheduleRegex.MatchString(lower):
		return models.TypeScheduling
	case issueRegex.MatchString(lower):
		return models.TypeIssue
	case summaryRegex.MatchString(lower):
		return models.TypeSummary
	case reportRegex.MatchString(lower):
		return models.TypeReport
	case strings.HasSuffix(strings.TrimSpace(trimmed), "?"):
		return models.TypeQuestion
	case genre == models.GenreDirect:
		return models.TypeRequest
	default:
		return models.TypeGeneral
	}
}

// deriveWeight estimates message importance in [0,1].
func deriveWeight(lower string, words []string, genre models.Genre, sigType models.SignalType, format models.Format) float64 {
	weight := 0.5

	switch format {
	case models.FormatCommand:
		weight += 0.3
	case models.FormatDocument:
		weight += 0.1
	case models.FormatNotification:
		weight -= 0.2
	}

	switch sigType {
	case models.TypeIssue:
		weight += 0.2
	case models.TypeRequest, models.TypeQuestion:
		weight += 0.1
	case models.TypeScheduling:
		weight += 0.05
	}

	if genre == models.GenreExpress {
		weight -= 0.35
	}

	// Very short messages carry little signal unless they are commands.
	if len(words) <= 2 && format != models.FormatCommand {
		weight -= 0.1
	}
	if len(words) >= 20 {
		weight += 0.1
	}

	if strings.Contains(lower, "urgent") || strings.Contains(lower, "asap") || strings.Contains(lower, "critical") {
		weight += 0.2
	}

	if weight < 0 {
		weight = 0
	}
	if weight > 1 {
		weight = 1
	}
	return weight
}

// containsWord reports whether lower contains kw as a whole word.
func containsWord(lower, kw string) bool {
	idx := strings.Index(lower, kw)
	for idx >= 0 {
		before := idx == 0 || !isWordChar(lower[idx-1])
		afterIdx := idx + len(kw)
		after := afterIdx >= len(lower) || !isWordChar(lower[afterIdx])
		if before && after {
			return true
		}
		next := strings.Index(lower[idx+1:], kw)
		if next < 0 {
			return false
		}
		idx = idx + 1 + next
	}
	return false
}

func isWordChar(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '\''
}
