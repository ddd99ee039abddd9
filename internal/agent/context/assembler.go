// Package context builds token-budgeted LLM prompts from prioritized
// sources.
//
// The assembler fills four tiers inside a hard budget B =
// context_limit - reserved_response_tokens:
//
//	Critical — system prompt, tool schemas, identity; never truncated
//	High     — 40% of the remainder; recent messages, task state
//	Medium   — 30% of the remainder; relevance-scored memories
//	Low      — the rest; workflow/env context, bulletins
//
// Tiers fill in order; a tier's unspent share cascades to the next.
// If the Critical tier alone exceeds B the build fails with
// ErrContextOverflow.
package context

import (
	"errors"
	"strings"

	"github.com/osa-ai/osa/pkg/models"
)

// ErrContextOverflow is returned when the critical tier alone exceeds
// the budget.
var ErrContextOverflow = errors.New("context overflow: critical tier exceeds budget")

// Tier budget shares of the post-critical remainder.
const (
	highShare   = 0.40
	mediumShare = 0.30
)

// Estimator converts text to an approximate token count.
type Estimator func(text string) int

// defaultEstimate approximates tokens as chars/4 when no tokenizer is
// wired.
func defaultEstimate(text string) int {
	return (len(text) + 3) / 4
}

// Candidate is a budgeted prompt fragment for the medium/low tiers,
// ordered by descending relevance.
type Candidate struct {
	Content string
	Score   float64
}

// Input carries everything the assembler may place into the prompt.
type Input struct {
	// Critical tier.
	SystemPrompt string
	ToolSchemas  string
	Identity     string

	// High tier: transcript messages oldest-first, plus task state.
	Messages  []*models.Message
	TaskState string

	// Medium tier: relevance-scored memories, best first.
	Memories []Candidate

	// Low tier: workflow/environment context and bulletins, in order.
	LowPriority []string

	// Budget.
	ContextLimit     int
	ReservedResponse int
}

// Prompt is the assembled result.
type Prompt struct {
	// System is the combined critical-tier text plus memory and
	// low-priority sections.
	System string

	// Messages is the selected transcript slice, oldest first.
	Messages []*models.Message

	// TokenCount is the estimated total prompt size.
	TokenCount int

	// Budget is B for this build.
	Budget int

	// Utilization is TokenCount/Budget.
	Utilization float64
}

// Assembler builds prompts within a token budget.
type Assembler struct {
	estimate Estimator
}

// NewAssembler creates an assembler. estimate may be nil to use the
// built-in heuristic; production wires the tokenizer sidecar here.
func NewAssembler(estimate Estimator) *Assembler {
	if estimate == nil {
		estimate = defaultEstimate
	}
	return &Assembler{estimate: estimate}
}

// messageTokens estimates a transcript message's prompt cost.
func (a *Assembler) messageTokens(m *models.Message) int {
	if m == nil {
		return 0
	}
	if m.TokenCount > 0 {
		return m.TokenCount
	}
	tokens := a.estimate(m.Content)
	for _, tc := range m.ToolCalls {
		tokens += a.estimate(tc.Name) + a.estimate(string(tc.Input))
	}
	return tokens
}

// Build assembles a prompt from input within the budget.
func (a *Assembler) Build(input Input) (*Prompt, error) {
	budget := input.ContextLimit - input.ReservedResponse
	if budget <= 0 {
		return nil, ErrContextOverflow
	}

	critical := a.estimate(input.SystemPrompt) + a.estimate(input.ToolSchemas) + a.estimate(input.Identity)
	if critical > budget {
		return nil, ErrContextOverflow
	}

	remainder := budget - critical
	highBudget := int(float64(remainder) * highShare)
	mediumBudget := int(float64(remainder) * mediumShare)
	lowBudget := remainder - highBudget - mediumBudget

	// High tier: task state first, then messages newest-backward.
	highSpent := 0
	taskState := ""
	if input.TaskState != "" {
		cost := a.estimate(input.TaskState)
		if cost <= highBudget {
			taskState = input.TaskState
			highSpent += cost
		}
	}

	var selectedReverse []*models.Message
	for i := len(input.Messages) - 1; i >= 0; i-- {
		m := input.Messages[i]
		cost := a.messageTokens(m)
		if highSpent+cost > highBudget {
			break
		}
		selectedReverse = append(selectedReverse, m)
		highSpent += cost
	}
	selected := make([]*models.Message, len(selectedReverse))
	for i, m := range selectedReverse {
		selected[len(selectedReverse)-1-i] = m
	}

	// Unspent high share cascades into medium.
	mediumBudget += highBudget - highSpent

	mediumSpent := 0
	var memories []string
	for _, c := range input.Memories {
		cost := a.estimate(c.Content)
		if mediumSpent+cost > mediumBudget {
			continue
		}
		memories = append(memories, c.Content)
		mediumSpent += cost
	}

	// Unspent medium share cascades into low.
	lowBudget += mediumBudget - mediumSpent

	lowSpent := 0
	var low []string
	for _, item := range input.LowPriority {
		cost := a.estimate(item)
		if lowSpent+cost > lowBudget {
			break
		}
		low = append(low, item)
		lowSpent += cost
	}

	system := composeSystem(input, taskState, memories, low)
	total := critical + highSpent + mediumSpent + lowSpent

	return &Prompt{
		System:      system,
		Messages:    selected,
		TokenCount:  total,
		Budget:      budget,
		Utilization: float64(total) / float64(budget),
	}, nil
}

// composeSystem stitches the non-transcript sections into one system
// text.
func composeSystem(input Input, taskState string, memories, low []string) string {
	var b strings.Builder
	b.WriteString(input.SystemPrompt)
	if input.Identity != "" {
		b.WriteString("\n\n")
		b.WriteString(input.Identity)
	}
	if input.ToolSchemas != "" {
		b.WriteString("\n\n")
		b.WriteString(input.ToolSchemas)
	}
	if taskState != "" {
		b.WriteString("\n\n## Active task\n")
		b.WriteString(taskState)
	}
	if len(memories) > 0 {
		b.WriteString("\n\n## Relevant memories\n")
		for _, m := range memories {
			b.WriteString("- ")
			b.WriteString(m)
			b.WriteString("\n")
		}
	}
	if len(low) > 0 {
		b.WriteString("\n## Environment\n")
		for _, item := range low {
			b.WriteString(item)
			b.WriteString("\n")
		}
	}
	return b.String()
}
