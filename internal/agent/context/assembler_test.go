package context

import (
	"errors"
	"strings"
	"testing"

	"github.com/osa-ai/osa/pkg/models"
)

// wordEstimate makes budgets easy to reason about in tests.
func wordEstimate(text string) int {
	return len(strings.Fields(text))
}

func msg(role models.Role, content string) *models.Message {
	return &models.Message{Role: role, Content: content}
}

func TestCriticalOverflowFails(t *testing.T) {
	a := NewAssembler(wordEstimate)
	_, err := a.Build(Input{
		SystemPrompt:     "one two three four five six seven eight nine ten",
		ContextLimit:     12,
		ReservedResponse: 4,
	})
	if !errors.Is(err, ErrContextOverflow) {
		t.Fatalf("err = %v, want ErrContextOverflow", err)
	}
}

func TestBudgetNeverExceeded(t *testing.T) {
	a := NewAssembler(wordEstimate)

	var messages []*models.Message
	for i := 0; i < 50; i++ {
		messages = append(messages, msg(models.RoleUser, "alpha beta gamma delta epsilon"))
	}
	var memories []Candidate
	for i := 0; i < 30; i++ {
		memories = append(memories, Candidate{Content: "memory entry number whatever content", Score: 1})
	}

	prompt, err := a.Build(Input{
		SystemPrompt:     "system prompt here",
		Messages:         messages,
		Memories:         memories,
		LowPriority:      []string{"env one two", "bulletin three four five"},
		ContextLimit:     200,
		ReservedResponse: 50,
	})
	if err != nil {
		t.Fatal(err)
	}
	if prompt.TokenCount > prompt.Budget {
		t.Errorf("token count %d exceeds budget %d", prompt.TokenCount, prompt.Budget)
	}
	if prompt.Budget != 150 {
		t.Errorf("budget = %d, want 150", prompt.Budget)
	}
}

func TestRecentMessagesPreferred(t *testing.T) {
	a := NewAssembler(wordEstimate)

	messages := []*models.Message{
		msg(models.RoleUser, "oldest message content here padding padding"),
		msg(models.RoleAssistant, "middle message content"),
		msg(models.RoleUser, "newest message"),
	}

	// Budget 20, critical 2, remainder 18, high = 7 words.
	prompt, err := a.Build(Input{
		SystemPrompt:     "system prompt",
		Messages:         messages,
		ContextLimit:     25,
		ReservedResponse: 5,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(prompt.Messages) != 2 {
		t.Fatalf("selected %d messages, want 2 (newest)", len(prompt.Messages))
	}
	if prompt.Messages[0].Content != "middle message content" {
		t.Errorf("selection order wrong: %q", prompt.Messages[0].Content)
	}
	if prompt.Messages[1].Content != "newest message" {
		t.Errorf("newest message missing: %q", prompt.Messages[1].Content)
	}
}

func TestUnspentShareCascades(t *testing.T) {
	a := NewAssembler(wordEstimate)

	// No messages: the entire high share should be available to
	// memories beyond their base 30%.
	var memories []Candidate
	for i := 0; i < 20; i++ {
		memories = append(memories, Candidate{Content: "five word memory entry text"})
	}

	prompt, err := a.Build(Input{
		SystemPrompt:     "sys",
		Memories:         memories,
		ContextLimit:     101,
		ReservedResponse: 0,
	})
	if err != nil {
		t.Fatal(err)
	}
	// remainder = 100; base medium = 30 words => 6 memories without
	// cascade. With the high tier's 40 words cascading, 14 fit.
	got := strings.Count(prompt.System, "five word memory entry text")
	if got != 14 {
		t.Errorf("memories included = %d, want 14 with cascade", got)
	}
}

func TestMemoriesRespectOrder(t *testing.T) {
	a := NewAssembler(wordEstimate)

	prompt, err := a.Build(Input{
		SystemPrompt: "sys",
		Memories: []Candidate{
			{Content: "best memory", Score: 0.9},
			{Content: "second memory", Score: 0.5},
		},
		ContextLimit:     100,
		ReservedResponse: 0,
	})
	if err != nil {
		t.Fatal(err)
	}
	best := strings.Index(prompt.System, "best memory")
	second := strings.Index(prompt.System, "second memory")
	if best < 0 || second < 0 || best > second {
		t.Errorf("memory order wrong in system text:\n%s", prompt.System)
	}
}

func TestMessageTokenCountUsedWhenPresent(t *testing.T) {
	a := NewAssembler(wordEstimate)
	m := &models.Message{Role: models.RoleUser, Content: "irrelevant", TokenCount: 7}
	if got := a.messageTokens(m); got != 7 {
		t.Errorf("messageTokens = %d, want precomputed 7", got)
	}
}

func TestUtilizationReported(t *testing.T) {
	a := NewAssembler(wordEstimate)
	prompt, err := a.Build(Input{
		SystemPrompt:     "one two three four five",
		ContextLimit:     10,
		ReservedResponse: 0,
	})
	if err != nil {
		t.Fatal(err)
	}
	if prompt.Utilization != 0.5 {
		t.Errorf("utilization = %f, want 0.5", prompt.Utilization)
	}
}
