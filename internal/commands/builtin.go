package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/osa-ai/osa/internal/budget"
	"github.com/osa-ai/osa/internal/memory"
	"github.com/osa-ai/osa/internal/sessions"
	"github.com/osa-ai/osa/internal/sidecar"
	"github.com/osa-ai/osa/pkg/models"
)

// BuiltinDeps carries collaborators for the built-in commands. Nil
// fields disable the commands that depend on them.
type BuiltinDeps struct {
	Version  string
	Provider string
	Model    string
	Sessions sessions.Store
	Memory   *memory.Store
	Budget   *budget.Tracker
	Sidecars *sidecar.Manager
}

// RegisterBuiltins installs the standard command set.
func RegisterBuiltins(r *Registry, deps BuiltinDeps) {
	r.Register("help", "List available commands", "/help", func(ctx context.Context, args string) (string, error) {
		var b strings.Builder
		for _, cmd := range r.List() {
			fmt.Fprintf(&b, "/%s — %s\n", cmd.Name, cmd.Description)
		}
		return b.String(), nil
	})

	r.Register("status", "Show runtime status", "/status", func(ctx context.Context, args string) (string, error) {
		var b strings.Builder
		fmt.Fprintf(&b, "version: %s\nprovider: %s\nmodel: %s\n", deps.Version, deps.Provider, deps.Model)
		if deps.Budget != nil {
			snap := deps.Budget.Snapshot()
			fmt.Fprintf(&b, "spend today: $%.4f\nspend month: $%.4f\n", snap.DayUSD, snap.MonthUSD)
		}
		if deps.Sidecars != nil {
			for _, status := range deps.Sidecars.Statuses() {
				fmt.Fprintf(&b, "sidecar %s: %s\n", status.Name, status.Health)
			}
		}
		return b.String(), nil
	})

	if deps.Sessions != nil {
		r.Register("sessions", "List recent sessions", "/sessions [n]", func(ctx context.Context, args string) (string, error) {
			limit := 10
			if n, err := strconv.Atoi(strings.TrimSpace(args)); err == nil && n > 0 {
				limit = n
			}
			list, err := deps.Sessions.List(ctx, sessions.ListOptions{Limit: limit})
			if err != nil {
				return "", err
			}
			if len(list) == 0 {
				return "no sessions", nil
			}
			var b strings.Builder
			for _, s := range list {
				fmt.Fprintf(&b, "%s  %s  %d messages  %d tokens\n",
					s.ID, s.Channel, s.MessageCount, s.TokenUsage.Total())
			}
			return b.String(), nil
		})
	}

	if deps.Memory != nil {
		r.Register("memory", "Recall or store memories", "/memory <query> | /memory add <category> <content>", func(ctx context.Context, args string) (string, error) {
			if rest, ok := strings.CutPrefix(args, "add "); ok {
				category, content, found := strings.Cut(rest, " ")
				if !found {
					return "", fmt.Errorf("usage: /memory add <category> <content>")
				}
				entry, err := deps.Memory.Append(models.MemoryEntry{
					Category: models.MemoryCategory(category),
					Content:  content,
				})
				if err != nil {
					return "", err
				}
				return "stored " + entry.ID, nil
			}

			if strings.TrimSpace(args) == "" {
				return fmt.Sprintf("%d memories stored", deps.Memory.Len()), nil
			}
			scored := deps.Memory.RecallRelevant(args, 800)
			if len(scored) == 0 {
				return "no relevant memories", nil
			}
			var b strings.Builder
			for _, s := range scored {
				fmt.Fprintf(&b, "[%.2f] %s: %s\n", s.Score, s.Entry.Category, s.Entry.Content)
			}
			return b.String(), nil
		})
	}

	if deps.Budget != nil {
		r.Register("budget", "Show spend accounting", "/budget", func(ctx context.Context, args string) (string, error) {
			snap := deps.Budget.Snapshot()
			data, err := json.MarshalIndent(snap, "", "  ")
			if err != nil {
				return "", err
			}
			return string(data), nil
		})
	}
}
