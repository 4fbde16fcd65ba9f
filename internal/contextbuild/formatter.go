package contextbuild

import (
	"fmt"
	"strings"

	"github.com/tarnv/persistdm/internal/world"
)

// DefaultCharBudget bounds the rendered prompt section when callers pass a
// non-positive budget to [FormatPrompt].
const DefaultCharBudget = 4000

// FormatPrompt renders a [Bundle] into a prompt section that fits within
// budget characters.
//
// Sections are rendered in priority order — scene, characters, world
// memories — and filled greedily: an item that would overflow the budget is
// skipped whole rather than truncated mid-sentence, and later, shorter items
// may still fit. Empty sections are omitted entirely rather than rendering as
// empty headers.
//
// The formatter is pure: it performs no I/O, has no side effects, and is safe
// for concurrent use.
func FormatPrompt(bundle *Bundle, budget int) string {
	if bundle == nil {
		return ""
	}
	if budget <= 0 {
		budget = DefaultCharBudget
	}

	w := newBudgetWriter(budget)

	// ── Scene section ─────────────────────────────────────────────────────────
	if bundle.Scene != nil {
		w.section("## Current Location", sceneLines(bundle.Scene))
	}

	// ── Characters section ────────────────────────────────────────────────────
	if len(bundle.NPCs) > 0 {
		lines := make([]string, 0, len(bundle.NPCs))
		for i := range bundle.NPCs {
			lines = append(lines, npcCard(&bundle.NPCs[i]))
		}
		w.section("## Characters", lines)
	}

	// ── World memories section ────────────────────────────────────────────────
	if len(bundle.Facts) > 0 {
		lines := make([]string, 0, len(bundle.Facts))
		for _, fact := range bundle.Facts {
			lines = append(lines, factLine(fact.Record))
		}
		w.section("## World Memories", lines)
	}

	return w.String()
}

// budgetWriter accumulates sections while tracking the remaining character
// budget. Headers are only charged once a line under them fits.
type budgetWriter struct {
	sb        strings.Builder
	remaining int
}

func newBudgetWriter(budget int) *budgetWriter {
	return &budgetWriter{remaining: budget}
}

// section writes header followed by the lines that fit. Lines that would
// overflow are skipped individually; shorter later lines may still be taken.
func (w *budgetWriter) section(header string, lines []string) {
	headerCost := len(header) + 1
	if w.sb.Len() > 0 {
		headerCost += 1 // blank line between sections
	}
	headerWritten := false

	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		cost := len(line) + 1
		if !headerWritten {
			cost += headerCost
		}
		if cost > w.remaining {
			continue
		}
		if !headerWritten {
			if w.sb.Len() > 0 {
				w.sb.WriteString("\n")
			}
			w.sb.WriteString(header)
			w.sb.WriteString("\n")
			headerWritten = true
		}
		w.sb.WriteString(line)
		w.sb.WriteString("\n")
		w.remaining -= cost
	}
}

func (w *budgetWriter) String() string {
	return strings.TrimRight(w.sb.String(), "\n")
}

func sceneLines(scene *LocationContext) []string {
	var lines []string
	locLine := scene.Location.Name
	if scene.Location.Description != "" {
		locLine += " - " + scene.Location.Description
	}
	lines = append(lines, locLine)

	if len(scene.Exits) > 0 {
		var exits []string
		for _, exit := range scene.Exits {
			label := exit.Target.Name
			if exit.Edge.Verb != "" {
				label = fmt.Sprintf("%s (%s)", exit.Target.Name, exit.Edge.Verb)
			}
			exits = append(exits, label)
		}
		lines = append(lines, "Exits: "+strings.Join(exits, ", "))
	}
	return lines
}

// npcCard renders one character as a single line so the budget can take or
// skip it atomically.
func npcCard(entry *world.NpcEntry) string {
	var parts []string
	head := fmt.Sprintf("- **%s** (%s)", entry.Name, entry.Relationship)
	if entry.Intent != "" {
		parts = append(parts, "intent: "+entry.Intent)
	}
	if entry.LastSeenLocation != "" {
		parts = append(parts, "last seen: "+entry.LastSeenLocation)
	}
	if len(entry.History) > 0 {
		parts = append(parts, "recently: "+entry.History[len(entry.History)-1])
	}
	if len(parts) == 0 {
		return head
	}
	return head + " " + strings.Join(parts, "; ")
}

func factLine(rec world.MemoryRecord) string {
	return fmt.Sprintf("- [%s] %s", rec.Type, rec.Text)
}
