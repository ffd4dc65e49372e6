package window

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Strategy selects how a window is compacted back under its budget.
type Strategy string

const (
	// StrategyImportance evicts lowest-importance entries first, ties
	// broken oldest-first.
	StrategyImportance Strategy = "importance"

	// StrategySummarize replaces a contiguous run of low/medium-importance
	// entries with one condensed synthetic entry.
	StrategySummarize Strategy = "summarize"

	// StrategyTruncate drops oldest entries first regardless of importance.
	// The simplest, lossiest strategy; also the fallback when summarization
	// input is unavailable.
	StrategyTruncate Strategy = "truncate"
)

// ParseStrategy converts a config string into a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(s)) {
	case StrategyImportance:
		return StrategyImportance, nil
	case StrategySummarize:
		return StrategySummarize, nil
	case StrategyTruncate:
		return StrategyTruncate, nil
	default:
		return "", fmt.Errorf("unknown compaction strategy: %q", s)
	}
}

// compactFunc reduces w until w.usedSize <= w.budget. Callers hold the
// manager lock.
type compactFunc func(ctx context.Context, m *Manager, w *sessionWindow) error

// strategyTable resolves the tagged strategy variant to its implementation.
var strategyTable = map[Strategy]compactFunc{
	StrategyImportance: compactByImportance,
	StrategySummarize:  compactBySummarization,
	StrategyTruncate:   compactByTruncation,
}

// Summarizer condenses a batch of entry contents into one short text.
type Summarizer interface {
	Summarize(ctx context.Context, contents []string) (string, error)
}

// HeadSummarizer is the deterministic fallback summarizer: it keeps the head
// of each entry and marks the result as condensed. Used when no external
// summarization collaborator is configured.
type HeadSummarizer struct {
	// MaxChars per source entry; 0 means 100.
	MaxChars int
}

func (s *HeadSummarizer) Summarize(ctx context.Context, contents []string) (string, error) {
	maxChars := s.MaxChars
	if maxChars <= 0 {
		maxChars = 100
	}

	heads := make([]string, 0, len(contents))
	for _, c := range contents {
		if len(c) > maxChars {
			// Cut on a rune boundary so the head stays valid UTF-8.
			cut := maxChars
			for cut > 0 && !utf8.RuneStart(c[cut]) {
				cut--
			}
			c = c[:cut] + "..."
		}
		heads = append(heads, c)
	}

	return strings.Join(heads, " ") + " [summarized]", nil
}
