// Package contextmgr assembles the per-call prompt from three cache tiers
// and keeps it inside the token budget: soft-cap trimming of prunable
// dynamic sections, and compaction of old tool rounds.
package contextmgr

import (
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/autarkd/autark/pkg/llm"
)

// Section is one titled block of prompt context.
type Section struct {
	Title string
	Body  string
}

func (s Section) render() string {
	if s.Title == "" {
		return s.Body
	}
	return s.Title + "\n\n" + s.Body
}

// Assembly groups prompt sections by cache tier. Static content changes
// rarely and gets the longest provider cache lifetime; semi-stable content
// changes about once per task; dynamic content changes every round and is
// never cached.
type Assembly struct {
	Static     []Section
	SemiStable []Section
	Dynamic    []Section
}

// TrimInfo reports what soft-cap trimming did to one assembly.
type TrimInfo struct {
	EstimatedBefore int
	EstimatedAfter  int
	SoftCap         int
	Trimmed         []string
}

// Manager applies the configured token policy to prompt assemblies and
// message histories.
type Manager struct {
	softCap    int
	keepRecent int
	logger     zerolog.Logger
}

// Options configures a Manager.
type Options struct {
	SoftCapTokens    int
	KeepRecentRounds int
	Logger           zerolog.Logger
}

// New creates a Manager.
func New(opts Options) *Manager {
	if opts.KeepRecentRounds <= 0 {
		opts.KeepRecentRounds = 6
	}
	return &Manager{
		softCap:    opts.SoftCapTokens,
		keepRecent: opts.KeepRecentRounds,
		logger:     opts.Logger,
	}
}

// prunable names the dynamic sections that may be dropped under token
// pressure, in drop order.
var prunable = []string{
	"## Recent chat",
	"## Recent progress",
	"## Recent tools",
	"## Recent events",
	"## Supervisor",
}

// SystemBlocks renders an assembly into provider system blocks with cache
// hints attached per tier, trimming prunable dynamic sections first when
// the estimated total (blocks plus conversation) exceeds the soft cap.
func (m *Manager) SystemBlocks(a Assembly, conversation []llm.Message) ([]llm.SystemBlock, TrimInfo) {
	static := joinSections(a.Static)
	semiStable := joinSections(a.SemiStable)
	dynamic := a.Dynamic

	fixed := estimateText(static) + estimateText(semiStable) + llm.EstimateTokens(conversation)
	estimate := func(dyn []Section) int {
		return fixed + estimateText(joinSections(dyn))
	}

	info := TrimInfo{
		EstimatedBefore: estimate(dynamic),
		SoftCap:         m.softCap,
	}
	info.EstimatedAfter = info.EstimatedBefore

	if m.softCap > 0 && info.EstimatedBefore > m.softCap {
		for _, title := range prunable {
			if estimate(dynamic) <= m.softCap {
				break
			}
			kept := dynamic[:0:0]
			for _, s := range dynamic {
				if s.Title == title {
					info.Trimmed = append(info.Trimmed, title)
					continue
				}
				kept = append(kept, s)
			}
			dynamic = kept
		}
		info.EstimatedAfter = estimate(dynamic)
		if len(info.Trimmed) > 0 {
			m.logger.Info().
				Strs("sections", info.Trimmed).
				Int("tokens_before", info.EstimatedBefore).
				Int("tokens_after", info.EstimatedAfter).
				Msg("Trimmed prunable context sections")
		}
	}

	blocks := []llm.SystemBlock{}
	if static != "" {
		blocks = append(blocks, llm.SystemBlock{Text: static, CacheTTL: "1h"})
	}
	if semiStable != "" {
		blocks = append(blocks, llm.SystemBlock{Text: semiStable, CacheTTL: "5m"})
	}
	if dyn := joinSections(dynamic); dyn != "" {
		blocks = append(blocks, llm.SystemBlock{Text: dyn})
	}
	return blocks, info
}

func joinSections(sections []Section) string {
	parts := make([]string, 0, len(sections))
	for _, s := range sections {
		if strings.TrimSpace(s.Body) == "" && s.Title == "" {
			continue
		}
		parts = append(parts, s.render())
	}
	return strings.Join(parts, "\n\n")
}

// estimateText approximates tokens as chars/4 plus a small per-block
// overhead.
func estimateText(text string) int {
	if text == "" {
		return 0
	}
	return len(text)/4 + 6
}

// ShouldCompact reports whether history compaction should run for the
// given round and transcript length. Compaction starts a few rounds in,
// earlier when the transcript is already long.
func (m *Manager) ShouldCompact(round, messageCount int) bool {
	if round > 8 {
		return true
	}
	return round > 3 && messageCount > 60
}

// Clip truncates text to at most max bytes, marking the cut.
func Clip(text string, max int) string {
	if len(text) <= max {
		return text
	}
	return cutRunes(text, max) + "\n... (clipped)"
}

// cutRunes truncates s to at most n bytes, backing up so a multi-byte
// rune is never split.
func cutRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
