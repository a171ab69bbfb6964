package contextmgr

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/autarkd/autark/pkg/llm"
)

// largeContentArgs maps tool names to the argument that carries bulk
// content; compaction replaces that argument instead of the whole call.
var largeContentArgs = map[string]string{
	"write_file":        "content",
	"update_scratchpad": "content",
}

// CompactHistory compresses old tool rounds into short summaries, keeping
// the most recent rounds intact. Tool names and error markers survive, so
// the model still sees what it tried and whether it worked.
func (m *Manager) CompactHistory(messages []llm.Message) []llm.Message {
	roundStarts := toolRoundStarts(messages)
	if len(roundStarts) <= m.keepRecent {
		return messages
	}

	compactRounds := make(map[int]bool)
	for _, idx := range roundStarts[:len(roundStarts)-m.keepRecent] {
		compactRounds[idx] = true
	}

	result := make([]llm.Message, 0, len(messages))
	for i, msg := range messages {
		if msg.Role == "tool" && inCompactedRound(i, roundStarts, compactRounds) {
			result = append(result, compactToolResult(msg))
			continue
		}
		if msg.Role == "assistant" && compactRounds[i] {
			result = append(result, compactAssistantMessage(msg))
			continue
		}
		result = append(result, msg)
	}
	return result
}

// CompactHistoryLLM summarizes old tool results through the light model
// into one or two factual lines each. Any failure falls back to the
// deterministic truncation of CompactHistory.
func (m *Manager) CompactHistoryLLM(ctx context.Context, client llm.Client, lightModel string, messages []llm.Message) []llm.Message {
	roundStarts := toolRoundStarts(messages)
	if len(roundStarts) <= m.keepRecent {
		return messages
	}

	compactRounds := make(map[int]bool)
	for _, idx := range roundStarts[:len(roundStarts)-m.keepRecent] {
		compactRounds[idx] = true
	}

	type oldResult struct {
		idx     int
		callID  string
		content string
	}
	old := []oldResult{}
	for i, msg := range messages {
		if msg.Role != "tool" || !inCompactedRound(i, roundStarts, compactRounds) {
			continue
		}
		if len(msg.Content) > 120 {
			content := msg.Content
			if len(content) > 1500 {
				content = content[:1500]
			}
			old = append(old, oldResult{idx: i, callID: msg.ToolCallID, content: content})
		}
	}
	if len(old) == 0 {
		return m.CompactHistory(messages)
	}
	if len(old) > 20 {
		old = old[:20]
	}

	var batch strings.Builder
	for i, r := range old {
		if i > 0 {
			batch.WriteString("\n---\n")
		}
		fmt.Fprintf(&batch, "[%s]\n%s", r.callID, r.content)
	}
	prompt := "Summarize each tool result below into 1-2 lines of key facts. " +
		"Preserve errors, file paths, and important values. " +
		"Output one summary per [id] block, same order.\n\n" + batch.String()

	resp, err := client.Chat(ctx, llm.ChatRequest{
		Model:     lightModel,
		Messages:  []llm.Message{{Role: "user", Content: prompt}},
		MaxTokens: 1024,
	})
	if err != nil || resp == nil || strings.TrimSpace(resp.Content) == "" {
		m.logger.Warn().Err(err).Msg("Model compaction failed, falling back to truncation")
		return m.CompactHistory(messages)
	}

	summaries := parseSummaryBlocks(resp.Content)
	byIdx := make(map[int]string)
	for _, r := range old {
		if s, ok := summaries[r.callID]; ok && s != "" {
			byIdx[r.idx] = s
		}
	}

	result := make([]llm.Message, 0, len(messages))
	for i, msg := range messages {
		if s, ok := byIdx[i]; ok {
			compacted := msg
			compacted.Content = s
			result = append(result, compacted)
			continue
		}
		if msg.Role == "tool" && inCompactedRound(i, roundStarts, compactRounds) {
			result = append(result, compactToolResult(msg))
			continue
		}
		if msg.Role == "assistant" && compactRounds[i] {
			result = append(result, compactAssistantMessage(msg))
			continue
		}
		result = append(result, msg)
	}
	return result
}

// toolRoundStarts returns the indices of assistant messages that opened a
// tool round.
func toolRoundStarts(messages []llm.Message) []int {
	starts := []int{}
	for i, msg := range messages {
		if msg.Role == "assistant" && len(msg.ToolCalls) > 0 {
			starts = append(starts, i)
		}
	}
	return starts
}

// inCompactedRound reports whether the tool message at index i belongs to
// a round marked for compaction.
func inCompactedRound(i int, roundStarts []int, compactRounds map[int]bool) bool {
	for j := len(roundStarts) - 1; j >= 0; j-- {
		if roundStarts[j] < i {
			return compactRounds[roundStarts[j]]
		}
	}
	return false
}

func compactToolResult(msg llm.Message) llm.Message {
	content := msg.Content
	compacted := msg

	if strings.HasPrefix(content, "Error") || strings.HasPrefix(content, "⚠") {
		// keep error details
		compacted.Content = cutRunes(content, 200)
		return compacted
	}

	if len(content) > 80 {
		firstLine := content
		if nl := strings.IndexByte(firstLine, '\n'); nl >= 0 {
			firstLine = firstLine[:nl]
		}
		firstLine = cutRunes(firstLine, 80)
		compacted.Content = fmt.Sprintf("%s... (%d chars)", firstLine, len(content))
	}
	return compacted
}

func compactAssistantMessage(msg llm.Message) llm.Message {
	compacted := msg

	if len(compacted.Content) > 200 {
		compacted.Content = cutRunes(compacted.Content, 200) + "..."
	}

	if len(msg.ToolCalls) > 0 {
		calls := make([]llm.ToolCall, len(msg.ToolCalls))
		for i, tc := range msg.ToolCalls {
			calls[i] = compactToolCallArgs(tc)
		}
		compacted.ToolCalls = calls
	}
	return compacted
}

// compactToolCallArgs strips bulk content arguments from old tool calls
// and truncates oversized argument sets.
func compactToolCallArgs(tc llm.ToolCall) llm.ToolCall {
	if field, ok := largeContentArgs[tc.Name]; ok {
		if v, present := tc.Parameters[field]; present && v != nil {
			params := make(map[string]interface{}, len(tc.Parameters))
			for k, v := range tc.Parameters {
				params[k] = v
			}
			params[field] = map[string]interface{}{"_truncated": true}
			tc.Parameters = params
			return tc
		}
	}

	raw, err := json.Marshal(tc.Parameters)
	if err == nil && len(raw) > 500 {
		tc.Parameters = map[string]interface{}{
			"_truncated": true,
			"_preview":   string(raw[:200]),
		}
	}
	return tc
}

// parseSummaryBlocks splits a "[id] summary" response into a map keyed by
// id. Multi-line summaries are joined with spaces.
func parseSummaryBlocks(text string) map[string]string {
	summaries := make(map[string]string)
	var currentID string
	var lines []string

	flush := func() {
		if currentID != "" {
			summaries[currentID] = strings.TrimSpace(strings.Join(lines, " "))
		}
	}

	for _, line := range strings.Split(strings.TrimSpace(text), "\n") {
		stripped := strings.TrimSpace(line)
		if strings.HasPrefix(stripped, "[") && strings.Contains(stripped, "]") {
			flush()
			end := strings.Index(stripped, "]")
			currentID = stripped[1:end]
			rest := strings.TrimSpace(stripped[end+1:])
			lines = nil
			if rest != "" {
				lines = append(lines, rest)
			}
			continue
		}
		if currentID != "" {
			lines = append(lines, stripped)
		}
	}
	flush()
	return summaries
}
