// Package history implements the history manager (C7): tool-turn pruning,
// the compaction contract, and thread-safe snapshot retrieval. The pruning
// and repair logic is grounded on internal/agent/transcript_repair.go's
// pending tool-call-ID tracking; the token-budget chunking behind the
// Summarize compaction strategy is grounded on
// internal/compaction/compaction.go's chunking helpers, generalized from a
// threshold-triggered memory flush into the explicit-call-only compaction
// contract §4.7 specifies.
package history

import (
	"context"
	"fmt"
	"sync"

	"github.com/fennelabs/agentloop/pkg/model"
)

// Compactor delegates compaction to a provider's own opaque endpoint
// (§6's "OpenAI Responses compaction" contract, for example). Passed to
// Manager.Compact only for model.CompactNative.
type Compactor interface {
	Compact(ctx context.Context, history []model.Message) ([]model.Message, error)
}

// Summarizer produces a short summary of conversation text, backing the
// model.CompactSummarize strategy.
type Summarizer interface {
	Summarize(ctx context.Context, text string) (string, error)
}

// Manager owns one conversation's message history behind a reader-writer
// lock, matching §5's "no lock held across a suspension point" invariant:
// every exported method takes the lock, performs a bounded mutation or
// copy, and releases before returning (or, for Compact, before any
// Compactor/Summarizer call — those run outside the lock).
type Manager struct {
	mu       sync.RWMutex
	messages []model.Message
}

// New constructs a Manager seeded with initial, which is defensively
// repaired first (see Repair) so a caller-supplied history that already
// violates the tool-call/tool-result pairing invariant doesn't propagate
// that corruption forward.
func New(initial []model.Message) *Manager {
	return &Manager{messages: Repair(initial)}
}

// Append adds msg to the end of history.
func (m *Manager) Append(msg model.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, msg)
}

// Snapshot returns a deep copy of the current history. Safe to call
// concurrently with Append/Prune — readers never block writers and vice
// versa beyond the brief lock hold.
func (m *Manager) Snapshot() []model.Message {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Message, len(m.messages))
	for i, msg := range m.messages {
		out[i] = msg.Clone()
	}
	return out
}

// Len returns the current message count.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.messages)
}

// PruneToolTurns removes the oldest tool turns until at most maxToolTurns
// remain. maxToolTurns <= 0 means unlimited (no-op). Non-tool messages are
// never removed, and the tool-call/tool-result pairing invariant holds
// for every message retained — see pruneToolTurns for the algorithm.
func (m *Manager) PruneToolTurns(maxToolTurns int) {
	if maxToolTurns <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = pruneToolTurns(m.messages, maxToolTurns)
}

// toolTurn is one assistant message carrying tool_calls together with the
// contiguous block of Tool messages answering those calls.
type toolTurn struct {
	startIdx int // index of the assistant message in the source slice
	endIdx   int // exclusive end of the contiguous Tool-message block
}

// pruneToolTurns implements §4.7's pruning algorithm: identify every tool
// turn in order, then drop the oldest ones until at most maxToolTurns
// remain, leaving all other messages untouched.
func pruneToolTurns(messages []model.Message, maxToolTurns int) []model.Message {
	turns := findToolTurns(messages)
	if len(turns) <= maxToolTurns {
		return messages
	}

	dropCount := len(turns) - maxToolTurns
	dropped := make(map[int]bool, dropCount) // by message index
	for _, t := range turns[:dropCount] {
		for i := t.startIdx; i < t.endIdx; i++ {
			dropped[i] = true
		}
	}

	out := make([]model.Message, 0, len(messages)-dropCount)
	for i, msg := range messages {
		if !dropped[i] {
			out = append(out, msg)
		}
	}
	return out
}

func findToolTurns(messages []model.Message) []toolTurn {
	var turns []toolTurn
	i := 0
	for i < len(messages) {
		msg := messages[i]
		if msg.Role == model.RoleAssistant && len(msg.ToolCalls) > 0 {
			start := i
			j := i + 1
			for j < len(messages) && messages[j].Role == model.RoleTool {
				j++
			}
			turns = append(turns, toolTurn{startIdx: start, endIdx: j})
			i = j
			continue
		}
		i++
	}
	return turns
}

// Repair defensively drops any Tool message whose ToolCallID does not
// reference an outstanding tool call from the most recent assistant
// message, and assigns the first outstanding ID to a Tool message that
// arrived with an empty ToolCallID. Grounded directly on
// transcript_repair.go's repairTranscript.
func Repair(messages []model.Message) []model.Message {
	if len(messages) == 0 {
		return messages
	}

	pending := make(map[string]struct{})
	pendingOrder := make([]string, 0)
	repaired := make([]model.Message, 0, len(messages))

	clearPending := func() {
		for k := range pending {
			delete(pending, k)
		}
		pendingOrder = pendingOrder[:0]
	}

	for _, msg := range messages {
		switch msg.Role {
		case model.RoleAssistant:
			clearPending()
			for _, call := range msg.ToolCalls {
				if call.ID == "" {
					continue
				}
				pending[call.ID] = struct{}{}
				pendingOrder = append(pendingOrder, call.ID)
			}
			repaired = append(repaired, msg)

		case model.RoleTool:
			id := msg.ToolCallID
			if id == "" && len(pendingOrder) > 0 {
				id = pendingOrder[0]
			}
			if id == "" {
				continue
			}
			if _, ok := pending[id]; !ok {
				continue
			}
			delete(pending, id)
			pendingOrder = removeID(pendingOrder, id)
			fixed := msg
			fixed.ToolCallID = id
			repaired = append(repaired, fixed)

		default:
			repaired = append(repaired, msg)
		}
	}

	return repaired
}

func removeID(ids []string, target string) []string {
	for i, id := range ids {
		if id == target {
			copy(ids[i:], ids[i+1:])
			return ids[:len(ids)-1]
		}
	}
	return ids
}

// Compact applies strategy to the current history and, on success,
// replaces it with the result. All role=User messages are preserved
// verbatim and in order, per §4.7's compaction contract.
func (m *Manager) Compact(ctx context.Context, strategy model.CompactStrategy, compactor Compactor, summarizer Summarizer) error {
	m.mu.Lock()
	current := make([]model.Message, len(m.messages))
	copy(current, m.messages)
	m.mu.Unlock()

	compacted, err := compactHistory(ctx, current, strategy, compactor, summarizer)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = compacted
	return nil
}

func compactHistory(ctx context.Context, history []model.Message, strategy model.CompactStrategy, compactor Compactor, summarizer Summarizer) ([]model.Message, error) {
	switch strategy {
	case model.CompactNative:
		if compactor == nil {
			return nil, model.ErrCompactionNotSupported
		}
		return compactor.Compact(ctx, history)

	case model.CompactSummarize:
		if summarizer == nil {
			// No summarization backend configured: fall back to the
			// token-budget truncation strategy rather than failing
			// outright, since truncation is always available.
			return truncateHistory(history), nil
		}
		return summarizeHistory(ctx, history, summarizer)

	case model.CompactTruncate:
		return truncateHistory(history), nil

	case model.CompactDisabled, "":
		return nil, model.ErrCompactionNotSupported

	default:
		return nil, model.ErrCompactionNotSupported
	}
}

// charsPerToken is the same coarse heuristic the teacher's token estimator
// uses when no tokenizer is available.
const charsPerToken = 4

func estimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + charsPerToken - 1) / charsPerToken
}

// truncateHistory keeps all User messages and the most recent non-user
// messages, dropping older assistant/tool content first.
func truncateHistory(history []model.Message) []model.Message {
	const keepRecentNonUser = 6

	var users []int
	var nonUsers []int
	for i, msg := range history {
		if msg.Role == model.RoleUser {
			users = append(users, i)
		} else {
			nonUsers = append(nonUsers, i)
		}
	}

	keepSet := make(map[int]bool, len(users)+keepRecentNonUser)
	for _, i := range users {
		keepSet[i] = true
	}
	if len(nonUsers) > keepRecentNonUser {
		nonUsers = nonUsers[len(nonUsers)-keepRecentNonUser:]
	}
	for _, i := range nonUsers {
		keepSet[i] = true
	}

	out := make([]model.Message, 0, len(keepSet))
	for i, msg := range history {
		if keepSet[i] {
			out = append(out, msg)
		}
	}
	return Repair(out)
}

// maxChunkTokens bounds a single Summarize call's input, mirroring
// compaction.go's ChunkMessagesByMaxTokens/BaseChunkRatio split against
// DefaultContextWindow: large histories are summarized in token-bounded
// chunks rather than as one unbounded blob, then the chunk summaries are
// merged with one further Summarize call.
const maxChunkTokens = 20000

// summarizeHistory replaces the oldest assistant/tool content with a single
// opaque summary message, preserving every User message verbatim. When the
// content to summarize exceeds maxChunkTokens it is split into
// token-bounded chunks, each summarized independently, then the chunk
// summaries are merged into one final summary — grounded on
// compaction.go's SummarizeChunks/mergeSummaries two-pass shape.
func summarizeHistory(ctx context.Context, history []model.Message, summarizer Summarizer) ([]model.Message, error) {
	const recentWindow = 4

	splitAt := len(history) - recentWindow
	if splitAt <= 0 {
		return history, nil
	}

	var toSummarize []model.Message
	for _, msg := range history[:splitAt] {
		if msg.Role != model.RoleUser {
			toSummarize = append(toSummarize, msg)
		}
	}
	if len(toSummarize) == 0 {
		return history, nil
	}

	summary, err := summarizeInChunks(ctx, toSummarize, summarizer)
	if err != nil {
		return nil, err
	}
	if summary == "" {
		return history, nil
	}

	out := make([]model.Message, 0, len(history)-len(toSummarize)+1)
	out = append(out, model.Message{Role: model.RoleSystem, Content: "[compacted summary] " + summary})
	for _, msg := range history[:splitAt] {
		if msg.Role == model.RoleUser {
			out = append(out, msg)
		}
	}
	out = append(out, history[splitAt:]...)
	return Repair(out), nil
}

// summarizeInChunks splits messages into chunks that each stay under
// maxChunkTokens, summarizes every chunk, then merges the chunk summaries
// into a single final summary if there was more than one.
func summarizeInChunks(ctx context.Context, messages []model.Message, summarizer Summarizer) (string, error) {
	text := formatForSummary(messages)
	if estimateTokens(text) == 0 {
		return "", nil
	}

	chunks := chunkMessagesByMaxTokens(messages, maxChunkTokens)
	if len(chunks) <= 1 {
		summary, err := summarizer.Summarize(ctx, text)
		if err != nil {
			return "", fmt.Errorf("compaction summarize: %w", err)
		}
		return summary, nil
	}

	chunkSummaries := make([]string, len(chunks))
	for i, chunk := range chunks {
		summary, err := summarizer.Summarize(ctx, formatForSummary(chunk))
		if err != nil {
			return "", fmt.Errorf("compaction summarize chunk %d: %w", i, err)
		}
		chunkSummaries[i] = summary
	}

	return mergeSummaries(ctx, chunkSummaries, summarizer)
}

// chunkMessagesByMaxTokens splits messages into chunks where each chunk's
// estimated token total stays at or under maxTokens, except that a single
// message exceeding maxTokens on its own always gets its own chunk.
// Grounded on compaction.go's ChunkMessagesByMaxTokens.
func chunkMessagesByMaxTokens(messages []model.Message, maxTokens int) [][]model.Message {
	if len(messages) == 0 {
		return nil
	}
	if maxTokens <= 0 {
		return [][]model.Message{messages}
	}

	var result [][]model.Message
	var current []model.Message
	currentTokens := 0

	for _, msg := range messages {
		msgTokens := estimateTokens(msg.Content)

		if msgTokens > maxTokens {
			if len(current) > 0 {
				result = append(result, current)
				current = nil
				currentTokens = 0
			}
			result = append(result, []model.Message{msg})
			continue
		}

		if currentTokens+msgTokens > maxTokens && len(current) > 0 {
			result = append(result, current)
			current = nil
			currentTokens = 0
		}

		current = append(current, msg)
		currentTokens += msgTokens
	}

	if len(current) > 0 {
		result = append(result, current)
	}
	return result
}

// mergeSummaries combines multiple chunk summaries into one final summary
// via one further Summarize call, grounded on compaction.go's
// mergeSummaries merge-pass.
func mergeSummaries(ctx context.Context, summaries []string, summarizer Summarizer) (string, error) {
	if len(summaries) == 1 {
		return summaries[0], nil
	}

	var merged string
	for i, s := range summaries {
		merged += fmt.Sprintf("chunk %d summary:\n%s\n\n", i+1, s)
	}

	final, err := summarizer.Summarize(ctx, merged)
	if err != nil {
		return "", fmt.Errorf("compaction merge summaries: %w", err)
	}
	return final, nil
}

func formatForSummary(messages []model.Message) string {
	var out string
	for _, msg := range messages {
		out += string(msg.Role) + ": " + msg.Content + "\n"
	}
	return out
}
