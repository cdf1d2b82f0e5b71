package claude

import "encoding/json"

// lineRecord is the subset of a Claude Code transcript JSONL line this
// monitor cares about. The real format carries far more (tool
// definitions, full message content, thinking blocks); everything not
// named here is read only far enough to compute a hash or length before
// being discarded, per the privacy invariant.
type lineRecord struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId"`
	UUID      string          `json:"uuid"`
	Timestamp string          `json:"timestamp"`
	CWD       string          `json:"cwd"`
	Message   *messageBlock   `json:"message"`
	ToolUse   *toolUseResult  `json:"toolUseResult"`
	IsSidechain bool          `json:"isSidechain"`
	Raw       json.RawMessage `json:"-"`
}

type messageBlock struct {
	Role    string          `json:"role"`
	Model   string          `json:"model"`
	Content json.RawMessage `json:"content"`
	Usage   *usageBlock     `json:"usage"`
}

type usageBlock struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type toolUseResult struct {
	AgentID string `json:"agentId"`
}

// parseLine decodes one JSONL line. A decode failure marks the line as
// poison: the caller advances past it without emitting an event, exactly
// like a dead-lettered envelope, so one malformed line never stalls the
// tail.
func parseLine(raw []byte) (lineRecord, error) {
	var rec lineRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return lineRecord{}, err
	}
	rec.Raw = append(json.RawMessage(nil), raw...)
	return rec, nil
}

// contentTextLength best-effort sums the length of any text content
// blocks without retaining the text itself, for the privacy-safe
// TextLength field on emitted events.
func contentTextLength(content json.RawMessage) int {
	if len(content) == 0 {
		return 0
	}

	// Plain string content (older transcript shape).
	var s string
	if err := json.Unmarshal(content, &s); err == nil {
		return len(s)
	}

	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(content, &blocks); err != nil {
		return 0
	}
	total := 0
	for _, b := range blocks {
		total += len(b.Text)
	}
	return total
}

// toolNames extracts any tool_use block names present in content, for
// routing/metrics without retaining tool inputs.
func toolNames(content json.RawMessage) []string {
	var blocks []struct {
		Type string `json:"type"`
		Name string `json:"name"`
	}
	if err := json.Unmarshal(content, &blocks); err != nil {
		return nil
	}
	var names []string
	for _, b := range blocks {
		if b.Type == "tool_use" && b.Name != "" {
			names = append(names, b.Name)
		}
	}
	return names
}
