// Package history is the per-workspace log of finalized messages. The
// Stream Manager appends to it (and truncates it for an edited message), the
// Compaction Controller replaces it wholesale; everything else reads.
package history

import (
	"encoding/json"
	"time"
)

// PartType discriminates the kinds of content a message part can carry.
type PartType string

const (
	PartText     PartType = "text"
	PartReasoning PartType = "reasoning"
	PartToolCall PartType = "tool-call"
	PartFile     PartType = "file"
)

// Part is one piece of a message's content. Only the fields relevant to
// Type are populated; the others are zero.
type Part struct {
	Type PartType `json:"type"`

	// PartText / PartReasoning
	Text string `json:"text,omitempty"`

	// PartToolCall
	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	Result     *string         `json:"result,omitempty"`
	Error      *string         `json:"error,omitempty"`

	// PartFile
	FileMimeType string `json:"fileMimeType,omitempty"`
	FileBytes    []byte `json:"fileBytes,omitempty"`
	FileURL      string `json:"fileUrl,omitempty"`
}

// Usage is token accounting for a single completed stream.
type Usage struct {
	InputTokens       int `json:"inputTokens"`
	OutputTokens      int `json:"outputTokens"`
	CachedTokens      int `json:"cachedTokens,omitempty"`
	CacheCreateTokens int `json:"cacheCreateTokens,omitempty"`
	ReasoningTokens   int `json:"reasoningTokens,omitempty"`
}

// Add returns the element-wise sum of u and o, treating either nil as zero.
func (u *Usage) Add(o *Usage) *Usage {
	sum := &Usage{}
	if u != nil {
		sum.InputTokens += u.InputTokens
		sum.OutputTokens += u.OutputTokens
		sum.CachedTokens += u.CachedTokens
		sum.CacheCreateTokens += u.CacheCreateTokens
		sum.ReasoningTokens += u.ReasoningTokens
	}
	if o != nil {
		sum.InputTokens += o.InputTokens
		sum.OutputTokens += o.OutputTokens
		sum.CachedTokens += o.CachedTokens
		sum.CacheCreateTokens += o.CacheCreateTokens
		sum.ReasoningTokens += o.ReasoningTokens
	}
	return sum
}

// Role is a message's author.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one entry in a workspace's history log.
type Message struct {
	ID              string          `json:"id"`
	WorkspaceID     string          `json:"workspaceId"`
	HistorySequence int64           `json:"historySequence"`
	Role            Role            `json:"role"`
	Parts           []Part          `json:"parts"`
	Timestamp       time.Time       `json:"timestamp"`
	Model           string          `json:"model,omitempty"`
	Usage           *Usage          `json:"usage,omitempty"`
	ProviderMetadata json.RawMessage `json:"providerMetadata,omitempty"`
	Duration        time.Duration   `json:"duration,omitempty"`
	Partial         bool            `json:"partial,omitempty"`
	Compacted       bool            `json:"compacted,omitempty"`
	// Error and ErrorType annotate a partial message that was committed
	// because its stream ended abnormally (abort or provider error) rather
	// than finishing naturally.
	Error     string `json:"error,omitempty"`
	ErrorType string `json:"errorType,omitempty"`
	// HistoricalUsage is set only on a compacted assistant message: the sum
	// of all usages that existed at compaction time.
	HistoricalUsage *Usage          `json:"historicalUsage,omitempty"`
	// MuxMetadata carries caller-supplied structured data on a user message,
	// e.g. a compaction-request record (target words, continue message,
	// resume model).
	MuxMetadata json.RawMessage `json:"muxMetadata,omitempty"`
}

// row is the flat column shape Message marshals to/from for SQLite storage.
type row struct {
	id               string
	workspaceID      string
	historySequence  int64
	role             string
	parts            string // JSON array of Part
	timestamp        int64  // unix millis
	model            string
	usage            string // JSON Usage or ""
	providerMetadata string
	durationMs       int64
	partial          bool
	compacted        bool
	errorText        string
	errorType        string
	historicalUsage  string
	muxMetadata      string
}

func (m Message) toRow() (row, error) {
	partsJSON, err := json.Marshal(m.Parts)
	if err != nil {
		return row{}, err
	}
	var usageJSON, historicalJSON string
	if m.Usage != nil {
		b, err := json.Marshal(m.Usage)
		if err != nil {
			return row{}, err
		}
		usageJSON = string(b)
	}
	if m.HistoricalUsage != nil {
		b, err := json.Marshal(m.HistoricalUsage)
		if err != nil {
			return row{}, err
		}
		historicalJSON = string(b)
	}
	return row{
		id:               m.ID,
		workspaceID:      m.WorkspaceID,
		historySequence:  m.HistorySequence,
		role:             string(m.Role),
		parts:            string(partsJSON),
		timestamp:        m.Timestamp.UnixMilli(),
		model:            m.Model,
		usage:            usageJSON,
		providerMetadata: string(m.ProviderMetadata),
		durationMs:       m.Duration.Milliseconds(),
		partial:          m.Partial,
		compacted:        m.Compacted,
		errorText:        m.Error,
		errorType:        m.ErrorType,
		historicalUsage:  historicalJSON,
		muxMetadata:      string(m.MuxMetadata),
	}, nil
}

func (r row) toMessage() (Message, error) {
	m := Message{
		ID:              r.id,
		WorkspaceID:     r.workspaceID,
		HistorySequence: r.historySequence,
		Role:            Role(r.role),
		Timestamp:       time.UnixMilli(r.timestamp),
		Model:           r.model,
		Duration:        time.Duration(r.durationMs) * time.Millisecond,
		Partial:         r.partial,
		Compacted:       r.compacted,
		Error:           r.errorText,
		ErrorType:       r.errorType,
	}
	if r.parts != "" {
		if err := json.Unmarshal([]byte(r.parts), &m.Parts); err != nil {
			return Message{}, err
		}
	}
	if r.usage != "" {
		var u Usage
		if err := json.Unmarshal([]byte(r.usage), &u); err != nil {
			return Message{}, err
		}
		m.Usage = &u
	}
	if r.historicalUsage != "" {
		var u Usage
		if err := json.Unmarshal([]byte(r.historicalUsage), &u); err != nil {
			return Message{}, err
		}
		m.HistoricalUsage = &u
	}
	if r.providerMetadata != "" {
		m.ProviderMetadata = json.RawMessage(r.providerMetadata)
	}
	if r.muxMetadata != "" {
		m.MuxMetadata = json.RawMessage(r.muxMetadata)
	}
	return m, nil
}
