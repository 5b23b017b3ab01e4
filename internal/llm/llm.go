package llm

import "context"

// Request 描述发送给大模型的自然语言指令上下文。
type Request struct {
	Command   string
	Address   string
	History   []HistoryEntry
	Knowledge []KnowledgeCard
}

// Intent 是大模型从自然语言指令解析出的结构化意图。
// Action 对应工具注册表中的工具名，无法解析时回落为 chat。
type Intent struct {
	Action  string            `json:"action"`
	Params  map[string]string `json:"params,omitempty"`
	Thought string            `json:"thought,omitempty"`
	Reply   string            `json:"reply"`
}

// KnowledgeCard 表示提供给大模型的知识切片，帮助生成更加准确的意图。
type KnowledgeCard struct {
	Title   string
	Content string
}

// Client 定义了调用大模型解析意图的统一接口。
type Client interface {
	ParseIntent(ctx context.Context, req Request) (*Intent, error)
}

// HistoryEntry 描述一条历史指令，用于为大模型提供上下文记忆。
type HistoryEntry struct {
	Command      string
	Action       string
	Reply        string
	Observations string
	CreatedAt    int64
}
