package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// =============================================================================
// 注入的外部协作者
// =============================================================================

// Message 会话消息
type Message struct {
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	Name      string     `json:"name,omitempty"` // 工具名或步骤 ID
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// 消息角色
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
	RoleSystem    = "system"
)

// ToolCall 模型请求的工具调用
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Usage Token 用量
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatOptions 单次对话选项
type ChatOptions struct {
	SystemPrompt string
	// Context 依赖步骤/任务的输出，按 ID 索引
	Context  map[string]any
	Tools    []string
	Metadata map[string]string
}

// ChatResponse 对话结果
type ChatResponse struct {
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Usage     *Usage     `json:"usage,omitempty"`
}

// AgentLike 可对话的 Agent（通常包装一个 LLM 客户端）
type AgentLike interface {
	Chat(ctx context.Context, input string, opts ChatOptions) (*ChatResponse, error)
}

// AgentConfig 创建 Agent 的配置
type AgentConfig struct {
	Name         string            `json:"name" yaml:"name"`
	Role         string            `json:"role,omitempty" yaml:"role"`
	SystemPrompt string            `json:"system_prompt,omitempty" yaml:"system_prompt"`
	Model        string            `json:"model,omitempty" yaml:"model"`
	Tools        []string          `json:"tools,omitempty" yaml:"tools"`
	Metadata     map[string]string `json:"metadata,omitempty" yaml:"metadata"`
}

// AgentFactory 按配置创建 Agent
type AgentFactory func(ctx context.Context, config AgentConfig) (AgentLike, error)

// AgentFunc 以函数实现 AgentLike
type AgentFunc func(ctx context.Context, input string, opts ChatOptions) (*ChatResponse, error)

func (f AgentFunc) Chat(ctx context.Context, input string, opts ChatOptions) (*ChatResponse, error) {
	return f(ctx, input, opts)
}

// =============================================================================
// 工具
// =============================================================================

// Tool 具名工具，返回字符串结果
type Tool interface {
	Name() string
	Execute(ctx context.Context, args json.RawMessage) (string, error)
}

type funcTool struct {
	name string
	fn   func(ctx context.Context, args json.RawMessage) (string, error)
}

func (t funcTool) Name() string { return t.name }

func (t funcTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	return t.fn(ctx, args)
}

// NewTool 以函数创建工具
func NewTool(name string, fn func(ctx context.Context, args json.RawMessage) (string, error)) Tool {
	return funcTool{name: name, fn: fn}
}

// ToolRegistry 工具注册表，由单个会话或管理器持有
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewToolRegistry 创建工具注册表
func NewToolRegistry(tools ...Tool) *ToolRegistry {
	r := &ToolRegistry{tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		r.tools[t.Name()] = t
	}
	return r
}

// Register 注册工具，同名覆盖
func (r *ToolRegistry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Get 获取工具
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names 返回已注册工具名（有序）
func (r *ToolRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Execute 按名称执行工具
func (r *ToolRegistry) Execute(ctx context.Context, name string, args json.RawMessage) (string, error) {
	t, ok := r.Get(name)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	return t.Execute(ctx, args)
}

// =============================================================================
// 计划
// =============================================================================

// PlanStep 计划步骤。Tool 为空时交给会话的 Agent 执行。
type PlanStep struct {
	ID          string          `json:"id"`
	Description string          `json:"description"`
	Tool        string          `json:"tool,omitempty"`
	Args        json.RawMessage `json:"args,omitempty"`
	DependsOn   []string        `json:"depends_on,omitempty"`
}

// Plan 由 Planner 生成的步骤集合
type Plan struct {
	ID    string     `json:"id"`
	Goal  string     `json:"goal"`
	Steps []PlanStep `json:"steps"`
}

// Planner 根据目标与会话历史生成计划
type Planner interface {
	Plan(ctx context.Context, goal string, history []Message) (*Plan, error)
}

// PlannerFunc 以函数实现 Planner
type PlannerFunc func(ctx context.Context, goal string, history []Message) (*Plan, error)

func (f PlannerFunc) Plan(ctx context.Context, goal string, history []Message) (*Plan, error) {
	return f(ctx, goal, history)
}

// =============================================================================
// 步骤输入
// =============================================================================

type stepInputKey struct{}

// WithStepInput 将用户为当前步骤提供的输入放入 ctx
func WithStepInput(ctx context.Context, input string) context.Context {
	return context.WithValue(ctx, stepInputKey{}, input)
}

// StepInput 读取当前步骤的用户输入
func StepInput(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(stepInputKey{}).(string)
	return v, ok
}
