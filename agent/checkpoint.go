package agent

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Checkpoint Agent 状态检查点：状态 + 会话消息 + 待执行计划
type Checkpoint struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	AgentID   string `json:"agent_id"`
	State     State  `json:"state"`
	ParentID  string `json:"parent_id,omitempty"` // 上一个检查点

	Messages     []Message      `json:"messages"`
	Plan         *Plan          `json:"plan,omitempty"`
	PendingSteps []string       `json:"pending_steps,omitempty"`
	Outputs      map[string]any `json:"outputs,omitempty"`
	AwaitingStep string         `json:"awaiting_step,omitempty"`

	History   []Transition   `json:"history,omitempty"`
	Error     string         `json:"error,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// CheckpointPayload 由会话提供的可序列化上下文
type CheckpointPayload struct {
	Messages     []Message
	Plan         *Plan
	PendingSteps []string
	Outputs      map[string]any
	AwaitingStep string
	Metadata     map[string]any
}

// CheckpointStorage 检查点存储。Load 在不存在时返回 ErrCheckpointNotFound。
type CheckpointStorage interface {
	Save(ctx context.Context, checkpoint *Checkpoint) error
	Load(ctx context.Context, checkpointID string) (*Checkpoint, error)
	Delete(ctx context.Context, checkpointID string) error
}

// NewCheckpointID 生成检查点 ID
func NewCheckpointID() string {
	return "ckpt_" + uuid.NewString()
}
