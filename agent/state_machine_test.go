package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"

	"github.com/BaSui01/agentcore/internal/metrics"
)

func TestCanTransition_Table(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateIdle, StatePlanning, true},
		{StateIdle, StateExecuting, false},
		{StateIdle, StateCancelled, false},
		{StatePlanning, StateExecuting, true},
		{StatePlanning, StateWaitingForInput, false},
		{StateExecuting, StatePlanning, true},
		{StateExecuting, StateWaitingForInput, true},
		{StateExecuting, StateCompleted, true},
		{StateWaitingForInput, StateExecuting, true},
		{StateWaitingForInput, StateCompleted, false},
		{StateCompleted, StateIdle, false},
		{StateFailed, StatePlanning, false},
		{StateCancelled, StateExecuting, false},
		{State("bogus"), StatePlanning, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestTerminalStatesHaveNoEdges(t *testing.T) {
	for _, s := range AllStates() {
		if s.IsTerminal() {
			assert.Empty(t, AllowedTransitions(s), "state %s", s)
			for _, to := range AllStates() {
				assert.False(t, CanTransition(s, to))
			}
		} else {
			assert.NotEmpty(t, AllowedTransitions(s), "state %s", s)
		}
	}
}

func TestStateMachine_HappyPath(t *testing.T) {
	ctx := context.Background()
	m := NewStateMachine(StateMachineConfig{SessionID: "s1"}, newMemStorage(), zap.NewNop())
	assert.Equal(t, StateIdle, m.State())

	for _, to := range []State{StatePlanning, StateExecuting, StateCompleted} {
		require.NoError(t, m.Transition(ctx, to))
	}
	assert.Equal(t, StateCompleted, m.State())

	h := m.History()
	require.Len(t, h, 3)
	assert.Equal(t, StateIdle, h[0].From)
	assert.Equal(t, StateCompleted, h[2].To)
}

func TestStateMachine_RejectsInvalidTransition(t *testing.T) {
	ctx := context.Background()
	m := NewStateMachine(StateMachineConfig{}, nil, zap.NewNop())

	err := m.Transition(ctx, StateCompleted)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	var te *TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, StateIdle, te.From)
	assert.Equal(t, StateCompleted, te.To)
	assert.Equal(t, StateIdle, m.State())
	assert.Empty(t, m.History())
}

func TestStateMachine_TerminalIsFinal(t *testing.T) {
	ctx := context.Background()
	m := NewStateMachine(StateMachineConfig{}, nil, zap.NewNop())
	require.NoError(t, m.Transition(ctx, StatePlanning))
	require.NoError(t, m.Transition(ctx, StateCancelled))

	for _, to := range AllStates() {
		err := m.Transition(ctx, to)
		assert.ErrorIs(t, err, ErrInvalidTransition, "cancelled -> %s", to)
	}
	assert.Contains(t, m.Transition(ctx, StatePlanning).Error(), "terminal")
}

func TestStateMachine_CheckpointOnWaitingForInput(t *testing.T) {
	ctx := context.Background()
	store := newMemStorage()
	m := NewStateMachine(StateMachineConfig{SessionID: "s1", AgentID: "a1"}, store, zap.NewNop(),
		WithSnapshotter(func(context.Context) CheckpointPayload {
			return CheckpointPayload{
				Messages:     []Message{{Role: RoleUser, Content: "hi"}},
				AwaitingStep: "ask",
			}
		}))

	require.NoError(t, m.Transition(ctx, StatePlanning))
	require.NoError(t, m.Transition(ctx, StateExecuting))
	assert.Zero(t, store.count(), "no checkpoint before waiting")

	require.NoError(t, m.Transition(ctx, StateWaitingForInput))
	require.Equal(t, 1, store.count())

	cp := store.saved()[0]
	assert.Equal(t, m.CheckpointID(), cp.ID)
	assert.Equal(t, StateWaitingForInput, cp.State)
	assert.Equal(t, "s1", cp.SessionID)
	assert.Equal(t, "a1", cp.AgentID)
	assert.Equal(t, "ask", cp.AwaitingStep)
	require.Len(t, cp.History, 3)
	assert.Equal(t, StateWaitingForInput, cp.History[2].To)
}

func TestStateMachine_SaveFailureRejectsTransition(t *testing.T) {
	ctx := context.Background()
	store := newMemStorage()
	store.saveErr = errDiskFull
	m := NewStateMachine(StateMachineConfig{}, store, zap.NewNop())

	require.NoError(t, m.Transition(ctx, StatePlanning))
	require.NoError(t, m.Transition(ctx, StateExecuting))

	err := m.Transition(ctx, StateWaitingForInput)
	require.Error(t, err)
	assert.ErrorIs(t, err, errDiskFull)
	assert.Equal(t, StateExecuting, m.State())
	assert.Len(t, m.History(), 2)
	assert.Empty(t, m.CheckpointID())
}

func TestStateMachine_NilStorageRejectsCheckpointState(t *testing.T) {
	ctx := context.Background()
	m := NewStateMachine(StateMachineConfig{}, nil, zap.NewNop())
	require.NoError(t, m.Transition(ctx, StatePlanning))
	require.NoError(t, m.Transition(ctx, StateExecuting))

	err := m.Transition(ctx, StateWaitingForInput)
	assert.ErrorIs(t, err, ErrNoCheckpointStorage)
	assert.Equal(t, StateExecuting, m.State())
}

func TestStateMachine_CustomCheckpointStates(t *testing.T) {
	ctx := context.Background()
	store := newMemStorage()
	m := NewStateMachine(StateMachineConfig{
		CheckpointStates: []State{StateExecuting},
	}, store, zap.NewNop())

	require.NoError(t, m.Transition(ctx, StatePlanning))
	require.NoError(t, m.Transition(ctx, StateExecuting))
	assert.Equal(t, 1, store.count())
	assert.Equal(t, StateExecuting, store.saved()[0].State)
}

func TestStateMachine_FailRecordsError(t *testing.T) {
	ctx := context.Background()
	m := NewStateMachine(StateMachineConfig{}, nil, zap.NewNop())
	require.NoError(t, m.Transition(ctx, StatePlanning))
	require.NoError(t, m.Fail(ctx, errors.New("planner exploded")))

	snap := m.Snapshot()
	assert.Equal(t, StateFailed, snap.Status)
	assert.Equal(t, "planner exploded", snap.Error)
	assert.Equal(t, "planner exploded", snap.History[len(snap.History)-1].Reason)
}

func TestStateMachine_Resume(t *testing.T) {
	ctx := context.Background()
	store := newMemStorage()
	m := NewStateMachine(StateMachineConfig{SessionID: "s1"}, store, zap.NewNop())
	require.NoError(t, m.Transition(ctx, StatePlanning))
	require.NoError(t, m.Transition(ctx, StateExecuting))
	require.NoError(t, m.Transition(ctx, StateWaitingForInput))
	cpID := m.CheckpointID()
	require.NoError(t, m.Transition(ctx, StateExecuting))

	// 新进程中的状态机从 idle 直接恢复到检查点状态
	fresh := NewStateMachine(StateMachineConfig{SessionID: "s1"}, store, zap.NewNop())
	var seen []Transition
	fresh.OnTransition(func(_ context.Context, tr Transition) { seen = append(seen, tr) })

	cp, err := fresh.Resume(ctx, cpID)
	require.NoError(t, err)
	assert.Equal(t, cpID, cp.ID)
	assert.Equal(t, StateWaitingForInput, fresh.State())
	assert.Equal(t, cpID, fresh.CheckpointID())

	h := fresh.History()
	require.Len(t, h, 4)
	assert.Equal(t, "resume:"+cpID, h[3].Reason)
	assert.Equal(t, StateIdle, h[3].From)
	require.Len(t, seen, 1)

	require.NoError(t, fresh.Transition(ctx, StateExecuting))
}

func TestStateMachine_ResumeErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("no storage", func(t *testing.T) {
		m := NewStateMachine(StateMachineConfig{}, nil, zap.NewNop())
		_, err := m.Resume(ctx, "x")
		assert.ErrorIs(t, err, ErrNoCheckpointStorage)
	})

	t.Run("missing checkpoint", func(t *testing.T) {
		m := NewStateMachine(StateMachineConfig{}, newMemStorage(), zap.NewNop())
		_, err := m.Resume(ctx, "ckpt_missing")
		assert.ErrorIs(t, err, ErrCheckpointNotFound)
		assert.Equal(t, StateIdle, m.State())
	})

	t.Run("no id and no previous checkpoint", func(t *testing.T) {
		m := NewStateMachine(StateMachineConfig{}, newMemStorage(), zap.NewNop())
		_, err := m.Resume(ctx, "")
		assert.ErrorIs(t, err, ErrCheckpointNotFound)
	})

	t.Run("terminal machine", func(t *testing.T) {
		store := newMemStorage()
		m := NewStateMachine(StateMachineConfig{}, store, zap.NewNop())
		require.NoError(t, m.Transition(ctx, StatePlanning))
		require.NoError(t, m.Transition(ctx, StateExecuting))
		require.NoError(t, m.Transition(ctx, StateWaitingForInput))
		id := m.CheckpointID()
		require.NoError(t, m.Transition(ctx, StateCancelled))

		_, err := m.Resume(ctx, id)
		assert.ErrorIs(t, err, ErrInvalidTransition)
		assert.Equal(t, StateCancelled, m.State())
	})

	t.Run("terminal checkpoint", func(t *testing.T) {
		store := newMemStorage()
		require.NoError(t, store.Save(ctx, &Checkpoint{ID: "done", State: StateCompleted}))
		m := NewStateMachine(StateMachineConfig{}, store, zap.NewNop())
		_, err := m.Resume(ctx, "done")
		assert.ErrorIs(t, err, ErrInvalidTransition)
		assert.Equal(t, StateIdle, m.State())
	})
}

func TestStateMachine_Archive(t *testing.T) {
	ctx := context.Background()
	store := newMemStorage()
	m := NewStateMachine(StateMachineConfig{}, store, zap.NewNop())

	_, err := m.Archive(ctx)
	assert.ErrorIs(t, err, ErrNotTerminal)

	require.NoError(t, m.Transition(ctx, StatePlanning))
	require.NoError(t, m.Transition(ctx, StateExecuting))
	require.NoError(t, m.Transition(ctx, StateCompleted))

	cp, err := m.Archive(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, cp.State)
	assert.Equal(t, true, cp.Metadata["archived"])
	assert.Len(t, cp.History, 3)
	assert.True(t, m.Snapshot().Archived)
	assert.Len(t, m.History(), 3)

	_, err = m.Archive(ctx)
	assert.ErrorIs(t, err, ErrAlreadyArchived)
}

func TestStateMachine_ArchiveWithoutStorage(t *testing.T) {
	ctx := context.Background()
	m := NewStateMachine(StateMachineConfig{SessionID: "s"}, nil, zap.NewNop())
	require.NoError(t, m.Transition(ctx, StatePlanning))
	require.NoError(t, m.Fail(ctx, errors.New("boom")))

	cp, err := m.Archive(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, cp.State)
	assert.Equal(t, "boom", cp.Error)
}

func TestStateMachine_ListenersAndMetrics(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollectorWithRegistry("test", reg, zap.NewNop())

	var got []Transition
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewStateMachine(StateMachineConfig{}, newMemStorage(), zap.NewNop(),
		WithMetrics(collector),
		WithClock(func() time.Time { return now }),
		WithListener(func(_ context.Context, tr Transition) { got = append(got, tr) }))

	require.NoError(t, m.Transition(ctx, StatePlanning))
	require.NoError(t, m.Transition(ctx, StateExecuting))
	require.NoError(t, m.Transition(ctx, StateWaitingForInput))

	require.Len(t, got, 3)
	assert.Equal(t, now, got[0].At)
	n, err := testutil.GatherAndCount(reg, "test_agent_state_transitions_total", "test_agent_checkpoints_total")
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

// 随机转换序列下，状态机只接受表内的边，终态之后不再变化
func TestStateMachine_TransitionProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		ctx := context.Background()
		m := NewStateMachine(StateMachineConfig{}, newMemStorage(), zap.NewNop())
		model := StateIdle
		accepted := 0

		steps := rapid.SliceOfN(rapid.SampledFrom(AllStates()), 1, 30).Draw(rt, "steps")
		for _, to := range steps {
			err := m.Transition(ctx, to)
			if CanTransition(model, to) {
				if err != nil {
					rt.Fatalf("%s -> %s rejected: %v", model, to, err)
				}
				model = to
				accepted++
			} else if !errors.Is(err, ErrInvalidTransition) {
				rt.Fatalf("%s -> %s: expected invalid transition, got %v", model, to, err)
			}
			if m.State() != model {
				rt.Fatalf("state %s, model %s", m.State(), model)
			}
		}
		if len(m.History()) != accepted {
			rt.Fatalf("history %d, accepted %d", len(m.History()), accepted)
		}
	})
}
