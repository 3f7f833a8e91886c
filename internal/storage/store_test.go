package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/agent-orchestrator/internal/model"
)

func storeFactories(t *testing.T) map[string]func(t *testing.T) TaskStore {
	return map[string]func(t *testing.T) TaskStore{
		"memory": func(t *testing.T) TaskStore {
			return NewMemoryStore()
		},
		"sqlite": func(t *testing.T) TaskStore {
			store, err := NewSQLiteStore(zaptest.NewLogger(t), filepath.Join(t.TempDir(), "tasks.db"))
			require.NoError(t, err)
			return store
		},
	}
}

func newTask(id string, agentType model.AgentType, created time.Time) *model.Task {
	return &model.Task{
		ID:          id,
		AgentType:   agentType,
		Type:        "create_recipe",
		Priority:    model.TaskPriorityHigh,
		Status:      model.TaskStatusPending,
		Input:       json.RawMessage(`{"name":"pale ale"}`),
		SubmitterID: "user-1",
		CreatedAt:   created,
		UpdatedAt:   created,
	}
}

func TestTaskStore(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			t.Run("Create and get", func(t *testing.T) {
				store := factory(t)
				defer store.Close()

				created := time.Now().Add(-time.Minute)
				require.NoError(t, store.CreateTask(ctx, newTask("t1", model.AgentTypeRecipe, created)))

				task, err := store.GetTask(ctx, "t1")
				require.NoError(t, err)
				assert.Equal(t, "t1", task.ID)
				assert.Equal(t, model.AgentTypeRecipe, task.AgentType)
				assert.Equal(t, model.TaskPriorityHigh, task.Priority)
				assert.Equal(t, model.TaskStatusPending, task.Status)
				assert.JSONEq(t, `{"name":"pale ale"}`, string(task.Input))
				assert.Nil(t, task.Output)
				assert.Nil(t, task.CompletedAt)
				assert.Equal(t, "user-1", task.SubmitterID)
				assert.WithinDuration(t, created, task.CreatedAt, time.Millisecond)

				_, err = store.GetTask(ctx, "missing")
				assert.ErrorIs(t, err, model.ErrTaskNotFound)
				assert.NotErrorIs(t, err, model.ErrStoreUnavailable)
			})

			t.Run("Update", func(t *testing.T) {
				store := factory(t)
				defer store.Close()

				require.NoError(t, store.CreateTask(ctx, newTask("t1", model.AgentTypeRecipe, time.Now())))

				started := time.Now()
				attempts := 1
				update := model.StatusUpdate(model.TaskStatusAssigned)
				update.StartedAt = &started
				update.Attempts = &attempts
				require.NoError(t, store.UpdateTask(ctx, "t1", update))

				failed := "model unavailable"
				completed := time.Now()
				update = model.StatusUpdate(model.TaskStatusFailed)
				update.Error = &failed
				update.CompletedAt = &completed
				require.NoError(t, store.UpdateTask(ctx, "t1", update))

				task, err := store.GetTask(ctx, "t1")
				require.NoError(t, err)
				assert.Equal(t, model.TaskStatusFailed, task.Status)
				assert.Equal(t, failed, task.Error)
				assert.Equal(t, 1, task.Attempts)
				require.NotNil(t, task.StartedAt)
				require.NotNil(t, task.CompletedAt)
				assert.WithinDuration(t, completed, *task.CompletedAt, time.Millisecond)

				reset := model.StatusUpdate(model.TaskStatusPending)
				reset.Reset = true
				require.NoError(t, store.UpdateTask(ctx, "t1", reset))

				task, err = store.GetTask(ctx, "t1")
				require.NoError(t, err)
				assert.Equal(t, model.TaskStatusPending, task.Status)
				assert.Empty(t, task.Error)
				assert.Nil(t, task.CompletedAt)

				output := json.RawMessage(`{"abv":5.2}`)
				done := model.StatusUpdate(model.TaskStatusCompleted)
				done.Output = output
				done.CompletedAt = &completed
				require.NoError(t, store.UpdateTask(ctx, "t1", done))

				task, err = store.GetTask(ctx, "t1")
				require.NoError(t, err)
				assert.JSONEq(t, string(output), string(task.Output))

				err = store.UpdateTask(ctx, "missing", done)
				assert.ErrorIs(t, err, model.ErrTaskNotFound)
			})

			t.Run("Query", func(t *testing.T) {
				store := factory(t)
				defer store.Close()

				base := time.Now().Add(-time.Hour)
				for i := 0; i < 6; i++ {
					agentType := model.AgentTypeRecipe
					if i%2 == 1 {
						agentType = model.AgentTypeBatch
					}
					task := newTask(fmt.Sprintf("t%d", i), agentType, base.Add(time.Duration(i)*time.Minute))
					if i == 5 {
						task.Priority = model.TaskPriorityUrgent
						task.Status = model.TaskStatusCompleted
					}
					require.NoError(t, store.CreateTask(ctx, task))
				}

				all, err := store.QueryTasks(ctx, model.TaskFilters{})
				require.NoError(t, err)
				require.Len(t, all, 6)
				assert.Equal(t, "t5", all[0].ID)
				assert.Equal(t, "t0", all[5].ID)

				batch, err := store.QueryTasks(ctx, model.TaskFilters{AgentType: model.AgentTypeBatch})
				require.NoError(t, err)
				assert.Len(t, batch, 3)

				completed, err := store.QueryTasks(ctx, model.TaskFilters{Status: []model.TaskStatus{model.TaskStatusCompleted}})
				require.NoError(t, err)
				require.Len(t, completed, 1)
				assert.Equal(t, "t5", completed[0].ID)

				urgent, err := store.QueryTasks(ctx, model.TaskFilters{Priority: []model.TaskPriority{model.TaskPriorityUrgent, model.TaskPriorityLow}})
				require.NoError(t, err)
				assert.Len(t, urgent, 1)

				window, err := store.QueryTasks(ctx, model.TaskFilters{
					Since: base.Add(90 * time.Second),
					Until: base.Add(4 * time.Minute),
				})
				require.NoError(t, err)
				require.Len(t, window, 2)
				assert.Equal(t, "t3", window[0].ID)
				assert.Equal(t, "t2", window[1].ID)

				page, err := store.QueryTasks(ctx, model.TaskFilters{Limit: 2, Offset: 1})
				require.NoError(t, err)
				require.Len(t, page, 2)
				assert.Equal(t, "t4", page[0].ID)
				assert.Equal(t, "t3", page[1].ID)

				none, err := store.QueryTasks(ctx, model.TaskFilters{SubmitterID: "nobody"})
				require.NoError(t, err)
				assert.Empty(t, none)
			})

			t.Run("Delete before", func(t *testing.T) {
				store := factory(t)
				defer store.Close()

				old := time.Now().Add(-48 * time.Hour)
				done := newTask("old-done", model.AgentTypeRecipe, old)
				done.Status = model.TaskStatusCompleted
				require.NoError(t, store.CreateTask(ctx, done))
				require.NoError(t, store.CreateTask(ctx, newTask("old-pending", model.AgentTypeRecipe, old)))
				require.NoError(t, store.CreateTask(ctx, newTask("new", model.AgentTypeRecipe, time.Now())))

				deleted, err := store.DeleteBefore(ctx, time.Now().Add(-24*time.Hour))
				require.NoError(t, err)
				assert.Equal(t, int64(1), deleted)

				_, err = store.GetTask(ctx, "old-done")
				assert.ErrorIs(t, err, model.ErrTaskNotFound)
				_, err = store.GetTask(ctx, "old-pending")
				assert.NoError(t, err)
			})

			t.Run("Health", func(t *testing.T) {
				store := factory(t)
				require.NoError(t, store.CheckHealth(ctx))

				require.NoError(t, store.Close())
				err := store.CheckHealth(ctx)
				assert.ErrorIs(t, err, model.ErrStoreUnavailable)

				_, err = store.GetTask(ctx, "t1")
				assert.ErrorIs(t, err, model.ErrStoreUnavailable)
			})
		})
	}
}

func TestSQLiteStore_Persistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.db")
	ctx := context.Background()

	store, err := NewSQLiteStore(zaptest.NewLogger(t), path)
	require.NoError(t, err)
	require.NoError(t, store.CreateTask(ctx, newTask("kept", model.AgentTypeFinance, time.Now())))
	require.NoError(t, store.Close())

	store, err = NewSQLiteStore(zaptest.NewLogger(t), path)
	require.NoError(t, err)
	defer store.Close()

	task, err := store.GetTask(ctx, "kept")
	require.NoError(t, err)
	assert.Equal(t, model.AgentTypeFinance, task.AgentType)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	task := newTask("t1", model.AgentTypeRecipe, time.Now())
	require.NoError(t, store.CreateTask(ctx, task))
	task.Status = model.TaskStatusFailed

	got, err := store.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusPending, got.Status)

	got.Input[0] = 'x'
	again, err := store.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"pale ale"}`, string(again.Input))

	assert.Error(t, store.CreateTask(ctx, task))
}

func TestPaginate(t *testing.T) {
	tasks := []*model.Task{{ID: "a"}, {ID: "b"}, {ID: "c"}}
	assert.Len(t, Paginate(tasks, 0, 0), 3)
	assert.Len(t, Paginate(tasks, 1, 0), 2)
	assert.Len(t, Paginate(tasks, 0, 2), 2)
	assert.Nil(t, Paginate(tasks, 5, 1))
}
