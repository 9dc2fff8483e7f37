package scheduler

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestScheduler(t *testing.T) *Scheduler {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(10*time.Millisecond, logger)
}

func TestCreateTaskScheduledRequiresExecuteAt(t *testing.T) {
	s := newTestScheduler(t)
	_, err := s.CreateTask(CreateParams{Mode: ModeScheduled, DeviceID: "dev-1"}, 1000)
	require.Error(t, err)

	task, err := s.CreateTask(CreateParams{Mode: ModeScheduled, DeviceID: "dev-1", ExecuteAt: 5000}, 1000)
	require.NoError(t, err)
	require.Equal(t, int64(5000), task.ExecuteAt)
}

func TestCreateTaskCountdownComputesExecuteAt(t *testing.T) {
	s := newTestScheduler(t)
	_, err := s.CreateTask(CreateParams{Mode: ModeCountdown, DeviceID: "dev-1"}, 1000)
	require.Error(t, err)

	task, err := s.CreateTask(CreateParams{Mode: ModeCountdown, DeviceID: "dev-1", Countdown: 2}, 1000)
	require.NoError(t, err)
	require.Equal(t, int64(3000), task.ExecuteAt)
}

func TestCreateTaskRecurringDefaultsExecuteAt(t *testing.T) {
	s := newTestScheduler(t)
	_, err := s.CreateTask(CreateParams{Mode: ModeRecurring, DeviceID: "dev-1"}, 1000)
	require.Error(t, err)

	task, err := s.CreateTask(CreateParams{Mode: ModeRecurring, DeviceID: "dev-1", Interval: 5}, 1000)
	require.NoError(t, err)
	require.Equal(t, int64(6000), task.ExecuteAt)
	require.Equal(t, int64(5000), task.IntervalMs)
}

func TestCreateTaskRecurringHonorsExplicitExecuteAt(t *testing.T) {
	s := newTestScheduler(t)
	task, err := s.CreateTask(CreateParams{Mode: ModeRecurring, DeviceID: "dev-1", Interval: 5, ExecuteAt: 9000}, 1000)
	require.NoError(t, err)
	require.Equal(t, int64(9000), task.ExecuteAt)
}

type fakeDispatcher struct {
	delivered []string
}

func (f *fakeDispatcher) DeliverScheduledMessage(target string, data json.RawMessage) {
	f.delivered = append(f.delivered, target)
}

func TestTickFiresDueOneShotAndRemoves(t *testing.T) {
	s := newTestScheduler(t)
	fd := &fakeDispatcher{}
	s.SetDispatcher(fd)

	task, err := s.CreateTask(CreateParams{Mode: ModeCountdown, DeviceID: "dev-1", Countdown: 1, Command: json.RawMessage(`{"op":"noop"}`)}, 1000)
	require.NoError(t, err)

	s.Tick(1500) // not yet due
	require.Empty(t, fd.delivered)

	s.Tick(2000) // due
	require.Equal(t, []string{"dev-1"}, fd.delivered)

	_, ok := s.GetTask(task.ID)
	require.False(t, ok)
}

func TestTickRecurringReschedulesInsteadOfRemoving(t *testing.T) {
	s := newTestScheduler(t)
	fd := &fakeDispatcher{}
	s.SetDispatcher(fd)

	task, err := s.CreateTask(CreateParams{Mode: ModeRecurring, DeviceID: "dev-1", Interval: 2}, 1000)
	require.NoError(t, err)
	require.Equal(t, int64(3000), task.ExecuteAt)

	s.Tick(3000)
	require.Equal(t, []string{"dev-1"}, fd.delivered)

	updated, ok := s.GetTask(task.ID)
	require.True(t, ok)
	require.Equal(t, int64(5000), updated.ExecuteAt)
	require.Equal(t, int64(3000), updated.LastExecutedAt)

	s.Tick(5000)
	require.Equal(t, []string{"dev-1", "dev-1"}, fd.delivered)
}

func TestCancelTask(t *testing.T) {
	s := newTestScheduler(t)
	task, err := s.CreateTask(CreateParams{Mode: ModeScheduled, DeviceID: "dev-1", ExecuteAt: 5000}, 1000)
	require.NoError(t, err)

	require.True(t, s.CancelTask(task.ID))
	require.False(t, s.CancelTask(task.ID))

	_, ok := s.GetTask(task.ID)
	require.False(t, ok)
}

func TestUpdateTaskModeChangeRequiresNewParam(t *testing.T) {
	s := newTestScheduler(t)
	task, err := s.CreateTask(CreateParams{Mode: ModeScheduled, DeviceID: "dev-1", ExecuteAt: 5000}, 1000)
	require.NoError(t, err)

	_, err = s.UpdateTask(task.ID, CreateParams{Mode: ModeCountdown}, 1000)
	require.Error(t, err)

	updated, err := s.UpdateTask(task.ID, CreateParams{Mode: ModeCountdown, Countdown: 3}, 1000)
	require.NoError(t, err)
	require.Equal(t, int64(4000), updated.ExecuteAt)
}

func TestUpdateTaskRecurringReusesStoredInterval(t *testing.T) {
	s := newTestScheduler(t)
	task, err := s.CreateTask(CreateParams{Mode: ModeRecurring, DeviceID: "dev-1", Interval: 10}, 1000)
	require.NoError(t, err)

	updated, err := s.UpdateTask(task.ID, CreateParams{DeviceID: "dev-2"}, 1000)
	require.NoError(t, err)
	require.Equal(t, "dev-2", updated.DeviceID)
	require.Equal(t, int64(10000), updated.IntervalMs)
}

func TestListTasksForAuthKeyFiltersByOwner(t *testing.T) {
	s := newTestScheduler(t)
	_, err := s.CreateTask(CreateParams{AuthKey: "k1", Mode: ModeScheduled, DeviceID: "dev-1", ExecuteAt: 5000}, 1000)
	require.NoError(t, err)
	_, err = s.CreateTask(CreateParams{AuthKey: "k2", Mode: ModeScheduled, DeviceID: "dev-2", ExecuteAt: 5000}, 1000)
	require.NoError(t, err)

	tasks := s.ListTasksForAuthKey("k1")
	require.Len(t, tasks, 1)
	require.Equal(t, "dev-1", tasks[0].DeviceID)
}
