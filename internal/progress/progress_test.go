package progress

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/fanout/internal/apperr"
	"github.com/Tyrowin/fanout/internal/session"
	"github.com/Tyrowin/fanout/internal/testutil"
)

func newTestTracker(capacity int, clock *testutil.Clock) *Tracker {
	tr := NewTracker(capacity, clock.Now)
	n := 0
	tr.newID = func() string {
		n++
		return fmt.Sprintf("task-%d", n)
	}
	return tr
}

func TestStartAndUpdate(t *testing.T) {
	clock := testutil.NewClock(time.Time{})
	tr := newTestTracker(10, clock)

	task, err := tr.Start("u1", "export")
	require.NoError(t, err)
	assert.Equal(t, "task-1", task.ID)
	assert.Equal(t, Running, task.Status)

	clock.Advance(time.Second)
	task, err = tr.Update(task.ID, 140, "halfway")
	require.NoError(t, err)
	assert.Equal(t, float64(100), task.Percent, "clamped")
	assert.Equal(t, "halfway", task.Message)
	assert.Equal(t, clock.Now(), task.UpdatedAt)

	_, err = tr.Start("", "nobody")
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestCancelPermissions(t *testing.T) {
	tests := []struct {
		name  string
		actor string
		role  session.Role
		want  apperr.Code
	}{
		{name: "owner", actor: "u1", role: session.RoleUser},
		{name: "admin", actor: "a1", role: session.RoleAdmin},
		{name: "coordinator", actor: "c1", role: session.RoleCoordinator},
		{name: "other user", actor: "u2", role: session.RoleUser, want: apperr.CodePermissionDenied},
		{name: "other staff", actor: "s1", role: session.RoleStaff, want: apperr.CodePermissionDenied},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := newTestTracker(10, testutil.NewClock(time.Time{}))
			task, err := tr.Start("u1", "import")
			require.NoError(t, err)

			got, err := tr.Cancel(task.ID, tt.actor, tt.role)

			assert.Equal(t, tt.want, apperr.CodeOf(err))
			if tt.want == "" {
				assert.Equal(t, Cancelled, got.Status)
				assert.Equal(t, tt.actor, got.CancelledBy)
				require.NotNil(t, got.FinishedAt)
			} else {
				current, _ := tr.Get(task.ID)
				assert.Equal(t, Running, current.Status)
			}
		})
	}
}

func TestCancelMissingAndFinished(t *testing.T) {
	tr := newTestTracker(10, testutil.NewClock(time.Time{}))

	_, err := tr.Cancel("ghost", "u1", session.RoleUser)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	task, _ := tr.Start("u1", "job")
	_, err = tr.Finish(task.ID, Completed, "")
	require.NoError(t, err)

	_, err = tr.Cancel(task.ID, "u1", session.RoleUser)
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = tr.Update(task.ID, 10, "")
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestFinishRejectsNonTerminalStatus(t *testing.T) {
	tr := newTestTracker(10, testutil.NewClock(time.Time{}))
	task, _ := tr.Start("u1", "job")
	_, err := tr.Finish(task.ID, Running, "")
	assert.ErrorIs(t, err, apperr.ErrValidation)

	done, err := tr.Finish(task.ID, Completed, "done")
	require.NoError(t, err)
	assert.Equal(t, float64(100), done.Percent)
}

func TestCapacityEvictsLeastRecentlyUsed(t *testing.T) {
	tr := newTestTracker(2, testutil.NewClock(time.Time{}))
	first, _ := tr.Start("u1", "a")
	second, _ := tr.Start("u1", "b")
	_, err := tr.Update(first.ID, 5, "")
	require.NoError(t, err)

	tr.Start("u1", "c")

	assert.Equal(t, 2, tr.Len())
	_, ok := tr.Get(second.ID)
	assert.False(t, ok)
	_, ok = tr.Get(first.ID)
	assert.True(t, ok)
}

func TestSweepDropsOldFinishedTasks(t *testing.T) {
	clock := testutil.NewClock(time.Time{})
	tr := newTestTracker(10, clock)
	old, _ := tr.Start("u1", "old")
	_, err := tr.Finish(old.ID, Failed, "boom")
	require.NoError(t, err)
	running, _ := tr.Start("u1", "running")
	clock.Advance(2 * time.Hour)
	recent, _ := tr.Start("u1", "recent")
	_, err = tr.Finish(recent.ID, Completed, "")
	require.NoError(t, err)

	assert.Equal(t, 1, tr.Sweep(time.Hour))

	_, ok := tr.Get(old.ID)
	assert.False(t, ok)
	_, ok = tr.Get(running.ID)
	assert.True(t, ok, "running tasks are never swept")
	_, ok = tr.Get(recent.ID)
	assert.True(t, ok)
}
