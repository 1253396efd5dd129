package presence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/fanout/internal/session"
	"github.com/Tyrowin/fanout/internal/testutil"
)

func TestSetAddsToOnlineIndex(t *testing.T) {
	clock := testutil.NewClock(time.Time{})
	tr := NewTracker(clock.Now)

	rec, prev := tr.Set("u1", "s1", session.RoleStaff, Online, "/queue")

	assert.Nil(t, prev)
	assert.Equal(t, Online, rec.Status)
	assert.Equal(t, clock.Now(), rec.LastSeenAt)
	assert.True(t, tr.IsOnline(session.RoleStaff, "u1"))
	assert.Equal(t, Counts{Total: 1, ByRole: map[session.Role]int{session.RoleStaff: 1}}, tr.OnlineCounts())
}

func TestLatestSessionWins(t *testing.T) {
	tr := NewTracker(nil)
	tr.Set("u1", "s1", session.RoleUser, Online, "")
	_, prev := tr.Set("u1", "s2", session.RoleUser, Busy, "/chat")

	require.NotNil(t, prev)
	assert.Equal(t, "s1", prev.SessionID)

	_, _, ok := tr.DisconnectSession("s1")
	assert.False(t, ok, "old session no longer owns the record")

	rec, ok := tr.Get("u1")
	require.True(t, ok)
	assert.Equal(t, Busy, rec.Status)
	assert.Equal(t, 1, tr.Len())
}

func TestOfflineStatusLeavesOnlineIndex(t *testing.T) {
	tr := NewTracker(nil)
	tr.Set("u1", "s1", session.RoleDoctor, Online, "")
	tr.Set("u1", "s1", session.RoleDoctor, Offline, "")

	assert.False(t, tr.IsOnline(session.RoleDoctor, "u1"))
	assert.Equal(t, 0, tr.OnlineCounts().Total)
	_, ok := tr.Get("u1")
	assert.True(t, ok)
}

func TestRoleChangeMovesIndex(t *testing.T) {
	tr := NewTracker(nil)
	tr.Set("u1", "s1", session.RoleStaff, Online, "")
	tr.Set("u1", "s1", session.RoleCoordinator, Online, "")

	assert.False(t, tr.IsOnline(session.RoleStaff, "u1"))
	assert.True(t, tr.IsOnline(session.RoleCoordinator, "u1"))
}

func TestDisconnectSessionCascades(t *testing.T) {
	tr := NewTracker(nil)
	tr.Set("u1", "s1", session.RoleUser, Online, "")
	tr.StartTyping("u1", "Ada", "consultation:42")

	rec, typing, ok := tr.DisconnectSession("s1")

	require.True(t, ok)
	assert.Equal(t, Offline, rec.Status)
	require.NotNil(t, typing)
	assert.Equal(t, "consultation:42", typing.Room)
	assert.False(t, tr.IsOnline(session.RoleUser, "u1"))
	assert.Empty(t, tr.TypingIn("consultation:42"))
	assert.Equal(t, 0, tr.Len())
}

func TestTyping(t *testing.T) {
	clock := testutil.NewClock(time.Time{})
	tr := NewTracker(clock.Now)
	tr.Set("u1", "s1", session.RoleUser, Online, "")

	tr.StartTyping("u1", "Ada", "room-a")
	rec, _ := tr.Get("u1")
	assert.True(t, rec.IsTyping)

	_, ok := tr.StopTyping("u1", "room-b")
	assert.False(t, ok, "stop in a different room is ignored")

	ind, ok := tr.StopTyping("u1", "room-a")
	require.True(t, ok)
	assert.Equal(t, "Ada", ind.UserName)
	rec, _ = tr.Get("u1")
	assert.False(t, rec.IsTyping)
}

func TestHeartbeatRefreshesLastSeenOnly(t *testing.T) {
	clock := testutil.NewClock(time.Time{})
	tr := NewTracker(clock.Now)
	tr.Set("u1", "s1", session.RoleUser, Away, "/home")

	later := clock.Advance(time.Minute)
	require.True(t, tr.Heartbeat("u1"))
	assert.False(t, tr.Heartbeat("ghost"))

	rec, _ := tr.Get("u1")
	assert.Equal(t, later, rec.LastSeenAt)
	assert.Equal(t, Away, rec.Status)
	assert.Equal(t, "/home", rec.CurrentPage)
}

func TestSweepRemovesStaleRecords(t *testing.T) {
	clock := testutil.NewClock(time.Time{})
	tr := NewTracker(clock.Now)
	tr.Set("stale", "s1", session.RoleStaff, Online, "")
	clock.Advance(4 * time.Minute)
	tr.Set("fresh", "s2", session.RoleStaff, Online, "")
	clock.Advance(time.Minute + time.Second)

	res := tr.Sweep(5*time.Minute, 30*time.Second)

	require.Len(t, res.Expired, 1)
	assert.Equal(t, "stale", res.Expired[0].UserID)
	assert.Equal(t, Offline, res.Expired[0].Status)
	assert.False(t, tr.IsOnline(session.RoleStaff, "stale"))
	assert.True(t, tr.IsOnline(session.RoleStaff, "fresh"))

	_, _, ok := tr.DisconnectSession("s1")
	assert.False(t, ok, "session index cleaned by sweep")
}

func TestSweepExpiresTyping(t *testing.T) {
	clock := testutil.NewClock(time.Time{})
	tr := NewTracker(clock.Now)
	tr.Set("u1", "s1", session.RoleUser, Online, "")
	tr.StartTyping("u1", "Ada", "r1")
	clock.Advance(20 * time.Second)
	tr.StartTyping("u2", "Bo", "r1")
	clock.Advance(11 * time.Second)

	res := tr.Sweep(5*time.Minute, 30*time.Second)

	assert.Empty(t, res.Expired)
	require.Len(t, res.Typing, 1)
	assert.Equal(t, "u1", res.Typing[0].UserID)
	assert.Equal(t, []Typing{{UserID: "u2", UserName: "Bo", Room: "r1", Timestamp: clock.Now().Add(-11 * time.Second)}}, tr.TypingIn("r1"))
	rec, _ := tr.Get("u1")
	assert.False(t, rec.IsTyping)
}

func TestParseStatus(t *testing.T) {
	for _, s := range []string{"online", "away", "busy", "offline"} {
		_, ok := ParseStatus(s)
		assert.True(t, ok, s)
	}
	_, ok := ParseStatus("invisible")
	assert.False(t, ok)
}
