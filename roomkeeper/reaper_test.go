package roomkeeper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock executes scheduled functions only when the test calls
// fire, making the grace-period race deterministic.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.stopped = true
	return !t.fired
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Now()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(_ time.Duration, f func()) stopTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{f: f}
	c.timers = append(c.timers, t)
	return t
}

// Sleep returns immediately; the settle delay is irrelevant under the
// fake clock.
func (c *fakeClock) Sleep(_ context.Context, _ time.Duration) {}

// fire synchronously runs every armed timer that hasn't been stopped.
func (c *fakeClock) fire() {
	c.mu.Lock()
	timers := c.timers
	c.timers = nil
	c.mu.Unlock()
	for _, t := range timers {
		if !t.stopped {
			t.fired = true
			t.f()
		}
	}
}

func newTestReaper(t testing.TB) (*Reaper, *fakeVoiceSession, *RoomRegistry, *fakeClock) {
	t.Helper()
	session := newFakeVoiceSession()
	registry := newTestRegistry(t)
	reaper := NewReaper(session, registry, newTestLogger(t))
	clk := newFakeClock()
	reaper.clock = clk
	return reaper, session, registry, clk
}

func TestReaperDeletesEmptyRoomAfterGrace(t *testing.T) {
	ctx := context.Background()
	reaper, session, registry, clk := newTestReaper(t)

	session.addChannel("chan-1", "guild-1", discordgo.ChannelTypeGuildVoice)
	require.NoError(
		t, registry.Create(
			ctx, &Room{ChannelID: "chan-1", GuildID: "guild-1", OwnerID: "user-1"},
		),
	)

	reaper.CheckChannel(ctx, "guild-1", "chan-1")
	assert.Equal(t, 1, reaper.PendingCount())

	clk.fire()
	assert.Equal(t, 0, reaper.PendingCount())

	assert.Nil(t, session.channel("chan-1"), "channel should be deleted")
	room, err := registry.Get(ctx, "chan-1")
	require.NoError(t, err)
	assert.Nil(t, room, "room row should be deleted")
}

func TestReaperOccupiedRoomNotScheduled(t *testing.T) {
	ctx := context.Background()
	reaper, session, registry, _ := newTestReaper(t)

	session.addChannel("chan-1", "guild-1", discordgo.ChannelTypeGuildVoice)
	session.setVoiceState("guild-1", "user-2", "chan-1")
	require.NoError(
		t, registry.Create(
			ctx, &Room{ChannelID: "chan-1", GuildID: "guild-1", OwnerID: "user-1"},
		),
	)

	reaper.CheckChannel(ctx, "guild-1", "chan-1")
	assert.Equal(t, 0, reaper.PendingCount())
	assert.NotNil(t, session.channel("chan-1"))
}

func TestReaperUnmanagedChannelIgnored(t *testing.T) {
	ctx := context.Background()
	reaper, session, _, _ := newTestReaper(t)

	session.addChannel("chan-1", "guild-1", discordgo.ChannelTypeGuildVoice)

	reaper.CheckChannel(ctx, "guild-1", "chan-1")
	assert.Equal(t, 0, reaper.PendingCount())
	assert.NotNil(t, session.channel("chan-1"))
}

func TestReaperCancelOnRejoin(t *testing.T) {
	ctx := context.Background()
	reaper, session, registry, clk := newTestReaper(t)

	session.addChannel("chan-1", "guild-1", discordgo.ChannelTypeGuildVoice)
	require.NoError(
		t, registry.Create(
			ctx, &Room{ChannelID: "chan-1", GuildID: "guild-1", OwnerID: "user-1"},
		),
	)

	reaper.CheckChannel(ctx, "guild-1", "chan-1")
	require.Equal(t, 1, reaper.PendingCount())

	assert.True(t, reaper.Cancel("chan-1"))
	assert.Equal(t, 0, reaper.PendingCount())
	assert.False(t, reaper.Cancel("chan-1"), "second cancel is a no-op")

	clk.fire()
	assert.NotNil(t, session.channel("chan-1"), "canceled deletion must not fire")
	room, err := registry.Get(ctx, "chan-1")
	require.NoError(t, err)
	assert.NotNil(t, room)
}

func TestReaperReverifiesAtFireTime(t *testing.T) {
	ctx := context.Background()
	reaper, session, registry, clk := newTestReaper(t)

	session.addChannel("chan-1", "guild-1", discordgo.ChannelTypeGuildVoice)
	require.NoError(
		t, registry.Create(
			ctx, &Room{ChannelID: "chan-1", GuildID: "guild-1", OwnerID: "user-1"},
		),
	)

	reaper.CheckChannel(ctx, "guild-1", "chan-1")
	require.Equal(t, 1, reaper.PendingCount())

	// a member comes back during the grace window, without the timer
	// having been canceled
	session.setVoiceState("guild-1", "user-2", "chan-1")

	clk.fire()
	assert.NotNil(t, session.channel("chan-1"), "re-occupied room must survive")
	room, err := registry.Get(ctx, "chan-1")
	require.NoError(t, err)
	assert.NotNil(t, room)
}

func TestReaperDeletesOrphanedRow(t *testing.T) {
	ctx := context.Background()
	reaper, _, registry, _ := newTestReaper(t)

	// row exists but the channel is gone
	require.NoError(
		t, registry.Create(
			ctx, &Room{ChannelID: "chan-1", GuildID: "guild-1", OwnerID: "user-1"},
		),
	)

	reaper.CheckChannel(ctx, "guild-1", "chan-1")
	assert.Equal(t, 0, reaper.PendingCount())

	room, err := registry.Get(ctx, "chan-1")
	require.NoError(t, err)
	assert.Nil(t, room, "orphaned row should be deleted")
}

func TestReaperTransientDeleteErrorKeepsRow(t *testing.T) {
	ctx := context.Background()
	reaper, session, registry, clk := newTestReaper(t)

	session.addChannel("chan-1", "guild-1", discordgo.ChannelTypeGuildVoice)
	require.NoError(
		t, registry.Create(
			ctx, &Room{ChannelID: "chan-1", GuildID: "guild-1", OwnerID: "user-1"},
		),
	)

	reaper.CheckChannel(ctx, "guild-1", "chan-1")
	session.channelDeleteErr = errors.New("connection reset")

	clk.fire()
	room, err := registry.Get(ctx, "chan-1")
	require.NoError(t, err)
	assert.NotNil(t, room, "row should survive a transient delete failure")
}

func TestReaperPermanentDeleteErrorDropsRow(t *testing.T) {
	ctx := context.Background()
	reaper, session, registry, clk := newTestReaper(t)

	session.addChannel("chan-1", "guild-1", discordgo.ChannelTypeGuildVoice)
	require.NoError(
		t, registry.Create(
			ctx, &Room{ChannelID: "chan-1", GuildID: "guild-1", OwnerID: "user-1"},
		),
	)

	reaper.CheckChannel(ctx, "guild-1", "chan-1")
	session.channelDeleteErr = &discordgo.RESTError{
		Message: &discordgo.APIErrorMessage{
			Code: discordgo.ErrCodeMissingPermissions,
		},
	}

	clk.fire()
	room, err := registry.Get(ctx, "chan-1")
	require.NoError(t, err)
	assert.Nil(t, room, "row should be dropped when deletion can never succeed")
}

func TestReaperSetTimings(t *testing.T) {
	reaper, _, _, _ := newTestReaper(t)

	reaper.SetTimings(2*time.Second, 30*time.Second)
	reaper.mu.Lock()
	assert.Equal(t, 2*time.Second, reaper.settleDelay)
	assert.Equal(t, 30*time.Second, reaper.gracePeriod)
	reaper.mu.Unlock()

	// zero values leave the current timings alone
	reaper.SetTimings(0, 0)
	reaper.mu.Lock()
	assert.Equal(t, 2*time.Second, reaper.settleDelay)
	assert.Equal(t, 30*time.Second, reaper.gracePeriod)
	reaper.mu.Unlock()
}
