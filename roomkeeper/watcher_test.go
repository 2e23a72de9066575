package roomkeeper

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWatcher(t testing.TB) (
	*LobbyWatcher,
	*fakeVoiceSession,
	*RoomRegistry,
	*Reaper,
	*fakeClock,
) {
	t.Helper()
	session := newFakeVoiceSession()
	registry := newTestRegistry(t)
	logger := newTestLogger(t)
	reaper := NewReaper(session, registry, logger)
	clk := newFakeClock()
	reaper.clock = clk
	watcher := NewLobbyWatcher(
		session,
		registry,
		NewProvisioner(session, registry, logger),
		reaper,
		NewAccessGate(session, registry, logger),
		logger,
	)
	watcher.Enable()
	return watcher, session, registry, reaper, clk
}

func TestWatcherLobbyJoinProvisions(t *testing.T) {
	ctx := context.Background()
	watcher, session, registry, _, _ := newTestWatcher(t)
	seedLobby(t, session, registry, "guild-1")
	session.setVoiceState("guild-1", "user-1", "lobby-1")

	watcher.HandleTransition(ctx, "guild-1", "user-1", "", "lobby-1")

	rooms, err := registry.ListByGuild(ctx, "guild-1")
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	assert.Equal(t, "user-1", rooms[0].OwnerID)

	moves := session.recordedMoves()
	require.Len(t, moves, 1)
	require.NotNil(t, moves[0].ChannelID)
	assert.Equal(t, rooms[0].ChannelID, *moves[0].ChannelID)
}

func TestWatcherLeaveSchedulesReap(t *testing.T) {
	ctx := context.Background()
	watcher, session, registry, reaper, _ := newTestWatcher(t)

	session.addChannel("chan-1", "guild-1", discordgo.ChannelTypeGuildVoice)
	require.NoError(
		t, registry.Create(
			ctx, &Room{ChannelID: "chan-1", GuildID: "guild-1", OwnerID: "user-1"},
		),
	)

	watcher.HandleTransition(ctx, "guild-1", "user-1", "chan-1", "")

	// the leave branch runs asynchronously
	require.Eventually(
		t, func() bool { return reaper.PendingCount() == 1 },
		2*time.Second, 10*time.Millisecond,
	)
}

func TestWatcherRejoinCancelsPendingDeletion(t *testing.T) {
	ctx := context.Background()
	watcher, session, registry, reaper, clk := newTestWatcher(t)

	session.addChannel("chan-1", "guild-1", discordgo.ChannelTypeGuildVoice)
	require.NoError(
		t, registry.Create(
			ctx, &Room{ChannelID: "chan-1", GuildID: "guild-1", OwnerID: "user-1"},
		),
	)
	reaper.CheckChannel(ctx, "guild-1", "chan-1")
	require.Equal(t, 1, reaper.PendingCount())

	session.setVoiceState("guild-1", "user-1", "chan-1")
	watcher.HandleTransition(ctx, "guild-1", "user-1", "", "chan-1")
	assert.Equal(t, 0, reaper.PendingCount())

	clk.fire()
	assert.NotNil(t, session.channel("chan-1"))
}

func TestWatcherRoomJoinRunsGate(t *testing.T) {
	ctx := context.Background()
	watcher, session, registry, _, _ := newTestWatcher(t)

	session.addChannel("chan-1", "guild-1", discordgo.ChannelTypeGuildVoice)
	require.NoError(
		t, registry.Create(
			ctx,
			&Room{ChannelID: "chan-1", GuildID: "guild-1", OwnerID: "user-1", Locked: true},
		),
	)
	session.setVoiceState("guild-1", "user-2", "chan-1")

	watcher.HandleTransition(ctx, "guild-1", "user-2", "", "chan-1")

	moves := session.recordedMoves()
	require.Len(t, moves, 1)
	assert.Equal(t, "user-2", moves[0].UserID)
	assert.Nil(t, moves[0].ChannelID)
}

func TestWatcherHandlerGating(t *testing.T) {
	watcher, session, registry, _, _ := newTestWatcher(t)
	seedLobby(t, session, registry, "guild-1")
	handler := watcher.handlerVoiceStateUpdate()

	event := &discordgo.VoiceStateUpdate{
		VoiceState: &discordgo.VoiceState{
			GuildID:   "guild-1",
			UserID:    "user-1",
			ChannelID: "lobby-1",
		},
	}

	// paused: no transition is processed
	watcher.SetPaused(true)
	handler(nil, event)
	assert.Equal(t, int64(0), watcher.metricTransitions.Load())

	// mute/deafen updates report the same channel on both sides
	watcher.SetPaused(false)
	handler(
		nil, &discordgo.VoiceStateUpdate{
			VoiceState: &discordgo.VoiceState{
				GuildID:   "guild-1",
				UserID:    "user-1",
				ChannelID: "chan-1",
			},
			BeforeUpdate: &discordgo.VoiceState{
				GuildID:   "guild-1",
				UserID:    "user-1",
				ChannelID: "chan-1",
			},
		},
	)
	assert.Equal(t, int64(0), watcher.metricTransitions.Load())

	// an actual lobby join is dispatched
	handler(nil, event)
	require.Eventually(
		t,
		func() bool { return watcher.metricTransitions.Load() == 1 },
		2*time.Second, 10*time.Millisecond,
	)
}
