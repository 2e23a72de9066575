package roomkeeper

import (
	"context"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestKeeper wires a RoomKeeper with a fake session and a throwaway
// registry, skipping Run entirely.
func newTestKeeper(t testing.TB) (*RoomKeeper, *fakeVoiceSession, *RoomRegistry) {
	t.Helper()
	session := newFakeVoiceSession()
	registry := newTestRegistry(t)
	logger := newTestLogger(t)
	rc := DefaultRuntimeConfig()
	k := &RoomKeeper{
		logger:        logger,
		registry:      registry,
		runtimeConfig: &rc,
		discord:       &Discord{session: session, logger: logger},
	}
	k.initVoiceComponents(session)
	return k, session, registry
}

func memberInteraction(guildID, userID string, permissions int64) *discordgo.InteractionCreate {
	return &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			GuildID: guildID,
			Member: &discordgo.Member{
				GuildID:     guildID,
				Permissions: permissions,
				User:        &discordgo.User{ID: userID},
			},
		},
	}
}

func subOption(name string, options ...*discordgo.ApplicationCommandInteractionDataOption) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Type:    discordgo.ApplicationCommandOptionSubCommand,
		Name:    name,
		Options: options,
	}
}

func TestHandleVoiceMasterCommandRequiresVoice(t *testing.T) {
	ctx := context.Background()
	k, _, _ := newTestKeeper(t)

	msg := k.handleVoiceMasterCommand(
		ctx,
		memberInteraction("guild-1", "user-1", 0),
		subOption(voiceMasterSubcommandLock),
	)
	assert.Equal(t, msgNotInVoice, msg)
}

func TestHandleVoiceMasterCommandLock(t *testing.T) {
	ctx := context.Background()
	k, session, registry := newTestKeeper(t)

	seedRoom(
		t, session, registry,
		&Room{ChannelID: "room-1", GuildID: "guild-1", OwnerID: "user-1"},
	)
	session.setVoiceState("guild-1", "user-1", "room-1")

	msg := k.handleVoiceMasterCommand(
		ctx,
		memberInteraction("guild-1", "user-1", 0),
		subOption(voiceMasterSubcommandLock),
	)
	assert.Equal(t, "room locked", msg)

	room, err := registry.Get(ctx, "room-1")
	require.NoError(t, err)
	require.NotNil(t, room)
	assert.True(t, room.Locked)
}

func TestHandleVoiceMasterCommandLimit(t *testing.T) {
	ctx := context.Background()
	k, session, registry := newTestKeeper(t)

	seedRoom(
		t, session, registry,
		&Room{ChannelID: "room-1", GuildID: "guild-1", OwnerID: "user-1"},
	)
	session.setVoiceState("guild-1", "user-1", "room-1")

	msg := k.handleVoiceMasterCommand(
		ctx,
		memberInteraction("guild-1", "user-1", 0),
		subOption(
			voiceMasterSubcommandLimit,
			&discordgo.ApplicationCommandInteractionDataOption{
				Type:  discordgo.ApplicationCommandOptionInteger,
				Name:  voiceMasterOptionSize,
				Value: float64(5),
			},
		),
	)
	assert.Equal(t, "limit set to 5", msg)
}

func TestHandleVoiceMasterCommandKickTarget(t *testing.T) {
	ctx := context.Background()
	k, session, registry := newTestKeeper(t)

	seedRoom(
		t, session, registry,
		&Room{ChannelID: "room-1", GuildID: "guild-1", OwnerID: "user-1"},
	)
	session.setVoiceState("guild-1", "user-1", "room-1")
	session.setVoiceState("guild-1", "user-2", "room-1")

	msg := k.handleVoiceMasterCommand(
		ctx,
		memberInteraction("guild-1", "user-1", 0),
		subOption(
			voiceMasterSubcommandKick,
			&discordgo.ApplicationCommandInteractionDataOption{
				Type:  discordgo.ApplicationCommandOptionUser,
				Name:  voiceMasterOptionUser,
				Value: "user-2",
			},
		),
	)
	assert.Equal(t, "member disconnected", msg)

	moves := session.recordedMoves()
	require.Len(t, moves, 1)
	assert.Equal(t, "user-2", moves[0].UserID)
	assert.Nil(t, moves[0].ChannelID)
}

func TestSetupGuild(t *testing.T) {
	ctx := context.Background()
	k, session, registry := newTestKeeper(t)

	// no Manage Server permission
	msg := k.setupGuild(ctx, memberInteraction("guild-1", "user-1", 0))
	assert.Equal(t, msgSetupDenied, msg)

	msg = k.setupGuild(
		ctx,
		memberInteraction("guild-1", "user-1", discordgo.PermissionManageServer),
	)
	assert.Contains(t, msg, "done!")

	cfg, err := registry.GetLobbyConfig(ctx, "guild-1")
	require.NoError(t, err)
	require.NotNil(t, cfg)

	category := session.channel(cfg.CategoryID)
	require.NotNil(t, category)
	assert.Equal(t, discordgo.ChannelTypeGuildCategory, category.Type)
	assert.Equal(t, DefaultRoomsCategoryName, category.Name)

	lobby := session.channel(cfg.LobbyChannelID)
	require.NotNil(t, lobby)
	assert.Equal(t, discordgo.ChannelTypeGuildVoice, lobby.Type)
	assert.Equal(t, cfg.CategoryID, lobby.ParentID)

	iface := session.channel(cfg.InterfaceChannelID)
	require.NotNil(t, iface)
	assert.Equal(t, discordgo.ChannelTypeGuildText, iface.Type)

	sent := session.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, cfg.InterfaceChannelID, sent[0].ChannelID)
}

func TestRoomInfo(t *testing.T) {
	ctx := context.Background()
	k, session, registry := newTestKeeper(t)

	msg, err := k.roomInfo(ctx, "nope")
	require.NoError(t, err)
	assert.Equal(t, msgNotARoom, msg)

	limit := 3
	seedRoom(
		t, session, registry,
		&Room{
			ChannelID:   "room-1",
			GuildID:     "guild-1",
			OwnerID:     "user-1",
			Locked:      true,
			MemberLimit: &limit,
		},
	)
	msg, err = k.roomInfo(ctx, "room-1")
	require.NoError(t, err)
	assert.Contains(t, msg, "owner: <@user-1>")
	assert.Contains(t, msg, "locked: yes")
	assert.Contains(t, msg, "hidden: no")
	assert.Contains(t, msg, "limit: 3")
}

func TestComponentRegistry(t *testing.T) {
	ctx := context.Background()
	k, session, registry := newTestKeeper(t)

	for _, id := range []string{
		customIDRoomLock,
		customIDRoomUnlock,
		customIDRoomHide,
		customIDRoomUnhide,
		customIDRoomClaim,
		customIDRoomLimitUp,
		customIDRoomLimitDown,
		customIDRoomInfo,
	} {
		assert.Contains(t, k.componentHandlers, id)
	}

	seedRoom(
		t, session, registry,
		&Room{ChannelID: "room-1", GuildID: "guild-1", OwnerID: "user-1"},
	)
	session.setVoiceState("guild-1", "user-1", "room-1")

	msg, err := k.componentHandlers[customIDRoomLock].HandleComponent(
		ctx, memberInteraction("guild-1", "user-1", 0),
	)
	require.NoError(t, err)
	assert.Equal(t, "room locked", msg)

	// a member outside voice gets the generic rejection
	msg, err = k.componentHandlers[customIDRoomHide].HandleComponent(
		ctx, memberInteraction("guild-1", "user-9", 0),
	)
	require.NoError(t, err)
	assert.Equal(t, msgNotInVoice, msg)
}

func TestHandleInteractionComponent(t *testing.T) {
	ctx := context.Background()
	k, session, registry := newTestKeeper(t)

	seedRoom(
		t, session, registry,
		&Room{ChannelID: "room-1", GuildID: "guild-1", OwnerID: "user-1"},
	)
	session.setVoiceState("guild-1", "user-1", "room-1")

	i := memberInteraction("guild-1", "user-1", 0)
	i.Type = discordgo.InteractionMessageComponent
	i.Data = discordgo.MessageComponentInteractionData{
		CustomID: customIDRoomLock,
	}

	k.handleInteraction(ctx, i)

	require.Len(t, session.responses, 1)
	resp := session.responses[0]
	assert.Equal(
		t, discordgo.InteractionResponseChannelMessageWithSource, resp.Type,
	)
	require.NotNil(t, resp.Data)
	assert.Equal(t, "room locked", resp.Data.Content)
	assert.Equal(t, discordgo.MessageFlagsEphemeral, resp.Data.Flags)
}
