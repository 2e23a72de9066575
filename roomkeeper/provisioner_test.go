package roomkeeper

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestProvisioner(t testing.TB) (*Provisioner, *fakeVoiceSession, *RoomRegistry) {
	t.Helper()
	session := newFakeVoiceSession()
	registry := newTestRegistry(t)
	return NewProvisioner(session, registry, newTestLogger(t)), session, registry
}

// seedLobby registers a lobby config, its category channel and the bot's
// category permissions.
func seedLobby(
	t testing.TB,
	session *fakeVoiceSession,
	registry *RoomRegistry,
	guildID string,
) {
	t.Helper()
	session.addChannel("cat-1", guildID, discordgo.ChannelTypeGuildCategory)
	session.addChannel("lobby-1", guildID, discordgo.ChannelTypeGuildVoice)
	session.setPermissions(session.BotUserID(), "cat-1", botCategoryPermissions)
	require.NoError(
		t, registry.SaveLobbyConfig(
			context.Background(),
			&LobbyConfig{
				GuildID:        guildID,
				LobbyChannelID: "lobby-1",
				CategoryID:     "cat-1",
			},
		),
	)
}

func TestProvisionHappyPath(t *testing.T) {
	ctx := context.Background()
	provisioner, session, registry := newTestProvisioner(t)
	seedLobby(t, session, registry, "guild-1")
	session.members["user-1"] = &discordgo.Member{
		GuildID: "guild-1",
		Nick:    "Alice",
		User:    &discordgo.User{ID: "user-1"},
	}
	session.setVoiceState("guild-1", "user-1", "lobby-1")

	room, err := provisioner.Provision(ctx, "guild-1", "user-1")
	require.NoError(t, err)
	require.NotNil(t, room)
	assert.Equal(t, "guild-1", room.GuildID)
	assert.Equal(t, "user-1", room.OwnerID)

	ch := session.channel(room.ChannelID)
	require.NotNil(t, ch)
	assert.Equal(t, "Alice's room", ch.Name)
	assert.Equal(t, "cat-1", ch.ParentID)
	assert.Equal(t, discordgo.ChannelTypeGuildVoice, ch.Type)

	var everyoneDeny, ownerAllow int64
	for _, ow := range ch.PermissionOverwrites {
		switch {
		case ow.ID == "guild-1" && ow.Type == discordgo.PermissionOverwriteTypeRole:
			everyoneDeny = ow.Deny
		case ow.ID == "user-1" && ow.Type == discordgo.PermissionOverwriteTypeMember:
			ownerAllow = ow.Allow
		}
	}
	assert.NotZero(t, everyoneDeny&discordgo.PermissionVoiceConnect)
	assert.Equal(t, int64(roomPermissionOwner), ownerAllow)

	moves := session.recordedMoves()
	require.Len(t, moves, 1)
	require.NotNil(t, moves[0].ChannelID)
	assert.Equal(t, room.ChannelID, *moves[0].ChannelID)

	stored, err := registry.Get(ctx, room.ChannelID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "user-1", stored.OwnerID)
}

func TestProvisionRoomNameTruncated(t *testing.T) {
	ctx := context.Background()
	provisioner, session, registry := newTestProvisioner(t)
	seedLobby(t, session, registry, "guild-1")
	session.members["user-1"] = &discordgo.Member{
		GuildID: "guild-1",
		Nick:    strings.Repeat("n", 150),
		User:    &discordgo.User{ID: "user-1"},
	}

	room, err := provisioner.Provision(ctx, "guild-1", "user-1")
	require.NoError(t, err)
	ch := session.channel(room.ChannelID)
	require.NotNil(t, ch)
	assert.Equal(t, discordMaxChannelNameLength, utf8.RuneCountInString(ch.Name))
}

func TestProvisionNoLobbyConfigDisconnects(t *testing.T) {
	ctx := context.Background()
	provisioner, session, _ := newTestProvisioner(t)
	session.setVoiceState("guild-1", "user-1", "lobby-1")

	room, err := provisioner.Provision(ctx, "guild-1", "user-1")
	require.ErrorIs(t, err, ErrNoLobbyConfig)
	assert.Nil(t, room)

	moves := session.recordedMoves()
	require.Len(t, moves, 1)
	assert.Nil(t, moves[0].ChannelID, "member must not be left in the lobby")
}

func TestProvisionCategoryGone(t *testing.T) {
	ctx := context.Background()
	provisioner, session, registry := newTestProvisioner(t)
	require.NoError(
		t, registry.SaveLobbyConfig(
			ctx,
			&LobbyConfig{
				GuildID:        "guild-1",
				LobbyChannelID: "lobby-1",
				CategoryID:     "cat-1",
			},
		),
	)
	// category was deleted after setup

	_, err := provisioner.Provision(ctx, "guild-1", "user-1")
	require.ErrorIs(t, err, ErrNoLobbyConfig)

	// category exists but isn't a category channel
	session.addChannel("cat-1", "guild-1", discordgo.ChannelTypeGuildVoice)
	_, err = provisioner.Provision(ctx, "guild-1", "user-1")
	require.ErrorIs(t, err, ErrNoLobbyConfig)
}

func TestProvisionMissingBotPermissions(t *testing.T) {
	ctx := context.Background()
	provisioner, session, registry := newTestProvisioner(t)
	seedLobby(t, session, registry, "guild-1")
	// strip the move-members bit
	session.setPermissions(
		session.BotUserID(), "cat-1",
		discordgo.PermissionManageChannels,
	)

	_, err := provisioner.Provision(ctx, "guild-1", "user-1")
	require.ErrorIs(t, err, ErrMissingCapabilities)
	assert.Empty(t, session.deleted, "no channel should have been created")
}

func TestProvisionMoveFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	provisioner, session, registry := newTestProvisioner(t)
	seedLobby(t, session, registry, "guild-1")
	session.memberMoveErr = errors.New("member left voice")

	room, err := provisioner.Provision(ctx, "guild-1", "user-1")
	require.Error(t, err)
	assert.Nil(t, room)

	require.Len(t, session.deleted, 1)
	createdID := session.deleted[0]
	assert.Nil(t, session.channel(createdID), "created channel must be rolled back")

	stored, err := registry.Get(ctx, createdID)
	require.NoError(t, err)
	assert.Nil(t, stored, "no room row may survive a failed provision")
}

func TestProvisionRegistryFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	provisioner, session, registry := newTestProvisioner(t)
	seedLobby(t, session, registry, "guild-1")

	// the fake hands out chan-1 first; a pre-existing row for it makes
	// the registry write fail after the channel and move succeeded
	require.NoError(
		t, registry.Create(
			ctx, &Room{ChannelID: "chan-1", GuildID: "guild-1", OwnerID: "user-9"},
		),
	)

	room, err := provisioner.Provision(ctx, "guild-1", "user-1")
	require.Error(t, err)
	assert.Nil(t, room)

	assert.Contains(t, session.deleted, "chan-1")
	assert.Nil(t, session.channel("chan-1"))

	moves := session.recordedMoves()
	require.Len(t, moves, 2)
	require.NotNil(t, moves[0].ChannelID)
	assert.Nil(t, moves[1].ChannelID, "member disconnected after rollback")
}
