package roomkeeper

import (
	"context"
	"errors"
	"log/slog"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const disconnectReasonLocked = "locked"

// AccessGate enforces a room's lock state when a member joins it.
//
// The owner always passes. Everyone else is checked against their
// effective connect permission on the channel - an explicit
// member-scoped allow overwrite beats the everyone-role deny, so
// allow-listed members pass even while the room is locked.
type AccessGate struct {
	session  VoiceSessionHandler
	registry *RoomRegistry
	logger   *slog.Logger
}

func NewAccessGate(
	session VoiceSessionHandler,
	registry *RoomRegistry,
	logger *slog.Logger,
) *AccessGate {
	if logger == nil {
		logger = slog.Default()
	}
	return &AccessGate{
		session:  session,
		registry: registry,
		logger:   logger.With(loggerNameKey, "access_gate"),
	}
}

// CheckJoin runs the gate for a member who just joined channelID.
// Returns true if the member was disconnected.
func (g *AccessGate) CheckJoin(
	ctx context.Context,
	guildID string,
	channelID string,
	userID string,
) (bool, error) {
	room, err := g.registry.Get(ctx, channelID)
	if err != nil {
		return false, err
	}
	if room == nil {
		return false, nil
	}
	if room.OwnerID == userID {
		return false, nil
	}
	if !room.Locked {
		// platform-level permissions already govern unlocked rooms
		return false, nil
	}

	perms, err := g.session.UserChannelPermissions(userID, channelID)
	if err != nil {
		return false, err
	}
	if perms&discordgo.PermissionVoiceConnect != 0 {
		return false, nil
	}

	g.logger.InfoContext(
		ctx,
		"disconnecting unauthorized member from locked room",
		columnRoomChannelID, channelID,
		columnRoomGuildID, guildID,
		"member_id", userID,
		"reason", disconnectReasonLocked,
	)
	if err = g.session.GuildMemberMove(guildID, userID, nil); err != nil {
		g.logger.ErrorContext(
			ctx,
			"error disconnecting member from locked room",
			tint.Err(err),
			columnRoomChannelID, channelID,
			"member_id", userID,
		)
		return false, err
	}
	return true, nil
}

// ReconcileRooms is the startup sweep over the full registry: rows
// whose guild or channel no longer resolve are deleted, and rooms that
// are empty at boot are reaped immediately (a restart counts as the
// empty grace period having expired). Populated rooms are left alone.
func ReconcileRooms(
	ctx context.Context,
	session VoiceSessionHandler,
	registry *RoomRegistry,
	logger *slog.Logger,
) (orphansRemoved int, roomsReaped int, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(loggerNameKey, "reconcile")

	rooms, err := registry.ListAll(ctx)
	if err != nil {
		return 0, 0, err
	}

	for i := range rooms {
		room := rooms[i]
		roomLogger := logger.With(roomLogAttrs(room)...)

		channel, chErr := session.Channel(room.ChannelID)
		if chErr != nil {
			if !isPermanentDiscordError(chErr) {
				roomLogger.ErrorContext(ctx, "error fetching channel", tint.Err(chErr))
				continue
			}
			// bot lost access to the channel entirely (removed from
			// the guild); the row can't be serviced again
			roomLogger.WarnContext(
				ctx,
				"channel no longer accessible, deleting room row",
				tint.Err(chErr),
			)
			if delErr := registry.Delete(ctx, room.ChannelID); delErr != nil {
				roomLogger.ErrorContext(ctx, "error deleting room row", tint.Err(delErr))
			} else {
				orphansRemoved++
			}
			continue
		}
		if channel == nil {
			roomLogger.WarnContext(ctx, "channel no longer exists, deleting room row")
			if delErr := registry.Delete(ctx, room.ChannelID); delErr != nil {
				roomLogger.ErrorContext(ctx, "error deleting room row", tint.Err(delErr))
			} else {
				orphansRemoved++
			}
			continue
		}

		states, stateErr := session.GuildVoiceStates(room.GuildID)
		if stateErr != nil {
			if errors.Is(stateErr, discordgo.ErrStateNotFound) {
				// the shard hasn't delivered this guild yet; leave the
				// row for the next sweep rather than guessing
				roomLogger.WarnContext(
					ctx,
					"guild state not available yet, skipping room",
					tint.Err(stateErr),
				)
				continue
			}
			// guild no longer resolves (bot removed, guild deleted)
			roomLogger.WarnContext(
				ctx,
				"guild no longer resolves, deleting room row",
				tint.Err(stateErr),
			)
			if delErr := registry.Delete(ctx, room.ChannelID); delErr != nil {
				roomLogger.ErrorContext(ctx, "error deleting room row", tint.Err(delErr))
			} else {
				orphansRemoved++
			}
			continue
		}

		var occupants int
		for _, vs := range states {
			if vs != nil && vs.ChannelID == room.ChannelID {
				occupants++
			}
		}
		if occupants > 0 {
			continue
		}

		roomLogger.InfoContext(ctx, "reaping room left empty across restart")
		if _, delErr := session.ChannelDelete(room.ChannelID); delErr != nil {
			if !isPermanentDiscordError(delErr) {
				roomLogger.WarnContext(
					ctx,
					"transient error deleting channel, keeping room row",
					tint.Err(delErr),
				)
				continue
			}
			roomLogger.ErrorContext(
				ctx,
				"cannot delete channel (missing permissions), dropping room row anyway",
				tint.Err(delErr),
			)
		}
		if delErr := registry.Delete(ctx, room.ChannelID); delErr != nil {
			roomLogger.ErrorContext(ctx, "error deleting room row", tint.Err(delErr))
			continue
		}
		roomsReaped++
	}

	return orphansRemoved, roomsReaped, nil
}
