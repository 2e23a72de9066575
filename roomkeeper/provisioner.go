package roomkeeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

var (
	// ErrNoLobbyConfig is returned when a guild has a member in a lobby
	// channel but no lobby setup row (or the row points at a category
	// that no longer exists).
	ErrNoLobbyConfig = errors.New("guild has no lobby configuration")

	// ErrMissingCapabilities is returned when the bot lacks the channel
	// management permissions needed to provision a room.
	ErrMissingCapabilities = errors.New("bot lacks required permissions on the rooms category")
)

// Provisioner creates a private room when a member joins the lobby
// channel: create the channel, move the member in, write the registry
// row - in that order, compensating with channel deletion if a later
// step fails. On any failure, the member is disconnected rather than
// left stranded in the lobby.
type Provisioner struct {
	session  VoiceSessionHandler
	registry *RoomRegistry
	logger   *slog.Logger
}

func NewProvisioner(
	session VoiceSessionHandler,
	registry *RoomRegistry,
	logger *slog.Logger,
) *Provisioner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provisioner{
		session:  session,
		registry: registry,
		logger:   logger.With(loggerNameKey, "provisioner"),
	}
}

// Provision creates a new room for the member who just joined the
// guild's lobby channel.
//
// Postcondition: either a Room row exists, its channel exists, and the
// member is in it - or no trace remains (channel deleted, member
// disconnected). No partial state survives any failure branch.
func (p *Provisioner) Provision(
	ctx context.Context,
	guildID string,
	userID string,
) (*Room, error) {
	logger := p.logger.With(
		columnRoomGuildID, guildID,
		"member_id", userID,
	)

	cfg, err := p.registry.GetLobbyConfig(ctx, guildID)
	if err != nil {
		logger.ErrorContext(ctx, "error loading lobby config", tint.Err(err))
		p.disconnect(ctx, guildID, userID, "lobby config unavailable")
		return nil, err
	}
	if cfg == nil {
		logger.WarnContext(ctx, "member joined lobby but guild has no lobby config")
		p.disconnect(ctx, guildID, userID, "voicemaster isn't set up in this server")
		return nil, ErrNoLobbyConfig
	}

	category, err := p.session.Channel(cfg.CategoryID)
	if err != nil {
		logger.ErrorContext(ctx, "error fetching rooms category", tint.Err(err))
		p.disconnect(ctx, guildID, userID, "rooms category unavailable")
		return nil, err
	}
	if category == nil || category.Type != discordgo.ChannelTypeGuildCategory {
		logger.WarnContext(
			ctx,
			"rooms category missing or wrong type",
			"category_id", cfg.CategoryID,
		)
		p.disconnect(ctx, guildID, userID, "the rooms category was deleted - re-run setup")
		return nil, ErrNoLobbyConfig
	}

	botPerms, err := p.session.UserChannelPermissions(
		p.session.BotUserID(), cfg.CategoryID,
	)
	if err != nil {
		logger.ErrorContext(ctx, "error resolving bot permissions", tint.Err(err))
		p.disconnect(ctx, guildID, userID, "couldn't verify bot permissions")
		return nil, err
	}
	if botPerms&botCategoryPermissions != botCategoryPermissions {
		logger.ErrorContext(
			ctx,
			"bot lacks capabilities on rooms category",
			"category_id", cfg.CategoryID,
			"permissions", botPerms,
		)
		p.disconnect(
			ctx, guildID, userID,
			"the bot is missing channel permissions on the rooms category",
		)
		return nil, ErrMissingCapabilities
	}

	name, err := p.roomName(guildID, userID)
	if err != nil {
		logger.ErrorContext(ctx, "error fetching member", tint.Err(err))
		p.disconnect(ctx, guildID, userID, "couldn't look up your member record")
		return nil, err
	}

	channel, err := p.session.GuildChannelCreateComplex(
		guildID,
		discordgo.GuildChannelCreateData{
			Name:     name,
			Type:     discordgo.ChannelTypeGuildVoice,
			ParentID: cfg.CategoryID,
			PermissionOverwrites: []*discordgo.PermissionOverwrite{
				{
					ID:   guildID,
					Type: discordgo.PermissionOverwriteTypeRole,
					Deny: discordgo.PermissionVoiceConnect,
				},
				{
					ID:    userID,
					Type:  discordgo.PermissionOverwriteTypeMember,
					Allow: roomPermissionOwner,
				},
			},
		},
	)
	if err != nil {
		logger.ErrorContext(ctx, "error creating room channel", tint.Err(err))
		p.disconnect(ctx, guildID, userID, "couldn't create your room")
		return nil, err
	}

	logger = logger.With(columnRoomChannelID, channel.ID)

	if err = p.session.GuildMemberMove(guildID, userID, &channel.ID); err != nil {
		logger.ErrorContext(
			ctx,
			"error moving member into new room, rolling back",
			tint.Err(err),
		)
		p.rollback(ctx, channel.ID, logger)
		p.disconnect(ctx, guildID, userID, "couldn't move you into your room")
		return nil, fmt.Errorf("error moving member into room: %w", err)
	}

	room := &Room{
		ChannelID: channel.ID,
		GuildID:   guildID,
		OwnerID:   userID,
	}
	// Relation validation stays off here: provisioning must not depend
	// on guild/user rows existing elsewhere.
	if err = p.registry.Create(ctx, room); err != nil {
		logger.ErrorContext(
			ctx,
			"error writing room row, rolling back",
			tint.Err(err),
		)
		p.rollback(ctx, channel.ID, logger)
		p.disconnect(ctx, guildID, userID, "couldn't save your room")
		return nil, fmt.Errorf("error creating room row: %w", err)
	}

	logger.InfoContext(ctx, "provisioned room", "room", *room)
	return room, nil
}

// roomName derives the channel name from the member's display name,
// truncated to the API's maximum label length.
func (p *Provisioner) roomName(guildID string, userID string) (string, error) {
	member, err := p.session.GuildMember(guildID, userID)
	if err != nil {
		return "", err
	}
	name := userID
	switch {
	case member == nil:
	case member.Nick != "":
		name = member.Nick
	case member.User != nil && member.User.GlobalName != "":
		name = member.User.GlobalName
	case member.User != nil && member.User.Username != "":
		name = member.User.Username
	}
	return truncate(fmt.Sprintf("%s's room", name), discordMaxChannelNameLength), nil
}

// rollback is the compensating action for a half-provisioned room:
// delete the channel that was just created.
func (p *Provisioner) rollback(
	ctx context.Context,
	channelID string,
	logger *slog.Logger,
) {
	if _, err := p.session.ChannelDelete(channelID); err != nil {
		logger.ErrorContext(
			ctx,
			"error rolling back created channel",
			tint.Err(err),
			columnRoomChannelID, channelID,
		)
	}
}

// disconnect drops the member from voice with a log entry explaining
// why - a member must never be left sitting in the lobby silently
// after provisioning fails.
func (p *Provisioner) disconnect(
	ctx context.Context,
	guildID string,
	userID string,
	reason string,
) {
	p.logger.WarnContext(
		ctx,
		"disconnecting member",
		columnRoomGuildID, guildID,
		"member_id", userID,
		"reason", reason,
	)
	if err := p.session.GuildMemberMove(guildID, userID, nil); err != nil {
		p.logger.ErrorContext(
			ctx,
			"error disconnecting member",
			tint.Err(err),
			columnRoomGuildID, guildID,
			"member_id", userID,
		)
	}
}
