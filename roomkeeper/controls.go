package roomkeeper

import (
	"context"
	"fmt"
	"log/slog"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	// roomLimitMax is the largest capacity the API accepts for a voice
	// channel user limit.
	roomLimitMax = 99

	msgControlFailed   = "failed, check permissions"
	msgMaximumReached  = "maximum reached"
	msgMinimumReached  = "minimum reached"
	msgInconsistent    = "channel updated, but saving the room record failed"
	msgRoomNameLength  = "room name must be 1-100 characters"
	msgNotARoom        = "this isn't a managed room"
	msgNotOwner        = "only the room owner can do that"
	msgOwnerPresent    = "the owner is still here - you can't claim this room"
	msgClaimNotPresent = "join the room before claiming it"
	msgTargetNotInRoom = "that member isn't in this room"
)

// ControlError is a user-facing rejection from a control surface
// operation (ownership checks, limit boundaries, claim preconditions).
// It's reported to the invoker, never logged as an operational failure.
type ControlError struct {
	Reason string
}

func (e *ControlError) Error() string {
	return e.Reason
}

func controlRejection(reason string) error {
	return &ControlError{Reason: reason}
}

// RoomControls implements the owner-gated mutating operations on a
// room: lock, unlock, hide, unhide, claim, limits, allow/reject, kick,
// rename.
//
// Every operation writes external channel state first, then the
// registry row. A failure of the second write is reported as an
// inconsistency rather than silently succeeding. External calls are
// attempted once - failures surface to the invoker as
// "failed, check permissions".
type RoomControls struct {
	session  VoiceSessionHandler
	registry *RoomRegistry
	logger   *slog.Logger
}

func NewRoomControls(
	session VoiceSessionHandler,
	registry *RoomRegistry,
	logger *slog.Logger,
) *RoomControls {
	if logger == nil {
		logger = slog.Default()
	}
	return &RoomControls{
		session:  session,
		registry: registry,
		logger:   logger.With(loggerNameKey, "room_controls"),
	}
}

// ownedRoom loads the room and verifies the caller owns it.
func (c *RoomControls) ownedRoom(
	ctx context.Context,
	channelID string,
	callerID string,
) (*Room, error) {
	room, err := c.registry.Get(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if room == nil {
		return nil, controlRejection(msgNotARoom)
	}
	if room.OwnerID != callerID {
		return nil, controlRejection(msgNotOwner)
	}
	return room, nil
}

// editEveryoneOverwrite merges grant/deny bits into the channel's
// existing @everyone overwrite, so locking doesn't clobber a hide and
// vice versa.
func (c *RoomControls) editEveryoneOverwrite(
	ctx context.Context,
	guildID string,
	channelID string,
	grant int64,
	deny int64,
) error {
	channel, err := c.session.Channel(channelID)
	if err != nil {
		return err
	}
	if channel == nil {
		return fmt.Errorf("channel %s no longer exists", channelID)
	}
	var curAllow, curDeny int64
	for _, ow := range channel.PermissionOverwrites {
		if ow != nil && ow.ID == guildID &&
			ow.Type == discordgo.PermissionOverwriteTypeRole {
			curAllow = ow.Allow
			curDeny = ow.Deny
			break
		}
	}
	newAllow := (curAllow &^ deny) | grant
	newDeny := (curDeny &^ grant) | deny
	return c.session.ChannelPermissionSet(
		channelID,
		guildID,
		discordgo.PermissionOverwriteTypeRole,
		newAllow,
		newDeny,
	)
}

// setFlag is the shared channel-then-registry write for the four
// boolean operations (lock/unlock/hide/unhide). Re-applying the current
// state is a no-op success, never an error.
func (c *RoomControls) setFlag(
	ctx context.Context,
	room *Room,
	column string,
	value bool,
	grant int64,
	deny int64,
	successMsg string,
) (string, error) {
	if err := c.editEveryoneOverwrite(
		ctx, room.GuildID, room.ChannelID, grant, deny,
	); err != nil {
		c.logger.ErrorContext(
			ctx,
			"error editing channel permissions",
			tint.Err(err),
			columnRoomChannelID, room.ChannelID,
			"column", column,
		)
		return msgControlFailed, err
	}
	if _, err := c.registry.Update(
		ctx, room.ChannelID, map[string]any{column: value},
	); err != nil {
		c.logger.ErrorContext(
			ctx,
			"channel updated but room row update failed",
			tint.Err(err),
			columnRoomChannelID, room.ChannelID,
			"column", column,
			"value", value,
		)
		return msgInconsistent, err
	}
	return successMsg, nil
}

// Lock denies connect for @everyone and marks the room locked.
func (c *RoomControls) Lock(
	ctx context.Context,
	channelID string,
	callerID string,
) (string, error) {
	room, err := c.ownedRoom(ctx, channelID, callerID)
	if err != nil {
		return rejectionMessage(err), err
	}
	return c.setFlag(
		ctx, room, columnRoomLocked, true,
		0, discordgo.PermissionVoiceConnect,
		"room locked",
	)
}

// Unlock allows connect for @everyone and marks the room unlocked.
func (c *RoomControls) Unlock(
	ctx context.Context,
	channelID string,
	callerID string,
) (string, error) {
	room, err := c.ownedRoom(ctx, channelID, callerID)
	if err != nil {
		return rejectionMessage(err), err
	}
	return c.setFlag(
		ctx, room, columnRoomLocked, false,
		discordgo.PermissionVoiceConnect, 0,
		"room unlocked",
	)
}

// Hide denies view for @everyone and marks the room hidden.
func (c *RoomControls) Hide(
	ctx context.Context,
	channelID string,
	callerID string,
) (string, error) {
	room, err := c.ownedRoom(ctx, channelID, callerID)
	if err != nil {
		return rejectionMessage(err), err
	}
	return c.setFlag(
		ctx, room, columnRoomHidden, true,
		0, discordgo.PermissionViewChannel,
		"room hidden",
	)
}

// Unhide allows view for @everyone and marks the room visible.
func (c *RoomControls) Unhide(
	ctx context.Context,
	channelID string,
	callerID string,
) (string, error) {
	room, err := c.ownedRoom(ctx, channelID, callerID)
	if err != nil {
		return rejectionMessage(err), err
	}
	return c.setFlag(
		ctx, room, columnRoomHidden, false,
		discordgo.PermissionViewChannel, 0,
		"room revealed",
	)
}

// Claim reassigns ownership to the caller. Any current occupant may
// claim, but only while the current owner is absent from the channel.
func (c *RoomControls) Claim(
	ctx context.Context,
	channelID string,
	callerID string,
) (string, error) {
	room, err := c.registry.Get(ctx, channelID)
	if err != nil {
		return msgControlFailed, err
	}
	if room == nil {
		err = controlRejection(msgNotARoom)
		return rejectionMessage(err), err
	}

	states, err := c.session.GuildVoiceStates(room.GuildID)
	if err != nil {
		return msgControlFailed, err
	}
	var callerPresent, ownerPresent bool
	for _, vs := range states {
		if vs == nil || vs.ChannelID != channelID {
			continue
		}
		if vs.UserID == callerID {
			callerPresent = true
		}
		if vs.UserID == room.OwnerID {
			ownerPresent = true
		}
	}
	if !callerPresent {
		err = controlRejection(msgClaimNotPresent)
		return rejectionMessage(err), err
	}
	if ownerPresent {
		err = controlRejection(msgOwnerPresent)
		return rejectionMessage(err), err
	}

	// the outgoing owner keeps no special access on the channel
	if err = c.session.ChannelPermissionDelete(
		channelID, room.OwnerID,
	); err != nil {
		c.logger.WarnContext(
			ctx,
			"error removing previous owner overwrite",
			tint.Err(err),
			columnRoomChannelID, channelID,
			"previous_owner_id", room.OwnerID,
		)
	}

	if err = c.session.ChannelPermissionSet(
		channelID,
		callerID,
		discordgo.PermissionOverwriteTypeMember,
		roomPermissionOwner,
		0,
	); err != nil {
		c.logger.ErrorContext(
			ctx,
			"error granting owner overwrite to claimant",
			tint.Err(err),
			columnRoomChannelID, channelID,
			"claimant_id", callerID,
		)
		return msgControlFailed, err
	}
	if _, err = c.registry.Update(
		ctx, channelID, map[string]any{columnRoomOwnerID: callerID},
	); err != nil {
		return msgInconsistent, err
	}
	return "room claimed", nil
}

// SetLimit sets the room capacity to n (0-99). Zero means unlimited
// and is stored as absent rather than 0.
func (c *RoomControls) SetLimit(
	ctx context.Context,
	channelID string,
	callerID string,
	n int,
) (string, error) {
	if n < 0 || n > roomLimitMax {
		err := controlRejection(
			fmt.Sprintf("limit must be between 0 and %d", roomLimitMax),
		)
		return rejectionMessage(err), err
	}
	room, err := c.ownedRoom(ctx, channelID, callerID)
	if err != nil {
		return rejectionMessage(err), err
	}
	return c.applyLimit(ctx, room, n)
}

// IncreaseLimit raises the room capacity by one, clamping at the
// maximum with a "maximum reached" rejection.
func (c *RoomControls) IncreaseLimit(
	ctx context.Context,
	channelID string,
	callerID string,
) (string, error) {
	room, err := c.ownedRoom(ctx, channelID, callerID)
	if err != nil {
		return rejectionMessage(err), err
	}
	current := intPointerValue(room.MemberLimit)
	if current >= roomLimitMax {
		err = controlRejection(msgMaximumReached)
		return rejectionMessage(err), err
	}
	return c.applyLimit(ctx, room, current+1)
}

// DecreaseLimit lowers the room capacity by one, clamping at zero
// (unlimited) with a "minimum reached" rejection.
func (c *RoomControls) DecreaseLimit(
	ctx context.Context,
	channelID string,
	callerID string,
) (string, error) {
	room, err := c.ownedRoom(ctx, channelID, callerID)
	if err != nil {
		return rejectionMessage(err), err
	}
	current := intPointerValue(room.MemberLimit)
	if current <= 0 {
		err = controlRejection(msgMinimumReached)
		return rejectionMessage(err), err
	}
	return c.applyLimit(ctx, room, current-1)
}

func (c *RoomControls) applyLimit(
	ctx context.Context,
	room *Room,
	n int,
) (string, error) {
	if _, err := c.session.ChannelUserLimitSet(room.ChannelID, n); err != nil {
		c.logger.ErrorContext(
			ctx,
			"error setting channel user limit",
			tint.Err(err),
			columnRoomChannelID, room.ChannelID,
			"limit", n,
		)
		return msgControlFailed, err
	}

	var stored *int
	if n > 0 {
		stored = &n
	}
	if _, err := c.registry.Update(
		ctx, room.ChannelID, map[string]any{columnRoomLimit: stored},
	); err != nil {
		return msgInconsistent, err
	}
	if n == 0 {
		return "limit removed", nil
	}
	return fmt.Sprintf("limit set to %d", n), nil
}

// Allow grants the target member an explicit connect overwrite,
// letting them in regardless of the room's lock state.
func (c *RoomControls) Allow(
	ctx context.Context,
	channelID string,
	callerID string,
	targetID string,
) (string, error) {
	room, err := c.ownedRoom(ctx, channelID, callerID)
	if err != nil {
		return rejectionMessage(err), err
	}
	if err = c.session.ChannelPermissionSet(
		room.ChannelID,
		targetID,
		discordgo.PermissionOverwriteTypeMember,
		discordgo.PermissionVoiceConnect|discordgo.PermissionViewChannel,
		0,
	); err != nil {
		c.logger.ErrorContext(
			ctx,
			"error granting member connect overwrite",
			tint.Err(err),
			columnRoomChannelID, room.ChannelID,
			"target_id", targetID,
		)
		return msgControlFailed, err
	}
	return "member allowed", nil
}

// Reject denies the target member connect on the room, and disconnects
// them if they're currently inside.
func (c *RoomControls) Reject(
	ctx context.Context,
	channelID string,
	callerID string,
	targetID string,
) (string, error) {
	room, err := c.ownedRoom(ctx, channelID, callerID)
	if err != nil {
		return rejectionMessage(err), err
	}
	if err = c.session.ChannelPermissionSet(
		room.ChannelID,
		targetID,
		discordgo.PermissionOverwriteTypeMember,
		0,
		discordgo.PermissionVoiceConnect,
	); err != nil {
		c.logger.ErrorContext(
			ctx,
			"error denying member connect overwrite",
			tint.Err(err),
			columnRoomChannelID, room.ChannelID,
			"target_id", targetID,
		)
		return msgControlFailed, err
	}

	if present, presErr := c.memberInChannel(
		room.GuildID, room.ChannelID, targetID,
	); presErr == nil && present {
		if moveErr := c.session.GuildMemberMove(
			room.GuildID, targetID, nil,
		); moveErr != nil {
			c.logger.ErrorContext(
				ctx,
				"error disconnecting rejected member",
				tint.Err(moveErr),
				columnRoomChannelID, room.ChannelID,
				"target_id", targetID,
			)
			return msgControlFailed, moveErr
		}
	}
	return "member rejected", nil
}

// Kick force-disconnects the target from the room. The target must be
// in that exact channel.
func (c *RoomControls) Kick(
	ctx context.Context,
	channelID string,
	callerID string,
	targetID string,
) (string, error) {
	room, err := c.ownedRoom(ctx, channelID, callerID)
	if err != nil {
		return rejectionMessage(err), err
	}
	present, err := c.memberInChannel(room.GuildID, room.ChannelID, targetID)
	if err != nil {
		return msgControlFailed, err
	}
	if !present {
		err = controlRejection(msgTargetNotInRoom)
		return rejectionMessage(err), err
	}
	if err = c.session.GuildMemberMove(room.GuildID, targetID, nil); err != nil {
		c.logger.ErrorContext(
			ctx,
			"error disconnecting member",
			tint.Err(err),
			columnRoomChannelID, room.ChannelID,
			"target_id", targetID,
		)
		return msgControlFailed, err
	}
	return "member disconnected", nil
}

// Rename renames the room channel. 1-100 characters.
func (c *RoomControls) Rename(
	ctx context.Context,
	channelID string,
	callerID string,
	name string,
) (string, error) {
	if n := utf8.RuneCountInString(name); n < 1 || n > discordMaxChannelNameLength {
		err := controlRejection(msgRoomNameLength)
		return rejectionMessage(err), err
	}
	room, err := c.ownedRoom(ctx, channelID, callerID)
	if err != nil {
		return rejectionMessage(err), err
	}
	if _, err = c.session.ChannelEditComplex(
		room.ChannelID,
		&discordgo.ChannelEdit{Name: name},
	); err != nil {
		c.logger.ErrorContext(
			ctx,
			"error renaming channel",
			tint.Err(err),
			columnRoomChannelID, room.ChannelID,
			"name", name,
		)
		return msgControlFailed, err
	}
	return fmt.Sprintf("room renamed to %s", name), nil
}

func (c *RoomControls) memberInChannel(
	guildID string,
	channelID string,
	userID string,
) (bool, error) {
	states, err := c.session.GuildVoiceStates(guildID)
	if err != nil {
		return false, err
	}
	for _, vs := range states {
		if vs != nil && vs.ChannelID == channelID && vs.UserID == userID {
			return true, nil
		}
	}
	return false, nil
}

// rejectionMessage returns the user-facing text for a control surface
// error: the rejection reason when the caller did something invalid,
// or the generic failure message for operational errors.
func rejectionMessage(err error) string {
	if ce, ok := err.(*ControlError); ok {
		return ce.Reason
	}
	return msgControlFailed
}
