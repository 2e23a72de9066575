package roomkeeper

import (
	"context"
	"errors"
	"log/slog"

	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

const (
	columnRoomChannelID = "channel_id"
	columnRoomGuildID   = "guild_id"
	columnRoomOwnerID   = "owner_id"
	columnRoomLocked    = "locked"
	columnRoomHidden    = "hidden"
	columnRoomLimit     = "member_limit"
)

var (
	// ErrRoomExists is returned by [RoomRegistry.Create] when a Room row
	// already exists for the channel ID.
	ErrRoomExists = errors.New("room already exists for channel")

	// ErrRoomNotFound is returned by [RoomRegistry.Update] when no Room
	// row exists for the channel ID.
	ErrRoomNotFound = errors.New("no room for channel")
)

// Room is the registry record for a provisioned voice channel. The
// channel ID doubles as the primary key - there's never more than one
// row per live channel.
//
// Locked and Hidden mirror the channel's permission overwrites for the
// @everyone role; every mutating operation updates the channel first,
// then this row.
type Room struct {
	ChannelID string `gorm:"primaryKey" json:"channel_id"`
	GuildID   string `gorm:"index" json:"guild_id"`
	OwnerID   string `gorm:"index" json:"owner_id"`
	Locked    bool   `json:"locked"`
	Hidden    bool   `json:"hidden"`

	// MemberLimit mirrors the channel's user limit. nil means unlimited -
	// an explicit 0 from the user is stored as nil, so "explicitly
	// unlimited" and "never set" are the same state.
	MemberLimit *int `gorm:"column:member_limit" json:"member_limit,omitempty"`

	ModelUnixTime
}

func (r Room) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String(columnRoomChannelID, r.ChannelID),
		slog.String(columnRoomGuildID, r.GuildID),
		slog.String(columnRoomOwnerID, r.OwnerID),
		slog.Bool("locked", r.Locked),
		slog.Bool("hidden", r.Hidden),
		slog.Int("member_limit", intPointerValue(r.MemberLimit)),
	)
}

// LobbyConfig is the per-guild setup record: which voice channel acts
// as the lobby, which category new rooms are created under, and which
// text channel holds the button interface message. Created by
// `/voicemaster setup`, read-only for the lifecycle core.
type LobbyConfig struct {
	GuildID            string `gorm:"primaryKey" json:"guild_id"`
	LobbyChannelID     string `json:"lobby_channel_id"`
	CategoryID         string `json:"category_id"`
	InterfaceChannelID string `json:"interface_channel_id"`
	InterfaceMessageID string `json:"interface_message_id"`

	ModelUnixTime
}

// RoomRegistry provides point lookups and single-row writes for Room
// and LobbyConfig records. No multi-row transactions - every operation
// is keyed by the unique channel ID, so the store's native point-write
// atomicity is sufficient.
type RoomRegistry struct {
	db     DBI
	cache  *RegistryCache
	logger *slog.Logger
}

func NewRoomRegistry(db DBI, cache *RegistryCache, logger *slog.Logger) *RoomRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &RoomRegistry{
		db:     db,
		cache:  cache,
		logger: logger.With(loggerNameKey, "room_registry"),
	}
}

// Get returns the Room for the given channel ID, or nil if none exists.
func (r *RoomRegistry) Get(ctx context.Context, channelID string) (*Room, error) {
	if room := r.cache.GetRoom(ctx, channelID); room != nil {
		return room, nil
	}
	var room Room
	err := r.db.DB().WithContext(ctx).Where(
		"channel_id = ?", channelID,
	).First(&room).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	r.cache.SetRoom(ctx, &room)
	return &room, nil
}

// Create inserts a new Room row. Returns [ErrRoomExists] if a row
// already exists for the channel ID.
func (r *RoomRegistry) Create(ctx context.Context, room *Room) error {
	existing, err := r.Get(ctx, room.ChannelID)
	if err != nil {
		return err
	}
	if existing != nil {
		return ErrRoomExists
	}
	if _, err = r.db.Create(ctx, room); err != nil {
		return err
	}
	r.cache.SetRoom(ctx, room)
	return nil
}

// Update applies a partial update to the Room row for the given channel
// ID and returns the updated row. Returns [ErrRoomNotFound] if no row
// exists.
func (r *RoomRegistry) Update(
	ctx context.Context,
	channelID string,
	values map[string]any,
) (*Room, error) {
	rowsAffected, err := r.db.UpdatesWhere(
		ctx,
		&Room{},
		values,
		"channel_id = ?",
		channelID,
	)
	if err != nil {
		return nil, err
	}
	if rowsAffected == 0 {
		return nil, ErrRoomNotFound
	}
	r.cache.DeleteRoom(ctx, channelID)
	return r.Get(ctx, channelID)
}

// Delete removes the Room row for the given channel ID. Deleting a row
// that doesn't exist is not an error.
func (r *RoomRegistry) Delete(ctx context.Context, channelID string) error {
	_, err := r.db.Delete(&Room{}, "channel_id = ?", channelID)
	if err != nil {
		r.logger.ErrorContext(
			ctx,
			"error deleting room row",
			tint.Err(err),
			columnRoomChannelID, channelID,
		)
		return err
	}
	r.cache.DeleteRoom(ctx, channelID)
	return nil
}

// ListAll returns every Room row. Used by the startup reconciliation
// sweep.
func (r *RoomRegistry) ListAll(ctx context.Context) ([]Room, error) {
	var rooms []Room
	err := r.db.DB().WithContext(ctx).Find(&rooms).Error
	return rooms, err
}

// ListByGuild returns every Room row for the given guild.
func (r *RoomRegistry) ListByGuild(ctx context.Context, guildID string) ([]Room, error) {
	var rooms []Room
	err := r.db.DB().WithContext(ctx).Where(
		"guild_id = ?", guildID,
	).Find(&rooms).Error
	return rooms, err
}

// GetLobbyConfig returns the guild's lobby setup, or nil if the guild
// hasn't run setup.
func (r *RoomRegistry) GetLobbyConfig(
	ctx context.Context,
	guildID string,
) (*LobbyConfig, error) {
	if cfg := r.cache.GetLobbyConfig(ctx, guildID); cfg != nil {
		return cfg, nil
	}
	var cfg LobbyConfig
	err := r.db.DB().WithContext(ctx).Where(
		"guild_id = ?", guildID,
	).First(&cfg).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	r.cache.SetLobbyConfig(ctx, &cfg)
	return &cfg, nil
}

// SaveLobbyConfig creates or replaces the guild's lobby setup.
func (r *RoomRegistry) SaveLobbyConfig(ctx context.Context, cfg *LobbyConfig) error {
	_, err := r.db.Save(ctx, cfg)
	if err != nil {
		return err
	}
	r.cache.SetLobbyConfig(ctx, cfg)
	return nil
}
