package roomkeeper

import (
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/bwmarrin/discordgo"
)

var (
	columnRuntimeConfigPaused                = "paused"
	columnRuntimeConfigAdminUsername         = "admin_username"
	columnRuntimeConfigAdminPassword         = "admin_password"
	columnRuntimeConfigNotificationChannelID = "discord_notification_channel_id"
)

// RuntimeConfig is the bot's live, DB-backed configuration: the
// settings an operator can change without a restart, persisted so they
// survive one. A single row is created on first startup and refreshed
// on an interval (or immediately, via the DB notifier).
//
//nolint:lll // struct tags can't be split
type RuntimeConfig struct {
	ModelUintID
	ModelUnixTime

	// Paused suspends all voice lifecycle processing: no provisioning,
	// no gating, no reaping. Rooms and registry rows are left as-is.
	Paused bool `json:"paused" gorm:"not null;default:false"`

	// DiscordCustomStatus is the custom status message displayed for the bot on Discord.
	DiscordCustomStatus string `json:"discord_custom_status" gorm:"type:string"`

	// DiscordNotificationChannelID, if set, receives a message when the
	// bot connects.
	DiscordNotificationChannelID string `json:"discord_notification_channel_id" gorm:"type:string" mapstructure:"discord_notification_channel_id"`

	// ReaperSettleDelay is how long the reaper waits after a leave
	// event before checking occupancy.
	ReaperSettleDelay Duration `json:"reaper_settle_delay" gorm:"default:1000000000"`

	// ReaperGracePeriod is how long an empty room survives before its
	// deletion fires.
	ReaperGracePeriod Duration `json:"reaper_grace_period" gorm:"default:15000000000"`

	// AdminUsername for the web UI
	AdminUsername string `json:"admin_username" gorm:"type:string" log:"[redacted]"`

	// AdminPassword stores the hashed password for the admin user
	AdminPassword string `json:"admin_password" gorm:"type:string" log:"[redacted]"`

	// LogLevel is the general logging level for the application.
	LogLevel DBLogLevel `gorm:"default:INFO;type:string;check:log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"log_level" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`

	// DiscordLogLevel is the logging level for Discord-related operations.
	DiscordLogLevel DBLogLevel `gorm:"default:INFO;type:string;check:discord_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"discord_log_level" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`

	// DiscordGoLogLevel is the logging level for the DiscordGo library.
	DiscordGoLogLevel DBLogLevel `gorm:"default:INFO;column:discordgo_log_level;type:string;check:discordgo_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"discordgo_log_level" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`

	// DatabaseLogLevel is the logging level for database operations.
	DatabaseLogLevel DBLogLevel `gorm:"default:INFO;type:string;check:database_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"database_log_level" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`

	// DiscordWebhookLogLevel is the logging level for the Discord webhook log mirror.
	DiscordWebhookLogLevel DBLogLevel `gorm:"default:WARN;type:string;check:discord_webhook_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"discord_webhook_log_level" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`

	// APILogLevel is the logging level for API operations.
	APILogLevel DBLogLevel `gorm:"default:INFO;type:string;check:api_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"api_log_level" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
}

func (RuntimeConfig) TableName() string {
	return "config"
}

func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		DiscordCustomStatus:    DefaultDiscordCustomStatus,
		ReaperSettleDelay:      Duration{DefaultReaperSettleDelay},
		ReaperGracePeriod:      Duration{DefaultReaperGracePeriod},
		LogLevel:               DBLogLevel(slog.LevelInfo.String()),
		DiscordLogLevel:        DBLogLevel(slog.LevelInfo.String()),
		DiscordGoLogLevel:      DBLogLevel(slog.LevelInfo.String()),
		DatabaseLogLevel:       DBLogLevel(slog.LevelInfo.String()),
		DiscordWebhookLogLevel: DBLogLevel(slog.LevelWarn.String()),
		APILogLevel:            DBLogLevel(slog.LevelInfo.String()),
	}
}

// RuntimeConfigUpdate is the PATCH payload for the admin API: only
// non-nil fields are applied.
//
//nolint:lll // can't break tags
type RuntimeConfigUpdate struct {
	Paused *bool `json:"paused,omitempty"`

	DiscordCustomStatus          *string `json:"discord_custom_status,omitempty"`
	DiscordNotificationChannelID *string `json:"discord_notification_channel_id,omitempty"`

	ReaperSettleDelay *Duration `json:"reaper_settle_delay,omitempty"`
	ReaperGracePeriod *Duration `json:"reaper_grace_period,omitempty"`

	AdminUsername *string `json:"admin_username,omitempty" binding:"omitnil,min=1"`
	AdminPassword *string `json:"admin_password,omitempty" binding:"omitnil,min=8"`

	LogLevel               *DBLogLevel `json:"log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DiscordLogLevel        *DBLogLevel `json:"discord_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DiscordGoLogLevel      *DBLogLevel `json:"discordgo_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DatabaseLogLevel       *DBLogLevel `json:"database_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DiscordWebhookLogLevel *DBLogLevel `json:"discord_webhook_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	APILogLevel            *DBLogLevel `json:"api_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
}

func (b RuntimeConfigUpdate) validate() error {
	return structValidator.Struct(b)
}

// validateRuntimeUpdateTimings is a struct-level validator hook for the
// reaper timing fields.
func validateRuntimeUpdateTimings(field reflect.Value) any {
	if value, ok := field.Interface().(RuntimeConfigUpdate); ok {
		if value.ReaperSettleDelay != nil {
			settle := *value.ReaperSettleDelay
			if settle.Duration < 100*time.Millisecond {
				return fmt.Errorf("reaper settle delay must be at least 100ms")
			}
			if settle.Duration > time.Minute {
				return fmt.Errorf("reaper settle delay must be at most 1m")
			}
		}
		if value.ReaperGracePeriod != nil {
			grace := *value.ReaperGracePeriod
			if grace.Duration < time.Second {
				return fmt.Errorf("reaper grace period must be at least 1s")
			}
			if grace.Duration > time.Hour {
				return fmt.Errorf("reaper grace period must be at most 1h")
			}
		}
	}
	return nil
}

func getDiscordPresenceStatusUpdate(config RuntimeConfig) discordgo.GatewayStatusUpdate {
	if config.Paused {
		return discordgo.GatewayStatusUpdate{
			AFK:    true,
			Status: string(discordgo.StatusDoNotDisturb),
		}
	}
	return discordgo.GatewayStatusUpdate{Status: config.DiscordCustomStatus}
}
