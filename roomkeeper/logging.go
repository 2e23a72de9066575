package roomkeeper

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm/logger"
)

const loggerNameKey = "logger"

// slogLevelFromDiscordgo maps discordgo's numeric log levels onto
// slog levels. Unknown values land at info.
func slogLevelFromDiscordgo(msgL int) slog.Level {
	switch msgL {
	case discordgo.LogDebug:
		return slog.LevelDebug
	case discordgo.LogWarning:
		return slog.LevelWarn
	case discordgo.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// discordgoLoggerFunc adapts an slog.Handler to the package-level
// discordgo.Logger hook, flattening the printf-style messages into
// single-line records.
func discordgoLoggerFunc(ctx context.Context, handler slog.Handler) func(
	msgL int,
	caller int,
	format string,
	args ...any,
) {
	log := slog.New(handler)
	return func(msgL int, _ int, format string, args ...any) {
		msg := strings.ReplaceAll(fmt.Sprintf(format, args...), "\n", "")
		log.LogAttrs(ctx, slogLevelFromDiscordgo(msgL), msg)
	}
}

var dbLogLevels = map[string]slog.Level{
	"DEBUG": slog.LevelDebug,
	"INFO":  slog.LevelInfo,
	"WARN":  slog.LevelWarn,
	"ERROR": slog.LevelError,
}

// DBLogLevel is a log level stored as its string form, so it can live
// in a database column and a JSON payload while still resolving to an
// slog.Level.
type DBLogLevel string

func (l DBLogLevel) String() string {
	return string(l)
}

// Level resolves the stored string to its slog.Level, falling back to
// info for values that don't parse.
func (l DBLogLevel) Level() slog.Level {
	if lvl, ok := dbLogLevels[strings.ToUpper(string(l))]; ok {
		return lvl
	}
	slog.Default().Error(fmt.Sprintf("unknown log level '%s'", string(l)))
	return slog.LevelInfo
}

func (l *DBLogLevel) parseLevel(s string) error {
	lvl, ok := dbLogLevels[strings.ToUpper(s)]
	if !ok {
		return fmt.Errorf("unknown log level: %s", s)
	}
	*l = DBLogLevel(lvl.String())
	return nil
}

// Set sets the log level from a string.
func (l *DBLogLevel) Set(s string) error {
	return l.parseLevel(s)
}

// Scan implements the sql.Scanner interface.
func (l *DBLogLevel) Scan(value any) error {
	switch v := value.(type) {
	case []byte:
		return l.parseLevel(string(v))
	case string:
		return l.parseLevel(v)
	default:
		return errors.New("invalid type for DBLogLevel")
	}
}

// Value implements the driver.Valuer interface.
func (l DBLogLevel) Value() (driver.Value, error) {
	return l.String(), nil
}

// GormDataType implements the gorm.GormDataTypeInterface interface.
func (DBLogLevel) GormDataType() string {
	return "string"
}

// MarshalJSON implements the json.Marshaller interface.
func (l DBLogLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (l *DBLogLevel) UnmarshalJSON(data []byte) error {
	var levelString string
	if err := json.Unmarshal(data, &levelString); err != nil {
		return err
	}
	return l.parseLevel(levelString)
}

// gormSlogAdapter bridges GORM's logger.Interface onto slog. Queries
// log at debug, except those over SlowThreshold, which log at warn.
type gormSlogAdapter struct {
	logger        *slog.Logger
	SlowThreshold time.Duration
}

func newGORMLogger(
	handler slog.Handler,
	slowThreshold time.Duration,
) *gormSlogAdapter {
	return &gormSlogAdapter{
		logger:        slog.New(handler).With(loggerNameKey, "gorm"),
		SlowThreshold: slowThreshold,
	}
}

// LogMode is a no-op; levels are decided by the slog handler.
func (g gormSlogAdapter) LogMode(_ logger.LogLevel) logger.Interface {
	return g
}

func (g gormSlogAdapter) Info(ctx context.Context, s string, i ...any) {
	g.logger.InfoContext(ctx, fmt.Sprintf(s, i...))
}

func (g gormSlogAdapter) Warn(ctx context.Context, s string, i ...any) {
	g.logger.WarnContext(ctx, fmt.Sprintf(s, i...))
}

func (g gormSlogAdapter) Error(ctx context.Context, s string, i ...any) {
	g.logger.ErrorContext(ctx, fmt.Sprintf(s, i...))
}

func (g gormSlogAdapter) Trace(
	ctx context.Context,
	begin time.Time,
	fc func() (sql string, rowsAffected int64),
	err error,
) {
	elapsed := time.Since(begin)
	sql, rowsAffected := fc()

	var rows any = rowsAffected
	if rowsAffected == -1 {
		rows = "-"
	}
	attrs := []any{
		"elapsed", elapsed,
		"threshold", g.SlowThreshold,
		"rows", rows,
		"sql", sql,
		tint.Err(err),
	}

	if g.SlowThreshold != 0 && elapsed > g.SlowThreshold {
		g.logger.WarnContext(ctx, "slow sql", attrs...)
		return
	}
	g.logger.DebugContext(ctx, "sql completed", attrs...)
}
