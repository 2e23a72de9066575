package roomkeeper

import (
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receiveWebhook(
	t testing.TB,
	ch chan *discordgo.WebhookParams,
) *discordgo.WebhookParams {
	t.Helper()
	select {
	case params := <-ch:
		return params
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for webhook send")
		return nil
	}
}

func TestWebhookLogHandlerSends(t *testing.T) {
	session := newFakeVoiceSession()
	handler := newDiscordWebhookLogHandler(
		session,
		DiscordLogWebhookConfig{
			Enabled:       true,
			ID:            "hook-id",
			Token:         "hook-token",
			RatePerMinute: 60,
		},
		slog.LevelWarn,
	)
	logger := slog.New(handler)

	logger.Warn("room deletion failed", "channel_id", "chan-1")

	params := receiveWebhook(t, session.webhookSends)
	assert.True(
		t, strings.HasPrefix(params.Content, "**WARN** room deletion failed"),
		"got: %s", params.Content,
	)
	assert.Contains(t, params.Content, "`channel_id=chan-1`")
}

func TestWebhookLogHandlerLevelGate(t *testing.T) {
	handler := newDiscordWebhookLogHandler(
		newFakeVoiceSession(),
		DiscordLogWebhookConfig{Enabled: true, ID: "id", Token: "tok"},
		slog.LevelWarn,
	)
	ctx := context.Background()
	assert.False(t, handler.Enabled(ctx, slog.LevelInfo))
	assert.True(t, handler.Enabled(ctx, slog.LevelWarn))
	assert.True(t, handler.Enabled(ctx, slog.LevelError))
}

func TestWebhookLogHandlerRateLimitDrops(t *testing.T) {
	session := newFakeVoiceSession()
	handler := newDiscordWebhookLogHandler(
		session,
		DiscordLogWebhookConfig{
			Enabled:       true,
			ID:            "hook-id",
			Token:         "hook-token",
			RatePerMinute: 1,
		},
		slog.LevelWarn,
	)
	logger := slog.New(handler)

	// burst of 1: the first record goes through, the rest are dropped
	for i := 0; i < 5; i++ {
		logger.Error("repeated failure")
	}

	receiveWebhook(t, session.webhookSends)
	select {
	case extra := <-session.webhookSends:
		t.Fatalf("expected records over the rate limit to be dropped, got %q", extra.Content)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWebhookLogHandlerGroupedAttrs(t *testing.T) {
	session := newFakeVoiceSession()
	handler := newDiscordWebhookLogHandler(
		session,
		DiscordLogWebhookConfig{
			Enabled:       true,
			ID:            "hook-id",
			Token:         "hook-token",
			RatePerMinute: 60,
		},
		slog.LevelInfo,
	)
	logger := slog.New(handler).WithGroup("room").With("guild_id", "guild-1")

	logger.Info("provisioned")

	params := receiveWebhook(t, session.webhookSends)
	assert.Contains(t, params.Content, "`room.guild_id=guild-1`")
}

func TestFanoutHandler(t *testing.T) {
	session := newFakeVoiceSession()
	webhookHandler := newDiscordWebhookLogHandler(
		session,
		DiscordLogWebhookConfig{
			Enabled:       true,
			ID:            "hook-id",
			Token:         "hook-token",
			RatePerMinute: 60,
		},
		slog.LevelWarn,
	)

	var captured []slog.Record
	capture := captureHandler{level: slog.LevelDebug, records: &captured}

	logger := slog.New(newFanoutHandler(capture, webhookHandler))

	logger.Debug("debug detail")
	logger.Warn("bad news")

	require.Len(t, captured, 2, "terminal handler sees every record")
	params := receiveWebhook(t, session.webhookSends)
	assert.Contains(t, params.Content, "bad news")
	select {
	case extra := <-session.webhookSends:
		t.Fatalf("debug record should not reach the webhook, got %q", extra.Content)
	case <-time.After(100 * time.Millisecond):
	}
}

type captureHandler struct {
	level   slog.Level
	records *[]slog.Record
}

func (c captureHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= c.level
}

func (c captureHandler) Handle(_ context.Context, record slog.Record) error {
	*c.records = append(*c.records, record)
	return nil
}

func (c captureHandler) WithAttrs(_ []slog.Attr) slog.Handler {
	return c
}

func (c captureHandler) WithGroup(_ string) slog.Handler {
	return c
}

// A permanent reap failure is exactly the record operators watch the
// webhook mirror for, so the mirror has to be in place before the
// lifecycle components are built.
func TestWebhookMirrorSeesReaperErrors(t *testing.T) {
	ctx := context.Background()
	session := newFakeVoiceSession()
	registry := newTestRegistry(t)
	logger := newTestLogger(t)
	rc := DefaultRuntimeConfig()

	cfg := DefaultConfig()
	cfg.Discord.LogWebhook = DiscordLogWebhookConfig{
		Enabled:       true,
		ID:            "wh-1",
		Token:         "wh-token",
		RatePerMinute: 60,
	}

	k := &RoomKeeper{
		config:          cfg,
		logger:          logger,
		logHandler:      logger.Handler(),
		webhookLogLevel: &slog.LevelVar{},
		registry:        registry,
		runtimeConfig:   &rc,
		discord:         &Discord{session: session, config: cfg.Discord, logger: logger},
	}
	require.NoError(t, k.initDiscordSession(ctx))

	clk := newFakeClock()
	k.reaper.clock = clk

	session.addChannel("chan-1", "guild-1", discordgo.ChannelTypeGuildVoice)
	require.NoError(
		t, registry.Create(
			ctx, &Room{ChannelID: "chan-1", GuildID: "guild-1", OwnerID: "user-1"},
		),
	)
	session.channelDeleteErr = &discordgo.RESTError{
		Message: &discordgo.APIErrorMessage{
			Code: discordgo.ErrCodeMissingPermissions,
		},
	}

	k.reaper.CheckChannel(ctx, "guild-1", "chan-1")
	clk.fire()

	params := receiveWebhook(t, session.webhookSends)
	assert.Contains(t, params.Content, "**ERROR**")
	assert.Contains(t, params.Content, "chan-1")
}
