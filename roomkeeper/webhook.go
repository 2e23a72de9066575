package roomkeeper

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bwmarrin/discordgo"
	"golang.org/x/time/rate"
)

// discordWebhookLogHandler is a slog.Handler that mirrors log records
// to a Discord webhook, so operators see warnings and errors in a
// channel without tailing logs. Forwarding is rate limited; records
// over the limit are dropped, not queued - the webhook is a mirror,
// never a source of backpressure.
type discordWebhookLogHandler struct {
	session VoiceSessionHandler
	config  DiscordLogWebhookConfig
	level   slog.Leveler
	limiter *rate.Limiter
	attrs   []slog.Attr
	groups  []string
}

func newDiscordWebhookLogHandler(
	session VoiceSessionHandler,
	config DiscordLogWebhookConfig,
	level slog.Leveler,
) *discordWebhookLogHandler {
	perMinute := config.RatePerMinute
	if perMinute <= 0 {
		perMinute = DefaultWebhookLogRatePerMinute
	}
	return &discordWebhookLogHandler{
		session: session,
		config:  config,
		level:   level,
		limiter: rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute),
	}
}

func (h *discordWebhookLogHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *discordWebhookLogHandler) Handle(_ context.Context, record slog.Record) error {
	if !h.limiter.Allow() {
		return nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "**%s** %s", record.Level, record.Message)

	writeAttr := func(a slog.Attr) {
		if a.Equal(slog.Attr{}) {
			return
		}
		key := a.Key
		if len(h.groups) > 0 {
			key = strings.Join(h.groups, ".") + "." + key
		}
		fmt.Fprintf(&b, "\n`%s=%v`", key, a.Value)
	}
	for _, a := range h.attrs {
		writeAttr(a)
	}
	record.Attrs(
		func(a slog.Attr) bool {
			writeAttr(a)
			return true
		},
	)

	content := truncate(b.String(), discordMaxMessageLength)

	// fire-and-forget: a slow or failing webhook must never block the
	// code path that logged
	go func() {
		_, _ = h.session.WebhookExecute(
			h.config.ID,
			h.config.Token,
			false,
			&discordgo.WebhookParams{Content: content},
			discordgo.WithRetryOnRatelimit(false),
			discordgo.WithRestRetries(1),
		)
	}()
	return nil
}

func (h *discordWebhookLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := *h
	nh.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &nh
}

func (h *discordWebhookLogHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	nh := *h
	nh.groups = append(append([]string{}, h.groups...), name)
	return &nh
}

// fanoutHandler duplicates records to multiple handlers (the tint
// terminal handler plus the Discord webhook mirror).
type fanoutHandler struct {
	handlers []slog.Handler
}

func newFanoutHandler(handlers ...slog.Handler) slog.Handler {
	return fanoutHandler{handlers: handlers}
}

func (f fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f fanoutHandler) Handle(ctx context.Context, record slog.Record) error {
	var err error
	for _, h := range f.handlers {
		if h.Enabled(ctx, record.Level) {
			if e := h.Handle(ctx, record.Clone()); e != nil && err == nil {
				err = e
			}
		}
	}
	return err
}

func (f fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		handlers[i] = h.WithAttrs(attrs)
	}
	return fanoutHandler{handlers: handlers}
}

func (f fanoutHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		handlers[i] = h.WithGroup(name)
	}
	return fanoutHandler{handlers: handlers}
}
