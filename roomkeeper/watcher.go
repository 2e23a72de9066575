package roomkeeper

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// LobbyWatcher is the control-flow hub for the voice lifecycle: it
// observes voice state transitions and dispatches to the Provisioner
// (lobby joins), Access Gate (room joins), and Reaper (leaves).
//
// A failure inside one member's transition is logged and swallowed - it
// never blocks processing of other members' transitions.
type LobbyWatcher struct {
	session     VoiceSessionHandler
	registry    *RoomRegistry
	provisioner *Provisioner
	reaper      *Reaper
	gate        *AccessGate
	logger      *slog.Logger

	// enabled gates all event processing; it stays false if the
	// registry store wasn't reachable at startup, so handlers no-op
	// safely instead of throwing.
	enabled atomic.Bool

	// paused mirrors RuntimeConfig.Paused
	paused atomic.Bool

	metricTransitions atomic.Int64
}

func NewLobbyWatcher(
	session VoiceSessionHandler,
	registry *RoomRegistry,
	provisioner *Provisioner,
	reaper *Reaper,
	gate *AccessGate,
	logger *slog.Logger,
) *LobbyWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LobbyWatcher{
		session:     session,
		registry:    registry,
		provisioner: provisioner,
		reaper:      reaper,
		gate:        gate,
		logger:      logger.With(loggerNameKey, "lobby_watcher"),
	}
}

// Enable turns on event processing (called once the registry store is
// confirmed reachable).
func (w *LobbyWatcher) Enable() {
	w.enabled.Store(true)
}

// SetPaused mirrors the runtime config paused flag onto the watcher.
func (w *LobbyWatcher) SetPaused(paused bool) {
	w.paused.Store(paused)
}

// handlerVoiceStateUpdate returns the discordgo gateway handler. Each
// event is processed in its own goroutine - invocations are independent
// asynchronous tasks sharing only the reaper's timer map and the
// registry.
func (w *LobbyWatcher) handlerVoiceStateUpdate() func(
	s *discordgo.Session,
	vsu *discordgo.VoiceStateUpdate,
) {
	return func(s *discordgo.Session, vsu *discordgo.VoiceStateUpdate) {
		if vsu == nil || vsu.VoiceState == nil {
			return
		}
		if !w.enabled.Load() || w.paused.Load() {
			return
		}

		var prev string
		if vsu.BeforeUpdate != nil {
			prev = vsu.BeforeUpdate.ChannelID
		}
		next := vsu.ChannelID

		// mute/deafen/stream updates arrive on the same event
		if prev == next {
			return
		}

		ctx := WithLogger(context.Background(), w.logger)
		go func() {
			defer w.recoverTransition(ctx, vsu.GuildID, vsu.UserID)
			w.HandleTransition(ctx, vsu.GuildID, vsu.UserID, prev, next)
		}()
	}
}

// HandleTransition processes one member's movement between voice
// channels. A switch is an ordered leave-then-join: the reaper check
// for the old channel is dispatched first (it debounces on its own),
// then the join branch runs for the new channel.
func (w *LobbyWatcher) HandleTransition(
	ctx context.Context,
	guildID string,
	userID string,
	prev string,
	next string,
) {
	w.metricTransitions.Add(1)

	logger := w.logger.With(
		columnRoomGuildID, guildID,
		"member_id", userID,
		"prev_channel_id", prev,
		"next_channel_id", next,
	)
	logger.DebugContext(ctx, "voice transition")

	if prev != "" {
		// debounced; runs on its own schedule and operates on a
		// different channel key than the join branch below
		go w.reaper.CheckChannel(ctx, guildID, prev)
	}

	if next == "" {
		return
	}

	cfg, err := w.registry.GetLobbyConfig(ctx, guildID)
	if err != nil {
		logger.ErrorContext(ctx, "error loading lobby config", tint.Err(err))
		return
	}

	if cfg != nil && next == cfg.LobbyChannelID {
		if _, provErr := w.provisioner.Provision(ctx, guildID, userID); provErr != nil {
			logger.WarnContext(ctx, "provisioning failed", tint.Err(provErr))
		}
		return
	}

	// a rejoin to a room with a pending deletion cancels the reaper
	if w.reaper.Cancel(next) {
		logger.InfoContext(ctx, "canceled pending room deletion on rejoin")
	}

	if _, gateErr := w.gate.CheckJoin(ctx, guildID, next, userID); gateErr != nil {
		logger.ErrorContext(ctx, "access gate error", tint.Err(gateErr))
	}
}

func (w *LobbyWatcher) recoverTransition(
	ctx context.Context,
	guildID string,
	userID string,
) {
	if rc := recover(); rc != nil {
		w.logger.ErrorContext(
			ctx,
			"panic in voice transition handler",
			"recovered", rc,
			columnRoomGuildID, guildID,
			"member_id", userID,
		)
	}
}
