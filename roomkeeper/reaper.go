package roomkeeper

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	// DefaultReaperSettleDelay is how long the reaper waits after a
	// leave event before checking occupancy, letting the gateway's
	// voice state view settle.
	DefaultReaperSettleDelay = 1 * time.Second

	// DefaultReaperGracePeriod is how long an empty room survives
	// before deletion. A rejoin during this window cancels the pending
	// deletion.
	DefaultReaperGracePeriod = 15 * time.Second
)

// clock abstracts timer creation so the reaper's cancellation race can
// be tested deterministically with a fake clock.
type clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) stopTimer
	Sleep(ctx context.Context, d time.Duration)
}

// stopTimer is the cancellable handle for a scheduled deletion.
type stopTimer interface {
	Stop() bool
}

type realClock struct{}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) AfterFunc(d time.Duration, f func()) stopTimer {
	return time.AfterFunc(d, f)
}

func (realClock) Sleep(ctx context.Context, d time.Duration) {
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}

// Reaper deletes rooms that have been empty past the grace period.
//
// The pending-timer map is the only cross-invocation shared state in
// the voice lifecycle core: deletions are keyed by channel ID so a
// rejoin to one room never disturbs another room's pending deletion.
type Reaper struct {
	session  VoiceSessionHandler
	registry *RoomRegistry
	logger   *slog.Logger
	clock    clock

	mu      sync.Mutex
	pending map[string]stopTimer

	settleDelay time.Duration
	gracePeriod time.Duration
}

func NewReaper(
	session VoiceSessionHandler,
	registry *RoomRegistry,
	logger *slog.Logger,
) *Reaper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{
		session:     session,
		registry:    registry,
		logger:      logger.With(loggerNameKey, "reaper"),
		clock:       realClock{},
		pending:     map[string]stopTimer{},
		settleDelay: DefaultReaperSettleDelay,
		gracePeriod: DefaultReaperGracePeriod,
	}
}

// SetTimings updates the settle delay and grace period (from runtime
// config refreshes). Already-scheduled deletions keep their original
// grace period.
func (r *Reaper) SetTimings(settle, grace time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if settle > 0 {
		r.settleDelay = settle
	}
	if grace > 0 {
		r.gracePeriod = grace
	}
}

// Cancel stops any pending deletion for the channel. Returns true if a
// timer was pending. Called on every join to a registered room.
func (r *Reaper) Cancel(channelID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.pending[channelID]
	if !ok {
		return false
	}
	t.Stop()
	delete(r.pending, channelID)
	return true
}

// PendingCount returns the number of rooms with a scheduled deletion.
func (r *Reaper) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// CheckChannel runs the empty check for a channel a member just left:
// wait out the settle delay, re-fetch channel and registry row, and if
// the room is empty, schedule its deletion after the grace period.
func (r *Reaper) CheckChannel(ctx context.Context, guildID string, channelID string) {
	r.mu.Lock()
	settle := r.settleDelay
	r.mu.Unlock()

	r.clock.Sleep(ctx, settle)
	if ctx.Err() != nil {
		return
	}

	room, err := r.registry.Get(ctx, channelID)
	if err != nil {
		r.logger.ErrorContext(
			ctx,
			"error loading room row",
			tint.Err(err),
			columnRoomChannelID, channelID,
		)
		return
	}
	if room == nil {
		return
	}

	logger := r.logger.With(
		columnRoomChannelID, channelID,
		columnRoomGuildID, guildID,
	)

	channel, err := r.session.Channel(channelID)
	if err != nil {
		logger.ErrorContext(ctx, "error fetching channel", tint.Err(err))
		return
	}
	if channel == nil {
		// orphaned row - the backing channel is already gone
		logger.WarnContext(ctx, "channel gone, deleting orphaned room row")
		if delErr := r.registry.Delete(ctx, channelID); delErr != nil {
			logger.ErrorContext(ctx, "error deleting orphaned room row", tint.Err(delErr))
		}
		return
	}

	occupants, err := r.occupants(guildID, channelID)
	if err != nil {
		logger.ErrorContext(ctx, "error counting channel occupants", tint.Err(err))
		return
	}
	if occupants > 0 {
		return
	}

	r.schedule(ctx, guildID, channelID)
}

// schedule arms the grace-period deletion timer for an empty room. If a
// timer is already pending for the channel, it's left untouched.
func (r *Reaper) schedule(ctx context.Context, guildID string, channelID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.pending[channelID]; exists {
		return
	}

	grace := r.gracePeriod
	r.logger.InfoContext(
		ctx,
		"room empty, scheduling deletion",
		columnRoomChannelID, channelID,
		"grace_period", grace,
	)

	r.pending[channelID] = r.clock.AfterFunc(
		grace, func() {
			r.reap(context.Background(), guildID, channelID)
		},
	)
}

// reap fires when the grace period elapses. Emptiness is re-verified
// at fire time - membership can change during the grace window, and a
// rejoin that raced the timer must abort the deletion regardless of
// the cancellation map state.
func (r *Reaper) reap(ctx context.Context, guildID string, channelID string) {
	r.mu.Lock()
	delete(r.pending, channelID)
	r.mu.Unlock()

	logger := r.logger.With(
		columnRoomChannelID, channelID,
		columnRoomGuildID, guildID,
	)

	room, err := r.registry.Get(ctx, channelID)
	if err != nil {
		logger.ErrorContext(ctx, "error loading room row", tint.Err(err))
		return
	}
	if room == nil {
		// row already deleted (reconciliation, or a concurrent reap)
		return
	}

	channel, err := r.session.Channel(channelID)
	if err != nil {
		logger.ErrorContext(ctx, "error fetching channel", tint.Err(err))
		return
	}
	if channel == nil {
		if delErr := r.registry.Delete(ctx, channelID); delErr != nil {
			logger.ErrorContext(ctx, "error deleting orphaned room row", tint.Err(delErr))
		}
		return
	}

	occupants, err := r.occupants(guildID, channelID)
	if err != nil {
		logger.ErrorContext(ctx, "error counting channel occupants", tint.Err(err))
		return
	}
	if occupants > 0 {
		logger.InfoContext(ctx, "room re-occupied during grace period, aborting deletion")
		return
	}

	if _, err = r.session.ChannelDelete(channelID); err != nil {
		if isPermanentDiscordError(err) {
			// Deleting the row anyway avoids an unreapable zombie
			// entry for a channel this bot can never remove.
			logger.ErrorContext(
				ctx,
				"cannot delete channel (missing permissions), dropping room row anyway",
				tint.Err(err),
			)
		} else {
			logger.WarnContext(
				ctx,
				"transient error deleting channel, keeping room row for a later empty-check",
				tint.Err(err),
			)
			return
		}
	}

	if err = r.registry.Delete(ctx, channelID); err != nil {
		logger.ErrorContext(ctx, "error deleting room row", tint.Err(err))
		return
	}
	logger.InfoContext(ctx, "reaped empty room")
}

func (r *Reaper) occupants(guildID string, channelID string) (int, error) {
	states, err := r.session.GuildVoiceStates(guildID)
	if err != nil {
		return 0, err
	}
	var n int
	for _, vs := range states {
		if vs != nil && vs.ChannelID == channelID {
			n++
		}
	}
	return n, nil
}

// isPermanentDiscordError reports whether an API error won't resolve on
// retry (missing permissions or access, rather than a rate limit or
// timeout).
func isPermanentDiscordError(err error) bool {
	restErr, ok := err.(*discordgo.RESTError)
	if !ok {
		return false
	}
	if restErr.Message != nil {
		switch restErr.Message.Code {
		case discordgo.ErrCodeMissingPermissions, discordgo.ErrCodeMissingAccess:
			return true
		}
	}
	if restErr.Response != nil {
		switch restErr.Response.StatusCode {
		case http.StatusForbidden, http.StatusNotFound:
			return true
		}
	}
	return false
}
