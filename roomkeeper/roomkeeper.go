package roomkeeper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/arcward/roomkeeper/roomkeeper.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

var (
	defaultLogWriter io.Writer = os.Stdout
)

// stateSettleDelay is how long after the gateway connects before the
// startup reconciliation sweep runs, giving the session state cache
// time to receive guild create events (voice states come from that
// cache).
var stateSettleDelay = 5 * time.Second

// RoomKeeper is the main application struct: it owns the database,
// the Discord session, the admin API, and the voice lifecycle
// components (provisioner, reaper, access gate, room controls), and
// wires gateway events into them.
type RoomKeeper struct {
	dbNotifier DBNotifier
	config     *Config

	// Pointer to a read-only GORM connection. This is from an
	// overabundance of caution for using SQLite.
	db *gorm.DB

	// gorm.DB wrapper for write/update/delete operations. The only
	// difference between this and [RoomKeeper.db] is that, when using
	// sqlite, a mutex is used.
	writeDB DBI

	// Standard logger. Missing loggers will try to use this,
	// and fall back to slog.Default()
	logger *slog.Logger

	// Handler to use for the above
	logHandler slog.Handler

	// webhookLogLevel gates the Discord webhook log mirror; runtime
	// config updates adjust it without rebuilding the handler chain.
	webhookLogLevel *slog.LevelVar

	// Handles discord integration, sessions
	discord *Discord

	// Provides the back-end admin API
	api *API

	registry    *RoomRegistry
	cache       *RegistryCache
	provisioner *Provisioner
	reaper      *Reaper
	gate        *AccessGate
	controls    *RoomControls
	watcher     *LobbyWatcher

	// componentHandlers maps interface button custom IDs to their
	// operations. Built once, before the gateway session opens.
	componentHandlers map[string]ComponentHandler

	// signalStop enables an explicit stop signal to be sent to the bot,
	// such as by the `/api/quit` endpoint
	signalStop chan struct{}

	// signalReady has a value sent on it once Run has finished
	// initializing: database migrated, session open, commands
	// registered, watcher enabled.
	signalReady chan struct{}

	// A signal is sent on this channel when the
	// [RoomKeeper.shutdown] function finishes
	eventShutdown chan struct{}

	// prevents Run from executing concurrently
	runMu sync.Mutex

	// If true, the voice lifecycle is suspended: no provisioning,
	// gating or reaping.
	paused atomic.Bool

	// The time Run was called
	startedAt time.Time

	// Indicates whether admin credentials have been set. If they
	// haven't, the admin API only accepts the initial credential setup.
	pendingSetup atomic.Bool

	// Runtime-configurable settings - things you may want to
	// change without restarting the bot.
	runtimeConfig *RuntimeConfig

	// protecc the runtime config
	cfgMu sync.RWMutex

	triggerRuntimeConfigRefreshCh chan bool
}

// RuntimeConfig returns a copy of the current runtime configuration.
func (k *RoomKeeper) RuntimeConfig() RuntimeConfig {
	k.cfgMu.RLock()
	defer k.cfgMu.RUnlock()
	return *k.runtimeConfig
}

// New creates and initializes a new RoomKeeper instance from the given
// config: logging, the Discord wrapper, and the admin API. Database and
// gateway connections aren't opened until Run.
func New(config *Config) (*RoomKeeper, error) {
	var errs []error

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
		//
	default:
		errs = append(
			errs,
			errors.New("invalid database type (must be 'sqlite' or 'postgres')"),
		)
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	k := &RoomKeeper{
		config:                        config,
		signalReady:                   make(chan struct{}, 1),
		eventShutdown:                 make(chan struct{}, 1),
		triggerRuntimeConfigRefreshCh: make(chan bool, 1),
		webhookLogLevel:               &slog.LevelVar{},
	}
	k.webhookLogLevel.Set(DefaultDiscordWebhookLogLevel)

	k.logHandler = tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     k.config.LogLevel,
			AddSource: true,
		},
	)

	k.logger = slog.New(k.logHandler)
	slog.SetDefault(k.logger)

	k.config.Discord.httpClient = k.config.HTTPClient

	disc, err := newDiscord(k.config.Discord)
	if err != nil {
		errs = append(errs, err)
	}

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     k.config.Discord.DiscordGoLogLevel,
				AddSource: true,
			},
		).WithAttrs([]slog.Attr{slog.String(loggerNameKey, "discordgo")}),
	)

	disc.logger = slog.New(
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     k.config.Discord.LogLevel,
				AddSource: true,
			},
		),
	).With(loggerNameKey, "discord")

	k.discord = disc
	disc.k = k

	api, err := newAPI(k, config.API)
	errs = append(errs, err)
	k.api = api

	return k, errors.Join(errs...)
}

func (k *RoomKeeper) ValidateConfig() error {
	return structValidator.Struct(k.config)
}

// RegisterSlashCommands registers the bot's application commands with
// the Discord API.
func (k *RoomKeeper) RegisterSlashCommands(options ...discordgo.RequestOption) (
	[]*discordgo.ApplicationCommand,
	error,
) {
	return k.discord.registerCommands(options...)
}

// Run starts the bot: opens the database, starts the admin API, opens
// the gateway session, runs the startup reconciliation sweep, and then
// blocks until the context is canceled or a stop signal arrives.
func (k *RoomKeeper) Run(ctx context.Context) error {
	// prevents concurrent runs
	k.runMu.Lock()
	defer k.runMu.Unlock()

	k.signalStop = make(chan struct{}, 1)

	k.startedAt = time.Now()
	logger := k.logger

	if err := k.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)

	runtimeWG := &sync.WaitGroup{}

	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", k.config))
	if k.signalReady == nil {
		k.signalReady = make(chan struct{}, 1)
	}

	// this is the 'runtime' context, which triggers a graceful shutdown
	// when canceled
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-k.signalStop:
			k.logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
			k.logger.Warn("context canceled, sending stop signal")
			k.signalStop <- struct{}{}
			return
		}
	}()

	go func() {
		httpErr := k.api.Serve(ctx)
		if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
			k.logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(httpErr))
		}
	}()

	startCtx, startCancel := context.WithTimeout(ctx, k.config.StartupTimeout)
	defer startCancel()

	initErr := make(chan error, 1)
	go func() {
		logger.Debug("initializing run...")
		initErr <- k.initRun(startCtx)
	}()

	select {
	case <-startCtx.Done():
		return fmt.Errorf("startup cancelled or timed out")
	case err := <-initErr:
		if err != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(err))
			if k.api != nil && k.api.listener != nil {
				go func() {
					if e := k.api.listener.Close(); e != nil {
						logger.ErrorContext(ctx, "error closing listener", tint.Err(e))
					}
				}()
			}
			return err
		}
		logger.InfoContext(ctx, "init complete")
	}

	notifier, err := newDBNotifier(k)
	if err != nil {
		logger.Error("error creating db notifier", tint.Err(err))
		return err
	}
	k.dbNotifier = notifier

	if discErr := k.initDiscordSession(ctx); discErr != nil {
		k.logger.ErrorContext(ctx, "error creating discord session", tint.Err(discErr))
		return discErr
	}

	if openErr := k.discord.session.Open(); openErr != nil {
		return fmt.Errorf("error opening discord connection: %w", openErr)
	}

	if _, cmdErr := k.RegisterSlashCommands(); cmdErr != nil {
		return fmt.Errorf("error registering slash commands: %w", cmdErr)
	}

	k.watcher.Enable()

	// sweep the registry once the state cache has had a chance to
	// populate - rows for deleted channels are dropped, and rooms left
	// empty across the restart are reaped immediately
	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		select {
		case <-ctx.Done():
			return
		case <-time.After(stateSettleDelay):
		}
		orphans, reaped, sweepErr := ReconcileRooms(ctx, k.discord.session, k.registry, k.logger)
		if sweepErr != nil {
			k.logger.ErrorContext(ctx, "startup reconciliation failed", tint.Err(sweepErr))
			return
		}
		k.logger.InfoContext(
			ctx,
			"startup reconciliation complete",
			"orphans_removed", orphans,
			"rooms_reaped", reaped,
		)
	}()

	k.startRuntimeConfigRefresher(ctx, runtimeWG, logger)

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		if e := k.dbNotifier.Listen(ctx, k.dbNotifier.RuntimeConfigChannelName()); e != nil {
			k.logger.ErrorContext(ctx, "error listening to runtime config channel", tint.Err(e))
		}
	}()

	k.signalReady <- struct{}{}
	k.logger.InfoContext(ctx, "sent ready signal")

	// block until something cancels the main runtime context - generally
	// from an interrupt, or the `/api/quit` endpoint
	<-ctx.Done()

	return k.shutdown(ctx, runtimeWG)
}

// initRun opens the database, loads (or creates) the runtime config
// row, builds the registry and cache, and applies runtime log levels.
func (k *RoomKeeper) initRun(startCtx context.Context) error {
	k.logger.Debug("initializing DB...")
	if err := k.initDB(startCtx); err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}
	k.logger.Debug("finished initializing DB")

	// load or create the DB state config - this tells the bot whether
	// it should start in a 'paused' state (to avoid a potential
	// scenario where we want to keep it paused, but it crashes and
	// restarts in an active state)
	var botState RuntimeConfig

	getStateErr := k.db.Last(&botState).Error
	if getStateErr != nil {
		if errors.Is(getStateErr, gorm.ErrRecordNotFound) {
			k.pendingSetup.Store(true)
			botState = DefaultRuntimeConfig()

			if _, err := k.writeDB.Create(context.TODO(), &botState); err != nil {
				return fmt.Errorf("error creating config: %w", err)
			}
		} else {
			return fmt.Errorf("error getting config: %w", getStateErr)
		}
	}
	if validationErr := structValidator.Struct(botState); validationErr != nil {
		return fmt.Errorf("invalid runtime config: %w", validationErr)
	}

	if botState.AdminUsername == "" || botState.AdminPassword == "" {
		k.pendingSetup.Store(true)
	}
	k.paused.Store(botState.Paused)
	k.runtimeConfig = &botState
	k.setRuntimeLevels(botState)

	cache, err := NewRegistryCache(
		startCtx,
		k.config.Redis,
		k.logger.With(loggerNameKey, "registry_cache"),
	)
	if err != nil {
		return fmt.Errorf("error connecting to redis: %w", err)
	}
	k.cache = cache
	k.registry = NewRoomRegistry(k.writeDB, cache, k.logger)

	return nil
}

func (k *RoomKeeper) initDB(ctx context.Context) error {
	logger, ok := ContextLogger(ctx)
	if !ok || logger == nil {
		logger = k.logger
	}

	handler := tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     k.config.DatabaseLogLevel,
			AddSource: true,
		},
	)

	gormLogger := newGORMLogger(handler, k.config.DatabaseSlowThreshold)
	db, err := getDB(k.config.DatabaseType, k.config.Database, gormLogger)
	if err != nil {
		return fmt.Errorf("error opening database: %w", err)
	}

	k.db = db
	k.writeDB = NewDatabase(db, nil, k.config.DatabaseType == dbTypePostgres)

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("error getting database connection: %w", err)
	}

	if k.config.DatabaseType == dbTypeSQLite {
		sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
		sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
		sqlDB.SetConnMaxLifetime(sqliteMaxConnLifetime)
		if sqliteExecPragma != nil {
			pragmaErrors := make([]error, 0, len(sqliteExecPragma))
			for _, p := range sqliteExecPragma {
				pragmaErrors = append(
					pragmaErrors,
					db.WithContext(ctx).Exec(p).Error,
				)
			}
			pragmaErr := errors.Join(pragmaErrors...)
			if pragmaErr != nil {
				return pragmaErr
			}
		}
	}

	logger.Debug("migrating database...")
	txn := db.WithContext(ctx).Begin()

	mg := txn.Migrator()
	err = mg.AutoMigrate(
		&Room{},
		&LobbyConfig{},
		&RuntimeConfig{},
	)
	if err != nil {
		logger.Error("error migrating database", tint.Err(err))
		return fmt.Errorf("error migrating database: %w", err)
	}
	logger.Debug("finished migrating database")

	commitErr := txn.Commit().Error
	if commitErr != nil {
		return fmt.Errorf("error committing transaction: %w", commitErr)
	}
	return nil
}

// initDiscordSession creates the gateway session (unless one was
// injected, as in tests), builds the voice lifecycle components on top
// of it, and registers the gateway handlers.
func (k *RoomKeeper) initDiscordSession(ctx context.Context) error {
	logger := k.logger.With(loggerNameKey, "discord_session")

	if k.discord.session == nil {
		disc, discErr := k.discord.newSession()
		if discErr != nil {
			return fmt.Errorf("error creating discord session: %w", discErr)
		}
		k.discord.session = disc
	}
	session := k.discord.session

	// components capture their loggers at construction, so the webhook
	// mirror has to be installed first
	if k.config.Discord.LogWebhook.Enabled {
		k.webhookLogLevel.Set(k.RuntimeConfig().DiscordWebhookLogLevel.Level())
		k.logger = slog.New(
			newFanoutHandler(
				k.logHandler,
				newDiscordWebhookLogHandler(
					session,
					k.config.Discord.LogWebhook,
					k.webhookLogLevel,
				),
			),
		)
		slog.SetDefault(k.logger)
	}

	k.initVoiceComponents(session)

	logger.Debug("registering gateway handlers")

	if len(k.discord.discordgoRemoveHandlerFuncs) > 0 {
		for _, h := range k.discord.discordgoRemoveHandlerFuncs {
			h()
		}
	}

	identify := discordgo.Identify{Intents: k.config.Discord.GatewayIntents}
	identify.Presence = getDiscordPresenceStatusUpdate(k.RuntimeConfig())
	session.SetIdentify(identify)

	k.discord.discordgoRemoveHandlerFuncs = []func(){
		session.AddHandler(k.discord.handlerConnect()),
		session.AddHandler(k.discord.handlerDisconnect()),
		session.AddHandler(k.discord.handlerReady()),
		session.AddHandler(k.watcher.handlerVoiceStateUpdate()),
		session.AddHandler(k.handlerInteractionCreate()),
	}
	return nil
}

// initVoiceComponents builds the lifecycle components against the
// given session. Split out from initDiscordSession so tests can wire a
// fake session.
func (k *RoomKeeper) initVoiceComponents(session VoiceSessionHandler) {
	k.provisioner = NewProvisioner(session, k.registry, k.logger)
	k.reaper = NewReaper(session, k.registry, k.logger)
	k.gate = NewAccessGate(session, k.registry, k.logger)
	k.controls = NewRoomControls(session, k.registry, k.logger)
	k.watcher = NewLobbyWatcher(
		session, k.registry, k.provisioner, k.reaper, k.gate, k.logger,
	)
	k.componentHandlers = k.newComponentRegistry()

	state := k.RuntimeConfig()
	k.reaper.SetTimings(
		state.ReaperSettleDelay.Duration,
		state.ReaperGracePeriod.Duration,
	)
	k.watcher.SetPaused(state.Paused)
}

func (k *RoomKeeper) startRuntimeConfigRefresher(
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
	logger *slog.Logger,
) {
	runtimeConfigTTL := k.config.RuntimeConfigTTL

	if runtimeConfigTTL > 0 {
		runtimeWG.Add(1)
		go func() {
			defer runtimeWG.Done()
			ticker := time.NewTicker(runtimeConfigTTL)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					select {
					case k.triggerRuntimeConfigRefreshCh <- false:
						logger.Info("sent config refresh signal from ticker")
					case <-time.After(5 * time.Second):
						logger.Warn("timed out sending config refresh signal")
					}
				}
			}
		}()
	}

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()

		for {
			select {
			case <-ctx.Done():
				return
			case forceRefresh := <-k.triggerRuntimeConfigRefreshCh:
				refreshCh := make(chan struct{}, 1)
				refreshCtx, refreshCancel := context.WithTimeout(ctx, 30*time.Second)
				go func() {
					k.refreshRuntimeConfig(refreshCtx, forceRefresh)
					refreshCh <- struct{}{}
				}()
				select {
				case <-refreshCh:
				//
				case <-refreshCtx.Done():
					k.logger.Warn("refresh runtime config timed out or interrupted")
				}
				refreshCancel()
			}
		}
	}()
}

func (k *RoomKeeper) refreshRuntimeConfig(ctx context.Context, force bool) {
	k.cfgMu.Lock()
	defer k.cfgMu.Unlock()

	runtimeConfigTTL := k.config.RuntimeConfigTTL
	previousConfig := k.runtimeConfig

	var refreshConfig RuntimeConfig
	if err := k.db.WithContext(ctx).Last(&refreshConfig).Error; err != nil {
		k.logger.Error("error getting runtime config", tint.Err(err))
		return
	}

	lastUpdated := time.Since(time.UnixMilli(refreshConfig.UpdatedAt))
	if !force && lastUpdated <= runtimeConfigTTL {
		k.logger.Info("runtime config is up to date, skipping refresh")
		return
	}

	k.logger.Info(
		fmt.Sprintf(
			"runtime config last updated: %s ago, refreshing",
			lastUpdated.String(),
		),
	)

	switch {
	case refreshConfig.Paused && !previousConfig.Paused:
		k.paused.Store(true)
		if discErr := k.discord.session.UpdateStatusComplex(
			discordgo.UpdateStatusData{
				AFK:    true,
				Status: string(discordgo.StatusDoNotDisturb),
			},
		); discErr != nil {
			k.logger.Error("error updating discord status", tint.Err(discErr))
		}
	case !refreshConfig.Paused && previousConfig.Paused:
		k.paused.Store(false)
		if discErr := k.discord.session.UpdateCustomStatus(
			refreshConfig.DiscordCustomStatus,
		); discErr != nil {
			k.logger.Error("error updating discord status", tint.Err(discErr))
		}
	case refreshConfig.DiscordCustomStatus != previousConfig.DiscordCustomStatus:
		if discErr := k.discord.session.UpdateCustomStatus(
			refreshConfig.DiscordCustomStatus,
		); discErr != nil {
			k.logger.Error("error updating discord status", tint.Err(discErr))
		}
	}

	k.runtimeConfig = &refreshConfig
	k.setRuntimeLevels(refreshConfig)

	k.logger.Info("refreshed runtime config")
}

// setRuntimeLevels applies log levels and reaper timings from the
// given runtime configuration.
func (k *RoomKeeper) setRuntimeLevels(state RuntimeConfig) {
	k.config.LogLevel.Set(state.LogLevel.Level())
	k.config.Discord.LogLevel.Set(state.DiscordLogLevel.Level())
	k.config.Discord.DiscordGoLogLevel.Set(state.DiscordGoLogLevel.Level())
	k.config.DatabaseLogLevel.Set(state.DatabaseLogLevel.Level())
	k.config.API.LogLevel.Set(state.APILogLevel.Level())
	k.webhookLogLevel.Set(state.DiscordWebhookLogLevel.Level())

	if k.reaper != nil {
		k.reaper.SetTimings(
			state.ReaperSettleDelay.Duration,
			state.ReaperGracePeriod.Duration,
		)
	}
	if k.watcher != nil {
		k.watcher.SetPaused(state.Paused)
	}
}

// Pause suspends the voice lifecycle. Existing rooms and registry rows
// are left untouched; events are ignored until Resume. Returns false if
// the bot was already paused.
func (k *RoomKeeper) Pause(ctx context.Context) bool {
	prev := k.paused.Swap(true)
	if prev {
		return false
	}
	if k.watcher != nil {
		k.watcher.SetPaused(true)
	}

	if err := k.discord.session.UpdateStatusComplex(
		discordgo.UpdateStatusData{
			AFK:    true,
			Status: string(discordgo.StatusDoNotDisturb),
		},
	); err != nil {
		k.logger.ErrorContext(ctx, "unable to update afk status", tint.Err(err))
	}

	k.cfgMu.Lock()
	defer k.cfgMu.Unlock()
	if !k.runtimeConfig.Paused {
		k.runtimeConfig.Paused = true
		if _, err := k.writeDB.Update(
			ctx, k.runtimeConfig, columnRuntimeConfigPaused, true,
		); err != nil {
			k.logger.ErrorContext(ctx, "unable to set paused in db", tint.Err(err))
		}
	}
	return true
}

// Resume resumes the voice lifecycle. Returns a bool indicating whether
// the bot was paused at the time the function was called.
func (k *RoomKeeper) Resume(ctx context.Context) bool {
	prev := k.paused.Swap(false)
	if !prev {
		k.logger.Warn("bot not paused")
		return false
	}
	k.logger.InfoContext(ctx, "bot resumed")
	if k.watcher != nil {
		k.watcher.SetPaused(false)
	}

	k.cfgMu.Lock()
	defer k.cfgMu.Unlock()

	if err := k.discord.session.UpdateCustomStatus(
		k.runtimeConfig.DiscordCustomStatus,
	); err != nil {
		k.logger.ErrorContext(ctx, "unable to update online status", tint.Err(err))
	}

	if k.runtimeConfig.Paused {
		k.runtimeConfig.Paused = false
		if _, err := k.writeDB.Update(
			ctx, k.runtimeConfig, columnRuntimeConfigPaused, false,
		); err != nil {
			k.logger.ErrorContext(ctx, "unable to set resumed in db", tint.Err(err))
		}
	}
	return true
}

func (k *RoomKeeper) shutdown(
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
) error {
	k.logger.WarnContext(ctx, "shutting down")
	defer func() {
		if k.eventShutdown != nil {
			go func() {
				k.eventShutdown <- struct{}{}
			}()
		}
	}()
	shutdownStart := time.Now()
	shutdownTimeout := k.config.ShutdownTimeout
	if shutdownTimeout.Seconds() == 0 {
		k.logger.Warn("immediate shutdown")
		go func() {
			_ = k.api.httpServer.Close()
		}()
		return fmt.Errorf("shutdown workers did not stop in time")
	}
	shutdownDeadline := shutdownStart.Add(shutdownTimeout)

	closeCtx, closeCancel := context.WithDeadline(
		context.Background(),
		shutdownDeadline,
	)
	defer closeCancel()

	gracefulShutdownCh := make(chan struct{}, 1)
	go func() {
		runtimeWG.Wait() // wait for anything spawned by the main processes

		stopWG := &sync.WaitGroup{}

		if k.api.httpServer != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				k.logger.InfoContext(ctx, "stopping http server")
				_ = k.api.httpServer.Shutdown(closeCtx)
				k.logger.InfoContext(ctx, "http server stopped")
			}()
		}

		if k.discord.session != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				k.logger.InfoContext(ctx, "closing discord session")
				_ = k.discord.session.Close()
				k.logger.InfoContext(ctx, "discord session closed")
				for _, h := range k.discord.discordgoRemoveHandlerFuncs {
					h()
				}
			}()
		}

		if k.cache != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				k.cache.Close()
			}()
		}

		go func() {
			stopWG.Wait()
			gracefulShutdownCh <- struct{}{}
		}()
	}()

	select {
	case <-gracefulShutdownCh:
		shutdownEnded := time.Now()
		k.logger.InfoContext(
			ctx,
			"shutdown complete",
			"shutdown_ended", shutdownEnded,
			"shutdown_duration", shutdownEnded.Sub(shutdownStart),
		)
		return nil
	case <-closeCtx.Done(): // timed out, force close
		k.logger.Warn("graceful shutdown timed out, forcing close")
		go func() {
			_ = k.api.httpServer.Close()
		}()
		return fmt.Errorf("shutdown workers did not stop in time")
	}
}

// handleRecover logs a recovered panic with its stack trace. Meant to
// be deferred directly.
func (k *RoomKeeper) handleRecover(ctx context.Context) {
	rc := recover()
	if rc == nil {
		return
	}
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = k.logger
	}
	stackTrace := string(debug.Stack())
	if nerr, isErr := rc.(error); isErr {
		logger.ErrorContext(
			ctx,
			"recovered from panic",
			tint.Err(nerr),
			"stack_trace", stackTrace,
		)
		return
	}
	logger.ErrorContext(
		ctx,
		"recovered from panic",
		"panic_arg", rc,
		"stack_trace", stackTrace,
	)
}
