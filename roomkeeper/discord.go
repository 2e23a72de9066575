package roomkeeper

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	// discordMaxChannelNameLength is the maximum label length the API
	// accepts for a channel name.
	discordMaxChannelNameLength = 100

	// roomPermissionOwner is the overwrite granted to a room's owner on
	// their channel: connect, speak, and manage the channel.
	roomPermissionOwner = discordgo.PermissionVoiceConnect |
		discordgo.PermissionVoiceSpeak |
		discordgo.PermissionManageChannels

	// botCategoryPermissions are the capabilities the bot itself needs
	// on the rooms category before provisioning can proceed.
	botCategoryPermissions = discordgo.PermissionManageChannels |
		discordgo.PermissionVoiceMoveMembers |
		discordgo.PermissionManageRoles
)

// Discord manages the gateway session for RoomKeeper.
//
// All calls to the Discord API go through the session field, which is
// an interface so the voice lifecycle components can be tested against
// a fake session.
type Discord struct {
	session                     VoiceSessionHandler
	config                      *DiscordConfig
	logger                      *slog.Logger
	metricConnects              atomic.Int64
	metricDisconnects           atomic.Int64
	connected                   atomic.Bool
	discordgoRemoveHandlerFuncs []func()
	k                           *RoomKeeper
}

// newDiscord initializes a new Discord instance with the provided configuration
func newDiscord(config *DiscordConfig) (*Discord, error) {
	d := &Discord{
		config:                      config,
		discordgoRemoveHandlerFuncs: []func(){},
	}
	return d, nil
}

// newSession initializes a new Discord session for the Discord struct.
// State tracking stays enabled - channel occupancy checks read voice
// states from the session state cache.
func (d *Discord) newSession() (VoiceSessionHandler, error) {
	session := DiscordSession{logger: d.logger.With(loggerNameKey, "discord_session_handler")}
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.SyncEvents = true
	disc.StateEnabled = true
	session.session = disc
	if d.config.httpClient != nil {
		session.SetHTTPClient(d.config.httpClient)
	}

	err = session.SetLogLevel(d.config.DiscordGoLogLevel.Level())
	if err != nil {
		return session, err
	}

	return session, nil
}

func (d *Discord) handlerReady() func(
	s *discordgo.Session,
	r *discordgo.Ready,
) {
	return func(s *discordgo.Session, r *discordgo.Ready) {
		d.logger.Info(
			"Ready",
			"session_id", s.State.SessionID,
			"user_id", s.State.User.ID,
			"username", s.State.User.Username,
		)
	}
}

func (d *Discord) handlerConnect() func(
	s *discordgo.Session,
	r *discordgo.Connect,
) {
	return func(s *discordgo.Session, r *discordgo.Connect) {
		d.metricConnects.Add(1)
		d.connected.Store(true)
		var sessionID string
		var userID string
		var username string

		if s != nil && s.State != nil {
			sessionID = s.State.SessionID
			if s.State.User != nil {
				userID = s.State.User.ID
				username = s.State.User.Username
			}
		}
		d.logger.Info(
			"Connected",
			"session_id", sessionID,
			slog.Group("user", "id", userID, "username", username),
		)
		config := d.k.RuntimeConfig()
		if config.DiscordNotificationChannelID != "" {
			if _, sendErr := d.session.ChannelMessageSend(
				config.DiscordNotificationChannelID,
				d.config.StartupMessage,
				discordgo.WithRetryOnRatelimit(false),
				discordgo.WithRestRetries(1),
			); sendErr != nil {
				d.logger.Error("unable to send startup message", tint.Err(sendErr))
			}
		}
	}
}

func (d *Discord) handlerDisconnect() func(
	s *discordgo.Session,
	r *discordgo.Disconnect,
) {
	return func(s *discordgo.Session, r *discordgo.Disconnect) {
		d.connected.Store(false)
		d.metricDisconnects.Add(1)

		var sessionID string
		var userID string
		var username string

		if s != nil && s.State != nil {
			sessionID = s.State.SessionID
			if s.State.User != nil {
				userID = s.State.User.ID
				username = s.State.User.Username
			}
		}
		d.logger.Info(
			"disconnected",
			"session_id", sessionID,
			slog.Group("user", "id", userID, "username", username),
		)
	}
}

func (d *Discord) updateCustomStatus(status string) error {
	return d.session.UpdateCustomStatus(status)
}

// registerCommands sends the bot's commands to the discord bulk
// overwrite endpoint
func (d *Discord) registerCommands(
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	commands := []*discordgo.ApplicationCommand{
		d.appCommandVoiceMaster(),
	}

	created, err := d.session.ApplicationCommandBulkOverwrite(
		d.config.ApplicationID,
		d.config.GuildID,
		commands,
		options...,
	)
	if err != nil {
		d.logger.Error("error overwriting discord commands", tint.Err(err))
		return created, err
	}
	for _, c := range created {
		d.logger.Info("Created command", "command", c)
	}

	return created, nil
}

// VoiceSessionHandler defines the discordgo.Session surface RoomKeeper
// uses: channel management, permission overwrites, member moves, and
// voice state lookups. [DiscordSession] implements it against a real
// session; tests implement it in-memory.
type VoiceSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	// AddHandler adds a discord gateway event handler
	AddHandler(handler any) func()

	// BotUserID returns the bot's own user ID, once connected.
	BotUserID() string

	// Channel fetches a channel by ID. A nil channel with a nil error
	// means the channel no longer exists.
	Channel(channelID string, options ...discordgo.RequestOption) (
		*discordgo.Channel,
		error,
	)

	// GuildChannelCreateComplex creates a guild channel with initial
	// permission overwrites.
	GuildChannelCreateComplex(
		guildID string,
		data discordgo.GuildChannelCreateData,
		options ...discordgo.RequestOption,
	) (*discordgo.Channel, error)

	// ChannelDelete deletes the given channel
	ChannelDelete(channelID string, options ...discordgo.RequestOption) (
		*discordgo.Channel,
		error,
	)

	// ChannelEditComplex edits a channel (rename, user limit)
	ChannelEditComplex(
		channelID string,
		data *discordgo.ChannelEdit,
		options ...discordgo.RequestOption,
	) (*discordgo.Channel, error)

	// ChannelUserLimitSet sets a voice channel's user limit. Zero
	// clears the limit and must reach the API explicitly.
	ChannelUserLimitSet(
		channelID string,
		limit int,
		options ...discordgo.RequestOption,
	) (*discordgo.Channel, error)

	// ChannelPermissionSet creates or updates a permission overwrite on
	// a channel, for a role or member target.
	ChannelPermissionSet(
		channelID string,
		targetID string,
		targetType discordgo.PermissionOverwriteType,
		allow int64,
		deny int64,
		options ...discordgo.RequestOption,
	) error

	// ChannelPermissionDelete removes a permission overwrite from a channel
	ChannelPermissionDelete(
		channelID string,
		targetID string,
		options ...discordgo.RequestOption,
	) error

	// GuildMemberMove moves a member into the given voice channel, or
	// disconnects them from voice when channelID is nil.
	GuildMemberMove(
		guildID string,
		userID string,
		channelID *string,
		options ...discordgo.RequestOption,
	) error

	// GuildMember fetches a guild member by ID
	GuildMember(guildID, userID string, options ...discordgo.RequestOption) (
		*discordgo.Member,
		error,
	)

	// GuildVoiceStates returns the current voice states for a guild,
	// from the session state cache.
	GuildVoiceStates(guildID string) ([]*discordgo.VoiceState, error)

	// UserChannelPermissions computes a member's effective permission
	// set on a channel, post-merge of role and member overwrites.
	UserChannelPermissions(userID, channelID string) (int64, error)

	// ChannelMessageSend sends a message to a specified channel.
	ChannelMessageSend(
		channelID string,
		message string,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessageSendComplex sends a message with components
	// (the room control button interface)
	ChannelMessageSendComplex(
		channelID string,
		data *discordgo.MessageSend,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ApplicationCommandBulkOverwrite overwrites the bot's application
	// commands in bulk.
	ApplicationCommandBulkOverwrite(
		appID string,
		guildID string,
		commands []*discordgo.ApplicationCommand,
		options ...discordgo.RequestOption,
	) ([]*discordgo.ApplicationCommand, error)

	// InteractionRespond sends an interaction response to Discord
	InteractionRespond(
		interaction *discordgo.Interaction,
		resp *discordgo.InteractionResponse,
		options ...discordgo.RequestOption,
	) error

	// WebhookExecute executes a webhook (operational log mirroring)
	WebhookExecute(
		webhookID string,
		token string,
		wait bool,
		data *discordgo.WebhookParams,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// UpdateCustomStatus sets the bot's user status to the given string.
	UpdateCustomStatus(status string) error

	// UpdateStatusComplex sets the bot's full presence (paused rooms
	// show as do-not-disturb).
	UpdateStatusComplex(usd discordgo.UpdateStatusData) error

	// SetIdentify sets the gateway identify payload used on connect
	SetIdentify(identify discordgo.Identify)

	// SetHTTPClient sets the HTTP client for the session
	SetHTTPClient(client *http.Client)

	// SetLogLevel modifies the session's log level
	SetLogLevel(lvl slog.Level) error
}

// DiscordSession implements VoiceSessionHandler, wrapping a
// [discordgo.Session](https://pkg.go.dev/github.com/bwmarrin/discordgo#Session)
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d DiscordSession) Open() error {
	return d.session.Open()
}

func (d DiscordSession) Close() error {
	return d.session.Close()
}

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d DiscordSession) BotUserID() string {
	if d.session.State != nil && d.session.State.User != nil {
		return d.session.State.User.ID
	}
	return ""
}

func (d DiscordSession) Channel(
	channelID string,
	options ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	ch, err := d.session.Channel(channelID, options...)
	if err != nil {
		if restErr, ok := err.(*discordgo.RESTError); ok &&
			restErr.Response != nil &&
			restErr.Response.StatusCode == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}
	return ch, nil
}

func (d DiscordSession) GuildChannelCreateComplex(
	guildID string,
	data discordgo.GuildChannelCreateData,
	options ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	ch, err := d.session.GuildChannelCreateComplex(guildID, data, options...)
	if err != nil {
		d.logger.Error(
			"error creating channel",
			tint.Err(err),
			"guild_id", guildID,
			"name", data.Name,
		)
	}
	return ch, err
}

func (d DiscordSession) ChannelDelete(
	channelID string,
	options ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	return d.session.ChannelDelete(channelID, options...)
}

func (d DiscordSession) ChannelEditComplex(
	channelID string,
	data *discordgo.ChannelEdit,
	options ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	return d.session.ChannelEditComplex(channelID, data, options...)
}

// channelUserLimitBody is the PATCH payload for ChannelUserLimitSet.
// user_limit carries no omitempty: zero means "unlimited" to Discord,
// and an omitted field leaves the channel's previous limit in place.
type channelUserLimitBody struct {
	UserLimit int `json:"user_limit"`
}

func (d DiscordSession) ChannelUserLimitSet(
	channelID string,
	limit int,
	options ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	body, err := d.session.RequestWithBucketID(
		http.MethodPatch,
		discordgo.EndpointChannel(channelID),
		channelUserLimitBody{UserLimit: limit},
		discordgo.EndpointChannel(channelID),
		options...,
	)
	if err != nil {
		return nil, err
	}
	var ch discordgo.Channel
	if err = json.Unmarshal(body, &ch); err != nil {
		return nil, err
	}
	return &ch, nil
}

func (d DiscordSession) ChannelPermissionSet(
	channelID string,
	targetID string,
	targetType discordgo.PermissionOverwriteType,
	allow int64,
	deny int64,
	options ...discordgo.RequestOption,
) error {
	return d.session.ChannelPermissionSet(
		channelID, targetID, targetType, allow, deny, options...,
	)
}

func (d DiscordSession) ChannelPermissionDelete(
	channelID string,
	targetID string,
	options ...discordgo.RequestOption,
) error {
	return d.session.ChannelPermissionDelete(channelID, targetID, options...)
}

func (d DiscordSession) GuildMemberMove(
	guildID string,
	userID string,
	channelID *string,
	options ...discordgo.RequestOption,
) error {
	return d.session.GuildMemberMove(guildID, userID, channelID, options...)
}

func (d DiscordSession) GuildMember(
	guildID string,
	userID string,
	options ...discordgo.RequestOption,
) (*discordgo.Member, error) {
	return d.session.GuildMember(guildID, userID, options...)
}

func (d DiscordSession) GuildVoiceStates(guildID string) (
	[]*discordgo.VoiceState,
	error,
) {
	guild, err := d.session.State.Guild(guildID)
	if err != nil {
		return nil, err
	}
	return guild.VoiceStates, nil
}

func (d DiscordSession) UserChannelPermissions(userID, channelID string) (
	int64,
	error,
) {
	return d.session.UserChannelPermissions(userID, channelID)
}

func (d DiscordSession) ChannelMessageSend(
	channelID string,
	message string,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageSend(channelID, message, opts...)
}

func (d DiscordSession) ChannelMessageSendComplex(
	channelID string,
	data *discordgo.MessageSend,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageSendComplex(channelID, data, options...)
}

func (d DiscordSession) ApplicationCommandBulkOverwrite(
	appID string,
	guildID string,
	commands []*discordgo.ApplicationCommand,
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	created, err := d.session.ApplicationCommandBulkOverwrite(
		appID,
		guildID,
		commands,
		options...,
	)
	if err != nil {
		d.logger.Error("error overwriting discord commands", tint.Err(err))
		return created, err
	}
	for _, c := range created {
		d.logger.Info("Created command", "command", c)
	}

	return created, nil
}

func (d DiscordSession) InteractionRespond(
	interaction *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	options ...discordgo.RequestOption,
) error {
	return d.session.InteractionRespond(interaction, resp, options...)
}

func (d DiscordSession) WebhookExecute(
	webhookID string,
	token string,
	wait bool,
	data *discordgo.WebhookParams,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.WebhookExecute(webhookID, token, wait, data, options...)
}

func (d DiscordSession) UpdateCustomStatus(status string) error {
	return d.session.UpdateCustomStatus(status)
}

func (d DiscordSession) UpdateStatusComplex(usd discordgo.UpdateStatusData) error {
	return d.session.UpdateStatusComplex(usd)
}

func (d DiscordSession) SetIdentify(identify discordgo.Identify) {
	d.session.Identify = identify
}

func (d DiscordSession) SetHTTPClient(client *http.Client) {
	d.session.Client = client
}

func (d DiscordSession) SetLogLevel(lvl slog.Level) error {
	switch lvl.Level() {
	case slog.LevelInfo:
		d.session.LogLevel = discordgo.LogInformational
	case slog.LevelWarn:
		d.session.LogLevel = discordgo.LogWarning
	case slog.LevelDebug:
		d.session.LogLevel = discordgo.LogDebug
	case slog.LevelError:
		d.session.LogLevel = discordgo.LogError
	default:
		return fmt.Errorf("invalid log level: %s", lvl)
	}
	return nil
}

// getDiscordUser returns the [discordgo.User] associated with the interaction.
// Users don't always appear in the same place in the interaction object, so
// this checks known areas.
func getDiscordUser(i *discordgo.InteractionCreate) *discordgo.User {
	u := i.User
	if u == nil && i.Member != nil {
		u = i.Member.User
	}
	return u
}

func interactionLogAttrs(i discordgo.InteractionCreate) []any {
	logAttrs := []any{
		"id", i.ID,
		"type", i.Type.String(),
	}
	if i.ChannelID != "" {
		logAttrs = append(logAttrs, "channel_id", i.ChannelID)
	}
	if i.GuildID != "" {
		logAttrs = append(logAttrs, "guild_id", i.GuildID)
	}
	if i.AppID != "" {
		logAttrs = append(logAttrs, "app_id", i.AppID)
	}

	return logAttrs
}
