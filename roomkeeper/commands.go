package roomkeeper

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
)

const (
	voiceMasterSubcommandSetup  = "setup"
	voiceMasterSubcommandLock   = "lock"
	voiceMasterSubcommandUnlock = "unlock"
	voiceMasterSubcommandHide   = "hide"
	voiceMasterSubcommandUnhide = "unhide"
	voiceMasterSubcommandClaim  = "claim"
	voiceMasterSubcommandLimit  = "limit"
	voiceMasterSubcommandRename = "rename"
	voiceMasterSubcommandAllow  = "allow"
	voiceMasterSubcommandReject = "reject"
	voiceMasterSubcommandKick   = "kick"
	voiceMasterSubcommandInfo   = "info"

	voiceMasterOptionSize = "size"
	voiceMasterOptionName = "name"
	voiceMasterOptionUser = "user"
)

// Component custom IDs are the stable identifiers baked into the
// interface message buttons. They're persisted in sent messages, so
// changing one orphans every button already posted with it.
const (
	customIDRoomLock      = "vm:lock"
	customIDRoomUnlock    = "vm:unlock"
	customIDRoomHide      = "vm:hide"
	customIDRoomUnhide    = "vm:unhide"
	customIDRoomClaim     = "vm:claim"
	customIDRoomLimitUp   = "vm:limit_up"
	customIDRoomLimitDown = "vm:limit_down"
	customIDRoomInfo      = "vm:info"
)

const (
	DefaultRoomsCategoryName    = "Voice Rooms"
	DefaultLobbyChannelName     = "Join to Create"
	DefaultInterfaceChannelName = "voicemaster"

	msgNotInVoice  = "join a voice room first"
	msgSetupDenied = "you need the Manage Server permission to run setup"
	msgSetupFailed = "setup failed, check the bot's permissions"
)

// ComponentHandler executes the room operation bound to one interface
// button.
type ComponentHandler interface {
	HandleComponent(
		ctx context.Context,
		i *discordgo.InteractionCreate,
	) (string, error)
}

type componentFunc func(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) (string, error)

func (f componentFunc) HandleComponent(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) (string, error) {
	return f(ctx, i)
}

// appCommandVoiceMaster defines the /voicemaster command and its
// subcommands. Room operations resolve their target from the caller's
// current voice channel, so none of them take a channel option.
func (*Discord) appCommandVoiceMaster() *discordgo.ApplicationCommand {
	limitMin := float64(0)

	userOption := func(name, description string) *discordgo.ApplicationCommandOption {
		return &discordgo.ApplicationCommandOption{
			Type:        discordgo.ApplicationCommandOptionSubCommand,
			Name:        name,
			Description: description,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionUser,
					Name:        voiceMasterOptionUser,
					Description: "Target member",
					Required:    true,
				},
			},
		}
	}

	return &discordgo.ApplicationCommand{
		Name:        DiscordSlashCommandVoiceMaster,
		Type:        discordgo.ChatApplicationCommand,
		Description: "Manage private voice rooms",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        voiceMasterSubcommandSetup,
				Description: "Create the lobby channel, rooms category and control interface",
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        voiceMasterSubcommandLock,
				Description: "Lock your room so only allowed members can join",
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        voiceMasterSubcommandUnlock,
				Description: "Unlock your room",
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        voiceMasterSubcommandHide,
				Description: "Hide your room from the channel list",
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        voiceMasterSubcommandUnhide,
				Description: "Unhide your room",
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        voiceMasterSubcommandClaim,
				Description: "Claim an abandoned room",
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        voiceMasterSubcommandLimit,
				Description: "Set your room's member limit (0 = unlimited)",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionInteger,
						Name:        voiceMasterOptionSize,
						Description: "Member limit, 0-99",
						Required:    true,
						MinValue:    &limitMin,
						MaxValue:    roomLimitMax,
					},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        voiceMasterSubcommandRename,
				Description: "Rename your room",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        voiceMasterOptionName,
						Description: "New room name",
						Required:    true,
						MaxLength:   discordMaxChannelNameLength,
					},
				},
			},
			userOption(
				voiceMasterSubcommandAllow,
				"Allow a member to join your room even while locked",
			),
			userOption(
				voiceMasterSubcommandReject,
				"Remove a member's access to your room",
			),
			userOption(
				voiceMasterSubcommandKick,
				"Disconnect a member from your room",
			),
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        voiceMasterSubcommandInfo,
				Description: "Show your room's current settings",
			},
		},
	}
}

// newComponentRegistry builds the custom-ID dispatch table for the
// interface message buttons. Built once at startup; lookups on unknown
// IDs are logged and ignored.
func (k *RoomKeeper) newComponentRegistry() map[string]ComponentHandler {
	roomOp := func(
		op func(ctx context.Context, channelID string, callerID string) (string, error),
	) ComponentHandler {
		return componentFunc(
			func(ctx context.Context, i *discordgo.InteractionCreate) (string, error) {
				user := getDiscordUser(i)
				channelID, ok := k.callerVoiceChannel(i.GuildID, user.ID)
				if !ok {
					return msgNotInVoice, nil
				}
				return op(ctx, channelID, user.ID)
			},
		)
	}

	return map[string]ComponentHandler{
		customIDRoomLock:      roomOp(k.controls.Lock),
		customIDRoomUnlock:    roomOp(k.controls.Unlock),
		customIDRoomHide:      roomOp(k.controls.Hide),
		customIDRoomUnhide:    roomOp(k.controls.Unhide),
		customIDRoomClaim:     roomOp(k.controls.Claim),
		customIDRoomLimitUp:   roomOp(k.controls.IncreaseLimit),
		customIDRoomLimitDown: roomOp(k.controls.DecreaseLimit),
		customIDRoomInfo: componentFunc(
			func(ctx context.Context, i *discordgo.InteractionCreate) (string, error) {
				user := getDiscordUser(i)
				channelID, ok := k.callerVoiceChannel(i.GuildID, user.ID)
				if !ok {
					return msgNotInVoice, nil
				}
				return k.roomInfo(ctx, channelID)
			},
		),
	}
}

// interfaceMessageButtons is the component layout for the control
// interface message posted by setup.
func interfaceMessageButtons() []discordgo.MessageComponent {
	return []discordgo.MessageComponent{
		discordgo.ActionsRow{
			Components: []discordgo.MessageComponent{
				discordgo.Button{Label: "Lock", Style: discordgo.SecondaryButton, CustomID: customIDRoomLock},
				discordgo.Button{Label: "Unlock", Style: discordgo.SecondaryButton, CustomID: customIDRoomUnlock},
				discordgo.Button{Label: "Hide", Style: discordgo.SecondaryButton, CustomID: customIDRoomHide},
				discordgo.Button{Label: "Unhide", Style: discordgo.SecondaryButton, CustomID: customIDRoomUnhide},
			},
		},
		discordgo.ActionsRow{
			Components: []discordgo.MessageComponent{
				discordgo.Button{Label: "Claim", Style: discordgo.SecondaryButton, CustomID: customIDRoomClaim},
				discordgo.Button{Label: "Limit +", Style: discordgo.SecondaryButton, CustomID: customIDRoomLimitUp},
				discordgo.Button{Label: "Limit -", Style: discordgo.SecondaryButton, CustomID: customIDRoomLimitDown},
				discordgo.Button{Label: "Info", Style: discordgo.SecondaryButton, CustomID: customIDRoomInfo},
			},
		},
	}
}

// handlerInteractionCreate returns the gateway handler for slash
// command and button interactions.
func (k *RoomKeeper) handlerInteractionCreate() func(
	s *discordgo.Session,
	i *discordgo.InteractionCreate,
) {
	return func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		ctx := WithLogger(context.Background(), k.logger)
		go func() {
			defer k.handleRecover(ctx)
			k.handleInteraction(ctx, i)
		}()
	}
}

// handleInteraction dispatches an incoming interaction: slash commands
// by subcommand name, message components by custom ID. Every reply is
// ephemeral - room controls are between the caller and the bot.
func (k *RoomKeeper) handleInteraction(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) {
	discordUser := getDiscordUser(i)
	if discordUser == nil {
		k.logger.ErrorContext(
			ctx,
			"no user found in interaction",
			"interaction", structToSlogValue(i),
		)
		return
	}
	if discordUser.Bot {
		return
	}

	logger := k.logger.With(slog.Group("interaction", interactionLogAttrs(*i)...))
	ctx = WithLogger(ctx, logger)

	switch i.Type {
	case discordgo.InteractionPing:
		_ = k.discord.session.InteractionRespond(
			i.Interaction,
			&discordgo.InteractionResponse{
				Type: discordgo.InteractionResponsePong,
			},
		)
	case discordgo.InteractionMessageComponent:
		customID := i.MessageComponentData().CustomID
		handler, ok := k.componentHandlers[customID]
		if !ok {
			logger.WarnContext(ctx, "unknown component custom ID", "custom_id", customID)
			return
		}
		msg, err := handler.HandleComponent(ctx, i)
		if err != nil {
			logger.WarnContext(
				ctx,
				"component operation rejected",
				tint.Err(err),
				"custom_id", customID,
			)
		}
		k.respondEphemeral(ctx, i, msg)
	case discordgo.InteractionApplicationCommand:
		data := i.ApplicationCommandData()
		if data.Name != DiscordSlashCommandVoiceMaster || len(data.Options) == 0 {
			return
		}
		msg := k.handleVoiceMasterCommand(ctx, i, data.Options[0])
		k.respondEphemeral(ctx, i, msg)
	default:
		logger.WarnContext(ctx, "unhandled interaction type")
	}
}

func (k *RoomKeeper) handleVoiceMasterCommand(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	sub *discordgo.ApplicationCommandInteractionDataOption,
) string {
	user := getDiscordUser(i)
	logger, _ := ContextLogger(ctx)
	if logger == nil {
		logger = k.logger
	}
	logger = logger.With("subcommand", sub.Name, "member_id", user.ID)

	if sub.Name == voiceMasterSubcommandSetup {
		return k.setupGuild(ctx, i)
	}

	channelID, inVoice := k.callerVoiceChannel(i.GuildID, user.ID)
	if !inVoice {
		return msgNotInVoice
	}

	var msg string
	var err error
	switch sub.Name {
	case voiceMasterSubcommandLock:
		msg, err = k.controls.Lock(ctx, channelID, user.ID)
	case voiceMasterSubcommandUnlock:
		msg, err = k.controls.Unlock(ctx, channelID, user.ID)
	case voiceMasterSubcommandHide:
		msg, err = k.controls.Hide(ctx, channelID, user.ID)
	case voiceMasterSubcommandUnhide:
		msg, err = k.controls.Unhide(ctx, channelID, user.ID)
	case voiceMasterSubcommandClaim:
		msg, err = k.controls.Claim(ctx, channelID, user.ID)
	case voiceMasterSubcommandLimit:
		msg, err = k.controls.SetLimit(
			ctx, channelID, user.ID, int(subOptionInt(sub, voiceMasterOptionSize)),
		)
	case voiceMasterSubcommandRename:
		msg, err = k.controls.Rename(
			ctx, channelID, user.ID, subOptionString(sub, voiceMasterOptionName),
		)
	case voiceMasterSubcommandAllow:
		msg, err = k.controls.Allow(
			ctx, channelID, user.ID, subOptionUserID(sub, voiceMasterOptionUser),
		)
	case voiceMasterSubcommandReject:
		msg, err = k.controls.Reject(
			ctx, channelID, user.ID, subOptionUserID(sub, voiceMasterOptionUser),
		)
	case voiceMasterSubcommandKick:
		msg, err = k.controls.Kick(
			ctx, channelID, user.ID, subOptionUserID(sub, voiceMasterOptionUser),
		)
	case voiceMasterSubcommandInfo:
		msg, err = k.roomInfo(ctx, channelID)
	default:
		logger.WarnContext(ctx, "unknown subcommand")
		return msgControlFailed
	}

	if err != nil {
		logger.WarnContext(ctx, "room operation rejected", tint.Err(err))
	}
	return msg
}

// setupGuild provisions the guild-level scaffolding: the rooms
// category, the lobby voice channel, and the interface text channel
// with the control buttons. Re-running setup creates fresh channels and
// points the lobby config at them.
func (k *RoomKeeper) setupGuild(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) string {
	logger, _ := ContextLogger(ctx)
	if logger == nil {
		logger = k.logger
	}
	logger = logger.With(columnRoomGuildID, i.GuildID)

	if i.Member == nil ||
		i.Member.Permissions&discordgo.PermissionManageServer == 0 {
		return msgSetupDenied
	}

	session := k.discord.session

	category, err := session.GuildChannelCreateComplex(
		i.GuildID,
		discordgo.GuildChannelCreateData{
			Name: DefaultRoomsCategoryName,
			Type: discordgo.ChannelTypeGuildCategory,
		},
	)
	if err != nil {
		logger.ErrorContext(ctx, "setup: error creating category", tint.Err(err))
		return msgSetupFailed
	}

	// the lobby and interface channels are independent children of the
	// category
	var lobby *discordgo.Channel
	var ifaceChannel *discordgo.Channel
	var g errgroup.Group
	g.Go(
		func() error {
			var lobbyErr error
			lobby, lobbyErr = session.GuildChannelCreateComplex(
				i.GuildID,
				discordgo.GuildChannelCreateData{
					Name:     DefaultLobbyChannelName,
					Type:     discordgo.ChannelTypeGuildVoice,
					ParentID: category.ID,
				},
			)
			if lobbyErr != nil {
				return fmt.Errorf("error creating lobby channel: %w", lobbyErr)
			}
			return nil
		},
	)
	g.Go(
		func() error {
			var ifaceErr error
			ifaceChannel, ifaceErr = session.GuildChannelCreateComplex(
				i.GuildID,
				discordgo.GuildChannelCreateData{
					Name:     DefaultInterfaceChannelName,
					Type:     discordgo.ChannelTypeGuildText,
					ParentID: category.ID,
					PermissionOverwrites: []*discordgo.PermissionOverwrite{
						{
							ID:   i.GuildID,
							Type: discordgo.PermissionOverwriteTypeRole,
							Deny: discordgo.PermissionSendMessages,
						},
					},
				},
			)
			if ifaceErr != nil {
				return fmt.Errorf("error creating interface channel: %w", ifaceErr)
			}
			return nil
		},
	)
	if err = g.Wait(); err != nil {
		logger.ErrorContext(ctx, "setup: error creating channels", tint.Err(err))
		return msgSetupFailed
	}

	ifaceMessage, err := session.ChannelMessageSendComplex(
		ifaceChannel.ID,
		&discordgo.MessageSend{
			Content:    fmt.Sprintf("Join <#%s> to create a room, then manage it here:", lobby.ID),
			Components: interfaceMessageButtons(),
		},
	)
	if err != nil {
		logger.ErrorContext(ctx, "setup: error sending interface message", tint.Err(err))
		return msgSetupFailed
	}

	cfg := &LobbyConfig{
		GuildID:            i.GuildID,
		LobbyChannelID:     lobby.ID,
		CategoryID:         category.ID,
		InterfaceChannelID: ifaceChannel.ID,
		InterfaceMessageID: ifaceMessage.ID,
	}
	if err = k.registry.SaveLobbyConfig(ctx, cfg); err != nil {
		logger.ErrorContext(ctx, "setup: error saving lobby config", tint.Err(err))
		return msgSetupFailed
	}

	logger.InfoContext(
		ctx,
		"guild setup complete",
		"lobby_channel_id", lobby.ID,
		"category_id", category.ID,
		"interface_channel_id", ifaceChannel.ID,
	)
	return fmt.Sprintf(
		"done! members who join <#%s> get their own room", lobby.ID,
	)
}

// roomInfo summarizes a room's current settings for the info
// subcommand and button.
func (k *RoomKeeper) roomInfo(ctx context.Context, channelID string) (string, error) {
	room, err := k.registry.Get(ctx, channelID)
	if err != nil {
		return msgControlFailed, err
	}
	if room == nil {
		return msgNotARoom, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "owner: <@%s>", room.OwnerID)
	if room.Locked {
		b.WriteString("\nlocked: yes")
	} else {
		b.WriteString("\nlocked: no")
	}
	if room.Hidden {
		b.WriteString("\nhidden: yes")
	} else {
		b.WriteString("\nhidden: no")
	}
	if room.MemberLimit == nil {
		b.WriteString("\nlimit: unlimited")
	} else {
		fmt.Fprintf(&b, "\nlimit: %d", *room.MemberLimit)
	}
	return truncate(b.String(), discordMaxMessageLength), nil
}

// callerVoiceChannel resolves the voice channel the caller currently
// occupies, from the session state cache.
func (k *RoomKeeper) callerVoiceChannel(guildID string, userID string) (string, bool) {
	states, err := k.discord.session.GuildVoiceStates(guildID)
	if err != nil {
		return "", false
	}
	for _, vs := range states {
		if vs != nil && vs.UserID == userID && vs.ChannelID != "" {
			return vs.ChannelID, true
		}
	}
	return "", false
}

func (k *RoomKeeper) respondEphemeral(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	content string,
) {
	if content == "" {
		content = msgControlFailed
	}
	err := k.discord.session.InteractionRespond(
		i.Interaction,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Content: content,
				Flags:   discordgo.MessageFlagsEphemeral,
			},
		},
	)
	if err != nil {
		k.logger.ErrorContext(
			ctx,
			"error responding to interaction",
			tint.Err(err),
			slog.Group("interaction", interactionLogAttrs(*i)...),
		)
	}
}

func subOptionInt(
	sub *discordgo.ApplicationCommandInteractionDataOption,
	name string,
) int64 {
	for _, opt := range sub.Options {
		if opt.Name == name {
			return opt.IntValue()
		}
	}
	return 0
}

func subOptionString(
	sub *discordgo.ApplicationCommandInteractionDataOption,
	name string,
) string {
	for _, opt := range sub.Options {
		if opt.Name == name {
			return opt.StringValue()
		}
	}
	return ""
}

// subOptionUserID returns the raw user ID for a user option without
// resolving the full user object.
func subOptionUserID(
	sub *discordgo.ApplicationCommandInteractionDataOption,
	name string,
) string {
	for _, opt := range sub.Options {
		if opt.Name == name {
			if v, ok := opt.Value.(string); ok {
				return v
			}
		}
	}
	return ""
}
