package roomkeeper

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger(t testing.TB) *slog.Logger {
	t.Helper()
	lvl := &slog.LevelVar{}
	lvl.Set(slog.LevelDebug)
	return slog.New(
		tint.NewHandler(
			os.Stdout, &tint.Options{
				Level:     lvl,
				AddSource: true,
			},
		),
	)
}

// newTestRegistry opens a throwaway SQLite database in a temp dir,
// migrates the registry models and returns a RoomRegistry over it.
func newTestRegistry(t testing.TB) *RoomRegistry {
	t.Helper()
	ctx := context.Background()
	db, err := CreateDB(ctx, dbTypeSQLite, filepath.Join(t.TempDir(), "test.sqlite3"))
	require.NoError(t, err)
	t.Cleanup(
		func() {
			sqlDB, _ := db.DB()
			if sqlDB != nil {
				_ = sqlDB.Close()
			}
		},
	)
	writeDB := NewDatabase(db, newTestLogger(t), false)
	return NewRoomRegistry(writeDB, nil, newTestLogger(t))
}

type sentMessage struct {
	ChannelID string
	Content   string
}

type memberMove struct {
	GuildID   string
	UserID    string
	ChannelID *string
}

// fakeVoiceSession is an in-memory VoiceSessionHandler: it tracks
// channels, voice states and permission overwrites, and records the
// mutating calls made against it. Error fields let tests inject
// failures for specific operations.
type fakeVoiceSession struct {
	mu sync.Mutex

	botUserID     string
	channels      map[string]*discordgo.Channel
	voiceStates   map[string][]*discordgo.VoiceState
	members       map[string]*discordgo.Member
	permissions   map[string]int64
	nextChannelID int

	moves        []memberMove
	deleted      []string
	messagesSent []sentMessage
	responses    []*discordgo.InteractionResponse
	webhookSends chan *discordgo.WebhookParams

	// limitBodies records the serialized user-limit payloads, so tests
	// can assert the zero (unlimited) case actually reaches the wire.
	limitBodies []string

	channelCreateErr error
	channelDeleteErr error
	channelEditErr   error
	channelFetchErr  error
	permissionSetErr error
	memberMoveErr    error
	voiceStatesErr   error
}

func newFakeVoiceSession() *fakeVoiceSession {
	return &fakeVoiceSession{
		botUserID:    "bot-user",
		channels:     map[string]*discordgo.Channel{},
		voiceStates:  map[string][]*discordgo.VoiceState{},
		members:      map[string]*discordgo.Member{},
		permissions:  map[string]int64{},
		webhookSends: make(chan *discordgo.WebhookParams, 100),
	}
}

func permissionKey(userID string, channelID string) string {
	return userID + ":" + channelID
}

// addChannel registers a channel and returns it.
func (f *fakeVoiceSession) addChannel(
	id string,
	guildID string,
	channelType discordgo.ChannelType,
) *discordgo.Channel {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := &discordgo.Channel{
		ID:      id,
		GuildID: guildID,
		Type:    channelType,
	}
	f.channels[id] = ch
	return ch
}

// setVoiceState places a member into a channel (or removes them, when
// channelID is empty).
func (f *fakeVoiceSession) setVoiceState(guildID, userID, channelID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setVoiceStateLocked(guildID, userID, channelID)
}

func (f *fakeVoiceSession) setVoiceStateLocked(guildID, userID, channelID string) {
	states := f.voiceStates[guildID]
	filtered := states[:0]
	for _, vs := range states {
		if vs.UserID != userID {
			filtered = append(filtered, vs)
		}
	}
	if channelID != "" {
		filtered = append(
			filtered,
			&discordgo.VoiceState{
				GuildID:   guildID,
				UserID:    userID,
				ChannelID: channelID,
			},
		)
	}
	f.voiceStates[guildID] = filtered
}

func (f *fakeVoiceSession) setPermissions(userID, channelID string, perms int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.permissions[permissionKey(userID, channelID)] = perms
}

func (f *fakeVoiceSession) channel(id string) *discordgo.Channel {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.channels[id]
}

func (f *fakeVoiceSession) recordedMoves() []memberMove {
	f.mu.Lock()
	defer f.mu.Unlock()
	moves := make([]memberMove, len(f.moves))
	copy(moves, f.moves)
	return moves
}

func (f *fakeVoiceSession) sent() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := make([]sentMessage, len(f.messagesSent))
	copy(msgs, f.messagesSent)
	return msgs
}

func (f *fakeVoiceSession) Open() error {
	return nil
}

func (f *fakeVoiceSession) Close() error {
	return nil
}

func (f *fakeVoiceSession) AddHandler(_ any) func() {
	return func() {}
}

func (f *fakeVoiceSession) BotUserID() string {
	return f.botUserID
}

func (f *fakeVoiceSession) Channel(
	channelID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.channelFetchErr != nil {
		return nil, f.channelFetchErr
	}
	return f.channels[channelID], nil
}

func (f *fakeVoiceSession) GuildChannelCreateComplex(
	guildID string,
	data discordgo.GuildChannelCreateData,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.channelCreateErr != nil {
		return nil, f.channelCreateErr
	}
	f.nextChannelID++
	ch := &discordgo.Channel{
		ID:                   fmt.Sprintf("chan-%d", f.nextChannelID),
		GuildID:              guildID,
		Name:                 data.Name,
		Type:                 data.Type,
		ParentID:             data.ParentID,
		PermissionOverwrites: data.PermissionOverwrites,
	}
	f.channels[ch.ID] = ch
	return ch, nil
}

func (f *fakeVoiceSession) ChannelDelete(
	channelID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.channelDeleteErr != nil {
		return nil, f.channelDeleteErr
	}
	ch := f.channels[channelID]
	delete(f.channels, channelID)
	f.deleted = append(f.deleted, channelID)
	return ch, nil
}

func (f *fakeVoiceSession) ChannelEditComplex(
	channelID string,
	data *discordgo.ChannelEdit,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.channelEditErr != nil {
		return nil, f.channelEditErr
	}
	ch, ok := f.channels[channelID]
	if !ok {
		return nil, fmt.Errorf("no channel %s", channelID)
	}
	if data.Name != "" {
		ch.Name = data.Name
	}
	return ch, nil
}

func (f *fakeVoiceSession) ChannelUserLimitSet(
	channelID string,
	limit int,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.channelEditErr != nil {
		return nil, f.channelEditErr
	}
	body, err := json.Marshal(channelUserLimitBody{UserLimit: limit})
	if err != nil {
		return nil, err
	}
	f.limitBodies = append(f.limitBodies, string(body))
	ch, ok := f.channels[channelID]
	if !ok {
		return nil, fmt.Errorf("no channel %s", channelID)
	}
	ch.UserLimit = limit
	return ch, nil
}

func (f *fakeVoiceSession) limitPayloads() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	payloads := make([]string, len(f.limitBodies))
	copy(payloads, f.limitBodies)
	return payloads
}

func (f *fakeVoiceSession) ChannelPermissionSet(
	channelID string,
	targetID string,
	targetType discordgo.PermissionOverwriteType,
	allow int64,
	deny int64,
	_ ...discordgo.RequestOption,
) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.permissionSetErr != nil {
		return f.permissionSetErr
	}
	ch, ok := f.channels[channelID]
	if !ok {
		return fmt.Errorf("no channel %s", channelID)
	}
	for _, ow := range ch.PermissionOverwrites {
		if ow.ID == targetID && ow.Type == targetType {
			ow.Allow = allow
			ow.Deny = deny
			return nil
		}
	}
	ch.PermissionOverwrites = append(
		ch.PermissionOverwrites,
		&discordgo.PermissionOverwrite{
			ID:    targetID,
			Type:  targetType,
			Allow: allow,
			Deny:  deny,
		},
	)
	return nil
}

func (f *fakeVoiceSession) ChannelPermissionDelete(
	channelID string,
	targetID string,
	_ ...discordgo.RequestOption,
) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.channels[channelID]
	if !ok {
		return fmt.Errorf("no channel %s", channelID)
	}
	filtered := ch.PermissionOverwrites[:0]
	for _, ow := range ch.PermissionOverwrites {
		if ow.ID != targetID {
			filtered = append(filtered, ow)
		}
	}
	ch.PermissionOverwrites = filtered
	return nil
}

func (f *fakeVoiceSession) GuildMemberMove(
	guildID string,
	userID string,
	channelID *string,
	_ ...discordgo.RequestOption,
) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.memberMoveErr != nil {
		return f.memberMoveErr
	}
	f.moves = append(
		f.moves,
		memberMove{GuildID: guildID, UserID: userID, ChannelID: channelID},
	)
	next := ""
	if channelID != nil {
		next = *channelID
	}
	f.setVoiceStateLocked(guildID, userID, next)
	return nil
}

func (f *fakeVoiceSession) GuildMember(
	guildID string,
	userID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Member, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.members[userID]; ok {
		return m, nil
	}
	return &discordgo.Member{
		GuildID: guildID,
		User:    &discordgo.User{ID: userID, Username: "user-" + userID},
	}, nil
}

func (f *fakeVoiceSession) GuildVoiceStates(guildID string) (
	[]*discordgo.VoiceState,
	error,
) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.voiceStatesErr != nil {
		return nil, f.voiceStatesErr
	}
	states := make([]*discordgo.VoiceState, len(f.voiceStates[guildID]))
	copy(states, f.voiceStates[guildID])
	return states, nil
}

func (f *fakeVoiceSession) UserChannelPermissions(userID, channelID string) (
	int64,
	error,
) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.permissions[permissionKey(userID, channelID)], nil
}

func (f *fakeVoiceSession) ChannelMessageSend(
	channelID string,
	message string,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messagesSent = append(
		f.messagesSent,
		sentMessage{ChannelID: channelID, Content: message},
	)
	return &discordgo.Message{ID: "msg-1", ChannelID: channelID}, nil
}

func (f *fakeVoiceSession) ChannelMessageSendComplex(
	channelID string,
	data *discordgo.MessageSend,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messagesSent = append(
		f.messagesSent,
		sentMessage{ChannelID: channelID, Content: data.Content},
	)
	return &discordgo.Message{ID: "msg-1", ChannelID: channelID}, nil
}

func (f *fakeVoiceSession) ApplicationCommandBulkOverwrite(
	_ string,
	_ string,
	commands []*discordgo.ApplicationCommand,
	_ ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	cmds := make([]*discordgo.ApplicationCommand, len(commands))
	for i, c := range commands {
		cmds[i] = &discordgo.ApplicationCommand{
			Name:        c.Name,
			Description: c.Description,
		}
	}
	return cmds, nil
}

func (f *fakeVoiceSession) InteractionRespond(
	_ *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	_ ...discordgo.RequestOption,
) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, resp)
	return nil
}

func (f *fakeVoiceSession) WebhookExecute(
	_ string,
	_ string,
	_ bool,
	data *discordgo.WebhookParams,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	f.webhookSends <- data
	return &discordgo.Message{}, nil
}

func (f *fakeVoiceSession) UpdateCustomStatus(_ string) error {
	return nil
}

func (f *fakeVoiceSession) UpdateStatusComplex(_ discordgo.UpdateStatusData) error {
	return nil
}

func (f *fakeVoiceSession) SetIdentify(_ discordgo.Identify) {}

func (f *fakeVoiceSession) SetHTTPClient(_ *http.Client) {}

func (f *fakeVoiceSession) SetLogLevel(_ slog.Level) error {
	return nil
}

func TestAppCommandVoiceMasterSubcommands(t *testing.T) {
	d := &Discord{}
	cmd := d.appCommandVoiceMaster()
	assert.Equal(t, DiscordSlashCommandVoiceMaster, cmd.Name)

	names := map[string]bool{}
	for _, opt := range cmd.Options {
		names[opt.Name] = true
	}
	for _, expected := range []string{
		voiceMasterSubcommandSetup,
		voiceMasterSubcommandLock,
		voiceMasterSubcommandUnlock,
		voiceMasterSubcommandHide,
		voiceMasterSubcommandUnhide,
		voiceMasterSubcommandClaim,
		voiceMasterSubcommandLimit,
		voiceMasterSubcommandRename,
		voiceMasterSubcommandAllow,
		voiceMasterSubcommandReject,
		voiceMasterSubcommandKick,
		voiceMasterSubcommandInfo,
	} {
		assert.Truef(t, names[expected], "missing subcommand %s", expected)
	}
}

func TestIsPermanentDiscordError(t *testing.T) {
	assert.False(t, isPermanentDiscordError(fmt.Errorf("dial tcp: timeout")))

	missingPerms := &discordgo.RESTError{
		Message: &discordgo.APIErrorMessage{
			Code: discordgo.ErrCodeMissingPermissions,
		},
	}
	assert.True(t, isPermanentDiscordError(missingPerms))

	notFound := &discordgo.RESTError{
		Response: &http.Response{StatusCode: http.StatusNotFound},
	}
	assert.True(t, isPermanentDiscordError(notFound))

	rateLimited := &discordgo.RESTError{
		Response: &http.Response{StatusCode: http.StatusTooManyRequests},
	}
	assert.False(t, isPermanentDiscordError(rateLimited))
}

func TestNewSessionUsesConfiguredHTTPClient(t *testing.T) {
	httpClient := &http.Client{}
	cfg := DefaultConfig().Discord
	cfg.Token = "test-token"
	cfg.httpClient = httpClient

	d := &Discord{config: cfg, logger: newTestLogger(t)}
	session, err := d.newSession()
	require.NoError(t, err)

	ds, ok := session.(DiscordSession)
	require.True(t, ok)
	assert.Same(t, httpClient, ds.session.Client)
}
