// Package discord implements the Discord channel using discordgo.
package discord

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/bus"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/channels"
)

// maxMessageLen is Discord's limit for one message.
const maxMessageLen = 2000

// maxAttachmentBytes caps downloaded attachments.
const maxAttachmentBytes = 20 << 20

// Config holds Discord channel configuration.
type Config struct {
	Enabled bool `yaml:"enabled"`

	// Token is the Discord bot token.
	Token string `yaml:"token"`

	// AllowFrom lists user ids allowed to talk to the bot. Empty means
	// everyone.
	AllowFrom []string `yaml:"allow_from"`

	// AllowedChannels restricts which channel IDs the bot responds in.
	AllowedChannels []string `yaml:"allowed_channels"`

	// MediaDir receives downloaded attachments.
	MediaDir string `yaml:"media_dir"`
}

// Discord implements channels.Channel.
type Discord struct {
	*channels.Base
	cfg        Config
	session    *discordgo.Session
	httpClient *http.Client
}

// New creates a Discord channel publishing to pub.
func New(cfg Config, pub channels.InboundPublisher, logger *slog.Logger) *Discord {
	if cfg.MediaDir == "" {
		cfg.MediaDir = "./data/media"
	}
	return &Discord{
		Base:       channels.NewBase("discord", pub, cfg.AllowFrom, logger),
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Start opens the gateway connection. discordgo runs its own event loop.
func (d *Discord) Start(ctx context.Context) error {
	if d.cfg.Token == "" {
		return fmt.Errorf("discord: bot token is required")
	}

	session, err := discordgo.New("Bot " + d.cfg.Token)
	if err != nil {
		return fmt.Errorf("discord: creating session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent
	session.AddHandler(d.onMessageCreate)

	if err := session.Open(); err != nil {
		return fmt.Errorf("discord: opening gateway: %w", err)
	}
	d.session = session
	d.SetRunning(true)

	if user := session.State.User; user != nil {
		d.Logger().Info("discord: connected", "bot", user.Username, "id", user.ID)
	}
	return nil
}

// Stop closes the gateway connection.
func (d *Discord) Stop() error {
	d.SetRunning(false)
	if d.session == nil {
		return nil
	}
	if err := d.session.Close(); err != nil {
		return fmt.Errorf("discord: closing session: %w", err)
	}
	d.Logger().Info("discord: disconnected")
	return nil
}

// Send delivers a reply, split at the platform limit. Only the first chunk
// references the message being answered.
func (d *Discord) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if d.session == nil || !d.IsRunning() {
		return channels.ErrNotRunning
	}
	for i, chunk := range channels.SplitMessage(msg.Content, maxMessageLen) {
		send := &discordgo.MessageSend{Content: chunk}
		if i == 0 && msg.ReplyTo != "" {
			send.Reference = &discordgo.MessageReference{MessageID: msg.ReplyTo, ChannelID: msg.ChatID}
		}
		if _, err := d.session.ChannelMessageSendComplex(msg.ChatID, send, discordgo.WithContext(ctx)); err != nil {
			return fmt.Errorf("discord: send: %w", err)
		}
	}
	return nil
}

func (d *Discord) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	if s.State != nil && s.State.User != nil && m.Author.ID == s.State.User.ID {
		return
	}
	if len(d.cfg.AllowedChannels) > 0 && !contains(d.cfg.AllowedChannels, m.ChannelID) {
		return
	}

	content := m.Content
	var media []string
	for _, att := range m.Attachments {
		if att.Size > maxAttachmentBytes {
			content += fmt.Sprintf("\n[attachment: %s - too large]", att.Filename)
			continue
		}
		path, err := d.download(att)
		if err != nil {
			d.Logger().Warn("discord: attachment download failed", "file", att.Filename, "error", err)
			content += fmt.Sprintf("\n[attachment: %s - download failed]", att.Filename)
			continue
		}
		media = append(media, path)
		content += fmt.Sprintf("\n[attachment: %s]", path)
	}
	if content == "" {
		content = "[empty message]"
	}

	metadata := map[string]string{
		"message_id": m.ID,
		"guild_id":   m.GuildID,
		"username":   m.Author.Username,
	}
	if d.HandleMessage(m.Author.ID, m.ChannelID, content, media, metadata) {
		if err := s.ChannelTyping(m.ChannelID); err != nil {
			d.Logger().Debug("discord: typing indicator failed", "error", err)
		}
	}
}

func (d *Discord) download(att *discordgo.MessageAttachment) (string, error) {
	resp, err := d.httpClient.Get(att.URL)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("status %s", resp.Status)
	}
	if err := os.MkdirAll(d.cfg.MediaDir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(d.cfg.MediaDir, att.ID+"_"+filepath.Base(att.Filename))
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := io.Copy(f, io.LimitReader(resp.Body, maxAttachmentBytes)); err != nil {
		return "", err
	}
	return path, nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

var _ channels.Channel = (*Discord)(nil)
