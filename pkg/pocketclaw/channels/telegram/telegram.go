// Package telegram implements the Telegram channel using the Bot API
// directly over HTTP: long polling with getUpdates, HTML replies, and photo,
// voice and document downloads into the media directory.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/bus"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/channels"
)

// maxMessageLen is Telegram's limit for one text message.
const maxMessageLen = 4096

// Config holds Telegram channel configuration.
type Config struct {
	Enabled bool `yaml:"enabled"`

	// Token is the Bot API token from @BotFather.
	Token string `yaml:"token"`

	// AllowFrom lists user ids or usernames allowed to talk to the bot.
	// Empty means everyone.
	AllowFrom []string `yaml:"allow_from"`

	// MediaDir receives downloaded attachments.
	MediaDir string `yaml:"media_dir"`

	// APIBase overrides https://api.telegram.org.
	APIBase string `yaml:"api_base"`

	// PollTimeout is the getUpdates long-poll timeout in seconds.
	PollTimeout int `yaml:"poll_timeout"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MediaDir:    "./data/media",
		APIBase:     "https://api.telegram.org",
		PollTimeout: 30,
	}
}

// Telegram implements channels.Channel.
type Telegram struct {
	*channels.Base
	cfg    Config
	client *http.Client

	// offset is the last processed update ID + 1.
	offset int64

	errorCount atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Telegram channel publishing to pub.
func New(cfg Config, pub channels.InboundPublisher, logger *slog.Logger) *Telegram {
	def := DefaultConfig()
	if cfg.APIBase == "" {
		cfg.APIBase = def.APIBase
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = def.PollTimeout
	}
	if cfg.MediaDir == "" {
		cfg.MediaDir = def.MediaDir
	}
	cfg.APIBase = strings.TrimRight(cfg.APIBase, "/")
	return &Telegram{
		Base:   channels.NewBase("telegram", pub, cfg.AllowFrom, logger),
		cfg:    cfg,
		client: &http.Client{Timeout: time.Duration(cfg.PollTimeout+30) * time.Second},
	}
}

// Start verifies the token and begins long polling.
func (t *Telegram) Start(ctx context.Context) error {
	if t.cfg.Token == "" {
		return fmt.Errorf("telegram: bot token is required")
	}
	if t.IsRunning() {
		return nil
	}
	t.ctx, t.cancel = context.WithCancel(ctx)

	me, err := t.getMe(t.ctx)
	if err != nil {
		t.cancel()
		return fmt.Errorf("telegram: failed to verify token: %w", err)
	}
	t.Logger().Info("telegram: connected", "bot", me.Username, "id", me.ID)
	t.SetRunning(true)

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.pollLoop()
	}()
	return nil
}

// Stop ends polling and waits for the loop to exit.
func (t *Telegram) Stop() error {
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()
	t.SetRunning(false)
	t.Logger().Info("telegram: disconnected")
	return nil
}

// Send delivers a reply as HTML, split at the platform limit. A chunk the
// API rejects as malformed HTML is resent as plain text.
func (t *Telegram) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !t.IsRunning() {
		return channels.ErrNotRunning
	}
	chatID, err := strconv.ParseInt(msg.ChatID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: invalid chat ID %q: %w", msg.ChatID, err)
	}

	for i, chunk := range channels.SplitMessage(msg.Content, maxMessageLen) {
		payload := map[string]any{
			"chat_id":    chatID,
			"text":       channels.FormatForTelegram(chunk),
			"parse_mode": "HTML",
		}
		if i == 0 && msg.ReplyTo != "" {
			if id, e := strconv.ParseInt(msg.ReplyTo, 10, 64); e == nil {
				payload["reply_parameters"] = map[string]any{"message_id": id, "allow_sending_without_reply": true}
			}
		}
		if _, err := t.apiCall(ctx, "sendMessage", payload); err != nil {
			if !strings.Contains(err.Error(), "can't parse entities") {
				return err
			}
			t.Logger().Warn("telegram: HTML rejected, sending plain text", "error", err)
			payload["text"] = chunk
			delete(payload, "parse_mode")
			if _, err := t.apiCall(ctx, "sendMessage", payload); err != nil {
				return err
			}
		}
	}
	return nil
}

// ---------- Internal ----------

func (t *Telegram) pollLoop() {
	t.Logger().Info("telegram: polling started")
	backoff := time.Second

	for {
		select {
		case <-t.ctx.Done():
			t.Logger().Info("telegram: polling stopped")
			return
		default:
		}

		updates, err := t.getUpdates(t.ctx, t.offset, 100, t.cfg.PollTimeout)
		if err != nil {
			if t.ctx.Err() != nil {
				return
			}
			t.errorCount.Add(1)
			t.Logger().Warn("telegram: getUpdates error", "error", err, "backoff", backoff)
			select {
			case <-t.ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}

		backoff = time.Second
		t.errorCount.Store(0)

		for _, u := range updates {
			if u.UpdateID >= t.offset {
				t.offset = u.UpdateID + 1
			}
			t.processUpdate(u)
		}
	}
}

func (t *Telegram) processUpdate(u tgUpdate) {
	msg := u.Message
	if msg == nil {
		msg = u.EditedMessage
	}
	if msg == nil || msg.From == nil {
		return
	}

	senderID := strconv.FormatInt(msg.From.ID, 10)
	if msg.From.Username != "" {
		senderID += "|" + msg.From.Username
	}
	chatID := strconv.FormatInt(msg.Chat.ID, 10)

	var parts []string
	if msg.Text != "" {
		parts = append(parts, msg.Text)
	}
	if msg.Caption != "" {
		parts = append(parts, msg.Caption)
	}

	var media []string
	fileID, kind, ext := "", "", ""
	switch {
	case len(msg.Photo) > 0:
		fileID, kind, ext = msg.Photo[len(msg.Photo)-1].FileID, "image", ".jpg"
	case msg.Voice != nil:
		fileID, kind, ext = msg.Voice.FileID, "voice", ".ogg"
	case msg.Audio != nil:
		fileID, kind, ext = msg.Audio.FileID, "audio", extFromMime(msg.Audio.MimeType, ".mp3")
	case msg.Document != nil:
		fileID, kind, ext = msg.Document.FileID, "file", filepath.Ext(msg.Document.FileName)
	}
	if fileID != "" {
		path, err := t.download(t.ctx, fileID, ext)
		if err != nil {
			t.Logger().Warn("telegram: media download failed", "kind", kind, "error", err)
			parts = append(parts, fmt.Sprintf("[%s: download failed]", kind))
		} else {
			media = append(media, path)
			parts = append(parts, fmt.Sprintf("[%s: %s]", kind, path))
		}
	}

	content := strings.Join(parts, "\n")
	if content == "" {
		content = "[empty message]"
	}

	metadata := map[string]string{
		"message_id": strconv.Itoa(msg.MessageID),
		"user_id":    strconv.FormatInt(msg.From.ID, 10),
		"username":   msg.From.Username,
		"first_name": msg.From.FirstName,
		"is_group":   strconv.FormatBool(msg.Chat.Type != "private"),
	}

	if t.HandleMessage(senderID, chatID, content, media, metadata) {
		t.sendTyping(msg.Chat.ID)
	}
}

func (t *Telegram) sendTyping(chatID int64) {
	_, err := t.apiCall(t.ctx, "sendChatAction", map[string]any{"chat_id": chatID, "action": "typing"})
	if err != nil {
		t.Logger().Debug("telegram: typing indicator failed", "error", err)
	}
}

func extFromMime(mimeType, fallback string) string {
	if i := strings.LastIndex(mimeType, "/"); i >= 0 && i < len(mimeType)-1 {
		return "." + mimeType[i+1:]
	}
	return fallback
}

// download fetches a file by id into the media directory.
func (t *Telegram) download(ctx context.Context, fileID, ext string) (string, error) {
	data, err := t.apiCall(ctx, "getFile", map[string]any{"file_id": fileID})
	if err != nil {
		return "", err
	}
	var file tgFile
	if err := json.Unmarshal(data, &file); err != nil {
		return "", fmt.Errorf("telegram: parsing getFile: %w", err)
	}

	url := fmt.Sprintf("%s/file/bot%s/%s", t.cfg.APIBase, t.cfg.Token, file.FilePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("telegram: creating download request: %w", err)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("telegram: download failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("telegram: download failed: %s", resp.Status)
	}

	if err := os.MkdirAll(t.cfg.MediaDir, 0o755); err != nil {
		return "", fmt.Errorf("telegram: creating media dir: %w", err)
	}
	name := fileID
	if len(name) > 16 {
		name = name[:16]
	}
	path := filepath.Join(t.cfg.MediaDir, name+ext)
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("telegram: creating media file: %w", err)
	}
	defer f.Close()
	if _, err := io.Copy(f, resp.Body); err != nil {
		return "", fmt.Errorf("telegram: writing media: %w", err)
	}
	return path, nil
}

func (t *Telegram) apiCall(ctx context.Context, method string, payload map[string]any) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("telegram: marshal %s: %w", method, err)
	}

	url := fmt.Sprintf("%s/bot%s/%s", t.cfg.APIBase, t.cfg.Token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("telegram: creating request for %s: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telegram: %s request failed: %w", method, err)
	}
	defer resp.Body.Close()

	var result struct {
		OK          bool            `json:"ok"`
		Description string          `json:"description"`
		Result      json.RawMessage `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("telegram: decoding %s response: %w", method, err)
	}
	if !result.OK {
		return nil, fmt.Errorf("telegram: %s: %s", method, result.Description)
	}
	return result.Result, nil
}

func (t *Telegram) getMe(ctx context.Context) (*tgUser, error) {
	data, err := t.apiCall(ctx, "getMe", nil)
	if err != nil {
		return nil, err
	}
	var user tgUser
	if err := json.Unmarshal(data, &user); err != nil {
		return nil, fmt.Errorf("telegram: parsing getMe: %w", err)
	}
	return &user, nil
}

func (t *Telegram) getUpdates(ctx context.Context, offset int64, limit, timeoutSecs int) ([]tgUpdate, error) {
	data, err := t.apiCall(ctx, "getUpdates", map[string]any{
		"offset":          offset,
		"limit":           limit,
		"timeout":         timeoutSecs,
		"allowed_updates": []string{"message", "edited_message"},
	})
	if err != nil {
		return nil, err
	}
	var updates []tgUpdate
	if err := json.Unmarshal(data, &updates); err != nil {
		return nil, fmt.Errorf("telegram: parsing updates: %w", err)
	}
	return updates, nil
}

// ---------- Bot API types ----------

type tgUpdate struct {
	UpdateID      int64      `json:"update_id"`
	Message       *tgMessage `json:"message"`
	EditedMessage *tgMessage `json:"edited_message"`
}

type tgMessage struct {
	MessageID int         `json:"message_id"`
	From      *tgUser     `json:"from"`
	Chat      tgChat      `json:"chat"`
	Date      int         `json:"date"`
	Text      string      `json:"text"`
	Caption   string      `json:"caption"`
	Photo     []tgFileRef `json:"photo"`
	Voice     *tgFileRef  `json:"voice"`
	Audio     *tgFileRef  `json:"audio"`
	Document  *tgFileRef  `json:"document"`
}

type tgUser struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot"`
	FirstName string `json:"first_name"`
	Username  string `json:"username"`
}

type tgChat struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

type tgFileRef struct {
	FileID   string `json:"file_id"`
	FileName string `json:"file_name"`
	MimeType string `json:"mime_type"`
	FileSize int    `json:"file_size"`
}

type tgFile struct {
	FileID   string `json:"file_id"`
	FilePath string `json:"file_path"`
}

var _ channels.Channel = (*Telegram)(nil)
