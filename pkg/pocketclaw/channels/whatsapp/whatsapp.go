// Package whatsapp implements the WhatsApp channel with whatsmeow, a native
// Go WhatsApp Web client. The linked-device session lives in its own SQLite
// file; the first start prints a QR code to pair.
package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.mau.fi/whatsmeow"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/bus"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/channels"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for the device store.
)

// Config holds WhatsApp channel configuration.
type Config struct {
	Enabled bool `yaml:"enabled"`

	// SessionPath is the SQLite file holding the linked-device keys.
	SessionPath string `yaml:"session_path"`

	// AllowFrom lists phone numbers allowed to talk to the bot. Empty means
	// everyone.
	AllowFrom []string `yaml:"allow_from"`

	// RespondToGroups enables responding in group chats.
	RespondToGroups bool `yaml:"respond_to_groups"`

	// MediaDir receives downloaded images.
	MediaDir string `yaml:"media_dir"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		SessionPath: "./data/whatsapp.db",
		MediaDir:    "./data/media",
	}
}

// QRHandler receives pairing codes to render for the user.
type QRHandler func(code string)

// WhatsApp implements channels.Channel.
type WhatsApp struct {
	*channels.Base
	cfg    Config
	onQR   QRHandler
	client *whatsmeow.Client

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a WhatsApp channel publishing to pub. onQR may be nil, in
// which case pairing codes are only logged.
func New(cfg Config, pub channels.InboundPublisher, onQR QRHandler, logger *slog.Logger) *WhatsApp {
	def := DefaultConfig()
	if cfg.SessionPath == "" {
		cfg.SessionPath = def.SessionPath
	}
	if cfg.MediaDir == "" {
		cfg.MediaDir = def.MediaDir
	}
	return &WhatsApp{
		Base: channels.NewBase("whatsapp", pub, cfg.AllowFrom, logger),
		cfg:  cfg,
		onQR: onQR,
	}
}

// Start opens the device store and connects. Without a paired device the
// QR flow runs in the background and Start returns immediately.
func (w *WhatsApp) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)

	if err := os.MkdirAll(filepath.Dir(w.cfg.SessionPath), 0o755); err != nil {
		return fmt.Errorf("whatsapp: creating session dir: %w", err)
	}
	container, err := sqlstore.New(w.ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=1&_journal_mode=WAL", w.cfg.SessionPath),
		waLog.Noop)
	if err != nil {
		return fmt.Errorf("whatsapp: creating session store: %w", err)
	}
	device, err := container.GetFirstDevice(w.ctx)
	if err != nil {
		return fmt.Errorf("whatsapp: getting device: %w", err)
	}
	store.SetOSInfo("pocketclaw", [3]uint32{1, 0, 0})

	w.client = whatsmeow.NewClient(device, waLog.Noop)
	w.client.AddEventHandler(w.handleEvent)
	w.client.EnableAutoReconnect = true

	if w.client.Store.ID == nil {
		w.Logger().Info("whatsapp: no paired device, waiting for QR scan")
		qrChan, err := w.client.GetQRChannel(w.ctx)
		if err != nil {
			return fmt.Errorf("whatsapp: getting QR channel: %w", err)
		}
		if err := w.client.Connect(); err != nil {
			return fmt.Errorf("whatsapp: connecting for QR: %w", err)
		}
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.pair(qrChan)
		}()
		return nil
	}

	if err := w.client.Connect(); err != nil {
		return fmt.Errorf("whatsapp: connecting: %w", err)
	}
	return nil
}

func (w *WhatsApp) pair(qrChan <-chan whatsmeow.QRChannelItem) {
	for {
		select {
		case <-w.ctx.Done():
			return
		case evt, ok := <-qrChan:
			if !ok {
				return
			}
			switch evt.Event {
			case "code":
				w.Logger().Info("whatsapp: scan the QR code with WhatsApp > Linked devices")
				if w.onQR != nil {
					w.onQR(evt.Code)
				} else {
					w.Logger().Info("whatsapp: QR code", "code", evt.Code)
				}
			case "success":
				w.Logger().Info("whatsapp: pairing successful")
				return
			case "timeout":
				w.Logger().Warn("whatsapp: QR code timed out; restart to pair again")
				return
			default:
				if evt.Error != nil {
					w.Logger().Warn("whatsapp: pairing failed", "event", evt.Event, "error", evt.Error)
				}
			}
		}
	}
}

// Stop disconnects and waits for the pairing goroutine.
func (w *WhatsApp) Stop() error {
	if w.cancel != nil {
		w.cancel()
	}
	if w.client != nil {
		w.client.Disconnect()
	}
	w.wg.Wait()
	w.SetRunning(false)
	w.Logger().Info("whatsapp: disconnected")
	return nil
}

// Send delivers a reply in WhatsApp markup, quoting ReplyTo when set.
func (w *WhatsApp) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if w.client == nil || !w.IsRunning() {
		return channels.ErrNotRunning
	}
	jid, err := parseJID(msg.ChatID)
	if err != nil {
		return fmt.Errorf("whatsapp: invalid JID %q: %w", msg.ChatID, err)
	}
	if _, err := w.client.SendMessage(ctx, jid, buildTextMessage(channels.FormatForWhatsApp(msg.Content), msg.ReplyTo)); err != nil {
		return fmt.Errorf("whatsapp: sending message: %w", err)
	}
	return nil
}

func (w *WhatsApp) handleEvent(evt any) {
	switch e := evt.(type) {
	case *events.Message:
		w.handleMessage(e)
	case *events.Connected:
		w.SetRunning(true)
		w.Logger().Info("whatsapp: connected", "jid", w.client.Store.ID)
	case *events.Disconnected:
		w.SetRunning(false)
		w.Logger().Warn("whatsapp: disconnected, auto-reconnect pending")
	case *events.LoggedOut:
		w.SetRunning(false)
		w.Logger().Error("whatsapp: logged out; delete the session file and pair again", "reason", e.Reason)
	}
}

func (w *WhatsApp) handleMessage(evt *events.Message) {
	if evt.Info.IsFromMe || evt.Info.Chat.Server == types.BroadcastServer {
		return
	}
	if evt.Info.IsGroup && !w.cfg.RespondToGroups {
		return
	}

	content, media := w.extractContent(evt.Message)
	if content == "" && len(media) == 0 {
		return
	}

	metadata := map[string]string{
		"message_id": string(evt.Info.ID),
		"push_name":  evt.Info.PushName,
		"is_group":   fmt.Sprint(evt.Info.IsGroup),
	}
	if w.HandleMessage(evt.Info.Sender.User, evt.Info.Chat.String(), content, media, metadata) {
		if err := w.client.SendChatPresence(w.ctx, evt.Info.Chat, types.ChatPresenceComposing, types.ChatPresenceMediaText); err != nil {
			w.Logger().Debug("whatsapp: presence failed", "error", err)
		}
	}
}

// extractContent returns the text of a message and the local paths of any
// downloaded image.
func (w *WhatsApp) extractContent(msg *waE2E.Message) (string, []string) {
	if msg == nil {
		return "", nil
	}
	switch {
	case msg.Conversation != nil:
		return msg.GetConversation(), nil
	case msg.ExtendedTextMessage != nil:
		return msg.GetExtendedTextMessage().GetText(), nil
	case msg.ImageMessage != nil:
		img := msg.GetImageMessage()
		text := img.GetCaption()
		data, err := w.client.Download(w.ctx, img)
		if err != nil {
			w.Logger().Warn("whatsapp: image download failed", "error", err)
			return strings.TrimSpace(text + "\n[image: download failed]"), nil
		}
		path, err := w.saveMedia(data, extForMime(img.GetMimetype()))
		if err != nil {
			w.Logger().Warn("whatsapp: saving image failed", "error", err)
			return text, nil
		}
		return strings.TrimSpace(text + "\n[image: " + path + "]"), []string{path}
	case msg.AudioMessage != nil:
		return "[voice message]", nil
	case msg.DocumentMessage != nil:
		return "[document: " + msg.GetDocumentMessage().GetFileName() + "]", nil
	}
	return "", nil
}

func (w *WhatsApp) saveMedia(data []byte, ext string) (string, error) {
	if err := os.MkdirAll(w.cfg.MediaDir, 0o755); err != nil {
		return "", err
	}
	f, err := os.CreateTemp(w.cfg.MediaDir, "wa-*"+ext)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return "", err
	}
	return f.Name(), nil
}

func extForMime(mimeType string) string {
	switch mimeType {
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	default:
		return ".jpg"
	}
}

// buildTextMessage builds a plain text message, or a quoted reply when
// replyTo names the message being answered.
func buildTextMessage(text, replyTo string) *waE2E.Message {
	if replyTo == "" {
		return &waE2E.Message{Conversation: proto.String(text)}
	}
	return &waE2E.Message{
		ExtendedTextMessage: &waE2E.ExtendedTextMessage{
			Text: proto.String(text),
			ContextInfo: &waE2E.ContextInfo{
				StanzaID: proto.String(replyTo),
			},
		},
	}
}

// parseJID accepts a full JID or a bare phone number.
func parseJID(s string) (types.JID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return types.JID{}, fmt.Errorf("empty JID")
	}
	if strings.Contains(s, "@") {
		return types.ParseJID(s)
	}
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
	if len(digits) < 10 {
		return types.JID{}, fmt.Errorf("phone number too short: %s", s)
	}
	return types.NewJID(digits, types.DefaultUserServer), nil
}

var _ channels.Channel = (*WhatsApp)(nil)
