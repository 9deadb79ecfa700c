package channel

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/qooode/solbot/internal/bus"
	"github.com/qooode/solbot/internal/config"
)

//go:embed static
var staticFiles embed.FS

const (
	webUIChannelName = "webui"
	webUIBotID       = "webui-bot"
	defaultRoom      = "lobby"
	writeTimeout     = 5 * time.Second
)

// wsMessage is one frame in either direction. Browsers may set Author and
// AuthorName to play several participants from one tab.
type wsMessage struct {
	Type       string   `json:"type"`
	ID         string   `json:"id,omitempty"`
	Channel    string   `json:"channel,omitempty"`
	Author     string   `json:"author,omitempty"`
	AuthorName string   `json:"authorName,omitempty"`
	Content    string   `json:"content,omitempty"`
	Mentions   []string `json:"mentions,omitempty"`
	ReplyTo    string   `json:"replyTo,omitempty"`
	DM         bool     `json:"dm,omitempty"`
}

type wsClient struct {
	conn *websocket.Conn
	id   string
}

// WebUIChannel is a local browser chat room. Every connected tab sees every
// frame, which makes it a small stand-in for a group chat.
type WebUIChannel struct {
	BaseChannel
	addr    string
	botName string
	logger  *zap.Logger
	now     func() time.Time

	server  *http.Server
	clients sync.Map
	nextID  atomic.Int64
	nextMsg atomic.Int64

	mu    sync.Mutex
	seen  map[string]seenMessage
	muted map[string]time.Time
}

func NewWebUIChannel(cfg config.WebUIConfig, gwCfg config.GatewayConfig, b *bus.MessageBus, botName string, logger *zap.Logger) (*WebUIChannel, error) {
	port := gwCfg.Port
	if port == 0 {
		port = config.DefaultPort
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if botName == "" {
		botName = config.DefaultName
	}
	return &WebUIChannel{
		BaseChannel: NewBaseChannel(webUIChannelName, b, cfg.AllowFrom),
		addr:        net.JoinHostPort(gwCfg.Host, strconv.Itoa(port)),
		botName:     botName,
		logger:      logger.Named("webui"),
		now:         time.Now,
		seen:        make(map[string]seenMessage),
		muted:       make(map[string]time.Time),
	}, nil
}

// Handler serves the static page at / and the socket at /ws.
func (w *WebUIChannel) Handler(ctx context.Context) (http.Handler, error) {
	staticFS, err := fs.Sub(staticFiles, "static")
	if err != nil {
		return nil, fmt.Errorf("embed static fs: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/", http.FileServer(http.FS(staticFS)))
	mux.HandleFunc("/ws", func(wr http.ResponseWriter, r *http.Request) {
		w.handleWS(ctx, wr, r)
	})
	return mux, nil
}

func (w *WebUIChannel) Start(ctx context.Context) error {
	handler, err := w.Handler(ctx)
	if err != nil {
		return err
	}
	w.server = &http.Server{
		Addr:              w.addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		w.logger.Info("listening", zap.String("addr", w.addr))
		if err := w.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			w.logger.Error("server error", zap.Error(err))
		}
	}()
	return nil
}

func (w *WebUIChannel) handleWS(ctx context.Context, wr http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(wr, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		w.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}

	clientID := fmt.Sprintf("webui-%d", w.nextID.Add(1))
	client := &wsClient{conn: conn, id: clientID}
	w.clients.Store(clientID, client)
	w.logger.Debug("client connected", zap.String("client", clientID))
	if err := w.write(client, wsMessage{Type: "welcome", Author: clientID, AuthorName: w.botName}); err != nil {
		conn.CloseNow()
		w.clients.Delete(clientID)
		return
	}

	defer func() {
		w.clients.Delete(clientID)
		conn.CloseNow()
		w.logger.Debug("client disconnected", zap.String("client", clientID))
	}()

	for {
		_, data, err := conn.Read(r.Context())
		if err != nil {
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type != "message" || strings.TrimSpace(msg.Content) == "" {
			continue
		}
		w.receive(ctx, client, msg)
	}
}

func (w *WebUIChannel) receive(ctx context.Context, client *wsClient, msg wsMessage) {
	if msg.Author == "" {
		msg.Author = client.id
	}
	if msg.AuthorName == "" {
		msg.AuthorName = msg.Author
	}
	if msg.Channel == "" {
		msg.Channel = defaultRoom
	}

	if !w.IsAllowed(msg.Author) {
		w.logger.Debug("rejected message", zap.String("author", msg.Author))
		return
	}
	if until, ok := w.mutedUntil(msg.Author); ok {
		w.write(client, wsMessage{
			Type:    "timeout",
			Channel: msg.Channel,
			Author:  msg.Author,
			Content: "muted until " + until.Format(time.Kitchen),
		})
		return
	}

	msg.ID = w.newMessageID()
	w.remember(msg.Channel, msg.ID, msg.Author, msg.AuthorName)
	w.broadcast(msg)

	w.publish(ctx, bus.InboundMessage{
		Channel:       webUIChannelName,
		MessageID:     msg.ID,
		SenderID:      msg.Author,
		SenderName:    msg.AuthorName,
		SenderMention: "@" + msg.AuthorName,
		ChatID:        msg.Channel,
		Content:       msg.Content,
		Timestamp:     w.now(),
		Mentions:      msg.Mentions,
		MentionNames:  handles(msg.Content),
		ReplyToID:     msg.ReplyTo,
		IsDM:          msg.DM,
	})
}

// handles returns the @words in content.
func handles(content string) []string {
	var out []string
	for _, f := range strings.Fields(content) {
		if !strings.HasPrefix(f, "@") {
			continue
		}
		h := strings.TrimRight(strings.TrimPrefix(f, "@"), ".,!?;:")
		if h != "" {
			out = append(out, h)
		}
	}
	return out
}

func (w *WebUIChannel) newMessageID() string {
	return fmt.Sprintf("w-%d", w.nextMsg.Add(1))
}

func (w *WebUIChannel) remember(room, id, authorID, authorName string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.seen[room+":"+id] = seenMessage{authorID: authorID, authorName: authorName}
	if len(w.seen) > seenMessagesCap {
		// message ids are sequential, so the oldest has the smallest number
		var oldest string
		oldestN := int64(-1)
		for k := range w.seen {
			n, _ := strconv.ParseInt(k[strings.LastIndex(k, "-")+1:], 10, 64)
			if oldestN < 0 || n < oldestN {
				oldest, oldestN = k, n
			}
		}
		delete(w.seen, oldest)
	}
}

func (w *WebUIChannel) mutedUntil(author string) (time.Time, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	until, ok := w.muted[author]
	if !ok {
		return time.Time{}, false
	}
	if !w.now().Before(until) {
		delete(w.muted, author)
		return time.Time{}, false
	}
	return until, true
}

func (w *WebUIChannel) write(c *wsClient, msg wsMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (w *WebUIChannel) broadcast(msg wsMessage) {
	w.clients.Range(func(key, value any) bool {
		c := value.(*wsClient)
		if err := w.write(c, msg); err != nil {
			w.logger.Debug("write failed", zap.String("client", c.id), zap.Error(err))
		}
		return true
	})
}

func (w *WebUIChannel) Send(msg bus.OutboundMessage) error {
	_, err := w.Reply(context.Background(), msg.ChatID, msg.ReplyTo, msg.Content)
	return err
}

func (w *WebUIChannel) Post(ctx context.Context, chatID, text string) (string, error) {
	return w.Reply(ctx, chatID, "", text)
}

// Reply posts as the bot; an empty replyToID makes it a plain message.
func (w *WebUIChannel) Reply(ctx context.Context, chatID, replyToID, text string) (string, error) {
	if chatID == "" {
		chatID = defaultRoom
	}
	id := w.newMessageID()
	w.remember(chatID, id, webUIBotID, w.botName)
	w.broadcast(wsMessage{
		Type:       "message",
		ID:         id,
		Channel:    chatID,
		Author:     webUIBotID,
		AuthorName: w.botName,
		Content:    text,
		ReplyTo:    replyToID,
	})
	return id, nil
}

func (w *WebUIChannel) Delete(ctx context.Context, chatID, messageID string) error {
	w.mu.Lock()
	_, ok := w.seen[chatID+":"+messageID]
	w.mu.Unlock()
	if !ok {
		return fmt.Errorf("message %s: %w", messageID, ErrNotFound)
	}
	w.broadcast(wsMessage{Type: "delete", ID: messageID, Channel: chatID})
	return nil
}

// Timeout mutes userID across every room.
func (w *WebUIChannel) Timeout(ctx context.Context, chatID, userID string, d time.Duration, reason string) error {
	w.mu.Lock()
	w.muted[userID] = w.now().Add(d)
	w.mu.Unlock()
	w.broadcast(wsMessage{Type: "timeout", Channel: chatID, Author: userID, Content: reason})
	return nil
}

func (w *WebUIChannel) Typing(ctx context.Context, chatID string) error {
	w.broadcast(wsMessage{Type: "typing", Channel: chatID, Author: webUIBotID, AuthorName: w.botName})
	return nil
}

func (w *WebUIChannel) ReplyAuthor(ctx context.Context, chatID, messageID string) (string, string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	m, ok := w.seen[chatID+":"+messageID]
	if !ok {
		return "", "", fmt.Errorf("message %s in %s: %w", messageID, chatID, ErrNotFound)
	}
	return m.authorID, m.authorName, nil
}

func (w *WebUIChannel) Self() (string, string) { return webUIBotID, w.botName }

func (w *WebUIChannel) Stop() error {
	if w.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		if err := w.server.Shutdown(ctx); err != nil {
			w.logger.Warn("shutdown failed", zap.Error(err))
		}
	}
	w.clients.Range(func(key, value any) bool {
		value.(*wsClient).conn.CloseNow()
		return true
	})
	w.logger.Info("stopped")
	return nil
}
