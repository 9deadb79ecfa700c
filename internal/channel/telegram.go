package channel

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf16"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/qooode/solbot/internal/bus"
	"github.com/qooode/solbot/internal/config"
)

const (
	telegramChannelName = "telegram"

	// Telegram rejects messages over 4096 characters.
	telegramMaxLen = 4000

	seenMessagesCap = 2000
	memberCacheTTL  = 10 * time.Minute
)

// TelegramBot is the slice of the Bot API the channel uses, so tests can
// substitute it.
type TelegramBot interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetChatMember(config tgbotapi.GetChatMemberConfig) (tgbotapi.ChatMember, error)
	GetSelf() tgbotapi.User
}

type tgBotWrapper struct {
	bot *tgbotapi.BotAPI
}

func (w *tgBotWrapper) GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return w.bot.GetUpdatesChan(config)
}

func (w *tgBotWrapper) StopReceivingUpdates() {
	w.bot.StopReceivingUpdates()
}

func (w *tgBotWrapper) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	return w.bot.Send(c)
}

func (w *tgBotWrapper) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	return w.bot.Request(c)
}

func (w *tgBotWrapper) GetChatMember(config tgbotapi.GetChatMemberConfig) (tgbotapi.ChatMember, error) {
	return w.bot.GetChatMember(config)
}

func (w *tgBotWrapper) GetSelf() tgbotapi.User {
	return w.bot.Self
}

// BotFactory creates TelegramBot instances.
type BotFactory func(token, apiEndpoint string, client *http.Client) (TelegramBot, error)

var defaultBotFactory BotFactory = func(token, apiEndpoint string, client *http.Client) (TelegramBot, error) {
	bot, err := tgbotapi.NewBotAPIWithClient(token, apiEndpoint, client)
	if err != nil {
		return nil, err
	}
	return &tgBotWrapper{bot: bot}, nil
}

type seenMessage struct {
	authorID   string
	authorName string
}

type memberEntry struct {
	roles   []string
	expires time.Time
}

type TelegramChannel struct {
	BaseChannel
	token      string
	proxy      string
	botFactory BotFactory
	logger     *zap.Logger
	now        func() time.Time

	mu     sync.RWMutex
	bot    TelegramBot
	cancel context.CancelFunc

	seenMu    sync.Mutex
	seen      map[string]seenMessage
	seenOrder []string

	membersMu sync.Mutex
	members   map[string]memberEntry
}

func NewTelegramChannel(cfg config.TelegramConfig, b *bus.MessageBus, logger *zap.Logger) (*TelegramChannel, error) {
	return NewTelegramChannelWithFactory(cfg, b, logger, defaultBotFactory)
}

// NewTelegramChannelWithFactory creates a TelegramChannel whose bot comes
// from factory.
func NewTelegramChannelWithFactory(cfg config.TelegramConfig, b *bus.MessageBus, logger *zap.Logger, factory BotFactory) (*TelegramChannel, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram token is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TelegramChannel{
		BaseChannel: NewBaseChannel(telegramChannelName, b, cfg.AllowFrom),
		token:       cfg.Token,
		proxy:       cfg.Proxy,
		botFactory:  factory,
		logger:      logger.Named("telegram"),
		now:         time.Now,
		seen:        make(map[string]seenMessage),
		members:     make(map[string]memberEntry),
	}, nil
}

func (t *TelegramChannel) initBot() error {
	client := http.DefaultClient
	if t.proxy != "" {
		proxyURL, err := url.Parse(t.proxy)
		if err != nil {
			return fmt.Errorf("parse proxy url: %w", err)
		}
		client = &http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		}
	}

	bot, err := t.botFactory(t.token, tgbotapi.APIEndpoint, client)
	if err != nil {
		return fmt.Errorf("create telegram bot: %w", err)
	}
	t.SetBot(bot)
	t.logger.Info("authorized", zap.String("username", bot.GetSelf().UserName))
	return nil
}

func (t *TelegramChannel) Start(ctx context.Context) error {
	if err := t.initBot(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.cancel = cancel
	bot := t.bot
	t.mu.Unlock()

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := bot.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message == nil {
					continue
				}
				t.handleMessage(ctx, update.Message)
			case <-ctx.Done():
				return
			}
		}
	}()

	t.logger.Info("polling started")
	return nil
}

func (t *TelegramChannel) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.From == nil || msg.Chat == nil {
		return
	}
	senderID := strconv.FormatInt(msg.From.ID, 10)
	chatID := strconv.FormatInt(msg.Chat.ID, 10)
	messageID := strconv.Itoa(msg.MessageID)
	t.remember(chatID, messageID, senderID, displayName(msg.From))

	if !t.IsAllowed(senderID) {
		t.logger.Debug("rejected message", zap.String("sender", senderID), zap.String("username", msg.From.UserName))
		return
	}

	content := msg.Text
	entities := msg.Entities
	if content == "" && msg.Caption != "" {
		content = msg.Caption
		entities = msg.CaptionEntities
	}
	if strings.TrimSpace(content) == "" {
		return
	}

	in := bus.InboundMessage{
		Channel:       telegramChannelName,
		MessageID:     messageID,
		SenderID:      senderID,
		SenderName:    displayName(msg.From),
		SenderMention: mentionOf(msg.From),
		ChatID:        chatID,
		Content:       content,
		Timestamp:     time.Unix(int64(msg.Date), 0),
		IsDM:          msg.Chat.IsPrivate(),
		Metadata: map[string]any{
			"username":   msg.From.UserName,
			"message_id": msg.MessageID,
		},
	}
	in.Mentions, in.MentionNames = t.mentions(content, entities)

	if r := msg.ReplyToMessage; r != nil {
		in.ReplyToID = strconv.Itoa(r.MessageID)
		if r.From != nil {
			in.ReplyToAuthorID = strconv.FormatInt(r.From.ID, 10)
			in.ReplyToAuthorName = displayName(r.From)
		}
	}
	if !in.IsDM {
		in.AuthorRoles = t.memberRoles(msg.Chat.ID, msg.From.ID)
	}

	t.publish(ctx, in)
}

// mentions splits entities into user ids (text mentions, or @handles that
// name the bot) and bare handles.
func (t *TelegramChannel) mentions(text string, entities []tgbotapi.MessageEntity) (ids, names []string) {
	var self tgbotapi.User
	if bot := t.currentBot(); bot != nil {
		self = bot.GetSelf()
	}
	for _, e := range entities {
		switch {
		case e.Type == "text_mention" && e.User != nil:
			ids = append(ids, strconv.FormatInt(e.User.ID, 10))
		case e.IsMention():
			handle := strings.TrimPrefix(entityText(text, e), "@")
			if handle == "" {
				continue
			}
			if self.UserName != "" && strings.EqualFold(handle, self.UserName) {
				ids = append(ids, strconv.FormatInt(self.ID, 10))
				continue
			}
			names = append(names, handle)
		}
	}
	return ids, names
}

// entityText cuts an entity out of text. Offsets count UTF-16 code units.
func entityText(text string, e tgbotapi.MessageEntity) string {
	units := utf16.Encode([]rune(text))
	if e.Offset < 0 || e.Length <= 0 || e.Offset+e.Length > len(units) {
		return ""
	}
	return string(utf16.Decode(units[e.Offset : e.Offset+e.Length]))
}

func (t *TelegramChannel) memberRoles(chatID, userID int64) []string {
	key := fmt.Sprintf("%d:%d", chatID, userID)
	now := t.now()

	t.membersMu.Lock()
	if e, ok := t.members[key]; ok && now.Before(e.expires) {
		t.membersMu.Unlock()
		return e.roles
	}
	t.membersMu.Unlock()

	bot := t.currentBot()
	if bot == nil {
		return nil
	}
	member, err := bot.GetChatMember(tgbotapi.GetChatMemberConfig{
		ChatConfigWithUser: tgbotapi.ChatConfigWithUser{ChatID: chatID, UserID: userID},
	})
	if err != nil {
		t.logger.Debug("get chat member failed", zap.Int64("chat", chatID), zap.Int64("user", userID), zap.Error(err))
		return nil
	}
	var roles []string
	if member.Status != "" {
		roles = append(roles, member.Status)
	}
	if member.CustomTitle != "" {
		roles = append(roles, member.CustomTitle)
	}

	t.membersMu.Lock()
	t.members[key] = memberEntry{roles: roles, expires: now.Add(memberCacheTTL)}
	t.membersMu.Unlock()
	return roles
}

func (t *TelegramChannel) remember(chatID, messageID, authorID, authorName string) {
	key := chatID + ":" + messageID
	t.seenMu.Lock()
	defer t.seenMu.Unlock()
	if _, ok := t.seen[key]; !ok {
		t.seenOrder = append(t.seenOrder, key)
	}
	t.seen[key] = seenMessage{authorID: authorID, authorName: authorName}
	for len(t.seenOrder) > seenMessagesCap {
		delete(t.seen, t.seenOrder[0])
		t.seenOrder = t.seenOrder[1:]
	}
}

// ReplyAuthor answers from messages seen since start; the Bot API has no
// message fetch.
func (t *TelegramChannel) ReplyAuthor(ctx context.Context, chatID, messageID string) (string, string, error) {
	t.seenMu.Lock()
	defer t.seenMu.Unlock()
	m, ok := t.seen[chatID+":"+messageID]
	if !ok {
		return "", "", fmt.Errorf("message %s in chat %s: %w", messageID, chatID, ErrNotFound)
	}
	return m.authorID, m.authorName, nil
}

func (t *TelegramChannel) Self() (string, string) {
	bot := t.currentBot()
	if bot == nil {
		return "", ""
	}
	u := bot.GetSelf()
	return strconv.FormatInt(u.ID, 10), u.UserName
}

func (t *TelegramChannel) Stop() error {
	t.mu.Lock()
	cancel, bot := t.cancel, t.bot
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if bot != nil {
		bot.StopReceivingUpdates()
	}
	t.logger.Info("stopped")
	return nil
}

// SetBot replaces the bot client.
func (t *TelegramChannel) SetBot(bot TelegramBot) {
	t.mu.Lock()
	t.bot = bot
	t.mu.Unlock()
}

func (t *TelegramChannel) currentBot() TelegramBot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.bot
}

func (t *TelegramChannel) Send(msg bus.OutboundMessage) error {
	replyTo := 0
	if msg.ReplyTo != "" {
		id, err := strconv.Atoi(msg.ReplyTo)
		if err != nil {
			return fmt.Errorf("invalid reply id %q: %w", msg.ReplyTo, err)
		}
		replyTo = id
	}
	_, err := t.sendText(msg.ChatID, msg.Content, replyTo)
	return err
}

func (t *TelegramChannel) Post(ctx context.Context, chatID, text string) (string, error) {
	return t.sendText(chatID, text, 0)
}

func (t *TelegramChannel) Reply(ctx context.Context, chatID, replyToID, text string) (string, error) {
	id, err := strconv.Atoi(replyToID)
	if err != nil {
		return "", fmt.Errorf("invalid reply id %q: %w", replyToID, err)
	}
	return t.sendText(chatID, text, id)
}

func (t *TelegramChannel) Delete(ctx context.Context, chatID, messageID string) error {
	bot, chat, err := t.target(chatID)
	if err != nil {
		return err
	}
	id, err := strconv.Atoi(messageID)
	if err != nil {
		return fmt.Errorf("invalid message id %q: %w", messageID, err)
	}
	if _, err := bot.Request(tgbotapi.NewDeleteMessage(chat, id)); err != nil {
		return fmt.Errorf("delete telegram message: %w", err)
	}
	return nil
}

// Timeout restricts the user from sending anything until now+d. Telegram has
// no audit reason, so reason is only logged.
func (t *TelegramChannel) Timeout(ctx context.Context, chatID, userID string, d time.Duration, reason string) error {
	bot, chat, err := t.target(chatID)
	if err != nil {
		return err
	}
	user, err := strconv.ParseInt(userID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid user id %q: %w", userID, err)
	}
	restrict := tgbotapi.RestrictChatMemberConfig{
		ChatMemberConfig: tgbotapi.ChatMemberConfig{ChatID: chat, UserID: user},
		UntilDate:        t.now().Add(d).Unix(),
		Permissions:      &tgbotapi.ChatPermissions{},
	}
	if _, err := bot.Request(restrict); err != nil {
		return fmt.Errorf("restrict telegram member: %w", err)
	}
	t.logger.Info("member restricted", zap.String("chat", chatID), zap.String("user", userID),
		zap.Duration("duration", d), zap.String("reason", reason))
	return nil
}

func (t *TelegramChannel) Typing(ctx context.Context, chatID string) error {
	bot, chat, err := t.target(chatID)
	if err != nil {
		return err
	}
	if _, err := bot.Request(tgbotapi.NewChatAction(chat, tgbotapi.ChatTyping)); err != nil {
		return fmt.Errorf("send chat action: %w", err)
	}
	return nil
}

func (t *TelegramChannel) target(chatID string) (TelegramBot, int64, error) {
	bot := t.currentBot()
	if bot == nil {
		return nil, 0, fmt.Errorf("telegram bot not initialized")
	}
	chat, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, 0, fmt.Errorf("invalid chat id %q: %w", chatID, err)
	}
	return bot, chat, nil
}

// sendText delivers text in chunks, replying to replyTo with the first one
// when it is set, and returns the id of the first message sent.
func (t *TelegramChannel) sendText(chatID, text string, replyTo int) (string, error) {
	bot, chat, err := t.target(chatID)
	if err != nil {
		return "", err
	}

	content := toTelegramHTML(text)
	var first string
	for len(content) > 0 {
		chunk := content
		if len(chunk) > telegramMaxLen {
			if idx := strings.LastIndex(chunk[:telegramMaxLen], "\n"); idx > 0 {
				chunk = chunk[:idx]
			} else {
				chunk = chunk[:telegramMaxLen]
			}
		}
		content = content[len(chunk):]

		tgMsg := tgbotapi.NewMessage(chat, chunk)
		tgMsg.ParseMode = tgbotapi.ModeHTML
		if first == "" && replyTo != 0 {
			tgMsg.ReplyToMessageID = replyTo
			tgMsg.AllowSendingWithoutReply = true
		}
		sent, err := bot.Send(tgMsg)
		if err != nil {
			// Retry the whole text without HTML parse mode.
			tgMsg.ParseMode = ""
			tgMsg.Text = text
			sent, err = bot.Send(tgMsg)
			if err != nil {
				return first, fmt.Errorf("send telegram message: %w", err)
			}
			content = ""
		}
		id := strconv.Itoa(sent.MessageID)
		if first == "" {
			first = id
		}
		self := bot.GetSelf()
		t.remember(chatID, id, strconv.FormatInt(self.ID, 10), self.UserName)
	}
	return first, nil
}

func displayName(u *tgbotapi.User) string {
	if u.FirstName != "" {
		return u.FirstName
	}
	return u.UserName
}

func mentionOf(u *tgbotapi.User) string {
	if u.UserName != "" {
		return "@" + u.UserName
	}
	return u.FirstName
}

// toTelegramHTML converts basic markdown to Telegram HTML.
func toTelegramHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")

	// ```...``` -> <pre>...</pre>, dropping a language tag
	for {
		start := strings.Index(s, "```")
		if start == -1 {
			break
		}
		end := strings.Index(s[start+3:], "```")
		if end == -1 {
			break
		}
		end += start + 3
		code := s[start+3 : end]
		if nl := strings.Index(code, "\n"); nl >= 0 {
			firstLine := strings.TrimSpace(code[:nl])
			if len(firstLine) > 0 && !strings.Contains(firstLine, " ") {
				code = code[nl+1:]
			}
		}
		s = s[:start] + "<pre>" + code + "</pre>" + s[end+3:]
	}

	s = wrapPairs(s, "`", "<code>", "</code>")
	s = wrapPairs(s, "**", "<b>", "</b>")
	// after bold so ** is already consumed
	s = wrapPairs(s, "*", "<i>", "</i>")
	return s
}

func wrapPairs(s, marker, open, end string) string {
	for {
		start := strings.Index(s, marker)
		if start == -1 {
			return s
		}
		stop := strings.Index(s[start+len(marker):], marker)
		if stop == -1 {
			return s
		}
		stop += start + len(marker)
		s = s[:start] + open + s[start+len(marker):stop] + end + s[stop+len(marker):]
	}
}
