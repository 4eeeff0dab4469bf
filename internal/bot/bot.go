package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"feedrelay/internal/config"
	"feedrelay/internal/delivery"
	"feedrelay/internal/digest"
	"feedrelay/internal/feed"
	"feedrelay/internal/fetcher"
	"feedrelay/internal/poller"
	"feedrelay/internal/storage"
	"feedrelay/internal/youtube"
)

type telegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Bot is the Telegram front end: it handles user commands and serves as
// the delivery sink for outgoing notifications.
type Bot struct {
	api      telegramAPI
	store    storage.Storage
	cfg      *config.Config
	fetcher  *fetcher.Fetcher
	parser   *feed.Parser
	resolver *youtube.Resolver
	coord    *delivery.Coordinator
	digests  *digest.Aggregator
	poller   *poller.Poller
	log      *slog.Logger
}

// New creates a Bot with the given Telegram token, storage, and config.
// The delivery coordinator, digest aggregator and poller are wired in
// afterwards via the Set methods.
func New(token string, store storage.Storage, cfg *config.Config, log *slog.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot api: %w", err)
	}

	client := fetcher.NewHTTPClient()
	f := fetcher.New(client)
	f.SetTimeout(time.Duration(cfg.FetchTimeoutSec) * time.Second)

	return &Bot{
		api:      api,
		store:    store,
		cfg:      cfg,
		fetcher:  f,
		parser:   feed.NewParser(),
		resolver: youtube.NewResolver(client),
		log:      log,
	}, nil
}

// SetCoordinator wires the delivery coordinator used by pull, backfill
// and check commands.
func (b *Bot) SetCoordinator(c *delivery.Coordinator) {
	b.coord = c
}

// SetAggregator wires the digest aggregator used by the digest command.
func (b *Bot) SetAggregator(a *digest.Aggregator) {
	b.digests = a
}

// SetPoller wires the poller used by the check command.
func (b *Bot) SetPoller(p *poller.Poller) {
	b.poller = p
}

// Run starts the bot's long-polling loop, blocking until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return
		case update := <-updates:
			if update.CallbackQuery != nil {
				b.handleCallback(ctx, update.CallbackQuery)
				continue
			}
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}
			if !b.cfg.IsUserAllowed(update.Message.From.ID) {
				b.reply(update.Message.Chat.ID, "Access denied.")
				continue
			}
			b.handleCommand(ctx, update.Message)
		}
	}
}

// Send implements delivery.Sink. Rate limiting and Telegram server
// errors are classified transient so the coordinator retries them;
// anything the API rejects outright is permanent.
func (b *Bot) Send(ctx context.Context, chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.DisableWebPagePreview = true

	_, err := b.api.Send(msg)
	if err == nil {
		return nil
	}

	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == 429:
			return &delivery.TransientError{
				Err:        err,
				RetryAfter: time.Duration(apiErr.RetryAfter) * time.Second,
			}
		case apiErr.Code >= 500:
			return &delivery.TransientError{Err: err}
		default:
			return &delivery.PermanentError{Reason: apiErr.Message}
		}
	}

	// Transport-level failure, worth retrying.
	return &delivery.TransientError{Err: err}
}

// SendMessage sends a text message to the given chat, logging failures.
func (b *Bot) SendMessage(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.DisableWebPagePreview = true
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send message", "chat_id", chatID, "error", err)
	}
}

func (b *Bot) reply(chatID int64, text string) {
	b.SendMessage(chatID, text)
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	cmd := msg.Command()
	args := strings.TrimSpace(msg.CommandArguments())
	chatID := msg.Chat.ID

	b.log.Debug("command", "cmd", cmd, "args", args, "chat_id", chatID)

	switch cmd {
	case "start":
		b.handleStart(chatID)
	case "help":
		b.handleHelp(chatID)
	case "add":
		b.handleAdd(ctx, chatID, args)
	case "channel":
		b.handleChannel(ctx, chatID, args)
	case "playlist":
		b.handlePlaylist(ctx, chatID, args)
	case "list":
		b.handleList(ctx, chatID)
	case cmdInfo:
		b.handleInfo(ctx, chatID, args)
	case "remove":
		b.handleRemove(ctx, chatID, args)
	case "rename":
		b.handleRename(ctx, chatID, args)
	case "interval":
		b.handleInterval(ctx, chatID, args)
	case cmdMute:
		b.handleMute(ctx, chatID, args)
	case cmdUnmute:
		b.handleUnmute(ctx, chatID, args)
	case "setmode":
		b.handleSetMode(ctx, chatID, args)
	case "setrules":
		b.handleSetRules(ctx, chatID, args)
	case "rules":
		b.handleRules(ctx, chatID, args)
	case cmdDigest:
		b.handleDigest(ctx, chatID, args)
	case "pull":
		b.handlePull(ctx, chatID, args)
	case "backfill":
		b.handleBackfill(ctx, chatID, args)
	case cmdCheck:
		b.handleCheck(ctx, chatID, args)
	case "tz":
		b.handleTimezone(ctx, chatID, args)
	default:
		b.reply(chatID, "Unknown command. Use /help for a list of commands.")
	}
}
