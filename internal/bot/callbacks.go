package bot

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"feedrelay/internal/model"
)

// Callback actions double as the command names they mirror.
const (
	cmdInfo   = "info"
	cmdMute   = "mute"
	cmdUnmute = "unmute"
	cmdDigest = "digest"
	cmdCheck  = "check"
	cmdDelete = "delete"
)

func (b *Bot) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	data := cb.Data
	chatID := cb.Message.Chat.ID

	callback := tgbotapi.NewCallback(cb.ID, "")
	if _, err := b.api.Request(callback); err != nil {
		b.log.Error("send callback ack", "error", err)
	}

	parts := strings.SplitN(data, ":", 2)
	if len(parts) != 2 {
		return
	}

	action := parts[0]
	idStr := parts[1]
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return
	}

	b.log.Info("callback",
		"action", action,
		"id", id,
		"chat_id", chatID,
		"user_id", cb.From.ID,
		"username", cb.From.UserName,
	)

	switch action {
	case cmdInfo:
		b.handleInfo(ctx, chatID, idStr)
	case cmdMute:
		b.handleMute(ctx, chatID, idStr)
	case cmdUnmute:
		b.handleUnmute(ctx, chatID, idStr)
	case cmdDigest:
		b.handleDigest(ctx, chatID, idStr)
	case cmdCheck:
		b.handleCheck(ctx, chatID, idStr)
	case cmdDelete:
		b.removeSubscription(ctx, chatID, id)
	}
}

// sendSubscriptionList sends the list text with a keyboard row of quick
// actions per subscription.
func (b *Bot) sendSubscriptionList(chatID int64, text string, subs []model.Subscription) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.DisableWebPagePreview = true
	if len(subs) > 0 {
		msg.ReplyMarkup = subscriptionKeyboard(subs)
	}
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send subscription list", "chat_id", chatID, "error", err)
	}
}

func subscriptionKeyboard(subs []model.Subscription) tgbotapi.InlineKeyboardMarkup {
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(subs))
	for _, s := range subs {
		toggle := tgbotapi.NewInlineKeyboardButtonData(
			fmt.Sprintf("Mute #%d", s.ID), fmt.Sprintf("%s:%d", cmdMute, s.ID))
		if !s.Enabled {
			toggle = tgbotapi.NewInlineKeyboardButtonData(
				fmt.Sprintf("Unmute #%d", s.ID), fmt.Sprintf("%s:%d", cmdUnmute, s.ID))
		}

		row := []tgbotapi.InlineKeyboardButton{
			tgbotapi.NewInlineKeyboardButtonData(
				fmt.Sprintf("Info #%d", s.ID), fmt.Sprintf("%s:%d", cmdInfo, s.ID)),
			toggle,
		}
		if s.Mode == model.ModeDigest {
			row = append(row, tgbotapi.NewInlineKeyboardButtonData(
				fmt.Sprintf("Digest #%d", s.ID), fmt.Sprintf("%s:%d", cmdDigest, s.ID)))
		} else {
			row = append(row, tgbotapi.NewInlineKeyboardButtonData(
				fmt.Sprintf("Check #%d", s.ID), fmt.Sprintf("%s:%d", cmdCheck, s.ID)))
		}
		rows = append(rows, row)
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

func (b *Bot) sendRemoveConfirm(chatID int64, sub *model.Subscription) {
	msg := tgbotapi.NewMessage(chatID,
		fmt.Sprintf("Remove #%d \"%s\"? Its stored entries and delivery history go with it.", sub.ID, sub.Name))
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Yes, remove", fmt.Sprintf("%s:%d", cmdDelete, sub.ID)),
			tgbotapi.NewInlineKeyboardButtonData("Cancel", "noop:0"),
		),
	)
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send remove confirmation", "error", err)
	}
}
