package app

import (
	"fmt"
	"log"
	"strings"

	tele "gopkg.in/telebot.v3"
)

// ==========================================
// ОБЯЗАТЕЛЬНАЯ ПОДПИСКА
// ==========================================

// isSubscribedEverywhere проверяет членство пользователя во всех активных
// каналах. При ошибке API считаем, что подписка есть — бот не должен
// блокировать людей из-за сетевых сбоев.
func isSubscribedEverywhere(b *tele.Bot, userID int64) bool {
	channels, err := dataManager.ActiveChannels()
	if err != nil || len(channels) == 0 {
		return true
	}
	for _, ch := range channels {
		member, err := b.ChatMemberOf(&tele.Chat{ID: ch.ID}, &tele.User{ID: userID})
		if err != nil {
			log.Printf("⚠️ Не удалось проверить подписку %d на %d: %v", userID, ch.ID, err)
			continue
		}
		switch member.Role {
		case tele.Creator, tele.Administrator, tele.Member:
			// подписан
		default:
			return false
		}
	}
	return true
}

// sendSubscriptionRequired показывает список каналов и кнопку перепроверки.
func sendSubscriptionRequired(c tele.Context) error {
	channels, err := dataManager.ActiveChannels()
	if err != nil || len(channels) == 0 {
		return nil
	}

	menu := &tele.ReplyMarkup{}
	var rows []tele.Row
	for _, ch := range channels {
		title := ch.Title
		if title == "" {
			title = fmt.Sprintf("Channel %d", ch.ID)
		}
		if ch.Username != "" {
			url := "https://t.me/" + strings.TrimPrefix(ch.Username, "@")
			rows = append(rows, menu.Row(menu.URL("📢 "+title, url)))
		}
	}
	rows = append(rows, menu.Row(menu.Data("✅ I've subscribed", "sub_check")))
	menu.Inline(rows...)

	return c.Send(
		"🔒 <b>Subscription required</b>\n\nPlease join the channels below, then press the button.",
		menu, tele.ModeHTML)
}

func handleSubscriptionCheck(c tele.Context) error {
	if isSubscribedEverywhere(c.Bot(), c.Sender().ID) {
		_ = c.Delete()
		return c.Send("✅ Thank you! You can use the bot now. Send me a file to rename.")
	}
	return c.Respond(&tele.CallbackResponse{Text: "Not all subscriptions found. Join the channels first.", ShowAlert: true})
}
