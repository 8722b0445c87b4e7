package app

import (
	"fmt"
	"log"
	"sync"
	"time"

	tele "gopkg.in/telebot.v3"
)

// ==========================================
// РАССЫЛКИ
// ==========================================

type BroadcastManager struct {
	bot    *tele.Bot
	mu     sync.Mutex
	active map[uint]chan struct{} // id -> сигнал остановки
}

func NewBroadcastManager(b *tele.Bot) *BroadcastManager {
	return &BroadcastManager{
		bot:    b,
		active: make(map[uint]chan struct{}),
	}
}

// Prepare создает запись рассылки и возвращает ее id и число адресатов.
func (bm *BroadcastManager) Prepare(adminID int64, message string) (uint, int, error) {
	ids, err := dataManager.ListUserIDs()
	if err != nil {
		return 0, 0, err
	}
	id, err := dataManager.CreateBroadcast(adminID, message, len(ids))
	if err != nil {
		return 0, 0, err
	}
	return id, len(ids), nil
}

// Start запускает отправку в фоне. Прогресс пишется в progressMsg.
func (bm *BroadcastManager) Start(id uint, message string, progressMsg *tele.Message) {
	stop := make(chan struct{})
	bm.mu.Lock()
	bm.active[id] = stop
	bm.mu.Unlock()

	safeGo(fmt.Sprintf("broadcast-%d", id), func() {
		bm.execute(id, message, progressMsg, stop)
	})
}

// Stop просит активную рассылку остановиться.
func (bm *BroadcastManager) Stop(id uint) bool {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	stop, ok := bm.active[id]
	if !ok {
		return false
	}
	close(stop)
	delete(bm.active, id)
	return true
}

func (bm *BroadcastManager) execute(id uint, message string, progressMsg *tele.Message, stop chan struct{}) {
	defer func() {
		bm.mu.Lock()
		delete(bm.active, id)
		bm.mu.Unlock()
	}()

	ids, err := dataManager.ListUserIDs()
	if err != nil {
		log.Printf("❌ Рассылка #%d: не удалось получить пользователей: %v", id, err)
		dataManager.UpdateBroadcast(id, 0, 0, "failed")
		return
	}

	log.Printf("📣 Рассылка #%d: %d адресатов", id, len(ids))
	dataManager.UpdateBroadcast(id, 0, 0, "running")
	delay := time.Duration(config.BroadcastDelayMS) * time.Millisecond
	started := time.Now()

	success, failed := 0, 0
	for i, userID := range ids {
		select {
		case <-stop:
			log.Printf("⏹ Рассылка #%d остановлена на %d/%d", id, i, len(ids))
			dataManager.UpdateBroadcast(id, success, failed, "stopped")
			bm.editProgress(progressMsg, id, success, failed, len(ids), "stopped")
			return
		default:
		}

		_, err := bm.bot.Send(tele.ChatID(userID), message, tele.ModeHTML)
		if err != nil {
			failed++
		} else {
			success++
		}

		if (i+1)%25 == 0 {
			dataManager.UpdateBroadcast(id, success, failed, "running")
			bm.editProgress(progressMsg, id, success, failed, len(ids), "running")
		}
		time.Sleep(delay)
	}

	dataManager.UpdateBroadcast(id, success, failed, "completed")
	bm.editProgress(progressMsg, id, success, failed, len(ids), "completed")
	log.Printf("✅ Рассылка #%d завершена за %s: %d ok, %d fail",
		id, formatDuration(time.Since(started)), success, failed)
}

func (bm *BroadcastManager) editProgress(msg *tele.Message, id uint, success, failed, total int, status string) {
	if msg == nil {
		return
	}
	text := fmt.Sprintf("📣 <b>Broadcast #%d</b> (%s)\n\n✅ Sent: %d\n❌ Failed: %d\n👥 Total: %d",
		id, status, success, failed, total)
	if _, err := bm.bot.Edit(msg, text, tele.ModeHTML); err != nil {
		log.Printf("⚠️ Не удалось обновить прогресс рассылки #%d: %v", id, err)
	}
}

// estimateBroadcastTime — грубая оценка длительности для подтверждения.
func estimateBroadcastTime(targets int, delayMS int) string {
	return formatDuration(time.Duration(targets*delayMS) * time.Millisecond)
}
