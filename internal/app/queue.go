package app

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	tele "gopkg.in/telebot.v3"
)

// ==========================================
// ОЧЕРЕДЬ ОБРАБОТКИ ФАЙЛОВ
// ==========================================

// FileManager гоняет задачи переименования: скачать файл, отдать обратно
// документом с новым именем, подписью и миниатюрой пользователя.
type FileManager struct {
	bot   *tele.Bot
	tasks chan uint
	quit  chan struct{}
}

func NewFileManager(b *tele.Bot) *FileManager {
	return &FileManager{
		bot:   b,
		tasks: make(chan uint, config.MaxQueueSize),
		quit:  make(chan struct{}),
	}
}

func (fm *FileManager) StartWorkers(n int) {
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("queue-worker-%d", i+1)
		safeGo(name, func() { fm.workerLoop(name) })
	}
	// Подбирает pending-задачи, не попавшие в канал (рестарт, переполнение).
	safeGo("queue-poller", fm.pollLoop)
	log.Printf("⚙️ Очередь запущена: %d воркеров", n)
}

func (fm *FileManager) Stop() {
	close(fm.quit)
}

// Submit ставит задачу в БД и будит воркера.
func (fm *FileManager) Submit(item *QueueItem) error {
	pending := dataManager.CountQueue(queuePending) + dataManager.CountQueue(queueProcessing)
	if pending >= int64(config.MaxQueueSize) {
		return fmt.Errorf("queue is full (%d items)", pending)
	}
	if err := dataManager.Enqueue(item); err != nil {
		return err
	}
	select {
	case fm.tasks <- item.ID:
	default:
		// Канал переполнен — задачу позже заберет poller.
	}
	return nil
}

func (fm *FileManager) workerLoop(name string) {
	for {
		select {
		case <-fm.quit:
			return
		case id := <-fm.tasks:
			fm.process(id)
		}
	}
}

func (fm *FileManager) pollLoop() {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-fm.quit:
			return
		case <-ticker.C:
			item, err := dataManager.NextPending()
			if err != nil || item == nil {
				continue
			}
			select {
			case fm.tasks <- item.ID:
			default:
			}
		}
	}
}

func (fm *FileManager) process(id uint) {
	if !dataManager.ClaimQueueItem(id) {
		return
	}
	item, err := dataManager.GetQueueItem(id)
	if err != nil || item == nil {
		return
	}
	log.Printf("⚙️ Задача #%d: %s -> %s (user %d)", id, item.OriginalName, item.NewName, item.UserID)

	if err := fm.rename(item); err != nil {
		log.Printf("❌ Задача #%d провалена: %v", id, err)
		dataManager.MarkQueueStatus(id, queueFailed, err.Error())
		_, _ = fm.bot.Send(tele.ChatID(item.ChatID),
			fmt.Sprintf("❌ Failed to process <b>%s</b>: %s", item.OriginalName, err.Error()),
			tele.ModeHTML)
		return
	}

	dataManager.MarkQueueStatus(id, queueCompleted, "")
	dataManager.AddFileStats(item.UserID, item.FileSize)
	logToChannel(fm.bot, fmt.Sprintf("📦 #%d: %s -> %s (user %d, %s)",
		id, item.OriginalName, item.NewName, item.UserID, formatBytes(uint64(item.FileSize))))
}

func (fm *FileManager) rename(item *QueueItem) error {
	localPath := filepath.Join(dirDownloads, fmt.Sprintf("%d_%s", item.ID, sanitizeUploadName(item.OriginalName)))
	defer os.Remove(localPath)

	if err := fm.bot.Download(&tele.File{FileID: item.FileID}, localPath); err != nil {
		return fmt.Errorf("download: %w", err)
	}

	doc := &tele.Document{
		File:     tele.FromDisk(localPath),
		FileName: item.NewName,
		Caption:  item.Caption,
	}
	if thumb := thumbManager.PathFor(item.UserID); thumb != "" {
		doc.Thumbnail = &tele.Photo{File: tele.FromDisk(thumb)}
	}

	return sendWithRetry(3, time.Second, func() error {
		_, err := fm.bot.Send(tele.ChatID(item.ChatID), doc)
		return err
	})
}

// queueStatusText — сводка очереди пользователя для /queue.
func queueStatusText(userID int64) string {
	items, err := dataManager.UserQueue(userID, 15)
	if err != nil {
		return "❌ Failed to load queue."
	}
	if len(items) == 0 {
		return "📭 Your queue is empty."
	}

	icons := map[string]string{
		queuePending:    "⏳",
		queueProcessing: "⚙️",
		queueCompleted:  "✅",
		queueFailed:     "❌",
	}
	var b strings.Builder
	b.WriteString("📋 <b>Your queue</b>\n\n")
	for _, item := range items {
		icon := icons[item.Status]
		if icon == "" {
			icon = "❔"
		}
		fmt.Fprintf(&b, "%s #%d <code>%s</code>", icon, item.ID, shorten(item.NewName, 40))
		if item.Status == queueFailed && item.ErrorMessage != "" {
			fmt.Fprintf(&b, " — %s", shorten(item.ErrorMessage, 60))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func logToChannel(b *tele.Bot, text string) {
	if config.LogChannelID == 0 {
		return
	}
	if _, err := b.Send(tele.ChatID(config.LogChannelID), text); err != nil {
		log.Printf("⚠️ Не удалось отправить лог в канал: %v", err)
	}
}
