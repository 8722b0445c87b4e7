package app

import (
	"bytes"
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v3"
)

// ==========================================
// СОСТОЯНИЯ ДИАЛОГА
// ==========================================

const (
	stateIdle          = ""
	stateAwaitNewName  = "awaiting_new_name"
	stateAwaitSavePat  = "awaiting_pattern_save"
	stateAwaitAutoPat  = "awaiting_auto_pattern"
	stateAwaitPreview  = "awaiting_preview"
	stateAwaitCaption  = "awaiting_caption"
	stateAwaitThumb    = "awaiting_thumbnail"
	stateAwaitBcast    = "awaiting_broadcast"
	stateAwaitBatchPat = "awaiting_batch_pattern"
)

const maxBatchFiles = 50

// pendingFile — последний присланный файл, ждущий решения пользователя.
type pendingFile struct {
	FileID string
	Name   string
	Size   int64
	Type   string
	ChatID int64
}

type pendingBroadcast struct {
	ID      uint
	Message string
}

var (
	userStates   = make(map[int64]string)
	userStatesMu sync.Mutex

	pendingFiles   = make(map[int64]*pendingFile)
	pendingFilesMu sync.Mutex

	pendingBcasts   = make(map[int64]pendingBroadcast)
	pendingBcastsMu sync.Mutex

	// Пакетное переименование: файлы копятся до /batch_done.
	batchFiles = make(map[int64][]*pendingFile)
	batchMode  = make(map[int64]bool)
	batchMu    sync.Mutex

	// --- ANTI-SPAM ---
	userLastReq   = make(map[int64]time.Time)
	userLastReqMu sync.Mutex
)

func getState(userID int64) string {
	userStatesMu.Lock()
	defer userStatesMu.Unlock()
	return userStates[userID]
}

func setState(userID int64, state string) {
	userStatesMu.Lock()
	defer userStatesMu.Unlock()
	if state == stateIdle {
		delete(userStates, userID)
		return
	}
	userStates[userID] = state
}

func setPendingFile(userID int64, f *pendingFile) {
	pendingFilesMu.Lock()
	defer pendingFilesMu.Unlock()
	if f == nil {
		delete(pendingFiles, userID)
		return
	}
	pendingFiles[userID] = f
}

func getPendingFile(userID int64) (*pendingFile, bool) {
	pendingFilesMu.Lock()
	defer pendingFilesMu.Unlock()
	f, ok := pendingFiles[userID]
	return f, ok
}

// batchAppend кладет файл в пакет пользователя. added=false при переполнении,
// active=false — пакетный режим не включен.
func batchAppend(userID int64, f *pendingFile) (n int, added, active bool) {
	batchMu.Lock()
	defer batchMu.Unlock()
	if !batchMode[userID] {
		return 0, false, false
	}
	files := batchFiles[userID]
	if len(files) >= maxBatchFiles {
		return len(files), false, true
	}
	batchFiles[userID] = append(files, f)
	return len(files) + 1, true, true
}

func batchTake(userID int64) []*pendingFile {
	batchMu.Lock()
	defer batchMu.Unlock()
	files := batchFiles[userID]
	delete(batchFiles, userID)
	delete(batchMode, userID)
	return files
}

func batchStart(userID int64) {
	batchMu.Lock()
	defer batchMu.Unlock()
	batchMode[userID] = true
	delete(batchFiles, userID)
}

func batchCount(userID int64) int {
	batchMu.Lock()
	defer batchMu.Unlock()
	return len(batchFiles[userID])
}

func cleanupRateLimits(maxAge time.Duration) {
	cutoff := time.Now().Add(-maxAge)
	userLastReqMu.Lock()
	for id, t := range userLastReq {
		if t.Before(cutoff) {
			delete(userLastReq, id)
		}
	}
	userLastReqMu.Unlock()
}

// ==========================================
// МЕНЮ И КНОПКИ
// ==========================================

var (
	fileMenu       = &tele.ReplyMarkup{}
	btnFileRename  = fileMenu.Data("✏️ Rename", "file_rename")
	btnFilePattern = fileMenu.Data("🧩 Use pattern", "file_pattern")
	btnFileAsIs    = fileMenu.Data("📤 Keep name", "file_keep")
	btnFileCancel  = fileMenu.Data("❌ Cancel", "file_cancel")

	bcastConfirmMenu = &tele.ReplyMarkup{}
	btnBcastYes      = bcastConfirmMenu.Data("📣 Send", "bcast_confirm")
	btnBcastNo       = bcastConfirmMenu.Data("❌ Cancel", "bcast_cancel")
)

func InitMenus() {
	fileMenu.Inline(
		fileMenu.Row(btnFileRename, btnFilePattern),
		fileMenu.Row(btnFileAsIs, btnFileCancel),
	)
	bcastConfirmMenu.Inline(
		bcastConfirmMenu.Row(btnBcastYes, btnBcastNo),
	)
}

// ==========================================
// РЕГИСТРАЦИЯ ХЕНДЛЕРОВ
// ==========================================

func RegisterHandlers(b *tele.Bot) {
	// Общий middleware: регистрация, антиспам.
	b.Use(func(next tele.HandlerFunc) tele.HandlerFunc {
		return func(c tele.Context) error {
			sender := c.Sender()
			if sender == nil {
				return next(c)
			}

			// Rate Limit
			userLastReqMu.Lock()
			last, exists := userLastReq[sender.ID]
			if exists && time.Since(last) < 500*time.Millisecond {
				userLastReqMu.Unlock()
				return nil
			}
			userLastReq[sender.ID] = time.Now()
			userLastReqMu.Unlock()

			dataManager.UpsertUser(sender.ID, sender.Username, sender.FirstName, sender.LastName)
			return next(c)
		}
	})

	// Основные команды
	b.Handle("/start", HandleStart)
	b.Handle("/help", HandleHelp)
	b.Handle("/id", HandleID)
	b.Handle("/rename", HandleRename)
	b.Handle("/batch_rename", HandleBatchRename)
	b.Handle("/batch_done", HandleBatchDone)
	b.Handle("/batch_cancel", HandleBatchCancel)
	b.Handle("/queue", HandleQueue)

	// Шаблоны
	b.Handle("/pattern", HandlePatternHelp)
	b.Handle("/patterns", HandlePatternList)
	b.Handle("/pattern_save", HandlePatternSave)
	b.Handle("/del_pattern", HandlePatternDelete)
	b.Handle("/preview", HandlePreview)
	b.Handle("/auto_rename", HandleAutoRename)
	b.Handle("/auto_off", HandleAutoOff)
	b.Handle("/reset_counters", HandleResetCounters)

	// Персонализация
	b.Handle("/settings", HandleSettings)
	b.Handle("/caption", HandleCaption)
	b.Handle("/set_thumbnail", HandleSetThumbnail)
	b.Handle("/del_thumbnail", HandleDelThumbnail)
	b.Handle("/view_thumbnail", HandleViewThumbnail)

	// Админ
	b.Handle("/stats", HandleStats)
	b.Handle("/broadcast", HandleBroadcast)
	b.Handle("/broadcasts", HandleBroadcastList)
	b.Handle("/add_channel", HandleAddChannel)
	b.Handle("/del_channel", HandleDelChannel)
	b.Handle("/channels", HandleChannels)

	// Кнопки файла
	b.Handle(&btnFileRename, func(c tele.Context) error {
		_ = c.Respond()
		if _, ok := getPendingFile(c.Sender().ID); !ok {
			return tryEdit(c, "⌛ This file is no longer available. Send it again.")
		}
		setState(c.Sender().ID, stateAwaitNewName)
		return tryEdit(c, "✏️ Send the new filename (extension is kept automatically).")
	})
	b.Handle(&btnFilePattern, func(c tele.Context) error {
		_ = c.Respond()
		if _, ok := getPendingFile(c.Sender().ID); !ok {
			return tryEdit(c, "⌛ This file is no longer available. Send it again.")
		}
		return sendPatternPicker(c)
	})
	b.Handle(&btnFileAsIs, func(c tele.Context) error {
		_ = c.Respond()
		userID := c.Sender().ID
		file, ok := getPendingFile(userID)
		if !ok {
			return tryEdit(c, "⌛ This file is no longer available. Send it again.")
		}
		return enqueueRename(c, file, file.Name, false)
	})
	b.Handle(&btnFileCancel, func(c tele.Context) error {
		_ = c.Respond()
		setPendingFile(c.Sender().ID, nil)
		setState(c.Sender().ID, stateIdle)
		return tryEdit(c, "❌ Cancelled.")
	})

	// Кнопки рассылки
	b.Handle(&btnBcastYes, HandleBroadcastConfirm)
	b.Handle(&btnBcastNo, func(c tele.Context) error {
		_ = c.Respond()
		pendingBcastsMu.Lock()
		delete(pendingBcasts, c.Sender().ID)
		pendingBcastsMu.Unlock()
		setState(c.Sender().ID, stateIdle)
		return tryEdit(c, "❌ Broadcast cancelled.")
	})

	// Динамические callback'и
	b.Handle(tele.OnCallback, func(c tele.Context) error {
		defer func() { _ = c.Respond() }()
		return processCallback(c)
	})

	// Медиа
	b.Handle(tele.OnDocument, HandleDocument)
	b.Handle(tele.OnVideo, HandleVideo)
	b.Handle(tele.OnAudio, HandleAudio)
	b.Handle(tele.OnPhoto, HandlePhoto)
	b.Handle(tele.OnText, HandleText)
}

// ==========================================
// БАЗОВЫЕ КОМАНДЫ
// ==========================================

func HandleStart(c tele.Context) error {
	if !isAdmin(c.Sender().ID) && !isSubscribedEverywhere(c.Bot(), c.Sender().ID) {
		return sendSubscriptionRequired(c)
	}
	return c.Send(fmt.Sprintf(
		"👋 Hi, <b>%s</b>!\n\n"+
			"I rename files: send me a document, video or audio and pick an action.\n\n"+
			"🧩 Naming patterns with counters and dates: /pattern\n"+
			"⚙️ Auto-rename every upload: /auto_rename\n"+
			"❓ Full command list: /help",
		c.Sender().FirstName), tele.ModeHTML)
}

func HandleHelp(c tele.Context) error {
	return c.Send(
		"📖 <b>Commands</b>\n\n"+
			"<b>Files</b>\n"+
			"Send any file — I'll offer rename options.\n"+
			"/rename — rename the last sent file\n"+
			"/batch_rename — collect files, rename all with one pattern\n"+
			"/queue — your processing queue\n\n"+
			"<b>Patterns</b>\n"+
			"/pattern — pattern syntax help\n"+
			"/patterns — your saved patterns\n"+
			"/pattern_save <code>name template</code> — save a pattern\n"+
			"/del_pattern <code>id</code> — delete a pattern\n"+
			"/preview <code>template</code> — dry-run a pattern\n"+
			"/auto_rename <code>template</code> — auto-apply to every upload\n"+
			"/auto_off — disable auto-rename\n"+
			"/reset_counters — restart {counter} from 1\n\n"+
			"<b>Personalization</b>\n"+
			"/settings — your current settings\n"+
			"/caption <code>text</code> — default caption (off: /caption off)\n"+
			"/set_thumbnail — permanent thumbnail\n"+
			"/view_thumbnail, /del_thumbnail",
		tele.ModeHTML)
}

func HandleID(c tele.Context) error {
	return c.Send(fmt.Sprintf("🆔 Your ID: <code>%d</code>", c.Sender().ID), tele.ModeHTML)
}

func HandleRename(c tele.Context) error {
	userID := c.Sender().ID
	if _, ok := getPendingFile(userID); !ok {
		return c.Send("📎 Send me a file first, then use /rename.")
	}
	setState(userID, stateAwaitNewName)
	return c.Send("✏️ Send the new filename (extension is kept automatically).")
}

// ==========================================
// ПАКЕТНОЕ ПЕРЕИМЕНОВАНИЕ
// ==========================================

func HandleBatchRename(c tele.Context) error {
	batchStart(c.Sender().ID)
	return c.Send(fmt.Sprintf(
		"📦 <b>Batch mode on</b>\n\n"+
			"Send up to %d files — I'll collect them.\n"+
			"Then /batch_done to apply one pattern to all, or /batch_cancel.",
		maxBatchFiles), tele.ModeHTML)
}

func HandleBatchDone(c tele.Context) error {
	userID := c.Sender().ID
	n := batchCount(userID)
	if n == 0 {
		return c.Send("📭 Batch is empty. Send some files first (or /batch_cancel).")
	}
	setState(userID, stateAwaitBatchPat)
	return c.Send(fmt.Sprintf(
		"🧩 Send the pattern to apply to all %d files.\n"+
			"Tip: use {counter} so the names stay unique, e.g. <code>{date}_{counter:03d}_{original}</code>",
		n), tele.ModeHTML)
}

func HandleBatchCancel(c tele.Context) error {
	files := batchTake(c.Sender().ID)
	setState(c.Sender().ID, stateIdle)
	if len(files) == 0 {
		return c.Send("📦 Batch mode off.")
	}
	return c.Send(fmt.Sprintf("📦 Batch cancelled, %d collected files dropped.", len(files)))
}

// renderBatch применяет шаблон к набору файлов по порядку; счетчик
// продвигается на каждом файле, имена выходят уникальными.
func renderBatch(pm *PatternManager, pattern string, files []FileInfo, userID int64) []RenderResult {
	results := make([]RenderResult, 0, len(files))
	for _, f := range files {
		results = append(results, pm.Render(pattern, f, userID))
	}
	return results
}

func processBatchWithPattern(c tele.Context, pattern string) error {
	userID := c.Sender().ID
	if err := patternManager.ValidatePattern(pattern); err != nil {
		setState(userID, stateAwaitBatchPat)
		return c.Send(fmt.Sprintf("❌ <b>Invalid pattern</b>\n\n%s\n\nSend another one.", err.Error()), tele.ModeHTML)
	}

	files := batchTake(userID)
	if len(files) == 0 {
		return c.Send("📭 Batch is empty.")
	}

	caption := ""
	if u, err := dataManager.GetUser(userID); err == nil && u != nil {
		caption = u.DefaultCaption
	}

	infos := make([]FileInfo, 0, len(files))
	for _, f := range files {
		infos = append(infos, FileInfo{Name: f.Name, Size: f.Size, Type: f.Type})
	}
	results := renderBatch(patternManager, pattern, infos, userID)

	queued, degraded := 0, 0
	for i, f := range files {
		if results[i].Degraded {
			degraded++
		}
		item := &QueueItem{
			UserID:       userID,
			ChatID:       f.ChatID,
			FileID:       f.FileID,
			OriginalName: f.Name,
			NewName:      results[i].Name,
			Operation:    "batch_rename",
			Status:       queuePending,
			FileSize:     f.Size,
			FileType:     f.Type,
			Caption:      caption,
		}
		if err := fileManager.Submit(item); err != nil {
			log.Printf("⚠️ Пакет user %d: очередь приняла %d из %d: %v", userID, queued, len(files), err)
			return c.Send(fmt.Sprintf("⚠️ Queued %d of %d files, then the queue filled up: %s",
				queued, len(files), err.Error()))
		}
		queued++
	}

	text := fmt.Sprintf("⏳ Batch queued: <b>%d</b> files. Track with /queue.", queued)
	if degraded > 0 {
		text += fmt.Sprintf("\n⚠️ %d of them fell back to timestamp names.", degraded)
	}
	return c.Send(text, tele.ModeHTML)
}

func HandleQueue(c tele.Context) error {
	return c.Send(queueStatusText(c.Sender().ID), tele.ModeHTML)
}

// ==========================================
// ШАБЛОНЫ
// ==========================================

func HandlePatternHelp(c tele.Context) error {
	var b strings.Builder
	b.WriteString("🧩 <b>Pattern syntax</b>\n\nUse <code>{variable}</code> placeholders:\n\n")

	names := make([]string, 0, len(patternVariables))
	for name := range patternVariables {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(&b, "• <code>{%s}</code> — %s\n", name, patternVariables[name])
	}

	b.WriteString("\n💡 <b>Ready-made templates</b>\n")
	tplNames := make([]string, 0, len(patternTemplates))
	for name := range patternTemplates {
		tplNames = append(tplNames, name)
	}
	sort.Strings(tplNames)
	for _, name := range tplNames {
		fmt.Fprintf(&b, "• <b>%s</b>: <code>%s</code>\n", name, patternTemplates[name])
	}

	b.WriteString("\nExample: <code>Movie_{counter:02d}_{original}</code> → Movie_01_video.mp4")
	return c.Send(b.String(), tele.ModeHTML)
}

func HandlePatternList(c tele.Context) error {
	patterns, err := dataManager.ListPatterns(c.Sender().ID)
	if err != nil {
		return c.Send("❌ Failed to load patterns.")
	}
	if len(patterns) == 0 {
		return c.Send("📭 No saved patterns yet. Save one:\n/pattern_save my_name {date}_{original}")
	}
	var b strings.Builder
	b.WriteString("🧩 <b>Your patterns</b>\n\n")
	for _, p := range patterns {
		scope := ""
		if p.IsGlobal {
			scope = " 🌐"
		}
		fmt.Fprintf(&b, "#%d <b>%s</b>%s\n<code>%s</code> (used %d times)\n\n", p.ID, p.Name, scope, p.Template, p.UsageCount)
	}
	b.WriteString("Delete: /del_pattern <code>id</code>")
	return c.Send(b.String(), tele.ModeHTML)
}

func HandlePatternSave(c tele.Context) error {
	payload := strings.TrimSpace(c.Message().Payload)
	if payload == "" {
		setState(c.Sender().ID, stateAwaitSavePat)
		return c.Send("💾 Send the pattern as:\n<code>name template</code>\n\nExample: <code>movies Movie_{counter:02d}_{original}</code>", tele.ModeHTML)
	}
	return savePatternFromText(c, payload)
}

// savePatternFromText разбирает "name template" либо одиночный template.
func savePatternFromText(c tele.Context, text string) error {
	userID := c.Sender().ID
	parts := strings.SplitN(strings.TrimSpace(text), " ", 2)

	var name, template string
	if len(parts) == 1 {
		template = parts[0]
		name = "Pattern_" + time.Now().Format("0102_1504")
	} else {
		name = parts[0]
		template = parts[1]
	}

	if err := patternManager.ValidatePattern(template); err != nil {
		return c.Send(fmt.Sprintf("❌ <b>Invalid pattern</b>\n\n%s\n\nSee /pattern for syntax.", err.Error()), tele.ModeHTML)
	}
	if err := dataManager.SavePattern(userID, name, template, false); err != nil {
		log.Printf("⚠️ Ошибка сохранения шаблона для %d: %v", userID, err)
		return c.Send("❌ Failed to save pattern. Please try again.")
	}

	preview := patternManager.Preview(template, userID, nil)
	return c.Send(fmt.Sprintf(
		"✅ <b>Pattern saved!</b>\n\n📝 Name: %s\n🧩 Template: <code>%s</code>\n👀 Preview: <code>%s</code>",
		name, template, preview), tele.ModeHTML)
}

func HandlePatternDelete(c tele.Context) error {
	payload := strings.TrimSpace(c.Message().Payload)
	id, err := strconv.ParseUint(payload, 10, 32)
	if err != nil {
		return c.Send("Usage: /del_pattern <code>id</code> (see /patterns)", tele.ModeHTML)
	}
	ok, err := dataManager.DeletePattern(c.Sender().ID, uint(id))
	if err != nil || !ok {
		return c.Send("❌ Pattern not found.")
	}
	return c.Send("🗑 Pattern deleted.")
}

func HandlePreview(c tele.Context) error {
	payload := strings.TrimSpace(c.Message().Payload)
	if payload == "" {
		setState(c.Sender().ID, stateAwaitPreview)
		return c.Send("👀 Send a pattern to preview, e.g. <code>{date}_{counter:03d}_{original}</code>", tele.ModeHTML)
	}
	return sendPreview(c, payload)
}

func sendPreview(c tele.Context, pattern string) error {
	if err := patternManager.ValidatePattern(pattern); err != nil {
		return c.Send(fmt.Sprintf("❌ %s", err.Error()))
	}
	var sample *FileInfo
	if file, ok := getPendingFile(c.Sender().ID); ok {
		sample = &FileInfo{Name: file.Name, Size: file.Size, Type: file.Type}
	}
	preview := patternManager.Preview(pattern, c.Sender().ID, sample)
	return c.Send(fmt.Sprintf("👀 <code>%s</code>\n→ <code>%s</code>", pattern, preview), tele.ModeHTML)
}

func HandleAutoRename(c tele.Context) error {
	userID := c.Sender().ID
	payload := strings.TrimSpace(c.Message().Payload)
	if payload == "" {
		u, err := dataManager.GetUser(userID)
		if err == nil && u != nil && u.AutoRenamePattern != "" {
			return c.Send(fmt.Sprintf(
				"⚙️ Auto-rename is <b>on</b>:\n<code>%s</code>\n\nSend a new template or /auto_off.",
				u.AutoRenamePattern), tele.ModeHTML)
		}
		setState(userID, stateAwaitAutoPat)
		return c.Send("⚙️ Send a template to apply to every upload, e.g. <code>{date}_{counter:03d}_{original}</code>", tele.ModeHTML)
	}
	return setAutoPattern(c, payload)
}

func setAutoPattern(c tele.Context, pattern string) error {
	userID := c.Sender().ID
	if err := patternManager.ValidatePattern(pattern); err != nil {
		return c.Send(fmt.Sprintf("❌ <b>Invalid pattern</b>\n\n%s", err.Error()), tele.ModeHTML)
	}
	if err := dataManager.SetAutoPattern(userID, pattern); err != nil {
		return c.Send("❌ Failed to save. Please try again.")
	}
	preview := patternManager.Preview(pattern, userID, nil)
	return c.Send(fmt.Sprintf(
		"✅ Auto-rename enabled.\n🧩 <code>%s</code>\n👀 Preview: <code>%s</code>\n\nEvery file you send will be renamed automatically.",
		pattern, preview), tele.ModeHTML)
}

func HandleAutoOff(c tele.Context) error {
	if err := dataManager.SetAutoPattern(c.Sender().ID, ""); err != nil {
		return c.Send("❌ Failed to update settings.")
	}
	return c.Send("⚙️ Auto-rename disabled.")
}

func HandleResetCounters(c tele.Context) error {
	if err := patternManager.counters.Reset(c.Sender().ID); err != nil {
		log.Printf("⚠️ Ошибка сброса счетчиков %d: %v", c.Sender().ID, err)
		return c.Send("❌ Failed to reset counters.")
	}
	return c.Send("🔄 All your {counter} values start from 1 again.")
}

// ==========================================
// ПЕРСОНАЛИЗАЦИЯ
// ==========================================

// HandleSettings — сводка текущих настроек пользователя.
func HandleSettings(c tele.Context) error {
	userID := c.Sender().ID
	u, err := dataManager.GetUser(userID)
	if err != nil || u == nil {
		return c.Send("❌ Failed to load settings.")
	}

	auto := "off"
	if u.AutoRenamePattern != "" {
		auto = fmt.Sprintf("<code>%s</code>", u.AutoRenamePattern)
	}
	caption := "off"
	if u.DefaultCaption != "" {
		caption = fmt.Sprintf("<code>%s</code>", shorten(u.DefaultCaption, 60))
	}
	thumb := "not set"
	if thumbManager.PathFor(userID) != "" {
		thumb = "set (/view_thumbnail)"
	}

	return c.Send(fmt.Sprintf(
		"⚙️ <b>Your settings</b>\n\n"+
			"🧩 Auto-rename: %s\n"+
			"📝 Caption: %s\n"+
			"🖼 Thumbnail: %s\n\n"+
			"📦 Files processed: %d (%s)\n\n"+
			"Change: /auto_rename, /caption, /set_thumbnail, /reset_counters",
		auto, caption, thumb, u.TotalFiles, formatBytes(uint64(u.TotalSize))), tele.ModeHTML)
}

func HandleCaption(c tele.Context) error {
	userID := c.Sender().ID
	payload := strings.TrimSpace(c.Message().Payload)
	if payload == "" {
		setState(userID, stateAwaitCaption)
		return c.Send("📝 Send the caption text to attach to renamed files (or <code>off</code> to clear).", tele.ModeHTML)
	}
	return setCaption(c, payload)
}

func setCaption(c tele.Context, text string) error {
	userID := c.Sender().ID
	if strings.EqualFold(text, "off") {
		if err := dataManager.SetCaption(userID, ""); err != nil {
			return c.Send("❌ Failed to update settings.")
		}
		return c.Send("📝 Caption cleared.")
	}
	if err := dataManager.SetCaption(userID, text); err != nil {
		return c.Send("❌ Failed to update settings.")
	}
	return c.Send(fmt.Sprintf("📝 Caption saved:\n<code>%s</code>", text), tele.ModeHTML)
}

func HandleSetThumbnail(c tele.Context) error {
	setState(c.Sender().ID, stateAwaitThumb)
	return c.Send("🖼 Send a photo to use as the permanent thumbnail.")
}

func HandleDelThumbnail(c tele.Context) error {
	if err := thumbManager.Remove(c.Sender().ID); err != nil {
		return c.Send("❌ Failed to remove thumbnail.")
	}
	return c.Send("🖼 Thumbnail removed.")
}

func HandleViewThumbnail(c tele.Context) error {
	path := thumbManager.PathFor(c.Sender().ID)
	if path == "" {
		return c.Send("📭 No thumbnail set. Use /set_thumbnail.")
	}
	return c.Send(&tele.Photo{File: tele.FromDisk(path), Caption: "🖼 Your permanent thumbnail"})
}

// ==========================================
// АДМИН
// ==========================================

func HandleStats(c tele.Context) error {
	if !isAdmin(c.Sender().ID) {
		return nil
	}
	if err := c.Send(buildStatsText(), tele.ModeHTML); err != nil {
		return err
	}
	bot, chatID := c.Bot(), c.Chat().ID
	runHeavy("stats-chart", func() {
		png, err := generateActivityChart()
		if err != nil {
			log.Printf("⚠️ Ошибка построения графика: %v", err)
			return
		}
		photo := &tele.Photo{File: tele.FromReader(bytes.NewReader(png)), Caption: "📈 Completed files, last 7 days"}
		if _, err := bot.Send(tele.ChatID(chatID), photo); err != nil {
			log.Printf("⚠️ Не удалось отправить график: %v", err)
		}
	})
	return nil
}

func HandleBroadcast(c tele.Context) error {
	if !isAdmin(c.Sender().ID) {
		return nil
	}
	setState(c.Sender().ID, stateAwaitBcast)
	return c.Send("📣 Send the broadcast message (HTML allowed).")
}

func HandleBroadcastConfirm(c tele.Context) error {
	_ = c.Respond()
	adminID := c.Sender().ID
	pendingBcastsMu.Lock()
	pending, ok := pendingBcasts[adminID]
	delete(pendingBcasts, adminID)
	pendingBcastsMu.Unlock()
	if !ok {
		return tryEdit(c, "⌛ Broadcast expired. Start again with /broadcast.")
	}

	stopMenu := &tele.ReplyMarkup{}
	btnStop := stopMenu.Data("⏹ Stop", fmt.Sprintf("bcast_stop_%d", pending.ID))
	stopMenu.Inline(stopMenu.Row(btnStop))

	if err := tryEdit(c, fmt.Sprintf("📣 <b>Broadcast #%d</b> started...", pending.ID), stopMenu, tele.ModeHTML); err != nil {
		return err
	}
	broadcastManager.Start(pending.ID, pending.Message, c.Message())
	return nil
}

func HandleBroadcastList(c tele.Context) error {
	if !isAdmin(c.Sender().ID) {
		return nil
	}
	list, err := dataManager.RecentBroadcasts(10)
	if err != nil {
		return c.Send("❌ Failed to load broadcasts.")
	}
	if len(list) == 0 {
		return c.Send("📭 No broadcasts yet.")
	}
	var b strings.Builder
	b.WriteString("📣 <b>Recent broadcasts</b>\n\n")
	for _, bc := range list {
		fmt.Fprintf(&b, "#%d [%s] ✅%d ❌%d / %d\n<i>%s</i>\n\n",
			bc.ID, bc.Status, bc.SuccessCount, bc.FailedCount, bc.TargetCount, shorten(bc.Message, 60))
	}
	return c.Send(b.String(), tele.ModeHTML)
}

func HandleAddChannel(c tele.Context) error {
	if !isAdmin(c.Sender().ID) {
		return nil
	}
	payload := strings.TrimSpace(c.Message().Payload)
	if payload == "" {
		return c.Send("Usage: /add_channel <code>@username</code> or <code>-100...</code> id", tele.ModeHTML)
	}

	var chat *tele.Chat
	var err error
	if id, perr := strconv.ParseInt(payload, 10, 64); perr == nil {
		chat, err = c.Bot().ChatByID(id)
	} else {
		chat, err = c.Bot().ChatByUsername(payload)
	}
	if err != nil {
		return c.Send(fmt.Sprintf("❌ Cannot access channel: %v\nAdd the bot as admin there first.", err))
	}

	if err := dataManager.AddChannel(chat.ID, chat.Title, chat.Username); err != nil {
		return c.Send("❌ Failed to save channel.")
	}
	log.Printf("📢 Канал обязательной подписки добавлен: %d (%s)", chat.ID, chat.Title)
	return c.Send(fmt.Sprintf("✅ Channel <b>%s</b> added to force-subscribe list.", chat.Title), tele.ModeHTML)
}

func HandleDelChannel(c tele.Context) error {
	if !isAdmin(c.Sender().ID) {
		return nil
	}
	id, err := strconv.ParseInt(strings.TrimSpace(c.Message().Payload), 10, 64)
	if err != nil {
		return c.Send("Usage: /del_channel <code>id</code> (see /channels)", tele.ModeHTML)
	}
	ok, err := dataManager.RemoveChannel(id)
	if err != nil || !ok {
		return c.Send("❌ Channel not found.")
	}
	return c.Send("🗑 Channel removed.")
}

func HandleChannels(c tele.Context) error {
	if !isAdmin(c.Sender().ID) {
		return nil
	}
	channels, err := dataManager.ActiveChannels()
	if err != nil {
		return c.Send("❌ Failed to load channels.")
	}
	if len(channels) == 0 {
		return c.Send("📭 No force-subscribe channels configured.")
	}
	var b strings.Builder
	b.WriteString("📢 <b>Force-subscribe channels</b>\n\n")
	for _, ch := range channels {
		fmt.Fprintf(&b, "• <b>%s</b> (@%s) — <code>%d</code>\n", ch.Title, ch.Username, ch.ID)
	}
	return c.Send(b.String(), tele.ModeHTML)
}

// ==========================================
// МЕДИА
// ==========================================

func HandleDocument(c tele.Context) error {
	doc := c.Message().Document
	if doc == nil {
		return nil
	}
	name := doc.FileName
	if name == "" {
		name = "document"
	}
	return handleIncomingFile(c, &pendingFile{
		FileID: doc.FileID,
		Name:   name,
		Size:   doc.FileSize,
		Type:   fileCategory(name),
		ChatID: c.Chat().ID,
	})
}

func HandleVideo(c tele.Context) error {
	video := c.Message().Video
	if video == nil {
		return nil
	}
	name := video.FileName
	if name == "" {
		name = fmt.Sprintf("video_%d.mp4", time.Now().Unix())
	}
	return handleIncomingFile(c, &pendingFile{
		FileID: video.FileID,
		Name:   name,
		Size:   video.FileSize,
		Type:   "video",
		ChatID: c.Chat().ID,
	})
}

func HandleAudio(c tele.Context) error {
	audio := c.Message().Audio
	if audio == nil {
		return nil
	}
	name := audio.FileName
	if name == "" {
		name = fmt.Sprintf("audio_%d.mp3", time.Now().Unix())
	}
	return handleIncomingFile(c, &pendingFile{
		FileID: audio.FileID,
		Name:   name,
		Size:   audio.FileSize,
		Type:   "audio",
		ChatID: c.Chat().ID,
	})
}

// HandlePhoto: фото без ожидания миниатюры считаем файлом-изображением.
func HandlePhoto(c tele.Context) error {
	photo := c.Message().Photo
	if photo == nil {
		return nil
	}
	userID := c.Sender().ID
	if getState(userID) == stateAwaitThumb {
		setState(userID, stateIdle)
		if err := thumbManager.SetFromPhoto(c.Bot(), userID, photo); err != nil {
			log.Printf("⚠️ Ошибка установки миниатюры %d: %v", userID, err)
			return c.Send("❌ Failed to process the photo. Try another one.")
		}
		return c.Send("✅ Permanent thumbnail saved. It will be attached to renamed files.")
	}

	name := fmt.Sprintf("photo_%d.jpg", time.Now().Unix())
	return handleIncomingFile(c, &pendingFile{
		FileID: photo.FileID,
		Name:   name,
		Size:   photo.FileSize,
		Type:   "image",
		ChatID: c.Chat().ID,
	})
}

// handleIncomingFile — общая точка входа для всех типов файлов.
func handleIncomingFile(c tele.Context, file *pendingFile) error {
	userID := c.Sender().ID
	if !isAdmin(userID) && !isSubscribedEverywhere(c.Bot(), userID) {
		return sendSubscriptionRequired(c)
	}
	if file.Size > config.MaxFileSize {
		return c.Send(fmt.Sprintf("❌ File too large: %s (limit %s).",
			formatBytes(uint64(file.Size)), formatBytes(uint64(config.MaxFileSize))))
	}

	dataManager.SaveFileMeta(&FileMeta{
		UserID: userID,
		FileID: file.FileID,
		Name:   file.Name,
		Type:   file.Type,
		Size:   file.Size,
	})

	// Пакетный режим: копим, очередь наполнит /batch_done.
	if n, added, active := batchAppend(userID, file); active {
		if !added {
			return c.Send(fmt.Sprintf("⚠️ Batch is full (%d files). Finish with /batch_done.", n))
		}
		return c.Send(fmt.Sprintf("📥 <b>%s</b> added to batch (%d). Send more or /batch_done.",
			file.Name, n), tele.ModeHTML)
	}

	setPendingFile(userID, file)

	// Автопереименование: шаблон применяется сразу, без вопросов.
	if u, err := dataManager.GetUser(userID); err == nil && u != nil && u.AutoRenamePattern != "" {
		result := patternManager.Render(u.AutoRenamePattern, FileInfo{Name: file.Name, Size: file.Size, Type: file.Type}, userID)
		return enqueueRename(c, file, result.Name, result.Degraded)
	}

	return c.Send(fmt.Sprintf(
		"📎 <b>%s</b>\n📊 %s • %s\n\nWhat should I do with it?",
		file.Name, formatBytes(uint64(file.Size)), file.Type), fileMenu, tele.ModeHTML)
}

// ==========================================
// ТЕКСТ И СОСТОЯНИЯ
// ==========================================

func HandleText(c tele.Context) error {
	userID := c.Sender().ID
	text := strings.TrimSpace(c.Text())
	state := getState(userID)
	if state == stateIdle {
		return nil
	}
	setState(userID, stateIdle)

	switch state {
	case stateAwaitNewName:
		file, ok := getPendingFile(userID)
		if !ok {
			return c.Send("⌛ This file is no longer available. Send it again.")
		}
		newName := text
		if ext := extensionOf(file.Name); ext != "" && !strings.HasSuffix(newName, ext) {
			newName += ext
		}
		if err := validateFilename(newName); err != nil {
			setState(userID, stateAwaitNewName)
			return c.Send(fmt.Sprintf("❌ %s\nTry another name.", err.Error()))
		}
		return enqueueRename(c, file, newName, false)

	case stateAwaitSavePat:
		return savePatternFromText(c, text)

	case stateAwaitBatchPat:
		return processBatchWithPattern(c, text)

	case stateAwaitAutoPat:
		return setAutoPattern(c, text)

	case stateAwaitPreview:
		return sendPreview(c, text)

	case stateAwaitCaption:
		return setCaption(c, text)

	case stateAwaitBcast:
		if !isAdmin(userID) {
			return nil
		}
		id, targets, err := broadcastManager.Prepare(userID, text)
		if err != nil {
			log.Printf("❌ Ошибка подготовки рассылки: %v", err)
			return c.Send("❌ Failed to prepare broadcast.")
		}
		pendingBcastsMu.Lock()
		pendingBcasts[userID] = pendingBroadcast{ID: id, Message: text}
		pendingBcastsMu.Unlock()
		return c.Send(fmt.Sprintf(
			"📣 <b>Broadcast #%d</b>\n\n👥 Recipients: %d\n⏱ Estimated time: %s\n\n%s\n\nSend it?",
			id, targets, estimateBroadcastTime(targets, config.BroadcastDelayMS), shorten(text, 300)),
			bcastConfirmMenu, tele.ModeHTML)
	}
	return nil
}

// ==========================================
// CALLBACK-РОУТЕР
// ==========================================

func processCallback(c tele.Context) error {
	data := strings.TrimSpace(c.Callback().Data)
	data = strings.TrimPrefix(data, "\f")
	if p := strings.Index(data, "|"); p >= 0 {
		data = data[:p]
	}
	userID := c.Sender().ID

	switch {
	case data == "sub_check":
		return handleSubscriptionCheck(c)

	case strings.HasPrefix(data, "apply_pat_"):
		idStr := strings.TrimPrefix(data, "apply_pat_")
		id, err := strconv.ParseUint(idStr, 10, 32)
		if err != nil {
			return nil
		}
		file, ok := getPendingFile(userID)
		if !ok {
			return tryEdit(c, "⌛ This file is no longer available. Send it again.")
		}
		pattern, err := dataManager.GetPattern(userID, uint(id))
		if err != nil || pattern == nil {
			return tryEdit(c, "❌ Pattern not found.")
		}
		result := patternManager.Render(pattern.Template, FileInfo{Name: file.Name, Size: file.Size, Type: file.Type}, userID)
		dataManager.IncrementPatternUsage(pattern.ID)
		return enqueueRename(c, file, result.Name, result.Degraded)

	case strings.HasPrefix(data, "apply_tpl_"):
		name := strings.TrimPrefix(data, "apply_tpl_")
		template, ok := patternTemplates[name]
		if !ok {
			return nil
		}
		file, ok := getPendingFile(userID)
		if !ok {
			return tryEdit(c, "⌛ This file is no longer available. Send it again.")
		}
		result := patternManager.Render(template, FileInfo{Name: file.Name, Size: file.Size, Type: file.Type}, userID)
		return enqueueRename(c, file, result.Name, result.Degraded)

	case strings.HasPrefix(data, "bcast_stop_"):
		if !isAdmin(userID) {
			return nil
		}
		id, err := strconv.ParseUint(strings.TrimPrefix(data, "bcast_stop_"), 10, 32)
		if err != nil {
			return nil
		}
		if broadcastManager.Stop(uint(id)) {
			return c.Respond(&tele.CallbackResponse{Text: "Broadcast stopping..."})
		}
		return c.Respond(&tele.CallbackResponse{Text: "Broadcast already finished."})
	}
	return nil
}

// sendPatternPicker показывает сохраненные шаблоны и заготовки кнопками.
func sendPatternPicker(c tele.Context) error {
	userID := c.Sender().ID
	patterns, err := dataManager.ListPatterns(userID)
	if err != nil {
		return c.Send("❌ Failed to load patterns.")
	}

	menu := &tele.ReplyMarkup{}
	var rows []tele.Row
	for _, p := range patterns {
		btn := menu.Data("💾 "+p.Name, fmt.Sprintf("apply_pat_%d", p.ID))
		rows = append(rows, menu.Row(btn))
	}
	tplNames := make([]string, 0, len(patternTemplates))
	for name := range patternTemplates {
		tplNames = append(tplNames, name)
	}
	sort.Strings(tplNames)
	for _, name := range tplNames {
		btn := menu.Data("📐 "+name, "apply_tpl_"+name)
		rows = append(rows, menu.Row(btn))
	}
	menu.Inline(rows...)

	return tryEdit(c, "🧩 Pick a pattern:", menu)
}

// enqueueRename ставит файл в очередь и отвечает пользователю.
func enqueueRename(c tele.Context, file *pendingFile, newName string, degraded bool) error {
	userID := c.Sender().ID
	newName = sanitizeName(newName)

	caption := ""
	if u, err := dataManager.GetUser(userID); err == nil && u != nil {
		caption = u.DefaultCaption
	}

	item := &QueueItem{
		UserID:       userID,
		ChatID:       file.ChatID,
		FileID:       file.FileID,
		OriginalName: file.Name,
		NewName:      newName,
		Operation:    "rename",
		Status:       queuePending,
		FileSize:     file.Size,
		FileType:     file.Type,
		Caption:      caption,
	}
	if err := fileManager.Submit(item); err != nil {
		log.Printf("⚠️ Очередь отклонила задачу (user %d): %v", userID, err)
		return c.Send(fmt.Sprintf("❌ %s", err.Error()))
	}

	setPendingFile(userID, nil)
	setState(userID, stateIdle)

	text := fmt.Sprintf("⏳ Queued as <b>%s</b> (#%d).", newName, item.ID)
	if degraded {
		text += "\n⚠️ The pattern failed to apply; a fallback timestamp name was used instead."
	}
	if c.Callback() != nil {
		return tryEdit(c, text, tele.ModeHTML)
	}
	return c.Send(text, tele.ModeHTML)
}

func tryEdit(c tele.Context, what interface{}, opts ...interface{}) error {
	err := c.Edit(what, opts...)
	if err != nil && strings.Contains(err.Error(), "message is not modified") {
		return c.Respond()
	}
	if err != nil {
		log.Printf("⚠️ Ошибка редактирования сообщения: %v", err)
	}
	return err
}
