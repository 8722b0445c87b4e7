package app

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	tele "gopkg.in/telebot.v3"
)

// ==========================================
// КОНФИГУРАЦИЯ
// ==========================================

type Config struct {
	Token            string  `json:"token"`
	BotAPIUrl        string  `json:"bot_api_url"`
	AdminIDs         []int64 `json:"admin_ids"`
	LogChannelID     int64   `json:"log_channel_id"`
	MaxFileSize      int64   `json:"max_file_size"`
	MaxQueueSize     int     `json:"max_queue_size"`
	UploadWorkers    int     `json:"upload_workers"`
	BroadcastDelayMS int     `json:"broadcast_delay_ms"`
	HealthAddr       string  `json:"health_addr"`
}

// ==========================================
// ГЛОБАЛЬНЫЕ ПЕРЕМЕННЫЕ (Общие для всех файлов)
// ==========================================

var (
	config           Config
	dataManager      *DataManager
	patternManager   *PatternManager
	fileManager      *FileManager
	broadcastManager *BroadcastManager
	thumbManager     *ThumbnailManager
)

// ==========================================
// MAIN
// ==========================================

func Run() {
	initAppLayout()
	InitLogger()
	defer CloseLogger()
	markStart()

	// 1. Загрузка конфигурации
	if err := loadJSON(configFilePath, &config); err != nil {
		log.Printf("⚠️ Не найден %s, работаем на переменных окружения: %v", configFilePath, err)
	}
	applyEnvOverrides(&config)
	applyConfigDefaults(&config)
	if config.Token == "" {
		log.Fatalf("❌ Критическая ошибка: не задан токен (config.json или FLOW_BOT_TOKEN)")
	}

	// 2. База данных
	dataManager = NewDataManager(dbFilePath)
	log.Println("✅ База данных (SQLite) подключена.")

	// 3. Ядро переименования
	patternManager = NewPatternManager(NewCounterStore(dataManager))
	thumbManager = NewThumbnailManager()

	// 4. Подключение к Telegram
	log.Println("🔄 Попытка подключения к Telegram API...")
	pref := tele.Settings{
		Token: config.Token,
		URL:   config.BotAPIUrl,
		Poller: &tele.LongPoller{
			Timeout: 10 * time.Second,
		},
		OnError: func(err error, c tele.Context) {
			log.Printf("❌ Ошибка в Bot Poller: %v", err)
			if c != nil && c.Chat() != nil {
				log.Printf("   -> В чате: %v", c.Chat().ID)
			}
		},
	}

	b, err := tele.NewBot(pref)
	if err != nil {
		log.Fatalf("❌ КРИТИЧЕСКАЯ ОШИБКА при создании бота (проверьте токен или доступ к API): %v", err)
	}

	// 5. Очередь обработки файлов и рассылки
	fileManager = NewFileManager(b)
	broadcastManager = NewBroadcastManager(b)

	// 6. Меню и хендлеры
	InitMenus()
	RegisterHandlers(b)

	// 7. Фоновые процессы
	fileManager.StartWorkers(config.UploadWorkers)
	safeGo("housekeeping", startHousekeeping)
	if addr := firstNonEmpty(os.Getenv("FLOW_HEALTH_ADDR"), config.HealthAddr); addr != "" {
		safeGo("health-server", func() { startHealthServer(addr) })
	}

	if n := dataManager.RequeueStale(); n > 0 {
		log.Printf("🔁 Возвращено в очередь после рестарта: %d задач", n)
	}

	log.Printf("✅ Соединение установлено! Бот: @%s (ID: %d)", b.Me.Username, b.Me.ID)
	if config.BotAPIUrl != "" {
		log.Printf("🌐 Работа через собственный Bot API: %s", config.BotAPIUrl)
	}

	// Сброс вебхука и зависших апдейтов (важно при переезде сервера)
	if err := b.RemoveWebhook(true); err != nil {
		log.Printf("⚠️ Не удалось сбросить вебхук: %v", err)
	}

	fmt.Printf("🚀 Бот запущен. Admins: %d. Workers: %d\n", len(config.AdminIDs), config.UploadWorkers)
	safeGo("bot", func() { b.Start() })

	// Graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	log.Println("⏹ Завершение работы...")
	b.Stop()
	fileManager.Stop()
	if err := dataManager.CloseDB(); err != nil {
		log.Printf("⚠️ Ошибка закрытия БД: %v", err)
	}
}

// ==========================================
// ЗАГРУЗКА И ОВЕРРАЙДЫ
// ==========================================

func loadJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func applyEnvOverrides(cfg *Config) {
	if cfg == nil {
		return
	}
	if v := os.Getenv("FLOW_BOT_TOKEN"); v != "" {
		cfg.Token = v
	}
	if v := os.Getenv("FLOW_BOT_API_URL"); v != "" {
		cfg.BotAPIUrl = v
	}
	if v := os.Getenv("FLOW_ADMIN_IDS"); v != "" {
		cfg.AdminIDs = parseIDList(v)
	}
	if v := os.Getenv("FLOW_LOG_CHANNEL_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.LogChannelID = id
		}
	}
	if v := os.Getenv("FLOW_MAX_FILE_SIZE"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.MaxFileSize = n
		}
	}
	if v := os.Getenv("FLOW_UPLOAD_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.UploadWorkers = n
		}
	}
}

func applyConfigDefaults(cfg *Config) {
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = 2_000_000_000 // 2GB, лимит Bot API
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = 100
	}
	if cfg.UploadWorkers <= 0 {
		cfg.UploadWorkers = 3
	}
	if cfg.BroadcastDelayMS <= 0 {
		cfg.BroadcastDelayMS = 100
	}
}

func parseIDList(s string) []int64 {
	var ids []int64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if id, err := strconv.ParseInt(part, 10, 64); err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}

func isAdmin(userID int64) bool {
	for _, id := range config.AdminIDs {
		if id == userID {
			return true
		}
	}
	return false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
