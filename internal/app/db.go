package app

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ==========================================
// МОДЕЛИ
// ==========================================

type User struct {
	ID                int64 `gorm:"primaryKey"`
	Username          string
	FirstName         string
	LastName          string
	JoinedAt          time.Time
	LastActivity      time.Time `gorm:"index"`
	DefaultCaption    string
	AutoRenamePattern string
	ThumbPath         string
	TotalFiles        int64
	TotalSize         int64
	Preferences       map[string]int64 `gorm:"serializer:json"`
}

type RenamePattern struct {
	gorm.Model
	UserID     int64 `gorm:"index"`
	Name       string
	Template   string
	IsGlobal   bool
	UsageCount int64
}

// Статусы элементов очереди.
const (
	queuePending    = "pending"
	queueProcessing = "processing"
	queueCompleted  = "completed"
	queueFailed     = "failed"
)

type QueueItem struct {
	gorm.Model
	UserID       int64 `gorm:"index"`
	ChatID       int64
	FileID       string
	OriginalName string
	NewName      string
	Operation    string
	Status       string `gorm:"index;default:'pending'"`
	Priority     int
	FileSize     int64
	FileType     string
	Caption      string
	StartedAt    *time.Time
	CompletedAt  *time.Time
	ErrorMessage string
}

type ForceChannel struct {
	ID       int64 `gorm:"primaryKey"`
	Title    string
	Username string
	IsActive bool `gorm:"default:true"`
	AddedAt  time.Time
}

type Broadcast struct {
	gorm.Model
	AdminID      int64
	Message      string
	TargetCount  int
	SuccessCount int
	FailedCount  int
	Status       string `gorm:"default:'pending'"`
	CompletedAt  *time.Time
}

type FileMeta struct {
	gorm.Model
	UserID   int64  `gorm:"index"`
	FileID   string `gorm:"uniqueIndex"`
	Name     string
	Type     string
	Size     int64
	MimeType string
}

// ==========================================
// МЕНЕДЖЕР ДАННЫХ
// ==========================================

type DataManager struct {
	DB       *gorm.DB
	FilePath string
	Mu       sync.Mutex // сериализует read-modify-write преференсов
}

func NewDataManager(file string) *DataManager {
	dm := &DataManager{FilePath: file}
	dm.Connect()
	return dm
}

func (dm *DataManager) Connect() {
	if err := os.MkdirAll(filepath.Dir(dm.FilePath), 0755); err != nil {
		log.Fatalf("❌ Ошибка создания директории БД: %v", err)
	}

	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(10000)", dm.FilePath)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:      logger.Default.LogMode(logger.Silent),
		PrepareStmt: true,
	})
	if err != nil {
		log.Fatalf("❌ Ошибка БД: %v", err)
	}

	if err := db.AutoMigrate(&User{}, &RenamePattern{}, &QueueItem{}, &ForceChannel{}, &Broadcast{}, &FileMeta{}); err != nil {
		log.Fatalf("❌ Ошибка миграции БД: %v", err)
	}
	dm.DB = db
}

func (dm *DataManager) CloseDB() error {
	sqlDB, err := dm.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ==========================================
// ПОЛЬЗОВАТЕЛИ
// ==========================================

// UpsertUser регистрирует пользователя или обновляет его активность.
func (dm *DataManager) UpsertUser(id int64, username, firstName, lastName string) {
	var u User
	err := dm.DB.First(&u, "id = ?", id).Error
	if err == gorm.ErrRecordNotFound {
		u = User{
			ID:          id,
			Username:    username,
			FirstName:   firstName,
			LastName:    lastName,
			JoinedAt:    time.Now(),
			Preferences: make(map[string]int64),
		}
	} else if err != nil {
		log.Printf("⚠️ Ошибка чтения пользователя %d: %v", id, err)
		return
	}
	u.Username = username
	u.FirstName = firstName
	u.LastName = lastName
	u.LastActivity = time.Now()
	if err := dm.DB.Save(&u).Error; err != nil {
		log.Printf("⚠️ Ошибка сохранения пользователя %d: %v", id, err)
	}
}

func (dm *DataManager) GetUser(id int64) (*User, error) {
	var u User
	if err := dm.DB.First(&u, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &u, nil
}

func (dm *DataManager) AddFileStats(userID, size int64) {
	dm.DB.Model(&User{}).Where("id = ?", userID).
		Updates(map[string]interface{}{
			"total_files": gorm.Expr("total_files + 1"),
			"total_size":  gorm.Expr("total_size + ?", size),
		})
}

func (dm *DataManager) SetCaption(userID int64, caption string) error {
	return dm.DB.Model(&User{}).Where("id = ?", userID).Update("default_caption", caption).Error
}

func (dm *DataManager) SetAutoPattern(userID int64, pattern string) error {
	return dm.DB.Model(&User{}).Where("id = ?", userID).Update("auto_rename_pattern", pattern).Error
}

func (dm *DataManager) SetThumbPath(userID int64, path string) error {
	return dm.DB.Model(&User{}).Where("id = ?", userID).Update("thumb_path", path).Error
}

func (dm *DataManager) ListUserIDs() ([]int64, error) {
	var ids []int64
	err := dm.DB.Model(&User{}).Order("id").Pluck("id", &ids).Error
	return ids, err
}

// ==========================================
// ПРЕФЕРЕНСЫ (счетчики шаблонов)
// ==========================================

// GetPreference читает числовую настройку из JSON-блоба пользователя.
func (dm *DataManager) GetPreference(userID int64, key string) (int64, bool) {
	u, err := dm.GetUser(userID)
	if err != nil || u == nil || u.Preferences == nil {
		return 0, false
	}
	value, ok := u.Preferences[key]
	return value, ok
}

func (dm *DataManager) SetPreference(userID int64, key string, value int64) error {
	dm.Mu.Lock()
	defer dm.Mu.Unlock()

	u, err := dm.GetUser(userID)
	if err != nil {
		return err
	}
	if u == nil {
		return fmt.Errorf("user %d not found", userID)
	}
	if u.Preferences == nil {
		u.Preferences = make(map[string]int64)
	}
	u.Preferences[key] = value
	return dm.DB.Model(&User{}).Where("id = ?", userID).Update("preferences", u.Preferences).Error
}

// DeletePreferences убирает все настройки с данным префиксом (сброс счетчиков).
func (dm *DataManager) DeletePreferences(userID int64, prefix string) error {
	dm.Mu.Lock()
	defer dm.Mu.Unlock()

	u, err := dm.GetUser(userID)
	if err != nil || u == nil || u.Preferences == nil {
		return err
	}
	for key := range u.Preferences {
		if strings.HasPrefix(key, prefix) {
			delete(u.Preferences, key)
		}
	}
	return dm.DB.Model(&User{}).Where("id = ?", userID).Update("preferences", u.Preferences).Error
}

// ==========================================
// ШАБЛОНЫ
// ==========================================

// SavePattern сохраняет шаблон. Валидность проверяет вызывающий код:
// невалидный шаблон до сюда доходить не должен.
func (dm *DataManager) SavePattern(userID int64, name, template string, global bool) error {
	p := RenamePattern{UserID: userID, Name: name, Template: template, IsGlobal: global}
	return dm.DB.Create(&p).Error
}

func (dm *DataManager) ListPatterns(userID int64) ([]RenamePattern, error) {
	var patterns []RenamePattern
	err := dm.DB.Where("user_id = ? OR is_global = ?", userID, true).
		Order("usage_count DESC, name").Find(&patterns).Error
	return patterns, err
}

func (dm *DataManager) GetPattern(userID int64, id uint) (*RenamePattern, error) {
	var p RenamePattern
	err := dm.DB.Where("id = ? AND (user_id = ? OR is_global = ?)", id, userID, true).First(&p).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (dm *DataManager) DeletePattern(userID int64, id uint) (bool, error) {
	res := dm.DB.Where("id = ? AND user_id = ?", id, userID).Delete(&RenamePattern{})
	return res.RowsAffected > 0, res.Error
}

func (dm *DataManager) IncrementPatternUsage(id uint) {
	dm.DB.Model(&RenamePattern{}).Where("id = ?", id).
		Update("usage_count", gorm.Expr("usage_count + 1"))
}

// ==========================================
// ОЧЕРЕДЬ
// ==========================================

func (dm *DataManager) Enqueue(item *QueueItem) error {
	return dm.DB.Create(item).Error
}

func (dm *DataManager) GetQueueItem(id uint) (*QueueItem, error) {
	var item QueueItem
	if err := dm.DB.First(&item, id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &item, nil
}

func (dm *DataManager) UserQueue(userID int64, limit int) ([]QueueItem, error) {
	var items []QueueItem
	err := dm.DB.Where("user_id = ?", userID).
		Order("priority DESC, created_at ASC").Limit(limit).Find(&items).Error
	return items, err
}

func (dm *DataManager) CountQueue(status string) int64 {
	var n int64
	dm.DB.Model(&QueueItem{}).Where("status = ?", status).Count(&n)
	return n
}

// ClaimQueueItem атомарно переводит pending -> processing. false значит,
// что задачу уже забрал другой воркер (Submit и poller могут разбудить
// двоих на один id) — повторная обработка недопустима.
func (dm *DataManager) ClaimQueueItem(id uint) bool {
	now := time.Now()
	res := dm.DB.Model(&QueueItem{}).
		Where("id = ? AND status = ?", id, queuePending).
		Updates(map[string]interface{}{"status": queueProcessing, "started_at": &now})
	if res.Error != nil {
		log.Printf("⚠️ Ошибка захвата задачи #%d: %v", id, res.Error)
		return false
	}
	return res.RowsAffected > 0
}

func (dm *DataManager) MarkQueueStatus(id uint, status, errMsg string) {
	updates := map[string]interface{}{"status": status}
	now := time.Now()
	switch status {
	case queueProcessing:
		updates["started_at"] = &now
	case queueCompleted, queueFailed:
		updates["completed_at"] = &now
	}
	if errMsg != "" {
		updates["error_message"] = errMsg
	}
	if err := dm.DB.Model(&QueueItem{}).Where("id = ?", id).Updates(updates).Error; err != nil {
		log.Printf("⚠️ Ошибка обновления очереди #%d: %v", id, err)
	}
}

// RequeueStale возвращает зависшие processing-задачи в pending (после рестарта).
func (dm *DataManager) RequeueStale() int64 {
	res := dm.DB.Model(&QueueItem{}).Where("status = ?", queueProcessing).
		Updates(map[string]interface{}{"status": queuePending, "started_at": nil})
	return res.RowsAffected
}

func (dm *DataManager) NextPending() (*QueueItem, error) {
	var item QueueItem
	err := dm.DB.Where("status = ?", queuePending).
		Order("priority DESC, created_at ASC").First(&item).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (dm *DataManager) CleanupQueue(maxAge time.Duration) {
	cutoff := time.Now().Add(-maxAge)
	res := dm.DB.Where("status IN ? AND completed_at < ?", []string{queueCompleted, queueFailed}, cutoff).
		Delete(&QueueItem{})
	if res.RowsAffected > 0 {
		log.Printf("🧹 Очередь: удалено %d завершенных задач", res.RowsAffected)
	}
}

// ==========================================
// КАНАЛЫ, РАССЫЛКИ, МЕТАДАННЫЕ
// ==========================================

func (dm *DataManager) AddChannel(id int64, title, username string) error {
	ch := ForceChannel{ID: id, Title: title, Username: username, IsActive: true, AddedAt: time.Now()}
	return dm.DB.Save(&ch).Error
}

func (dm *DataManager) RemoveChannel(id int64) (bool, error) {
	res := dm.DB.Delete(&ForceChannel{}, "id = ?", id)
	return res.RowsAffected > 0, res.Error
}

func (dm *DataManager) ActiveChannels() ([]ForceChannel, error) {
	var channels []ForceChannel
	err := dm.DB.Where("is_active = ?", true).Find(&channels).Error
	return channels, err
}

func (dm *DataManager) CreateBroadcast(adminID int64, message string, targets int) (uint, error) {
	b := Broadcast{AdminID: adminID, Message: message, TargetCount: targets, Status: "pending"}
	if err := dm.DB.Create(&b).Error; err != nil {
		return 0, err
	}
	return b.ID, nil
}

func (dm *DataManager) UpdateBroadcast(id uint, success, failed int, status string) {
	updates := map[string]interface{}{
		"success_count": success,
		"failed_count":  failed,
		"status":        status,
	}
	if status == "completed" || status == "stopped" {
		now := time.Now()
		updates["completed_at"] = &now
	}
	dm.DB.Model(&Broadcast{}).Where("id = ?", id).Updates(updates)
}

func (dm *DataManager) RecentBroadcasts(limit int) ([]Broadcast, error) {
	var list []Broadcast
	err := dm.DB.Order("created_at DESC").Limit(limit).Find(&list).Error
	return list, err
}

// CleanupBroadcasts чистит старые записи истории рассылок.
func (dm *DataManager) CleanupBroadcasts(maxAge time.Duration) {
	cutoff := time.Now().Add(-maxAge)
	res := dm.DB.Where("status IN ? AND created_at < ?", []string{"completed", "stopped", "failed"}, cutoff).
		Delete(&Broadcast{})
	if res.RowsAffected > 0 {
		log.Printf("🧹 История рассылок: удалено %d записей", res.RowsAffected)
	}
}

func (dm *DataManager) SaveFileMeta(meta *FileMeta) {
	if err := dm.DB.Save(meta).Error; err != nil {
		log.Printf("⚠️ Ошибка сохранения метаданных %s: %v", meta.FileID, err)
	}
}

// ==========================================
// СТАТИСТИКА И ОБСЛУЖИВАНИЕ
// ==========================================

type BotStats struct {
	TotalUsers      int64
	ActiveDay       int64
	ActiveWeek      int64
	PendingQueue    int64
	ProcessingQueue int64
	CompletedFiles  int64
	FailedFiles     int64
	TotalFiles      int64
	TotalSize       int64
}

func (dm *DataManager) Statistics() BotStats {
	var s BotStats
	dm.DB.Model(&User{}).Count(&s.TotalUsers)
	dm.DB.Model(&User{}).Where("last_activity > ?", time.Now().Add(-24*time.Hour)).Count(&s.ActiveDay)
	dm.DB.Model(&User{}).Where("last_activity > ?", time.Now().Add(-7*24*time.Hour)).Count(&s.ActiveWeek)
	s.PendingQueue = dm.CountQueue(queuePending)
	s.ProcessingQueue = dm.CountQueue(queueProcessing)
	s.CompletedFiles = dm.CountQueue(queueCompleted)
	s.FailedFiles = dm.CountQueue(queueFailed)

	var totals struct {
		Files int64
		Size  int64
	}
	dm.DB.Model(&User{}).Select("COALESCE(SUM(total_files),0) as files, COALESCE(SUM(total_size),0) as size").Scan(&totals)
	s.TotalFiles = totals.Files
	s.TotalSize = totals.Size
	return s
}

// CompletedPerDay — счетчики выполненных задач по дням (для графика).
func (dm *DataManager) CompletedPerDay(days int) map[string]int64 {
	out := make(map[string]int64)
	type row struct {
		Day   string
		Count int64
	}
	var rows []row
	since := time.Now().AddDate(0, 0, -days)
	dm.DB.Model(&QueueItem{}).
		Select("strftime('%Y-%m-%d', completed_at) as day, COUNT(*) as count").
		Where("status = ? AND completed_at > ?", queueCompleted, since).
		Group("day").Scan(&rows)
	for _, r := range rows {
		out[r.Day] = r.Count
	}
	return out
}

// BackupTo снимает консистентную копию БД через VACUUM INTO.
func (dm *DataManager) BackupTo(path string) error {
	_ = os.Remove(path)
	return dm.DB.Exec("VACUUM INTO ?", path).Error
}

func (dm *DataManager) Vacuum() error {
	return dm.DB.Exec("VACUUM").Error
}
