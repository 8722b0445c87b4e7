package app

import (
	"log"
	"time"
)

// ==========================================
// ФОНОВОЕ ОБСЛУЖИВАНИЕ
// ==========================================

func startHousekeeping() {
	ticker := time.NewTicker(30 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		cleanupRateLimits(36 * time.Hour)
		RotateLogsIfNeeded()
		dataManager.CleanupQueue(7 * 24 * time.Hour)
		dataManager.CleanupBroadcasts(30 * 24 * time.Hour)
		checkAndBackup()
		monitorRuntime()
	}
}

var lastBackupDay string

// checkAndBackup раз в сутки снимает копию БД в storage/backups.
func checkAndBackup() {
	today := time.Now().Format("2006-01-02")
	if lastBackupDay == today {
		return
	}
	if err := dataManager.BackupTo(dbBackupFilePath); err != nil {
		log.Printf("⚠️ Ошибка бэкапа БД: %v", err)
		return
	}
	lastBackupDay = today
	log.Printf("💾 Бэкап БД снят: %s", dbBackupFilePath)
}

var lastGoroutines int
var lastAliveLog time.Time

func monitorRuntime() {
	gor, alloc, _, sys := runtimeStats()
	if lastGoroutines > 0 && gor > lastGoroutines+300 {
		log.Printf("⚠️ Возможная утечка: goroutines выросли %d -> %d", lastGoroutines, gor)
	}
	if alloc > 600*1024*1024 {
		log.Printf("⚠️ Высокое потребление памяти: %s (sys %s)", formatBytes(alloc), formatBytes(sys))
	}
	if lastAliveLog.IsZero() || time.Since(lastAliveLog) > 6*time.Hour {
		log.Printf("💓 Watchdog: uptime %s, goroutines %d, mem %s, очередь %d",
			formatDuration(time.Since(appStartedAt)), gor, formatBytes(alloc), dataManager.CountQueue(queuePending))
		lastAliveLog = time.Now()
	}
	lastGoroutines = gor
}
