package app

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

// ==========================================
// КАТЕГОРИИ ФАЙЛОВ
// ==========================================

var fileCategories = map[string][]string{
	"video":    {".mp4", ".mkv", ".avi", ".mov", ".wmv", ".flv", ".webm", ".m4v", ".3gp"},
	"audio":    {".mp3", ".wav", ".flac", ".aac", ".ogg", ".m4a", ".wma", ".opus"},
	"image":    {".jpg", ".jpeg", ".png", ".gif", ".bmp", ".webp", ".tiff", ".svg"},
	"document": {".pdf", ".doc", ".docx", ".xls", ".xlsx", ".ppt", ".pptx", ".txt"},
	"archive":  {".zip", ".rar", ".7z", ".tar", ".gz", ".bz2", ".xz"},
}

// fileCategory определяет категорию по расширению имени файла.
func fileCategory(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" {
		return "other"
	}
	for category, exts := range fileCategories {
		for _, e := range exts {
			if ext == e {
				return category
			}
		}
	}
	return "other"
}

// ==========================================
// ПРОВЕРКА ИМЕН ПРИ ЗАГРУЗКЕ
// ==========================================

var reservedNames = map[string]bool{
	"CON": true, "PRN": true, "AUX": true, "NUL": true,
	"COM1": true, "COM2": true, "COM3": true, "COM4": true, "COM5": true,
	"COM6": true, "COM7": true, "COM8": true, "COM9": true,
	"LPT1": true, "LPT2": true, "LPT3": true, "LPT4": true, "LPT5": true,
	"LPT6": true, "LPT7": true, "LPT8": true, "LPT9": true,
}

const invalidNameChars = "/\\:*?\"<>|\x00"

// validateFilename — общая проверка имени, присланного пользователем.
// Это не санитайзер шаблонов: здесь имя отклоняется, а не чинится.
func validateFilename(name string) error {
	if name == "" {
		return fmt.Errorf("filename cannot be empty")
	}
	if len(name) > 255 {
		return fmt.Errorf("filename too long (max 255 characters)")
	}
	if p := strings.IndexAny(name, invalidNameChars); p >= 0 {
		return fmt.Errorf("invalid character %q in filename", name[p])
	}
	stem := strings.ToUpper(stripExtension(name))
	if reservedNames[stem] {
		return fmt.Errorf("%q is a reserved filename", stem)
	}
	if strings.HasPrefix(name, " ") || strings.HasSuffix(name, " ") {
		return fmt.Errorf("filename cannot start or end with spaces")
	}
	if strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return fmt.Errorf("filename cannot start or end with dots")
	}
	return nil
}

// sanitizeUploadName чинит имя входящего файла (для временных путей).
func sanitizeUploadName(name string) string {
	if name == "" {
		return "unnamed_file"
	}
	sanitized := name
	for _, ch := range invalidNameChars {
		sanitized = strings.ReplaceAll(sanitized, string(ch), "_")
	}
	sanitized = strings.Trim(sanitized, " .")
	if sanitized == "" {
		return "unnamed_file"
	}
	if len(sanitized) > 255 {
		ext := filepath.Ext(sanitized)
		sanitized = sanitized[:255-len(ext)] + ext
	}
	return sanitized
}

// ==========================================
// ФОРМАТИРОВАНИЕ И ПРОЧЕЕ
// ==========================================

func formatBytes(b uint64) string {
	const (
		KB = 1024
		MB = 1024 * KB
		GB = 1024 * MB
	)
	switch {
	case b >= GB:
		return fmt.Sprintf("%.2f GB", float64(b)/float64(GB))
	case b >= MB:
		return fmt.Sprintf("%.2f MB", float64(b)/float64(MB))
	case b >= KB:
		return fmt.Sprintf("%.2f KB", float64(b)/float64(KB))
	default:
		return fmt.Sprintf("%d B", b)
	}
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	if d < 24*time.Hour {
		return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
	}
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	return fmt.Sprintf("%dd%dh", days, hours)
}

func runtimeStats() (goroutines int, alloc, totalAlloc, sys uint64) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return runtime.NumGoroutine(), m.Alloc, m.TotalAlloc, m.Sys
}

func shorten(s string, n int) string {
	if n <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

// sendWithRetry повторяет отправку с экспоненциальной паузой. Потолок
// паузы 10с: отправка документа и так держит воркера.
func sendWithRetry(attempts int, baseDelay time.Duration, fn func() error) error {
	if attempts <= 0 {
		attempts = 1
	}
	if baseDelay <= 0 {
		baseDelay = 500 * time.Millisecond
	}
	var err error
	for i := 0; i < attempts; i++ {
		err = fn()
		if err == nil {
			return nil
		}
		delay := baseDelay * time.Duration(1<<i)
		if delay > 10*time.Second {
			delay = 10 * time.Second
		}
		time.Sleep(delay)
	}
	return err
}
