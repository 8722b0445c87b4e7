package app

import (
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/nfnt/resize"
	tele "gopkg.in/telebot.v3"
)

// ==========================================
// МИНИАТЮРЫ
// ==========================================

const (
	thumbSide    = 320 // стандартный размер миниатюры Telegram
	thumbQuality = 85
)

// ThumbnailManager хранит постоянные миниатюры пользователей на диске
// и подставляет их при отправке переименованных файлов.
type ThumbnailManager struct {
	mu    sync.RWMutex
	paths map[int64]string
}

func NewThumbnailManager() *ThumbnailManager {
	return &ThumbnailManager{paths: make(map[int64]string)}
}

// PathFor возвращает путь к миниатюре пользователя или "".
func (tm *ThumbnailManager) PathFor(userID int64) string {
	tm.mu.RLock()
	path, ok := tm.paths[userID]
	tm.mu.RUnlock()
	if ok {
		return path
	}

	u, err := dataManager.GetUser(userID)
	if err != nil || u == nil || u.ThumbPath == "" {
		return ""
	}
	if _, err := os.Stat(u.ThumbPath); err != nil {
		return ""
	}
	tm.mu.Lock()
	tm.paths[userID] = u.ThumbPath
	tm.mu.Unlock()
	return u.ThumbPath
}

// SetFromPhoto скачивает присланное фото, ужимает до 320x320 JPEG
// и сохраняет как постоянную миниатюру пользователя.
func (tm *ThumbnailManager) SetFromPhoto(b *tele.Bot, userID int64, photo *tele.Photo) error {
	tmpPath := filepath.Join(dirTmp, fmt.Sprintf("thumb_raw_%d.jpg", userID))
	defer os.Remove(tmpPath)

	if err := b.Download(&photo.File, tmpPath); err != nil {
		return fmt.Errorf("download: %w", err)
	}

	in, err := os.Open(tmpPath)
	if err != nil {
		return err
	}
	img, _, err := image.Decode(in)
	in.Close()
	if err != nil {
		return fmt.Errorf("decode: %w", err)
	}

	thumb := resize.Thumbnail(thumbSide, thumbSide, img, resize.Lanczos3)

	finalPath := filepath.Join(dirThumbs, fmt.Sprintf("%d.jpg", userID))
	out, err := os.Create(finalPath)
	if err != nil {
		return err
	}
	err = jpeg.Encode(out, thumb, &jpeg.Options{Quality: thumbQuality})
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}

	if err := dataManager.SetThumbPath(userID, finalPath); err != nil {
		return err
	}
	tm.mu.Lock()
	tm.paths[userID] = finalPath
	tm.mu.Unlock()
	log.Printf("🖼 Миниатюра обновлена: user %d", userID)
	return nil
}

// Remove удаляет постоянную миниатюру пользователя.
func (tm *ThumbnailManager) Remove(userID int64) error {
	tm.mu.Lock()
	path := tm.paths[userID]
	delete(tm.paths, userID)
	tm.mu.Unlock()

	if path == "" {
		if u, err := dataManager.GetUser(userID); err == nil && u != nil {
			path = u.ThumbPath
		}
	}
	if path != "" {
		_ = os.Remove(path)
	}
	return dataManager.SetThumbPath(userID, "")
}
