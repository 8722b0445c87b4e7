package app

import (
	"fmt"
	"hash/fnv"
	"log"
	"sync"
)

// ==========================================
// СЧЕТЧИКИ ШАБЛОНОВ
// ==========================================

// counterBackend — долговременное хранилище счетчиков (preferences
// пользователя в БД). Интерфейс нужен, чтобы тестировать ядро без SQLite.
type counterBackend interface {
	GetPreference(userID int64, key string) (int64, bool)
	SetPreference(userID int64, key string, value int64) error
	DeletePreferences(userID int64, prefix string) error
}

// CounterStore — счетчики (пользователь, шаблон) с кэшем в памяти.
// Каждый инкремент синхронно уходит в backend: кэш и база не должны
// расходиться дольше одного применения шаблона.
type CounterStore struct {
	backend counterBackend

	mu    sync.Mutex
	cache map[string]int64
	locks map[int64]*sync.Mutex
}

func NewCounterStore(backend counterBackend) *CounterStore {
	return &CounterStore{
		backend: backend,
		cache:   make(map[string]int64),
		locks:   make(map[int64]*sync.Mutex),
	}
}

// patternKey — стабильный ключ по тексту шаблона. Два сохраненных шаблона
// с одинаковым текстом делят счетчик; правка текста начинает отсчет заново.
func patternKey(pattern string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(pattern))
	return fmt.Sprintf("counter_%x", h.Sum64())
}

func cacheKey(userID int64, pattern string) string {
	return fmt.Sprintf("%d_%s", userID, patternKey(pattern))
}

// userLock выдает блокировку пользователя. Она должна удерживаться на весь
// цикл "прочитать счетчик -> собрать имя -> записать счетчик+1".
func (cs *CounterStore) userLock(userID int64) *sync.Mutex {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	lock, ok := cs.locks[userID]
	if !ok {
		lock = &sync.Mutex{}
		cs.locks[userID] = lock
	}
	return lock
}

// Current читает счетчик без последующего инкремента (для /preview).
func (cs *CounterStore) Current(userID int64, pattern string) int64 {
	lock := cs.userLock(userID)
	lock.Lock()
	defer lock.Unlock()
	return cs.currentLocked(userID, pattern)
}

// currentLocked — чтение с прогревом кэша. Вызывается под userLock.
func (cs *CounterStore) currentLocked(userID int64, pattern string) int64 {
	ck := cacheKey(userID, pattern)

	cs.mu.Lock()
	value, ok := cs.cache[ck]
	cs.mu.Unlock()
	if ok {
		return value
	}

	value = 1
	if stored, found := cs.backend.GetPreference(userID, patternKey(pattern)); found {
		value = stored
	}
	cs.mu.Lock()
	cs.cache[ck] = value
	cs.mu.Unlock()
	return value
}

// advanceLocked пишет новое значение в кэш и синхронно в базу.
// Вызывается под userLock.
func (cs *CounterStore) advanceLocked(userID int64, pattern string, value int64) {
	ck := cacheKey(userID, pattern)
	cs.mu.Lock()
	cs.cache[ck] = value
	cs.mu.Unlock()

	if err := cs.backend.SetPreference(userID, patternKey(pattern), value); err != nil {
		log.Printf("⚠️ Не удалось сохранить счетчик %s: %v", ck, err)
	}
}

// Increment — одиночный шаг счетчика (когда имя уже собрано вне Render).
func (cs *CounterStore) Increment(userID int64, pattern string) {
	lock := cs.userLock(userID)
	lock.Lock()
	defer lock.Unlock()
	cs.advanceLocked(userID, pattern, cs.currentLocked(userID, pattern)+1)
}

// Reset сбрасывает все счетчики пользователя: и кэш, и базу.
func (cs *CounterStore) Reset(userID int64) error {
	lock := cs.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	prefix := fmt.Sprintf("%d_", userID)
	cs.mu.Lock()
	for key := range cs.cache {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			delete(cs.cache, key)
		}
	}
	cs.mu.Unlock()

	return cs.backend.DeletePreferences(userID, "counter_")
}
