package app

import (
	"path/filepath"
	"sync"
	"testing"
)

func newTestDataManager(t *testing.T) *DataManager {
	t.Helper()
	dm := NewDataManager(filepath.Join(t.TempDir(), "test.db"))
	t.Cleanup(func() { _ = dm.CloseDB() })
	return dm
}

func enqueueTestItem(t *testing.T, dm *DataManager) *QueueItem {
	t.Helper()
	item := &QueueItem{
		UserID:       1,
		ChatID:       1,
		FileID:       "file-abc",
		OriginalName: "movie.mp4",
		NewName:      "001_movie.mp4",
		Operation:    "rename",
		Status:       queuePending,
	}
	if err := dm.Enqueue(item); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return item
}

func TestClaimQueueItemOnce(t *testing.T) {
	dm := newTestDataManager(t)
	item := enqueueTestItem(t, dm)

	if !dm.ClaimQueueItem(item.ID) {
		t.Fatalf("первый захват pending-задачи должен пройти")
	}
	// Submit и poller могут разбудить двух воркеров на один id;
	// второй захват обязан провалиться.
	if dm.ClaimQueueItem(item.ID) {
		t.Fatalf("повторный захват той же задачи должен провалиться")
	}

	got, err := dm.GetQueueItem(item.ID)
	if err != nil || got == nil {
		t.Fatalf("GetQueueItem: %v", err)
	}
	if got.Status != queueProcessing {
		t.Fatalf("статус после захвата %q, ожидался %q", got.Status, queueProcessing)
	}
	if got.StartedAt == nil {
		t.Fatalf("started_at должен быть выставлен при захвате")
	}
}

func TestClaimQueueItemConcurrent(t *testing.T) {
	dm := newTestDataManager(t)
	item := enqueueTestItem(t, dm)

	const workers = 8
	var wg sync.WaitGroup
	claims := make(chan bool, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claims <- dm.ClaimQueueItem(item.ID)
		}()
	}
	wg.Wait()
	close(claims)

	won := 0
	for ok := range claims {
		if ok {
			won++
		}
	}
	if won != 1 {
		t.Fatalf("задачу захватили %d воркеров, должен ровно один", won)
	}
}

func TestClaimQueueItemSkipsNonPending(t *testing.T) {
	dm := newTestDataManager(t)
	item := enqueueTestItem(t, dm)

	dm.MarkQueueStatus(item.ID, queueCompleted, "")
	if dm.ClaimQueueItem(item.ID) {
		t.Fatalf("завершенную задачу захватывать нельзя")
	}
}

func TestRequeueStale(t *testing.T) {
	dm := newTestDataManager(t)
	item := enqueueTestItem(t, dm)

	if !dm.ClaimQueueItem(item.ID) {
		t.Fatalf("захват: ожидался успех")
	}
	if n := dm.RequeueStale(); n != 1 {
		t.Fatalf("RequeueStale вернул %d, ожидалось 1", n)
	}
	// После возврата задача снова доступна для захвата.
	if !dm.ClaimQueueItem(item.ID) {
		t.Fatalf("возвращенная задача должна захватываться заново")
	}
}
