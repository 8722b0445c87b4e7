package app

import (
	"testing"
)

func TestRenderBatchSequentialUniqueNames(t *testing.T) {
	pm := newTestManager()
	files := []FileInfo{
		{Name: "movie.mp4", Size: 100, Type: "video"},
		{Name: "movie.mp4", Size: 100, Type: "video"},
		{Name: "movie.mp4", Size: 100, Type: "video"},
	}

	results := renderBatch(pm, "{counter:03d}_{original}", files, 1)
	want := []string{"001_movie.mp4", "002_movie.mp4", "003_movie.mp4"}
	if len(results) != len(want) {
		t.Fatalf("получено %d результатов, ожидалось %d", len(results), len(want))
	}
	for i, r := range results {
		if r.Degraded {
			t.Fatalf("файл %d: неожиданный degraded-результат", i)
		}
		if r.Name != want[i] {
			t.Fatalf("файл %d: получено %q, ожидалось %q", i, r.Name, want[i])
		}
	}
}

func TestBatchCollect(t *testing.T) {
	const userID = int64(900001)
	t.Cleanup(func() { batchTake(userID) })

	// Вне пакетного режима файлы не копятся.
	if _, _, active := batchAppend(userID, &pendingFile{Name: "a.txt"}); active {
		t.Fatalf("пакетный режим не включался")
	}

	batchStart(userID)
	for i := 0; i < 3; i++ {
		n, added, active := batchAppend(userID, &pendingFile{Name: "a.txt"})
		if !active || !added {
			t.Fatalf("файл %d не принят в пакет", i)
		}
		if n != i+1 {
			t.Fatalf("размер пакета %d, ожидалось %d", n, i+1)
		}
	}
	if got := batchCount(userID); got != 3 {
		t.Fatalf("batchCount = %d, ожидалось 3", got)
	}

	files := batchTake(userID)
	if len(files) != 3 {
		t.Fatalf("batchTake вернул %d файлов, ожидалось 3", len(files))
	}
	// Забор пакета выключает режим.
	if _, _, active := batchAppend(userID, &pendingFile{Name: "b.txt"}); active {
		t.Fatalf("после batchTake режим должен быть выключен")
	}
}

func TestBatchOverflow(t *testing.T) {
	const userID = int64(900002)
	t.Cleanup(func() { batchTake(userID) })

	batchStart(userID)
	for i := 0; i < maxBatchFiles; i++ {
		if _, added, _ := batchAppend(userID, &pendingFile{Name: "a.txt"}); !added {
			t.Fatalf("файл %d должен был влезть в пакет", i)
		}
	}
	n, added, active := batchAppend(userID, &pendingFile{Name: "overflow.txt"})
	if !active || added {
		t.Fatalf("переполненный пакет принял лишний файл")
	}
	if n != maxBatchFiles {
		t.Fatalf("размер переполненного пакета %d, ожидалось %d", n, maxBatchFiles)
	}
}
