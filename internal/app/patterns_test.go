package app

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"testing"
)

// fakeBackend — хранилище счетчиков в памяти вместо SQLite.
type fakeBackend struct {
	mu    sync.Mutex
	prefs map[string]int64
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{prefs: make(map[string]int64)}
}

func (f *fakeBackend) key(userID int64, key string) string {
	return fmt.Sprintf("%d|%s", userID, key)
}

func (f *fakeBackend) GetPreference(userID int64, key string) (int64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.prefs[f.key(userID, key)]
	return v, ok
}

func (f *fakeBackend) SetPreference(userID int64, key string, value int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prefs[f.key(userID, key)] = value
	return nil
}

func (f *fakeBackend) DeletePreferences(userID int64, prefix string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.key(userID, prefix)
	for k := range f.prefs {
		if strings.HasPrefix(k, p) {
			delete(f.prefs, k)
		}
	}
	return nil
}

func newTestManager() *PatternManager {
	return NewPatternManager(NewCounterStore(newFakeBackend()))
}

func TestTokenizePattern(t *testing.T) {
	tokens := tokenizePattern("pre_{counter:02d}_{original}{random:4}_post")
	want := []patternToken{
		{kind: tokenLiteral, text: "pre_"},
		{kind: tokenCounter, text: "{counter:02d}", name: "counter", spec: "02d"},
		{kind: tokenLiteral, text: "_"},
		{kind: tokenStatic, text: "{original}", name: "original"},
		{kind: tokenRandom, text: "{random:4}", name: "random", spec: "4"},
		{kind: tokenLiteral, text: "_post"},
	}
	if len(tokens) != len(want) {
		t.Fatalf("ожидалось %d токенов, получено %d: %+v", len(want), len(tokens), tokens)
	}
	for i, tok := range tokens {
		if tok != want[i] {
			t.Fatalf("токен %d: получено %+v, ожидалось %+v", i, tok, want[i])
		}
	}
}

func TestTokenizeUnclosedBrace(t *testing.T) {
	tokens := tokenizePattern("file_{counter")
	if len(tokens) != 1 || tokens[0].kind != tokenLiteral || tokens[0].text != "file_{counter" {
		t.Fatalf("незакрытая скобка должна уйти в литерал, получено %+v", tokens)
	}
}

func TestValidatePattern(t *testing.T) {
	pm := newTestManager()

	cases := []struct {
		name    string
		pattern string
		wantErr error
	}{
		{"valid_basic", "{counter:03d}_{original}", nil},
		{"valid_literal_only", "myfile", nil},
		{"valid_all_dates", "{date}_{time}_{datetime}_{year}", nil},
		{"valid_random_width", "{random:4}_{original}", nil},
		{"empty", "", ErrEmptyPattern},
		{"spaces_only", "   ", ErrEmptyPattern},
		{"unbalanced_open", "{counter_{original}", ErrUnbalancedBraces},
		{"unbalanced_close", "{counter}}_{original}", ErrUnbalancedBraces},
		{"collapses", "___", ErrPatternCollapses},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := pm.ValidatePattern(tc.pattern)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("ValidatePattern(%q) = %v, ожидалось %v", tc.pattern, err, tc.wantErr)
			}
		})
	}
}

func TestValidatePatternUnknownVariable(t *testing.T) {
	pm := newTestManager()
	err := pm.ValidatePattern("{bogus}_{original}")
	var uv *UnknownVariableError
	if !errors.As(err, &uv) {
		t.Fatalf("ожидался UnknownVariableError, получено %v", err)
	}
	if got := uv.Error(); got != "Unknown variable: {bogus}" {
		t.Fatalf("неверный текст ошибки: %q", got)
	}
}

// Перестановка скобок проходит проверку: валидатор считает их количество,
// но не сопоставляет пары. Тест фиксирует это поведение.
func TestValidatePatternWeakBraceCheck(t *testing.T) {
	pm := newTestManager()
	if err := pm.ValidatePattern("}abc{"); err != nil {
		t.Fatalf("подсчет скобок не должен отклонять %q: %v", "}abc{", err)
	}
}

func TestRenderCounterPadding(t *testing.T) {
	pm := newTestManager()
	file := FileInfo{Name: "movie.mp4", Size: 100, Type: "video"}

	result := pm.Render("{counter:03d}_{original}.{ext}", file, 1)
	if result.Degraded {
		t.Fatalf("неожиданный degraded-результат")
	}
	// {ext} уже содержит точку, поэтому ".{ext}" дает двойную точку.
	// Так подставлял переменные и строковый replace; поведение сохранено.
	if result.Name != "001_movie..mp4" {
		t.Fatalf("получено %q", result.Name)
	}
}

func TestRenderCounterSequence(t *testing.T) {
	pm := newTestManager()
	file := FileInfo{Name: "movie.mp4", Size: 100, Type: "video"}

	want := []string{"1_movie.mp4", "2_movie.mp4", "3_movie.mp4"}
	for i, w := range want {
		got := pm.Render("{counter}_{original}", file, 7).Name
		if got != w {
			t.Fatalf("применение %d: получено %q, ожидалось %q", i+1, got, w)
		}
	}
}

func TestRenderCountersIndependentPerPattern(t *testing.T) {
	pm := newTestManager()
	file := FileInfo{Name: "a.txt", Size: 1, Type: "document"}

	pm.Render("{counter}_x", file, 1)
	pm.Render("{counter}_x", file, 1)
	if got := pm.Render("{counter}_y", file, 1).Name; got != "1_y.txt" {
		t.Fatalf("счетчик другого шаблона должен начинаться с 1, получено %q", got)
	}
	// И независимость по пользователям.
	if got := pm.Render("{counter}_x", file, 2).Name; got != "1_x.txt" {
		t.Fatalf("счетчик другого пользователя должен начинаться с 1, получено %q", got)
	}
}

func TestRenderCounterPersistsAcrossRestart(t *testing.T) {
	backend := newFakeBackend()
	file := FileInfo{Name: "a.txt", Size: 1, Type: "document"}

	pm := NewPatternManager(NewCounterStore(backend))
	pm.Render("{counter}", file, 1)
	pm.Render("{counter}", file, 1)

	// Новый стор поверх того же backend — как после рестарта процесса.
	pm2 := NewPatternManager(NewCounterStore(backend))
	if got := pm2.Render("{counter}", file, 1).Name; got != "3.txt" {
		t.Fatalf("после рестарта ожидалось продолжение с 3, получено %q", got)
	}
}

func TestPreviewDoesNotAdvanceCounter(t *testing.T) {
	pm := newTestManager()
	file := FileInfo{Name: "movie.mp4", Size: 100, Type: "video"}

	for i := 0; i < 5; i++ {
		pm.Preview("{counter}_{original}", 1, &file)
	}
	if got := pm.Render("{counter}_{original}", file, 1).Name; got != "1_movie.mp4" {
		t.Fatalf("preview не должен двигать счетчик, получено %q", got)
	}
}

func TestPreviewDefaultSample(t *testing.T) {
	pm := newTestManager()
	got := pm.Preview("{original}", 1, nil)
	if got != "sample_video.mp4" {
		t.Fatalf("получено %q", got)
	}
}

func TestRenderConcurrentCountersUnique(t *testing.T) {
	pm := newTestManager()
	file := FileInfo{Name: "movie.mp4", Size: 100, Type: "video"}

	const n = 50
	results := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- pm.Render("{counter:04d}_{original}", file, 42).Name
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[string]bool)
	for name := range results {
		if seen[name] {
			t.Fatalf("повторяющееся имя при параллельном применении: %q", name)
		}
		seen[name] = true
	}
	if len(seen) != n {
		t.Fatalf("ожидалось %d уникальных имен, получено %d", n, len(seen))
	}
}

func TestResetCounters(t *testing.T) {
	pm := newTestManager()
	file := FileInfo{Name: "a.txt", Size: 1, Type: "document"}

	pm.Render("{counter}", file, 1)
	pm.Render("{counter}", file, 1)
	if err := pm.counters.Reset(1); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if got := pm.Render("{counter}", file, 1).Name; got != "1.txt" {
		t.Fatalf("после сброса ожидалось 1, получено %q", got)
	}
}

func TestRenderRandomWidth(t *testing.T) {
	pm := newTestManager()
	file := FileInfo{Name: "a.txt", Size: 1, Type: "document"}

	re := regexp.MustCompile(`^r_(\d{4})\.txt$`)
	got := pm.Render("r_{random:4}", file, 1).Name
	if !re.MatchString(got) {
		t.Fatalf("ожидались ровно 4 цифры, получено %q", got)
	}
}

func TestRenderRandomSameWidthShared(t *testing.T) {
	pm := newTestManager()
	file := FileInfo{Name: "a.txt", Size: 1, Type: "document"}

	got := pm.Render("{random:8}_{random:8}", file, 1).Name
	parts := strings.SplitN(strings.TrimSuffix(got, ".txt"), "_", 2)
	if len(parts) != 2 || parts[0] != parts[1] {
		t.Fatalf("одинаковая ширина должна давать одно значение, получено %q", got)
	}
}

func TestRenderInvalidRandomWidthLeftLiteral(t *testing.T) {
	pm := newTestManager()
	file := FileInfo{Name: "a.txt", Size: 1, Type: "document"}

	got := pm.Render("x_{random:zz}", file, 1).Name
	if got != "x_{random_zz}.txt" {
		// ":" чистится санитайзером, сам токен остается в имени.
		t.Fatalf("получено %q", got)
	}
}

func TestRenderHugeWidthsCapped(t *testing.T) {
	pm := newTestManager()
	file := FileInfo{Name: "a.txt", Size: 1, Type: "document"}

	// Гигантская ширина счетчика не раздувает имя — число идет без паддинга.
	if got := pm.Render("{counter:999999999d}", file, 1).Name; got != "1.txt" {
		t.Fatalf("получено %q", got)
	}
	// Гигантская ширина random оставляет токен литералом.
	if got := pm.Render("x_{random:999}", file, 2).Name; got != "x_{random_999}.txt" {
		t.Fatalf("получено %q", got)
	}
}

func TestRenderExtensionAppended(t *testing.T) {
	pm := newTestManager()
	file := FileInfo{Name: "report.pdf", Size: 100, Type: "document"}

	got := pm.Render("{date}_{counter}", file, 1).Name
	if !strings.HasSuffix(got, ".pdf") {
		t.Fatalf("расширение исходника должно сохраниться, получено %q", got)
	}
	if strings.Count(got, ".pdf") != 1 {
		t.Fatalf("расширение не должно дублироваться, получено %q", got)
	}
}

func TestRenderUnknownVariableLeftLiteral(t *testing.T) {
	pm := newTestManager()
	file := FileInfo{Name: "a.txt", Size: 1, Type: "document"}

	// Невалидный шаблон до Render доходить не должен, но если дошел —
	// неизвестная переменная остается литералом, без сбоя.
	got := pm.Render("{bogus}_x", file, 1).Name
	if got != "{bogus}_x.txt" {
		t.Fatalf("получено %q", got)
	}
}

func TestSanitizeName(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"a//b::c", "a_b_c"},
		{"file*?.mp4", "file_.mp4"},
		{"__x__", "x"},
		{"", "renamed_file"},
		{"///", "renamed_file"},
		{"normal_name.txt", "normal_name.txt"},
		{`a<b>c|d"e`, "a_b_c_d_e"},
	}
	for _, tc := range cases {
		if got := sanitizeName(tc.in); got != tc.want {
			t.Fatalf("sanitizeName(%q) = %q, ожидалось %q", tc.in, got, tc.want)
		}
	}
}

func TestSanitizeNameIdempotent(t *testing.T) {
	inputs := []string{"a//b::c", "file*?.mp4", "__x__", "///", "ok.txt"}
	for _, in := range inputs {
		once := sanitizeName(in)
		twice := sanitizeName(once)
		if once != twice {
			t.Fatalf("санитайзер не идемпотентен: %q -> %q -> %q", in, once, twice)
		}
	}
}

func TestFormatCounter(t *testing.T) {
	cases := []struct {
		value int64
		spec  string
		want  string
	}{
		{1, "", "1"},
		{1, "02d", "01"},
		{7, "03d", "007"},
		{123, "02d", "123"},
		{5, "d", "5"},
		{5, "x5", "5"},        // невалидный спецификатор
		{5, "02f", "5"},       // не d
		{5, "999999999d", "5"}, // шире maxPadWidth
		{5, "64d", fmt.Sprintf("%64d", 5)},
	}
	for _, tc := range cases {
		if got := formatCounter(tc.value, tc.spec); got != tc.want {
			t.Fatalf("formatCounter(%d, %q) = %q, ожидалось %q", tc.value, tc.spec, got, tc.want)
		}
	}
}

func TestFormatPatternSize(t *testing.T) {
	cases := []struct {
		size int64
		want string
	}{
		{0, "0B"},
		{512, "512.0B"},
		{1536, "1.5KB"},
		{150 * 1024 * 1024, "150.0MB"},
		{3 * 1024 * 1024 * 1024, "3.0GB"},
		{2 * 1024 * 1024 * 1024 * 1024, "2048.0GB"}, // выше GB не масштабируется
	}
	for _, tc := range cases {
		if got := formatPatternSize(tc.size); got != tc.want {
			t.Fatalf("formatPatternSize(%d) = %q, ожидалось %q", tc.size, got, tc.want)
		}
	}
}

func TestFallbackName(t *testing.T) {
	got := fallbackName(FileInfo{Name: "report.pdf"})
	re := regexp.MustCompile(`^report_\d{8}_\d{6}\.pdf$`)
	if !re.MatchString(got) {
		t.Fatalf("получено %q", got)
	}

	got = fallbackName(FileInfo{})
	re = regexp.MustCompile(`^file_\d{8}_\d{6}$`)
	if !re.MatchString(got) {
		t.Fatalf("пустое имя: получено %q", got)
	}
}

func TestPatternKeyStable(t *testing.T) {
	a, b := patternKey("{counter}_{original}"), patternKey("{counter}_{original}")
	if a != b {
		t.Fatalf("ключ должен быть стабильным: %q != %q", a, b)
	}
	if !strings.HasPrefix(a, "counter_") {
		t.Fatalf("неверный префикс ключа: %q", a)
	}
	if a == patternKey("{counter}_{date}") {
		t.Fatalf("разные шаблоны не должны делить ключ")
	}
}

func TestPatternTemplatesValid(t *testing.T) {
	pm := newTestManager()
	for name, template := range patternTemplates {
		if err := pm.ValidatePattern(template); err != nil {
			t.Fatalf("встроенный шаблон %q невалиден: %v", name, err)
		}
	}
}
