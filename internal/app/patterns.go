package app

import (
	"fmt"
	"log"
	"math/rand"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ==========================================
// ШАБЛОНЫ ИМЕН ФАЙЛОВ
// ==========================================

// FileInfo — сведения о файле, подставляемые в шаблон.
type FileInfo struct {
	Name string
	Size int64
	Type string
}

// RenderResult — итог применения шаблона. Degraded=true означает, что
// вместо шаблонного имени выдано резервное (original_ГГГГММДД_ЧЧММСС.ext)
// и пользователя нужно предупредить.
type RenderResult struct {
	Name     string
	Degraded bool
}

type tokenKind int

const (
	tokenLiteral tokenKind = iota
	tokenStatic
	tokenCounter
	tokenRandom
)

// patternToken — один элемент разобранного шаблона.
// text хранит исходный текст ("{counter:02d}"), чтобы невалидные
// подстановки можно было оставить как есть.
type patternToken struct {
	kind tokenKind
	text string
	name string
	spec string
}

// Ошибки валидации шаблона.
var (
	ErrEmptyPattern     = fmt.Errorf("pattern cannot be empty")
	ErrUnbalancedBraces = fmt.Errorf("unmatched braces in pattern")
	ErrPatternCollapses = fmt.Errorf("pattern would result in invalid filename")
)

// UnknownVariableError — шаблон ссылается на неизвестную переменную.
type UnknownVariableError struct {
	Var string
}

func (e *UnknownVariableError) Error() string {
	return fmt.Sprintf("Unknown variable: {%s}", e.Var)
}

var counterSpecRe = regexp.MustCompile(`^\d*d$`)

// maxPadWidth ограничивает ширину подстановок: {counter:999999999d}
// не должен раздувать имя до гигабайтной строки.
const maxPadWidth = 64

// patternVariables — словарь переменных с описаниями для /pattern.
var patternVariables = map[string]string{
	"counter":       "Auto-incrementing number (1, 2, 3...)",
	"counter:02d":   "Zero-padded counter (01, 02, 03...)",
	"counter:03d":   "3-digit padded counter (001, 002, 003...)",
	"date":          "Current date (YYYYMMDD)",
	"time":          "Current time (HHMMSS)",
	"datetime":      "Date and time (YYYYMMDD_HHMMSS)",
	"year":          "Current year (YYYY)",
	"month":         "Current month (MM)",
	"day":           "Current day (DD)",
	"hour":          "Current hour (HH)",
	"minute":        "Current minute (MM)",
	"second":        "Current second (SS)",
	"original":      "Original filename (without extension)",
	"original_full": "Original filename (with extension)",
	"ext":           "File extension (.mp4, .jpg, etc.)",
	"user":          "User's first name",
	"username":      "User's username",
	"user_id":       "User's Telegram ID",
	"size":          "File size (formatted)",
	"size_mb":       "File size in MB",
	"type":          "File type (video, audio, image, etc.)",
	"random":        "Random 6-digit number",
	"random:4":      "4-digit random number",
	"random:8":      "8-digit random number",
	"uuid":          "Short UUID (8 characters)",
	"timestamp":     "Unix timestamp",
}

// patternTemplates — готовые шаблоны на типовые случаи.
var patternTemplates = map[string]string{
	"movie_collection":  "Movie_{counter:02d}_{original}",
	"date_based":        "{date}_{time}_{original}",
	"user_files":        "{user}_{counter}_{original}",
	"numbered_sequence": "{original}_{counter:03d}",
	"timestamped":       "{timestamp}_{original}",
	"categorized":       "{type}_{date}_{original}",
	"professional":      "{year}{month}{day}_{counter:04d}_{original}",
}

// PatternManager — разбор, проверка и применение шаблонов имен.
type PatternManager struct {
	counters *CounterStore
}

func NewPatternManager(cs *CounterStore) *PatternManager {
	return &PatternManager{counters: cs}
}

// ==========================================
// ТОКЕНИЗАЦИЯ
// ==========================================

// tokenizePattern разбирает шаблон за один проход. Незакрытая скобка
// уходит в литерал — валидатор ловит ее отдельно по счетчику скобок.
func tokenizePattern(pattern string) []patternToken {
	var tokens []patternToken
	var literal strings.Builder

	flush := func() {
		if literal.Len() > 0 {
			tokens = append(tokens, patternToken{kind: tokenLiteral, text: literal.String()})
			literal.Reset()
		}
	}

	for i := 0; i < len(pattern); {
		if pattern[i] != '{' {
			literal.WriteByte(pattern[i])
			i++
			continue
		}
		end := strings.IndexByte(pattern[i:], '}')
		if end < 0 {
			literal.WriteString(pattern[i:])
			break
		}
		inner := pattern[i+1 : i+end]
		text := pattern[i : i+end+1]
		i += end + 1

		name, spec := inner, ""
		if p := strings.Index(inner, ":"); p >= 0 {
			name, spec = inner[:p], inner[p+1:]
		}

		flush()
		switch {
		case name == "counter":
			tokens = append(tokens, patternToken{kind: tokenCounter, text: text, name: name, spec: spec})
		case name == "random" && spec != "":
			tokens = append(tokens, patternToken{kind: tokenRandom, text: text, name: name, spec: spec})
		default:
			tokens = append(tokens, patternToken{kind: tokenStatic, text: text, name: name, spec: spec})
		}
	}
	flush()
	return tokens
}

// ==========================================
// ВАЛИДАЦИЯ
// ==========================================

// ValidatePattern проверяет шаблон перед сохранением. Побочных эффектов нет.
//
// Проверка скобок — только подсчет количества, без сопоставления пар.
// Шаблон вида "}a{" ее проходит: это осознанное слабое место, см. DESIGN.md.
func (pm *PatternManager) ValidatePattern(pattern string) error {
	if strings.TrimSpace(pattern) == "" {
		return ErrEmptyPattern
	}
	if strings.Count(pattern, "{") != strings.Count(pattern, "}") {
		return ErrUnbalancedBraces
	}
	for _, tok := range tokenizePattern(pattern) {
		if tok.kind == tokenLiteral {
			continue
		}
		if tok.name == "counter" || tok.name == "random" {
			continue
		}
		if _, ok := patternVariables[tok.name]; !ok {
			full := tok.name
			if tok.spec != "" {
				full = tok.name + ":" + tok.spec
			}
			return &UnknownVariableError{Var: full}
		}
	}
	if cleanName(pattern) == "" {
		return ErrPatternCollapses
	}
	return nil
}

// ==========================================
// ПРИМЕНЕНИЕ ШАБЛОНА
// ==========================================

// Render применяет шаблон к файлу. Счетчик (user, pattern) увеличивается
// только после успешной сборки имени; чтение и инкремент сериализованы
// per-user блокировкой, иначе параллельные загрузки получат одинаковые
// номера и одинаковые имена.
func (pm *PatternManager) Render(pattern string, file FileInfo, userID int64) RenderResult {
	lock := pm.counters.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	current := pm.counters.currentLocked(userID, pattern)
	name, ok := pm.renderWithCounter(pattern, file, userID, current)
	if !ok {
		return RenderResult{Name: fallbackName(file), Degraded: true}
	}
	pm.counters.advanceLocked(userID, pattern, current+1)
	return RenderResult{Name: name}
}

// Preview собирает имя по шаблону, не трогая счетчик.
func (pm *PatternManager) Preview(pattern string, userID int64, sample *FileInfo) string {
	file := FileInfo{Name: "sample_video.mp4", Size: 150 * 1024 * 1024, Type: "video"}
	if sample != nil {
		file = *sample
	}
	current := pm.counters.Current(userID, pattern)
	name, ok := pm.renderWithCounter(pattern, file, userID, current)
	if !ok {
		return fallbackName(file)
	}
	return name
}

func (pm *PatternManager) renderWithCounter(pattern string, file FileInfo, userID int64, counter int64) (result string, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("❌ Сбой применения шаблона %q: %v", pattern, r)
			ok = false
		}
	}()

	ctx := pm.buildContext(file, userID)
	ext := ctx["ext"]

	var out strings.Builder
	randomByWidth := make(map[string]string)
	for _, tok := range tokenizePattern(pattern) {
		switch tok.kind {
		case tokenLiteral:
			out.WriteString(tok.text)
		case tokenCounter:
			out.WriteString(formatCounter(counter, tok.spec))
		case tokenRandom:
			// Одинаковая ширина в одном шаблоне дает одно и то же значение:
			// так вел себя и строковый replace по тексту токена.
			value, seen := randomByWidth[tok.spec]
			if !seen {
				width, err := strconv.Atoi(tok.spec)
				if err != nil || width <= 0 || width > maxPadWidth {
					out.WriteString(tok.text)
					continue
				}
				value = randomDigits(width)
				randomByWidth[tok.spec] = value
			}
			out.WriteString(value)
		case tokenStatic:
			key := tok.name
			if tok.spec != "" {
				key = tok.name + ":" + tok.spec
			}
			if value, found := ctx[key]; found {
				out.WriteString(value)
			} else {
				// Неизвестные переменные остаются литералом: отказ им
				// уже вынесла ValidatePattern при сохранении.
				out.WriteString(tok.text)
			}
		}
	}

	name := sanitizeName(out.String())
	if ext != "" && !strings.HasSuffix(name, ext) {
		name += ext
	}
	return name, true
}

// buildContext собирает значения статических переменных на момент вызова.
func (pm *PatternManager) buildContext(file FileInfo, userID int64) map[string]string {
	now := time.Now()

	firstName, username := "User", ""
	if dataManager != nil {
		if u, err := dataManager.GetUser(userID); err == nil && u != nil {
			if u.FirstName != "" {
				firstName = u.FirstName
			}
			username = u.Username
		}
	}
	if username == "" {
		username = firstName
	}

	original := file.Name
	if original == "" {
		original = "file"
	}

	ctx := map[string]string{
		"date":          now.Format("20060102"),
		"time":          now.Format("150405"),
		"datetime":      now.Format("20060102_150405"),
		"year":          now.Format("2006"),
		"month":         now.Format("01"),
		"day":           now.Format("02"),
		"hour":          now.Format("15"),
		"minute":        now.Format("04"),
		"second":        now.Format("05"),
		"original":      stripExtension(original),
		"original_full": original,
		"ext":           extensionOf(original),
		"user":          firstName,
		"username":      username,
		"user_id":       strconv.FormatInt(userID, 10),
		"size":          formatPatternSize(file.Size),
		"size_mb":       fmt.Sprintf("%.1f", float64(file.Size)/(1024*1024)),
		"type":          file.Type,
		"timestamp":     strconv.FormatInt(now.Unix(), 10),
		"uuid":          shortUUID(),
		"random":        randomDigits(6),
	}
	if ctx["type"] == "" {
		ctx["type"] = "file"
	}
	return ctx
}

// formatCounter форматирует счетчик по printf-спецификатору ("02d" -> %02d).
// Невалидный или чрезмерно широкий спецификатор не роняет сборку имени —
// число идет как есть.
func formatCounter(value int64, spec string) string {
	if spec == "" || !counterSpecRe.MatchString(spec) {
		return strconv.FormatInt(value, 10)
	}
	if width, err := strconv.Atoi(strings.TrimSuffix(spec, "d")); err == nil && width > maxPadWidth {
		return strconv.FormatInt(value, 10)
	}
	return fmt.Sprintf("%"+spec, value)
}

func fallbackName(file FileInfo) string {
	name := file.Name
	if name == "" {
		name = "file"
	}
	return stripExtension(name) + "_" + time.Now().Format("20060102_150405") + extensionOf(name)
}

// ==========================================
// САНИТАЙЗЕР
// ==========================================

// sanitizeName чистит собранное имя: запрещенные символы -> "_",
// серии "_" схлопываются, края обрезаются. Идемпотентна.
func sanitizeName(name string) string {
	cleaned := cleanName(name)
	if cleaned == "" {
		return "renamed_file"
	}
	return cleaned
}

func cleanName(name string) string {
	cleaned := name
	for _, ch := range []string{"/", "\\", ":", "*", "?", "\"", "<", ">", "|"} {
		cleaned = strings.ReplaceAll(cleaned, ch, "_")
	}
	for strings.Contains(cleaned, "__") {
		cleaned = strings.ReplaceAll(cleaned, "__", "_")
	}
	return strings.Trim(cleaned, "_")
}

// ==========================================
// ВСПОМОГАТЕЛЬНОЕ
// ==========================================

func stripExtension(name string) string {
	if p := strings.LastIndexByte(name, '.'); p >= 0 {
		return name[:p]
	}
	return name
}

func extensionOf(name string) string {
	if p := strings.LastIndexByte(name, '.'); p >= 0 {
		return name[p:]
	}
	return ""
}

// formatPatternSize — значение переменной {size}: двоичные единицы,
// один знак после запятой, дальше GB не масштабируем.
func formatPatternSize(size int64) string {
	if size == 0 {
		return "0B"
	}
	value := float64(size)
	for _, unit := range []string{"B", "KB", "MB"} {
		if value < 1024 {
			return fmt.Sprintf("%.1f%s", value, unit)
		}
		value /= 1024
	}
	return fmt.Sprintf("%.1fGB", value)
}

func randomDigits(n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		b.WriteByte(byte('0' + rand.Intn(10)))
	}
	return b.String()
}

func shortUUID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}
