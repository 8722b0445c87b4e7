package app

import (
	"strings"
	"testing"
	"time"
)

func TestFileCategory(t *testing.T) {
	cases := []struct {
		name string
		want string
	}{
		{"movie.mp4", "video"},
		{"movie.MKV", "video"},
		{"song.mp3", "audio"},
		{"photo.jpeg", "image"},
		{"report.pdf", "document"},
		{"archive.tar", "archive"},
		{"binary.exe", "other"},
		{"noext", "other"},
	}
	for _, tc := range cases {
		if got := fileCategory(tc.name); got != tc.want {
			t.Fatalf("fileCategory(%q) = %q, ожидалось %q", tc.name, got, tc.want)
		}
	}
}

func TestValidateFilename(t *testing.T) {
	cases := []struct {
		name   string
		input  string
		wantOK bool
	}{
		{"normal", "report_final.pdf", true},
		{"with_spaces_inside", "my report.pdf", true},
		{"empty", "", false},
		{"too_long", strings.Repeat("a", 256), false},
		{"slash", "dir/file.txt", false},
		{"backslash", `dir\file.txt`, false},
		{"colon", "a:b.txt", false},
		{"nul_byte", "a\x00b.txt", false},
		{"reserved_con", "CON.txt", false},
		{"reserved_lpt_lower", "lpt1.doc", false},
		{"leading_space", " file.txt", false},
		{"trailing_dot", "file.", false},
		{"leading_dot", ".hidden", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := validateFilename(tc.input)
			if tc.wantOK && err != nil {
				t.Fatalf("validateFilename(%q) отклонил валидное имя: %v", tc.input, err)
			}
			if !tc.wantOK && err == nil {
				t.Fatalf("validateFilename(%q) пропустил невалидное имя", tc.input)
			}
		})
	}
}

func TestSanitizeUploadName(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"ok.mp4", "ok.mp4"},
		{"", "unnamed_file"},
		{"a/b\\c.txt", "a_b_c.txt"},
		{" . ", "unnamed_file"},
		{"  edge.mp4  ", "edge.mp4"},
	}
	for _, tc := range cases {
		if got := sanitizeUploadName(tc.in); got != tc.want {
			t.Fatalf("sanitizeUploadName(%q) = %q, ожидалось %q", tc.in, got, tc.want)
		}
	}
}

func TestSanitizeUploadNameLongKeepsExtension(t *testing.T) {
	long := strings.Repeat("x", 300) + ".mp4"
	got := sanitizeUploadName(long)
	if len(got) > 255 {
		t.Fatalf("длина %d превышает 255", len(got))
	}
	if !strings.HasSuffix(got, ".mp4") {
		t.Fatalf("расширение потеряно: %q", got)
	}
}

func TestFormatBytes(t *testing.T) {
	cases := []struct {
		in   uint64
		want string
	}{
		{0, "0 B"},
		{512, "512 B"},
		{2048, "2.00 KB"},
		{5 * 1024 * 1024, "5.00 MB"},
		{3 * 1024 * 1024 * 1024, "3.00 GB"},
	}
	for _, tc := range cases {
		if got := formatBytes(tc.in); got != tc.want {
			t.Fatalf("formatBytes(%d) = %q, ожидалось %q", tc.in, got, tc.want)
		}
	}
}

func TestFormatDuration(t *testing.T) {
	cases := []struct {
		in   time.Duration
		want string
	}{
		{30 * time.Second, "30s"},
		{90 * time.Second, "1m30s"},
		{2*time.Hour + 15*time.Minute, "2h15m"},
		{50 * time.Hour, "2d2h"},
	}
	for _, tc := range cases {
		if got := formatDuration(tc.in); got != tc.want {
			t.Fatalf("formatDuration(%v) = %q, ожидалось %q", tc.in, got, tc.want)
		}
	}
}

func TestShorten(t *testing.T) {
	if got := shorten("hello", 10); got != "hello" {
		t.Fatalf("короткая строка должна остаться как есть: %q", got)
	}
	if got := shorten("hello world", 5); got != "hello..." {
		t.Fatalf("получено %q", got)
	}
	if got := shorten("привет мир", 6); got != "привет..." {
		t.Fatalf("руны должны резаться корректно: %q", got)
	}
	if got := shorten("x", 0); got != "" {
		t.Fatalf("получено %q", got)
	}
}
