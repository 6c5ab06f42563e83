package storage

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestHashFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "result.rpm")
	writeFile(t, path, "hello\n")

	hash, size, err := HashFile(path)
	if err != nil {
		t.Fatalf("HashFile: %v", err)
	}
	if hash != "f572d396fae9206628714fb2ce00f72e94f2258f" {
		t.Errorf("hash = %s", hash)
	}
	if size != 6 {
		t.Errorf("size = %d", size)
	}
}

func TestSizeMB(t *testing.T) {
	tests := []struct {
		bytes int64
		want  float64
	}{
		{0, 0},
		{2 << 20, 2},
		{5 << 20, 5},
		{1 << 19, 0.5},
		{10<<20 - 1, 10},
		{10<<20 - 10000, 9.99},
	}
	for _, tt := range tests {
		if got := SizeMB(tt.bytes); got != tt.want {
			t.Errorf("SizeMB(%d) = %v, want %v", tt.bytes, got, tt.want)
		}
	}
}

func TestPrependBanner(t *testing.T) {
	path := filepath.Join(t.TempDir(), "build.log")
	writeFile(t, path, "line 1\nline 2\n")

	if err := PrependBanner(path, "==> See: 'http://abf/build_lists/42'\n\n"); err != nil {
		t.Fatalf("PrependBanner: %v", err)
	}
	data, _ := os.ReadFile(path)
	want := "==> See: 'http://abf/build_lists/42'\n\nline 1\nline 2\n"
	if string(data) != want {
		t.Errorf("content = %q", data)
	}
}

type failingCopy struct{ after int64 }

func (f failingCopy) copy(dst io.Writer, src io.Reader) (int64, error) {
	n, _ := io.CopyN(dst, src, f.after)
	return n, errors.New("disk went away")
}

func TestPrependBannerInterruptedLeavesOriginal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "build.log")
	original := strings.Repeat("compiling...\n", 1000)
	writeFile(t, path, original)

	copyContent = failingCopy{after: 100}.copy
	defer func() { copyContent = io.Copy }()

	if err := PrependBanner(path, "==> See: 'x'\n\n"); err == nil {
		t.Fatal("expected interrupted rewrite to fail")
	}
	data, _ := os.ReadFile(path)
	if string(data) != original {
		t.Fatal("original file was modified by an interrupted rewrite")
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("temp file left behind: %d entries", len(entries))
	}
}

func TestTarGzCompress(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "build.log")
	content := strings.Repeat("x", 4096)
	writeFile(t, path, content)

	archive, err := TarGz{}.Compress(path)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if archive != path+ArchiveSuffix {
		t.Errorf("archive = %s", archive)
	}

	f, err := os.Open(archive)
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		t.Fatalf("gzip: %v", err)
	}
	tr := tar.NewReader(gz)
	hdr, err := tr.Next()
	if err != nil {
		t.Fatalf("tar: %v", err)
	}
	if hdr.Name != "build.log" {
		t.Errorf("entry name = %s", hdr.Name)
	}
	body, _ := io.ReadAll(tr)
	if string(body) != content {
		t.Error("archived content differs")
	}
}
