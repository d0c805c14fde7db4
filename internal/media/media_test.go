package media

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"whatsbot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestReadAllWithLimit(t *testing.T) {
	data, err := ReadAllWithLimit(strings.NewReader("hello"), 5)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	_, err = ReadAllWithLimit(strings.NewReader("hello!"), 5)
	assert.ErrorIs(t, err, domain.ErrMediaTooLarge)

	_, err = ReadAllWithLimit(nil, 5)
	assert.Error(t, err)

	_, err = ReadAllWithLimit(strings.NewReader("x"), 0)
	assert.Error(t, err)
}

func TestDownloaderGet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Api-Key") != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "image/png; charset=binary")
		_, _ = w.Write([]byte("\x89PNG\r\n\x1a\nrest"))
	}))
	defer srv.Close()

	d := NewDownloader(DownloaderConfig{MaxBytes: 1024, Logger: testLogger()})

	blob, err := d.Get(context.Background(), srv.URL+"/files/pic.png", http.Header{"X-Api-Key": {"secret"}})
	require.NoError(t, err)
	assert.Equal(t, "image/png", blob.ContentType)
	assert.Equal(t, "pic.png", blob.Filename)
	assert.Len(t, blob.Data, 12)

	_, err = d.Get(context.Background(), srv.URL+"/files/pic.png", nil)
	assert.ErrorIs(t, err, domain.ErrMediaFetch)
}

func TestDownloaderRejectsOversized(t *testing.T) {
	payload := strings.Repeat("a", 64)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Chunked response, no Content-Length.
		w.(http.Flusher).Flush()
		_, _ = io.WriteString(w, payload)
	}))
	defer srv.Close()

	d := NewDownloader(DownloaderConfig{MaxBytes: 32, Logger: testLogger()})
	_, err := d.Get(context.Background(), srv.URL, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrMediaFetch)
	assert.ErrorIs(t, err, domain.ErrMediaTooLarge)
}

func TestDownloaderRejectsDeclaredLength(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "4096")
		_, _ = w.Write(make([]byte, 4096))
	}))
	defer srv.Close()

	d := NewDownloader(DownloaderConfig{MaxBytes: 100, Logger: testLogger()})
	_, err := d.Get(context.Background(), srv.URL, nil)
	assert.ErrorIs(t, err, domain.ErrMediaTooLarge)
}

func TestDownloaderSniffsGenericType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write([]byte("%PDF-1.4\n%âãÏÓ\n"))
	}))
	defer srv.Close()

	d := NewDownloader(DownloaderConfig{Logger: testLogger()})
	blob, err := d.Get(context.Background(), srv.URL+"/doc", nil)
	require.NoError(t, err)
	assert.Equal(t, "application/pdf", blob.ContentType)
}

func TestDownloaderTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	d := NewDownloader(DownloaderConfig{Timeout: 50 * time.Millisecond, Logger: testLogger()})
	_, err := d.Get(context.Background(), srv.URL, nil)
	assert.ErrorIs(t, err, domain.ErrMediaFetch)
}

func TestFilenameFrom(t *testing.T) {
	assert.Equal(t, "report.pdf", filenameFrom("https://x/y/z", `attachment; filename="report.pdf"`))
	assert.Equal(t, "z.ogg", filenameFrom("https://x/y/z.ogg?sig=1", ""))
	assert.Equal(t, "", filenameFrom("https://x/", ""))
}

func TestSniff(t *testing.T) {
	pdf := []byte("%PDF-1.7\n")
	assert.True(t, IsPDF(pdf))
	assert.False(t, IsPDF([]byte("plain words")))
	assert.Equal(t, ".pdf", Extension(pdf, ".bin"))

	assert.True(t, IsPDFType("application/pdf"))
	assert.True(t, IsPDFType("Application/PDF; name=x"))
	assert.False(t, IsPDFType("image/png"))

	assert.True(t, IsGenericType(""))
	assert.True(t, IsGenericType("application/octet-stream"))
	assert.False(t, IsGenericType("audio/ogg"))
}

func TestTruncateChars(t *testing.T) {
	assert.Equal(t, "abc", TruncateChars("abcdef", 3))
	assert.Equal(t, "abc", TruncateChars("abc", 3))
	assert.Equal(t, "ğüş", TruncateChars("ğüşiöç", 3))
	assert.Equal(t, "anything", TruncateChars("anything", 0))
}

func TestExtractPDFTextRejectsGarbage(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "bad.pdf")
	require.NoError(t, os.WriteFile(p, []byte("not a pdf at all"), 0o600))

	_, err := ExtractPDFText(p, 100)
	assert.Error(t, err)

	_, err = ExtractPDFText(filepath.Join(dir, "missing.pdf"), 100)
	assert.Error(t, err)
}

func TestWorkspaceWriteRemove(t *testing.T) {
	ws, err := NewWorkspace(filepath.Join(t.TempDir(), "media"), time.Hour, testLogger())
	require.NoError(t, err)

	p, err := ws.Write([]byte("data"), ".ogg")
	require.NoError(t, err)
	assert.Equal(t, ".ogg", filepath.Ext(p))
	assert.Equal(t, ws.Dir(), filepath.Dir(p))

	got, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, "data", string(got))

	ws.Remove(p)
	_, err = os.Stat(p)
	assert.True(t, errors.Is(err, os.ErrNotExist))

	// Removing twice or removing nothing is harmless.
	ws.Remove(p)
	ws.Remove("")
}

func TestWorkspaceCleanup(t *testing.T) {
	ws, err := NewWorkspace(t.TempDir(), time.Hour, testLogger())
	require.NoError(t, err)

	oldPath, err := ws.Write([]byte("old"), ".jpg")
	require.NoError(t, err)
	freshPath, err := ws.Write([]byte("fresh"), ".jpg")
	require.NoError(t, err)

	past := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(oldPath, past, past))

	n, err := ws.Cleanup(time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = os.Stat(oldPath)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(freshPath)
	assert.NoError(t, err)
}

func TestRunJanitorStopsOnCancel(t *testing.T) {
	ws, err := NewWorkspace(t.TempDir(), time.Hour, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ws.RunJanitor(ctx, 10*time.Millisecond) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("janitor did not stop")
	}
}
