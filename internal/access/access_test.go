package access

import (
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testEnv struct {
	svc      *Service
	root     string
	auditLog string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	root := t.TempDir()
	state := t.TempDir()
	auditLog := filepath.Join(state, "access.log")

	svc := NewService(Options{
		ExportRoot:        root,
		DenyPrefixes:      testDenyPrefixes,
		RateLimitFile:     filepath.Join(state, "rate_limit.json"),
		AccessLogFile:     auditLog,
		LogAccess:         true,
		SearchAttempts:    5,
		SearchWindow:      5 * time.Minute,
		DownloadAttempts:  10,
		DownloadWindow:    time.Minute,
		AllowedExtensions: []string{"zip", "pdf"},
		AllowedMIMETypes:  []string{"application/zip", "application/pdf"},
		TrustedProxies:    []string{"127.0.0.1"},
		Logger:            zap.NewNop(),
	})
	return &testEnv{svc: svc, root: root, auditLog: auditLog}
}

func (e *testEnv) addTokenDir(t *testing.T, token string, files map[string][]byte) string {
	t.Helper()
	dir := filepath.Join(e.root, token)
	require.NoError(t, os.Mkdir(dir, 0o750))
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), content, 0o640))
	}
	return dir
}

func listReq(token string) Request {
	h := http.Header{}
	h.Set("User-Agent", "test-agent")
	return Request{Token: token, RemoteAddr: "203.0.113.9:51234", Header: h}
}

func downloadReq(token, file string) Request {
	r := listReq(token)
	r.FileName = file
	return r
}

func (e *testEnv) lastAction(t *testing.T) Action {
	t.Helper()
	recs := readRecords(t, e.auditLog)
	require.NotEmpty(t, recs)
	return recs[len(recs)-1].Action
}

func TestListDocuments_DirectoryForm(t *testing.T) {
	e := newTestEnv(t)
	e.addTokenDir(t, "DEMO87654321", map[string][]byte{"docs.zip": zipBytes(500000)})

	result, rej := e.svc.ListDocuments(listReq("DEMO87654321"))
	require.Nil(t, rej)
	require.Len(t, result.Documents, 1)
	assert.Equal(t, 1, result.Count)

	doc := result.Documents[0]
	assert.Equal(t, "docs.zip", doc.Name)
	assert.Equal(t, "488.28 KB", doc.Size)
	assert.Equal(t, "/download?token=DEMO87654321&file=docs.zip", doc.DownloadURL)
	assert.NotEmpty(t, doc.Modified)
	assert.Equal(t, ActionSuccess, e.lastAction(t))
}

func TestListDocuments_FiltersToAllowedExtensions(t *testing.T) {
	e := newTestEnv(t)
	e.addTokenDir(t, "DEMO87654321", map[string][]byte{
		"b.zip":      zipBytes(100),
		"a.pdf":      pdfBytes(),
		"notes.txt":  []byte("skip"),
		".hidden.gz": []byte("skip"),
	})

	result, rej := e.svc.ListDocuments(listReq("DEMO87654321"))
	require.Nil(t, rej)
	require.Len(t, result.Documents, 2)
	assert.Equal(t, 2, result.Count)
	assert.Equal(t, "a.pdf", result.Documents[0].Name, "entries are sorted by name")
	assert.Equal(t, "b.zip", result.Documents[1].Name)
}

func TestListDocuments_MetadataFileNotListed(t *testing.T) {
	e := newTestEnv(t)
	dir := e.addTokenDir(t, "DEMO87654321", map[string][]byte{"docs.zip": zipBytes(100)})
	writeMetadata(t, dir, map[string]any{"max_downloads": 5, "download_count": 0})

	result, rej := e.svc.ListDocuments(listReq("DEMO87654321"))
	require.Nil(t, rej)
	require.Len(t, result.Documents, 1)
	assert.Equal(t, "docs.zip", result.Documents[0].Name)
}

func TestListDocuments_LegacyFlatFile(t *testing.T) {
	e := newTestEnv(t)
	require.NoError(t, os.WriteFile(filepath.Join(e.root, "LEGACY123456.zip"), zipBytes(2048), 0o640))

	result, rej := e.svc.ListDocuments(listReq("LEGACY123456"))
	require.Nil(t, rej)
	require.Len(t, result.Documents, 1)
	assert.Equal(t, 1, result.Count)
	assert.Equal(t, "LEGACY123456.zip", result.Documents[0].Name)
	assert.Equal(t, "2 KB", result.Documents[0].Size)
}

func TestListDocuments_TokenNotFound(t *testing.T) {
	e := newTestEnv(t)

	_, rej := e.svc.ListDocuments(listReq("NOSUCHTOKEN1"))
	require.NotNil(t, rej)
	assert.Equal(t, http.StatusNotFound, rej.Status)
	assert.Equal(t, "Token not found. Please check it and try again.", rej.Message)
	assert.Equal(t, ActionTokenNotFound, e.lastAction(t))
}

func TestListDocuments_EmptyToken(t *testing.T) {
	e := newTestEnv(t)

	_, rej := e.svc.ListDocuments(listReq(""))
	require.NotNil(t, rej)
	assert.Equal(t, http.StatusBadRequest, rej.Status)
}

func TestListDocuments_InvalidFormat(t *testing.T) {
	e := newTestEnv(t)

	_, rej := e.svc.ListDocuments(listReq("short"))
	require.NotNil(t, rej)
	assert.Equal(t, http.StatusBadRequest, rej.Status)
	assert.Equal(t, ActionInvalidFormat, e.lastAction(t))

	// The raw token never reaches the audit log.
	for _, rec := range readRecords(t, e.auditLog) {
		assert.Equal(t, "****", rec.Token)
	}
}

func TestListDocuments_ExpiredToken(t *testing.T) {
	e := newTestEnv(t)
	dir := e.addTokenDir(t, "expired.token1", map[string][]byte{"docs.zip": zipBytes(100)})
	writeMetadata(t, dir, map[string]any{"expires_at": "2020-01-15 10:30:00"})

	_, rej := e.svc.ListDocuments(listReq("expired.token1"))
	require.NotNil(t, rej)
	assert.Equal(t, http.StatusForbidden, rej.Status)
	assert.Contains(t, rej.Message, "15/01/2020 10:30")
	assert.Equal(t, ActionTokenExpired, e.lastAction(t))

	// The download entry point re-validates independently.
	_, rej = e.svc.Download(downloadReq("expired.token1", "docs.zip"))
	require.NotNil(t, rej)
	assert.Equal(t, http.StatusForbidden, rej.Status)
	assert.Contains(t, rej.Message, "expired")
}

func TestListDocuments_RateLimit(t *testing.T) {
	e := newTestEnv(t)
	e.addTokenDir(t, "DEMO87654321", map[string][]byte{"docs.zip": zipBytes(100)})

	for i := 0; i < 5; i++ {
		_, rej := e.svc.ListDocuments(listReq("DEMO87654321"))
		require.Nil(t, rej, "attempt %d within the limit", i+1)
	}

	_, rej := e.svc.ListDocuments(listReq("DEMO87654321"))
	require.NotNil(t, rej, "6th attempt within the window must be limited")
	assert.Equal(t, http.StatusTooManyRequests, rej.Status)
	assert.Contains(t, rej.Message, "Too many attempts")
	assert.Equal(t, ActionRateLimited, e.lastAction(t))

	// A different token prefix is an unrelated key.
	e.addTokenDir(t, "OTHER7654321", map[string][]byte{"docs.zip": zipBytes(100)})
	_, rej = e.svc.ListDocuments(listReq("OTHER7654321"))
	assert.Nil(t, rej)

	// After the window elapses the original key recovers.
	e.svc.limiter.now = func() time.Time { return time.Now().Add(5*time.Minute + time.Second) }
	_, rej = e.svc.ListDocuments(listReq("DEMO87654321"))
	assert.Nil(t, rej)
}

func TestDownload_Success(t *testing.T) {
	e := newTestEnv(t)
	e.addTokenDir(t, "DEMO87654321", map[string][]byte{"docs.zip": zipBytes(500000)})

	dl, rej := e.svc.Download(downloadReq("DEMO87654321", "docs.zip"))
	require.Nil(t, rej)
	assert.Equal(t, "application/zip", dl.ContentType)
	assert.Equal(t, "docs.zip", dl.FileName)
	assert.Equal(t, int64(500000), dl.Size)
	assert.FileExists(t, dl.Path)
	assert.Equal(t, ActionSuccess, e.lastAction(t))
}

func TestDownload_TraversalIsSecurityEvent(t *testing.T) {
	e := newTestEnv(t)
	e.addTokenDir(t, "DEMO87654321", map[string][]byte{"docs.zip": zipBytes(100)})

	_, rej := e.svc.Download(downloadReq("DEMO87654321", "../../etc/passwd"))
	require.NotNil(t, rej)
	assert.Equal(t, http.StatusForbidden, rej.Status)
	assert.Equal(t, "Access denied.", rej.Message, "security violations get a generic message")
	assert.Equal(t, ActionPathTraversal, e.lastAction(t))
}

func TestDownload_DoubleDotNameIsServed(t *testing.T) {
	e := newTestEnv(t)
	e.addTokenDir(t, "DEMO87654321", map[string][]byte{"report..v2.zip": zipBytes(100)})

	// Consecutive dots without a separator are a plain name; whatever
	// the listing returns must be downloadable under the same name.
	result, rej := e.svc.ListDocuments(listReq("DEMO87654321"))
	require.Nil(t, rej)
	require.Len(t, result.Documents, 1)
	assert.Equal(t, "report..v2.zip", result.Documents[0].Name)

	dl, rej := e.svc.Download(downloadReq("DEMO87654321", "report..v2.zip"))
	require.Nil(t, rej)
	assert.Equal(t, "report..v2.zip", dl.FileName)
	assert.Equal(t, ActionSuccess, e.lastAction(t))
}

func TestDownload_SymlinkEscape(t *testing.T) {
	e := newTestEnv(t)
	outside := filepath.Join(t.TempDir(), "secret.zip")
	require.NoError(t, os.WriteFile(outside, zipBytes(100), 0o640))
	dir := e.addTokenDir(t, "DEMO87654321", nil)
	require.NoError(t, os.Symlink(outside, filepath.Join(dir, "escape.zip")))

	_, rej := e.svc.Download(downloadReq("DEMO87654321", "escape.zip"))
	require.NotNil(t, rej)
	assert.Equal(t, http.StatusForbidden, rej.Status)
	assert.Equal(t, ActionPathTraversal, e.lastAction(t))
}

func TestDownload_BadExtension(t *testing.T) {
	e := newTestEnv(t)
	e.addTokenDir(t, "DEMO87654321", map[string][]byte{"notes.txt": []byte("text")})

	_, rej := e.svc.Download(downloadReq("DEMO87654321", "notes.txt"))
	require.NotNil(t, rej)
	assert.Equal(t, http.StatusBadRequest, rej.Status)
	assert.Equal(t, ActionInvalidFileName, e.lastAction(t))
}

func TestDownload_ContentMismatch(t *testing.T) {
	e := newTestEnv(t)
	e.addTokenDir(t, "DEMO87654321", map[string][]byte{"fake.zip": []byte("plain text in disguise")})

	_, rej := e.svc.Download(downloadReq("DEMO87654321", "fake.zip"))
	require.NotNil(t, rej)
	assert.Equal(t, http.StatusBadRequest, rej.Status)
	assert.Equal(t, "Invalid file.", rej.Message)
	assert.Equal(t, ActionContentMismatch, e.lastAction(t))
}

func TestDownload_MissingFile(t *testing.T) {
	e := newTestEnv(t)
	e.addTokenDir(t, "DEMO87654321", map[string][]byte{"docs.zip": zipBytes(100)})

	_, rej := e.svc.Download(downloadReq("DEMO87654321", "other.zip"))
	require.NotNil(t, rej)
	assert.Equal(t, http.StatusNotFound, rej.Status)
}

func TestDownload_MissingParams(t *testing.T) {
	e := newTestEnv(t)

	_, rej := e.svc.Download(downloadReq("DEMO87654321", ""))
	require.NotNil(t, rej)
	assert.Equal(t, http.StatusBadRequest, rej.Status)
}

func TestDownload_QuotaEnforcedAndCounted(t *testing.T) {
	e := newTestEnv(t)
	dir := e.addTokenDir(t, "DEMO87654321", map[string][]byte{"docs.zip": zipBytes(100)})
	writeMetadata(t, dir, map[string]any{"max_downloads": 1, "download_count": 0})

	_, rej := e.svc.Download(downloadReq("DEMO87654321", "docs.zip"))
	require.Nil(t, rej)

	doc := readMetadata(t, dir)
	assert.Equal(t, float64(1), doc["download_count"])

	_, rej = e.svc.Download(downloadReq("DEMO87654321", "docs.zip"))
	require.NotNil(t, rej, "second download exceeds the quota")
	assert.Equal(t, http.StatusForbidden, rej.Status)
	assert.Contains(t, rej.Message, "limit")
}

func TestDownload_LegacyFlatFileSkipsTracking(t *testing.T) {
	e := newTestEnv(t)
	require.NoError(t, os.WriteFile(filepath.Join(e.root, "LEGACY123456.zip"), zipBytes(100), 0o640))

	dl, rej := e.svc.Download(downloadReq("LEGACY123456", "LEGACY123456.zip"))
	require.Nil(t, rej)
	assert.Equal(t, "LEGACY123456.zip", dl.FileName)

	// The legacy form has no metadata and must not gain any.
	_, err := os.Stat(filepath.Join(e.root, metadataFileName))
	assert.True(t, os.IsNotExist(err))
}

func TestDownload_GateFailureStillRecordsAttempt(t *testing.T) {
	e := newTestEnv(t)

	_, rej := e.svc.Download(downloadReq("NOSUCHTOKEN1", "docs.zip"))
	require.NotNil(t, rej)

	recs := readRecords(t, e.auditLog)
	require.Len(t, recs, 1, "every decision produces exactly one audit record")
	assert.False(t, recs[0].Success)
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		n    int64
		want string
	}{
		{0, "0 B"},
		{512, "512 B"},
		{1024, "1 KB"},
		{500000, "488.28 KB"},
		{1048576, "1 MB"},
		{5242880, "5 MB"},
		{1073741824, "1 GB"},
		{-5, "0 B"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatBytes(tt.n), "n=%d", tt.n)
	}
}
