package access

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// zipBytes returns content that sniffs as application/zip.
func zipBytes(size int) []byte {
	b := make([]byte, size)
	copy(b, []byte{0x50, 0x4B, 0x03, 0x04})
	return b
}

func pdfBytes() []byte {
	return []byte("%PDF-1.4\n%test document\n")
}

func newTestVerifier() *ContentVerifier {
	return NewContentVerifier(
		[]string{"zip", "pdf"},
		[]string{"application/zip", "application/pdf"},
	)
}

func TestAllowedName(t *testing.T) {
	v := newTestVerifier()

	tests := []struct {
		name string
		file string
		want bool
	}{
		{"zip", "docs.zip", true},
		{"pdf", "Indice.pdf", true},
		{"uppercase extension", "DOCS.ZIP", true},
		{"dots and hyphens", "report-2024.final.zip", true},
		{"disallowed extension", "notes.txt", false},
		{"no extension", "README", false},
		{"empty", "", false},
		{"extension only", ".zip", false},
		{"embedded slash", "a/b.zip", false},
		{"space", "my docs.zip", false},
		{"suffix not extension", "archive.zipx", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, v.AllowedName(tt.file))
		})
	}
}

func TestAllowedName_NoFilesystemAccess(t *testing.T) {
	v := newTestVerifier()
	// A path that cannot exist; the check is pure string work.
	assert.False(t, v.AllowedName(filepath.Join(string(os.PathSeparator), "no", "such", "dir", "x.txt")))
}

func TestVerifyContent_Zip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "docs.zip")
	require.NoError(t, os.WriteFile(path, zipBytes(1024), 0o640))

	mime, ok, err := newTestVerifier().VerifyContent(path)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "application/zip", mime)
}

func TestVerifyContent_Pdf(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.pdf")
	require.NoError(t, os.WriteFile(path, pdfBytes(), 0o640))

	mime, ok, err := newTestVerifier().VerifyContent(path)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "application/pdf", mime)
}

func TestVerifyContent_NameLies(t *testing.T) {
	// Extension says zip, bytes say text: the sniffed type decides.
	path := filepath.Join(t.TempDir(), "fake.zip")
	require.NoError(t, os.WriteFile(path, []byte("just plain text, no archive"), 0o640))

	_, ok, err := newTestVerifier().VerifyContent(path)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyContent_MissingFileFailsClosed(t *testing.T) {
	_, ok, err := newTestVerifier().VerifyContent(filepath.Join(t.TempDir(), "absent.zip"))
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"docs.zip", "docs.zip"},
		{"my docs.zip", "my_docs.zip"},
		{`a/b\c.zip`, "c.zip"},
		{"naïve.pdf", "na_ve.pdf"},
		{`quote".zip`, "quote_.zip"},
		{"", "download"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SanitizeFilename(tt.in), "input %q", tt.in)
	}
}
