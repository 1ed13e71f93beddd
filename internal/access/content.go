// content.go - File name and content-type verification.
//
// Two independent allow-lists, both operator-configured: the name must
// carry an allowed extension (checked before any filesystem access),
// and the sniffed content must be an allowed MIME type. Names lie;
// content does not, so the MIME check inspects bytes via mimetype
// rather than trusting the extension.
package access

import (
	"regexp"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// ContentVerifier applies the extension and MIME allow-lists.
type ContentVerifier struct {
	namePattern *regexp.Regexp
	mimeTypes   []string
}

// NewContentVerifier builds a verifier for the given bare extensions
// (no leading dot) and MIME types.
func NewContentVerifier(extensions, mimeTypes []string) *ContentVerifier {
	quoted := make([]string, 0, len(extensions))
	for _, ext := range extensions {
		quoted = append(quoted, regexp.QuoteMeta(strings.ToLower(ext)))
	}
	pattern := regexp.MustCompile(`(?i)^[a-zA-Z0-9_\-.]+\.(` + strings.Join(quoted, "|") + `)$`)
	return &ContentVerifier{
		namePattern: pattern,
		mimeTypes:   append([]string(nil), mimeTypes...),
	}
}

// AllowedName reports whether fileName is a plain name with an allowed
// extension. Pure string check; no file is opened.
func (v *ContentVerifier) AllowedName(fileName string) bool {
	if fileName == "" || len(fileName) > 255 {
		return false
	}
	return v.namePattern.MatchString(fileName)
}

// VerifyContent sniffs the file at path and reports the detected MIME
// type and whether it is allow-listed. A sniffing failure fails closed.
func (v *ContentVerifier) VerifyContent(path string) (string, bool, error) {
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return "", false, err
	}
	for _, allowed := range v.mimeTypes {
		if mt.Is(allowed) {
			return mt.String(), true, nil
		}
	}
	return mt.String(), false, nil
}

// unsafeDispositionChars matches everything outside the disposition
// header allow-list.
var unsafeDispositionChars = regexp.MustCompile(`[^a-zA-Z0-9_\-.]`)

// SanitizeFilename reduces name to characters safe inside a
// Content-Disposition header. Path components are stripped first.
func SanitizeFilename(name string) string {
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	name = unsafeDispositionChars.ReplaceAllString(name, "_")
	if name == "" {
		name = "download"
	}
	return name
}
