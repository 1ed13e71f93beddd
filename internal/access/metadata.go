// metadata.go - Per-token expiration and download-quota metadata.
//
// Each token directory may hold a .metadata.json document. Absence
// means unlimited, non-expiring access: tokens issued before metadata
// existed keep working. A present but unparsable document also passes
// (fail open) and is logged as an anomaly — a corrupt file must not
// revoke a valid token.
package access

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"
)

// metadataFileName is the per-token document co-located with the files.
const metadataFileName = ".metadata.json"

// expiresAtLayouts are the accepted expires_at formats, tried in order.
var expiresAtLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// tokenMetadata is the typed view used by the expiration check.
// Pointers distinguish absent fields from zero values.
type tokenMetadata struct {
	ExpiresAt    string `json:"expires_at,omitempty"`
	MaxDownloads *int   `json:"max_downloads,omitempty"`
	Count        *int   `json:"download_count,omitempty"`
	LastDownload string `json:"last_download,omitempty"`
}

// Expiration is the outcome of a metadata check. Message is user-facing
// when Valid is false; policy violations are not secrets.
type Expiration struct {
	Valid   bool
	Message string
}

// MetadataStore reads and mutates token metadata documents.
type MetadataStore struct {
	log *zap.Logger
	now func() time.Time
}

func NewMetadataStore(log *zap.Logger) *MetadataStore {
	return &MetadataStore{log: log, now: time.Now}
}

// CheckExpiration evaluates the expiry date and download quota for the
// token directory. The two checks are independent; either invalidates.
func (m *MetadataStore) CheckExpiration(tokenDir string) Expiration {
	path := filepath.Join(tokenDir, metadataFileName)

	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			m.log.Warn("token metadata unreadable, failing open",
				zap.String("path", path), zap.Error(err))
		}
		return Expiration{Valid: true}
	}

	var md tokenMetadata
	if err := json.Unmarshal(raw, &md); err != nil {
		m.log.Warn("token metadata corrupt, failing open",
			zap.String("path", path), zap.Error(err))
		return Expiration{Valid: true}
	}

	if md.ExpiresAt != "" {
		expires, ok := parseExpiresAt(md.ExpiresAt)
		if !ok {
			m.log.Warn("token metadata has unparsable expires_at, failing open",
				zap.String("path", path), zap.String("expires_at", md.ExpiresAt))
		} else if m.now().After(expires) {
			return Expiration{
				Valid:   false,
				Message: "Token expired on " + expires.Format("02/01/2006 15:04") + ". Contact the issuer for renewal.",
			}
		}
	}

	if md.MaxDownloads != nil && md.Count != nil && *md.Count >= *md.MaxDownloads {
		return Expiration{
			Valid:   false,
			Message: "Download limit reached (" + strconv.Itoa(*md.MaxDownloads) + "). Contact the issuer.",
		}
	}

	return Expiration{Valid: true}
}

// IncrementDownload bumps download_count and stamps last_download.
// No-op when the token has no metadata document: legacy tokens are not
// retroactively tracked. The exclusive lock spans the whole
// read-modify-write so concurrent downloads never lose a count.
//
// The document is decoded as a generic object so fields this subsystem
// does not know about survive the rewrite.
func (m *MetadataStore) IncrementDownload(tokenDir string) {
	path := filepath.Join(tokenDir, metadataFileName)
	if _, err := os.Stat(path); err != nil {
		return
	}

	lock := flock.New(path)
	if err := lock.Lock(); err != nil {
		m.log.Warn("token metadata lock failed, download not counted",
			zap.String("path", path), zap.Error(err))
		return
	}
	defer func() { _ = lock.Unlock() }()

	doc := map[string]any{}
	if raw, err := os.ReadFile(path); err == nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, &doc); err != nil {
			m.log.Warn("token metadata corrupt, counter reset",
				zap.String("path", path), zap.Error(err))
			doc = map[string]any{}
		}
	}

	doc["download_count"] = currentCount(doc["download_count"]) + 1
	doc["last_download"] = m.now().Format("2006-01-02 15:04:05")

	raw, err := json.MarshalIndent(doc, "", "    ")
	if err == nil {
		err = os.WriteFile(path, raw, 0o640)
	}
	if err != nil {
		m.log.Warn("token metadata write failed, download not counted",
			zap.String("path", path), zap.Error(err))
	}
}

func parseExpiresAt(s string) (time.Time, bool) {
	for _, layout := range expiresAtLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// currentCount extracts an integer counter from a decoded JSON value.
func currentCount(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	default:
		return 0
	}
}
