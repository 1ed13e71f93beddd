// audit.go - Append-only audit trail of every access decision.
//
// One JSON line per decision. Records are privacy-reduced before they
// touch disk: the client IP keeps coarse geography only and the token
// is masked to its first and last four characters. Recording is best
// effort — an unwritable log never aborts the request it describes.
package access

import (
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"
)

// Action tags an audit record. The vocabulary is fixed; free text goes
// in the details field.
type Action string

const (
	ActionSuccess          Action = "success"
	ActionRateLimited      Action = "rate-limited"
	ActionInvalidFormat    Action = "invalid-format"
	ActionMissingToken     Action = "missing-token"
	ActionTokenNotFound    Action = "token-not-found"
	ActionTokenExpired     Action = "token-expired"
	ActionSymlinkInvalid   Action = "symlink-invalid"
	ActionSymlinkDangerous Action = "symlink-dangerous"
	ActionRootUnavailable  Action = "root-unavailable"
	ActionPathTraversal    Action = "path-traversal-attempt"
	ActionFileNotFound     Action = "file-not-found"
	ActionInvalidFileName  Action = "invalid-file-name"
	ActionContentMismatch  Action = "content-type-mismatch"
	ActionCSRFRejected     Action = "csrf-rejected"
)

// maxUserAgentLength bounds the stored user agent.
const maxUserAgentLength = 100

// auditRecord is the wire form of one log line.
type auditRecord struct {
	Timestamp string `json:"timestamp"`
	IP        string `json:"ip"`
	Action    Action `json:"action"`
	Token     string `json:"token"`
	Success   bool   `json:"success"`
	UserAgent string `json:"user_agent"`
	Details   string `json:"details,omitempty"`
}

// Recorder appends audit records to a shared log file.
type Recorder struct {
	path    string
	enabled bool
	log     *zap.Logger
	now     func() time.Time
}

// NewRecorder returns a recorder writing to path. A disabled recorder
// drops every record (operator opt-out).
func NewRecorder(path string, enabled bool, log *zap.Logger) *Recorder {
	return &Recorder{path: path, enabled: enabled, log: log, now: time.Now}
}

// Record appends one decision. The advisory lock prevents interleaved
// partial lines from concurrent writers; failures are logged and
// swallowed.
func (r *Recorder) Record(action Action, token string, success bool, ip, userAgent, details string) {
	if !r.enabled {
		return
	}

	if userAgent == "" {
		userAgent = "unknown"
	}
	if len(userAgent) > maxUserAgentLength {
		userAgent = userAgent[:maxUserAgentLength]
	}

	rec := auditRecord{
		Timestamp: r.now().Format("2006-01-02 15:04:05"),
		IP:        ObfuscateIP(ip),
		Action:    action,
		Token:     MaskToken(token),
		Success:   success,
		UserAgent: userAgent,
		Details:   details,
	}
	line, err := json.Marshal(rec)
	if err != nil {
		r.log.Warn("audit record marshal failed", zap.Error(err))
		return
	}

	if err := os.MkdirAll(filepath.Dir(r.path), 0o750); err != nil {
		r.log.Warn("audit log directory unavailable", zap.String("path", r.path), zap.Error(err))
		return
	}

	lock := flock.New(r.path)
	if err := lock.Lock(); err != nil {
		r.log.Warn("audit log lock failed", zap.String("path", r.path), zap.Error(err))
		return
	}
	defer func() { _ = lock.Unlock() }()

	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		r.log.Warn("audit log open failed", zap.String("path", r.path), zap.Error(err))
		return
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(append(line, '\n')); err != nil {
		r.log.Warn("audit log write failed", zap.String("path", r.path), zap.Error(err))
	}
}

// MaskToken keeps the first and last four characters of a token and
// replaces the middle with a fixed mask. Tokens shorter than eight
// characters are fully masked.
func MaskToken(token string) string {
	if len(token) < 8 {
		return "****"
	}
	return token[:4] + "****" + token[len(token)-4:]
}

// ObfuscateIP reduces an address to coarse geography. IPv4 keeps the
// first two octets, IPv6 the first two groups; anything unparsable
// becomes a fixed placeholder.
func ObfuscateIP(ip string) string {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return "xxx.xxx.xxx.xxx"
	}
	if v4 := parsed.To4(); v4 != nil {
		parts := strings.Split(v4.String(), ".")
		return parts[0] + "." + parts[1] + ".xxx.xxx"
	}
	groups := strings.Split(parsed.String(), ":")
	for len(groups) < 2 {
		groups = append(groups, "")
	}
	return groups[0] + ":" + groups[1] + ":xxxx:xxxx:xxxx:xxxx:xxxx:xxxx"
}
