// Package access implements the token-gated file access core: token
// validation, rate limiting, expiration and quota enforcement, path
// safety, content verification and audit logging. The HTTP layer is an
// external collaborator; it hands in request facts and receives
// request-scoped results, never shared state.
package access

import (
	"fmt"
	"math"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Options carries the already-typed configuration the core needs. The
// core never parses raw configuration strings.
type Options struct {
	ExportRoot    string
	DenyPrefixes  []string
	RateLimitFile string
	AccessLogFile string
	LogAccess     bool

	SearchAttempts   int
	SearchWindow     time.Duration
	DownloadAttempts int
	DownloadWindow   time.Duration

	AllowedExtensions []string
	AllowedMIMETypes  []string
	TrustedProxies    []string

	Logger *zap.Logger
}

// Service sequences the gate pipeline for the two entry points.
type Service struct {
	guard    *PathGuard
	limiter  *RateLimiter
	meta     *MetadataStore
	verifier *ContentVerifier
	audit    *Recorder

	trustedProxies   []string
	searchAttempts   int
	searchWindow     time.Duration
	downloadAttempts int
	downloadWindow   time.Duration

	log *zap.Logger
}

func NewService(o Options) *Service {
	return &Service{
		guard:            NewPathGuard(o.ExportRoot, o.DenyPrefixes),
		limiter:          NewRateLimiter(o.RateLimitFile, o.Logger),
		meta:             NewMetadataStore(o.Logger),
		verifier:         NewContentVerifier(o.AllowedExtensions, o.AllowedMIMETypes),
		audit:            NewRecorder(o.AccessLogFile, o.LogAccess, o.Logger),
		trustedProxies:   o.TrustedProxies,
		searchAttempts:   o.SearchAttempts,
		searchWindow:     o.SearchWindow,
		downloadAttempts: o.DownloadAttempts,
		downloadWindow:   o.DownloadWindow,
		log:              o.Logger,
	}
}

// Request carries the facts the collaborator extracted from the HTTP
// request. Header is consulted only for trusted-proxy IP resolution and
// the audited user agent.
type Request struct {
	Token      string
	FileName   string
	RemoteAddr string
	Header     http.Header
}

// Rejection is a request-scoped denial: an HTTP status for the
// transport and a message safe to show the user.
type Rejection struct {
	Status  int
	Message string
}

// Document is one listed entry.
type Document struct {
	Name        string `json:"name"`
	Size        string `json:"size"`
	Modified    string `json:"modified"`
	DownloadURL string `json:"download_url"`
}

// ListResult is the successful outcome of the list operation.
type ListResult struct {
	Token     string     `json:"token"`
	Count     int        `json:"count"`
	Documents []Document `json:"documents"`
}

// Download is a fully-gated file ready to stream.
type Download struct {
	Path        string
	ContentType string
	FileName    string
	Size        int64
}

const (
	msgMissingToken  = "Please enter your token."
	msgInvalidFormat = "Invalid token format. Use only letters, numbers and dots (8-64 characters)."
	msgTokenNotFound = "Token not found. Please check it and try again."
	msgSystemError   = "System error. Please contact technical support."
	msgAccessDenied  = "Access denied."
	msgFileNotFound  = "File not found."
	msgInvalidParams = "Invalid parameters."
	msgInvalidName   = "Invalid file name."
	msgInvalidFile   = "Invalid file."
)

// CSRFRejected records a CSRF failure detected by the collaborator, so
// the audit trail covers the whole list flow.
func (s *Service) CSRFRejected(req Request) {
	ip := ClientIP(req.RemoteAddr, req.Header, s.trustedProxies)
	s.audit.Record(ActionCSRFRejected, req.Token, false, ip, req.Header.Get("User-Agent"), "")
}

// ListDocuments validates the token and returns the files it unlocks.
func (s *Service) ListDocuments(req Request) (*ListResult, *Rejection) {
	ip := ClientIP(req.RemoteAddr, req.Header, s.trustedProxies)
	ua := req.Header.Get("User-Agent")

	key := "search_" + ip + "_" + tokenPrefix(req.Token)
	if !s.limiter.Allow(key, s.searchAttempts, s.searchWindow) {
		s.audit.Record(ActionRateLimited, req.Token, false, ip, ua, "")
		return nil, rateLimitRejection(s.searchWindow)
	}

	if req.Token == "" {
		s.audit.Record(ActionMissingToken, req.Token, false, ip, ua, "")
		return nil, &Rejection{Status: http.StatusBadRequest, Message: msgMissingToken}
	}
	if !ValidTokenFormat(req.Token) {
		s.audit.Record(ActionInvalidFormat, req.Token, false, ip, ua, "")
		return nil, &Rejection{Status: http.StatusBadRequest, Message: msgInvalidFormat}
	}

	canonicalRoot, reason := s.guard.VerifyRoot()
	if reason != ReasonOK {
		s.audit.Record(rootAction(reason), req.Token, false, ip, ua, string(reason))
		s.log.Error("export root check failed", zap.String("reason", string(reason)))
		return nil, &Rejection{Status: http.StatusInternalServerError, Message: msgSystemError}
	}

	dir, reason := s.guard.ResolveTokenDir(canonicalRoot, req.Token)
	switch reason {
	case ReasonOK:
		if exp := s.meta.CheckExpiration(dir); !exp.Valid {
			s.audit.Record(ActionTokenExpired, req.Token, false, ip, ua, exp.Message)
			return nil, &Rejection{Status: http.StatusForbidden, Message: exp.Message}
		}
		docs, err := s.listDirectory(dir, req.Token)
		if err != nil {
			s.audit.Record(ActionRootUnavailable, req.Token, false, ip, ua, "directory listing failed")
			s.log.Error("token directory listing failed", zap.Error(err))
			return nil, &Rejection{Status: http.StatusInternalServerError, Message: msgSystemError}
		}
		if len(docs) > 0 {
			s.audit.Record(ActionSuccess, req.Token, true, ip, ua, "")
			return &ListResult{Token: req.Token, Count: len(docs), Documents: docs}, nil
		}
		// Empty directory form: fall through to the legacy flat file.
	case ReasonTraversal:
		s.audit.Record(ActionPathTraversal, req.Token, false, ip, ua, "")
		return nil, &Rejection{Status: http.StatusForbidden, Message: msgAccessDenied}
	}

	res, reason := s.guard.ResolveFile(canonicalRoot, req.Token, req.Token+".zip")
	if reason != ReasonOK {
		s.audit.Record(ActionTokenNotFound, req.Token, false, ip, ua, "")
		return nil, &Rejection{Status: http.StatusNotFound, Message: msgTokenNotFound}
	}
	doc, err := s.describe(res.Path, req.Token)
	if err != nil {
		s.audit.Record(ActionTokenNotFound, req.Token, false, ip, ua, "")
		return nil, &Rejection{Status: http.StatusNotFound, Message: msgTokenNotFound}
	}
	s.audit.Record(ActionSuccess, req.Token, true, ip, ua, "legacy flat file")
	return &ListResult{Token: req.Token, Count: 1, Documents: []Document{doc}}, nil
}

// Download re-validates everything independently of any prior list call
// and returns a safe, verified file to stream.
func (s *Service) Download(req Request) (*Download, *Rejection) {
	ip := ClientIP(req.RemoteAddr, req.Header, s.trustedProxies)
	ua := req.Header.Get("User-Agent")

	key := "download_" + ip + "_" + tokenPrefix(req.Token)
	if !s.limiter.Allow(key, s.downloadAttempts, s.downloadWindow) {
		s.audit.Record(ActionRateLimited, req.Token, false, ip, ua, "")
		return nil, rateLimitRejection(s.downloadWindow)
	}

	if req.Token == "" || req.FileName == "" {
		s.audit.Record(ActionMissingToken, req.Token, false, ip, ua, "")
		return nil, &Rejection{Status: http.StatusBadRequest, Message: msgInvalidParams}
	}
	if !ValidTokenFormat(req.Token) {
		s.audit.Record(ActionInvalidFormat, req.Token, false, ip, ua, "")
		return nil, &Rejection{Status: http.StatusForbidden, Message: msgInvalidFormat}
	}

	// Separator or dot-dot segments are security events, not malformed
	// names; classify them before the extension gate.
	if containsTraversal(req.FileName) {
		s.audit.Record(ActionPathTraversal, req.Token, false, ip, ua, "file name: "+SanitizeFilename(req.FileName))
		return nil, &Rejection{Status: http.StatusForbidden, Message: msgAccessDenied}
	}
	if !s.verifier.AllowedName(req.FileName) {
		s.audit.Record(ActionInvalidFileName, req.Token, false, ip, ua, "")
		return nil, &Rejection{Status: http.StatusBadRequest, Message: msgInvalidName}
	}

	canonicalRoot, reason := s.guard.VerifyRoot()
	if reason != ReasonOK {
		s.audit.Record(rootAction(reason), req.Token, false, ip, ua, string(reason))
		s.log.Error("export root check failed", zap.String("reason", string(reason)))
		return nil, &Rejection{Status: http.StatusInternalServerError, Message: msgSystemError}
	}

	res, reason := s.guard.ResolveFile(canonicalRoot, req.Token, req.FileName)
	switch reason {
	case ReasonOK:
	case ReasonNotFound:
		s.audit.Record(ActionFileNotFound, req.Token, false, ip, ua, "")
		return nil, &Rejection{Status: http.StatusNotFound, Message: msgFileNotFound}
	default:
		s.audit.Record(ActionPathTraversal, req.Token, false, ip, ua, "")
		return nil, &Rejection{Status: http.StatusForbidden, Message: msgAccessDenied}
	}

	if exp := s.meta.CheckExpiration(res.TokenDir); !exp.Valid {
		s.audit.Record(ActionTokenExpired, req.Token, false, ip, ua, exp.Message)
		return nil, &Rejection{Status: http.StatusForbidden, Message: exp.Message}
	}

	mime, ok, err := s.verifier.VerifyContent(res.Path)
	if err != nil {
		// Fail closed: an unsniffable file is not served.
		s.audit.Record(ActionContentMismatch, req.Token, false, ip, ua, "sniff error")
		s.log.Error("content sniff failed", zap.Error(err))
		return nil, &Rejection{Status: http.StatusBadRequest, Message: msgInvalidFile}
	}
	if !ok {
		s.audit.Record(ActionContentMismatch, req.Token, false, ip, ua, "detected: "+mime)
		return nil, &Rejection{Status: http.StatusBadRequest, Message: msgInvalidFile}
	}

	fi, err := os.Stat(res.Path)
	if err != nil {
		s.audit.Record(ActionFileNotFound, req.Token, false, ip, ua, "")
		return nil, &Rejection{Status: http.StatusNotFound, Message: msgFileNotFound}
	}

	s.meta.IncrementDownload(res.TokenDir)
	s.audit.Record(ActionSuccess, req.Token, true, ip, ua, req.FileName)

	return &Download{
		Path:        res.Path,
		ContentType: mime,
		FileName:    SanitizeFilename(req.FileName),
		Size:        fi.Size(),
	}, nil
}

// listDirectory enumerates regular files matching the extension
// allow-list, sorted by name.
func (s *Service) listDirectory(dir, token string) ([]Document, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	docs := make([]Document, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() || !s.verifier.AllowedName(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		docs = append(docs, Document{
			Name:        e.Name(),
			Size:        FormatBytes(info.Size()),
			Modified:    info.ModTime().Format("2006-01-02 15:04"),
			DownloadURL: downloadURL(token, e.Name()),
		})
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].Name < docs[j].Name })
	return docs, nil
}

func (s *Service) describe(path, token string) (Document, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return Document{}, err
	}
	name := token + ".zip"
	return Document{
		Name:        name,
		Size:        FormatBytes(fi.Size()),
		Modified:    fi.ModTime().Format("2006-01-02 15:04"),
		DownloadURL: downloadURL(token, name),
	}, nil
}

func downloadURL(token, file string) string {
	return "/download?token=" + url.QueryEscape(token) + "&file=" + url.QueryEscape(file)
}

// tokenPrefix scopes rate-limit keys per token prefix so enumeration is
// blunted without penalizing unrelated users behind one IP.
func tokenPrefix(token string) string {
	if len(token) > 8 {
		return token[:8]
	}
	return token
}

// containsTraversal reports whether name carries a path separator or is
// the dot-dot segment itself. Consecutive dots inside an otherwise
// plain name ("report..v2.zip") are harmless: without a separator the
// name cannot leave the token directory, and ResolveFile's canonical
// prefix check still covers anything the filesystem resolves elsewhere.
func containsTraversal(name string) bool {
	if strings.ContainsAny(name, `/\`) {
		return true
	}
	return name == ".."
}

// rootAction maps an export-root failure to its audit action.
func rootAction(reason Reason) Action {
	switch reason {
	case ReasonSymlinkInvalid:
		return ActionSymlinkInvalid
	case ReasonSymlinkDangerous:
		return ActionSymlinkDangerous
	default:
		return ActionRootUnavailable
	}
}

func rateLimitRejection(window time.Duration) *Rejection {
	minutes := int(window / time.Minute)
	if minutes < 1 {
		minutes = 1
	}
	return &Rejection{
		Status:  http.StatusTooManyRequests,
		Message: fmt.Sprintf("Too many attempts. Please wait %d minute(s) and try again.", minutes),
	}
}

// FormatBytes renders a byte count in binary units with up to two
// decimals, trailing zeros trimmed (500000 -> "488.28 KB").
func FormatBytes(n int64) string {
	units := []string{"B", "KB", "MB", "GB"}
	if n < 0 {
		n = 0
	}
	v := float64(n)
	i := 0
	for v >= 1024 && i < len(units)-1 {
		v /= 1024
		i++
	}
	v = math.Round(v*100) / 100
	return strconv.FormatFloat(v, 'f', -1, 64) + " " + units[i]
}
