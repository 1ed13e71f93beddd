// pathguard.go - Canonical path resolution against traversal and
// symlink escapes.
//
// Every comparison runs on fully resolved paths: EvalSymlinks first,
// prefix check after. Raw user input is never compared against
// anything. Unlike the rate limiter, the guard fails closed — an
// unexpected filesystem state denies access.
package access

import (
	"os"
	"path/filepath"
	"strings"
)

// Reason classifies a guard rejection. Reasons feed the audit log and
// status-code mapping; they are never shown to end users.
type Reason string

const (
	ReasonOK               Reason = ""
	ReasonRootMissing      Reason = "root-missing"
	ReasonSymlinkInvalid   Reason = "symlink-invalid"
	ReasonSymlinkDangerous Reason = "symlink-dangerous"
	ReasonTraversal        Reason = "path-traversal"
	ReasonNotFound         Reason = "not-found"
)

// PathGuard resolves token resources under a single export root.
type PathGuard struct {
	root         string
	denyPrefixes []string
}

func NewPathGuard(root string, denyPrefixes []string) *PathGuard {
	return &PathGuard{root: root, denyPrefixes: denyPrefixes}
}

// VerifyRoot validates the export root and returns its canonical form.
// A symlinked root is followed; its target must exist, be a readable
// directory, and must not resolve into a denied system prefix.
func (g *PathGuard) VerifyRoot() (string, Reason) {
	fi, err := os.Lstat(g.root)
	if err != nil {
		return "", ReasonRootMissing
	}

	if fi.Mode()&os.ModeSymlink != 0 {
		target, err := os.Readlink(g.root)
		if err != nil {
			return "", ReasonSymlinkInvalid
		}
		if !filepath.IsAbs(target) {
			target = filepath.Join(filepath.Dir(g.root), target)
		}
		ti, err := os.Stat(target)
		if err != nil || !ti.IsDir() {
			return "", ReasonSymlinkInvalid
		}
		if !readableDir(target) {
			return "", ReasonSymlinkInvalid
		}
	}

	canonical, err := filepath.EvalSymlinks(g.root)
	if err != nil {
		return "", ReasonRootMissing
	}
	ri, err := os.Stat(canonical)
	if err != nil || !ri.IsDir() || !readableDir(canonical) {
		return "", ReasonRootMissing
	}

	for _, deny := range g.denyPrefixes {
		if hasPathPrefix(canonical, deny) {
			return "", ReasonSymlinkDangerous
		}
	}
	return canonical, ReasonOK
}

// ResolveTokenDir locates the directory form of a token resource.
// Returns the canonical directory, or ReasonNotFound when no directory
// exists (the caller may still try the legacy flat form).
func (g *PathGuard) ResolveTokenDir(canonicalRoot, token string) (string, Reason) {
	dir, err := filepath.EvalSymlinks(filepath.Join(g.root, token))
	if err != nil {
		return "", ReasonNotFound
	}
	if !hasPathPrefix(dir, canonicalRoot) {
		return "", ReasonTraversal
	}
	fi, err := os.Stat(dir)
	if err != nil || !fi.IsDir() {
		return "", ReasonNotFound
	}
	return dir, ReasonOK
}

// Resolved is a guard-approved file location.
type Resolved struct {
	// Path is the canonical absolute path of the file.
	Path string
	// TokenDir is the directory whose metadata governs this file. For
	// the legacy flat form this is the export root itself.
	TokenDir string
	// Legacy marks the flat <token>.zip compatibility form.
	Legacy bool
}

// ResolveFile maps token+fileName to a safe path. The directory form
// <root>/<token>/<fileName> is tried first; when it does not exist and
// fileName is exactly <token>.zip, the legacy flat form <root>/<fileName>
// applies. Both forms pass the same canonical prefix check.
func (g *PathGuard) ResolveFile(canonicalRoot, token, fileName string) (Resolved, Reason) {
	res := Resolved{TokenDir: filepath.Join(g.root, token)}

	candidate := filepath.Join(g.root, token, fileName)
	canonical, err := filepath.EvalSymlinks(candidate)

	if err != nil && fileName == token+".zip" {
		res.TokenDir = g.root
		res.Legacy = true
		canonical, err = filepath.EvalSymlinks(filepath.Join(g.root, fileName))
	}
	if err != nil {
		if os.IsNotExist(err) {
			return Resolved{}, ReasonNotFound
		}
		return Resolved{}, ReasonTraversal
	}

	if !hasPathPrefix(canonical, canonicalRoot) {
		return Resolved{}, ReasonTraversal
	}

	fi, err := os.Stat(canonical)
	if err != nil || !fi.Mode().IsRegular() {
		return Resolved{}, ReasonNotFound
	}
	f, err := os.Open(canonical)
	if err != nil {
		return Resolved{}, ReasonNotFound
	}
	_ = f.Close()

	res.Path = canonical
	if dir, derr := filepath.EvalSymlinks(res.TokenDir); derr == nil {
		res.TokenDir = dir
	}
	return res, ReasonOK
}

// hasPathPrefix reports whether path is prefix itself or lives below
// it. Comparison is segment-aware so /tmp/export-evil does not match
// the prefix /tmp/export.
func hasPathPrefix(path, prefix string) bool {
	if path == prefix {
		return true
	}
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	return strings.HasPrefix(path, prefix)
}

func readableDir(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	_ = f.Close()
	return true
}
