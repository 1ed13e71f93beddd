// download.go - Gated file download: runs the full gate pipeline and
// streams the verified file with safe headers.
package server

import (
	"io"
	"net/http"
	"os"
	"strconv"

	"go.uber.org/zap"

	"docgate/internal/access"
)

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	dl, rej := s.svc.Download(access.Request{
		Token:      r.URL.Query().Get("token"),
		FileName:   r.URL.Query().Get("file"),
		RemoteAddr: r.RemoteAddr,
		Header:     r.Header,
	})
	if rej != nil {
		writeRejection(w, rej)
		return
	}

	f, err := os.Open(dl.Path)
	if err != nil {
		// The guard verified readability moments ago; treat this as a
		// transient filesystem problem.
		s.log.Error("gated file vanished before streaming", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "System error. Please contact technical support.")
		return
	}
	defer func() { _ = f.Close() }()

	w.Header().Set("Content-Type", dl.ContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+dl.FileName+`"`)
	w.Header().Set("Content-Length", strconv.FormatInt(dl.Size, 10))
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)

	_, _ = io.Copy(w, f)
}
