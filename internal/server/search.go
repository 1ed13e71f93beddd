// search.go - List-documents entry point (browser form POST or GET).
package server

import (
	"net/http"
	"strings"

	"docgate/internal/access"
)

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var token string
	switch r.Method {
	case http.MethodPost:
		token = r.PostFormValue("token")
	default:
		token = r.URL.Query().Get("token")
	}
	s.listDocuments(w, r, strings.TrimSpace(token))
}

func (s *Server) listDocuments(w http.ResponseWriter, r *http.Request, token string) {
	result, rej := s.svc.ListDocuments(access.Request{
		Token:      token,
		RemoteAddr: r.RemoteAddr,
		Header:     r.Header,
	})
	if rej != nil {
		writeRejection(w, rej)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
