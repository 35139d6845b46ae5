package githttp

import "net/http"

// handleHead serves GET /<repo>/HEAD per spec §4.8.
func (s *Server) handleHead(w *trackingResponseWriter, r *http.Request, repoName string) {
	s.log.Info("head request", map[string]any{"repo": repoName})

	repoPath, err := s.repos.Resolve(repoName)
	if err != nil {
		status, body := statusForError(err)
		writeError(w, status, body)
		return
	}
	if !s.repos.Exists(repoPath) {
		writeError(w, http.StatusNotFound, "Repository not found")
		return
	}

	info := newGitInfo(repoName, "", PhaseHead)
	accepted, message := s.awaitGate([]eventName{eventHead}, info, s.options.AcceptTimeout)
	if !accepted {
		s.log.Info("head request rejected", map[string]any{
			"repo":    repoName,
			"message": message,
		})
		writeError(w, http.StatusForbidden, message)
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	writeNoCacheHeaders(w)
	w.WriteHeader(http.StatusOK)
}
