package githttp

import (
	"fmt"
	"io"
	"net/http"
	"os/exec"
)

// handleAdvertise serves GET /<repo>/info/refs per spec §4.2.
func (s *Server) handleAdvertise(w *trackingResponseWriter, r *http.Request, repoName string) {
	service := r.URL.Query().Get("service")
	if service == "" {
		writeError(w, http.StatusBadRequest, "service parameter required")
		return
	}
	if service != "git-upload-pack" && service != "git-receive-pack" {
		writeError(w, http.StatusBadRequest, "Invalid service")
		return
	}
	serviceName := service[len("git-"):]
	opType := OperationFetch
	if serviceName == "receive-pack" {
		opType = OperationPush
	}

	s.log.Info("advertising refs", map[string]any{
		"repo":    repoName,
		"service": serviceName,
	})

	repoPath, err := s.repos.Resolve(repoName)
	if err != nil {
		status, body := statusForError(err)
		writeError(w, status, body)
		return
	}

	if err := s.authenticate(r, opType, repoName); err != nil {
		s.log.Error("authentication failed", map[string]any{
			"repo": repoName,
			"op":   string(opType),
		})
		setWWWAuthenticate(w)
		status, body := statusForError(err)
		writeError(w, status, body)
		return
	}

	if err := s.repos.EnsureRepository(repoPath, s.options.AutoCreate); err != nil {
		status, body := statusForError(err)
		writeError(w, status, body)
		return
	}

	info := newGitInfo(repoName, opType, PhaseAdvertise)
	accepted, message := s.awaitGate([]eventName{eventInfo, eventName(opType)}, info, s.options.AcceptTimeout)
	if !accepted {
		s.log.Info("advertisement rejected", map[string]any{
			"repo":    repoName,
			"message": message,
		})
		writeError(w, http.StatusForbidden, message)
		return
	}

	cmd := exec.CommandContext(r.Context(), "git", serviceName, "--stateless-rpc", "--advertise-refs", repoPath)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := cmd.Start(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	stderrDone := s.streamStderr(repoName, stderr)

	w.Header().Set("Content-Type", fmt.Sprintf("application/x-git-%s-advertisement", serviceName))
	writeNoCacheHeaders(w)
	w.WriteHeader(http.StatusOK)

	pw := NewPktLineWriter(w)
	banner := fmt.Sprintf("# service=git-%s\n", serviceName)
	if err := pw.WritePktLine([]byte(banner)); err != nil {
		s.listeners.emitError(err)
	}
	if err := pw.Flush(); err != nil {
		s.listeners.emitError(err)
	}

	io.Copy(w, stdout)
	<-stderrDone
	if err := cmd.Wait(); err != nil {
		s.log.Error("subprocess exited with error", map[string]any{
			"repo":    repoName,
			"service": serviceName,
			"error":   err.Error(),
		})
		s.listeners.emitError(err)
	}
}
