package githttp

import (
	"fmt"
	"io"
	"net/http"
	"os/exec"
)

// handleRPC serves POST /<repo>/git-(upload|receive)-pack per spec §4.3.
//
// The request body is never read before the acceptance gate resolves:
// http.Request.Body is a blocking, pull-based reader backed directly by
// the TCP connection, so simply deferring the first Read until after
// acceptance achieves spec §5's "paused buffer" backpressure invariant
// without an explicit in-memory buffer — the client's writes just block
// on the kernel socket in the meantime.
func (s *Server) handleRPC(w *trackingResponseWriter, r *http.Request, repoName, action string) {
	serviceName := action[len("git-"):]
	opType := OperationFetch
	if serviceName == "receive-pack" {
		opType = OperationPush
	}

	s.log.Info("rpc request", map[string]any{
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

	// RPC does not auto-create: the advertisement phase already would
	// have, per spec §4.3 step 3.
	if !s.repos.Exists(repoPath) {
		writeError(w, http.StatusNotFound, "Repository not found")
		return
	}

	info := newGitInfo(repoName, opType, PhaseRPC)
	accepted, message := s.awaitGate([]eventName{eventName(opType)}, info, s.options.AcceptTimeout)
	if !accepted {
		s.log.Info("rpc rejected", map[string]any{
			"repo":    repoName,
			"message": message,
		})
		// Deliberate: 500, not 403, so Git clients surface the reject
		// message as a post-handshake error (spec §9 design note).
		writeError(w, http.StatusInternalServerError, message)
		return
	}

	cmd := exec.CommandContext(r.Context(), "git", serviceName, "--stateless-rpc", repoPath)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
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

	w.Header().Set("Content-Type", fmt.Sprintf("application/x-git-%s-result", serviceName))
	writeNoCacheHeaders(w)
	w.WriteHeader(http.StatusOK)

	var body io.Reader = r.Body
	if opType == OperationPush {
		sniffer := newTagSniffer(repoName, func(tag *TagInfo) {
			s.listeners.emitTag(tag)
		})
		body = &tappedReader{r: r.Body, w: sniffer}
	}

	copyDone := make(chan struct{})
	go func() {
		io.Copy(stdin, body)
		stdin.Close()
		close(copyDone)
	}()

	io.Copy(w, stdout)
	<-copyDone
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
