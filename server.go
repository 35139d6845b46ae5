// Package githttp implements a smart-HTTP Git server: it multiplexes
// Git's smart transport protocol over per-request subprocess invocations
// of the local git binary.
package githttp

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"sync"
	"time"

	log15 "github.com/omegaup/go-base/logging/log15/v3"
	"github.com/omegaup/go-base/v3/logging"
	"github.com/pkg/errors"
)

// routeRegexp matches the four routes spec §4.1 defines. The first
// capture is the repository name (may itself contain slashes); the
// second is the action.
var routeRegexp = regexp.MustCompile(`^/(.+?)/(info/refs|git-(?:upload|receive)-pack|HEAD)$`)

// defaultAcceptTimeout is the single, uniformly-applied acceptance-gate
// wait bound (spec §9 design note: "pick one value and apply it
// uniformly"). One second is the upper end of the source's observed
// 100ms-1s range.
const defaultAcceptTimeout = 1 * time.Second

// Options configures a Server. There is deliberately no file/flag-based
// configuration layer (matching the teacher's GitServerOpts): the
// entry-point program that constructs a Server is out of scope per spec
// §1, so Options is the entire configuration surface.
type Options struct {
	// AutoCreate enables on-demand `git init --bare` for repositories
	// that don't yet exist (spec §3/§4.6).
	AutoCreate bool

	// Authenticate, if set, is invoked for every advertisement and RPC
	// request before the acceptance gate; HEAD requests are not
	// authenticated. A nil value disables authentication entirely
	// (spec §4.5).
	Authenticate AuthenticateFunc

	// AcceptTimeout bounds how long the acceptance gate waits for a
	// registered listener to call Accept/Reject before auto-accepting.
	// Defaults to defaultAcceptTimeout.
	AcceptTimeout time.Duration

	// Log receives structured operational log lines. Defaults to a
	// log15-backed logger at "info" level, matching the teacher's
	// server_test.go construction.
	Log logging.Logger
}

// Server is a smart-HTTP Git server rooted at a single directory of bare
// repositories (spec §3).
type Server struct {
	rootDir   string
	options   Options
	repos     *RepositoryManager
	listeners *listenerRegistry
	log       logging.Logger

	mu       sync.Mutex
	listener net.Listener
	httpSrv  *http.Server
}

// NewServer constructs an idle Server rooted at rootDir. Call Listen to
// start accepting connections.
func NewServer(rootDir string, options Options) (*Server, error) {
	if options.AcceptTimeout == 0 {
		options.AcceptTimeout = defaultAcceptTimeout
	}
	if options.Log == nil {
		log, err := log15.New("info", false)
		if err != nil {
			return nil, errors.Wrap(err, "creating default logger")
		}
		options.Log = log
	}
	return &Server{
		rootDir:   rootDir,
		options:   options,
		repos:     NewRepositoryManager(rootDir),
		listeners: newListenerRegistry(),
		log:       options.Log,
	}, nil
}

// OnInfo registers a listener for the "info" event (spec §6).
func (s *Server) OnInfo(fn func(*GitInfo)) { s.listeners.OnInfo(fn) }

// OnFetch registers a listener for fetch-path operations.
func (s *Server) OnFetch(fn func(*GitInfo)) { s.listeners.OnFetch(fn) }

// OnPush registers a listener for push-path operations.
func (s *Server) OnPush(fn func(*GitInfo)) { s.listeners.OnPush(fn) }

// OnHead registers a listener for HEAD requests.
func (s *Server) OnHead(fn func(*GitInfo)) { s.listeners.OnHead(fn) }

// OnTag registers a listener fired when a tag creation is detected
// mid-push.
func (s *Server) OnTag(fn func(*TagInfo)) { s.listeners.OnTag(fn) }

// OnError registers a listener for asynchronous operational errors.
func (s *Server) OnError(fn func(error)) { s.listeners.OnError(fn) }

// trackingResponseWriter wraps http.ResponseWriter to remember whether a
// status line has already been committed, implementing the "headers not
// yet sent" invariant from spec §3 in terms net/http can actually enforce
// (net/http cannot un-send a flushed header, so every handler must check
// this before attempting a fallback status).
type trackingResponseWriter struct {
	http.ResponseWriter
	sent bool
}

func (w *trackingResponseWriter) WriteHeader(status int) {
	if w.sent {
		return
	}
	w.sent = true
	w.ResponseWriter.WriteHeader(status)
}

func (w *trackingResponseWriter) Write(p []byte) (int, error) {
	if !w.sent {
		w.sent = true
	}
	return w.ResponseWriter.Write(p)
}

// ServeHTTP implements http.Handler, routing requests per spec §4.1.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	tw := &trackingResponseWriter{ResponseWriter: w}

	match := routeRegexp.FindStringSubmatch(r.URL.Path)
	if match == nil {
		writeError(tw, http.StatusNotFound, "Not Found")
		return
	}
	repoName, action := match[1], match[2]

	switch action {
	case "info/refs":
		if r.Method != http.MethodGet {
			writeError(tw, http.StatusNotFound, "Not Found")
			return
		}
		s.handleAdvertise(tw, r, repoName)
	case "HEAD":
		if r.Method != http.MethodGet {
			writeError(tw, http.StatusNotFound, "Not Found")
			return
		}
		s.handleHead(tw, r, repoName)
	case "git-upload-pack", "git-receive-pack":
		if r.Method != http.MethodPost {
			writeError(tw, http.StatusNotFound, "Not Found")
			return
		}
		s.handleRPC(tw, r, repoName, action)
	default:
		writeError(tw, http.StatusNotFound, "Not Found")
	}
}

// writeError sends a plain-text error response if headers have not
// already been committed.
func writeError(w *trackingResponseWriter, status int, body string) {
	if w.sent {
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(status)
	w.Write([]byte(body))
}

// writeNoCacheHeaders sets the headers spec §6 requires on every
// successful Git response.
func writeNoCacheHeaders(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-cache, max-age=0, must-revalidate")
	w.Header().Set("Expires", "Fri, 01 Jan 1980 00:00:00 GMT")
	w.Header().Set("Pragma", "no-cache")
}

// statusForError maps an error returned from the request pipeline to an
// HTTP status and body, following the taxonomy in spec §7. It unwraps via
// errors.Cause so that wrapped sentinels (github.com/pkg/errors.Wrap)
// still compare correctly, generalizing the teacher's server.go
// writeHeader, which compared bare sentinels directly.
func statusForError(err error) (int, string) {
	switch errors.Cause(err) {
	case ErrUnauthorized:
		return http.StatusUnauthorized, "Authentication failed"
	case ErrNotFound:
		return http.StatusNotFound, "Repository not found"
	default:
		return http.StatusInternalServerError, err.Error()
	}
}

// Listen binds an HTTP listener on port (0 requests an OS-assigned port)
// and starts serving in the background, per spec §4.9.
func (s *Server) Listen(port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	listener, err := net.Listen("tcp", addrForPort(port))
	if err != nil {
		return errors.Wrap(err, "binding listener")
	}
	s.listener = listener
	s.httpSrv = &http.Server{Handler: s}

	go func() {
		if err := s.httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.listeners.emitError(err)
		}
	}()
	return nil
}

// Address returns the bound address, including port, or "" if the server
// is not currently listening.
func (s *Server) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Close stops accepting new connections and drains in-flight requests.
// Calling Close on a server that was never listened on emits an error
// event if any error listener is registered, per spec §4.9.
func (s *Server) Close() error {
	s.mu.Lock()
	httpSrv := s.httpSrv
	s.mu.Unlock()

	if httpSrv == nil {
		s.listeners.emitError(errors.New("Close called on a server that was never listened on"))
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return httpSrv.Shutdown(ctx)
}

func addrForPort(port int) string {
	return ":" + strconv.Itoa(port)
}

// streamStderr drains a subprocess's stderr pipe line by line as it runs,
// logging each line and surfacing it through the error event. This is the
// third of the three concurrent data movements spec §7/§9 call for
// alongside stdin and stdout (stderr lines from git, e.g. a hook
// rejection message, must reach a registered OnError listener, not just
// the bare exit status cmd.Wait() returns). The returned channel is
// closed once the pipe has been fully drained, so callers can wait on it
// before calling cmd.Wait().
func (s *Server) streamStderr(repoName string, stderr io.Reader) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			line := scanner.Text()
			s.log.Error("git stderr", map[string]any{
				"repo": repoName,
				"line": line,
			})
			s.listeners.emitError(errors.New(line))
		}
	}()
	return done
}
