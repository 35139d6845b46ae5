package githttp

import (
	"fmt"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

// gitCommandEnv pins author/committer identity so end-to-end commits are
// deterministic, mirroring the teacher's own server_test.go environment
// setup for driving real `git` subprocesses against the test server.
func gitCommandEnv() []string {
	return append(os.Environ(),
		"GIT_AUTHOR_NAME=Test",
		"GIT_AUTHOR_EMAIL=test@example.com",
		"GIT_COMMITTER_NAME=Test",
		"GIT_COMMITTER_EMAIL=test@example.com",
	)
}

func runGit(t *testing.T, dir string, args ...string) (string, error) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = gitCommandEnv()
	out, err := cmd.CombinedOutput()
	return string(out), err
}

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available on PATH")
	}
}

func newTestServer(t *testing.T, options Options) (*Server, *httptest.Server, string) {
	t.Helper()
	rootDir := t.TempDir()
	s, err := NewServer(rootDir, options)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	httpSrv := httptest.NewServer(s)
	t.Cleanup(httpSrv.Close)
	return s, httpSrv, rootDir
}

func TestServerCloneAgainstAutoCreate(t *testing.T) {
	requireGit(t)

	_, httpSrv, rootDir := newTestServer(t, Options{AutoCreate: true})

	cloneDir := t.TempDir()
	url := fmt.Sprintf("%s/r1", httpSrv.URL)
	if out, err := runGit(t, cloneDir, "clone", url, "r1"); err != nil {
		t.Fatalf("git clone failed: %v\n%s", err, out)
	}

	if info, err := os.Stat(filepath.Join(rootDir, "r1")); err != nil || !info.IsDir() {
		t.Errorf("expected %q to exist as a bare repository after clone", filepath.Join(rootDir, "r1"))
	}
}

func TestServerPushAccepted(t *testing.T) {
	requireGit(t)

	s, httpSrv, rootDir := newTestServer(t, Options{AutoCreate: true})

	var pushReceived bool
	s.OnPush(func(info *GitInfo) {
		pushReceived = true
		info.Accept()
	})

	url := fmt.Sprintf("%s/r2", httpSrv.URL)
	workDir := t.TempDir()
	if out, err := runGit(t, workDir, "init"); err != nil {
		t.Fatalf("git init failed: %v\n%s", err, out)
	}
	if err := os.WriteFile(filepath.Join(workDir, "file.txt"), []byte("hello"), 0644); err != nil {
		t.Fatal(err)
	}
	if out, err := runGit(t, workDir, "add", "file.txt"); err != nil {
		t.Fatalf("git add failed: %v\n%s", err, out)
	}
	if out, err := runGit(t, workDir, "commit", "-m", "initial"); err != nil {
		t.Fatalf("git commit failed: %v\n%s", err, out)
	}
	if out, err := runGit(t, workDir, "push", url, "HEAD:refs/heads/main"); err != nil {
		t.Fatalf("git push failed: %v\n%s", err, out)
	}

	if !pushReceived {
		t.Errorf("expected the push listener to have fired")
	}
	if _, err := os.Stat(filepath.Join(rootDir, "r2", "objects")); err != nil {
		t.Errorf("expected objects directory to exist after push: %v", err)
	}
}

func TestServerPushRejected(t *testing.T) {
	requireGit(t)

	s, httpSrv, _ := newTestServer(t, Options{AutoCreate: true})
	s.OnPush(func(info *GitInfo) {
		info.Reject("nope")
	})

	url := fmt.Sprintf("%s/r3", httpSrv.URL)
	workDir := t.TempDir()
	runGit(t, workDir, "init")
	os.WriteFile(filepath.Join(workDir, "file.txt"), []byte("hello"), 0644)
	runGit(t, workDir, "add", "file.txt")
	runGit(t, workDir, "commit", "-m", "initial")

	out, err := runGit(t, workDir, "push", url, "HEAD:refs/heads/main")
	if err == nil {
		t.Fatalf("expected git push to fail")
	}
	if !strings.Contains(out, "nope") {
		t.Errorf("expected the rejection message to reach the client, got:\n%s", out)
	}
}

func TestServerAuthFailure(t *testing.T) {
	requireGit(t)

	_, httpSrv, _ := newTestServer(t, Options{
		AutoCreate: true,
		Authenticate: func(opType OperationType, repo, user, pass string) error {
			return fmt.Errorf("denied")
		},
	})

	cloneDir := t.TempDir()
	url := fmt.Sprintf("%s/r4", httpSrv.URL)
	if out, err := runGit(t, cloneDir, "clone", url, "r4"); err == nil {
		t.Fatalf("expected git clone to fail, got:\n%s", out)
	}
}

func TestServerTagDetection(t *testing.T) {
	requireGit(t)

	s, httpSrv, _ := newTestServer(t, Options{AutoCreate: true})

	var gotTag *TagInfo
	s.OnPush(func(info *GitInfo) { info.Accept() })
	s.OnTag(func(tag *TagInfo) { gotTag = tag })

	url := fmt.Sprintf("%s/r5", httpSrv.URL)
	workDir := t.TempDir()
	runGit(t, workDir, "init")
	os.WriteFile(filepath.Join(workDir, "file.txt"), []byte("hello"), 0644)
	runGit(t, workDir, "add", "file.txt")
	runGit(t, workDir, "commit", "-m", "initial")
	runGit(t, workDir, "tag", "-a", "v1.0.0", "-m", "release")

	if out, err := runGit(t, workDir, "push", url, "HEAD:refs/heads/main", "refs/tags/v1.0.0"); err != nil {
		t.Fatalf("git push failed: %v\n%s", err, out)
	}

	if gotTag == nil {
		t.Fatal("expected a tag event to fire")
	}
	if gotTag.Version != "v1.0.0" || gotTag.Repo != "r5" {
		t.Errorf("unexpected tag descriptor: %+v", gotTag)
	}
}

func TestServerPushHookStderrSurfacesAsErrorEvent(t *testing.T) {
	requireGit(t)

	s, httpSrv, rootDir := newTestServer(t, Options{AutoCreate: false})
	repoPath := filepath.Join(rootDir, "r8")
	if out, err := runGit(t, rootDir, "init", "--bare", repoPath); err != nil {
		t.Fatalf("git init --bare failed: %v\n%s", err, out)
	}

	hookPath := filepath.Join(repoPath, "hooks", "pre-receive")
	hookScript := "#!/bin/sh\necho 'rejected by hook' >&2\nexit 1\n"
	if err := os.WriteFile(hookPath, []byte(hookScript), 0755); err != nil {
		t.Fatalf("writing pre-receive hook: %v", err)
	}

	var stderrLines []string
	var mu sync.Mutex
	s.OnPush(func(info *GitInfo) { info.Accept() })
	s.OnError(func(err error) {
		mu.Lock()
		stderrLines = append(stderrLines, err.Error())
		mu.Unlock()
	})

	url := fmt.Sprintf("%s/r8", httpSrv.URL)
	workDir := t.TempDir()
	runGit(t, workDir, "init")
	os.WriteFile(filepath.Join(workDir, "file.txt"), []byte("hello"), 0644)
	runGit(t, workDir, "add", "file.txt")
	runGit(t, workDir, "commit", "-m", "initial")

	if out, err := runGit(t, workDir, "push", url, "HEAD:refs/heads/main"); err == nil {
		t.Fatalf("expected git push to fail due to the rejecting hook, got:\n%s", out)
	}

	mu.Lock()
	defer mu.Unlock()
	found := false
	for _, line := range stderrLines {
		if strings.Contains(line, "rejected by hook") {
			found = true
			break
		}
	}
	if !found {
		t.Errorf("expected the hook's stderr line to reach an OnError listener, got %v", stderrLines)
	}
}

func TestServerHeadRequest(t *testing.T) {
	requireGit(t)

	s, httpSrv, rootDir := newTestServer(t, Options{AutoCreate: false})
	if err := os.MkdirAll(filepath.Join(rootDir, "r6"), 0755); err != nil {
		t.Fatal(err)
	}
	if out, err := runGit(t, filepath.Join(rootDir, "r6"), "init", "--bare"); err != nil {
		t.Fatalf("git init --bare failed: %v\n%s", err, out)
	}

	s.OnHead(func(info *GitInfo) { info.Accept() })

	resp, err := httpSrv.Client().Get(httpSrv.URL + "/r6/HEAD")
	if err != nil {
		t.Fatalf("GET /r6/HEAD failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
}

func TestServerHeadRequestRejected(t *testing.T) {
	requireGit(t)

	s, httpSrv, rootDir := newTestServer(t, Options{AutoCreate: false})
	if err := os.MkdirAll(filepath.Join(rootDir, "r7"), 0755); err != nil {
		t.Fatal(err)
	}
	runGit(t, filepath.Join(rootDir, "r7"), "init", "--bare")

	s.OnHead(func(info *GitInfo) { info.Reject("denied") })

	resp, err := httpSrv.Client().Get(httpSrv.URL + "/r7/HEAD")
	if err != nil {
		t.Fatalf("GET /r7/HEAD failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 403 {
		t.Errorf("expected 403, got %d", resp.StatusCode)
	}
}

func TestServerUnknownRouteIs404(t *testing.T) {
	_, httpSrv, _ := newTestServer(t, Options{})

	resp, err := httpSrv.Client().Get(httpSrv.URL + "/not-a-git-route")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 404 {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}

func TestServerListenAddressClose(t *testing.T) {
	s, err := NewServer(t.TempDir(), Options{})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	if err := s.Listen(0); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	if s.Address() == "" {
		t.Errorf("expected a non-empty bound address")
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}
