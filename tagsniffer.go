package githttp

import (
	"io"
	"regexp"
)

// tagSnifferWindow bounds the sliding window kept for cross-chunk matching.
// It must cover at least the maximum command-line length (~200 bytes, per
// spec §9's design note) so that a match straddling two Write calls is not
// lost the way a naive discard-per-chunk implementation would lose it.
const tagSnifferWindow = 256

// packSignature is the magic that opens the packfile section of a
// receive-pack request body; once seen, the sniffer stops scanning.
var packSignature = []byte("PACK")

// tagCommandPattern matches a single receive-pack command-list line that
// creates or updates a tag: "<old-oid> <new-oid> refs/tags/<name>". The
// name is terminated by whitespace, a NUL capability separator, the
// 4-hex-digit pkt-line header and old oid of the next command (git sends
// every command after the first without a trailing newline), or the "0000"
// flush-pkt right before the packfile signature. The token shape mirrors
// the command-list layout parsed in the teacher's protocol.go handlePush
// (old-oid, new-oid, refname triples).
var tagCommandPattern = regexp.MustCompile(`([0-9a-f]{4,64}) ([0-9a-f]{4,64}) refs/tags/([^\x00\s]+?)(?:[\x00\s]|0000PACK|[0-9a-f]{4}(?:[0-9a-f]{40}|[0-9a-f]{64}) )`)

// tagSniffer scans the pre-packfile section of a receive-pack request body
// for tag-creation commands (spec §4.4). It is an io.Writer so it can be
// attached to the stream as it is copied to the subprocess's stdin,
// without buffering the whole body.
type tagSniffer struct {
	repo  string
	onTag func(*TagInfo)
	buf   []byte
	done  bool
	seen  map[string]bool
}

func newTagSniffer(repo string, onTag func(*TagInfo)) *tagSniffer {
	return &tagSniffer{
		repo:  repo,
		onTag: onTag,
		seen:  make(map[string]bool),
	}
}

// Write implements io.Writer, scanning p for tag commands as a side effect
// and never altering or rejecting the data itself.
func (t *tagSniffer) Write(p []byte) (int, error) {
	if t.done || t.onTag == nil {
		return len(p), nil
	}
	t.buf = append(t.buf, p...)

	if idx := indexOf(t.buf, packSignature); idx >= 0 {
		t.scan(t.buf[:idx+len(packSignature)])
		t.done = true
		t.buf = nil
		return len(p), nil
	}

	t.scan(t.buf)
	if len(t.buf) > tagSnifferWindow {
		t.buf = t.buf[len(t.buf)-tagSnifferWindow:]
	}
	return len(p), nil
}

func (t *tagSniffer) scan(window []byte) {
	for len(window) > 0 {
		loc := tagCommandPattern.FindSubmatchIndex(window)
		if loc == nil {
			return
		}
		newOid := string(window[loc[4]:loc[5]])
		name := string(window[loc[6]:loc[7]])
		// Resume right after the name: the terminator may be the next
		// command's own header and old oid.
		window = window[loc[7]:]
		if isZeroOid(newOid) {
			continue
		}
		// The old oid is left out of the key: once the window slides, a
		// rescan can see it truncated at the window's start.
		key := newOid + " " + name
		if t.seen[key] {
			continue
		}
		t.seen[key] = true
		t.onTag(&TagInfo{
			Repo:    t.repo,
			Commit:  newOid,
			Version: name,
		})
	}
}

func isZeroOid(oid string) bool {
	for _, r := range oid {
		if r != '0' {
			return false
		}
	}
	return true
}

func indexOf(haystack, needle []byte) int {
	if len(needle) == 0 || len(haystack) < len(needle) {
		return -1
	}
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if string(haystack[i:i+len(needle)]) == string(needle) {
			return i
		}
	}
	return -1
}

// tappedReader wraps an io.Reader, copying every byte read through to w as
// a side effect, so the tag sniffer can observe the receive-pack body as
// it streams to the subprocess's stdin without an intermediate buffer.
type tappedReader struct {
	r io.Reader
	w io.Writer
}

func (t *tappedReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if n > 0 {
		t.w.Write(p[:n])
	}
	return n, err
}
