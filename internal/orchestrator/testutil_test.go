package orchestrator

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
)

// fakeProc is an in-memory process running a minimal language server that
// answers initialize/shutdown and returns a canned result for everything
// else.
type fakeProc struct {
	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter

	crashOnQuery bool

	exitOnce sync.Once
	exitErr  error
	exited   chan struct{}
}

func newFakeProc(result string) *fakeProc {
	p := &fakeProc{exited: make(chan struct{})}
	p.stdinR, p.stdinW = io.Pipe()
	p.stdoutR, p.stdoutW = io.Pipe()
	go p.serve(result)
	return p
}

// newCrashingProc answers the handshake normally but dies on the first
// query, like a server crashing mid-request.
func newCrashingProc() *fakeProc {
	p := &fakeProc{exited: make(chan struct{}), crashOnQuery: true}
	p.stdinR, p.stdinW = io.Pipe()
	p.stdoutR, p.stdoutW = io.Pipe()
	go p.serve("null")
	return p
}

func (p *fakeProc) Reader() io.Reader      { return p.stdoutR }
func (p *fakeProc) Writer() io.WriteCloser { return p.stdinW }
func (p *fakeProc) Wait() error            { <-p.exited; return p.exitErr }
func (p *fakeProc) Signal(os.Signal) error { return nil }
func (p *fakeProc) Kill() error            { p.exit(nil); return nil }

func (p *fakeProc) exit(err error) {
	p.exitOnce.Do(func() {
		p.exitErr = err
		p.stdoutW.Close()
		p.stdinR.Close()
		close(p.exited)
	})
}

func (p *fakeProc) respond(id int64, result string) {
	body := fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":%s}`, id, result)
	fmt.Fprintf(p.stdoutW, "Content-Length: %d\r\n\r\n%s", len(body), body)
}

func (p *fakeProc) serve(result string) {
	r := bufio.NewReader(p.stdinR)
	for {
		body, err := readTestFrame(r)
		if err != nil {
			p.exit(nil)
			return
		}
		var msg struct {
			ID     *int64 `json:"id"`
			Method string `json:"method"`
		}
		if err := json.Unmarshal(body, &msg); err != nil {
			continue
		}
		if msg.ID == nil {
			if msg.Method == "exit" {
				p.exit(nil)
				return
			}
			continue
		}
		switch msg.Method {
		case "initialize":
			p.respond(*msg.ID, `{"capabilities":{}}`)
		case "shutdown":
			p.respond(*msg.ID, "null")
		default:
			if p.crashOnQuery {
				p.exit(errors.New("signal: killed"))
				return
			}
			p.respond(*msg.ID, result)
		}
	}
}

func readTestFrame(r *bufio.Reader) ([]byte, error) {
	var contentLength int
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		if name, value, ok := strings.Cut(line, ":"); ok &&
			strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			n, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil {
				return nil, err
			}
			contentLength = n
		}
	}
	body := make([]byte, contentLength)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

// testWorkspace builds a git-marked workspace containing the given files
// and a global config document outside it.
func testWorkspace(t *testing.T, globalConfig string, files map[string]string) (ws, globalPath string) {
	t.Helper()
	ws = t.TempDir()
	if err := os.Mkdir(filepath.Join(ws, ".git"), 0o755); err != nil {
		t.Fatal(err)
	}
	for name, content := range files {
		path := filepath.Join(ws, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	globalPath = filepath.Join(t.TempDir(), "lsp.json")
	if globalConfig != "" {
		if err := os.WriteFile(globalPath, []byte(globalConfig), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return ws, globalPath
}
