package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/lspherd/lspherd/internal/lsperr"
)

// Transport is the JSON-RPC 2.0 engine for one server connection. Messages
// are framed as "Content-Length: N\r\n\r\n<N bytes of JSON>". Responses are
// matched to requests by id regardless of arrival order.
type Transport struct {
	writer  io.Writer
	writeMu sync.Mutex

	nextID atomic.Int64

	mu       sync.Mutex
	pending  map[int64]chan *rpcResponse
	handlers map[string]NotificationHandler
	closed   bool
	closeErr error

	notifs chan inboundNotification

	done   chan struct{}
	logger *zap.Logger
}

type inboundNotification struct {
	method string
	params json.RawMessage
}

// NotificationHandler handles an inbound notification from the server.
type NotificationHandler func(method string, params json.RawMessage)

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      *int64 `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ResponseError  `json:"error,omitempty"`
}

// ResponseError is a JSON-RPC error object from the server.
type ResponseError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *ResponseError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// NewTransport creates a transport writing requests to w. The read side is
// driven by ReadLoop, which the owner runs in a goroutine.
func NewTransport(w io.Writer, logger *zap.Logger) *Transport {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Transport{
		writer:   w,
		pending:  make(map[int64]chan *rpcResponse),
		handlers: make(map[string]NotificationHandler),
		notifs:   make(chan inboundNotification, 128),
		done:     make(chan struct{}),
		logger:   logger,
	}
	go t.notifyLoop()
	return t
}

// notifyLoop delivers inbound notifications one at a time, in receipt
// order. Successive publishDiagnostics for one URI must apply oldest
// first; a slow handler delays later notifications but never reorders
// them. The queue is closed when ReadLoop exits.
func (t *Transport) notifyLoop() {
	for n := range t.notifs {
		t.mu.Lock()
		handler := t.handlers[n.method]
		t.mu.Unlock()
		if handler != nil {
			handler(n.method, n.params)
		}
	}
}

// OnNotification registers a handler for an inbound notification method.
// Must be called before ReadLoop starts delivering messages.
func (t *Transport) OnNotification(method string, handler NotificationHandler) {
	t.mu.Lock()
	t.handlers[method] = handler
	t.mu.Unlock()
}

// Request performs one JSON-RPC round trip. Exactly one of response,
// timeout, caller abort, or transport death terminates the wait. Timeout
// and abort both send a best-effort $/cancelRequest upstream before
// returning; the server may keep computing, but the caller stops waiting.
func (t *Transport) Request(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if err := t.closedErr(); err != nil {
		return nil, err
	}

	id := t.nextID.Add(1)
	ch := make(chan *rpcResponse, 1)

	t.mu.Lock()
	if t.closed {
		err := t.closeErr
		t.mu.Unlock()
		return nil, lsperr.Wrap(lsperr.CodePipe, "", "", err)
	}
	t.pending[id] = ch
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
	}()

	if err := t.send(&rpcRequest{JSONRPC: "2.0", ID: &id, Method: method, Params: params}); err != nil {
		return nil, lsperr.Wrap(lsperr.CodePipe, "", "", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-timer.C:
		t.cancelRequest(id)
		return nil, lsperr.New(lsperr.CodeTimedOut, "", "",
			fmt.Sprintf("%s timed out after %s", method, timeout))
	case <-ctx.Done():
		t.cancelRequest(id)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, lsperr.New(lsperr.CodeTimedOut, "", "",
				fmt.Sprintf("%s deadline exceeded", method))
		}
		return nil, lsperr.New(lsperr.CodeAborted, "", "", method+" aborted")
	case <-t.done:
		t.mu.Lock()
		err := t.closeErr
		t.mu.Unlock()
		return nil, lsperr.Wrap(lsperr.CodePipe, "", "", err)
	}
}

// Notify sends a notification; no response is expected.
func (t *Transport) Notify(method string, params any) error {
	if err := t.closedErr(); err != nil {
		return err
	}
	return t.send(&rpcRequest{JSONRPC: "2.0", Method: method, Params: params})
}

// cancelRequest sends a best-effort $/cancelRequest for id.
func (t *Transport) cancelRequest(id int64) {
	_ = t.Notify("$/cancelRequest", map[string]int64{"id": id})
}

func (t *Transport) closedErr() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return lsperr.Wrap(lsperr.CodePipe, "", "", t.closeErr)
	}
	return nil
}

// send writes one framed message. The write lock keeps header and body of
// concurrent messages from interleaving.
func (t *Transport) send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := fmt.Fprintf(t.writer, "Content-Length: %d\r\n\r\n", len(data)); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if _, err := t.writer.Write(data); err != nil {
		return fmt.Errorf("write body: %w", err)
	}
	return nil
}

// Close terminates the transport. In-flight requests unblock with an EPIPE
// error carrying cause. Safe to call more than once.
func (t *Transport) Close(cause error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	if cause == nil {
		cause = errors.New("transport closed")
	}
	t.closeErr = cause
	t.mu.Unlock()
	close(t.done)
}

// Closed reports whether the transport has been closed.
func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Done is closed when the transport shuts down.
func (t *Transport) Done() <-chan struct{} { return t.done }

// ReadLoop consumes r until EOF or error, maintaining a single growable
// buffer and repeatedly extracting complete header+body frames. It must
// tolerate arbitrary chunk boundaries: a frame may arrive byte by byte or
// many frames may arrive in one read. On exit the transport is closed with
// an EPIPE-class cause.
func (t *Transport) ReadLoop(r io.Reader) {
	var buf []byte
	chunk := make([]byte, 32*1024)
	for {
		for {
			body, rest, ok := extractFrame(buf)
			if !ok {
				break
			}
			buf = rest
			t.dispatch(body)
		}
		n, err := r.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			t.Close(lsperr.Wrap(lsperr.CodePipe, "", "", fmt.Errorf("transport read: %w", err)))
			close(t.notifs) // dispatch only runs on this goroutine
			return
		}
	}
}

// extractFrame scans buf for one complete Content-Length framed message.
// Returns the body, the remaining bytes, and whether a frame was complete.
// Leftover bytes are retained for the next chunk.
func extractFrame(buf []byte) (body, rest []byte, ok bool) {
	sep := bytes.Index(buf, []byte("\r\n\r\n"))
	if sep < 0 {
		return nil, buf, false
	}
	header := buf[:sep]
	contentLength := -1
	for _, line := range strings.Split(string(header), "\r\n") {
		name, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			if n, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
				contentLength = n
			}
		}
	}
	if contentLength < 0 {
		// Malformed header block: skip past it rather than wedging the stream.
		return extractFrame(buf[sep+4:])
	}
	start := sep + 4
	if len(buf) < start+contentLength {
		return nil, buf, false
	}
	body = buf[start : start+contentLength]
	rest = append([]byte(nil), buf[start+contentLength:]...)
	return body, rest, true
}

// dispatch routes one message: responses to their waiting request,
// notifications to their handler.
func (t *Transport) dispatch(data []byte) {
	var probe struct {
		ID     *int64          `json:"id"`
		Method string          `json:"method"`
		Result json.RawMessage `json:"result"`
		Error  *ResponseError  `json:"error"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		t.logger.Debug("dropping unparseable message", zap.Error(err))
		return
	}

	if probe.ID != nil && probe.Method == "" {
		var resp rpcResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			return
		}
		t.mu.Lock()
		ch, ok := t.pending[resp.ID]
		if ok {
			delete(t.pending, resp.ID)
		}
		t.mu.Unlock()
		if ok {
			ch <- &resp // buffered; exactly one send per id
		}
		return
	}

	if probe.Method != "" {
		var notif struct {
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(data, &notif); err != nil {
			return
		}
		// Queued for the single consumer: notifications apply in receipt
		// order, off the read loop so response dispatch is not stalled.
		t.notifs <- inboundNotification{method: notif.Method, params: notif.Params}
	}
}
