package realtime

import (
	"bytes"
	"context"
	"errors"
	"io"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/gorilla/websocket"

	"github.com/devtizi/city-cab/internal/server/interceptors"
)

// conn is one WebSocket connection. The read loop owns session; everything else goes through mu or send.
type conn struct {
	hub     *Hub
	ws      *websocket.Conn
	session *interceptors.Session

	send       chan []byte
	done       chan struct{}
	writerDone chan struct{}
	closeOnce  sync.Once
	// gorilla allows one concurrent writer
	wmu sync.Mutex

	mu sync.Mutex
	// subscription id -> destination, for the subscription header of MESSAGE frames
	subs  map[string]string
	msgID uint64
}

func newConn(h *Hub, ws *websocket.Conn, s *interceptors.Session) *conn {
	return &conn{
		hub:        h,
		ws:         ws,
		session:    s,
		send:       make(chan []byte, h.opts.SendBuffer),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
		subs:       make(map[string]string),
	}
}

func (c *conn) readLoop(ctx context.Context) {
	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				c.hub.logger.DebugContext(ctx, "websocket read failed", "session_id", c.session.ID, "error", err)
			}
			return
		}
		f, err := frame.NewReader(bytes.NewReader(msg)).Read()
		if err != nil && !errors.Is(err, io.EOF) {
			c.hub.logger.WarnContext(ctx, "malformed frame", "session_id", c.session.ID, "error", err)
			c.fail(errorFrame("malformed frame", ""))
			return
		}
		if f == nil {
			// heart-beat
			c.hub.registry.TouchActivity(c.session.ID)
			continue
		}
		if !c.handle(ctx, f) {
			return
		}
	}
}

// handle processes one frame and reports whether the connection stays open.
func (c *conn) handle(ctx context.Context, f *frame.Frame) bool {
	if err := c.hub.auth.Intercept(ctx, c.session, f); err != nil {
		if f.Command == frame.CONNECT || f.Command == frame.STOMP {
			c.fail(errorFrame("authentication failed", interceptors.RejectReason(err)))
			return false
		}
		return true
	}
	c.hub.registry.TouchActivity(c.session.ID)

	switch f.Command {
	case frame.CONNECT, frame.STOMP:
		c.enqueue(frame.New(frame.CONNECTED,
			frame.Version, "1.2",
			frame.HeartBeat, "0,0",
			frame.Session, c.session.ID,
			frame.Server, "citycab"))
	case frame.SUBSCRIBE:
		c.mu.Lock()
		c.subs[f.Header.Get(frame.Id)] = f.Header.Get(frame.Destination)
		c.mu.Unlock()
	case frame.UNSUBSCRIBE:
		c.mu.Lock()
		delete(c.subs, f.Header.Get(frame.Id))
		c.mu.Unlock()
	case frame.SEND:
		c.dispatch(ctx, f)
	case frame.DISCONNECT:
		c.receipt(f)
		return false
	}
	c.receipt(f)
	return true
}

func (c *conn) dispatch(ctx context.Context, f *frame.Frame) {
	dest := f.Header.Get(frame.Destination)
	switch {
	case strings.HasPrefix(dest, "/app/"):
		if err := c.hub.app.HandleApp(ctx, c.session.Identity(), f); err != nil {
			c.hub.logger.WarnContext(ctx, "application handler failed", "session_id", c.session.ID, "destination", dest, "error", err)
		}
	case broadcastable(dest):
		headers := frame.NewHeader()
		if ct := f.Header.Get(frame.ContentType); ct != "" {
			headers.Set(frame.ContentType, ct)
		}
		c.hub.Publish(ctx, dest, headers, f.Body)
	default:
		c.hub.logger.DebugContext(ctx, "send to unrouted destination dropped", "session_id", c.session.ID, "destination", dest)
	}
}

func (c *conn) receipt(f *frame.Frame) {
	if r := f.Header.Get(frame.Receipt); r != "" {
		c.enqueue(frame.New(frame.RECEIPT, frame.ReceiptId, r))
	}
}

// deliver queues a MESSAGE frame without blocking. It reports false when the send buffer is full.
func (c *conn) deliver(destination string, headers *frame.Header, body []byte) bool {
	c.mu.Lock()
	var ids []string
	for id, dest := range c.subs {
		if dest == destination {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	msgIDs := make([]string, len(ids))
	for i := range ids {
		c.msgID++
		msgIDs[i] = c.session.ID + "-" + strconv.FormatUint(c.msgID, 10)
	}
	c.mu.Unlock()

	// one MESSAGE per subscription on the destination
	ok := true
	for i, sub := range ids {
		f := frame.New(frame.MESSAGE,
			frame.Destination, destination,
			frame.MessageId, msgIDs[i],
			frame.Subscription, sub)
		if headers != nil {
			for j := 0; j < headers.Len(); j++ {
				k, v := headers.GetAt(j)
				f.Header.Add(k, v)
			}
		}
		f.Header.Set(frame.ContentLength, strconv.Itoa(len(body)))
		f.Body = body
		if !c.enqueue(f) {
			ok = false
		}
	}
	return ok
}

func (c *conn) enqueue(f *frame.Frame) bool {
	raw, err := encode(f)
	if err != nil {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- raw:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

func (c *conn) writeLoop() {
	defer close(c.writerDone)
	for {
		select {
		case raw := <-c.send:
			if raw == nil {
				_ = c.ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(time.Second))
				c.close()
				return
			}
			if err := c.write(raw); err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *conn) write(raw []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.hub.opts.WriteTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, raw)
}

// fail writes f directly, bypassing the queue, and closes the socket.
func (c *conn) fail(f *frame.Frame) {
	if raw, err := encode(f); err == nil {
		c.closeOnce.Do(func() {
			close(c.done)
			_ = c.write(raw)
			_ = c.ws.Close()
		})
		return
	}
	c.close()
}

// closeAfterFlush asks the write loop to close the socket once every queued frame is written.
func (c *conn) closeAfterFlush() {
	select {
	case c.send <- nil:
	case <-c.done:
	case <-time.After(c.hub.opts.WriteTimeout):
		c.close()
	}
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

func encode(f *frame.Frame) ([]byte, error) {
	var buf bytes.Buffer
	if err := frame.NewWriter(&buf).Write(f); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func errorFrame(message, reason string) *frame.Frame {
	f := frame.New(frame.ERROR, frame.Message, message)
	if reason != "" {
		f.Header.Set("reason", reason)
	}
	return f
}
