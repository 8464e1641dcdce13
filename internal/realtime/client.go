package realtime

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"termbridge/internal/protocol"
	"termbridge/internal/terminal"
)

var errClientClosed = errors.New("client closed")

// client is one WebSocket connection and the terminal session it owns.
type client struct {
	id     string
	conn   *websocket.Conn
	server *Server
	log    *zap.Logger

	term *terminal.Session

	// send is drained by writePump only.
	send chan []byte
	done chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	closeCode int
	closeText string
}

func newClient(s *Server, id string, conn *websocket.Conn, log *zap.Logger) *client {
	ctx, cancel := context.WithCancel(context.Background())
	return &client{
		id:     id,
		conn:   conn,
		server: s,
		log:    log,
		send:   make(chan []byte, 256),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
}

// enqueue hands a frame to writePump, blocking while the queue is full.
func (c *client) enqueue(frame []byte) error {
	select {
	case <-c.done:
		return errClientClosed
	default:
	}
	select {
	case c.send <- frame:
		return nil
	case <-c.done:
		return errClientClosed
	}
}

// sendOutput is the terminal's output sink.
func (c *client) sendOutput(chunk []byte) error {
	frame, err := protocol.NewOutput(chunk)
	if err != nil {
		return err
	}
	return c.enqueue(frame)
}

// shutdown tears the connection down once: the shell is killed and writePump
// flushes what is queued, then sends a close frame with code and text.
func (c *client) shutdown(code int, text string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeText = text
		close(c.done)
		c.cancel()
		if c.term != nil {
			c.term.Close()
		}
		c.server.release(c)
	})
}

// awaitExit closes the connection once the shell exits on its own.
func (c *client) awaitExit() {
	select {
	case <-c.term.Done():
		code := c.term.ExitCode()
		c.log.Info("shell exited", zap.Int("exit_code", code))
		c.shutdown(websocket.CloseNormalClosure, "shell exited with code "+strconv.Itoa(code))
	case <-c.done:
	}
}

// readPump reads frames from the WebSocket connection.
func (c *client) readPump() {
	defer c.shutdown(websocket.CloseNormalClosure, "")

	c.conn.SetReadLimit(c.server.cfg.ReadLimit)
	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				c.log.Debug("websocket read error", zap.Error(err))
			}
			return
		}
		c.handleMessage(message)
	}
}

// handleMessage routes one inbound frame.
func (c *client) handleMessage(raw []byte) {
	msg, err := protocol.ParseClientMessage(raw)
	if errors.Is(err, protocol.ErrNotObject) {
		c.writeInput(raw)
		return
	}
	if err != nil {
		c.log.Debug("dropping frame", zap.Error(err))
		return
	}

	switch msg.Kind {
	case protocol.KindInput:
		c.writeInput([]byte(msg.Data))
	case protocol.KindResize:
		if !c.term.Resize(msg.Cols, msg.Rows) {
			c.log.Debug("ignoring resize", zap.Int("cols", msg.Cols), zap.Int("rows", msg.Rows))
		}
	case protocol.KindFS:
		go c.handleFS(msg)
	}
}

func (c *client) writeInput(data []byte) {
	if err := c.term.Write(data); err != nil && !errors.Is(err, terminal.ErrClosed) {
		c.log.Debug("write to shell", zap.Error(err))
	}
}

func (c *client) handleFS(msg *protocol.ClientMessage) {
	var res protocol.FSResult
	if msg.Malformed != nil {
		res = protocol.FSResult{ID: msg.FS.ID, Body: protocol.ErrorResult{Error: msg.Malformed.Error()}}
	} else {
		res = c.server.fs.Handle(c.ctx, *msg.FS)
	}

	frame, err := res.MarshalJSON()
	if err != nil {
		c.log.Warn("encode fs result", zap.String("id", msg.FS.ID), zap.Error(err))
		frame, _ = protocol.FSResult{ID: msg.FS.ID, Body: protocol.ErrorResult{Error: err.Error()}}.MarshalJSON()
	}
	c.enqueue(frame)
}

// writePump writes frames to the WebSocket connection. It is the only writer.
func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.server.wg.Done()
	}()

	for {
		select {
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.shutdown(websocket.CloseAbnormalClosure, "")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown(websocket.CloseAbnormalClosure, "")
				return
			}

		case <-c.done:
			c.flush()
			return
		}
	}
}

// flush writes whatever is still queued, then the close frame.
func (c *client) flush() {
	for {
		select {
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		default:
			if c.closeCode == websocket.CloseAbnormalClosure {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(c.closeCode, c.closeText))
			return
		}
	}
}
