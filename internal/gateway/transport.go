package gateway

import (
	"bufio"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Iron-Ham/distrun/internal/codec"
	"github.com/Iron-Ham/distrun/internal/errors"
)

// Transport moves whole frames. WriteFrame must be safe for concurrent use;
// ReadFrame is only ever called from the reader goroutine.
type Transport interface {
	WriteFrame(b []byte) error
	// ReadFrame returns io.EOF when the peer closed the stream cleanly.
	ReadFrame() ([]byte, error)
	Close() error
}

type streamTransport struct {
	r    *bufio.Reader
	w    io.Writer
	c    io.Closer
	wmu  sync.Mutex
	once sync.Once
}

// NewStreamTransport frames messages over a byte stream with a 4-byte
// length prefix.
func NewStreamTransport(rwc io.ReadWriteCloser) Transport {
	return &streamTransport{
		r: bufio.NewReader(rwc),
		w: rwc,
		c: rwc,
	}
}

func (t *streamTransport) WriteFrame(b []byte) error {
	t.wmu.Lock()
	defer t.wmu.Unlock()
	return codec.WriteFrame(t.w, b)
}

func (t *streamTransport) ReadFrame() ([]byte, error) {
	return codec.ReadFrame(t.r)
}

func (t *streamTransport) Close() error {
	var err error
	t.once.Do(func() { err = t.c.Close() })
	return err
}

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second
)

type wsTransport struct {
	ws   *websocket.Conn
	wmu  sync.Mutex
	once sync.Once
}

// NewWSTransport carries one frame per binary websocket message.
func NewWSTransport(ws *websocket.Conn) Transport {
	ws.SetReadLimit(codec.MaxFrameSize)
	return &wsTransport{ws: ws}
}

func (t *wsTransport) WriteFrame(b []byte) error {
	t.wmu.Lock()
	defer t.wmu.Unlock()
	if err := t.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return t.ws.WriteMessage(websocket.BinaryMessage, b)
}

func (t *wsTransport) ReadFrame() ([]byte, error) {
	mt, b, err := t.ws.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil, io.EOF
		}
		return nil, err
	}
	if mt != websocket.BinaryMessage {
		return nil, errors.Wrapf(errors.ErrMalformedEvent, "unexpected websocket message type %d", mt)
	}
	return b, nil
}

func (t *wsTransport) Close() error {
	var err error
	t.once.Do(func() {
		t.wmu.Lock()
		_ = t.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		t.wmu.Unlock()
		err = t.ws.Close()
	})
	return err
}

// pipeRWC joins a process's stdout and stdin into one stream.
type pipeRWC struct {
	io.Reader
	io.WriteCloser
}

func (p pipeRWC) Close() error {
	return p.WriteCloser.Close()
}
