package signaling

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/metrics"
)

var (
	ErrTransportClosed = errors.New("transport closed")
	ErrSendQueueFull   = errors.New("send queue full")
)

// wsPeer adapts a *websocket.Conn to registry.Transport.
//
// Send never blocks: frames are queued for the writer goroutine, which is the
// only caller of conn.WriteMessage. Control frames use WriteControl, which
// gorilla allows concurrently with the writer.
type wsPeer struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	pingInterval time.Duration
	metrics      *metrics.Metrics

	queue chan []byte
	done  chan struct{}

	open      atomic.Bool
	closeOnce sync.Once

	// writeErr is the first write failure, reported as the session error.
	errMu    sync.Mutex
	writeErr error
}

func newWSPeer(conn *websocket.Conn, queueFrames int, writeTimeout, pingInterval time.Duration, m *metrics.Metrics) *wsPeer {
	p := &wsPeer{
		conn:         conn,
		writeTimeout: writeTimeout,
		pingInterval: pingInterval,
		metrics:      m,
		queue:        make(chan []byte, queueFrames),
		done:         make(chan struct{}),
	}
	p.open.Store(true)
	return p
}

func (p *wsPeer) Send(frame []byte) error {
	if !p.open.Load() {
		return ErrTransportClosed
	}
	select {
	case p.queue <- frame:
		return nil
	default:
		p.metrics.Inc(metrics.SendQueueDropped)
		return ErrSendQueueFull
	}
}

func (p *wsPeer) Open() bool {
	return p.open.Load()
}

// Close starts a server-initiated close. The read loop observes the peer's
// close reply (or the deadline) and reports the session closed.
func (p *wsPeer) Close(reason string) error {
	return p.closeWith(websocket.CloseGoingAway, reason)
}

func (p *wsPeer) closeWith(code int, reason string) error {
	if !p.stop() {
		return nil
	}
	err := p.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(p.writeTimeout))
	// Bound how long we wait for the close handshake.
	_ = p.conn.SetReadDeadline(time.Now().Add(p.writeTimeout))
	return err
}

// stop marks the peer closed and ends the writer. It reports whether this
// call was the one that stopped it.
func (p *wsPeer) stop() bool {
	stopped := false
	p.closeOnce.Do(func() {
		p.open.Store(false)
		close(p.done)
		stopped = true
	})
	return stopped
}

// writeLoop drains the queue and sends keepalive pings until the peer closes.
func (p *wsPeer) writeLoop() {
	ticker := time.NewTicker(p.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case frame := <-p.queue:
			_ = p.conn.SetWriteDeadline(time.Now().Add(p.writeTimeout))
			if err := p.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				p.failWrite(err)
				return
			}
		case <-ticker.C:
			if err := p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(p.writeTimeout)); err != nil {
				p.failWrite(err)
				return
			}
		}
	}
}

// failWrite records err and tears down the connection so the reader unblocks.
func (p *wsPeer) failWrite(err error) {
	p.errMu.Lock()
	if p.writeErr == nil {
		p.writeErr = err
	}
	p.errMu.Unlock()
	p.open.Store(false)
	_ = p.conn.Close()
}

func (p *wsPeer) writeError() error {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	return p.writeErr
}

// closing reports whether the server already started closing this peer.
func (p *wsPeer) closing() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}
