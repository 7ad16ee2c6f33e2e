package progress

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const defaultWSBuffer = 256

// WebSocketSink streams events as JSON text frames to an external
// reporter. Emit queues without blocking; when the queue is full the
// event is dropped and counted.
type WebSocketSink struct {
	ws      *websocket.Conn
	ctx     context.Context
	cancel  context.CancelFunc
	queue   chan Event
	done    chan struct{}
	dropped atomic.Int64
	once    sync.Once
	mu      sync.RWMutex
	closed  bool
}

func DialWebSocket(
	ctx context.Context,
	url string,
	buffer int,
) (*WebSocketSink, error) {
	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	if buffer <= 0 {
		buffer = defaultWSBuffer
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &WebSocketSink{
		ws:     ws,
		ctx:    ctx,
		cancel: cancel,
		queue:  make(chan Event, buffer),
		done:   make(chan struct{}),
	}
	go s.writePump()
	return s, nil
}

func (s *WebSocketSink) Emit(e Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.dropped.Add(1)
		return
	}
	select {
	case s.queue <- e:
	default:
		s.dropped.Add(1)
	}
}

func (s *WebSocketSink) Dropped() int64 {
	return s.dropped.Load()
}

func (s *WebSocketSink) writePump() {
	defer close(s.done)
	for e := range s.queue {
		if err := wsjson.Write(s.ctx, s.ws, e); err != nil {
			slog.Debug("progress websocket write failed",
				"error", err,
			)
			s.dropped.Add(1)
		}
	}
}

// Close flushes queued events, waiting at most timeout, then closes
// the connection.
func (s *WebSocketSink) Close(timeout time.Duration) error {
	var err error
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.queue)
		s.mu.Unlock()

		select {
		case <-s.done:
		case <-time.After(timeout):
			s.cancel()
			<-s.done
		}
		s.cancel()
		err = s.ws.Close(websocket.StatusNormalClosure, "")
	})
	return err
}
