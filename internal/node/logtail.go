package node

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// logTail fans a stream of caption lines out to any number of connected
// debug-log websocket clients (spec §4.I's operator-facing live log tail,
// supplemented from the original node's log streaming). A client whose
// buffer is full misses that line rather than blocking publishers; it stays
// subscribed.
type logTail struct {
	mu       sync.Mutex
	clients  map[chan string]struct{}
}

func newLogTail() *logTail {
	return &logTail{clients: map[chan string]struct{}{}}
}

func (t *logTail) subscribe() chan string {
	ch := make(chan string, 32)
	t.mu.Lock()
	t.clients[ch] = struct{}{}
	t.mu.Unlock()
	return ch
}

func (t *logTail) unsubscribe(ch chan string) {
	t.mu.Lock()
	delete(t.clients, ch)
	t.mu.Unlock()
	close(ch)
}

func (t *logTail) publish(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for ch := range t.clients {
		select {
		case ch <- line:
		default:
		}
	}
}

var logTailUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// tailLogs upgrades to a websocket and streams every subsequent caption
// line for this session until the client disconnects.
func (s *Supervisor) tailLogs(c *gin.Context) {
	conn, err := logTailUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ch := s.logs.subscribe()
	defer s.logs.unsubscribe(ch)

	conn.SetReadDeadline(time.Now().Add(time.Hour))
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for line := range ch {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(line)); err != nil {
			return
		}
	}
}
