// Package presence keeps one live gateway socket per character so the
// registry shows them online. A socket that drops while still wanted is
// redialed after a fixed delay; an explicit disconnect settles at offline.
package presence

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/onnwee/cast-tender/character"
	"github.com/onnwee/cast-tender/telemetry"
)

// Status values reported per character.
const (
	StatusOffline      = "offline"
	StatusConnecting   = "connecting"
	StatusOnline       = "online"
	StatusReconnecting = "reconnecting"
	StatusError        = "error"
)

// DefaultReconnectDelay is how long a dropped socket waits before redialing.
const DefaultReconnectDelay = 5 * time.Second

// Socket is the slice of a websocket connection the manager needs.
type Socket interface {
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

// DialFunc opens a socket; tests inject a fake.
type DialFunc func(url string, header http.Header) (Socket, error)

// GorillaDial is the production DialFunc.
func GorillaDial(url string, header http.Header) (Socket, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// State is a point-in-time snapshot of one character's connection.
type State struct {
	Desired   bool   `json:"desired"`
	Connected bool   `json:"connected"`
	Status    string `json:"status"`
	LastError string `json:"last_error"`
}

type record struct {
	token     string
	desired   bool
	connected bool
	status    string
	lastError string
	sock      Socket
	timer     *time.Timer
	// gen invalidates goroutines belonging to an older connection.
	gen int
}

// Manager owns all presence connections. All methods are safe for
// concurrent use.
type Manager struct {
	URL            string
	Dial           DialFunc
	ReconnectDelay time.Duration

	mu      sync.Mutex
	records map[string]*record
	closed  bool
}

func NewManager(socketURL string) *Manager {
	return &Manager{
		URL:            socketURL,
		Dial:           GorillaDial,
		ReconnectDelay: DefaultReconnectDelay,
		records:        map[string]*record{},
	}
}

func (m *Manager) delay() time.Duration {
	if m.ReconnectDelay > 0 {
		return m.ReconnectDelay
	}
	return DefaultReconnectDelay
}

// Connect opens (or reopens) the socket for a character. A prior connection
// and any pending reconnect timer are torn down first.
func (m *Manager) Connect(sourceID, token string) error {
	if sourceID == "" || token == "" {
		return fmt.Errorf("presence connect requires a character id and bot token")
	}
	if m.URL == "" {
		return fmt.Errorf("no live socket url configured")
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("presence manager is shut down")
	}
	if m.records == nil {
		m.records = map[string]*record{}
	}
	rec := m.records[sourceID]
	if rec == nil {
		rec = &record{}
		m.records[sourceID] = rec
	}
	m.teardownLocked(rec)
	rec.token = token
	rec.desired = true
	rec.status = StatusConnecting
	rec.lastError = ""
	rec.gen++
	gen := rec.gen
	m.mu.Unlock()

	go m.dialAndRead(sourceID, token, gen)
	return nil
}

func (m *Manager) dialAndRead(sourceID, token string, gen int) {
	header := http.Header{}
	header.Set("Authorization", "Bot "+token)
	dial := m.Dial
	if dial == nil {
		dial = GorillaDial
	}
	sock, err := dial(m.URL, header)

	m.mu.Lock()
	rec := m.records[sourceID]
	if rec == nil || rec.gen != gen {
		m.mu.Unlock()
		if sock != nil {
			sock.Close()
		}
		return
	}
	if err != nil {
		rec.connected = false
		rec.lastError = err.Error()
		if rec.desired {
			rec.status = StatusReconnecting
			m.scheduleReconnectLocked(sourceID, rec)
		} else {
			rec.status = StatusError
		}
		m.mu.Unlock()
		m.publishOnlineCount()
		return
	}
	rec.sock = sock
	rec.connected = true
	rec.status = StatusOnline
	rec.lastError = ""
	m.mu.Unlock()
	m.publishOnlineCount()

	var readErr error
	for {
		if _, _, readErr = sock.ReadMessage(); readErr != nil {
			break
		}
	}

	m.mu.Lock()
	rec = m.records[sourceID]
	if rec == nil || rec.gen != gen {
		m.mu.Unlock()
		return
	}
	rec.connected = false
	rec.sock = nil
	if !rec.desired {
		rec.status = StatusOffline
		m.mu.Unlock()
		m.publishOnlineCount()
		return
	}
	rec.status = StatusReconnecting
	if readErr != nil {
		rec.lastError = readErr.Error()
	}
	m.scheduleReconnectLocked(sourceID, rec)
	m.mu.Unlock()
	m.publishOnlineCount()
}

// scheduleReconnectLocked arms a single timer; a fresh Connect or a
// Disconnect cancels it. Caller holds m.mu.
func (m *Manager) scheduleReconnectLocked(sourceID string, rec *record) {
	if rec.timer != nil {
		rec.timer.Stop()
	}
	token := rec.token
	rec.timer = time.AfterFunc(m.delay(), func() {
		m.mu.Lock()
		cur := m.records[sourceID]
		stale := cur == nil || !cur.desired || cur.token == "" || m.closed
		m.mu.Unlock()
		if stale {
			return
		}
		telemetry.Inc(telemetry.PresenceReconnects)
		_ = m.Connect(sourceID, token)
	})
}

// Disconnect drops the socket and settles the character at offline. Safe to
// call for unknown ids.
func (m *Manager) Disconnect(sourceID string) {
	m.mu.Lock()
	rec := m.records[sourceID]
	if rec == nil {
		m.mu.Unlock()
		return
	}
	rec.desired = false
	m.teardownLocked(rec)
	rec.connected = false
	rec.status = StatusOffline
	rec.gen++
	m.mu.Unlock()
	m.publishOnlineCount()
}

// teardownLocked stops the timer and closes the socket. Caller holds m.mu.
func (m *Manager) teardownLocked(rec *record) {
	if rec.timer != nil {
		rec.timer.Stop()
		rec.timer = nil
	}
	if rec.sock != nil {
		rec.sock.Close()
		rec.sock = nil
	}
}

// State returns the snapshot for one character; unknown ids read as offline.
func (m *Manager) State(sourceID string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.records[sourceID]
	if rec == nil {
		return State{Status: StatusOffline}
	}
	return snapshot(rec)
}

// States returns a snapshot of every tracked character.
func (m *Manager) States() map[string]State {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]State, len(m.records))
	for id, rec := range m.records {
		out[id] = snapshot(rec)
	}
	return out
}

func snapshot(rec *record) State {
	return State{
		Desired:   rec.desired,
		Connected: rec.connected,
		Status:    rec.status,
		LastError: rec.lastError,
	}
}

// Bootstrap connects every override that wants presence and has a token.
// Individual failures are recorded per character, never fatal.
func (m *Manager) Bootstrap(overrides map[string]character.Override) {
	for sourceID, o := range overrides {
		if !o.PresenceOn() || o.Token() == "" {
			continue
		}
		if err := m.Connect(sourceID, o.Token()); err != nil {
			m.mu.Lock()
			if rec := m.records[sourceID]; rec != nil {
				rec.lastError = err.Error()
				rec.status = StatusError
			}
			m.mu.Unlock()
		}
	}
}

// Shutdown disconnects everything and rejects further connects.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.closed = true
	ids := make([]string, 0, len(m.records))
	for id := range m.records {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.Disconnect(id)
	}
}

func (m *Manager) publishOnlineCount() {
	m.mu.Lock()
	n := 0
	for _, rec := range m.records {
		if rec.status == StatusOnline {
			n++
		}
	}
	m.mu.Unlock()
	telemetry.SetPresenceOnline(n)
}
