// Package overlay streams the simulator's map overlay to browser clients
// over WebSocket.
//
// Surface mutations only change the hub's scene; Invalidate publishes the
// scene to every client as one render frame. Newly connected clients get
// the current scene immediately.
package overlay

import (
	"encoding/json"
	"log"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"geoforge/internal/geo"
	mmetrics "geoforge/internal/metrics"
)

const (
	FrameRender = "render"
	FrameEvent  = "event"

	sendBuffer = 64
	writeWait  = 5 * time.Second
)

type Marker struct {
	ID   string       `json:"id"`
	Icon string       `json:"icon"`
	At   geo.GeoPoint `json:"at"`
}

// Frame is the JSON message sent to clients.
type Frame struct {
	Type      string        `json:"type"`
	Markers   []Marker      `json:"markers,omitempty"`
	Center    *geo.GeoPoint `json:"center,omitempty"`
	AnimateTo *geo.GeoPoint `json:"animateTo,omitempty"`
	Event     string        `json:"event,omitempty"`
	Payload   any           `json:"payload,omitempty"`
	Stamp     int64         `json:"stamp"` // Unix ms
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub implements sim.Surface and sim.Notifier.
type Hub struct {
	upgrader websocket.Upgrader
	metrics  *mmetrics.Collector

	clients   map[*client]struct{}
	clientsMu sync.RWMutex

	sceneMu   sync.Mutex
	markers   map[string]Marker
	center    *geo.GeoPoint
	animateTo *geo.GeoPoint
}

func NewHub(metrics *mmetrics.Collector) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		metrics: metrics,
		clients: make(map[*client]struct{}),
		markers: make(map[string]Marker),
	}
}

func (h *Hub) AddMarker(id, icon string, at geo.GeoPoint) {
	h.sceneMu.Lock()
	defer h.sceneMu.Unlock()
	h.markers[id] = Marker{ID: id, Icon: icon, At: at}
}

func (h *Hub) MoveMarker(id string, at geo.GeoPoint) {
	h.sceneMu.Lock()
	defer h.sceneMu.Unlock()
	if m, ok := h.markers[id]; ok {
		m.At = at
		h.markers[id] = m
	}
}

func (h *Hub) RemoveMarker(id string) {
	h.sceneMu.Lock()
	defer h.sceneMu.Unlock()
	delete(h.markers, id)
}

func (h *Hub) SetCenter(at geo.GeoPoint) {
	h.sceneMu.Lock()
	defer h.sceneMu.Unlock()
	h.center = &at
}

func (h *Hub) AnimateTo(at geo.GeoPoint) {
	h.sceneMu.Lock()
	defer h.sceneMu.Unlock()
	h.animateTo = &at
}

// Invalidate publishes the current scene.
func (h *Hub) Invalidate() {
	h.broadcast(h.scene())
}

func (h *Hub) Notify(event string, payload any) {
	h.broadcast(Frame{Type: FrameEvent, Event: event, Payload: payload, Stamp: time.Now().UnixMilli()})
}

// Markers returns the markers currently in the scene ordered by ID.
func (h *Hub) Markers() []Marker {
	return h.scene().Markers
}

func (h *Hub) Clients() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

func (h *Hub) scene() Frame {
	h.sceneMu.Lock()
	defer h.sceneMu.Unlock()
	f := Frame{Type: FrameRender, Markers: make([]Marker, 0, len(h.markers)), Stamp: time.Now().UnixMilli()}
	for _, m := range h.markers {
		f.Markers = append(f.Markers, m)
	}
	sort.Slice(f.Markers, func(i, j int) bool { return f.Markers[i].ID < f.Markers[j].ID })
	if h.center != nil {
		c := *h.center
		f.Center = &c
	}
	if h.animateTo != nil {
		a := *h.animateTo
		f.AnimateTo = &a
	}
	return f
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[overlay] upgrade error: %v", err)
		return
	}
	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}
	if data, err := json.Marshal(h.scene()); err == nil {
		c.send <- data
	}

	h.clientsMu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.clientsMu.Unlock()
	h.setClientGauge(n)
	log.Printf("[overlay] client connected (%d total)", n)

	go func() {
		defer conn.Close()
		for msg := range c.send {
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// clients only read; the read loop detects disconnects
	go func() {
		defer h.drop(c)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.clientsMu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for c := range h.clients {
		conns = append(conns, c.conn)
	}
	h.clientsMu.RUnlock()
	for _, conn := range conns {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(time.Second))
		_ = conn.Close()
	}
}

func (h *Hub) drop(c *client) {
	h.clientsMu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.clientsMu.Unlock()
		return
	}
	delete(h.clients, c)
	close(c.send)
	n := len(h.clients)
	h.clientsMu.Unlock()
	h.setClientGauge(n)
	log.Printf("[overlay] client disconnected (%d total)", n)
}

func (h *Hub) broadcast(f Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		log.Printf("[overlay] marshal frame: %v", err)
		return
	}
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			// slow client, skip
		}
	}
}

func (h *Hub) setClientGauge(n int) {
	if h.metrics != nil {
		h.metrics.OverlayClients.Set(float64(n))
	}
}
