// Package bridge exposes the central over a WebSocket. Clients send call
// frames carrying their own success and error callback ids; every
// delivery for those ids comes back on the same connection.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chaz8081/blecentral/internal/callback"
	"github.com/chaz8081/blecentral/internal/central"
	"github.com/chaz8081/blecentral/internal/config"
)

const (
	pingInterval = 30 * time.Second
	readTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
	sendQueue    = 64
)

// Central is the operation surface the bridge dispatches to.
type Central interface {
	Scan(cb central.Callbacks, services []string, seconds int)
	StartScan(cb central.Callbacks, services []string)
	StartScanWithOptions(cb central.Callbacks, services []string, opts central.ScanOptions)
	StopScan(cb central.Callbacks)
	Connect(cb central.Callbacks, deviceID string)
	Disconnect(cb central.Callbacks, deviceID string)
	Read(cb central.Callbacks, device, service, characteristic string)
	Write(cb central.Callbacks, device, service, characteristic, value string)
	WriteWithoutResponse(cb central.Callbacks, device, service, characteristic, value string)
	StartNotification(cb central.Callbacks, device, service, characteristic string)
	StopNotification(cb central.Callbacks, device, service, characteristic string)
	IsEnabled(cb central.Callbacks)
	IsConnected(cb central.Callbacks, device string)
	Enable(cb central.Callbacks)
	ReadRSSI(cb central.Callbacks, device string)
	StartStateNotifications(cb central.Callbacks)
	StopStateNotifications(cb central.Callbacks)
	Phase() central.Phase
}

// route maps a pair of server-side callback ids back to the client ids.
type route struct {
	client    *client
	successID int // client's ids
	failureID int
	ids       [2]int // server's ids
	stop      func() // ends a persistent operation; nil for one-shot calls
}

// Server is the WebSocket bridge. It is the callback.Sink of the central
// it dispatches to.
type Server struct {
	central  Central
	upgrader websocket.Upgrader

	mu      sync.Mutex
	nextID  int
	routes  map[int]*route
	clients map[*client]struct{}
}

// New creates a bridge. Pass it as the central's callback.Sink, then hand
// the central to Handler or Serve.
func New(cfg config.BridgeConfig) *Server {
	s := &Server{
		routes:  make(map[int]*route),
		clients: make(map[*client]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return originAllowed(r, cfg.AllowedOrigins)
		},
	}
	return s
}

// originAllowed accepts requests without an Origin header, same-host
// origins and the configured list.
func originAllowed(r *http.Request, allowed []string) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || slices.Contains(allowed, origin) {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return u.Host == r.Host
}

// Handler returns the HTTP handler serving /ws and /healthz and
// dispatching calls to c.
func (s *Server) Handler(c Central) http.Handler {
	s.central = c
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/healthz", s.handleHealth)
	return mux
}

// ListenAndServe serves c on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string, c Central) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bridge: listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln, c)
}

// Serve serves c on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener, c Central) error {
	srv := &http.Server{Handler: s.Handler(c), ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		return fmt.Errorf("bridge: serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.closeClients()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("bridge: shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("bridge: serve: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	s.mu.Lock()
	clients := len(s.clients)
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(Health{Status: "ok", Phase: s.central.Phase().String(), Clients: clients}); err != nil {
		slog.Warn("[BRIDGE] encode health", "error", err)
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("[BRIDGE] websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	slog.Info("[BRIDGE] client connected", "remote", r.RemoteAddr)

	c := newClient(conn)
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()

	go c.writeLoop()
	s.readLoop(c)

	s.removeClient(c)
	slog.Info("[BRIDGE] client disconnected", "remote", r.RemoteAddr)
}

func (s *Server) readLoop(c *client) {
	c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("[BRIDGE] websocket read failed", "error", err)
			}
			return
		}

		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			slog.Warn("[BRIDGE] malformed frame", "error", err)
			if req.ErrorID != nil {
				c.send(Response{CallbackID: *req.ErrorID, Status: StatusError, Payload: "malformed frame: " + err.Error()}, false)
			}
			continue
		}
		s.dispatch(c, req)
	}
}

// dispatch binds the request's callback ids and invokes the method.
func (s *Server) dispatch(c *client, req Request) {
	if req.SuccessID == nil || req.ErrorID == nil {
		slog.Warn("[BRIDGE] frame without callback ids", "method", req.Method)
		if req.ErrorID != nil {
			c.send(Response{CallbackID: *req.ErrorID, Status: StatusError, Payload: "successId and errorId are required"}, false)
		}
		return
	}

	invoke, ok := s.method(req.Method, req.Args)
	if !ok {
		c.send(Response{CallbackID: *req.ErrorID, Status: StatusError, Payload: fmt.Sprintf("unknown method %q", req.Method)}, false)
		return
	}
	slog.Debug("[BRIDGE] call", "method", req.Method, "successId", *req.SuccessID, "errorId", *req.ErrorID)
	invoke(s.bind(c, *req.SuccessID, *req.ErrorID, s.stopper(req.Method, req.Args)))
}

func (s *Server) method(name string, a Args) (func(central.Callbacks), bool) {
	c := s.central
	switch name {
	case "scan":
		return func(cb central.Callbacks) { c.Scan(cb, a.Services, a.Seconds) }, true
	case "startScan":
		return func(cb central.Callbacks) { c.StartScan(cb, a.Services) }, true
	case "startScanWithOptions":
		return func(cb central.Callbacks) {
			c.StartScanWithOptions(cb, a.Services, central.ScanOptions{ReportDuplicates: a.ReportDuplicates})
		}, true
	case "stopScan":
		return c.StopScan, true
	case "connect":
		return func(cb central.Callbacks) { c.Connect(cb, a.DeviceID) }, true
	case "disconnect":
		return func(cb central.Callbacks) { c.Disconnect(cb, a.DeviceID) }, true
	case "read":
		return func(cb central.Callbacks) { c.Read(cb, a.DeviceID, a.ServiceUUID, a.CharacteristicUUID) }, true
	case "write":
		return func(cb central.Callbacks) {
			c.Write(cb, a.DeviceID, a.ServiceUUID, a.CharacteristicUUID, a.data())
		}, true
	case "writeWithoutResponse":
		return func(cb central.Callbacks) {
			c.WriteWithoutResponse(cb, a.DeviceID, a.ServiceUUID, a.CharacteristicUUID, a.data())
		}, true
	case "startNotification":
		return func(cb central.Callbacks) {
			c.StartNotification(cb, a.DeviceID, a.ServiceUUID, a.CharacteristicUUID)
		}, true
	case "stopNotification":
		return func(cb central.Callbacks) {
			c.StopNotification(cb, a.DeviceID, a.ServiceUUID, a.CharacteristicUUID)
		}, true
	case "isEnabled":
		return c.IsEnabled, true
	case "isConnected":
		return func(cb central.Callbacks) { c.IsConnected(cb, a.DeviceID) }, true
	case "enable":
		return c.Enable, true
	case "readRSSI":
		return func(cb central.Callbacks) { c.ReadRSSI(cb, a.DeviceID) }, true
	case "startStateNotifications":
		return c.StartStateNotifications, true
	case "stopStateNotifications":
		return c.StopStateNotifications, true
	default:
		return nil, false
	}
}

// stopper returns the call that ends a scan or subscription started by
// method, or nil when method starts nothing persistent. Stop results go
// to callback id 0, which is never routed.
func (s *Server) stopper(method string, a Args) func() {
	c := s.central
	switch method {
	case "scan", "startScan", "startScanWithOptions":
		return func() { c.StopScan(central.Callbacks{}) }
	case "startNotification":
		return func() {
			c.StopNotification(central.Callbacks{}, a.DeviceID, a.ServiceUUID, a.CharacteristicUUID)
		}
	default:
		return nil
	}
}

// bind allocates server-side ids for a client's callback pair.
func (s *Server) bind(c *client, successID, failureID int, stop func()) central.Callbacks {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID += 2
	rt := &route{client: c, successID: successID, failureID: failureID, ids: [2]int{s.nextID - 1, s.nextID}, stop: stop}
	s.routes[rt.ids[0]] = rt
	s.routes[rt.ids[1]] = rt
	return central.Callbacks{Success: rt.ids[0], Failure: rt.ids[1]}
}

// Deliver implements callback.Sink. It never blocks the caller.
func (s *Server) Deliver(r callback.Result) {
	s.mu.Lock()
	rt, ok := s.routes[r.CallbackID]
	if ok && !r.Keep {
		s.unroute(rt)
	}
	s.mu.Unlock()
	if !ok {
		slog.Debug("[BRIDGE] dropping result for unknown callback", "callbackId", r.CallbackID)
		return
	}

	resp := Response{CallbackID: rt.failureID, Status: StatusError, Payload: r.Payload, KeepCallback: r.Keep}
	if r.CallbackID == rt.ids[0] {
		resp.CallbackID = rt.successID
	}
	if r.OK {
		resp.Status = StatusOK
	}
	rt.client.send(resp, r.Progress)
}

// Forget implements callback.Forgetter.
func (s *Server) Forget(successID, failureID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rt, ok := s.routes[successID]; ok {
		s.unroute(rt)
	}
	if rt, ok := s.routes[failureID]; ok {
		s.unroute(rt)
	}
}

// caller must hold mu.
func (s *Server) unroute(rt *route) {
	delete(s.routes, rt.ids[0])
	delete(s.routes, rt.ids[1])
}

// removeClient drops c's routes and stops the scans and subscriptions it
// still owns. A connection it opened stays up.
func (s *Server) removeClient(c *client) {
	s.mu.Lock()
	delete(s.clients, c)
	var stops []func()
	for id, rt := range s.routes {
		if rt.client != c {
			continue
		}
		if id == rt.ids[0] && rt.stop != nil {
			stops = append(stops, rt.stop)
		}
		delete(s.routes, id)
	}
	s.mu.Unlock()
	c.close()

	for _, stop := range stops {
		stop()
	}
}

func (s *Server) closeClients() {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}

// client is one WebSocket connection. Only writeLoop writes to conn.
type client struct {
	conn *websocket.Conn

	mu    sync.Mutex
	queue []Response
	wake  chan struct{}

	done      chan struct{}
	closeOnce sync.Once
}

func newClient(conn *websocket.Conn) *client {
	return &client{conn: conn, wake: make(chan struct{}, 1), done: make(chan struct{})}
}

// send queues resp. Results are always queued; a progress frame is
// dropped once sendQueue frames are waiting.
func (c *client) send(resp Response, progress bool) {
	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		return
	default:
	}
	if progress && len(c.queue) >= sendQueue {
		c.mu.Unlock()
		slog.Warn("[BRIDGE] send queue full, dropping progress callback", "callbackId", resp.CallbackID)
		return
	}
	c.queue = append(c.queue, resp)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// pending takes every queued frame.
func (c *client) pending() []Response {
	c.mu.Lock()
	defer c.mu.Unlock()
	q := c.queue
	c.queue = nil
	return q
}

func (c *client) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer c.close()

	for {
		select {
		case <-c.wake:
			for _, resp := range c.pending() {
				c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := c.conn.WriteJSON(resp); err != nil {
					slog.Warn("[BRIDGE] websocket write failed", "error", err)
					return
				}
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				slog.Warn("[BRIDGE] websocket ping failed", "error", err)
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		close(c.done)
		c.queue = nil
		c.mu.Unlock()
		if c.conn != nil {
			c.conn.Close()
		}
	})
}
