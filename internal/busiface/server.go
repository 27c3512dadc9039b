package busiface

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"github.com/godbus/dbus/v5/prop"
)

// Identity names a daemon's fixed bus coordinates: well-known name,
// object path, and interface, per spec.md §3's "Daemon identity" tuple.
type Identity struct {
	BusName       string // e.g. "com.example.BotSlack"
	ObjectPath    dbus.ObjectPath
	InterfaceName string
}

// StatsFunc returns the daemon's current stats as a JSON-serializable
// value. Called on every Stats property read; must not block on
// external I/O (spec.md §4.2).
type StatsFunc func() any

// Server exports one daemon's bus object: a single dispatch method
// (Call), the Running/Stats properties, and signal emission. Handlers
// are registered by name and dispatched through a Dispatcher so a slow
// handler cannot stall the conn's own goroutine.
type Server struct {
	id         Identity
	logger     *slog.Logger
	dispatcher *Dispatcher
	statsFn    StatsFunc

	mu       sync.RWMutex
	handlers map[string]MethodHandler
	running  bool

	conn  *dbus.Conn
	props *prop.Properties
}

// NewServer creates a Server. Register methods with RegisterMethod
// before calling Start.
func NewServer(id Identity, statsFn StatsFunc, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if statsFn == nil {
		statsFn = func() any { return map[string]any{} }
	}
	return &Server{
		id:         id,
		logger:     logger,
		statsFn:    statsFn,
		dispatcher: NewDispatcher(logger),
		handlers:   make(map[string]MethodHandler),
	}
}

// RegisterMethod attaches handler under name. Must be called before
// Start; registering after Start is not safe for concurrent dispatch.
func (s *Server) RegisterMethod(name string, handler MethodHandler) error {
	if err := ValidateMethodName(name); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[name] = handler
	return nil
}

// dispatchObject is the Go value exported over D-Bus. It exposes a
// single generic method so new domain methods can be registered at
// runtime without re-exporting introspection data.
type dispatchObject struct {
	s *Server
}

// Call is the sole exported D-Bus method: it looks up method by name
// and runs it through the dispatcher, returning the JSON envelope
// string. Unknown methods return a failure envelope rather than a bus
// error, per spec.md §4.2's "errors are never raised as bus exceptions".
func (d *dispatchObject) Call(method string, argsJSON string) (string, *dbus.Error) {
	d.s.mu.RLock()
	handler, ok := d.s.handlers[method]
	d.s.mu.RUnlock()
	if !ok {
		return Encode(Fail(fmt.Sprintf("unknown method %q", method))), nil
	}
	env := d.s.dispatcher.Call(context.Background(), method, handler, argsJSON)
	return Encode(env), nil
}

// Start connects to the session bus, exports the dispatch object and
// properties, and requests the well-known name.
func (s *Server) Start(ctx context.Context) error {
	conn, err := dbus.ConnectSessionBus(dbus.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("busiface: connect session bus: %w", err)
	}
	s.conn = conn

	obj := &dispatchObject{s: s}
	if err := conn.Export(obj, s.id.ObjectPath, s.id.InterfaceName); err != nil {
		return fmt.Errorf("busiface: export object: %w", err)
	}

	node := &introspect.Node{
		Name: string(s.id.ObjectPath),
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			prop.IntrospectData,
			{
				Name: s.id.InterfaceName,
				Methods: []introspect.Method{
					{
						Name: "Call",
						Args: []introspect.Arg{
							{Name: "method", Type: "s", Direction: "in"},
							{Name: "argsJSON", Type: "s", Direction: "in"},
							{Name: "result", Type: "s", Direction: "out"},
						},
					},
				},
				Signals: []introspect.Signal{
					{Name: "StatusChanged", Args: []introspect.Arg{{Name: "state", Type: "s"}}},
				},
			},
		},
	}
	if err := conn.Export(introspect.NewIntrospectable(node), s.id.ObjectPath, "org.freedesktop.DBus.Introspectable"); err != nil {
		return fmt.Errorf("busiface: export introspection: %w", err)
	}

	propsSpec := prop.Map{
		s.id.InterfaceName: {
			"Running": {
				Value:    true,
				Writable: false,
				Emit:     prop.EmitTrue,
				Callback: nil,
			},
			"Stats": {
				Value:    "{}",
				Writable: false,
				Emit:     prop.EmitTrue,
				Callback: nil,
			},
		},
	}
	props, err := prop.Export(conn, s.id.ObjectPath, propsSpec)
	if err != nil {
		return fmt.Errorf("busiface: export properties: %w", err)
	}
	s.props = props
	s.refreshStatsProperty()

	reply, err := conn.RequestName(s.id.BusName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return fmt.Errorf("busiface: request name %s: %w", s.id.BusName, err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return fmt.Errorf("busiface: bus name %s already taken", s.id.BusName)
	}

	s.mu.Lock()
	s.running = true
	s.mu.Unlock()

	s.logger.Info("bus interface started", "bus_name", s.id.BusName, "path", s.id.ObjectPath)
	return nil
}

// refreshStatsProperty re-reads StatsFunc and republishes the Stats
// property. Called once at Start and again whenever StatusChanged is
// emitted, rather than on a ticker or per read, since property reads
// must not themselves do I/O.
func (s *Server) refreshStatsProperty() {
	if s.props == nil {
		return
	}
	data, err := json.Marshal(s.statsFn())
	if err != nil {
		s.logger.Warn("failed to marshal stats for bus property", "error", err)
		return
	}
	s.props.SetMust(s.id.InterfaceName, "Stats", string(data))
}

// EmitSignal emits a fire-and-forget bus signal. payload is marshaled
// to JSON and sent as the signal's single string argument, matching the
// JSON-envelope wire convention used for method calls.
func (s *Server) EmitSignal(name string, payload any) {
	if s.conn == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Warn("failed to marshal signal payload", "signal", name, "error", err)
		return
	}
	if name == "StatusChanged" {
		s.refreshStatsProperty()
	}
	if err := s.conn.Emit(s.id.ObjectPath, s.id.InterfaceName+"."+name, string(data)); err != nil {
		s.logger.Warn("failed to emit bus signal", "signal", name, "error", err)
	}
}

// Stop releases the bus name and closes the connection. The
// dispatcher's queue is drained first so in-flight handlers finish.
func (s *Server) Stop(ctx context.Context) error {
	s.dispatcher.Stop()
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	if _, err := s.conn.ReleaseName(s.id.BusName); err != nil {
		s.logger.Warn("failed to release bus name", "error", err)
	}
	return s.conn.Close()
}

// Running reports whether the server currently holds its bus name.
func (s *Server) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}
