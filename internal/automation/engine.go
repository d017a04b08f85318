// Package automation runs user Lua hooks on mesh events, so a node can
// react to traffic (auto-replies, alerts, relays) without a firmware change.
package automation

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	lua "github.com/yuin/gopher-lua"

	"meshnode/internal/events"
	"meshnode/internal/mesh"
	"meshnode/internal/router"
)

// Hook function names a script may define.
const (
	hookOnMessage  = "on_message"
	hookOnNodeSeen = "on_node_seen"
	hookOnDelivery = "on_delivery"
)

// Script is one loaded Lua file with its own interpreter state.
type Script struct {
	Name string
	Path string

	mu sync.Mutex
	ls *lua.LState
}

// Engine loads scripts and dispatches bus events into their hooks.
type Engine struct {
	svc    *router.Service
	bus    *events.Dispatcher
	logger *slog.Logger

	mu      sync.Mutex
	scripts []*Script
	unsub   func()
}

// NewEngine creates an automation engine over the mesh service.
func NewEngine(svc *router.Service, bus *events.Dispatcher, logger *slog.Logger) *Engine {
	return &Engine{
		svc:    svc,
		bus:    bus,
		logger: logger.With("component", "automation"),
	}
}

// LoadDir loads every *.lua file in dir. A missing directory is not an
// error; a node without scripts is the common case.
func (e *Engine) LoadDir(dir string) error {
	matches, err := filepath.Glob(filepath.Join(dir, "*.lua"))
	if err != nil {
		return fmt.Errorf("glob scripts dir: %w", err)
	}
	if len(matches) == 0 {
		e.logger.Info("no automation scripts found", "dir", dir)
		return nil
	}

	for _, path := range matches {
		s, err := e.loadScript(path)
		if err != nil {
			e.logger.Error("load script", "path", filepath.Base(path), "err", err)
			continue
		}
		e.mu.Lock()
		e.scripts = append(e.scripts, s)
		e.mu.Unlock()
		e.logger.Info("loaded automation script", "name", s.Name)
	}
	return nil
}

func (e *Engine) loadScript(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read script: %w", err)
	}

	ls := lua.NewState()
	e.registerMeshAPI(ls)
	if err := ls.DoString(string(data)); err != nil {
		ls.Close()
		return nil, fmt.Errorf("execute script: %w", err)
	}

	return &Script{
		Name: filepath.Base(path),
		Path: path,
		ls:   ls,
	}, nil
}

// registerMeshAPI exposes the `mesh` table to scripts.
func (e *Engine) registerMeshAPI(ls *lua.LState) {
	tbl := ls.NewTable()

	ls.SetField(tbl, "send", ls.NewFunction(func(L *lua.LState) int {
		to := L.CheckString(1)
		text := L.CheckString(2)
		wantAck := L.OptBool(3, false)

		dest := mesh.NodeNumBroadcast
		if to != "" && to != "broadcast" {
			n, err := mesh.ParseNodeId(to)
			if err != nil {
				L.ArgError(1, "bad node id")
				return 0
			}
			dest = n
		}
		id := e.svc.SendText(dest, text, wantAck)
		L.Push(lua.LNumber(id))
		return 1
	}))

	ls.SetField(tbl, "log", ls.NewFunction(func(L *lua.LState) int {
		e.logger.Info("script: " + L.CheckString(1))
		return 0
	}))

	ls.SetGlobal("mesh", tbl)
}

// Start subscribes to bus events.
func (e *Engine) Start() {
	e.unsub = e.bus.Subscribe(e.handleEvent,
		events.Message, events.UserChanged, events.PositionUpdate, events.Delivery)
	e.logger.Info("automation engine started", "scripts", len(e.scripts))
}

// Stop unsubscribes and closes all interpreter states.
func (e *Engine) Stop() {
	if e.unsub != nil {
		e.unsub()
	}
	e.mu.Lock()
	for _, s := range e.scripts {
		s.mu.Lock()
		s.ls.Close()
		s.mu.Unlock()
	}
	e.scripts = nil
	e.mu.Unlock()
	e.logger.Info("automation engine stopped")
}

func (e *Engine) handleEvent(event events.Event) {
	switch event.Kind {
	case events.Message:
		e.callHook(hookOnMessage, lua.LString(mesh.DefaultUserId(event.Node)), lua.LString(event.Text))

	case events.UserChanged, events.PositionUpdate:
		e.callHook(hookOnNodeSeen, lua.LString(mesh.DefaultUserId(event.Node)))

	case events.Delivery:
		e.callHook(hookOnDelivery, lua.LNumber(event.Packet), lua.LString(event.Text))
	}
}

// callHook invokes fn in every script that defines it.
func (e *Engine) callHook(fn string, args ...lua.LValue) {
	e.mu.Lock()
	scripts := make([]*Script, len(e.scripts))
	copy(scripts, e.scripts)
	e.mu.Unlock()

	for _, s := range scripts {
		s.mu.Lock()
		if hook, ok := s.ls.GetGlobal(fn).(*lua.LFunction); ok {
			err := s.ls.CallByParam(lua.P{Fn: hook, NRet: 0, Protect: true}, args...)
			if err != nil {
				e.logger.Error("script hook failed", "script", s.Name, "hook", fn, "err", err)
			}
		}
		s.mu.Unlock()
	}
}

