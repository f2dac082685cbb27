// Package hot pushes module updates to browsers while the watch controller rebuilds.
//
// Browsers load the client script from /_pack/hot.js, which connects a websocket to /_pack/hot and tells the hub which
// modules registered an acceptance handler.  After each rebuild the hub sends every client either the new code of the
// modules it accepts or a single reload request when a changed module has no handler.  Build outcomes are also
// streamed as server sent events from /_pack/build for tools that only want to know when a build finished.
package hot

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"github.com/swdunlop/html-go/hog"
	"github.com/swdunlop/pack-go/pack/build"
	"github.com/swdunlop/pack-go/pack/hot/internal/protocol"
	"github.com/swdunlop/pack-go/pack/report"
	"github.com/tmaxmax/go-sse"
	"nhooyr.io/websocket"
)

// Routes served by the hub.
const (
	ClientPath = `/_pack/hot.js`
	SocketPath = `/_pack/hot`
	EventsPath = `/_pack/build`
)

// New returns a hub with no clients.
func New(options ...Option) *Hub {
	h := &Hub{
		clients:   make(map[*client]struct{}),
		readLimit: 1 << 20,
		queue:     64,
		events:    &sse.Server{},
	}
	for _, option := range options {
		option(h)
	}
	return h
}

// An Option adjusts a hub.
type Option func(*Hub)

// ReadLimit limits the size of a message read from a client.
func ReadLimit(limit int64) Option {
	return func(h *Hub) { h.readLimit = limit }
}

// Queue sets how many notifications may wait for a slow client before it is disconnected.
func Queue(n int) Option {
	return func(h *Hub) { h.queue = n }
}

// A Hub tracks connected clients and the modules each of them accepts.
type Hub struct {
	readLimit int64
	queue     int
	events    *sse.Server

	lock    sync.Mutex
	clients map[*client]struct{}
}

type client struct {
	out    chan []byte
	cancel context.CancelFunc

	lock     sync.Mutex
	accepted map[string]bool
}

func (c *client) accept(modules []string) {
	c.lock.Lock()
	defer c.lock.Unlock()
	for _, name := range modules {
		c.accepted[name] = true
	}
}

func (c *client) accepts(name string) bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.accepted[name]
}

// PackMux registers the hub's routes.
func (h *Hub) PackMux(mux *http.ServeMux) {
	mux.Handle(`GET `+SocketPath, h)
	mux.Handle(`GET `+EventsPath, h.events)
	mux.HandleFunc(`GET `+ClientPath, serveClient)
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.lock.Lock()
	defer h.lock.Unlock()
	return len(h.clients)
}

// Observe reports a completed rebuild; its signature matches watch.Listener.
func (h *Hub) Observe(ctx context.Context, res *build.Result, err error) {
	if err != nil {
		h.Failed(ctx, err)
		return
	}
	h.Built(ctx, res)
	h.Publish(ctx, res.Epoch, res.Updates)
}

// Publish sends updates to every client.  A client gets a reload when any module that existed before the build
// changed without the client accepting it; otherwise it gets an update for each accepted or newly added module.
func (h *Hub) Publish(ctx context.Context, epoch int, updates []build.Update) {
	if len(updates) == 0 {
		return
	}
	h.lock.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.lock.Unlock()

	for _, c := range clients {
		var rejected []string
		for _, u := range updates {
			if !u.New && !c.accepts(u.Module) {
				rejected = append(rejected, u.Module)
			}
		}
		if len(rejected) > 0 {
			h.notify(ctx, c, protocol.MethodReload, protocol.Reload{Epoch: epoch, Modules: rejected})
			continue
		}
		for _, u := range updates {
			h.notify(ctx, c, protocol.MethodUpdate, protocol.Update{Module: u.Module, Code: string(u.Code), Epoch: epoch})
		}
	}
	hog.From(ctx).Debug().Int(`epoch`, epoch).Int(`clients`, len(clients)).Int(`modules`, len(updates)).
		Msg(`published hot updates`)
}

// notify queues a notification, dropping the client if its queue is full.
func (h *Hub) notify(ctx context.Context, c *client, method string, params any) {
	js, err := json.Marshal(protocol.Notification{Method: method, Params: params})
	if err != nil {
		hog.From(ctx).Error().Err(err).Str(`method`, method).Msg(`could not encode notification`)
		return
	}
	select {
	case c.out <- js:
	default:
		hog.From(ctx).Warn().Msg(`dropping hot client that is not keeping up`)
		h.drop(c)
	}
}

func (h *Hub) drop(c *client) {
	h.lock.Lock()
	delete(h.clients, c)
	h.lock.Unlock()
	c.cancel()
}

// ServeHTTP accepts a websocket from the hot client.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	err := h.serveHTTP(w, r)
	if err != nil {
		hog.For(r).Error().Err(err).Msg(`hot client error`)
	}
}

func (h *Hub) serveHTTP(w http.ResponseWriter, r *http.Request) error {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return err
	}
	defer func() { _ = conn.CloseNow() }()
	conn.SetReadLimit(h.readLimit)

	var group sync.WaitGroup
	defer group.Wait()
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	c := &client{out: make(chan []byte, h.queue), cancel: cancel, accepted: make(map[string]bool)}
	h.lock.Lock()
	h.clients[c] = struct{}{}
	h.lock.Unlock()
	defer h.drop(c)

	group.Add(1)
	go func() {
		defer group.Done()
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case js := <-c.out:
				if conn.Write(ctx, websocket.MessageText, js) != nil {
					return
				}
			}
		}
	}()

	for {
		mt, msg, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) >= 0 || ctx.Err() != nil {
				return nil
			}
			return err
		}
		if mt != websocket.MessageText {
			continue
		}
		var req protocol.Request
		if err := json.Unmarshal(msg, &req); err != nil {
			h.respond(ctx, c, protocol.Response{Error: &protocol.Error{Code: protocol.CodeParse, Message: err.Error()}})
			continue
		}
		h.handle(ctx, c, req)
	}
}

func (h *Hub) handle(ctx context.Context, c *client, req protocol.Request) {
	var result any
	switch req.Method {
	case protocol.MethodAccept:
		var in protocol.Accept
		if err := json.Unmarshal(req.Params, &in); err != nil {
			h.fail(ctx, c, req, protocol.CodeInvalidParams, err.Error())
			return
		}
		c.accept(in.Modules)
		sort.Strings(in.Modules)
		result = in.Modules
	case protocol.MethodAck:
		var in protocol.Ack
		if err := json.Unmarshal(req.Params, &in); err != nil {
			h.fail(ctx, c, req, protocol.CodeInvalidParams, err.Error())
			return
		}
		level := zerolog.DebugLevel
		if in.Status == `reload` || in.Status == `failed` {
			level = zerolog.WarnLevel
		}
		hog.From(ctx).WithLevel(level).Int(`epoch`, in.Epoch).Str(`module`, in.Module).Str(`status`, in.Status).Msg(`hot update acknowledged`)
		result = true
	default:
		h.fail(ctx, c, req, protocol.CodeMethodNotFound, `unknown method `+req.Method)
		return
	}
	if req.ID != `` {
		h.respond(ctx, c, protocol.Response{ID: req.ID, Result: result})
	}
}

func (h *Hub) fail(ctx context.Context, c *client, req protocol.Request, code int, msg string) {
	if req.ID == `` {
		hog.From(ctx).Warn().Str(`method`, req.Method).Msg(msg)
		return
	}
	h.respond(ctx, c, protocol.Response{ID: req.ID, Error: &protocol.Error{Code: code, Message: msg}})
}

func (h *Hub) respond(ctx context.Context, c *client, resp protocol.Response) {
	js, err := json.Marshal(resp)
	if err != nil {
		return
	}
	select {
	case c.out <- js:
	case <-ctx.Done():
	}
}

// BuildEvent is the payload of a "build" server sent event.
type BuildEvent struct {
	Epoch   int      `json:"epoch"`
	Hash    string   `json:"hash"`
	Emitted []string `json:"emitted"`
	Written []string `json:"written"`
}

// ErrorEvent is the payload of an "error" server sent event.
type ErrorEvent struct {
	Errors []report.Entry `json:"errors"`
}

// Built announces a completed build to event stream subscribers.
func (h *Hub) Built(ctx context.Context, res *build.Result) {
	h.event(ctx, `build`, BuildEvent{
		Epoch:   res.Epoch,
		Hash:    res.Output.Hash,
		Emitted: res.Output.Emitted,
		Written: res.Written,
	})
}

// Failed announces a failed build to event stream subscribers.
func (h *Hub) Failed(ctx context.Context, err error) {
	h.event(ctx, `error`, ErrorEvent{Errors: report.Entries(report.PhaseResolve, err)})
}

func (h *Hub) event(ctx context.Context, kind string, payload any) {
	js, err := json.Marshal(payload)
	if err != nil {
		hog.From(ctx).Error().Err(err).Str(`event`, kind).Msg(`could not encode build event`)
		return
	}
	msg := &sse.Message{Type: sse.Type(kind)}
	msg.AppendData(string(js))
	if err := h.events.Publish(msg); err != nil {
		hog.From(ctx).Warn().Err(err).Str(`event`, kind).Msg(`could not publish build event`)
	}
}

// Shutdown closes the event stream.  Websocket clients are closed when their requests end.
func (h *Hub) Shutdown(ctx context.Context) error {
	return h.events.Shutdown(ctx)
}
