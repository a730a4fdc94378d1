// Package rpc implements the persistent, auto-reconnecting
// MessagePack-RPC client/server described in §4.7, grounded on
// arduino/app_utils/bridge.py's Bridge/ClientServer. The original holds a
// process-wide singleton per peer address (SingletonMeta); per the
// framework's own design notes ("replace the process-wide singleton with
// an explicit Bridge value; callers receive it through dependency
// injection"), Dial here returns an ordinary *Bridge value with no hidden
// global state.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arduino/app-bricks/internal/config"
	"github.com/arduino/app-bricks/internal/obs"
	"github.com/arduino/app-bricks/internal/rpcerr"
)

const reconnectDelay = 3 * time.Second

// reconnectDelayEnv overrides the reconnect delay, in whole seconds, for
// environments that need faster or slower reconnect cycles than the
// default.
const reconnectDelayEnv = "APP_RPC_RECONNECT_SECONDS"

// Handler is a locally-hosted method, invocable by the remote peer via
// request (Call-style) or notification (Notify-style) frames.
type Handler func(params []any) (any, error)

// Option configures a Bridge at Dial time.
type Option func(*options)

type options struct {
	dialTimeout time.Duration
	config      config.Source
}

// WithDialTimeout overrides the per-attempt connection timeout (default 5s).
func WithDialTimeout(d time.Duration) Option {
	return func(o *options) { o.dialTimeout = d }
}

// WithConfigSource overrides the configuration source used to resolve
// APP_SOCKET (default: process environment variables). Intended for tests.
func WithConfigSource(src config.Source) Option {
	return func(o *options) { o.config = src }
}

type pendingCall struct {
	resultCh chan callResult
}

type callResult struct {
	result any
	err    error
}

// Bridge is the MessagePack-RPC client/server bound to a single peer
// address.
type Bridge struct {
	network        string
	target         string
	opts           options
	log            *obs.Logger
	reconnectDelay time.Duration

	connMu sync.Mutex // serializes conn swaps and outgoing writes
	conn   net.Conn

	connStateMu sync.Mutex
	connectedCh chan struct{} // closed while connected; swapped for a fresh one on disconnect

	// callbacksMu guards both msgID (the msgid counter) and callbacks (the
	// pending-call table), since msgid allocation must check the table for
	// collisions atomically with respect to registration/removal.
	callbacksMu sync.Mutex
	msgID       uint32
	callbacks   map[uint32]*pendingCall

	handlersMu sync.Mutex
	handlers   map[string]Handler

	closeOnce sync.Once
	closeCh   chan struct{}
}

// Dial constructs a Bridge bound to addr ("unix:///path" or
// "tcp://host:port") and starts its connection-manager and read-loop
// goroutines in the background. Unlike the original's blocking
// constructor, Dial returns immediately; the connection manager retries
// until it succeeds, matching §4.7's "resolved at construction time,
// remains fixed" address semantics without blocking the caller.
//
// The APP_SOCKET environment variable, if set, overrides addr, mirroring
// bridge.py's "os.environ.get('APP_SOCKET', address)" resolution.
func Dial(addr string, opts ...Option) (*Bridge, error) {
	o := options{dialTimeout: 5 * time.Second, config: config.EnvSource{}}
	for _, f := range opts {
		f(&o)
	}

	resolvedAddr := o.config.String(config.SocketEnv, addr)

	network, target, err := parseAddr(resolvedAddr)
	if err != nil {
		return nil, err
	}

	reconnectSeconds := o.config.Int(reconnectDelayEnv, int(reconnectDelay/time.Second))

	b := &Bridge{
		network:        network,
		target:         target,
		opts:           o,
		log:            obs.Named("rpc.bridge"),
		reconnectDelay: time.Duration(reconnectSeconds) * time.Second,
		connectedCh:    make(chan struct{}),
		callbacks:      make(map[uint32]*pendingCall),
		handlers:       make(map[string]Handler),
		closeCh:        make(chan struct{}),
	}

	go b.connManager()

	return b, nil
}

// DialDefault dials the default router address (config.DefaultSocket),
// subject to the same APP_SOCKET override as Dial.
func DialDefault(opts ...Option) (*Bridge, error) {
	o := options{config: config.EnvSource{}}
	for _, f := range opts {
		f(&o)
	}
	return Dial(config.Socket(o.config), opts...)
}

// Close stops the connection manager and closes the active connection, if
// any.
func (b *Bridge) Close() error {
	b.closeOnce.Do(func() { close(b.closeCh) })
	b.connMu.Lock()
	defer b.connMu.Unlock()
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}

func parseAddr(addr string) (network, target string, err error) {
	u, err := url.Parse(addr)
	if err != nil {
		return "", "", fmt.Errorf("rpc: invalid address %q: %w", addr, err)
	}
	switch u.Scheme {
	case "unix":
		return "unix", u.Path, nil
	case "tcp":
		return "tcp", u.Host, nil
	default:
		return "", "", fmt.Errorf("rpc: unsupported address scheme %q", u.Scheme)
	}
}

// connManager is the connection manager: the Go analogue of
// ClientServer._conn_manager, cycling DISCONNECTED -> CONNECTING ->
// CONNECTED -> DISCONNECTED.
func (b *Bridge) connManager() {
	for {
		select {
		case <-b.closeCh:
			return
		default:
		}

		conn := b.connect()
		if conn == nil {
			return // closed while connecting
		}

		b.readLoop(conn)

		select {
		case <-b.closeCh:
			return
		case <-time.After(b.reconnectDelay):
		}
	}
}

// connect retries until a connection is established or the bridge is
// closed.
func (b *Bridge) connect() net.Conn {
	for {
		select {
		case <-b.closeCh:
			return nil
		default:
		}

		conn, err := net.DialTimeout(b.network, b.target, b.opts.dialTimeout)
		if err != nil {
			b.log.Err().Err(err).Log("failed to connect to router")
			select {
			case <-b.closeCh:
				return nil
			case <-time.After(b.reconnectDelay):
			}
			continue
		}

		b.connMu.Lock()
		b.conn = conn
		b.connMu.Unlock()
		b.setConnected(true)

		b.reregisterOnReconnect()

		return conn
	}
}

// reregisterOnReconnect re-issues $/register for every currently-provided
// method, per property 8 (re-registration).
func (b *Bridge) reregisterOnReconnect() {
	b.handlersMu.Lock()
	methods := make([]string, 0, len(b.handlers))
	for m := range b.handlers {
		methods = append(methods, m)
	}
	b.handlersMu.Unlock()

	if len(methods) == 0 {
		return
	}

	go func() {
		for _, m := range methods {
			if _, err := b.Call(context.Background(), methodRegister, 10*time.Second, m); err != nil {
				b.log.Err().Str("method", m).Err(err).Log("failed to re-register method after reconnection")
			}
		}
	}()
}

// readLoop reads and dispatches frames until decodeFrame returns an error:
// the connection is lost, or a frame fails shape validation. A malformed
// frame therefore ends the loop like a lost connection; it is not skipped.
func (b *Bridge) readLoop(conn net.Conn) {
	connID := uuid.NewString()
	dec := newDecoder(conn)
	defer func() {
		b.setConnected(false)
		b.failPendingCallbacks(rpcerr.New(rpcerr.Connection, "", "connection to router lost"))
	}()

	for {
		frame, err := decodeFrame(dec)
		if err != nil {
			b.log.Info().Str("conn", connID).Err(err).Log("read loop ended")
			return
		}
		b.handleFrame(frame)
	}
}

func (b *Bridge) handleFrame(f *Frame) {
	switch f.Type {
	case 0:
		b.handleRequest(f)
	case 1:
		b.handleResponse(f)
	case 2:
		b.handleNotification(f)
	default:
		b.log.Warning().Log("invalid RPC message type received")
	}
}

func (b *Bridge) handleRequest(f *Frame) {
	b.handlersMu.Lock()
	h, ok := b.handlers[f.Method]
	b.handlersMu.Unlock()

	if !ok {
		b.sendResponse(f.MsgID, &wireError{Code: functionNotFoundErr, Msg: fmt.Sprintf("method not found: %q", f.Method)}, nil)
		return
	}

	result, err := h(f.Params)
	if err != nil {
		b.log.Err().Str("method", f.Method).Err(err).Log("handler failed")
		code := genericErr
		var rerr *rpcerr.Error
		if errors.As(err, &rerr) {
			code = rpcerr.KindCode(rerr.Kind)
		}
		b.sendResponse(f.MsgID, &wireError{Code: code, Msg: err.Error()}, nil)
		return
	}
	b.sendResponse(f.MsgID, nil, result)
}

func (b *Bridge) handleResponse(f *Frame) {
	b.callbacksMu.Lock()
	pc, ok := b.callbacks[f.MsgID]
	if ok {
		delete(b.callbacks, f.MsgID)
	}
	b.callbacksMu.Unlock()

	if !ok {
		b.log.Warning().Log("response for unknown msgid received")
		return
	}

	// Treat route-already-exists as success: it only means the router
	// already knows about the method (§8 property 9). Any other error
	// is a protocol failure and is reported as such even if a result is
	// also present - error and result are never merged into a success.
	switch {
	case f.Error != nil && f.Error.Code == routeAlreadyExistsErr:
		pc.resultCh <- callResult{result: f.Result}
	case f.Error != nil:
		pc.resultCh <- callResult{err: errorFromWire("", f.Error)}
	default:
		pc.resultCh <- callResult{result: f.Result}
	}
}

func (b *Bridge) handleNotification(f *Frame) {
	b.handlersMu.Lock()
	h, ok := b.handlers[f.Method]
	b.handlersMu.Unlock()

	if !ok {
		return
	}
	if _, err := h(f.Params); err != nil {
		b.log.Err().Str("method", f.Method).Err(err).Log("notification handler failed")
	}
}

func (b *Bridge) failPendingCallbacks(reason error) {
	b.callbacksMu.Lock()
	defer b.callbacksMu.Unlock()
	for id, pc := range b.callbacks {
		pc.resultCh <- callResult{err: reason}
		delete(b.callbacks, id)
	}
}

func (b *Bridge) setConnected(v bool) {
	b.connStateMu.Lock()
	defer b.connStateMu.Unlock()
	if v {
		select {
		case <-b.connectedCh:
			// already closed/connected
		default:
			close(b.connectedCh)
		}
	} else {
		select {
		case <-b.connectedCh:
			b.connectedCh = make(chan struct{})
		default:
		}
	}
}

func (b *Bridge) awaitConnected(timeout time.Duration) bool {
	b.connStateMu.Lock()
	ch := b.connectedCh
	b.connStateMu.Unlock()

	select {
	case <-ch:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (b *Bridge) nextMsgID() uint32 {
	b.callbacksMu.Lock()
	defer b.callbacksMu.Unlock()
	for {
		b.msgID++
		if _, exists := b.callbacks[b.msgID]; !exists {
			return b.msgID
		}
	}
}

func (b *Bridge) sendRequest(msgid uint32, method string, params []any) error {
	if !b.awaitConnected(b.reconnectDelay) {
		return rpcerr.New(rpcerr.Connection, method, "not connected to router, send failed")
	}
	b.connMu.Lock()
	defer b.connMu.Unlock()
	if b.conn == nil {
		return rpcerr.New(rpcerr.Connection, method, "no connection object for router, send failed")
	}
	return encodeRequest(newEncoder(b.conn), msgid, method, params)
}

func (b *Bridge) sendNotification(method string, params []any) error {
	if !b.awaitConnected(b.reconnectDelay) {
		return rpcerr.New(rpcerr.Connection, method, "not connected to router, send failed")
	}
	b.connMu.Lock()
	defer b.connMu.Unlock()
	if b.conn == nil {
		return rpcerr.New(rpcerr.Connection, method, "no connection object for router, send failed")
	}
	return encodeNotification(newEncoder(b.conn), method, params)
}

func (b *Bridge) sendResponse(msgid uint32, we *wireError, result any) {
	b.connMu.Lock()
	defer b.connMu.Unlock()
	if b.conn == nil {
		return // response sending is best-effort if the connection drops mid-request
	}
	if err := encodeResponse(newEncoder(b.conn), msgid, we, result); err != nil {
		b.log.Err().Err(err).Log("failed to pack/send response")
	}
}

// Notify sends a fire-and-forget notification. A send failure due to
// disconnect is silently absorbed, per §4.7.
func (b *Bridge) Notify(method string, params ...any) {
	if err := b.sendNotification(method, params); err != nil {
		b.log.Err().Str("method", method).Err(err).Log("failed to send notification")
	}
}

// Call sends a request and waits up to timeout for a response. On timeout,
// the pending callback is removed and a best-effort $/cancelRequest
// notification is sent.
func (b *Bridge) Call(ctx context.Context, method string, timeout time.Duration, params ...any) (any, error) {
	msgid := b.nextMsgID()
	pc := &pendingCall{resultCh: make(chan callResult, 1)}

	b.callbacksMu.Lock()
	b.callbacks[msgid] = pc
	b.callbacksMu.Unlock()

	if err := b.sendRequest(msgid, method, params); err != nil {
		b.callbacksMu.Lock()
		delete(b.callbacks, msgid)
		b.callbacksMu.Unlock()
		return nil, rpcerr.Wrap(rpcerr.Connection, method, err)
	}

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case res := <-pc.resultCh:
		return res.result, res.err
	case <-timeoutCh:
		b.callbacksMu.Lock()
		delete(b.callbacks, msgid)
		b.callbacksMu.Unlock()
		b.Notify(methodCancelRequest, msgid)
		return nil, rpcerr.New(rpcerr.Timeout, method, fmt.Sprintf("request timed out after %s", timeout))
	case <-ctx.Done():
		b.callbacksMu.Lock()
		delete(b.callbacks, msgid)
		b.callbacksMu.Unlock()
		return nil, ctx.Err()
	}
}

// Provide makes a local handler callable by the remote peer under method.
// ROUTE_ALREADY_EXISTS_ERR responses from $/register are treated as
// success (idempotent registration, §8 property 9).
func (b *Bridge) Provide(method string, h Handler) error {
	if _, err := b.Call(context.Background(), methodRegister, 10*time.Second, method); err != nil {
		return fmt.Errorf("rpc: failed to register method %q: %w", method, err)
	}
	b.handlersMu.Lock()
	b.handlers[method] = h
	b.handlersMu.Unlock()
	return nil
}

// Unprovide removes a previously provided handler.
func (b *Bridge) Unprovide(method string) error {
	b.handlersMu.Lock()
	_, ok := b.handlers[method]
	b.handlersMu.Unlock()
	if !ok {
		return nil
	}

	if _, err := b.Call(context.Background(), methodUnregister, 10*time.Second, method); err != nil {
		return fmt.Errorf("rpc: failed to unregister method %q: %w", method, err)
	}

	b.handlersMu.Lock()
	delete(b.handlers, method)
	b.handlersMu.Unlock()
	return nil
}
