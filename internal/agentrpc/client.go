package agentrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
)

// notificationHandler reacts to a server-initiated notification. It must
// not block on the transport.
type notificationHandler func(method string, params json.RawMessage)

// serverRequestHandler answers a server-initiated request-with-id, returning
// the JSON-RPC result to send back.
type serverRequestHandler func(method string, params json.RawMessage) (interface{}, error)

// client demultiplexes the NDJSON JSON-RPC stream into three lanes:
// responses to our own calls (matched by id), notifications (method, no
// id), and server-initiated requests (method + id, requiring a reply).
type client struct {
	transport *stdioTransport
	nextID    int64

	pendingMu sync.Mutex
	pending   map[int64]chan envelope

	notificationHandlers map[string]notificationHandler
	serverRequestHandler serverRequestHandler

	readErr  atomic.Value // error
	readDone chan struct{}
}

func newClient(t *stdioTransport) *client {
	c := &client{
		transport:            t,
		pending:              make(map[int64]chan envelope),
		notificationHandlers: make(map[string]notificationHandler),
		readDone:             make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *client) onNotification(method string, h notificationHandler) {
	c.notificationHandlers[method] = h
}

func (c *client) onServerRequest(h serverRequestHandler) {
	c.serverRequestHandler = h
}

func (c *client) readLoop() {
	defer close(c.readDone)
	for {
		line, err := c.transport.readLine()
		if err != nil {
			c.readErr.Store(err)
			c.failAllPending(err)
			return
		}
		if len(line) == 0 {
			continue
		}

		var env envelope
		if err := json.Unmarshal(line, &env); err != nil {
			continue
		}

		switch {
		case env.isResponse():
			c.dispatchResponse(env)
		case env.isServerRequest():
			go c.dispatchServerRequest(env)
		case env.isNotification():
			c.dispatchNotification(env)
		}
	}
}

func (c *client) dispatchResponse(env envelope) {
	c.pendingMu.Lock()
	ch, ok := c.pending[*env.ID]
	if ok {
		delete(c.pending, *env.ID)
	}
	c.pendingMu.Unlock()
	if ok {
		ch <- env
	}
}

func (c *client) dispatchNotification(env envelope) {
	h, ok := c.notificationHandlers[env.Method]
	if !ok {
		return
	}
	h(env.Method, env.Params)
}

func (c *client) dispatchServerRequest(env envelope) {
	var result interface{}
	var rpcErr error
	if c.serverRequestHandler != nil {
		result, rpcErr = c.serverRequestHandler(env.Method, env.Params)
	}

	resp := envelope{JSONRPC: "2.0", ID: env.ID}
	if rpcErr != nil {
		resp.Error = &rpcErrorBody{Code: -32000, Message: rpcErr.Error()}
	} else {
		b, err := json.Marshal(result)
		if err != nil {
			resp.Error = &rpcErrorBody{Code: -32000, Message: err.Error()}
		} else {
			resp.Result = b
		}
	}

	line, err := json.Marshal(resp)
	if err != nil {
		return
	}
	_ = c.transport.writeLine(line)
}

func (c *client) failAllPending(err error) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, ch := range c.pending {
		ch <- envelope{Error: &rpcErrorBody{Code: -1, Message: err.Error()}}
		delete(c.pending, id)
	}
}

// call issues a JSON-RPC request and blocks for its response, the
// subprocess's death, or ctx cancellation, whichever comes first.
func (c *client) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	id := atomic.AddInt64(&c.nextID, 1)

	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("agentrpc: marshal params for %s: %w", method, err)
	}

	req := envelope{JSONRPC: "2.0", ID: &id, Method: method, Params: paramsJSON}
	line, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("agentrpc: marshal request %s: %w", method, err)
	}

	ch := make(chan envelope, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	if err := c.transport.writeLine(line); err != nil {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return nil, err
	}

	select {
	case <-ctx.Done():
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return nil, ctx.Err()
	case <-c.transport.Done():
		return nil, &ProcessExitedError{}
	case env := <-ch:
		if env.Error != nil {
			return nil, &RPCError{Code: env.Error.Code, Message: env.Error.Message}
		}
		return env.Result, nil
	}
}

func (c *client) notify(method string, params interface{}) error {
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return err
	}
	line, err := json.Marshal(envelope{JSONRPC: "2.0", Method: method, Params: paramsJSON})
	if err != nil {
		return err
	}
	return c.transport.writeLine(line)
}
