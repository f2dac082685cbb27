// Package protocol defines the messages exchanged over the hot update channel.  They follow the shape of JSON-RPC
// 2.0 without its ambiguities: IDs are strings and parameters are always an object.
package protocol

import "encoding/json"

// A Request is sent by a client.  Requests with an ID get a Response; the rest are notifications.
type Request struct {
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// A Response answers a Request that had an ID.
type Response struct {
	ID     string `json:"id"`
	Result any    `json:"result,omitempty"`
	Error  *Error `json:"error,omitempty"`
}

// A Notification is sent by the server to a client.
type Notification struct {
	Method string `json:"method"`
	Params any    `json:"params"`
}

type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Methods used on the channel.
const (
	MethodAccept = `hot.accept` // client: modules with an acceptance handler
	MethodAck    = `hot.ack`    // client: outcome of applying an update
	MethodUpdate = `hot.update` // server: new code for an accepted module
	MethodReload = `hot.reload` // server: the page must be reloaded
)

type Accept struct {
	Modules []string `json:"modules"`
}

type Ack struct {
	Epoch  int    `json:"epoch"`
	Module string `json:"module"`
	Status string `json:"status"`
}

type Update struct {
	Module string `json:"module"`
	Code   string `json:"code"`
	Epoch  int    `json:"epoch"`
}

type Reload struct {
	Epoch   int      `json:"epoch"`
	Modules []string `json:"modules,omitempty"`
}

// Error codes, borrowed from JSON-RPC.
const (
	CodeParse          = -32700
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
)
