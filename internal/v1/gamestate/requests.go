// Package gamestate binds a board.Room to live connections: it ensures a
// room actor exists, applies incoming requests as store mutations, and
// fans out every committed change to every connection subscribed to that
// room.
package gamestate

import (
	"encoding/json"
	"fmt"

	"github.com/tokenboard/server/internal/v1/board"
)

// UpdateAction discriminates one entry in a Request's update list.
type UpdateAction string

const (
	ActionCreate UpdateAction = "create"
	ActionUpdate UpdateAction = "update"
	ActionDelete UpdateAction = "delete"
	ActionPing   UpdateAction = "ping"
)

// Update is one entry of a client request's update list. Data holds the
// action-specific payload: a Token for create/update, a token id string
// for delete, a Ping for ping.
type Update struct {
	Action UpdateAction    `json:"action"`
	Data   json.RawMessage `json:"data"`
}

// Request is one client → server frame.
type Request struct {
	RequestID string   `json:"request_id"`
	Updates   []Update `json:"updates"`
}

// Token decodes Data as a board.Token for create/update updates.
func (u Update) Token() (board.Token, error) {
	var t board.Token
	if err := json.Unmarshal(u.Data, &t); err != nil {
		return board.Token{}, fmt.Errorf("gamestate: decode token update: %w", err)
	}
	return t, nil
}

// TokenID decodes Data as a bare token id string for delete updates.
func (u Update) TokenID() (string, error) {
	var id string
	if err := json.Unmarshal(u.Data, &id); err != nil {
		return "", fmt.Errorf("gamestate: decode delete update: %w", err)
	}
	return id, nil
}

// Ping decodes Data as a board.Ping for ping updates.
func (u Update) Ping() (board.Ping, error) {
	var p board.Ping
	if err := json.Unmarshal(u.Data, &p); err != nil {
		return board.Ping{}, fmt.Errorf("gamestate: decode ping update: %w", err)
	}
	return p, nil
}

// ResponseType discriminates a server → client frame.
type ResponseType string

const (
	ResponseConnected ResponseType = "connected"
	ResponseState      ResponseType = "state"
	ResponseError      ResponseType = "error"
)

// Response is one server → client frame. Null fields are omitted on the
// wire so a "connected" frame carries no request_id/session_id.
type Response struct {
	Type      ResponseType   `json:"type"`
	Data      any            `json:"data,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
}

func connectedResponse(entities []board.Entity) Response {
	return Response{Type: ResponseConnected, Data: entities}
}

func stateResponse(entities []board.Entity, requestID string) Response {
	return Response{Type: ResponseState, Data: entities, RequestID: requestID}
}

func errorResponse(message, requestID, sessionID string) Response {
	return Response{Type: ResponseError, Data: message, RequestID: requestID, SessionID: sessionID}
}
