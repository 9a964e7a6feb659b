package peerdex

import (
	"encoding/json"
	"fmt"
)

// MaxRequestSize bounds index protocol documents in both directions.
const MaxRequestSize = 4 * 1024

type RequestType string

const (
	RequestRegister   RequestType = "register"
	RequestQuery      RequestType = "query"
	RequestUnregister RequestType = "unregister"
)

type ResponseStatus string

const (
	StatusOK    ResponseStatus = "ok"
	StatusError ResponseStatus = "error"
)

type ErrorCode string

const (
	CodeNotFound ErrorCode = "not_found"
	CodeProtocol ErrorCode = "protocol"
	CodeBusy     ErrorCode = "busy"
)

// Request is an index protocol document sent by nodes.
//
// ReqID is optional and echoed back verbatim so a client can pair responses
// with requests on a datagram socket.
type Request struct {
	Type    RequestType `json:"type"`
	Address string      `json:"address,omitempty"`
	UUID    string      `json:"uuid,omitempty"`
	ReqID   string      `json:"req_id,omitempty"`
}

// Response is an index protocol document sent by the index server.
// Address is only ever set on a successful query.
type Response struct {
	Status  ResponseStatus `json:"status"`
	UUID    string         `json:"uuid,omitempty"`
	Address string         `json:"address,omitempty"`
	Error   ErrorCode      `json:"error,omitempty"`
	Message string         `json:"message,omitempty"`
	ReqID   string         `json:"req_id,omitempty"`
}

// DecodeRequest parses and validates a request document. Failures match
// [ErrProtocol].
func DecodeRequest(buf []byte) (Request, error) {
	var req Request
	if len(buf) > MaxRequestSize {
		return req, fmt.Errorf("%w: request of %d bytes", ErrProtocol, len(buf))
	}
	if err := json.Unmarshal(buf, &req); err != nil {
		return req, fmt.Errorf("%w: %w", ErrProtocol, err)
	}

	switch req.Type {
	case RequestRegister:
		if req.Address == "" {
			return req, fmt.Errorf("%w: register requires an address", ErrProtocol)
		}
		if err := ValidateAddress(req.Address); err != nil {
			return req, fmt.Errorf("%w: %w", ErrProtocol, err)
		}
	case RequestQuery, RequestUnregister:
		if req.UUID == "" {
			return req, fmt.Errorf("%w: %s requires a uuid", ErrProtocol, req.Type)
		}
		if _, err := ParsePeerID(req.UUID); err != nil {
			return req, fmt.Errorf("%w: %w", ErrProtocol, err)
		}
	case "":
		return req, fmt.Errorf("%w: missing request type", ErrProtocol)
	default:
		return req, fmt.Errorf("%w: unknown request type %q", ErrProtocol, req.Type)
	}
	return req, nil
}

// DecodeResponse parses a response document without interpreting it.
func DecodeResponse(buf []byte) (Response, error) {
	var resp Response
	if err := json.Unmarshal(buf, &resp); err != nil {
		return resp, fmt.Errorf("%w: malformed response: %w", ErrProtocol, err)
	}
	if resp.Status != StatusOK && resp.Status != StatusError {
		return resp, fmt.Errorf("%w: unexpected status %q", ErrProtocol, resp.Status)
	}
	return resp, nil
}

// Err maps an error response to the matching sentinel, nil on success.
func (resp Response) Err() error {
	if resp.Status == StatusOK {
		return nil
	}
	var sentinel error
	switch resp.Error {
	case CodeNotFound:
		sentinel = ErrNotFound
	case CodeBusy:
		sentinel = ErrBusy
	default:
		sentinel = ErrProtocol
	}
	if resp.Message == "" {
		return sentinel
	}
	return fmt.Errorf("%w: %s", sentinel, resp.Message)
}

func okResponse(req Request) Response {
	return Response{Status: StatusOK, ReqID: req.ReqID}
}

func errorResponse(req Request, code ErrorCode, err error) Response {
	return Response{
		Status:  StatusError,
		Error:   code,
		Message: err.Error(),
		ReqID:   req.ReqID,
	}
}
