package dfmapi

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ResponseBody is the tagged union of response payload shapes: exactly one
// of ValueResponse, StatusResponse, HeartbeatResponse, ErrorResponse,
// DiscoveryResponse.
type ResponseBody interface {
	responseAPIClass() string
}

type responseTagged struct {
	APIClass string `json:"api_class"`
}

var responseRegistry = map[string]func([]byte) (ResponseBody, error){}

func registerResponseBody(apiClass string, dec func([]byte) (ResponseBody, error)) {
	responseRegistry[apiClass] = dec
}

func decodeResponseBody(data []byte) (ResponseBody, error) {
	var t responseTagged
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("dfmapi: decode response body: %w", err)
	}
	dec, ok := responseRegistry[t.APIClass]
	if !ok {
		return nil, fmt.Errorf("dfmapi: unknown response api_class %q", t.APIClass)
	}
	return dec(data)
}

// ValueResponse carries one streamed item from a pipeline.
type ValueResponse struct {
	Value any `json:"value"`
}

const apiClassValueResponse = "dfm.api.dfm.ValueResponse"

func (ValueResponse) responseAPIClass() string { return apiClassValueResponse }
func (v ValueResponse) MarshalJSON() ([]byte, error) {
	type alias ValueResponse
	return marshalTagged(apiClassValueResponse, alias(v))
}

func init() {
	registerResponseBody(apiClassValueResponse, func(data []byte) (ResponseBody, error) {
		var v ValueResponse
		err := json.Unmarshal(data, &v)
		return v, err
	})
}

// StatusResponse carries a human-readable progress message.
type StatusResponse struct {
	Message string `json:"message"`
}

const apiClassStatusResponse = "dfm.api.dfm.StatusResponse"

func (StatusResponse) responseAPIClass() string { return apiClassStatusResponse }
func (s StatusResponse) MarshalJSON() ([]byte, error) {
	type alias StatusResponse
	return marshalTagged(apiClassStatusResponse, alias(s))
}

func init() {
	registerResponseBody(apiClassStatusResponse, func(data []byte) (ResponseBody, error) {
		var s StatusResponse
		err := json.Unmarshal(data, &s)
		return s, err
	})
}

// HeartbeatResponse is a liveness beacon emitted between pipeline items.
type HeartbeatResponse struct{}

const apiClassHeartbeatResponse = "dfm.api.dfm.HeartbeatResponse"

func (HeartbeatResponse) responseAPIClass() string { return apiClassHeartbeatResponse }
func (h HeartbeatResponse) MarshalJSON() ([]byte, error) {
	type alias HeartbeatResponse
	return marshalTagged(apiClassHeartbeatResponse, alias(h))
}

func init() {
	registerResponseBody(apiClassHeartbeatResponse, func(data []byte) (ResponseBody, error) {
		var h HeartbeatResponse
		err := json.Unmarshal(data, &h)
		return h, err
	})
}

// ErrorResponse surfaces a failed node. Kind is one of the dfmerr kind tags
// (DataError, ServerError, AuthError, PartialError, TimeoutError).
type ErrorResponse struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

const apiClassErrorResponse = "dfm.api.dfm.ErrorResponse"

func (ErrorResponse) responseAPIClass() string { return apiClassErrorResponse }
func (e ErrorResponse) MarshalJSON() ([]byte, error) {
	type alias ErrorResponse
	return marshalTagged(apiClassErrorResponse, alias(e))
}

func init() {
	registerResponseBody(apiClassErrorResponse, func(data []byte) (ResponseBody, error) {
		var e ErrorResponse
		err := json.Unmarshal(data, &e)
		return e, err
	})
}

// DiscoveryResponse carries the advice tree produced by a discovery run.
// Advice is kept as a generic value rather than internal/discovery's
// concrete AdviceNode type to avoid a package-layering cycle (discovery
// depends on dfmapi, not the reverse); internal/discovery's tree types
// serialize to exactly this shape.
type DiscoveryResponse struct {
	Advice any `json:"advice"`
}

const apiClassDiscoveryResponse = "dfm.api.dfm.DiscoveryResponse"

func (DiscoveryResponse) responseAPIClass() string { return apiClassDiscoveryResponse }
func (d DiscoveryResponse) MarshalJSON() ([]byte, error) {
	type alias DiscoveryResponse
	return marshalTagged(apiClassDiscoveryResponse, alias(d))
}

func init() {
	registerResponseBody(apiClassDiscoveryResponse, func(data []byte) (ResponseBody, error) {
		var d DiscoveryResponse
		err := json.Unmarshal(data, &d)
		return d, err
	})
}

// Response is what the request context accumulates per request_id and
// streams to the client.
type Response struct {
	NodeID    uuid.UUID    `json:"node_id"`
	Timestamp time.Time    `json:"timestamp"`
	Body      ResponseBody `json:"body"`
}

func NewResponse(nodeID uuid.UUID, body ResponseBody) Response {
	return Response{NodeID: nodeID, Timestamp: time.Now().UTC(), Body: body}
}

func (r Response) MarshalJSON() ([]byte, error) {
	type wire struct {
		NodeID    uuid.UUID    `json:"node_id"`
		Timestamp time.Time    `json:"timestamp"`
		Body      ResponseBody `json:"body"`
	}
	return json.Marshal(wire(r))
}

func (r *Response) UnmarshalJSON(data []byte) error {
	var wire struct {
		NodeID    uuid.UUID       `json:"node_id"`
		Timestamp time.Time       `json:"timestamp"`
		Body      json.RawMessage `json:"body"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	body, err := decodeResponseBody(wire.Body)
	if err != nil {
		return err
	}
	r.NodeID = wire.NodeID
	r.Timestamp = wire.Timestamp
	r.Body = body
	return nil
}
