package dfmapi

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Execute is the federation boundary marker: a nullary control node whose
// body() schedules itself via the request context. Site nil means "this
// site"; Body is the sub-pipeline to run there.
type Execute struct {
	NodeHeader
	Site *string `json:"site,omitempty"`
	Body Body    `json:"body"`
}

const apiClassExecute = "dfm.api.dfm.Execute"

func (e *Execute) APIClass() string { return apiClassExecute }

func (e Execute) MarshalJSON() ([]byte, error) {
	type alias Execute
	return marshalTagged(apiClassExecute, alias(e))
}

func init() {
	Register(apiClassExecute, func(data []byte) (FunctionCall, error) {
		var e Execute
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, err
		}
		return &e, nil
	})
}

// Process is the outermost graph; it must be used exactly once and always
// wraps a single Execute. Nested Execute blocks may appear inside the
// wrapped Execute's body.
type Process struct {
	Execute Execute `json:"execute"`
}

// Constant is a nullary adapter that yields value once. AwaitMessage
// splices one of these over its own node_id when a mailbox message
// arrives.
type Constant struct {
	NodeHeader
	Value any `json:"value"`
}

const apiClassConstant = "dfm.api.dfm.Constant"

func (c *Constant) APIClass() string { return apiClassConstant }
func (c Constant) MarshalJSON() ([]byte, error) {
	type alias Constant
	return marshalTagged(apiClassConstant, alias(c))
}

func init() {
	Register(apiClassConstant, func(data []byte) (FunctionCall, error) {
		var c Constant
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, err
		}
		return &c, nil
	})
}

// GreetMe is the canonical hello-world adapter used in end-to-end tests:
// nullary, yields "{greeting} {name}" where greeting comes from the
// adapter's static provider config.
type GreetMe struct {
	NodeHeader
	Name string `json:"name"`
}

const apiClassGreetMe = "dfm.api.dfm.GreetMe"

func (g *GreetMe) APIClass() string { return apiClassGreetMe }
func (g GreetMe) MarshalJSON() ([]byte, error) {
	type alias GreetMe
	return marshalTagged(apiClassGreetMe, alias(g))
}

func init() {
	Register(apiClassGreetMe, func(data []byte) (FunctionCall, error) {
		var g GreetMe
		if err := json.Unmarshal(data, &g); err != nil {
			return nil, err
		}
		return &g, nil
	})
}

// PushResponse is the vehicle carrying a cross-site response home: nullary,
// its body awaits push_local_response(response).
type PushResponse struct {
	NodeHeader
	Response Response `json:"response"`
}

const apiClassPushResponse = "dfm.api.dfm.PushResponse"

func (p *PushResponse) APIClass() string { return apiClassPushResponse }
func (p PushResponse) MarshalJSON() ([]byte, error) {
	type alias PushResponse
	return marshalTagged(apiClassPushResponse, alias(p))
}

func init() {
	Register(apiClassPushResponse, func(data []byte) (FunctionCall, error) {
		var p PushResponse
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return &p, nil
	})
}

// ReceiveMessage is how a site delivers a message into someone's mailbox:
// nullary, calls send_message on the request context.
type ReceiveMessage struct {
	NodeHeader
	Mailbox    string `json:"mailbox"`
	Message    string `json:"message"`
	TargetSite string `json:"target_site"`
}

const apiClassReceiveMessage = "dfm.api.dfm.ReceiveMessage"

func (r *ReceiveMessage) APIClass() string { return apiClassReceiveMessage }
func (r ReceiveMessage) MarshalJSON() ([]byte, error) {
	type alias ReceiveMessage
	return marshalTagged(apiClassReceiveMessage, alias(r))
}

func init() {
	Register(apiClassReceiveMessage, func(data []byte) (FunctionCall, error) {
		var r ReceiveMessage
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, err
		}
		return &r, nil
	})
}

// SendMessage is unary: reads one item from Data's stream, calls
// send_message with str(item) as payload.
type SendMessage struct {
	NodeHeader
	Data       uuid.UUID `json:"data"`
	TargetSite string    `json:"target_site"`
	Mailbox    string    `json:"mailbox"`
}

const apiClassSendMessage = "dfm.api.dfm.SendMessage"

func (s *SendMessage) APIClass() string { return apiClassSendMessage }
func (s SendMessage) MarshalJSON() ([]byte, error) {
	type alias SendMessage
	return marshalTagged(apiClassSendMessage, alias(s))
}
func (s *SendMessage) InputNames() []string   { return []string{"data"} }
func (s *SendMessage) InputKind(string) InputKind { return InputKindSingle }
func (s *SendMessage) InputRef(string) uuid.UUID  { return s.Data }
func (s *SendMessage) InputRefList(string) []uuid.UUID { return nil }

func init() {
	Register(apiClassSendMessage, func(data []byte) (FunctionCall, error) {
		var s SendMessage
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, err
		}
		return &s, nil
	})
}

// Zip2 is a binary zip: yields (lhs_i, rhs_i) pairs, terminating when
// either side terminates.
type Zip2 struct {
	NodeHeader
	Lhs uuid.UUID `json:"lhs"`
	Rhs uuid.UUID `json:"rhs"`
}

const apiClassZip2 = "dfm.api.dfm.Zip2"

func (z *Zip2) APIClass() string { return apiClassZip2 }
func (z Zip2) MarshalJSON() ([]byte, error) {
	type alias Zip2
	return marshalTagged(apiClassZip2, alias(z))
}
func (z *Zip2) InputNames() []string      { return []string{"lhs", "rhs"} }
func (z *Zip2) InputKind(string) InputKind { return InputKindSingle }
func (z *Zip2) InputRef(name string) uuid.UUID {
	if name == "rhs" {
		return z.Rhs
	}
	return z.Lhs
}
func (z *Zip2) InputRefList(string) []uuid.UUID { return nil }

func init() {
	Register(apiClassZip2, func(data []byte) (FunctionCall, error) {
		var z Zip2
		if err := json.Unmarshal(data, &z); err != nil {
			return nil, err
		}
		return &z, nil
	})
}

// SignalClient reads all items from After (discarding values, honouring
// exceptions) and then yields Message once -- the standard "done" beacon.
type SignalClient struct {
	NodeHeader
	After   uuid.UUID `json:"after"`
	Message string    `json:"message"`
}

const apiClassSignalClient = "dfm.api.dfm.SignalClient"

func (s *SignalClient) APIClass() string { return apiClassSignalClient }
func (s SignalClient) MarshalJSON() ([]byte, error) {
	type alias SignalClient
	return marshalTagged(apiClassSignalClient, alias(s))
}
func (s *SignalClient) InputNames() []string       { return []string{"after"} }
func (s *SignalClient) InputKind(string) InputKind { return InputKindSingle }
func (s *SignalClient) InputRef(string) uuid.UUID  { return s.After }
func (s *SignalClient) InputRefList(string) []uuid.UUID { return nil }

func init() {
	Register(apiClassSignalClient, func(data []byte) (FunctionCall, error) {
		var s SignalClient
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, err
		}
		return &s, nil
	})
}

// SignalAllDone is the n-ary join variant of SignalClient: waits on every
// stream in After before yielding Message once.
type SignalAllDone struct {
	NodeHeader
	After   []uuid.UUID `json:"after"`
	Message string      `json:"message"`
}

const apiClassSignalAllDone = "dfm.api.dfm.SignalAllDone"

func (s *SignalAllDone) APIClass() string { return apiClassSignalAllDone }
func (s SignalAllDone) MarshalJSON() ([]byte, error) {
	type alias SignalAllDone
	return marshalTagged(apiClassSignalAllDone, alias(s))
}
func (s *SignalAllDone) InputNames() []string       { return []string{"after"} }
func (s *SignalAllDone) InputKind(string) InputKind { return InputKindList }
func (s *SignalAllDone) InputRef(string) uuid.UUID  { return uuid.Nil }
func (s *SignalAllDone) InputRefList(string) []uuid.UUID { return s.After }

func init() {
	Register(apiClassSignalAllDone, func(data []byte) (FunctionCall, error) {
		var s SignalAllDone
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, err
		}
		return &s, nil
	})
}

// AwaitMessage is the only self-rescheduling primitive. Its Body is the
// sub-pipeline run once the mailbox message arrives; WaitCount tracks how
// many times it has rescheduled itself (bounded at 500 by the AwaitMessage
// adapter), and Sleeptime is the delay (seconds) until the next check.
type AwaitMessage struct {
	NodeHeader
	Mailbox   string  `json:"mailbox"`
	Body      Body    `json:"body"`
	WaitCount int     `json:"wait_count"`
	Sleeptime float64 `json:"sleeptime"`
}

const apiClassAwaitMessage = "dfm.api.dfm.AwaitMessage"

func (a *AwaitMessage) APIClass() string { return apiClassAwaitMessage }
func (a AwaitMessage) MarshalJSON() ([]byte, error) {
	type alias AwaitMessage
	return marshalTagged(apiClassAwaitMessage, alias(a))
}

func init() {
	Register(apiClassAwaitMessage, func(data []byte) (FunctionCall, error) {
		var a AwaitMessage
		if err := json.Unmarshal(data, &a); err != nil {
			return nil, err
		}
		return &a, nil
	})
}

// ListTextureFiles enumerates files matching <base>/<subfolder>/<path>/*.<format>
// through the provider's filesystem, optionally reading a metadata file.
type ListTextureFiles struct {
	NodeHeader
	Path           string `json:"path"`
	Format         string `json:"format"`
	ReturnMetaData bool   `json:"return_meta_data"`
}

const apiClassListTextureFiles = "dfm.api.dfm.ListTextureFiles"

func (l *ListTextureFiles) APIClass() string { return apiClassListTextureFiles }
func (l ListTextureFiles) MarshalJSON() ([]byte, error) {
	type alias ListTextureFiles
	return marshalTagged(apiClassListTextureFiles, alias(l))
}

func init() {
	Register(apiClassListTextureFiles, func(data []byte) (FunctionCall, error) {
		var l ListTextureFiles
		if err := json.Unmarshal(data, &l); err != nil {
			return nil, err
		}
		return &l, nil
	})
}
