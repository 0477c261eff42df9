// Package protocol defines the eight request/response envelope kinds
// of the session protocol, independent of wire encoding. Every message
// carries a Header and exactly one populated body — a flat tagged
// variant rather than a deep request/response class hierarchy.
package protocol

// MessageType tags the kind of an envelope's body.
type MessageType uint8

const (
	TypeConnect MessageType = iota + 1
	TypeConnectResponse
	TypeRegister
	TypeRegisterResponse
	TypeKeepAlive
	TypeKeepAliveResponse
	TypeUnregister
	TypeUnregisterResponse
	TypeCommand
	TypeCommandResponse
	TypeQuery
	TypeQueryResponse
	TypePublish
	TypePublishResponse
)

func (t MessageType) String() string {
	switch t {
	case TypeConnect:
		return "Connect"
	case TypeConnectResponse:
		return "ConnectResponse"
	case TypeRegister:
		return "Register"
	case TypeRegisterResponse:
		return "RegisterResponse"
	case TypeKeepAlive:
		return "KeepAlive"
	case TypeKeepAliveResponse:
		return "KeepAliveResponse"
	case TypeUnregister:
		return "Unregister"
	case TypeUnregisterResponse:
		return "UnregisterResponse"
	case TypeCommand:
		return "Command"
	case TypeCommandResponse:
		return "CommandResponse"
	case TypeQuery:
		return "Query"
	case TypeQueryResponse:
		return "QueryResponse"
	case TypePublish:
		return "Publish"
	case TypePublishResponse:
		return "PublishResponse"
	default:
		return "Unknown"
	}
}

// Consistency is the read consistency level requested on a Query.
type Consistency uint8

const (
	Causal Consistency = iota + 1
	Sequential
	Linearizable
	BoundedLinearizable
)

// Status is the outcome of a request.
type Status uint8

const (
	OK Status = iota
	Error
)

// ErrorKind enumerates the error sub-object kinds a response can carry.
type ErrorKind string

const (
	ErrNoLeader           ErrorKind = "NO_LEADER"
	ErrUnknownSession     ErrorKind = "UNKNOWN_SESSION"
	ErrUnknownResource    ErrorKind = "UNKNOWN_RESOURCE"
	ErrCommandFailure     ErrorKind = "COMMAND_FAILURE"
	ErrQueryFailure       ErrorKind = "QUERY_FAILURE"
	ErrApplicationError   ErrorKind = "APPLICATION_ERROR"
	ErrProtocolError      ErrorKind = "PROTOCOL_ERROR"
	ErrIllegalMemberState ErrorKind = "ILLEGAL_MEMBER_STATE"
)

// ErrorDetail is the error sub-object carried by a non-OK response.
type ErrorDetail struct {
	Kind    ErrorKind `json:"kind" cbor:"1,keyasint"`
	Message string    `json:"message" cbor:"2,keyasint"`
}

// Header is embedded in every envelope. ID is the per-connection
// monotonically increasing correlation id; responses echo the id of
// the request they answer.
type Header struct {
	ID   uint64      `json:"id" cbor:"1,keyasint"`
	Type MessageType `json:"type" cbor:"2,keyasint"`
}

// Connect is the initial handshake request.
type Connect struct {
	ClientID uint64 `json:"client_id" cbor:"1,keyasint"`
}

// ConnectResponse answers Connect.
type ConnectResponse struct {
	Status  Status       `json:"status" cbor:"1,keyasint"`
	Error   *ErrorDetail `json:"error,omitempty" cbor:"2,keyasint,omitempty"`
	Leader  string       `json:"leader" cbor:"3,keyasint"`
	Members []string     `json:"members" cbor:"4,keyasint"`
}

// Register opens a new session.
type Register struct {
	ClientID uint64 `json:"client_id" cbor:"1,keyasint"`
	TimeoutMS int64 `json:"timeout_ms" cbor:"2,keyasint"`
}

// RegisterResponse answers Register.
type RegisterResponse struct {
	Status    Status       `json:"status" cbor:"1,keyasint"`
	Error     *ErrorDetail `json:"error,omitempty" cbor:"2,keyasint,omitempty"`
	SessionID uint64       `json:"session_id" cbor:"3,keyasint"`
	Leader    string       `json:"leader" cbor:"4,keyasint"`
	Members   []string     `json:"members" cbor:"5,keyasint"`
	TimeoutMS int64        `json:"timeout_ms" cbor:"6,keyasint"`
}

// KeepAlive renews session liveness and acknowledges progress.
type KeepAlive struct {
	SessionID          uint64 `json:"session_id" cbor:"1,keyasint"`
	CommandSequenceAck uint64 `json:"command_sequence_ack" cbor:"2,keyasint"`
	EventIndexAck      uint64 `json:"event_index_ack" cbor:"3,keyasint"`
}

// KeepAliveResponse answers KeepAlive.
type KeepAliveResponse struct {
	Status  Status       `json:"status" cbor:"1,keyasint"`
	Error   *ErrorDetail `json:"error,omitempty" cbor:"2,keyasint,omitempty"`
	Leader  string       `json:"leader" cbor:"3,keyasint"`
	Members []string     `json:"members" cbor:"4,keyasint"`
}

// Unregister gracefully closes a session.
type Unregister struct {
	SessionID uint64 `json:"session_id" cbor:"1,keyasint"`
}

// UnregisterResponse answers Unregister.
type UnregisterResponse struct {
	Status Status       `json:"status" cbor:"1,keyasint"`
	Error  *ErrorDetail `json:"error,omitempty" cbor:"2,keyasint,omitempty"`
}

// Command submits a mutating, linearizable-per-session operation.
// TypeID names the resource's state-machine kind so the Resource
// Multiplexer can lazily instantiate it the first time a resource_id
// is referenced; it is ignored once the instance exists.
type Command struct {
	SessionID  uint64 `json:"session_id" cbor:"1,keyasint"`
	Sequence   uint64 `json:"sequence" cbor:"2,keyasint"`
	ResourceID uint64 `json:"resource_id" cbor:"3,keyasint"`
	TypeID     string `json:"type_id" cbor:"5,keyasint"`
	Bytes      []byte `json:"bytes" cbor:"4,keyasint"`
}

// CommandResponse answers Command.
type CommandResponse struct {
	Status     Status       `json:"status" cbor:"1,keyasint"`
	Error      *ErrorDetail `json:"error,omitempty" cbor:"2,keyasint,omitempty"`
	Index      uint64       `json:"index" cbor:"3,keyasint"`
	EventIndex uint64       `json:"event_index" cbor:"4,keyasint"`
	Result     []byte       `json:"result" cbor:"5,keyasint"`
}

// Query submits a read at the requested consistency level.
type Query struct {
	SessionID   uint64      `json:"session_id" cbor:"1,keyasint"`
	Sequence    uint64      `json:"sequence" cbor:"2,keyasint"`
	ResourceID  uint64      `json:"resource_id" cbor:"3,keyasint"`
	Bytes       []byte      `json:"bytes" cbor:"4,keyasint"`
	Consistency Consistency `json:"consistency" cbor:"5,keyasint"`
}

// QueryResponse answers Query.
type QueryResponse struct {
	Status     Status       `json:"status" cbor:"1,keyasint"`
	Error      *ErrorDetail `json:"error,omitempty" cbor:"2,keyasint,omitempty"`
	Index      uint64       `json:"index" cbor:"3,keyasint"`
	EventIndex uint64       `json:"event_index" cbor:"4,keyasint"`
	Result     []byte       `json:"result" cbor:"5,keyasint"`
}

// Event is a single published occurrence, opaque to the core beyond
// its resource tag.
type Event struct {
	ResourceID uint64 `json:"resource_id" cbor:"1,keyasint"`
	Payload    []byte `json:"payload" cbor:"2,keyasint"`
}

// Publish is a server-to-client push of buffered events.
type Publish struct {
	SessionID     uint64  `json:"session_id" cbor:"1,keyasint"`
	EventIndex    uint64  `json:"event_index" cbor:"2,keyasint"`
	PreviousIndex uint64  `json:"previous_index" cbor:"3,keyasint"`
	Events        []Event `json:"events" cbor:"4,keyasint"`
}

// PublishResponse is the client's acknowledgement of a Publish.
type PublishResponse struct {
	Status Status       `json:"status" cbor:"1,keyasint"`
	Error  *ErrorDetail `json:"error,omitempty" cbor:"2,keyasint,omitempty"`
	Index  uint64       `json:"index" cbor:"3,keyasint"`
}
