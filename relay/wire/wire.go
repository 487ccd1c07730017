// Package wire defines the frame protocol spoken between the relay
// broker and its websocket clients. Frames multiplex channel
// operations, published messages, direct messages and membership
// announcements over one socket.
package wire

// Client-to-relay ops.
const (
	OpJoin    = "join"
	OpLeave   = "leave"
	OpPub     = "pub"
	OpP2P     = "p2p"
	OpMembers = "members"
)

// Relay-to-client ops.
const (
	OpAck      = "ack"
	OpJoined   = "joined"
	OpLeft     = "left"
	OpMsg      = "msg"
	OpTakeover = "takeover"
)

// Ack error codes.
const (
	CodeOK          = 0
	CodeBadRequest  = 1
	CodeNotMember   = 2
	CodeChannelFull = 3
)

// Frame is one unit on the relay socket. Seq correlates a request with
// its ack; SRC is always assigned by the relay on inbound frames.
type Frame struct {
	Op      string   `json:"op"`
	Seq     uint64   `json:"seq,omitempty"`
	Channel string   `json:"channel,omitempty"`
	SRC     string   `json:"src,omitempty"`
	DST     string   `json:"dst,omitempty"`
	Payload []byte   `json:"payload,omitempty"`
	Members []string `json:"members,omitempty"`
	Code    int      `json:"code,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// Wire is the outbound frame stream of one connected client.
type Wire struct {
	TX chan Frame
}

func NewWire() Wire {
	return Wire{TX: make(chan Frame)}
}
