// Package transport implements the length-prefixed JSON wire protocol and
// the TCP peer mesh every node uses to exchange gossip.
package transport

// MessageType is the numeric tag carried by every frame. The tag space is
// partitioned by family; ranges are reserved even where this module does
// not yet populate every tag, so that future message families never
// collide with an existing one.
type MessageType int

const (
	// Transport: 0x01-0x07.
	MsgHello   MessageType = 0x01
	MsgPost    MessageType = 0x02
	MsgSyncReq MessageType = 0x03
	MsgSyncRsp MessageType = 0x04
	MsgPEX     MessageType = 0x05
	MsgPing    MessageType = 0x06
	MsgPong    MessageType = 0x07

	// Tasks: 0x10-0x17.
	MsgTaskCreate  MessageType = 0x10
	MsgTaskClaim   MessageType = 0x11
	MsgTaskUpdate  MessageType = 0x12
	MsgTaskComplete MessageType = 0x13
	MsgTaskFail    MessageType = 0x14
	MsgTaskCancel  MessageType = 0x15
	MsgTaskAssign  MessageType = 0x16
	MsgTaskArchive MessageType = 0x17

	// Agents: 0x20-0x22.
	MsgAgentRegister   MessageType = 0x20
	MsgAgentHeartbeat  MessageType = 0x21
	MsgAgentDeregister MessageType = 0x22

	// Task anti-entropy: 0x30-0x31.
	MsgTaskSyncReq MessageType = 0x30
	MsgTaskSyncRsp MessageType = 0x31

	// Election: 0x40-0x42.
	MsgEmperorHeartbeat MessageType = 0x40
	MsgElectionStart    MessageType = 0x41
	MsgElectionVictory  MessageType = 0x42

	// Census: 0x50-0x52.
	MsgCensus     MessageType = 0x50
	MsgAgentSync  MessageType = 0x51
	MsgAgentSyncR MessageType = 0x52

	// Auth: 0x60-0x62.
	MsgAuthChallenge MessageType = 0x60
	MsgAuthResponse  MessageType = 0x61
	MsgAuthReject    MessageType = 0x62

	// Identity: 0x70-0x73.
	MsgIdentityAnnounce        MessageType = 0x70
	MsgIdentityCredentialIssue MessageType = 0x71
	MsgIdentitySyncReq         MessageType = 0x72
	MsgIdentitySyncRsp         MessageType = 0x73

	// 0x80-0x85 reserved: consensus placeholder, not required for the core.
	// 0x90-0x95 reserved: DHT storage.
	// 0xA0-0xA2 reserved: DHT discovery.
	// 0xB0-0xB1 reserved: node registry.

	// Marketplace: 0xC0-0xCA.
	MsgOfferingAnnounce    MessageType = 0xC0
	MsgOfferingWithdraw    MessageType = 0xC1
	MsgTributeRequest      MessageType = 0xC2
	MsgTributeAccept       MessageType = 0xC3
	MsgTributeReject       MessageType = 0xC4
	MsgCapabilityAdvertise MessageType = 0xC5
	MsgMarketplaceSyncReq  MessageType = 0xC6
	MsgMarketplaceSyncRsp  MessageType = 0xC7
	MsgBountyPost          MessageType = 0xC8
	MsgBountyClaim         MessageType = 0xC9
	MsgBountyCancel        MessageType = 0xCA
)

// Envelope is the JSON body carried after the length prefix. Payload is
// left as a raw message so handlers can decode it into the concrete type
// implied by Type without a two-pass unmarshal of the whole frame.
type Envelope struct {
	Type      MessageType     `json:"type"`
	Payload   RawMessage      `json:"payload"`
	LamportTS uint64          `json:"lamport_ts"`
	MsgID     string          `json:"msg_id,omitempty"`
}

// RawMessage defers payload decoding, the same trick encoding/json.RawMessage
// uses, re-declared here so Envelope doesn't need to import encoding/json in
// its public surface.
type RawMessage = []byte

// HelloPayload is the first message on every new connection.
type HelloPayload struct {
	NodeID   string `json:"node_id"`
	Role     string `json:"role"`
	P2PPort  int    `json:"p2p_port"`
	HTTPPort int    `json:"http_port"`
}

// PingPayload / PongPayload carry nothing but exist for symmetry and future
// RTT measurement.
type PingPayload struct{ Nonce uint64 `json:"nonce"` }
type PongPayload struct{ Nonce uint64 `json:"nonce"` }
