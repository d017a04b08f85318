// Package mesh defines the wire-facing packet model and the persisted device
// state shared by the node directory and the router stack.
package mesh

import (
	"fmt"
	"strconv"
)

// NodeNum identifies a peer on the mesh.
type NodeNum = uint32

// PacketId is a locally allocated, monotonically advancing packet identifier.
// Zero means "unset".
type PacketId = uint32

const (
	// NodeNumBroadcast is the all-ones node number, delivered to all neighbors.
	NodeNumBroadcast NodeNum = 0xFFFFFFFF

	// NumReserved node numbers at the bottom of the space are never assigned.
	NumReserved NodeNum = 4

	// NumRetransmissions is the total number of send attempts for a reliable
	// packet, counting the initial send.
	NumRetransmissions = 3

	// NumOnlineSecs is how recently we must have heard from a node to count
	// it as online.
	NumOnlineSecs = 2 * 60 * 60

	// DefaultMaxNodes bounds the node directory unless configured otherwise.
	DefaultMaxNodes = 32

	// FloodExpireMsec is how long the flooding substrate remembers a packet
	// for dedup, and the default message timeout advertised to the app.
	FloodExpireMsec = 10 * 60 * 1000
)

// GlobalPacketId keys the pending-retransmission table.
type GlobalPacketId struct {
	From NodeNum
	Id   PacketId
}

func (g GlobalPacketId) String() string {
	return fmt.Sprintf("0x%x/0x%x", g.From, g.Id)
}

// PortNum selects the application that consumes a decoded payload.
type PortNum uint8

const (
	PortUnknown  PortNum = 0
	PortText     PortNum = 1
	PortRouting  PortNum = 5
	PortPosition PortNum = 3
	PortUser     PortNum = 4
)

// RoutingError is carried by Routing control packets. Zero means success,
// which is how an ack is distinguished from a nak.
type RoutingError uint8

const (
	RoutingErrorNone          RoutingError = 0
	RoutingErrorNoRoute       RoutingError = 2
	RoutingErrorGotNak        RoutingError = 3
	RoutingErrorTimeout       RoutingError = 4
	RoutingErrorMaxRetransmit RoutingError = 5
)

// Routing is the control record exchanged on PortRouting.
type Routing struct {
	ErrorReason RoutingError `json:"error_reason"`
}

// Priority orders packets in the transmit queue.
type Priority uint8

const (
	PriorityDefault Priority = 64
	PriorityAck     Priority = 120
)

// Data is the decoded payload variant of a MeshPacket.
type Data struct {
	Portnum   PortNum  `json:"portnum"`
	Payload   []byte   `json:"payload,omitempty"`
	RequestId PacketId `json:"request_id,omitempty"`
}

// MeshPacket is one packet on the mesh. Rx* fields are filled by the
// receiving link and are never sent on the wire.
type MeshPacket struct {
	From     NodeNum  `json:"from"`
	To       NodeNum  `json:"to"`
	Id       PacketId `json:"id"`
	HopLimit uint8    `json:"hop_limit"`
	WantAck  bool     `json:"want_ack,omitempty"`
	Priority Priority `json:"priority,omitempty"`

	// Decoded is nil for packets we could not (or did not) decrypt.
	Decoded *Data `json:"decoded,omitempty"`

	RxTime uint32  `json:"rx_time,omitempty"`
	RxSnr  float32 `json:"rx_snr,omitempty"`
}

// GlobalId returns the pending-table key for p.
func (p *MeshPacket) GlobalId() GlobalPacketId {
	return GlobalPacketId{From: p.From, Id: p.Id}
}

// User is the display identity of a node.
type User struct {
	Id        string  `json:"id"`
	LongName  string  `json:"long_name"`
	ShortName string  `json:"short_name"`
	Macaddr   [6]byte `json:"macaddr"`
}

// Position is a (possibly partial) location report. Time == 0 means unknown.
type Position struct {
	LatitudeI    int32  `json:"latitude_i"`
	LongitudeI   int32  `json:"longitude_i"`
	Altitude     int32  `json:"altitude,omitempty"`
	BatteryLevel uint32 `json:"battery_level,omitempty"`
	Time         uint32 `json:"time"`
}

// NodeInfo is one record in the node directory.
type NodeInfo struct {
	Num         NodeNum  `json:"num"`
	User        User     `json:"user"`
	HasUser     bool     `json:"has_user"`
	Position    Position `json:"position"`
	HasPosition bool     `json:"has_position"`
	Snr         float32  `json:"snr"`
}

// CriticalErrorCode classifies errors recorded for analytics.
type CriticalErrorCode uint32

const (
	CriticalErrorNone CriticalErrorCode = iota
	CriticalErrorStoreCorrupt
	CriticalErrorRadioFault
)

// MyNodeInfo holds local-only node fields.
type MyNodeInfo struct {
	MyNodeNum          NodeNum           `json:"my_node_num"`
	Region             string            `json:"region,omitempty"`
	FirmwareVersion    string            `json:"firmware_version,omitempty"`
	HwModel            string            `json:"hw_model,omitempty"`
	ErrorCode          CriticalErrorCode `json:"error_code,omitempty"`
	ErrorAddress       uint32            `json:"error_address,omitempty"`
	ErrorCount         uint32            `json:"error_count,omitempty"`
	MaxChannels        uint32            `json:"max_channels,omitempty"`
	MinAppVersion      uint32            `json:"min_app_version,omitempty"`
	HasGps             bool              `json:"has_gps"`
	MessageTimeoutMsec uint32            `json:"message_timeout_msec"`
}

// RegionCode is the numeric radio regulatory domain.
type RegionCode uint8

const (
	RegionUnset RegionCode = 0
	RegionUS    RegionCode = 1
	RegionEU433 RegionCode = 2
	RegionEU865 RegionCode = 3
	RegionCN    RegionCode = 4
	RegionJP    RegionCode = 5
	RegionANZ   RegionCode = 6
	RegionKR    RegionCode = 7
	RegionTW    RegionCode = 8
)

// UserPreferences are the user-tunable radio parameters.
type UserPreferences struct {
	Region                RegionCode `json:"region"`
	PositionBroadcastSecs uint32     `json:"position_broadcast_secs,omitempty"`
	ScreenOnSecs          uint32     `json:"screen_on_secs,omitempty"`
	WaitBluetoothSecs     uint32     `json:"wait_bluetooth_secs,omitempty"`
	LsSecs                uint32     `json:"ls_secs,omitempty"`
	FactoryReset          bool       `json:"factory_reset,omitempty"`
}

// RadioConfig wraps the preferences with a presence flag, matching the
// persisted schema.
type RadioConfig struct {
	HasPreferences bool            `json:"has_preferences"`
	Preferences    UserPreferences `json:"preferences"`
}

// ChannelSettings names one channel and its modem parameters.
type ChannelSettings struct {
	Name        string `json:"name"`
	Psk         []byte `json:"psk,omitempty"`
	ModemConfig uint8  `json:"modem_config,omitempty"`
}

// DeviceState is the persisted root record.
type DeviceState struct {
	Version           uint32            `json:"version"`
	HasMyNode         bool              `json:"has_my_node"`
	MyNode            MyNodeInfo        `json:"my_node"`
	HasRadio          bool              `json:"has_radio"`
	Radio             RadioConfig       `json:"radio"`
	HasOwner          bool              `json:"has_owner"`
	Owner             User              `json:"owner"`
	Channels          []ChannelSettings `json:"channels"`
	NodeDb            []NodeInfo        `json:"node_db"`
	NodeDbCount       uint32            `json:"node_db_count"`
	NoSave            bool              `json:"no_save,omitempty"`
	ReceiveQueueCount uint32            `json:"receive_queue_count"`
}

// DefaultUserId renders the fallback user id for a node number.
func DefaultUserId(n NodeNum) string {
	return fmt.Sprintf("!%08x", n)
}

// ParseNodeId reads a node number in either user-id form ("!deadbeef") or
// bare hex. The inverse of DefaultUserId.
func ParseNodeId(s string) (NodeNum, error) {
	if len(s) > 1 && s[0] == '!' {
		s = s[1:]
	}
	n, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("parse node id: %w", err)
	}
	return NodeNum(n), nil
}
