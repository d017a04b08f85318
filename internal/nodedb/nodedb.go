// Package nodedb maintains the directory of known mesh peers and the
// persisted device state that backs it.
package nodedb

import (
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"meshnode/internal/events"
	"meshnode/internal/mesh"
)

// Config holds NodeDB construction parameters.
type Config struct {
	// Dir is the data directory holding db.proto.
	Dir string

	// MaxNodes bounds the directory. Zero means mesh.DefaultMaxNodes.
	MaxNodes int

	// Macaddr is the device MAC, used for node number selection and the
	// default owner identity.
	Macaddr [6]byte

	// FirmwareVersion and HwModel come from the build, not from flash.
	FirmwareVersion string
	HwModel         string

	// NoSave disables flash writes (development mode).
	NoSave bool
}

// NodeDB owns the DeviceState arena and the peer directory inside it.
//
// All mutating operations run on the single mesh service goroutine. GetNode
// is a plain scan over the arena with no allocation or locking. Mutators,
// GetOrCreateNode among them, take the internal lock, which fences snapshot
// readers (web, MQTT) from them.
type NodeDB struct {
	logger *slog.Logger
	bus    *events.Dispatcher
	cfg    Config

	mu    sync.RWMutex
	state mesh.DeviceState

	maxNodes        int
	readPointer     int
	packetId        atomic.Uint32
	radioGeneration uint32

	// timeNow returns epoch seconds; injectable for tests.
	timeNow func() uint32
	// randNodeNum picks a random candidate in [min, max); injectable for tests.
	randNodeNum func(min, max mesh.NodeNum) mesh.NodeNum
}

// New creates a NodeDB with the default state installed. Call Init to load
// any saved state and finish boot.
func New(cfg Config, bus *events.Dispatcher, logger *slog.Logger) *NodeDB {
	maxNodes := cfg.MaxNodes
	if maxNodes <= 0 {
		maxNodes = mesh.DefaultMaxNodes
	}
	db := &NodeDB{
		logger:   logger.With("component", "nodedb"),
		bus:      bus,
		cfg:      cfg,
		maxNodes: maxNodes,
		timeNow:  func() uint32 { return uint32(time.Now().Unix()) },
		randNodeNum: func(min, max mesh.NodeNum) mesh.NodeNum {
			return min + mesh.NodeNum(rand.Uint64N(uint64(max-min)))
		},
	}
	db.installDefaultDeviceState()
	return db
}

// Init installs defaults, loads saved state if present, and resolves the
// node number and owner identity for this boot. It runs during single
// threaded boot, before any surface subscribes or reads.
func (db *NodeDB) Init() {
	db.installDefaultDeviceState()
	db.loadFromDisk()

	db.state.MyNode.MaxChannels = maxNumChannels

	// Only show errors from this boot; discard whatever was in flash.
	db.state.MyNode.ErrorCode = mesh.CriticalErrorNone
	db.state.MyNode.ErrorAddress = 0

	// App requirements come from the running build, not from flash.
	db.state.MyNode.MinAppVersion = minAppVersion

	// Re-check after load: a stored nodenum may conflict with the directory.
	db.pickNewNodeNum()

	// Our own record lives in the directory under our nodenum.
	info := db.getOrCreateNode(db.state.MyNode.MyNodeNum)
	info.User = db.state.Owner
	info.HasUser = true

	// Build-provided values are more trusted than flash.
	if db.cfg.FirmwareVersion != "" {
		db.state.MyNode.FirmwareVersion = db.cfg.FirmwareVersion
	}
	if db.cfg.HwModel != "" {
		db.state.MyNode.HwModel = db.cfg.HwModel
	}

	// Convert old style region tags like "1.0-EU433" to the enum.
	if db.state.Radio.Preferences.Region == mesh.RegionUnset {
		if code, ok := legacyRegionCode(db.state.MyNode.Region); ok {
			db.state.Radio.Preferences.Region = code
		}
	}

	db.resetRadioConfig()

	db.logger.Info("node db initialized",
		"nodenum", mesh.DefaultUserId(db.state.MyNode.MyNodeNum),
		"region", db.state.Radio.Preferences.Region,
		"nodes", db.state.NodeDbCount)

	db.notifyObservers()
}

// GetNodeNum returns the local node number.
func (db *NodeDB) GetNodeNum() mesh.NodeNum {
	return db.state.MyNode.MyNodeNum
}

// GetFrom maps phone-originated packets (from == 0) to the local node number.
func (db *NodeDB) GetFrom(p *mesh.MeshPacket) mesh.NodeNum {
	if p.From == 0 {
		return db.GetNodeNum()
	}
	return p.From
}

// GetNode finds a directory record by node number, or nil. Pure scan: no
// allocation, no locking. The returned pointer aliases the arena and is only
// valid on the owner goroutine.
func (db *NodeDB) GetNode(n mesh.NodeNum) *mesh.NodeInfo {
	nodes := db.state.NodeDb
	for i := range nodes[:db.state.NodeDbCount] {
		if nodes[i].Num == n {
			return &nodes[i]
		}
	}
	return nil
}

// GetOrCreateNode finds a record or appends a fresh one holding only the
// node number. Panics if the directory is full; MaxNodes is sized above any
// realistic mesh and overflow means the deployment outgrew the device.
func (db *NodeDB) GetOrCreateNode(n mesh.NodeNum) *mesh.NodeInfo {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.getOrCreateNode(n)
}

func (db *NodeDB) getOrCreateNode(n mesh.NodeNum) *mesh.NodeInfo {
	if info := db.GetNode(n); info != nil {
		return info
	}
	if int(db.state.NodeDbCount) >= db.maxNodes {
		db.logger.Error("node directory full", "max", db.maxNodes)
		panic("nodedb: directory full")
	}
	// The arena is preallocated at maxNodes capacity, so appending never
	// moves it and previously returned pointers stay valid.
	db.state.NodeDb = append(db.state.NodeDb, mesh.NodeInfo{Num: n})
	db.state.NodeDbCount++
	return &db.state.NodeDb[db.state.NodeDbCount-1]
}

// ReadNextInfo returns successive directory records, or nil past the end.
// The cursor is reset with ResetReadPointer.
func (db *NodeDB) ReadNextInfo() *mesh.NodeInfo {
	if db.readPointer < int(db.state.NodeDbCount) {
		info := &db.state.NodeDb[db.readPointer]
		db.readPointer++
		return info
	}
	return nil
}

// ResetReadPointer rewinds the ReadNextInfo cursor.
func (db *NodeDB) ResetReadPointer() {
	db.readPointer = 0
}

// SinceLastSeen returns how many seconds ago we last heard from n, clamping
// negative deltas from a clock that is not yet synchronized.
func (db *NodeDB) SinceLastSeen(n *mesh.NodeInfo) uint32 {
	delta := int64(db.timeNow()) - int64(n.Position.Time)
	if delta < 0 {
		delta = 0
	}
	return uint32(delta)
}

// NumOnlineNodes counts records heard from within NumOnlineSecs. Safe for
// readers outside the service goroutine.
func (db *NodeDB) NumOnlineNodes() int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	seen := 0
	for i := range db.state.NodeDb[:db.state.NodeDbCount] {
		if db.SinceLastSeen(&db.state.NodeDb[i]) < mesh.NumOnlineSecs {
			seen++
		}
	}
	return seen
}

// NumNodes returns the directory size. Safe for readers outside the service
// goroutine.
func (db *NodeDB) NumNodes() int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return int(db.state.NodeDbCount)
}

// UpdatePosition merges a received position report into the directory.
// Only fields the sender actually set are taken: a report without a
// timestamp must not blow away the time we recorded from rx_time, and
// zeroed coordinates mean "no fix", not the null island.
func (db *NodeDB) UpdatePosition(nodeId mesh.NodeNum, p mesh.Position) {
	db.mu.Lock()
	info := db.getOrCreateNode(nodeId)

	db.logger.Debug("db update position",
		"node", mesh.DefaultUserId(nodeId), "time", p.Time, "latI", p.LatitudeI, "lonI", p.LongitudeI)

	if info.Position.Time == 0 && p.Time != 0 {
		info.Position.Time = p.Time
	}
	if p.BatteryLevel != 0 {
		info.Position.BatteryLevel = p.BatteryLevel
	}
	if p.LatitudeI != 0 || p.LongitudeI != 0 {
		info.Position.LatitudeI = p.LatitudeI
		info.Position.LongitudeI = p.LongitudeI
		info.Position.Altitude = p.Altitude
	}
	info.HasPosition = true
	db.mu.Unlock()

	db.bus.Publish(events.Event{Kind: events.PositionUpdate, Node: nodeId})
	db.notifyObservers()
}

// UpdateUser replaces the user record for a node. User records are full
// snapshots, unlike positions.
func (db *NodeDB) UpdateUser(nodeId mesh.NodeNum, u mesh.User) {
	db.mu.Lock()
	info := db.getOrCreateNode(nodeId)

	changed := info.User != u
	info.User = u
	info.HasUser = true
	db.mu.Unlock()

	db.logger.Debug("db update user",
		"node", mesh.DefaultUserId(nodeId), "id", u.Id, "long", u.LongName, "changed", changed)

	if changed {
		db.bus.Publish(events.Event{Kind: events.UserChanged, Node: nodeId})
		db.notifyObservers()
	}
}

// UpdateFrom records link-level facts about the sender of any decoded
// packet: the receive timestamp becomes its last-seen time, and the SNR is
// kept current.
func (db *NodeDB) UpdateFrom(p *mesh.MeshPacket) {
	if p.Decoded == nil {
		return
	}
	db.mu.Lock()
	info := db.getOrCreateNode(db.GetFrom(p))
	if p.RxTime != 0 {
		info.HasPosition = true // at least the time is valid
		info.Position.Time = p.RxTime
	}
	info.Snr = p.RxSnr
	db.mu.Unlock()
}

// NodesSnapshot returns copies of the live directory records for readers
// outside the service goroutine.
func (db *NodeDB) NodesSnapshot() []mesh.NodeInfo {
	db.mu.RLock()
	defer db.mu.RUnlock()
	out := make([]mesh.NodeInfo, db.state.NodeDbCount)
	copy(out, db.state.NodeDb[:db.state.NodeDbCount])
	return out
}

// MyNodeSnapshot returns a copy of the local node record.
func (db *NodeDB) MyNodeSnapshot() mesh.MyNodeInfo {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.state.MyNode
}

// OwnerSnapshot returns a copy of the owner record.
func (db *NodeDB) OwnerSnapshot() mesh.User {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.state.Owner
}

// SetOwner updates the local user identity and mirrors it into our own
// directory record.
func (db *NodeDB) SetOwner(longName, shortName string) {
	db.mu.Lock()
	db.state.Owner.LongName = longName
	db.state.Owner.ShortName = shortName
	info := db.getOrCreateNode(db.state.MyNode.MyNodeNum)
	info.User = db.state.Owner
	info.HasUser = true
	db.mu.Unlock()

	db.bus.Publish(events.Event{Kind: events.UserChanged, Node: db.GetNodeNum()})
	db.notifyObservers()
}

// SetReceiveQueueCount mirrors the receive queue depth into the persisted
// state.
func (db *NodeDB) SetReceiveQueueCount(n uint32) {
	db.mu.Lock()
	db.state.ReceiveQueueCount = n
	db.mu.Unlock()
}

// GeneratePacketId allocates the next local packet id. Ids advance
// monotonically, tolerate wraparound, and are never zero. Safe to call from
// any goroutine.
func (db *NodeDB) GeneratePacketId() mesh.PacketId {
	for {
		old := db.packetId.Load()
		next := old + 1
		if old == 0 {
			next = rand.Uint32() | 1 // first use: random start, off zero
		}
		if next == 0 {
			next = 1
		}
		if db.packetId.CompareAndSwap(old, next) {
			return next
		}
	}
}

// notifyObservers publishes a directory change on the bus.
func (db *NodeDB) notifyObservers() {
	db.bus.Publish(events.Event{
		Kind:   events.NodeUpdated,
		Nodes:  db.NumNodes(),
		Online: db.NumOnlineNodes(),
	})
}

// legacyRegionCode converts old style region tags like "1.0-EU433".
func legacyRegionCode(region string) (mesh.RegionCode, bool) {
	if len(region) < 5 || region[:4] != "1.0-" {
		return mesh.RegionUnset, false
	}
	switch region[4:] {
	case "US":
		return mesh.RegionUS, true
	case "EU433":
		return mesh.RegionEU433, true
	case "EU865":
		return mesh.RegionEU865, true
	case "CN":
		return mesh.RegionCN, true
	case "JP":
		return mesh.RegionJP, true
	case "ANZ":
		return mesh.RegionANZ, true
	case "KR":
		return mesh.RegionKR, true
	case "TW":
		return mesh.RegionTW, true
	}
	return mesh.RegionUnset, false
}
