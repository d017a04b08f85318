package nodedb

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"meshnode/internal/events"
	"meshnode/internal/mesh"
)

// DeviceState versions. Anything older than the minimum is discarded on load.
const (
	deviceStateCurVer = 11
	deviceStateMinVer = deviceStateCurVer
)

const (
	maxNumChannels = 8
	// minAppVersion is Mmmss: 2.02.00 means app 1.2.0 or newer.
	minAppVersion = 20200
)

const (
	prefFile = "db.proto"
	prefTmp  = "db.proto.tmp"
)

func (db *NodeDB) prefPath() string {
	return filepath.Join(db.cfg.Dir, prefFile)
}

func (db *NodeDB) prefTmpPath() string {
	return filepath.Join(db.cfg.Dir, prefTmp)
}

// installDefaultDeviceState resets the arena to a fresh first-boot state,
// preserving the region settings so a schema bump doesn't discard them.
func (db *NodeDB) installDefaultDeviceState() {
	oldRegion := db.state.MyNode.Region
	oldRegionCode := db.state.Radio.Preferences.Region

	db.state = mesh.DeviceState{}
	db.state.NodeDb = make([]mesh.NodeInfo, 0, db.maxNodes)

	db.state.HasMyNode = true
	db.state.HasRadio = true
	db.state.HasOwner = true
	db.state.Radio.HasPreferences = true
	db.state.NodeDbCount = 0
	db.state.ReceiveQueueCount = 0
	db.state.NoSave = db.cfg.NoSave

	db.resetRadioConfig()

	// No GPS until one is probed.
	db.state.MyNode.HasGps = false
	db.state.MyNode.MessageTimeoutMsec = mesh.FloodExpireMsec
	db.GeneratePacketId()

	// Owner defaults come from the MAC until a user configures names.
	mac := db.cfg.Macaddr
	db.pickNewNodeNum()
	db.state.Owner.LongName = fmt.Sprintf("Unknown %02x%02x", mac[4], mac[5])
	db.state.Owner.ShortName = fmt.Sprintf("?%02X", byte(db.state.MyNode.MyNodeNum))
	db.state.Owner.Id = mesh.DefaultUserId(db.state.MyNode.MyNodeNum)
	db.state.Owner.Macaddr = mac

	if oldRegionCode != mesh.RegionUnset {
		db.state.Radio.Preferences.Region = oldRegionCode
	}
	if oldRegion != "" {
		db.state.MyNode.Region = oldRegion
	}
}

// resetRadioConfig bumps the radio generation, handles a requested factory
// reset, and installs default channels when none are configured. Returns
// whether a factory reset happened.
func (db *NodeDB) resetRadioConfig() bool {
	didFactoryReset := false

	db.radioGeneration++

	if db.state.Radio.Preferences.FactoryReset {
		db.logger.Warn("performing factory reset")
		db.installDefaultDeviceState()
		didFactoryReset = true
	} else if len(db.state.Channels) == 0 {
		db.logger.Info("setting default channel and radio preferences")
		db.state.Channels = []mesh.ChannelSettings{{Name: "Default"}}
		db.state.Radio.HasPreferences = true
	}

	if db.state.NoSave {
		db.logger.Warn("development mode, state will not be saved")
	}

	return didFactoryReset
}

// RadioGeneration is the change counter for radio settings; it starts at
// zero on boot and increments whenever others might now be on a new channel.
func (db *NodeDB) RadioGeneration() uint32 {
	return db.radioGeneration
}

// pickNewNodeNum resolves the local node number: the stored one if any,
// else a candidate derived from the MAC, re-rolled while another node with
// a different MAC already holds it.
func (db *NodeDB) pickNewNodeNum() {
	mac := db.cfg.Macaddr
	r := db.state.MyNode.MyNodeNum

	if r == 0 {
		r = mesh.NodeNum(mac[2])<<24 | mesh.NodeNum(mac[3])<<16 | mesh.NodeNum(mac[4])<<8 | mesh.NodeNum(mac[5])
	}
	if r == mesh.NodeNumBroadcast || r < mesh.NumReserved {
		r = mesh.NumReserved
	}

	for {
		found := db.GetNode(r)
		if found == nil || found.User.Macaddr == db.state.Owner.Macaddr {
			break
		}
		n := db.randNodeNum(mesh.NumReserved, mesh.NodeNumBroadcast)
		db.logger.Info("desired nodenum in use, trying another",
			"wanted", mesh.DefaultUserId(r), "trying", mesh.DefaultUserId(n))
		r = n
	}

	db.state.MyNode.MyNodeNum = r
}

// loadFromDisk replaces the in-memory state with the saved blob, if one
// exists and passes the version check. Any failure reinstalls defaults.
func (db *NodeDB) loadFromDisk() {
	data, err := os.ReadFile(db.prefPath())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			db.logger.Info("no saved preferences found")
		} else {
			db.logger.Error("read saved preferences", "err", err)
		}
		return
	}

	db.logger.Info("loading saved preferences")
	nodeArena := db.state.NodeDb[:0]
	db.state = mesh.DeviceState{NodeDb: nodeArena}
	if err := mesh.UnmarshalDeviceState(data, &db.state); err != nil {
		db.logger.Error("can't decode device state", "err", err)
		db.installDefaultDeviceState() // the in-RAM copy may now be corrupt
		db.RecordCriticalError(mesh.CriticalErrorStoreCorrupt, 0)
		return
	}

	if db.state.Version < deviceStateMinVer {
		db.logger.Warn("device state is old, discarding", "version", db.state.Version)
		db.installDefaultDeviceState()
		return
	}

	// Rebind the arena invariants after decode: the count labels the live
	// records, and the slice must keep its preallocated capacity so record
	// pointers stay stable.
	if int(db.state.NodeDbCount) > len(db.state.NodeDb) {
		db.state.NodeDbCount = uint32(len(db.state.NodeDb))
	}
	if len(db.state.NodeDb) > db.maxNodes {
		db.state.NodeDb = db.state.NodeDb[:db.maxNodes]
		db.state.NodeDbCount = uint32(db.maxNodes)
	}
	arena := make([]mesh.NodeInfo, len(db.state.NodeDb), db.maxNodes)
	copy(arena, db.state.NodeDb)
	db.state.NodeDb = arena

	db.logger.Info("loaded saved preferences", "version", db.state.Version)
}

// SaveToDisk persists the device state with tmp+rename replace semantics.
// The window between remove and rename is an accepted crash risk; the prior
// file stays intact on any write failure.
func (db *NodeDB) SaveToDisk() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.saveToDisk()
}

func (db *NodeDB) saveToDisk() error {
	if db.state.NoSave {
		db.logger.Warn("development mode, not saving to flash")
		return nil
	}

	db.state.Version = deviceStateCurVer
	data, err := mesh.MarshalDeviceState(&db.state)
	if err != nil {
		return fmt.Errorf("encode device state: %w", err)
	}

	tmp := db.prefTmpPath()
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write preferences: %w", err)
	}

	if err := os.Remove(db.prefPath()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		db.logger.Warn("can't remove old pref file", "err", err)
	}
	if err := os.Rename(tmp, db.prefPath()); err != nil {
		return fmt.Errorf("rename new pref file: %w", err)
	}

	db.logger.Info("preferences saved", "nodes", db.state.NodeDbCount)
	return nil
}

// RecordCriticalError stores an error that should surface via analytics and
// the screen. Init clears the code and address on every boot, so they show
// only current-boot errors; the error count is not cleared.
func (db *NodeDB) RecordCriticalError(code mesh.CriticalErrorCode, address uint32) {
	db.mu.Lock()
	db.state.MyNode.ErrorCode = code
	db.state.MyNode.ErrorAddress = address
	db.state.MyNode.ErrorCount++
	count := db.state.MyNode.ErrorCount
	db.mu.Unlock()

	db.logger.Error("recording critical error", "code", code, "address", fmt.Sprintf("0x%x", address))

	db.bus.Publish(events.Event{Kind: events.CriticalError, Code: code, Count: count})
}
