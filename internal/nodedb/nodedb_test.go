package nodedb

import (
	"log/slog"
	"os"
	"testing"

	"meshnode/internal/events"
	"meshnode/internal/mesh"
)

var testMac = [6]byte{0xDE, 0xAD, 0x00, 0x00, 0x12, 0x34}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestNodeDB(t *testing.T, cfg Config) (*NodeDB, *events.Dispatcher) {
	t.Helper()
	if cfg.Dir == "" {
		cfg.Dir = t.TempDir()
	}
	if cfg.Macaddr == ([6]byte{}) {
		cfg.Macaddr = testMac
	}
	logger := testLogger()
	bus := events.NewDispatcher(logger)
	db := New(cfg, bus, logger)
	db.Init()
	return db, bus
}

func TestNodeNumFromMac(t *testing.T) {
	db, _ := newTestNodeDB(t, Config{})

	// Low four MAC bytes, big-endian.
	if got := db.GetNodeNum(); got != 0x00001234 {
		t.Errorf("nodenum = 0x%x, want 0x1234", got)
	}

	owner := db.OwnerSnapshot()
	if owner.Id != "!00001234" {
		t.Errorf("owner id = %q, want !00001234", owner.Id)
	}
	if owner.LongName != "Unknown 1234" {
		t.Errorf("long_name = %q, want Unknown 1234", owner.LongName)
	}
	if owner.ShortName != "?34" {
		t.Errorf("short_name = %q, want ?34", owner.ShortName)
	}

	// Our own record must be present and carry the owner.
	me := db.GetNode(db.GetNodeNum())
	if me == nil {
		t.Fatal("own record missing from directory")
	}
	if !me.HasUser || me.User != owner {
		t.Errorf("own record user = %+v, want owner", me.User)
	}
}

func TestNodeNumNeverReservedOrBroadcast(t *testing.T) {
	// A MAC whose low 32 bits fall in the reserved range.
	db, _ := newTestNodeDB(t, Config{Macaddr: [6]byte{1, 2, 0, 0, 0, 2}})

	got := db.GetNodeNum()
	if got < mesh.NumReserved || got == mesh.NodeNumBroadcast {
		t.Errorf("nodenum = 0x%x, must be in [NumReserved, broadcast)", got)
	}
	if got != mesh.NumReserved {
		t.Errorf("nodenum = 0x%x, want NumReserved for a reserved-range MAC", got)
	}
}

func TestNodeNumConflictRerolls(t *testing.T) {
	logger := testLogger()
	bus := events.NewDispatcher(logger)
	db := New(Config{Dir: t.TempDir(), Macaddr: testMac}, bus, logger)

	// Make the reroll deterministic.
	db.randNodeNum = func(min, max mesh.NodeNum) mesh.NodeNum { return 0x77777777 }

	// Someone else with a different MAC already holds our candidate.
	other := db.GetOrCreateNode(0x00001234)
	other.User.Macaddr = [6]byte{0xBB, 0xBB, 0xBB, 0xBB, 0xBB, 0xBB}
	other.HasUser = true

	db.pickNewNodeNum()

	got := db.GetNodeNum()
	if got == 0x00001234 {
		t.Error("nodenum kept despite conflicting MAC")
	}
	if got != 0x77777777 {
		t.Errorf("nodenum = 0x%x, want rerolled 0x77777777", got)
	}
	if got < mesh.NumReserved || got >= mesh.NodeNumBroadcast {
		t.Errorf("nodenum = 0x%x outside valid range", got)
	}
}

func TestNodeNumKeptWhenMacMatches(t *testing.T) {
	logger := testLogger()
	bus := events.NewDispatcher(logger)
	db := New(Config{Dir: t.TempDir(), Macaddr: testMac}, bus, logger)

	// Our own earlier record (same MAC) does not count as a conflict.
	me := db.GetOrCreateNode(0x00001234)
	me.User.Macaddr = testMac

	db.pickNewNodeNum()
	if got := db.GetNodeNum(); got != 0x00001234 {
		t.Errorf("nodenum = 0x%x, want 0x1234 kept", got)
	}
}

func TestGetOrCreateNode(t *testing.T) {
	db, _ := newTestNodeDB(t, Config{})
	before := db.NumNodes()

	a := db.GetOrCreateNode(0x42)
	if a == nil || a.Num != 0x42 {
		t.Fatalf("created = %+v, want num 0x42", a)
	}
	if db.NumNodes() != before+1 {
		t.Errorf("nodes = %d, want %d", db.NumNodes(), before+1)
	}

	b := db.GetOrCreateNode(0x42)
	if a != b {
		t.Error("second lookup returned a different record")
	}
	if db.NumNodes() != before+1 {
		t.Errorf("nodes = %d after re-lookup, want %d", db.NumNodes(), before+1)
	}

	if db.GetNode(0x43) != nil {
		t.Error("unknown node returned a record")
	}
}

func TestDirectoryFullPanics(t *testing.T) {
	db, _ := newTestNodeDB(t, Config{MaxNodes: 2})

	db.GetOrCreateNode(0x42) // our own record is #1, this is #2

	defer func() {
		if recover() == nil {
			t.Error("no panic on full directory")
		}
	}()
	db.GetOrCreateNode(0x43)
}

func TestArenaPointersStableAcrossGrowth(t *testing.T) {
	db, _ := newTestNodeDB(t, Config{MaxNodes: 16})

	first := db.GetOrCreateNode(0x42)
	for n := mesh.NodeNum(0x50); n < 0x5C; n++ {
		db.GetOrCreateNode(n)
	}
	if again := db.GetNode(0x42); again != first {
		t.Error("record moved while the directory grew")
	}
}

func TestReadNextInfoCursor(t *testing.T) {
	db, _ := newTestNodeDB(t, Config{})
	db.GetOrCreateNode(0x42)
	db.GetOrCreateNode(0x43)

	db.ResetReadPointer()
	var nums []mesh.NodeNum
	for info := db.ReadNextInfo(); info != nil; info = db.ReadNextInfo() {
		nums = append(nums, info.Num)
	}
	if len(nums) != db.NumNodes() {
		t.Fatalf("cursor saw %d records, want %d", len(nums), db.NumNodes())
	}
	if db.ReadNextInfo() != nil {
		t.Error("cursor returned a record past the end")
	}

	db.ResetReadPointer()
	if info := db.ReadNextInfo(); info == nil || info.Num != db.GetNodeNum() {
		t.Error("reset cursor did not restart at the first record")
	}
}

func TestUpdatePositionPartialMerge(t *testing.T) {
	db, _ := newTestNodeDB(t, Config{})

	db.UpdatePosition(0x42, mesh.Position{Time: 1000, LatitudeI: 50, LongitudeI: 60, BatteryLevel: 80})

	// A partial report: no time, no fix, fresher battery.
	db.UpdatePosition(0x42, mesh.Position{Time: 0, LatitudeI: 0, LongitudeI: 0, BatteryLevel: 75})

	info := db.GetNode(0x42)
	if info == nil {
		t.Fatal("node missing")
	}
	p := info.Position
	if p.Time != 1000 {
		t.Errorf("time = %d, want 1000 preserved", p.Time)
	}
	if p.LatitudeI != 50 || p.LongitudeI != 60 {
		t.Errorf("position = (%d, %d), want (50, 60) preserved", p.LatitudeI, p.LongitudeI)
	}
	if p.BatteryLevel != 75 {
		t.Errorf("battery = %d, want 75 updated", p.BatteryLevel)
	}
	if !info.HasPosition {
		t.Error("has_position = false")
	}
}

func TestUpdatePositionTimeOnlyFillsEmpty(t *testing.T) {
	db, _ := newTestNodeDB(t, Config{})

	db.UpdatePosition(0x42, mesh.Position{Time: 0, LatitudeI: 5, LongitudeI: 6})
	if got := db.GetNode(0x42).Position.Time; got != 0 {
		t.Fatalf("time = %d, want 0", got)
	}

	db.UpdatePosition(0x42, mesh.Position{Time: 2000})
	if got := db.GetNode(0x42).Position.Time; got != 2000 {
		t.Errorf("time = %d, want 2000: empty time takes the report's", got)
	}

	db.UpdatePosition(0x42, mesh.Position{Time: 3000})
	if got := db.GetNode(0x42).Position.Time; got != 2000 {
		t.Errorf("time = %d, want 2000: known time wins over later reports", got)
	}
}

func TestUpdateUserFiresEventsOnlyOnChange(t *testing.T) {
	db, bus := newTestNodeDB(t, Config{})

	var userEvents int
	bus.Subscribe(func(events.Event) { userEvents++ }, events.UserChanged)

	u := mesh.User{Id: "!00000042", LongName: "Summit Repeater", ShortName: "SR"}
	db.UpdateUser(0x42, u)
	if userEvents != 1 {
		t.Fatalf("user events = %d, want 1", userEvents)
	}

	info := db.GetNode(0x42)
	if !info.HasUser || info.User != u {
		t.Errorf("user = %+v, want %+v", info.User, u)
	}

	// Identical snapshot: no event.
	db.UpdateUser(0x42, u)
	if userEvents != 1 {
		t.Errorf("user events = %d after no-op update, want 1", userEvents)
	}

	u.LongName = "Summit Repeater 2"
	db.UpdateUser(0x42, u)
	if userEvents != 2 {
		t.Errorf("user events = %d after change, want 2", userEvents)
	}
}

func TestUpdateFrom(t *testing.T) {
	db, _ := newTestNodeDB(t, Config{})

	db.UpdateFrom(&mesh.MeshPacket{
		From:    0x42,
		RxTime:  9000,
		RxSnr:   -3.5,
		Decoded: &mesh.Data{Portnum: mesh.PortText},
	})

	info := db.GetNode(0x42)
	if info == nil {
		t.Fatal("sender not created")
	}
	if info.Position.Time != 9000 || !info.HasPosition {
		t.Errorf("time = %d has_position = %v, want 9000/true", info.Position.Time, info.HasPosition)
	}
	if info.Snr != -3.5 {
		t.Errorf("snr = %v, want -3.5", info.Snr)
	}

	// Undecoded packets carry nothing trustworthy.
	db.UpdateFrom(&mesh.MeshPacket{From: 0x43, RxTime: 9000})
	if db.GetNode(0x43) != nil {
		t.Error("undecoded packet created a record")
	}
}

func TestSinceLastSeenClampsNegative(t *testing.T) {
	db, _ := newTestNodeDB(t, Config{})
	db.timeNow = func() uint32 { return 1000 }

	info := db.GetOrCreateNode(0x42)
	info.Position.Time = 5000 // "future": our clock is not synced yet

	if got := db.SinceLastSeen(info); got != 0 {
		t.Errorf("since_last_seen = %d, want 0 clamped", got)
	}

	info.Position.Time = 400
	if got := db.SinceLastSeen(info); got != 600 {
		t.Errorf("since_last_seen = %d, want 600", got)
	}
}

func TestNumOnlineNodes(t *testing.T) {
	db, _ := newTestNodeDB(t, Config{})
	now := uint32(1_000_000)
	db.timeNow = func() uint32 { return now }

	fresh := db.GetOrCreateNode(0x42)
	fresh.Position.Time = now - 60
	stale := db.GetOrCreateNode(0x43)
	stale.Position.Time = now - mesh.NumOnlineSecs - 1

	// Our own record has no position time, so it counts as stale too.
	if got := db.NumOnlineNodes(); got != 1 {
		t.Errorf("online = %d, want 1", got)
	}
}

func TestGeneratePacketIdNeverZero(t *testing.T) {
	db, _ := newTestNodeDB(t, Config{})

	db.packetId.Store(0xFFFFFFFF)
	if got := db.GeneratePacketId(); got == 0 {
		t.Error("packet id wrapped to zero")
	}

	seen := db.GeneratePacketId()
	if next := db.GeneratePacketId(); next == seen {
		t.Error("packet id did not advance")
	}
}

func TestNoDuplicateNodeNums(t *testing.T) {
	db, _ := newTestNodeDB(t, Config{})
	for _, n := range []mesh.NodeNum{0x42, 0x43, 0x42, 0x44, 0x43} {
		db.GetOrCreateNode(n)
	}

	seen := make(map[mesh.NodeNum]bool)
	for _, info := range db.NodesSnapshot() {
		if seen[info.Num] {
			t.Errorf("duplicate record for 0x%x", info.Num)
		}
		seen[info.Num] = true
	}
}
