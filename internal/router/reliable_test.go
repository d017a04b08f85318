package router

import (
	"log/slog"
	"math"
	"os"
	"testing"

	"meshnode/internal/events"
	"meshnode/internal/mesh"
	"meshnode/internal/nodedb"
)

const testNodeNum mesh.NodeNum = 0x1234

type fakeLink struct {
	sent     []*mesh.MeshPacket
	interval uint32
}

func (l *fakeLink) Transmit(p *mesh.MeshPacket) error {
	cp := *p
	if p.Decoded != nil {
		d := *p.Decoded
		cp.Decoded = &d
	}
	l.sent = append(l.sent, &cp)
	return nil
}

func (l *fakeLink) RetransmissionMsec(p *mesh.MeshPacket) uint32 {
	return l.interval
}

type ackCall struct {
	err    mesh.RoutingError
	to     mesh.NodeNum
	idFrom mesh.PacketId
}

type fakeAcks struct {
	calls []ackCall
}

func (a *fakeAcks) SendAckNak(err mesh.RoutingError, to mesh.NodeNum, idFrom mesh.PacketId) {
	a.calls = append(a.calls, ackCall{err: err, to: to, idFrom: idFrom})
}

type fakeClock struct {
	now uint32
}

func (c *fakeClock) millis() uint32 { return c.now }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestDB(t *testing.T) *nodedb.NodeDB {
	t.Helper()
	logger := testLogger()
	bus := events.NewDispatcher(logger)
	db := nodedb.New(nodedb.Config{
		Dir:     t.TempDir(),
		Macaddr: [6]byte{0xDE, 0xAD, 0x00, 0x00, 0x12, 0x34},
	}, bus, logger)
	db.Init()
	if db.GetNodeNum() != testNodeNum {
		t.Fatalf("nodenum = 0x%x, want 0x%x", db.GetNodeNum(), testNodeNum)
	}
	return db
}

func newTestRouter(t *testing.T) (*ReliableRouter, *fakeLink, *fakeAcks, *mesh.PacketPool, *fakeClock) {
	t.Helper()
	logger := testLogger()
	db := newTestDB(t)
	clock := &fakeClock{now: 1000}
	link := &fakeLink{interval: 5000}
	pool := mesh.NewPacketPool(4)
	flood := NewFloodingRouter(link, pool, db, clock.millis, logger)
	r := NewReliableRouter(flood, link, pool, db, clock.millis, logger)
	acks := &fakeAcks{}
	r.SetAckSender(acks)
	return r, link, acks, pool, clock
}

func TestImplicitAck(t *testing.T) {
	r, link, acks, pool, _ := newTestRouter(t)

	p := &mesh.MeshPacket{
		From:    testNodeNum,
		To:      mesh.NodeNumBroadcast,
		Id:      0xAA,
		WantAck: true,
		Decoded: &mesh.Data{Portnum: mesh.PortText, Payload: []byte("hi")},
	}
	if err := r.Send(p); err != nil {
		t.Fatal(err)
	}

	// Acked broadcasts get at least one hop so a neighbor rebroadcasts.
	if p.HopLimit != 1 {
		t.Errorf("hop_limit = %d, want 1", p.HopLimit)
	}
	if r.PendingCount() != 1 {
		t.Fatalf("pending = %d, want 1", r.PendingCount())
	}
	if len(link.sent) != 1 {
		t.Fatalf("transmitted = %d, want 1", len(link.sent))
	}

	// A neighbor rebroadcasts our packet back at us.
	echo := &mesh.MeshPacket{
		From:     testNodeNum,
		To:       mesh.NodeNumBroadcast,
		Id:       0xAA,
		HopLimit: 0,
	}
	r.ShouldFilterReceived(echo)

	if r.PendingCount() != 0 {
		t.Errorf("pending = %d after echo, want 0", r.PendingCount())
	}
	if len(acks.calls) != 1 {
		t.Fatalf("acks = %d, want 1", len(acks.calls))
	}
	got := acks.calls[0]
	if got.err != mesh.RoutingErrorNone || got.to != testNodeNum || got.idFrom != 0xAA {
		t.Errorf("ack = %+v, want err=NONE to=0x%x id=0xAA", got, testNodeNum)
	}
	if pool.Live() != 0 {
		t.Errorf("pool live = %d, want 0", pool.Live())
	}

	// A second echo must not produce a second ack.
	r.ShouldFilterReceived(echo)
	if len(acks.calls) != 1 {
		t.Errorf("acks = %d after second echo, want 1", len(acks.calls))
	}
}

func TestExplicitAck(t *testing.T) {
	r, _, acks, pool, _ := newTestRouter(t)

	p := &mesh.MeshPacket{
		From:    testNodeNum,
		To:      0x5678,
		Id:      0xBB,
		WantAck: true,
		Decoded: &mesh.Data{Portnum: mesh.PortText, Payload: []byte("hi")},
	}
	if err := r.Send(p); err != nil {
		t.Fatal(err)
	}
	if r.PendingCount() != 1 {
		t.Fatalf("pending = %d, want 1", r.PendingCount())
	}

	// Peer answers with a routing ack referencing our id.
	ack := &mesh.MeshPacket{
		From: 0x5678,
		To:   testNodeNum,
		Id:   0x99,
		Decoded: &mesh.Data{
			Portnum:   mesh.PortRouting,
			RequestId: 0xBB,
		},
	}
	r.SniffReceived(ack, &mesh.Routing{ErrorReason: mesh.RoutingErrorNone})

	if r.PendingCount() != 0 {
		t.Errorf("pending = %d after ack, want 0", r.PendingCount())
	}
	// The incoming packet is itself an ack; we must not generate another.
	if len(acks.calls) != 0 {
		t.Errorf("acks = %d, want 0", len(acks.calls))
	}
	if pool.Live() != 0 {
		t.Errorf("pool live = %d, want 0", pool.Live())
	}
}

func TestExplicitNak(t *testing.T) {
	r, _, _, _, _ := newTestRouter(t)

	p := &mesh.MeshPacket{
		From:    testNodeNum,
		To:      0x5678,
		Id:      0xCC,
		WantAck: true,
		Decoded: &mesh.Data{Portnum: mesh.PortText},
	}
	if err := r.Send(p); err != nil {
		t.Fatal(err)
	}

	nak := &mesh.MeshPacket{
		From: 0x5678,
		To:   testNodeNum,
		Id:   0x98,
		Decoded: &mesh.Data{
			Portnum:   mesh.PortRouting,
			RequestId: 0xCC,
		},
	}
	r.SniffReceived(nak, &mesh.Routing{ErrorReason: mesh.RoutingErrorNoRoute})

	if r.PendingCount() != 0 {
		t.Errorf("pending = %d after nak, want 0", r.PendingCount())
	}
}

func TestNakOnRetryExhaustion(t *testing.T) {
	r, link, acks, pool, clock := newTestRouter(t)

	p := &mesh.MeshPacket{
		From:    testNodeNum,
		To:      0x5678,
		Id:      0xDD,
		WantAck: true,
		Decoded: &mesh.Data{Portnum: mesh.PortText, Payload: []byte("x")},
	}
	if err := r.Send(p); err != nil {
		t.Fatal(err)
	}
	if len(link.sent) != 1 {
		t.Fatalf("transmitted = %d, want 1", len(link.sent))
	}

	// Nothing is due yet: the returned delay points at the scheduled retry.
	d := r.DoRetransmissions()
	if d <= 0 || d > 5000 {
		t.Errorf("delay = %d, want (0, 5000]", d)
	}
	if len(link.sent) != 1 {
		t.Errorf("transmitted = %d before due, want 1", len(link.sent))
	}

	// First retry.
	clock.now += 5001
	r.DoRetransmissions()
	if len(link.sent) != 2 {
		t.Errorf("transmitted = %d after first retry, want 2", len(link.sent))
	}

	// Second retry.
	clock.now += 5001
	r.DoRetransmissions()
	if len(link.sent) != 3 {
		t.Errorf("transmitted = %d after second retry, want 3", len(link.sent))
	}

	// Retries exhausted: a nak is emitted and the record removed.
	clock.now += 5001
	d = r.DoRetransmissions()
	if len(link.sent) != 3 {
		t.Errorf("transmitted = %d after exhaustion, want 3", len(link.sent))
	}
	if len(acks.calls) != 1 {
		t.Fatalf("acks = %d, want 1 nak", len(acks.calls))
	}
	nak := acks.calls[0]
	if nak.err != mesh.RoutingErrorMaxRetransmit || nak.to != testNodeNum || nak.idFrom != 0xDD {
		t.Errorf("nak = %+v, want err=MAX_RETRANSMIT to=0x%x id=0xDD", nak, testNodeNum)
	}
	if r.PendingCount() != 0 {
		t.Errorf("pending = %d, want 0", r.PendingCount())
	}
	if d != math.MaxInt32 {
		t.Errorf("delay = %d with empty table, want MaxInt32", d)
	}
	if pool.Live() != 0 {
		t.Errorf("pool live = %d, want 0", pool.Live())
	}
}

func TestStartStopRetransmissionBalanced(t *testing.T) {
	r, _, _, pool, _ := newTestRouter(t)

	p := &mesh.MeshPacket{
		From:    testNodeNum,
		To:      0x5678,
		Id:      0xE1,
		WantAck: true,
	}
	if err := r.Send(p); err != nil {
		t.Fatal(err)
	}
	if pool.Live() != 1 {
		t.Fatalf("pool live = %d, want 1", pool.Live())
	}

	if !r.StopRetransmission(testNodeNum, 0xE1) {
		t.Fatal("stop found no record")
	}
	if r.StopRetransmission(testNodeNum, 0xE1) {
		t.Error("second stop found a record")
	}
	if r.PendingCount() != 0 {
		t.Errorf("pending = %d, want 0", r.PendingCount())
	}
	if pool.Live() != 0 {
		t.Errorf("pool live = %d, want 0: packet must be released exactly once", pool.Live())
	}
}

func TestIdReuseEvictsOldRecord(t *testing.T) {
	r, _, _, pool, _ := newTestRouter(t)

	a := &mesh.MeshPacket{From: testNodeNum, To: 0x5678, Id: 0xF0, WantAck: true}
	b := &mesh.MeshPacket{From: testNodeNum, To: 0x9999, Id: 0xF0, WantAck: true}
	if err := r.Send(a); err != nil {
		t.Fatal(err)
	}
	if err := r.Send(b); err != nil {
		t.Fatal(err)
	}

	if r.PendingCount() != 1 {
		t.Errorf("pending = %d, want 1: reused id must evict the old record", r.PendingCount())
	}
	if pool.Live() != 1 {
		t.Errorf("pool live = %d, want 1: evicted packet must be released", pool.Live())
	}
}

func TestRetransmissionTimingSurvivesRollover(t *testing.T) {
	r, link, _, _, clock := newTestRouter(t)

	// Park the clock just before the 32-bit wrap so the deadline lands on
	// the far side of it.
	clock.now = math.MaxUint32 - 1000

	p := &mesh.MeshPacket{From: testNodeNum, To: 0x5678, Id: 0xAB, WantAck: true}
	if err := r.Send(p); err != nil {
		t.Fatal(err)
	}

	d := r.DoRetransmissions()
	if d <= 0 || d > 5000 {
		t.Fatalf("delay = %d across rollover, want (0, 5000]", d)
	}
	if len(link.sent) != 1 {
		t.Fatalf("transmitted = %d, want 1", len(link.sent))
	}

	// Past the wrap and past the deadline: the retry must fire.
	clock.now += 5001 // wraps
	r.DoRetransmissions()
	if len(link.sent) != 2 {
		t.Errorf("transmitted = %d after wrapped deadline, want 2", len(link.sent))
	}
}

func TestSniffIgnoresPacketsNotForUs(t *testing.T) {
	r, _, acks, _, _ := newTestRouter(t)

	p := &mesh.MeshPacket{From: testNodeNum, To: 0x5678, Id: 0xC1, WantAck: true}
	if err := r.Send(p); err != nil {
		t.Fatal(err)
	}

	// An ack addressed to some other node must not clear our record; the
	// reliability layer is zero-hop only.
	stray := &mesh.MeshPacket{
		From:    0x5678,
		To:      0x7777,
		Id:      0x11,
		Decoded: &mesh.Data{Portnum: mesh.PortRouting, RequestId: 0xC1},
	}
	r.SniffReceived(stray, &mesh.Routing{ErrorReason: mesh.RoutingErrorNone})

	if r.PendingCount() != 1 {
		t.Errorf("pending = %d, want 1", r.PendingCount())
	}
	if len(acks.calls) != 0 {
		t.Errorf("acks = %d, want 0", len(acks.calls))
	}
}

func TestWantAckGeneratesAck(t *testing.T) {
	r, _, acks, _, _ := newTestRouter(t)

	p := &mesh.MeshPacket{
		From:    0x5678,
		To:      testNodeNum,
		Id:      0x42,
		WantAck: true,
		Decoded: &mesh.Data{Portnum: mesh.PortText, Payload: []byte("ping")},
	}
	r.SniffReceived(p, nil)

	if len(acks.calls) != 1 {
		t.Fatalf("acks = %d, want 1", len(acks.calls))
	}
	got := acks.calls[0]
	if got.err != mesh.RoutingErrorNone || got.to != 0x5678 || got.idFrom != 0x42 {
		t.Errorf("ack = %+v, want err=NONE to=0x5678 id=0x42", got)
	}
}

func TestWantAckSuppressedWhenReplyQueued(t *testing.T) {
	r, _, acks, _, _ := newTestRouter(t)
	r.SetReplyCheck(func() bool { return true })

	p := &mesh.MeshPacket{
		From:    0x5678,
		To:      testNodeNum,
		Id:      0x43,
		WantAck: true,
		Decoded: &mesh.Data{Portnum: mesh.PortText},
	}
	r.SniffReceived(p, nil)

	if len(acks.calls) != 0 {
		t.Errorf("acks = %d, want 0: a queued reply already acks", len(acks.calls))
	}
}
