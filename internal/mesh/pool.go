package mesh

// PacketPool hands out MeshPacket copies and takes them back. Every packet a
// pending-retransmission record owns came from AllocCopy and must go back
// through Release exactly once; Live exposes the outstanding count so tests
// can check the books balance.
//
// The pool is owned by the single router goroutine and is not safe for
// concurrent use.
type PacketPool struct {
	free []*MeshPacket
	live int
}

// NewPacketPool creates a pool with an initial free list of n packets.
func NewPacketPool(n int) *PacketPool {
	p := &PacketPool{free: make([]*MeshPacket, 0, n)}
	for i := 0; i < n; i++ {
		p.free = append(p.free, &MeshPacket{})
	}
	return p
}

// AllocCopy returns a packet owned by the caller holding a deep copy of src.
func (pp *PacketPool) AllocCopy(src *MeshPacket) *MeshPacket {
	var p *MeshPacket
	if n := len(pp.free); n > 0 {
		p = pp.free[n-1]
		pp.free = pp.free[:n-1]
	} else {
		p = &MeshPacket{}
	}
	pp.live++

	*p = *src
	if src.Decoded != nil {
		d := *src.Decoded
		if src.Decoded.Payload != nil {
			d.Payload = append([]byte(nil), src.Decoded.Payload...)
		}
		p.Decoded = &d
	}
	return p
}

// Alloc returns a zeroed packet owned by the caller.
func (pp *PacketPool) Alloc() *MeshPacket {
	empty := MeshPacket{}
	return pp.AllocCopy(&empty)
}

// Release returns p to the pool. p must not be used afterwards.
func (pp *PacketPool) Release(p *MeshPacket) {
	if p == nil {
		return
	}
	*p = MeshPacket{}
	pp.free = append(pp.free, p)
	pp.live--
}

// Live reports how many packets are allocated and not yet released.
func (pp *PacketPool) Live() int {
	return pp.live
}
