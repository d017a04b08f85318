// Package radio drives the serial-attached LoRa modem: framing, the reader
// loop, and the retransmission interval oracle consumed by the router.
package radio

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"sync"

	"go.bug.st/serial"

	"meshnode/internal/mesh"
)

// Config holds serial link parameters.
type Config struct {
	Port string
	Baud int

	// BitrateBps is the effective on-air bitrate for the configured modem
	// preset, used to estimate airtime for retransmission scheduling.
	BitrateBps int
}

// SerialLink is the modem transport. Transmit may be called only from the
// mesh service goroutine; received packets are delivered on Packets.
type SerialLink struct {
	port    serial.Port
	reader  *bufio.Reader
	logger  *slog.Logger
	bitrate int

	writeMu sync.Mutex
	rxCh    chan *mesh.MeshPacket

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewSerialLink opens the modem port and starts the reader loop.
func NewSerialLink(cfg Config, logger *slog.Logger) (*SerialLink, error) {
	mode := &serial.Mode{
		BaudRate: cfg.Baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(cfg.Port, mode)
	if err != nil {
		return nil, fmt.Errorf("radio: open %s: %w", cfg.Port, err)
	}

	bitrate := cfg.BitrateBps
	if bitrate <= 0 {
		bitrate = 5469 // long-range default preset
	}

	l := &SerialLink{
		port:    port,
		reader:  bufio.NewReader(port),
		logger:  logger.With("component", "radio"),
		bitrate: bitrate,
		rxCh:    make(chan *mesh.MeshPacket, 32),
		done:    make(chan struct{}),
	}
	l.wg.Add(1)
	go l.readLoop()
	return l, nil
}

// Packets returns the inbound packet channel.
func (l *SerialLink) Packets() <-chan *mesh.MeshPacket {
	return l.rxCh
}

// Transmit frames and writes one packet to the modem.
func (l *SerialLink) Transmit(p *mesh.MeshPacket) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if err := mesh.WriteFrame(l.port, p); err != nil {
		return fmt.Errorf("radio transmit: %w", err)
	}
	return nil
}

// RetransmissionMsec is the interval oracle: enough time for the packet to
// go out, a neighbor to rebroadcast or ack, and the reply to come back,
// plus jitter so colliding retransmitters spread out.
func (l *SerialLink) RetransmissionMsec(p *mesh.MeshPacket) uint32 {
	size := 32
	if p.Decoded != nil {
		size += len(p.Decoded.Payload)
	}
	airtime := uint32(size*8*1000) / uint32(l.bitrate)
	return 4*airtime + 5000 + rand.Uint32N(2000)
}

func (l *SerialLink) readLoop() {
	defer l.wg.Done()
	for {
		p, err := mesh.ReadFrame(l.reader)
		if err != nil {
			select {
			case <-l.done:
				return
			default:
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				l.logger.Error("modem closed the port")
				return
			}
			l.logger.Warn("bad frame from modem", "err", err)
			continue
		}
		select {
		case l.rxCh <- p:
		case <-l.done:
			return
		default:
			l.logger.Warn("rx queue full, dropping packet", "id", p.GlobalId())
		}
	}
}

// Close stops the reader and closes the port.
func (l *SerialLink) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		err = l.port.Close()
		l.wg.Wait()
	})
	return err
}
