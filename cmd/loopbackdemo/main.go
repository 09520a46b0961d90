// Command loopbackdemo wires up two in-process busphy.Bus instances over a
// simulated shared line and exchanges a single packet between them, the way
// the original hardware would look to an oscilloscope but without needing
// real silicon.
package main

import (
	"fmt"
	"sync"
	"time"

	"github.com/loopwire/busphy"
)

const Version = "0.1.0"

func main() {
	println("loopbackdemo - Version", Version)
	println("Two simulated busphy.Bus peers sharing one line")

	line := newSimLine()

	leftEngine := newSimEngine(line)
	rightEngine := newSimEngine(line)
	line.engines = []*simEngine{leftEngine, rightEngine}

	left := busphy.NewBus(busphy.DefaultConfig(), line.endpoint(), leftEngine, newSimTimer(), busphy.NewDefaultEntropy(1))
	right := busphy.NewBus(busphy.DefaultConfig(), line.endpoint(), rightEngine, newSimTimer(), busphy.NewDefaultEntropy(2))

	left.OnEvent(func(e busphy.Event) { fmt.Println("left event:", e.Code) })
	right.OnEvent(func(e busphy.Event) { fmt.Println("right event:", e.Code) })

	if err := left.Start(); err != nil {
		println("left failed to start:", err.Error())
		return
	}
	if err := right.Start(); err != nil {
		println("right failed to start:", err.Error())
		return
	}
	defer left.Stop()
	defer right.Stop()

	if err := right.SendRaw([]byte("hello over the wire"), 1, 1, 0x01, true); err != nil {
		println("send failed:", err.Error())
		return
	}

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(2 * time.Second)

	for {
		select {
		case <-ticker.C:
			if p, ok := left.GetPacket(); ok {
				fmt.Printf("left received %d bytes: %q\n", p.Size, p.Payload())
				return
			}
		case <-deadline:
			println("timed out waiting for the packet to arrive")
			return
		}
	}
}

// simLine is a software stand-in for the shared electrical line: a single
// level shared by every endpoint, with falling-edge callbacks fanned out to
// every other endpoint when one drives it low.
type simLine struct {
	mu      sync.Mutex
	high    bool
	pins    []*simPin
	engines []*simEngine
}

func newSimLine() *simLine {
	return &simLine{high: true}
}

func (l *simLine) endpoint() *simPin {
	p := &simPin{line: l}
	l.mu.Lock()
	l.pins = append(l.pins, p)
	l.mu.Unlock()
	return p
}

func (l *simLine) driveLow(from *simPin) {
	l.mu.Lock()
	l.high = false
	others := append([]*simPin(nil), l.pins...)
	l.mu.Unlock()
	for _, p := range others {
		if p != from {
			p.notifyFallingEdge()
		}
	}
}

func (l *simLine) release() {
	l.mu.Lock()
	l.high = true
	l.mu.Unlock()
}

func (l *simLine) level() busphy.Level {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.high {
		return busphy.LevelHigh
	}
	return busphy.LevelLow
}

// deliver hands frame to every other engine currently armed for receive,
// standing in for the real UART DMA actually moving bytes over the wire.
func (l *simLine) deliver(from *simEngine, frame []byte) {
	l.mu.Lock()
	others := append([]*simEngine(nil), l.engines...)
	l.mu.Unlock()
	for _, e := range others {
		if e != from {
			e.receive(frame)
		}
	}
}

type simPin struct {
	line    *simLine
	armed   bool
	falling func()
}

func (p *simPin) DriveLowFor(us uint32) {
	p.line.driveLow(p)
	time.Sleep(time.Duration(us) * time.Microsecond)
	p.line.release()
}

func (p *simPin) Release() { p.line.release() }

func (p *simPin) ReadLevel() busphy.Level { return p.line.level() }

func (p *simPin) EnableEdgeEvent(fallingOnly bool) { p.armed = true }

func (p *simPin) DisableEdgeEvent() { p.armed = false }

func (p *simPin) OnFallingEdge(cb func()) { p.falling = cb }

func (p *simPin) notifyFallingEdge() {
	if p.armed && p.falling != nil {
		go p.falling()
	}
}

// simEngine is a software stand-in for the DMA-driven UART. StartTX hands
// its buffer straight to the line, which copies it into any peer engine
// currently armed with StartRX — real hardware would shift it out one bit
// at a time, but the Transfer Engine contract only promises eventual
// completion, not the transport in between.
type simEngine struct {
	line   *simLine
	mu     sync.Mutex
	mode   busphy.TransferMode
	rxBuf  []byte
	onDone func(status busphy.TransferStatus, n int)
}

func newSimEngine(line *simLine) *simEngine { return &simEngine{line: line} }

func (e *simEngine) SetBaud(bps uint32) {}

func (e *simEngine) SetMode(m busphy.TransferMode) {
	e.mu.Lock()
	e.mode = m
	e.mu.Unlock()
}

func (e *simEngine) StartRX(buf []byte) error {
	e.mu.Lock()
	e.rxBuf = buf
	e.mu.Unlock()
	return nil
}

func (e *simEngine) StartTX(buf []byte) error {
	go func() {
		time.Sleep(time.Millisecond)
		e.line.deliver(e, buf)
		if e.onDone != nil {
			e.onDone(busphy.StatusDataSent, len(buf))
		}
	}()
	return nil
}

func (e *simEngine) Abort() {
	e.mu.Lock()
	e.mode = busphy.ModeDisconnected
	e.rxBuf = nil
	e.mu.Unlock()
}

func (e *simEngine) OnComplete(cb func(status busphy.TransferStatus, n int)) { e.onDone = cb }

// receive is invoked by the line when a peer engine finishes a transmit
// while this engine is armed for receive.
func (e *simEngine) receive(frame []byte) {
	e.mu.Lock()
	mode, buf := e.mode, e.rxBuf
	e.mu.Unlock()
	if mode != busphy.ModeRx || buf == nil {
		return
	}
	n := copy(buf, frame)
	if e.onDone != nil {
		e.onDone(busphy.StatusDataReceived, n)
	}
}

// simTimer drives periodic ticks off a real wall clock.
type simTimer struct {
	start time.Time
	onTick func()
}

func newSimTimer() *simTimer {
	t := &simTimer{start: time.Now()}
	go func() {
		ticker := time.NewTicker(100 * time.Microsecond)
		defer ticker.Stop()
		for range ticker.C {
			if t.onTick != nil {
				t.onTick()
			}
		}
	}()
	return t
}

func (t *simTimer) NowMicros() uint64 {
	return uint64(time.Since(t.start).Microseconds())
}

func (t *simTimer) OnTick(cb func()) { t.onTick = cb }
