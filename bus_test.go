package busphy

import "testing"

func newTestBus(cfg Config) (*Bus, *fakePin, *fakeEngine, *fakeTimer) {
	pin := newFakePin()
	engine := newFakeEngine()
	timer := newFakeTimer()
	b := NewBus(cfg, pin, engine, timer, fakeEntropy{value: 1})
	return b, pin, engine, timer
}

func validFrame(t *testing.T, payload string) []byte {
	t.Helper()
	p, err := NewPacket([]byte(payload), 1, 2, 0xAA, true)
	if err != nil {
		t.Fatalf("NewPacket: %v", err)
	}
	p.CRC = p.ComputeCRC()
	buf, err := p.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	return buf
}

// Scenario 1: loopback — a falling edge followed by a completed receive
// delivers a well-formed packet to GetPacket.
func TestBusLoopbackDeliversPacket(t *testing.T) {
	b, pin, engine, _ := newTestBus(DefaultConfig())
	if err := b.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer b.Stop()

	pin.triggerFallingEdge()
	if got := b.GetState(); got != StateReceiving {
		t.Fatalf("state after falling edge = %v, want Receiving", got)
	}

	frame := validFrame(t, "hello")
	engine.completeRX(frame)

	p, ok := b.GetPacket()
	if !ok {
		t.Fatal("expected a packet to be queued")
	}
	if string(p.Payload()) != "hello" {
		t.Fatalf("payload = %q, want %q", p.Payload(), "hello")
	}
	if got := b.GetState(); got != StateListeningForPulse {
		t.Fatalf("state after receive = %v, want ListeningForPulse", got)
	}
}

// Scenario 2: a corrupted frame increments BusUARTErrors (not a distinct CRC
// counter — spec.md §4.4) and emits EventCrcError instead of queuing a
// packet.
func TestBusCorruptFrameIsDropped(t *testing.T) {
	b, pin, engine, _ := newTestBus(DefaultConfig())
	var events []EventCode
	b.OnEvent(func(e Event) { events = append(events, e.Code) })

	if err := b.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer b.Stop()

	pin.triggerFallingEdge()
	frame := validFrame(t, "hello")
	frame[HeaderSize] ^= 0xFF // corrupt the payload
	engine.completeRX(frame)

	if _, ok := b.GetPacket(); ok {
		t.Fatal("corrupt frame should not be queued")
	}
	if got := b.GetDiagnostics().BusUARTErrors; got != 1 {
		t.Fatalf("BusUARTErrors = %d, want 1", got)
	}
	found := false
	for _, e := range events {
		if e == EventCrcError {
			found = true
		}
	}
	if !found {
		t.Fatal("expected EventCrcError to be emitted")
	}
}

// Scenario 3: an RX that never completes within the deadline drives the bus
// into ErrorRecovery with ErrorBusTimeout.
func TestBusRxTimeoutEntersErrorRecovery(t *testing.T) {
	b, pin, _, timer := newTestBus(DefaultConfig())
	if err := b.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer b.Stop()

	pin.triggerFallingEdge()
	deadline := computeRxDeadlineUs(DefaultConfig().Baud, MaxFrameSize)
	timer.Advance(deadline + 1)

	if got := b.GetState(); got != StateErrorRecovery {
		t.Fatalf("state = %v, want ErrorRecovery", got)
	}
	if got := b.GetErrorState(); got != ErrorBusTimeout {
		t.Fatalf("error state = %v, want ErrorBusTimeout", got)
	}

	// After BusNormalityPeriod the bus should quiesce back to listening.
	timer.Advance(BusNormalityPeriod + 1)
	if got := b.GetState(); got != StateListeningForPulse {
		t.Fatalf("state after quiesce = %v, want ListeningForPulse", got)
	}
}

// Scenario 4: while the bus is mid-receive, a queued send is deferred rather
// than driving the line — no drain is attempted until the RX completes, at
// which point the packet goes out after a jittered back-off.
func TestBusSendWhileReceivingDefersTransmitUntilRxCompletes(t *testing.T) {
	b, pin, engine, timer := newTestBus(DefaultConfig())
	if err := b.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer b.Stop()

	pin.triggerFallingEdge() // instance A is mid-RX
	if got := b.GetState(); got != StateReceiving {
		t.Fatalf("state = %v, want Receiving", got)
	}

	p, _ := NewPacket([]byte("retry-me"), 1, 1, 1, false)
	if err := b.Send(p); err != nil {
		t.Fatalf("Send: %v", err)
	}

	// Ticks while still Receiving must never start a drain.
	timer.Advance(1)
	if got := b.GetState(); got != StateReceiving {
		t.Fatalf("state = %v, want Receiving (TX must wait for RX to finish)", got)
	}
	if got := b.tx.len(); got != 1 {
		t.Fatalf("tx queue len = %d, want 1 (packet still queued)", got)
	}

	frame := validFrame(t, "incoming")
	pin.Release() // the remote has finished its frame and let the line float high
	engine.completeRX(frame)
	if got := b.GetState(); got != StateListeningForPulse {
		t.Fatalf("state after RX complete = %v, want ListeningForPulse", got)
	}

	timer.Advance(1) // drain attempt now runs
	if got := b.GetState(); got != StateTransmitting {
		t.Fatalf("state = %v, want Transmitting once RX has completed", got)
	}
	if got := b.tx.len(); got != 1 {
		t.Fatalf("tx queue len = %d, want 1 (not yet released)", got)
	}
}

// The other half of collision back-off: sampling the line low during the TX
// drain sequence (spec.md §4.3 step 2) synthesizes a falling-edge entry into
// Receiving instead of driving the start pulse, and leaves the packet queued
// for the next drain attempt.
func TestBusLineHeldLowDuringDrainSynthesizesReceiving(t *testing.T) {
	b, pin, engine, timer := newTestBus(DefaultConfig())
	if err := b.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer b.Stop()

	p, _ := NewPacket([]byte("retry-me"), 1, 1, 1, false)
	if err := b.Send(p); err != nil {
		t.Fatalf("Send: %v", err)
	}

	pin.level = LevelLow // another device already holds the bus
	timer.Advance(1)

	if got := b.GetState(); got != StateReceiving {
		t.Fatalf("state = %v, want Receiving (synthesized entry)", got)
	}
	if got := b.tx.len(); got != 1 {
		t.Fatalf("tx queue len = %d, want 1 (packet retained for retry)", got)
	}
	if engine.mode != ModeRx {
		t.Fatalf("engine mode = %v, want ModeRx (DMA armed for receive)", engine.mode)
	}
}

// Scenario 5: once the TX queue is at capacity, further sends fail with
// ErrNoResources and are counted as drops.
func TestBusSendReturnsNoResourcesWhenQueueFull(t *testing.T) {
	b, _, _, _ := newTestBus(Config{Baud: DefaultBaud, TXQueueCapacity: 1, RXQueueCapacity: 1})
	if err := b.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer b.Stop()

	p1, _ := NewPacket([]byte("a"), 0, 0, 0, false)
	p2, _ := NewPacket([]byte("b"), 0, 0, 0, false)

	if err := b.Send(p1); err != nil {
		t.Fatalf("first Send: %v", err)
	}
	if err := b.Send(p2); err != ErrNoResources {
		t.Fatalf("second Send err = %v, want ErrNoResources", err)
	}
	if got := b.GetDiagnostics().TXQueueDrops; got != 1 {
		t.Fatalf("TXQueueDrops = %d, want 1", got)
	}
}

// Scenario 6: calling Start while the pin reads low synthesizes a
// falling-edge entry, begins DMA RX, and either completes a valid packet
// (as here) or times out per scenario 3.
func TestBusStartWithLineAlreadyLow(t *testing.T) {
	b, pin, engine, _ := newTestBus(DefaultConfig())
	pin.level = LevelLow // line held low before Start is ever called

	if err := b.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer b.Stop()

	if got := b.GetState(); got != StateReceiving {
		t.Fatalf("state = %v, want Receiving (synthesized entry)", got)
	}
	if engine.mode != ModeRx {
		t.Fatalf("engine mode = %v, want ModeRx (DMA armed for receive)", engine.mode)
	}

	frame := validFrame(t, "hold")
	engine.completeRX(frame)

	p, ok := b.GetPacket()
	if !ok {
		t.Fatal("expected a packet to be queued")
	}
	if string(p.Payload()) != "hold" {
		t.Fatalf("payload = %q, want %q", p.Payload(), "hold")
	}
	if got := b.GetState(); got != StateListeningForPulse {
		t.Fatalf("state after receive = %v, want ListeningForPulse", got)
	}
}

// Scenario 6, timeout branch: if the synthesized RX never completes within
// the deadline, the bus enters ErrorRecovery exactly as scenario 3 describes
// for a genuine edge.
func TestBusStartWithLineAlreadyLowTimesOut(t *testing.T) {
	b, pin, _, timer := newTestBus(DefaultConfig())
	pin.level = LevelLow

	if err := b.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer b.Stop()

	if got := b.GetState(); got != StateReceiving {
		t.Fatalf("state = %v, want Receiving (synthesized entry)", got)
	}

	deadline := computeRxDeadlineUs(DefaultConfig().Baud, MaxFrameSize)
	timer.Advance(deadline + 1)

	if got := b.GetState(); got != StateErrorRecovery {
		t.Fatalf("state = %v, want ErrorRecovery", got)
	}
	if got := b.GetErrorState(); got != ErrorBusTimeout {
		t.Fatalf("error state = %v, want ErrorBusTimeout", got)
	}
}

// Transmitting+DataSent (spec.md §4.3 E2): a successful send releases the TX
// slot, counts the packet, and returns to ListeningForPulse with a back-off
// window set so the next drain does not fire immediately.
func TestBusTxCompleteReleasesSlotAndReschedules(t *testing.T) {
	b, _, engine, timer := newTestBus(DefaultConfig())
	if err := b.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer b.Stop()

	p, _ := NewPacket([]byte("gone"), 0, 0, 0, false)
	if err := b.Send(p); err != nil {
		t.Fatalf("Send: %v", err)
	}

	timer.Advance(1) // pulse, phase -> txPulsed
	timer.Advance(MinInterLoDataSpacing + 1) // phase -> txSending, StartTX issued

	engine.completeTX(len("gone"))

	if got := b.GetState(); got != StateListeningForPulse {
		t.Fatalf("state after send = %v, want ListeningForPulse", got)
	}
	if got := b.tx.len(); got != 0 {
		t.Fatalf("tx queue len = %d, want 0 (slot released)", got)
	}
	if got := b.GetDiagnostics().PacketsSent; got != 1 {
		t.Fatalf("PacketsSent = %d, want 1", got)
	}
}

// Receiving+Error (spec.md §4.3 E2): a failed receive aborts the DMA and
// enters ErrorRecovery without touching the TX queue.
func TestBusTransferErrorWhileReceiving(t *testing.T) {
	b, pin, engine, _ := newTestBus(DefaultConfig())
	if err := b.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer b.Stop()

	pin.triggerFallingEdge()
	if got := b.GetState(); got != StateReceiving {
		t.Fatalf("state = %v, want Receiving", got)
	}

	engine.fail()

	if got := b.GetState(); got != StateErrorRecovery {
		t.Fatalf("state = %v, want ErrorRecovery", got)
	}
	if got := b.GetErrorState(); got != ErrorBusUART {
		t.Fatalf("error state = %v, want ErrorBusUART", got)
	}
	if got := b.GetDiagnostics().BusUARTErrors; got != 1 {
		t.Fatalf("BusUARTErrors = %d, want 1", got)
	}
	if engine.aborts == 0 {
		t.Fatal("expected the transfer engine to be aborted")
	}
}

// Transmitting+Error (spec.md §4.3 E2): a failed transmit releases the TX
// slot in addition to entering ErrorRecovery, so the failed packet is not
// silently retried.
func TestBusTransferErrorWhileTransmittingReleasesSlot(t *testing.T) {
	b, _, engine, timer := newTestBus(DefaultConfig())
	if err := b.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer b.Stop()

	p, _ := NewPacket([]byte("lost"), 0, 0, 0, false)
	if err := b.Send(p); err != nil {
		t.Fatalf("Send: %v", err)
	}

	timer.Advance(1)
	timer.Advance(MinInterLoDataSpacing + 1) // phase -> txSending, StartTX issued
	if got := b.GetState(); got != StateTransmitting {
		t.Fatalf("state = %v, want Transmitting", got)
	}

	engine.fail()

	if got := b.GetState(); got != StateErrorRecovery {
		t.Fatalf("state = %v, want ErrorRecovery", got)
	}
	if got := b.GetDiagnostics().BusUARTErrors; got != 1 {
		t.Fatalf("BusUARTErrors = %d, want 1", got)
	}
	if got := b.tx.len(); got != 0 {
		t.Fatalf("tx queue len = %d, want 0 (failed packet released, not retried)", got)
	}
}
