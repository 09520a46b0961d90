package busphy

// State is one of the five bus-lifecycle states (spec.md §4.3).
type State uint8

const (
	StateOff State = iota
	StateListeningForPulse
	StateReceiving
	StateTransmitting
	StateErrorRecovery
)

// txPhase tracks progress through the transmit drain sequence (spec.md §4.3
// step 4): drive the start pulse, wait the inter-lo-data spacing, then hand
// the frame to the Transfer Engine. The DataSent completion (E2) carries the
// transition back to ListeningForPulse; there is no separate post-send wait
// phase here.
type txPhase uint8

const (
	txIdle txPhase = iota
	txPulsed
	txSending
)

// Bus is the physical/link-layer state machine (spec.md §4.3): it owns the
// bus state, the RX/TX ring queues, and the three event-source handlers
// (E1 falling edge, E2 transfer complete, E3 timer tick). It never drives
// hardware directly — every side effect goes through the Pin, TransferEngine,
// Timer, and Entropy capabilities supplied to NewBus.
type Bus struct {
	cfg Config

	pin     Pin
	engine  TransferEngine
	timer   Timer
	entropy Entropy

	onEvent func(Event)

	cs    criticalSection
	state State
	err   ErrorKind

	running bool

	rx *packetQueue
	tx *packetQueue

	diag Diagnostics

	stateEnteredAt  uint64
	lowSince        uint64
	lowPulseActive  bool
	lastStatusLevel Level
	statusLevelSet  bool

	rxBuf [MaxFrameSize]byte

	phase        txPhase
	phaseUntil   uint64
	txFrame      []byte
	backoffUntil uint64
}

// NewBus constructs a Bus. cfg.withDefaults() fills in any zero fields.
func NewBus(cfg Config, pin Pin, engine TransferEngine, timer Timer, entropy Entropy) *Bus {
	cfg = cfg.withDefaults()
	return &Bus{
		cfg:     cfg,
		pin:     pin,
		engine:  engine,
		timer:   timer,
		entropy: entropy,
		rx:      newPacketQueue(cfg.RXQueueCapacity),
		tx:      newPacketQueue(cfg.TXQueueCapacity),
	}
}

// Start arms the capability callbacks and enters ListeningForPulse. It is an
// error to call Start on an already-running Bus.
func (b *Bus) Start() error {
	b.cs.enter()
	if b.running {
		b.cs.exit()
		return ErrInvalidParameter
	}
	b.running = true
	b.state = StateListeningForPulse
	b.stateEnteredAt = b.timer.NowMicros()
	b.cs.exit()

	b.engine.SetBaud(b.cfg.Baud)
	b.engine.SetMode(ModeDisconnected)
	b.engine.OnComplete(b.handleTransferComplete)
	b.pin.OnFallingEdge(b.handleFallingEdge)
	b.timer.OnTick(b.handleTick)
	b.pin.EnableEdgeEvent(true)

	activeBus.Store(b)
	b.emit(EventBusConnected, ErrorNone)

	if b.pin.ReadLevel() != LevelHigh {
		// The line is already held low: no edge will ever fire for it,
		// so synthesize the Receiving entry ourselves (spec.md §8
		// scenario 6).
		b.beginReceiving()
	}
	return nil
}

// Stop aborts any in-flight transfer, disarms edge detection, and returns to
// Off. Queued but undelivered packets are discarded.
func (b *Bus) Stop() {
	b.cs.enter()
	if !b.running {
		b.cs.exit()
		return
	}
	b.running = false
	b.state = StateOff
	b.cs.exit()

	b.pin.DisableEdgeEvent()
	b.engine.Abort()
	b.engine.SetMode(ModeDisconnected)
	b.rx.drain()
	b.tx.drain()

	activeBus.CompareAndSwap(b, nil)
	b.emit(EventBusDisconnected, ErrorNone)
}

// IsRunning reports whether the state machine has been started and not
// since stopped.
func (b *Bus) IsRunning() bool {
	b.cs.enter()
	defer b.cs.exit()
	return b.running && b.state != StateOff
}

// IsConnected reports whether the bus is running and not currently
// quiesced in ErrorRecovery.
func (b *Bus) IsConnected() bool {
	b.cs.enter()
	defer b.cs.exit()
	return b.running && b.state != StateOff && b.state != StateErrorRecovery
}

// GetState returns the current bus state.
func (b *Bus) GetState() State {
	b.cs.enter()
	defer b.cs.exit()
	return b.state
}

// GetErrorState returns the error that most recently drove the bus into
// ErrorRecovery, or ErrorNone.
func (b *Bus) GetErrorState() ErrorKind {
	b.cs.enter()
	defer b.cs.exit()
	return b.err
}

// GetDiagnostics returns a snapshot of the lifetime counters.
func (b *Bus) GetDiagnostics() Diagnostics {
	b.cs.enter()
	defer b.cs.exit()
	return b.diag
}

// GetStatus reports the current status bitmask (spec.md §6).
func (b *Bus) GetStatus() StatusBits {
	b.cs.enter()
	defer b.cs.exit()
	var s StatusBits
	switch b.state {
	case StateReceiving:
		s |= StatusReceiving
	case StateTransmitting:
		s |= StatusTransmitting
	}
	if b.lowPulseActive {
		if b.state == StateTransmitting {
			s |= StatusTxLoPulse
		} else {
			s |= StatusRxLoPulse
		}
	}
	s |= b.err.statusBit()
	if b.running {
		s |= StatusRunning | StatusTickEnabled
	}

	// StatusBusState mirrors a live read of the line, the way the
	// upstream get_state() derives its High/Low result when neither
	// Receiving nor Transmitting is active (spec.md §6, §9). StatusBusToggled
	// latches whether that level differs from the one observed at the
	// previous GetStatus call, so a poller can tell an idle-high bus from
	// one that just flipped without needing an edge subscription.
	level := b.pin.ReadLevel()
	if level == LevelHigh {
		s |= StatusBusState
	}
	if b.statusLevelSet && level != b.lastStatusLevel {
		s |= StatusBusToggled
	}
	b.lastStatusLevel = level
	b.statusLevelSet = true
	return s
}

// OnEvent registers the callback invoked for every emitted Event. Only one
// callback is supported; registering again replaces the previous one.
func (b *Bus) OnEvent(cb func(Event)) {
	b.cs.enter()
	defer b.cs.exit()
	b.onEvent = cb
}

// GetPacket pops the oldest received packet, if any.
func (b *Bus) GetPacket() (*Packet, bool) {
	return b.rx.pop()
}

// Send enqueues p for transmission. It returns ErrNoResources if the TX
// queue is at capacity (spec.md §7); it does not block.
func (b *Bus) Send(p *Packet) error {
	if p == nil {
		return ErrInvalidParameter
	}
	if int(p.Size) > MaxPayloadSize {
		return ErrInvalidParameter
	}
	p.CRC = p.ComputeCRC()
	if !b.tx.push(p) {
		b.cs.enter()
		b.diag.TXQueueDrops++
		b.cs.exit()
		return ErrNoResources
	}
	return nil
}

// SendRaw builds a Packet from data and enqueues it. See DESIGN.md for the
// resolution of spec.md's ambiguous convenience-send signature.
func (b *Bus) SendRaw(data []byte, serviceNumber, serviceCommand uint8, device uint64, isRecipient bool) error {
	p, err := NewPacket(data, serviceNumber, serviceCommand, device, isRecipient)
	if err != nil {
		return err
	}
	return b.Send(p)
}

// emit delivers an Event to the registered OnEvent callback, if any.
func (b *Bus) emit(code EventCode, kind ErrorKind) {
	b.cs.enter()
	cb := b.onEvent
	b.cs.exit()
	if cb != nil {
		cb(Event{Code: code, Err: kind})
	}
}

// setState transitions the state machine and records the entry timestamp
// used by the E3 tick handler for timeout/spacing arithmetic.
func (b *Bus) setState(s State) {
	b.cs.enter()
	b.state = s
	b.stateEnteredAt = b.timer.NowMicros()
	b.diag.StateTransitions++
	b.cs.exit()
}

// errorState records kind, transitions into ErrorRecovery, and emits the
// matching diagnostics/events (spec.md §7).
func (b *Bus) errorState(kind ErrorKind) {
	b.cs.enter()
	b.err = kind
	switch kind {
	case ErrorBusLo:
		b.diag.BusLoErrors++
	case ErrorBusTimeout:
		b.diag.BusTimeoutErrors++
	case ErrorBusUART:
		b.diag.BusUARTErrors++
	}
	b.phase = txIdle
	b.txFrame = nil
	b.cs.exit()

	b.engine.Abort()
	b.engine.SetMode(ModeDisconnected)
	b.setState(StateErrorRecovery)
	b.emit(EventBusError, kind)
}

// handleFallingEdge is E1: invoked from the Pin capability whenever an
// armed falling edge occurs on the shared line. Permitted in
// ListeningForPulse only — any other active state ignores the edge, guarding
// against spurious edges from our own TX pulses (spec.md §4.3 E1). Collision
// detection against another device driving the line during our own drain
// attempt is handled separately, by sampling the line in tryStartTransmit,
// not by reacting to edges while Transmitting.
func (b *Bus) handleFallingEdge() {
	if b.GetState() != StateListeningForPulse {
		return
	}
	b.beginReceiving()
}

// beginReceiving enters Receiving and arms the Transfer Engine for a DMA
// read, whether triggered by a genuine falling edge (E1) or synthesized
// because the line was already held low by another device when we sampled
// it (spec.md §4.3 TX drain step 2; §8 scenario 6, "start while line low").
func (b *Bus) beginReceiving() {
	b.cs.enter()
	b.lowPulseActive = true
	b.lowSince = b.timer.NowMicros()
	b.cs.exit()
	b.setState(StateReceiving)
	b.engine.SetMode(ModeRx)
	if err := b.engine.StartRX(b.rxBuf[:]); err != nil {
		b.errorState(ErrorBusUART)
	}
}

// handleTransferComplete is E2: invoked from the TransferEngine capability
// when a DMA receive or transmit finishes.
func (b *Bus) handleTransferComplete(status TransferStatus, n int) {
	switch status {
	case StatusDataReceived:
		b.handleRxComplete(n)
	case StatusDataSent:
		b.handleTxComplete()
	case StatusError:
		b.handleTransferError()
	}
}

// handleTransferError is E2's Error branch. spec.md §4.3 gives it a
// different shape depending on which half was in flight: Receiving+Error
// just aborts the DMA (errorState does that via engine.Abort); Transmitting+
// Error additionally releases the TX queue head, since otherwise a packet
// that failed to go out would be silently retried rather than released.
func (b *Bus) handleTransferError() {
	if b.GetState() == StateTransmitting {
		b.tx.pop()
	}
	b.errorState(ErrorBusUART)
}

func (b *Bus) handleRxComplete(n int) {
	b.cs.enter()
	b.lowPulseActive = false
	b.cs.exit()

	p, err := UnmarshalPacket(b.rxBuf[:n])
	switch err {
	case nil:
		b.cs.enter()
		b.diag.PacketsReceived++
		b.cs.exit()
		if !b.rx.push(p) {
			b.cs.enter()
			b.diag.RXQueueDrops++
			b.cs.exit()
		}
		b.emit(EventDataReady, ErrorNone)
	case ErrCRCMismatch:
		// A CRC failure is dropped and counted as a UART error, not a
		// timeout or a distinct CRC counter (spec.md §4.4, §8 scenario 2).
		b.cs.enter()
		b.diag.BusUARTErrors++
		b.cs.exit()
		b.emit(EventCrcError, ErrorNone)
	default:
		b.cs.enter()
		b.diag.BusUARTErrors++
		b.cs.exit()
		b.emit(EventCrcError, ErrorNone)
	}

	b.engine.SetMode(ModeDisconnected)
	b.setState(StateListeningForPulse)
}

// handleTxComplete is E2's Transmitting+DataSent branch: release the TX
// slot, count the send, and schedule the next drain attempt after a
// randomized back-off (spec.md §4.3 step 4 / E2), floored at
// MinInterFrameSpacing so two packets are never driven back-to-back with no
// idle-high gap between them.
func (b *Bus) handleTxComplete() {
	b.tx.pop()
	jitter := uint64(b.entropy.RandomBelow(TxMaxBackoff))
	backoff := constrain(jitter, uint64(MinInterFrameSpacing), uint64(TxMaxBackoff))
	b.cs.enter()
	b.diag.PacketsSent++
	b.phase = txIdle
	b.txFrame = nil
	b.backoffUntil = b.timer.NowMicros() + backoff
	b.cs.exit()
	b.engine.SetMode(ModeDisconnected)
	b.setState(StateListeningForPulse)
	b.emit(EventDrain, ErrorNone)
}

// handleTick is E3: invoked periodically by the Timer capability. It drives
// RX timeout detection, low-pulse (stuck line) surveillance, the transmit
// drain sequence's timed waits, and CSMA back-off scheduling.
func (b *Bus) handleTick() {
	now := b.timer.NowMicros()

	switch b.GetState() {
	case StateReceiving:
		if b.pin.ReadLevel() == LevelHigh {
			// The start pulse has ended; only a line still held low counts
			// towards low-pulse surveillance.
			b.cs.enter()
			b.lowPulseActive = false
			b.cs.exit()
		}
		b.cs.enter()
		deadline := b.stateEnteredAt + computeRxDeadlineUs(b.cfg.Baud, MaxFrameSize)
		lowStuck := b.lowPulseActive && now-b.lowSince > MaxInterLoDataSpacing
		b.cs.exit()
		if now > deadline {
			b.emit(EventRxTimeout, ErrorBusTimeout)
			b.errorState(ErrorBusTimeout)
			return
		}
		if lowStuck {
			b.errorState(ErrorBusLo)
			return
		}
		if b.tx.len() > 0 {
			// A drain attempt while Receiving is pushed back by a
			// randomized back-off rather than run (TX drain step 1).
			jitter := uint64(b.entropy.RandomBelow(TxMaxBackoff))
			b.cs.enter()
			b.backoffUntil = now + jitter
			b.cs.exit()
		}

	case StateTransmitting:
		b.tickTransmitting(now)
		return

	case StateErrorRecovery:
		b.cs.enter()
		done := now-b.stateEnteredAt > BusNormalityPeriod
		b.cs.exit()
		if done {
			b.cs.enter()
			b.err = ErrorNone
			b.cs.exit()
			b.setState(StateListeningForPulse)
		}
		return
	}

	if b.GetState() == StateListeningForPulse {
		b.tryStartTransmit(now)
	}
}

func (b *Bus) tickTransmitting(now uint64) {
	b.cs.enter()
	phase := b.phase
	until := b.phaseUntil
	b.cs.exit()

	if phase == txPulsed && now >= until {
		frame := b.txFrame
		b.cs.enter()
		b.phase = txSending
		b.cs.exit()
		b.engine.SetMode(ModeTx)
		if err := b.engine.StartTX(frame); err != nil {
			b.handleTransferError()
		}
	}
}

// tryStartTransmit begins the drain sequence for the head of the TX queue
// if the bus is idle, a packet is queued, and no back-off is pending.
func (b *Bus) tryStartTransmit(now uint64) {
	b.cs.enter()
	backoff := b.backoffUntil
	b.cs.exit()
	if now < backoff {
		return
	}
	p, ok := b.tx.peek()
	if !ok {
		return
	}
	if b.pin.ReadLevel() != LevelHigh {
		// Another device already holds the bus: synthesize our own
		// entry into Receiving rather than stepping on it, and leave
		// the queued packet in place for the next drain attempt
		// (spec.md §4.3 TX drain step 2).
		b.beginReceiving()
		return
	}

	frame, err := p.MarshalBinary()
	if err != nil {
		b.tx.pop()
		return
	}

	b.setState(StateTransmitting)
	b.cs.enter()
	b.txFrame = frame
	b.phase = txPulsed
	b.phaseUntil = now + MinInterLoDataSpacing
	b.cs.exit()
	b.pin.DriveLowFor(StartPulseWidth)
}
