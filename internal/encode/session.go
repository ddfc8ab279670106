package encode

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/smazurov/encnode/internal/device"
	"github.com/smazurov/encnode/internal/logging"
	"github.com/smazurov/encnode/internal/pixel"
)

// State names a point in the session lifecycle.
type State string

const (
	StateUnconfigured State = "unconfigured"
	StateConfigured   State = "configured"
	StateRunning      State = "running"
	StateFlushing     State = "flushing"
	StateClosed       State = "closed"
)

// Session drives one device encoder through its lifecycle: Configure
// validates parameters against device capabilities, Start allocates the
// frame buffer pool and opens the encoder, Submit feeds frames, Flush
// drains, Close releases everything. Frame submission is single-producer;
// a collector goroutine receives finished packets and recycles their
// buffers into the pool.
type Session struct {
	log    *slog.Logger
	devctx device.Context

	mu        sync.Mutex
	state     State
	params    Params
	geo       pixel.Geometry
	enc       device.Encoder
	pool      *Pool
	inflight  map[int]device.Buffer
	pending   []device.Packet
	submitted int
	collected int

	wg sync.WaitGroup
}

// NewSession creates an unconfigured session on an open device context.
// The session does not own the context.
func NewSession(devctx device.Context) *Session {
	return &Session{
		log:    logging.GetLogger("encode"),
		devctx: devctx,
		state:  StateUnconfigured,
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// FramesSubmitted returns how many frames have been accepted by Submit.
func (s *Session) FramesSubmitted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.submitted
}

// PacketsCollected returns how many encoded packets have completed.
func (s *Session) PacketsCollected() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.collected
}

// Geometry returns the input frame layout. Valid once Start has succeeded.
func (s *Session) Geometry() pixel.Geometry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.geo
}

// PoolCap returns the number of frame buffers allocated by Start.
func (s *Session) PoolCap() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pool == nil {
		return 0
	}
	return s.pool.Cap()
}

// InFlight returns how many frame buffers the encoder currently holds.
func (s *Session) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pool == nil {
		return 0
	}
	return s.pool.InFlight()
}

// Configure validates p against the device and stores it. On failure the
// session keeps its previous parameters and state. Allowed before Start,
// repeatedly.
func (s *Session) Configure(p Params) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateUnconfigured && s.state != StateConfigured {
		return fmt.Errorf("%w: configure in state %s", ErrInvalidState, s.state)
	}
	p = p.withDefaults()
	if err := p.validate(s.devctx.Device().Caps); err != nil {
		return err
	}
	s.params = p
	s.state = StateConfigured
	s.log.Debug("session configured",
		"codec", p.Codec, "format", p.Format,
		"width", p.Width, "height", p.Height,
		"vidmem", p.OutputInVideoMemory)
	return nil
}

// Start opens the device encoder and allocates the frame buffer pool. On
// failure everything partially allocated is released and the session stays
// configured.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConfigured {
		return fmt.Errorf("%w: start in state %s", ErrInvalidState, s.state)
	}

	enc, err := s.devctx.NewEncoder(device.EncoderConfig{
		Codec:               s.params.Codec,
		Format:              s.params.Format,
		Width:               s.params.Width,
		Height:              s.params.Height,
		Preset:              s.params.Preset,
		RateControl:         s.params.RateControl,
		Bitrate:             s.params.Bitrate,
		GOPLength:           s.params.GOPLength,
		BFrames:             s.params.BFrames,
		Lookahead:           s.params.Lookahead,
		OutputInVideoMemory: s.params.OutputInVideoMemory,
	})
	if err != nil {
		return err
	}
	pool, err := NewPool(s.devctx, s.params.poolSize(), enc.InputSize())
	if err != nil {
		enc.Close()
		return err
	}
	geo, err := pixel.Layout(s.params.Format, s.params.Width, s.params.Height, enc.InputPitch())
	if err != nil {
		pool.Close()
		enc.Close()
		return err
	}

	s.enc = enc
	s.pool = pool
	s.geo = geo
	s.inflight = make(map[int]device.Buffer)
	s.pending = nil
	s.submitted = 0
	s.collected = 0
	s.state = StateRunning
	s.wg.Add(1)
	go s.collect()
	s.log.Info("session started",
		"buffers", pool.Cap(), "pitch", geo.Pitch, "frame_bytes", enc.InputSize())
	return nil
}

// collect receives finished packets until the encoder closes its channel,
// recycling each frame's buffer into the pool.
func (s *Session) collect() {
	defer s.wg.Done()
	for pkt := range s.enc.Packets() {
		s.mu.Lock()
		s.pending = append(s.pending, pkt)
		s.collected++
		buf := s.inflight[pkt.FrameIndex]
		delete(s.inflight, pkt.FrameIndex)
		s.mu.Unlock()
		if buf != nil {
			s.pool.release(buf)
		}
	}
}

// Acquire returns a free frame buffer, blocking while the encoder holds
// all of them.
func (s *Session) Acquire(ctx context.Context) (device.Buffer, error) {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: acquire in state %s", ErrInvalidState, s.state)
	}
	pool := s.pool
	s.mu.Unlock()
	return pool.Acquire(ctx)
}

// Submit queues an acquired buffer for encoding. The buffer goes back to
// the pool when its packet completes. Returns whatever packets have
// completed since the last call, in submission order.
func (s *Session) Submit(buf device.Buffer, stream device.Stream) ([]device.Packet, error) {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: submit in state %s", ErrInvalidState, s.state)
	}
	index := s.submitted
	s.inflight[index] = buf
	s.submitted++
	enc := s.enc
	s.mu.Unlock()

	if err := enc.Submit(buf, index, stream); err != nil {
		s.mu.Lock()
		delete(s.inflight, index)
		s.submitted--
		s.mu.Unlock()
		s.pool.release(buf)
		return nil, err
	}
	return s.takePending(), nil
}

// Flush drains the encoder and waits until every submitted frame has
// produced a packet. Returns the remaining packets in submission order.
// After Flush only Close is allowed.
func (s *Session) Flush(ctx context.Context) ([]device.Packet, error) {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: flush in state %s", ErrInvalidState, s.state)
	}
	s.state = StateFlushing
	enc := s.enc
	frames := s.submitted
	s.mu.Unlock()

	if err := enc.Drain(); err != nil {
		return nil, err
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return s.takePending(), ctx.Err()
	}
	out := s.takePending()
	// The packet channel closing is not proof of a clean drain: the
	// encoder may have died mid-stream. Surface its terminal error, and
	// fail on a short delivery even without one.
	if err := enc.Err(); err != nil {
		return out, err
	}
	if collected := s.PacketsCollected(); collected != frames {
		return out, fmt.Errorf("%w: %d of %d submitted frames produced packets",
			device.ErrSubmit, collected, frames)
	}
	s.log.Info("session flushed", "frames", frames, "packets", s.PacketsCollected())
	return out, nil
}

// Close tears the session down from any state and is safe to call again.
// It drains the encoder, waits for the collector, then releases the
// encoder and the pool. Packets never picked up are discarded.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	prev := s.state
	s.state = StateClosed
	enc := s.enc
	pool := s.pool
	s.mu.Unlock()

	if enc != nil {
		_ = enc.Drain()
		s.wg.Wait()
		enc.Close()
	}
	for _, pkt := range s.takePending() {
		if pkt.Output != nil {
			pkt.Output.Free()
		}
	}
	if pool != nil {
		pool.Close()
	}
	s.log.Debug("session closed", "from", string(prev))
	return nil
}

func (s *Session) takePending() []device.Packet {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.pending
	s.pending = nil
	return out
}
