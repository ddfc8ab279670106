//go:build linux

package v4l2m2m

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"syscall"
	"time"
	"unsafe"
)

// ErrTimeout is returned by ReadPacket when no packet arrived within the
// wait window.
var ErrTimeout = errors.New("timed out waiting for the device")

// encodeWaitMs bounds how long Encode waits for the device to hand back an
// input buffer before giving up.
const encodeWaitMs = 10000

// mmapBuffer is one kernel buffer mapped into the process.
type mmapBuffer struct {
	index  uint32
	data   []byte
	queued bool
}

// bufQueue is one side of the M2M device. The planes array is ioctl
// scratch; it lives on the heap so the pointer stored in v4l2Buffer.m
// stays valid across the syscall.
type bufQueue struct {
	typ     uint32
	planes  [1]v4l2Plane
	buffers []mmapBuffer
}

// Encoder is an open stateful encode session on a V4L2 M2M device. Encode
// and ReadPacket may run on different goroutines, but neither may be
// called concurrently with itself, and Close must not race either.
type Encoder struct {
	path string
	card string
	fd   int
	cfg  Config

	// Geometry negotiated on the OUTPUT queue. The driver may align the
	// coded size up from the requested one.
	width  int
	height int
	pitch  int
	size   int

	out bufQueue
	cap bufQueue

	mu       sync.Mutex
	started  bool
	stopped  bool
	finished bool
	closed   bool
}

// OpenEncoder opens the M2M device at path and negotiates formats, buffer
// queues and codec controls for one encode session.
func OpenEncoder(path string, cfg Config) (*Encoder, error) {
	cfg = cfg.withDefaults()
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("invalid frame size %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.CodedFormat == 0 {
		return nil, errors.New("no coded format selected")
	}

	fd, err := open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open device: %w", err)
	}

	e := &Encoder{
		path: path,
		fd:   fd,
		cfg:  cfg,
		out:  bufQueue{typ: v4l2BufTypeVideoOutputMplane},
		cap:  bufQueue{typ: v4l2BufTypeVideoCaptureMplane},
	}
	if err := e.setup(); err != nil {
		e.Close()
		return nil, err
	}
	return e, nil
}

// Card returns the device name reported by the driver.
func (e *Encoder) Card() string { return e.card }

// CodedSize returns the frame size the driver operates on. It may be
// aligned up from the requested size; the extra rows and columns are
// padding.
func (e *Encoder) CodedSize() (width, height int) { return e.width, e.height }

// InputPitch returns the luma pitch the driver requires for input frames.
func (e *Encoder) InputPitch() int { return e.pitch }

// InputSize returns the byte size of one input frame at the negotiated
// geometry. Encode expects exactly this many bytes.
func (e *Encoder) InputSize() int { return e.size }

func (e *Encoder) setup() error {
	cap := v4l2Capability{}
	if err := ioctl(e.fd, vidiocQuerycap, unsafe.Pointer(&cap)); err != nil {
		return fmt.Errorf("failed to query device capabilities: %w", err)
	}
	caps := cap.capabilities
	if caps&v4l2CapDeviceCaps != 0 {
		caps = cap.deviceCaps
	}
	if caps&v4l2CapVideoM2MMplane == 0 {
		return fmt.Errorf("%s is not a multi-planar M2M device", e.path)
	}
	e.card = cstr(cap.card[:])

	// The coded format on the CAPTURE queue comes first; stateful
	// encoders key the session off it and adjust the OUTPUT side.
	if err := e.setCaptureFormat(); err != nil {
		return err
	}
	if err := e.setOutputFormat(); err != nil {
		return err
	}
	if err := e.applyControls(); err != nil {
		return err
	}

	if err := e.setupQueue(&e.out, e.cfg.OutputBuffers); err != nil {
		return fmt.Errorf("output queue: %w", err)
	}
	if err := e.setupQueue(&e.cap, e.cfg.CaptureBuffers); err != nil {
		return fmt.Errorf("capture queue: %w", err)
	}
	return nil
}

func (e *Encoder) setCaptureFormat() error {
	f := v4l2Format{typ: e.cap.typ}
	f.pixMP.width = uint32(e.cfg.Width)
	f.pixMP.height = uint32(e.cfg.Height)
	f.pixMP.pixelformat = e.cfg.CodedFormat
	f.pixMP.field = v4l2FieldNone
	f.pixMP.numPlanes = 1
	f.pixMP.planeFmt[0].sizeimage = uint32(codedBufferSize(e.cfg.Width, e.cfg.Height))

	if err := ioctl(e.fd, vidiocSFmt, unsafe.Pointer(&f)); err != nil {
		return fmt.Errorf("failed to set capture format: %w", err)
	}
	if f.pixMP.pixelformat != e.cfg.CodedFormat {
		return fmt.Errorf("device cannot produce %s", FourCCString(e.cfg.CodedFormat))
	}
	return nil
}

func (e *Encoder) setOutputFormat() error {
	f := v4l2Format{typ: e.out.typ}
	f.pixMP.width = uint32(e.cfg.Width)
	f.pixMP.height = uint32(e.cfg.Height)
	f.pixMP.pixelformat = e.cfg.PixelFormat
	f.pixMP.field = v4l2FieldNone
	f.pixMP.numPlanes = 1

	if err := ioctl(e.fd, vidiocSFmt, unsafe.Pointer(&f)); err != nil {
		return fmt.Errorf("failed to set output format: %w", err)
	}
	if f.pixMP.pixelformat != e.cfg.PixelFormat {
		return fmt.Errorf("device cannot accept %s input", FourCCString(e.cfg.PixelFormat))
	}

	e.width = int(f.pixMP.width)
	e.height = int(f.pixMP.height)
	e.pitch = int(f.pixMP.planeFmt[0].bytesperline)
	e.size = int(f.pixMP.planeFmt[0].sizeimage)
	if e.pitch <= 0 || e.size <= 0 {
		return fmt.Errorf("driver reported pitch %d and frame size %d", e.pitch, e.size)
	}
	return nil
}

func (e *Encoder) applyControls() error {
	if e.cfg.Bitrate > 0 {
		mode := int32(v4l2BitrateModeVBR)
		if e.cfg.ConstantBitrate {
			mode = v4l2BitrateModeCBR
		}
		if err := e.setControl(v4l2CidMpegVideoBitrateMode, mode); err != nil {
			return err
		}
		if err := e.setControl(v4l2CidMpegVideoBitrate, int32(e.cfg.Bitrate)); err != nil {
			return err
		}
	}
	if e.cfg.GOPSize > 0 {
		if err := e.setControl(v4l2CidMpegVideoGopSize, int32(e.cfg.GOPSize)); err != nil {
			return err
		}
	}
	if e.cfg.BFrames > 0 {
		if err := e.setControl(v4l2CidMpegVideoBFrames, int32(e.cfg.BFrames)); err != nil {
			return err
		}
	}
	return nil
}

// setControl applies one codec control. Drivers expose different control
// sets; a control the driver does not know is skipped, not an error.
func (e *Encoder) setControl(id uint32, value int32) error {
	ctrl := v4l2Control{id: id, value: value}
	err := ioctl(e.fd, vidiocSCtrl, unsafe.Pointer(&ctrl))
	if err == nil || errors.Is(err, syscall.EINVAL) || errors.Is(err, syscall.ENOTTY) {
		return nil
	}
	return fmt.Errorf("failed to set control %#x: %w", id, err)
}

func (e *Encoder) setupQueue(q *bufQueue, count int) error {
	req := v4l2RequestBuffers{
		count:  uint32(count),
		typ:    q.typ,
		memory: v4l2MemoryMmap,
	}
	if err := ioctl(e.fd, vidiocReqbufs, unsafe.Pointer(&req)); err != nil {
		return fmt.Errorf("failed to request buffers: %w", err)
	}
	if req.count == 0 {
		return errors.New("device granted no buffers")
	}

	q.buffers = make([]mmapBuffer, req.count)
	for i := range q.buffers {
		if err := e.mapBuffer(q, uint32(i)); err != nil {
			return err
		}
	}
	return nil
}

func (e *Encoder) mapBuffer(q *bufQueue, index uint32) error {
	q.planes[0] = v4l2Plane{}
	buf := v4l2Buffer{
		index:  index,
		typ:    q.typ,
		memory: v4l2MemoryMmap,
		m:      uintptr(unsafe.Pointer(&q.planes[0])),
		length: 1,
	}
	if err := ioctl(e.fd, vidiocQuerybuf, unsafe.Pointer(&buf)); err != nil {
		return fmt.Errorf("failed to query buffer %d: %w", index, err)
	}

	data, err := syscall.Mmap(e.fd, int64(q.planes[0].memOffset), int(q.planes[0].length),
		syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("failed to map buffer %d: %w", index, err)
	}
	q.buffers[index] = mmapBuffer{index: index, data: data}
	return nil
}

// Start begins streaming on both queues. The CAPTURE buffers are queued
// first so the driver has somewhere to put bitstream.
func (e *Encoder) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return errors.New("encoder is closed")
	}
	if e.started {
		return nil
	}

	for i := range e.cap.buffers {
		if err := e.queueCapture(&e.cap.buffers[i]); err != nil {
			return err
		}
	}
	if err := e.streamOn(e.cap.typ); err != nil {
		return fmt.Errorf("failed to start capture streaming: %w", err)
	}
	if err := e.streamOn(e.out.typ); err != nil {
		return fmt.Errorf("failed to start output streaming: %w", err)
	}
	e.started = true
	return nil
}

// Encode copies one raw frame into a free device buffer and queues it.
// The frame must be exactly InputSize bytes laid out at InputPitch for the
// coded geometry. Blocks while every input buffer is in the device.
func (e *Encoder) Encode(frame []byte, index int64) error {
	e.mu.Lock()
	switch {
	case e.closed:
		e.mu.Unlock()
		return errors.New("encoder is closed")
	case !e.started:
		e.mu.Unlock()
		return errors.New("encoder is not started")
	case e.stopped:
		e.mu.Unlock()
		return errors.New("encoder is draining")
	}
	e.mu.Unlock()

	if len(frame) != e.size {
		return fmt.Errorf("frame is %d bytes, the device expects %d", len(frame), e.size)
	}

	b, err := e.freeOutputBuffer()
	if err != nil {
		return err
	}
	copy(b.data, frame)

	e.out.planes[0] = v4l2Plane{
		bytesused: uint32(e.size),
		length:    uint32(len(b.data)),
	}
	buf := v4l2Buffer{
		index:     b.index,
		typ:       e.out.typ,
		field:     v4l2FieldNone,
		timestamp: timevalFromIndex(index),
		memory:    v4l2MemoryMmap,
		m:         uintptr(unsafe.Pointer(&e.out.planes[0])),
		length:    1,
	}
	if err := ioctl(e.fd, vidiocQbuf, unsafe.Pointer(&buf)); err != nil {
		return fmt.Errorf("failed to queue frame %d: %w", index, err)
	}
	b.queued = true
	return nil
}

// freeOutputBuffer reclaims processed input buffers and returns a free
// one, waiting for the device when every buffer is in flight.
func (e *Encoder) freeOutputBuffer() (*mmapBuffer, error) {
	deadline := time.Now().Add(encodeWaitMs * time.Millisecond)
	for {
		for {
			buf, err := e.dequeue(&e.out)
			if err != nil {
				if errors.Is(err, syscall.EAGAIN) {
					break
				}
				return nil, fmt.Errorf("failed to reclaim an input buffer: %w", err)
			}
			e.out.buffers[buf.index].queued = false
		}

		for i := range e.out.buffers {
			if !e.out.buffers[i].queued {
				return &e.out.buffers[i], nil
			}
		}

		remaining := int(time.Until(deadline) / time.Millisecond)
		if remaining <= 0 {
			return nil, errors.New("device did not return an input buffer")
		}
		if _, err := waitFd(e.fd, true, remaining); err != nil {
			return nil, fmt.Errorf("failed to wait for an input buffer: %w", err)
		}
	}
}

// ReadPacket dequeues the next encoded packet, waiting up to timeoutMs.
// Returns ErrTimeout when nothing arrived and io.EOF once the drain
// started by Stop has delivered the final packet.
func (e *Encoder) ReadPacket(timeoutMs int) (Packet, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return Packet{}, errors.New("encoder is closed")
	}
	if e.finished {
		e.mu.Unlock()
		return Packet{}, io.EOF
	}
	e.mu.Unlock()

	deadline := time.Now().Add(time.Duration(timeoutMs) * time.Millisecond)
	for {
		remaining := int(time.Until(deadline) / time.Millisecond)
		if remaining <= 0 {
			return Packet{}, ErrTimeout
		}
		ready, err := waitFd(e.fd, false, remaining)
		if err != nil {
			return Packet{}, fmt.Errorf("failed to wait for a packet: %w", err)
		}
		if !ready {
			continue
		}

		buf, err := e.dequeue(&e.cap)
		if err != nil {
			if errors.Is(err, syscall.EAGAIN) {
				continue
			}
			if errors.Is(err, syscall.EPIPE) {
				// The drain finished with no pending bitstream.
				e.setFinished()
				return Packet{}, io.EOF
			}
			return Packet{}, fmt.Errorf("failed to dequeue a packet: %w", err)
		}

		plane := e.cap.planes[0]
		b := &e.cap.buffers[buf.index]
		b.queued = false

		// The payload sits at data_offset; bytesused includes it.
		var data []byte
		if start, end := int(plane.dataOffset), int(plane.bytesused); end > start {
			data = append([]byte(nil), b.data[start:end]...)
		}

		last := buf.flags&v4l2BufFlagLast != 0
		if last {
			e.setFinished()
		} else if err := e.queueCapture(b); err != nil {
			return Packet{}, err
		}

		if len(data) == 0 {
			if last {
				// The final buffer of a drain may carry no payload.
				return Packet{}, io.EOF
			}
			continue
		}
		return Packet{
			Index:    indexFromTimeval(buf.timestamp),
			Keyframe: buf.flags&v4l2BufFlagKeyframe != 0,
			Data:     data,
		}, nil
	}
}

// Stop issues V4L2_ENC_CMD_STOP. The driver finishes the frames already
// queued and flags the final CAPTURE buffer; no Encode may follow.
func (e *Encoder) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return errors.New("encoder is closed")
	}
	if e.stopped {
		return nil
	}

	cmd := v4l2EncoderCmd{cmd: v4l2EncCmdStop}
	if err := ioctl(e.fd, vidiocEncoderCmd, unsafe.Pointer(&cmd)); err != nil {
		return fmt.Errorf("failed to stop the encoder: %w", err)
	}
	e.stopped = true
	return nil
}

// Close stops streaming, unmaps every buffer and closes the device. Safe
// to call more than once.
func (e *Encoder) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	started := e.started
	e.mu.Unlock()

	if started {
		e.streamOff(e.out.typ)
		e.streamOff(e.cap.typ)
	}
	for _, q := range []*bufQueue{&e.out, &e.cap} {
		for i := range q.buffers {
			if q.buffers[i].data != nil {
				syscall.Munmap(q.buffers[i].data)
				q.buffers[i].data = nil
			}
		}
	}
	if err := close(e.fd); err != nil {
		return fmt.Errorf("failed to close device: %w", err)
	}
	return nil
}

func (e *Encoder) queueCapture(b *mmapBuffer) error {
	e.cap.planes[0] = v4l2Plane{length: uint32(len(b.data))}
	buf := v4l2Buffer{
		index:  b.index,
		typ:    e.cap.typ,
		memory: v4l2MemoryMmap,
		m:      uintptr(unsafe.Pointer(&e.cap.planes[0])),
		length: 1,
	}
	if err := ioctl(e.fd, vidiocQbuf, unsafe.Pointer(&buf)); err != nil {
		return fmt.Errorf("failed to queue capture buffer %d: %w", b.index, err)
	}
	b.queued = true
	return nil
}

func (e *Encoder) dequeue(q *bufQueue) (v4l2Buffer, error) {
	buf := v4l2Buffer{
		typ:    q.typ,
		memory: v4l2MemoryMmap,
		m:      uintptr(unsafe.Pointer(&q.planes[0])),
		length: 1,
	}
	err := ioctl(e.fd, vidiocDqbuf, unsafe.Pointer(&buf))
	return buf, err
}

func (e *Encoder) streamOn(bufType uint32) error {
	typ := bufType
	return ioctl(e.fd, vidiocStreamon, unsafe.Pointer(&typ))
}

func (e *Encoder) streamOff(bufType uint32) error {
	typ := bufType
	return ioctl(e.fd, vidiocStreamoff, unsafe.Pointer(&typ))
}

func (e *Encoder) setFinished() {
	e.mu.Lock()
	e.finished = true
	e.mu.Unlock()
}

// codedBufferSize estimates the bitstream buffer size for one coded frame.
// Drivers adjust it, but compressed formats need a caller-supplied
// starting point.
func codedBufferSize(width, height int) int {
	size := width * height * 2
	if size < 1<<20 {
		size = 1 << 20
	}
	return size
}
