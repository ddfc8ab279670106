package encode

import (
	"fmt"
	"hash/crc32"
	"io"

	"github.com/smazurov/encnode/internal/device"
)

// Drain lands encoded packets on an output writer in the order they are
// handed over, which the session guarantees is submission order. Packets
// living in device memory are read back first, optionally through a
// readback stream, and their buffers freed. With a CRC writer attached,
// every packet also appends a checksum line to the sidecar.
type Drain struct {
	out     io.Writer
	crc     io.Writer
	stream  device.Stream
	packets int
	bytes   int64
}

// NewDrain writes packets to out. crc and stream may be nil.
func NewDrain(out, crc io.Writer, stream device.Stream) *Drain {
	return &Drain{out: out, crc: crc, stream: stream}
}

// Write appends the packets to the output in order.
func (d *Drain) Write(packets []device.Packet) error {
	for _, pkt := range packets {
		payload, err := d.payload(pkt)
		if err != nil {
			return err
		}
		if _, err := d.out.Write(payload); err != nil {
			return fmt.Errorf("%w: write packet %d: %v", ErrIO, pkt.FrameIndex, err)
		}
		if d.crc != nil {
			if _, err := fmt.Fprintf(d.crc, "%08x\n", crc32.ChecksumIEEE(payload)); err != nil {
				return fmt.Errorf("%w: write crc for packet %d: %v", ErrIO, pkt.FrameIndex, err)
			}
		}
		d.packets++
		d.bytes += int64(len(payload))
	}
	return nil
}

// payload returns the packet bytes, reading them back from device memory
// when the encoder left them there.
func (d *Drain) payload(pkt device.Packet) ([]byte, error) {
	if pkt.Output == nil {
		return pkt.Data, nil
	}
	host := make([]byte, pkt.Size)
	c := device.Copy2D{DstPitch: pkt.Size, SrcPitch: pkt.Size, RowBytes: pkt.Size, Rows: 1}
	if err := pkt.Output.Download(host, c, d.stream); err != nil {
		return nil, fmt.Errorf("read back packet %d: %w", pkt.FrameIndex, err)
	}
	if d.stream != nil {
		if err := d.stream.Synchronize(); err != nil {
			return nil, fmt.Errorf("read back packet %d: %w", pkt.FrameIndex, err)
		}
	}
	if err := pkt.Output.Free(); err != nil {
		return nil, fmt.Errorf("free packet buffer %d: %w", pkt.FrameIndex, err)
	}
	return host, nil
}

// Packets returns how many packets have been written.
func (d *Drain) Packets() int { return d.packets }

// Bytes returns the total payload bytes written.
func (d *Drain) Bytes() int64 { return d.bytes }
