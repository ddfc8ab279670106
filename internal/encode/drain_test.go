package encode

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"hash/crc32"
	"strings"
	"testing"

	"github.com/smazurov/encnode/internal/device"
)

type failWriter struct{}

func (failWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestDrainWritesInOrder(t *testing.T) {
	var out bytes.Buffer
	d := NewDrain(&out, nil, nil)

	var packets []device.Packet
	var want bytes.Buffer
	for i := 0; i < 5; i++ {
		payload := []byte(fmt.Sprintf("packet-%d|", i))
		packets = append(packets, device.Packet{FrameIndex: i, Data: payload})
		want.Write(payload)
	}

	if err := d.Write(packets[:2]); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := d.Write(packets[2:]); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if !bytes.Equal(out.Bytes(), want.Bytes()) {
		t.Errorf("output = %q, want %q", out.Bytes(), want.Bytes())
	}
	if d.Packets() != 5 {
		t.Errorf("Packets = %d, want 5", d.Packets())
	}
	if d.Bytes() != int64(want.Len()) {
		t.Errorf("Bytes = %d, want %d", d.Bytes(), want.Len())
	}
}

func TestDrainCRCSidecar(t *testing.T) {
	var out, crc bytes.Buffer
	d := NewDrain(&out, &crc, nil)

	packets := []device.Packet{
		{FrameIndex: 0, Data: []byte("alpha")},
		{FrameIndex: 1, Data: []byte("beta")},
	}
	if err := d.Write(packets); err != nil {
		t.Fatalf("Write: %v", err)
	}

	scanner := bufio.NewScanner(&crc)
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if len(lines) != len(packets) {
		t.Fatalf("crc sidecar has %d lines, want %d", len(lines), len(packets))
	}
	for i, pkt := range packets {
		want := fmt.Sprintf("%08x", crc32.ChecksumIEEE(pkt.Data))
		if lines[i] != want {
			t.Errorf("crc line %d = %q, want %q", i, lines[i], want)
		}
	}
}

func TestDrainReadsBackDeviceMemory(t *testing.T) {
	devctx := openTestContext(t)
	payload := []byte("device resident payload")

	buf, err := devctx.AllocBuffer(len(payload))
	if err != nil {
		t.Fatalf("AllocBuffer: %v", err)
	}
	c := device.Copy2D{DstPitch: len(payload), SrcPitch: len(payload), RowBytes: len(payload), Rows: 1}
	if err := buf.Upload(payload, c, nil); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	stream, err := devctx.NewStream()
	if err != nil {
		t.Fatalf("NewStream: %v", err)
	}

	var out bytes.Buffer
	d := NewDrain(&out, nil, stream)
	pkt := device.Packet{FrameIndex: 0, Output: buf, Size: len(payload)}
	if err := d.Write([]device.Packet{pkt}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if out.String() != string(payload) {
		t.Errorf("output = %q, want %q", out.String(), payload)
	}
	if buf.Size() != 0 {
		t.Error("packet buffer should be freed after readback")
	}
}

func TestDrainWriteFailure(t *testing.T) {
	d := NewDrain(failWriter{}, nil, nil)
	err := d.Write([]device.Packet{{Data: []byte("x")}})
	if !errors.Is(err, ErrIO) {
		t.Errorf("Write error = %v, want ErrIO", err)
	}
	if !strings.Contains(err.Error(), "disk full") {
		t.Errorf("Write error %q should carry the cause", err)
	}
}
