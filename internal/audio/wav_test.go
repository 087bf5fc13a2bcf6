package audio

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

func TestEncodeWAVPCM16LEHeader(t *testing.T) {
	pcm := make([]byte, 320) // 10ms at 16kHz mono
	out, err := EncodeWAVPCM16LE(pcm, 16000)
	if err != nil {
		t.Fatalf("EncodeWAVPCM16LE: %v", err)
	}
	if len(out) != 44+len(pcm) {
		t.Fatalf("len = %d, want %d", len(out), 44+len(pcm))
	}
	if string(out[0:4]) != "RIFF" || string(out[8:12]) != "WAVE" || string(out[36:40]) != "data" {
		t.Fatalf("bad container tags: %q %q %q", out[0:4], out[8:12], out[36:40])
	}
	if got := binary.LittleEndian.Uint32(out[24:28]); got != 16000 {
		t.Fatalf("sample rate = %d, want 16000", got)
	}
	if got := binary.LittleEndian.Uint16(out[22:24]); got != 1 {
		t.Fatalf("channels = %d, want 1", got)
	}
	if got := binary.LittleEndian.Uint16(out[34:36]); got != 16 {
		t.Fatalf("bits per sample = %d, want 16", got)
	}
	if got := binary.LittleEndian.Uint32(out[40:44]); got != uint32(len(pcm)) {
		t.Fatalf("data size = %d, want %d", got, len(pcm))
	}
	if got := binary.LittleEndian.Uint32(out[4:8]); got != uint32(36+len(pcm)) {
		t.Fatalf("riff size = %d, want %d", got, 36+len(pcm))
	}
}

func TestEncodeWAVDefaultsSampleRate(t *testing.T) {
	out, err := EncodeWAVPCM16LE([]byte{0, 0}, 0)
	if err != nil {
		t.Fatalf("EncodeWAVPCM16LE: %v", err)
	}
	if got := binary.LittleEndian.Uint32(out[24:28]); got != 16000 {
		t.Fatalf("defaulted sample rate = %d, want 16000", got)
	}
}

func TestWriteWAVPCM16LEFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "probe.wav")
	pcm := []byte{1, 2, 3, 4}
	if err := WriteWAVPCM16LEFile(path, pcm, 24000); err != nil {
		t.Fatalf("WriteWAVPCM16LEFile: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if len(raw) != 44+len(pcm) {
		t.Fatalf("file len = %d, want %d", len(raw), 44+len(pcm))
	}
	if got := binary.LittleEndian.Uint32(raw[24:28]); got != 24000 {
		t.Fatalf("sample rate = %d, want 24000", got)
	}
}
