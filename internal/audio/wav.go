package audio

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
)

type wavHeader struct {
	RiffTag       [4]byte
	RiffSize      uint32
	WaveTag       [4]byte
	FmtTag        [4]byte
	FmtSize       uint32
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	DataTag       [4]byte
	DataSize      uint32
}

// WriteWAVPCM16LE writes raw PCM16LE mono audio to out as a WAV stream.
func WriteWAVPCM16LE(out io.Writer, pcm []byte, sampleRate int) error {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	const numChannels, bitsPerSample = 1, 16

	h := wavHeader{
		RiffTag:       [4]byte{'R', 'I', 'F', 'F'},
		RiffSize:      36 + uint32(len(pcm)),
		WaveTag:       [4]byte{'W', 'A', 'V', 'E'},
		FmtTag:        [4]byte{'f', 'm', 't', ' '},
		FmtSize:       16,
		AudioFormat:   1, // PCM
		NumChannels:   numChannels,
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate * numChannels * bitsPerSample / 8),
		BlockAlign:    numChannels * bitsPerSample / 8,
		BitsPerSample: bitsPerSample,
		DataTag:       [4]byte{'d', 'a', 't', 'a'},
		DataSize:      uint32(len(pcm)),
	}
	if err := binary.Write(out, binary.LittleEndian, h); err != nil {
		return err
	}
	_, err := out.Write(pcm)
	return err
}

// EncodeWAVPCM16LE wraps raw PCM16LE mono audio bytes in a WAV container.
func EncodeWAVPCM16LE(pcm []byte, sampleRate int) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteWAVPCM16LE(&buf, pcm, sampleRate); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteWAVPCM16LEFile writes raw PCM16LE mono audio bytes as a WAV file.
func WriteWAVPCM16LEFile(path string, pcm []byte, sampleRate int) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return WriteWAVPCM16LE(f, pcm, sampleRate)
}
