// Package audio provides the minimal WAV encode/decode the Recording
// Segmenter needs: wrapping raw PCM in a RIFF/WAVE header, and cutting a
// millisecond-addressed segment back out of a continuous capture.
package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Format describes the PCM layout a WAV buffer holds.
type Format struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// Mono16 is the 16-bit mono format the telephony capture path uses.
func Mono16(sampleRate int) Format {
	return Format{SampleRate: sampleRate, Channels: 1, BitsPerSample: 16}
}

func (f Format) bytesPerSample() int {
	return f.BitsPerSample / 8
}

func (f Format) blockAlign() int {
	return f.Channels * f.bytesPerSample()
}

func (f Format) byteRate() int {
	return f.SampleRate * f.blockAlign()
}

// NewWavBuffer wraps raw PCM samples in a RIFF/WAVE header.
func NewWavBuffer(pcm []byte, format Format) []byte {
	buf := new(bytes.Buffer)

	buf.WriteString("RIFF")
	binary.Write(buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(buf, binary.LittleEndian, uint32(16))
	binary.Write(buf, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(buf, binary.LittleEndian, uint16(format.Channels))
	binary.Write(buf, binary.LittleEndian, uint32(format.SampleRate))
	binary.Write(buf, binary.LittleEndian, uint32(format.byteRate()))
	binary.Write(buf, binary.LittleEndian, uint16(format.blockAlign()))
	binary.Write(buf, binary.LittleEndian, uint16(format.BitsPerSample))

	buf.WriteString("data")
	binary.Write(buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)

	return buf.Bytes()
}

// ErrNotWav is returned when a buffer doesn't carry a RIFF/WAVE/data header.
var ErrNotWav = fmt.Errorf("audio: not a RIFF/WAVE buffer")

// ParseWav splits a WAV buffer into its format and raw PCM payload.
func ParseWav(wav []byte) (Format, []byte, error) {
	if len(wav) < 44 || string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		return Format{}, nil, ErrNotWav
	}
	if string(wav[12:16]) != "fmt " {
		return Format{}, nil, ErrNotWav
	}

	channels := binary.LittleEndian.Uint16(wav[22:24])
	sampleRate := binary.LittleEndian.Uint32(wav[24:28])
	bitsPerSample := binary.LittleEndian.Uint16(wav[34:36])

	if string(wav[36:40]) != "data" {
		return Format{}, nil, ErrNotWav
	}
	dataLen := binary.LittleEndian.Uint32(wav[40:44])
	end := 44 + int(dataLen)
	if end > len(wav) {
		end = len(wav)
	}

	return Format{
		SampleRate:    int(sampleRate),
		Channels:      int(channels),
		BitsPerSample: int(bitsPerSample),
	}, wav[44:end], nil
}

// ExtractSegmentMs cuts the PCM samples between [startMs, endMs) out of a
// WAV buffer and rewraps them in their own WAV header. This is how the
// Recording Segmenter turns a continuous per-call capture plus a list of
// turn-boundary marks into one WAV file per turn.
func ExtractSegmentMs(wav []byte, startMs, endMs int64) ([]byte, error) {
	format, pcm, err := ParseWav(wav)
	if err != nil {
		return nil, err
	}
	if format.SampleRate == 0 || format.blockAlign() == 0 {
		return nil, fmt.Errorf("audio: invalid format in source wav")
	}

	startByte := msToByteOffset(startMs, format)
	endByte := msToByteOffset(endMs, format)
	if startByte < 0 {
		startByte = 0
	}
	if endByte > len(pcm) {
		endByte = len(pcm)
	}
	if startByte >= endByte {
		return NewWavBuffer(nil, format), nil
	}

	return NewWavBuffer(pcm[startByte:endByte], format), nil
}

func msToByteOffset(ms int64, format Format) int {
	samples := ms * int64(format.SampleRate) / 1000
	return int(samples) * format.blockAlign()
}
