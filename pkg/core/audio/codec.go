// Package audio holds the PCM16 and base64 transforms shared by the voice
// gateway and the client bridge. Every function here is pure.
package audio

import (
	"encoding/base64"
	"encoding/binary"
	"strings"
	"time"
)

// FloatToPCM16 converts samples in [-1,1] to 16-bit signed little-endian PCM.
// Out-of-range samples are clamped. Negative values scale by 32768 and the
// rest by 32767 so both ends stay inside the int16 range.
func FloatToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, f := range samples {
		if f > 1 {
			f = 1
		} else if f < -1 {
			f = -1
		}
		var v int16
		if f < 0 {
			v = int16(f * 32768)
		} else {
			v = int16(f * 32767)
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

// PCM16ToFloat converts 16-bit little-endian PCM to float samples by dividing by 32768.
// A trailing odd byte is ignored.
func PCM16ToFloat(pcm []byte) []float32 {
	n := len(pcm) / 2
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		v := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		out[i] = float32(v) / 32768
	}
	return out
}

// BytesToInt16 reinterprets little-endian bytes as int16 samples without scaling.
func BytesToInt16(pcm []byte) []int16 {
	n := len(pcm) / 2
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}

// Int16ToBytes is the inverse of BytesToInt16.
func Int16ToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, v := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

func EncodeBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// DecodeBase64 accepts padded and unpadded standard encoding.
func DecodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if strings.HasSuffix(s, "=") || len(s)%4 == 0 {
		return base64.StdEncoding.DecodeString(s)
	}
	return base64.RawStdEncoding.DecodeString(s)
}

// Duration returns how long nbytes of mono PCM16 play at sampleRateHz.
func Duration(nbytes int, sampleRateHz int) time.Duration {
	if nbytes <= 0 || sampleRateHz <= 0 {
		return 0
	}
	samples := int64(nbytes / 2)
	return time.Duration(samples) * time.Second / time.Duration(sampleRateHz)
}

// BytesFor returns the PCM16 mono byte count for d at sampleRateHz.
func BytesFor(d time.Duration, sampleRateHz int) int {
	if d <= 0 || sampleRateHz <= 0 {
		return 0
	}
	samples := int64(d) * int64(sampleRateHz) / int64(time.Second)
	return int(samples) * 2
}
