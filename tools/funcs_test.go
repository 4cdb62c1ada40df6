package tools

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameSamples(t *testing.T) {
	tests := []struct {
		name     string
		duration time.Duration
		rate     int
		channels int
		expected int
	}{
		{
			name:     "Basic stereo at 48kHz for 120ms",
			duration: 120 * time.Millisecond,
			rate:     48000,
			channels: 2,
			expected: 11520,
		},
		{
			name:     "Mono at 24kHz for 1s",
			duration: time.Second,
			rate:     24000,
			channels: 1,
			expected: 24000,
		},
		{
			name:     "Stereo at 48kHz for 20ms",
			duration: 20 * time.Millisecond,
			rate:     48000,
			channels: 2,
			expected: 1920,
		},
		{
			name:     "Zero duration",
			duration: 0,
			rate:     48000,
			channels: 2,
			expected: 0,
		},
		{
			name:     "Zero rate",
			duration: time.Second,
			rate:     0,
			channels: 2,
			expected: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, FrameSamples(tt.duration, tt.rate, tt.channels))
		})
	}
}

func TestEncodePCM16(t *testing.T) {
	// 0x0001 and 0xFFFF little-endian: 01 00 ff ff
	assert.Equal(t, "AQD//w==", EncodePCM16([]int16{1, -1}))
	assert.Equal(t, "", EncodePCM16(nil))
}

func TestDecodePCM16(t *testing.T) {
	samples, err := DecodePCM16("AQD//w==")
	require.NoError(t, err)
	assert.Equal(t, []int16{1, -1}, samples)

	_, err = DecodePCM16("not base64!!")
	assert.Error(t, err)
}

func TestAudioBufferDropsOldestOnOverflow(t *testing.T) {
	ab := NewAudioBuffer(4)
	assert.Equal(t, 0, ab.Write([]byte{1, 2, 3, 4}))
	assert.Equal(t, 2, ab.Write([]byte{5, 6}))

	out := make([]byte, 8)
	n, err := ab.Read(out)
	require.NoError(t, err)
	assert.Equal(t, []byte{3, 4, 5, 6}, out[:n])
}
