package nexusbot

import (
	"encoding/binary"
	"github.com/stretchr/testify/assert"
	"testing"
)

func TestDecodePCM(t *testing.T) {
	want := []int16{0, 1, -1, 32767, -32768, 1234}
	pcm := make([]byte, len(want)*2)
	for i, s := range want {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(s))
	}

	got := make([]int16, len(want))
	decodePCM(pcm, got)
	assert.Equal(t, want, got)
}

func TestApplyVolume(t *testing.T) {
	tests := []struct {
		name  string
		level int
		in    []int16
		want  []int16
	}{
		{
			name:  "full volume is unchanged",
			level: 100,
			in:    []int16{1000, -1000, 32767},
			want:  []int16{1000, -1000, 32767},
		},
		{
			name:  "half volume",
			level: 50,
			in:    []int16{1000, -1000, 32767, -32768},
			want:  []int16{500, -500, 16383, -16384},
		},
		{
			name:  "muted",
			level: 0,
			in:    []int16{1000, -1000},
			want:  []int16{0, 0},
		},
		{
			name:  "negative is muted",
			level: -5,
			in:    []int16{1000},
			want:  []int16{0},
		},
	}

	for _, tt := range tests {
		t.Run(
			tt.name, func(t *testing.T) {
				samples := make([]int16, len(tt.in))
				copy(samples, tt.in)
				applyVolume(samples, tt.level)
				assert.Equal(t, tt.want, samples)
			},
		)
	}
}
