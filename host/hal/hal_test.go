package hal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpeed_String(t *testing.T) {
	tests := []struct {
		speed    Speed
		expected string
	}{
		{SpeedUnknown, "Unknown"},
		{SpeedLow, "Low Speed"},
		{SpeedFull, "Full Speed"},
		{SpeedHigh, "High Speed"},
		{Speed(255), "Unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.speed.String())
		})
	}
}

func TestSpeed_Valid(t *testing.T) {
	assert.False(t, SpeedUnknown.Valid())
	assert.True(t, SpeedLow.Valid())
	assert.True(t, SpeedFull.Valid())
	assert.True(t, SpeedHigh.Valid())
	assert.False(t, Speed(9).Valid())
}

func TestSpeed_DefaultMaxPacketSize0(t *testing.T) {
	assert.Equal(t, uint8(8), SpeedLow.DefaultMaxPacketSize0())
	assert.Equal(t, uint8(64), SpeedFull.DefaultMaxPacketSize0())
	assert.Equal(t, uint8(64), SpeedHigh.DefaultMaxPacketSize0())
}

func TestParseSetupPacket(t *testing.T) {
	data := []byte{
		0x80,       // RequestType (Device-to-Host, Standard, Device)
		0x06,       // Request (GET_DESCRIPTOR)
		0x00, 0x01, // Value (Device Descriptor)
		0x00, 0x00, // Index
		0x12, 0x00, // Length (18)
	}

	var setup SetupPacket
	require.True(t, ParseSetupPacket(data, &setup))

	assert.Equal(t, SetupPacket{
		RequestType: 0x80,
		Request:     0x06,
		Value:       0x0100,
		Index:       0x0000,
		Length:      0x0012,
	}, setup)
	assert.True(t, setup.IsIn())
}

func TestParseSetupPacket_TooShort(t *testing.T) {
	var setup SetupPacket
	assert.False(t, ParseSetupPacket(make([]byte, SetupPacketSize-1), &setup))
}

func TestSetupPacket_MarshalTo(t *testing.T) {
	// GET_MAX_LUN on interface 0
	setup := SetupPacket{
		RequestType: 0xA1,
		Request:     0xFE,
		Value:       0x0000,
		Index:       0x0000,
		Length:      0x0001,
	}

	buf := make([]byte, SetupPacketSize)
	require.Equal(t, SetupPacketSize, setup.MarshalTo(buf))
	assert.Equal(t, []byte{0xA1, 0xFE, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00}, buf)
	assert.True(t, setup.IsIn())
}

func TestSetupPacket_MarshalTo_TooSmall(t *testing.T) {
	setup := SetupPacket{}
	assert.Zero(t, setup.MarshalTo(make([]byte, SetupPacketSize-1)))
}

func BenchmarkSetupPacket_MarshalTo(b *testing.B) {
	setup := SetupPacket{
		RequestType: 0x21,
		Request:     0xFF,
	}
	buf := make([]byte, SetupPacketSize)

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		setup.MarshalTo(buf)
	}
}
