package host

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/mschost/pkg"
)

// mscConfig is the configuration of a typical flash drive: one SCSI/BOT
// interface with a bulk pair.
var mscConfig = []byte{
	0x09, 0x02, 0x20, 0x00, 0x01, 0x01, 0x00, 0x80, 0x32, // configuration
	0x09, 0x04, 0x00, 0x00, 0x02, 0x08, 0x06, 0x50, 0x00, // interface 0
	0x07, 0x05, 0x81, 0x02, 0x00, 0x02, 0x00, // bulk IN
	0x07, 0x05, 0x02, 0x02, 0x00, 0x02, 0x00, // bulk OUT
}

func TestParseDeviceDescriptor(t *testing.T) {
	data := []byte{
		0x12, 0x01, 0x00, 0x02, 0x00, 0x00, 0x00, 0x40,
		0x81, 0x07, 0x81, 0x55, 0x00, 0x01, 0x01, 0x02,
		0x03, 0x01,
	}

	var desc DeviceDescriptor
	require.True(t, ParseDeviceDescriptor(data, &desc))

	want := DeviceDescriptor{
		Length:            18,
		DescriptorType:    DescriptorTypeDevice,
		USBVersion:        0x0200,
		MaxPacketSize0:    64,
		VendorID:          0x0781,
		ProductID:         0x5581,
		DeviceVersion:     0x0100,
		ManufacturerIndex: 1,
		ProductIndex:      2,
		SerialNumberIndex: 3,
		NumConfigurations: 1,
	}
	if diff := cmp.Diff(want, desc); diff != "" {
		t.Errorf("ParseDeviceDescriptor() mismatch (-want +got):\n%s", diff)
	}

	assert.False(t, ParseDeviceDescriptor(data[:17], &desc), "short")

	bad := append([]byte(nil), data...)
	bad[1] = DescriptorTypeConfiguration
	assert.False(t, ParseDeviceDescriptor(bad, &desc), "wrong type")
}

func TestValidMaxPacketSize0(t *testing.T) {
	for _, size := range []uint8{8, 16, 32, 64} {
		assert.True(t, ValidMaxPacketSize0(size), "size %d", size)
	}
	for _, size := range []uint8{0, 7, 63, 128, 255} {
		assert.False(t, ValidMaxPacketSize0(size), "size %d", size)
	}
}

func TestParseConfigurationTree(t *testing.T) {
	config, ifaces, err := ParseConfigurationTree(mscConfig)
	require.NoError(t, err)

	assert.Equal(t, uint16(32), config.TotalLength)
	assert.Equal(t, uint8(1), config.ConfigurationValue)
	require.Len(t, ifaces, 1)

	iface := &ifaces[0]
	assert.True(t, iface.Descriptor.IsMassStorageBOT())
	require.Len(t, iface.Endpoints, 2)

	in := iface.BulkIn()
	require.NotNil(t, in)
	assert.Equal(t, uint8(0x81), in.EndpointAddress)
	assert.Equal(t, uint8(1), in.Number())
	assert.Equal(t, uint16(512), in.MaxPacketSize)

	out := iface.BulkOut()
	require.NotNil(t, out)
	assert.Equal(t, uint8(0x02), out.EndpointAddress)
	assert.True(t, out.IsOut())

	assert.Equal(t, 0, selectStorageInterface(ifaces))
}

func TestParseConfigurationTree_AlternateSettingsSkipped(t *testing.T) {
	data := []byte{
		0x09, 0x02, 0x00, 0x00, 0x01, 0x01, 0x00, 0x80, 0x32,
		0x09, 0x04, 0x00, 0x00, 0x01, 0xFF, 0x00, 0x00, 0x00, // vendor iface, alt 0
		0x07, 0x05, 0x81, 0x02, 0x40, 0x00, 0x00,
		0x05, 0x24, 0x00, 0x10, 0x01, // class-specific
		0x09, 0x04, 0x00, 0x01, 0x01, 0x08, 0x06, 0x50, 0x00, // alt 1
		0x07, 0x05, 0x82, 0x02, 0x40, 0x00, 0x00,
	}
	data[2] = byte(len(data))

	_, ifaces, err := ParseConfigurationTree(data)
	require.NoError(t, err)
	require.Len(t, ifaces, 1)
	assert.Len(t, ifaces[0].Endpoints, 1)
	assert.Len(t, ifaces[0].ClassDescriptors, 1)
	assert.Equal(t, -1, selectStorageInterface(ifaces))
}

func TestParseConfigurationTree_Errors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want error
	}{
		{
			name: "short header",
			data: mscConfig[:5],
			want: pkg.ErrDescriptorTooShort,
		},
		{
			name: "wrong type",
			data: append([]byte{0x09, 0x04}, mscConfig[2:]...),
			want: pkg.ErrDescriptorTypeMismatch,
		},
		{
			name: "descriptor overruns total length",
			data: []byte{
				0x09, 0x02, 0x10, 0x00, 0x01, 0x01, 0x00, 0x80, 0x32,
				0x09, 0x04, 0x00, 0x00, 0x02, 0x08, 0x06,
			},
			want: pkg.ErrDescriptorTooShort,
		},
		{
			name: "zero length descriptor",
			data: []byte{
				0x09, 0x02, 0x0C, 0x00, 0x01, 0x01, 0x00, 0x80, 0x32,
				0x00, 0x04, 0x00,
			},
			want: pkg.ErrDescriptorTooShort,
		},
		{
			name: "endpoint before interface",
			data: []byte{
				0x09, 0x02, 0x10, 0x00, 0x01, 0x01, 0x00, 0x80, 0x32,
				0x07, 0x05, 0x81, 0x02, 0x40, 0x00, 0x00,
			},
			want: pkg.ErrDescriptorTypeMismatch,
		},
		{
			name: "no interfaces",
			data: []byte{0x09, 0x02, 0x09, 0x00, 0x00, 0x01, 0x00, 0x80, 0x32},
			want: pkg.ErrDescriptorTooShort,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := ParseConfigurationTree(tt.data)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestParseStringDescriptor(t *testing.T) {
	tests := []struct {
		name   string
		data   []byte
		want   string
		wantOK bool
	}{
		{"ascii", []byte{0x08, 0x03, 'U', 0, 'S', 0, 'B', 0}, "USB", true},
		{"empty", []byte{0x02, 0x03}, "", true},
		{"non-ascii", []byte{0x04, 0x03, 0xE9, 0x00}, "é", true},
		{"bLength beyond data", []byte{0x0A, 0x03, 'A', 0}, "A", true},
		{"wrong type", []byte{0x04, 0x02, 'A', 0}, "", false},
		{"short", []byte{0x04}, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseStringDescriptor(tt.data)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseLanguageIDs(t *testing.T) {
	assert.Equal(t, []uint16{0x0409, 0x0407}, ParseLanguageIDs([]byte{0x06, 0x03, 0x09, 0x04, 0x07, 0x04}))
	assert.Nil(t, ParseLanguageIDs([]byte{0x02, 0x03}))
}
