//go:build linux

package linux

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/mschost/host/hal"
)

// =============================================================================
// Fake sysfs Tree
// =============================================================================

type fakeInterface struct {
	number, class, subClass, protocol string
	driver                            string
}

type fakeDevice struct {
	name       string
	attrs      map[string]string
	interfaces []fakeInterface
}

func writeAttr(t *testing.T, dir, name, value string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(value+"\n"), 0o644))
}

func makeSysfs(t *testing.T, devices ...fakeDevice) string {
	t.Helper()
	root := t.TempDir()
	for _, d := range devices {
		dir := filepath.Join(root, d.name)
		require.NoError(t, os.MkdirAll(dir, 0o755))
		for k, v := range d.attrs {
			writeAttr(t, dir, k, v)
		}
		for i, iface := range d.interfaces {
			ifaceDir := filepath.Join(dir, d.name+":1."+string(rune('0'+i)))
			require.NoError(t, os.MkdirAll(ifaceDir, 0o755))
			writeAttr(t, ifaceDir, "bInterfaceNumber", iface.number)
			writeAttr(t, ifaceDir, "bInterfaceClass", iface.class)
			writeAttr(t, ifaceDir, "bInterfaceSubClass", iface.subClass)
			writeAttr(t, ifaceDir, "bInterfaceProtocol", iface.protocol)
			if iface.driver != "" {
				target := filepath.Join(root, "drivers", iface.driver)
				require.NoError(t, os.MkdirAll(target, 0o755))
				require.NoError(t, os.Symlink(target, filepath.Join(ifaceDir, "driver")))
			}
		}
	}
	return root
}

func massStorageDevice(name, bus, dev string) fakeDevice {
	return fakeDevice{
		name: name,
		attrs: map[string]string{
			"busnum":              bus,
			"devnum":              dev,
			"idVendor":            "0781",
			"idProduct":           "5567",
			"bDeviceClass":        "00",
			"bConfigurationValue": "1",
			"speed":               "480",
			"manufacturer":        "SanDisk",
			"product":             "Cruzer Blade",
			"serial":              "4C530001",
		},
		interfaces: []fakeInterface{
			{number: "00", class: "08", subClass: "06", protocol: "50", driver: "usb-storage"},
		},
	}
}

func keyboardDevice(name, bus, dev string) fakeDevice {
	return fakeDevice{
		name: name,
		attrs: map[string]string{
			"busnum":    bus,
			"devnum":    dev,
			"idVendor":  "046d",
			"idProduct": "c31c",
			"speed":     "1.5",
		},
		interfaces: []fakeInterface{
			{number: "00", class: "03", subClass: "01", protocol: "01", driver: "usbhid"},
		},
	}
}

// =============================================================================
// Scan Tests
// =============================================================================

func TestScan(t *testing.T) {
	root := makeSysfs(t,
		massStorageDevice("1-1", "1", "4"),
		keyboardDevice("1-2", "1", "5"),
		fakeDevice{name: "usb1", attrs: map[string]string{"busnum": "1", "devnum": "1"}},
		fakeDevice{name: "2-1", attrs: map[string]string{"devnum": "2"}}, // no busnum
	)

	devices, err := Scan(root)
	require.NoError(t, err)
	require.Len(t, devices, 2)

	byName := map[string]Info{}
	for _, d := range devices {
		byName[d.Name] = d
	}

	msc := byName["1-1"]
	assert.Equal(t, uint8(1), msc.Bus)
	assert.Equal(t, uint8(4), msc.Dev)
	assert.Equal(t, uint16(0x0781), msc.VendorID)
	assert.Equal(t, uint16(0x5567), msc.ProductID)
	assert.Equal(t, uint8(1), msc.Configuration)
	assert.Equal(t, hal.SpeedHigh, msc.Speed)
	assert.Equal(t, "SanDisk", msc.Manufacturer)
	assert.Equal(t, "Cruzer Blade", msc.Product)
	assert.Equal(t, "4C530001", msc.Serial)
	require.Len(t, msc.Interfaces, 1)
	assert.Equal(t, InterfaceInfo{
		Number:   0,
		Class:    0x08,
		SubClass: 0x06,
		Protocol: 0x50,
		Driver:   "usb-storage",
	}, msc.Interfaces[0])
	assert.True(t, msc.HasMassStorage())
	assert.True(t, MassStorageOnly(&msc))

	kbd := byName["1-2"]
	assert.Equal(t, hal.SpeedLow, kbd.Speed)
	assert.False(t, kbd.HasMassStorage())
	assert.False(t, MassStorageOnly(&kbd))
}

func TestScanMissingRoot(t *testing.T) {
	_, err := Scan(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestLookup(t *testing.T) {
	root := makeSysfs(t,
		massStorageDevice("1-1", "1", "4"),
		massStorageDevice("2-3", "2", "7"),
	)

	info, ok := lookup(root, 2, 7)
	require.True(t, ok)
	assert.Equal(t, "2-3", info.Name)

	_, ok = lookup(root, 2, 8)
	assert.False(t, ok)
}

func TestInfoString(t *testing.T) {
	info := Info{Bus: 1, Dev: 4, VendorID: 0x0781, ProductID: 0x5567, Speed: hal.SpeedHigh}
	assert.Equal(t, "001/004 0781:5567 "+hal.SpeedHigh.String(), info.String())
	assert.Equal(t, "/dev/bus/usb/001/004", info.DevfsPath(DevfsUSBPath))
}

// =============================================================================
// Path Tests
// =============================================================================

func TestFormatDevfsPath(t *testing.T) {
	tests := []struct {
		bus, dev uint8
		expected string
	}{
		{1, 1, "/dev/bus/usb/001/001"},
		{1, 123, "/dev/bus/usb/001/123"},
		{12, 34, "/dev/bus/usb/012/034"},
		{255, 255, "/dev/bus/usb/255/255"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, formatDevfsPath(DevfsUSBPath, tt.bus, tt.dev))
	}
}

func TestParseDevfsPath(t *testing.T) {
	root := "/dev/bus/usb"
	tests := []struct {
		path     string
		bus, dev uint8
		kind     devfsNode
	}{
		{"/dev/bus/usb/001", 1, 0, nodeBus},
		{"/dev/bus/usb/001/004", 1, 4, nodeDevice},
		{"/dev/bus/usb/012/127", 12, 127, nodeDevice},
		{"/dev/bus/usb", 0, 0, nodeOther},
		{"/dev/bus/usb/000/001", 0, 0, nodeOther},
		{"/dev/bus/usb/001/000", 0, 0, nodeOther},
		{"/dev/bus/usb/001/abc", 0, 0, nodeOther},
		{"/dev/bus/usb/001/004/x", 0, 0, nodeOther},
		{"/dev/bus/usb/999", 0, 0, nodeOther},
		{"/dev/null", 0, 0, nodeOther},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			bus, dev, kind := parseDevfsPath(root, tt.path)
			assert.Equal(t, tt.kind, kind)
			assert.Equal(t, tt.bus, bus)
			assert.Equal(t, tt.dev, dev)
		})
	}
}

// =============================================================================
// Speed Tests
// =============================================================================

func TestParseSpeed(t *testing.T) {
	tests := []struct {
		input    string
		expected hal.Speed
	}{
		{"1.5", hal.SpeedLow},
		{"12", hal.SpeedFull},
		{"480", hal.SpeedHigh},
		{"5000", hal.SpeedUnknown},
		{"", hal.SpeedUnknown},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, parseSpeed(tt.input), "speed %q", tt.input)
	}
}

func TestKernelSpeed(t *testing.T) {
	tests := []struct {
		input    int
		expected hal.Speed
	}{
		{kernelSpeedUnknown, hal.SpeedUnknown},
		{kernelSpeedLow, hal.SpeedLow},
		{kernelSpeedFull, hal.SpeedFull},
		{kernelSpeedHigh, hal.SpeedHigh},
		{5, hal.SpeedUnknown},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, kernelSpeed(tt.input), "speed %d", tt.input)
	}
}
