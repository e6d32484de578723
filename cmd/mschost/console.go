package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/olekukonko/tablewriter"

	"github.com/ardnew/mschost/host"
	"github.com/ardnew/mschost/host/class/msc"
	"github.com/ardnew/mschost/host/hal"
	"github.com/ardnew/mschost/pkg"
	"github.com/ardnew/mschost/pkg/usbid"
)

// console prints the status lines of a session and answers the prompt
// between enumeration and I/O.
type console struct {
	out io.Writer
	in  io.Reader

	// interactive waits for Enter before the session may run.
	interactive bool
	prompt      sync.Once
	proceed     atomic.Bool

	// ids names devices when set.
	ids *usbid.Database

	info  func(format string, a ...any) string
	good  func(format string, a ...any) string
	warn  func(format string, a ...any) string
	fault func(format string, a ...any) string
}

func newConsole(out io.Writer, in io.Reader, cfg Config) *console {
	info := color.New(color.FgCyan)
	good := color.New(color.FgGreen)
	warn := color.New(color.FgYellow)
	fault := color.New(color.FgHiRed, color.Bold)
	if !cfg.Log.Color {
		for _, c := range []*color.Color{info, good, warn, fault} {
			c.DisableColor()
		}
	}

	return &console{
		out:         out,
		in:          in,
		interactive: !cfg.Yes && isTerminal(in),
		info:        info.SprintfFunc(),
		good:        good.SprintfFunc(),
		warn:        warn.SprintfFunc(),
		fault:       fault.SprintfFunc(),
	}
}

func isTerminal(r io.Reader) bool {
	f, ok := r.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func (c *console) print(style func(string, ...any) string, format string, a ...any) {
	fmt.Fprintln(c.out, style(format, a...))
}

// loadIDs attaches the usb.ids database at path, or at the default
// locations when path is empty. A missing database only loses the names.
func (c *console) loadIDs(path string) {
	var paths []string
	if path != "" {
		paths = []string{path}
	}
	db, err := usbid.Load(paths...)
	if err != nil {
		pkg.LogDebug(pkg.ComponentCLI, "no usb.ids database", "error", err)
		return
	}
	c.ids = db
}

// =============================================================================
// Session Callbacks
// =============================================================================

func (c *console) OnAttach() {
	c.print(c.info, "> Device attached")
}

func (c *console) OnReset() {
	c.print(c.info, "> Resetting device")
}

func (c *console) OnDisconnect() {
	c.print(c.warn, "> Device disconnected")
}

func (c *console) OnOverCurrent() {
	c.print(c.fault, "> Overcurrent detected")
}

func (c *console) OnSpeedDetected(speed hal.Speed) {
	switch speed {
	case hal.SpeedHigh:
		c.print(c.info, "> High speed device detected")
	case hal.SpeedFull:
		c.print(c.info, "> Full speed device detected")
	case hal.SpeedLow:
		c.print(c.info, "> Low speed device detected")
	default:
		c.print(c.fault, "> Device fault")
	}
}

func (c *console) OnDeviceDescriptor(vendorID, productID uint16) {
	c.print(c.info, "VID : %04Xh", vendorID)
	c.print(c.info, "PID : %04Xh", productID)
	if name := c.ids.Name(vendorID, productID); name != "" {
		c.print(c.info, "> %s", name)
	}
}

func (c *console) OnAddressAssigned(addr hal.DeviceAddress) {
	c.print(c.info, "> Address %d assigned", addr)
}

func (c *console) OnConfigurationDescriptor(interfaceClass, endpointCount uint8) {
	switch interfaceClass {
	case host.ClassMassStorage:
		c.print(c.good, "> Mass storage device connected")
	case 0x03:
		c.print(c.warn, "> HID device connected")
	case 0xFF:
		c.print(c.warn, "> Vendor defined class")
	default:
		c.print(c.warn, "> Other class : %d", interfaceClass)
	}
	c.print(c.info, "> Number of endpoints used : %d", endpointCount)
}

func (c *console) OnStrings(manufacturer, product, serial string) {
	c.describe("Manufacturer", "manufacturer", manufacturer)
	c.describe("Product", "product", product)
	c.describe("Serial Number", "serial number", serial)
}

func (c *console) describe(label, noun, value string) {
	if value == "" {
		c.print(c.info, "No %s string.", noun)
		return
	}
	c.print(c.info, "%s : %s", label, value)
}

func (c *console) OnEnumerationDone() {
	c.print(c.good, "> Enumeration completed")
}

func (c *console) OnDeviceNotSupported() {
	c.print(c.fault, "> Device not supported")
}

func (c *console) OnUnrecoverableError(err error) {
	c.print(c.fault, "> Unrecovered error state: %v", err)
}

// PollUserContinue prompts once and reports true after a line was read.
// Without a terminal it always reports true.
func (c *console) PollUserContinue() bool {
	if !c.interactive {
		return true
	}
	c.prompt.Do(func() {
		c.print(c.info, "Press Enter to continue...")
		go func() {
			_, _ = bufio.NewReader(c.in).ReadString('\n')
			c.proceed.Store(true)
		}()
	})
	return c.proceed.Load()
}

var _ host.Callbacks = (*console)(nil)

// =============================================================================
// Reports
// =============================================================================

// capacity prints the size and write protection of a unit.
func (c *console) capacity(lun *msc.LUN) {
	size := lun.SizeBytes()
	c.print(c.info, "> Disk capacity : %d Bytes", size)
	c.print(c.info, "> Size of the disk in MBytes: %d", size>>20)
	if lun.IsWriteProtected() {
		c.print(c.warn, "> The disk is write protected")
	}
}

// lunTable lists the units of a transport.
func (c *console) lunTable(luns []*msc.LUN) {
	c.print(c.info, "> LUN available in the device: %d", len(luns))

	table := tablewriter.NewWriter(c.out)
	table.SetHeader([]string{"LUN", "Vendor", "Product", "Rev", "Blocks", "Block Size", "Removable", "WP", "Ready"})
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoFormatHeaders(false)
	for _, lun := range luns {
		inq := lun.Inquiry()
		blocks, size := lun.Capacity()
		table.Append([]string{
			strconv.Itoa(int(lun.Index())),
			inq.Vendor,
			inq.Product,
			inq.Revision,
			strconv.FormatUint(blocks, 10),
			strconv.FormatUint(uint64(size), 10),
			yesNo(inq.Removable),
			yesNo(lun.IsWriteProtected()),
			yesNo(lun.IsReady()),
		})
	}
	table.Render()
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}
