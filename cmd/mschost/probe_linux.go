//go:build linux && (amd64 || arm64)

package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/olekukonko/tablewriter"

	"github.com/ardnew/mschost/host/class/msc"
	"github.com/ardnew/mschost/host/hal/linux"
	"github.com/ardnew/mschost/pkg"
)

// runProbe enumerates the first mass-storage device that is present or
// plugged in, reports its units and optionally dumps blocks of unit 0.
func runProbe(ctx context.Context, cfg Config, con *console) error {
	ctrl := linux.New(linux.Options{
		SysfsRoot:        cfg.Probe.Sysfs,
		DevfsRoot:        cfg.Probe.Devfs,
		ResetOnEnumerate: cfg.Probe.Reset,
		ReattachDriver:   cfg.Probe.Reattach,
	})
	defer func() {
		if err := ctrl.Close(); err != nil {
			pkg.LogWarn(pkg.ComponentCLI, "closing usbfs controller", "error", err)
		}
	}()

	con.loadIDs(cfg.Probe.USBIDs)
	con.print(con.info, "> Waiting for a mass-storage device ...")
	return runSession(ctx, ctrl, cfg, con, func(ctx context.Context, _ *msc.Transport, luns []*msc.LUN) error {
		for _, lun := range luns {
			con.print(con.info, "> %s", lun)
			con.capacity(lun)
		}
		con.lunTable(luns)

		if cfg.Probe.DumpLBA < 0 || len(luns) == 0 {
			return nil
		}
		return dumpBlocks(ctx, luns[0], uint64(cfg.Probe.DumpLBA), cfg.Probe.DumpCount, con)
	})
}

func dumpBlocks(ctx context.Context, lun *msc.LUN, lba uint64, count uint32, con *console) error {
	_, blockSize := lun.Capacity()
	buf := make([]byte, uint64(count)*uint64(blockSize))
	if err := lun.ReadBlocks(ctx, lba, count, buf); err != nil {
		return fmt.Errorf("read %d blocks at %d: %w", count, lba, err)
	}
	con.print(con.info, "> Blocks %d-%d", lba, lba+uint64(count)-1)
	fmt.Fprint(con.out, hex.Dump(buf))
	return nil
}

// runDevices lists the USB devices in sysfs and marks the ones the probe
// would open.
func runDevices(cfg Config, con *console) error {
	root := cfg.Probe.Sysfs
	if root == "" {
		root = linux.SysfsUSBPath
	}
	devices, err := linux.Scan(root)
	if err != nil {
		return fmt.Errorf("scan %s: %w", root, err)
	}

	con.loadIDs(cfg.Probe.USBIDs)

	table := tablewriter.NewWriter(con.out)
	table.SetHeader([]string{"Bus", "Dev", "ID", "Name", "Speed", "Manufacturer", "Product", "Serial", "Driver", "MSC"})
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoFormatHeaders(false)
	for i := range devices {
		d := &devices[i]
		table.Append([]string{
			strconv.Itoa(int(d.Bus)),
			strconv.Itoa(int(d.Dev)),
			fmt.Sprintf("%04x:%04x", d.VendorID, d.ProductID),
			con.ids.Name(d.VendorID, d.ProductID),
			d.Speed.String(),
			d.Manufacturer,
			d.Product,
			d.Serial,
			storageDriver(d),
			yesNo(d.HasMassStorage()),
		})
	}
	table.Render()
	return nil
}

// storageDriver names the kernel driver bound to the mass-storage
// interface, or to the first interface otherwise.
func storageDriver(d *linux.Info) string {
	for _, iface := range d.Interfaces {
		if iface.Class == linux.ClassMassStorage {
			return iface.Driver
		}
	}
	if len(d.Interfaces) > 0 {
		return d.Interfaces[0].Driver
	}
	return ""
}
