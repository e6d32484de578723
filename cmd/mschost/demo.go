package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"

	"go.uber.org/multierr"

	"github.com/ardnew/mschost/host/class/msc"
	"github.com/ardnew/mschost/host/hal"
	"github.com/ardnew/mschost/host/hal/sim"
	"github.com/ardnew/mschost/pkg"
)

// runDemo attaches a simulated flash drive and runs the demo flow on it:
// enumerate, report the disk, write the message to a block and read it
// back, then list the units.
func runDemo(ctx context.Context, cfg Config, con *console) (err error) {
	luns, closeStorage, err := demoStorage(cfg.Demo)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, closeStorage())
	}()

	ctrl := sim.New()
	defer ctrl.Close()

	fn := sim.NewFunction(sim.DefaultConfig(), luns...)
	ctrl.Attach(fn, hal.SpeedHigh)

	return runSession(ctx, ctrl, cfg, con, func(ctx context.Context, _ *msc.Transport, units []*msc.LUN) error {
		if len(units) == 0 {
			return fmt.Errorf("%w: no usable unit", pkg.ErrNoDevice)
		}
		lun := units[0]
		con.capacity(lun)

		if err := writeMessage(ctx, lun, cfg.Demo, con); err != nil {
			return err
		}
		con.lunTable(units)

		stats := ctrl.Stats()
		pkg.LogInfo(pkg.ComponentCLI, "demo finished",
			"commands", stats.CBWs,
			"bulk_bytes", stats.BulkBytes,
			"resets", stats.MassStorageReset)
		return nil
	})
}

// writeMessage stores the message at the configured block and verifies it
// through the io.ReaderAt view of the unit.
func writeMessage(ctx context.Context, lun *msc.LUN, cfg DemoConfig, con *console) error {
	if lun.IsWriteProtected() {
		con.print(con.warn, "> Disk is write protected, nothing written")
		return nil
	}

	_, blockSize := lun.Capacity()
	block := make([]byte, blockSize)
	copy(block, cfg.Message)

	con.print(con.info, "> Writing text to block %d ...", cfg.LBA)
	if err := lun.WriteBlocks(ctx, cfg.LBA, 1, block); err != nil {
		return fmt.Errorf("write block %d: %w", cfg.LBA, err)
	}
	if err := lun.Sync(ctx); err != nil {
		return fmt.Errorf("sync: %w", err)
	}

	readBack := make([]byte, len(cfg.Message))
	if _, err := lun.ReadAt(readBack, int64(cfg.LBA)*int64(blockSize)); err != nil {
		return fmt.Errorf("read block %d: %w", cfg.LBA, err)
	}
	if !bytes.Equal(readBack, []byte(cfg.Message)) {
		return fmt.Errorf("%w: block %d read back %q", pkg.ErrProtocol, cfg.LBA, readBack)
	}
	con.print(con.good, "> Block %d read back: %q", cfg.LBA, readBack)
	return nil
}

// demoStorage creates the media of the simulated drive. With an image the
// first unit is file backed and created on first use.
func demoStorage(cfg DemoConfig) ([]sim.Storage, func() error, error) {
	var (
		luns   []sim.Storage
		closer = func() error { return nil }
	)

	if cfg.Image != "" {
		if _, err := os.Stat(cfg.Image); errors.Is(err, os.ErrNotExist) {
			if err := sim.CreateImage(cfg.Image, cfg.Blocks, cfg.BlockSize); err != nil {
				return nil, nil, fmt.Errorf("create image: %w", err)
			}
		}
		file, err := sim.NewFileStorage(cfg.Image, cfg.BlockSize, cfg.ReadOnly)
		if err != nil {
			return nil, nil, fmt.Errorf("open image: %w", err)
		}
		luns = append(luns, file)
		closer = file.Close
	}

	for len(luns) < cfg.LUNs {
		mem := sim.NewMemoryStorage(cfg.Blocks, cfg.BlockSize)
		mem.SetReadOnly(cfg.ReadOnly)
		luns = append(luns, mem)
	}
	return luns, closer, nil
}
