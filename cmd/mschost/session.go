package main

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/ardnew/mschost/host"
	"github.com/ardnew/mschost/host/class/msc"
	"github.com/ardnew/mschost/host/hal"
	"github.com/ardnew/mschost/pkg"
)

// storageFunc works with the units of an attached device.
type storageFunc func(ctx context.Context, t *msc.Transport, luns []*msc.LUN) error

// runSession starts a host on ctrl, waits for one mass-storage device and
// hands its units to work. A detach while work runs fails its I/O with
// DeviceGone instead of waiting for transfer timeouts.
func runSession(ctx context.Context, ctrl hal.HostHAL, cfg Config, con *console, work storageFunc) (err error) {
	h := host.New(ctrl, cfg.hostOptions()...)
	if err := h.Start(ctx); err != nil {
		return fmt.Errorf("start host: %w", err)
	}
	defer func() {
		if stopErr := h.Stop(); stopErr != nil {
			pkg.LogWarn(pkg.ComponentCLI, "stopping host", "error", stopErr)
		}
	}()
	con.print(con.info, "> Host library initialized")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer cancel()
		t, luns, err := attachStorage(gctx, h, cfg, con)
		if err != nil {
			return err
		}
		defer func() {
			if err := t.Close(); err != nil {
				pkg.LogWarn(pkg.ComponentCLI, "closing transport", "error", err)
			}
		}()
		return work(gctx, t, luns)
	})

	g.Go(func() error {
		return watchDisconnect(gctx, ctrl, h)
	})

	return g.Wait()
}

// attachStorage waits for a device, enumerates it and discovers its units.
func attachStorage(ctx context.Context, h *host.Host, cfg Config, con *console) (*msc.Transport, []*msc.LUN, error) {
	s, err := h.WaitSession(ctx, con)
	if err != nil {
		return nil, nil, fmt.Errorf("wait for device: %w", err)
	}

	// The prompt has no deadline.
	timeout := cfg.Host.EnumTimeout.Duration
	if con.interactive {
		timeout = 0
	}
	state, err := s.WaitForCompletion(ctx, timeout)
	if state != host.StateRunning {
		if err == nil {
			err = fmt.Errorf("%w: session ended in state %s", pkg.ErrNoDevice, state)
		}
		return nil, nil, fmt.Errorf("enumerate port %d: %w", s.Port(), err)
	}

	t, err := msc.New(s, cfg.mscOptions())
	if err != nil {
		return nil, nil, err
	}
	luns, err := t.Init(ctx)
	if err != nil {
		_ = t.Close()
		return nil, nil, fmt.Errorf("discover units: %w", err)
	}
	return t, luns, nil
}

// watchDisconnect reports a detach to the session on the port until ctx
// ends.
func watchDisconnect(ctx context.Context, ctrl hal.HostHAL, h *host.Host) error {
	for {
		port, err := ctrl.WaitForDisconnection(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, pkg.ErrNotRunning) {
				return nil
			}
			return err
		}
		pkg.LogDebug(pkg.ComponentCLI, "device detached", "port", port)
		if s := h.Session(port); s != nil {
			s.Disconnect()
		}
	}
}
