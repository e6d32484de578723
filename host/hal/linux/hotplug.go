//go:build linux && (amd64 || arm64)

package linux

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ardnew/mschost/pkg"
)

// =============================================================================
// Hotplug Monitor
// =============================================================================

// watchTree adds the devfs root and every bus directory below it to w.
func watchTree(w *fsnotify.Watcher, root string) error {
	if err := w.Add(root); err != nil {
		return err
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		path := filepath.Join(root, entry.Name())
		if _, _, kind := parseDevfsPath(root, path); kind != nodeBus {
			continue
		}
		if err := w.Add(path); err != nil {
			pkg.LogWarn(pkg.ComponentHAL, "cannot watch bus", "path", path, "error", err)
		}
	}
	return nil
}

// watch turns device node events into attach and detach calls until ctx
// ends or the watcher closes.
func (c *Controller) watch(ctx context.Context, w *fsnotify.Watcher) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			c.handleEvent(ctx, w, ev)

		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			pkg.LogWarn(pkg.ComponentHAL, "hotplug watch error", "error", err)
		}
	}
}

func (c *Controller) handleEvent(ctx context.Context, w *fsnotify.Watcher, ev fsnotify.Event) {
	bus, dev, kind := parseDevfsPath(c.opts.DevfsRoot, ev.Name)

	switch {
	case kind == nodeBus && ev.Has(fsnotify.Create):
		if err := w.Add(ev.Name); err != nil {
			pkg.LogWarn(pkg.ComponentHAL, "cannot watch bus", "path", ev.Name, "error", err)
		}

	case kind == nodeDevice && ev.Has(fsnotify.Create):
		pkg.LogDebug(pkg.ComponentHAL, "device node created", "bus", bus, "dev", dev)
		c.scheduleAttach(ctx, bus, dev)

	case kind == nodeDevice && ev.Has(fsnotify.Remove):
		pkg.LogDebug(pkg.ComponentHAL, "device node removed", "bus", bus, "dev", dev)
		if c.cancelAttach(bus, dev) {
			pkg.LogDebug(pkg.ComponentHAL, "device removed while settling", "bus", bus, "dev", dev)
			return
		}
		c.detach(bus, dev)
	}
}

// nodeKey identifies a device node by bus and device number.
type nodeKey struct {
	bus, dev uint8
}

// scheduleAttach attaches the device once the settle delay has passed,
// without holding up the event loop. A repeated create restarts the delay.
func (c *Controller) scheduleAttach(ctx context.Context, bus, dev uint8) {
	if c.opts.SettleDelay <= 0 {
		c.attach(bus, dev)
		return
	}

	key := nodeKey{bus, dev}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if ctx.Err() != nil {
		return
	}
	c.stopSettleLocked(key)

	var timer *time.Timer
	c.wg.Add(1)
	timer = time.AfterFunc(c.opts.SettleDelay, func() {
		defer c.wg.Done()

		c.mutex.Lock()
		current := c.settling[key] == timer
		if current {
			delete(c.settling, key)
		}
		c.mutex.Unlock()

		if current && ctx.Err() == nil {
			c.attach(bus, dev)
		}
	})
	c.settling[key] = timer
}

// cancelAttach drops a pending attach and reports whether one existed.
func (c *Controller) cancelAttach(bus, dev uint8) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.stopSettleLocked(nodeKey{bus, dev})
}

// stopSettleLocked removes the pending attach for key. The caller holds
// c.mutex.
func (c *Controller) stopSettleLocked(key nodeKey) bool {
	timer, ok := c.settling[key]
	if !ok {
		return false
	}
	delete(c.settling, key)
	if timer.Stop() {
		c.wg.Done()
	}
	return true
}

// stopSettlingLocked drops every pending attach. The caller holds c.mutex.
func (c *Controller) stopSettlingLocked() {
	for key := range c.settling {
		c.stopSettleLocked(key)
	}
}
