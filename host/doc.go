// Package host implements the host side of a USB mass-storage stack: device
// enumeration and the transfer engine that class drivers use to reach a
// device's endpoints.
//
// It is platform-agnostic and interacts with hardware via the [hal.HostHAL]
// interface defined in the github.com/ardnew/mschost/host/hal package.
//
// # Architecture
//
//   - Host owns the controller, the bus address pool and one Session per port
//   - Session drives enumeration of one attached device, one transition per
//     Poll, and reports lifecycle events through Callbacks
//   - Device holds the descriptors gathered during enumeration
//   - Engine serialises control and bulk transactions, retries NAKs and
//     timeouts, and recovers from a single endpoint STALL
//
// # Enumeration
//
// A session walks Idle, Attached, Resetting, SpeedDetected,
// DeviceDescriptorRead, AddressAssigned, ConfigDescriptorRead, StringsRead,
// Configured and Running. Only SCSI transparent / Bulk-Only mass-storage
// interfaces are accepted. Failures end in StateFailed; a vanished device
// ends in StateDisconnected from any state. Neither is retried: the device
// must be replugged.
//
// # Cooperative Scheduling
//
// Poll never blocks on the application. After OnEnumerationDone the session
// waits in StateConfigured until Callbacks.PollUserContinue returns true.
// WaitForCompletion wraps Poll with a deadline for callers that prefer to
// block.
//
// # Example
//
//	h := host.New(controller)
//	if err := h.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer h.Stop()
//
//	s, err := h.WaitSession(ctx, host.NopCallbacks{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if state, err := s.WaitForCompletion(ctx, 5*time.Second); state != host.StateRunning {
//	    log.Fatalf("enumeration ended in %s: %v", state, err)
//	}
//
// Mass-storage access is layered on a running session by
// [github.com/ardnew/mschost/host/class/msc].
package host
