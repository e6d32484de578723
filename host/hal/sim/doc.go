// Package sim provides an in-process [hal.HostHAL] with an emulated USB
// mass-storage function.
//
// The controller has a single root port. A [Function] plugged into it answers
// standard requests, the Bulk-Only Transport class requests and a SCSI block
// command set (TEST UNIT READY, REQUEST SENSE, INQUIRY, MODE SENSE(6),
// READ CAPACITY(10), READ CAPACITY(16), READ(10), WRITE(10)) over one or more
// logical units backed by a [Storage].
//
// # Fault Injection
//
// Tests drive error paths through [Controller.Inject] and its shorthands:
//
//   - STALL or NAK the next N transfers on an endpoint
//   - corrupt the tag, residue or signature of the next CSW
//   - report a phase error in the next CSW
//   - hold a data-IN stage until the function is detached
//
// [Config] covers the device-level variations: interface class triple,
// GET_MAX_LUN stall, units that report UNIT ATTENTION after attach.
//
// # Usage
//
//	ctrl := sim.New()
//	ctrl.Attach(sim.NewFunction(sim.DefaultConfig()), hal.SpeedHigh)
//
//	h := host.New(ctrl)
//	if err := h.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// [Controller.Stats] records what crossed the wire so tests can assert on CBW
// counts, tags and clear-halt requests.
package sim
