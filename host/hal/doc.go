// Package hal defines the Hardware Abstraction Layer interface for the USB
// host stack.
//
// The HAL is the narrow boundary between the protocol logic in package host
// and a concrete controller. It moves single transactions and reports port
// state; everything above that (retries, stall recovery, enumeration, BOT)
// lives in the stack.
//
// # Implementations
//
//   - [github.com/ardnew/mschost/host/hal/sim]: an in-process controller with
//     an emulated mass-storage function and fault injection, used by tests
//     and the demo command.
//   - [github.com/ardnew/mschost/host/hal/linux]: Linux usbfs access to real
//     devices.
//
// # Implementing a HAL
//
//  1. Create a type that implements all [HostHAL] methods
//  2. Handle controller initialization in Init()
//  3. Report connection and speed through GetPortStatus()
//  4. Map controller errors onto the pkg sentinels (ErrStall, ErrNAK,
//     ErrTimeout, ErrNoDevice)
package hal
