// Package pkg provides shared utilities for the mschost USB mass-storage stack.
//
// This package contains common functionality used across the host, HAL and
// class layers, including:
//
//   - Structured logging via Go's standard [log/slog] package
//   - Rotated file logging for long-running hosts
//   - Sentinel error types for USB protocol errors
//   - Component identifiers for log filtering
//
// # Logging
//
// The logging subsystem wraps [log/slog] with USB-specific context:
//
//	pkg.SetLogLevel(slog.LevelDebug)
//	pkg.LogInfo(pkg.ComponentMSC, "lun ready", "lun", 0, "blocks", 1000)
//
// # Errors
//
// Common USB errors are defined as sentinel values:
//
//	if errors.Is(err, pkg.ErrStall) {
//	    // Handle endpoint stall
//	}
package pkg
