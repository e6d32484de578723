//go:build !linux || !(amd64 || arm64)

package main

import (
	"context"
	"fmt"
	"runtime"

	"github.com/ardnew/mschost/pkg"
)

func runProbe(context.Context, Config, *console) error {
	return fmt.Errorf("%w: usbfs on %s/%s", pkg.ErrNotSupported, runtime.GOOS, runtime.GOARCH)
}

func runDevices(Config, *console) error {
	return fmt.Errorf("%w: sysfs on %s/%s", pkg.ErrNotSupported, runtime.GOOS, runtime.GOARCH)
}
