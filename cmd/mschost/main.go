// Command mschost drives the USB mass-storage host stack.
//
// The demo command runs the complete attach, enumerate and block I/O flow
// against the simulated controller. The probe and devices commands use the
// Linux usbfs controller and real hardware.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	cli "github.com/urfave/cli/v2"

	"github.com/ardnew/mschost/pkg"
	"github.com/ardnew/mschost/pkg/prof"
)

const version = "v0.1.0"

// Flag names.
const (
	flagConfig            = "config"
	flagLogLevel          = "log-level"
	flagLogFormat         = "log-format"
	flagLogFile           = "log-file"
	flagNoColor           = "no-color"
	flagCPUProfile        = "cpu-profile"
	flagMemProfile        = "mem-profile"
	flagControlTimeout    = "control-timeout"
	flagBulkTimeout       = "bulk-timeout"
	flagEnumTimeout       = "enum-timeout"
	flagMaxTransferBlocks = "max-transfer-blocks"
	flagReadyRetries      = "ready-retries"
	flagImage             = "image"
	flagBlocks            = "blocks"
	flagBlockSize         = "block-size"
	flagLUNs              = "luns"
	flagLBA               = "lba"
	flagMessage           = "message"
	flagReadOnly          = "read-only"
	flagYes               = "yes"
	flagSysfs             = "sysfs"
	flagDevfs             = "devfs"
	flagUSBIDs            = "usb-ids"
	flagReset             = "reset"
	flagReattach          = "reattach"
	flagDump              = "dump"
	flagDumpCount         = "dump-count"
)

func env(name string) []string {
	return []string{"MSCHOST_" + name}
}

// newApp builds the command tree. Flags are created per app so that their
// set state does not leak between runs.
func newApp(stdout, stderr io.Writer) *cli.App {
	app := cli.NewApp()
	app.Name = "mschost"
	app.Version = version
	app.Usage = "USB mass-storage (BOT/SCSI) host"
	app.Writer = stdout
	app.ErrWriter = stderr
	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    flagConfig,
			Aliases: []string{"c"},
			EnvVars: env("CONFIG"),
			Usage:   "TOML configuration file",
		},
		&cli.StringFlag{
			Name:    flagLogLevel,
			EnvVars: env("LOG_LEVEL"),
			Usage:   "log level (debug, info, warn, error)",
		},
		&cli.StringFlag{
			Name:    flagLogFormat,
			EnvVars: env("LOG_FORMAT"),
			Usage:   "log format (text, json)",
		},
		&cli.StringFlag{
			Name:    flagLogFile,
			EnvVars: env("LOG_FILE"),
			Usage:   "write logs to a rotated file instead of stderr",
		},
		&cli.BoolFlag{
			Name:    flagNoColor,
			EnvVars: env("NO_COLOR"),
			Usage:   "disable colored status output",
		},
		&cli.StringFlag{
			Name:    flagCPUProfile,
			EnvVars: env("CPU_PROFILE"),
			Usage:   "write a CPU profile of the run",
		},
		&cli.StringFlag{
			Name:    flagMemProfile,
			EnvVars: env("MEM_PROFILE"),
			Usage:   "write a heap profile at the end of the run",
		},
		&cli.DurationFlag{
			Name:    flagControlTimeout,
			EnvVars: env("CONTROL_TIMEOUT"),
			Usage:   "deadline of one control transfer attempt",
		},
		&cli.DurationFlag{
			Name:    flagBulkTimeout,
			EnvVars: env("BULK_TIMEOUT"),
			Usage:   "deadline of one bulk transfer attempt",
		},
		&cli.DurationFlag{
			Name:    flagEnumTimeout,
			EnvVars: env("ENUM_TIMEOUT"),
			Usage:   "deadline for enumeration to finish",
		},
		&cli.UintFlag{
			Name:    flagMaxTransferBlocks,
			EnvVars: env("MAX_TRANSFER_BLOCKS"),
			Usage:   "largest READ(10)/WRITE(10) in blocks",
		},
		&cli.IntFlag{
			Name:    flagReadyRetries,
			EnvVars: env("READY_RETRIES"),
			Usage:   "TEST UNIT READY attempts per LUN",
		},
	}
	app.Commands = []*cli.Command{
		demoCommand(),
		probeCommand(),
		devicesCommand(),
	}
	return app
}

func demoCommand() *cli.Command {
	return &cli.Command{
		Name:  "demo",
		Usage: "enumerate a simulated disk and write a block through it",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    flagImage,
				EnvVars: env("IMAGE"),
				Usage:   "back the disk with an image file instead of memory",
			},
			&cli.Uint64Flag{
				Name:    flagBlocks,
				EnvVars: env("BLOCKS"),
				Usage:   "size of the memory disk in blocks",
			},
			&cli.UintFlag{
				Name:    flagBlockSize,
				EnvVars: env("BLOCK_SIZE"),
				Usage:   "block size in bytes",
			},
			&cli.IntFlag{
				Name:    flagLUNs,
				EnvVars: env("LUNS"),
				Usage:   "number of logical units",
			},
			&cli.Uint64Flag{
				Name:    flagLBA,
				EnvVars: env("LBA"),
				Usage:   "block the message is written to",
			},
			&cli.StringFlag{
				Name:    flagMessage,
				EnvVars: env("MESSAGE"),
				Usage:   "text written to the disk",
			},
			&cli.BoolFlag{
				Name:    flagReadOnly,
				EnvVars: env("READ_ONLY"),
				Usage:   "write-protect the disk",
			},
			&cli.BoolFlag{
				Name:    flagYes,
				Aliases: []string{"y"},
				EnvVars: env("YES"),
				Usage:   "do not wait for Enter after enumeration",
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := setup(c)
			if err != nil {
				return err
			}
			defer teardown()
			return runDemo(c.Context, cfg, newConsole(c.App.Writer, os.Stdin, cfg))
		},
	}
}

func probeCommand() *cli.Command {
	return &cli.Command{
		Name:  "probe",
		Usage: "enumerate a real mass-storage device through usbfs",
		Flags: append(linuxFlags(),
			&cli.BoolFlag{
				Name:    flagReset,
				EnvVars: env("RESET"),
				Usage:   "reset the device before enumerating it",
			},
			&cli.BoolFlag{
				Name:    flagReattach,
				EnvVars: env("REATTACH"),
				Usage:   "give the interface back to the kernel driver on exit",
			},
			&cli.Int64Flag{
				Name:    flagDump,
				EnvVars: env("DUMP"),
				Usage:   "hex dump the block at this LBA",
			},
			&cli.UintFlag{
				Name:    flagDumpCount,
				EnvVars: env("DUMP_COUNT"),
				Usage:   "blocks to dump",
			},
			&cli.BoolFlag{
				Name:    flagYes,
				Aliases: []string{"y"},
				EnvVars: env("YES"),
				Usage:   "do not wait for Enter after enumeration",
			},
		),
		Action: func(c *cli.Context) error {
			cfg, err := setup(c)
			if err != nil {
				return err
			}
			defer teardown()
			return runProbe(c.Context, cfg, newConsole(c.App.Writer, os.Stdin, cfg))
		},
	}
}

func devicesCommand() *cli.Command {
	return &cli.Command{
		Name:  "devices",
		Usage: "list USB devices known to sysfs",
		Flags: linuxFlags(),
		Action: func(c *cli.Context) error {
			cfg, err := setup(c)
			if err != nil {
				return err
			}
			defer teardown()
			return runDevices(cfg, newConsole(c.App.Writer, os.Stdin, cfg))
		},
	}
}

func linuxFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    flagSysfs,
			EnvVars: env("SYSFS"),
			Usage:   "sysfs USB device directory",
		},
		&cli.StringFlag{
			Name:    flagDevfs,
			EnvVars: env("DEVFS"),
			Usage:   "usbfs device node directory",
		},
		&cli.StringFlag{
			Name:    flagUSBIDs,
			EnvVars: env("USB_IDS"),
			Usage:   "usb.ids database used to name devices",
		},
	}
}

var (
	// logCloser closes the rotated log file, if any.
	logCloser io.Closer

	// profiler is the active profiling run, if any.
	profiler *prof.Profiler
)

// setup loads the configuration and applies its logging section.
func setup(c *cli.Context) (Config, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return cfg, err
	}

	level, _ := pkg.ParseLogLevel(cfg.Log.Level)
	format, _ := pkg.ParseLogFormat(cfg.Log.Format)
	pkg.SetLogLevel(level)
	if cfg.Log.File != "" {
		logger, closer := pkg.NewFileLogger(cfg.Log.File, format, pkg.FileLogOptions{
			MaxBackups: 3,
			MaxAgeDays: 28,
		})
		pkg.SetLogger(logger)
		logCloser = closer
	} else {
		pkg.SetLogFormat(format)
	}

	if opts := cfg.Profile.options(); opts.Enabled() {
		if profiler, err = prof.Start(opts); err != nil {
			closeLog()
			return cfg, err
		}
	}

	pkg.LogDebug(pkg.ComponentCLI, "configuration loaded",
		"command", c.Command.Name,
		"config", c.String(flagConfig))
	return cfg, nil
}

// teardown stops profiling and closes the log file.
func teardown() {
	if profiler != nil {
		if err := profiler.Stop(); err != nil {
			pkg.LogWarn(pkg.ComponentCLI, "writing profiles", "error", err)
		}
		profiler = nil
	}
	closeLog()
}

func closeLog() {
	if logCloser != nil {
		_ = logCloser.Close()
		logCloser = nil
	}
}

func run(args []string) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp(os.Stdout, os.Stderr).RunContext(ctx, args); err != nil {
		fmt.Fprintf(os.Stderr, "mschost: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(run(os.Args))
}
