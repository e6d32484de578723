package main

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	cli "github.com/urfave/cli/v2"

	"github.com/ardnew/mschost/host"
	"github.com/ardnew/mschost/host/class/msc"
	"github.com/ardnew/mschost/pkg"
	"github.com/ardnew/mschost/pkg/prof"
)

// duration decodes TOML strings such as "250ms".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("%w: duration %q", pkg.ErrInvalidParameter, text)
	}
	d.Duration = v
	return nil
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config holds every setting of the mschost command. Values come from the
// defaults, then the TOML file, then the environment and the command line.
type Config struct {
	Log     LogConfig     `toml:"log"`
	Host    HostConfig    `toml:"host"`
	MSC     MSCConfig     `toml:"msc"`
	Demo    DemoConfig    `toml:"demo"`
	Probe   ProbeConfig   `toml:"probe"`
	Profile ProfileConfig `toml:"profile"`

	// Yes skips the prompt between enumeration and I/O.
	Yes bool `toml:"yes"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	File   string `toml:"file"`
	Color  bool   `toml:"color"`
}

type HostConfig struct {
	ControlTimeout duration `toml:"control_timeout"`
	BulkTimeout    duration `toml:"bulk_timeout"`
	ResetSettle    duration `toml:"reset_settle"`
	EnumTimeout    duration `toml:"enum_timeout"`
}

type MSCConfig struct {
	MaxTransferBlocks uint16   `toml:"max_transfer_blocks"`
	ReadyRetries      int      `toml:"ready_retries"`
	ReadyInterval     duration `toml:"ready_interval"`
}

type DemoConfig struct {
	Image     string `toml:"image"`
	Blocks    uint64 `toml:"blocks"`
	BlockSize uint32 `toml:"block_size"`
	LUNs      int    `toml:"luns"`
	LBA       uint64 `toml:"lba"`
	Message   string `toml:"message"`
	ReadOnly  bool   `toml:"read_only"`
}

type ProbeConfig struct {
	Sysfs     string `toml:"sysfs"`
	Devfs     string `toml:"devfs"`
	USBIDs    string `toml:"usb_ids"`
	Reset     bool   `toml:"reset"`
	Reattach  bool   `toml:"reattach"`
	DumpLBA   int64  `toml:"dump_lba"`
	DumpCount uint32 `toml:"dump_count"`
}

type ProfileConfig struct {
	CPU  string `toml:"cpu"`
	Heap string `toml:"heap"`
}

func (p ProfileConfig) options() prof.Options {
	return prof.Options{CPU: p.CPU, Heap: p.Heap}
}

// defaultMessage is written by the demo, as the vendor demo application
// writes its text file.
const defaultMessage = "mschost demo application writing through BOT/SCSI"

// DefaultConfig returns the built-in settings.
func DefaultConfig() Config {
	timeouts := host.DefaultTimeouts()
	return Config{
		Log: LogConfig{
			Level:  "warn",
			Format: "text",
			Color:  true,
		},
		Host: HostConfig{
			ControlTimeout: duration{timeouts.Control},
			BulkTimeout:    duration{timeouts.Bulk},
			ResetSettle:    duration{timeouts.ResetSettle},
			EnumTimeout:    duration{10 * time.Second},
		},
		MSC: MSCConfig{
			MaxTransferBlocks: msc.DefaultMaxTransferBlocks,
			ReadyRetries:      msc.DefaultReadyRetries,
			ReadyInterval:     duration{msc.DefaultReadyInterval},
		},
		Demo: DemoConfig{
			Blocks:    2048,
			BlockSize: 512,
			LUNs:      1,
			LBA:       0,
			Message:   defaultMessage,
		},
		Probe: ProbeConfig{
			DumpLBA:   -1,
			DumpCount: 1,
		},
	}
}

// LoadConfigFile overlays the TOML file at path onto cfg. Keys absent from
// the file keep their current value; unknown keys are an error.
func LoadConfigFile(path string, cfg *Config) error {
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return fmt.Errorf("config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("config %s: %w: unknown key %q", path, pkg.ErrInvalidParameter, undecoded[0].String())
	}
	return nil
}

// loadConfig builds the configuration for a command invocation.
func loadConfig(c *cli.Context) (Config, error) {
	cfg := DefaultConfig()
	if path := c.String(flagConfig); path != "" {
		if err := LoadConfigFile(path, &cfg); err != nil {
			return cfg, err
		}
	}
	cfg.applyFlags(c)
	return cfg, cfg.validate()
}

// applyFlags overrides cfg with the flags set on the command line or through
// their environment variables.
func (cfg *Config) applyFlags(c *cli.Context) {
	setString(c, flagLogLevel, &cfg.Log.Level)
	setString(c, flagLogFormat, &cfg.Log.Format)
	setString(c, flagLogFile, &cfg.Log.File)
	if c.IsSet(flagNoColor) {
		cfg.Log.Color = !c.Bool(flagNoColor)
	}
	setString(c, flagCPUProfile, &cfg.Profile.CPU)
	setString(c, flagMemProfile, &cfg.Profile.Heap)

	setDuration(c, flagControlTimeout, &cfg.Host.ControlTimeout)
	setDuration(c, flagBulkTimeout, &cfg.Host.BulkTimeout)
	setDuration(c, flagEnumTimeout, &cfg.Host.EnumTimeout)

	if c.IsSet(flagMaxTransferBlocks) {
		cfg.MSC.MaxTransferBlocks = uint16(c.Uint(flagMaxTransferBlocks))
	}
	if c.IsSet(flagReadyRetries) {
		cfg.MSC.ReadyRetries = c.Int(flagReadyRetries)
	}

	setString(c, flagImage, &cfg.Demo.Image)
	if c.IsSet(flagBlocks) {
		cfg.Demo.Blocks = c.Uint64(flagBlocks)
	}
	if c.IsSet(flagBlockSize) {
		cfg.Demo.BlockSize = uint32(c.Uint(flagBlockSize))
	}
	if c.IsSet(flagLUNs) {
		cfg.Demo.LUNs = c.Int(flagLUNs)
	}
	if c.IsSet(flagLBA) {
		cfg.Demo.LBA = c.Uint64(flagLBA)
	}
	setString(c, flagMessage, &cfg.Demo.Message)
	setBool(c, flagReadOnly, &cfg.Demo.ReadOnly)
	setBool(c, flagYes, &cfg.Yes)

	setString(c, flagSysfs, &cfg.Probe.Sysfs)
	setString(c, flagDevfs, &cfg.Probe.Devfs)
	setString(c, flagUSBIDs, &cfg.Probe.USBIDs)
	setBool(c, flagReset, &cfg.Probe.Reset)
	setBool(c, flagReattach, &cfg.Probe.Reattach)
	if c.IsSet(flagDump) {
		cfg.Probe.DumpLBA = c.Int64(flagDump)
	}
	if c.IsSet(flagDumpCount) {
		cfg.Probe.DumpCount = uint32(c.Uint(flagDumpCount))
	}
}

func (cfg *Config) validate() error {
	if _, err := pkg.ParseLogLevel(cfg.Log.Level); err != nil {
		return err
	}
	if _, err := pkg.ParseLogFormat(cfg.Log.Format); err != nil {
		return err
	}
	switch cfg.Demo.BlockSize {
	case 512, 1024, 2048, 4096:
	default:
		return fmt.Errorf("%w: block size %d", pkg.ErrInvalidParameter, cfg.Demo.BlockSize)
	}
	if cfg.Demo.LUNs < 1 || cfg.Demo.LUNs > 16 {
		return fmt.Errorf("%w: %d LUNs", pkg.ErrInvalidParameter, cfg.Demo.LUNs)
	}
	if n := len(cfg.Demo.Message); n == 0 || n > int(cfg.Demo.BlockSize) {
		return fmt.Errorf("%w: message of %d bytes", pkg.ErrInvalidParameter, n)
	}
	if cfg.Demo.Image == "" && cfg.Demo.Blocks == 0 {
		return fmt.Errorf("%w: zero blocks", pkg.ErrInvalidParameter)
	}
	if cfg.Probe.DumpCount == 0 {
		return fmt.Errorf("%w: zero dump count", pkg.ErrInvalidParameter)
	}
	return nil
}

// hostOptions converts the host section to host.New options.
func (cfg *Config) hostOptions() []host.Option {
	return []host.Option{
		host.WithTimeouts(host.Timeouts{
			Control:     cfg.Host.ControlTimeout.Duration,
			Bulk:        cfg.Host.BulkTimeout.Duration,
			ResetSettle: cfg.Host.ResetSettle.Duration,
		}),
	}
}

// mscOptions converts the msc section to transport options.
func (cfg *Config) mscOptions() msc.Options {
	return msc.Options{
		MaxTransferBlocks: cfg.MSC.MaxTransferBlocks,
		ReadyRetries:      cfg.MSC.ReadyRetries,
		ReadyInterval:     cfg.MSC.ReadyInterval.Duration,
	}
}

func setString(c *cli.Context, name string, dst *string) {
	if c.IsSet(name) {
		*dst = c.String(name)
	}
}

func setBool(c *cli.Context, name string, dst *bool) {
	if c.IsSet(name) {
		*dst = c.Bool(name)
	}
}

func setDuration(c *cli.Context, name string, dst *duration) {
	if c.IsSet(name) {
		dst.Duration = c.Duration(name)
	}
}
