// Package prof captures runtime/pprof profiles around one run of a
// command.
//
//	p, err := prof.Start(prof.Options{CPU: "cpu.prof", Heap: "heap.prof"})
//	if err != nil {
//		return err
//	}
//	defer p.Stop()
//
// The CPU profile streams while the run is active. The other profiles are
// snapshots written by Stop.
package prof

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"runtime/pprof"
	"sync"

	"go.uber.org/multierr"
)

// ErrActive is returned by Start while another run is being profiled.
var ErrActive = errors.New("profiling already active")

// Options names the output file of each profile. Empty paths are skipped.
type Options struct {
	CPU   string
	Heap  string
	Block string
	Mutex string
}

// Enabled reports whether any profile is requested.
func (o Options) Enabled() bool {
	return o.CPU != "" || o.Heap != "" || o.Block != "" || o.Mutex != ""
}

// Profiler is an active profiling run.
type Profiler struct {
	opts    Options
	cpuFile *os.File
	stopped bool
	mutex   sync.Mutex
}

var (
	activeMutex sync.Mutex
	active      bool
)

// Start begins profiling. Only one Profiler may be active at a time because
// the runtime has a single CPU profile.
func Start(opts Options) (*Profiler, error) {
	activeMutex.Lock()
	defer activeMutex.Unlock()
	if active {
		return nil, ErrActive
	}

	p := &Profiler{opts: opts}
	if opts.CPU != "" {
		f, err := os.Create(opts.CPU)
		if err != nil {
			return nil, fmt.Errorf("cpu profile: %w", err)
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			f.Close()
			return nil, fmt.Errorf("cpu profile: %w", err)
		}
		p.cpuFile = f
	}
	if opts.Block != "" {
		runtime.SetBlockProfileRate(1)
	}
	if opts.Mutex != "" {
		runtime.SetMutexProfileFraction(1)
	}

	active = true
	return p, nil
}

// Stop ends the CPU profile and writes the snapshot profiles. It is safe to
// call more than once.
func (p *Profiler) Stop() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.stopped {
		return nil
	}
	p.stopped = true

	var err error
	if p.cpuFile != nil {
		pprof.StopCPUProfile()
		err = multierr.Append(err, p.cpuFile.Close())
	}
	if p.opts.Heap != "" {
		runtime.GC()
		err = multierr.Append(err, write("heap", p.opts.Heap))
	}
	if p.opts.Block != "" {
		err = multierr.Append(err, write("block", p.opts.Block))
		runtime.SetBlockProfileRate(0)
	}
	if p.opts.Mutex != "" {
		err = multierr.Append(err, write("mutex", p.opts.Mutex))
		runtime.SetMutexProfileFraction(0)
	}

	activeMutex.Lock()
	active = false
	activeMutex.Unlock()
	return err
}

func write(name, path string) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("%s profile: %w", name, err)
	}
	defer func() {
		err = multierr.Append(err, f.Close())
	}()
	if err := pprof.Lookup(name).WriteTo(f, 0); err != nil {
		return fmt.Errorf("%s profile: %w", name, err)
	}
	return nil
}
