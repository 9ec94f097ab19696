// Command vmmctl is the host harness for vmmcore: it parses a YAML VM
// config, loads a guest image into a freshly created VirtualMachine, and
// bridges the guest's serial console and keyboard to the operator's
// terminal until the guest halts or the operator detaches.
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"

	"github.com/schollz/progressbar/v3"

	"github.com/v3vee-go/vmmcore/config"
	"github.com/v3vee-go/vmmcore/core_engine"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "vmmctl: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = flag.String("config", "", "path to a YAML VM config (memory_mb, vcpus, debug, load_addr)")
		imagePath  = flag.String("image", "", "path to a flat guest image to load into memory (required)")
		memMB      = flag.Uint64("memory-mb", 128, "guest memory size in MiB, overridden by config's memory_mb if set")
		vcpus      = flag.Int("vcpus", 1, "number of VCPUs, overridden by config's vcpus if set")
		debug      = flag.Bool("debug", false, "enable verbose VMM logging, overridden by config's debug if set")
		loadAddr   = flag.Uint64("load-addr", 0, "guest-physical address to load the image at, overridden by config's load_addr if set")
		headless   = flag.Bool("headless", false, "run without attaching an interactive console (useful under CI)")
	)
	flag.Parse()

	if *imagePath == "" {
		return fmt.Errorf("-image is required")
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	memSize := *memMB * 1024 * 1024
	numVCPUs := *vcpus
	enableDebug := *debug
	addr := *loadAddr

	if cfg != nil {
		if err := cfg.CheckProtocolVersion("protocol_version", "1.0.0"); err != nil {
			return err
		}
		if v, ok := cfg.Val("memory_mb"); ok {
			if _, err := fmt.Sscanf(v, "%d", &memSize); err != nil {
				return fmt.Errorf("config: bad memory_mb %q: %w", v, err)
			}
			memSize *= 1024 * 1024
		}
		if v, ok := cfg.Val("vcpus"); ok {
			if _, err := fmt.Sscanf(v, "%d", &numVCPUs); err != nil {
				return fmt.Errorf("config: bad vcpus %q: %w", v, err)
			}
		}
		if v, ok := cfg.Val("debug"); ok {
			enableDebug = v == "true"
		}
		if v, ok := cfg.Val("load_addr"); ok {
			if _, err := fmt.Sscanf(v, "0x%x", &addr); err != nil {
				if _, err := fmt.Sscanf(v, "%d", &addr); err != nil {
					return fmt.Errorf("config: bad load_addr %q: %w", v, err)
				}
			}
		}
	}

	image, err := loadImage(*imagePath)
	if err != nil {
		return err
	}

	vm, err := core_engine.NewVirtualMachine(memSize, numVCPUs, enableDebug)
	if err != nil {
		return fmt.Errorf("create VM: %w", err)
	}
	defer vm.Close()

	if err := vm.LoadBinary(image, addr); err != nil {
		return fmt.Errorf("load guest image: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	var console *Console
	if !*headless {
		var err error
		console, err = NewConsole(int(os.Stdin.Fd()), 80, 25)
		if err != nil {
			log.Printf("vmmctl: no interactive console available (%v), falling back to headless", err)
		} else {
			defer console.Restore()
			vm.SetSerialOutput(console.Writer())
		}
	}

	runErr := make(chan error, 1)
	go func() { runErr <- vm.Run() }()

	if console == nil {
		select {
		case <-ctx.Done():
			vm.Stop()
			return <-runErr
		case err := <-runErr:
			return err
		}
	}

	go func() {
		if err := console.Run(ctx, os.Stdin, os.Stdout, vm.EventBus()); err != nil && ctx.Err() == nil {
			log.Printf("vmmctl: console: %v", err)
		}
		vm.Stop()
	}()

	return <-runErr
}

// loadConfig parses path as a YAML VM config, or returns (nil, nil) if
// path is empty (CLI flags and their defaults are authoritative then).
func loadConfig(path string) (*config.Node, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	node, err := config.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return node, nil
}

// loadImage reads path into memory, rendering a byte-progress bar on
// stderr for large images (e.g. a full kernel+initrd image rather than a
// small bootloader stub).
func loadImage(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open image %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat image %s: %w", path, err)
	}

	bar := progressbar.DefaultBytes(info.Size(), fmt.Sprintf("loading %s", path))
	defer bar.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(io.MultiWriter(&buf, bar), f); err != nil {
		return nil, fmt.Errorf("read image %s: %w", path, err)
	}
	return buf.Bytes(), nil
}
