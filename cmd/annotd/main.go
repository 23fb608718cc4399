// annotd - image annotation daemon
//
// annotd tracks a collection of images, keeps their annotation
// sidecars on disk and drives the selection and edit lifecycle for
// clients attached over a local socket:
//
//	annotd init             Write a default configuration file
//	annotd serve            Run the daemon
//	annotd status           Check whether a daemon is running
//	annotd version          Print the version
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"annotd/internal/config"
	"annotd/internal/ipc"
)

// Version is the annotd release version.
const Version = "0.4.0"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		cmdServe()
	case "init":
		cmdInit()
	case "status":
		cmdStatus()
	case "version", "-v", "--version":
		fmt.Printf("annotd %s\n", Version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`annotd - image annotation daemon

USAGE:
    annotd <command> [options]

COMMANDS:
    serve       Run the annotation daemon
    init        Write a default configuration file
    status      Check whether a daemon is running
    version     Print the version
    help        Show this help message

BASIC WORKFLOW:
    1. annotd init -root ~/photos      # One-time setup
    2. annotd serve                    # Run the daemon
    3. annotctl list                   # Work with annotations

Annotations live next to their images as .annotations.json sidecars,
so the collection stays valid without the daemon. The daemon adds the
selection lifecycle, change watching, the edit journal and the local
control socket used by annotctl and annotd-gui.`)
}

func cmdInit() {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	configPath := fs.String("config", "", "configuration file path")
	root := fs.String("root", "", "image directory to track")
	fs.Parse(os.Args[2:])

	path := *configPath
	if path == "" {
		path = config.ConfigPath()
	}

	cfg, created, err := config.LoadOrCreate(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	if *root != "" {
		abs, err := filepath.Abs(*root)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error resolving root: %v\n", err)
			os.Exit(1)
		}
		if !containsString(cfg.Collection.Roots, abs) {
			cfg.Collection.Roots = append(cfg.Collection.Roots, abs)
			if err := config.SaveConfig(cfg, path); err != nil {
				fmt.Fprintf(os.Stderr, "Error saving configuration: %v\n", err)
				os.Exit(1)
			}
		}
	}

	if err := cfg.EnsureDirectories(); err != nil {
		fmt.Fprintf(os.Stderr, "Error creating directories: %v\n", err)
		os.Exit(1)
	}

	if created {
		fmt.Printf("Wrote default configuration to %s\n", path)
	} else {
		fmt.Printf("Configuration already exists at %s\n", path)
	}
	if len(cfg.Collection.Roots) == 0 {
		fmt.Println()
		fmt.Println("No image roots configured yet. Add one with:")
		fmt.Println("  annotd init -root <directory>")
	} else {
		fmt.Printf("Tracking %d root(s):\n", len(cfg.Collection.Roots))
		for _, r := range cfg.Collection.Roots {
			fmt.Printf("  %s\n", r)
		}
	}
	fmt.Println()
	fmt.Println("Start the daemon with 'annotd serve'.")
}

func cmdStatus() {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", "", "configuration file path")
	fs.Parse(os.Args[2:])

	cfg := loadConfigOrDefault(*configPath)

	pid, alive := readLivePID(config.PIDFilePath())
	if !alive {
		fmt.Println("annotd is not running.")
		os.Exit(1)
	}
	fmt.Printf("annotd is running (pid %d)\n", pid)

	client := ipc.NewIPCClient(ipc.DefaultClientConfig(cfg.IPC.SocketPath), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := client.Connect(ctx); err != nil {
		fmt.Printf("Socket %s is not responding: %v\n", cfg.IPC.SocketPath, err)
		os.Exit(1)
	}
	defer client.Close()

	status, err := client.Status(ctx)
	if err != nil {
		fmt.Printf("Status request failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("  Version:      %s\n", status.Version)
	fmt.Printf("  Uptime:       %s\n", (time.Duration(status.UptimeSeconds) * time.Second).String())
	fmt.Printf("  Sources:      %d\n", status.Sources)
	fmt.Printf("  Annotations:  %d\n", status.Annotations)
	if status.ActiveSource != "" {
		fmt.Printf("  Active:       %s\n", status.ActiveSource)
	}
	fmt.Printf("  Clients:      %d\n", status.Clients)
}

func loadConfigOrDefault(path string) *config.Config {
	if path == "" {
		path = config.ConfigPath()
	}
	if _, err := os.Stat(path); err != nil {
		return config.DefaultConfig()
	}
	cfg, err := config.NewLoader(path).Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v (using defaults)\n", err)
		return config.DefaultConfig()
	}
	return cfg
}

// readLivePID reads the pid file and checks the process still exists.
func readLivePID(pidPath string) (int, bool) {
	data, err := os.ReadFile(pidPath)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return 0, false
	}
	// FindProcess always succeeds on Unix; signal 0 probes existence.
	if err := process.Signal(syscall.Signal(0)); err != nil {
		return 0, false
	}
	return pid, true
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
