// annotctl is the control CLI for annotd.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"annotd/internal/config"
	"annotd/internal/ipc"
)

// Version is the annotctl release version.
const Version = "0.4.0"

var configPath = flag.String("config", "", "path to config file")

func main() {
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}

	cmd := flag.Arg(0)
	args := flag.Args()[1:]

	switch cmd {
	case "status":
		cmdStatus()
	case "ping":
		cmdPing()
	case "sources":
		cmdSources()
	case "list":
		source := ""
		if len(args) >= 1 {
			source = args[0]
		}
		cmdList(source)
	case "show":
		if len(args) < 1 {
			fmt.Fprintln(os.Stderr, "Usage: annotctl show <id> [-json]")
			os.Exit(1)
		}
		cmdShow(args[0], args[1:])
	case "add":
		cmdAdd(args)
	case "rm":
		if len(args) < 1 {
			fmt.Fprintln(os.Stderr, "Usage: annotctl rm <id>")
			os.Exit(1)
		}
		cmdRemove(args[0])
	case "select":
		if len(args) < 1 {
			fmt.Fprintln(os.Stderr, "Usage: annotctl select <id> [source]")
			os.Exit(1)
		}
		source := ""
		if len(args) >= 2 {
			source = args[1]
		}
		cmdSelect(args[0], source)
	case "deselect":
		cmdDeselect()
	case "selection":
		cmdSelection()
	case "update":
		cmdUpdate(args)
	case "save":
		cmdSave(args)
	case "cancel":
		cmdCancel()
	case "tools":
		cmdTools()
	case "tool":
		if len(args) < 1 {
			fmt.Fprintln(os.Stderr, "Usage: annotctl tool <name>")
			os.Exit(1)
		}
		cmdSetTool(args[0])
	case "snippet":
		cmdSnippet(args)
	case "history":
		cmdHistory(args)
	case "snapshots":
		cmdSnapshots(args)
	case "restore":
		if len(args) < 1 {
			fmt.Fprintln(os.Stderr, "Usage: annotctl restore <snapshot-id>")
			os.Exit(1)
		}
		cmdRestore(args[0])
	case "watch":
		cmdWatch(args)
	case "shutdown":
		cmdShutdown()
	case "version", "-v", "--version":
		fmt.Printf("annotctl %s\n", Version)
	case "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `annotctl - Control utility for annotd

Usage: annotctl [options] <command> [args]

Commands:
  status                       Show daemon status
  ping                         Check whether the daemon responds
  sources                      List images in the collection
  list [source]                List annotations (active source by default)
  show <id> [-json]            Show one annotation
  add <source> <x> <y> <w> <h> [text]
                               Add a rectangle annotation
  rm <id>                      Remove an annotation
  select <id> [source]         Open an annotation for editing
  deselect                     Close the selection without changes
  selection                    Show the open selection
  update [-save] <text>        Replace the open selection's comment
  save [-id <id>]              Commit the open selection
  cancel                       Discard the open selection's edits
  tools                        List drawing tools
  tool <name>                  Activate a drawing tool
  snippet <id> [output.png]    Save the image region under an annotation
  history [flags]              Show the edit journal (see history -h)
  snapshots [-source <path>]   List sidecar restore points
  restore <snapshot-id>        Restore a source from a snapshot
  watch [event ...]            Stream lifecycle events until interrupted
  shutdown                     Stop the daemon
  help                         Show this help message

Options:
  -config <path>  Path to config file (default: platform config dir)`)
}

func loadConfig() *config.Config {
	path := *configPath
	if path == "" {
		path = config.ConfigPath()
	}
	if _, err := os.Stat(path); err != nil {
		return config.DefaultConfig()
	}
	cfg, err := config.NewLoader(path).Load()
	if err != nil {
		printError(fmt.Sprintf("loading config: %v", err))
		os.Exit(1)
	}
	return cfg
}

// connect dials the daemon and exits with a hint when it is down.
func connect(perm ipc.PermissionLevel) *ipc.IPCClient {
	cfg := loadConfig()

	ccfg := ipc.DefaultClientConfig(cfg.IPC.SocketPath)
	ccfg.ClientName = "annotctl"
	ccfg.ClientVersion = Version
	ccfg.Permission = perm

	client := ipc.NewIPCClient(ccfg, nil)

	ctx, cancel := context.WithTimeout(context.Background(), ccfg.ConnectTimeout)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		printError(fmt.Sprintf("cannot connect to daemon: %v", err))
		fmt.Fprintf(os.Stderr, "  %sTip%s: start the daemon with: annotd serve\n", c.Dim, c.Reset)
		os.Exit(1)
	}
	return client
}

func reqCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}
