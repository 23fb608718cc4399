// annotd-gui is a desktop browser and editor for the annotation
// collection managed by a running annotd daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"gioui.org/app"
	"gioui.org/op"
	"gioui.org/unit"
	"gioui.org/widget/material"

	"annotd/cmd/annotd-gui/internal/theme"
	"annotd/cmd/annotd-gui/internal/ui"
	"annotd/internal/config"
	"annotd/internal/ipc"
)

// Version is the annotd-gui release version.
const Version = "0.4.0"

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	client, err := connect(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "annotd-gui: %v\n", err)
		fmt.Fprintln(os.Stderr, "Start the daemon with: annotd serve")
		os.Exit(1)
	}

	go func() {
		w := new(app.Window)
		w.Option(app.Title("Annotd"))
		w.Option(app.Size(unit.Dp(1100), unit.Dp(760)))

		if err := loop(w, client); err != nil {
			log.Fatal(err)
		}
		os.Exit(0)
	}()
	app.Main()
}

func connect(configPath string) (*ipc.IPCClient, error) {
	if configPath == "" {
		configPath = config.ConfigPath()
	}
	cfg := config.DefaultConfig()
	if _, err := os.Stat(configPath); err == nil {
		loaded, err := config.NewLoader(configPath).Load()
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	ccfg := ipc.DefaultClientConfig(cfg.IPC.SocketPath)
	ccfg.ClientName = "annotd-gui"
	ccfg.ClientVersion = Version
	ccfg.MaxReconnects = 10

	client := ipc.NewIPCClient(ccfg, nil)
	ctx, cancel := context.WithTimeout(context.Background(), ccfg.ConnectTimeout)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}
	return client, nil
}

func loop(w *app.Window, client *ipc.IPCClient) error {
	defer client.Close()

	t := theme.NewTheme(material.NewTheme())
	a := ui.NewApp(t, client, w.Invalidate)

	client.OnEvent(a.HandleEvent)
	// Events also land on the channel; drain it so the receive queue
	// never fills.
	go func() {
		for range client.Events() {
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), ipc.DefaultClientConfig("").ConnectTimeout)
	err := client.Subscribe(ctx)
	cancel()
	if err != nil {
		log.Printf("event subscription failed: %v", err)
	}

	var ops op.Ops
	for {
		switch e := w.Event().(type) {
		case app.DestroyEvent:
			return e.Err
		case app.FrameEvent:
			gtx := app.NewContext(&ops, e)
			a.Layout(gtx)
			e.Frame(gtx.Ops)
		}
	}
}
