// Command sidecar-lint validates every annotation sidecar in a
// collection against the embedded schema and reports files the daemon
// would refuse to load.
//
// Usage:
//
//	go build -o sidecar-lint ./tools/sidecar-lint
//	./sidecar-lint -dir ~/Pictures/scans
//
// Exit status is 1 when any sidecar fails, which makes the tool usable
// as a pre-commit or CI check on annotation repositories.
package main

import (
	"flag"
	"fmt"
	"os"

	"annotd/internal/collection"
	"annotd/internal/config"
)

func main() {
	dir := flag.String("dir", ".", "collection root to check")
	suffix := flag.String("suffix", ".annotations.json", "sidecar suffix")
	quiet := flag.Bool("quiet", false, "only print failures")
	flag.Parse()

	cfg := config.DefaultConfig().Collection
	cfg.Roots = []string{*dir}
	cfg.SidecarSuffix = *suffix
	cfg.ValidateSchema = true

	store, err := collection.NewStore(cfg, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	entries, err := store.Scan()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: scan failed: %v\n", err)
		os.Exit(1)
	}

	var checked, failed int
	for _, e := range entries {
		if !e.HasSidecar {
			continue
		}
		checked++

		anns, err := store.Load(e.ImagePath)
		if err != nil {
			failed++
			fmt.Printf("FAIL  %s\n      %v\n", e.SidecarPath, err)
			continue
		}
		if !*quiet {
			fmt.Printf("OK    %s (%d annotations)\n", e.SidecarPath, len(anns))
		}
	}

	if checked == 0 {
		fmt.Printf("No sidecars found under %s\n", *dir)
		return
	}

	fmt.Printf("\n%d sidecars checked, %d failed\n", checked, failed)
	if failed > 0 {
		os.Exit(1)
	}
}
