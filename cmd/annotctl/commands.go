package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"

	"annotd/internal/ipc"
	"annotd/pkg/annotation"
	"annotd/pkg/shape"
)

// palette holds the ANSI sequences used for terminal output. All
// fields are empty when stdout is not a terminal or NO_COLOR is set.
type palette struct {
	Reset  string
	Bold   string
	Dim    string
	Red    string
	Green  string
	Yellow string
	Cyan   string
}

var c = newPalette()

func newPalette() palette {
	if os.Getenv("NO_COLOR") != "" || !stdoutIsTerminal() {
		return palette{}
	}
	return palette{
		Reset:  "\033[0m",
		Bold:   "\033[1m",
		Dim:    "\033[2m",
		Red:    "\033[31m",
		Green:  "\033[32m",
		Yellow: "\033[33m",
		Cyan:   "\033[36m",
	}
}

func stdoutIsTerminal() bool {
	fi, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}

func printSection(title string) {
	fmt.Printf("\n%s%s%s%s\n\n", c.Bold, c.Cyan, title, c.Reset)
}

func printError(msg string) {
	fmt.Fprintf(os.Stderr, "%s%sError:%s %s\n", c.Bold, c.Red, c.Reset, msg)
}

func fail(format string, args ...any) {
	printError(fmt.Sprintf(format, args...))
	os.Exit(1)
}

func cmdStatus() {
	client := connect(ipc.PermReadOnly)
	defer client.Close()

	ctx, cancel := reqCtx()
	defer cancel()
	status, err := client.Status(ctx)
	if err != nil {
		fail("failed to get status: %v", err)
	}

	printSection("DAEMON STATUS")
	fmt.Printf("  %sVersion%s       %s%s%s\n", c.Dim, c.Reset, c.Cyan, status.Version, c.Reset)
	fmt.Printf("  %sStarted%s       %s\n", c.Dim, c.Reset, status.StartedAt.Format(time.RFC3339))
	fmt.Printf("  %sUptime%s        %s\n", c.Dim, c.Reset, (time.Duration(status.UptimeSeconds) * time.Second).String())
	fmt.Printf("  %sClients%s       %d\n", c.Dim, c.Reset, status.Clients)

	printSection("COLLECTION")
	fmt.Printf("  %sSources%s       %d\n", c.Dim, c.Reset, status.Sources)
	fmt.Printf("  %sAnnotations%s   %d (active source)\n", c.Dim, c.Reset, status.Annotations)
	if status.ActiveSource != "" {
		fmt.Printf("  %sActive%s        %s\n", c.Dim, c.Reset, status.ActiveSource)
	} else {
		fmt.Printf("  %sActive%s        %s(none)%s\n", c.Dim, c.Reset, c.Dim, c.Reset)
	}
	if status.WatcherActive {
		fmt.Printf("  %sWatcher%s       %s%sON%s\n", c.Dim, c.Reset, c.Bold, c.Green, c.Reset)
	} else {
		fmt.Printf("  %sWatcher%s       OFF\n", c.Dim, c.Reset)
	}

	printSection("EDITOR")
	fmt.Printf("  %sTool%s          %s\n", c.Dim, c.Reset, status.Tool)
	if status.SelectedID != "" {
		fmt.Printf("  %sSelection%s     %s%s%s\n", c.Dim, c.Reset, c.Cyan, status.SelectedID, c.Reset)
	} else {
		fmt.Printf("  %sSelection%s     %s(none)%s\n", c.Dim, c.Reset, c.Dim, c.Reset)
	}
	if status.ReadOnly {
		fmt.Printf("  %sMode%s          %s%sREAD ONLY%s\n", c.Dim, c.Reset, c.Bold, c.Yellow, c.Reset)
	}

	if status.HistoryOn {
		printSection("HISTORY")
		fmt.Printf("  %sRecords%s       %d\n", c.Dim, c.Reset, status.HistoryEvents)
	}
	fmt.Println()
}

func cmdPing() {
	client := connect(ipc.PermReadOnly)
	defer client.Close()

	ctx, cancel := reqCtx()
	defer cancel()
	rtt, err := client.Ping(ctx)
	if err != nil {
		fmt.Printf("  %sDaemon%s  %s%sNOT RESPONDING%s (%v)\n", c.Dim, c.Reset, c.Bold, c.Red, c.Reset, err)
		os.Exit(1)
	}
	fmt.Printf("  %sDaemon%s  %s%sRUNNING%s (latency: %s)\n", c.Dim, c.Reset, c.Bold, c.Green, c.Reset, rtt.Round(time.Microsecond))
}

func cmdSources() {
	client := connect(ipc.PermReadOnly)
	defer client.Close()

	ctx, cancel := reqCtx()
	defer cancel()
	sources, err := client.ListSources(ctx)
	if err != nil {
		fail("failed to list sources: %v", err)
	}

	if len(sources) == 0 {
		fmt.Printf("  %sThe collection is empty.%s\n", c.Dim, c.Reset)
		return
	}

	printSection("COLLECTION")
	for _, src := range sources {
		marker := " "
		if src.Active {
			marker = c.Green + "*" + c.Reset
		}
		fmt.Printf("  %s %s%s%s\n", marker, c.Cyan, src.Path, c.Reset)
		if src.HasSidecar {
			fmt.Printf("      %sAnnotations%s %d (%s)\n", c.Dim, c.Reset, src.Annotations, filepath.Base(src.SidecarPath))
		} else {
			fmt.Printf("      %sAnnotations%s none\n", c.Dim, c.Reset)
		}
	}
	fmt.Println()
}

func cmdList(source string) {
	client := connect(ipc.PermReadOnly)
	defer client.Close()

	ctx, cancel := reqCtx()
	defer cancel()
	resp, err := client.ListAnnotations(ctx, source)
	if err != nil {
		fail("failed to list annotations: %v", err)
	}

	if len(resp.Annotations) == 0 {
		fmt.Printf("  %sNo annotations on %s%s\n", c.Dim, resp.Source, c.Reset)
		return
	}

	printSection("ANNOTATIONS")
	fmt.Printf("  %sSource%s %s\n\n", c.Dim, c.Reset, resp.Source)
	for _, a := range resp.Annotations {
		printAnnotationLine(a)
	}
	fmt.Println()
}

func printAnnotationLine(a annotation.Annotation) {
	b := a.Target.Bounds()
	fmt.Printf("  %s%s%s\n", c.Cyan, a.ID, c.Reset)
	fmt.Printf("      %sRegion%s  %s at (%.0f, %.0f) size %.0fx%.0f\n", c.Dim, c.Reset, a.Target.Selector.Type, b.X, b.Y, b.W, b.H)
	if text := bodyText(a); text != "" {
		fmt.Printf("      %sText%s    %s\n", c.Dim, c.Reset, truncate(text, 70))
	}
}

func cmdShow(id string, args []string) {
	fs := flag.NewFlagSet("show", flag.ExitOnError)
	asJSON := fs.Bool("json", false, "print the raw annotation JSON")
	fs.Parse(args)

	client := connect(ipc.PermReadOnly)
	defer client.Close()

	ctx, cancel := reqCtx()
	defer cancel()
	a, err := client.GetAnnotation(ctx, "", id)
	if err != nil {
		fail("failed to get annotation: %v", err)
	}

	if *asJSON {
		data, _ := json.MarshalIndent(a, "", "  ")
		fmt.Println(string(data))
		return
	}

	b := a.Target.Bounds()
	printSection("ANNOTATION")
	fmt.Printf("  %sID%s        %s%s%s\n", c.Dim, c.Reset, c.Cyan, a.ID, c.Reset)
	fmt.Printf("  %sSource%s    %s\n", c.Dim, c.Reset, a.Target.Source)
	fmt.Printf("  %sSelector%s  %s\n", c.Dim, c.Reset, a.Target.Selector.Type)
	fmt.Printf("  %sBounds%s    (%.1f, %.1f) %.1fx%.1f\n", c.Dim, c.Reset, b.X, b.Y, b.W, b.H)
	if a.ReadOnly {
		fmt.Printf("  %sMode%s      %s%sREAD ONLY%s\n", c.Dim, c.Reset, c.Bold, c.Yellow, c.Reset)
	}
	for _, body := range a.Bodies {
		label := body.Purpose
		if label == "" {
			label = "body"
		}
		fmt.Printf("  %s%-9s%s %s\n", c.Dim, label, c.Reset, body.Value)
	}
	fmt.Println()
}

func cmdAdd(args []string) {
	if len(args) < 5 {
		fmt.Fprintln(os.Stderr, "Usage: annotctl add <source> <x> <y> <w> <h> [text]")
		os.Exit(1)
	}

	source := args[0]
	nums := make([]float64, 4)
	for i, arg := range args[1:5] {
		v, err := strconv.ParseFloat(arg, 64)
		if err != nil {
			fail("bad coordinate %q: %v", arg, err)
		}
		nums[i] = v
	}
	text := strings.Join(args[5:], " ")

	a := annotation.NewDraft(annotation.RectTarget(source, shape.NewRect(nums[0], nums[1], nums[2], nums[3]))).ToAnnotation()
	if text != "" {
		a = a.WithBodies(annotation.Body{Type: "TextualBody", Purpose: "commenting", Value: text})
	}

	client := connect(ipc.PermReadWrite)
	defer client.Close()

	ctx, cancel := reqCtx()
	defer cancel()
	created, err := client.AddAnnotation(ctx, source, a)
	if err != nil {
		fail("failed to add annotation: %v", err)
	}

	fmt.Printf("%s%sADDED%s %s\n", c.Bold, c.Green, c.Reset, created.ID)
}

func cmdRemove(id string) {
	client := connect(ipc.PermReadWrite)
	defer client.Close()

	ctx, cancel := reqCtx()
	defer cancel()
	if err := client.RemoveAnnotation(ctx, "", id); err != nil {
		fail("failed to remove annotation: %v", err)
	}
	fmt.Printf("%s%sREMOVED%s %s\n", c.Bold, c.Green, c.Reset, id)
}

func cmdSelect(id, source string) {
	client := connect(ipc.PermReadWrite)
	defer client.Close()

	ctx, cancel := reqCtx()
	defer cancel()
	resp, err := client.Select(ctx, source, id)
	if err != nil {
		fail("failed to select: %v", err)
	}
	if resp.Annotation != nil {
		fmt.Printf("%s%sSELECTED%s\n", c.Bold, c.Green, c.Reset)
		printAnnotationLine(*resp.Annotation)
	}
}

func cmdDeselect() {
	client := connect(ipc.PermReadWrite)
	defer client.Close()

	ctx, cancel := reqCtx()
	defer cancel()
	if err := client.Deselect(ctx); err != nil {
		fail("failed to deselect: %v", err)
	}
	fmt.Println("Selection closed.")
}

func cmdSelection() {
	client := connect(ipc.PermReadOnly)
	defer client.Close()

	ctx, cancel := reqCtx()
	defer cancel()
	resp, err := client.Selection(ctx)
	if err != nil {
		fail("failed to get selection: %v", err)
	}
	if !resp.Selected || resp.Annotation == nil {
		fmt.Printf("  %sNo open selection.%s\n", c.Dim, c.Reset)
		return
	}
	printSection("OPEN SELECTION")
	printAnnotationLine(*resp.Annotation)
	fmt.Println()
}

func cmdUpdate(args []string) {
	fs := flag.NewFlagSet("update", flag.ExitOnError)
	save := fs.Bool("save", false, "persist immediately instead of waiting for save")
	fs.Parse(args)
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: annotctl update [-save] <text>")
		os.Exit(1)
	}
	text := strings.Join(fs.Args(), " ")

	client := connect(ipc.PermReadWrite)
	defer client.Close()

	ctx, cancel := reqCtx()
	defer cancel()
	sel, err := client.Selection(ctx)
	if err != nil {
		fail("failed to get selection: %v", err)
	}
	if !sel.Selected || sel.Annotation == nil {
		fail("no open selection, run 'annotctl select <id>' first")
	}

	a := sel.Annotation.WithBodies(annotation.Body{Type: "TextualBody", Purpose: "commenting", Value: text})
	if _, err := client.UpdateSelected(ctx, a, *save); err != nil {
		fail("failed to update selection: %v", err)
	}
	if *save {
		fmt.Printf("%s%sUPDATED%s (saved)\n", c.Bold, c.Green, c.Reset)
	} else {
		fmt.Printf("%s%sUPDATED%s (pending, run 'annotctl save' to commit)\n", c.Bold, c.Green, c.Reset)
	}
}

func cmdSave(args []string) {
	fs := flag.NewFlagSet("save", flag.ExitOnError)
	overrideID := fs.String("id", "", "identifier for a newly created annotation")
	fs.Parse(args)

	client := connect(ipc.PermReadWrite)
	defer client.Close()

	ctx, cancel := reqCtx()
	defer cancel()
	resp, err := client.SaveSelection(ctx, *overrideID)
	if err != nil {
		fail("failed to save selection: %v", err)
	}
	if resp.Annotation != nil {
		fmt.Printf("%s%sSAVED%s %s\n", c.Bold, c.Green, c.Reset, resp.Annotation.ID)
	} else {
		fmt.Printf("%s%sSAVED%s\n", c.Bold, c.Green, c.Reset)
	}
}

func cmdCancel() {
	client := connect(ipc.PermReadWrite)
	defer client.Close()

	ctx, cancel := reqCtx()
	defer cancel()
	if err := client.CancelSelection(ctx); err != nil {
		fail("failed to cancel: %v", err)
	}
	fmt.Println("Selection cancelled.")
}

func cmdTools() {
	client := connect(ipc.PermReadOnly)
	defer client.Close()

	ctx, cancel := reqCtx()
	defer cancel()
	resp, err := client.ListTools(ctx)
	if err != nil {
		fail("failed to list tools: %v", err)
	}

	printSection("DRAWING TOOLS")
	for _, tool := range resp.Tools {
		if tool == resp.Active {
			fmt.Printf("  %s*%s %s%s%s\n", c.Green, c.Reset, c.Bold, tool, c.Reset)
		} else {
			fmt.Printf("    %s\n", tool)
		}
	}
	fmt.Println()
}

func cmdSetTool(name string) {
	client := connect(ipc.PermReadWrite)
	defer client.Close()

	ctx, cancel := reqCtx()
	defer cancel()
	if err := client.SetTool(ctx, name); err != nil {
		fail("failed to set tool: %v", err)
	}
	fmt.Printf("Active tool: %s%s%s\n", c.Cyan, name, c.Reset)
}

func cmdSnippet(args []string) {
	fs := flag.NewFlagSet("snippet", flag.ExitOnError)
	maxEdge := fs.Int("max", 0, "scale the crop so its longer edge fits this many pixels")
	fs.Parse(args)
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: annotctl snippet [-max N] <id> [output.png]")
		os.Exit(1)
	}
	id := fs.Arg(0)
	output := fs.Arg(1)
	if output == "" {
		output = strings.ReplaceAll(id, string(filepath.Separator), "_") + ".png"
	}

	client := connect(ipc.PermReadOnly)
	defer client.Close()

	ctx, cancel := reqCtx()
	defer cancel()
	resp, err := client.Snippet(ctx, id, *maxEdge)
	if err != nil {
		fail("failed to get snippet: %v", err)
	}

	if err := os.WriteFile(output, resp.Data, 0o644); err != nil {
		fail("failed to write %s: %v", output, err)
	}
	fmt.Printf("Wrote %s (%dx%d %s, %d bytes)\n", output, resp.Width, resp.Height, resp.Format, len(resp.Data))
}

func cmdHistory(args []string) {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	id := fs.String("id", "", "filter by annotation id")
	source := fs.String("source", "", "filter by image path")
	since := fs.Duration("since", 0, "only records newer than this, e.g. 24h")
	limit := fs.Int("limit", 20, "maximum records to show")
	showDiff := fs.Bool("diff", false, "show comment diffs for updates")
	stats := fs.Bool("stats", false, "show journal statistics instead of records")
	fs.Parse(args)

	client := connect(ipc.PermReadOnly)
	defer client.Close()

	ctx, cancel := reqCtx()
	defer cancel()

	if *stats {
		s, err := client.HistoryStats(ctx)
		if err != nil {
			fail("failed to get history stats: %v", err)
		}
		printSection("JOURNAL")
		fmt.Printf("  %sTotal%s     %d\n", c.Dim, c.Reset, s.Total)
		fmt.Printf("  %sCreated%s   %s%d%s\n", c.Dim, c.Reset, c.Green, s.Created, c.Reset)
		fmt.Printf("  %sUpdated%s   %s%d%s\n", c.Dim, c.Reset, c.Yellow, s.Updated, c.Reset)
		fmt.Printf("  %sDeleted%s   %s%d%s\n", c.Dim, c.Reset, c.Red, s.Deleted, c.Reset)
		fmt.Printf("  %sSnapshots%s %d\n", c.Dim, c.Reset, s.Snapshots)
		if s.OldestNs > 0 {
			fmt.Printf("  %sOldest%s    %s\n", c.Dim, c.Reset, time.Unix(0, s.OldestNs).Format(time.RFC3339))
			fmt.Printf("  %sNewest%s    %s\n", c.Dim, c.Reset, time.Unix(0, s.NewestNs).Format(time.RFC3339))
		}
		fmt.Println()
		return
	}

	q := ipc.HistoryQuery{AnnotationID: *id, Source: *source, Limit: *limit}
	if *since > 0 {
		q.FromNs = time.Now().Add(-*since).UnixNano()
	}
	records, err := client.History(ctx, q)
	if err != nil {
		fail("failed to get history: %v", err)
	}
	if len(records) == 0 {
		fmt.Printf("  %sNo journal records.%s\n", c.Dim, c.Reset)
		return
	}

	printSection("EDIT HISTORY")
	for _, rec := range records {
		printHistoryRecord(rec, *showDiff)
	}
	fmt.Println()
}

func cmdSnapshots(args []string) {
	fs := flag.NewFlagSet("snapshots", flag.ExitOnError)
	source := fs.String("source", "", "filter by image path")
	limit := fs.Int("limit", 20, "maximum snapshots to show")
	fs.Parse(args)

	client := connect(ipc.PermReadOnly)
	defer client.Close()

	ctx, cancel := reqCtx()
	defer cancel()

	snaps, err := client.ListSnapshots(ctx, *source, *limit)
	if err != nil {
		fail("failed to list snapshots: %v", err)
	}
	if len(snaps) == 0 {
		fmt.Printf("  %sNo snapshots.%s\n", c.Dim, c.Reset)
		return
	}

	printSection("SNAPSHOTS")
	for _, sn := range snaps {
		when := sn.Time().Format("2006-01-02 15:04:05")
		plural := "annotations"
		if sn.Annotations == 1 {
			plural = "annotation"
		}
		fmt.Printf("  %s[%d]%s %s %s (%d %s, %d bytes)\n",
			c.Cyan, sn.ID, c.Reset, when, filepath.Base(sn.Source), sn.Annotations, plural, sn.SizeBytes)
	}
	fmt.Println()
}

func cmdRestore(arg string) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		fail("invalid snapshot id %q", arg)
	}

	client := connect(ipc.PermReadWrite)
	defer client.Close()

	ctx, cancel := reqCtx()
	defer cancel()

	resp, err := client.RestoreSnapshot(ctx, id)
	if err != nil {
		fail("failed to restore snapshot: %v", err)
	}
	fmt.Printf("%sRESTORED%s %s (%d annotations)\n", c.Green, c.Reset, filepath.Base(resp.Source), resp.Annotations)
}

func printHistoryRecord(rec ipc.HistoryRecord, showDiff bool) {
	when := time.Unix(0, rec.TimestampNs).Format("2006-01-02 15:04:05")
	fmt.Printf("  %s[%d]%s %s %s %s\n", c.Cyan, rec.ID, c.Reset, when, eventBadge(rec.Event), rec.AnnotationID)
	if rec.Source != "" {
		fmt.Printf("      %sSource%s %s\n", c.Dim, c.Reset, filepath.Base(rec.Source))
	}
	if !showDiff || rec.Event != "updated" {
		return
	}
	prev := commentOf(rec.Previous)
	cur := commentOf(rec.Annotation)
	if prev == cur {
		return
	}
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(prev, cur, false)
	fmt.Printf("      %sDiff%s   %s\n", c.Dim, c.Reset, dmp.DiffPrettyText(dmp.DiffCleanupSemantic(diffs)))
}

func eventBadge(event string) string {
	switch event {
	case "created":
		return c.Green + "created" + c.Reset
	case "updated":
		return c.Yellow + "updated" + c.Reset
	case "deleted":
		return c.Red + "deleted" + c.Reset
	default:
		return event
	}
}

// commentOf extracts the first comment body from a serialized
// annotation snapshot.
func commentOf(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var a annotation.Annotation
	if err := json.Unmarshal(raw, &a); err != nil {
		return ""
	}
	return bodyText(a)
}

func bodyText(a annotation.Annotation) string {
	for _, b := range a.Bodies {
		if b.Value != "" {
			return b.Value
		}
	}
	return ""
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

func cmdWatch(args []string) {
	client := connect(ipc.PermReadOnly)
	defer client.Close()

	ctx, cancel := reqCtx()
	if err := client.Subscribe(ctx, args...); err != nil {
		cancel()
		fail("failed to subscribe: %v", err)
	}
	cancel()

	if len(args) > 0 {
		fmt.Printf("%s%sWATCHING%s %s\n\n", c.Bold, c.Green, c.Reset, strings.Join(args, ", "))
	} else {
		fmt.Printf("%s%sWATCHING%s all events\n\n", c.Bold, c.Green, c.Reset)
	}
	fmt.Println("Press Ctrl+C to stop.")
	fmt.Println()

	for ev := range client.Events() {
		when := time.Unix(0, ev.TimestampNs).Format("15:04:05")
		fmt.Printf("[%s] %s%s%s", when, c.Cyan, ev.Type, c.Reset)
		if ev.Annotation != nil {
			fmt.Printf(" %s", ev.Annotation.ID)
			if text := bodyText(*ev.Annotation); text != "" {
				fmt.Printf(" %s%s%s", c.Dim, truncate(text, 50), c.Reset)
			}
		} else if ev.Source != "" {
			fmt.Printf(" %s", ev.Source)
		}
		fmt.Println()
	}
	fmt.Println("Connection closed.")
}

func cmdShutdown() {
	client := connect(ipc.PermFullControl)
	defer client.Close()

	ctx, cancel := reqCtx()
	defer cancel()
	if err := client.Shutdown(ctx); err != nil {
		fail("failed to request shutdown: %v", err)
	}
	fmt.Println("Shutdown requested.")
}
