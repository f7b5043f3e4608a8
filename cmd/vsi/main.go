package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/fatih/color"
	log "github.com/sirupsen/logrus"

	"github.com/covesa/vsi"
	"github.com/covesa/vsi/pkg/canfeed"
	"github.com/covesa/vsi/pkg/config"
)

const usage = `usage: vsi [-f segment] [-c config] [-new] [-debug] <command> [args]

commands:
  dump                       display signals, groups and memory usage
  read  -d domain -s signal [-o] [-w]
                             fetch newest (default) or oldest (-o),
                             optionally waiting for data (-w)
  write -d domain -s signal -v value
                             insert one payload
  importVSS <file> <domain>  define signals from a VSS file
  feed                       run the CAN frame feeder (needs -c)
`

func main() {
	segPath := flag.String("f", config.DefaultSegmentPath, "segment file path")
	cfgPath := flag.String("c", "", "configuration file path")
	createNew := flag.Bool("new", false, "create a fresh segment, discarding existing state")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	if *debug {
		log.SetLevel(log.DebugLevel)
	}

	cfg := config.Default()
	if *cfgPath != "" {
		loaded, err := config.Load(*cfgPath)
		if err != nil {
			fatal("could not load configuration: %v", err)
		}
		cfg = loaded
	}
	if *segPath != config.DefaultSegmentPath || cfg.Segment.Path == "" {
		cfg.Segment.Path = *segPath
	}

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(1)
	}

	store, err := vsi.Initialize(*createNew, vsi.Options{
		Path:       cfg.Segment.Path,
		Size:       cfg.Segment.Size,
		SystemSize: cfg.Segment.SystemSize,
	})
	if err != nil {
		fatal("could not open segment %v: %v", cfg.Segment.Path, err)
	}
	defer store.Close()

	switch args[0] {
	case "dump":
		runDump(store)
	case "read":
		runRead(store, args[1:])
	case "write":
		runWrite(store, args[1:])
	case "importVSS":
		runImport(store, args[1:])
	case "feed":
		runFeed(store, cfg)
	default:
		fatal("unknown command %q", args[0])
	}
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func runDump(store *vsi.VSI) {
	stats := store.Stats()
	title := color.New(color.FgCyan, color.Bold)

	title.Println("segment")
	fmt.Printf("  path        %v\n", stats.Path)
	fmt.Printf("  size        %v bytes\n", stats.Size)
	fmt.Printf("  arena       %v bytes, %v free in %v blocks (largest %v)\n",
		stats.Alloc.ArenaBytes, stats.Alloc.FreeBytes, stats.Alloc.FreeBlocks, stats.Alloc.LargestFree)

	title.Println("signals")
	if len(stats.Signals) == 0 {
		fmt.Println("  (none)")
	}
	for _, info := range stats.Signals {
		name := info.Name
		if name == "" {
			name = color.YellowString("<unnamed>")
		}
		fmt.Printf("  %3d/%-6d %-24s queued=%d bytes=%d", info.Domain, info.Signal, name, info.Depth, info.Bytes)
		if info.Private != 0 {
			fmt.Printf(" private=%d", info.Private)
		}
		fmt.Println()
	}

	title.Println("groups")
	if len(stats.Groups) == 0 {
		fmt.Println("  (none)")
	}
	for _, id := range stats.Groups {
		fmt.Printf("  group %d\n", id)
	}
}

func runRead(store *vsi.VSI, args []string) {
	fs := flag.NewFlagSet("read", flag.ExitOnError)
	domain := fs.Uint64("d", 1, "domain id")
	sig := fs.Uint64("s", 0, "signal id")
	oldest := fs.Bool("o", false, "fetch oldest (destructive) instead of newest")
	wait := fs.Bool("w", false, "wait for data")
	fs.Parse(args)

	if *sig == 0 {
		fatal("read: -s signal is required")
	}
	var res vsi.Result
	if *oldest {
		res = store.GetOldestSignal(context.Background(), *domain, *sig, *wait)
	} else {
		res = store.GetNewestSignal(context.Background(), *domain, *sig, *wait)
	}
	if !res.Ok() {
		fatal("read %d/%d: %v", *domain, *sig, res.Status)
	}
	fmt.Printf("%d/%d: % x\n", res.DomainID, res.SignalID, res.Data)
}

func runWrite(store *vsi.VSI, args []string) {
	fs := flag.NewFlagSet("write", flag.ExitOnError)
	domain := fs.Uint64("d", 1, "domain id")
	sig := fs.Uint64("s", 0, "signal id")
	value := fs.String("v", "", "payload bytes")
	fs.Parse(args)

	if *sig == 0 || *value == "" {
		fatal("write: -s signal and -v value are required")
	}
	if err := store.InsertSignal(*domain, *sig, []byte(*value)); err != nil {
		fatal("write %d/%d: %v", *domain, *sig, err)
	}
	log.Debugf("wrote %d bytes to %d/%d", len(*value), *domain, *sig)
}

func runImport(store *vsi.VSI, args []string) {
	if len(args) != 2 {
		fatal("importVSS: expected <file> <domain>")
	}
	domain, err := strconv.ParseUint(args[1], 0, 64)
	if err != nil || domain == 0 {
		fatal("importVSS: bad domain %q", args[1])
	}
	defined, err := store.VSSImport(args[0], domain)
	if err != nil {
		fatal("importVSS %v: %v", args[0], err)
	}
	fmt.Printf("defined %d signals from %v\n", defined, args[0])
}

func runFeed(store *vsi.VSI, cfg *config.Config) {
	feeder, err := canfeed.New(store.Store(), cfg, nil)
	if err != nil {
		fatal("feed: %v", err)
	}
	feeder.Start()
	log.Infof("feeding %v into %v, ctrl-c to stop", cfg.CAN.Interface, cfg.Segment.Path)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	if err := feeder.Stop(); err != nil {
		fatal("feed: disconnect failed: %v", err)
	}
}
