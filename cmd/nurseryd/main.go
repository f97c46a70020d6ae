// nurseryd is the runtime entry binary. Invoked with --uid it boots as a
// spawned child actor, dials its parent, and serves until its main task
// completes or it is cancelled. Invoked without --uid it boots a root
// actor that hosts the arbiter (when the well-known endpoint is free), the
// status dashboard, and optionally an MCP introspection surface, then
// serves until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	stdlog "log"
	"os"
	"os/signal"
	"slices"
	"syscall"

	btclog "github.com/btcsuite/btclog/v2"
	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/roasbeef/nursery/internal/arbiter"
	"github.com/roasbeef/nursery/internal/boot"
	"github.com/roasbeef/nursery/internal/build"
	"github.com/roasbeef/nursery/internal/debugmux"
	"github.com/roasbeef/nursery/internal/mcp"
	"github.com/roasbeef/nursery/internal/nursery"
	"github.com/roasbeef/nursery/internal/runtime"
	"github.com/roasbeef/nursery/internal/web"
)

func main() {
	if slices.Contains(os.Args[1:], "--uid") {
		childMain(os.Args[1:])
		return
	}
	daemonMain()
}

// childMain is the spawned-actor path: argv carries everything the child
// needs, per the runtime-entry contract.
func childMain(args []string) {
	opts, err := boot.ParseChildArgs(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "nurseryd: %v\n", err)
		os.Exit(2)
	}

	logger := build.NewRootLogger(nil, opts.LogLevel)
	wireSubsystemLoggers(logger)

	if err := boot.ChildMain(context.Background(), opts); err != nil {
		logger.Errorf("child %s failed: %v", opts.UID, err)
		os.Exit(1)
	}
}

func daemonMain() {
	var (
		listenAddr = flag.String("listen", "127.0.0.1:0",
			"Actor listen address")
		arbiterAddr = flag.String("arbiter", boot.ArbiterAddr(),
			"Arbiter endpoint (bound if free, joined otherwise)")
		dbPath = flag.String("db", "~/.nurseryd/arbiter.db",
			"Path to the arbiter registry database "+
				"(empty to keep the registry in memory only)")
		webAddr = flag.String("web", "127.0.0.1:8080",
			"Status dashboard address (empty to disable)")
		enableMCP = flag.Bool("mcp", false,
			"Serve introspection tools over MCP stdio")
		logLevel = flag.String("loglevel", "info",
			"Logging verbosity")
		logDir = flag.String("log-dir", "~/.nurseryd/logs",
			"Directory for log files (empty to disable file logging)")
		maxLogFiles = flag.Int("max-log-files",
			build.DefaultMaxLogFiles,
			"Maximum number of rotated log files to keep")
		maxLogFileSize = flag.Int("max-log-file-size",
			build.DefaultMaxLogFileSize,
			"Maximum log file size in MB before rotation")
	)
	flag.Parse()

	logDirExpanded := expandHome(*logDir)
	dbPathExpanded := expandHome(*dbPath)

	var fileOut io.Writer
	var logRotator *build.RotatingLogWriter
	if logDirExpanded != "" {
		logRotator = build.NewRotatingLogWriter()
		err := logRotator.InitLogRotator(&build.LogRotatorConfig{
			LogDir:         logDirExpanded,
			MaxLogFiles:    *maxLogFiles,
			MaxLogFileSize: *maxLogFileSize,
		})
		if err != nil {
			stdlog.Printf("Failed to init log rotator: %v "+
				"(continuing without file logging)", err)
		} else {
			defer logRotator.Close()
			fileOut = logRotator
		}
	}

	logger := build.NewRootLogger(fileOut, *logLevel)
	logger.Infof("nurseryd version %s go=%s", build.Version(),
		build.GoVersion)

	wireSubsystemLoggers(logger)

	ctx, stop := signal.NotifyContext(
		context.Background(), os.Interrupt, syscall.SIGTERM,
	)
	defer stop()

	_, err := boot.Run(ctx, "root", boot.Options{
		ListenAddr:    *listenAddr,
		ArbiterAddr:   *arbiterAddr,
		ArbiterDBPath: dbPathExpanded,
	}, func(ctx context.Context, rt *boot.Runtime) (any, error) {
		source := &runtimeSource{rt: rt}

		if *webAddr != "" {
			srv := web.NewServer(web.Config{
				Addr:   *webAddr,
				Source: source,
			})
			go func() {
				if err := srv.Run(ctx); err != nil {
					logger.Errorf("dashboard: %v", err)
				}
			}()
		}

		if *enableMCP {
			mcpSrv := mcp.NewServer(source)
			go func() {
				err := mcpSrv.Run(
					ctx, &sdkmcp.StdioTransport{},
				)
				if err != nil && ctx.Err() == nil {
					logger.Errorf("mcp: %v", err)
				}
			}()
		}

		logger.Infof("root actor %s listening on %s", rt.Actor.UID,
			rt.ListenAddr)

		<-ctx.Done()
		return nil, nil
	})
	if err != nil {
		logger.Errorf("nurseryd: %v", err)
		os.Exit(1)
	}
}

// wireSubsystemLoggers hands each package its prefixed logger, the same
// per-subsystem UseLogger convention used throughout.
func wireSubsystemLoggers(logger btclog.Logger) {
	runtime.UseLogger(logger.WithPrefix("ACTR"))
	nursery.UseLogger(logger.WithPrefix("NRSY"))
	arbiter.UseLogger(logger.WithPrefix("ARBR"))
	boot.UseLogger(logger.WithPrefix("BOOT"))
	debugmux.UseLogger(logger.WithPrefix("DMUX"))
	web.UseLogger(logger.WithPrefix("WEB"))
}

// expandHome expands environment variables and a leading ~ in path.
func expandHome(path string) string {
	expanded := os.ExpandEnv(path)
	if expanded == path && len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			stdlog.Fatalf("Failed to get home directory: %v", err)
		}
		expanded = home + path[1:]
	}
	return expanded
}

// runtimeSource adapts the booted runtime onto the dashboard and MCP
// introspection Source interfaces.
type runtimeSource struct {
	rt *boot.Runtime
}

func (s *runtimeSource) Tree(ctx context.Context) (web.TreeSnapshot, error) {
	a := s.rt.Actor

	state, err := a.State.Snapshot(ctx)
	if err != nil {
		return web.TreeSnapshot{}, err
	}

	snap := web.TreeSnapshot{
		Actor: web.ActorInfo{
			Name:       a.UID.Name,
			InstanceID: a.UID.InstanceID,
			ListenAddr: s.rt.ListenAddr,
			Modules:    a.Registry.Exposed(),
			Statespace: state,
		},
	}

	for _, n := range s.rt.Nurseries() {
		ns := web.NurserySnapshot{Cancelled: n.Cancelled()}
		for _, c := range n.Children() {
			ns.Children = append(ns.Children, web.ChildSnapshot{
				Name:       c.UID.Name,
				InstanceID: c.UID.InstanceID,
				State:      c.State.String(),
				PID:        c.PID,
			})
		}
		snap.Nurseries = append(snap.Nurseries, ns)
	}

	return snap, nil
}

func (s *runtimeSource) ArbiterTable(ctx context.Context) (
	map[string]string, error) {

	var table map[string]arbiter.Endpoint
	var err error

	switch {
	case s.rt.ArbiterService != nil:
		table, err = s.rt.ArbiterService.Snapshot(ctx)
	case s.rt.Arbiter != nil:
		table, err = s.rt.Arbiter.List(ctx)
	default:
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	out := make(map[string]string, len(table))
	for name, ep := range table {
		out[name] = ep.String()
	}
	return out, nil
}
