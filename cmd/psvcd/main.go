// Command psvcd is the service framework's own CLI entrypoint (spec.md §6,
// §4.9, C9): run/build/release/apply mode dispatch over urfave/cli, grounded
// on cmd/authn/main.go's ldflag-injected version banner and
// cmd/cli/cli/app.go's cli.App wiring.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/fatih/color"
	"github.com/urfave/cli"

	"github.com/NVIDIA/psvcd/apply"
	"github.com/NVIDIA/psvcd/command"
	"github.com/NVIDIA/psvcd/endpoint"
	"github.com/NVIDIA/psvcd/historydb"
	"github.com/NVIDIA/psvcd/install"
	"github.com/NVIDIA/psvcd/internal/cos"
	"github.com/NVIDIA/psvcd/internal/config"
	"github.com/NVIDIA/psvcd/internal/nlog"
	"github.com/NVIDIA/psvcd/internal/version"
	"github.com/NVIDIA/psvcd/metrics"
	"github.com/NVIDIA/psvcd/release"
	"github.com/NVIDIA/psvcd/service"
	"github.com/NVIDIA/psvcd/update"
)

// ldflag-injected at link time, the way build/buildtime are in
// cmd/authn/main.go.
var (
	build     string
	buildtime string

	// frozen is non-empty when this binary was produced by the bundler
	// named in spec.md §1 as an external collaborator; build/release
	// modes refuse to run from a frozen binary (spec.md §6 exit code 2).
	frozen string
)

const svcName = "psvcd"

func isFrozen() bool { return frozen != "" }

func main() {
	app := cli.NewApp()
	app.Name = svcName
	app.Usage = "self-updating service runtime: run, build, release, or apply a version"
	app.Version = build
	app.EnableBashCompletion = true
	app.HideHelp = false
	app.CommandNotFound = func(c *cli.Context, name string) {
		fmt.Fprintf(c.App.ErrWriter, "%s: unknown mode %q\n", svcName, name)
		os.Exit(1)
	}
	app.Flags = runCmd.Flags
	app.Action = runAction
	app.Commands = []cli.Command{runCmd, buildCmd, releaseCmd, applyCmd}

	if err := app.Run(os.Args); err != nil {
		cos.ExitLogf("%v", err)
	}
}

var runCmd = cli.Command{
	Name:  "run",
	Usage: "run the service (default mode)",
	Flags: []cli.Flag{
		cli.StringFlag{Name: "l", Value: "", Usage: "log level"},
		cli.StringFlag{Name: "c", Value: "", Usage: "config path"},
		cli.BoolFlag{Name: "install", Usage: "register as an OS service (external collaborator, not implemented here)"},
		cli.BoolFlag{Name: "uninstall", Usage: "unregister the OS service (external collaborator, not implemented here)"},
		cli.BoolFlag{Name: "progress", Usage: "render a download progress bar for server-initiated updates"},
	},
	Action: runAction,
}

var buildCmd = cli.Command{
	Name:  "build",
	Usage: "build a draft release version from a source tree",
	Flags: []cli.Flag{
		cli.StringFlag{Name: "v", Usage: "version (MAJOR.MINOR[.PATCH])"},
		cli.StringFlag{Name: "f", Usage: "source spec: directory to package"},
		cli.StringFlag{Name: "p", Usage: "release path (store root)"},
		cli.StringSliceFlag{Name: "e", Usage: "exclude glob pattern (repeatable)"},
		cli.StringSliceFlag{Name: "o", Usage: "extra KEY=VAL option (repeatable, reserved for builder extensions)"},
	},
	Action: buildAction,
}

var releaseCmd = cli.Command{
	Name:  "release",
	Usage: "approve a built version, or mark one deprecated with --rollback",
	Flags: []cli.Flag{
		cli.StringFlag{Name: "v", Usage: "version to release"},
		cli.BoolFlag{Name: "a", Usage: "approve (default action when -r is not given)"},
		cli.StringFlag{Name: "p", Usage: "release path (store root)"},
		cli.StringFlag{Name: "n", Usage: "release notes"},
		cli.StringFlag{Name: "r", Usage: "rollback target version (marks -v deprecated)"},
	},
	Action: releaseAction,
}

var applyCmd = cli.Command{
	Name:   "apply",
	Usage:  "consume the staged replay manifest and swap in the new version (internal, no user arguments)",
	Action: applyAction,
}

func refuseIfFrozen(c *cli.Context) error {
	if isFrozen() {
		fmt.Fprintf(c.App.ErrWriter, "%s: %s is forbidden inside a bundled executable\n", svcName, c.Command.Name)
		os.Exit(2)
	}
	return nil
}

func loadConfigOrExit(path string) *config.Config {
	if path == "" {
		cos.ExitLogf("missing -c/--config")
	}
	cfg, err := config.Load(path)
	if err != nil {
		cos.ExitLogf("failed to load configuration from %q: %v", path, err)
	}
	return cfg
}

func buildAction(c *cli.Context) error {
	if err := refuseIfFrozen(c); err != nil {
		return err
	}
	v := c.String("v")
	if v == "" {
		cos.ExitLogf("build: -v VERSION is required")
	}
	store := release.NewStore(c.String("p"))
	b := &release.Builder{Store: store}
	m, err := b.Build(release.BuildOpts{
		Version:         v,
		SourceDir:       c.String("f"),
		ExcludePatterns: c.StringSlice("e"),
	})
	if err != nil {
		cos.ExitLogf("build %s: %v", v, err)
	}
	color.New(color.FgHiGreen).Printf("built %s (%d files, %d bytes) as draft\n", m.Version, len(m.Files), m.TotalSize())
	return nil
}

func releaseAction(c *cli.Context) error {
	if err := refuseIfFrozen(c); err != nil {
		return err
	}
	v := c.String("v")
	if v == "" {
		cos.ExitLogf("release: -v VERSION is required")
	}
	store := release.NewStore(c.String("p"))
	if rollback := c.String("r"); rollback != "" {
		if err := store.Rollback(v, rollback); err != nil {
			cos.ExitLogf("rollback %s: %v", v, err)
		}
		color.New(color.FgHiYellow).Printf("%s deprecated, rollback target %s\n", v, rollback)
		return nil
	}
	if err := store.Approve(v, c.String("n")); err != nil {
		cos.ExitLogf("approve %s: %v", v, err)
	}
	color.New(color.FgHiGreen).Printf("%s approved\n", v)
	return nil
}

func applyAction(*cli.Context) error {
	installRoot, err := install.DiscoverInstallRoot()
	if err != nil {
		cos.ExitLogf("apply: locate install root: %v", err)
	}
	updatePath := filepath.Join(installRoot, "update")
	// apply runs as a short-lived re-exec'd process with nothing to scrape
	// it; the outcome still lands in metrics (for any local exporter a
	// caller might sidecar) and, durably, in historydb below.
	if err := applyWithHistory(updatePath, installRoot, metrics.New(svcName)); err != nil {
		cos.ExitLogf("apply: %v", err)
	}
	return nil
}

// applyWithHistory wraps apply.Run with a historydb record so the ledger
// reflects apply attempts regardless of which mode triggered them.
func applyWithHistory(updatePath, installRoot string, m *metrics.Registry) error {
	db, dbErr := historydb.Open(filepath.Join(installRoot, "psvcd_history.db"))
	if dbErr == nil {
		defer db.Close()
	}
	stage, locateErr := apply.LocateStage(updatePath)
	runErr := apply.Run(updatePath, installRoot, m)
	if db != nil && locateErr == nil {
		entry := historydb.Entry{Version: filepath.Base(stage), AppliedAt: time.Now().Unix(), Outcome: historydb.OutcomeSuccess}
		if runErr != nil {
			entry.Outcome = historydb.OutcomeFailure
			entry.Detail = runErr.Error()
		}
		_ = db.Record(entry)
	}
	return runErr
}

func runAction(c *cli.Context) error {
	if c.Bool("install") || c.Bool("uninstall") {
		fmt.Fprintln(c.App.Writer, "OS service registration is an external collaborator; not implemented here")
		return nil
	}

	cfg := loadConfigOrExit(c.String("c"))
	if lvl := c.String("l"); lvl != "" {
		cfg.PSVC.LogLevel = lvl
	}
	installRoot, err := install.DiscoverInstallRoot()
	if err != nil {
		cos.ExitLogf("run: locate install root: %v", err)
	}
	updatePath := cfg.PSVC.UpdatePath
	if !filepath.IsAbs(updatePath) {
		updatePath = filepath.Join(installRoot, updatePath)
	}

	m := metrics.New(svcName)
	m.SetCurrentVersion(cfg.PSVC.Version)

	current, err := version.Parse(cfg.PSVC.Version)
	if err != nil {
		cos.ExitLogf("run: invalid PSVC.version %q: %v", cfg.PSVC.Version, err)
	}
	ep := endpoint.New(nil, 0)
	disp := command.New(ep)
	upd, err := update.New(disp, current, updatePath)
	if err != nil {
		cos.ExitLogf("run: init updater: %v", err)
	}
	upd.SetMetrics(m)
	if c.Bool("progress") {
		upd.EnableProgress()
	}

	var serial int64
	if cfg.PSVC.UpdateServerAddr != "" {
		serial, err = ep.Connect(cfg.PSVC.UpdateServerAddr, cfg.PSVC.UpdateServerPort)
		if err != nil {
			cos.ExitLogf("run: connect to update server %s:%d: %v", cfg.PSVC.UpdateServerAddr, cfg.PSVC.UpdateServerPort, err)
		}
	}

	installer := install.New(installRoot)
	installer.SetMetrics(m)

	if cfg.Releaser.ReleasePath != "" && cfg.Releaser.ListenAddr != "" {
		if _, err := ep.Bind(cfg.Releaser.ListenAddr, cfg.Releaser.ListenPort); err != nil {
			cos.ExitLogf("run: bind release listener %s:%d: %v", cfg.Releaser.ListenAddr, cfg.Releaser.ListenPort, err)
		}
		store := release.NewStore(cfg.Releaser.ReleasePath)
		releaser, err := release.NewReleaser(store, disp)
		if err != nil {
			cos.ExitLogf("run: init releaser: %v", err)
		}
		releaser.SetMetrics(m)
		nlog.Infof("run: hosting releaser on %s:%d, serving %q", cfg.Releaser.ListenAddr, cfg.Releaser.ListenPort, cfg.Releaser.ReleasePath)
	}

	if cfg.PSVC.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		addr := fmt.Sprintf("%s:%d", cfg.PSVC.MetricsAddr, cfg.PSVC.MetricsPort)
		srv := &http.Server{Addr: addr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				nlog.Errorf("run: metrics server on %s: %v", addr, err)
			}
		}()
		nlog.Infof("run: serving metrics on %s/metrics", addr)
	}

	task := &heartbeatTask{disp: disp, ep: ep, updater: upd, version: current, serial: serial}
	rt := service.New(task)

	upd.OnApplyUpdate(func(ver string, restart bool) {
		nlog.Infof("run: server pushed apply_update for %s (restart=%v)", ver, restart)
		if err := upd.DownloadAndInstall(serial, installer, os.Args, rt, restart); err != nil {
			nlog.Errorf("run: server-initiated update to %s failed: %v", ver, err)
		}
	})

	nlog.Infof("%s version %s (build %s) starting", svcName, cfg.PSVC.Version, buildtime)
	return rt.Run()
}

// heartbeatTask is the framework's own minimal Task: it polls for updates
// on an interval, demonstrating the Init/Run/Destroy cycle for an
// executable that is otherwise only a release host + update client
// (spec.md §4.9). Services with real business logic supply their own Task.
type heartbeatTask struct {
	disp    *command.Dispatcher
	ep      *endpoint.Endpoint
	updater *update.Updater
	version version.V
	serial  int64 // 0 when no update server is configured
}

func (h *heartbeatTask) Init(ctx context.Context) error {
	go h.disp.ReceiveLoop(ctx)
	nlog.Infof("heartbeat: service task initialized at version %s", h.version)
	return nil
}

func (h *heartbeatTask) Run(context.Context) error {
	if h.serial != 0 {
		if newer, err := h.updater.CheckUpdate(h.serial); err != nil {
			nlog.Warningf("heartbeat: check update: %v", err)
		} else if newer {
			nlog.Infof("heartbeat: a newer version is available")
		}
	}
	time.Sleep(30 * time.Second)
	return nil
}

func (h *heartbeatTask) Destroy(context.Context) error {
	h.ep.CloseAll()
	return nil
}
