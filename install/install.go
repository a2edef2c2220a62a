// Package install implements the install orchestrator (spec.md §4.7, C7):
// backup the install root, deploy a downloaded stage into it, write the
// replay manifest, and register the closer that hands off to the
// re-exec'd successor once the service's event loop has fully unwound.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package install

import (
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/NVIDIA/psvcd/internal/cos"
	"github.com/NVIDIA/psvcd/internal/nlog"
	"github.com/NVIDIA/psvcd/metrics"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// SavedArgsFileName is the replay manifest written into the stage directory
// and consumed by package apply.
const SavedArgsFileName = "saved_args.json"

// SavedArgs is the replay manifest (spec.md §3): the launch argv captured
// verbatim except for mode tokens and their options, which are stripped so
// the successor comes up in run mode.
type SavedArgs struct {
	Argv []string `json:"argv"`
}

// modeTokens strips these CLI mode tokens during normalization.
var modeTokens = map[string]bool{"run": true, "build": true, "release": true, "apply": true}

// modeOptionsWithValue are the build/release-only flags that take a value;
// normalization strips each together with its value, since they are
// meaningless once the successor is running in (implicit) run mode. The
// value-less release flag -a is stripped separately in NormalizeArgv.
var modeOptionsWithValue = map[string]bool{
	"-v": true, "-f": true, "-p": true, "-e": true, "-o": true, "-n": true, "-r": true,
}

// NormalizeArgv strips mode tokens (run|build|release|apply) and
// build/release-only option flags (with their values) from argv, so the
// replayed argv launches the successor in run mode (spec.md §4.7 step 4).
func NormalizeArgv(argv []string) []string {
	out := make([]string, 0, len(argv))
	for i := 0; i < len(argv); i++ {
		a := argv[i]
		if modeTokens[a] {
			continue
		}
		if modeOptionsWithValue[a] {
			i++ // skip the option's value too
			continue
		}
		if a == "-a" {
			continue
		}
		out = append(out, a)
	}
	return out
}

// Orchestrator performs the install steps against one install root.
type Orchestrator struct {
	installRoot string
	metrics     *metrics.Registry // optional; nil methods are no-ops
}

// New creates an Orchestrator rooted at installRoot.
func New(installRoot string) *Orchestrator { return &Orchestrator{installRoot: installRoot} }

// SetMetrics attaches m so Install reports its outcome against it. m may
// be nil to disable reporting.
func (o *Orchestrator) SetMetrics(m *metrics.Registry) { o.metrics = m }

// InstallRoot returns the directory this Orchestrator installs into.
func (o *Orchestrator) InstallRoot() string { return o.installRoot }

// DiscoverInstallRoot resolves the install root as the directory of the
// currently running executable (spec.md §4.7 step 1).
func DiscoverInstallRoot() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", cos.NewErrIO("locate running executable: %v", err)
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	return filepath.Dir(exe), nil
}

// Backup creates backup_<timestamp>/ inside the install root and copies
// every current entry not itself prefixed "backup_" into it, returning the
// backup path (spec.md §4.7 step 2; not restored automatically).
func (o *Orchestrator) Backup() (string, error) {
	ts := time.Now().UTC().Format("20060102T150405Z")
	backupDir := filepath.Join(o.installRoot, "backup_"+ts)

	entries, err := os.ReadDir(o.installRoot)
	if err != nil {
		return "", cos.NewErrIO("read install root %q: %v", o.installRoot, err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "backup_") {
			continue
		}
		src := filepath.Join(o.installRoot, e.Name())
		dst := filepath.Join(backupDir, e.Name())
		if e.IsDir() {
			if err := copyTree(src, dst); err != nil {
				return backupDir, err
			}
			continue
		}
		if err := cos.CopyFile(src, dst); err != nil {
			return backupDir, cos.NewErrIO("backup %q: %v", src, err)
		}
	}
	return backupDir, nil
}

// Deploy copies stageDir into the install root, platform-dependently
// (spec.md §4.7 step 3): on Windows each file lands at "<target>.new"
// because the in-use executable can't be overwritten while running; on
// POSIX files are copied directly over their targets, preserving mode bits.
func (o *Orchestrator) Deploy(stageDir string) error {
	return filepath.WalkDir(stageDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(stageDir, path)
		if err != nil {
			return err
		}
		if rel == SavedArgsFileName {
			return nil
		}
		target := filepath.Join(o.installRoot, rel)
		if runtime.GOOS == "windows" {
			target += ".new"
		}
		if err := cos.CopyFile(path, target); err != nil {
			return cos.NewErrIO("deploy %q: %v", rel, err)
		}
		return nil
	})
}

// WriteSavedArgs writes the replay manifest into stageDir.
func (o *Orchestrator) WriteSavedArgs(stageDir string, argv []string) error {
	sa := SavedArgs{Argv: NormalizeArgv(argv)}
	data, err := json.MarshalIndent(sa, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(stageDir, SavedArgsFileName), data, 0o644)
}

// ClosingStopper is implemented by the service runtime (spec.md §4.9):
// RegisterCloser queues a function to run after the event loop has fully
// unwound, in registration order; Stop requests the normal drain sequence.
type ClosingStopper interface {
	RegisterCloser(func())
	Stop()
}

// Install runs steps 2-5 of spec.md §4.7 against an already-downloaded
// stage: backup, deploy, write the replay manifest, then register the
// re-exec closer and request shutdown. The closer fires only once rt's
// event loop has closed, guaranteeing file handles are released before the
// successor starts copying (spec.md §4.7 step 5).
func (o *Orchestrator) Install(stageDir string, argv []string, rt ClosingStopper) (backupPath string, err error) {
	defer func() { o.metrics.IncInstallOutcome(err == nil) }()

	backupPath, err = o.Backup()
	if err != nil {
		return backupPath, err
	}
	if err := o.Deploy(stageDir); err != nil {
		return backupPath, err
	}
	if err := o.WriteSavedArgs(stageDir, argv); err != nil {
		return backupPath, err
	}
	rt.RegisterCloser(func() { o.reexecApply() })
	rt.Stop()
	return backupPath, nil
}

func (o *Orchestrator) reexecApply() {
	exe, err := os.Executable()
	if err != nil {
		nlog.Errorf("install: locate self executable for apply handoff: %v", err)
		return
	}
	cmd := exec.Command(exe, "apply")
	cmd.Dir = o.installRoot
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = detachedProcAttr()
	if err := cmd.Start(); err != nil {
		nlog.Errorf("install: spawn apply successor: %v", err)
		return
	}
	nlog.Infof("install: spawned apply successor pid=%d", cmd.Process.Pid)
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return cos.CreateDir(target)
		}
		return cos.CopyFile(path, target)
	})
}
