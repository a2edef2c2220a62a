// Package apply implements the apply orchestrator (spec.md §4.8, C8): the
// successor process, launched with first argument "apply", deploys the
// most recent stage into the install root and re-execs into run mode.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package apply

import (
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"

	jsoniter "github.com/json-iterator/go"

	"github.com/NVIDIA/psvcd/install"
	"github.com/NVIDIA/psvcd/internal/cos"
	"github.com/NVIDIA/psvcd/internal/nlog"
	"github.com/NVIDIA/psvcd/internal/version"
	"github.com/NVIDIA/psvcd/metrics"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// LocateStage finds the most recent stage directory under updatePath that
// contains a saved_args.json (spec.md §4.8: "finds the most recent stage
// directory containing a saved_args.json"). Stage directories are named by
// version, as release bundles are, so "most recent" means highest version.
func LocateStage(updatePath string) (string, error) {
	entries, err := os.ReadDir(updatePath)
	if err != nil {
		return "", cos.NewErrIO("read update path %q: %v", updatePath, err)
	}
	candidates := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := version.Parse(e.Name()); err != nil {
			continue
		}
		if !cos.Exists(filepath.Join(updatePath, e.Name(), install.SavedArgsFileName)) {
			continue
		}
		candidates = append(candidates, e.Name())
	}
	if len(candidates) == 0 {
		return "", cos.NewErrNotFound("no stage with %s under %q", install.SavedArgsFileName, updatePath)
	}
	sorted := version.SortStrings(candidates)
	return filepath.Join(updatePath, sorted[len(sorted)-1]), nil
}

func loadSavedArgs(stageDir string) (install.SavedArgs, error) {
	var sa install.SavedArgs
	data, err := os.ReadFile(filepath.Join(stageDir, install.SavedArgsFileName))
	if err != nil {
		return sa, cos.NewErrIO("read %s: %v", install.SavedArgsFileName, err)
	}
	if err := json.Unmarshal(data, &sa); err != nil {
		return sa, cos.NewErrProtocol("decode %s: %v", install.SavedArgsFileName, err)
	}
	return sa, nil
}

// deployStage copies every file in stageDir except saved_args.json into
// installRoot, creating directories as needed and preserving mode bits on
// POSIX (spec.md §4.8 step 1), returning the count of files deployed.
func deployStage(stageDir, installRoot string) (int, error) {
	var n int
	err := filepath.WalkDir(stageDir, func(path string, d fs.DirEntry, err error) error {
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
		if rel == install.SavedArgsFileName {
			return nil
		}
		if err := cos.CopyFile(path, filepath.Join(installRoot, rel)); err != nil {
			return cos.NewErrIO("deploy %q: %v", rel, err)
		}
		n++
		return nil
	})
	return n, err
}

// Run performs the full apply sequence (spec.md §4.8): locate the stage,
// deploy it into installRoot, verify at least one file landed, discard the
// replay manifest (spec.md §3: consumed exactly once, then discarded), then
// re-exec the install-root executable with the replayed argv in a new
// session. The backup produced by the preceding install step is left
// untouched; if any step here fails, it remains on disk for operator
// recovery (rollback orchestration is explicitly out of scope, spec.md §1).
// m is the optional metrics registry to report the apply outcome against.
func Run(updatePath, installRoot string, m *metrics.Registry) (err error) {
	defer func() { m.IncApplyOutcome(err == nil) }()

	var stage string
	stage, err = LocateStage(updatePath)
	if err != nil {
		return err
	}
	var saved install.SavedArgs
	saved, err = loadSavedArgs(stage)
	if err != nil {
		return err
	}
	var n int
	n, err = deployStage(stage, installRoot)
	if err != nil {
		return err
	}
	if n == 0 {
		err = cos.NewErrState("apply: stage %q deployed zero files", stage)
		return err
	}
	if rmErr := os.Remove(filepath.Join(stage, install.SavedArgsFileName)); rmErr != nil {
		nlog.Warningf("apply: remove %s from stage %q: %v", install.SavedArgsFileName, stage, rmErr)
	}
	err = reexec(installRoot, saved.Argv)
	return err
}

func reexec(installRoot string, argv []string) error {
	exe, err := os.Executable()
	if err != nil {
		return cos.NewErrIO("locate running executable: %v", err)
	}
	target := filepath.Join(installRoot, filepath.Base(exe))
	cmd := exec.Command(target, install.NormalizeArgv(argv)...)
	cmd.Dir = installRoot
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Stdin = os.Stdin
	cmd.SysProcAttr = detachedProcAttr()
	if err := cmd.Start(); err != nil {
		return cos.NewErrIO("re-exec %q: %v", target, err)
	}
	nlog.Infof("apply: re-exec'd %s pid=%d", target, cmd.Process.Pid)
	return nil
}
