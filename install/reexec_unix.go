//go:build !windows

/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package install

import "syscall"

// detachedProcAttr puts the successor in a new session so it outlives this
// process's controlling terminal and process group (spec.md §4.8 step 3
// wants the handoff process to exit immediately without taking the
// successor down with it).
func detachedProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}
