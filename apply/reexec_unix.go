//go:build !windows

/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package apply

import "syscall"

// detachedProcAttr starts the successor in a new session so this apply
// process can exit immediately without taking it down (spec.md §4.8 step 3).
func detachedProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}
