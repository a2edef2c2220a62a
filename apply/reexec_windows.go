//go:build windows

/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package apply

import "syscall"

// detachedProcAttr starts the successor in its own process group (spec.md
// §4.8 step 3).
func detachedProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP}
}
