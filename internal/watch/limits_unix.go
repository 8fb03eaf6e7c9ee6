// SPDX-License-Identifier: MPL-2.0

//go:build !windows

package watch

import "syscall"

// exhaustionErrnos: inotify watch limit and descriptor tables.
var exhaustionErrnos = []syscall.Errno{syscall.ENOSPC, syscall.EMFILE, syscall.ENFILE}
