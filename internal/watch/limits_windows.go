// SPDX-License-Identifier: MPL-2.0

//go:build windows

package watch

import "syscall"

// exhaustionErrnos are the Win32 codes (too many open files, invalid handle,
// not enough memory) that leave ReadDirectoryChangesW unusable.
var exhaustionErrnos = []syscall.Errno{4, 6, 8}
