// SPDX-License-Identifier: MPL-2.0

// Command tessera manages a persistent tree of subsystems: it installs
// archives, starts and stops them, and serves metrics while watching the
// configured repositories for changes.
//
// Every invocation opens the engine from the state directory, performs one
// operation and closes it again. State survives between invocations through
// the configured store.
package main
