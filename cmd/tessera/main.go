// SPDX-License-Identifier: MPL-2.0

package main

import (
	"context"
	"os"
)

func main() {
	os.Exit(Execute(context.Background(), NewApp(Dependencies{}), os.Args[1:]))
}
