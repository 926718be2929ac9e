// Command offsync runs the offline operation queue: enqueue and inspect
// operations, drain them with the built-in appliers, move snapshots between
// devices and serve the admin API.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/dandytbermillo/annotation-backup-sub014/internal/cli"
)

func main() {
	err := cli.NewRootCommand().Execute()
	if err == nil {
		return
	}
	// Command failures were already written by the output formatter and
	// wrap their cause; flag and usage errors were not.
	var exitErr *cli.ExitError
	if !errors.As(err, &exitErr) || exitErr.Err == nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	os.Exit(cli.GetExitCode(err))
}
