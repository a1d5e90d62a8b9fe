package cmd

import (
	"fmt"
	"os"

	"runc-go/container"
	"runc-go/nsenter"
)

// RunBootstrap gives the container bootstrap executor first refusal on
// every invocation of this binary, before cobra ever parses argv - it
// must run from an init() in main, not from a cobra command, because the
// manager's init-pipe protocol and the internal stage re-exec protocol
// both identify themselves purely through environment variables, never
// through a recognizable argv[1] subcommand the CLI tree could route on.
//
// RunBootstrap returns with no side effects when neither protocol's
// environment variables are present, letting cobra take over normally.
// When nsenter.Bootstrap reports that this process just finished stage 2,
// argv no longer says "init" (it is the internal stage re-exec sentinel),
// so this calls container.InitContainer directly instead of falling
// through to cmd.Execute, which would otherwise fail to route it.
func RunBootstrap() {
	continueAsInit, err := nsenter.Bootstrap()
	if err != nil {
		fmt.Fprintf(os.Stderr, "runc-go: bootstrap: %v\n", err)
		os.Exit(1)
	}
	if !continueAsInit {
		return
	}
	if err := container.InitContainer(); err != nil {
		fmt.Fprintf(os.Stderr, "runc-go: init: %v\n", err)
		os.Exit(1)
	}
	os.Exit(0)
}
