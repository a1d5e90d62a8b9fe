// runc-go is an OCI-compliant container runtime.
//
// This is an educational implementation that follows the OCI Runtime Specification.
// It can be used as a drop-in replacement for runc with Docker or other container engines.
//
// Commands:
//
//	create  - Create a container (but don't start it)
//	start   - Start a created container
//	run     - Create and start a container
//	state   - Output the state of a container
//	kill    - Send a signal to a container
//	delete  - Delete a container
//	list    - List containers
//	spec    - Generate a default OCI spec
//	init    - Internal command for container initialization
package main

import (
	"fmt"
	"os"

	"runc-go/cmd"
)

// init runs before anything else in the binary, including flag parsing and
// cobra's command tree. This is where the bootstrap executor gets a chance
// to run: if the manager (this same binary, invoked earlier) set
// _LIBCONTAINER_INITPIPE, nsenter.Bootstrap takes over the process and never
// returns to main. If the env var is absent, it returns immediately and
// execution falls through to cmd.Execute as normal.
func init() {
	cmd.RunBootstrap()
}

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "runc-go: %v\n", err)
		os.Exit(1)
	}
}
