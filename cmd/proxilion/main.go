// proxilion is the inline AI security and governance gateway: it
// intercepts provider-bound AI traffic, scans and polices it, schedules
// admitted requests across upstream endpoints, and accounts usage and
// spend per tenant.
package main

import (
	"fmt"
	"io"
	"os"
)

var version = "dev"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches subcommands. It exists separately from main so tests
// can drive the binary without exec.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServe(args[1:], stdout, stderr)
	}

	switch args[1] {
	case "serve", "server":
		return runServe(args[2:], stdout, stderr)
	case "version":
		_, _ = fmt.Fprintln(stdout, "proxilion", version)
		return 0
	case "check-config":
		return runCheckConfig(args[2:], stdout, stderr)
	case "help", "-h", "--help":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "unknown command %q\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, `Usage: proxilion <command> [flags]

Commands:
  serve         run the gateway (default)
  check-config  validate configuration and exit
  version       print version`)
}
