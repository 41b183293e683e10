// Command server is the HTTP entry point of the credit-card advisor.
//
// With no arguments it runs `serve`: it spawns the four sub-agents as stdio
// subprocesses of this binary, connects to them, and exposes the
// conversation API. Any other arguments run the cardmate command tree, which
// is how the spawned sub-agents (`agent serve --transport stdio`) start.
package main

import "github.com/cardmate/advisor/internal/cli"

func main() {
	cli.ExecuteDefault("serve")
}
