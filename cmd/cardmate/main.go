// Command cardmate runs the terminal chat, the sub-agent servers and the
// index tooling of the credit-card advisor.
package main

import "github.com/cardmate/advisor/internal/cli"

func main() {
	cli.Execute()
}
