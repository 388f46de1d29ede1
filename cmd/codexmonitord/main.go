// codexmonitord entry point
//
// codexmonitord is a headless daemon that runs codex app-server sessions,
// terminals and a browser worker per workspace and serves them to remote
// clients over a token-authenticated TCP protocol.
package main

import "github.com/jbctechsolutions/codexmonitor/internal/presentation/cli/commands"

func main() {
	commands.Execute()
}
