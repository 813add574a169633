// Command codex-swarm runs the supervisor/worker orchestrator against a
// git repo from the command line.
package main

import "github.com/rileywarren/codex-swarm/internal/cli"

func main() {
	cli.Execute()
}
