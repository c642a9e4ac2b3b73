// Command rmacd evaluates agent operations against RMACD governance
// profiles and serves the governance tools over MCP.
package main

import "github.com/ppiankov/rmacd/internal/cli"

func main() {
	cli.Execute()
}
