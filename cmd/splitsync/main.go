// Package main provides the splitsync CLI.
package main

import "github.com/mesh-intelligence/splitsync/internal/cli"

func main() {
	cli.Execute()
}
