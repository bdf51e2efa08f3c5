// Package main our entry point.
package main

import "github.com/johndosdos/rentchat/internal/cli"

func main() {
	cli.Execute()
}
