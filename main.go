// Package main is the entry point for the dominds binary.
package main

import "dominds/internal/cli"

func main() {
	cli.Execute()
}
