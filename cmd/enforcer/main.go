// Package main is the entry point for the enforcer daemon and its CLI.
package main

import (
	"bufio"
	"fmt"
	"os"
	"runtime"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fatal(err.Error())
	}
}

// fatal prints an error and, on Windows, waits for a keypress so the user can
// read the message when the exe is launched by double-click.
func fatal(msg string) {
	fmt.Fprintf(os.Stderr, "ERROR: %s\n", msg)
	if runtime.GOOS == "windows" {
		fmt.Fprintln(os.Stderr, "\nPress Enter to exit...")
		bufio.NewReader(os.Stdin).ReadBytes('\n')
	}
	os.Exit(1)
}
