package main

import (
	"fmt"
	"os"
)

var version = "dev"

var commands = map[string]func([]string) error{
	"status": runStatus,
	"check":  runCheck,
	"apply":  runApply,
	"reset":  runReset,
}

func usage() {
	fmt.Fprintf(os.Stderr, `autoschema - runtime schema migration CLI (version %s)

Usage:
  autoschema <command> [options]

Commands:
  status   Show migration history for an owner key
  check    Show the DDL a migration would run, without applying it
  apply    Apply a schema definition to the database
  reset    Delete all recorded migration history for an owner key

Run 'autoschema <command> -h' for command-specific help.
`, version)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	if cmd == "-h" || cmd == "--help" || cmd == "help" {
		usage()
		os.Exit(0)
	}
	if cmd == "-v" || cmd == "--version" || cmd == "version" {
		fmt.Println(version)
		os.Exit(0)
	}

	fn, ok := commands[cmd]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}

	if err := fn(os.Args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
