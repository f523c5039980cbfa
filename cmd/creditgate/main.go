package main

import (
	"fmt"
	"os"

	"github.com/allaspectsdev/creditgate/internal/version"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "start":
		cmdStart(os.Args[2:])
	case "stop":
		cmdStop()
	case "status":
		cmdStatus()
	case "keys":
		cmdKeys(os.Args[2:])
	case "init-config":
		cmdInitConfig()
	case "config-export":
		cmdConfigExport(os.Args[2:])
	case "version":
		fmt.Println(version.String())
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Usage: creditgate <command> [options]

Commands:
  start          Start the creditgate daemon
  stop           Stop the running daemon
  status         Show daemon status and summary stats
  keys           Manage API keys (list|set|delete <account>)
  init-config    Generate default config file
  config-export  Export current config to a TOML file
  version        Print version information
  help           Show this help message

Options:
  --foreground   Run in foreground (with 'start')`)
}
