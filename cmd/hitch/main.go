package main

import (
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/strongdm/hitch/internal/cli"
	"github.com/strongdm/hitch/internal/hitchd"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	args := os.Args
	if len(args) > 1 {
		switch args[1] {
		case "--version", "version":
			printVersion()
			return
		case "serve":
			daemonArgs := append([]string{args[0] + " serve"}, args[2:]...)
			if err := hitchd.Main(daemonArgs); err != nil {
				log.Fatal(err)
			}
			return
		}
	}
	if err := cli.Main(args); err != nil {
		var exitErr *cli.ExitCodeError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.ExitCode())
		}
		log.Fatal(err)
	}
}

func printVersion() {
	shortHash := commit
	if len(shortHash) > 7 {
		shortHash = shortHash[:7]
	}
	fmt.Printf("version: %s\n", version)
	fmt.Printf("git hash: %s\n", shortHash)
	fmt.Printf("build date: %s\n", buildDate)
}
