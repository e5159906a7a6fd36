package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/ppiankov/cronforge/internal/cli"
)

func main() {
	if err := cli.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		var cfgErr *cli.ConfigError
		if errors.As(err, &cfgErr) {
			os.Exit(2)
		}
		var runErr *cli.RunFailedError
		if errors.As(err, &runErr) {
			os.Exit(runErr.ExitCode())
		}
		os.Exit(1)
	}
}
