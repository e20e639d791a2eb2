package main

import (
	"os"

	"github.com/harvest-engineering/harvest-executor/cmd"
	"github.com/harvest-engineering/harvest-executor/internal/errors"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(errors.GetExitCode(err))
	}
}
