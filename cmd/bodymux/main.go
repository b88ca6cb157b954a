// Package main provides the bodymux CLI.
package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/born-ml/bodymux/internal/cli"
)

func main() {
	cobra.CheckErr(cli.NewCLI().ExecuteContext(context.Background()))
}
