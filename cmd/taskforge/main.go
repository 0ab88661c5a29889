package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func main() {
	_ = godotenv.Load()

	var root = &cobra.Command{
		Use:           "taskforge",
		Short:         "Gather requirements, compile plans and execute them",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCMD(), runCMD(), compileCMD(), migrateCMD())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
