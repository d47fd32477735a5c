package main

import (
	"fmt"

	"github.com/agentbox/agentboxd/pkg/version"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print the agentboxd version",
		RunE: func(cmd *cobra.Command, args []string) error {
			glyph := color.GreenString("●")
			fmt.Printf("%s agentboxd %s\n", glyph, version.Version)
			return nil
		},
	}
}
