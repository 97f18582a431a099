package main

import "github.com/spf13/cobra"

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "consultd",
		Short:         "Clinical consultation service",
		Long:          "consultd serves specialty consultations, records treatment plans for clinician approval and manages the retrieval knowledge base.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	serve := newServeCmd()
	rootCmd.RunE = serve.RunE
	rootCmd.AddCommand(
		serve,
		newMigrateCmd(),
		newIngestCmd(),
	)
	return rootCmd
}
