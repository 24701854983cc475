package main

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	flagVerbose bool
	flagDebug   bool
	flagDir     string
)

var rootCmd = &cobra.Command{
	Use:   "perobscheck",
	Short: "Inspect and repair a perobs FlatFileDB directory",
	Long: `perobscheck opens a perobs storage directory directly, without going through
an application's object layer, to put/get/delete raw records by id and to
validate or repair the on-disk index and free-space structures.`,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print the perobscheck version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Printf("perobscheck %s (%s)\n", release, commit)
	},
}

func commandInit() {
	rootCmd.PersistentFlags().StringVarP(&flagDir, "dir", "C", "", "database directory (required)")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable info-level logging")
	rootCmd.PersistentFlags().BoolVarP(&flagDebug, "debug", "d", false, "enable debug-level logging")
	rootCmd.MarkPersistentFlagRequired("dir")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if cmd == versionCmd {
			return nil
		}
		logrus.SetLevel(logrus.WarnLevel)
		if flagVerbose {
			logrus.SetLevel(logrus.InfoLevel)
		}
		if flagDebug {
			logrus.SetLevel(logrus.DebugLevel)
		}
		return nil
	}

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(putCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(gcCmd)
	rootCmd.AddCommand(compactCmd)
}
