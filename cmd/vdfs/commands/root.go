// Package commands implements the vdfs command line.
package commands

import (
	"fmt"

	internal "github.com/ZanzyTHEbar/virtual-davfs/vdfs"

	"github.com/spf13/cobra"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"

	// Global flags.
	cfgFile  string
	logLevel string
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   internal.DefaultAppName,
	Short: "vdfs - a cached virtual filesystem over WebDAV",
	Long: `vdfs mirrors the directory tree of a WebDAV server in memory and
exposes it as a FUSE filesystem. Folder listings are fetched lazily, served
from the cache afterwards and refreshed in the background once stale.

Use "vdfs [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and runs it.
func Execute() error {
	return rootCmd.Execute()
}

// GetRootCmd returns the root command for testing purposes.
func GetRootCmd() *cobra.Command {
	return rootCmd
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		fmt.Sprintf("config file (default: ./config.yaml or %s)", internal.DefaultGlobalConfig))
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log.level (trace, debug, info, warn, error)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(mountCmd)
	rootCmd.AddCommand(lsCmd)
	rootCmd.AddCommand(warmCmd)
}

// GetConfigFile returns the config file path from the global flag.
func GetConfigFile() string {
	return cfgFile
}
