package main

import (
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/N1ghthill/dexter-sub001/util"
	"github.com/N1ghthill/dexter-sub001/version"
)

var (
	userDataDir   string
	logLevel      string
	logFile       string
	githubOwner   string
	githubRepo    string
	signingKey    string
	debStrategy   string
	updateChannel string

	rootCmd = &cobra.Command{
		Use:          "dexter",
		Short:        "dexter desktop assistant",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if userDataDir == "" {
				configDir, err := os.UserConfigDir()
				if err != nil {
					return err
				}
				userDataDir = filepath.Join(configDir, "dexter")
			}
			return util.InitLog(logLevel, logFile)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "print the dexter version",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println(version.AppVersion())
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&userDataDir, "user-data-dir", "", "user data directory (default: OS config dir)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "console", "log file path, or 'console'")
	rootCmd.Flags().StringVar(&githubOwner, "update-github-owner", "N1ghthill", "GitHub owner of the release repository")
	rootCmd.Flags().StringVar(&githubRepo, "update-github-repo", "dexter", "GitHub release repository; empty disables updates")
	rootCmd.Flags().StringVar(&signingKey, "update-signing-key", "", "path to the PEM ed25519 public key for manifest verification")
	rootCmd.Flags().StringVar(&debStrategy, "update-deb-strategy", "assist", "deb install strategy: assist or pkexec-apt")
	rootCmd.Flags().StringVar(&updateChannel, "update-channel", "", "override the persisted update channel for this run")

	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}
