package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"swarmcast/internal/config"
	"swarmcast/internal/logger"
	"swarmcast/internal/peer"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:  `swarmcast`,
	Long: `swarmcast is a peer to peer client for segmented media distribution`,
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := buildPeer()
		if err != nil {
			return err
		}
		p.Start()
		defer p.Close()

		fmt.Println("peer", p.ID(), "running")

		done := make(chan os.Signal, 1)
		signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)
		<-done
		fmt.Println("exiting...")
		return nil
	},
}

func buildPeer() (*peer.Peer, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return peer.New(peer.Options{
		Config: cfg,
		Logger: logger.New(cfg.Logging.Level),
	})
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "swarmcast.yaml", "path to the config file")
	rootCmd.AddCommand(watchCmd)
}
