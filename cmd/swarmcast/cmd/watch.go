package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"swarmcast/internal/media"
)

var watchOutput string

var watchCmd = &cobra.Command{
	Use:   "watch <media-url> <metadata-url>",
	Short: "Download a media file through the swarm into a local file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		mediaURL, metaURL := args[0], args[1]

		p, err := buildPeer()
		if err != nil {
			return err
		}
		p.Start()
		defer p.Close()

		sink, err := media.NewFileSink(watchOutput)
		if err != nil {
			return err
		}
		if err := p.Watch(mediaURL, metaURL, sink); err != nil {
			return err
		}

		interrupt := make(chan os.Signal, 1)
		signal.Notify(interrupt, syscall.SIGINT, syscall.SIGTERM)
		ticker := time.NewTicker(200 * time.Millisecond)
		defer ticker.Stop()

		var bar *progressbar.ProgressBar
		for {
			select {
			case <-interrupt:
				fmt.Println("\ninterrupted")
				return nil
			case <-ticker.C:
				added, total := p.Progress(mediaURL)
				if total == 0 {
					continue
				}
				if bar == nil {
					bar = progressbar.NewOptions(total,
						progressbar.OptionSetDescription("downloading"),
						progressbar.OptionShowCount(),
					)
				}
				_ = bar.Set(added)
				if p.Complete(mediaURL) {
					fmt.Println("\nsaved to", watchOutput)
					return nil
				}
			}
		}
	},
}

func init() {
	watchCmd.Flags().StringVarP(&watchOutput, "output", "o", "media.webm", "output file path")
}
