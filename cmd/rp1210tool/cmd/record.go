package cmd

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/roffe/rp1210"
	"github.com/roffe/rp1210/pkg/recording"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

const flagHostTime = "host-time"

var recordCmd = &cobra.Command{
	Use:   "record <file>",
	Short: "record received J1939 traffic for replay",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := newDriver()
		if err != nil {
			return err
		}
		defer d.Close()
		if err := applyFilters(cmd, d); err != nil {
			return err
		}

		f, err := os.Create(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		buf := bufio.NewWriter(f)

		w, err := recording.NewWriter(buf, recording.Header{
			Version: recording.Version,
			Started: time.Now(),
			Driver:  viper.GetString(flagDriver),
			Device:  viper.GetInt(flagDevice),
		})
		if err != nil {
			return err
		}
		w.HostTime, _ = cmd.Flags().GetBool(flagHostTime)
		if _, err := d.Subscribe(rp1210.ChannelJ1939, w.Handler()); err != nil {
			return err
		}

		ctx := cmd.Context()
		if err := connect(ctx, d, rp1210.ChannelJ1939); err != nil {
			return err
		}
		log.Printf("recording to %s, ctrl+c to stop", args[0])

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return logEvents(gctx, d)
		})
		g.Go(func() error {
			t := time.NewTicker(time.Second)
			defer t.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-t.C:
					if err := w.Err(); err != nil {
						return err
					}
					fmt.Printf("\r%d messages", w.Count())
				}
			}
		})
		err = g.Wait()
		fmt.Println()

		// stop dispatch before flushing
		if errc := d.Close(); errc != nil {
			log.Println(errc)
		}
		if errf := buf.Flush(); errf != nil && err == nil {
			err = errf
		}
		log.Printf("recorded %d messages", w.Count())
		return err
	},
}

func init() {
	recordCmd.Flags().Bool(flagHostTime, false, "store host time instead of adapter timestamps")
	recordCmd.Flags().StringSlice(flagPGN, nil, "only record these PGNs")
	rootCmd.AddCommand(recordCmd)
}
