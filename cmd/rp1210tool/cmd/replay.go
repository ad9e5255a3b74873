package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/roffe/rp1210"
	"github.com/roffe/rp1210/pkg/bar"
	"github.com/roffe/rp1210/pkg/recording"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const flagYes = "yes"

var replayCmd = &cobra.Command{
	Use:   "replay <file>",
	Short: "transmit a recording with its original timing",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		r, err := recording.NewReader(bufio.NewReader(f))
		if err != nil {
			return err
		}
		entries, offset, err := r.ReadAll()
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return fmt.Errorf("%s: no messages", args[0])
		}
		length := time.Duration(int64(entries[len(entries)-1].TimestampMs())-offset) * time.Millisecond
		log.Printf("%d messages, %s, recorded %s", len(entries), length, r.Header.Started.Format(time.DateTime))

		if yes, _ := cmd.Flags().GetBool(flagYes); !yes && !yesNo("Transmit on the bus") {
			return nil
		}

		d, err := newDriver()
		if err != nil {
			return err
		}
		defer d.Close()
		ctx := cmd.Context()
		if err := connect(ctx, d, rp1210.ChannelJ1939); err != nil {
			return err
		}

		d.LoadReplay(entries, offset)
		if err := d.StartReplay(); err != nil {
			return err
		}
		pb := bar.New(len(entries), "replay")
		var shown int

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return logEvents(gctx, d)
		})
		g.Go(func() error {
			t := time.NewTicker(100 * time.Millisecond)
			defer t.Stop()
			done := d.Replay().Done()
			for {
				select {
				case <-gctx.Done():
					d.StopReplay()
					return nil
				case <-done:
					bar.Sync(pb, &shown, int(d.Replay().Dequeued()))
					return errDone
				case <-t.C:
					bar.Sync(pb, &shown, int(d.Replay().Dequeued()))
				}
			}
		})
		if err := g.Wait(); err != nil && !errors.Is(err, errDone) {
			return err
		}
		fmt.Println()
		rp := d.Replay()
		log.Printf("sent %d of %d, %d failed, %s", rp.Dequeued()-rp.Failed(), len(entries), rp.Failed(), d.Stats())
		return nil
	},
}

func init() {
	replayCmd.Flags().BoolP(flagYes, "y", false, "do not ask for confirmation")
	rootCmd.AddCommand(replayCmd)
}
