package cmd

import (
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/roffe/rp1210"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

const (
	flagPriority = "priority"
	flagCount    = "count"
)

var errDone = errors.New("done")

var sendCmd = &cobra.Command{
	Use:   "send <pgn|pid> [hex data]",
	Short: "send one message",
	Example: `  rp1210tool send 0xEA00 00 EE 00
  rp1210tool send --j1587 84 64`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		msg, err := messageFromFlags(cmd, args)
		if err != nil {
			return err
		}
		d, err := newDriver()
		if err != nil {
			return err
		}
		defer d.Close()
		ctx := cmd.Context()
		if err := connect(ctx, d, msg.Channel()); err != nil {
			return err
		}
		if err := d.SendOnce(ctx, msg); err != nil {
			return err
		}
		log.Println("sent", msg)
		return nil
	},
}

var periodicCmd = &cobra.Command{
	Use:     "periodic <interval ms> <pgn|pid> [hex data]",
	Short:   "send a message repeatedly until interrupted",
	Example: `  rp1210tool periodic 100 0xFEF1 FF 00 00 00 00 00 00 00`,
	Args:    cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		interval, err := strconv.ParseFloat(args[0], 64)
		if err != nil {
			return fmt.Errorf("interval: %w", err)
		}
		msg, err := messageFromFlags(cmd, args[1:])
		if err != nil {
			return err
		}
		count, _ := cmd.Flags().GetUint64(flagCount)

		d, err := newDriver()
		if err != nil {
			return err
		}
		defer d.Close()
		ctx := cmd.Context()
		if err := connect(ctx, d, msg.Channel()); err != nil {
			return err
		}
		p, err := d.SchedulePeriodic(msg, interval)
		if err != nil {
			return err
		}
		log.Printf("sending %s every %s", msg, p.Interval())

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return logEvents(gctx, d)
		})
		g.Go(func() error {
			<-gctx.Done()
			d.CancelPeriodic(p)
			return nil
		})
		if count > 0 {
			g.Go(func() error {
				t := time.NewTicker(p.Interval())
				defer t.Stop()
				for p.Fires() < count {
					select {
					case <-gctx.Done():
						return nil
					case <-t.C:
					}
				}
				return errDone
			})
		}
		if err := g.Wait(); err != nil && !errors.Is(err, errDone) {
			return err
		}
		log.Printf("sent %d times, %s", p.Fires(), d.Stats())
		return nil
	},
}

func messageFromFlags(cmd *cobra.Command, args []string) (rp1210.Message, error) {
	priority, _ := cmd.Flags().GetUint8(flagPriority)
	pid, _ := cmd.Flags().GetBool(flagJ1587)
	return messageFromArgs(args, priority, uint8(viper.GetUint(flagSource)), pid)
}

func init() {
	for _, c := range []*cobra.Command{sendCmd, periodicCmd} {
		c.Flags().Uint8(flagPriority, 6, "J1939 priority")
		c.Flags().Bool(flagJ1587, false, "send a J1587 message, the id is a PID")
		rootCmd.AddCommand(c)
	}
	periodicCmd.Flags().Uint64(flagCount, 0, "stop after this many sends, 0 = until interrupted")
}
