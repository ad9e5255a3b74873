package cmd

import (
	"fmt"
	"log"
	"time"

	"github.com/roffe/rp1210"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const (
	flagJ1587 = "j1587"
	flagNo39  = "no-j1939"
	flagPGN   = "pgn"
	flagPID   = "pid"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "print received messages",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		kinds, err := channelFlags(cmd)
		if err != nil {
			return err
		}
		d, err := newDriver()
		if err != nil {
			return err
		}
		defer d.Close()

		if err := applyFilters(cmd, d); err != nil {
			return err
		}
		printMsg := func(msg rp1210.Message) {
			switch m := msg.(type) {
			case *rp1210.J1939Message:
				fmt.Println(m.ColorString())
			case *rp1210.J1587Message:
				fmt.Println(m.ColorString())
			}
		}
		for _, kind := range kinds {
			if _, err := d.Subscribe(kind, printMsg); err != nil {
				return err
			}
		}

		ctx := cmd.Context()
		if err := connect(ctx, d, kinds...); err != nil {
			return err
		}
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return logEvents(gctx, d)
		})
		if every, _ := cmd.Flags().GetDuration("stats"); every > 0 {
			g.Go(func() error {
				t := time.NewTicker(every)
				defer t.Stop()
				for {
					select {
					case <-gctx.Done():
						return nil
					case <-t.C:
						log.Println(d.Stats())
					}
				}
			})
		}
		err = g.Wait()
		log.Println(d.Stats())
		return err
	},
}

func channelFlags(cmd *cobra.Command) ([]rp1210.ChannelKind, error) {
	j1587, _ := cmd.Flags().GetBool(flagJ1587)
	no39, _ := cmd.Flags().GetBool(flagNo39)
	var kinds []rp1210.ChannelKind
	if !no39 {
		kinds = append(kinds, rp1210.ChannelJ1939)
	}
	if j1587 {
		kinds = append(kinds, rp1210.ChannelJ1587)
	}
	if len(kinds) == 0 {
		return nil, fmt.Errorf("no channel selected")
	}
	return kinds, nil
}

func applyFilters(cmd *cobra.Command, d *rp1210.Driver) error {
	pgns, _ := cmd.Flags().GetStringSlice(flagPGN)
	pids, _ := cmd.Flags().GetStringSlice(flagPID)
	ids, err := parseUints(pgns, 18)
	if err != nil {
		return fmt.Errorf("pgn filter: %w", err)
	}
	if err := d.SetFilter(rp1210.ChannelJ1939, ids...); err != nil {
		return err
	}
	if ids, err = parseUints(pids, 9); err != nil {
		return fmt.Errorf("pid filter: %w", err)
	}
	return d.SetFilter(rp1210.ChannelJ1587, ids...)
}

func addChannelFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.Bool(flagJ1587, false, "connect the J1587 channel")
	f.Bool(flagNo39, false, "do not connect the J1939 channel")
	f.StringSlice(flagPGN, nil, "only pass these PGNs, e.g. 0xFEF1,61444")
	f.StringSlice(flagPID, nil, "only pass these J1587 PIDs")
}

func init() {
	addChannelFlags(monitorCmd)
	monitorCmd.Flags().Duration("stats", 0, "print counters at this interval")
	rootCmd.AddCommand(monitorCmd)
}
