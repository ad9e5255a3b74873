package cmd

import (
	"log"
	"time"

	"github.com/roffe/rp1210/pkg/mqttbridge"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

// bridgeConfig is the mqtt section of the config file, flags override it.
type bridgeConfig struct {
	Broker    string        `mapstructure:"broker"`
	Username  string        `mapstructure:"username"`
	Password  string        `mapstructure:"password"`
	ClientID  string        `mapstructure:"client_id"`
	Topic     string        `mapstructure:"topic"`
	QoS       byte          `mapstructure:"qos"`
	KeepAlive time.Duration `mapstructure:"keepalive"`
	Queue     int           `mapstructure:"queue"`
}

func (c bridgeConfig) apply(cfg *mqttbridge.Config) {
	if c.Broker != "" {
		cfg.Broker = c.Broker
	}
	cfg.Username = c.Username
	cfg.Password = c.Password
	if c.ClientID != "" {
		cfg.ClientID = c.ClientID
	}
	if c.Topic != "" {
		cfg.Topic = c.Topic
	}
	cfg.QoS = c.QoS
	if c.KeepAlive > 0 {
		cfg.KeepAlive = c.KeepAlive
	}
	if c.Queue > 0 {
		cfg.QueueSize = c.Queue
	}
}

var bridgeCmd = &cobra.Command{
	Use:   "bridge",
	Short: "publish bus traffic to MQTT and send messages published on <topic>/send",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var bc bridgeConfig
		if err := viper.UnmarshalKey("mqtt", &bc); err != nil {
			return err
		}
		cfg := mqttbridge.DefaultConfig()
		bc.apply(&cfg)

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

		b := mqttbridge.New(cfg, d)
		if err := b.Start(); err != nil {
			return err
		}
		defer b.Stop()
		log.Println("bridge", b)

		for _, kind := range kinds {
			if _, err := d.Subscribe(kind, b.Handler()); err != nil {
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
		return g.Wait()
	},
}

func init() {
	f := bridgeCmd.Flags()
	addChannelFlags(bridgeCmd)
	f.String("broker", "", "MQTT broker url (default tcp://localhost:1883)")
	f.String("topic", "", "topic prefix (default rp1210)")
	f.String("username", "", "MQTT username")
	f.String("password", "", "MQTT password")
	for _, name := range []string{"broker", "topic", "username", "password"} {
		if err := viper.BindPFlag("mqtt."+name, f.Lookup(name)); err != nil {
			log.Fatal(err)
		}
	}
	rootCmd.AddCommand(bridgeCmd)
}
