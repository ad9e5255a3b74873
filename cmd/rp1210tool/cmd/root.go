package cmd

import (
	"context"
	"errors"
	"log"
	"os"
	"strings"

	"github.com/roffe/rp1210"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:          "rp1210tool",
	Short:        "J1939 and J1587 bus tool for RP1210 adapters",
	Long:         `Monitor, send, record and replay heavy duty vehicle bus traffic`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

const (
	flagTransport = "transport"
	flagDriver    = "driver"
	flagDevice    = "device"
	flagDebug     = "debug"
	flagSource    = "source-address"
	flagPoll      = "poll-interval"
)

func init() {
	log.SetFlags(log.Lshortfile | log.LstdFlags)
	cobra.OnInitialize(initConfig)

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default ./rp1210tool.yaml or $HOME/rp1210tool.yaml)")
	pf.StringP(flagTransport, "t", "RP1210", "transport: RP1210, J1708Serial or Loopback")
	pf.StringP(flagDriver, "r", "", "driver id, empty = select")
	pf.IntP(flagDevice, "n", 0, "device id, 0 = select")
	pf.BoolP(flagDebug, "d", false, "debug mode")
	pf.Uint8(flagSource, 0, "J1939 source address to claim")
	pf.Duration(flagPoll, rp1210.DefaultPollInterval, "idle sleep of the read loop, 0 busy polls")
	if err := viper.BindPFlags(pf); err != nil {
		log.Fatal(err)
	}
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("rp1210tool")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(home)
		}
	}
	viper.SetEnvPrefix("RP1210")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			log.Println(err)
		}
		return
	}
	if viper.GetBool(flagDebug) {
		log.Println("using config", viper.ConfigFileUsed())
	}
}
