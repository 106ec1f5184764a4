package commands

import (
	"log"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Ransomwave/azul/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "azul",
	Short: "Bidirectional live-sync daemon for Roblox Studio scripts",
	Long: `Azul mirrors a Roblox Studio instance tree to the local filesystem and
back, projecting scripts as files and keeping a Rojo-compatible
sourcemap.json in sync with the editor.`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "file whose port and debug keys override the loaded config; its other keys are ignored")
	rootCmd.PersistentFlags().Int("port", 0, "transport port (0 uses the config default)")
	rootCmd.PersistentFlags().Bool("debug", false, "enable verbose logging")

	viper.BindPFlag("port", rootCmd.PersistentFlags().Lookup("port"))
	viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
	viper.SetEnvPrefix("AZUL")
	viper.AutomaticEnv()
	viper.ReadInConfig()
}

// loadConfig loads internal/config's JSON configuration and applies
// any CLI overrides bound through viper (port, debug).
func loadConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		log.Printf("[config] %v", err)
	}
	if viper.GetInt("port") != 0 {
		cfg.Port = viper.GetInt("port")
	}
	if viper.GetBool("debug") {
		cfg.DebugMode = true
	}
	return cfg
}
