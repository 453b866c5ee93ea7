package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jmerrifield20/fleetevidence/pkg/client"
)

// version is overridden via -ldflags "-X main.version=...".
var version = "dev"

var (
	serverURL    string
	cfgFile      string
	actorName    string
	outputFormat string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "evidencectl",
	Short: "Fleet evidence CLI",
	Long: `evidencectl seals, verifies, batches, and exports tamper-evident fleet
evidence, and runs the GNSS anomaly detector over recorded samples.

verify-bundle and detect work offline; every other command talks to an
evidenced server.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(home + "/.evidencectl")
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.SetEnvPrefix("EVIDENCECTL")
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()

		if serverURL == "" {
			serverURL = viper.GetString("server")
		}
		if serverURL == "" {
			serverURL = "http://localhost:8080"
		}
		if actorName == "" {
			actorName = viper.GetString("actor")
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.evidencectl/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "evidenced base URL (default http://localhost:8080)")
	rootCmd.PersistentFlags().StringVar(&actorName, "actor", "", "actor recorded in evidence access logs")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "text", "Output format: text or json")

	rootCmd.AddCommand(verifyBundleCmd)
	rootCmd.AddCommand(detectCmd)
	rootCmd.AddCommand(sealCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(batchCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(versionCmd)
}

func newClient() (*client.Client, error) {
	opts := []client.Option{
		client.WithRetries(3, 250*time.Millisecond),
	}
	if actorName != "" {
		opts = append(opts, client.WithActor(actorName))
	}
	return client.New(serverURL, opts...)
}

// readInput reads a file argument, or stdin when the path is "-".
func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the evidencectl version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("evidencectl %s\n", version)
	},
}
