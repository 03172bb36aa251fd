// carbonctl is the operator CLI for anchord.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/jmerrifield20/carbonanchor/pkg/client"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// version is overridden via -ldflags "-X main.version=...".
var version = "dev"

const defaultServer = "http://localhost:8080"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// cli holds the resolved global flags shared by every subcommand.
type cli struct {
	server  string
	token   string
	cfgFile string
	format  string
	timeout time.Duration
}

func newRootCmd() *cobra.Command {
	g := &cli{}
	root := &cobra.Command{
		Use:   "carbonctl",
		Short: "Operator CLI for the carbon anchoring service",
		Long: `carbonctl anchors production carbon summaries, verifies them against the
ledger and inspects the anchoring audit log through an anchord server.

The hash command works offline and prints the record hash anchord would
anchor for a summary file.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			v := viper.New()
			if g.cfgFile != "" {
				v.SetConfigFile(g.cfgFile)
			} else {
				home, _ := os.UserHomeDir()
				v.AddConfigPath(home + "/.carbonctl")
				v.SetConfigName("config")
				v.SetConfigType("yaml")
			}
			v.SetEnvPrefix("CARBONCTL")
			v.AutomaticEnv()
			_ = v.ReadInConfig()

			if g.server == "" {
				g.server = v.GetString("server")
			}
			if g.server == "" {
				g.server = defaultServer
			}
			if g.token == "" {
				g.token = v.GetString("token")
			}
		},
	}

	root.PersistentFlags().StringVar(&g.cfgFile, "config", "", "config file (default ~/.carbonctl/config.yaml)")
	root.PersistentFlags().StringVar(&g.server, "server", "", "anchord base URL (default "+defaultServer+")")
	root.PersistentFlags().StringVar(&g.token, "token", "", "operator bearer token (or CARBONCTL_TOKEN)")
	root.PersistentFlags().StringVar(&g.format, "format", "text", "output format: text or json")
	root.PersistentFlags().DurationVar(&g.timeout, "timeout", 3*time.Minute, "per-request timeout")

	root.AddCommand(
		newHashCmd(g),
		newAnchorCmd(g),
		newBatchCmd(g),
		newStatusCmd(g),
		newCancelCmd(g),
		newResumeCmd(g),
		newVerifyCmd(g),
		newAuditCmd(g),
		newGasCmd(g),
		newHealthCmd(g),
		newTokenCmd(),
		newVersionCmd(),
	)
	return root
}

func (g *cli) client() (*client.Client, error) {
	opts := []client.Option{client.WithTimeout(g.timeout)}
	if g.token != "" {
		opts = append(opts, client.WithBearerToken(g.token))
	}
	return client.New(g.server, opts...)
}

// emit writes v as indented JSON when --format=json, otherwise calls text.
func (g *cli) emit(w io.Writer, v any, text func(io.Writer) error) error {
	if g.format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	return text(w)
}

// readSummaries decodes a JSON file holding one summary or an array of them.
// A path of "-" reads stdin.
func readSummaries(cmd *cobra.Command, path string) ([]client.CarbonSummary, error) {
	var raw []byte
	var err error
	if path == "-" {
		raw, err = io.ReadAll(cmd.InOrStdin())
	} else {
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var many []client.CarbonSummary
	if err := json.Unmarshal(raw, &many); err == nil {
		return many, nil
	}
	var one client.CarbonSummary
	if err := json.Unmarshal(raw, &one); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return []client.CarbonSummary{one}, nil
}

func parseProductionID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid production id %q", s)
	}
	return id, nil
}

// ── version ──────────────────────────────────────────────────────────────────

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the carbonctl version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "carbonctl %s\n", version)
		},
	}
}
