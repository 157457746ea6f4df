// Command ocpictl manages registration tokens and counterparties out of band.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/balu-dk/go-ocpi/config"
	"github.com/balu-dk/go-ocpi/internal/service"
)

var (
	rootCmd = &cobra.Command{
		Use:   "ocpictl",
		Short: "ocpictl manages the tokens and counterparties of an OCPI party",
		Long: `ocpictl works directly on the store configured through the environment
(or a .env file), the same way the server does. Use it to hand out a Token A
before the server is reachable, or to cut off a counterparty.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logrus.SetLevel(logrus.WarnLevel)
		},
	}
)

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(tokensCmd)
	rootCmd.AddCommand(partiesCmd)
	rootCmd.AddCommand(migrateCmd)
}

// openParty loads the configuration and wires a party on its store
func openParty(ctx context.Context) (*service.Party, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if cfg.StorageDriver == "memory" {
		fmt.Fprintln(os.Stderr, "warning: STORAGE_DRIVER=memory, changes are lost when ocpictl exits")
	}

	st, err := service.OpenStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	party, err := service.New(cfg, st)
	if err != nil {
		st.Close()
		return nil, err
	}
	return party, nil
}
