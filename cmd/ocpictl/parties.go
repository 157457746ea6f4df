package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/balu-dk/go-ocpi/internal/ocpi"
)

var (
	partiesCmd = &cobra.Command{
		Use:   "parties",
		Short: "List and revoke registered counterparties",
	}

	listPartiesCmd = &cobra.Command{
		Use:   "list",
		Short: "List registered counterparties",
		Args:  cobra.NoArgs,
		RunE:  runListParties,
	}

	revokeCmd = &cobra.Command{
		Use:   "revoke <country_code>/<party_id>",
		Short: "Revoke every token of a counterparty and forget its credentials",
		Args:  cobra.ExactArgs(1),
		RunE:  runRevoke,
	}
)

func init() {
	partiesCmd.AddCommand(listPartiesCmd)
	partiesCmd.AddCommand(revokeCmd)
}

func runListParties(cmd *cobra.Command, args []string) error {
	party, err := openParty(cmd.Context())
	if err != nil {
		return err
	}
	defer party.Close()

	parties, err := party.Credentials.Parties(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to list parties: %w", err)
	}

	data := make([][]any, 0, len(parties))
	for _, c := range parties {
		data = append(data, []any{c.Key().String(), c.Role, c.BusinessDetails.Name, c.URL})
	}
	printTable([]string{"Party", "Role", "Name", "Versions URL"}, data)
	return nil
}

func parsePartyKey(s string) (ocpi.PartyKey, error) {
	cc, pid, ok := strings.Cut(s, "/")
	if !ok || len(cc) != 2 || len(pid) != 3 {
		return ocpi.PartyKey{}, fmt.Errorf("invalid party %q, expected <country_code>/<party_id>", s)
	}
	return ocpi.PartyKey{CountryCode: strings.ToUpper(cc), PartyID: strings.ToUpper(pid)}, nil
}

func runRevoke(cmd *cobra.Command, args []string) error {
	key, err := parsePartyKey(args[0])
	if err != nil {
		return err
	}

	party, err := openParty(cmd.Context())
	if err != nil {
		return err
	}
	defer party.Close()

	if err := party.Credentials.RevokeParty(cmd.Context(), key); err != nil {
		return fmt.Errorf("revocation failed: %w", err)
	}
	fmt.Printf("Revoked %s\n", key)
	return nil
}
