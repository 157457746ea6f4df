package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/balu-dk/go-ocpi/internal/ocpi"
)

var (
	tokensCmd = &cobra.Command{
		Use:   "tokens",
		Short: "Issue and list credentials tokens",
	}

	issueCmd = &cobra.Command{
		Use:   "issue-a",
		Short: "Issue a registration token (Token A)",
		Long: `
Usage: ocpictl tokens issue-a

  Issues a single-use Token A. Hand it to the counterparty together with the
  printed versions URL; it is consumed by their credentials POST.
`,
		Args: cobra.NoArgs,
		RunE: runIssue,
	}

	issueBCmd = &cobra.Command{
		Use:   "issue-b <country_code>/<party_id>",
		Short: "Issue a token authorization token (Token B)",
		Long: `
Usage: ocpictl tokens issue-b <country_code>/<party_id> [--location LOC]

  Issues a Token B to a registered CPO. The CPO presents it when asking for
  real-time authorization of our tokens. With --location the token only
  authorizes charging at that location.
`,
		Args: cobra.ExactArgs(1),
		RunE: runIssueB,
	}

	issueBLocation string

	listTokensCmd = &cobra.Command{
		Use:   "list",
		Short: "List issued tokens with masked values",
		Args:  cobra.NoArgs,
		RunE:  runListTokens,
	}
)

func init() {
	tokensCmd.AddCommand(issueCmd)
	tokensCmd.AddCommand(issueBCmd)
	issueBCmd.Flags().StringVar(&issueBLocation, "location", "", "Limit the token to this location id")
	tokensCmd.AddCommand(listTokensCmd)
}

func runIssue(cmd *cobra.Command, args []string) error {
	party, err := openParty(cmd.Context())
	if err != nil {
		return err
	}
	defer party.Close()

	t, err := party.Credentials.IssueTokenA(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to issue token: %w", err)
	}

	fmt.Println()
	fmt.Printf("Token A:      %s\n", t.UID)
	fmt.Printf("Versions URL: %s\n", party.Config.VersionsURL())
	fmt.Println()
	return nil
}

func runIssueB(cmd *cobra.Command, args []string) error {
	key, err := parsePartyKey(args[0])
	if err != nil {
		return err
	}

	party, err := openParty(cmd.Context())
	if err != nil {
		return err
	}
	defer party.Close()

	t, err := party.Credentials.IssueTokenB(cmd.Context(), key, issueBLocation)
	if err != nil {
		return fmt.Errorf("failed to issue token: %w", err)
	}

	fmt.Println()
	fmt.Printf("Token B:  %s\n", t.UID)
	fmt.Printf("Party:    %s\n", key)
	if t.LocationID != "" {
		fmt.Printf("Location: %s\n", t.LocationID)
	}
	fmt.Println()
	return nil
}

func runListTokens(cmd *cobra.Command, args []string) error {
	party, err := openParty(cmd.Context())
	if err != nil {
		return err
	}
	defer party.Close()

	tokens, err := party.Store.ListTokens(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to list tokens: %w", err)
	}

	data := make([][]any, 0, len(tokens))
	for _, t := range tokens {
		owner := "-"
		if t.CountryCode != "" {
			owner = t.PartyKey().String()
		}
		data = append(data, []any{
			ocpi.Short(t.UID), t.Type, owner, t.Role, t.Valid, t.Used,
			t.CreatedAt.Format(time.RFC3339),
		})
	}
	printTable([]string{"Token", "Type", "Party", "Role", "Valid", "Used", "Created"}, data)
	return nil
}
