package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/agentic-research/extidcache/internal/extid"
	"github.com/agentic-research/extidcache/internal/extids"
	"github.com/ohler55/ojg/jp"
	"github.com/ohler55/ojg/oj"
	"github.com/spf13/cobra"
)

func newLookupCmd(g *globals) *cobra.Command {
	var (
		key     string
		account int
		email   string
	)
	cmd := &cobra.Command{
		Use:   "lookup",
		Short: "Print the external ids matching a key, account or email",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, closeFn, err := g.openIDs()
			if err != nil {
				return err
			}
			defer closeFn()

			ctx := cmd.Context()
			var recs []extid.Record
			switch {
			case key != "":
				r, ok, err := ids.Get(ctx, extid.ParseKey(key))
				if err != nil {
					return err
				}
				if ok {
					recs = []extid.Record{r}
				}
			case account != 0:
				if recs, err = ids.ByAccount(ctx, account); err != nil {
					return err
				}
			default:
				if recs, err = ids.ByEmail(ctx, email); err != nil {
					return err
				}
			}
			return writeJSON(cmd.OutOrStdout(), extids.ToAPIList(recs))
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "External id as scheme:id")
	cmd.Flags().IntVar(&account, "account", 0, "Account id")
	cmd.Flags().StringVar(&email, "email", "", "Email address")
	cmd.MarkFlagsOneRequired("key", "account", "email")
	cmd.MarkFlagsMutuallyExclusive("key", "account", "email")
	return cmd
}

func newDumpCmd(g *globals) *cobra.Command {
	var selector string
	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Print the snapshot at the head of the ref",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, closeFn, err := g.openIDs()
			if err != nil {
				return err
			}
			defer closeFn()

			snap, head, err := ids.Snapshot(cmd.Context())
			if err != nil {
				return err
			}
			d := extids.DumpOf(head, snap)
			if selector == "" {
				return writeJSON(cmd.OutOrStdout(), d)
			}
			matches, err := query(d, selector)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), matches)
		},
	}
	cmd.Flags().StringVar(&selector, "jsonpath", "", "JSONPath expression applied to the dump, e.g. $.records[?(@.account_id==1)].key")
	return cmd
}

// query evaluates a JSONPath expression against the JSON form of v.
func query(v any, selector string) ([]any, error) {
	x, err := jp.ParseString(selector)
	if err != nil {
		return nil, fmt.Errorf("invalid jsonpath '%s': %w", selector, err)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	data, err := oj.Parse(raw)
	if err != nil {
		return nil, err
	}
	matches := x.Get(data)
	if matches == nil {
		matches = []any{}
	}
	return matches, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
