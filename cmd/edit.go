package cmd

import (
	"fmt"

	"github.com/agentic-research/extidcache/internal/extid"
	"github.com/agentic-research/extidcache/internal/notes"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newInitCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create an empty bare note store at --repo",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := notes.InitDir(g.repo, notes.WithShardingThreshold(g.cfg.ShardingThreshold)); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Initialized empty note store in %s\n", g.repo)
			return nil
		},
	}
}

func newPutCmd(g *globals) *cobra.Command {
	var (
		key      string
		account  int
		email    string
		password string
	)
	cmd := &cobra.Command{
		Use:   "put",
		Short: "Create or replace an external id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			k := extid.ParseKey(key)
			if k.Scheme == "" {
				return fmt.Errorf("key %q must have the form scheme:id", key)
			}
			rec := extid.New(k, account).WithEmail(email).WithPassword(password)

			store, err := g.openStore()
			if err != nil {
				return err
			}
			e, err := store.Edit(cmd.Context(), g.ref)
			if err != nil {
				return err
			}
			if _, err := e.Upsert(rec); err != nil {
				return err
			}
			h, err := e.Commit(cmd.Context(), "Update external id "+k.String())
			if err != nil {
				return err
			}
			g.log.Info("stored external id", zap.Stringer("key", k), zap.Int("account", account), zap.Stringer("commit", h))
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), h)
			return nil
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "External id as scheme:id")
	cmd.Flags().IntVar(&account, "account", 0, "Owning account id")
	cmd.Flags().StringVar(&email, "email", "", "Email bound to the id")
	cmd.Flags().StringVar(&password, "password", "", "Hashed credential")
	_ = cmd.MarkFlagRequired("key")
	_ = cmd.MarkFlagRequired("account")
	return cmd
}

func newRmCmd(g *globals) *cobra.Command {
	var key string
	cmd := &cobra.Command{
		Use:   "rm",
		Short: "Delete an external id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			k := extid.ParseKey(key)
			store, err := g.openStore()
			if err != nil {
				return err
			}
			e, err := store.Edit(cmd.Context(), g.ref)
			if err != nil {
				return err
			}
			if !e.Delete(k) {
				return fmt.Errorf("external id %s does not exist", k)
			}
			h, err := e.Commit(cmd.Context(), "Delete external id "+k.String())
			if err != nil {
				return err
			}
			g.log.Info("deleted external id", zap.Stringer("key", k), zap.Stringer("commit", h))
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), h)
			return nil
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "External id as scheme:id")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}
