package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/cyberinferno/sessionkit/userstore"
)

func usersCmd() *cobra.Command {
	var dbPath string

	cmd := &cobra.Command{
		Use:   "users",
		Short: "Manage accounts in a sqlite user store",
	}

	cmd.PersistentFlags().StringVar(&dbPath, "db", "", "Path to the sqlite user database")
	_ = cmd.MarkPersistentFlagRequired("db")

	cmd.AddCommand(
		usersAddCmd(&dbPath),
		usersBanCmd(&dbPath),
		usersListCmd(&dbPath),
	)

	return cmd
}

func withStore(path string, fn func(*userstore.SQLiteStore) error) error {
	db, err := userstore.OpenSQLite(path)
	if err != nil {
		return err
	}
	defer db.Close()

	return fn(db)
}

func usersAddCmd(dbPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "add <name> <password-hash>",
		Short: "Create or replace an account",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(*dbPath, func(db *userstore.SQLiteStore) error {
				u := userstore.User{Name: args[0], PasswordHash: args[1]}
				if err := db.Put(cmd.Context(), u); err != nil {
					return err
				}

				fmt.Fprintf(cmd.OutOrStdout(), "added %s\n", u.Name)
				return nil
			})
		},
	}
}

func usersBanCmd(dbPath *string) *cobra.Command {
	var unban bool

	cmd := &cobra.Command{
		Use:   "ban <name>",
		Short: "Ban an account, or lift a ban with --unban",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(*dbPath, func(db *userstore.SQLiteStore) error {
				if err := db.SetBanned(cmd.Context(), args[0], !unban); err != nil {
					return fmt.Errorf("%s: %w", args[0], err)
				}

				verb := "banned"
				if unban {
					verb = "unbanned"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", verb, args[0])
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&unban, "unban", false, "Lift the ban instead")

	return cmd
}

func usersListCmd(dbPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List accounts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(*dbPath, func(db *userstore.SQLiteStore) error {
				users, err := db.List(cmd.Context())
				if err != nil {
					return err
				}

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "NAME\tBANNED")
				for _, u := range users {
					fmt.Fprintf(w, "%s\t%t\n", u.Name, u.Banned)
				}
				return w.Flush()
			})
		},
	}
}
