package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"sitecontrol/api/internal/app"
	"sitecontrol/api/internal/util"
)

func newTokenCmd() *cobra.Command {
	var userID, name, company, role string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token",
		Long: `Issue a bearer token signed with auth.secret.

Examples:
  api token --name "Anna Berg" --company acme --role inspector`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadRuntime()
			if err != nil {
				return err
			}
			if userID == "" {
				userID = util.NewID("usr")
			}
			service := app.NewService(app.Options{Secret: cfg.Auth.Secret, TokenTTL: cfg.Auth.TokenTTL})
			token, expiresAt, err := service.IssueToken(userID, name, company, role)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", expiresAt.UTC().Format("2006-01-02 15:04 MST"))
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id (generated when empty)")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&company, "company", "", "company (tenant) id")
	cmd.Flags().StringVar(&role, "role", "inspector", "viewer|inspector|admin")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("company")
	return cmd
}
