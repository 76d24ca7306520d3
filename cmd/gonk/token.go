package main

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/phrazzld/gonk/internal/service/auth"
)

func newTokenCmd(root *rootOptions) *cobra.Command {
	var identity auth.Identity

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API access token",
		Long: `Token signs an access token for the HTTP API with auth.jwt_secret.

Tasks created with the token are owned by --subject. Without --permission the
token can only read its own tasks.`,
		Example: `  gonk token --subject alice --permission can_create_task --permission can_cancel_task`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, p := range identity.Permissions {
				if !slices.Contains(auth.Permissions, p) {
					return fmt.Errorf("unknown permission %q, expected one of %v", p, auth.Permissions)
				}
			}

			cfg, _, err := root.load(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			jwtService, err := auth.NewJWTService(cfg.Auth)
			if err != nil {
				return err
			}

			token, err := jwtService.GenerateToken(cmd.Context(), identity)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&identity.Subject, "subject", "", "Subject the token is issued to")
	cmd.Flags().StringSliceVar(&identity.Permissions, "permission", nil, "Permission to grant, repeatable")
	cmd.Flags().BoolVar(&identity.Superuser, "superuser", false, "Grant every permission and access to all tasks")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

