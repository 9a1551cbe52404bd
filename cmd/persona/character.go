package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/xaenox/persona-bot/internal/admin"
	"github.com/xaenox/persona-bot/internal/models"
)

var characterFile string

var characterCmd = &cobra.Command{
	Use:   "character",
	Short: "Manage characters",
}

var characterApplyCmd = &cobra.Command{
	Use:   "apply -f characters.yaml",
	Short: "Create or update characters from a YAML file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		characters, err := admin.LoadCharacters(characterFile)
		if err != nil {
			return err
		}
		return withAdmin(func(a *app, svc *admin.Service) error {
			for _, c := range characters {
				saved, err := svc.Apply(cmd.Context(), c)
				if err != nil {
					return fmt.Errorf("apply %s: %w", c.Name, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "applied %s (%s)\n", saved.Name, saved.ID)
			}
			return nil
		})
	},
}

var characterListCmd = &cobra.Command{
	Use:   "list",
	Short: "List characters",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAdmin(func(a *app, svc *admin.Service) error {
			characters, err := svc.List(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tHANDLE\tSTATUS\tPOSTING\tCHAT")
			for _, c := range characters {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", c.ID, c.Name, c.Handle, c.Status,
					onOff(c.Posting.Enabled), onOff(c.Chat.Enabled))
			}
			return w.Flush()
		})
	},
}

var characterActivateCmd = &cobra.Command{
	Use:   "activate <id>",
	Short: "Resume a character",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setStatus(cmd, args[0], models.StatusActive)
	},
}

var characterDeactivateCmd = &cobra.Command{
	Use:   "deactivate <id>",
	Short: "Pause a character",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setStatus(cmd, args[0], models.StatusInactive)
	},
}

var characterStatsCmd = &cobra.Command{
	Use:   "stats <id>",
	Short: "Show today's activity of a character",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAdmin(func(a *app, svc *admin.Service) error {
			usage, err := svc.Stats(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(usage)
		})
	},
}

func init() {
	characterApplyCmd.Flags().StringVarP(&characterFile, "file", "f", "", "YAML file with one character per document")
	_ = characterApplyCmd.MarkFlagRequired("file")
	characterCmd.AddCommand(characterApplyCmd, characterListCmd, characterActivateCmd, characterDeactivateCmd, characterStatsCmd)
}

func withAdmin(fn func(a *app, svc *admin.Service) error) error {
	a, err := setup()
	if err != nil {
		return err
	}
	defer a.close()
	return fn(a, admin.NewService(a.store, a.limiter, a.logger))
}

func setStatus(cmd *cobra.Command, id string, status models.CharacterStatus) error {
	return withAdmin(func(a *app, svc *admin.Service) error {
		c, err := svc.SetStatus(cmd.Context(), id, status)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s is now %s\n", c.Name, c.Status)
		return nil
	})
}

func onOff(enabled bool) string {
	if enabled {
		return "on"
	}
	return "off"
}
