package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var (
	systemDescription string
	systemAPIKey      string
)

var systemsCmd = &cobra.Command{
	Use:   "systems",
	Short: "Manage the systems allowed to submit runs",
}

var systemsCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a system and print its API key",
	Args:  cobra.ExactArgs(1),
	RunE:  runSystemsCreate,
}

var systemsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List systems",
	Args:  cobra.NoArgs,
	RunE:  runSystemsList,
}

var systemsMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create systems for every system name referenced by stored runs",
	Args:  cobra.NoArgs,
	RunE:  runSystemsMigrate,
}

var systemsValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Report system names referenced by runs without a system",
	Args:  cobra.NoArgs,
	RunE:  runSystemsValidate,
}

func init() {
	rootCmd.AddCommand(systemsCmd)
	systemsCmd.AddCommand(systemsCreateCmd, systemsListCmd, systemsMigrateCmd, systemsValidateCmd)

	systemsCreateCmd.Flags().StringVar(&systemDescription, "description", "",
		"Free-form description of the system")
	systemsCreateCmd.Flags().StringVar(&systemAPIKey, "api-key", "",
		"API key to assign (generated when empty)")
}

func runSystemsCreate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := context.Background()

	st, db, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	sys, err := st.Systems.Create(ctx, args[0], systemDescription, systemAPIKey)
	if err != nil {
		return err
	}

	fmt.Printf("Created system %s (%s)\n", sys.Name, sys.ID)
	fmt.Printf("  api key: %s\n", sys.APIKey)

	return nil
}

func runSystemsList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := context.Background()

	st, db, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	systems, err := st.Systems.List(ctx)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSTATUS\tID\tCREATED")

	for _, sys := range systems {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", sys.Name, sys.Status, sys.ID, sys.CreatedAt)
	}

	return tw.Flush()
}

func runSystemsMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := context.Background()

	st, db, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	res, err := st.Systems.MigrateRunSystems(ctx)
	if err != nil {
		return err
	}

	log.WithField("created", res.Created).
		WithField("skipped", res.Skipped).
		Info("Migrated run systems")

	return nil
}

func runSystemsValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := context.Background()

	st, db, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	missing, err := st.Systems.ValidateReferences(ctx)
	if err != nil {
		return err
	}

	if len(missing) == 0 {
		fmt.Println("All run system references are valid")

		return nil
	}

	for _, name := range missing {
		fmt.Printf("missing system: %s\n", name)
	}

	return fmt.Errorf("%d system references are missing", len(missing))
}
