package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/DotmacTech/isp-management-main-sub004/internal/activation"
	"github.com/DotmacTech/isp-management-main-sub004/internal/config"
	"github.com/DotmacTech/isp-management-main-sub004/internal/database"
	"github.com/DotmacTech/isp-management-main-sub004/internal/flowengine"
)

func migrateCommand(settings func() *config.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := settings()
			ctx := commandContext(cmd)

			if cfg.DatabaseDriver == database.DriverMemory {
				log.Info().Msg("Memory driver has no schema to migrate")
				fmt.Fprintln(cmd.OutOrStdout(), "nothing to migrate for the memory driver")
				return nil
			}

			db, err := database.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseDSN)
			if err != nil {
				return err
			}
			defer database.Close(db)

			if err := database.Migrate(ctx, db); err != nil {
				return err
			}
			version, err := database.SchemaVersion(ctx, db)
			if err != nil {
				return err
			}
			log.Info().Int("version", version).Msg("Database schema up to date")
			fmt.Fprintf(cmd.OutOrStdout(), "schema version %d\n", version)
			return nil
		},
	}
}

func createCommand(settings func() *config.Settings) *cobra.Command {
	var (
		req      activation.CreateRequest
		metadata string
		start    bool
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an activation",
		Long: `Create a PENDING activation with its workflow steps.

Examples:
  activator create --customer 42 --service 7 --tariff 3
  activator create --customer 42 --service 7 --tariff 3 --metadata '{"service_type":"fiber"}' --start`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if metadata != "" {
				if err := json.Unmarshal([]byte(metadata), &req.Metadata); err != nil {
					return fmt.Errorf("invalid --metadata: %w", err)
				}
			}
			return withApp(cmd, settings(), func(ctx context.Context, a *app) error {
				created, err := a.service.CreateActivation(ctx, req)
				if err != nil {
					return err
				}
				if start {
					if _, err := a.service.StartActivation(ctx, created.ID); err != nil {
						return err
					}
					if created, err = a.service.GetActivation(ctx, created.ID); err != nil {
						return err
					}
				}
				return printJSON(cmd.OutOrStdout(), created)
			})
		},
	}

	cmd.Flags().Int64Var(&req.CustomerID, "customer", 0, "Customer ID")
	cmd.Flags().Int64Var(&req.ServiceID, "service", 0, "Service ID")
	cmd.Flags().Int64Var(&req.TariffID, "tariff", 0, "Tariff ID")
	cmd.Flags().StringVar(&metadata, "metadata", "", "Activation metadata as a JSON object")
	cmd.Flags().BoolVar(&start, "start", false, "Start the activation after creating it")
	cmd.MarkFlagRequired("customer")
	cmd.MarkFlagRequired("service")
	cmd.MarkFlagRequired("tariff")
	return cmd
}

func startCommand(settings func() *config.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "start <activation-id>",
		Short: "Run a PENDING activation's workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, settings(), func(ctx context.Context, a *app) error {
				ok, err := a.service.StartActivation(ctx, args[0])
				if err != nil {
					return err
				}
				got, err := a.service.GetActivation(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]interface{}{
					"activation_id": args[0],
					"success":       ok,
					"status":        got.Status,
				})
			})
		},
	}
}

// activationReport is the output of the show command.
type activationReport struct {
	Activation *flowengine.Activation      `json:"activation"`
	Steps      []flowengine.ActivationStep `json:"steps"`
	Logs       []flowengine.ActivationLog  `json:"logs,omitempty"`
}

func showCommand(settings func() *config.Settings) *cobra.Command {
	var withLogs bool

	cmd := &cobra.Command{
		Use:   "show <activation-id>",
		Short: "Show an activation with its steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, settings(), func(ctx context.Context, a *app) error {
				var (
					report activationReport
					err    error
				)
				if report.Activation, err = a.service.GetActivation(ctx, args[0]); err != nil {
					return err
				}
				if report.Steps, err = a.service.GetActivationSteps(ctx, args[0]); err != nil {
					return err
				}
				if withLogs {
					if report.Logs, err = a.service.GetActivationLogs(ctx, args[0]); err != nil {
						return err
					}
				}
				return printJSON(cmd.OutOrStdout(), report)
			})
		},
	}
	cmd.Flags().BoolVar(&withLogs, "logs", false, "Include the audit log")
	return cmd
}

func withApp(cmd *cobra.Command, cfg *config.Settings, fn func(ctx context.Context, a *app) error) error {
	ctx := commandContext(cmd)
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
