package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"metersim/config"
	"metersim/internal/alerts"
	"metersim/internal/api"
	"metersim/internal/ledger"
	"metersim/internal/logging"
	"metersim/internal/maintenance"
	"metersim/internal/meter"
	"metersim/internal/mqtt"
	"metersim/internal/rates"
	"metersim/internal/simulation"
	"metersim/internal/storage"
	"metersim/internal/webhook"
	"metersim/internal/ws"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "metersim",
		Short: "Prepaid energy meter simulator",
		Long:  "Simulates a prepaid energy meter: synthetic telemetry, time-of-day pricing, balance settlement, alerts and webhooks",
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(tickCmd())
	rootCmd.AddCommand(rechargeCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the simulation, API server and push collaborators",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			logger, err := logging.NewLogger("metersim")
			if err != nil {
				return fmt.Errorf("failed to build logger: %w", err)
			}
			defer logger.Sync()

			schedule, err := rates.NewSchedule(cfg.Rates)
			if err != nil {
				return fmt.Errorf("invalid rate configuration: %w", err)
			}

			store, err := storage.Open(cfg.Database.Path)
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			logger.Info("database opened", zap.String("path", cfg.Database.Path))

			err = store.EnsureMeter(&storage.Meter{
				MeterID:      cfg.Meter.MeterID,
				Location:     cfg.Meter.Location,
				CustomerName: cfg.Meter.CustomerName,
				CustomerID:   cfg.Meter.CustomerID,
			}, cfg.Meter.InitialBalance)
			if err != nil {
				return fmt.Errorf("failed to provision meter: %w", err)
			}

			dispatcher := webhook.NewDispatcher(store, cfg.Webhooks, logger)
			emitter := alerts.NewEmitter(store, dispatcher, cfg.Alerts, logger)
			ldg := ledger.New(store)
			generator := meter.NewGenerator(cfg.Simulation)
			accumulator := meter.NewAccumulator()

			hub := ws.NewHub(logger)
			broadcasters := []simulation.Broadcaster{ws.NewBridge(hub, logger)}

			publisher, err := mqtt.NewPublisher(cfg.MQTT, logger)
			if err != nil {
				logger.Warn("mqtt disabled: connection failed", zap.Error(err))
			} else if cfg.MQTT.Enabled {
				broadcasters = append(broadcasters, publisher)
			}

			scheduler := simulation.NewScheduler(
				simulation.SchedulerConfig{
					MeterID:            cfg.Meter.MeterID,
					RealtimeInterval:   cfg.Simulation.RealtimeInterval,
					HistoricalInterval: cfg.Simulation.HistoricalInterval,
					BalanceInterval:    cfg.Simulation.BalanceInterval,
				},
				store, generator, accumulator, ldg, emitter, schedule, logger,
				broadcasters...,
			)

			maint := maintenance.NewService(store, emitter, cfg.Retention, cfg.Meter.MeterID, scheduler.Running, logger)

			scheduler.Start()
			maint.Start()

			var server *api.Server
			if cfg.Server.Enabled {
				server = api.NewServer(api.ServerConfig{
					Port:       cfg.Server.Port,
					Store:      store,
					Ledger:     ldg,
					Emitter:    emitter,
					Dispatcher: dispatcher,
					Scheduler:  scheduler,
					Hub:        hub,
					Meter:      cfg.Meter,
					Logger:     logger,
				})
				go func() {
					if err := server.Start(); err != nil {
						logger.Error("API server error", zap.Error(err))
					}
				}()
			}

			logger.Info("metersim started")

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
			<-sigChan

			logger.Info("shutting down")
			scheduler.Stop()
			maint.Stop()
			dispatcher.Wait()
			if server != nil {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				server.Stop(ctx)
			}
			if publisher != nil {
				publisher.Close()
			}
			return store.Close()
		},
	}
}

func tickCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tick",
		Short: "Generate one synthetic reading and print it",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			generator := meter.NewGenerator(cfg.Simulation)
			now := time.Now()
			reading := generator.Generate(now, generator.LoadMultiplier(now.Hour()))

			output, _ := json.MarshalIndent(reading, "", "  ")
			fmt.Println(string(output))
			return nil
		},
	}
}

func rechargeCmd() *cobra.Command {
	var amount float64
	var meterID string

	cmd := &cobra.Command{
		Use:   "recharge",
		Short: "Credit a meter's prepaid balance",
		RunE: func(cmd *cobra.Command, args []string) error {
			if amount <= 0 {
				return fmt.Errorf("amount must be positive")
			}

			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if meterID == "" {
				meterID = cfg.Meter.MeterID
			}

			store, err := storage.Open(cfg.Database.Path)
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer store.Close()

			entry, err := ledger.New(store).Recharge(meterID, amount, "")
			if err != nil {
				return err
			}

			fmt.Printf("Recharged %s: %.2f -> %.2f (transaction %s)\n",
				meterID, entry.BalanceBefore, entry.BalanceAfter, entry.TransactionID)
			return nil
		},
	}

	cmd.Flags().Float64VarP(&amount, "amount", "a", 0, "amount to credit")
	cmd.Flags().StringVarP(&meterID, "meter", "m", "", "meter id (defaults to configured meter)")
	return cmd
}
