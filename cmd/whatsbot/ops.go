package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"whatsbot/internal/channel"
	"whatsbot/internal/memory"
)

func initiateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "initiate <phone>",
		Short: "Send the greeting to a phone number and open a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			phone, err := channel.ParseInitiatePhone(args[0])
			if err != nil {
				return err
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
			defer cancel()
			res, err := a.processor.Initiate(ctx, phone)
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(res, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			// Opening the store applies pending migrations.
			store, err := memory.NewSQLiteStore(cfg.Memory.DBPath, logger)
			if err != nil {
				return err
			}
			defer store.Close()
			v, err := memory.GetSchemaVersion(store.DB())
			if err != nil {
				return err
			}
			fmt.Printf("database %s at schema version %d\n", cfg.Memory.DBPath, v)
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Check configuration, database, AI provider and WAHA session",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("whatsbot status v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			cfgPath := resolveConfigPath()
			cfg, err := loadConfig()
			if err != nil {
				printFail("Config", err.Error())
				return err
			}
			if cfgPath == "" {
				cfgPath = "environment only"
			}
			printPass("Config", cfgPath)

			failed := 0
			a, err := newApp(cfg)
			if err != nil {
				printFail("Database", err.Error())
				return err
			}
			defer a.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 20*time.Second)
			defer cancel()

			if st, err := a.store.Stats(ctx); err != nil {
				printFail("Database", err.Error())
				failed++
			} else {
				printPass("Database", fmt.Sprintf("%s (%d users, %d conversations, %d messages, %d failed)",
					cfg.Memory.DBPath, st.Users, st.Conversations, st.Messages, st.Failed))
			}

			printPass("Providers", fmt.Sprintf("%v (default %s)", cfg.EnabledProviders(), cfg.General.DefaultProvider))

			if err := a.assistant.Ping(ctx); err != nil {
				printFail("AI provider", err.Error())
				failed++
			} else {
				printPass("AI provider", a.assistant.Model())
			}

			if a.waha != nil {
				status, err := a.waha.SessionStatus(ctx)
				switch {
				case err != nil:
					printFail("WAHA session", err.Error())
					failed++
				case status != "WORKING":
					printWarn("WAHA session", status)
				default:
					printPass("WAHA session", status)
				}
			}

			fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
			if failed > 0 {
				return fmt.Errorf("%d check(s) failed", failed)
			}
			fmt.Println("All checks passed.")
			return nil
		},
	}
}

func printPass(check, detail string) {
	fmt.Printf("  [PASS] %-16s %s\n", check, detail)
}

func printFail(check, detail string) {
	fmt.Printf("  [FAIL] %-16s %s\n", check, detail)
}

func printWarn(check, detail string) {
	fmt.Printf("  [WARN] %-16s %s\n", check, detail)
}
