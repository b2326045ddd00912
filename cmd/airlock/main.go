// airlock is the credential-brokering script execution service: agents
// submit scripts under locked authorization profiles, and the broker injects
// decrypted credentials only inside the worker boundary.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/airlock-sh/airlock/internal/audit"
	"github.com/airlock-sh/airlock/internal/auth"
	"github.com/airlock-sh/airlock/internal/config"
	"github.com/airlock-sh/airlock/internal/credential"
	"github.com/airlock-sh/airlock/internal/crypto"
	"github.com/airlock-sh/airlock/internal/db"
	"github.com/airlock-sh/airlock/internal/execution"
	"github.com/airlock-sh/airlock/internal/httpapi"
	"github.com/airlock-sh/airlock/internal/logging"
	"github.com/airlock-sh/airlock/internal/profile"
	"github.com/airlock-sh/airlock/internal/worker"
)

var version = "0.1.0-dev"

func main() {
	rootCmd := &cobra.Command{
		Use:          "airlock",
		Short:        "Airlock — credential-brokering script execution service",
		Version:      version,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newSetupCmd())
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("airlock", version)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the broker",
		RunE: func(cmd *cobra.Command, args []string) error {
			dataDir, _ := cmd.Flags().GetString("data-dir")

			cfg, err := config.Load(dataDir)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
				cfg.Addr = addr
			}
			if workerURL, _ := cmd.Flags().GetString("worker-url"); workerURL != "" {
				cfg.WorkerURL = workerURL
			}
			if level, _ := cmd.Flags().GetString("log-level"); level != "" {
				cfg.LogLevel = level
			}

			logger := logging.NewLogger(cfg.LogLevel)

			database, err := db.Open(cfg.DataDir)
			if err != nil {
				return fmt.Errorf("opening database: %w", err)
			}
			defer database.Close()

			masterKey, err := crypto.LoadOrCreateMasterKey(cfg.DataDir)
			if err != nil {
				return fmt.Errorf("loading master key: %w", err)
			}

			auditLog, err := audit.NewLogger(database)
			if err != nil {
				return fmt.Errorf("initializing audit log: %w", err)
			}

			creds := credential.NewStore(database, masterKey, auditLog)
			profiles := profile.NewStore(database, masterKey, auditLog)
			gateway := auth.NewGateway(database, profiles, auditLog)
			execs := execution.NewStore(database)

			var w worker.Worker
			if cfg.WorkerURL != "" {
				w = worker.NewHTTPClient(cfg.WorkerURL, logger)
				logger.Info().Str("worker_url", cfg.WorkerURL).Msg("worker configured")
			} else {
				w = worker.None{}
				logger.Warn().Msg("no worker configured, executions will be rejected")
			}

			dispatcher := execution.NewDispatcher(execs, creds, w, auditLog, logger)

			app := httpapi.New(httpapi.Dependencies{
				Logger:      logger,
				Gateway:     gateway,
				Credentials: creds,
				Profiles:    profiles,
				Executions:  execs,
				Dispatcher:  dispatcher,
				Worker:      w,
			})

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sigCh
				logger.Info().Msg("shutting down")
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := app.ShutdownWithContext(ctx); err != nil {
					logger.Error().Err(err).Msg("shutdown error")
				}
			}()

			logger.Info().Str("addr", cfg.Addr).Str("data_dir", cfg.DataDir).Msg("airlock starting")
			if err := app.Listen(cfg.Addr); err != nil {
				return fmt.Errorf("serving: %w", err)
			}

			// Let in-flight executions write their outcomes before exit.
			dispatcher.Wait()
			return nil
		},
	}

	cmd.Flags().String("addr", "", "Listen address (default :9090)")
	cmd.Flags().String("data-dir", "./data", "Data directory for database, key, and config")
	cmd.Flags().String("worker-url", "", "Execution worker base URL")
	cmd.Flags().String("log-level", "", "Log level (debug, info, warn, error)")

	return cmd
}

func newSetupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Set the admin password on a running broker",
		RunE: func(cmd *cobra.Command, args []string) error {
			server, _ := cmd.Flags().GetString("server")

			fmt.Fprint(os.Stderr, "Admin password: ")
			password, err := term.ReadPassword(int(os.Stdin.Fd()))
			fmt.Fprintln(os.Stderr)
			if err != nil {
				return fmt.Errorf("reading password: %w", err)
			}

			fmt.Fprint(os.Stderr, "Confirm password: ")
			confirm, err := term.ReadPassword(int(os.Stdin.Fd()))
			fmt.Fprintln(os.Stderr)
			if err != nil {
				return fmt.Errorf("reading password: %w", err)
			}
			if string(password) != string(confirm) {
				return fmt.Errorf("passwords do not match")
			}

			body, err := json.Marshal(map[string]string{"password": string(password)})
			if err != nil {
				return fmt.Errorf("encoding request: %w", err)
			}

			url := strings.TrimRight(server, "/") + "/api/admin/setup"
			resp, err := http.Post(url, "application/json", bytes.NewReader(body))
			if err != nil {
				return fmt.Errorf("calling %s: %w", url, err)
			}
			defer resp.Body.Close()

			payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("setup failed (%d): %s", resp.StatusCode, payload)
			}

			var out struct {
				Token string `json:"token"`
			}
			if err := json.Unmarshal(payload, &out); err != nil {
				return fmt.Errorf("decoding response: %w", err)
			}

			fmt.Println("Admin configured. Session token (save it, shown once):")
			fmt.Println(out.Token)
			return nil
		},
	}

	cmd.Flags().String("server", "http://localhost:9090", "Broker base URL")

	return cmd
}
