package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/liftsync/liftsync/internal/config"
	"github.com/liftsync/liftsync/internal/flush"
	"github.com/liftsync/liftsync/internal/syncop"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "liftsync",
		Short: "LiftSync device client with an offline write queue",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		SilenceUsage: true,
	}

	setupFlags(rootCmd)

	queueCmd := &cobra.Command{Use: "queue", Short: "Inspect and drain the local write queue"}
	queueCmd.AddCommand(newQueueListCommand(), newQueueFlushCommand())

	syncCmd := &cobra.Command{Use: "sync", Short: "Background synchronisation"}
	syncCmd.AddCommand(newSyncWatchCommand())

	rootCmd.AddCommand(newWriteCommand(), queueCmd, syncCmd)
	return rootCmd
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyClientDefaults(viper.GetViper())
	defaults := config.NewClientViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("server-url", defaults.GetString("server.url"), "Sync executor base URL")
	cmd.PersistentFlags().String("queue-path", defaults.GetString("queue.path"), "Local queue database path")
	cmd.PersistentFlags().String("user-id", defaults.GetString("user.id"), "Signed-in user id")
	cmd.PersistentFlags().String("auth-token", "", "Bearer token (overrides env)")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")

	bindFlag(cmd, "server.url", "server-url")
	bindFlag(cmd, "queue.path", "queue-path")
	bindFlag(cmd, "user.id", "user-id")
	bindFlag(cmd, "auth.token", "auth-token")
	bindFlag(cmd, "log.level", "log-level")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if err := config.LoadDotEnv(".env"); err != nil {
		return err
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func openRuntime() (*clientRuntime, error) {
	clientConfig, err := config.LoadClient(viper.GetViper())
	if err != nil {
		return nil, err
	}
	return newClientRuntime(clientConfig)
}

func newWriteCommand() *cobra.Command {
	var (
		tableName   string
		actionName  string
		payloadText string
		payloadFile string
	)
	cmd := &cobra.Command{
		Use:   "write",
		Short: "Write one row, syncing directly or queueing it for later",
		RunE: func(cmd *cobra.Command, args []string) error {
			table, err := syncop.ParseTable(tableName)
			if err != nil {
				return err
			}
			action, err := syncop.ParseAction(actionName)
			if err != nil {
				return err
			}
			payload, err := readPayload(cmd.InOrStdin(), payloadText, payloadFile)
			if err != nil {
				return err
			}

			app, err := openRuntime()
			if err != nil {
				return err
			}
			defer app.Close()

			result, writeErr := app.writer.Write(cmd.Context(), app.config.UserID, table, action, payload)
			if writeErr != nil && !errors.Is(writeErr, flush.ErrReauthenticationRequired) {
				return writeErr
			}
			if err := printJSON(cmd.OutOrStdout(), map[string]any{
				"status":         result.Status,
				"idempotencyKey": result.IdempotencyKey,
				"deduped":        result.Deduped,
			}); err != nil {
				return err
			}
			return writeErr
		},
	}
	cmd.Flags().StringVar(&tableName, "table", "", "Target table (workouts, exercise_defs, workout_templates)")
	cmd.Flags().StringVar(&actionName, "action", string(syncop.ActionUpsert), "Action (upsert, delete)")
	cmd.Flags().StringVar(&payloadText, "payload", "", "Row JSON; reads stdin when neither --payload nor --payload-file is set")
	cmd.Flags().StringVar(&payloadFile, "payload-file", "", "Path to a file holding the row JSON")
	_ = cmd.MarkFlagRequired("table")
	return cmd
}

func readPayload(stdin io.Reader, payloadText, payloadFile string) (json.RawMessage, error) {
	switch {
	case strings.TrimSpace(payloadText) != "":
		return json.RawMessage(payloadText), nil
	case payloadFile != "":
		contents, err := os.ReadFile(payloadFile)
		if err != nil {
			return nil, fmt.Errorf("read payload file: %w", err)
		}
		return json.RawMessage(contents), nil
	default:
		contents, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read payload from stdin: %w", err)
		}
		return json.RawMessage(contents), nil
	}
}

type queuedOperationView struct {
	ID             string          `json:"id"`
	Table          string          `json:"table"`
	Action         string          `json:"action"`
	TimestampMs    int64           `json:"timestampMs"`
	IdempotencyKey string          `json:"idempotencyKey"`
	Payload        json.RawMessage `json:"payload"`
}

func newQueueListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List pending operations oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openRuntime()
			if err != nil {
				return err
			}
			defer app.Close()

			operations, err := app.queue.List(cmd.Context(), app.config.UserID)
			if err != nil {
				return err
			}
			views := make([]queuedOperationView, 0, len(operations))
			for _, operation := range operations {
				views = append(views, queuedOperationView{
					ID:             operation.ID,
					Table:          operation.Table.String(),
					Action:         operation.Action.String(),
					TimestampMs:    operation.TimestampMs,
					IdempotencyKey: operation.IdempotencyKey,
					Payload:        json.RawMessage(operation.Payload),
				})
			}
			return printJSON(cmd.OutOrStdout(), views)
		},
	}
}

func newQueueFlushCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "flush",
		Short: "Drain the pending operations once",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openRuntime()
			if err != nil {
				return err
			}
			defer app.Close()

			report, flushErr := app.orchestrator.OnLogin(cmd.Context(), app.config.UserID)
			if err := printJSON(cmd.OutOrStdout(), reportView(report)); err != nil {
				return err
			}
			return flushErr
		},
	}
}

func newSyncWatchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Probe connectivity and flush the queue on every reconnect",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openRuntime()
			if err != nil {
				return err
			}
			defer app.Close()

			signalCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			userID := app.config.UserID
			report, err := app.orchestrator.OnLogin(signalCtx, userID)
			if err != nil && !errors.Is(err, flush.ErrReauthenticationRequired) {
				return err
			}
			app.logger.Info("initial flush finished",
				zap.String("user_id", userID),
				zap.String("outcome", string(report.Outcome)),
				zap.Int("remaining", report.Remaining))

			done := make(chan struct{})
			go func() {
				defer close(done)
				app.orchestrator.Run(signalCtx, app.prober.Monitor())
			}()

			app.prober.Run(signalCtx)
			<-done
			return nil
		},
	}
}

func reportView(report flush.Report) map[string]any {
	view := map[string]any{
		"outcome":   report.Outcome,
		"applied":   report.Applied,
		"deduped":   report.Deduped,
		"dropped":   report.Dropped,
		"remaining": report.Remaining,
	}
	if report.LastError != nil {
		view["lastError"] = report.LastError.Error()
	}
	return view
}

func printJSON(out io.Writer, value any) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
