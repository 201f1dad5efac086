// Package main はCLIツールのエントリポイント。
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

const version = "1.0.0"

var (
	apiURL  string
	output  string
	timeout time.Duration
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "keyctl",
		Short:         "Field encryption key lifecycle CLI",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if apiURL == "" {
				apiURL = os.Getenv("KEYCTL_API_URL")
			}
		},
	}

	// グローバルフラグ
	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", "", "API endpoint URL (or set KEYCTL_API_URL)")
	rootCmd.PersistentFlags().StringVar(&output, "output", "text", "Output format: text, json")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "Request timeout")

	rootCmd.AddCommand(
		bootstrapCmd(),
		statusCmd(),
		historyCmd(),
		rotateCmd(),
		progressCmd(),
		activateCmd(),
		reencryptCmd(),
		scheduleDeletionCmd(),
		dueCmd(),
		deleteCmd(),
		newMigrateCmd(),
		versionCmd(),
	)
	return rootCmd
}

func client() (*apiClient, error) {
	return newAPIClient(apiURL, &http.Client{Timeout: timeout})
}

func parseVersionArg(arg string) (int, error) {
	v, err := strconv.Atoi(arg)
	if err != nil || v < 1 {
		return 0, fmt.Errorf("invalid key version %q", arg)
	}
	return v, nil
}

// printResult はjson出力ならそのまま、text出力なら render で表示する。
func printResult[T any](w io.Writer, body []byte, render func(io.Writer, T)) error {
	if output == "json" {
		fmt.Fprintln(w, string(body))
		return nil
	}
	var v T
	if err := json.Unmarshal(body, &v); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	render(w, v)
	return nil
}

func renderKey(w io.Writer, k keyRecord) {
	fmt.Fprintf(w, "key_version=%d status=%s active=%t progress=%d%% records=%d algorithm=%s\n",
		k.KeyVersion, k.Status, k.IsActive, k.ProgressPercentage, k.RecordsProcessed, k.Algorithm)
}

func renderKeyList(w io.Writer, list keyList) {
	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	fmt.Fprintln(tw, "VERSION\tSTATUS\tACTIVE\tPROGRESS\tCREATED AT\tDELETION AT")
	for _, k := range list.Keys {
		deletion := k.DeletionScheduledAt
		if deletion == "" {
			deletion = "-"
		}
		fmt.Fprintf(tw, "%d\t%s\t%t\t%d%%\t%s\t%s\n",
			k.KeyVersion, k.Status, k.IsActive, k.ProgressPercentage, k.CreatedAt, deletion)
	}
	tw.Flush()
}

// versionCmd はバージョン情報を表示する。
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "keyctl version %s\n", version)
		},
	}
}

// bootstrapCmd は初期鍵の作成コマンド。
func bootstrapCmd() *cobra.Command {
	var reason, auditInfo string
	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Create the initial active key",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			body, err := c.do(http.MethodPost, "/v1/keys/bootstrap",
				map[string]string{"reason": reason, "audit_info": auditInfo}, http.StatusCreated)
			if err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), body, func(w io.Writer, k keyRecord) {
				fmt.Fprintf(w, "Bootstrapped key version %d\n", k.KeyVersion)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "initial", "Reason recorded on the key")
	cmd.Flags().StringVar(&auditInfo, "audit-info", "", "Operator or ticket recorded for audit")
	return cmd
}

// statusCmd は有効鍵と保留鍵の表示コマンド。
func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the active key and any pending rotation",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			body, err := c.do(http.MethodGet, "/v1/keys/status", nil, http.StatusOK)
			if err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), body, func(w io.Writer, s keyStatus) {
				fmt.Fprint(w, "active:  ")
				renderKey(w, s.ActiveKey)
				if s.PendingKey != nil {
					fmt.Fprint(w, "pending: ")
					renderKey(w, *s.PendingKey)
				}
			})
		},
	}
}

// historyCmd は鍵履歴の表示コマンド。
func historyCmd() *cobra.Command {
	var inactive bool
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List all key versions",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			path := "/v1/keys"
			if inactive {
				path += "?active=false"
			}
			body, err := c.do(http.MethodGet, path, nil, http.StatusOK)
			if err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), body, renderKeyList)
		},
	}
	cmd.Flags().BoolVar(&inactive, "inactive", false, "Only show keys that are not active")
	return cmd
}

// rotateCmd はローテーション開始コマンド。
func rotateCmd() *cobra.Command {
	var reason, auditInfo string
	cmd := &cobra.Command{
		Use:   "rotate",
		Short: "Create a pending key for the next version",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			body, err := c.do(http.MethodPost, "/v1/keys/rotations",
				map[string]string{"reason": reason, "audit_info": auditInfo}, http.StatusCreated)
			if err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), body, func(w io.Writer, k keyRecord) {
				fmt.Fprintf(w, "Rotation started: key version %d is pending\n", k.KeyVersion)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "Rotation reason (required)")
	cmd.Flags().StringVar(&auditInfo, "audit-info", "", "Operator or ticket recorded for audit")
	cmd.MarkFlagRequired("reason")
	return cmd
}

// progressCmd は再暗号化進捗の報告コマンド。
func progressCmd() *cobra.Command {
	var percentage int
	var records int64
	cmd := &cobra.Command{
		Use:   "progress VERSION",
		Short: "Report re-encryption progress for a pending key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			keyVersion, err := parseVersionArg(args[0])
			if err != nil {
				return err
			}
			c, err := client()
			if err != nil {
				return err
			}
			body, err := c.do(http.MethodPut, fmt.Sprintf("/v1/keys/%d/progress", keyVersion),
				map[string]any{"percentage": percentage, "records_processed": records}, http.StatusOK)
			if err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), body, renderKey)
		},
	}
	cmd.Flags().IntVar(&percentage, "percentage", 0, "Progress percentage 0-100 (required)")
	cmd.Flags().Int64Var(&records, "records", 0, "Cumulative records processed (required)")
	cmd.MarkFlagRequired("percentage")
	cmd.MarkFlagRequired("records")
	return cmd
}

// activateCmd は保留鍵の有効化コマンド。
func activateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "activate VERSION",
		Short: "Activate a pending key whose re-encryption is complete",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			keyVersion, err := parseVersionArg(args[0])
			if err != nil {
				return err
			}
			c, err := client()
			if err != nil {
				return err
			}
			body, err := c.do(http.MethodPost, fmt.Sprintf("/v1/keys/%d/activate", keyVersion), nil, http.StatusOK)
			if err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), body, func(w io.Writer, k keyRecord) {
				fmt.Fprintf(w, "Key version %d is now active\n", k.KeyVersion)
			})
		},
	}
}

// reencryptCmd は保存済みの値を保留鍵へ移行するコマンド。
func reencryptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reencrypt VERSION",
		Short: "Re-encrypt stored values under a pending key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			keyVersion, err := parseVersionArg(args[0])
			if err != nil {
				return err
			}
			c, err := client()
			if err != nil {
				return err
			}
			body, err := c.do(http.MethodPost, fmt.Sprintf("/v1/keys/%d/reencrypt", keyVersion), nil, http.StatusOK)
			if err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), body, func(w io.Writer, r reencryptResult) {
				fmt.Fprintf(w, "Re-encrypted v%d -> v%d: %d/%d processed (%d migrated, %d skipped, %d%%)\n",
					r.SourceVersion, r.TargetVersion, r.RecordsProcessed, r.Total, r.Migrated, r.Skipped, r.ProgressPercentage)
			})
		},
	}
}

// scheduleDeletionCmd は退役鍵の削除予定設定コマンド。
func scheduleDeletionCmd() *cobra.Command {
	var retentionDays int
	cmd := &cobra.Command{
		Use:   "schedule-deletion",
		Short: "Schedule deletion of the most recently retired key",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			var payload any
			if cmd.Flags().Changed("retention-days") {
				payload = map[string]int{"retention_days": retentionDays}
			}
			body, err := c.do(http.MethodPost, "/v1/keys/retirements/schedule", payload, http.StatusOK)
			if err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), body, func(w io.Writer, k keyRecord) {
				fmt.Fprintf(w, "Key version %d scheduled for deletion at %s\n", k.KeyVersion, k.DeletionScheduledAt)
			})
		},
	}
	cmd.Flags().IntVar(&retentionDays, "retention-days", 0, "Retention in days (defaults to the server's RETENTION_DAYS)")
	return cmd
}

// dueCmd は削除予定を過ぎた鍵の一覧コマンド。
func dueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "due",
		Short: "List retired keys whose deletion date has passed",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			body, err := c.do(http.MethodGet, "/v1/keys/retirements/due", nil, http.StatusOK)
			if err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), body, renderKeyList)
		},
	}
}

// deleteCmd はパージ済み鍵を削除済みにするコマンド。
func deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete VERSION",
		Short: "Mark a purged retired key as deleted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			keyVersion, err := parseVersionArg(args[0])
			if err != nil {
				return err
			}
			c, err := client()
			if err != nil {
				return err
			}
			body, err := c.do(http.MethodPost, fmt.Sprintf("/v1/keys/%d/delete", keyVersion), nil, http.StatusOK)
			if err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), body, func(w io.Writer, k keyRecord) {
				fmt.Fprintf(w, "Key version %d marked deleted\n", k.KeyVersion)
			})
		},
	}
}
