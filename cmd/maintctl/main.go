// Package main はCLIツールのエントリポイント。
package main

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

const version = "1.0.0"

var (
	apiURL      string
	output      string
	timeout     time.Duration
	callerUID   int64
	callerSectx string
	callerPerms string
)

// HTTPクライアント
var httpClient *http.Client

func main() {
	rootCmd := &cobra.Command{
		Use:   "maintctl",
		Short: "Key Maintenance Service CLI",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if apiURL == "" {
				apiURL = os.Getenv("MAINTCTL_API_URL")
			}
			httpClient = &http.Client{Timeout: timeout}
		},
	}

	// グローバルフラグ
	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", "", "API endpoint URL (or set MAINTCTL_API_URL)")
	rootCmd.PersistentFlags().StringVar(&output, "output", "text", "Output format: text, json")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "Request timeout")
	rootCmd.PersistentFlags().Int64Var(&callerUID, "caller-uid", 1000, "Caller UID sent to the service")
	rootCmd.PersistentFlags().StringVar(&callerSectx, "caller-sectx", "", "Caller SELinux context")
	rootCmd.PersistentFlags().StringVar(&callerPerms, "caller-permissions", "", "Comma-separated caller permissions")

	// サブコマンド登録
	rootCmd.AddCommand(userAddedCmd())
	rootCmd.AddCommand(initSuperKeysCmd())
	rootCmd.AddCommand(userRemovedCmd())
	rootCmd.AddCommand(lskfRemovedCmd())
	rootCmd.AddCommand(userStateCmd())
	rootCmd.AddCommand(affectedUIDsCmd())
	rootCmd.AddCommand(clearNamespaceCmd())
	rootCmd.AddCommand(migrateKeyCmd())
	rootCmd.AddCommand(earlyBootEndedCmd())
	rootCmd.AddCommand(offBodyCmd())
	rootCmd.AddCommand(deleteAllCmd())
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// versionCmd はバージョン情報を表示する。
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("maintctl version %s\n", version)
		},
	}
}

// doRequest は呼び出し元識別ヘッダー付きでAPIリクエストを送信する。
func doRequest(method, url string, reqBody interface{}, wantStatus int) ([]byte, error) {
	if apiURL == "" {
		return nil, fmt.Errorf("--api-url is required (or set MAINTCTL_API_URL)")
	}

	var bodyReader io.Reader
	if reqBody != nil {
		data, err := json.Marshal(reqBody)
		if err != nil {
			return nil, fmt.Errorf("encoding request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, url, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Caller-Uid", strconv.FormatInt(callerUID, 10))
	if callerSectx != "" {
		req.Header.Set("X-Caller-Sectx", callerSectx)
	}
	if callerPerms != "" {
		req.Header.Set("X-Caller-Permissions", callerPerms)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != wantStatus {
		return nil, handleErrorResponse(resp.StatusCode, body)
	}
	return body, nil
}

// userAddedCmd はユーザー追加通知コマンド。
func userAddedCmd() *cobra.Command {
	var userID int32
	cmd := &cobra.Command{
		Use:   "user-added",
		Short: "Notify that a user was added",
		RunE: func(cmd *cobra.Command, args []string) error {
			url := fmt.Sprintf("%s/v1/users/%d", apiURL, userID)
			if _, err := doRequest(http.MethodPost, url, nil, http.StatusNoContent); err != nil {
				return err
			}
			fmt.Printf("User %d added.\n", userID)
			return nil
		},
	}
	cmd.Flags().Int32Var(&userID, "user", 0, "User ID (required)")
	cmd.MarkFlagRequired("user")
	return cmd
}

// initSuperKeysCmd はスーパー鍵初期化コマンド。
func initSuperKeysCmd() *cobra.Command {
	var userID int32
	var password string
	var allowExisting bool
	cmd := &cobra.Command{
		Use:   "init-super-keys",
		Short: "Initialize per-user super keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			url := fmt.Sprintf("%s/v1/users/%d/super-keys", apiURL, userID)
			req := map[string]interface{}{
				"password":       base64.StdEncoding.EncodeToString([]byte(password)),
				"allow_existing": allowExisting,
			}
			if _, err := doRequest(http.MethodPost, url, req, http.StatusCreated); err != nil {
				return err
			}
			fmt.Printf("Super keys initialized for user %d.\n", userID)
			return nil
		},
	}
	cmd.Flags().Int32Var(&userID, "user", 0, "User ID (required)")
	cmd.Flags().StringVar(&password, "password", "", "User password (required)")
	cmd.Flags().BoolVar(&allowExisting, "allow-existing", false, "Treat already initialized super keys as success")
	cmd.MarkFlagRequired("user")
	cmd.MarkFlagRequired("password")
	return cmd
}

// userRemovedCmd はユーザー削除通知コマンド。
func userRemovedCmd() *cobra.Command {
	var userID int32
	cmd := &cobra.Command{
		Use:   "user-removed",
		Short: "Notify that a user was removed and destroy their keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			url := fmt.Sprintf("%s/v1/users/%d", apiURL, userID)
			if _, err := doRequest(http.MethodDelete, url, nil, http.StatusNoContent); err != nil {
				return err
			}
			fmt.Printf("User %d removed.\n", userID)
			return nil
		},
	}
	cmd.Flags().Int32Var(&userID, "user", 0, "User ID (required)")
	cmd.MarkFlagRequired("user")
	return cmd
}

// lskfRemovedCmd はLSKF削除通知コマンド。
func lskfRemovedCmd() *cobra.Command {
	var userID int32
	cmd := &cobra.Command{
		Use:   "lskf-removed",
		Short: "Notify that a user's lock screen knowledge factor was removed",
		RunE: func(cmd *cobra.Command, args []string) error {
			url := fmt.Sprintf("%s/v1/users/%d/lskf-removed", apiURL, userID)
			if _, err := doRequest(http.MethodPost, url, nil, http.StatusNoContent); err != nil {
				return err
			}
			fmt.Printf("Auth-bound keys destroyed for user %d.\n", userID)
			return nil
		},
	}
	cmd.Flags().Int32Var(&userID, "user", 0, "User ID (required)")
	cmd.MarkFlagRequired("user")
	return cmd
}

// userStateCmd はユーザー状態取得コマンド。
func userStateCmd() *cobra.Command {
	var userID int32
	cmd := &cobra.Command{
		Use:   "user-state",
		Short: "Show the key lifecycle state of a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			url := fmt.Sprintf("%s/v1/users/%d/state", apiURL, userID)
			body, err := doRequest(http.MethodGet, url, nil, http.StatusOK)
			if err != nil {
				return err
			}
			if output == "json" {
				fmt.Println(string(body))
				return nil
			}
			var result struct {
				State string `json:"state"`
			}
			if err := json.Unmarshal(body, &result); err != nil {
				return fmt.Errorf("parsing response: %w", err)
			}
			fmt.Println(result.State)
			return nil
		},
	}
	cmd.Flags().Int32Var(&userID, "user", 0, "User ID (required)")
	cmd.MarkFlagRequired("user")
	return cmd
}

// affectedUIDsCmd はSID影響UID一覧コマンド。
func affectedUIDsCmd() *cobra.Command {
	var userID int32
	var sid int64
	cmd := &cobra.Command{
		Use:   "affected-uids",
		Short: "List app UIDs owning keys bound to a SID",
		RunE: func(cmd *cobra.Command, args []string) error {
			url := fmt.Sprintf("%s/v1/users/%d/affected-uids?sid=%d", apiURL, userID, sid)
			body, err := doRequest(http.MethodGet, url, nil, http.StatusOK)
			if err != nil {
				return err
			}
			if output == "json" {
				fmt.Println(string(body))
				return nil
			}
			var result struct {
				UIDs []int64 `json:"uids"`
			}
			if err := json.Unmarshal(body, &result); err != nil {
				return fmt.Errorf("parsing response: %w", err)
			}
			if len(result.UIDs) == 0 {
				fmt.Println("No affected UIDs.")
				return nil
			}
			uids := make([]string, len(result.UIDs))
			for i, u := range result.UIDs {
				uids[i] = strconv.FormatInt(u, 10)
			}
			fmt.Println(strings.Join(uids, "\n"))
			return nil
		},
	}
	cmd.Flags().Int32Var(&userID, "user", 0, "User ID (required)")
	cmd.Flags().Int64Var(&sid, "sid", 0, "Secure user ID (required)")
	cmd.MarkFlagRequired("user")
	cmd.MarkFlagRequired("sid")
	return cmd
}

// clearNamespaceCmd は名前空間一括削除コマンド。
func clearNamespaceCmd() *cobra.Command {
	var nsDomain string
	var namespace int64
	cmd := &cobra.Command{
		Use:   "clear-namespace",
		Short: "Delete all keys owned by a namespace",
		RunE: func(cmd *cobra.Command, args []string) error {
			url := fmt.Sprintf("%s/v1/namespaces/%s/%d", apiURL, nsDomain, namespace)
			if _, err := doRequest(http.MethodDelete, url, nil, http.StatusNoContent); err != nil {
				return err
			}
			fmt.Printf("Namespace %s:%d cleared.\n", nsDomain, namespace)
			return nil
		},
	}
	cmd.Flags().StringVar(&nsDomain, "domain", "APP", "Namespace domain: APP or SELINUX")
	cmd.Flags().Int64Var(&namespace, "namespace", 0, "Namespace ID (required)")
	cmd.MarkFlagRequired("namespace")
	return cmd
}

// migrateKeyCmd は鍵名前空間移行コマンド。
func migrateKeyCmd() *cobra.Command {
	var srcDomain, srcAlias, dstDomain, dstAlias string
	var srcNamespace, dstNamespace, srcKeyID int64
	cmd := &cobra.Command{
		Use:   "migrate-key",
		Short: "Migrate a key entry to another namespace",
		RunE: func(cmd *cobra.Command, args []string) error {
			src := map[string]interface{}{
				"domain":    srcDomain,
				"namespace": srcNamespace,
				"key_id":    srcKeyID,
			}
			if srcAlias != "" {
				src["alias"] = srcAlias
			}
			req := map[string]interface{}{
				"source": src,
				"destination": map[string]interface{}{
					"domain":    dstDomain,
					"namespace": dstNamespace,
					"alias":     dstAlias,
				},
			}
			url := fmt.Sprintf("%s/v1/keys/migrate", apiURL)
			if _, err := doRequest(http.MethodPost, url, req, http.StatusNoContent); err != nil {
				return err
			}
			fmt.Println("Key migrated.")
			return nil
		},
	}
	cmd.Flags().StringVar(&srcDomain, "src-domain", "APP", "Source domain: APP, SELINUX or KEY_ID")
	cmd.Flags().Int64Var(&srcNamespace, "src-namespace", 0, "Source namespace ID")
	cmd.Flags().StringVar(&srcAlias, "src-alias", "", "Source key alias")
	cmd.Flags().Int64Var(&srcKeyID, "src-key-id", 0, "Source key ID (for KEY_ID domain)")
	cmd.Flags().StringVar(&dstDomain, "dst-domain", "APP", "Destination domain: APP or SELINUX")
	cmd.Flags().Int64Var(&dstNamespace, "dst-namespace", 0, "Destination namespace ID")
	cmd.Flags().StringVar(&dstAlias, "dst-alias", "", "Destination key alias (required)")
	cmd.MarkFlagRequired("dst-alias")
	return cmd
}

// earlyBootEndedCmd はアーリーブート終了通知コマンド。
func earlyBootEndedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "early-boot-ended",
		Short: "Notify all backends that early boot has ended",
		RunE: func(cmd *cobra.Command, args []string) error {
			url := fmt.Sprintf("%s/v1/maintenance/early-boot-ended", apiURL)
			if _, err := doRequest(http.MethodPost, url, nil, http.StatusNoContent); err != nil {
				return err
			}
			fmt.Println("Early boot ended.")
			return nil
		},
	}
}

// offBodyCmd はオフボディ通知コマンド。
func offBodyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "off-body",
		Short: "Notify all backends that the device left the body",
		RunE: func(cmd *cobra.Command, args []string) error {
			url := fmt.Sprintf("%s/v1/maintenance/off-body", apiURL)
			if _, err := doRequest(http.MethodPost, url, nil, http.StatusNoContent); err != nil {
				return err
			}
			fmt.Println("Off-body notified.")
			return nil
		},
	}
}

// deleteAllCmd は全鍵消去コマンド。
func deleteAllCmd() *cobra.Command {
	var confirm bool
	cmd := &cobra.Command{
		Use:   "delete-all",
		Short: "Destroy all keys across all users and namespaces",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !confirm {
				return fmt.Errorf("--yes is required to confirm deleting all keys")
			}
			url := fmt.Sprintf("%s/v1/keys", apiURL)
			if _, err := doRequest(http.MethodDelete, url, nil, http.StatusNoContent); err != nil {
				return err
			}
			fmt.Println("All keys deleted.")
			return nil
		},
	}
	cmd.Flags().BoolVar(&confirm, "yes", false, "Confirm the destructive operation")
	return cmd
}

func handleErrorResponse(statusCode int, body []byte) error {
	var errResp struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(bytes.NewReader(body)).Decode(&errResp); err == nil && errResp.Message != "" {
		return fmt.Errorf("Error: %s", errResp.Message)
	}
	return fmt.Errorf("Error: server returned status %d", statusCode)
}
