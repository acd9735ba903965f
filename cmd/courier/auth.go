package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

// storedCredentials is what login caches on disk so the chat commands can
// reconnect without re-prompting.
type storedCredentials struct {
	Server   string `json:"server"`
	Identity string `json:"identity"`
	Token    string `json:"token"`
}

func credentialsPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "courier", "credentials.json"), nil
}

func saveCredentials(creds storedCredentials) error {
	path, err := credentialsPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

func loadCredentials() (storedCredentials, error) {
	var creds storedCredentials
	path, err := credentialsPath()
	if err != nil {
		return creds, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return creds, fmt.Errorf("not logged in (run 'courier login'): %w", err)
	}
	if err := json.Unmarshal(data, &creds); err != nil {
		return creds, err
	}
	return creds, nil
}

func promptCredentials(cmd *cobra.Command) (username, password string, err error) {
	reader := bufio.NewReader(cmd.InOrStdin())
	fmt.Fprint(cmd.OutOrStdout(), "username: ")
	username, err = reader.ReadString('\n')
	if err != nil {
		return "", "", err
	}
	fmt.Fprint(cmd.OutOrStdout(), "password: ")
	password, err = reader.ReadString('\n')
	if err != nil {
		return "", "", err
	}
	return strings.TrimSpace(username), strings.TrimSpace(password), nil
}

// authenticate hits /auth/register or /auth/login and caches the token.
func authenticate(cmd *cobra.Command, endpoint string) error {
	server, _ := cmd.Flags().GetString("server")
	username, password, err := promptCredentials(cmd)
	if err != nil {
		return err
	}

	body, _ := json.Marshal(map[string]string{
		"username": username,
		"password": password,
	})
	resp, err := http.Post(server+endpoint, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("contact relay: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&e)
		return fmt.Errorf("relay refused: %s", e.Error)
	}

	var result struct {
		Token    string `json:"token"`
		Identity string `json:"identity"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	if err := saveCredentials(storedCredentials{
		Server:   server,
		Identity: result.Identity,
		Token:    result.Token,
	}); err != nil {
		return fmt.Errorf("save credentials: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "logged in as %s\n", result.Identity)
	return nil
}

func registerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "register",
		Short: "Create an account on the relay and log in",
		RunE: func(cmd *cobra.Command, args []string) error {
			return authenticate(cmd, "/auth/register")
		},
	}
}

func loginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Log in to the relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			return authenticate(cmd, "/auth/login")
		},
	}
}
