package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"chatwave/internal/api"
	"chatwave/internal/config"
)

// AddUser asks the running server's admin API to create an account and
// prints the generated password.
func AddUser(out io.Writer, req api.AddUserRequest, cfg *config.Config) error {
	reqBody, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("http://%s/admin/users", cfg.AdminAddr)
	resp, err := http.Post(url, "application/json", bytes.NewBuffer(reqBody))
	if err != nil {
		return fmt.Errorf("failed to call admin API: %w. Is the server running?", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("failed to add user (Status: %d): %s", resp.StatusCode, string(body))
	}

	var result api.AddUserResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	_, _ = fmt.Fprintf(out, "\nUser Created Successfully!\n")
	_, _ = fmt.Fprintf(out, "ID:       %s\n", result.User.ID)
	_, _ = fmt.Fprintf(out, "Username: %s\n", result.User.Username)
	_, _ = fmt.Fprintf(out, "Email:    %s\n", result.User.Email)
	_, _ = fmt.Fprintf(out, "Role:     %s\n", result.User.Role)
	_, _ = fmt.Fprintf(out, "Password: %s\n\n", result.Password)
	_, _ = fmt.Fprintln(out, "The password is shown only once. Share it with the user over a safe channel.")
	return nil
}
