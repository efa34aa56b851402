package commands

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"chatwave/internal/api"
	"chatwave/internal/config"
	"chatwave/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddUser(t *testing.T) {
	var got api.AddUserRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/admin/users", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(api.AddUserResponse{
			User:     models.User{ID: "u1", Username: got.Username, Email: got.Email, Role: got.Role},
			Password: "generated-pass",
		})
	}))
	defer server.Close()

	cfg := &config.Config{AdminAddr: strings.TrimPrefix(server.URL, "http://")}
	var out bytes.Buffer
	err := AddUser(&out, api.AddUserRequest{Username: "alice", Email: "alice@example.com", Role: models.UserRoleAdmin}, cfg)
	require.NoError(t, err)

	assert.Equal(t, "alice", got.Username)
	assert.Equal(t, models.UserRoleAdmin, got.Role)
	assert.Contains(t, out.String(), "generated-pass")
	assert.Contains(t, out.String(), "alice@example.com")
}

func TestAddUser_Rejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"conflict"}`, http.StatusConflict)
	}))
	defer server.Close()

	cfg := &config.Config{AdminAddr: strings.TrimPrefix(server.URL, "http://")}
	err := AddUser(&bytes.Buffer{}, api.AddUserRequest{Username: "alice"}, cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "409")
}

func TestAddUser_ServerDown(t *testing.T) {
	cfg := &config.Config{AdminAddr: "127.0.0.1:1"}
	err := AddUser(&bytes.Buffer{}, api.AddUserRequest{Username: "alice"}, cfg)
	require.Error(t, err)
}
