package config

import (
	"testing"
	"time"
)

func validConfig() *Config {
	return &Config{
		ServerName:    "toolrpc",
		ServerVersion: "test",
		Auth: Auth{
			Method:         "token",
			SessionTimeout: time.Hour,
		},
		Sessions: Sessions{Store: "memory"},
		Admission: Admission{
			RequestsPerSecond: 50,
			FailureThreshold:  0.5,
		},
		Fallback: Fallback{MaxQueueSize: 100},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults"},
		{
			name:    "unknown auth method",
			mutate:  func(c *Config) { c.Auth.Method = "saml" },
			wantErr: true,
		},
		{
			name:    "zero session timeout",
			mutate:  func(c *Config) { c.Auth.SessionTimeout = 0 },
			wantErr: true,
		},
		{
			name:    "unknown session store",
			mutate:  func(c *Config) { c.Sessions.Store = "dynamo" },
			wantErr: true,
		},
		{
			name: "admission enabled with bad threshold",
			mutate: func(c *Config) {
				c.Admission.Enabled = true
				c.Admission.FailureThreshold = 1.5
			},
			wantErr: true,
		},
		{
			name: "admission disabled ignores thresholds",
			mutate: func(c *Config) {
				c.Admission.FailureThreshold = 1.5
			},
		},
		{
			name: "fallback enabled with zero queue",
			mutate: func(c *Config) {
				c.Fallback.Enabled = true
				c.Fallback.MaxQueueSize = 0
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			if tt.mutate != nil {
				tt.mutate(cfg)
			}
			err := cfg.Validate()
			if tt.wantErr && err == nil {
				t.Fatal("expected validation error")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected validation error: %v", err)
			}
		})
	}
}

func TestParseUsers(t *testing.T) {
	auth := Auth{Users: []string{"alice:deadbeef:tools.*;agents.spawn", "bob:cafe:"}}
	users, err := auth.ParseUsers()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(users) != 2 {
		t.Fatalf("expected 2 users, got %d", len(users))
	}
	if users[0].Username != "alice" || users[0].PasswordHash != "deadbeef" {
		t.Errorf("unexpected first user: %+v", users[0])
	}
	if len(users[0].Permissions) != 2 || users[0].Permissions[0] != "tools.*" {
		t.Errorf("unexpected permissions: %v", users[0].Permissions)
	}
	if len(users[1].Permissions) != 0 {
		t.Errorf("expected bob to have no permissions, got %v", users[1].Permissions)
	}

	if _, err := (Auth{Users: []string{"nohash"}}).ParseUsers(); err == nil {
		t.Error("expected error for entry without a hash")
	}
}
