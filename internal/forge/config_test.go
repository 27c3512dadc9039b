package forge

import (
	"io"
	"log/slog"
	"strings"
	"testing"
)

func TestConfigured(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  Config
		want bool
	}{
		{name: "empty config", cfg: Config{}, want: false},
		{
			name: "one complete account",
			cfg:  Config{Accounts: []AccountConfig{{Name: "gh", Provider: "github", Token: "tok123"}}},
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.cfg.Configured(); got != tt.want {
				t.Errorf("Configured() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{
			name: "valid github config",
			cfg:  Config{Accounts: []AccountConfig{{Name: "primary", Provider: "github", Token: "ghp_abc"}}},
		},
		{
			name: "empty config is valid",
			cfg:  Config{},
		},
		{
			name:    "missing name",
			cfg:     Config{Accounts: []AccountConfig{{Provider: "github", Token: "ghp_abc"}}},
			wantErr: "name must not be empty",
		},
		{
			name: "duplicate name",
			cfg: Config{Accounts: []AccountConfig{
				{Name: "dup", Provider: "github", Token: "tok1"},
				{Name: "dup", Provider: "github", Token: "tok2"},
			}},
			wantErr: "duplicate",
		},
		{
			name:    "unsupported provider",
			cfg:     Config{Accounts: []AccountConfig{{Name: "noprov", Provider: "unsupported", Token: "tok"}}},
			wantErr: "provider must be",
		},
		{
			name:    "missing token",
			cfg:     Config{Accounts: []AccountConfig{{Name: "notok", Provider: "github"}}},
			wantErr: "token is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() expected error containing %q, got nil", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %q, want substring %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewRegistry(t *testing.T) {
	t.Parallel()

	cfg := Config{
		Accounts: []AccountConfig{
			{Name: "primary", Provider: "github", Token: "ghp_test", URL: "https://api.github.com", Owner: "myorg"},
			{Name: "secondary", Provider: "github", Token: "ghp_test2", URL: "https://api.github.com", Owner: "otherorg"},
		},
	}

	r, err := NewRegistry(cfg, nil)
	if err != nil {
		t.Fatalf("NewRegistry() unexpected error: %v", err)
	}

	p, _, err := r.Account("")
	if err != nil {
		t.Fatalf("Account(\"\") unexpected error: %v", err)
	}
	if p.Name() != "github" {
		t.Errorf("Account(\"\").Name() = %q, want %q", p.Name(), "github")
	}

	p2, acfg2, err := r.Account("secondary")
	if err != nil {
		t.Fatalf("Account(\"secondary\") unexpected error: %v", err)
	}
	if p2.Name() != "github" || acfg2.Owner != "otherorg" {
		t.Errorf("Account(\"secondary\") = %+v, wrong provider/owner", acfg2)
	}

	if _, _, err := r.Account("nonexistent"); err == nil {
		t.Fatal("Account(\"nonexistent\") expected error, got nil")
	}
}

func TestNewRegistry_SkipsUnknownProvider(t *testing.T) {
	t.Parallel()

	cfg := Config{Accounts: []AccountConfig{{Name: "bad", Provider: "unsupported", Token: "tok"}}}
	r, err := NewRegistry(cfg, nil)
	if err != nil {
		t.Fatalf("NewRegistry() unexpected error: %v", err)
	}
	if _, _, err := r.Account("bad"); err == nil {
		t.Fatal("expected unsupported-provider account to be skipped, not registered")
	}
}

func TestNewRegistry_EmptyConfig(t *testing.T) {
	t.Parallel()

	r, err := NewRegistry(Config{}, nil)
	if err != nil {
		t.Fatalf("NewRegistry() unexpected error: %v", err)
	}
	if _, _, err := r.Account(""); err == nil {
		t.Fatal("Account(\"\") expected error on empty registry, got nil")
	}
}

func TestResolveRepo(t *testing.T) {
	t.Parallel()

	cfg := Config{
		Accounts: []AccountConfig{
			{Name: "with-owner", Provider: "github", Token: "tok", URL: "https://api.github.com", Owner: "myorg"},
			{Name: "no-owner", Provider: "github", Token: "tok", URL: "https://api.github.com"},
		},
	}

	r, err := NewRegistry(cfg, nil)
	if err != nil {
		t.Fatalf("NewRegistry() unexpected error: %v", err)
	}

	tests := []struct {
		name        string
		accountName string
		repo        string
		wantOwner   string
		wantRepo    string
	}{
		{name: "qualified repo passes through", accountName: "with-owner", repo: "someowner/somerepo", wantOwner: "someowner", wantRepo: "somerepo"},
		{name: "bare repo gets owner prepended", accountName: "with-owner", repo: "myrepo", wantOwner: "myorg", wantRepo: "myrepo"},
		{name: "bare repo with no configured owner stays empty", accountName: "no-owner", repo: "myrepo", wantOwner: "", wantRepo: "myrepo"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, acfg, err := r.Account(tt.accountName)
			if err != nil {
				t.Fatalf("Account(%q) unexpected error: %v", tt.accountName, err)
			}
			gotOwner, gotRepo := r.ResolveRepo(acfg, tt.repo)
			if gotOwner != tt.wantOwner || gotRepo != tt.wantRepo {
				t.Errorf("ResolveRepo(%q) = (%q, %q), want (%q, %q)", tt.repo, gotOwner, gotRepo, tt.wantOwner, tt.wantRepo)
			}
		})
	}
}
