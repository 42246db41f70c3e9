package main

import (
	"fmt"

	nexa "github.com/nexachat/nexa-sdk-go"
)

// newClient builds an SDK client from the saved configuration.
func newClient(cfg *Config) (*nexa.Client, error) {
	if cfg.Auth.Token == "" {
		return nil, fmt.Errorf("no token configured; run 'nexa config set auth.token <token>'")
	}
	var opts []nexa.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, nexa.WithBaseURL(cfg.Default.BaseURL))
	}
	return nexa.NewClient(cfg.Auth.Token, opts...), nil
}

// maskToken shows only the first and last few characters of a token.
func maskToken(token string) string {
	if len(token) <= 10 {
		return "****"
	}
	return token[:6] + "..." + token[len(token)-4:]
}

// valueOrDefault returns fallback when v is empty.
func valueOrDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
