// Minimal example for securefetch: configuration from SECUREFETCH_*
// environment variables, tokens in Valkey when VALKEY_ADDR is set, and the
// managed access token handed to a plain oauth2 HTTP client.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/ambiyansyah-risyal/securefetch"
	"github.com/valkey-io/valkey-go"
	"golang.org/x/oauth2"
)

func main() {
	ctx := context.Background()

	cfg, err := securefetch.LoadConfig(ctx)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	var kv securefetch.KeyValueStore = securefetch.NewMemoryStore()
	if addr := os.Getenv("VALKEY_ADDR"); addr != "" {
		vk, err := valkey.NewClient(valkey.ClientOption{InitAddress: []string{addr}})
		if err != nil {
			log.Fatalf("connect valkey: %v", err)
		}
		store := securefetch.NewValkeyStore(vk, "securefetch-example", 0, time.Minute)
		defer store.Close()
		kv = store
	}

	secret := os.Getenv("SECUREFETCH_TOKEN_SECRET")
	if secret == "" {
		log.Fatal("SECUREFETCH_TOKEN_SECRET must be set (at least 32 characters)")
	}
	tokens := securefetch.NewTokenStore(kv)
	if err := tokens.ConfigureKey(secret); err != nil {
		log.Fatalf("configure token key: %v", err)
	}

	if cfg.Auth.RefreshURL == "" {
		cfg.Auth.RefreshURL = "/auth/refresh"
	}

	client, err := securefetch.New(
		securefetch.WithConfig(cfg),
		securefetch.WithAuth(tokens, cfg.Auth),
		securefetch.WithMetrics(),
	)
	if err != nil {
		log.Fatalf("invalid client config: %v", err)
	}
	defer client.Close()

	if _, ok := tokens.RefreshToken(ctx); !ok {
		fmt.Println("no session stored; log in first")
		return
	}

	resp, err := client.Get(ctx, "/me")
	if err != nil {
		log.Fatalf("session ended: %v", err)
	}
	fmt.Println("GET /me status", resp.Status, "data", resp.Data)

	// Any oauth2-aware SDK can reuse the managed token.
	httpClient := oauth2.NewClient(ctx, client.Auth().TokenSource(ctx))
	if cfg.BaseURL != "" {
		r, err := httpClient.Get(cfg.BaseURL + "/me")
		if err != nil {
			log.Fatalf("oauth2 client: %v", err)
		}
		_ = r.Body.Close()
		fmt.Println("oauth2 client status", r.StatusCode)
	}
}
