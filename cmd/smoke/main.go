// Command smoke probes a running deployment: gRPC health, HTTP readiness and,
// when credentials are given, a login followed by /api/me.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type smokeConfig struct {
	baseURL  string
	grpcAddr string
	login    string
	password string
}

func main() {
	cfg := smokeConfig{
		baseURL:  envOr("PHOENIX_SMOKE_URL", "http://localhost:8080"),
		grpcAddr: os.Getenv("PHOENIX_SMOKE_GRPC_ADDR"),
		login:    os.Getenv("PHOENIX_SMOKE_LOGIN"),
		password: os.Getenv("PHOENIX_SMOKE_PASSWORD"),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := run(ctx, cfg, http.DefaultClient); err != nil {
		fmt.Fprintf(os.Stderr, "❌ smoke test failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("✅ phoenix-vault smoke test passed")
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func run(ctx context.Context, cfg smokeConfig, client *http.Client) error {
	if cfg.grpcAddr != "" {
		if err := checkGRPC(ctx, cfg.grpcAddr); err != nil {
			return fmt.Errorf("grpc health: %w", err)
		}
	}
	base := strings.TrimRight(cfg.baseURL, "/")
	for _, path := range []string{"/healthz", "/readyz"} {
		if _, err := call(ctx, client, http.MethodGet, base+path, "", nil, http.StatusOK); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	}
	if cfg.login == "" {
		return nil
	}

	body, err := call(ctx, client, http.MethodPost, base+"/api/auth/login", "", map[string]string{
		"portal_login": cfg.login,
		"password":     cfg.password,
	}, http.StatusOK)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	var tok struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(body, &tok); err != nil || tok.Token == "" {
		return fmt.Errorf("login: no token in response")
	}

	body, err = call(ctx, client, http.MethodGet, base+"/api/me", tok.Token, nil, http.StatusOK)
	if err != nil {
		return fmt.Errorf("me: %w", err)
	}
	var me struct {
		PortalLogin string `json:"portal_login"`
	}
	if err := json.Unmarshal(body, &me); err != nil {
		return fmt.Errorf("me: %w", err)
	}
	if !strings.EqualFold(me.PortalLogin, cfg.login) {
		return fmt.Errorf("me: got %q, want %q", me.PortalLogin, cfg.login)
	}
	return nil
}

func checkGRPC(ctx context.Context, addr string) error {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return err
	}
	defer conn.Close()
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return err
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("status %s", resp.GetStatus())
	}
	return nil
}

func call(ctx context.Context, client *http.Client, method, url, token string, payload any, want int) ([]byte, error) {
	var body bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&body).Encode(payload); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, err
	}
	if resp.StatusCode != want {
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(buf.String()))
	}
	return buf.Bytes(), nil
}
