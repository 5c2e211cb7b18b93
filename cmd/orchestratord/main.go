// Command orchestratord runs the code-generation orchestrator: one HTTP
// process fronting a Phase State Machine and Conversation Session per
// project, grounded on the teacher's cmd/kilroy manual-flag CLI and
// internal/server.Server's graceful-shutdown/CSRF shape (spec §4.7, §6).
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/forgepilot/orchestrator/internal/appregistry"
	"github.com/forgepilot/orchestrator/internal/config"
	"github.com/forgepilot/orchestrator/internal/githubpush"
	"github.com/forgepilot/orchestrator/internal/metrics"
	"github.com/forgepilot/orchestrator/internal/modelbackend"
	"github.com/forgepilot/orchestrator/internal/sandbox"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	switch os.Args[1] {
	case "serve":
		serve(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  orchestratord serve --config <config.yaml> [--addr <host:port>]")
}

func serve(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to the bootstrap config YAML")
	addrOverride := fs.String("addr", "", "override the listen address from config")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "--config is required")
		os.Exit(1)
	}

	cfgFile, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if *addrOverride != "" {
		cfgFile.Addr = *addrOverride
	}

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	cfgCtx := config.NewContext(log)

	reg := prometheus.NewRegistry()
	metricsReg := metrics.New(reg)

	sandboxClient := sandbox.NewHTTPClient(cfgFile.Sandbox.BaseURL, cfgFile.Sandbox.CommandTimeout, cfgFile.Sandbox.RateLimitRPS, cfgFile.Sandbox.RateLimitBurst)

	modelClient := modelbackend.NewClient()
	modelAPIKey := ""
	if cfgFile.Model.APIKeyEnv != "" {
		modelAPIKey = os.Getenv(cfgFile.Model.APIKeyEnv)
	}
	modelClient.Register(modelbackend.NewHTTPBackend("default", cfgFile.Model.BaseURL, modelAPIKey, nil))
	modelClient.SetDefaultProvider("default")

	var appRegistry appregistry.Registry
	if cfgFile.Registry.BaseURL != "" {
		appRegistry = appregistry.NewHTTPRegistry(cfgFile.Registry.BaseURL, nil)
	} else {
		appRegistry = appregistry.NewMockRegistry()
	}

	pusher := githubpush.NewPusher()
	_ = pusher

	authSigningKey := []byte(os.Getenv(cfgFile.Auth.SigningKeyEnv))

	srv := NewServer(ServerConfig{
		Addr:           cfgFile.Addr,
		DataDir:        cfgFile.DataDir,
		CfgCtx:         cfgCtx,
		Metrics:        metricsReg,
		PrometheusReg:  reg,
		SandboxClient:  sandboxClient,
		ModelClient:    modelClient,
		AppRegistry:    appRegistry,
		Pusher:         pusher,
		GitHubCreds:    cfgFile.GitHub,
		AuthSigningKey: authSigningKey,
	})

	log.Info().Str("addr", cfgFile.Addr).Msg("starting orchestratord")
	if err := srv.ListenAndServe(); err != nil {
		log.Error().Err(err).Msg("server exited with error")
		os.Exit(1)
	}
}
