// Copyright 2025 Relay Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/LeeDigitalWorks/relay/pkg/agent"
	"github.com/LeeDigitalWorks/relay/pkg/channel"
	"github.com/LeeDigitalWorks/relay/pkg/debug"
	"github.com/LeeDigitalWorks/relay/pkg/logger"
	"github.com/LeeDigitalWorks/relay/pkg/utils"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// AgentOpts holds the listener configuration of the agent. The channel
// itself is configured by the shared channel flags.
type AgentOpts struct {
	BindAddr    string
	DebugPort   int
	ReadTimeout time.Duration
}

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run a local relay agent",
	Long: `Run a channel behind a local ingest API. Producers POST batches of
records to /v1/track (one JSON document per line by default) and the agent
persists and delivers them. /v1/flush persists what is buffered right away.`,
	Run: runAgent,
}

func init() {
	rootCmd.AddCommand(agentCmd)

	f := agentCmd.Flags()
	f.String("bind_addr", "127.0.0.1:8740", "Address of the ingest API (host:port)")
	f.Int("debug_port", 8741, "Debug/metrics HTTP port (binds to the ingest host)")
	f.Duration("read_timeout", 30*time.Second, "Per-connection read and write timeout of the ingest API")
	addChannelFlags(f)

	viper.BindPFlags(f)
}

func loadAgentOpts(cmd *cobra.Command) AgentOpts {
	f := NewFlagLoader(cmd)
	return AgentOpts{
		BindAddr:    f.String("bind_addr"),
		DebugPort:   f.Int("debug_port"),
		ReadTimeout: f.Duration("read_timeout"),
	}
}

func runAgent(cmd *cobra.Command, args []string) {
	utils.LoadConfiguration("relay", false)
	opts := loadAgentOpts(cmd)

	debug.SetNotReady()

	cfg, err := loadChannelConfig(cmd)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid channel configuration")
	}

	ch, err := channel.New(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start channel")
	}

	// Not ready while the queue is full: new batches would be rejected.
	debug.AddReadyCheck(func() bool {
		st, err := ch.Storage().Stats()
		return err == nil && st.Files() < int(st.MaxFiles) && st.Bytes < st.CapacityInBytes
	})

	bindHost, _, err := net.SplitHostPort(opts.BindAddr)
	if err != nil {
		logger.Fatal().Err(err).Str("bind_addr", opts.BindAddr).Msg("invalid bind_addr format, expected host:port")
	}

	logger.Info().
		Str("bind_addr", opts.BindAddr).
		Str("endpoint", ch.EndpointAddress()).
		Str("storage", ch.Storage().Dir()).
		Str("max_storage_capacity", utils.FormatBytes(ch.MaxTransmissionStorageCapacity())).
		Uint32("max_storage_files", ch.MaxTransmissionStorageFiles()).
		Bool("developer_mode", ch.DeveloperMode()).
		Msg("Agent configuration")

	ingestServer := startHTTPServer(agent.NewHandler(ch, cfg.Codec), opts.BindAddr, opts.ReadTimeout)
	debugServer := startHTTPServer(debug.GetMux(), utils.JoinHostPort(bindHost, opts.DebugPort), 0)

	debug.SetReady()

	waitForShutdown()

	debug.SetNotReady()
	logger.Info().Msg("Shutting down agent")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ingestServer.Shutdown(ctx)
	if err := ch.Close(); err != nil {
		logger.Error().Err(err).Msg("failed to close channel")
	}
	debugServer.Shutdown(ctx)
	logger.Info().Msg("Agent stopped")
}

func startHTTPServer(handler http.Handler, addr string, timeout time.Duration) *http.Server {
	listener, err := utils.NewListener(addr, timeout)
	if err != nil {
		logger.Fatal().Err(err).Str("addr", addr).Msg("failed to create HTTP listener")
	}

	httpServer := &http.Server{Handler: handler}
	go func() {
		logger.Info().Str("http_addr", addr).Msg("Starting HTTP server")
		if err := httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("failed to start HTTP server")
		}
	}()
	return httpServer
}

func waitForShutdown() {
	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, os.Interrupt, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	<-stopChan
}
