package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/wssocks/wssocks/internal/config"
	"github.com/wssocks/wssocks/internal/server"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the SOCKS5-over-WebSocket relay server",
		Long: `Start the relay server. Reverse tokens expose local SOCKS5 listeners
whose traffic is carried out through the authenticated WebSocket peers;
forward tokens let WebSocket peers relay their own SOCKS5 traffic through
this server's outbound connections.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}

	cmd.Flags().String("config", "", "path to wssocks.yaml")
	cmd.Flags().String("ws-host", "0.0.0.0", "WebSocket listen address")
	cmd.Flags().Int("ws-port", 8765, "WebSocket listen port")
	cmd.Flags().String("socks-host", "127.0.0.1", "SOCKS5 listen address for reverse proxy")
	cmd.Flags().String("port-range", "1024-10240", "SOCKS5 port pool (lo-hi)")
	cmd.Flags().Bool("wait-client", true, "start SOCKS5 listeners only when a client connects")
	cmd.Flags().Duration("grace", 30*time.Second, "listen socket reuse grace period")
	cmd.Flags().StringArray("reverse-token", nil, "reverse proxy token, optionally token:port (repeatable)")
	cmd.Flags().StringArray("forward-token", nil, "forward proxy token (repeatable)")
	cmd.Flags().String("socks-username", "", "SOCKS5 username for reverse tokens")
	cmd.Flags().String("socks-password", "", "SOCKS5 password for reverse tokens")

	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("config")
	var fileCfg *config.Config
	if path != "" {
		var err error
		fileCfg, err = config.Load(path)
		if err != nil {
			return err
		}
		if fileCfg == nil {
			return fmt.Errorf("config file not found: %s", path)
		}
	}

	logLevel, _ := cmd.Flags().GetString("log-level")
	if !cmd.Flags().Changed("log-level") && fileCfg != nil && fileCfg.LogLevel != "" {
		logLevel = fileCfg.LogLevel
	}
	logger := newLogger(logLevel)

	wsHost, _ := cmd.Flags().GetString("ws-host")
	wsPort, _ := cmd.Flags().GetInt("ws-port")
	socksHost, _ := cmd.Flags().GetString("socks-host")
	waitClient, _ := cmd.Flags().GetBool("wait-client")
	grace, _ := cmd.Flags().GetDuration("grace")
	if fileCfg != nil {
		if !cmd.Flags().Changed("ws-host") && fileCfg.WSHost != "" {
			wsHost = fileCfg.WSHost
		}
		if !cmd.Flags().Changed("ws-port") && fileCfg.WSPort != 0 {
			wsPort = fileCfg.WSPort
		}
		if !cmd.Flags().Changed("socks-host") && fileCfg.SocksHost != "" {
			socksHost = fileCfg.SocksHost
		}
		if !cmd.Flags().Changed("wait-client") && fileCfg.WaitClient != nil {
			waitClient = *fileCfg.WaitClient
		}
		if !cmd.Flags().Changed("grace") && fileCfg.GraceSeconds > 0 {
			grace = time.Duration(fileCfg.GraceSeconds * float64(time.Second))
		}
	}

	portRange, _ := cmd.Flags().GetString("port-range")
	if cmd.Flags().Changed("port-range") || fileCfg == nil {
		if fileCfg == nil {
			fileCfg = &config.Config{}
		}
		fileCfg.PortRange = portRange
		fileCfg.Ports = nil
	}
	pool, err := fileCfg.PortPool()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	metricsAddr := ""
	if fileCfg != nil {
		metricsAddr = fileCfg.MetricsAddr
	}
	m, err := resolveMetrics(ctx, cmd, metricsAddr, logger)
	if err != nil {
		return err
	}

	srv := server.New(server.Config{
		WSHost:     wsHost,
		WSPort:     wsPort,
		SocksHost:  socksHost,
		PortPool:   pool,
		WaitClient: waitClient,
		Grace:      grace,
		Logger:     logger,
		Metrics:    m,
	})

	username, _ := cmd.Flags().GetString("socks-username")
	password, _ := cmd.Flags().GetString("socks-password")

	reverseFlags, _ := cmd.Flags().GetStringArray("reverse-token")
	for _, spec := range reverseFlags {
		token, port, err := parseReverseSpec(spec)
		if err != nil {
			return err
		}
		tok, p, err := srv.AddReverseToken(server.ReverseTokenOptions{
			Token:    token,
			Port:     port,
			Username: username,
			Password: password,
		})
		if err != nil {
			return fmt.Errorf("reverse token %q: %w", spec, err)
		}
		logger.Info("reverse token ready", "token", tok, "port", p)
	}
	for _, rt := range tokensFromConfig(fileCfg) {
		tok, p, err := srv.AddReverseToken(rt)
		if err != nil {
			return fmt.Errorf("reverse token from config: %w", err)
		}
		logger.Info("reverse token ready", "token", tok, "port", p)
	}

	forwardFlags, _ := cmd.Flags().GetStringArray("forward-token")
	if fileCfg != nil {
		forwardFlags = append(forwardFlags, fileCfg.ForwardTokens...)
	}
	for _, token := range forwardFlags {
		tok, err := srv.AddForwardToken(token)
		if err != nil {
			return fmt.Errorf("forward token %q: %w", token, err)
		}
		logger.Info("forward token ready", "token", tok)
	}

	return srv.Serve(ctx)
}

// parseReverseSpec splits "token" or "token:port".
func parseReverseSpec(spec string) (token string, port int, err error) {
	token, portStr, found := strings.Cut(spec, ":")
	if !found {
		return spec, 0, nil
	}
	port, err = strconv.Atoi(portStr)
	if err != nil || port <= 0 {
		return "", 0, fmt.Errorf("invalid reverse token spec %q: want token[:port]", spec)
	}
	return token, port, nil
}

func tokensFromConfig(cfg *config.Config) []server.ReverseTokenOptions {
	if cfg == nil {
		return nil
	}
	opts := make([]server.ReverseTokenOptions, 0, len(cfg.ReverseTokens))
	for _, rt := range cfg.ReverseTokens {
		opts = append(opts, server.ReverseTokenOptions{
			Token:    rt.Token,
			Port:     rt.Port,
			Username: rt.Username,
			Password: rt.Password,
		})
	}
	return opts
}
