package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	scpconfig "github.com/scpchain/scpd/config"
	"github.com/scpchain/scpd/network"
	"github.com/scpchain/scpd/node"
	"github.com/scpchain/scpd/wire"
)

// Exit codes per §6: 0 clean, 1 configuration error, 2 consensus
// divergence (fatal).
const (
	exitClean         = 0
	exitConfigError   = 1
	exitFatalConsensus = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "Path to the node's YAML config file (required)")
	seed := flag.String("seed", "", "Hex-encoded signing key seed, overriding the config file's seed")
	listen := flag.String("listen", "", "Listen multiaddr, overriding the config file's listen_addrs (repeatable via config)")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	createEnrollment := flag.String("create-enrollment", "", "Admin-only: hex-encoded frozen UTXO tx hash to enroll this node as a validator, then exit")
	flag.Parse()

	level := slog.LevelInfo
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "error: --config is required")
		return exitConfigError
	}

	file, err := scpconfig.Load(*configPath)
	if err != nil {
		logger.Error("load config", "error", err)
		return exitConfigError
	}

	nodeCfg, err := file.ToNodeConfig(*seed)
	if err != nil {
		logger.Error("build node config", "error", err)
		return exitConfigError
	}
	nodeCfg.Logger = logger
	if *listen != "" {
		nodeCfg.ListenAddrs = []string{*listen}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n, err := node.New(ctx, nodeCfg)
	if err != nil {
		logger.Error("create node", "error", err)
		return exitConfigError
	}

	if *createEnrollment != "" {
		return createEnrollmentData(n, logger, *createEnrollment)
	}

	host, err := network.NewHost(network.HostConfig{ListenAddrs: nodeCfg.ListenAddrs})
	if err != nil {
		logger.Error("create host", "error", err)
		return exitConfigError
	}

	svc, err := network.NewService(ctx, network.Config{
		Host: host,
		Handlers: &network.Handlers{
			OnEnvelope:     n.OnEnvelope,
			OnTransaction:  n.OnTransaction,
			OnContribution: n.OnContribution,
		},
		Reader:    n,
		Bootnodes: network.ParseBootnodes(nodeCfg.Bootnodes),
		Logger:    logger,
	})
	if err != nil {
		logger.Error("start network service", "error", err)
		return exitConfigError
	}
	n.AttachNetwork(svc)

	n.Start()
	logger.Info("scpd running", "height", n.Height(), "public_key", n.PublicKey())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	exitCode := exitClean
	select {
	case <-sigCh:
		logger.Info("shutting down...")
	case err := <-n.Fatal():
		logger.Error("fatal consensus divergence, shutting down", "error", err)
		exitCode = exitFatalConsensus
	}

	n.Stop()
	svc.Stop()

	return exitCode
}

// createEnrollmentData implements the --create-enrollment admin
// command: generate this node's enrollment (pre-image chain,
// signature-noise key, signed Enrollment over the given frozen UTXO)
// and print it, without starting the network service or event loop.
func createEnrollmentData(n *node.Node, logger *slog.Logger, frozenUTXOHex string) int {
	raw, err := hex.DecodeString(frozenUTXOHex)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: bad --create-enrollment hash: %v\n", err)
		return exitConfigError
	}
	var frozenUTXO wire.Hash
	copy(frozenUTXO[:], raw)

	e, err := n.CreateEnrollmentData(frozenUTXO)
	if err != nil {
		logger.Error("create enrollment data", "error", err)
		return exitConfigError
	}
	fmt.Printf("enrollment: %x\n", e.MarshalCanonical())
	return exitClean
}
