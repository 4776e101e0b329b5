// Package main runs one signer node process: a 2-of-2 MuSig2 signing party
// over its own SQLite-backed key and session store, exposing step1, step2,
// combine_and_broadcast, and aggregate-keys over HTTP.
package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/solace-custody/musig-signerd/internal/config"
	"github.com/solace-custody/musig-signerd/internal/ledger"
	"github.com/solace-custody/musig-signerd/internal/rpc"
	"github.com/solace-custody/musig-signerd/internal/sessionstore"
	"github.com/solace-custody/musig-signerd/internal/signernode"
	"github.com/solace-custody/musig-signerd/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	var (
		configFile  = flag.String("config", "", "YAML operational overlay path")
		addr        = flag.String("addr", "", "Listen address, overrides config")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	if *showVersion {
		os.Stdout.WriteString("signerd " + version + " (commit: " + commit + ")\n")
		os.Exit(0)
	}

	log := logging.New(&logging.Config{Level: "info", TimeFormat: time.TimeOnly})
	logging.SetDefault(log)

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatal("failed to load config", "error", err)
	}

	log = logging.New(&logging.Config{Level: cfg.LogLevel, TimeFormat: time.TimeOnly})
	logging.SetDefault(log)
	log.Info("config loaded", "node_id", cfg.NodeID, "db", cfg.DBURL)

	listenAddr := cfg.Listen
	if *addr != "" {
		listenAddr = *addr
	}

	store, err := sessionstore.Open(cfg.DBURL, cfg.AtRestKey)
	if err != nil {
		log.Fatal("failed to open session store", "error", err)
	}
	defer store.Close()
	log.Info("session store opened", "path", cfg.DBURL)

	var peerStore *sessionstore.Store
	if cfg.PeerDBURL != "" {
		peerStore, err = sessionstore.Open(cfg.PeerDBURL, cfg.AtRestKey)
		if err != nil {
			log.Fatal("failed to open peer session store", "error", err)
		}
		defer peerStore.Close()
		log.Info("peer session store opened for combined key generation", "path", cfg.PeerDBURL)
	}

	sweeper := sessionstore.NewSweeper(store, cfg.SweepInterval)
	sweeper.Start()
	defer sweeper.Stop()

	submitter := ledger.New(cfg.LedgerRPCURL, cfg.BlockhashTTL)

	svc := signernode.New(cfg.NodeID, store, peerStore, submitter, cfg.SessionTTL)

	server := rpc.NewServer(cfg.NodeID, svc)
	if err := server.Start(listenAddr); err != nil {
		log.Fatal("failed to start rpc server", "error", err)
	}
	defer server.Stop()

	log.Info("signer node started", "node_id", cfg.NodeID, "addr", listenAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
}
