// gumraft runs one broker process: it loads the static cluster config,
// joins (or starts) the Raft cluster, and serves client traffic until
// interrupted.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mrshabel/gumraft/internal/agent"
	"github.com/mrshabel/gumraft/internal/config"
	gumlog "github.com/mrshabel/gumraft/internal/log"
)

func main() {
	var (
		configPath     = flag.String("config", "", "path to the YAML cluster config file")
		nodeName       = flag.String("node-name", "", "serf gossip node name (defaults to the node id)")
		serfBindAddr   = flag.String("serf-addr", "", "serf gossip bind address")
		startJoinAddrs = flag.String("join", "", "comma-separated serf addresses to join on startup")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("gumraft: %v", err)
	}

	a, err := agent.New(toAgentConfig(cfg, *nodeName, *serfBindAddr, *startJoinAddrs))
	if err != nil {
		log.Fatalf("gumraft: %v", err)
	}

	fmt.Printf("gumraft node %d listening on %s (peer %s)\n", cfg.NodeId, cfg.ListenAddr, cfg.PeerAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	if err := a.Shutdown(); err != nil {
		log.Fatalf("gumraft: shutdown: %v", err)
	}
}

func toAgentConfig(cfg config.Config, nodeName, serfBindAddr, startJoinAddrs string) agent.Config {
	if nodeName == "" {
		nodeName = fmt.Sprintf("%d", cfg.NodeId)
	}

	var joinAddrs []string
	for _, addr := range strings.Split(startJoinAddrs, ",") {
		if addr = strings.TrimSpace(addr); addr != "" {
			joinAddrs = append(joinAddrs, addr)
		}
	}

	logConfig := gumlog.Config{}
	logConfig.Segment.MaxStoreBytes = cfg.SegmentMaxBytes
	logConfig.Segment.MaxIndexBytes = cfg.SegmentMaxBytes
	logConfig.Segment.IndexIntervalBytes = cfg.IndexIntervalBytes

	return agent.Config{
		NodeId:             cfg.NodeId,
		DataDir:            cfg.DataDir,
		ListenAddr:         cfg.ListenAddr,
		PeerAddr:           cfg.PeerAddr,
		Peers:              cfg.Peers,
		LogConfig:          logConfig,
		HeartbeatInterval:  cfg.HeartbeatInterval,
		ElectionTimeoutMin: cfg.ElectionTimeoutMin,
		ElectionTimeoutMax: cfg.ElectionTimeoutMax,
		NodeName:           nodeName,
		SerfBindAddr:       serfBindAddr,
		StartJoinAddrs:     joinAddrs,
	}
}
