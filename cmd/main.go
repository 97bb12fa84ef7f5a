package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/HyperionV/Distributed-Consesus-System-Raft-pBFT/config"
	"github.com/HyperionV/Distributed-Consesus-System-Raft-pBFT/node"
	pbft "github.com/HyperionV/Distributed-Consesus-System-Raft-pBFT/pbft-server"
	raftserver "github.com/HyperionV/Distributed-Consesus-System-Raft-pBFT/raft-server"
	"github.com/HyperionV/Distributed-Consesus-System-Raft-pBFT/transport"
)

const shutdownGracePeriod = 5 * time.Second

func main() {
	var (
		id         = flag.Uint("id", 0, "ID of this node")
		configPath = flag.String("config", "nodes_config.json", "Cluster config file (JSON array of {id, ip, port})")
		protocol   = flag.String("protocol", "raft", "Consensus protocol: raft or pbft")
		faulty     = flag.Bool("faulty", false, "Run the pbft node in byzantine mode (test affordance)")
	)

	flag.Parse()

	if *id == 0 {
		log.Fatal("Node ID must be provided")
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	self, err := cfg.Self(uint32(*id))
	if err != nil {
		log.Fatalf("Invalid node ID: %v", err)
	}

	opts := config.LoadOptions()

	filter := transport.NewPartitionFilter()
	peerClient := transport.NewPeerClient(cfg.GetPeers(), filter)

	var (
		proto   node.Protocol
		handler node.Registrar
	)

	switch *protocol {
	case "raft":
		srv, err := raftserver.NewServer(uint32(*id), cfg.GetPeerIDs(), opts.DataDir, raftserver.NewRaftClient(peerClient))
		if err != nil {
			log.Fatalf("Failed to create raft server: %v", err)
		}
		proto = srv
		handler = raftserver.NewHTTPHandler(srv)

	case "pbft":
		mode := pbft.Honest
		if *faulty {
			mode = pbft.Byzantine
		}

		srv, err := pbft.NewServer(uint32(*id), cfg.GetPeerIDs(), pbft.NewPBFTClient(peerClient), mode)
		if err != nil {
			log.Fatalf("Failed to create pbft server: %v", err)
		}
		proto = srv
		handler = pbft.NewHTTPHandler(srv)

	default:
		log.Fatalf("Unknown protocol: %s", *protocol)
	}

	// QKV_HOST overrides the bind host, e.g. 0.0.0.0 inside a container
	bindAddr := self.Address()
	if opts.Host != "" {
		bindAddr = fmt.Sprintf("%s:%d", opts.Host, self.Port)
	}

	n := node.NewNodeServer(uint32(*id), bindAddr, filter, proto, handler)

	go func() {
		if err := n.Start(); err != nil {
			log.Fatalf("Node server failed: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
	defer cancel()

	if err := n.Shutdown(ctx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
}
