package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rechain/bftnode/internal/archive"
	"github.com/rechain/bftnode/internal/blockproducer"
	"github.com/rechain/bftnode/internal/crypto"
	"github.com/rechain/bftnode/internal/discovery"
	"github.com/rechain/bftnode/internal/genesis"
	"github.com/rechain/bftnode/internal/peer"
	"github.com/rechain/bftnode/internal/service"
	"github.com/rechain/bftnode/internal/statusapi"
	"github.com/rechain/bftnode/internal/storage"
	"github.com/rechain/bftnode/internal/sync"
	"github.com/rechain/bftnode/internal/transport"
	"github.com/rechain/bftnode/internal/wire"
	"github.com/rechain/bftnode/pkg/bft"
	"github.com/rechain/bftnode/pkg/config"
)

func startCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the consensus node",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode(configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to a YAML config file (defaults are used if omitted)")
	return cmd
}

func runNode(configPath string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	gen, err := genesis.Load(cfg.Node.GenesisFile)
	if err != nil {
		return fmt.Errorf("loading genesis: %w", err)
	}

	signer, err := loadOrCreateSigner(cfg)
	if err != nil {
		return err
	}
	log.Printf("bftnode: identity %s", signer.Identity().String())

	chainStore, err := openChainStore(cfg)
	if err != nil {
		return err
	}
	defer chainStore.Close()

	height := uint64(1)
	if h, ok, err := chainStore.Height(context.Background()); err != nil {
		return fmt.Errorf("reading chain height: %w", err)
	} else if ok {
		height = h + 1
	}

	validators := gen.ValidatorSet()

	engine := bft.NewEngine(bft.EngineConfig{
		FinalityThreshold: cfg.Consensus.FinalityThreshold,
		EvidenceHorizon:   cfg.Consensus.EvidenceHorizon,
		Timeouts: bft.TimeoutConfig{
			ProposeBase:      cfg.Consensus.ProposeTimeoutBase,
			ProposeDelta:     cfg.Consensus.ProposeTimeoutDelta,
			PrevoteTimeout:   cfg.Consensus.PrevoteTimeout,
			PrecommitTimeout: cfg.Consensus.PrecommitTimeout,
		},
	}, signer.Identity(), validators, signer, blockproducer.EmptyProducer{}, gen.GenesisParentHash)

	peers := peer.NewManager(cfg.Network.MaxPeers, cfg.Network.PeerTimeout)
	peers.UpdateActiveValidators(validators.Identities())

	transportCfg := transport.Config{
		BindAddr:          cfg.Network.BindAddr,
		MaxMessageSize:    cfg.Network.MaxMessageSize,
		ChannelBufferSize: cfg.Network.ChannelBufferSize,
		DialTimeout:       cfg.Network.DialTimeout,
	}
	listener, err := transport.Listen(transportCfg)
	if err != nil {
		return fmt.Errorf("starting transport: %w", err)
	}
	defer listener.Close()
	log.Printf("bftnode: consensus transport listening on %s", listener.Addr())

	syncer := sync.NewSyncer(peers, sync.Config{
		MaxInFlight:    cfg.Sync.MaxInFlight,
		MaxRetries:     cfg.Sync.MaxRetries,
		RequestTimeout: cfg.Sync.RequestTimeout,
		Transport:      transportCfg,
	}, sync.MerkleBlockVerifier{})

	var archiveSink *archive.Archive
	if cfg.Archive.Enabled {
		archiveSink, err = archive.New(cfg.Archive.Endpoint, cfg.Archive.AccessKey, cfg.Archive.SecretKey, cfg.Archive.Bucket, cfg.Archive.UseSSL)
		if err != nil {
			log.Printf("bftnode: archive sink disabled, failed to initialize: %v", err)
			archiveSink = nil
		}
	}

	var grpcServer *statusapi.GRPCServer

	svc := service.New(engine, syncer, peers, transportCfg, listener.Inbound(), service.Config{
		BlockTime:   cfg.Consensus.BlockTime,
		StartHeight: height,
		OnCommit: func(block *bft.CommittedBlock) {
			ctx := context.Background()
			if err := chainStore.PutBlock(ctx, block); err != nil {
				log.Printf("bftnode: persisting committed block %d: %v", block.Block.Height, err)
			}
			if archiveSink != nil {
				if err := archiveSink.PutBlock(ctx, block); err != nil {
					log.Printf("bftnode: archiving committed block %d: %v", block.Block.Height, err)
				}
			}
		},
		OnSyncStatus: func(inFlight int) {
			if grpcServer != nil {
				grpcServer.SetSyncServing(inFlight == 0)
			}
		},
	})

	var disc *discovery.Discovery
	if cfg.Discovery.ListenAddr != "" {
		disc, err = discovery.New(discovery.Config{
			ListenAddr: cfg.Discovery.ListenAddr,
			Self: wire.PeerAnnounce{
				Identity:        signer.Identity(),
				Address:         cfg.Network.BindAddr,
				Stake:           validators.StakeOf(signer.Identity()),
				ActiveValidator: validators.Contains(signer.Identity()),
			},
			BootstrapPeers: cfg.Discovery.BootstrapPeers,
		}, peers)
		if err != nil {
			log.Printf("bftnode: discovery disabled, failed to initialize: %v", err)
			disc = nil
		}
	}

	var restServer *statusapi.Server
	if cfg.API.REST.Enabled {
		restServer = statusapi.NewServer(engine, chainStore, peers)
	}
	if cfg.API.GRPC.Enabled {
		grpcServer = statusapi.NewGRPCServer()
	}

	go svc.Run()
	if disc != nil {
		go func() {
			if err := disc.Start(); err != nil {
				log.Printf("bftnode: discovery stopped: %v", err)
			}
		}()
	}
	if restServer != nil {
		go func() {
			if err := restServer.Start(cfg.API.REST.Address); err != nil {
				log.Printf("bftnode: status REST server stopped: %v", err)
			}
		}()
	}
	if grpcServer != nil {
		grpcServer.SetConsensusServing(true)
		go func() {
			if err := grpcServer.Start(cfg.API.GRPC.Address); err != nil {
				log.Printf("bftnode: status gRPC server stopped: %v", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("bftnode: shutting down")
	svc.Stop()
	if disc != nil {
		_ = disc.Stop()
	}
	if restServer != nil {
		_ = restServer.Stop()
	}
	if grpcServer != nil {
		_ = grpcServer.Stop()
	}
	return nil
}

func loadOrCreateSigner(cfg *config.Config) (*crypto.Signer, error) {
	if _, err := os.Stat(cfg.Node.ValidatorKey); err == nil {
		return crypto.LoadSignerFromFile(cfg.Node.ValidatorKey, cfg.Security.AuditLog)
	}
	log.Printf("bftnode: no validator key at %s, generating one", cfg.Node.ValidatorKey)
	return crypto.GenerateAndSaveSigner(cfg.Node.ValidatorKey, cfg.Security.AuditLog)
}

func openChainStore(cfg *config.Config) (*storage.ChainStore, error) {
	if cfg.Storage.Engine != "badger" {
		return nil, fmt.Errorf("unsupported storage engine %q", cfg.Storage.Engine)
	}
	store, err := storage.NewBadgerStore(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("opening badger store: %w", err)
	}
	return storage.NewChainStore(store), nil
}
