package cli

import (
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"

	"github.com/jtrefon/bcai/core"
	"github.com/jtrefon/bcai/pkg/config"
	"github.com/jtrefon/bcai/pkg/utils"
)

var flagValidator bool

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Run a BCAI node",
	RunE:  runStart,
}

func init() {
	startCmd.Flags().BoolVar(&flagValidator, "validator", false, "participate as a staked validator")
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	dataDir := cfg.Storage.DataDir
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return utils.Wrap(err, "data dir")
	}

	// Node account key. Key management proper is external; the node only
	// needs a signing key on disk.
	key, err := loadOrCreateKey(filepath.Join(dataDir, "node.key"))
	if err != nil {
		return err
	}

	store, err := core.NewChunkStore(core.ChunkStoreConfig{
		Dir:            cfg.Chunks.Dir,
		CapacityBytes:  cfg.Chunks.StoreCapacityBytes,
		ChunkSizeBytes: cfg.Chunks.ChunkSizeBytes,
	}, logger)
	if err != nil {
		return utils.Wrap(err, "chunk store")
	}
	defer store.Close()

	peers := core.NewPeerTable()
	node, err := core.NewNode(core.NetworkConfig{
		ListenAddr:     cfg.Network.ListenAddr,
		BootstrapPeers: cfg.Network.BootstrapPeers,
		DiscoveryTag:   cfg.Network.DiscoveryTag,
	}, peers, logger)
	if err != nil {
		return utils.Wrap(err, "p2p node")
	}
	defer node.Close()

	transfer := core.NewTransferEngine(core.TransferConfig{
		MaxConcurrent:    cfg.Transfer.MaxConcurrent,
		PipelineDepth:    cfg.Transfer.PerPeerPipeline,
		ChunkTimeout:     time.Duration(cfg.Transfer.ChunkTimeoutMS) * time.Millisecond,
		TransferTimeout:  time.Duration(cfg.Transfer.TransferTimeoutMS) * time.Millisecond,
		RetryBase:        time.Duration(cfg.Transfer.RetryBaseMS) * time.Millisecond,
		RetryMultiplier:  cfg.Transfer.RetryMultiplier,
		RetryMaxDelay:    time.Duration(cfg.Transfer.RetryMaxDelayMS) * time.Millisecond,
		RetryMaxAttempts: cfg.Transfer.RetryMaxAttempts,
		UploadRate:       cfg.Transfer.UploadRate,
		DownloadRate:     cfg.Transfer.DownloadRate,
		MaxPeerShare:     0.5,
	}, store, peers, node, node, logger)
	node.SetInbound(transfer.HandleInbound)

	registry := core.NewRegistry(core.RegistryConfig{
		DefaultPolicy: core.RedundancyPolicy{
			Copies:    cfg.Registry.DefaultCopies,
			GeoSpread: cfg.Registry.DefaultGeoSpread,
		},
	}, store, transfer, peers, node.ID(), logger)

	ledger, err := core.NewLedger(core.LedgerConfig{
		WALPath:                filepath.Join(dataDir, "ledger.wal"),
		SnapshotPath:           filepath.Join(dataDir, "ledger.snap"),
		SnapshotInterval:       1024,
		MinStake:               cfg.Consensus.MinStake,
		UnbondingPeriodHeights: cfg.Consensus.UnbondingHeights,
		RoundTimeoutHeights:    cfg.Consensus.RoundTimeoutHeights,
		MaxRounds:              cfg.Consensus.MaxRounds,
		CommitteeSize:          cfg.Consensus.CommitteeSize,
		QuorumNumerator:        cfg.Consensus.QuorumNumerator,
		QuorumDenominator:      cfg.Consensus.QuorumDenominator,
		Rewards: core.RewardShares{
			WorkerBp:    config.BasisPoints(cfg.Rewards.Worker),
			EvaluatorBp: config.BasisPoints(cfg.Rewards.Evaluator),
			ProtocolBp:  config.BasisPoints(cfg.Rewards.Protocol),
		},
		SlashBurn: cfg.Consensus.SlashBurn,
	}, logger)
	if err != nil {
		return utils.Wrap(err, "ledger")
	}
	defer ledger.Close()

	pool := core.NewTxPool(core.TxPoolConfig{}, logger)
	fork := core.NewForkChoice(ledger, logger)
	pouw := core.NewPoUWEngine(core.MatrixSubstrate{}, logger)

	initialTarget, ok := new(big.Int).SetString(cfg.Consensus.InitialTargetHex, 16)
	if !ok {
		return fmt.Errorf("bad initial_target_hex %q", cfg.Consensus.InitialTargetHex)
	}
	diff := core.NewDifficultyController(core.DifficultyConfig{
		Window:         cfg.Consensus.DifficultyWindow,
		TargetSolveMS:  cfg.Consensus.TargetSolveTimeMS,
		TargetAccuracy: core.Metric(cfg.Consensus.TargetAccuracy * 1_000_000),
		MaxShift:       cfg.Consensus.DifficultyClamp,
		MinTarget:      big.NewInt(1),
		MaxTarget:      new(big.Int).Set(initialTarget),
	})

	var identity *core.ValidatorIdentity
	if flagValidator {
		identity, err = loadOrCreateIdentity(dataDir, key)
		if err != nil {
			return err
		}
	}

	evalCfg := core.EvaluationConfig{
		CommitteeSize:        cfg.Consensus.CommitteeSize,
		QuorumNumerator:      cfg.Consensus.QuorumNumerator,
		QuorumDenominator:    cfg.Consensus.QuorumDenominator,
		MinEvaluations:       cfg.Consensus.CommitteeSize / 2,
		OutlierMADFactor:     3,
		MetricTolerance:      20_000, // 2% substrate tolerance
		SlashInitialBp:       config.BasisPoints(cfg.Consensus.SlashInitial),
		SlashEscalationBp:    config.BasisPoints(cfg.Consensus.SlashEscalation),
		SlashEquivocationBp:  config.BasisPoints(cfg.Consensus.SlashEquivocation),
		OffenseWindowHeights: cfg.Consensus.UnbondingHeights,
	}
	evals := core.NewEvaluationManager(evalCfg, ledger, registry, transfer, store,
		core.MatrixSubstrate{}, node, identity, logger)

	producer, err := core.NewBlockProducer(core.ConsensusConfig{
		TargetBlockTime:  time.Duration(cfg.Consensus.TargetBlockTimeMS) * time.Millisecond,
		MaxTimestampSkew: 30 * time.Second,
		MaxBlockTxs:      2048,
		DifficultyWindow: cfg.Consensus.DifficultyWindow,
		InitialTarget:    initialTarget,
		ProposerExpected: 1,
	}, ledger, pool, fork, pouw, evals, diff, node, key, identity, logger)
	if err != nil {
		return err
	}

	metrics := core.NewMetrics()
	transfer.SetMetrics(metrics)
	api := core.NewAPIServer(core.APIConfig{
		ListenAddr:     cfg.API.ListenAddr,
		MetricsEnabled: cfg.API.MetricsEnabled,
	}, ledger, pool, registry, producer, node, metrics, logger)
	producer.SetOnConnect(func(b *core.Block) {
		api.PublishBlock(b)
		metrics.BlockHeight.Set(float64(b.Header.Height))
		metrics.MempoolDepth.Set(float64(pool.Size()))
		metrics.ObserveStore(store.Stats())
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Gossip wiring.
	if err := node.SubscribeTopic(core.TopicBlocks, func(payload []byte, from core.NodeID) {
		producer.HandleBlock(ctx, payload, from)
	}); err != nil {
		return err
	}
	if err := node.SubscribeTopic(core.TopicTx, func(payload []byte, from core.NodeID) {
		producer.HandleTx(payload, from)
	}); err != nil {
		return err
	}
	if err := node.SubscribeTopic(core.TopicEval, func(payload []byte, _ core.NodeID) {
		evals.HandleGossip(payload)
	}); err != nil {
		return err
	}
	if err := node.SubscribeTopic(core.TopicAnnounce, func(payload []byte, from core.NodeID) {
		var am core.AnnounceMsg
		if core.DecodeCanonical(payload, &am) == nil {
			registry.AdvertiseCopies(am.Root, from)
		}
	}); err != nil {
		return err
	}

	producer.Start(ctx)
	go func() {
		tick := time.NewTicker(5 * time.Minute)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				registry.ReplicationSweep(ctx)
			}
		}
	}()
	go func() {
		if err := api.Start(); err != nil {
			logger.WithField("err", err).Error("api server")
		}
	}()

	logger.WithField("peer", node.ID()).Info("bcai node running")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("shutting down")
	producer.Stop()
	api.Shutdown()
	return nil
}

// loadOrCreateKey reads the node's secp256k1 account key, creating one on
// first start.
func loadOrCreateKey(path string) (*ecdsa.PrivateKey, error) {
	if _, err := os.Stat(path); err == nil {
		key, err := crypto.LoadECDSA(path)
		return key, utils.Wrap(err, "load node key")
	}
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, utils.Wrap(err, "generate node key")
	}
	if err := crypto.SaveECDSA(path, key); err != nil {
		return nil, utils.Wrap(err, "save node key")
	}
	return key, nil
}

// loadOrCreateIdentity builds the validator identity: BLS for evaluation
// signatures, Ed25519 for the VRF. Fresh keys are created on first start.
func loadOrCreateIdentity(dataDir string, key *ecdsa.PrivateKey) (*core.ValidatorIdentity, error) {
	vrfPath := filepath.Join(dataDir, "vrf.key")
	var vrfPriv ed25519.PrivateKey
	if raw, err := os.ReadFile(vrfPath); err == nil && len(raw) == ed25519.PrivateKeySize {
		vrfPriv = ed25519.PrivateKey(raw)
	} else {
		_, priv, err := core.GenerateVRFKey()
		if err != nil {
			return nil, utils.Wrap(err, "generate vrf key")
		}
		vrfPriv = priv
		if err := os.WriteFile(vrfPath, priv, 0o600); err != nil {
			return nil, utils.Wrap(err, "save vrf key")
		}
	}

	blsPath := filepath.Join(dataDir, "bls.key")
	var blsKey *core.BLSKey
	if raw, err := os.ReadFile(blsPath); err == nil {
		blsKey, err = core.BLSKeyFromBytes(raw)
		if err != nil {
			return nil, utils.Wrap(err, "load bls key")
		}
	} else {
		blsKey = core.GenerateBLSKey()
		if err := os.WriteFile(blsPath, blsKey.SecretBytes(), 0o600); err != nil {
			return nil, utils.Wrap(err, "save bls key")
		}
	}
	return &core.ValidatorIdentity{
		Addr: core.PubkeyToAddress(key.PublicKey),
		BLS:  blsKey,
		VRF:  vrfPriv,
	}, nil
}
