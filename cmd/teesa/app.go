package main

import (
	"log/slog"
	"os"

	"github.com/comrade-coop/teesa-engine/internal/artwork"
	"github.com/comrade-coop/teesa-engine/internal/chain"
	"github.com/comrade-coop/teesa-engine/internal/config"
	"github.com/comrade-coop/teesa-engine/internal/engine"
	"github.com/comrade-coop/teesa-engine/internal/errors"
	"github.com/comrade-coop/teesa-engine/internal/events"
	"github.com/comrade-coop/teesa-engine/internal/fee"
	"github.com/comrade-coop/teesa-engine/internal/journal"
	"github.com/comrade-coop/teesa-engine/internal/ledger"
	"github.com/comrade-coop/teesa-engine/internal/logging"
	"github.com/comrade-coop/teesa-engine/internal/oracle"
	"github.com/comrade-coop/teesa-engine/internal/reward"
	"github.com/comrade-coop/teesa-engine/internal/session"
)

type application struct {
	logger    *slog.Logger
	cfg       config.Config
	store     *session.Store
	ledger    *ledger.Ledger
	snapshots *ledger.SnapshotStore
	journal   *journal.Journal
	chain     *chain.Simulated
	engine    *engine.Engine
	issuer    *reward.Issuer
}

// newApplication wires the full engine from the environment. Call close when
// done; it drains the background reward workers.
func newApplication() (*application, error) {
	cfg, err := config.Load(os.LookupEnv)
	if err != nil {
		return nil, err
	}

	loggerHandler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level:     slog.LevelDebug,
		AddSource: true,
	})
	logger := slog.New(logging.NewContextHandler(loggerHandler))

	emitter := events.NewEmitter(logger)

	store, err := session.New(cfg.SessionPath, cfg.SecretWords(), logger)
	if err != nil {
		return nil, errors.Wrap(err, "open session store")
	}

	curve, err := fee.NewCurve(cfg.InitialFee, cfg.GrowthNumerator, cfg.GrowthDenominator, cfg.MaxPayments)
	if err != nil {
		return nil, err
	}

	snapshots, err := ledger.NewSnapshotStore(cfg.LedgerDBPath)
	if err != nil {
		return nil, errors.Wrap(err, "open ledger snapshot store")
	}

	chainClient := chain.NewSimulated(logger)

	ldgr, err := ledger.New(ledger.Config{
		SessionID:        store.Read().ID,
		Curve:            curve,
		Owner:            cfg.OwnerAddress,
		TeamAddresses:    cfg.TeamAddresses(),
		TeamPercent:      cfg.TeamPercent,
		LastPayerPercent: cfg.LastPayerPercent,
		ExpiryThreshold:  cfg.ExpiryThreshold,
		Confirmations:    cfg.Confirmations,
	}, chainClient, snapshots, emitter, logger)
	if err != nil {
		return nil, errors.Wrap(err, "open settlement ledger")
	}

	jrnl, err := journal.New(cfg.JournalDBPath, logger)
	if err != nil {
		return nil, errors.Wrap(err, "open settlement journal")
	}
	jrnl.Attach(emitter)

	orc := oracle.NewOpenAIOracle(cfg.OpenAIAPIKey, cfg.OracleModel, logger)

	publisher, err := artwork.NewDirPublisher(cfg.ArtifactDir)
	if err != nil {
		return nil, err
	}

	eng := engine.New(store, ldgr, orc, emitter, cfg.OwnerAddress, logger)
	issuer := reward.NewIssuer(
		reward.Config{
			BackoffInitial: cfg.RewardBackoffInitial,
			BackoffMax:     cfg.RewardBackoffMax,
			RestartDelay:   cfg.RestartDelay,
			Confirmations:  cfg.Confirmations,
		},
		store,
		artwork.NewOpenAIGenerator(cfg.OpenAIAPIKey, logger),
		publisher,
		chainClient,
		emitter,
		eng.Restart,
		logger,
	)
	eng.AttachIssuer(issuer)

	return &application{
		logger:    logger,
		cfg:       cfg,
		store:     store,
		ledger:    ldgr,
		snapshots: snapshots,
		journal:   jrnl,
		chain:     chainClient,
		engine:    eng,
		issuer:    issuer,
	}, nil
}

func (app *application) close() {
	app.issuer.Close()
	if err := app.journal.Close(); err != nil {
		app.logger.Error("close journal", errors.SlogError(err))
	}
	if err := app.snapshots.Close(); err != nil {
		app.logger.Error("close snapshot store", errors.SlogError(err))
	}
}
