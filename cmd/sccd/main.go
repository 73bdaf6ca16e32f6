// Package main: supply-chain coordination daemon.
//
// The daemon reads its configuration from the file given with -c (JSON or YAML), a .env file in the working
// directory and SCC_* environment variables, then serves the RESTful API and runs the sweepers, the bus relay and
// the receipt watcher until it receives SIGINT or SIGTERM.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/tarancss/hd"
	"golang.org/x/sync/errgroup"

	"github.com/tarancss/scc/coordinator"
	"github.com/tarancss/scc/lib/block"
	"github.com/tarancss/scc/lib/codec"
	"github.com/tarancss/scc/lib/config"
	"github.com/tarancss/scc/lib/content"
	"github.com/tarancss/scc/lib/logger"
	"github.com/tarancss/scc/lib/metrics"
	"github.com/tarancss/scc/lib/msg"
	"github.com/tarancss/scc/lib/msg/amqp"
	msgmem "github.com/tarancss/scc/lib/msg/memory"
	"github.com/tarancss/scc/lib/store/db"
	"github.com/tarancss/scc/lib/store/mongo"
)

// wait for the broker to be ready before the second connection attempt
const brokerRetry = 10 * time.Second

func main() {
	// get command line flags
	confPath := flag.String("c", "", "flag to get configuration from a json or yaml file")
	flag.Parse()

	// a missing .env file is fine
	_ = godotenv.Load()

	// extract configuration
	conf, err := config.ExtractConfiguration(*confPath)
	if err != nil {
		panic(err)
	}

	log := logger.New(conf.Log)
	log.Info().Str("db", conf.DbType).Str("mb", conf.MbType).Int("networks", len(conf.Bc)).Msg("configuration loaded")

	if err = run(conf, log); err != nil {
		log.Error().Err(err).Msg("coordinator stopped")
		os.Exit(1)
	}

	log.Info().Msg("coordinator stopped")
}

func run(conf config.ServiceConfig, log zerolog.Logger) error {
	// capture CTRL+C or docker's SIGTERM for gracious exit
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// connect to database
	dbConn, err := db.New(conf.DbType, conf.DbConn)
	if err != nil {
		return err
	}

	defer func() {
		if err := db.Close(dbConn); err != nil {
			log.Warn().Err(err).Msg("closing database")
		}
	}()

	log.Info().Str("dbtype", conf.DbType).Msg("connected to database")

	// load HD wallet and the vault account the ledger signs with
	seed, err := hex.DecodeString(conf.Seed)
	if err != nil {
		return err
	}

	hdw, err := hd.Init(seed)
	if err != nil {
		return err
	}

	vault, err := block.VaultFromHD(hdw, conf.VaultAccount)
	if err != nil {
		return err
	}

	// load all blockchains
	ledger, err := block.New(conf.Bc, vault, logger.Component(log, "ledger"))
	if err != nil {
		return err
	}
	defer ledger.Close()

	log.Info().Strs("networks", ledger.Networks()).Str("vault", vault.Address).Msg("blockchain clients loaded")

	// load message broker
	mb, err := broker(conf, log)
	if err != nil {
		return err
	}

	if mb != nil {
		defer func() {
			if err := mb.Close(); err != nil {
				log.Warn().Err(err).Msg("closing message broker")
			}
		}()
	}

	// content store: local bolt file, mirrored to GridFS when the database is MongoDB
	bolt, err := content.OpenBolt(conf.ContentPath)
	if err != nil {
		return err
	}
	defer bolt.Close()

	stores := []content.Store{bolt}

	if m, ok := dbConn.(*mongo.Mongo); ok {
		g, err := content.NewGridFS(m.Database())
		if err != nil {
			return err
		}

		stores = append(stores, g)
	}

	deps := coordinator.Deps{
		Config:  conf,
		DB:      dbConn,
		Ledger:  ledger,
		Bus:     mb,
		Content: content.NewMulti(stores...),
		Metrics: metrics.Core(),
		Log:     log,
	}

	// delivery tokens are disabled without a secret
	if conf.Codec.Secret != "" {
		cd, err := codec.New(conf.Codec.Secret, conf.Codec.TTL.D())
		if err != nil {
			return err
		}

		deps.Codec = cd
	} else {
		log.Warn().Msg("no codec secret, delivery tokens disabled")
	}

	c, err := coordinator.New(deps)
	if err != nil {
		return err
	}

	n, err := c.Registry.Seed(ctx, conf.Nodes)
	if err != nil {
		return err
	}

	log.Info().Int("seeded", n).Msg("node registry ready")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.Run(ctx) })
	g.Go(func() error { return c.Serve(ctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

// broker connects to the configured message broker. Cross-chain messaging is disabled for an unknown type.
func broker(conf config.ServiceConfig, log zerolog.Logger) (msg.MsgBroker, error) {
	switch conf.MbType {
	case "amqp":
		mb, err := amqp.New(conf.MbConn, logger.Component(log, "amqp"))
		if err != nil {
			time.Sleep(brokerRetry)

			if mb, err = amqp.New(conf.MbConn, logger.Component(log, "amqp")); err != nil {
				return nil, err
			}
		}

		if err = mb.Setup(); err != nil {
			_ = mb.Close()

			return nil, err
		}

		return mb, nil
	case "memory":
		return msgmem.New(0), nil
	default:
		log.Warn().Str("mbtype", conf.MbType).Msg("unknown message broker type, cross-chain messaging disabled")

		return nil, nil //nolint:nilnil // no broker configured
	}
}
