package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/iota-uz/crm-ingest/modules/ingest/domain/record"
	"github.com/iota-uz/crm-ingest/modules/ingest/infrastructure/persistence"
	"github.com/iota-uz/crm-ingest/modules/ingest/services"
	"github.com/iota-uz/crm-ingest/modules/ingest/workers"
	"github.com/iota-uz/crm-ingest/pkg/configuration"
	"github.com/iota-uz/crm-ingest/pkg/contentapi"
	"github.com/iota-uz/crm-ingest/pkg/eventbus"
	"github.com/iota-uz/crm-ingest/pkg/queue"
	"github.com/iota-uz/crm-ingest/pkg/throttle"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			configuration.Use().Unload()
			log.Println(r)
			debug.PrintStack()
			os.Exit(1)
		}
	}()

	conf := configuration.Use()
	defer conf.Unload()
	logger := conf.Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	poolCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	pool, err := pgxpool.New(poolCtx, conf.Database.Opts)
	if err != nil {
		logger.WithError(err).Fatal("failed to open database pool")
	}
	defer pool.Close()

	bus := eventbus.NewEventPublisher(logger)

	ctrl := throttle.NewController(throttle.Options{
		Name:   "content-api",
		Logger: logger.WithField("component", "throttle"),
	})

	api, err := contentapi.New(contentapi.Options{
		BaseURL: conf.ContentAPI.BaseURL,
		Token:   conf.ContentAPI.Token,
		Timeout: conf.ContentAPI.Timeout,
		Limiter: ctrl.HTTP(),
		Retry:   &throttle.RetryPolicy{Logger: logger.WithField("component", "retry")},
		Logger:  logger.WithField("component", "contentapi"),
	})
	if err != nil {
		logger.WithError(err).Fatal("failed to build content api client")
	}

	publisher := queue.NewPublisher(pool)
	dictRepo := persistence.NewDictionaryRepository(pool)
	linkRepo := persistence.NewLinkRepository(pool)
	subRepo := persistence.NewSubscriptionRepository(pool)

	cache := services.NewRelationCache(logger.WithField("component", "cache"))
	if err := cache.Preload(ctx, dictRepo); err != nil {
		logger.WithError(err).Fatal("failed to preload relation cache")
	}

	importSvc := services.NewImportService(api, cache, publisher, ctrl, services.ImportOptions{
		BulkSize:     conf.Import.BulkSize,
		CooldownBase: conf.Import.CooldownBase,
		Logger:       logger.WithField("component", "import"),
	})
	relationSvc := services.NewRelationService(api, cache, linkRepo, subRepo, publisher, ctrl, services.RelationOptions{
		RelationBulk:  conf.Import.RelationBulk,
		LinkChunkSize: conf.Import.LinkChunkSize,
		Logger:        logger.WithField("component", "relations"),
	})
	massSvc := services.NewMassActionService(api, publisher, services.MassActionOptions{
		PageSize:  conf.Import.PageSize,
		PageDelay: conf.Import.PageDelay,
		Logger:    logger.WithField("component", "mass-actions"),
	})

	actionOpts := services.ActionOptions{
		DeleteChunkSize: conf.Import.DeleteChunkSize,
		LinkChunkSize:   conf.Import.ListChunkSize,
		SubscribeChunk:  conf.Import.SubscribeChunk,
		Logger:          logger.WithField("component", "actions"),
	}
	deleteSvc := services.NewDeletionService(api, ctrl, actionOpts)
	anonSvc := services.NewAnonymizeService(api, ctrl, actionOpts)
	updateSvc := services.NewUpdateActionService(api, ctrl, actionOpts)
	subSvc := services.NewSubscriptionActionService(subRepo, actionOpts)
	exportSvc := services.NewExportService(logger.WithField("component", "export"))
	addToListSvc := services.NewLinkActionService(linkRepo, record.ContactJoins[record.CategoryLists], true, actionOpts)
	addToOrgSvc := services.NewLinkActionService(linkRepo, record.ContactJoins["organizations"], false, actionOpts)
	addToJourneySvc := services.NewLinkActionService(linkRepo, record.JoinConfig{
		Table:   "contacts_journey_steps_lnk",
		LeftCol: "contact_id",
		RelCol:  "journey_step_id",
	}, false, actionOpts)

	workerOpts := queue.WorkerOptions{
		PollInterval:    conf.Queue.PollInterval,
		BatchSize:       conf.Queue.BatchSize,
		LockTTL:         conf.Queue.LockTTL,
		MaxAttempts:     conf.Queue.MaxAttempts,
		MaxBackoff:      conf.Queue.MaxBackoff,
		LastErrorMaxLen: conf.Queue.LastErrorMaxLen,
		Concurrency:     conf.Import.JobConcurrency,
		Logger:          logger.WithField("component", "queue"),
	}

	type workerSpec struct {
		queueName string
		handler   queue.Handler
		opts      queue.WorkerOptions
		gated     bool
		notify    bool
		limited   bool
	}

	ingestSvc := services.NewIngestService(api, cache, dictRepo, publisher, services.IngestOptions{
		ChunkSize: conf.Import.BulkSize,
		Logger:    logger.WithField("component", "ingest"),
	})

	importOpts := workerOpts
	importOpts.Concurrency = conf.Import.WorkerCount

	specs := []workerSpec{
		{queueName: queue.Ingest, handler: workers.IngestHandler(ingestSvc), opts: workerOpts},
		{queueName: queue.ContactsImport, handler: workers.ImportHandler(importSvc, record.Contacts), opts: importOpts, notify: true, limited: true},
		{queueName: queue.OrganizationsImport, handler: workers.ImportHandler(importSvc, record.Organizations), opts: importOpts, notify: true, limited: true},
		{queueName: queue.MassActions, handler: workers.MassActionHandler(massSvc), opts: workerOpts},
		{queueName: queue.Deletion, handler: workers.DeletionHandler(deleteSvc), opts: workerOpts},
		{queueName: queue.Anonymize, handler: workers.AnonymizeHandler(anonSvc), opts: workerOpts},
		{queueName: queue.AddToList, handler: workers.LinkActionHandler(addToListSvc), opts: workerOpts},
		{queueName: queue.AddToOrganization, handler: workers.LinkActionHandler(addToOrgSvc), opts: workerOpts},
		{queueName: queue.AddToJourney, handler: workers.LinkActionHandler(addToJourneySvc), opts: workerOpts},
		{queueName: queue.Update, handler: workers.UpdateHandler(updateSvc), opts: workerOpts},
		{queueName: queue.UpdateSubscription, handler: workers.SubscriptionHandler(subSvc), opts: workerOpts},
		{queueName: queue.Export, handler: workers.ExportHandler(exportSvc), opts: workerOpts},
	}

	// the relations worker serializes linking: one job at a time, long
	// lock, gated on the import queues being drained
	relationsOpts := workerOpts
	relationsOpts.Concurrency = 1
	specs = append(specs, workerSpec{
		queueName: queue.Relations,
		handler:   workers.RelationsHandler(relationSvc),
		opts:      relationsOpts,
		gated:     true,
	})

	importQueues := []string{queue.ContactsImport, queue.OrganizationsImport}
	gate := queue.NewGate(importQueues, func(ctx context.Context) (bool, error) {
		for _, q := range importQueues {
			counts, err := queue.QueueCounts(ctx, pool, q)
			if err != nil {
				return false, err
			}
			if !counts.Empty() {
				return false, nil
			}
		}
		return true, nil
	}, logger.WithField("component", "gate"))
	bus.Subscribe(gate.Notify)

	if err := gate.Resolve(ctx); err != nil {
		logger.WithError(err).Fatal("failed to probe import queues")
	}

	g, ctx := errgroup.WithContext(ctx)

	for _, spec := range specs {
		w, err := queue.NewWorker(pool, spec.queueName, spec.handler, spec.opts)
		if err != nil {
			logger.WithError(err).Fatalf("failed to build worker for %s", spec.queueName)
		}
		if spec.gated {
			w = w.WithGate(gate)
		}
		if spec.notify {
			w = w.WithNotifier(bus)
		}
		if spec.limited {
			w = w.WithLimiter(ctrl.Jobs())
		}
		g.Go(func() error {
			return w.Run(ctx)
		})
	}

	if conf.PrometheusEnabled {
		srv := &http.Server{Addr: conf.PrometheusAddr, Handler: promhttp.Handler()}
		g.Go(func() error {
			logger.Infof("serving metrics on %s", conf.PrometheusAddr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	logger.WithField("workers", len(specs)).Info("pipeline started")
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		logger.WithError(err).Fatal("pipeline stopped")
	}
	logger.Info("pipeline stopped")
}
