package app

import (
	"context"
	"fmt"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/osint-shield/internal/capture/headless"
	"github.com/JakeFAU/osint-shield/internal/capture/static"
	dispatchmemory "github.com/JakeFAU/osint-shield/internal/dispatchstore/memory"
	dispatchredis "github.com/JakeFAU/osint-shield/internal/dispatchstore/redis"
	"github.com/JakeFAU/osint-shield/internal/forensic/render"
	"github.com/JakeFAU/osint-shield/internal/pipeline"
	memorypublisher "github.com/JakeFAU/osint-shield/internal/publisher/memory"
	mqttpublisher "github.com/JakeFAU/osint-shield/internal/publisher/mqtt"
	gcppublisher "github.com/JakeFAU/osint-shield/internal/publisher/pubsub"
	memqueue "github.com/JakeFAU/osint-shield/internal/queue/memory"
	redisqueue "github.com/JakeFAU/osint-shield/internal/queue/redis"
	"github.com/JakeFAU/osint-shield/internal/scoring"
	gcsstorage "github.com/JakeFAU/osint-shield/internal/storage/gcs"
	localstorage "github.com/JakeFAU/osint-shield/internal/storage/local"
	memorystorage "github.com/JakeFAU/osint-shield/internal/storage/memory"
	s3storage "github.com/JakeFAU/osint-shield/internal/storage/s3"
	memstore "github.com/JakeFAU/osint-shield/internal/store/memory"
	pgstore "github.com/JakeFAU/osint-shield/internal/store/postgres"
)

const dispatchJanitorInterval = time.Minute

func (a *App) setupStore(ctx context.Context) error {
	if a.cfg.DB.DSN == "" {
		a.logger.Warn("no DSN specified for database, using in-memory case store")
		a.store = memstore.New()
		return nil
	}
	pg, err := pgstore.New(ctx, pgstore.Config{
		DSN:             a.cfg.DB.DSN,
		MaxConns:        a.cfg.DB.MaxConns,
		MinConns:        a.cfg.DB.MinConns,
		MaxConnLifetime: a.cfg.DB.MaxConnLifetime,
	})
	if err != nil {
		return err
	}
	a.onClose("postgres", func(context.Context) error {
		pg.Close()
		return nil
	})
	if a.cfg.DB.EnsureSchema {
		if err := pg.EnsureSchema(ctx); err != nil {
			return err
		}
		a.logger.Info("database schema ensured")
	}
	a.store = pg
	a.logger.Info("postgres case store initialized", zap.Int32("max_conns", a.cfg.DB.MaxConns))
	return nil
}

func (a *App) setupStorage(ctx context.Context) error {
	switch a.cfg.Storage.Backend {
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		a.onClose("gcs", func(context.Context) error { return client.Close() })
		blobs, err := gcsstorage.New(client, gcsstorage.Config{Bucket: a.cfg.Storage.Bucket, Prefix: a.cfg.Storage.Prefix})
		if err != nil {
			return err
		}
		a.blobs = blobs
		a.logger.Info("using GCS storage backend", zap.String("bucket", a.cfg.Storage.Bucket))
	case "s3":
		s3 := a.cfg.Storage.S3
		blobs, err := s3storage.New(s3storage.Config{
			Endpoint:  s3.Endpoint,
			AccessKey: s3.AccessKey,
			SecretKey: s3.SecretKey,
			Bucket:    s3.Bucket,
			UseSSL:    s3.UseSSL,
		})
		if err != nil {
			return err
		}
		a.blobs = blobs
		a.logger.Info("using S3 storage backend", zap.String("endpoint", s3.Endpoint), zap.String("bucket", s3.Bucket))
	case "local":
		blobs, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.Local.BaseDir})
		if err != nil {
			return err
		}
		a.blobs = blobs
		a.logger.Info("using local storage backend", zap.String("path", a.cfg.Storage.Local.BaseDir))
	default:
		a.logger.Info("using in-memory storage backend")
		a.blobs = memorystorage.NewBlobStore()
	}
	return nil
}

func (a *App) setupQueue(context.Context) error {
	switch a.cfg.Queue.Backend {
	case "redis":
		dialer, err := redisqueue.NewDialer(a.cfg.Queue.RedisURL)
		if err != nil {
			return err
		}
		a.dialer = dialer
		a.logger.Info("using redis work queues",
			zap.String("task_queue", a.cfg.Queue.TaskQueue),
			zap.String("result_queue", a.cfg.Queue.ResultQueue),
		)
	default:
		broker := memqueue.NewBroker(a.cfg.Queue.MemoryCapacity)
		a.onClose("memory queue", func(context.Context) error {
			broker.Close()
			return nil
		})
		a.dialer = broker
		a.logger.Info("using in-memory work queues", zap.Int("capacity", a.cfg.Queue.MemoryCapacity))
	}
	return nil
}

func (a *App) setupDispatch(ctx context.Context) error {
	switch a.cfg.Dispatch.Backend {
	case "redis":
		st, err := dispatchredis.Open(ctx, a.cfg.Queue.RedisURL)
		if err != nil {
			return err
		}
		a.onClose("dispatch redis", func(context.Context) error { return st.Close() })
		a.dispatches = st
		a.logger.Info("using redis dispatch store", zap.Duration("ttl", a.cfg.DispatchTTL()))
	default:
		a.dispatches = dispatchmemory.New(dispatchJanitorInterval)
		a.logger.Info("using in-memory dispatch store", zap.Duration("ttl", a.cfg.DispatchTTL()))
	}
	return nil
}

func (a *App) setupPublisher(ctx context.Context) error {
	n := a.cfg.Notify
	switch n.Backend {
	case "pubsub":
		client, err := pubsub.NewClient(ctx, n.ProjectID)
		if err != nil {
			return fmt.Errorf("pubsub client init failed: %w", err)
		}
		pub := gcppublisher.New(client, n.TopicPrefix)
		a.onClose("pubsub", func(context.Context) error {
			pub.Stop()
			return client.Close()
		})
		a.publisher = pub
		a.logger.Info("Pub/Sub publisher initialized", zap.String("project", n.ProjectID), zap.String("topic_prefix", n.TopicPrefix))
	case "mqtt":
		pub, err := mqttpublisher.Connect(ctx, mqttpublisher.Config{
			Broker:      n.MQTTBroker,
			ClientID:    n.MQTTClientID,
			Username:    n.MQTTUsername,
			Password:    n.MQTTPassword,
			TopicPrefix: n.TopicPrefix,
		}, a.logger.Named("mqtt"))
		if err != nil {
			return err
		}
		a.onClose("mqtt", func(context.Context) error {
			pub.Close()
			return nil
		})
		a.publisher = pub
		a.logger.Info("MQTT publisher initialized", zap.String("broker", n.MQTTBroker))
	case "memory":
		a.publisher = memorypublisher.New()
		a.logger.Info("using in-memory publisher")
	default:
		a.publisher = pipeline.NopPublisher{}
		a.logger.Info("event publishing disabled")
	}
	return nil
}

func (a *App) setupScoring(context.Context) error {
	rules, err := scoring.LoadRules(a.cfg.Scoring.RulesPath)
	if err != nil {
		return err
	}
	a.scorer, err = scoring.New(rules)
	if err != nil {
		return err
	}
	if a.cfg.Scoring.RulesPath != "" {
		a.logger.Info("scoring rules loaded", zap.String("path", a.cfg.Scoring.RulesPath))
	}
	return nil
}

func (a *App) setupRenderer(context.Context) error {
	switch a.cfg.Sealer.Renderer {
	case "pdf":
		a.renderer = render.PDF{}
	default:
		a.renderer = render.JSON{}
	}
	return nil
}

// newCapturer returns one capturer per worker. Headless capturers own a
// browser process that is shut down with the app.
func (a *App) newCapturer() (pipeline.Capturer, error) {
	if a.cfg.Worker.Capturer == "static" {
		return static.New(static.Config{
			UserAgent: a.cfg.Worker.UserAgent,
			Timeout:   a.cfg.NavTimeout(),
		}), nil
	}
	c, err := headless.New(headless.Config{
		UserAgent:         a.cfg.Worker.UserAgent,
		NavigationTimeout: a.cfg.NavTimeout(),
		NetworkIdle:       time.Duration(a.cfg.Worker.NetworkIdleMs) * time.Millisecond,
		ViewportWidth:     int64(a.cfg.Worker.ViewportWidth),
		ViewportHeight:    int64(a.cfg.Worker.ViewportHeight),
		ExecPath:          a.cfg.Worker.ChromeExecPath,
	})
	if err != nil {
		return nil, err
	}
	a.onClose("headless", func(context.Context) error {
		c.Close()
		return nil
	})
	return c, nil
}
