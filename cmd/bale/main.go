// Package main provides the bale CLI entrypoint.
//
// Usage:
//
//	bale serve              poll the ingest queue and bundle batches
//	bale process <file>     run one batch from a JSON event file ("-" = stdin)
//	bale version            show version information
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/urfave/cli/v2"

	"github.com/justapithecus/bale/bundle"
	"github.com/justapithecus/bale/config"
	"github.com/justapithecus/bale/idempotency"
	"github.com/justapithecus/bale/log"
	"github.com/justapithecus/bale/metrics"
	"github.com/justapithecus/bale/objstore"
	"github.com/justapithecus/bale/queue"
	"github.com/justapithecus/bale/types"
)

// commit is set via ldflags at build time.
var commit = "unknown"

func main() {
	app := &cli.App{
		Name:           "bale",
		Usage:          "Object-arrival bundling service",
		Version:        fmt.Sprintf("%s (commit: %s)", types.Version, commit),
		ExitErrHandler: exitErrHandler,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "defaults",
				Usage: "optional YAML defaults file; environment variables override it",
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			processCommand(),
			versionCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		os.Exit(1)
	}
}

func exitErrHandler(_ *cli.Context, err error) {
	if err == nil {
		return
	}

	var exitCoder cli.ExitCoder
	if errors.As(err, &exitCoder) {
		code := exitCoder.ExitCode()
		msg := exitCoder.Error()
		if msg != "" && msg != fmt.Sprintf("exit status %d", code) {
			fmt.Fprintln(os.Stderr, msg)
		}
		os.Exit(code)
	}

	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

// service bundles everything a command needs at runtime.
type service struct {
	cfg          *config.Config
	logger       *log.Logger
	collector    *metrics.Collector
	orchestrator *bundle.Orchestrator
	sqsClient    *sqs.Client
}

func buildService(ctx context.Context, c *cli.Context) (*service, error) {
	cfg, err := config.FromEnv(c.String("defaults"))
	if err != nil {
		return nil, cli.Exit(err.Error(), 1)
	}

	level, _ := log.ParseLevel(cfg.LogLevel)
	logger := log.NewLogger(cfg.ServiceName, cfg.Environment, level)
	collector := metrics.NewCollector(cfg.ServiceName, cfg.Environment)

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRetryMode(aws.RetryModeAdaptive),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
			o.UsePathStyle = true
		}
	})
	ddbClient := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
		}
	})
	sqsClient := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
		}
	})

	guard := idempotency.NewGuard(
		idempotency.NewDynamoStore(ddbClient, cfg.IdempotencyTable),
		cfg.IdempotencyTTL(),
		logger,
	)

	storeOpts := []objstore.S3Option{}
	if cfg.EncryptionKeyID != "" {
		storeOpts = append(storeOpts, objstore.WithKMSKey(cfg.EncryptionKeyID))
	}
	store := objstore.NewS3Store(s3Client, cfg.DistributionBucket, logger, storeOpts...)

	orch := bundle.New(guard, store, store, collector, logger, bundle.Options{
		FetchWorkers:        cfg.MaxFetchWorkers,
		PutTimeout:          cfg.QueuePutTimeout(),
		TimeoutGuard:        cfg.TimeoutGuard(),
		MaxOnDiskBytes:      cfg.MaxOnDiskBytes(),
		MaxInputBytes:       cfg.MaxInputBytes(),
		SpoolThresholdBytes: cfg.SpoolThresholdBytes(),
		Environment:         cfg.Environment,
	})

	return &service{
		cfg:          cfg,
		logger:       logger,
		collector:    collector,
		orchestrator: orch,
		sqsClient:    sqsClient,
	}, nil
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Poll the ingest queue and bundle batches until interrupted",
		Action: func(c *cli.Context) error {
			ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			svc, err := buildService(ctx, c)
			if err != nil {
				return err
			}
			if svc.cfg.QueueURL == "" {
				return cli.Exit("configuration: QUEUE_URL: required for serve", 1)
			}

			svc.logger.Info("serving", map[string]any{
				"queue_url": svc.cfg.QueueURL,
				"bucket":    svc.cfg.DistributionBucket,
			})

			recv := queue.NewReceiver(svc.sqsClient, svc.cfg.QueueURL, svc.orchestrator, svc.logger)
			if err := recv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}

			svc.logger.Info("shutdown", map[string]any{
				"metrics": svc.collector.Snapshot(),
			})
			return nil
		},
	}
}

// directInvokeEvent is the synthetic harness payload: bare records with no
// envelopes and no idempotency claims.
type directInvokeEvent struct {
	DirectInvoke bool              `json:"directInvoke"`
	Records      []json.RawMessage `json:"records"`
}

// queueEvent mirrors the queue-batch event shape.
type queueEvent struct {
	Records []struct {
		MessageID string `json:"messageId"`
		Body      string `json:"body"`
	} `json:"Records"`
}

func processCommand() *cli.Command {
	return &cli.Command{
		Name:      "process",
		Usage:     "Run one batch from a JSON event file",
		ArgsUsage: "<file>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return cli.Exit("process requires exactly one event file argument", 1)
			}

			data, err := readEvent(c.Args().First())
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}

			svc, err := buildService(c.Context, c)
			if err != nil {
				return err
			}

			result, err := runEvent(c.Context, svc, data)
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(result.Response())
		},
	}
}

func readEvent(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func runEvent(ctx context.Context, svc *service, data []byte) (*types.BatchResult, error) {
	var direct directInvokeEvent
	if err := json.Unmarshal(data, &direct); err == nil && direct.DirectInvoke {
		return svc.orchestrator.ProcessDirect(ctx, "", direct.Records)
	}

	var event queueEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, fmt.Errorf("event is not valid JSON: %w", err)
	}

	envelopes := make([]types.EventEnvelope, 0, len(event.Records))
	for _, rec := range event.Records {
		envelopes = append(envelopes, types.EventEnvelope{
			ID:      rec.MessageID,
			Payload: []byte(rec.Body),
		})
	}
	return svc.orchestrator.Process(ctx, "", envelopes)
}

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Show version information",
		Action: func(c *cli.Context) error {
			resp := struct {
				Version string `json:"version"`
				Commit  string `json:"commit"`
			}{Version: types.Version, Commit: commit}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(resp)
		},
	}
}
