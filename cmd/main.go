package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/ValerySidorin/hubdevice/client"
	"github.com/ValerySidorin/hubdevice/internal/config"
	"github.com/ValerySidorin/hubdevice/internal/observability"
	"github.com/ValerySidorin/hubdevice/message"
	"github.com/ValerySidorin/hubdevice/transport/terr"
	"github.com/google/uuid"
	_ "go.uber.org/automaxprocs"
	"gopkg.in/yaml.v3"
)

var (
	Commit string
)

func main() {
	if len(os.Args) > 2 {
		log.Fatal("invalid args")
	}
	confPath := ""
	if len(os.Args) == 2 {
		confPath = os.Args[1]
	}
	var conf config.Config
	if err := loadConfig(confPath, &conf); err != nil {
		log.Fatal(err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer cancel()

	logLevel := parseLogLevel(conf.Log.Level)
	var logger *slog.Logger
	switch conf.Log.Type {
	case "json":
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: logLevel,
		}))
	default:
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: logLevel,
		}))
	}

	logger.Info("starting hubdevice simulator")
	logger.Info(fmt.Sprintf("commit: %s", Commit))

	shutdownObs, err := observability.Init(ctx, conf.Observability, logger)
	if err != nil {
		logger.Error(fmt.Errorf("init observability: %w", err).Error())
		os.Exit(1)
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		_ = shutdownObs(sctx)
	}()

	c, err := conf.Device.NewClient(client.WithLogger(logger))
	if err != nil {
		logger.Error(fmt.Errorf("new client: %w", err).Error())
		os.Exit(1)
	}
	defer func() {
		cctx, ccancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer ccancel()
		if err := c.Close(cctx); err != nil {
			logger.Error("close client", "err", err)
		}
	}()

	if err := run(ctx, c, conf.Simulator, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error(fmt.Errorf("run: %w", err).Error())
	}
}

func run(ctx context.Context, c *client.Client, conf config.SimulatorConfig, l *slog.Logger) error {
	if err := c.Open(ctx); err != nil {
		return fmt.Errorf("open: %w", err)
	}

	for _, name := range conf.Methods {
		if err := c.SetMethodHandler(ctx, name, echo(l)); err != nil {
			if errors.Is(err, terr.ErrCapability) {
				l.Warn("methods not supported by transport", "method", name)
				break
			}
			return fmt.Errorf("set method handler %q: %w", name, err)
		}
	}

	if conf.UploadPath != "" {
		if err := upload(ctx, c, conf.UploadPath); err != nil {
			l.Error("upload blob", "path", conf.UploadPath, "err", err)
		}
	}

	go receiveLoop(ctx, c, conf.ReceiveTimeout, l)

	ticker := time.NewTicker(conf.SendInterval)
	defer ticker.Stop()

	var seq int
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			msgs := make([]*message.Message, 0, conf.BatchSize)
			for range conf.BatchSize {
				seq++
				msgs = append(msgs, telemetry(seq))
			}

			var err error
			if len(msgs) == 1 {
				err = c.SendEvent(ctx, msgs[0])
			} else {
				err = c.SendEventBatch(ctx, msgs)
			}
			if err != nil {
				l.Error("send telemetry", "seq", seq, "kind", terr.KindOf(err), "err", err)
				continue
			}
			l.Debug("telemetry sent", "seq", seq, "count", len(msgs))
		}
	}
}

func telemetry(seq int) *message.Message {
	msg := message.New(fmt.Appendf(nil, `{"seq":%d,"ts":%q}`, seq, time.Now().UTC().Format(time.RFC3339)))
	_ = msg.SetMessageID(uuid.NewString())
	_ = msg.SetContentType("application/json")
	_ = msg.SetProperty("seq", strconv.Itoa(seq))
	return msg
}

func receiveLoop(ctx context.Context, c *client.Client, timeout time.Duration, l *slog.Logger) {
	for ctx.Err() == nil {
		msg, err := c.Receive(ctx, timeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.Error("receive", "kind", terr.KindOf(err), "err", err)
			if terr.KindOf(err) == terr.KindTerminal || terr.KindOf(err) == terr.KindFatal {
				return
			}
			continue
		}
		if msg == nil {
			continue
		}

		l.Info("command received", "id", msg.MessageID, "payload", msg.String(), "delivery_count", msg.DeliveryCount)
		if msg.LockToken == "" {
			continue
		}
		if err := c.Complete(ctx, msg.LockToken); err != nil {
			l.Error("complete", "id", msg.MessageID, "err", err)
		}
	}
}

func echo(l *slog.Logger) client.MethodHandler {
	return func(ctx context.Context, req *message.MethodRequest) (*message.MethodResponse, error) {
		l.Info("method invoked", "method", req.Name, "rid", req.RequestID)
		return &message.MethodResponse{Status: 200, Body: req.Body}, nil
	}
}

func upload(ctx context.Context, c *client.Client, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer f.Close()

	name := c.DeviceID() + "/" + time.Now().UTC().Format("20060102T150405") + "-" + baseName(path)
	return c.UploadBlob(ctx, name, f)
}

func baseName(p string) string {
	if i := strings.LastIndexAny(p, `/\`); i >= 0 {
		return p[i+1:]
	}
	return p
}

func parseLogLevel(name string) slog.Level {
	switch strings.ToUpper(name) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func loadConfig(filePath string, cfg *config.Config) error {
	paths := []string{}

	if filePath == "" {
		paths = append(paths, "./config.yaml", "conf/config.yaml", "config/config.yaml")
	} else {
		paths = append(paths, filePath)
	}

	for _, p := range paths {
		f, err := os.Open(p)
		if err == nil {
			defer f.Close()
			log.Printf("found config file in: %s\n", p)
			data, err := io.ReadAll(f)
			if err != nil {
				return fmt.Errorf("read config: %w", err)
			}

			if err := yaml.Unmarshal(data, cfg); err != nil {
				return fmt.Errorf("unmarshal config: %w", err)
			}

			cfg.SetDefaults()
			return cfg.Validate()
		}
	}

	return fmt.Errorf("failed to find config in: %v", paths)
}
