package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/MrSnakeDoc/cutover/internal/config"
	"github.com/MrSnakeDoc/cutover/internal/console"
	"github.com/MrSnakeDoc/cutover/internal/logger"
	"github.com/MrSnakeDoc/cutover/internal/redis"
	redisstore "github.com/MrSnakeDoc/cutover/internal/store/redis"
	"github.com/MrSnakeDoc/cutover/internal/tracker"
	"github.com/MrSnakeDoc/cutover/internal/utils"
)

// ErrNoLedger is returned by history when no Redis address is configured.
var ErrNoLedger = errors.New("redis not configured, no rollout history is kept")

// HistoryReader is the read side of the rollout ledger.
type HistoryReader interface {
	Holder(ctx context.Context, service string) (string, error)
	History(ctx context.Context, service string, n int) ([]redisstore.Record, error)
}

// RunHistory prints the current lock holder and the last limit rollouts of
// the configured service.
func RunHistory(configPath string, limit int) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.RedisAddr == "" {
		return ErrNoLedger
	}
	loggerClient := logger.New(cfg.LogLevel, cfg.PrettyLog)
	defer func() { _ = loggerClient.Sync() }()

	ctx := context.Background()
	client, err := redis.Connect(ctx, redisOptions(cfg), loggerClient)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	defer utils.Close(client)

	if limit <= 0 {
		limit = cfg.HistoryLimit
	}
	return PrintHistory(ctx, redisstore.NewStore(client, cfg.HistoryLimit), cfg.ServiceName, limit, console.New(os.Stdout))
}

// PrintHistory renders the lock state and newest-first history of service.
func PrintHistory(ctx context.Context, r HistoryReader, service string, limit int, con *console.Console) error {
	holder, err := r.Holder(ctx, service)
	if err != nil {
		return err
	}
	records, err := r.History(ctx, service, limit)
	if err != nil {
		return err
	}

	if holder != "" {
		con.Warn("rollout %s is in progress for %s", holder, service)
	} else {
		con.Info("no rollout in progress for %s", service)
	}
	if len(records) == 0 {
		con.Muted("no rollouts recorded")
		return nil
	}

	for _, rec := range records {
		line := fmt.Sprintf("%s  %-8s  %s  %s",
			rec.FinishedAt.Local().Format(time.DateTime), rec.Outcome, tracker.FormatClock(rec.Duration), rec.ID)
		if rec.Forced {
			line += "  (forced)"
		}
		switch rec.Outcome {
		case "cut_over":
			con.Success("%s", line)
		case "held":
			con.Warn("%s", line)
		default:
			con.Error("%s", line)
		}
		if rec.Reason != "" {
			con.Muted("    %s", rec.Reason)
		}
		if len(rec.Unmet) > 0 {
			con.Muted("    unmet: %s", strings.Join(rec.Unmet, "; "))
		}
	}
	return nil
}
