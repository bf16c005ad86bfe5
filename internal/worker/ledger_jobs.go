package worker

import (
	"context"
	"crop-ledger/internal/chain"
	"crop-ledger/internal/models"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/hashicorp/go-multierror"
)

// SeasonWindow is one entry of the season schedule file.
type SeasonWindow struct {
	Season uint16    `json:"season"`
	Opens  time.Time `json:"opens"`
	Closes time.Time `json:"closes"`
}

// LoadSchedules reads a JSON array of season windows.
func LoadSchedules(filePath string) ([]SeasonWindow, error) {
	file, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("could not read season schedule file: %w", err)
	}

	var windows []SeasonWindow
	if err := json.Unmarshal(file, &windows); err != nil {
		return nil, fmt.Errorf("could not parse season schedule: %w", err)
	}
	seen := make(map[uint16]bool, len(windows))
	for _, w := range windows {
		if !w.Closes.After(w.Opens) {
			return nil, fmt.Errorf("%w: season %d closes before it opens", models.ErrInvalidArgument, w.Season)
		}
		if seen[w.Season] {
			return nil, fmt.Errorf("%w: season %d listed twice", models.ErrInvalidArgument, w.Season)
		}
		seen[w.Season] = true
	}
	return windows, nil
}

type SeasonOperator interface {
	OpenSeason(ctx context.Context, msg chain.Msg, season uint16) error
	CloseSeason(ctx context.Context, msg chain.Msg, season uint16) error
	IsSeasonOpen(ctx context.Context, season uint16) bool
}

// SeasonJob opens each season once its window starts and closes it once the
// window ends, calling as keeper. A season opened by hand before its window
// is left alone.
func SeasonJob(op SeasonOperator, keeper common.Address, windows []SeasonWindow, now func() time.Time) Job {
	return func(ctx context.Context) error {
		var errs *multierror.Error
		t := now()
		msg := chain.Msg{From: keeper}

		for _, w := range windows {
			inWindow := !t.Before(w.Opens) && t.Before(w.Closes)
			open := op.IsSeasonOpen(ctx, w.Season)

			var err error
			switch {
			case inWindow && !open:
				if err = op.OpenSeason(ctx, msg, w.Season); err == nil {
					slog.Info("Season opened by schedule", "season", w.Season)
				}
			case !t.Before(w.Closes) && open:
				if err = op.CloseSeason(ctx, msg, w.Season); err == nil {
					slog.Info("Season closed by schedule", "season", w.Season)
				}
			}
			if err != nil && !errors.Is(err, models.ErrAlreadyOpen) && !errors.Is(err, models.ErrAlreadyClosed) {
				errs = multierror.Append(errs, fmt.Errorf("season %d: %w", w.Season, err))
			}
		}
		return errs.ErrorOrNil()
	}
}

type SnapshotArchiver interface {
	ArchiveSnapshot(ctx context.Context) (string, error)
}

func SnapshotJob(archiver SnapshotArchiver) Job {
	return func(ctx context.Context) error {
		if _, err := archiver.ArchiveSnapshot(ctx); err != nil {
			return fmt.Errorf("failed to archive policy book: %w", err)
		}
		return nil
	}
}
