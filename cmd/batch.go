package main

import (
	"context"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/billrecon/internal/model"
	"github.com/sells-group/billrecon/internal/session"
)

var (
	batchLimit       int
	batchConcurrency int
)

var batchCmd = &cobra.Command{
	Use:   "batch DIR",
	Short: "Extract every bill document under a directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "batch")
		if err != nil {
			return err
		}
		defer env.Close()

		paths, err := collectDocuments(args[0])
		if err != nil {
			return err
		}

		concurrency := batchConcurrency
		if concurrency <= 0 {
			concurrency = cfg.Batch.MaxConcurrentDocuments
		}

		summary, err := processBatch(ctx, paths, batchLimit, concurrency, func(ctx context.Context, path string) (*session.BillResult, error) {
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, eris.Wrapf(err, "read %s", path)
			}
			return env.Session.AddBill(ctx, filepath.Base(path), data)
		})
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), summary)
	},
}

func init() {
	batchCmd.Flags().IntVar(&batchLimit, "limit", 0, "max number of documents to process (0 = all)")
	batchCmd.Flags().IntVar(&batchConcurrency, "concurrency", 0, "documents processed in parallel (default from config)")
	rootCmd.AddCommand(batchCmd)
}

// documentExts are the file types the decoder accepts.
var documentExts = map[string]bool{".pdf": true, ".png": true, ".jpg": true, ".jpeg": true}

// collectDocuments lists bill documents under dir in lexical order.
func collectDocuments(dir string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && documentExts[strings.ToLower(filepath.Ext(path))] {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, eris.Wrapf(err, "batch: walk %s", dir)
	}
	sort.Strings(paths)
	return paths, nil
}

// addFunc extracts and stores one document.
type addFunc func(ctx context.Context, path string) (*session.BillResult, error)

// batchSummary counts batch outcomes.
type batchSummary struct {
	Documents int                   `json:"documents"`
	Succeeded int64                 `json:"succeeded"`
	Cached    int64                 `json:"cached"`
	Failed    int64                 `json:"failed"`
	ByVerdict map[model.Verdict]int `json:"by_verdict"`
	Errors    map[string]string     `json:"errors,omitempty"`
}

// processBatch applies limit, then extracts documents concurrently. A failed
// document is counted and logged; it never aborts the batch.
func processBatch(ctx context.Context, paths []string, limit, concurrency int, add addFunc) (*batchSummary, error) {
	if limit > 0 && len(paths) > limit {
		paths = paths[:limit]
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	summary := &batchSummary{
		Documents: len(paths),
		ByVerdict: make(map[model.Verdict]int),
		Errors:    make(map[string]string),
	}
	if len(paths) == 0 {
		zap.L().Info("no documents found")
		return summary, nil
	}

	zap.L().Info("processing batch",
		zap.Int("documents", len(paths)),
		zap.Int("concurrency", concurrency),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	var succeeded, cached, failed atomic.Int64
	var mu sync.Mutex

	for _, path := range paths {
		g.Go(func() error {
			log := zap.L().With(zap.String("document", path))

			res, err := add(gctx, path)
			if err != nil {
				failed.Add(1)
				log.Error("extraction failed", zap.Error(err))
				mu.Lock()
				summary.Errors[path] = err.Error()
				mu.Unlock()
				return nil
			}

			succeeded.Add(1)
			if res.Cached {
				cached.Add(1)
			}
			mu.Lock()
			summary.ByVerdict[res.Entry.Report.Verdict]++
			mu.Unlock()

			log.Info("extraction complete",
				zap.Bool("cached", res.Cached),
				zap.Float64("score", res.Entry.Report.Score),
				zap.String("verdict", string(res.Entry.Report.Verdict)),
			)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, eris.Wrap(err, "batch processing")
	}

	summary.Succeeded = succeeded.Load()
	summary.Cached = cached.Load()
	summary.Failed = failed.Load()

	zap.L().Info("batch complete",
		zap.Int64("succeeded", summary.Succeeded),
		zap.Int64("cached", summary.Cached),
		zap.Int64("failed", summary.Failed),
	)
	return summary, nil
}
