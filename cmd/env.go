package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/billrecon/internal/config"
	"github.com/sells-group/billrecon/internal/ocr"
	"github.com/sells-group/billrecon/internal/producer"
	"github.com/sells-group/billrecon/internal/reconcile"
	"github.com/sells-group/billrecon/internal/rules"
	"github.com/sells-group/billrecon/internal/session"
	"github.com/sells-group/billrecon/internal/store"
	"github.com/sells-group/billrecon/internal/waterfall"
)

// appEnv holds the store, extraction stack and session shared by the
// extract/batch/normalize/reconcile/serve commands.
type appEnv struct {
	Store    store.Store
	Executor *waterfall.Executor
	Decoder  *ocr.Decoder
	Session  *session.Session
	Vision   bool
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initEnv validates config for mode, opens and migrates the store, and builds
// the extraction stack. Callers should defer env.Close().
func initEnv(ctx context.Context, mode string) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	set, err := loadRules(cfg.Extraction.RulesPath)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	// One vision producer per process so every document shares its rate
	// limiter and circuit breaker.
	vision := producer.NewVision(producer.VisionClient(cfg.Vision), cfg.Vision)
	renderPages := 0
	if vision.Available() {
		renderPages = cfg.Vision.MaxPages
		zap.L().Info("vision fallback enabled", zap.String("model", cfg.Vision.Model))
	} else {
		zap.L().Debug("BILLRECON_VISION_API_KEY not set, vision fallback disabled")
	}

	dec, err := ocr.NewDecoder(cfg, renderPages)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	exec := waterfall.NewFromConfig(cfg, set, vision)
	return &appEnv{
		Store:    st,
		Executor: exec,
		Decoder:  dec,
		Session:  session.New(st, exec, dec, reconcile.NewEngine(cfg.Reconcile)),
		Vision:   vision.Available(),
	}, nil
}

func loadRules(dir string) (*rules.Set, error) {
	set, err := rules.Load(dir)
	if err != nil {
		return nil, eris.Wrapf(err, "load rules from %s", dir)
	}
	return set, nil
}

func initStore(ctx context.Context, sc config.StoreConfig) (store.Store, error) {
	switch sc.Driver {
	case "memory", "":
		return store.NewMemory(), nil
	case "sqlite":
		return store.NewSQLite(sc.SQLitePath)
	case "postgres":
		return store.NewPostgres(ctx, sc.DatabaseURL, sc.MaxConns)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", sc.Driver)
	}
}
