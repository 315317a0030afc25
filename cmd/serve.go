package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/billrecon/internal/config"
	"github.com/sells-group/billrecon/internal/meter"
	"github.com/sells-group/billrecon/internal/model"
	"github.com/sells-group/billrecon/internal/ocr"
	"github.com/sells-group/billrecon/internal/session"
	"github.com/sells-group/billrecon/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the JSON API for bill and meter uploads",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if servePort != 0 {
			cfg.Server.Port = servePort
		}

		env, err := initEnv(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:           newRouter(env.Session, cfg.Server),
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", cfg.Server.Port), zap.Bool("vision", env.Vision))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// api serves the session over HTTP.
type api struct {
	sess     *session.Session
	maxBytes int64
}

// newRouter mounts the API routes.
func newRouter(sess *session.Session, sc config.ServerConfig) http.Handler {
	a := &api{sess: sess, maxBytes: int64(sc.MaxUploadMB) << 20}
	if a.maxBytes <= 0 {
		a.maxBytes = 25 << 20
	}
	origins := sc.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/bills", func(r chi.Router) {
		r.Post("/", a.postBill)
		r.Get("/", a.listBills)
		r.Get("/{fingerprint}", a.getBill)
		r.Get("/{fingerprint}/reconcile", a.reconcileBill)
	})
	r.Route("/meters", func(r chi.Router) {
		r.Post("/", a.postMeter)
		r.Get("/", a.listMeters)
		r.Get("/{mprn}", a.getMeter)
	})
	r.Get("/reconcile", a.reconcileAll)
	return r
}

// readUpload returns the uploaded file from a multipart "file" field, or the
// raw body named by the "name" query parameter.
func (a *api) readUpload(w http.ResponseWriter, r *http.Request) (string, []byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, a.maxBytes)

	f, hdr, err := r.FormFile("file")
	switch {
	case err == nil:
		defer f.Close() //nolint:errcheck
		data, err := io.ReadAll(f)
		return hdr.Filename, data, err
	case tooLarge(err):
		return "", nil, err
	}

	name := r.URL.Query().Get("name")
	if name == "" {
		return "", nil, eris.New("multipart field \"file\" or query parameter \"name\" is required")
	}
	data, err := io.ReadAll(r.Body)
	return name, data, err
}

func (a *api) uploadError(w http.ResponseWriter, err error) {
	if tooLarge(err) {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("upload exceeds %d bytes", a.maxBytes))
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

func tooLarge(err error) bool {
	var mbe *http.MaxBytesError
	return errors.As(err, &mbe)
}

func (a *api) postBill(w http.ResponseWriter, r *http.Request) {
	name, data, err := a.readUpload(w, r)
	if err != nil {
		a.uploadError(w, err)
		return
	}

	res, err := a.sess.AddBill(r.Context(), name, data)
	if err != nil {
		if errors.Is(err, ocr.ErrUnreadableDocument) {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		zap.L().Error("api: add bill failed", zap.String("document", name), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "extraction failed")
		return
	}

	status := http.StatusCreated
	if res.Cached {
		status = http.StatusOK
	}
	res.Run = nil
	writeJSON(w, status, res)
}

func (a *api) listBills(w http.ResponseWriter, r *http.Request) {
	filter, err := billFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	bills, err := a.sess.Store().ListBills(r.Context(), filter)
	if err != nil {
		a.storeError(w, err)
		return
	}
	if bills == nil {
		bills = []store.BillEntry{}
	}
	writeJSON(w, http.StatusOK, bills)
}

func (a *api) getBill(w http.ResponseWriter, r *http.Request) {
	bill, err := a.sess.Store().GetBill(r.Context(), chi.URLParam(r, "fingerprint"))
	if err != nil {
		a.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bill)
}

func (a *api) reconcileBill(w http.ResponseWriter, r *http.Request) {
	res, err := a.sess.Reconcile(r.Context(), chi.URLParam(r, "fingerprint"))
	if err != nil {
		a.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *api) reconcileAll(w http.ResponseWriter, r *http.Request) {
	filter, err := billFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := a.sess.ReconcileAll(r.Context(), filter)
	if err != nil {
		a.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *api) postMeter(w http.ResponseWriter, r *http.Request) {
	name, data, err := a.readUpload(w, r)
	if err != nil {
		a.uploadError(w, err)
		return
	}

	entries, err := a.sess.AddMeter(r.Context(), name, data)
	if err != nil {
		if errors.Is(err, meter.ErrNoValidRows) || errors.Is(err, meter.ErrMissingColumns) {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		zap.L().Error("api: add meter failed", zap.String("source", name), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "meter upload failed")
		return
	}
	writeJSON(w, http.StatusCreated, entries)
}

func (a *api) listMeters(w http.ResponseWriter, r *http.Request) {
	meters, err := a.sess.Store().ListMeters(r.Context())
	if err != nil {
		a.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, meters)
}

func (a *api) getMeter(w http.ResponseWriter, r *http.Request) {
	m, err := a.sess.Store().GetMeter(r.Context(), model.NormalizeMPRN(chi.URLParam(r, "mprn")))
	if err != nil {
		a.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (a *api) storeError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	zap.L().Error("api: store failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal error")
}

func billFilter(r *http.Request) (store.BillFilter, error) {
	q := r.URL.Query()
	f := store.BillFilter{
		MPRN:    q.Get("mprn"),
		Verdict: model.Verdict(q.Get("verdict")),
	}
	var err error
	if v := q.Get("limit"); v != "" {
		if f.Limit, err = strconv.Atoi(v); err != nil || f.Limit < 0 {
			return f, eris.Errorf("invalid limit %q", v)
		}
	}
	if v := q.Get("offset"); v != "" {
		if f.Offset, err = strconv.Atoi(v); err != nil || f.Offset < 0 {
			return f, eris.Errorf("invalid offset %q", v)
		}
	}
	return f, nil
}
