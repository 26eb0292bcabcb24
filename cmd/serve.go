package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/popdensity/internal/density"
	"github.com/sells-group/popdensity/internal/monitoring"
)

const requestIDHeader = "X-Request-ID"

var (
	servePort  int
	serveFetch bool
)

// estimator is the part of density.Estimator the HTTP layer needs.
type estimator interface {
	Estimate(ctx context.Context, coords [][]float64) (*density.Estimate, error)
}

// routerDeps are the collaborators of the HTTP router.
type routerDeps struct {
	Estimator      estimator
	DataDir        string
	DensityPath    string
	LandcoverPath  string
	Metrics        *monitoring.Metrics
	Gatherer       prometheus.Gatherer
	AllowedOrigins []string
	MaxBodyBytes   int64
}

// queryRequest is the body of POST /query-density.
type queryRequest struct {
	Polygon [][]float64 `json:"polygon" validate:"required,min=3,dive,len=2"`
}

type healthResponse struct {
	Status      string `json:"status"`
	JRCExists   bool   `json:"jrc_exists"`
	LUISAExists bool   `json:"luisa_exists"`
	DataDir     string `json:"data_dir"`
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the density HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		metrics := monitoring.NewMetrics()
		est, err := newEstimator(cfg, metrics)
		if err != nil {
			return err
		}

		router := buildRouter(routerDeps{
			Estimator:      est,
			DataDir:        cfg.Data.Dir,
			DensityPath:    cfg.Rasters.Density.Path,
			LandcoverPath:  cfg.Rasters.Landcover.Path,
			Metrics:        metrics,
			Gatherer:       prometheus.DefaultGatherer,
			AllowedOrigins: cfg.Server.AllowedOrigins,
			MaxBodyBytes:   cfg.Server.MaxBodyBytes,
		})

		if serveFetch {
			provisionInBackground(ctx, newProvisioner(cfg.Fetch), rasterAssets(cfg))
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       time.Duration(cfg.Server.ReadTimeoutSecs) * time.Second,
			WriteTimeout:      time.Duration(cfg.Server.WriteTimeoutSecs) * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeoutSecs)*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				zap.L().Error("server shutdown", zap.Error(err))
			}
			if stats, ok := est.CacheStats(); ok {
				zap.L().Info("estimate cache", zap.Any("stats", stats))
			}
		}()

		zap.L().Info("starting server", zap.Int("port", port), zap.String("data_dir", cfg.Data.Dir))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	serveCmd.Flags().BoolVar(&serveFetch, "fetch", false, "download missing rasters in the background while serving")
	rootCmd.AddCommand(serveCmd)
}

// buildRouter assembles the chi router with CORS, request IDs, request
// logging, and the health, query and metrics routes.
func buildRouter(deps routerDeps) http.Handler {
	origins := deps.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	validate := validator.New(validator.WithRequiredStructEnabled())

	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS", "HEAD"},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{requestIDHeader},
	}))

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, healthResponse{
			Status:      "ok",
			JRCExists:   fileExists(deps.DensityPath),
			LUISAExists: fileExists(deps.LandcoverPath),
			DataDir:     deps.DataDir,
		})
	})

	r.Post("/query-density", func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		outcome := "ok"
		defer func() { deps.Metrics.ObserveRequest(outcome, time.Since(start).Seconds()) }()

		if deps.MaxBodyBytes > 0 {
			req.Body = http.MaxBytesReader(w, req.Body, deps.MaxBodyBytes)
		}

		var body queryRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			outcome = "invalid"
			writeError(w, req, decodeError(err))
			return
		}
		if err := validate.Struct(body); err != nil {
			outcome = "invalid"
			writeError(w, req, validationError(err, body))
			return
		}

		est, err := deps.Estimator.Estimate(req.Context(), body.Polygon)
		if err != nil {
			var inv *density.InvalidInputError
			if errors.As(err, &inv) {
				outcome = "invalid"
			} else {
				outcome = "error"
			}
			writeError(w, req, err)
			return
		}

		writeJSON(w, http.StatusOK, est)
	})

	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return r
}

// requestID propagates or assigns X-Request-ID.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(requestIDHeader, id)
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

// requestLogger logs each request with zap once it completes.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		zap.L().Info("http request",
			zap.String("request_id", r.Header.Get(requestIDHeader)),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

// decodeError describes a request body that is not a polygon object without
// exposing Go type names.
func decodeError(err error) error {
	var (
		tooLarge  *http.MaxBytesError
		syntaxErr *json.SyntaxError
		typeErr   *json.UnmarshalTypeError
	)
	var reason string
	switch {
	case errors.As(err, &tooLarge):
		reason = fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit)
	case errors.Is(err, io.EOF):
		reason = "request body is empty"
	case errors.Is(err, io.ErrUnexpectedEOF):
		reason = "request body is truncated JSON"
	case errors.As(err, &syntaxErr):
		reason = fmt.Sprintf("malformed JSON at offset %d", syntaxErr.Offset)
	case errors.As(err, &typeErr):
		reason = fmt.Sprintf("%q must be a list of [lon, lat] pairs", typeErr.Field)
	default:
		reason = "request body must be {\"polygon\": [[lon, lat], ...]}"
	}
	return &density.InvalidInputError{Reason: reason}
}

// validationError maps the first validator failure onto the polygon error
// the estimator itself would report.
func validationError(err error, body queryRequest) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return &density.InvalidInputError{Reason: "request failed validation"}
	}

	fe := verrs[0]
	var reason string
	switch fe.Tag() {
	case "required":
		reason = "\"polygon\" is required"
	case "min":
		reason = fmt.Sprintf("requires >= %s points, got %d", fe.Param(), len(body.Polygon))
	case "len":
		idx := strings.TrimSuffix(strings.TrimPrefix(fe.Field(), "Polygon["), "]")
		pair, _ := fe.Value().([]float64)
		reason = fmt.Sprintf("point %s must be a [lon, lat] pair, got %d values", idx, len(pair))
	default:
		reason = fmt.Sprintf("polygon failed the %q check", fe.Tag())
	}
	return &density.InvalidInputError{Reason: reason}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("write response", zap.Error(err))
	}
}

// writeError reports any failure as 500 {"error": message}.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	zap.L().Error("query-density failed",
		zap.String("request_id", r.Header.Get(requestIDHeader)),
		zap.Error(err),
	)
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
