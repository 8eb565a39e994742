package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"ahi-viewer-rest/healthimaging"
)

// Handlers holds dependencies shared by HTTP handlers.
type Handlers struct {
	Cfg    Config
	Images healthimaging.Service
}

func newMux(h *Handlers) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", h.HealthHandler)

	// Image-set search: GET with query params or POST with a JSON body
	mux.HandleFunc("/search", h.SearchHandler)

	// Metadata and single-frame retrieval for the viewer
	mux.HandleFunc("/view/", h.ViewHandler)

	return otelhttp.NewHandler(withCORS(mux), "ahi-viewer-rest")
}

func main() {
	cfg, err := LoadConfig()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	ctx := context.Background()
	if cfg.Mode == healthimaging.ModeLive && cfg.Provider == healthimaging.ProviderAWS {
		if err := loadAWSCredentials(ctx, &cfg); err != nil {
			log.Fatalf("failed to load AWS credentials: %v", err)
		}
	}

	images, closeImages, err := healthimaging.Open(ctx, cfg.ServiceOptions())
	if err != nil {
		log.Fatalf("failed to init image service: %v", err)
	}
	defer func() {
		if err := closeImages(); err != nil {
			log.Printf("error closing image service: %v", err)
		}
	}()

	h := &Handlers{
		Cfg:    cfg,
		Images: images,
	}

	addr := ":" + cfg.Port
	server := &http.Server{
		Addr:              addr,
		Handler:           newMux(h),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("AHI viewer REST server listening on %s (mode=%s provider=%s)", addr, cfg.Mode, cfg.Provider)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	// Graceful shutdown on SIGINT/SIGTERM
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Println("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("server shutdown error: %v", err)
	}
}
