package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/edvoss/lectern/internal/book"
	"github.com/edvoss/lectern/internal/config"
	"github.com/edvoss/lectern/internal/history"
	"github.com/edvoss/lectern/internal/httpapi"
	"github.com/edvoss/lectern/internal/observability"
	"github.com/edvoss/lectern/internal/reader"
	"github.com/edvoss/lectern/internal/reliability"
	"github.com/edvoss/lectern/internal/session"
	"github.com/edvoss/lectern/internal/speech"
)

const sampleBookText = `The harbor was quiet when the Meridian slipped her moorings. Captain Elena Voss
had sailed these waters for twenty years, but the chart on her table showed a
course she had never dared before. Beyond the breakwater the swell lifted the
bow, and the crew fell into the old rhythm of watch and sleep.

On the third morning a line of cloud stood on the horizon like a wall. The
first mate wanted to run south around it. Voss studied the glass, tapped it
twice, and ordered the storm sails bent on. She had read that wall of cloud
before, and she knew what waited behind it was wind, not ruin.

The storm took them for a day and a night. When it passed, the Meridian rode
a clean sea under torn rigging, and the crew looked at their captain a little
differently than they had in port. The voyage was young, and the chart still
held its unmarked waters, but no one spoke again of turning south.`

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	store, err := history.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("history store init failed: %v", err)
	}
	defer store.Close()

	library := book.NewLibrary()
	library.Add(book.LoadPlainText("the-voyage-of-the-meridian", "The Voyage of the Meridian", "", sampleBookText))
	if cfg.BookDir != "" {
		n, err := loadBookDir(library, cfg.BookDir)
		if err != nil {
			log.Fatalf("book dir load failed: %v", err)
		}
		log.Printf("loaded %d book(s) from %s", n, cfg.BookDir)
	}

	// Mock speech providers stand in until a real synthesizer/recognizer
	// backend is wired; the engine only sees the interfaces. The synthesis
	// path runs through the same failover and retry stack a real backend
	// would.
	generator := speech.NewWorkerGenerator(speech.NewMockGenerator())
	defer generator.Close()

	synth := speech.NewFailoverSynthesizer(
		speech.NewMockSynthesizer(), speech.NewMockSynthesizer(), cfg.Voice)
	providers := reader.Providers{
		Synthesizer: reliability.NewRetryingSynthesizer(synth, 3, 100*time.Millisecond, time.Second),
		Recognizer:  speech.NewMockRecognizer(),
		Generator:   generator,
	}

	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	sessions.SetExpireHook(func(_ *session.Session) {
		metrics.SessionEvents.WithLabelValues("expired").Inc()
		metrics.ActiveSessions.Set(float64(sessions.ActiveCount()))
	})

	engine := reader.NewEngine(cfg, library, providers, store, metrics)

	api := httpapi.New(cfg, sessions, library, engine, metrics)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	sessions.StartJanitor(runCtx, 5*time.Second)

	go func() {
		log.Printf("server listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}

// loadBookDir adds every .txt file under dir as a book. The file name (minus
// extension) becomes the book id; the first line becomes the title.
func loadBookDir(library *book.Library, dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), ".txt") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return loaded, err
		}
		id := strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		title := id
		text := string(data)
		if line, rest, ok := strings.Cut(text, "\n"); ok && strings.TrimSpace(line) != "" {
			title = strings.TrimSpace(line)
			text = rest
		}
		b := book.LoadPlainText(id, title, "", text)
		if b.ChapterCount() == 0 {
			log.Printf("skipping %s: no readable sentences", entry.Name())
			continue
		}
		library.Add(b)
		loaded++
	}
	return loaded, nil
}
