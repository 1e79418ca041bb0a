package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/mpilhlt/pdf-tei-editor-sub003/internal/config"
	"github.com/mpilhlt/pdf-tei-editor-sub003/internal/content"
	"github.com/mpilhlt/pdf-tei-editor-sub003/internal/database"
	"github.com/mpilhlt/pdf-tei-editor-sub003/internal/encryption"
	"github.com/mpilhlt/pdf-tei-editor-sub003/internal/progress"
	"github.com/mpilhlt/pdf-tei-editor-sub003/internal/remote"
	"github.com/mpilhlt/pdf-tei-editor-sub003/internal/store"
)

// App is the application layer between the CLI and the storage service.
// It constructs all dependencies from config and manages their lifecycle on
// Close.
type App struct {
	cfg       *config.Config
	repo      store.Repository
	content   store.ContentStore
	remote    store.RemoteStore
	encryptor store.Encryptor
	hub       *progress.Hub
	service   *store.Service
	logFile   *os.File
}

// NewApp creates a fully wired App from the given config.
// operation identifies the CLI command being run (e.g. "Save", "Sync").
// The caller must call Close when done.
func NewApp(ctx context.Context, cfg *config.Config, operation string) (*App, error) {
	opID := time.Now().UTC().Format("20060102T150405Z")
	slogger, logFile, err := newLogger(cfg.LogDir, opID)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	logger := &slogAdapter{l: slogger}

	fail := func(err error) (*App, error) {
		logFile.Close()
		return nil, err
	}

	cs, err := content.NewStoreFromConfig(cfg.Content)
	if err != nil {
		return fail(fmt.Errorf("creating content store: %w", err))
	}

	repo, err := database.NewRepositoryFromConfig(cfg.Database, cfg.PeerID)
	if err != nil {
		return fail(fmt.Errorf("creating repository: %w", err))
	}

	if sqlite, ok := repo.(*database.SQLiteRepository); ok && cfg.Database.Type != "memory" {
		if err := sqlite.CheckMigrations(); err != nil {
			repo.Close()
			return fail(fmt.Errorf("database schema out of date (run 'teistore init'): %w", err))
		}
	}

	rs, err := remote.NewStoreFromConfig(ctx, cfg.Remote)
	if err != nil {
		repo.Close()
		return fail(fmt.Errorf("creating remote store: %w", err))
	}

	enc, err := encryption.NewEncryptorFromConfig(cfg.Encryption)
	if err != nil {
		repo.Close()
		return fail(fmt.Errorf("creating encryptor: %w", err))
	}

	hub := progress.NewHub(logger)
	auth := store.RoleAuthorizer{}
	clock := store.RealClock{}
	idgen := store.UUIDGenerator{}

	locks := store.NewLockManager(repo, auth, clock, logger,
		time.Duration(cfg.Locks.TTLSeconds)*time.Second)
	gc := store.NewGarbageCollector(repo, cs, clock, logger,
		time.Duration(cfg.GC.MinAgeHours)*time.Hour)
	sync := store.NewSyncEngine(repo, cs, rs, locks, hub, enc, clock, idgen, logger,
		time.Duration(cfg.Sync.LockTTLMinutes)*time.Minute)

	svc := store.NewService(store.Deps{
		Repository: repo,
		Content:    cs,
		Locks:      locks,
		GC:         gc,
		Sync:       sync,
		Auth:       auth,
		Progress:   hub,
		Logger:     logger,
		Clock:      clock,
		IDGen:      idgen,
	})

	return &App{
		cfg:       cfg,
		repo:      repo,
		content:   cs,
		remote:    rs,
		encryptor: enc,
		hub:       hub,
		service:   svc,
		logFile:   logFile,
	}, nil
}

// Service returns the wired storage service.
func (a *App) Service() *store.Service { return a.service }

// Remote returns the configured remote store.
func (a *App) Remote() store.RemoteStore { return a.remote }

// Encryptor returns the configured encryptor, or nil when encryption is off.
func (a *App) Encryptor() store.Encryptor { return a.encryptor }

// Progress returns the progress hub for subscribing to operation feeds.
func (a *App) Progress() *progress.Hub { return a.hub }

// Config returns the loaded configuration.
func (a *App) Config() *config.Config { return a.cfg }

// ValidateRemote verifies the remote mirror is reachable and usable.
func (a *App) ValidateRemote(ctx context.Context) error {
	return a.remote.Validate(ctx)
}

// InitDatabase brings the metadata database schema to the latest version.
func InitDatabase(cfg *config.Config) error {
	repo, err := database.NewRepositoryFromConfig(cfg.Database, cfg.PeerID)
	if err != nil {
		return fmt.Errorf("creating repository: %w", err)
	}
	defer repo.Close()

	sqlite, ok := repo.(*database.SQLiteRepository)
	if !ok {
		return nil
	}
	if err := sqlite.MigrateUp(); err != nil {
		return fmt.Errorf("migrating database: %w", err)
	}
	return nil
}

// Close releases all resources.
func (a *App) Close() error {
	var firstErr error

	if err := a.repo.Close(); err != nil {
		firstErr = fmt.Errorf("closing repository: %w", err)
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
	return firstErr
}
