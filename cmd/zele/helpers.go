package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	zele "github.com/TrunderHunter/fe-appchat-zele-sub000"
)

// errNoCredentials is returned when init has not been run.
var errNoCredentials = errors.New("no credentials; run 'zele init <token> <user-id>' first")

// session bundles what a command needs to talk to the service.
type session struct {
	cfg    *Config
	log    *zap.Logger
	client *zele.Client
}

// newSession loads the configuration and builds an authenticated client.
func newSession() (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Auth.Token == "" || cfg.Auth.UserID == "" {
		return nil, errNoCredentials
	}
	level := cfg.Default.LogLevel
	if logLevelFlag != "" {
		level = logLevelFlag
	}
	log, err := newLogger(level)
	if err != nil {
		return nil, err
	}

	opts := []zele.ClientOption{zele.WithLogger(log)}
	if cfg.Default.BaseURL != "" {
		opts = append(opts, zele.WithBaseURL(cfg.Default.BaseURL))
	}
	return &session{cfg: cfg, log: log, client: zele.NewClient(cfg.Auth.Token, opts...)}, nil
}

func (s *session) close() {
	_ = s.log.Sync()
}

// openStorage opens the snapshot database unless it is disabled.
func (s *session) openStorage() (zele.Storage, error) {
	if s.cfg.Store.Disabled {
		return zele.NewMemoryStorage(), nil
	}
	dir, err := storeDir(s.cfg)
	if err != nil {
		return nil, err
	}
	return zele.OpenPebbleStorage(dir)
}

// storeDir returns the snapshot directory, defaulting to <config dir>/store.
func storeDir(cfg *Config) (string, error) {
	if cfg.Store.Dir != "" {
		return cfg.Store.Dir, nil
	}
	base, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "store"), nil
}

// startSync starts a synchronizer delivering notices to notifier. The
// returned stop function persists the snapshot and releases everything.
func (s *session) startSync(ctx context.Context, notifier zele.Notifier) (*zele.Synchronizer, func(), error) {
	storage, err := s.openStorage()
	if err != nil {
		return nil, nil, err
	}
	syncer := zele.NewSynchronizer(s.client, &zele.SyncConfig{
		UserID:   s.cfg.Auth.UserID,
		Storage:  storage,
		Notifier: notifier,
		Logger:   s.log,
	})
	stop := func() {
		syncer.Stop()
		if err := storage.Close(); err != nil {
			s.log.Warn("close storage", zap.Error(err))
		}
	}
	if err := syncer.Start(ctx); err != nil {
		stop()
		return nil, nil, err
	}
	return syncer, stop, nil
}

// printNotice writes a notice as one line on stdout.
func printNotice(n zele.Notice) {
	if n.ConversationID != "" {
		fmt.Printf("[%s] %s (%s): %s\n", n.Level, n.Code, n.ConversationID, n.Text)
		return
	}
	fmt.Printf("[%s] %s: %s\n", n.Level, n.Code, n.Text)
}

func displayName(c *zele.Conversation, self string) string {
	if c.Name != "" {
		return c.Name
	}
	for _, p := range c.Participants {
		if p.UserID != self {
			if p.DisplayName != "" {
				return p.DisplayName
			}
			return p.UserID
		}
	}
	return c.ID
}
