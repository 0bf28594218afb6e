package app

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/telehealth/internal/config"
	"github.com/petervdpas/telehealth/internal/signaling"
	"github.com/petervdpas/telehealth/internal/storage"
	"github.com/petervdpas/telehealth/internal/util"
	"github.com/petervdpas/telehealth/internal/viewer"
	"github.com/petervdpas/telehealth/internal/viewer/routes"
)

var log = logging.Logger("app")

// subsystems set by log.level; libp2p's own loggers keep their levels.
var subsystems = []string{"app", "call", "config", "p2p", "signaling", "storage", "viewer"}

type Options struct {
	PeerDir string
	CfgPath string
	Cfg     config.Config

	// Hub is shared by local-backend peers in one process. Nil gives the
	// peer a private hub.
	Hub *signaling.Hub
}

// peer holds the current session and swaps it when the identity or
// signaling settings change.
type peer struct {
	deps sessionDeps

	rebindMu sync.Mutex // serializes rebinds

	mu   sync.RWMutex
	cfg  config.Config
	sess *Session
}

func (p *peer) current() routes.Session {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.sess == nil {
		return nil
	}
	return p.sess
}

func (p *peer) session() *Session {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.sess
}

// rebind applies cfg. Log levels change in place; an identity, signaling,
// ICE or media change ends the running call and opens a fresh session. If
// the new session cannot be opened the previous settings are restored.
func (p *peer) rebind(ctx context.Context, cfg config.Config) error {
	p.rebindMu.Lock()
	defer p.rebindMu.Unlock()

	applyLogLevels(cfg.Log)

	p.mu.Lock()
	old, prev := p.sess, p.cfg
	if old != nil && !prev.SessionChanged(cfg) {
		p.cfg = cfg
		p.mu.Unlock()
		return nil
	}
	p.sess = nil
	p.mu.Unlock()

	if old != nil {
		log.Infof("[%s] session settings changed, rebinding", old.self.UserID)
		old.Close()
	}

	s, err := openSession(ctx, cfg, p.deps)
	if err != nil && old != nil {
		log.Errorf("new session settings failed, keeping the previous ones: %v", err)
		s, cfg = p.reopen(ctx, prev), prev
	}
	p.mu.Lock()
	p.sess = s
	if s != nil {
		p.cfg = cfg
	}
	p.mu.Unlock()
	return err
}

// reopen retries prev until it opens or ctx is done.
func (p *peer) reopen(ctx context.Context, prev config.Config) *Session {
	backoff := time.Second
	for {
		s, err := openSession(ctx, prev, p.deps)
		if err == nil {
			return s
		}
		log.Warnf("reopen previous session: %v (retry in %s)", err, backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (p *peer) close() {
	p.rebindMu.Lock()
	defer p.rebindMu.Unlock()
	p.mu.Lock()
	s := p.sess
	p.sess = nil
	p.mu.Unlock()
	if s != nil {
		s.Close()
	}
}

func applyLogLevels(l config.Log) {
	for _, sys := range subsystems {
		_ = logging.SetLogLevel(sys, l.Level)
	}
	for sys, lvl := range l.Subsystems {
		if err := logging.SetLogLevel(sys, lvl); err != nil {
			log.Warnf("log level for %s: %v", sys, err)
		}
	}
}

// Run serves one peer until ctx is done.
func Run(ctx context.Context, opt Options) error {
	logs := viewer.NewLogBuffer(800)
	pipe := logging.NewPipeReader(logging.PipeFormat(logging.PlaintextOutput))
	defer pipe.Close()
	go func() { _, _ = io.Copy(logs, pipe) }()

	cfg := opt.Cfg
	applyLogLevels(cfg.Log)
	logBanner(opt.PeerDir, opt.CfgPath, cfg)

	db, err := storage.Open(util.ResolvePath(opt.PeerDir, cfg.Storage.DBPath))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	p := &peer{deps: sessionDeps{PeerDir: opt.PeerDir, Hub: opt.Hub, Recorder: db}}
	if err := p.rebind(ctx, cfg); err != nil {
		return err
	}
	defer p.close()

	if opt.CfgPath != "" {
		err := config.Watch(ctx, opt.CfgPath, func(next config.Config) {
			if err := p.rebind(ctx, next); err != nil {
				log.Errorf("session rebind failed: %v", err)
			}
		})
		if err != nil {
			log.Warnf("config hot reload disabled: %v", err)
		}
	}

	if cfg.Viewer.HTTPAddr != "" {
		addr, url := NormalizeLocalViewer(cfg.Viewer.HTTPAddr)
		go func() {
			err := viewer.Start(ctx, addr, viewer.Viewer{
				Current: p.current,
				DB:      db,
				Logs:    logs,
				Debug:   cfg.Viewer.Debug,
			})
			if err != nil {
				log.Errorf("viewer: %v", err)
			}
		}()
		log.Infof("local API: %s/api/call/state", url)
	}

	<-ctx.Done()
	log.Info("shutting down")
	return nil
}
