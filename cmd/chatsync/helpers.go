package main

import (
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/LuminPulse-AI/chatsync"
	"github.com/LuminPulse-AI/chatsync/pebblestate"
)

// session is everything a command needs to drive the engine.
type session struct {
	cfg    *Config
	logger *zap.Logger
	client *chatsync.Client
	state  *pebblestate.Store
	engine *chatsync.Engine
}

func (s *session) Close() {
	if s.engine != nil {
		s.engine.Stop()
	}
	if s.state != nil {
		if err := s.state.Close(); err != nil {
			s.logger.Warn("state_close_failed", zap.Error(err))
		}
	}
	_ = s.logger.Sync()
}

func newLogger() (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	return cfg.Build()
}

// requireSession loads the config and fails when no session is stored.
func requireSession() (*Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Auth.Token == "" || cfg.Auth.SelfID == "" {
		return nil, fmt.Errorf("no session. Run 'chatsync init <token> --self-id <id>' first")
	}
	return cfg, nil
}

func getClient(cfg *Config) *chatsync.Client {
	var opts []chatsync.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, chatsync.WithBaseURL(cfg.Default.BaseURL))
	}
	return chatsync.NewClient(cfg.Auth.Token, opts...)
}

func statePath(cfg *Config) (string, error) {
	if cfg.Default.StateDir != "" {
		return cfg.Default.StateDir, nil
	}
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "state"), nil
}

func engineConfig(cfg *Config) (chatsync.Config, error) {
	out := chatsync.Config{SelfID: cfg.Auth.SelfID, PageSize: cfg.Engine.PageSize}
	var err error
	if cfg.Engine.PermissionDebounce != "" {
		if out.PermissionDebounce, err = time.ParseDuration(cfg.Engine.PermissionDebounce); err != nil {
			return out, fmt.Errorf("engine.permission_debounce: %w", err)
		}
	}
	if cfg.Engine.SeenInterval != "" {
		if out.SeenInterval, err = time.ParseDuration(cfg.Engine.SeenInterval); err != nil {
			return out, fmt.Errorf("engine.seen_interval: %w", err)
		}
	}
	return out, nil
}

// openSession builds an engine on the REST client and the persisted window
// state. transport may be nil for one-shot commands.
func openSession(transport chatsync.MessageTransport, opts ...chatsync.Option) (*session, error) {
	cfg, err := requireSession()
	if err != nil {
		return nil, err
	}
	logger, err := newLogger()
	if err != nil {
		return nil, err
	}
	s := &session{cfg: cfg, logger: logger, client: getClient(cfg)}

	path, err := statePath(cfg)
	if err != nil {
		return nil, err
	}
	if s.state, err = pebblestate.Open(path); err != nil {
		return nil, err
	}

	ecfg, err := engineConfig(cfg)
	if err != nil {
		s.Close()
		return nil, err
	}
	opts = append([]chatsync.Option{
		chatsync.WithLogger(logger),
		chatsync.WithUIState(s.state),
	}, opts...)
	s.engine, err = chatsync.NewEngine(ecfg, chatsync.Deps{
		Transport: transport,
		Fetcher:   s.client,
		Sender:    s.client,
		Admin:     s.client,
	}, opts...)
	if err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// printEvents writes engine events to stdout, one line each.
func printEvents(e *chatsync.Engine) {
	e.On(chatsync.EventMessageNew, func(_ string, p any) {
		m := p.(chatsync.MessagePayload).Message
		fmt.Printf("[%s] %s %s: %s\n", m.ConversationID, m.ID, m.SenderID, m.Content)
	})
	e.On(chatsync.EventMessageConfirmed, func(_ string, p any) {
		m := p.(chatsync.MessagePayload).Message
		fmt.Printf("[%s] sent %s (was %s)\n", m.ConversationID, m.ID, m.TempID)
	})
	e.On(chatsync.EventMessageFailed, func(_ string, p any) {
		m := p.(chatsync.MessagePayload).Message
		fmt.Printf("[%s] failed %s\n", m.ConversationID, m.TempID)
	})
	e.On(chatsync.EventSeenPlaced, func(_ string, p any) {
		sp := p.(chatsync.SeenPayload)
		fmt.Printf("[%s] %s saw %s\n", sp.ConversationID, sp.AccountID, sp.MessageKey)
	})
	e.On(chatsync.EventConversationPromoted, func(_ string, p any) {
		pp := p.(chatsync.PromotionPayload)
		fmt.Printf("conversation %s is now %s\n", pp.OldID, pp.NewID)
	})
	e.On(chatsync.EventNotice, func(_ string, p any) {
		n := p.(chatsync.Notice)
		fmt.Printf("[%s] %s\n", n.ConversationID, n.Message)
	})
	e.On(chatsync.EventTyping, func(_ string, p any) {
		t := p.(chatsync.TypingEvent)
		if t.IsTyping {
			fmt.Printf("[%s] %s is typing\n", t.ConversationID, t.AccountID)
		}
	})
}
