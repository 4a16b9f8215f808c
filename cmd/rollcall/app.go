package main

import (
	"fmt"
	"os"
	"path/filepath"

	"rollcall/internal/attendance"
	"rollcall/internal/clock"
	"rollcall/internal/config"
	appLog "rollcall/internal/log"
	"rollcall/internal/occurrence"
	"rollcall/internal/roster"
	"rollcall/internal/safetycode"
	"rollcall/internal/scheduler"
	"rollcall/internal/storage/sqlite"
	"rollcall/internal/web"
)

// app holds the engine wired to one store.
type app struct {
	cfg        *config.Config
	store      *sqlite.Store
	events     *occurrence.Generator
	roster     *roster.Roster
	attendance *attendance.Service
	scheduler  *scheduler.Scheduler
	web        *web.Server
}

func openApp(cfg *config.Config) (*app, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0o700); err != nil {
		return nil, fmt.Errorf("create database dir: %w", err)
	}
	store, err := sqlite.Open(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}
	codes, err := safetycode.NewGenerator(cfg.SafetyCode, nil)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("safety codes: %w", err)
	}

	clk := clock.System{}
	events := occurrence.NewGenerator(store, cfg, clk)
	return &app{
		cfg:        cfg,
		store:      store,
		events:     events,
		roster:     roster.New(store, cfg, clk),
		attendance: attendance.New(store, codes, cfg, clk),
		scheduler:  scheduler.New(store, events, cfg, clk),
		web:        web.NewServer(cfg, store, clk),
	}, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		appLog.Error("close store", err)
	}
}
