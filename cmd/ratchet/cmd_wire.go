package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"ratchet/internal/baseline"
	"ratchet/internal/checklist"
	"ratchet/internal/checkpoint"
	"ratchet/internal/config"
	"ratchet/internal/eventlog"
	"ratchet/internal/monitor"
	"ratchet/internal/preflight"
	"ratchet/internal/registry"
	"ratchet/internal/testrunner"
	"ratchet/internal/vcs"
	"ratchet/internal/verify"
)

// engine bundles every component cmd_*.go needs, wired once from the
// resolved workspace root.
type engine struct {
	ws               string
	stateDir         string
	catalogPath      string
	narrativePath    string
	sessionStatePath string
	baselinePath     string
	checklistPath    string

	cfg       *config.Config
	reg       *registry.Registry
	bstore    *baseline.Store
	cpMgr     *checkpoint.Manager
	pfRunner  *preflight.Runner
	repo      *vcs.Repo
	events    *eventlog.Store
	runner    *testrunner.Runner
	mon       *monitor.Monitor
	vEngine   *verify.Engine
	checklist *checklist.Store
}

func resolveWorkspace() (string, error) {
	ws := workspace
	if ws == "" {
		var err error
		ws, err = os.Getwd()
		if err != nil {
			return "", err
		}
	}
	abs, err := filepath.Abs(ws)
	if err != nil {
		return "", err
	}
	return abs, nil
}

func newEngine() (*engine, error) {
	ws, err := resolveWorkspace()
	if err != nil {
		return nil, fmt.Errorf("resolve workspace: %w", err)
	}

	stateDir := filepath.Join(ws, ".ratchet")
	catalogPath := filepath.Join(ws, "catalog.yaml")
	narrativePath := filepath.Join(ws, "narrative.md")
	sessionStatePath := filepath.Join(stateDir, "session_state.json")
	baselinePath := filepath.Join(stateDir, "baseline.json")
	checklistPath := filepath.Join(stateDir, "checklist.json")

	cfgPath := configPath
	if cfgPath == "" {
		cfgPath = filepath.Join(stateDir, "config.yaml")
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	catalogBytes, err := os.ReadFile(catalogPath)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", catalogPath, err)
	}
	reg, warnings, err := registry.Load(catalogBytes)
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	for _, w := range warnings {
		fmt.Fprintf(os.Stderr, "catalog warning: %v\n", w)
	}

	bstore, err := baseline.Load(baselinePath)
	if err != nil {
		return nil, fmt.Errorf("load baseline: %w", err)
	}

	clStore, err := checklist.Load(checklistPath)
	if err != nil {
		return nil, fmt.Errorf("load checklist: %w", err)
	}

	repo := vcs.Open(ws)
	cpMgr := checkpoint.NewManager(filepath.Join(stateDir, "checkpoints"), checkpoint.Paths{
		CatalogPath:      catalogPath,
		NarrativePath:    narrativePath,
		SessionStatePath: sessionStatePath,
		BaselinePath:     baselinePath,
	}, repo)

	events, err := eventlog.Open(filepath.Join(stateDir, "events"))
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}

	runner := testrunner.New(ws)

	pf := preflight.NewRunner(preflight.Config{
		WorkspaceRoot:     ws,
		RequiredArtifacts: preflight.RequiredArtifactPaths(ws),
		Repo:              repo,
		Baseline:          bstore,
		RunBaselineSuite:  runner.RunSuite,
		ResetRetryCap:     cfg.PreflightMaxResetTries,
	})

	mon := monitor.NewMonitor(monitor.DefaultThresholds(), cfg.WallClockSessionTimeout.AsDuration(), 200000)

	revertPolicy := verify.RevertBitOnly
	if cfg.RejectClaimPolicy == config.RejectClaimBitAndTree {
		revertPolicy = verify.RevertBitAndTree
	}
	vEngine := verify.NewEngine(verify.Collaborators{
		Registry:     reg,
		Baseline:     bstore,
		RunFeature:   runner.RunTest,
		RunFullSuite: runner.RunSuite,
		RunLint:      runner.RunLint,
		RevertTree: func(ctx context.Context) error {
			return repo.ResetHard(ctx, "HEAD")
		},
		Policy: revertPolicy,
		Checklist: func(featureID int) (approved bool, answered bool, err error) {
			a, ok, err := clStore.Take(featureID)
			if err != nil || !ok {
				return false, false, err
			}
			return a.Approved, true, nil
		},
	})

	return &engine{
		ws:               ws,
		stateDir:         stateDir,
		catalogPath:      catalogPath,
		narrativePath:    narrativePath,
		sessionStatePath: sessionStatePath,
		baselinePath:     baselinePath,
		checklistPath:    checklistPath,
		cfg:              cfg,
		reg:              reg,
		bstore:           bstore,
		cpMgr:            cpMgr,
		pfRunner:         pf,
		repo:             repo,
		events:           events,
		runner:           runner,
		mon:              mon,
		vEngine:          vEngine,
		checklist:        clStore,
	}, nil
}

func (e *engine) Close() {
	if e.events != nil {
		e.events.Close()
	}
}
