package lawbook

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"redress/core/utils"
)

// ErrNotConfigured means no governance document exists. Operations marked
// "requires governance" must fail on it instead of falling back to defaults.
var ErrNotConfigured = errors.New("lawbook not configured")

// Document is the operator-authored guardrail set. Thresholds gate the
// stop-rule evaluator; allowlists and ALB mappings gate playbook steps.
type Document struct {
	MaxRerunsPerJob         int                 `yaml:"max_reruns_per_job"`
	MaxTotalRerunsPerPr     int                 `yaml:"max_total_reruns_per_pr"`
	MaxWaitMinutesForGreen  int                 `yaml:"max_wait_minutes_for_green"`
	CooldownMinutes         int                 `yaml:"cooldown_minutes"`
	BlockOnFailureClasses   []string            `yaml:"block_on_failure_classes"`
	NoSignalChangeThreshold int                 `yaml:"no_signal_change_threshold"`
	Allowlists              map[string][]string `yaml:"allowlists"`
	ALBMappings             []ALBMapping        `yaml:"alb_mappings"`
}

// ALBMapping resolves a load-balancer identifier to the cluster/service
// pair a redeploy step must target.
type ALBMapping struct {
	ALB     string `yaml:"alb"`
	Cluster string `yaml:"cluster"`
	Service string `yaml:"service"`
}

// Snapshot is one loaded document plus the content hash that becomes the
// lawbook_version stamped onto incidents and runs.
type Snapshot struct {
	Hash string
	Doc  Document
}

type Loader interface {
	Load(ctx context.Context) (*Snapshot, error)
}

// FileLoader reads a YAML lawbook from disk. A missing file is reported as
// ErrNotConfigured, not as an I/O failure.
type FileLoader struct {
	Path string
}

func (l FileLoader) Load(ctx context.Context) (*Snapshot, error) {
	if l.Path == "" {
		return nil, ErrNotConfigured
	}
	raw, err := os.ReadFile(l.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotConfigured
		}
		return nil, err
	}
	var doc Document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	sum := sha256.Sum256(raw)
	return &Snapshot{Hash: hex.EncodeToString(sum[:]), Doc: doc}, nil
}

// DefaultDocument is the conservative rule set used by callers that may
// proceed without governance (ingestion). It allows nothing mutating:
// allowlists stay empty, so every target check denies.
func DefaultDocument() Document {
	return Document{
		MaxRerunsPerJob:         1,
		MaxTotalRerunsPerPr:     2,
		MaxWaitMinutesForGreen:  30,
		CooldownMinutes:         15,
		BlockOnFailureClasses:   []string{"compile", "syntax", "permission denied"},
		NoSignalChangeThreshold: 2,
	}
}

// Gate owns the cached lawbook snapshot. The cache is an explicit value
// with a load timestamp and an explicit Invalidate, refreshed lazily once
// it exceeds maxAge; configuration-change events call Invalidate.
type Gate struct {
	loader Loader
	maxAge time.Duration
	logger *utils.Logger

	mu       sync.Mutex
	cached   *Snapshot
	loadedAt time.Time
}

func NewGate(loader Loader, maxAge time.Duration, logger *utils.Logger) *Gate {
	if maxAge <= 0 {
		maxAge = 10 * time.Minute
	}
	return &Gate{loader: loader, maxAge: maxAge, logger: logger}
}

func (g *Gate) Invalidate() {
	g.mu.Lock()
	g.cached = nil
	g.loadedAt = time.Time{}
	g.mu.Unlock()
}

// Required returns the active snapshot or ErrNotConfigured. Remediation
// execution depends on it: no lawbook, no mutating action.
func (g *Gate) Required(ctx context.Context) (*Snapshot, error) {
	g.mu.Lock()
	if g.cached != nil && time.Since(g.loadedAt) <= g.maxAge {
		snap := g.cached
		g.mu.Unlock()
		return snap, nil
	}
	g.mu.Unlock()

	snap, err := g.loader.Load(ctx)
	if err != nil {
		return nil, err
	}
	g.mu.Lock()
	g.cached = snap
	g.loadedAt = time.Now().UTC()
	g.mu.Unlock()
	return snap, nil
}

// OrDefault returns the active snapshot, or the conservative default set
// (with an empty hash) when governance is absent or unreadable.
func (g *Gate) OrDefault(ctx context.Context) *Snapshot {
	snap, err := g.Required(ctx)
	if err != nil {
		if !errors.Is(err, ErrNotConfigured) && g.logger != nil {
			g.logger.Errorf("lawbook load: %v", err)
		}
		return &Snapshot{Doc: DefaultDocument()}
	}
	return snap
}

// CurrentVersion reports the active lawbook hash for ingestion stamping,
// or nil when governance is not configured.
func (g *Gate) CurrentVersion(ctx context.Context) *string {
	snap, err := g.Required(ctx)
	if err != nil || snap.Hash == "" {
		return nil
	}
	hash := snap.Hash
	return &hash
}
