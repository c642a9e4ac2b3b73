package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ppiankov/rmacd/internal/alert"
	"github.com/ppiankov/rmacd/internal/approval"
	"github.com/ppiankov/rmacd/internal/audit"
	"github.com/ppiankov/rmacd/internal/emergency"
	"github.com/ppiankov/rmacd/internal/enforce"
	"github.com/ppiankov/rmacd/internal/metrics"
	"github.com/ppiankov/rmacd/internal/policy"
	"github.com/ppiankov/rmacd/internal/profile"
	"github.com/ppiankov/rmacd/internal/registry"
	"github.com/ppiankov/rmacd/internal/store"
)

// gateScope is the store scope of the enforcement gate's audit chain.
const gateScope = "gate"

func registryScope(id string) string {
	return "registry:" + id
}

// env holds the persistent components a command works against. It is
// built from cfg and must be closed.
type env struct {
	store   *store.Store
	reg     *registry.Registry
	prom    *prometheus.Registry
	metrics *metrics.Metrics
	alerts  *alert.Dispatcher
}

// openEnv opens the database, restores the registry's audit chain and
// reloads its saved catalog.
func openEnv(ctx context.Context) (*env, error) {
	st, err := store.Open(ctx, cfg.DB, store.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	prom := prometheus.NewRegistry()
	m := metrics.New(prom)
	scope := registryScope(cfg.RegistryID)
	reg := registry.New(cfg.RegistryID,
		registry.WithRiskPolicy(cfg.Risk),
		registry.WithLogger(logger),
		registry.WithMetrics(m),
		registry.WithAuditSink(st.AuditSink(scope)))

	entries, err := st.LoadAudit(ctx, scope)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	if err := reg.RestoreAudit(entries); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("restore registry audit: %w", err)
	}
	if err := st.LoadCatalog(ctx, reg, registry.WithImportRestore()); err != nil && !errors.Is(err, store.ErrNoCatalog) {
		_ = st.Close()
		return nil, err
	}

	return &env{
		store:   st,
		reg:     reg,
		prom:    prom,
		metrics: m,
		alerts:  alert.NewDispatcher(cfg.Alerts, alert.WithLogger(logger)),
	}, nil
}

// Close waits for pending webhook deliveries and closes the database.
func (e *env) Close() error {
	e.alerts.Wait()
	return e.store.Close()
}

// save persists the registry's catalog.
func (e *env) save(ctx context.Context) error {
	return e.store.SaveCatalog(ctx, e.reg)
}

// loadProfile resolves the configured profile.
func loadProfile() (*profile.Profile, error) {
	p, err := profile.Load(cfg.Profile)
	if err != nil {
		return nil, fmt.Errorf("failed to load profile %q: %w", cfg.Profile, err)
	}
	return p, nil
}

// openGate builds an enforcement gate for the configured profile with the
// approval queue, emergency store and a gate audit chain persisted in e.
func (e *env) openGate(ctx context.Context) (*enforce.Gate, *approval.Store, *emergency.Store, error) {
	p, err := loadProfile()
	if err != nil {
		return nil, nil, nil, err
	}
	holder, err := policy.NewHolder(p)
	if err != nil {
		return nil, nil, nil, err
	}

	approvals, aerr := approval.NewStore(cfg.ApprovalDir)
	emergencies, eerr := emergency.NewStore(cfg.EmergencyDir)
	if err := multierr.Combine(aerr, eerr); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open stores: %w", err)
	}

	entries, err := e.store.LoadAudit(ctx, gateScope)
	if err != nil {
		return nil, nil, nil, err
	}
	log := audit.NewLog(audit.WithSink(e.store.AuditSink(gateScope)), audit.WithLogger(logger))
	if err := log.Restore(entries); err != nil {
		return nil, nil, nil, fmt.Errorf("restore gate audit: %w", err)
	}

	gate := enforce.NewGate(holder,
		enforce.WithApprovals(approvals),
		enforce.WithEmergencies(emergencies),
		enforce.WithAuditLog(log),
		enforce.WithMetrics(e.metrics),
		enforce.WithAlerts(e.alerts),
		enforce.WithLogger(logger))
	logger.Debug("gate ready", zap.String("profile", p.ID), zap.Int("audit_entries", len(entries)))
	return gate, approvals, emergencies, nil
}

func printJSON(w io.Writer, v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(out))
	return err
}
