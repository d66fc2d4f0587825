package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/stratus-iac/stratus/internal/engine"
	"github.com/stratus-iac/stratus/internal/ir"
	"github.com/stratus-iac/stratus/internal/provider"
	"github.com/stratus-iac/stratus/internal/state"
	"github.com/stratus-iac/stratus/providers/null"
	"github.com/stratus-iac/stratus/providers/sim"
)

const defaultConfigFile = "stratus.json"

// configFile is the on-disk configuration document: a flat list of resource
// declarations (count/for_each still unexpanded).
type configFile struct {
	Resources []*ir.ResourceNode `json:"resources"`
}

// loadConfig reads and expands the configuration at path (or stratus.json in
// the working directory when args is empty).
func loadConfig(args []string) ([]*ir.ResourceNode, error) {
	path := defaultConfigFile
	if len(args) > 0 {
		path = args[0]
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("failed to stat %s: %w", path, err)
		}
		if info.IsDir() {
			path = filepath.Join(path, defaultConfigFile)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	var cfg configFile
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return engine.Expand(cfg.Resources)
}

// newRegistry returns a registry with all built-in providers available.
func newRegistry() *provider.Registry {
	registry := provider.NewRegistry()
	registry.RegisterFactory(null.Name, null.Factory)
	registry.RegisterFactory(sim.Name, sim.Factory)
	return registry
}

// loadProviders loads every provider referenced by the given nodes plus the
// ones owning instances already in state, which are needed for deletes.
func loadProviders(registry *provider.Registry, nodes []*ir.ResourceNode, snap *ir.Snapshot) error {
	seen := map[string]bool{}
	for _, n := range nodes {
		if n.Provider != "" && !seen[n.Provider] {
			seen[n.Provider] = true
			if err := registry.Load(n.Provider); err != nil {
				return err
			}
		}
	}
	if snap != nil {
		for _, inst := range snap.Resources {
			if inst.Provider != "" && !seen[inst.Provider] {
				seen[inst.Provider] = true
				if err := registry.Load(inst.Provider); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// openStore constructs the state store selected by the root flags.
func openStore(ctx context.Context) (state.Store, error) {
	switch flagBackend {
	case "local":
		return state.NewLocalStore(flagStatePath)
	case "sqlite":
		path := flagStatePath
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			path = filepath.Join(path, "state.db")
		}
		return state.NewSQLiteStore(ctx, path)
	case "s3":
		if flagBackendConfig == "" {
			return nil, fmt.Errorf("the s3 backend requires --backend-config")
		}
		data, err := os.ReadFile(flagBackendConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to read backend config: %w", err)
		}
		var cfg state.S3Config
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("invalid backend config: %w", err)
		}
		return state.NewS3Store(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown backend %q (expected local, sqlite, or s3)", flagBackend)
	}
}

// computePlan runs the full pipeline: config -> graph -> change set.
func computePlan(ctx context.Context, store state.Store, registry *provider.Registry, args []string) (*ir.ChangeSet, *ir.Snapshot, error) {
	nodes, err := loadConfig(args)
	if err != nil {
		return nil, nil, err
	}
	snap, err := store.Read(ctx, workspaceArg())
	if err != nil {
		return nil, nil, err
	}
	if err := loadProviders(registry, nodes, snap); err != nil {
		return nil, nil, err
	}
	graph, err := engine.BuildGraph(nodes)
	if err != nil {
		return nil, nil, err
	}
	cs, err := engine.NewPlanner(registry).Plan(graph, snap)
	if err != nil {
		return nil, nil, err
	}
	return cs, snap, nil
}

const (
	colorReset  = "\033[0m"
	colorGreen  = "\033[32m"
	colorRed    = "\033[31m"
	colorYellow = "\033[33m"
)

func actionColor(a ir.Action) string {
	switch a {
	case ir.ActionCreate:
		return colorGreen
	case ir.ActionDelete:
		return colorRed
	case ir.ActionUpdate, ir.ActionReplace:
		return colorYellow
	default:
		return colorReset
	}
}

// renderChangeSet prints the detailed change list for a plan.
func renderChangeSet(cs *ir.ChangeSet) {
	for _, entry := range cs.Entries {
		color := actionColor(entry.Action)
		fmt.Printf("\n%s  # %s will be %sd%s\n", color, entry.Addr, entry.Action, colorReset)
		fmt.Printf("%s  %s %s {%s\n", color, entry.Action.Symbol(), entry.Addr, colorReset)
		renderDiff(entry.Diff)
		fmt.Printf("%s    }%s\n", color, colorReset)
	}
}

// renderDiff prints per-attribute changes in a stable order.
func renderDiff(diff map[string]*ir.AttributeDiff) {
	keys := make([]string, 0, len(diff))
	for k := range diff {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		d := diff[key]
		suffix := ""
		if d.ForcesReplacement {
			suffix = " # forces replacement"
		}
		switch d.Action {
		case ir.ActionCreate:
			fmt.Printf("%s      + %s = %v%s%s\n", colorGreen, key, formatValue(d.After), suffix, colorReset)
		case ir.ActionDelete:
			fmt.Printf("%s      - %s = %v%s%s\n", colorRed, key, formatValue(d.Before), suffix, colorReset)
		default:
			fmt.Printf("%s      ~ %s = %v -> %v%s%s\n", colorYellow, key, formatValue(d.Before), formatValue(d.After), suffix, colorReset)
		}
	}
}

// formatValue returns a human-readable representation of an attribute value.
func formatValue(v any) string {
	if v == nil {
		return "null"
	}
	if s, ok := v.(string); ok {
		return fmt.Sprintf("%q", s)
	}
	return fmt.Sprintf("%v", v)
}

// renderSummary prints the plan summary counts.
func renderSummary(cs *ir.ChangeSet) {
	fmt.Println("\nPlan Summary:")
	fmt.Printf("  Create:  %d\n", cs.Summary.Create)
	fmt.Printf("  Update:  %d\n", cs.Summary.Update)
	fmt.Printf("  Delete:  %d\n", cs.Summary.Delete)
	fmt.Printf("  Replace: %d\n", cs.Summary.Replace)
	fmt.Printf("  NoOp:    %d\n", cs.Summary.NoOp)
}

// progressCallback renders apply events as they happen.
func progressCallback(ev engine.ApplyEvent) {
	switch ev.Status {
	case "started":
		fmt.Printf("%s: %s...\n", ev.Addr, presentTense(ev.Action))
	case "committed":
		fmt.Printf("%s: %s complete after %s\n", ev.Addr, ev.Action, ev.Duration.Round(time.Millisecond))
	case "failed":
		fmt.Printf("%s%s: %s failed: %v%s\n", colorRed, ev.Addr, ev.Action, ev.Error, colorReset)
	}
}

func presentTense(a ir.Action) string {
	switch a {
	case ir.ActionCreate:
		return "creating"
	case ir.ActionUpdate:
		return "updating"
	case ir.ActionDelete:
		return "destroying"
	case ir.ActionReplace:
		return "replacing"
	}
	return string(a)
}
