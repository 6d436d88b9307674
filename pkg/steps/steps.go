package steps

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/ferrohq/ferro/pkg/config"
	"github.com/ferrohq/ferro/pkg/driver"
	"github.com/ferrohq/ferro/pkg/ferroerr"
	"github.com/ferrohq/ferro/pkg/log"
	"github.com/ferrohq/ferro/pkg/types"
)

// coreSteps can never be removed from a plan. Disabling one through a
// user request or a priority override is rejected.
var coreSteps = map[string]bool{
	"deploy.deploy": true,
}

// IsCore reports whether a step key names a core step.
func IsCore(key string) bool {
	return coreSteps[key]
}

// ResolveOptions tune one plan resolution.
type ResolveOptions struct {
	// UserSteps are request-supplied steps; highest precedence.
	UserSteps []types.Step
	// EnabledOnly drops steps whose merged priority is zero or below.
	// Callers that present a full step catalog (including disabled
	// entries) leave it false.
	EnabledOnly bool
	// SkipMissing drops user steps the drivers don't support instead of
	// failing resolution.
	SkipMissing bool
	// Sort orders the plan by descending priority before returning it.
	Sort bool
}

// Resolver builds execution plans from driver defaults, matched
// templates and user-supplied steps.
type Resolver struct {
	cfg       *config.Config
	templates TemplateSource
	logger    zerolog.Logger
}

// NewResolver creates a resolver. templates may be nil when no template
// source is configured.
func NewResolver(cfg *config.Config, templates TemplateSource) *Resolver {
	return &Resolver{
		cfg:       cfg,
		templates: templates,
		logger:    log.WithComponent("steps"),
	}
}

// Resolve produces the execution plan for one node and phase. The three
// sources merge with fixed precedence: driver defaults lowest, matched
// templates above them, user steps highest. Identity for merging is the
// (interface, step) pair. Operator priority overrides from
// configuration apply last and a zero override removes the step
// outright; a user or template disable leaves the entry at priority
// zero, which drops out when EnabledOnly is set. The plan then sorts
// by descending priority.
func (r *Resolver) Resolve(ctx context.Context, node *types.Node, bundle *driver.Bundle, phase types.Phase, opts ResolveOptions) ([]types.Step, error) {
	plan := r.DriverSteps(bundle, phase)

	tmplSteps, err := r.TemplateSteps(ctx, node, phase)
	if err != nil {
		return nil, err
	}
	if err := validateTemplateSteps(plan, tmplSteps); err != nil {
		return nil, err
	}
	plan = Merge(plan, tmplSteps)

	if len(opts.UserSteps) > 0 {
		user, err := r.ValidateUserSteps(plan, opts.UserSteps, opts.SkipMissing)
		if err != nil {
			return nil, err
		}
		plan = Merge(plan, user)
	}

	plan, err = r.ApplyOverrides(plan, phase)
	if err != nil {
		return nil, err
	}

	if opts.EnabledOnly {
		enabled := plan[:0]
		for _, s := range plan {
			if s.Priority > 0 {
				enabled = append(enabled, s)
			}
		}
		plan = enabled
	}

	if opts.Sort {
		// Stable: steps with equal priority keep their merge order.
		sort.SliceStable(plan, func(i, j int) bool {
			return plan[i].Priority > plan[j].Priority
		})
	}

	r.logger.Debug().
		Str("node_uuid", node.UUID).
		Str("phase", string(phase)).
		Int("steps", len(plan)).
		Msg("resolved step plan")
	return plan, nil
}

// DriverSteps collects the default steps every interface of the bundle
// advertises for the phase. Ramdisk-dependent steps are dropped when
// ramdisk use is disabled in configuration.
func (r *Resolver) DriverSteps(bundle *driver.Bundle, phase types.Phase) []types.Step {
	var out []types.Step
	for _, iface := range bundle.Interfaces() {
		for _, s := range iface.Steps(phase) {
			if s.Interface == "" {
				s.Interface = iface.Name()
			}
			if s.RequiresRamdisk && r.cfg.DisableRamdiskSteps {
				continue
			}
			out = append(out, s)
		}
	}
	return out
}

// TemplateSteps returns the steps of every template whose name appears
// in the node's effective trait set. Templates only participate in the
// deploy phase.
func (r *Resolver) TemplateSteps(ctx context.Context, node *types.Node, phase types.Phase) ([]types.Step, error) {
	if r.templates == nil || phase != types.PhaseDeploy {
		return nil, nil
	}
	tmpls, err := r.templates.TemplatesFor(ctx, node)
	if err != nil {
		return nil, fmt.Errorf("failed to load deploy templates for node %s: %w", node.UUID, err)
	}
	var out []types.Step
	for _, tmpl := range tmpls {
		out = append(out, tmpl.Steps...)
	}
	return out, nil
}

// ValidateUserSteps checks request-supplied steps against the merged
// driver/template plan. A user step must name a supported step unless
// skipMissing is set, must not disable a core step, and must satisfy
// the declared argument contract. Setting priority zero on a supported
// non-core step is always legal; it disables the step, so its
// arguments are not validated.
func (r *Resolver) ValidateUserSteps(plan []types.Step, user []types.Step, skipMissing bool) ([]types.Step, error) {
	byKey := make(map[string]types.Step, len(plan))
	for _, s := range plan {
		byKey[s.Key()] = s
	}

	var out []types.Step
	var problems []string
	for _, us := range user {
		base, supported := byKey[us.Key()]
		if !supported {
			if skipMissing {
				r.logger.Warn().Str("step", us.Key()).Msg("skipping unsupported user step")
				continue
			}
			problems = append(problems, fmt.Sprintf("step %q is not supported by the node's drivers", us.Key()))
			continue
		}
		if us.Priority == 0 {
			if IsCore(us.Key()) {
				problems = append(problems, fmt.Sprintf("step %q is a core step and cannot be disabled", us.Key()))
				continue
			}
			out = append(out, us)
			continue
		}
		if err := validateArgs(base, us); err != nil {
			problems = append(problems, err.Error())
			continue
		}
		out = append(out, us)
	}

	if len(problems) > 0 {
		return nil, ferroerr.Invalidf("invalid steps: %s", ferroerr.JoinReasons(problems))
	}
	return out, nil
}

// validateTemplateSteps holds trait-matched template steps to the same
// core-step and argument rules as user steps. Unlike user steps,
// templates are a step source: entries the drivers don't advertise are
// legal additions, not errors.
func validateTemplateSteps(plan, tmpl []types.Step) error {
	if len(tmpl) == 0 {
		return nil
	}
	byKey := make(map[string]types.Step, len(plan))
	for _, s := range plan {
		byKey[s.Key()] = s
	}

	var problems []string
	for _, ts := range tmpl {
		if ts.Priority == 0 {
			if IsCore(ts.Key()) {
				problems = append(problems, fmt.Sprintf("step %q is a core step and cannot be disabled", ts.Key()))
			}
			continue
		}
		if base, ok := byKey[ts.Key()]; ok {
			if err := validateArgs(base, ts); err != nil {
				problems = append(problems, err.Error())
			}
		}
	}
	if len(problems) > 0 {
		return ferroerr.Invalidf("invalid deploy template steps: %s", ferroerr.JoinReasons(problems))
	}
	return nil
}

func validateArgs(base, us types.Step) error {
	for name, info := range base.ArgsInfo {
		if !info.Required {
			continue
		}
		if _, ok := us.Args[name]; !ok {
			return fmt.Errorf("step %q is missing required argument %q", us.Key(), name)
		}
	}
	if len(base.ArgsInfo) > 0 {
		for name := range us.Args {
			if _, ok := base.ArgsInfo[name]; !ok {
				return fmt.Errorf("step %q does not accept argument %q", us.Key(), name)
			}
		}
	}
	return nil
}

// Merge overlays steps onto a base plan. A step whose (interface, step)
// pair exists in the base replaces it in place, keeping the base
// position; new steps append in overlay order. An overlay entry with
// priority zero disables the base step in place, so it stays visible in
// catalog views and drops out of enabled plans; core steps keep their
// original priority.
func Merge(base, overlay []types.Step) []types.Step {
	if len(overlay) == 0 {
		return base
	}

	index := make(map[string]int, len(base))
	out := make([]types.Step, len(base))
	copy(out, base)
	for i, s := range out {
		index[s.Key()] = i
	}

	for _, ov := range overlay {
		key := ov.Key()
		i, ok := index[key]
		if ov.Priority == 0 {
			// Disabling a step the plan never had adds nothing.
			if ok && !IsCore(key) {
				out[i].Priority = 0
			}
			continue
		}
		if ok {
			// Carry the argument contract forward so later user steps
			// still validate against it.
			if ov.ArgsInfo == nil {
				ov.ArgsInfo = out[i].ArgsInfo
			}
			out[i] = ov
		} else {
			index[key] = len(out)
			out = append(out, ov)
		}
	}
	return out
}

// ApplyOverrides rewrites step priorities from the operator override
// table for the phase. A zero override removes the step from the plan
// entirely, so it never appears even in catalog views; removing a core
// step this way is a configuration error.
func (r *Resolver) ApplyOverrides(plan []types.Step, phase types.Phase) ([]types.Step, error) {
	overrides := r.cfg.StepOverridesFor(string(phase))
	if len(overrides) == 0 {
		return plan, nil
	}

	out := plan[:0]
	for _, s := range plan {
		if prio, ok := overrides[s.Key()]; ok {
			if prio == 0 {
				if IsCore(s.Key()) {
					return nil, ferroerr.Invalidf("configuration disables core step %q", s.Key())
				}
				continue
			}
			s.Priority = prio
		}
		out = append(out, s)
	}
	return out, nil
}
