package orchestrator

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ferrohq/ferro/pkg/config"
	"github.com/ferrohq/ferro/pkg/driver"
	"github.com/ferrohq/ferro/pkg/events"
	"github.com/ferrohq/ferro/pkg/ferroerr"
	"github.com/ferrohq/ferro/pkg/health"
	"github.com/ferrohq/ferro/pkg/log"
	"github.com/ferrohq/ferro/pkg/metrics"
	"github.com/ferrohq/ferro/pkg/steps"
	"github.com/ferrohq/ferro/pkg/task"
	"github.com/ferrohq/ferro/pkg/types"
)

// Orchestrator drives the provisioning phases over an exclusive task.
// It owns the phase lifecycle: the state machine events, plan
// resolution and persistence, step execution, suspension on
// asynchronous steps and the error bookkeeping on the node record.
type Orchestrator struct {
	resolver *steps.Resolver
	broker   *events.Broker
	cfg      *config.Config
	logger   zerolog.Logger
}

// New creates an orchestrator.
func New(resolver *steps.Resolver, broker *events.Broker, cfg *config.Config) *Orchestrator {
	return &Orchestrator{
		resolver: resolver,
		broker:   broker,
		cfg:      cfg,
		logger:   log.WithComponent("orchestrator"),
	}
}

// Verify validates a node's driver configuration against the live BMC
// and records first facts about the machine. Success moves the node
// from enroll to manageable; any failure records the cause on the node
// and returns it to enroll, where the operator can fix credentials and
// try again.
func (o *Orchestrator) Verify(ctx context.Context, t *task.Task) error {
	node, err := t.Node()
	if err != nil {
		return err
	}
	bundle, err := t.Driver()
	if err != nil {
		return err
	}

	if err := t.ProcessEvent(ctx, types.EventVerify); err != nil {
		return err
	}
	o.notifyPhase(events.NotifyPhaseStart, node, types.PhaseVerify, "")

	if err := bundle.Power.Validate(ctx, node); err != nil {
		return o.failPhase(ctx, t, node, types.PhaseVerify, err)
	}

	// Probe the BMC before talking to it. Nodes without a probeable
	// address fall through to the driver calls, which carry their own
	// failure reporting.
	if checker, cerr := health.ForNode(node); cerr == nil {
		if res := checker.Check(ctx); !res.Healthy {
			return o.failPhase(ctx, t, node, types.PhaseVerify,
				fmt.Errorf("BMC for node %s is unreachable: %s", node.UUID, res.Message))
		}
	}

	power, err := bundle.Power.PowerState(ctx, node)
	if err != nil {
		return o.failPhase(ctx, t, node, types.PhaseVerify,
			fmt.Errorf("failed to get power state for node %s: %w", node.UUID, err))
	}
	if power != node.PowerState {
		o.broker.Publish(&events.Notification{
			Type:     events.NotifyPowerCorrected,
			NodeUUID: node.UUID,
			Action:   "verify",
			Message:  fmt.Sprintf("power state corrected from %q to %q", node.PowerState, power),
		})
		node.PowerState = power
	}

	o.cacheHardwareFacts(ctx, node, bundle)

	node.LastError = ""
	if err := t.SaveNode(ctx, node); err != nil {
		return o.failPhase(ctx, t, node, types.PhaseVerify, err)
	}
	if err := t.ProcessEvent(ctx, types.EventDone); err != nil {
		return err
	}

	o.notifyPhase(events.NotifyPhaseEnd, node, types.PhaseVerify, "")
	metrics.PhasesTotal.WithLabelValues(string(types.PhaseVerify), "success").Inc()
	return nil
}

// cacheHardwareFacts reads boot, vendor and firmware facts into the
// node's durable driver info. All reads are best effort: verify only
// requires a reachable power interface.
func (o *Orchestrator) cacheHardwareFacts(ctx context.Context, node *types.Node, bundle *driver.Bundle) {
	if node.DriverInternalInfo == nil {
		node.DriverInternalInfo = make(map[string]interface{})
	}

	if bundle.Management != nil {
		if boot, err := bundle.Management.BootInfo(ctx, node); err == nil {
			node.DriverInternalInfo["boot_mode"] = boot.BootMode
			node.DriverInternalInfo["secure_boot"] = boot.SecureBoot
		} else {
			o.logger.Debug().Err(err).Str("node_uuid", node.UUID).Msg("boot info not available")
		}
		if vendor, err := bundle.Management.VendorName(ctx, node); err == nil {
			node.DriverInternalInfo["vendor"] = vendor
		} else {
			o.logger.Debug().Err(err).Str("node_uuid", node.UUID).Msg("vendor name not available")
		}
	}
	if bundle.BIOS != nil {
		if settings, err := bundle.BIOS.Settings(ctx, node); err == nil {
			node.DriverInternalInfo["bios_settings"] = settings
		} else {
			o.logger.Debug().Err(err).Str("node_uuid", node.UUID).Msg("firmware settings not available")
		}
	}
}

// Deploy provisions a workload onto an available node. The plan merges
// driver defaults, trait-matched templates and the request's steps,
// persists on the node, and then executes in priority order. An
// asynchronous step suspends the phase until Resume.
func (o *Orchestrator) Deploy(ctx context.Context, t *task.Task, userSteps []types.Step) error {
	return o.runPhase(ctx, t, types.PhaseDeploy, types.EventDeploy, userSteps)
}

// Clean prepares a managed node for workloads by executing its clean
// plan. Success makes the node available.
func (o *Orchestrator) Clean(ctx context.Context, t *task.Task, userSteps []types.Step) error {
	return o.runPhase(ctx, t, types.PhaseClean, types.EventClean, userSteps)
}

func (o *Orchestrator) runPhase(ctx context.Context, t *task.Task, phase types.Phase, start types.Event, userSteps []types.Step) error {
	node, err := t.Node()
	if err != nil {
		return err
	}
	bundle, err := t.Driver()
	if err != nil {
		return err
	}

	plan, err := o.resolver.Resolve(ctx, node, bundle, phase, steps.ResolveOptions{
		UserSteps:   userSteps,
		EnabledOnly: true,
		Sort:        true,
	})
	if err != nil {
		return err
	}

	if err := t.ProcessEvent(ctx, start); err != nil {
		return err
	}
	o.notifyPhase(events.NotifyPhaseStart, node, phase, "")

	steps.PersistPlan(node, phase, plan)
	node.LastError = ""
	if err := t.SaveNode(ctx, node); err != nil {
		return o.failPhase(ctx, t, node, phase, err)
	}

	return o.runPlan(ctx, t, phase)
}

// Resume continues a phase suspended on an asynchronous step. The
// cursor in the node's driver info names the step whose out-of-band
// work completed; execution proceeds with the next one.
func (o *Orchestrator) Resume(ctx context.Context, t *task.Task) error {
	node, err := t.Node()
	if err != nil {
		return err
	}

	var phase types.Phase
	switch node.ProvisionState {
	case types.StateCleanWait:
		phase = types.PhaseClean
	case types.StateDeployWait:
		phase = types.PhaseDeploy
	default:
		return &ferroerr.InvalidState{
			Node:   node.UUID,
			Reason: fmt.Sprintf("state %q has no suspended phase to resume", node.ProvisionState),
		}
	}

	if err := t.ProcessEvent(ctx, types.EventResume); err != nil {
		return err
	}
	return o.runPlan(ctx, t, phase)
}

// runPlan executes the persisted plan from its cursor. The node is
// saved after every step so a conductor crash loses at most the step
// in flight, never the position.
func (o *Orchestrator) runPlan(ctx context.Context, t *task.Task, phase types.Phase) error {
	node, err := t.Node()
	if err != nil {
		return err
	}
	bundle, err := t.Driver()
	if err != nil {
		return err
	}

	plan, cursor, ok, err := steps.LoadPlan(node, phase)
	if err != nil {
		return o.failPhase(ctx, t, node, phase, err)
	}
	if !ok {
		return o.failPhase(ctx, t, node, phase,
			fmt.Errorf("no %s plan is stored on node %s", phase, node.UUID))
	}

	for i := cursor; i < len(plan); i++ {
		step := plan[i]
		iface := bundle.InterfaceByName(step.Interface)
		if iface == nil {
			return o.failPhase(ctx, t, node, phase,
				fmt.Errorf("step %s references interface %q which the node's drivers do not provide", step.Key(), step.Interface))
		}

		o.logger.Info().
			Str("node_uuid", node.UUID).
			Str("phase", string(phase)).
			Str("step", step.Key()).
			Int("priority", step.Priority).
			Msg("executing step")

		timer := metrics.NewTimer()
		result, err := iface.ExecuteStep(ctx, node, step)
		timer.ObserveDuration(metrics.StepDuration.WithLabelValues(string(phase)))
		if err != nil {
			metrics.StepsExecutedTotal.WithLabelValues(string(phase), "error").Inc()
			return o.failPhase(ctx, t, node, phase,
				fmt.Errorf("%s step %s failed on node %s: %w", phase, step.Key(), node.UUID, err))
		}
		metrics.StepsExecutedTotal.WithLabelValues(string(phase), "success").Inc()

		steps.AdvanceCursor(node, phase, i+1)
		if err := t.SaveNode(ctx, node); err != nil {
			return o.failPhase(ctx, t, node, phase, err)
		}

		if result == driver.StepAsync {
			if err := t.ProcessEvent(ctx, types.EventWait); err != nil {
				return err
			}
			o.logger.Info().
				Str("node_uuid", node.UUID).
				Str("phase", string(phase)).
				Str("step", step.Key()).
				Msg("phase suspended on asynchronous step")
			return nil
		}
	}

	steps.ClearPlan(node, phase)
	if err := t.SaveNode(ctx, node); err != nil {
		return o.failPhase(ctx, t, node, phase, err)
	}
	if err := t.ProcessEvent(ctx, types.EventDone); err != nil {
		return err
	}

	o.notifyPhase(events.NotifyPhaseEnd, node, phase, "")
	metrics.PhasesTotal.WithLabelValues(string(phase), "success").Inc()
	return nil
}

// failPhase records the failure on the node, moves the state machine
// through its fail transition and reports the cause to the caller.
func (o *Orchestrator) failPhase(ctx context.Context, t *task.Task, node *types.Node, phase types.Phase, cause error) error {
	if ferroerr.IsExpected(cause) {
		o.logger.Warn().
			Str("node_uuid", node.UUID).
			Str("phase", string(phase)).
			Msg(cause.Error())
	} else {
		o.logger.Error().Err(cause).
			Str("node_uuid", node.UUID).
			Str("phase", string(phase)).
			Msg("phase failed")
	}

	node.LastError = cause.Error()
	if err := t.SaveNode(ctx, node); err != nil {
		o.logger.Error().Err(err).Str("node_uuid", node.UUID).Msg("failed to record phase error")
	}
	if err := t.ProcessEvent(ctx, types.EventFail); err != nil {
		o.logger.Error().Err(err).Str("node_uuid", node.UUID).Msg("failed to apply fail transition")
	}

	o.notifyPhase(events.NotifyPhaseError, node, phase, cause.Error())
	metrics.PhasesTotal.WithLabelValues(string(phase), "error").Inc()
	return cause
}

func (o *Orchestrator) notifyPhase(kind events.NotificationType, node *types.Node, phase types.Phase, msg string) {
	o.broker.Publish(&events.Notification{
		Type:     kind,
		NodeUUID: node.UUID,
		Action:   string(phase),
		Message:  msg,
	})
}
