package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/openfroyo/provisioner/pkg/telemetry"
	"github.com/rs/zerolog"
)

// Propagator advances a root after one of its tasks settled and fires the
// root's callbacks once the root itself is settled.
type Propagator struct {
	store     GraphStore
	scheduler *Scheduler

	// maxDepth bounds callback chains; zero means unbounded.
	maxDepth int

	logger  zerolog.Logger
	metrics *telemetry.Metrics
	events  *telemetry.EventPublisher
}

// TaskSettled reacts to task reaching successful or failed. Successors are
// only released on success; a failure leaves them pending for inspection.
func (p *Propagator) TaskSettled(ctx context.Context, task *Task) error {
	root, err := p.store.LoadRoot(ctx, task.RootID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load root %s: %w", task.RootID, err)
	}

	var errs []error
	if task.Status == TaskStatusSuccessful && !root.Cancelled {
		for _, id := range task.Successors {
			succ := root.Task(id)
			if succ == nil || succ.Status != TaskStatusPending || !root.PredecessorsSatisfied(succ) {
				continue
			}
			if err := p.scheduler.Enqueue(ctx, id); err != nil {
				errs = append(errs, err)
			}
		}
	}

	if err := p.evaluate(ctx, root); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// EvaluateRoot fires the callbacks of rootID if it is settled and nobody
// fired them yet.
func (p *Propagator) EvaluateRoot(ctx context.Context, rootID string) error {
	root, err := p.store.LoadRoot(ctx, rootID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load root %s: %w", rootID, err)
	}
	return p.evaluate(ctx, root)
}

func (p *Propagator) evaluate(ctx context.Context, root *Root) error {
	if root.Cancelled || !root.Activated || root.CallbacksFired || !root.IsSettled() {
		return nil
	}

	// Many task completions may see the same settled root; only the one
	// that flips the flag continues.
	won, err := p.store.MarkCallbacksFired(ctx, root.ID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to mark callbacks fired for root %s: %w", root.ID, err)
	}
	if !won {
		return nil
	}

	status := root.Status()
	p.metrics.RecordRootCompleted(string(status))
	_ = p.events.PublishRootCompleted(root.ID, string(status))
	p.logger.Info().
		Str("root_id", root.ID).
		Str("name", root.Name).
		Str("status", string(status)).
		Int("callbacks", len(root.CallbackRoots)).
		Msg("Root settled")

	if len(root.CallbackRoots) == 0 {
		return nil
	}

	depth, err := p.depth(ctx, root)
	if err != nil {
		return err
	}

	var errs []error
	for _, childID := range root.CallbackRoots {
		child, err := p.store.LoadRoot(ctx, childID)
		if errors.Is(err, ErrNotFound) {
			p.logger.Warn().Str("root_id", root.ID).Str("callback_root", childID).Msg("Callback root no longer exists")
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to load callback root %s: %w", childID, err))
			continue
		}

		if child.Kind == RootKindOnSuccess && status != RootStatusSuccessful {
			p.logger.Debug().Str("root_id", root.ID).Str("callback_root", childID).Msg("Skipping on_success callback of failed root")
			continue
		}
		if p.maxDepth > 0 && depth+1 > p.maxDepth {
			p.logger.Warn().
				Str("root_id", root.ID).
				Str("callback_root", childID).
				Int("max_depth", p.maxDepth).
				Msg("Callback chain too deep, not activating")
			continue
		}

		if _, err := p.Activate(ctx, child, root.ID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Activate marks root activated and hands its initial tasks to the
// scheduler. It returns false when root was already activated or is
// cancelled. parentID is empty for roots activated at construction.
func (p *Propagator) Activate(ctx context.Context, root *Root, parentID string) (bool, error) {
	if root.Cancelled {
		return false, nil
	}

	won, err := p.store.MarkRootActivated(ctx, root.ID, parentID)
	if err != nil {
		return false, fmt.Errorf("failed to activate root %s: %w", root.ID, err)
	}
	if !won {
		return false, nil
	}
	root.Activated = true
	if parentID != "" {
		root.ParentID = parentID
		p.metrics.RecordCallbackActivated(string(root.Kind))
		_ = p.events.PublishCallbackActivated(parentID, root.ID)
	}

	p.logger.Info().
		Str("root_id", root.ID).
		Str("parent_id", parentID).
		Int("tasks", len(root.Tasks)).
		Msg("Root activated")

	// A root without tasks is settled on activation.
	if len(root.Tasks) == 0 {
		return true, p.evaluate(ctx, root)
	}

	var errs []error
	for _, t := range root.Runnable() {
		if err := p.scheduler.Enqueue(ctx, t.ID); err != nil {
			errs = append(errs, err)
		}
	}
	return true, errors.Join(errs...)
}

// depth counts the callback activations that led to root.
func (p *Propagator) depth(ctx context.Context, root *Root) (int, error) {
	if p.maxDepth <= 0 {
		return 0, nil
	}
	depth := 0
	for cur := root; cur.ParentID != "" && depth <= p.maxDepth; depth++ {
		parent, err := p.store.LoadRoot(ctx, cur.ParentID)
		if errors.Is(err, ErrNotFound) {
			return depth + 1, nil
		}
		if err != nil {
			return 0, fmt.Errorf("failed to load parent root %s: %w", cur.ParentID, err)
		}
		cur = parent
	}
	return depth, nil
}
