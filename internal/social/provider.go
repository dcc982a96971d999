package social

import (
	"context"
	"fmt"
	"time"

	"persona/internal/config"
	"persona/internal/logging"
	"persona/internal/scheduler"
)

// Default jitter bounds in minutes around each action's base interval,
// matching the original cadence per action kind.
const (
	topicJitterMinutes     = 30
	responderJitterMinutes = 60
	mentionJitterMinutes   = 2
)

// Provider owns one character's scheduled posting actions on a platform.
// Each action gets its own timer; starting an action twice is an error
// surfaced by the scheduler.
type Provider struct {
	orch        *Orchestrator
	character   *config.Character
	snapshotDir string

	topicAction     *scheduler.Action
	responderAction *scheduler.Action
	mentionAction   *scheduler.Action
}

// NewProvider creates a provider for the orchestrator's character.
// snapshotDir holds interval snapshots so restarts resume mid-interval;
// empty disables persistence.
func NewProvider(orch *Orchestrator, snapshotDir string) *Provider {
	name := orch.character.Username + "." + orch.client.Platform()
	return &Provider{
		orch:            orch,
		character:       orch.character,
		snapshotDir:     snapshotDir,
		topicAction:     scheduler.New(name + ".topic"),
		responderAction: scheduler.New(name + ".responder"),
		mentionAction:   scheduler.New(name + ".mentions"),
	}
}

// Login resolves the character's platform identity. Must succeed before
// any action starts.
func (p *Provider) Login(ctx context.Context) error {
	return p.orch.Login(ctx)
}

// StartTopicPosts begins the randomized topic posting loop.
func (p *Provider) StartTopicPosts(ctx context.Context) error {
	lower, upper := p.character.JitterBounds(p.character.TopicInterval(), topicJitterMinutes)
	return p.startAction(ctx, p.topicAction, lower, upper, func(ctx context.Context) error {
		p.orch.PostToTimeline(ctx)
		return nil
	})
}

// StartAutoResponder begins the randomized timeline response loop.
func (p *Provider) StartAutoResponder(ctx context.Context) error {
	lower, upper := p.character.JitterBounds(p.character.ReplyInterval(), responderJitterMinutes)
	return p.startAction(ctx, p.responderAction, lower, upper, func(ctx context.Context) error {
		p.orch.RespondToTimeline(ctx)
		return nil
	})
}

// StartReplyingToMentions begins the randomized mention sweep loop.
func (p *Provider) StartReplyingToMentions(ctx context.Context) error {
	lower, upper := p.character.JitterBounds(config.DefaultMentionInterval, mentionJitterMinutes)
	return p.startAction(ctx, p.mentionAction, lower, upper, func(ctx context.Context) error {
		p.orch.ReplyToMentions(ctx)
		return nil
	})
}

// startAction arms one scheduler action. With no saved snapshot the
// action fires immediately once and then settles into the random
// cadence; with one, the first wait is the snapshot's remainder.
func (p *Provider) startAction(ctx context.Context, action *scheduler.Action, lower, upper time.Duration, cb scheduler.Callback) error {
	remainder := time.Duration(0)
	if p.snapshotDir != "" {
		snap, ok, err := scheduler.LoadSnapshot(p.snapshotDir, action.Name())
		if err != nil {
			logging.Get(logging.CategorySocial).Warn("%s: could not load snapshot: %v", action.Name(), err)
		} else if ok {
			remainder = snap.Remainder(time.Now())
		}
	}

	if err := action.Start(ctx, cb, lower, upper, scheduler.WithResume(remainder)); err != nil {
		return fmt.Errorf("failed to start %s: %w", action.Name(), err)
	}
	return nil
}

// Stop halts all actions and persists their pending intervals.
func (p *Provider) Stop() {
	for _, action := range []*scheduler.Action{p.topicAction, p.responderAction, p.mentionAction} {
		action.Stop()
		action.Wait()
		if p.snapshotDir == "" {
			continue
		}
		if snap, ok := action.LastSnapshot(); ok {
			if err := scheduler.SaveSnapshot(p.snapshotDir, action.Name(), snap); err != nil {
				logging.Get(logging.CategorySocial).Warn("%s: could not save snapshot: %v", action.Name(), err)
			}
		}
	}
	logging.Social("%s: provider stopped", p.character.Username)
}
