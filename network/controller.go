package network

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/opd-ai/ferry/transfer"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

// Target is the set of transfers the controller acts on. *transfer.Manager
// implements it.
type Target interface {
	TransferringIDs() []string
	PauseTransfer(ctx context.Context, transferID string) error
	ResumeTransfer(ctx context.Context, transferID string) error
}

// Controller pauses transfers when the connection stops satisfying the
// active settings and resumes them when it does again. It only resumes
// transfers it paused itself.
type Controller struct {
	target Target
	log    logrus.FieldLogger

	// mu serializes pause and resume passes.
	mu       sync.Mutex
	settings Settings
	current  Event

	// pausedMu guards paused only and is never held across a call into the
	// target, whose result handlers call back into HandleResult.
	pausedMu sync.Mutex
	paused   map[string]pauseReason
}

// NewController creates a controller. Until the first event the connection
// is assumed available and unmetered.
func NewController(target Target, settings Settings, log logrus.FieldLogger) *Controller {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if settings.Policy == "" {
		settings.Policy = PolicyAllowAll
	}
	return &Controller{
		target:   target,
		log:      log,
		settings: settings,
		current:  Event{Available: true, Type: ConnectionOther},
		paused:   make(map[string]pauseReason),
	}
}

// Settings returns the active settings.
func (c *Controller) Settings() Settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings
}

// Current returns the last connectivity event seen.
func (c *Controller) Current() Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Allowed reports whether new transfers may start now.
func (c *Controller) Allowed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	ok, _ := c.settings.verdict(c.current)
	return ok
}

// NetworkPaused returns the ids of transfers paused by the controller.
func (c *Controller) NetworkPaused() []string {
	c.pausedMu.Lock()
	defer c.pausedMu.Unlock()
	ids := lo.Keys(c.paused)
	sort.Strings(ids)
	return ids
}

// HandleEvent applies a connectivity change.
func (c *Controller) HandleEvent(ctx context.Context, ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.log.WithFields(logrus.Fields{
		"function":  "HandleEvent",
		"available": ev.Available,
		"type":      ev.Type.String(),
		"metered":   ev.Metered,
		"interface": ev.Interface,
	}).Info("Connectivity changed")

	c.current = ev
	c.applyLocked(ctx, false)
}

// SetPolicy switches the policy and applies it at once. Switching to
// PolicyAllowAll resumes every transfer the controller paused while the
// connection is available.
func (c *Controller) SetPolicy(ctx context.Context, p Policy) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.log.WithFields(logrus.Fields{
		"function": "SetPolicy",
		"from":     string(c.settings.Policy),
		"to":       string(p),
	}).Info("Network policy changed")

	c.settings.Policy = p
	c.applyLocked(ctx, p == PolicyAllowAll)
}

// SetSettings replaces all settings and applies them. Transfers held for a
// metered connection are resumed if the new settings allow it.
func (c *Controller) SetSettings(ctx context.Context, s Settings) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s.Policy == "" {
		s.Policy = c.settings.Policy
	}
	c.settings = s
	c.applyLocked(ctx, true)
}

// HandleResult forgets a transfer that reached a terminal status.
func (c *Controller) HandleResult(res transfer.Result) {
	c.pausedMu.Lock()
	defer c.pausedMu.Unlock()
	delete(c.paused, res.TransferID)
}

// Run applies events until ctx is done or events is closed.
func (c *Controller) Run(ctx context.Context, events <-chan Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			c.HandleEvent(ctx, ev)
		}
	}
}

func (c *Controller) applyLocked(ctx context.Context, force bool) {
	ok, reason := c.settings.verdict(c.current)
	if !ok {
		c.pauseActiveLocked(ctx, reason)
		return
	}
	c.resumePausedLocked(ctx, force)
}

func (c *Controller) pauseActiveLocked(ctx context.Context, reason pauseReason) {
	for _, id := range c.target.TransferringIDs() {
		if err := c.target.PauseTransfer(ctx, id); err != nil {
			c.log.WithFields(logrus.Fields{
				"function":    "pauseActive",
				"transfer_id": id,
				"error":       err.Error(),
			}).Warn("Failed to pause transfer")
			continue
		}
		c.pausedMu.Lock()
		c.paused[id] = reason
		c.pausedMu.Unlock()
		c.log.WithFields(logrus.Fields{
			"function":    "pauseActive",
			"transfer_id": id,
		}).Info("Transfer paused for network")
	}
}

func (c *Controller) forget(id string) {
	c.pausedMu.Lock()
	delete(c.paused, id)
	c.pausedMu.Unlock()
}

func (c *Controller) resumePausedLocked(ctx context.Context, force bool) {
	unmetered := !c.current.Metered
	c.pausedMu.Lock()
	held := make(map[string]pauseReason, len(c.paused))
	for id, reason := range c.paused {
		held[id] = reason
	}
	c.pausedMu.Unlock()

	for id, reason := range held {
		if !force && reason == reasonMetered && !(unmetered && c.settings.AutoResumeUnmetered) {
			continue
		}
		err := c.target.ResumeTransfer(ctx, id)
		if errors.Is(err, transfer.ErrTransferNotFound) || errors.Is(err, transfer.ErrInvalidState) {
			c.forget(id)
			continue
		}
		if err != nil {
			c.log.WithFields(logrus.Fields{
				"function":    "resumePaused",
				"transfer_id": id,
				"error":       err.Error(),
			}).Warn("Failed to resume transfer")
			continue
		}
		c.forget(id)
		c.log.WithFields(logrus.Fields{
			"function":    "resumePaused",
			"transfer_id": id,
		}).Info("Transfer resumed for network")
	}
}
