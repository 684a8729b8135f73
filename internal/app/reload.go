package app

import (
	"context"
	"strings"

	"babbell/internal/config"
	logx "babbell/pkg/logx"
)

// reloadLoop applies published configs until ctx ends. Bursts are coalesced
// so only the newest config is applied.
func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(ctx, last, next)
			last = next
		}
	}
}

// applyConfig pushes the live-reloadable parts of next into the running
// components. Tenants, storage and router sizing only change on restart.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs, restart := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)
	if restart {
		a.log.Warn("tenants, storage or router changed; restart required for those to take effect")
	}

	set, err := mapSettings(next)
	if err != nil {
		a.log.Warn("invalid config; keeping previous", logx.Err(err))
		return
	}

	// Logging first so the rest of the reload logs at the new level.
	a.logs.Apply(set.logging)
	a.gate.Apply(set.admission)
	a.sender.Apply(set.broadcast)
	a.polls.Apply(set.poll)
	a.menu.Apply(set.menu)
	if err := a.sched.Apply(ctx, set.scheduler); err != nil {
		a.log.Warn("scheduler config rejected; keeping previous", logx.Err(err))
	}
	if a.ops != nil {
		a.ops.Reconfigure(ctx, set.ops)
	}

	a.log.Info("config reloaded", fields...)
}
