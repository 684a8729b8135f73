package app

import (
	"context"
	"fmt"

	"babbell/internal/broadcast"
	"babbell/internal/buttons"
	"babbell/internal/router"
	"babbell/internal/scheduler"
	"babbell/internal/storage"
	logx "babbell/pkg/logx"
)

// fire rings one schedule. Scheduled bells go to the schedule's tenant with
// no initiating user, so no actor suffix is added; START_POLL reaches every
// tenant like a pressed button.
func (a *App) fire(ctx context.Context, s scheduler.Schedule) error {
	if _, ok := a.reg.Get(s.Tenant); !ok {
		return fmt.Errorf("tenant %q is not connected", s.Tenant)
	}

	if s.Action == buttons.StartPoll {
		id, err := a.polls.Create(ctx)
		if err != nil {
			return err
		}
		t, err := a.polls.BroadcastNewPoll(ctx, id, storage.Identity{TenantID: s.Tenant})
		if err != nil {
			return err
		}
		a.log.Info("scheduled poll sent", logx.String("schedule", s.Name), logx.String("poll", id),
			logx.Int("success", t.Success), logx.Int("failed", t.Failed))
		return nil
	}

	def, ok := buttons.Get(s.Action)
	if !ok || !def.Broadcast {
		return fmt.Errorf("action %q is not a bell", s.Action)
	}
	payload, menuJSON := router.BellPayload(ctx, def, a.menu)
	out, err := a.sender.Broadcast(ctx, broadcast.Request{
		Tenant:    s.Tenant,
		Action:    def.Value,
		Payload:   payload,
		Initiator: broadcast.Initiator{TenantID: s.Tenant},
		MenuJSON:  menuJSON,
	})
	if err != nil {
		return err
	}
	if out.Total > 0 && out.Success == 0 {
		return fmt.Errorf("broadcast %s: all %d deliveries failed", out.ID, out.Total)
	}
	return nil
}
