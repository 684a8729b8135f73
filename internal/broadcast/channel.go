package broadcast

import (
	"context"

	"babbell/internal/storage"
	"babbell/internal/transport"
	logx "babbell/pkg/logx"
)

// ResolveChannel returns r's private channel, opening one through a when no
// channel is cached. A newly opened channel is persisted best-effort.
func ResolveChannel(ctx context.Context, st storage.Store, a transport.Adapter, r storage.Recipient, log logx.Logger) (string, bool) {
	if r.Channel != "" {
		return r.Channel, true
	}
	ch, err := a.OpenPrivateChannel(ctx, r.UserID)
	if err != nil || ch == "" {
		log.Warn("open private channel failed",
			logx.String("tenant", r.TenantID), logx.String("user", r.UserID), logx.Err(err))
		return "", false
	}
	if err := st.SetCachedChannel(ctx, r.TenantID, r.UserID, ch); err != nil {
		log.Warn("cache channel failed",
			logx.String("tenant", r.TenantID), logx.String("user", r.UserID), logx.Err(err))
	}
	return ch, true
}
