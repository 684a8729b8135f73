// Package broadcast delivers one rendered message to every subscribed
// recipient of a tenant scope.
//
// Delivery is sequential and retry-free. Each recipient is attempted exactly
// once and produces exactly one audit entry, whatever the result. Failures are
// data: they are collected into the returned Outcome and never abort the
// fan-out. Only storage failures before the first send are returned as
// errors.
//
// Channel policy
//
// A recipient's private channel is read from storage when cached; otherwise
// it is opened through the tenant's adapter and written back on success. The
// poll engine reuses the same policy through ResolveChannel.
//
// Failure reasons
//
// Each Failure carries a Kind from the fixed taxonomy (channel_unavailable,
// transport_rejected, tenant_unreachable) and a Reason. For transport
// rejections the Reason is the platform's own error string.
package broadcast
