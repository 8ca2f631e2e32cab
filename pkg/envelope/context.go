package envelope

import (
	"time"
)

// Context carries per-dispatch identity and timing. It is mutable only
// via its typed setters before the message is handed to the pipeline;
// once inside the pipeline it MUST be treated as read-only (spec §3).
type Context struct {
	messageID             string
	correlationID         string
	causationID           string
	tenantID              string
	requestServices       any // opaque capability bag, forwarded only
	receivedTimestampUtc  time.Time
	sealed                bool
}

// NewContext creates a Context for the given message ID, stamping
// receivedTimestampUtc with now.
func NewContext(messageID string, now time.Time) *Context {
	return &Context{
		messageID:            messageID,
		receivedTimestampUtc: now.UTC(),
	}
}

// MessageID returns the context's message identity.
func (c *Context) MessageID() string { return c.messageID }

// CorrelationID returns the saga/business correlation identity, if set.
func (c *Context) CorrelationID() string { return c.correlationID }

// CausationID returns the identity of the message that caused this one, if set.
func (c *Context) CausationID() string { return c.causationID }

// TenantID returns the owning tenant identity, if set.
func (c *Context) TenantID() string { return c.tenantID }

// RequestServices returns the opaque capability bag the core only forwards.
func (c *Context) RequestServices() any { return c.requestServices }

// ReceivedTimestampUtc returns when the message was received.
func (c *Context) ReceivedTimestampUtc() time.Time { return c.receivedTimestampUtc }

// SetCorrelationID sets the correlation identity. Panics if called after Seal.
func (c *Context) SetCorrelationID(id string) { c.mustUnsealed(); c.correlationID = id }

// SetCausationID sets the causation identity. Panics if called after Seal.
func (c *Context) SetCausationID(id string) { c.mustUnsealed(); c.causationID = id }

// SetTenantID sets the tenant identity. Panics if called after Seal.
func (c *Context) SetTenantID(id string) { c.mustUnsealed(); c.tenantID = id }

// SetRequestServices attaches the capability bag. Panics if called after Seal.
func (c *Context) SetRequestServices(services any) { c.mustUnsealed(); c.requestServices = services }

// Seal freezes the context before it enters the pipeline. Idempotent.
func (c *Context) Seal() { c.sealed = true }

// Sealed reports whether the context has been frozen.
func (c *Context) Sealed() bool { return c.sealed }

func (c *Context) mustUnsealed() {
	if c.sealed {
		panic("envelope: context mutated after seal")
	}
}

// Derive creates a fresh Context for a message produced as a side
// effect of handling this one (e.g. a saga timeout redelivery, spec
// §4.8), propagating tenant and correlation identity and setting
// causationID to this context's messageID.
func (c *Context) Derive(newMessageID string, now time.Time) *Context {
	d := NewContext(newMessageID, now)
	d.tenantID = c.tenantID
	d.correlationID = c.correlationID
	d.causationID = c.messageID
	return d
}
