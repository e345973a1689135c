package msh

import (
	"context"
	"fmt"

	"github.com/sirosfoundation/go-msh/pkg/message"
	"github.com/sirosfoundation/go-msh/pkg/model"
	"github.com/sirosfoundation/go-msh/pkg/pmode"
	"github.com/sirosfoundation/go-msh/pkg/transport"
)

// handler is one step of a processing flow. Returning an error stops the
// flow; problems with a single unit are recorded on the unit instead.
type handler struct {
	name string
	run  func(ctx context.Context, fc *flowContext) error
}

// partDigest is the digest of a received message part
type partDigest struct {
	uri   string
	value string
}

// flowContext carries the state of one run of a flow
type flowContext struct {
	// msg is the received message, or the message being assembled
	msg *message.Message
	// units are the stored units taking part in the flow
	units []*model.MessageUnit
	// wire holds the units as decoded, by CoreID
	wire   map[string]*model.MessageUnit
	pmodes map[string]*pmode.PMode
	// errs holds the ebMS errors to report for a unit, by CoreID
	errs    map[string][]model.EbmsError
	digests map[string][]partDigest

	// replies are the signals generated in response
	replies []*model.MessageUnit
	// pulled is the User Message selected by a Pull Request
	pulled *model.MessageUnit

	// received are the units of a synchronous response
	received []*model.MessageUnit

	endpoint *EndpointInfo
	data     []byte
	ctype    string
	sent     *transport.Result
	response *Response
}

func newFlowContext(msg *message.Message) *flowContext {
	return &flowContext{
		msg:     msg,
		wire:    make(map[string]*model.MessageUnit),
		pmodes:  make(map[string]*pmode.PMode),
		errs:    make(map[string][]model.EbmsError),
		digests: make(map[string][]partDigest),
	}
}

// add makes the unit part of the flow
func (fc *flowContext) add(u *model.MessageUnit, pm *pmode.PMode) {
	fc.units = append(fc.units, u)
	if pm != nil {
		fc.pmodes[u.CoreID] = pm
	}
}

func (fc *flowContext) pmode(u *model.MessageUnit) *pmode.PMode {
	return fc.pmodes[u.CoreID]
}

// active returns the units that are still being processed
func (fc *flowContext) active() []*model.MessageUnit {
	var out []*model.MessageUnit
	for _, u := range fc.units {
		if !u.CurrentState().IsTerminal() {
			out = append(out, u)
		}
	}
	return out
}

// runFlow executes the handlers in order. Completion runs in any case and
// fails every unit left unfinished by a failed flow.
func (m *MSH) runFlow(ctx context.Context, name string, fc *flowContext, chain []handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s flow: handler panicked: %v", name, r)
		}
		m.complete(ctx, name, fc, err)
	}()

	for _, h := range chain {
		if err := h.run(ctx, fc); err != nil {
			return fmt.Errorf("%s flow: %s: %w", name, h.name, err)
		}
	}
	return nil
}

func (m *MSH) complete(ctx context.Context, name string, fc *flowContext, err error) {
	if err == nil {
		return
	}
	m.logger.Error("processing flow failed", "flow", name, "error", err)

	ctx = context.WithoutCancel(ctx)
	for _, u := range fc.units {
		if ferr := m.fail(ctx, u, err.Error()); ferr != nil {
			m.logger.Error("failed to mark unit as failed",
				"message_id", u.MessageID,
				"error", ferr)
		}
	}
}

// reject records an ebMS error for the unit and fails it
func (m *MSH) reject(ctx context.Context, fc *flowContext, u *model.MessageUnit, e model.EbmsError) error {
	fc.errs[u.CoreID] = append(fc.errs[u.CoreID], e)
	m.logger.Warn("rejecting message unit",
		"message_id", u.MessageID,
		"error", e.Error())
	return m.fail(ctx, u, e.Error())
}
