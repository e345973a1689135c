package msh

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirosfoundation/go-msh/pkg/model"
	"github.com/sirosfoundation/go-msh/pkg/pmode"
)

// processPullRequest selects the oldest User Message waiting on the
// requested MPC. When there is none an EmptyMessagePartitionChannel warning
// is returned to the puller.
func (m *MSH) processPullRequest(ctx context.Context, fc *flowContext, u *model.MessageUnit) error {
	mpc := u.PullRequest().MPC
	if mpc == "" {
		mpc = model.DefaultMPC
	}
	for _, pm := range m.pmodes.FindForPull(mpc) {
		waiting, err := m.repo.FindByState(ctx, pm.ID, model.StateAwaitingPull)
		if err != nil {
			return fmt.Errorf("finding messages on %s: %w", mpc, err)
		}
		for _, w := range waiting {
			if um := w.UserMessage(); um == nil || um.MPC() != mpc {
				continue
			}
			err := m.Transition(ctx, w, model.StateProcessing, "pulled by "+u.MessageID, model.StateAwaitingPull)
			if errors.Is(err, ErrUnexpectedState) {
				continue
			}
			if err != nil {
				return err
			}
			fc.add(w, pm)
			fc.pulled = w
			m.logger.Info("message pulled", "message_id", w.MessageID, "mpc", mpc)
			return nil
		}
	}
	fc.errs[u.CoreID] = append(fc.errs[u.CoreID], model.ErrEmptyMPC.New(u.MessageID, "no message waiting on "+mpc))
	return nil
}

// Pull sends a Pull Request on the MPC of the P-Mode and processes what
// comes back. It returns the received User Message, or nil when the
// responder had none.
func (m *MSH) Pull(ctx context.Context, pmodeID string) (*model.MessageUnit, error) {
	pm := m.pmodes.Get(pmodeID)
	if pm == nil {
		return nil, fmt.Errorf("%w: %s", pmode.ErrPModeNotFound, pmodeID)
	}

	u := model.NewSignalUnit(m.NewMessageID(), "", &model.PullRequest{MPC: pm.MPC()})
	u.Timestamp = m.now().UTC()
	u.Direction = model.DirectionOut
	u.PModeID = pm.ID
	stored, err := m.repo.Store(ctx, u)
	if err != nil {
		return nil, fmt.Errorf("storing pull request: %w", err)
	}
	if err := m.Transition(ctx, stored, model.StateProcessing, "pull", model.StateReceived); err != nil {
		return nil, err
	}

	fc := newFlowContext(nil)
	fc.add(stored, pm)
	err = m.runFlow(ctx, "pull", fc, []handler{
		{"resolve endpoint", m.resolveTarget},
		{"prepare", m.preparePush},
		{"create security header", m.secure},
		{"assemble", m.assemble},
		{"send", m.send},
		{"process response", m.processResponse},
	})
	if err != nil {
		return nil, err
	}

	for _, r := range fc.received {
		if r.Direction == model.DirectionIn && r.UserMessage() != nil {
			return r, nil
		}
	}
	return nil, nil
}
