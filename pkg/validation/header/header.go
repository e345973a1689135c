// Package header checks the ebMS header information of message units.
//
// Basic validation only checks what the MSH itself needs to process a
// unit. Strict validation additionally checks conformance with the ebMS 3
// Core Specification. Validation never stops at the first problem: all
// violations are reported together.
package header

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/sirosfoundation/go-msh/pkg/model"
)

type validator interface {
	basic(u *model.MessageUnit, r *report)
	strict(u *model.MessageUnit, r *report)
}

var validators = map[model.Kind]validator{
	model.KindUserMessage:  userMessageValidator{},
	model.KindPullRequest:  pullRequestValidator{},
	model.KindReceipt:      receiptValidator{},
	model.KindErrorMessage: errorMessageValidator{},
}

type report struct {
	problems []string
}

func (r *report) add(format string, args ...any) {
	r.problems = append(r.problems, fmt.Sprintf(format, args...))
}

// Validate checks the header of the unit and returns a description of all
// violations found, or the empty string when the header is valid.
func Validate(u *model.MessageUnit, strict bool) string {
	r := &report{}
	if u == nil {
		return "message unit is missing"
	}

	if u.MessageID == "" {
		r.add("MessageId is missing")
	} else if !ValidMessageID(u.MessageID) {
		r.add("MessageId %q is not a valid message id", u.MessageID)
	}
	if u.Timestamp.IsZero() {
		r.add("Timestamp is missing")
	}
	if u.RefToMessageID != "" && !ValidMessageID(u.RefToMessageID) {
		r.add("RefToMessageId %q is not a valid message id", u.RefToMessageID)
	}

	v, ok := validators[u.Kind()]
	if !ok {
		r.add("unsupported message unit type %q", u.Kind())
		return strings.Join(r.problems, "; ")
	}
	v.basic(u, r)
	if strict {
		v.strict(u, r)
	}
	return strings.Join(r.problems, "; ")
}

// ValidMessageID checks the format of a message id, which must be of the
// form local-part@domain. Square brackets must be escaped.
func ValidMessageID(id string) bool {
	at := strings.LastIndex(id, "@")
	if at <= 0 || at == len(id)-1 {
		return false
	}
	escaped := false
	for _, c := range id {
		switch {
		case escaped:
			escaped = false
		case c == '\\':
			escaped = true
		case c == '[' || c == ']':
			return false
		case c == '<' || c == '>' || c <= ' ' || c == 0x7f:
			return false
		}
	}
	return !escaped
}

func isAbsoluteURI(s string) bool {
	u, err := url.Parse(s)
	return err == nil && u.Scheme != ""
}

type userMessageValidator struct{}

func (userMessageValidator) basic(u *model.MessageUnit, r *report) {
	um := u.UserMessage()
	seen := make(map[string]bool)
	for i, p := range um.Payloads {
		switch p.Containment {
		case model.ContainmentBody:
		case model.ContainmentAttachment:
			if p.ContentID == "" {
				r.add("PartInfo[%d] attachment has no content id", i)
			}
		case model.ContainmentExternal:
			if p.URI == "" {
				r.add("PartInfo[%d] external payload has no URI", i)
			}
		default:
			r.add("PartInfo[%d] has unknown containment %q", i, p.Containment)
		}
		if p.ContentID != "" {
			if seen[p.ContentID] {
				r.add("PartInfo[%d] content id %s is used more than once", i, p.ContentID)
			}
			seen[p.ContentID] = true
		}
	}
}

func (userMessageValidator) strict(u *model.MessageUnit, r *report) {
	um := u.UserMessage()
	checkPartner(r, "From", um.Sender)
	checkPartner(r, "To", um.Receiver)

	ci := um.CollaborationInfo
	if ci == nil {
		r.add("CollaborationInfo is missing")
	} else {
		if ci.Service == nil || ci.Service.Name == "" {
			r.add("CollaborationInfo/Service is missing")
		} else if ci.Service.Type == "" && !isAbsoluteURI(ci.Service.Name) {
			r.add("untyped Service %q must be a URI", ci.Service.Name)
		}
		if ci.Action == "" {
			r.add("CollaborationInfo/Action is missing")
		}
		if ci.ConversationID == "" {
			r.add("CollaborationInfo/ConversationId is missing")
		}
		if ci.AgreementRef != nil && ci.AgreementRef.Name == "" {
			r.add("CollaborationInfo/AgreementRef has no value")
		}
		if ci.MPC != "" && !isAbsoluteURI(ci.MPC) {
			r.add("mpc %q must be a URI", ci.MPC)
		}
	}

	for i, p := range um.Properties {
		if p.Name == "" {
			r.add("MessageProperties/Property[%d] has no name", i)
		}
	}
	for i, p := range um.Payloads {
		for j, prop := range p.Properties {
			if prop.Name == "" {
				r.add("PartInfo[%d]/Property[%d] has no name", i, j)
			}
		}
	}
}

func checkPartner(r *report, name string, tp *model.TradingPartner) {
	if tp == nil {
		r.add("PartyInfo/%s is missing", name)
		return
	}
	if len(tp.PartyIDs) == 0 {
		r.add("PartyInfo/%s has no PartyId", name)
	}
	for i, pid := range tp.PartyIDs {
		if pid.ID == "" {
			r.add("PartyInfo/%s/PartyId[%d] has no value", name, i)
		} else if pid.Type == "" && !isAbsoluteURI(pid.ID) {
			r.add("PartyInfo/%s/PartyId[%d] %q has no type and is not a URI", name, i, pid.ID)
		}
	}
	if tp.Role == "" {
		r.add("PartyInfo/%s/Role is missing", name)
	}
}

type pullRequestValidator struct{}

func (pullRequestValidator) basic(*model.MessageUnit, *report) {}

func (pullRequestValidator) strict(u *model.MessageUnit, r *report) {
	if mpc := u.PullRequest().MPC; mpc != "" && !isAbsoluteURI(mpc) {
		r.add("PullRequest mpc %q must be a URI", mpc)
	}
}

type receiptValidator struct{}

func (receiptValidator) basic(u *model.MessageUnit, r *report) {
	if u.RefToMessageID == "" {
		r.add("Receipt has no RefToMessageId")
	}
}

func (receiptValidator) strict(u *model.MessageUnit, r *report) {
	if len(u.Receipt().Content) == 0 {
		r.add("Receipt has no content")
	}
}

type errorMessageValidator struct{}

func (errorMessageValidator) basic(u *model.MessageUnit, r *report) {
	em := u.ErrorMessage()
	if len(em.Errors) == 0 {
		r.add("Error signal contains no errors")
	}
	if u.RefToMessageID != "" {
		return
	}
	// without a RefToMessageId every error must reference a message
	for i, e := range em.Errors {
		if e.RefToMessageInError == "" {
			r.add("Error[%d] does not reference a message", i)
		}
	}
}

func (errorMessageValidator) strict(u *model.MessageUnit, r *report) {
	for i, e := range u.ErrorMessage().Errors {
		if !strings.HasPrefix(e.ErrorCode, "EBMS:") || len(e.ErrorCode) != len("EBMS:0000") {
			r.add("Error[%d] has invalid errorCode %q", i, e.ErrorCode)
		}
		if e.Severity != model.SeverityFailure && e.Severity != model.SeverityWarning {
			r.add("Error[%d] has invalid severity %q", i, e.Severity)
		}
		if u.RefToMessageID != "" && e.RefToMessageInError != "" && e.RefToMessageInError != u.RefToMessageID {
			r.add("Error[%d] refToMessageInError %q differs from RefToMessageId", i, e.RefToMessageInError)
		}
	}
}
