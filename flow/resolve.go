package flow

import (
	"strings"

	"github.com/trace-labs/didtrace/identity"
)

// participants holds the resolved endpoints of one flow invocation.
type participants struct {
	sender    *identity.Identity
	recipient *identity.Identity
}

// resolveParticipants maps the two participant aliases to their
// identities. Unknown aliases are rejected locally, before any
// external call or event.
func (o *Orchestrator) resolveParticipants(fromAlias, toAlias string) (participants, error) {
	sender, err := o.ids.Resolve(fromAlias)
	if err != nil {
		return participants{}, validationErrorf("unknown sender: %s", fromAlias)
	}
	recipient, err := o.ids.Resolve(toAlias)
	if err != nil {
		return participants{}, validationErrorf("unknown recipient: %s", toAlias)
	}
	return participants{sender: sender, recipient: recipient}, nil
}

// resolvePingTarget maps a ping target alias to a DID. Besides the two
// named parties, "mediator" addresses the sender's own mediator.
func (o *Orchestrator) resolvePingTarget(sender *identity.Identity, toAlias string) (string, error) {
	if strings.EqualFold(toAlias, "mediator") {
		return sender.MediatorDID, nil
	}
	target, err := o.ids.Resolve(toAlias)
	if err != nil {
		return "", validationErrorf("unknown ping target: %s", toAlias)
	}
	return target.DID, nil
}
