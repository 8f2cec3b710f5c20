// Package visibility decides whether one ride participant may see the
// other's contact details. It is a pure function of the ride, the confirmed
// match (if any), the viewer and the two contact cards, so it is trivially
// testable and impossible to get out of sync with storage.
package visibility

import "github.com/example/rideboard/internal/models"

const (
	ReasonPendingResponse = "Contact unlocks once your response is accepted."
	ReasonNoConfirmed     = "Contact unlocks once you accept a response."
	ReasonNotParticipant  = "Contact is only shared between matched participants."
	ReasonPrivate         = "This user shares contact details off-platform only."
)

// Decision is the per-viewer verdict. When Visible is false, Reason carries
// the human-readable explanation the UI shows in place of the contact card.
type Decision struct {
	Visible bool                `json:"visible"`
	Contact *models.ContactCard `json:"contact,omitempty"`
	Reason  string              `json:"reason,omitempty"`
}

// Decide resolves what viewerID may see of the counterpart's contact.
// confirmed is the ride's confirmed match or nil. ownerCard and
// responderCard belong to the ride owner and the confirmed responder; either
// may be nil when the corresponding party does not exist yet.
//
// The rules, in order: participants of a confirmed match see each other once
// the match is accepted or later; a pending responder never sees the owner's
// contact; everyone else sees nothing. A party's hide-contact setting
// withholds the card even from an otherwise-entitled viewer.
func Decide(ride *models.Ride, confirmed *models.Match, viewerID string,
	ownerCard, responderCard *models.ContactCard, viewerPending bool) Decision {

	if viewerID == ride.OwnerID {
		if confirmed == nil {
			return Decision{Reason: ReasonNoConfirmed}
		}
		return disclose(responderCard)
	}

	if confirmed != nil && viewerID == confirmed.ResponderID {
		// accepted or later by construction: confirmed statuses are
		// exactly accepted and completed
		return disclose(ownerCard)
	}

	if viewerPending {
		return Decision{Reason: ReasonPendingResponse}
	}
	return Decision{Reason: ReasonNotParticipant}
}

func disclose(card *models.ContactCard) Decision {
	if card == nil || card.HideContact {
		return Decision{Reason: ReasonPrivate}
	}
	c := *card
	return Decision{Visible: true, Contact: &c}
}
