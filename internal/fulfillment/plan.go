package fulfillment

import "github.com/makkenzo/key-fulfillment-service/internal/domain/digitalkey"

type planKind int

const (
	planFresh planKind = iota
	planResume
	planDone
	planConflict
)

type plan struct {
	kind planKind
	// keys are the delivered keys for planDone, the keys to reuse for planResume and the
	// stale assignments to release for planFresh.
	keys   []*digitalkey.DigitalKey
	reason string
}

// planFor compares what the order already holds with what it asks for. Revoked keys are
// ignored.
func planFor(req *Request, existing []*digitalkey.DigitalKey) plan {
	var (
		active    []*digitalkey.DigitalKey
		byLine    = make(map[string]int)
		delivered int
	)
	for _, k := range existing {
		switch k.Status {
		case digitalkey.StatusAssigned:
		case digitalkey.StatusDelivered:
			delivered++
		default:
			continue
		}
		active = append(active, k)
		byLine[k.LineItemID.String]++
	}

	if len(active) == 0 {
		return plan{kind: planFresh}
	}

	matches := len(byLine) == len(req.Items)
	for _, it := range req.Items {
		if byLine[it.LineItemID] != it.Quantity {
			matches = false
			break
		}
	}

	switch {
	case matches && delivered == len(active):
		return plan{kind: planDone, keys: active}
	case matches:
		return plan{kind: planResume, keys: active}
	case delivered > 0:
		return plan{kind: planConflict, reason: "order already holds delivered keys that do not match the requested items"}
	default:
		return plan{kind: planFresh, keys: active}
	}
}
