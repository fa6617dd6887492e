package conflict

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/mesh-intelligence/splitsync/pkg/types"
)

// SmallAmountDelta is the largest amount difference settled in favor of
// the server without asking the user.
const SmallAmountDelta = 1.0

// mergeSeparator joins two text values merged field by field.
const mergeSeparator = " | "

// mergeableFields are free-text fields where a conflict is not worth a
// user decision.
var mergeableFields = map[string]bool{
	"notes":       true,
	"description": true,
}

// Resolution is the outcome of comparing a server and client copy.
type Resolution struct {
	EntityType        string
	EntityID          string
	Strategy          string
	Conflicts         []types.FieldConflict
	RequiresUserInput bool
	// Resolved is the entity to keep. It is nil when the user must decide.
	Resolved map[string]any
	// Discarded holds the client values dropped by a merge, by field.
	Discarded map[string]any
}

// Resolve applies the resolution policy to a server and client copy of one
// entity.
func Resolve(entityType, entityID string, server, client map[string]any) Resolution {
	res := Resolution{
		EntityType: entityType,
		EntityID:   entityID,
		Conflicts:  Detect(entityType, server, client),
	}

	switch {
	case len(res.Conflicts) == 0:
		res.Strategy = types.StrategyServerWins
	case len(res.Conflicts) == 1 && metadataFields[res.Conflicts[0].Field]:
		res.Strategy = types.StrategyServerWins
	case len(res.Conflicts) == 1 && smallAmountChange(res.Conflicts[0]):
		res.Strategy = types.StrategyServerWins
	case len(res.Conflicts) <= 2 && allMergeable(res.Conflicts):
		res.Strategy = types.StrategyMerge
		res.Discarded = make(map[string]any, len(res.Conflicts))
		for _, c := range res.Conflicts {
			res.Discarded[c.Field] = c.ClientValue
		}
	default:
		res.Strategy = types.StrategyManual
		res.RequiresUserInput = true
		return res
	}
	res.Resolved = copyMap(server)
	return res
}

// Records builds the conflict records a resolution leaves behind. Manual
// resolutions produce open records. Merges produce records that are already
// resolved and keep the discarded client value. Other strategies leave
// nothing to record.
func (r Resolution) Records(userID string, server map[string]any, now time.Time) ([]types.ConflictRecord, error) {
	if r.Strategy != types.StrategyManual && r.Strategy != types.StrategyMerge {
		return nil, nil
	}
	lastModified := now.UTC()
	if t, ok := toTime(server["lastModified"]); ok {
		lastModified = t.UTC()
	}
	var serverVersion int64
	if v, ok := toFloat(server["version"]); ok {
		serverVersion = int64(v)
	}

	records := make([]types.ConflictRecord, 0, len(r.Conflicts))
	for _, c := range r.Conflicts {
		sv, err := json.Marshal(c.ServerValue)
		if err != nil {
			return nil, fmt.Errorf("encoding server value of %s: %w", c.Field, err)
		}
		cv, err := json.Marshal(c.ClientValue)
		if err != nil {
			return nil, fmt.Errorf("encoding client value of %s: %w", c.Field, err)
		}
		rec := types.ConflictRecord{
			ID:                types.ConflictID(r.EntityType, r.EntityID, c.Field, serverVersion),
			UserID:            userID,
			EntityType:        r.EntityType,
			EntityID:          r.EntityID,
			Field:             c.Field,
			ServerValue:       sv,
			ClientValue:       cv,
			LastModified:      lastModified,
			RequiresUserInput: r.RequiresUserInput,
			CreatedAt:         now.UTC(),
		}
		if r.Strategy == types.StrategyMerge {
			resolvedAt := now.UTC()
			rec.Resolution = types.StrategyMerge
			rec.ResolvedAt = &resolvedAt
		}
		records = append(records, rec)
	}
	return records, nil
}

// ApplyChoices builds an entity from per-field choices. Fields without a
// choice, and fields whose choice is unknown, keep the server value. A merge
// of two different strings joins them; a merge of anything else keeps the
// server value.
func ApplyChoices(server, client map[string]any, choices map[string]string) map[string]any {
	out := copyMap(server)
	for field, choice := range choices {
		switch choice {
		case types.ChoiceClient:
			if v, ok := client[field]; ok {
				out[field] = v
			} else {
				delete(out, field)
			}
		case types.ChoiceMerge:
			out[field] = mergeValue(server[field], client[field])
		}
	}
	return out
}

// ChoiceFor maps a submitted resolution to the per-field choice it implies.
func ChoiceFor(resolution string) (string, error) {
	switch resolution {
	case types.StrategyServerWins:
		return types.ChoiceServer, nil
	case types.StrategyClientWins:
		return types.ChoiceClient, nil
	case types.StrategyMerge:
		return types.ChoiceMerge, nil
	}
	return "", types.ErrInvalidResolution
}

func mergeValue(server, client any) any {
	s, ok1 := server.(string)
	c, ok2 := client.(string)
	if !ok1 || !ok2 {
		return server
	}
	switch {
	case s == c || c == "":
		return s
	case s == "":
		return c
	}
	return s + mergeSeparator + c
}

func smallAmountChange(c types.FieldConflict) bool {
	if c.Field != "amount" {
		return false
	}
	s, ok1 := toFloat(c.ServerValue)
	cl, ok2 := toFloat(c.ClientValue)
	return ok1 && ok2 && math.Abs(s-cl) < SmallAmountDelta
}

func allMergeable(conflicts []types.FieldConflict) bool {
	for _, c := range conflicts {
		if !mergeableFields[c.Field] {
			return false
		}
	}
	return true
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
