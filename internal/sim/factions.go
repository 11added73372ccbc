package sim

import "sort"

// FactionData is the world-level record created by SetupFaction.
type FactionData struct {
	ID     FactionID `json:"id"`
	Online bool      `json:"online"`
}

type factionRegistry struct {
	byID map[FactionID]*FactionData
}

func (r *factionRegistry) setup(id FactionID) bool {
	if id <= NoFaction {
		return false
	}
	if r.byID == nil {
		r.byID = make(map[FactionID]*FactionData)
	}
	if _, ok := r.byID[id]; ok {
		return false
	}
	r.byID[id] = &FactionData{ID: id}
	return true
}

func (r *factionRegistry) known(id FactionID) bool {
	_, ok := r.byID[id]
	return ok
}

func (r *factionRegistry) get(id FactionID) (*FactionData, bool) {
	data, ok := r.byID[id]
	return data, ok
}

func (r *factionRegistry) list() []FactionData {
	out := make([]FactionData, 0, len(r.byID))
	for _, data := range r.byID {
		out = append(out, *data)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *factionRegistry) online() []FactionID {
	var ids []FactionID
	for _, data := range r.list() {
		if data.Online {
			ids = append(ids, data.ID)
		}
	}
	return ids
}

func (r *factionRegistry) replace(all []FactionData) {
	r.byID = make(map[FactionID]*FactionData, len(all))
	for _, data := range all {
		copied := data
		r.byID[data.ID] = &copied
	}
}
