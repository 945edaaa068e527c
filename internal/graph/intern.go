package graph

import (
	"github.com/steveyegge/sapp/internal/dbid"
	"github.com/steveyegge/sapp/internal/models"
)

type textKey struct {
	kind     models.SharedTextKind
	contents string
}

// interner is the content-addressed shared-text table for a single run.
type interner struct {
	byKey   map[textKey]*models.SharedText
	byLocal map[int64]*models.SharedText
	order   []*models.SharedText
}

func newInterner() *interner {
	return &interner{
		byKey:   make(map[textKey]*models.SharedText),
		byLocal: make(map[int64]*models.SharedText),
	}
}

// getOrAdd returns the unique SharedText for (kind, contents), creating it
// on first sight.
func (in *interner) getOrAdd(kind models.SharedTextKind, contents string) *models.SharedText {
	key := textKey{kind: kind, contents: contents}
	if st, ok := in.byKey[key]; ok {
		return st
	}
	st := &models.SharedText{ID: dbid.New(), Kind: kind, Contents: contents}
	in.byKey[key] = st
	in.byLocal[st.ID.LocalID()] = st
	in.order = append(in.order, st)
	return st
}

// lookupLocal returns the SharedText whose placeholder has the given local
// id, or nil.
func (in *interner) lookupLocal(local int64) *models.SharedText {
	return in.byLocal[local]
}

func (in *interner) all() []*models.SharedText {
	return in.order
}
