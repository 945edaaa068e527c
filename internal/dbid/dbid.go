// Package dbid provides deferred primary-key handles.
//
// Records reference each other by id, but ids are only assigned when the
// bulk saver reserves key ranges at the end of a run. An ID lets records
// point at each other before that happens: it starts unresolved, is
// resolved to a concrete value (or to another ID, one level deep) during
// save preparation, and is frozen once conflict resolution has settled it.
package dbid

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// ErrUnresolved is returned when an ID is read as an integer before it has
// been assigned a value.
var ErrUnresolved = errors.New("id not yet resolved")

var nextLocal atomic.Int64

// ID is a deferred primary key. Local ids are process-unique and act as map
// keys for records before their real ids exist.
type ID struct {
	localID int64
	value   int64
	target  *ID
	set     bool
	frozen  bool
	isNew   bool
}

// New returns an unresolved ID with a fresh local id.
func New() *ID {
	return &ID{localID: nextLocal.Add(1), isNew: true}
}

// FromInt returns an ID already resolved to v.
func FromInt(v int64) *ID {
	id := New()
	id.Resolve(v, false)
	return id
}

// LocalID returns the process-unique temporary id.
func (id *ID) LocalID() int64 {
	return id.localID
}

// Resolve assigns a concrete value. isNew records whether this row is about
// to be inserted (true) or was adopted from an existing row (false).
// Resolving a frozen ID to a different value panics: by the time an ID is
// frozen every reference to it may already have been written out.
func (id *ID) Resolve(v int64, isNew bool) {
	if id.frozen && (id.target != nil || !id.set || id.value != v) {
		panic(fmt.Sprintf("dbid: resolving frozen id %d to %d", id.value, v))
	}
	id.target = nil
	id.value = v
	id.set = true
	id.isNew = isNew
}

// ResolveTo points this ID at another ID. One level of indirection is
// followed on read; the target may itself resolve later.
func (id *ID) ResolveTo(other *ID, isNew bool) {
	if id.frozen {
		panic("dbid: resolving frozen id to another id")
	}
	id.target = other
	id.set = false
	id.isNew = isNew
}

// Resolved returns the concrete value, following at most one level of
// indirection. The second return is false while unresolved.
func (id *ID) Resolved() (int64, bool) {
	if id == nil {
		return 0, false
	}
	if id.target != nil {
		return id.target.Resolved()
	}
	if !id.set {
		return 0, false
	}
	return id.value, true
}

// Int returns the resolved value or ErrUnresolved.
func (id *ID) Int() (int64, error) {
	v, ok := id.Resolved()
	if !ok {
		return 0, fmt.Errorf("local id %d: %w", id.localID, ErrUnresolved)
	}
	return v, nil
}

// MustInt returns the resolved value and panics when unresolved. Use only
// where resolution is an invariant, such as after a completed bulk save.
func (id *ID) MustInt() int64 {
	v, err := id.Int()
	if err != nil {
		panic(err)
	}
	return v
}

// Freeze marks the value as final. Later resolution attempts with a
// different value panic instead of silently moving references.
func (id *ID) Freeze() {
	if id.target != nil {
		if v, ok := id.target.Resolved(); ok {
			id.target = nil
			id.value = v
			id.set = true
		}
	}
	id.frozen = true
}

// IsNew reports whether the most recent resolution marked the row as newly
// inserted rather than adopted from an existing row or another placeholder.
func (id *ID) IsNew() bool {
	return id.isNew
}

func (id *ID) String() string {
	if v, ok := id.Resolved(); ok {
		return fmt.Sprintf("%d", v)
	}
	return fmt.Sprintf("unresolved(local=%d)", id.localID)
}
