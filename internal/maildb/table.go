package maildb

import (
	"encoding/json"
	"sort"
)

type Keyed interface {
	Key() string
}

// Table holds the live entities of one type for one account, keyed by pk.
type Table[T Keyed] struct {
	items map[string]T
}

func NewTable[T Keyed]() *Table[T] {
	return &Table[T]{items: map[string]T{}}
}

func (t *Table[T]) Get(pk string) (T, bool) {
	if t == nil {
		var zero T
		return zero, false
	}
	v, ok := t.items[pk]
	return v, ok
}

func (t *Table[T]) Has(pk string) bool {
	_, ok := t.Get(pk)
	return ok
}

func (t *Table[T]) Put(v T) {
	t.items[v.Key()] = v
}

func (t *Table[T]) Delete(pk string) bool {
	if _, ok := t.items[pk]; !ok {
		return false
	}
	delete(t.items, pk)
	return true
}

func (t *Table[T]) Len() int {
	if t == nil {
		return 0
	}
	return len(t.items)
}

func (t *Table[T]) Keys() []string {
	if t == nil {
		return nil
	}
	keys := make([]string, 0, len(t.items))
	for pk := range t.items {
		keys = append(keys, pk)
	}
	sort.Strings(keys)
	return keys
}

// Values returns the entities ordered by pk.
func (t *Table[T]) Values() []T {
	keys := t.Keys()
	out := make([]T, 0, len(keys))
	for _, pk := range keys {
		out = append(out, t.items[pk])
	}
	return out
}

func (t *Table[T]) Range(fn func(pk string, v T) bool) {
	if t == nil {
		return
	}
	for pk, v := range t.items {
		if !fn(pk, v) {
			return
		}
	}
}

func (t *Table[T]) Clone(copyFn func(T) T) *Table[T] {
	out := &Table[T]{items: make(map[string]T, t.Len())}
	if t == nil {
		return out
	}
	for pk, v := range t.items {
		out.items[pk] = copyFn(v)
	}
	return out
}

func (t *Table[T]) MarshalJSON() ([]byte, error) {
	if t == nil || t.items == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(t.items)
}

func (t *Table[T]) UnmarshalJSON(data []byte) error {
	items := map[string]T{}
	if err := json.Unmarshal(data, &items); err != nil {
		return err
	}
	t.items = items
	return nil
}
