package state

import (
	"offerbook/storage"
)

// overlay buffers writes on top of a parent manager. Reads fall through to
// the parent for keys the overlay has not touched.
type overlay struct {
	parent  *Manager
	order   []string
	writes  map[string][]byte
	deletes map[string]struct{}
}

func newOverlay(parent *Manager) *overlay {
	return &overlay{
		parent:  parent,
		writes:  make(map[string][]byte),
		deletes: make(map[string]struct{}),
	}
}

func (o *overlay) touch(key string) {
	if _, ok := o.writes[key]; ok {
		return
	}
	if _, ok := o.deletes[key]; ok {
		return
	}
	o.order = append(o.order, key)
}

func (o *overlay) Get(key []byte) ([]byte, error) {
	k := string(key)
	if value, ok := o.writes[k]; ok {
		return append([]byte(nil), value...), nil
	}
	if _, ok := o.deletes[k]; ok {
		return nil, storage.ErrNotFound
	}
	value, err := o.parent.read(key)
	if err != nil {
		return nil, err
	}
	if value == nil {
		return nil, storage.ErrNotFound
	}
	return value, nil
}

func (o *overlay) Put(key []byte, value []byte) error {
	k := string(key)
	o.touch(k)
	delete(o.deletes, k)
	o.writes[k] = append([]byte(nil), value...)
	return nil
}

func (o *overlay) Delete(key []byte) error {
	k := string(key)
	o.touch(k)
	delete(o.writes, k)
	o.deletes[k] = struct{}{}
	return nil
}

func (o *overlay) Write(batch *storage.Batch) error {
	for _, op := range batch.Ops() {
		if op.Delete {
			_ = o.Delete(op.Key)
			continue
		}
		_ = o.Put(op.Key, op.Value)
	}
	return nil
}

func (o *overlay) Close() {}

func (o *overlay) batch() *storage.Batch {
	out := new(storage.Batch)
	for _, key := range o.order {
		if value, ok := o.writes[key]; ok {
			out.Put([]byte(key), value)
			continue
		}
		if _, ok := o.deletes[key]; ok {
			out.Delete([]byte(key))
		}
	}
	return out
}
