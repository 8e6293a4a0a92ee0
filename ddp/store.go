package ddp

import (
	"github.com/golang/glog"

	"golang.org/x/exp/maps"
)

// change reasons delivered to watchers. every added, addedBefore,
// changed, movedBefore or removed applied to the store dispatches
// exactly one event carrying (reason, id, value); `removed` carries the
// prior value, everything else carries the post-op value.
// ResetKeepingOffline drops documents without dispatching.
type ChangeReason string

const (
	ChangeReasonAdded       ChangeReason = "added"
	ChangeReasonAddedBefore ChangeReason = "addedBefore"
	ChangeReasonChanged     ChangeReason = "changed"
	ChangeReasonMovedBefore ChangeReason = "movedBefore"
	ChangeReasonRemoved     ChangeReason = "removed"
)

// StoredValue is what a collection holds for one document id:
// the raw server document, or the codec-decoded typed value when the
// collection had a codec registered at arrival time.
type StoredValue struct {
	Raw   Document
	Typed any
}

func rawValue(doc Document) StoredValue {
	return StoredValue{Raw: doc}
}

func typedValue(value any) StoredValue {
	return StoredValue{Typed: value}
}

func (self StoredValue) IsTyped() bool {
	return self.Typed != nil
}

// Value is the application-facing form: the typed value if decoded,
// else the raw document.
func (self StoredValue) Value() any {
	if self.Typed != nil {
		return self.Typed
	}
	return self.Raw
}

// Store owns the replicated collections. Mutations are driven by
// incoming frames (and the optimistic local paths on the client);
// everything runs on the client event loop, so there is no lock here.
type Store struct {
	codecs     *CodecRegistry
	dispatcher *Dispatcher

	collections map[string]*OrderedMap[string, StoredValue]
}

func NewStore(codecs *CodecRegistry, dispatcher *Dispatcher) *Store {
	return &Store{
		codecs:      codecs,
		dispatcher:  dispatcher,
		collections: map[string]*OrderedMap[string, StoredValue]{},
	}
}

func (self *Store) collection(name string) *OrderedMap[string, StoredValue] {
	col, ok := self.collections[name]
	if !ok {
		col = NewOrderedMap[string, StoredValue]()
		self.collections[name] = col
	}
	return col
}

func (self *Store) CollectionNames() []string {
	names := maps.Keys(self.collections)
	return names
}

func (self *Store) Get(collection string, id string) (StoredValue, bool) {
	col, ok := self.collections[collection]
	if !ok {
		return StoredValue{}, false
	}
	return col.Get(id)
}

// values in collection order
func (self *Store) Values(collection string) []StoredValue {
	col, ok := self.collections[collection]
	if !ok {
		return nil
	}
	return col.Values()
}

func (self *Store) Ids(collection string) []string {
	col, ok := self.collections[collection]
	if !ok {
		return nil
	}
	return col.Keys()
}

func (self *Store) Len(collection string) int {
	col, ok := self.collections[collection]
	if !ok {
		return 0
	}
	return col.Len()
}

// decode runs the document through the collection codec when one is
// registered. A codec failure is logged and the raw document is stored
// so the stream continues.
func (self *Store) decode(collection string, doc Document) StoredValue {
	codec := self.codecs.Codec(collection)
	if codec == nil {
		return rawValue(doc)
	}
	value, err := self.codecs.decodeDocument(codec, doc)
	if err != nil {
		glog.Infof("[store]%s decode %s error = %s\n", collection, doc.Id(), err)
		return rawValue(doc)
	}
	return typedValue(value)
}

// documentFor converts a stored value back to a plain document so that
// `changed` field patches can be applied uniformly.
func (self *Store) documentFor(collection string, stored StoredValue) Document {
	if !stored.IsTyped() {
		return stored.Raw.Clone()
	}
	codec := self.codecs.Codec(collection)
	if codec != nil {
		doc, err := self.codecs.encodeToDocument(codec, stored.Typed)
		if err == nil {
			return doc
		}
		glog.Infof("[store]%s re-encode error = %s\n", collection, err)
	}
	return Document{}
}

func documentFromFields(id string, fields Document) Document {
	doc := make(Document, len(fields)+1)
	for k, v := range fields {
		doc[k] = v
	}
	doc["_id"] = id
	return doc
}

func (self *Store) ApplyAdded(collection string, id string, fields Document) {
	col := self.collection(collection)
	stored := self.decode(collection, documentFromFields(id, fields))
	col.Put(id, stored)
	self.dispatcher.Dispatch(collection, ChangeReasonAdded, id, stored.Value())
}

// insert before the position of the `before` id.
// an unknown before id appends.
func (self *Store) ApplyAddedBefore(collection string, id string, fields Document, before string) {
	col := self.collection(collection)
	stored := self.decode(collection, documentFromFields(id, fields))
	i := col.IndexOf(before)
	if i < 0 {
		col.Put(id, stored)
	} else {
		col.PutAt(id, stored, i)
	}
	self.dispatcher.Dispatch(collection, ChangeReasonAddedBefore, id, stored.Value())
}

func (self *Store) ApplyChanged(collection string, id string, fields Document, cleared []string) {
	col := self.collection(collection)
	current, ok := col.Get(id)
	if !ok {
		// an unknown document behaves like a fresh add
		glog.Infof("[store]%s changed unknown %s\n", collection, id)
		self.ApplyAdded(collection, id, fields)
		return
	}
	doc := self.documentFor(collection, current)
	for k, v := range fields {
		doc[k] = v
	}
	for _, k := range cleared {
		delete(doc, k)
	}
	doc["_id"] = id
	stored := self.decode(collection, doc)
	col.Replace(id, stored)
	self.dispatcher.Dispatch(collection, ChangeReasonChanged, id, stored.Value())
}

// relocate the document to the index the `before` id held before the
// move: the document is removed and reinserted at that index, so a
// document that started ahead of `before` ends up just after it.
// a nil or unknown before id moves it to the end.
func (self *Store) ApplyMovedBefore(collection string, id string, before *string) {
	col := self.collection(collection)
	if !col.Contains(id) {
		glog.Infof("[store]%s movedBefore unknown %s\n", collection, id)
		return
	}
	// the target index is read before the removal shifts positions
	i := -1
	if before != nil {
		i = col.IndexOf(*before)
	}
	stored, _ := col.Remove(id)
	if i < 0 {
		col.Put(id, stored)
	} else {
		col.PutAt(id, stored, i)
	}
	self.dispatcher.Dispatch(collection, ChangeReasonMovedBefore, id, stored.Value())
}

func (self *Store) ApplyRemoved(collection string, id string) {
	col := self.collection(collection)
	prior, ok := col.Remove(id)
	var priorValue any
	if ok {
		priorValue = prior.Value()
	}
	self.dispatcher.Dispatch(collection, ChangeReasonRemoved, id, priorValue)
}

// local optimistic add. dispatches like a server add; the server will
// later replay an authoritative `added` for the same id.
func (self *Store) AddLocal(collection string, id string, stored StoredValue) {
	col := self.collection(collection)
	col.Put(id, stored)
	self.dispatcher.Dispatch(collection, ChangeReasonAdded, id, stored.Value())
}

func (self *Store) RemoveLocal(collection string, id string) {
	self.ApplyRemoved(collection, id)
}

// ResetKeepingOffline drops all server-sourced documents. Entries that
// were restored from the offline cache survive until the server
// delivers a replacement.
func (self *Store) ResetKeepingOffline() {
	for name, col := range self.collections {
		for _, id := range col.Keys() {
			stored, _ := col.Get(id)
			if wasOffline(stored) {
				continue
			}
			col.Remove(id)
		}
		glog.V(2).Infof("[store]reset %s to %d offline entries\n", name, col.Len())
	}
}
