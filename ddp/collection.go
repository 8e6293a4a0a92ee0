package ddp

import (
	"errors"
)

// optimistic local writes. insert and remove mutate the local
// collection immediately and then issue the collection RPC; the server
// echoes authoritative frames. update sends only the modifier and waits
// for the server's `changed`.

// Insert adds the value locally and calls `/<collection>/insert`.
// A raw document without an `_id` gets a random one. A typed value must
// carry its own id; it is stored as given even when a codec is
// registered, since the server replays an authoritative `added` for the
// same id. The document id is returned.
func (self *Client) Insert(collection string, value any, callback MethodCallback) (string, error) {
	var id string
	var insertErr error
	self.sync(func() {
		var stored StoredValue
		var param any
		switch v := value.(type) {
		case Document:
			doc := v.Clone()
			if doc.Id() == "" {
				doc["_id"] = NewDocumentId()
			}
			id = doc.Id()
			stored = rawValue(doc)
			param = doc
		case map[string]any:
			doc := Document(v).Clone()
			if doc.Id() == "" {
				doc["_id"] = NewDocumentId()
			}
			id = doc.Id()
			stored = rawValue(doc)
			param = doc
		default:
			codec := self.codecs.codecForValue(v)
			if codec == nil {
				insertErr = errors.New("no codec for typed insert")
				return
			}
			doc, err := self.codecs.encodeToDocument(codec, v)
			if err != nil {
				insertErr = err
				return
			}
			if doc.Id() == "" {
				insertErr = errors.New("typed insert requires an _id")
				return
			}
			id = doc.Id()
			stored = typedValue(v)
			param = v
		}
		self.store.AddLocal(collection, id, stored)
		self.offline.markDirty(collection)
		self.callOnLoop("/"+collection+"/insert", []any{param}, callback)
	})
	return id, insertErr
}

// UnsetField marks a field for `$unset` in Update changes.
var UnsetField any = nil

// Update sends a `{$set, $unset}` modifier built from changes, where a
// nil value unsets the field. No local mutation happens; the server
// echoes a `changed` frame.
func (self *Client) Update(collection string, id string, changes Document, callback MethodCallback) {
	self.post(func() {
		set := Document{}
		unset := Document{}
		for k, v := range changes {
			if v == nil {
				unset[k] = ""
			} else {
				set[k] = v
			}
		}
		modifier := Document{}
		if 0 < len(set) {
			modifier["$set"] = map[string]any(set)
		}
		if 0 < len(unset) {
			modifier["$unset"] = map[string]any(unset)
		}
		selector := Document{"_id": id}
		self.callOnLoop("/"+collection+"/update", []any{selector, modifier}, callback)
	})
}

// Remove deletes locally and calls `/<collection>/remove`.
func (self *Client) Remove(collection string, id string, callback MethodCallback) {
	self.post(func() {
		self.store.RemoveLocal(collection, id)
		self.offline.markDirty(collection)
		self.callOnLoop("/"+collection+"/remove", []any{Document{"_id": id}}, callback)
	})
}
