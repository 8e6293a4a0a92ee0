package ddp

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/golang/glog"
)

// The offline overlay mirrors a collection to one cache file so the
// last-known state can be shown before the first reconnect. Restored
// entries are flagged and survive the store reset on reconnect until
// the server delivers a replacement for the same id.

// OfflineFields is embedded in a typed collection element to declare
// the offline shape. The two reserved fields ride along in the wire
// document: `_lastUpdated_` is stamped at persist time when absent and
// `_wasOffline_` marks values restored from the cache.
type OfflineFields struct {
	LastUpdated *Time `json:"_lastUpdated_,omitempty"`
	WasOffline  bool  `json:"_wasOffline_,omitempty"`
}

func (self *OfflineFields) OfflineMeta() *OfflineFields {
	return self
}

type OfflineCapable interface {
	OfflineMeta() *OfflineFields
}

func wasOffline(stored StoredValue) bool {
	if stored.IsTyped() {
		if capable, ok := stored.Typed.(OfflineCapable); ok {
			return capable.OfflineMeta().WasOffline
		}
		return false
	}
	flagged, _ := stored.Raw["_wasOffline_"].(bool)
	return flagged
}

type OfflineSettings struct {
	// one `<collection>.cache` file per collection lives here
	CacheDir string
	// dirty collections coalesce into one write per window
	PersistDebounce time.Duration
}

func DefaultOfflineSettings() *OfflineSettings {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return &OfflineSettings{
		CacheDir:        filepath.Join(dir, "meteorwire"),
		PersistDebounce: 5 * time.Second,
	}
}

type offlineOverlay struct {
	client   *Client
	settings *OfflineSettings

	// collections with auto-persist on
	enabled map[string]bool
	dirty   map[string]bool
	// a debounce timer is pending
	flushScheduled bool
}

func newOfflineOverlay(client *Client, settings *OfflineSettings) *offlineOverlay {
	return &offlineOverlay{
		client:   client,
		settings: settings,
		enabled:  map[string]bool{},
		dirty:    map[string]bool{},
	}
}

func (self *offlineOverlay) cachePath(collection string) string {
	return filepath.Join(self.settings.CacheDir, collection+".cache")
}

// on the loop. store changes funnel through here; enabled collections
// get re-persisted after the debounce window.
func (self *offlineOverlay) markDirty(collection string) {
	if !self.enabled[collection] {
		return
	}
	self.dirty[collection] = true
	if self.flushScheduled {
		return
	}
	self.flushScheduled = true
	time.AfterFunc(self.settings.PersistDebounce, func() {
		self.client.post(func() {
			self.flush()
		})
	})
}

// on the loop
func (self *offlineOverlay) flush() {
	self.flushScheduled = false
	for collection := range self.dirty {
		if err := self.persist(collection); err != nil {
			glog.Infof("[offline]persist %s error = %s\n", collection, err)
		}
	}
	self.dirty = map[string]bool{}
}

// on the loop. stamps `_lastUpdated_` on entries that lack one,
// serializes the collection in order, and hands the bytes to a short
// background write so the loop never blocks on the filesystem.
func (self *offlineOverlay) persist(collection string) error {
	data, err := self.serialize(collection)
	if err != nil {
		return err
	}
	path := self.cachePath(collection)
	go func() {
		if err := os.MkdirAll(self.settings.CacheDir, 0755); err != nil {
			glog.Infof("[offline]mkdir error = %s\n", err)
			return
		}
		if err := os.WriteFile(path, data, 0644); err != nil {
			glog.Infof("[offline]write %s error = %s\n", path, err)
		}
	}()
	return nil
}

// on the loop
func (self *offlineOverlay) serialize(collection string) ([]byte, error) {
	codec := self.client.codecs.Codec(collection)
	now := DateTime(time.Now().UTC())
	entries := []json.RawMessage{}
	for _, id := range self.client.store.Ids(collection) {
		stored, ok := self.client.store.Get(collection, id)
		if !ok {
			continue
		}
		if stored.IsTyped() {
			if capable, ok := stored.Typed.(OfflineCapable); ok {
				meta := capable.OfflineMeta()
				if meta.LastUpdated == nil {
					stamp := now
					meta.LastUpdated = &stamp
				}
			}
			if codec == nil {
				return nil, errors.New("typed entries need a codec to persist")
			}
			data, err := codec.Encode(stored.Typed)
			if err != nil {
				return nil, err
			}
			entries = append(entries, json.RawMessage(data))
		} else {
			doc := stored.Raw
			if _, ok := doc["_lastUpdated_"]; !ok {
				doc["_lastUpdated_"] = now
			}
			data, err := json.Marshal(exportDocument(doc, nil))
			if err != nil {
				return nil, err
			}
			entries = append(entries, json.RawMessage(data))
		}
	}
	return json.Marshal(entries)
}

// on the loop. inserts cached entries flagged `_wasOffline_` without
// any RPC, creating the collection if absent.
func (self *offlineOverlay) restore(collection string, data []byte) error {
	entries := []json.RawMessage{}
	if err := json.Unmarshal(data, &entries); err != nil {
		return err
	}
	codec := self.client.codecs.Codec(collection)
	for _, entry := range entries {
		var stored StoredValue
		var id string
		if codec != nil {
			value, err := codec.Decode(entry)
			if err != nil {
				glog.Infof("[offline]restore decode error = %s\n", err)
				continue
			}
			capable, ok := value.(OfflineCapable)
			if !ok {
				glog.Infof("[offline]restore %s: element is not offline capable\n", collection)
				continue
			}
			capable.OfflineMeta().WasOffline = true
			doc, err := self.client.codecs.encodeToDocument(codec, value)
			if err != nil {
				glog.Infof("[offline]restore re-encode error = %s\n", err)
				continue
			}
			id = doc.Id()
			stored = typedValue(value)
		} else {
			doc := Document{}
			if err := json.Unmarshal(entry, &doc); err != nil {
				glog.Infof("[offline]restore decode error = %s\n", err)
				continue
			}
			doc["_wasOffline_"] = true
			id = doc.Id()
			stored = rawValue(doc)
		}
		if id == "" {
			continue
		}
		col := self.client.store.collection(collection)
		col.Put(id, stored)
		self.client.dispatcher.Dispatch(collection, ChangeReasonAdded, id, stored.Value())
	}
	return nil
}

// on the loop
func (self *offlineOverlay) clear(collection string) {
	for _, id := range self.client.store.Ids(collection) {
		stored, ok := self.client.store.Get(collection, id)
		if !ok {
			continue
		}
		if wasOffline(stored) {
			self.client.store.ApplyRemoved(collection, id)
		}
	}
	delete(self.dirty, collection)
}

// client facade

// EnableOffline turns on debounced auto-persist for the collection.
func (self *Client) EnableOffline(collection string) {
	self.post(func() {
		self.offline.enabled[collection] = true
	})
}

// Persist writes the collection's cache file now.
func (self *Client) Persist(collection string) error {
	var data []byte
	var err error
	self.sync(func() {
		data, err = self.offline.serialize(collection)
	})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(self.offline.settings.CacheDir, 0755); err != nil {
		return err
	}
	return os.WriteFile(self.offline.cachePath(collection), data, 0644)
}

// Restore loads the collection's cache file if present. Restored
// entries carry `_wasOffline_` until the server replaces them.
func (self *Client) Restore(collection string) error {
	data, err := os.ReadFile(self.offline.cachePath(collection))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var restoreErr error
	self.sync(func() {
		self.offline.enabled[collection] = true
		restoreErr = self.offline.restore(collection, data)
	})
	return restoreErr
}

// ClearOffline removes every entry still flagged `_wasOffline_` and
// deletes the cache file.
func (self *Client) ClearOffline(collection string) error {
	self.sync(func() {
		self.offline.clear(collection)
	})
	err := os.Remove(self.offline.cachePath(collection))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
