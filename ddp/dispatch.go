package ddp

import (
	"github.com/golang/glog"
)

// (reason, document id, value). for `removed`, id watchers receive the
// prior value and predicate watchers receive nil.
type WatchFunction func(reason ChangeReason, id string, value any)

// filters predicate watchers by the post-op value
type PredicateFunction func(value any) bool

type predicateWatcher struct {
	predicate PredicateFunction
	callback  WatchFunction
}

type idWatcher struct {
	targetId string
	callback WatchFunction
}

// Dispatcher fans store changes out to registered watchers. Watchers
// hold only the collection name and an id or predicate; ownership stays
// acyclic. Callbacks run synchronously on the event loop in
// registration order, id watchers before predicate watchers.
type Dispatcher struct {
	nextWatcherId int

	predicateWatchers map[string]*OrderedMap[int, predicateWatcher]
	idWatchers        map[string]*OrderedMap[int, idWatcher]
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		predicateWatchers: map[string]*OrderedMap[int, predicateWatcher]{},
		idWatchers:        map[string]*OrderedMap[int, idWatcher]{},
	}
}

// predicate nil watches every event in the collection
func (self *Dispatcher) Watch(collection string, predicate PredicateFunction, callback WatchFunction) int {
	watcherId := self.allocateWatcherId()
	watchers, ok := self.predicateWatchers[collection]
	if !ok {
		watchers = NewOrderedMap[int, predicateWatcher]()
		self.predicateWatchers[collection] = watchers
	}
	watchers.Put(watcherId, predicateWatcher{
		predicate: predicate,
		callback:  callback,
	})
	return watcherId
}

func (self *Dispatcher) WatchId(collection string, targetId string, callback WatchFunction) int {
	watcherId := self.allocateWatcherId()
	watchers, ok := self.idWatchers[collection]
	if !ok {
		watchers = NewOrderedMap[int, idWatcher]()
		self.idWatchers[collection] = watchers
	}
	watchers.Put(watcherId, idWatcher{
		targetId: targetId,
		callback: callback,
	})
	return watcherId
}

// Unwatch removes a watcher registered with Watch or WatchId.
// Watcher lifetime is bound only by this call.
func (self *Dispatcher) Unwatch(collection string, watcherId int) {
	if watchers, ok := self.idWatchers[collection]; ok {
		watchers.Remove(watcherId)
	}
	if watchers, ok := self.predicateWatchers[collection]; ok {
		watchers.Remove(watcherId)
	}
}

func (self *Dispatcher) allocateWatcherId() int {
	self.nextWatcherId += 1
	return self.nextWatcherId
}

func (self *Dispatcher) Dispatch(collection string, reason ChangeReason, id string, value any) {
	if watchers, ok := self.idWatchers[collection]; ok {
		for _, watcher := range watchers.Values() {
			if watcher.targetId != id {
				continue
			}
			invokeWatcher(watcher.callback, reason, id, value)
		}
	}
	if watchers, ok := self.predicateWatchers[collection]; ok {
		for _, watcher := range watchers.Values() {
			if reason == ChangeReasonRemoved {
				invokeWatcher(watcher.callback, reason, id, nil)
				continue
			}
			if watcher.predicate != nil && !watcher.predicate(value) {
				continue
			}
			invokeWatcher(watcher.callback, reason, id, value)
		}
	}
}

// one watcher panicking cannot break dispatch to the others
func invokeWatcher(callback WatchFunction, reason ChangeReason, id string, value any) {
	defer func() {
		if r := recover(); r != nil {
			glog.Errorf("[dispatch]watcher panic = %v\n", r)
		}
	}()
	callback(reason, id, value)
}
