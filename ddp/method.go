package ddp

import (
	"github.com/golang/glog"
)

// (result, err). result is the decoded `result` field of the result
// frame. err is a *ServerError when the server attached one, or
// ErrDisconnected when the connection dropped in flight.
type MethodCallback func(result any, err error)

// MethodManager tracks outstanding remote calls and routes their
// terminal event: a `result` frame, or invalidation on disconnect.
// Every registered method reaches exactly one terminal state.
type MethodManager struct {
	outstanding *OrderedMap[string, MethodCallback]

	// methods whose data effects the server has flushed
	updated map[string]bool
}

func NewMethodManager() *MethodManager {
	return &MethodManager{
		outstanding: NewOrderedMap[string, MethodCallback](),
		updated:     map[string]bool{},
	}
}

func (self *MethodManager) Register(methodId string, callback MethodCallback) {
	self.outstanding.Put(methodId, callback)
}

func (self *MethodManager) OutstandingCount() int {
	return self.outstanding.Len()
}

// Complete routes a `result` frame. An attached error surfaces as a
// *ServerError; otherwise the callback sees the result value.
func (self *MethodManager) Complete(message *Message) {
	callback, ok := self.outstanding.Remove(message.Id)
	if !ok {
		glog.V(2).Infof("[method]result unknown %s\n", message.Id)
		return
	}
	delete(self.updated, message.Id)
	if callback == nil {
		return
	}
	if message.Error != nil {
		callback(nil, message.Error)
	} else {
		callback(message.Result, nil)
	}
}

// MarkUpdated records the `updated {methods}` advisory: the method's
// writes are now reflected in the store. There is no user-visible
// callback for this beyond the bookkeeping.
func (self *MethodManager) MarkUpdated(methodIds []string) {
	for _, methodId := range methodIds {
		if self.outstanding.Contains(methodId) {
			self.updated[methodId] = true
		}
	}
}

// FailAll clears the outstanding set atomically and then fails each
// callback, in registration order. Used on connection loss, before the
// disconnect notification goes out.
func (self *MethodManager) FailAll(err error) {
	callbacks := self.outstanding.Values()
	self.outstanding = NewOrderedMap[string, MethodCallback]()
	self.updated = map[string]bool{}
	for _, callback := range callbacks {
		if callback != nil {
			callback(nil, err)
		}
	}
}
