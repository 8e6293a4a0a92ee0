package ddp

import (
	"github.com/golang/glog"
)

type ReadyFunction func()

// A Subscription is one named, parameterized server publication.
// Ready flips when the server has delivered the initial document set.
type Subscription struct {
	Id     string
	Name   string
	Params []any
	Ready  bool

	readyCallback ReadyFunction
	// group the subscription belongs to, "" if none
	groupId string
}

// SubscriptionName identifies one member of a grouped subscribe.
type SubscriptionName struct {
	Name   string
	Params []any
}

type subscriptionGroup struct {
	groupId       string
	memberIds     []string
	readyCallback ReadyFunction
	fired         bool
}

// SubscriptionManager tracks active subscriptions so they can be
// re-issued after a reconnect, and implements grouped readiness:
// a group's callback fires exactly once, when every member is ready.
type SubscriptionManager struct {
	ids *idGenerator

	subscriptions *OrderedMap[string, *Subscription]
	groups        map[string]*subscriptionGroup
}

func NewSubscriptionManager(ids *idGenerator) *SubscriptionManager {
	return &SubscriptionManager{
		ids:           ids,
		subscriptions: NewOrderedMap[string, *Subscription](),
		groups:        map[string]*subscriptionGroup{},
	}
}

func (self *SubscriptionManager) Add(name string, params []any, readyCallback ReadyFunction) *Subscription {
	sub := &Subscription{
		Id:            self.ids.NextId(),
		Name:          name,
		Params:        params,
		readyCallback: readyCallback,
	}
	self.subscriptions.Put(sub.Id, sub)
	return sub
}

// AddGroup registers each member and returns the group id.
// The group id is disjoint from subscription ids so it can be passed to
// Client.Unsubscribe interchangeably.
func (self *SubscriptionManager) AddGroup(names []SubscriptionName, readyCallback ReadyFunction) (string, []*Subscription) {
	group := &subscriptionGroup{
		groupId:       "g" + self.ids.NextId(),
		readyCallback: readyCallback,
	}
	subs := make([]*Subscription, 0, len(names))
	for _, name := range names {
		sub := self.Add(name.Name, name.Params, func() {
			self.checkGroup(group)
		})
		sub.groupId = group.groupId
		group.memberIds = append(group.memberIds, sub.Id)
		subs = append(subs, sub)
	}
	self.groups[group.groupId] = group
	return group.groupId, subs
}

func (self *SubscriptionManager) checkGroup(group *subscriptionGroup) {
	if group.fired {
		return
	}
	for _, memberId := range group.memberIds {
		sub, ok := self.subscriptions.Get(memberId)
		if !ok {
			continue
		}
		if !sub.Ready {
			return
		}
	}
	group.fired = true
	if group.readyCallback != nil {
		group.readyCallback()
	}
}

func (self *SubscriptionManager) Get(subscriptionId string) (*Subscription, bool) {
	return self.subscriptions.Get(subscriptionId)
}

func (self *SubscriptionManager) IsGroup(id string) bool {
	_, ok := self.groups[id]
	return ok
}

// MarkReady records readiness for each listed subscription and invokes
// its ready callback. Group members funnel into the group check, which
// fires the group callback at most once.
func (self *SubscriptionManager) MarkReady(subscriptionIds []string) {
	for _, subscriptionId := range subscriptionIds {
		sub, ok := self.subscriptions.Get(subscriptionId)
		if !ok {
			glog.V(2).Infof("[sub]ready unknown %s\n", subscriptionId)
			continue
		}
		sub.Ready = true
		if sub.readyCallback != nil {
			sub.readyCallback()
		}
	}
}

// Drop removes one subscription record. If it belonged to a group the
// group re-evaluates against the remaining members.
func (self *SubscriptionManager) Drop(subscriptionId string) {
	sub, ok := self.subscriptions.Get(subscriptionId)
	if !ok {
		return
	}
	self.subscriptions.Remove(subscriptionId)
	if sub.groupId == "" {
		return
	}
	group, ok := self.groups[sub.groupId]
	if !ok {
		return
	}
	memberIds := []string{}
	for _, memberId := range group.memberIds {
		if memberId != subscriptionId {
			memberIds = append(memberIds, memberId)
		}
	}
	group.memberIds = memberIds
	if 0 < len(memberIds) {
		self.checkGroup(group)
	} else {
		delete(self.groups, group.groupId)
	}
}

// RemoveGroup drops the group record and returns the member ids that
// still need an unsub.
func (self *SubscriptionManager) RemoveGroup(groupId string) []string {
	group, ok := self.groups[groupId]
	if !ok {
		return nil
	}
	delete(self.groups, groupId)
	memberIds := group.memberIds
	for _, memberId := range memberIds {
		if sub, ok := self.subscriptions.Get(memberId); ok {
			// detach so Drop does not re-evaluate a removed group
			sub.groupId = ""
		}
		self.subscriptions.Remove(memberId)
	}
	return memberIds
}

// All returns the active subscriptions in registration order.
func (self *SubscriptionManager) All() []*Subscription {
	return self.subscriptions.Values()
}

// ResetReady clears readiness ahead of a re-subscribe so group
// callbacks that already fired stay fired and fresh ready frames are
// required before new groups fire.
func (self *SubscriptionManager) ResetReady() {
	for _, sub := range self.subscriptions.Values() {
		sub.Ready = false
	}
}
