package ddp

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestSubscriptionReady(t *testing.T) {
	ids := &idGenerator{}
	subs := NewSubscriptionManager(ids)

	readyCount := 0
	sub := subs.Add("items", []any{"x"}, func() {
		readyCount += 1
	})
	assert.NotEqual(t, "", sub.Id)
	assert.Equal(t, false, sub.Ready)

	subs.MarkReady([]string{sub.Id})
	assert.Equal(t, true, sub.Ready)
	assert.Equal(t, 1, readyCount)

	// unknown ids are ignored
	subs.MarkReady([]string{"missing"})
	assert.Equal(t, 1, readyCount)
}

func TestSubscriptionGroupFiresOnceWhenAllReady(t *testing.T) {
	ids := &idGenerator{}
	subs := NewSubscriptionManager(ids)

	fired := 0
	_, members := subs.AddGroup([]SubscriptionName{
		{Name: "A"},
		{Name: "B"},
	}, func() {
		fired += 1
	})
	assert.Equal(t, 2, len(members))

	subs.MarkReady([]string{members[0].Id})
	assert.Equal(t, 0, fired)

	subs.MarkReady([]string{members[1].Id})
	assert.Equal(t, 1, fired)

	// further ready frames do not re-fire
	subs.MarkReady([]string{members[0].Id, members[1].Id})
	assert.Equal(t, 1, fired)
}

func TestSubscriptionGroupDroppedMember(t *testing.T) {
	ids := &idGenerator{}
	subs := NewSubscriptionManager(ids)

	fired := 0
	_, members := subs.AddGroup([]SubscriptionName{
		{Name: "A"},
		{Name: "B"},
	}, func() {
		fired += 1
	})

	subs.MarkReady([]string{members[0].Id})
	assert.Equal(t, 0, fired)

	// a nosub for B re-evaluates the group against A alone
	subs.Drop(members[1].Id)
	assert.Equal(t, 1, fired)
}

func TestSubscriptionRemoveGroup(t *testing.T) {
	ids := &idGenerator{}
	subs := NewSubscriptionManager(ids)

	groupId, members := subs.AddGroup([]SubscriptionName{
		{Name: "A"},
		{Name: "B"},
	}, nil)
	assert.Equal(t, true, subs.IsGroup(groupId))

	memberIds := subs.RemoveGroup(groupId)
	assert.Equal(t, 2, len(memberIds))
	assert.Equal(t, false, subs.IsGroup(groupId))
	for _, member := range members {
		_, ok := subs.Get(member.Id)
		assert.Equal(t, false, ok)
	}
	assert.Equal(t, 0, len(subs.All()))
}

func TestSubscriptionResetReady(t *testing.T) {
	ids := &idGenerator{}
	subs := NewSubscriptionManager(ids)

	sub := subs.Add("items", nil, nil)
	subs.MarkReady([]string{sub.Id})
	assert.Equal(t, true, sub.Ready)

	subs.ResetReady()
	assert.Equal(t, false, sub.Ready)

	// the record survives for replay with the same id and name
	all := subs.All()
	assert.Equal(t, 1, len(all))
	assert.Equal(t, sub.Id, all[0].Id)
	assert.Equal(t, "items", all[0].Name)
}
