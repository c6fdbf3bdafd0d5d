package boxconn

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fisaks/relexbox/internal/protocol"
)

type panicky struct{ calls int }

func (p *panicky) Notify(Event) {
	p.calls++
	panic("subscriber bug")
}

func (p *panicky) OnStateChange(protocol.ChannelVector, protocol.ChannelVector) {
	panic("observer bug")
}

func TestFanOutSurvivesPanickingSubscriber(t *testing.T) {
	r := NewRegistry(nil)
	a := &panicky{}
	b := newRecorder()
	require.True(t, r.Add(a))
	require.True(t, r.Add(b))

	ev := Event{Kind: EventData, Channel: protocol.Relays, Changed: []int{0}}
	assert.NotPanics(t, func() { r.NotifyAll(ev) })
	assert.NotPanics(t, func() { r.StateChanged(protocol.ChannelVector{}, protocol.ChannelVector{}) })

	assert.Equal(t, 1, a.calls)
	got := b.all()
	require.Len(t, got, 1)
	assert.Equal(t, ev.Kind, got[0].Kind)
	assert.Equal(t, []int{0}, got[0].Changed)
}

func TestSubscribersGetTheirOwnChangedSlice(t *testing.T) {
	r := NewRegistry(nil)
	mutate := SubscriberFunc(func(ev Event) { ev.Changed[0] = 99 })
	b := newRecorder()
	r.Add(&mutate)
	r.Add(b)

	changed := []int{3}
	r.NotifyAll(Event{Kind: EventData, Changed: changed})

	assert.Equal(t, []int{3}, changed)
	assert.Equal(t, []int{3}, b.all()[0].Changed)
}

func TestRemoveDuringFanOut(t *testing.T) {
	r := NewRegistry(nil)
	b := newRecorder()
	var self *SubscriberFunc
	f := SubscriberFunc(func(Event) {
		r.Remove(self)
		r.Remove(b)
	})
	self = &f
	r.Add(self)
	r.Add(b)

	assert.NotPanics(t, func() { r.NotifyAll(Event{Kind: EventConnect}) })
	assert.Equal(t, 0, r.Len())
	assert.LessOrEqual(t, len(b.all()), 1)

	r.NotifyAll(Event{Kind: EventClose})
	assert.LessOrEqual(t, len(b.all()), 1)
}

func TestAddIgnoresNilAndDuplicates(t *testing.T) {
	r := NewRegistry(nil)
	b := newRecorder()
	assert.False(t, r.Add(nil))
	assert.True(t, r.Add(b))
	assert.False(t, r.Add(b))
	assert.Equal(t, 1, r.Len())
	r.Remove(b)
	r.Remove(b)
	assert.Equal(t, 0, r.Len())
}
