// Package transporttest provides an in-memory transport.Adapter for tests.
package transporttest

import (
	"context"
	"strconv"
	"sync"

	"babbell/internal/transport"
)

type Sent struct {
	Channel    string
	MessageRef string
	Payload    transport.Payload
}

type Answer struct {
	ActionID string
	Text     string
}

// Adapter records every outbound call. Private channels are "D-<user>";
// message refs are sequential.
type Adapter struct {
	Name string
	// OnSend, when set, runs after every successful Send.
	OnSend func(channel string)

	mu        sync.Mutex
	openErr   map[string]error
	sendErr   map[string]error
	updateErr map[string]error
	profiles  map[string]transport.Profile
	seq       int
	out       chan<- transport.Update

	Opened  []string
	Sent    []Sent
	Updated []Sent
	Answers []Answer
}

func New(name string) *Adapter {
	return &Adapter{
		Name:      name,
		openErr:   map[string]error{},
		sendErr:   map[string]error{},
		updateErr: map[string]error{},
		profiles:  map[string]transport.Profile{},
	}
}

// FailOpen makes OpenPrivateChannel fail for user.
func (a *Adapter) FailOpen(user string, err error) {
	a.mu.Lock()
	a.openErr[user] = err
	a.mu.Unlock()
}

// FailSend makes Send fail for channel.
func (a *Adapter) FailSend(channel string, err error) {
	a.mu.Lock()
	a.sendErr[channel] = err
	a.mu.Unlock()
}

// FailUpdate makes Update fail for channel.
func (a *Adapter) FailUpdate(channel string, err error) {
	a.mu.Lock()
	a.updateErr[channel] = err
	a.mu.Unlock()
}

func (a *Adapter) SetProfile(user string, p transport.Profile) {
	a.mu.Lock()
	a.profiles[user] = p
	a.mu.Unlock()
}

func (a *Adapter) Platform() string { return a.Name }

func (a *Adapter) Start(_ context.Context, out chan<- transport.Update) error {
	a.mu.Lock()
	a.out = out
	a.mu.Unlock()
	return nil
}

func (a *Adapter) Stop(context.Context) error {
	a.mu.Lock()
	a.out = nil
	a.mu.Unlock()
	return nil
}

// Emit pushes u to the channel passed to Start.
func (a *Adapter) Emit(u transport.Update) bool {
	a.mu.Lock()
	out := a.out
	a.mu.Unlock()
	if out == nil {
		return false
	}
	out <- u
	return true
}

func (a *Adapter) OpenPrivateChannel(_ context.Context, user string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Opened = append(a.Opened, user)
	if err := a.openErr[user]; err != nil {
		return "", err
	}
	return "D-" + user, nil
}

func (a *Adapter) Send(_ context.Context, channel string, p transport.Payload) (string, error) {
	a.mu.Lock()
	if err := a.sendErr[channel]; err != nil {
		a.mu.Unlock()
		return "", err
	}
	a.seq++
	ref := strconv.Itoa(a.seq)
	a.Sent = append(a.Sent, Sent{Channel: channel, MessageRef: ref, Payload: p})
	hook := a.OnSend
	a.mu.Unlock()
	if hook != nil {
		hook(channel)
	}
	return ref, nil
}

func (a *Adapter) Update(_ context.Context, channel, ref string, p transport.Payload) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.updateErr[channel]; err != nil {
		return err
	}
	a.Updated = append(a.Updated, Sent{Channel: channel, MessageRef: ref, Payload: p})
	return nil
}

func (a *Adapter) Profile(_ context.Context, user string) (transport.Profile, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.profiles[user], nil
}

func (a *Adapter) AnswerAction(_ context.Context, act *transport.Action, text string) error {
	a.mu.Lock()
	a.Answers = append(a.Answers, Answer{ActionID: act.ActionID, Text: text})
	a.mu.Unlock()
	return nil
}

// SentTo returns payloads sent to channel, in order.
func (a *Adapter) SentTo(channel string) []transport.Payload {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []transport.Payload
	for _, s := range a.Sent {
		if s.Channel == channel {
			out = append(out, s.Payload)
		}
	}
	return out
}

func (a *Adapter) SentCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.Sent)
}

func (a *Adapter) UpdatedCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.Updated)
}

var (
	_ transport.Adapter          = (*Adapter)(nil)
	_ transport.ProfileFetcher   = (*Adapter)(nil)
	_ transport.CallbackAnswerer = (*Adapter)(nil)
)
