package delivery

import (
	"context"
	"fmt"
	"sync"
)

type call struct {
	Op   string // send, edit, typing
	ID   string
	Text string
}

type fakeTransport struct {
	mu    sync.Mutex
	calls []call
	next  int
	fail  error
}

func (f *fakeTransport) Send(_ context.Context, _ string, msg Rendered) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return "", f.fail
	}
	f.next++
	id := fmt.Sprintf("$ev%d", f.next)
	f.calls = append(f.calls, call{Op: "send", ID: id, Text: msg.Text})
	return id, nil
}

func (f *fakeTransport) Edit(_ context.Context, _ string, id string, msg Rendered) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.calls = append(f.calls, call{Op: "edit", ID: id, Text: msg.Text})
	return nil
}

func (f *fakeTransport) Typing(_ context.Context, _ string, typing bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{Op: "typing", Text: fmt.Sprint(typing)})
	return nil
}

func (f *fakeTransport) all() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}
