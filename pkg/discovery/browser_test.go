package discovery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedBrowse feeds fixed entries and then waits for cancellation.
func scriptedBrowse(added []ServiceEntry, removed []ServiceEntry) browseFunc {
	return func(ctx context.Context, entries, gone chan<- ServiceEntry) error {
		for _, e := range added {
			select {
			case entries <- e:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		for _, e := range removed {
			select {
			case gone <- e:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		<-ctx.Done()
		return nil
	}
}

func newTestResolver(browse browseFunc) *Resolver {
	r := NewResolver(BrowserConfig{BrowseTimeout: time.Second})
	r.browse = browse
	return r
}

func receive(t *testing.T, ch <-chan *Service) *Service {
	t.Helper()
	select {
	case svc, ok := <-ch:
		require.True(t, ok, "channel closed")
		return svc
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for service")
		return nil
	}
}

func TestBrowseAggregatesAddresses(t *testing.T) {
	r := newTestResolver(scriptedBrowse([]ServiceEntry{
		{Instance: "echo", Port: 9000, Text: []string{"scheme=ws"}, Addrs: []string{"10.0.0.1"}},
		{Instance: "echo", Port: 9000, Text: []string{"scheme=ws"}, Addrs: []string{"10.0.0.1"}},
		{Instance: "echo", Port: 9000, Text: []string{"scheme=ws"}, Addrs: []string{"fe80::1"}},
		{Instance: "other", Port: 9001, Text: []string{"scheme=tcp"}, Addrs: []string{"10.0.0.2"}},
	}, nil))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := r.Browse(ctx)
	require.NoError(t, err)

	first := receive(t, ch)
	assert.Equal(t, "echo", first.Instance)
	assert.Equal(t, []string{"10.0.0.1"}, first.Addresses)

	// The duplicate is swallowed; the new address re-emits the service.
	second := receive(t, ch)
	assert.Equal(t, "echo", second.Instance)
	assert.Equal(t, []string{"10.0.0.1", "fe80::1"}, second.Addresses)
	assert.Equal(t, []string{"10.0.0.1"}, first.Addresses, "earlier snapshots are not mutated")

	third := receive(t, ch)
	assert.Equal(t, "other", third.Instance)
	assert.Equal(t, "tcp", third.Scheme)

	cancel()
	for range ch {
	}
}

func TestBrowseSkipsUndecodableEntries(t *testing.T) {
	r := newTestResolver(scriptedBrowse([]ServiceEntry{
		{Instance: "broken", Text: []string{"scheme=gopher"}, Addrs: []string{"10.0.0.9"}},
		{Instance: "good", Port: 80, Addrs: []string{"10.0.0.1"}},
	}, nil))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := r.Browse(ctx)
	require.NoError(t, err)

	assert.Equal(t, "good", receive(t, ch).Instance)
}

func TestBrowseRemovalAllowsRediscovery(t *testing.T) {
	entry := ServiceEntry{Instance: "echo", Port: 9000, Addrs: []string{"10.0.0.1"}}
	r := newTestResolver(func(ctx context.Context, entries, gone chan<- ServiceEntry) error {
		entries <- entry
		gone <- ServiceEntry{Instance: "echo"}
		entries <- entry
		<-ctx.Done()
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := r.Browse(ctx)
	require.NoError(t, err)

	assert.Equal(t, "echo", receive(t, ch).Instance)
	assert.Equal(t, "echo", receive(t, ch).Instance)
}

func TestResolve(t *testing.T) {
	r := newTestResolver(scriptedBrowse([]ServiceEntry{
		{Instance: "a", Port: 9000, Addrs: []string{"10.0.0.1"}},
		{Instance: "b", Port: 9001, Text: []string{"path=/events"}, Addrs: []string{"10.0.0.2"}},
	}, nil))

	ep, err := r.Resolve(context.Background(), "b")
	require.NoError(t, err)
	assert.Equal(t, "ws://10.0.0.2:9001/events", ep.URL())

	ep, err = r.Resolve(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "ws://10.0.0.1:9000", ep.URL())
}

func TestResolveNotFound(t *testing.T) {
	r := newTestResolver(scriptedBrowse([]ServiceEntry{
		{Instance: "a", Port: 9000, Addrs: []string{"10.0.0.1"}},
	}, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := r.Resolve(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAdvertiserValidation(t *testing.T) {
	a := NewAdvertiser(DefaultAdvertiserConfig())
	defer a.Stop()

	assert.Error(t, a.Advertise(&ServiceInfo{}))
	assert.ErrorIs(t, a.Advertise(&ServiceInfo{Instance: "echo", Path: "/" + string(make([]byte, MaxTXTRecordSize))}), ErrTXTTooLarge)
	assert.Nil(t, a.Advertised())

	a.Stop()
	a.Stop()
}
