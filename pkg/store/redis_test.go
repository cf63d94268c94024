package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otherjamesbrown/penf-capture/pkg/capture"
	pferrors "github.com/otherjamesbrown/penf-capture/pkg/errors"
	"github.com/otherjamesbrown/penf-capture/pkg/observability"
)

type fakeRedis struct {
	mu     sync.Mutex
	data   map[string]string
	sets   map[string]map[string]struct{}
	ops    []string
	msgs   map[string][]string
	failTx error
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{
		data: make(map[string]string),
		sets: make(map[string]map[string]struct{}),
		msgs: make(map[string][]string),
	}
}

// fakePipe implements only the pipeline commands the bridge issues.
type fakePipe struct {
	redis.Pipeliner
	sets  map[string]string
	sadds map[string][]string
}

func (p *fakePipe) Set(ctx context.Context, key string, value interface{}, _ time.Duration) *redis.StatusCmd {
	switch v := value.(type) {
	case []byte:
		p.sets[key] = string(v)
	case string:
		p.sets[key] = v
	}
	return redis.NewStatusResult("OK", nil)
}

func (p *fakePipe) SAdd(ctx context.Context, key string, members ...interface{}) *redis.IntCmd {
	for _, m := range members {
		p.sadds[key] = append(p.sadds[key], m.(string))
	}
	return redis.NewIntResult(int64(len(members)), nil)
}

func (f *fakeRedis) TxPipelined(ctx context.Context, fn func(redis.Pipeliner) error) ([]redis.Cmder, error) {
	if f.failTx != nil {
		return nil, f.failTx
	}
	p := &fakePipe{sets: make(map[string]string), sadds: make(map[string][]string)}
	if err := fn(p); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for k, v := range p.sets {
		f.data[k] = v
	}
	for k, members := range p.sadds {
		if f.sets[k] == nil {
			f.sets[k] = make(map[string]struct{})
		}
		for _, m := range members {
			f.sets[k][m] = struct{}{}
		}
	}
	f.ops = append(f.ops, "exec")
	return nil, nil
}

func (f *fakeRedis) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	payload, _ := message.([]byte)
	f.msgs[channel] = append(f.msgs[channel], string(payload))
	f.ops = append(f.ops, "publish "+channel)
	return redis.NewIntResult(1, nil)
}

func (f *fakeRedis) Get(ctx context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) MGet(ctx context.Context, keys ...string) *redis.SliceCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	vals := make([]interface{}, len(keys))
	for i, k := range keys {
		if v, ok := f.data[k]; ok {
			vals[i] = v
		}
	}
	return redis.NewSliceResult(vals, nil)
}

func (f *fakeRedis) SMembers(ctx context.Context, key string) *redis.StringSliceCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for m := range f.sets[key] {
		out = append(out, m)
	}
	sort.Strings(out)
	return redis.NewStringSliceResult(out, nil)
}

func TestRedisBridge_PersistAndLoad(t *testing.T) {
	ctx := context.Background()
	client := newFakeRedis()
	b := NewRedisBridge(client, RedisConfig{}, nil)

	require.NoError(t, b.Persist(ctx, capture.AllFields, sampleSnapshot(), false))

	assert.Equal(t, `"Dana"`, client.data["capture:session:sess-1:userName"])
	assert.Contains(t, client.data["capture:session:sess-1:transcript"], `"personTranscript":"hello"`)
	assert.Empty(t, client.msgs, "no export requested")

	got, err := b.Load(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, sampleSnapshot(), got)

	ids, err := b.Sessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"sess-1"}, ids)
}

func TestRedisBridge_DownloadPublishedAfterCommit(t *testing.T) {
	ctx := context.Background()
	client := newFakeRedis()
	b := NewRedisBridge(client, RedisConfig{Prefix: "test"}, nil)

	require.NoError(t, b.Persist(ctx, capture.Fields{capture.FieldTranscript, capture.FieldChatMessages}, sampleSnapshot(), true))

	assert.Equal(t, []string{"exec", "publish " + observability.ChannelDownload}, client.ops)
	require.Len(t, client.msgs[observability.ChannelDownload], 1)

	event, err := observability.ParseCaptureEvent([]byte(client.msgs[observability.ChannelDownload][0]))
	require.NoError(t, err)
	assert.Equal(t, "sess-1", event.SessionID)
	assert.Equal(t, 1, event.Transcript)
	assert.Equal(t, 1, event.ChatMessages)
}

func TestRedisBridge_EmptyTranscriptExportIsNoop(t *testing.T) {
	client := newFakeRedis()
	b := NewRedisBridge(client, RedisConfig{}, nil)

	snap := sampleSnapshot()
	snap.Transcript = nil
	require.NoError(t, b.Persist(context.Background(), capture.Fields{capture.FieldTranscript}, snap, true))
	assert.Equal(t, []string{"exec"}, client.ops)
}

func TestRedisBridge_FailedCommitPublishesNothing(t *testing.T) {
	client := newFakeRedis()
	client.failTx = errors.New("connection refused")
	b := NewRedisBridge(client, RedisConfig{}, nil)

	err := b.Persist(context.Background(), capture.Fields{capture.FieldTranscript}, sampleSnapshot(), true)
	require.Error(t, err)
	assert.Empty(t, client.msgs)
}

func TestRedisBridge_NotifyAndOperationMode(t *testing.T) {
	ctx := context.Background()
	client := newFakeRedis()
	b := NewRedisBridge(client, RedisConfig{}, nil)

	require.NoError(t, b.Notify(ctx, capture.Notification{Type: capture.NotificationNewMeetingStarted, SessionID: "sess-1"}))
	assert.Len(t, client.msgs[observability.ChannelMeetingStarted], 1)

	mode, err := b.OperationMode(ctx)
	require.NoError(t, err)
	assert.Equal(t, capture.OperationModeAuto, mode)

	client.data[b.OperationModeKey()] = "manual"
	mode, err = b.OperationMode(ctx)
	require.NoError(t, err)
	assert.Equal(t, capture.OperationModeManual, mode)
}

func TestRedisBridge_LoadMissing(t *testing.T) {
	_, err := NewRedisBridge(newFakeRedis(), RedisConfig{}, nil).Load(context.Background(), "nope")
	assert.True(t, pferrors.IsNotFound(err))
}
