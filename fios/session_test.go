package fios

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLinkConfig() *LinkConfig {
	return &LinkConfig{
		ReadTimeout:  2 * time.Second,
		PollInterval: 10 * time.Millisecond,
	}
}

// testLinks returns a connected pair of links that are closed when the test
// ends.
func testLinks(t *testing.T, opts ...LinkOption) (*Link, *Link) {
	t.Helper()
	opts = append([]LinkOption{WithLinkConfig(testLinkConfig())}, opts...)
	a, b := Pipe(opts...)
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	return a, b
}

func writeTempFile(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "source.bin")
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

func randomBytes(n int, seed int64) []byte {
	data := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(data)
	return data
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(10 * time.Second):
		t.Fatalf("%s %s did not finish", s.Direction(), s.Path())
	}
}

func requireStatus(t *testing.T, s *Session, want Status) {
	t.Helper()
	status, _ := s.Idle()
	if status != want && status == StatusError {
		t.Fatalf("%s %s: want %s, got error: %s", s.Direction(), s.Path(), want, s.LastError())
	}
	require.Equal(t, want, status)
}

func TestSession_RoundTrip(t *testing.T) {
	sizes := []int{0, 1, 100, MaxPayloadSize - 1, MaxPayloadSize, MaxPayloadSize + 1, 3*MaxPayloadSize + 17, 100000}

	for _, size := range sizes {
		t.Run(fmt.Sprintf("%d bytes", size), func(t *testing.T) {
			a, b := testLinks(t)
			data := randomBytes(size, int64(size))
			src := writeTempFile(t, data)
			dst := filepath.Join(t.TempDir(), "received.bin")

			receiver, err := Receive(b, dst)
			require.NoError(t, err)
			sender, err := Send(a, src)
			require.NoError(t, err)

			waitDone(t, sender)
			waitDone(t, receiver)

			for _, s := range []*Session{sender, receiver} {
				requireStatus(t, s, StatusCompleted)
				_, progress := s.Idle()
				assert.Equal(t, 1.0, progress)
				assert.NoError(t, s.Err())
				assert.NoError(t, s.Close())
			}

			got, err := os.ReadFile(dst)
			require.NoError(t, err)
			assert.True(t, bytes.Equal(data, got), "received %d bytes, want %d", len(got), len(data))
		})
	}
}

func TestSession_ZeroByteFile(t *testing.T) {
	a, b := testLinks(t)
	src := writeTempFile(t, nil)
	dst := filepath.Join(t.TempDir(), "empty.bin")

	receiver, err := Receive(b, dst)
	require.NoError(t, err)
	defer receiver.Close()

	status, progress := receiver.Idle()
	assert.Equal(t, StatusInProgress, status)
	assert.Equal(t, 0.0, progress)

	sender, err := Send(a, src)
	require.NoError(t, err)
	defer sender.Close()

	waitDone(t, sender)
	waitDone(t, receiver)

	for _, s := range []*Session{sender, receiver} {
		status, progress := s.Idle()
		assert.Equal(t, StatusCompleted, status)
		assert.Equal(t, 1.0, progress)
	}

	info, err := os.Stat(dst)
	require.NoError(t, err)
	assert.Equal(t, int64(0), info.Size())
}

func TestSession_ProgressIsMonotonic(t *testing.T) {
	a, b := testLinks(t)
	data := randomBytes(64*MaxPayloadSize+5, 7)
	src := writeTempFile(t, data)
	dst := filepath.Join(t.TempDir(), "received.bin")

	receiver, err := Receive(b, dst)
	require.NoError(t, err)
	defer receiver.Close()
	sender, err := Send(a, src)
	require.NoError(t, err)
	defer sender.Close()

	var wg sync.WaitGroup
	for _, s := range []*Session{sender, receiver} {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			last := 0.0
			for {
				status, progress := s.Idle()
				assert.GreaterOrEqual(t, progress, last)
				assert.LessOrEqual(t, progress, 1.0)
				if status == StatusInProgress {
					assert.Less(t, progress, 1.0)
				}
				if status != StatusInProgress {
					assert.Equal(t, StatusCompleted, status)
					assert.Equal(t, 1.0, progress)
					return
				}
				last = progress
				time.Sleep(time.Millisecond)
			}
		}(s)
	}
	wg.Wait()
}

func TestSession_RejectsOversizedFile(t *testing.T) {
	a, b := testLinks(t)

	path := filepath.Join(t.TempDir(), "huge.bin")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(MaxFileSize+1))
	require.NoError(t, f.Close())

	s, err := Send(a, path)
	assert.Nil(t, s)
	typ, ok := TypeOf(err)
	require.True(t, ok)
	assert.Equal(t, ErrSizeBound, typ)

	// nothing reached the peer
	_, err = b.readFrame(context.Background(), 50*time.Millisecond)
	assert.True(t, IsTimeout(err), "got %v", err)

	// the link is free for another session
	s, err = Send(a, writeTempFile(t, []byte("x")))
	require.NoError(t, err)
	require.NoError(t, a.Close())
	waitDone(t, s)
	assert.NoError(t, s.Close())
}

func TestSession_CreateFailures(t *testing.T) {
	a, _ := testLinks(t)

	s, err := Send(a, filepath.Join(t.TempDir(), "missing.bin"))
	assert.Nil(t, s)
	typ, _ := TypeOf(err)
	assert.Equal(t, ErrSessionCreate, typ)

	s, err = Send(a, t.TempDir())
	assert.Nil(t, s)
	typ, _ = TypeOf(err)
	assert.Equal(t, ErrSessionCreate, typ)

	s, err = Receive(a, filepath.Join(t.TempDir(), "no", "such", "dir", "out.bin"))
	assert.Nil(t, s)
	typ, _ = TypeOf(err)
	assert.Equal(t, ErrSessionCreate, typ)

	s, err = Start(nil, DirectionSend, "x")
	assert.Nil(t, s)
	assert.Error(t, err)

	// failed creations do not hold the link
	s, err = Receive(a, filepath.Join(t.TempDir(), "out.bin"))
	require.NoError(t, err)
	assert.NoError(t, s.Close())
}

func TestSession_OneSessionPerLink(t *testing.T) {
	a, _ := testLinks(t)
	dir := t.TempDir()

	first, err := Receive(a, filepath.Join(dir, "one.bin"))
	require.NoError(t, err)

	second, err := Receive(a, filepath.Join(dir, "two.bin"))
	assert.Nil(t, second)
	typ, _ := TypeOf(err)
	assert.Equal(t, ErrBusy, typ)

	require.NoError(t, first.Close())

	third, err := Receive(a, filepath.Join(dir, "three.bin"))
	require.NoError(t, err)
	assert.NoError(t, third.Close())
}

func TestSession_ClosedLink(t *testing.T) {
	a, _ := testLinks(t)
	require.NoError(t, a.Close())

	s, err := Receive(a, filepath.Join(t.TempDir(), "out.bin"))
	assert.Nil(t, s)
	assert.True(t, IsClosed(err))
}

func TestSession_CloseWhileActive(t *testing.T) {
	a, _ := testLinks(t)

	// no sender ever shows up
	s, err := Receive(a, filepath.Join(t.TempDir(), "out.bin"))
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	status, _ := s.Idle()
	assert.Equal(t, StatusInProgress, status)

	start := time.Now()
	require.NoError(t, s.Close())
	assert.Less(t, time.Since(start), time.Second)

	select {
	case <-s.Done():
	default:
		t.Fatal("worker still running after Close")
	}

	// the link was released
	s, err = Receive(a, filepath.Join(t.TempDir(), "again.bin"))
	require.NoError(t, err)
	assert.NoError(t, s.Close())
}

func TestSession_UseAfterClose(t *testing.T) {
	a, _ := testLinks(t)

	s, err := Receive(a, filepath.Join(t.TempDir(), "out.bin"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// a closed session must not be used again
	assert.Panics(t, func() { s.Idle() })
	assert.Panics(t, func() { s.Progress() })
	assert.Panics(t, func() { s.LastError() })
	assert.Panics(t, func() { _ = s.Err() })

	assert.True(t, IsClosed(s.Close()))
}

func TestSession_LinkClosedMidTransfer(t *testing.T) {
	a, peer := testLinks(t)
	ctx := context.Background()
	size := 4 * MaxPayloadSize
	src := writeTempFile(t, randomBytes(size, 1))

	s, err := Send(a, src)
	require.NoError(t, err)
	defer s.Close()

	f, err := peer.ReadFrame(ctx)
	require.NoError(t, err)
	require.Equal(t, StartFrame(uint32(size)), f)
	require.NoError(t, peer.WriteFrame(ctx, AckFrame()))

	// acknowledge the first chunk only
	buf := make([]byte, MaxPayloadSize)
	f, err = peer.ReadFrame(ctx)
	require.NoError(t, err)
	require.Equal(t, DataFrame(MaxPayloadSize), f)
	require.NoError(t, peer.ReadPayload(ctx, buf))
	require.NoError(t, peer.WriteFrame(ctx, AckFrame()))

	f, err = peer.ReadFrame(ctx)
	require.NoError(t, err)
	require.Equal(t, KindData, f.Kind)
	require.NoError(t, peer.ReadPayload(ctx, buf))

	// the sender now waits for an acknowledgement that never comes
	require.NoError(t, a.Close())
	waitDone(t, s)

	status, progress := s.Idle()
	assert.Equal(t, StatusError, status)
	assert.Equal(t, 0.25, progress)
	assert.True(t, IsIO(s.Err()), "got %v", s.Err())
	assert.Contains(t, s.LastError(), "I/O error")
}

func TestSession_PeerDisconnects(t *testing.T) {
	a, b := testLinks(t)

	s, err := Receive(a, filepath.Join(t.TempDir(), "out.bin"))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, b.Close())
	waitDone(t, s)

	requireStatus(t, s, StatusError)
	assert.True(t, IsIO(s.Err()), "got %v", s.Err())
}

func TestSession_ReadTimeout(t *testing.T) {
	a, peer := testLinks(t, WithReadTimeout(200*time.Millisecond))
	src := writeTempFile(t, []byte("hello"))

	s, err := Send(a, src)
	require.NoError(t, err)
	defer s.Close()

	// take the START-SEND and go silent
	_, err = peer.ReadFrame(context.Background())
	require.NoError(t, err)

	waitDone(t, s)
	requireStatus(t, s, StatusError)
	assert.True(t, IsTimeout(s.Err()), "got %v", s.Err())
	assert.NotEmpty(t, s.LastError())
}

func TestSession_StartTimeout(t *testing.T) {
	a, _ := testLinks(t)

	s, err := Receive(a, filepath.Join(t.TempDir(), "out.bin"), WithStartTimeout(100*time.Millisecond))
	require.NoError(t, err)
	defer s.Close()

	waitDone(t, s)
	requireStatus(t, s, StatusError)
	assert.True(t, IsTimeout(s.Err()))
}

// expectPeerError reads the ERROR frame and message a failing session sends.
func expectPeerError(t *testing.T, peer *Link) string {
	t.Helper()
	ctx := context.Background()
	f, err := peer.ReadFrame(ctx)
	require.NoError(t, err)
	require.Equal(t, KindError, f.Kind)
	msg := make([]byte, f.Arg)
	require.NoError(t, peer.ReadPayload(ctx, msg))
	return string(msg)
}

func TestSession_MalformedFrame(t *testing.T) {
	a, peer := testLinks(t)
	ctx := context.Background()

	s, err := Receive(a, filepath.Join(t.TempDir(), "out.bin"))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, peer.WritePayload(ctx, []byte("garbage frame")))

	msg := expectPeerError(t, peer)
	assert.Contains(t, msg, "unknown opcode")

	waitDone(t, s)
	requireStatus(t, s, StatusError)
	assert.True(t, IsProtocol(s.Err()))
	assert.Contains(t, s.LastError(), "protocol error")
}

func TestSession_FailureVisibleWhilePeerStalls(t *testing.T) {
	for _, closeEarly := range []bool{true, false} {
		t.Run(fmt.Sprintf("close early %v", closeEarly), func(t *testing.T) {
			// default timeouts: the peer sends garbage and then stops reading
			a, peer := Pipe()
			t.Cleanup(func() {
				_ = a.Close()
				_ = peer.Close()
			})

			s, err := Receive(a, filepath.Join(t.TempDir(), "out.bin"))
			require.NoError(t, err)
			require.NoError(t, peer.WritePayload(context.Background(), []byte("garbage frame")))

			assert.Eventually(t, func() bool {
				status, _ := s.Idle()
				return status == StatusError
			}, 500*time.Millisecond, 5*time.Millisecond)
			assert.True(t, IsProtocol(s.Err()), "got %v", s.Err())

			if !closeEarly {
				// the error notification gives up on its own
				select {
				case <-s.Done():
				case <-time.After(notifyTimeout + time.Second):
					t.Fatal("worker still blocked on the peer")
				}
			}

			start := time.Now()
			require.NoError(t, s.Close())
			assert.Less(t, time.Since(start), time.Second)
			select {
			case <-s.Done():
			default:
				t.Fatal("worker still running after Close")
			}

			s, err = Receive(a, filepath.Join(t.TempDir(), "again.bin"))
			require.NoError(t, err)
			assert.NoError(t, s.Close())
		})
	}
}

func TestSession_MissingComplete(t *testing.T) {
	a, peer := testLinks(t, WithReadTimeout(200*time.Millisecond))
	ctx := context.Background()

	s, err := Receive(a, filepath.Join(t.TempDir(), "out.bin"))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, peer.WriteFrame(ctx, StartFrame(10)))
	_, err = peer.ReadFrame(ctx)
	require.NoError(t, err)
	require.NoError(t, peer.WriteFrame(ctx, DataFrame(10)))
	require.NoError(t, peer.WritePayload(ctx, make([]byte, 10)))
	_, err = peer.ReadFrame(ctx)
	require.NoError(t, err)

	// every byte is in, but COMPLETE never follows
	waitDone(t, s)
	requireStatus(t, s, StatusError)
	assert.True(t, IsProtocol(s.Err()), "got %v", s.Err())
	assert.Contains(t, s.LastError(), "no COMPLETE after all 10 bytes")
}

func TestSession_StartWaitDefaultsToReadTimeout(t *testing.T) {
	a, _ := testLinks(t, WithReadTimeout(100*time.Millisecond))

	s, err := Receive(a, filepath.Join(t.TempDir(), "out.bin"))
	require.NoError(t, err)
	waitDone(t, s)
	requireStatus(t, s, StatusError)
	assert.True(t, IsTimeout(s.Err()))
	require.NoError(t, s.Close())

	// a negative start timeout waits until closed
	s, err = Receive(a, filepath.Join(t.TempDir(), "out.bin"), WithStartTimeout(-1))
	require.NoError(t, err)
	time.Sleep(300 * time.Millisecond)
	status, _ := s.Idle()
	assert.Equal(t, StatusInProgress, status)
	assert.NoError(t, s.Close())
}

func TestSession_OptionsDoNotMutateConfig(t *testing.T) {
	a, _ := testLinks(t)
	config := &Config{ProgressInterval: time.Second}

	s, err := Receive(a, filepath.Join(t.TempDir(), "out.bin"),
		WithStartTimeout(-1), WithConfig(config))
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, time.Duration(-1), s.config.StartTimeout)
	assert.Equal(t, time.Second, s.config.ProgressInterval)
	assert.Zero(t, config.StartTimeout)
}

func TestSession_UnexpectedFrame(t *testing.T) {
	a, peer := testLinks(t)
	ctx := context.Background()

	s, err := Receive(a, filepath.Join(t.TempDir(), "out.bin"))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, peer.WriteFrame(ctx, DataFrame(4)))

	expectPeerError(t, peer)
	waitDone(t, s)
	assert.True(t, IsProtocol(s.Err()))
}

func TestSession_ReceiverSizeMismatch(t *testing.T) {
	a, peer := testLinks(t)
	ctx := context.Background()

	s, err := Receive(a, filepath.Join(t.TempDir(), "out.bin"))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, peer.WriteFrame(ctx, StartFrame(100)))
	f, err := peer.ReadFrame(ctx)
	require.NoError(t, err)
	require.Equal(t, AckFrame(), f)

	require.NoError(t, peer.WriteFrame(ctx, DataFrame(10)))
	require.NoError(t, peer.WritePayload(ctx, make([]byte, 10)))
	f, err = peer.ReadFrame(ctx)
	require.NoError(t, err)
	require.Equal(t, AckFrame(), f)

	require.NoError(t, peer.WriteFrame(ctx, CompleteFrame()))

	msg := expectPeerError(t, peer)
	assert.Contains(t, msg, "size mismatch")

	waitDone(t, s)
	status, progress := s.Idle()
	assert.Equal(t, StatusError, status)
	assert.InDelta(t, 0.1, progress, 1e-9)
	typ, _ := TypeOf(s.Err())
	assert.Equal(t, ErrSizeMismatch, typ)
}

func TestSession_ChunkOverrunsAnnouncedSize(t *testing.T) {
	a, peer := testLinks(t)
	ctx := context.Background()

	s, err := Receive(a, filepath.Join(t.TempDir(), "out.bin"))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, peer.WriteFrame(ctx, StartFrame(10)))
	_, err = peer.ReadFrame(ctx)
	require.NoError(t, err)
	require.NoError(t, peer.WriteFrame(ctx, DataFrame(20)))

	msg := expectPeerError(t, peer)
	assert.Contains(t, msg, "overruns")

	waitDone(t, s)
	assert.True(t, IsProtocol(s.Err()))
}

func TestSession_PeerReportsError(t *testing.T) {
	a, peer := testLinks(t)
	ctx := context.Background()
	src := writeTempFile(t, []byte("hello"))

	s, err := Send(a, src)
	require.NoError(t, err)
	defer s.Close()

	_, err = peer.ReadFrame(ctx)
	require.NoError(t, err)

	msg := []byte("disk full")
	require.NoError(t, peer.WriteFrame(ctx, ErrorFrame(uint32(len(msg)))))
	require.NoError(t, peer.WritePayload(ctx, msg))

	waitDone(t, s)
	requireStatus(t, s, StatusError)
	typ, _ := TypeOf(s.Err())
	assert.Equal(t, ErrPeer, typ)
	assert.Contains(t, s.LastError(), "disk full")
}

func TestSession_Callbacks(t *testing.T) {
	a, b := testLinks(t)
	data := randomBytes(2*MaxPayloadSize+1, 3)
	src := writeTempFile(t, data)

	var mu sync.Mutex
	var started int64 = -1
	var completed Stats
	var lastProgress int64
	callbacks := &Callbacks{
		OnStart: func(direction Direction, path string, size int64) {
			mu.Lock()
			defer mu.Unlock()
			assert.Equal(t, DirectionSend, direction)
			started = size
		},
		OnProgress: func(path string, transferred, total int64, rate float64) {
			mu.Lock()
			defer mu.Unlock()
			lastProgress = transferred
		},
		OnComplete: func(path string, stats Stats) {
			mu.Lock()
			defer mu.Unlock()
			completed = stats
		},
	}

	receiver, err := Receive(b, filepath.Join(t.TempDir(), "out.bin"))
	require.NoError(t, err)
	defer receiver.Close()
	sender, err := Send(a, src, WithCallbacks(callbacks))
	require.NoError(t, err)
	defer sender.Close()

	waitDone(t, sender)
	waitDone(t, receiver)

	stats := sender.Stats()
	assert.Equal(t, int64(len(data)), stats.Transferred)
	assert.Equal(t, int64(len(data)), stats.Total)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, int64(len(data)), started)
	assert.Equal(t, int64(len(data)), lastProgress)
	assert.Equal(t, stats, completed)
}

func TestRun_RoundTrip(t *testing.T) {
	a, b := testLinks(t)
	data := randomBytes(5*MaxPayloadSize, 11)
	src := writeTempFile(t, data)
	dst := filepath.Join(t.TempDir(), "out.bin")

	receiver, err := Receive(b, dst)
	require.NoError(t, err)
	defer receiver.Close()

	var last Status = -1
	var lastProgress float64
	err = Run(context.Background(), a, DirectionSend, src, func(status Status, progress float64) {
		last, lastProgress = status, progress
	}, WithConfig(&Config{CloseTimeout: time.Second, PollInterval: 5 * time.Millisecond}))
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, last)
	assert.Equal(t, 1.0, lastProgress)

	waitDone(t, receiver)
	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestRun_Cancelled(t *testing.T) {
	a, _ := testLinks(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := Run(ctx, a, DirectionReceive, filepath.Join(t.TempDir(), "out.bin"), nil)
	assert.True(t, IsCancelled(err), "got %v", err)

	// Run closed the session, so the link is free again
	s, err := Receive(a, filepath.Join(t.TempDir(), "again.bin"))
	require.NoError(t, err)
	assert.NoError(t, s.Close())
}

func TestRun_ReportsSessionError(t *testing.T) {
	a, _ := testLinks(t)

	err := Run(context.Background(), a, DirectionSend, filepath.Join(t.TempDir(), "missing"), nil)
	typ, _ := TypeOf(err)
	assert.Equal(t, ErrSessionCreate, typ)

	err = Run(context.Background(), a, DirectionReceive, filepath.Join(t.TempDir(), "out.bin"), nil,
		WithStartTimeout(50*time.Millisecond))
	assert.True(t, IsTimeout(err), "got %v", err)
}
