package host

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/srg/serialmgr/internal/driver"
	"github.com/srg/serialmgr/internal/liveness"
	"github.com/srg/serialmgr/internal/registry"
	"github.com/srg/serialmgr/internal/session"
	"github.com/srg/serialmgr/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type HostTestSuite struct {
	suite.Suite
	helper *testutils.TestHelper
	driver *testutils.FakeDriver
	host   *Host
	ctx    context.Context
}

func (s *HostTestSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	s.driver = testutils.NewFakeDriver()
	s.driver.StatusOnOpenClose = true
	s.host = New(s.driver, &Options{
		Logger:         s.helper.Logger,
		ProcessWatcher: liveness.ProcessWatcherOptions{PollInterval: 10 * time.Millisecond},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	s.T().Cleanup(cancel)
	s.ctx = ctx
}

func (s *HostTestSuite) TearDownTest() {
	_ = s.host.Close()
}

func (s *HostTestSuite) TestMonitorLifecycle() {
	// GOAL: A caller registers, begins, receives status and data, sends, and ends
	//
	// TEST SCENARIO: add listener → begin (ENGINE_ON) → device message → send →
	// end (ENGINE_OFF is not guaranteed once disable starts) → status reflects each step

	owner, _ := s.helper.Owner("monitor")
	l := &testutils.RecordingListener{}
	s.Require().NoError(s.host.AddListener(s.ctx, registry.Handle{Owner: owner, Listener: l}))

	s.Require().NoError(s.host.Begin(s.ctx, driver.Config{Device: "/dev/ttyFAKE", BaudRate: 115200}))
	s.Require().True(l.WaitLen(1, time.Second))
	s.Equal([]string{"status:ENGINE_ON"}, l.Events())

	s.driver.EmitMessage("hello")
	s.Require().True(l.WaitLen(2, time.Second))
	s.Equal("msg:hello", l.Events()[1])

	s.Require().NoError(s.host.Send(s.ctx, []byte("ping\n")))
	s.Require().NoError(s.host.Print(s.ctx, "text"))
	s.Equal([]string{"ping\n", "text"}, s.driver.Sent())

	st, err := s.host.Status(s.ctx)
	s.Require().NoError(err)
	testutils.NewJSONAsserter(s.T()).AssertValue(st, `{
		"state": "enabled",
		"open": true,
		"engine_on": true,
		"listeners": 1,
		"pump": {"messages": 1, "status_events": 1, "wakeups": "<<PRESENCE>>"}
	}`)

	s.Require().NoError(s.host.End(s.ctx))
	st, err = s.host.Status(s.ctx)
	s.Require().NoError(err)
	s.Equal(session.StateDisabled, st.State)
	s.False(st.Open)
	s.False(st.EngineOn)
}

func (s *HostTestSuite) TestSendWhileDisabled() {
	err := s.host.Send(s.ctx, []byte("x"))
	s.ErrorIs(err, session.ErrNotEnabled)
}

func (s *HostTestSuite) TestAddRemoveListener() {
	owner, _ := s.helper.Owner("a")
	h := registry.Handle{Owner: owner, Listener: &testutils.RecordingListener{}}

	s.Require().NoError(s.host.AddListener(s.ctx, h))
	s.Require().NoError(s.host.AddListener(s.ctx, h))
	st, _ := s.host.Status(s.ctx)
	s.Equal(1, st.Listeners)

	s.Require().NoError(s.host.RemoveListener(s.ctx, h))
	s.Require().NoError(s.host.RemoveListener(s.ctx, h))
	st, _ = s.host.Status(s.ctx)
	s.Equal(0, st.Listeners)
}

func (s *HostTestSuite) TestDeadOwnerCleanedUp() {
	owner, kill := s.helper.Owner("short-lived")
	s.Require().NoError(s.host.AddListener(s.ctx, registry.Handle{Owner: owner, Listener: &testutils.RecordingListener{}}))

	kill()

	s.Eventually(func() bool {
		st, err := s.host.Status(s.ctx)
		return err == nil && st.Listeners == 0
	}, time.Second, 5*time.Millisecond, "dead owner MUST be removed without RemoveListener")
}

func (s *HostTestSuite) TestProcessOwner() {
	self := liveness.ProcessOwner{PID: int32(os.Getpid()), Name: "self"}
	s.Require().NoError(s.host.AddListener(s.ctx, registry.Handle{Owner: self, Listener: &testutils.RecordingListener{}}))

	st, err := s.host.Status(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, st.Listeners)
}

func (s *HostTestSuite) TestEnableDisable() {
	s.Require().NoError(s.host.Enable(s.ctx))
	s.Require().NoError(s.host.Enable(s.ctx))
	s.Equal(1, s.driver.Count("init"))

	s.Require().NoError(s.host.Disable(s.ctx))
	s.Require().NoError(s.host.Disable(s.ctx))
	s.Equal(1, s.driver.Count("cleanup"))
}

func (s *HostTestSuite) TestEnableFailureReported() {
	s.driver.SetInitErr(fmt.Errorf("permission denied"))

	err := s.host.Enable(s.ctx)
	var cfgErr *session.ConfigurationError
	s.Require().ErrorAs(err, &cfgErr)

	st, _ := s.host.Status(s.ctx)
	s.Equal(session.StateDisabled, st.State)
}

func (s *HostTestSuite) TestConcurrentCallers() {
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			owner, _ := s.helper.Owner(fmt.Sprintf("c%d", i))
			h := registry.Handle{Owner: owner, Listener: &testutils.RecordingListener{}}
			for j := 0; j < 10; j++ {
				s.NoError(s.host.AddListener(s.ctx, h))
				_ = s.host.Enable(s.ctx)
				_ = s.host.Send(s.ctx, []byte("x"))
				s.NoError(s.host.RemoveListener(s.ctx, h))
				_ = s.host.Disable(s.ctx)
			}
		}(i)
	}
	wg.Wait()

	st, err := s.host.Status(s.ctx)
	s.Require().NoError(err)
	s.Equal(0, st.Listeners)
	s.Equal(s.driver.Count("init"), s.driver.Count("cleanup"))
}

func (s *HostTestSuite) TestHungListenerDoesNotBlockOthers() {
	// GOAL: One listener stuck in a callback stalls neither device control nor other callers
	//
	// TEST SCENARIO: listener blocks in OnMessageReceived → Disable and another caller's
	// AddListener both return within a short deadline → a callback replying through Send
	// during Disable does not deadlock → release → nothing posted before disable is delivered

	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	unblock := sync.OnceFunc(func() { close(release) })
	defer unblock()

	var once sync.Once
	var replyErr error
	hung := &testutils.RecordingListener{Hook: func() {
		once.Do(func() {
			entered <- struct{}{}
			<-release
			replyErr = s.host.Send(s.ctx, []byte("ack"))
		})
	}}
	owner, _ := s.helper.Owner("hung")
	s.Require().NoError(s.host.AddListener(s.ctx, registry.Handle{Owner: owner, Listener: hung}))
	s.Require().NoError(s.host.Enable(s.ctx))

	s.driver.EmitMessage("stuck")
	<-entered
	s.driver.EmitMessage("queued")

	ctx, cancel := context.WithTimeout(s.ctx, 300*time.Millisecond)
	defer cancel()
	s.Require().NoError(s.host.Disable(ctx), "Disable MUST NOT wait for a hung listener")

	otherOwner, _ := s.helper.Owner("other")
	other := registry.Handle{Owner: otherOwner, Listener: &testutils.RecordingListener{}}
	s.Require().NoError(s.host.AddListener(ctx, other), "other callers MUST keep being served")
	st, err := s.host.Status(ctx)
	s.Require().NoError(err)
	s.Equal(2, st.Listeners)
	s.Equal(session.StateDisabled, st.State)

	unblock()
	s.Require().True(hung.WaitLen(1, time.Second))
	time.Sleep(20 * time.Millisecond)
	s.Equal([]string{"msg:stuck"}, hung.Events(), "work posted before disable MUST NOT be delivered")
	s.ErrorIs(replyErr, session.ErrNotEnabled, "a reply after disable MUST be rejected, not deadlock")
}

func TestHostTestSuite(t *testing.T) {
	suite.Run(t, new(HostTestSuite))
}

func TestHost_Close(t *testing.T) {
	d := testutils.NewFakeDriver()
	h := New(d, nil)
	ctx := context.Background()

	require.NoError(t, h.Begin(ctx, driver.Config{Device: "/dev/ttyFAKE"}))
	require.NoError(t, h.Close())
	require.NoError(t, h.Close())

	assert.Equal(t, []string{"init", "open", "close", "shutdown", "cleanup"}, d.Calls())
	assert.ErrorIs(t, h.Enable(ctx), ErrClosed)
	_, err := h.Status(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestHost_ContextCancelled(t *testing.T) {
	d := testutils.NewFakeDriver()
	h := New(d, nil)
	t.Cleanup(func() { _ = h.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// With an idle loop the request may still win the race, so only the
	// error kinds are checked.
	err := h.Enable(ctx)
	if err != nil {
		assert.ErrorIs(t, err, context.Canceled)
	}
}
