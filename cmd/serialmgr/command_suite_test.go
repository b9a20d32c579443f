//go:build linux

package main

import (
	"context"
	"strings"
	"time"

	"github.com/srg/serialmgr/internal/ptyio"
	"github.com/srg/serialmgr/internal/testutils"
	"github.com/stretchr/testify/suite"
)

// CommandTestSuite runs serialmgr commands against a virtual serial device.
// All cmd/serialmgr test suites should embed it.
type CommandTestSuite struct {
	suite.Suite
	Helper *testutils.TestHelper
}

func (s *CommandTestSuite) SetupTest() {
	s.Helper = testutils.NewTestHelper(s.T())

	for _, name := range []string{"log-level", "config"} {
		s.Require().NoError(rootCmd.PersistentFlags().Set(name, ""))
	}
	s.Require().NoError(rootCmd.PersistentFlags().Set("verbose", "false"))
}

// NewDevice creates a virtual serial device that is closed when the test ends.
func (s *CommandTestSuite) NewDevice() ptyio.PTY {
	dev, err := ptyio.New(&ptyio.Options{Logger: s.Helper.Logger, PollTimeout: 10 * time.Millisecond})
	if err != nil {
		s.T().Skipf("pty unavailable: %v", err)
	}
	s.T().Cleanup(func() { _ = dev.Close() })
	return dev
}

// ExecuteCommand runs serialmgr with args until it returns, capturing stdout
// and stderr into out.
func (s *CommandTestSuite) ExecuteCommand(ctx context.Context, out *testutils.SyncBuffer, args ...string) error {
	rootCmd.SetOut(out)
	rootCmd.SetErr(out)
	rootCmd.SetIn(strings.NewReader(""))
	rootCmd.SetArgs(args)
	defer rootCmd.SetArgs(nil)
	return rootCmd.ExecuteContext(ctx)
}

// StartCommand runs serialmgr in the background. The returned channel yields
// the command's error.
func (s *CommandTestSuite) StartCommand(ctx context.Context, out *testutils.SyncBuffer, args ...string) <-chan error {
	done := make(chan error, 1)
	go func() { done <- s.ExecuteCommand(ctx, out, args...) }()
	return done
}

// WaitCommand waits for a command started with StartCommand.
func (s *CommandTestSuite) WaitCommand(done <-chan error) error {
	select {
	case err := <-done:
		return err
	case <-time.After(10 * time.Second):
		s.FailNow("command MUST return after its context is cancelled")
		return nil
	}
}
