package tracker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"biovote/internal/platform/logger"
	"biovote/pkg/platform/sentinel"
	"biovote/pkg/requestcontext"
)

type MemoryTrackerSuite struct {
	suite.Suite
	tracker *MemoryTracker
	now     time.Time
}

func TestMemoryTrackerSuite(t *testing.T) {
	suite.Run(t, new(MemoryTrackerSuite))
}

func (s *MemoryTrackerSuite) SetupTest() {
	s.tracker = NewMemory()
	s.now = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
}

func (s *MemoryTrackerSuite) at(d time.Duration) context.Context {
	return requestcontext.WithTime(context.Background(), s.now.Add(d))
}

func (s *MemoryTrackerSuite) TestConsumeOnce() {
	ok, err := s.tracker.Consume(s.at(0), "sess-1", 15*time.Minute)
	s.Require().NoError(err)
	s.True(ok)

	ok, err = s.tracker.Consume(s.at(time.Minute), "sess-1", 15*time.Minute)
	s.Require().NoError(err)
	s.False(ok)

	consumed, err := s.tracker.IsConsumed(s.at(time.Minute), "sess-1")
	s.Require().NoError(err)
	s.True(consumed)
	s.False(s.tracker.Transactional())
}

func (s *MemoryTrackerSuite) TestRelease() {
	_, err := s.tracker.Consume(s.at(0), "sess-1", time.Minute)
	s.Require().NoError(err)
	s.Require().NoError(s.tracker.Release(s.at(0), "sess-1"))

	ok, err := s.tracker.Consume(s.at(0), "sess-1", time.Minute)
	s.Require().NoError(err)
	s.True(ok)
}

func (s *MemoryTrackerSuite) TestInvalidInput() {
	_, err := s.tracker.Consume(s.at(0), "", time.Minute)
	s.ErrorIs(err, sentinel.ErrInvalidState)
	_, err = s.tracker.Consume(s.at(0), "sess-1", 0)
	s.ErrorIs(err, sentinel.ErrInvalidState)
}

func (s *MemoryTrackerSuite) TestConcurrentConsumeHasOneWinner() {
	var wg sync.WaitGroup
	var winners atomic.Int32
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.tracker.Consume(s.at(0), "sess-race", time.Minute)
			s.NoError(err)
			if ok {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()
	s.Equal(int32(1), winners.Load())
}

func (s *MemoryTrackerSuite) TestSweep() {
	_, _ = s.tracker.Consume(s.at(0), "short", time.Minute)
	_, _ = s.tracker.Consume(s.at(0), "long", time.Hour)

	n, err := s.tracker.Sweep(context.Background(), s.now.Add(2*time.Minute))
	s.Require().NoError(err)
	s.Equal(int64(1), n)

	consumed, _ := s.tracker.IsConsumed(s.at(2*time.Minute), "long")
	s.True(consumed)
}

func (s *MemoryTrackerSuite) TestRunSweeperStopsOnCancel() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- RunSweeper(ctx, s.tracker, 5*time.Millisecond, logger.Discard(), nil)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		s.NoError(err)
	case <-time.After(time.Second):
		s.Fail("sweeper did not stop")
	}
}
