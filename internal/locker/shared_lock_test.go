// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package locker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
)

type SharedLockTest struct {
	suite.Suite
	mu sync.Mutex
	sl *SharedLock
}

func TestSharedLockTestSuite(t *testing.T) {
	suite.Run(t, new(SharedLockTest))
}

func (testSuite *SharedLockTest) SetupTest() {
	testSuite.sl = NewSharedLock(&testSuite.mu)
}

func (testSuite *SharedLockTest) acquire(exclusive bool) {
	testSuite.mu.Lock()
	testSuite.sl.Acquire(exclusive)
	testSuite.mu.Unlock()
}

func (testSuite *SharedLockTest) release(exclusive bool) {
	testSuite.mu.Lock()
	defer testSuite.mu.Unlock()
	testSuite.sl.Release(exclusive)
}

func (testSuite *SharedLockTest) tryAcquire(exclusive bool) bool {
	testSuite.mu.Lock()
	defer testSuite.mu.Unlock()
	return testSuite.sl.TryAcquire(exclusive)
}

func (testSuite *SharedLockTest) TestMultipleSharers() {
	testSuite.acquire(false)
	testSuite.acquire(false)

	assert.False(testSuite.T(), testSuite.tryAcquire(true))

	testSuite.release(false)
	testSuite.release(false)

	assert.True(testSuite.T(), testSuite.tryAcquire(true))
}

func (testSuite *SharedLockTest) TestExclusiveExcludesSharers() {
	testSuite.acquire(true)

	assert.False(testSuite.T(), testSuite.tryAcquire(false))
	assert.False(testSuite.T(), testSuite.tryAcquire(true))

	testSuite.release(true)
	assert.True(testSuite.T(), testSuite.tryAcquire(false))
}

// Two sharers hold the lock; an exclusive acquirer must wait for both.
func (testSuite *SharedLockTest) TestExclusiveWaitsForAllSharers() {
	testSuite.acquire(false)
	testSuite.acquire(false)

	acquired := make(chan struct{})
	go func() {
		testSuite.acquire(true)
		close(acquired)
	}()

	select {
	case <-acquired:
		testSuite.T().Fatal("exclusive acquire succeeded while sharers held the lock")
	case <-time.After(50 * time.Millisecond):
	}

	testSuite.release(false)

	select {
	case <-acquired:
		testSuite.T().Fatal("exclusive acquire succeeded while a sharer held the lock")
	case <-time.After(50 * time.Millisecond):
	}

	testSuite.release(false)

	select {
	case <-acquired:
	case <-time.After(time.Second):
		testSuite.T().Fatal("exclusive acquire did not complete after all sharers released")
	}

	testSuite.release(true)
}

func (testSuite *SharedLockTest) TestSharersWaitForExclusive() {
	testSuite.acquire(true)

	acquired := make(chan struct{})
	go func() {
		testSuite.acquire(false)
		close(acquired)
	}()

	select {
	case <-acquired:
		testSuite.T().Fatal("shared acquire succeeded while the lock was held exclusively")
	case <-time.After(50 * time.Millisecond):
	}

	testSuite.release(true)

	select {
	case <-acquired:
	case <-time.After(time.Second):
		testSuite.T().Fatal("shared acquire did not complete after exclusive release")
	}

	testSuite.release(false)
}

func (testSuite *SharedLockTest) TestReleaseWithoutAcquirePanics() {
	assert.Panics(testSuite.T(), func() { testSuite.release(true) })
	assert.Panics(testSuite.T(), func() { testSuite.release(false) })
}
