// Copyright 2021 Harald Albrecht.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package asyncsource

import (
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("async lookup cache", func() {

	It("serves a fresh lookup asynchronously, then delivers via callback", func() {
		var calls int32
		s := New[string, int](func(key string) int {
			atomic.AddInt32(&calls, 1)
			return len(key)
		})
		defer s.Stop()

		results := make(chan int, 1)
		v, immediate := s.Lookup("hello", func(v int) { results <- v })
		Expect(immediate).To(BeFalse())
		Expect(v).To(Equal(0))

		Eventually(results).Should(Receive(Equal(5)))
		Expect(atomic.LoadInt32(&calls)).To(Equal(int32(1)))
	})

	It("dedups concurrent lookups for the same key into a single fetch", func() {
		var calls int32
		unblock := make(chan struct{})
		s := New[string, int](func(key string) int {
			atomic.AddInt32(&calls, 1)
			<-unblock
			return 42
		})
		defer s.Stop()

		var wg sync.WaitGroup
		results := make(chan int, 10)
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.Lookup("shared", func(v int) { results <- v })
			}()
		}
		// Give every Lookup call a chance to register its callback before we
		// let the single in-flight fetch complete.
		time.Sleep(20 * time.Millisecond)
		close(unblock)
		wg.Wait()

		for i := 0; i < 10; i++ {
			Eventually(results).Should(Receive(Equal(42)))
		}
		Expect(atomic.LoadInt32(&calls)).To(Equal(int32(1)))
	})

	It("serves a cached, still-fresh value synchronously", func() {
		s := New[string, int](func(key string) int { return 7 }, WithTTL[string, int](time.Hour))
		defer s.Stop()

		_, immediate := s.Lookup("k", nil)
		Expect(immediate).To(BeFalse())

		Eventually(func() bool {
			_, ok := s.Lookup("k", nil)
			return ok
		}).Should(BeTrue())

		v, immediate := s.Lookup("k", nil)
		Expect(immediate).To(BeTrue())
		Expect(v).To(Equal(7))
	})

	It("re-fetches after the TTL has expired", func() {
		var calls int32
		s := New[string, int](func(key string) int {
			return int(atomic.AddInt32(&calls, 1))
		}, WithTTL[string, int](10*time.Millisecond))
		defer s.Stop()

		s.Lookup("k", nil)
		// Poll well inside the 10ms TTL: each poll is itself a Lookup, and a
		// poll that lands after expiry would trigger a refetch of its own.
		Eventually(func() bool {
			_, ok := s.Lookup("k", nil)
			return ok
		}, time.Second, time.Millisecond).Should(BeTrue())

		time.Sleep(30 * time.Millisecond)
		_, immediate := s.Lookup("k", nil)
		Expect(immediate).To(BeFalse())

		Eventually(func() int32 { return atomic.LoadInt32(&calls) }).Should(Equal(int32(2)))
	})

	It("drains pending callbacks with the fail value on Stop", func() {
		unblock := make(chan struct{})
		s := New[string, string](func(key string) string {
			<-unblock
			return "resolved"
		}, WithFailValue[string, string]("stopped"))

		results := make(chan string, 1)
		s.Lookup("k", func(v string) { results <- v })

		// Register a second, still-pending key so Stop must drain it too
		// without ever invoking the fetcher for it.
		pending := make(chan string, 1)
		s.Lookup("never-fetched", func(v string) { pending <- v })

		// Stop joins the worker, which may be blocked in the fetch for "k"
		// until unblock is closed, so Stop runs on its own goroutine.
		stopped := make(chan struct{})
		go func() {
			s.Stop()
			close(stopped)
		}()

		// Both callbacks were still pending at Stop time, so both are
		// drained with the fail value, regardless of whether their fetch
		// was merely queued or already in flight.
		Eventually(pending).Should(Receive(Equal("stopped")))
		Eventually(results).Should(Receive(Equal("stopped")))

		close(unblock)
		Eventually(stopped).Should(BeClosed())

		// The in-flight fetch for "k" completes after Stop; its actual
		// result must be discarded, not delivered a second time.
		Consistently(results, 50*time.Millisecond).ShouldNot(Receive())
	})

	It("is idempotent under repeated Stop calls", func() {
		s := New[string, int](func(key string) int { return 1 })
		s.Stop()
		Expect(s.Stop).NotTo(Panic())
	})
})
