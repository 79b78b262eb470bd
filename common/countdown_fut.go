// Copyright 2024 The Quarry Authors
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

package common

import (
	"sync/atomic"

	log "github.com/quarry-labs/quarry/logger"
)

// CountDownFuture aggregates the completion of a fixed number of operations into a single callback. The
// callback runs with nil once every operation has counted down without error, or with the first error as soon
// as one is reported - errors don't wait for the stragglers. Further errors are dropped.
type CountDownFuture struct {
	count          atomic.Int32
	errSent        atomic.Bool
	completionFunc func(error)
}

func NewCountDownFuture(count int, completionFunc func(error)) *CountDownFuture {
	f := &CountDownFuture{
		completionFunc: completionFunc,
	}
	f.count.Store(int32(count))
	return f
}

func (f *CountDownFuture) CountDown(err error) {
	if err != nil {
		if !f.errSent.CompareAndSwap(false, true) {
			log.Debugf("countdown future already completed, dropping error: %v", err)
			return
		}
		f.completionFunc(err)
		return
	}
	remaining := f.count.Add(-1)
	if remaining < 0 {
		panic("countdown future completed too many times")
	}
	if remaining == 0 {
		f.completionFunc(nil)
	}
}
