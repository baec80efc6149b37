// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package tpool

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSum(t *testing.T) {
	assert := assert.New(t)

	var sum int64

	pool := New(10, func(arg1 interface{}, arg2 interface{}, arg3 interface{}) {
		atomic.AddInt64(&sum, arg1.(int64)+arg2.(int64)+arg3.(int64))
	})

	expected := int64(0)
	for i := int64(0); i < 100; i++ {
		assert.Nil(pool.AddWork(i, 2*i, i+2*i))
		expected += i + 2*i + i + 2*i
	}

	pool.Destroy()

	assert.Equal(expected, atomic.LoadInt64(&sum))
	assert.NotNil(pool.AddWork(int64(1), int64(2), int64(3)))
}

func TestDestroyDrainsSlowWork(t *testing.T) {
	assert := assert.New(t)

	var (
		mutex sync.Mutex
		seen  []string
	)

	pool := New(2, func(arg1 interface{}, arg2 interface{}, arg3 interface{}) {
		time.Sleep(time.Millisecond)
		mutex.Lock()
		seen = append(seen, arg1.(string)+" "+arg2.(string)+" "+arg3.(string))
		mutex.Unlock()
	})

	for i := 0; i < 20; i++ {
		assert.Nil(pool.AddWork("eat", "my", "donut"))
	}
	pool.Destroy()

	assert.Equal(20, len(seen))
	assert.Equal("eat my donut", seen[19])
}
